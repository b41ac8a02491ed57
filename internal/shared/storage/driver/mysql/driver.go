// Package mysql MySQL 数据库驱动（预留）
//
// 提供 MySQL 方言实现。
// 当前为 stub 实现，后续可完善。
package mysql

import (
	"database/sql"
	"fmt"

	"study-server/internal/shared/storage/dbutil"
)

// Dialect MySQL 方言实现
type Dialect struct{}

var _ dbutil.Dialect = (*Dialect)(nil)

// NewDialect 创建 MySQL 方言
func NewDialect() *Dialect {
	return &Dialect{}
}

func (d *Dialect) DriverType() dbutil.DriverType {
	return dbutil.DriverMySQL
}

func (d *Dialect) Rebind(query string) string {
	return dbutil.StripPgCasts(dbutil.RebindToQuestion(query))
}

func (d *Dialect) AutoMigrate(db *sql.DB) error {
	return fmt.Errorf("mysql auto-migrate not implemented, apply schema manually")
}
