// Package sqlite SQLite 数据库驱动
//
// 提供 SQLite 连接管理、方言实现和自动 Schema 迁移。
// 适用于开发、测试和轻量级部署场景。
package sqlite

import (
	"database/sql"
	"fmt"

	"study-server/internal/shared/storage/dbutil"

	_ "modernc.org/sqlite"
)

// Dialect SQLite 方言实现
type Dialect struct{}

var _ dbutil.Dialect = (*Dialect)(nil)

// NewDialect 创建 SQLite 方言
func NewDialect() *Dialect {
	return &Dialect{}
}

func (d *Dialect) DriverType() dbutil.DriverType {
	return dbutil.DriverSQLite
}

func (d *Dialect) Rebind(query string) string {
	return dbutil.StripPgCasts(dbutil.RebindToQuestion(query))
}

func (d *Dialect) AutoMigrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// Open 创建 SQLite 数据库连接
// dsn 示例: "file:study.db?cache=shared&mode=rwc" 或 ":memory:"
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// SQLite 优化设置
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("failed to set pragma %s: %w", p, err)
		}
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}

	return db, nil
}

// schema SQLite 完整建表语句（等价于 PostgreSQL 迁移文件）
const schema = `
-- workers
CREATE TABLE IF NOT EXISTS workers (
    id INTEGER PRIMARY KEY,
    type VARCHAR(32) NOT NULL,
    external_id VARCHAR(200),
    comment TEXT,
    created_at DATETIME DEFAULT (datetime('now'))
);

-- studies
CREATE TABLE IF NOT EXISTS studies (
    id INTEGER PRIMARY KEY,
    title VARCHAR(200) NOT NULL,
    active INTEGER NOT NULL DEFAULT 1,
    group_study INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME DEFAULT (datetime('now')),
    updated_at DATETIME DEFAULT (datetime('now'))
);

-- components
CREATE TABLE IF NOT EXISTS components (
    id INTEGER PRIMARY KEY,
    study_id INTEGER NOT NULL REFERENCES studies(id) ON DELETE CASCADE,
    title VARCHAR(200) NOT NULL,
    position INTEGER NOT NULL,
    active INTEGER NOT NULL DEFAULT 1,
    reloadable INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_components_study ON components(study_id, position);

-- batches
CREATE TABLE IF NOT EXISTS batches (
    id INTEGER PRIMARY KEY,
    study_id INTEGER NOT NULL REFERENCES studies(id) ON DELETE CASCADE,
    title VARCHAR(200) NOT NULL,
    active INTEGER NOT NULL DEFAULT 1,
    allowed_worker_types TEXT NOT NULL DEFAULT '',
    max_total_workers INTEGER,
    created_at DATETIME DEFAULT (datetime('now'))
);

-- study_runs
CREATE TABLE IF NOT EXISTS study_runs (
    id INTEGER PRIMARY KEY,
    study_id INTEGER NOT NULL REFERENCES studies(id),
    batch_id INTEGER NOT NULL REFERENCES batches(id),
    worker_id INTEGER NOT NULL REFERENCES workers(id),
    state VARCHAR(32) NOT NULL DEFAULT 'STARTED',
    confirmation_code VARCHAR(64),
    group_run_id INTEGER,
    started_at DATETIME DEFAULT (datetime('now')),
    finished_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_study_runs_worker_study ON study_runs(worker_id, study_id);
CREATE INDEX IF NOT EXISTS idx_study_runs_batch ON study_runs(batch_id);

-- component_runs
CREATE TABLE IF NOT EXISTS component_runs (
    id INTEGER PRIMARY KEY,
    study_run_id INTEGER NOT NULL REFERENCES study_runs(id) ON DELETE CASCADE,
    component_id INTEGER NOT NULL REFERENCES components(id),
    position INTEGER NOT NULL,
    state VARCHAR(32) NOT NULL DEFAULT 'STARTED',
    result_data TEXT,
    started_at DATETIME DEFAULT (datetime('now')),
    finished_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_component_runs_run ON component_runs(study_run_id);
`
