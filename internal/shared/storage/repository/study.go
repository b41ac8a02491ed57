// Package repository Study/Component 相关的存储操作
package repository

import (
	"context"

	"study-server/internal/shared/model"
	"study-server/internal/shared/storage"
)

// CreateStudy 创建 Study 及其步骤列表
func (s *Store) CreateStudy(ctx context.Context, study *model.Study) error {
	query := s.rebind(`
		INSERT INTO studies (id, title, active, group_study, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`)
	_, err := s.db.ExecContext(ctx, query,
		study.ID, study.Title, study.Active, study.GroupStudy,
		study.CreatedAt, study.UpdatedAt)
	if isDuplicateErr(err) {
		return storage.ErrDuplicate
	}
	if err != nil {
		return err
	}

	compQuery := s.rebind(`
		INSERT INTO components (id, study_id, title, position, active, reloadable, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`)
	for _, c := range study.Components {
		c.StudyID = study.ID
		_, err := s.db.ExecContext(ctx, compQuery,
			c.ID, c.StudyID, c.Title, c.Position, c.Active, c.Reloadable, c.CreatedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

// GetStudy 加载 study 及其按 position 排序的步骤列表
func (s *Store) GetStudy(ctx context.Context, id int64) (*model.Study, error) {
	query := s.rebind(`
		SELECT id, title, active, group_study, created_at, updated_at
		FROM studies WHERE id = $1
	`)
	study := &model.Study{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&study.ID, &study.Title, &study.Active, &study.GroupStudy,
		&study.CreatedAt, &study.UpdatedAt)
	if err != nil {
		return nil, mapNotFound(err)
	}

	compQuery := s.rebind(`
		SELECT id, study_id, title, position, active, reloadable, created_at
		FROM components WHERE study_id = $1 ORDER BY position
	`)
	rows, err := s.db.QueryContext(ctx, compQuery, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		c := &model.Component{}
		err := rows.Scan(&c.ID, &c.StudyID, &c.Title, &c.Position,
			&c.Active, &c.Reloadable, &c.CreatedAt)
		if err != nil {
			return nil, err
		}
		study.Components = append(study.Components, c)
	}
	return study, rows.Err()
}
