// Package repository Worker 相关的存储操作
package repository

import (
	"context"

	"study-server/internal/shared/model"
	"study-server/internal/shared/storage"
)

// CreateWorker 创建 Worker
func (s *Store) CreateWorker(ctx context.Context, w *model.Worker) error {
	query := s.rebind(`
		INSERT INTO workers (id, type, external_id, comment, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`)
	_, err := s.db.ExecContext(ctx, query,
		w.ID, w.Type, w.ExternalID, w.Comment, w.CreatedAt)
	if isDuplicateErr(err) {
		return storage.ErrDuplicate
	}
	return err
}

// GetWorker 获取 Worker
func (s *Store) GetWorker(ctx context.Context, id int64) (*model.Worker, error) {
	query := s.rebind(`
		SELECT id, type, external_id, comment, created_at
		FROM workers WHERE id = $1
	`)
	w := &model.Worker{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&w.ID, &w.Type, &w.ExternalID, &w.Comment, &w.CreatedAt)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return w, nil
}

// FindWorkerByExternalID 按类型 + 平台侧标识查找 Worker
func (s *Store) FindWorkerByExternalID(ctx context.Context, t model.WorkerType, externalID string) (*model.Worker, error) {
	query := s.rebind(`
		SELECT id, type, external_id, comment, created_at
		FROM workers WHERE type = $1 AND external_id = $2
		ORDER BY created_at LIMIT 1
	`)
	w := &model.Worker{}
	err := s.db.QueryRowContext(ctx, query, t, externalID).Scan(
		&w.ID, &w.Type, &w.ExternalID, &w.Comment, &w.CreatedAt)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return w, nil
}
