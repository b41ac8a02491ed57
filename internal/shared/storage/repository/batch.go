// Package repository Batch 相关的存储操作
package repository

import (
	"context"
	"strings"

	"study-server/internal/shared/model"
	"study-server/internal/shared/storage"
)

// joinWorkerTypes 将类型列表编码为逗号分隔字符串（列 allowed_worker_types）
func joinWorkerTypes(types []model.WorkerType) string {
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = string(t)
	}
	return strings.Join(parts, ",")
}

// splitWorkerTypes 解码 allowed_worker_types 列
func splitWorkerTypes(raw string) []model.WorkerType {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	types := make([]model.WorkerType, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			types = append(types, model.WorkerType(p))
		}
	}
	return types
}

// CreateBatch 创建 Batch
func (s *Store) CreateBatch(ctx context.Context, b *model.Batch) error {
	query := s.rebind(`
		INSERT INTO batches (id, study_id, title, active, allowed_worker_types, max_total_workers, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`)
	_, err := s.db.ExecContext(ctx, query,
		b.ID, b.StudyID, b.Title, b.Active,
		joinWorkerTypes(b.AllowedWorkerTypes), b.MaxTotalWorkers, b.CreatedAt)
	if isDuplicateErr(err) {
		return storage.ErrDuplicate
	}
	return err
}

// GetBatch 获取 Batch
func (s *Store) GetBatch(ctx context.Context, id int64) (*model.Batch, error) {
	query := s.rebind(`
		SELECT id, study_id, title, active, allowed_worker_types, max_total_workers, created_at
		FROM batches WHERE id = $1
	`)
	return s.scanBatchRow(ctx, query, id)
}

// FirstBatchOfStudy 返回 study 的默认批次（最早创建的一个）
func (s *Store) FirstBatchOfStudy(ctx context.Context, studyID int64) (*model.Batch, error) {
	query := s.rebind(`
		SELECT id, study_id, title, active, allowed_worker_types, max_total_workers, created_at
		FROM batches WHERE study_id = $1 ORDER BY created_at, id LIMIT 1
	`)
	return s.scanBatchRow(ctx, query, studyID)
}

func (s *Store) scanBatchRow(ctx context.Context, query string, arg interface{}) (*model.Batch, error) {
	b := &model.Batch{}
	var allowed string
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&b.ID, &b.StudyID, &b.Title, &b.Active, &allowed,
		&b.MaxTotalWorkers, &b.CreatedAt)
	if err != nil {
		return nil, mapNotFound(err)
	}
	b.AllowedWorkerTypes = splitWorkerTypes(allowed)
	return b, nil
}

// CountDistinctWorkers 统计批次内已出现过的不同 Worker 数
func (s *Store) CountDistinctWorkers(ctx context.Context, batchID int64) (int, error) {
	query := s.rebind(`
		SELECT COUNT(DISTINCT worker_id) FROM study_runs WHERE batch_id = $1
	`)
	var count int
	err := s.db.QueryRowContext(ctx, query, batchID).Scan(&count)
	return count, err
}
