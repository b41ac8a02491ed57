// Package repository StudyRun 相关的存储操作
package repository

import (
	"context"
	"time"

	"study-server/internal/shared/model"
	"study-server/internal/shared/storage"
)

// CreateStudyRun 创建 StudyRun
func (s *Store) CreateStudyRun(ctx context.Context, r *model.StudyRun) error {
	query := s.rebind(`
		INSERT INTO study_runs (id, study_id, batch_id, worker_id, state, confirmation_code, group_run_id, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`)
	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.StudyID, r.BatchID, r.WorkerID, r.State,
		r.ConfirmationCode, r.GroupRunID, r.StartedAt, r.FinishedAt)
	if isDuplicateErr(err) {
		return storage.ErrDuplicate
	}
	return err
}

// GetStudyRun 加载运行及其按创建顺序排序的 ComponentRun 列表
func (s *Store) GetStudyRun(ctx context.Context, id int64) (*model.StudyRun, error) {
	query := s.rebind(`
		SELECT id, study_id, batch_id, worker_id, state, confirmation_code, group_run_id, started_at, finished_at
		FROM study_runs WHERE id = $1
	`)
	r, err := scanStudyRun(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, mapNotFound(err)
	}
	r.ComponentRuns, err = s.listComponentRuns(ctx, id)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ListStudyRunsByWorkerAndStudy 按开始时间升序返回该 Worker 在该 study 上的全部运行
func (s *Store) ListStudyRunsByWorkerAndStudy(ctx context.Context, workerID, studyID int64) ([]*model.StudyRun, error) {
	query := s.rebind(`
		SELECT id, study_id, batch_id, worker_id, state, confirmation_code, group_run_id, started_at, finished_at
		FROM study_runs WHERE worker_id = $1 AND study_id = $2
		ORDER BY started_at, id
	`)
	return s.queryStudyRuns(ctx, query, workerID, studyID)
}

// ListStudyRunsByStudy 按开始时间升序返回 study 的全部运行（结果导出用）
//
// 每个运行都带上它的 ComponentRun 列表。
func (s *Store) ListStudyRunsByStudy(ctx context.Context, studyID int64) ([]*model.StudyRun, error) {
	query := s.rebind(`
		SELECT id, study_id, batch_id, worker_id, state, confirmation_code, group_run_id, started_at, finished_at
		FROM study_runs WHERE study_id = $1
		ORDER BY started_at, id
	`)
	runs, err := s.queryStudyRuns(ctx, query, studyID)
	if err != nil {
		return nil, err
	}
	for _, r := range runs {
		r.ComponentRuns, err = s.listComponentRuns(ctx, r.ID)
		if err != nil {
			return nil, err
		}
	}
	return runs, nil
}

// FinishStudyRun 守卫更新：仅当运行仍为 STARTED 时转移到终态
//
// 并发的两次 finish 中只有先写者会命中该行（先写者胜），
// 后写者得到 false，由 lifecycle 重新读取已存储的结果。
func (s *Store) FinishStudyRun(ctx context.Context, id int64, state model.StudyRunState, confirmationCode *string) (bool, error) {
	query := s.rebind(`
		UPDATE study_runs
		SET state = $1, confirmation_code = $2, finished_at = $3
		WHERE id = $4 AND state = 'STARTED'
	`)
	res, err := s.db.ExecContext(ctx, query, state, confirmationCode, time.Now().UTC(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// queryStudyRuns 执行查询并扫描多行 StudyRun
func (s *Store) queryStudyRuns(ctx context.Context, query string, args ...interface{}) ([]*model.StudyRun, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*model.StudyRun
	for rows.Next() {
		r, err := scanStudyRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// scanStudyRun 辅助函数
func scanStudyRun(scanner interface {
	Scan(dest ...interface{}) error
}) (*model.StudyRun, error) {
	r := &model.StudyRun{}
	err := scanner.Scan(
		&r.ID, &r.StudyID, &r.BatchID, &r.WorkerID, &r.State,
		&r.ConfirmationCode, &r.GroupRunID, &r.StartedAt, &r.FinishedAt)
	if err != nil {
		return nil, err
	}
	return r, nil
}
