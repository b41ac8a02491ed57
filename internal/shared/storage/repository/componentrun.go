// Package repository ComponentRun 相关的存储操作
package repository

import (
	"context"
	"time"

	"study-server/internal/shared/model"
	"study-server/internal/shared/storage"
)

// CreateComponentRun 创建 ComponentRun
func (s *Store) CreateComponentRun(ctx context.Context, cr *model.ComponentRun) error {
	query := s.rebind(`
		INSERT INTO component_runs (id, study_run_id, component_id, position, state, result_data, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`)
	_, err := s.db.ExecContext(ctx, query,
		cr.ID, cr.StudyRunID, cr.ComponentID, cr.Position, cr.State,
		cr.ResultData, cr.StartedAt, cr.FinishedAt)
	if isDuplicateErr(err) {
		return storage.ErrDuplicate
	}
	return err
}

// RemoveComponentRun 删除一条步骤记录
func (s *Store) RemoveComponentRun(ctx context.Context, id int64) error {
	query := s.rebind(`DELETE FROM component_runs WHERE id = $1`)
	_, err := s.db.ExecContext(ctx, query, id)
	return err
}

// SetComponentRunState 守卫更新：仅当记录仍为非终态时更新状态
//
// 终态行不会被命中，保证状态单调。
func (s *Store) SetComponentRunState(ctx context.Context, id int64, state model.ComponentRunState) (bool, error) {
	query := s.rebind(`
		UPDATE component_runs SET state = $1, finished_at = $2
		WHERE id = $3 AND state NOT IN ('FINISHED', 'FAIL')
	`)
	var finishedAt *time.Time
	if state.Terminal() {
		now := time.Now().UTC()
		finishedAt = &now
	}
	res, err := s.db.ExecContext(ctx, query, state, finishedAt, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetComponentRunResultData 写入结果数据并把状态推进到 RESULTDATA_POSTED
func (s *Store) SetComponentRunResultData(ctx context.Context, id int64, data string) error {
	query := s.rebind(`
		UPDATE component_runs SET result_data = $1, state = $2
		WHERE id = $3 AND state NOT IN ('FINISHED', 'FAIL')
	`)
	res, err := s.db.ExecContext(ctx, query, data, model.ComponentRunResultDataPosted, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrConflict
	}
	return nil
}

// FinishNonTerminalComponentRuns 把运行内所有非终态步骤记录置为给定终态
func (s *Store) FinishNonTerminalComponentRuns(ctx context.Context, studyRunID int64, state model.ComponentRunState, excludeID int64) error {
	query := s.rebind(`
		UPDATE component_runs SET state = $1, finished_at = $2
		WHERE study_run_id = $3 AND id <> $4 AND state NOT IN ('FINISHED', 'FAIL')
	`)
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, query, state, now, studyRunID, excludeID)
	return err
}

// listComponentRuns 按创建顺序返回运行的全部步骤记录
func (s *Store) listComponentRuns(ctx context.Context, studyRunID int64) ([]*model.ComponentRun, error) {
	query := s.rebind(`
		SELECT id, study_run_id, component_id, position, state, result_data, started_at, finished_at
		FROM component_runs WHERE study_run_id = $1
		ORDER BY started_at, id
	`)
	rows, err := s.db.QueryContext(ctx, query, studyRunID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*model.ComponentRun
	for rows.Next() {
		cr := &model.ComponentRun{}
		err := rows.Scan(&cr.ID, &cr.StudyRunID, &cr.ComponentID, &cr.Position,
			&cr.State, &cr.ResultData, &cr.StartedAt, &cr.FinishedAt)
		if err != nil {
			return nil, err
		}
		runs = append(runs, cr)
	}
	return runs, rows.Err()
}
