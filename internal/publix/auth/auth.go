// Package auth 运行授权检查
//
// 每种 Worker 类型有自己的准入规则（能否开始一次新运行、
// 能否继续进行中的运行）。批次策略（启用状态、类型白名单、
// 配额）对所有类型一视同仁，在类型专属规则之前检查。
// 所有拒绝都以 errdefs.ErrPermissionDenied 包装返回。
package auth

import (
	"context"
	"fmt"

	"github.com/containerd/errdefs"

	"study-server/internal/shared/model"
	"study-server/internal/shared/storage"
)

// Gate 一种 Worker 类型的准入规则
type Gate interface {
	// CheckAllowedToStart 判断 Worker 能否在该批次开始一次新运行
	CheckAllowedToStart(ctx context.Context, worker *model.Worker, study *model.Study, batch *model.Batch) error

	// CheckAllowedToDo 判断 Worker 能否继续参与该 study（不含开始新运行）
	CheckAllowedToDo(ctx context.Context, worker *model.Worker, study *model.Study, batch *model.Batch) error
}

// Resolver 按 Worker 类型分发准入规则
type Resolver struct {
	store storage.PersistentStore
	gates map[model.WorkerType]Gate
}

// NewResolver 创建分发器并注册全部内建规则
func NewResolver(store storage.PersistentStore) *Resolver {
	r := &Resolver{store: store}
	r.gates = map[model.WorkerType]Gate{
		model.WorkerTypeGeneralSingle:    &singleRunGate{store: store},
		model.WorkerTypePersonalSingle:   &singleRunGate{store: store},
		model.WorkerTypePersonalMultiple: &multiRunGate{store: store},
		model.WorkerTypeMTurk:            &mturkGate{store: store, sandbox: false},
		model.WorkerTypeMTurkSandbox:     &mturkGate{store: store, sandbox: true},
	}
	return r
}

// Gate 返回该 Worker 类型的准入规则
func (r *Resolver) Gate(t model.WorkerType) (Gate, error) {
	gate, ok := r.gates[t]
	if !ok {
		return nil, fmt.Errorf("unknown worker type %q: %w", t, errdefs.ErrInvalidArgument)
	}
	return gate, nil
}

// CheckAllowedToStart 批次策略 + 类型专属规则
func (r *Resolver) CheckAllowedToStart(ctx context.Context, worker *model.Worker, study *model.Study, batch *model.Batch) error {
	gate, err := r.Gate(worker.Type)
	if err != nil {
		return err
	}
	if err := checkBatchPolicy(ctx, r.store, worker, batch); err != nil {
		return err
	}
	if !study.Active {
		return fmt.Errorf("study %d is not active: %w", study.ID, errdefs.ErrPermissionDenied)
	}
	return gate.CheckAllowedToStart(ctx, worker, study, batch)
}

// CheckAllowedToDo 进行中运行的持续准入
func (r *Resolver) CheckAllowedToDo(ctx context.Context, worker *model.Worker, study *model.Study, batch *model.Batch) error {
	gate, err := r.Gate(worker.Type)
	if err != nil {
		return err
	}
	if !batch.AllowsWorkerType(worker.Type) {
		return fmt.Errorf("batch %d does not allow worker type %q: %w",
			batch.ID, worker.Type, errdefs.ErrPermissionDenied)
	}
	return gate.CheckAllowedToDo(ctx, worker, study, batch)
}

// checkBatchPolicy 对所有类型通用的批次准入：启用、类型白名单、配额
//
// 配额按批次内不同 Worker 数统计；已经在批次里跑过的 Worker
// 不占新名额，再次开始不会被配额拒绝。
func checkBatchPolicy(ctx context.Context, store storage.PersistentStore, worker *model.Worker, batch *model.Batch) error {
	if !batch.Active {
		return fmt.Errorf("batch %d is not active: %w", batch.ID, errdefs.ErrPermissionDenied)
	}
	if !batch.AllowsWorkerType(worker.Type) {
		return fmt.Errorf("batch %d does not allow worker type %q: %w",
			batch.ID, worker.Type, errdefs.ErrPermissionDenied)
	}
	if batch.MaxTotalWorkers != nil {
		count, err := store.CountDistinctWorkers(ctx, batch.ID)
		if err != nil {
			return err
		}
		if count >= *batch.MaxTotalWorkers {
			runs, err := store.ListStudyRunsByWorkerAndStudy(ctx, worker.ID, batch.StudyID)
			if err != nil {
				return err
			}
			returning := false
			for _, run := range runs {
				if run.BatchID == batch.ID {
					returning = true
					break
				}
			}
			if !returning {
				return fmt.Errorf("batch %d already reached its limit of %d workers: %w",
					batch.ID, *batch.MaxTotalWorkers, errdefs.ErrPermissionDenied)
			}
		}
	}
	return nil
}

// ============================================================================
// 类型专属规则
// ============================================================================

// singleRunGate 一次性 Worker（GeneralSingle / PersonalSingle）
//
// 同一 study 终生只能运行一次：只要存在任何先前运行就拒绝再次开始。
type singleRunGate struct {
	store storage.PersistentStore
}

func (g *singleRunGate) CheckAllowedToStart(ctx context.Context, worker *model.Worker, study *model.Study, batch *model.Batch) error {
	runs, err := g.store.ListStudyRunsByWorkerAndStudy(ctx, worker.ID, study.ID)
	if err != nil {
		return err
	}
	if len(runs) > 0 {
		return fmt.Errorf("worker %d already did study %d: %w",
			worker.ID, study.ID, errdefs.ErrPermissionDenied)
	}
	return nil
}

func (g *singleRunGate) CheckAllowedToDo(ctx context.Context, worker *model.Worker, study *model.Study, batch *model.Batch) error {
	return nil
}

// multiRunGate 可重复 Worker（PersonalMultiple）：不限次数
type multiRunGate struct {
	store storage.PersistentStore
}

func (g *multiRunGate) CheckAllowedToStart(ctx context.Context, worker *model.Worker, study *model.Study, batch *model.Batch) error {
	return nil
}

func (g *multiRunGate) CheckAllowedToDo(ctx context.Context, worker *model.Worker, study *model.Study, batch *model.Batch) error {
	return nil
}

// mturkGate MTurk Worker
//
// 正式 MTurk Worker 成功完成过一次就不能再来（失败的运行允许重试）；
// 沙箱 Worker 不限次数，方便实验者反复调试。
type mturkGate struct {
	store   storage.PersistentStore
	sandbox bool
}

func (g *mturkGate) CheckAllowedToStart(ctx context.Context, worker *model.Worker, study *model.Study, batch *model.Batch) error {
	if g.sandbox {
		return nil
	}
	runs, err := g.store.ListStudyRunsByWorkerAndStudy(ctx, worker.ID, study.ID)
	if err != nil {
		return err
	}
	for _, run := range runs {
		if run.State == model.StudyRunFinished {
			return fmt.Errorf("worker %d already finished study %d: %w",
				worker.ID, study.ID, errdefs.ErrPermissionDenied)
		}
	}
	return nil
}

func (g *mturkGate) CheckAllowedToDo(ctx context.Context, worker *model.Worker, study *model.Study, batch *model.Batch) error {
	return nil
}
