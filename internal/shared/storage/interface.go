// Package storage 定义持久化存储层抽象接口
//
// 设计原则：依赖倒置 (DIP)
//   - 调用方只依赖接口，不知道具体实现
//   - 具体实现在 repository/ 子包中，驱动在 driver/ 子包中
//   - 初始化时通过依赖注入传入实现
package storage

import (
	"context"

	"study-server/internal/shared/model"
)

// PersistentStore 持久化存储接口
//
// 读写语义约定：
//   - Get* 未命中时返回 ErrNotFound
//   - 带守卫的状态更新（FinishStudyRun / SetComponentRunState）
//     只命中仍处于非终态的行，返回是否真的发生了转移；
//     未命中不是错误 —— 竞争的第二次 finish 是合法结果（先写者胜）
type PersistentStore interface {
	WorkerStore
	StudyStore
	BatchStore
	StudyRunStore
	ComponentRunStore

	Close() error
}

// WorkerStore Worker 存储操作
type WorkerStore interface {
	CreateWorker(ctx context.Context, w *model.Worker) error
	GetWorker(ctx context.Context, id int64) (*model.Worker, error)

	// FindWorkerByExternalID 按类型 + 平台侧标识查找 Worker，未命中返回 ErrNotFound
	FindWorkerByExternalID(ctx context.Context, t model.WorkerType, externalID string) (*model.Worker, error)
}

// StudyStore Study 存储操作
type StudyStore interface {
	CreateStudy(ctx context.Context, s *model.Study) error

	// GetStudy 加载 study 及其按 position 排序的步骤列表
	GetStudy(ctx context.Context, id int64) (*model.Study, error)
}

// BatchStore Batch 存储操作
type BatchStore interface {
	CreateBatch(ctx context.Context, b *model.Batch) error
	GetBatch(ctx context.Context, id int64) (*model.Batch, error)

	// FirstBatchOfStudy 返回 study 的默认批次（最早创建的一个）
	FirstBatchOfStudy(ctx context.Context, studyID int64) (*model.Batch, error)

	// CountDistinctWorkers 统计批次内已出现过的不同 Worker 数（配额检查用）
	CountDistinctWorkers(ctx context.Context, batchID int64) (int, error)
}

// StudyRunStore StudyRun 存储操作
type StudyRunStore interface {
	CreateStudyRun(ctx context.Context, r *model.StudyRun) error

	// GetStudyRun 加载运行及其按创建顺序排序的 ComponentRun 列表
	GetStudyRun(ctx context.Context, id int64) (*model.StudyRun, error)

	// ListStudyRunsByWorkerAndStudy 按开始时间升序返回该 Worker 在该 study 上的全部运行
	ListStudyRunsByWorkerAndStudy(ctx context.Context, workerID, studyID int64) ([]*model.StudyRun, error)

	// ListStudyRunsByStudy 按开始时间升序返回 study 的全部运行（结果导出用）
	ListStudyRunsByStudy(ctx context.Context, studyID int64) ([]*model.StudyRun, error)

	// FinishStudyRun 守卫更新：仅当运行仍为 STARTED 时转移到终态并记录确认码。
	// 返回 false 表示另一请求已经结束了该运行。
	FinishStudyRun(ctx context.Context, id int64, state model.StudyRunState, confirmationCode *string) (bool, error)
}

// ComponentRunStore ComponentRun 存储操作
type ComponentRunStore interface {
	CreateComponentRun(ctx context.Context, cr *model.ComponentRun) error

	// RemoveComponentRun 删除一条步骤记录（可重载步骤的重启路径）
	RemoveComponentRun(ctx context.Context, id int64) error

	// SetComponentRunState 守卫更新：仅当记录仍为非终态时更新状态。
	// 返回 false 表示记录已处于终态。
	SetComponentRunState(ctx context.Context, id int64, state model.ComponentRunState) (bool, error)

	// SetComponentRunResultData 写入步骤结果数据并把状态推进到 RESULTDATA_POSTED
	SetComponentRunResultData(ctx context.Context, id int64, data string) error

	// FinishNonTerminalComponentRuns 把运行内所有非终态步骤记录置为给定终态，
	// excludeID > 0 时跳过该记录
	FinishNonTerminalComponentRuns(ctx context.Context, studyRunID int64, state model.ComponentRunState, excludeID int64) error
}
