// Package service 运行生命周期状态机
//
// StudyRun / ComponentRun 的全部状态转移都经由这里：
// 开始步骤、重载、强制收尾、陈旧运行清理和只读检索。
// 持久化通过注入的 storage.PersistentStore 完成，本包不做内部等待或重试；
// 并发的重复 finish 依赖存储层的守卫更新（先写者胜），
// "已经是终态"被视为合法结果而不是错误。
package service

import (
	"context"
	"fmt"

	"github.com/containerd/errdefs"

	"study-server/internal/shared/model"
	"study-server/internal/shared/storage"
	"study-server/pkg/logging"
)

// Service 生命周期服务
type Service struct {
	store  storage.PersistentStore
	logger *logging.Logger
}

// New 创建生命周期服务
func New(store storage.PersistentStore) *Service {
	return &Service{
		store:  store,
		logger: logging.Default("lifecycle"),
	}
}

// Store 返回底层存储（供 handler 做身份解析等旁路读写）
func (s *Service) Store() storage.PersistentStore {
	return s.store
}

// ============================================================================
// 检索（只读，不改状态）
// ============================================================================

// RetrieveStudy 按 ID 加载 study
func (s *Service) RetrieveStudy(ctx context.Context, studyID int64) (*model.Study, error) {
	study, err := s.store.GetStudy(ctx, studyID)
	if err == storage.ErrNotFound {
		return nil, fmt.Errorf("study %d does not exist: %w", studyID, errdefs.ErrNotFound)
	}
	return study, err
}

// RetrieveBatch 按 ID 加载批次；batchID<=0 时取 study 的默认批次
func (s *Service) RetrieveBatch(ctx context.Context, batchID int64, study *model.Study) (*model.Batch, error) {
	if batchID <= 0 {
		batch, err := s.store.FirstBatchOfStudy(ctx, study.ID)
		if err == storage.ErrNotFound {
			return nil, fmt.Errorf("study %d has no batch: %w", study.ID, errdefs.ErrNotFound)
		}
		return batch, err
	}
	batch, err := s.store.GetBatch(ctx, batchID)
	if err == storage.ErrNotFound {
		return nil, fmt.Errorf("batch %d does not exist: %w", batchID, errdefs.ErrNotFound)
	}
	return batch, err
}

// RetrieveWorker 按 ID 加载 Worker
func (s *Service) RetrieveWorker(ctx context.Context, workerID int64) (*model.Worker, error) {
	worker, err := s.store.GetWorker(ctx, workerID)
	if err == storage.ErrNotFound {
		return nil, fmt.Errorf("worker %d does not exist: %w", workerID, errdefs.ErrNotFound)
	}
	return worker, err
}

// RetrieveComponent 加载步骤并校验归属与启用状态
//
// 不存在 → NotFound；不属于该 study → InvalidArgument；停用 → PermissionDenied。
func (s *Service) RetrieveComponent(study *model.Study, componentID int64) (*model.Component, error) {
	component := study.ComponentByID(componentID)
	if component == nil {
		return nil, fmt.Errorf("component %d does not exist in study %d: %w",
			componentID, study.ID, errdefs.ErrNotFound)
	}
	if component.StudyID != study.ID {
		return nil, fmt.Errorf("component %d does not belong to study %d: %w",
			componentID, study.ID, errdefs.ErrInvalidArgument)
	}
	if !component.Active {
		return nil, fmt.Errorf("component %d of study %d is not active: %w",
			componentID, study.ID, errdefs.ErrPermissionDenied)
	}
	return component, nil
}

// RetrieveFirstActiveComponent 返回 study 的第一个启用步骤
//
// 按步骤顺序扫描并跳过停用的；一个都没有时报 NotFound。
func (s *Service) RetrieveFirstActiveComponent(study *model.Study) (*model.Component, error) {
	component := study.FirstComponent()
	for component != nil && !component.Active {
		component = study.NextComponent(component)
	}
	if component == nil {
		return nil, fmt.Errorf("study %d has no active components: %w",
			study.ID, errdefs.ErrNotFound)
	}
	return component, nil
}

// RetrieveNextActiveComponent 返回当前步骤之后的下一个启用步骤
//
// 运行已到末尾时返回 nil（不是错误）。
func (s *Service) RetrieveNextActiveComponent(study *model.Study, run *model.StudyRun) *model.Component {
	last := run.LastComponentRun()
	if last == nil {
		return nil
	}
	next := study.NextComponent(study.ComponentByID(last.ComponentID))
	for next != nil && !next.Active {
		next = study.NextComponent(next)
	}
	return next
}

// RetrieveStudyRun 按 ID 加载运行并校验归属
//
// 运行不属于该 Worker 时报 PermissionDenied（cookie 被移植到了
// 别的浏览器会话，或者有人在猜 ID）。
func (s *Service) RetrieveStudyRun(ctx context.Context, runID int64, worker *model.Worker) (*model.StudyRun, error) {
	run, err := s.store.GetStudyRun(ctx, runID)
	if err == storage.ErrNotFound {
		return nil, fmt.Errorf("study run %d does not exist: %w", runID, errdefs.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if run.WorkerID != worker.ID {
		return nil, fmt.Errorf("study run %d does not belong to worker %d: %w",
			runID, worker.ID, errdefs.ErrPermissionDenied)
	}
	return run, nil
}

// RetrieveStartedStudyRun 返回 Worker 在该 study 上仍为 STARTED 的运行
//
// 同一 Worker 同一 study 至多一个 STARTED 运行，返回第一个命中。
// 没有则说明 Worker 从未开始（或已结束）该 study。
func (s *Service) RetrieveStartedStudyRun(ctx context.Context, worker *model.Worker, study *model.Study) (*model.StudyRun, error) {
	runs, err := s.store.ListStudyRunsByWorkerAndStudy(ctx, worker.ID, study.ID)
	if err != nil {
		return nil, err
	}
	for _, run := range runs {
		if run.State == model.StudyRunStarted {
			return run, nil
		}
	}
	return nil, fmt.Errorf("worker %d never started study %d: %w",
		worker.ID, study.ID, errdefs.ErrPermissionDenied)
}

// RetrieveLastStudyRun 返回 Worker 在该 study 上最近的一次运行（不论状态）
func (s *Service) RetrieveLastStudyRun(ctx context.Context, worker *model.Worker, study *model.Study) (*model.StudyRun, error) {
	runs, err := s.store.ListStudyRunsByWorkerAndStudy(ctx, worker.ID, study.ID)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("worker %d never did study %d: %w",
			worker.ID, study.ID, errdefs.ErrPermissionDenied)
	}
	return runs[len(runs)-1], nil
}

// ============================================================================
// 状态转移
// ============================================================================

// StartComponent 开始（或重启）一个步骤
//
// 同一步骤在同一运行内已有记录时：
//   - 步骤可重载：删除旧记录，重新开始
//   - 步骤不可重载：旧记录置 FAIL，整个运行强制以 FAIL 收尾，
//     并返回 PermissionDenied —— 级联收尾是本操作契约的一部分，
//     调用方（和客户端）必须把它当作已发生的事实
//
// 创建新记录前先强制收尾运行内所有其他非终态记录，
// 保证任意时刻至多一个 ComponentRun 处于非终态。
func (s *Service) StartComponent(ctx context.Context, component *model.Component, run *model.StudyRun) (*model.ComponentRun, error) {
	if prior := run.ComponentRunFor(component.ID); prior != nil {
		if component.Reloadable {
			if err := s.store.RemoveComponentRun(ctx, prior.ID); err != nil {
				return nil, err
			}
			run.ComponentRuns = removeComponentRun(run.ComponentRuns, prior.ID)
		} else {
			if _, err := s.store.SetComponentRunState(ctx, prior.ID, model.ComponentRunFail); err != nil {
				return nil, err
			}
			prior.State = model.ComponentRunFail
			if _, err := s.FinishStudyRun(ctx, false, run); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("component %d of study %d must not be reloaded, study run %d failed: %w",
				component.ID, component.StudyID, run.ID, errdefs.ErrPermissionDenied)
		}
	}

	if err := s.finishAllComponentRuns(ctx, run, 0); err != nil {
		return nil, err
	}

	componentRun := newComponentRun(run, component)
	if err := s.store.CreateComponentRun(ctx, componentRun); err != nil {
		return nil, err
	}
	run.ComponentRuns = append(run.ComponentRuns, componentRun)
	return componentRun, nil
}

// RetrieveStartedComponentRun 返回步骤的进行中记录，必要时开始/重启
//
// 规则（按序）：
//  1. 没有记录 → 顺手开始该步骤
//  2. 记录已是终态 → PermissionDenied（结束的步骤不能恢复）
//  3. 记录状态超过 maxAllowedState → 透明重启
//     （页面重载后客户端期望较早状态的幂等重入）
func (s *Service) RetrieveStartedComponentRun(ctx context.Context, component *model.Component,
	run *model.StudyRun, maxAllowedState model.ComponentRunState) (*model.ComponentRun, error) {

	componentRun := run.ComponentRunFor(component.ID)
	if componentRun == nil {
		return s.StartComponent(ctx, component, run)
	}
	if componentRun.Terminal() {
		return nil, fmt.Errorf("component run %d of study %d is already finished or failed: %w",
			componentRun.ID, run.StudyID, errdefs.ErrPermissionDenied)
	}
	if componentRun.State.Ordinal() > maxAllowedState.Ordinal() {
		return s.StartComponent(ctx, component, run)
	}
	return componentRun, nil
}

// FinishStudyRun 强制收尾一次运行
//
// successful 时生成确认码并置 FINISHED，否则置 FAIL、无确认码。
// 对已终态的运行幂等：直接返回已存储的确认码，不再改动任何状态；
// 守卫更新输掉竞争时（另一请求刚结束了它）重新读取并照常返回。
func (s *Service) FinishStudyRun(ctx context.Context, successful bool, run *model.StudyRun) (string, error) {
	if run.Terminal() {
		return confirmationCodeOf(run), nil
	}

	if err := s.finishAllComponentRuns(ctx, run, 0); err != nil {
		return "", err
	}

	state := model.StudyRunFail
	var code *string
	if successful {
		state = model.StudyRunFinished
		generated := model.NewConfirmationCode()
		code = &generated
	}

	transitioned, err := s.store.FinishStudyRun(ctx, run.ID, state, code)
	if err != nil {
		return "", err
	}
	if !transitioned {
		// 另一请求先一步结束了该运行，读取它写入的结果
		stored, err := s.store.GetStudyRun(ctx, run.ID)
		if err != nil {
			return "", err
		}
		*run = *stored
		return confirmationCodeOf(run), nil
	}

	run.State = state
	run.ConfirmationCode = code
	s.logger.RunLog("finish", run.ID, run.StudyID, run.WorkerID, "state", string(state))
	return confirmationCodeOf(run), nil
}

// FinishAbandonedStudyRuns 清理 Worker 在该 study 上被放弃的运行
//
// 开始新运行之前调用：所有仍为 STARTED 的旧运行强制以 FAIL 收尾。
// 这样不依赖客户端清理也能保证"同一 Worker 同一 study 至多一个在跑"
// （覆盖崩溃/被关闭的浏览器标签页）。
func (s *Service) FinishAbandonedStudyRuns(ctx context.Context, worker *model.Worker, study *model.Study) error {
	runs, err := s.store.ListStudyRunsByWorkerAndStudy(ctx, worker.ID, study.ID)
	if err != nil {
		return err
	}
	for _, run := range runs {
		if run.State != model.StudyRunStarted {
			continue
		}
		if _, err := s.FinishStudyRun(ctx, false, run); err != nil {
			return err
		}
	}
	return nil
}

// StartStudyRun 创建一次新运行
//
// 调用方已通过授权检查；分组实验在这里分配 groupRunId。
func (s *Service) StartStudyRun(ctx context.Context, worker *model.Worker, study *model.Study, batch *model.Batch) (*model.StudyRun, error) {
	run := newStudyRun(worker, study, batch)
	if study.GroupStudy {
		groupRunID, err := s.assignGroup(ctx, study, batch)
		if err != nil {
			return nil, err
		}
		run.GroupRunID = &groupRunID
	}
	if err := s.store.CreateStudyRun(ctx, run); err != nil {
		return nil, err
	}
	s.logger.RunLog("start", run.ID, study.ID, worker.ID, "batch_id", batch.ID)
	return run, nil
}

// MarkDataRetrieved 记录客户端已取走步骤的初始化数据
//
// 只从 STARTED 前进到 DATA_RETRIEVED；已经更靠后的状态保持不变
// （守卫更新对终态记录不生效，且这里不做回退）。
func (s *Service) MarkDataRetrieved(ctx context.Context, componentRun *model.ComponentRun) error {
	if componentRun.State.Ordinal() >= model.ComponentRunDataRetrieved.Ordinal() {
		return nil
	}
	if _, err := s.store.SetComponentRunState(ctx, componentRun.ID, model.ComponentRunDataRetrieved); err != nil {
		return err
	}
	componentRun.State = model.ComponentRunDataRetrieved
	return nil
}

// PostResultData 写入当前步骤的结果数据
func (s *Service) PostResultData(ctx context.Context, componentRun *model.ComponentRun, data string) error {
	err := s.store.SetComponentRunResultData(ctx, componentRun.ID, data)
	if err == storage.ErrConflict {
		return fmt.Errorf("component run %d is already finished or failed: %w",
			componentRun.ID, errdefs.ErrPermissionDenied)
	}
	if err != nil {
		return err
	}
	componentRun.State = model.ComponentRunResultDataPosted
	data2 := data
	componentRun.ResultData = &data2
	return nil
}

// ============================================================================
// 内部
// ============================================================================

// assignGroup 为分组实验找一个组
//
// 加入同批次最近一个仍在进行的组；批次里没有开着的组就开新组。
func (s *Service) assignGroup(ctx context.Context, study *model.Study, batch *model.Batch) (int64, error) {
	runs, err := s.store.ListStudyRunsByStudy(ctx, study.ID)
	if err != nil {
		return 0, err
	}
	for i := len(runs) - 1; i >= 0; i-- {
		run := runs[i]
		if run.BatchID == batch.ID && run.State == model.StudyRunStarted && run.GroupRunID != nil {
			return *run.GroupRunID, nil
		}
	}
	return model.NewID(), nil
}

// finishAllComponentRuns 强制收尾运行内所有非终态步骤记录（置 FINISHED）
func (s *Service) finishAllComponentRuns(ctx context.Context, run *model.StudyRun, excludeID int64) error {
	if err := s.store.FinishNonTerminalComponentRuns(ctx, run.ID, model.ComponentRunFinished, excludeID); err != nil {
		return err
	}
	for _, cr := range run.ComponentRuns {
		if cr.ID != excludeID && !cr.Terminal() {
			cr.State = model.ComponentRunFinished
		}
	}
	return nil
}

func confirmationCodeOf(run *model.StudyRun) string {
	if run.ConfirmationCode != nil {
		return *run.ConfirmationCode
	}
	// 不成功的收尾没有确认码
	return ""
}

func removeComponentRun(runs []*model.ComponentRun, id int64) []*model.ComponentRun {
	out := runs[:0]
	for _, cr := range runs {
		if cr.ID != id {
			out = append(out, cr)
		}
	}
	return out
}
