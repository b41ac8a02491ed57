// Package publix 运行级接口
package publix

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"study-server/internal/shared/model"
	"study-server/internal/shared/storage"
)

// mturkPreviewAssignmentID MTurk 在预览模式下送来的占位 assignmentId
const mturkPreviewAssignmentID = "ASSIGNMENT_ID_NOT_AVAILABLE"

// StartStudy 开始一次运行
// GET /publix/studies/{studyId}/start
//
// 查询参数：
//   - workerType: 必填，Worker 类型
//   - batchId:    可选，缺省用 study 的默认批次
//   - workerId:   可选，复用已有 Worker
//   - externalWorkerId: 可选，招募平台侧的 Worker 标识（MTurk workerId）
//   - assignmentId:     可选，MTurk 任务分配标识
//
// 流程：
//  1. MTurk 预览直接拒绝（预览没有 assignment，无法产生有效运行）
//  2. 解析 Worker（复用或新建）
//  3. cookie 容量 + 准入检查
//  4. 清理该 Worker 在本 study 的被放弃运行
//  5. 创建运行并写入 ID cookie
func (h *Handler) StartStudy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	studyID, err := strconv.ParseInt(r.PathValue("studyId"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid study id")
		return
	}

	workerType := model.WorkerType(q.Get("workerType"))
	if !workerType.Valid() {
		writeError(w, http.StatusBadRequest, "missing or unknown workerType parameter")
		return
	}

	if q.Get("assignmentId") == mturkPreviewAssignmentID {
		writeError(w, http.StatusBadRequest, "study preview is not available")
		return
	}

	study, err := h.lifecycle.RetrieveStudy(ctx, studyID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var batchID int64
	if v := q.Get("batchId"); v != "" {
		if batchID, err = strconv.ParseInt(v, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, "invalid batchId parameter")
			return
		}
	}
	batch, err := h.lifecycle.RetrieveBatch(ctx, batchID, study)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	worker, err := h.resolveWorker(r, workerType)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	cookies := newCookieService(w, r)
	if err := cookies.CheckCapacity(); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := h.gates.CheckAllowedToStart(ctx, worker, study, batch); err != nil {
		writeDomainError(w, err)
		return
	}

	if err := h.lifecycle.FinishAbandonedStudyRuns(ctx, worker, study); err != nil {
		log.Printf("[publix.start.cleanup.failed] worker_id=%d study_id=%d error=%v", worker.ID, study.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to clean up previous runs")
		return
	}

	run, err := h.lifecycle.StartStudyRun(ctx, worker, study, batch)
	if err != nil {
		log.Printf("[publix.start.failed] worker_id=%d study_id=%d error=%v", worker.ID, study.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to start study run")
		return
	}
	log.Printf("[publix.start] run_id=%d worker_id=%d study_id=%d batch_id=%d", run.ID, worker.ID, study.ID, batch.ID)
	h.recordRunStarted()

	if err := cookies.WriteForRun(worker, run, nil, nil); err != nil {
		writeDomainError(w, err)
		return
	}

	resp := map[string]interface{}{
		"run_id":    run.ID,
		"worker_id": worker.ID,
		"study_id":  study.ID,
		"batch_id":  batch.ID,
	}
	if run.GroupRunID != nil {
		resp["group_run_id"] = *run.GroupRunID
	}
	if first, err := h.lifecycle.RetrieveFirstActiveComponent(study); err == nil {
		resp["first_component_id"] = first.ID
	}
	writeJSON(w, http.StatusCreated, resp)
}

// EndStudy 收尾一次运行
// GET /publix/studies/{studyId}/end
//
// 查询参数：
//   - runId:      必填
//   - successful: 可选，缺省 true
//
// 幂等：已结束的运行返回已存储的结果，不再改动状态。
// 收尾后该运行的 ID cookie 被丢弃，槽位立即可复用。
func (h *Handler) EndStudy(w http.ResponseWriter, r *http.Request) {
	rc, ok := h.resolveRun(w, r)
	if !ok {
		return
	}

	successful := true
	if v := r.URL.Query().Get("successful"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid successful parameter")
			return
		}
		successful = parsed
	}

	wasTerminal := rc.run.Terminal()
	code, err := h.lifecycle.FinishStudyRun(r.Context(), successful, rc.run)
	if err != nil {
		log.Printf("[publix.end.failed] run_id=%d error=%v", rc.run.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to finish study run")
		return
	}
	rc.cookies.Discard(rc.run.ID)
	log.Printf("[publix.end] run_id=%d state=%s", rc.run.ID, rc.run.State)
	// 幂等重放不再计数
	if !wasTerminal {
		h.recordRunFinished(rc.run)
	}

	resp := map[string]interface{}{
		"run_id": rc.run.ID,
		"state":  rc.run.State,
	}
	if code != "" {
		resp["confirmation_code"] = code
	}
	writeJSON(w, http.StatusOK, resp)
}

// resolveWorker 按查询参数复用或新建 Worker
func (h *Handler) resolveWorker(r *http.Request, workerType model.WorkerType) (*model.Worker, error) {
	ctx := r.Context()
	q := r.URL.Query()
	store := h.lifecycle.Store()

	if v := q.Get("workerId"); v != "" {
		workerID, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, errInvalidWorkerID
		}
		worker, err := h.lifecycle.RetrieveWorker(ctx, workerID)
		if err != nil {
			return nil, err
		}
		if worker.Type != workerType {
			return nil, errWorkerTypeMismatch
		}
		return worker, nil
	}

	if externalID := q.Get("externalWorkerId"); externalID != "" {
		worker, err := store.FindWorkerByExternalID(ctx, workerType, externalID)
		if err == nil {
			return worker, nil
		}
		if err != storage.ErrNotFound {
			return nil, err
		}
		worker = &model.Worker{
			ID:         model.NewID(),
			Type:       workerType,
			ExternalID: &externalID,
			CreatedAt:  time.Now().UTC(),
		}
		if err := store.CreateWorker(ctx, worker); err != nil {
			return nil, err
		}
		return worker, nil
	}

	worker := &model.Worker{
		ID:        model.NewID(),
		Type:      workerType,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.CreateWorker(ctx, worker); err != nil {
		return nil, err
	}
	return worker, nil
}
