// Package publix Handler 定义与路由
package publix

import (
	"net/http"
	"strconv"
	"time"

	"study-server/internal/publix/auth"
	"study-server/internal/publix/idcookie"
	"study-server/internal/publix/service"
	"study-server/internal/shared/model"
)

// RunMetrics 运行指标记录（可选注入，见 server 包）
type RunMetrics interface {
	RunStarted()
	RunFinished(state string, duration time.Duration)
}

// Handler 参与方接口处理器
//
// lifecycle 承载全部状态转移；gates 做 Worker 准入；
// cookie 操作是请求作用域的，每个请求在 runContext 里新建。
type Handler struct {
	lifecycle *service.Service
	gates     *auth.Resolver
	metrics   RunMetrics
}

// NewHandler 创建参与方接口处理器
func NewHandler(lifecycle *service.Service, gates *auth.Resolver) *Handler {
	return &Handler{lifecycle: lifecycle, gates: gates}
}

// SetMetrics 注入运行指标记录器
func (h *Handler) SetMetrics(m RunMetrics) {
	h.metrics = m
}

func (h *Handler) recordRunStarted() {
	if h.metrics != nil {
		h.metrics.RunStarted()
	}
}

func (h *Handler) recordRunFinished(run *model.StudyRun) {
	if h.metrics != nil {
		h.metrics.RunFinished(string(run.State), time.Since(run.StartedAt))
	}
}

// RegisterRoutes 注册参与方路由
//
// 运行级：
//   - GET  /publix/studies/{studyId}/start        - 开始一次运行
//   - GET  /publix/studies/{studyId}/end          - 收尾一次运行
//
// 步骤级（都要求 runId 查询参数 + 对应的 ID cookie）：
//   - GET  /publix/studies/{studyId}/components/{componentId}/start      - 开始步骤
//   - GET  /publix/studies/{studyId}/nextComponent/start                 - 开始下一步骤
//   - GET  /publix/studies/{studyId}/components/{componentId}/initData   - 步骤初始化数据
//   - POST /publix/studies/{studyId}/components/{componentId}/resultData - 上报结果数据
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /publix/studies/{studyId}/start", h.StartStudy)
	mux.HandleFunc("GET /publix/studies/{studyId}/end", h.EndStudy)
	mux.HandleFunc("GET /publix/studies/{studyId}/components/{componentId}/start", h.StartComponent)
	mux.HandleFunc("GET /publix/studies/{studyId}/nextComponent/start", h.StartNextComponent)
	mux.HandleFunc("GET /publix/studies/{studyId}/components/{componentId}/initData", h.InitData)
	mux.HandleFunc("POST /publix/studies/{studyId}/components/{componentId}/resultData", h.PostResultData)
}

// newCookieService 创建请求作用域的 cookie 服务
func newCookieService(w http.ResponseWriter, r *http.Request) *idcookie.Service {
	return idcookie.NewService(idcookie.NewAccessor(newRequestJar(w, r)))
}

// runContext 一次步骤级/收尾请求的已解析上下文
//
// 所有步骤级接口的公共前奏：按 runId 找到 ID cookie，
// 据此加载 Worker、Study、Batch 和运行本身，并做持续准入检查。
type runContext struct {
	cookies *idcookie.Service
	cookie  *idcookie.IdCookie
	worker  *model.Worker
	study   *model.Study
	batch   *model.Batch
	run     *model.StudyRun
}

// resolveRun 解析步骤级请求的运行上下文；出错时已写好响应
func (h *Handler) resolveRun(w http.ResponseWriter, r *http.Request) (*runContext, bool) {
	ctx := r.Context()

	studyID, err := strconv.ParseInt(r.PathValue("studyId"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid study id")
		return nil, false
	}
	runID, err := strconv.ParseInt(r.URL.Query().Get("runId"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing or invalid runId parameter")
		return nil, false
	}

	cookies := newCookieService(w, r)
	cookie, err := cookies.Get(runID)
	if err != nil {
		writeDomainError(w, err)
		return nil, false
	}

	worker, err := h.lifecycle.RetrieveWorker(ctx, cookie.WorkerID)
	if err != nil {
		writeDomainError(w, err)
		return nil, false
	}
	study, err := h.lifecycle.RetrieveStudy(ctx, studyID)
	if err != nil {
		writeDomainError(w, err)
		return nil, false
	}
	batch, err := h.lifecycle.RetrieveBatch(ctx, cookie.BatchID, study)
	if err != nil {
		writeDomainError(w, err)
		return nil, false
	}
	run, err := h.lifecycle.RetrieveStudyRun(ctx, runID, worker)
	if err != nil {
		writeDomainError(w, err)
		return nil, false
	}
	if run.StudyID != study.ID {
		writeError(w, http.StatusBadRequest, "study run does not belong to this study")
		return nil, false
	}
	if err := h.gates.CheckAllowedToDo(ctx, worker, study, batch); err != nil {
		writeDomainError(w, err)
		return nil, false
	}

	return &runContext{
		cookies: cookies,
		cookie:  cookie,
		worker:  worker,
		study:   study,
		batch:   batch,
		run:     run,
	}, true
}
