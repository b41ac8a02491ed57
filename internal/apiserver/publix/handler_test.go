// Package publix Handler 单元测试
//
// 测试类型：Unit Test（内存存储，httptest 驱动完整路由）
package publix

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"study-server/internal/publix/auth"
	"study-server/internal/publix/idcookie"
	"study-server/internal/publix/service"
	"study-server/internal/shared/model"
	"study-server/internal/shared/storage"
)

// testEnv 预置好的路由 + 存储
type testEnv struct {
	mux     *http.ServeMux
	store   *storage.MockStore
	handler *Handler
}

// newTestEnv 三步 study：步骤 11/13 可重载，步骤 12 不可重载
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := storage.NewMockStore()
	ctx := context.Background()

	study := &model.Study{
		ID:     1,
		Title:  "reaction time",
		Active: true,
		Components: []*model.Component{
			{ID: 11, StudyID: 1, Title: "intro", Position: 1, Active: true, Reloadable: true},
			{ID: 12, StudyID: 1, Title: "trial", Position: 2, Active: true, Reloadable: false},
			{ID: 13, StudyID: 1, Title: "outro", Position: 3, Active: true, Reloadable: true},
		},
	}
	require.NoError(t, store.CreateStudy(ctx, study))
	require.NoError(t, store.CreateBatch(ctx, &model.Batch{ID: 2, StudyID: 1, Title: "default", Active: true}))

	lifecycle := service.New(store)
	handler := NewHandler(lifecycle, auth.NewResolver(store))
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	return &testEnv{mux: mux, store: store, handler: handler}
}

// do 发起请求并返回响应；cookies 模拟浏览器携带的 cookie
func (e *testEnv) do(method, target, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&m))
	return m
}

// idCookiesOf 从响应中取出仍然有效的 ID cookie（忽略删除指令）
func idCookiesOf(rec *httptest.ResponseRecorder) []*http.Cookie {
	var out []*http.Cookie
	for _, c := range rec.Result().Cookies() {
		if strings.HasPrefix(c.Name, idcookie.NamePrefix) && c.MaxAge >= 0 {
			out = append(out, c)
		}
	}
	return out
}

// ============================================================================
// 完整流程
// ============================================================================

// TestFullRunFlow 开始 → 三个步骤 → 自动收尾
func TestFullRunFlow(t *testing.T) {
	env := newTestEnv(t)

	// 开始运行
	rec := env.do("GET", "/publix/studies/1/start?workerType=personal_multiple", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)
	runID := int64(body["run_id"].(float64))
	assert.EqualValues(t, 11, body["first_component_id"])

	cookies := idCookiesOf(rec)
	require.Len(t, cookies, 1)
	browser := cookies[0]

	// 步骤 1：开始 + 初始化数据 + 结果上报
	rec = env.do("GET", fmt.Sprintf("/publix/studies/1/components/11/start?runId=%d", runID), "", browser)
	require.Equal(t, http.StatusOK, rec.Code)
	browser = idCookiesOf(rec)[0]

	rec = env.do("GET", fmt.Sprintf("/publix/studies/1/components/11/initData?runId=%d", runID), "", browser)
	require.Equal(t, http.StatusOK, rec.Code)
	browser = idCookiesOf(rec)[0]

	rec = env.do("POST", fmt.Sprintf("/publix/studies/1/components/11/resultData?runId=%d", runID),
		`{"rt":512}`, browser)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(model.ComponentRunResultDataPosted), decodeBody(t, rec)["state"])

	// 步骤 2、3 经由 nextComponent
	rec = env.do("GET", fmt.Sprintf("/publix/studies/1/nextComponent/start?runId=%d", runID), "", browser)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 12, decodeBody(t, rec)["component_id"])
	browser = idCookiesOf(rec)[0]

	rec = env.do("GET", fmt.Sprintf("/publix/studies/1/nextComponent/start?runId=%d", runID), "", browser)
	require.Equal(t, http.StatusOK, rec.Code)
	browser = idCookiesOf(rec)[0]

	// 最后一个步骤之后 nextComponent 自动成功收尾
	rec = env.do("GET", fmt.Sprintf("/publix/studies/1/nextComponent/start?runId=%d", runID), "", browser)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, string(model.StudyRunFinished), body["state"])
	assert.NotEmpty(t, body["confirmation_code"])

	// 收尾后 cookie 被删除
	assert.Empty(t, idCookiesOf(rec))

	stored, err := env.store.GetStudyRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, model.StudyRunFinished, stored.State)
	for _, cr := range stored.ComponentRuns {
		assert.True(t, cr.Terminal())
	}
}

// ============================================================================
// 开始运行
// ============================================================================

func TestStartStudy_MTurkPreview(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do("GET", "/publix/studies/1/start?workerType=mturk&assignmentId=ASSIGNMENT_ID_NOT_AVAILABLE", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartStudy_UnknownWorkerType(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do("GET", "/publix/studies/1/start?workerType=martian", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartStudy_StudyNotFound(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do("GET", "/publix/studies/999/start?workerType=personal_multiple", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// TestStartStudy_CookieCapacity 浏览器已有 10 个运行时拒绝新的
func TestStartStudy_CookieCapacity(t *testing.T) {
	env := newTestEnv(t)

	var browser []*http.Cookie
	for i := 0; i < idcookie.Max; i++ {
		c := &idcookie.IdCookie{
			Name:         idcookie.CookieName(i),
			Index:        i,
			WorkerID:     1,
			WorkerType:   model.WorkerTypePersonalMultiple,
			BatchID:      2,
			StudyID:      1,
			StudyRunID:   int64(1000 + i),
			CreationTime: 1,
		}
		browser = append(browser, &http.Cookie{Name: c.Name, Value: idcookie.Encode(c)})
	}

	rec := env.do("GET", "/publix/studies/1/start?workerType=personal_multiple", "", browser...)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

// TestStartStudy_SingleRunWorker 一次性 Worker 不能开始第二次
func TestStartStudy_SingleRunWorker(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do("GET", "/publix/studies/1/start?workerType=general_single", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	workerID := int64(decodeBody(t, rec)["worker_id"].(float64))

	rec = env.do("GET", fmt.Sprintf("/publix/studies/1/start?workerType=general_single&workerId=%d", workerID), "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

// TestStartStudy_ExternalWorkerReused 同一 externalWorkerId 复用同一 Worker
func TestStartStudy_ExternalWorkerReused(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do("GET", "/publix/studies/1/start?workerType=mturk&externalWorkerId=AMZN1&assignmentId=a1", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	first := decodeBody(t, rec)["worker_id"]

	// 重试两次，旧运行被自动清理，Worker 不重复建
	rec = env.do("GET", "/publix/studies/1/start?workerType=mturk&externalWorkerId=AMZN1&assignmentId=a2", "")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do("GET", "/publix/studies/1/start?workerType=mturk&externalWorkerId=AMZN1&assignmentId=a3", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, first, decodeBody(t, rec)["worker_id"])
}

// ============================================================================
// 步骤级失败路径
// ============================================================================

// TestComponent_MissingCookie 没有对应 ID cookie 的步骤请求被拒绝
func TestComponent_MissingCookie(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do("GET", "/publix/studies/1/components/11/start?runId=12345", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestStartComponent_ReloadForbidden 不可重载步骤的重复开始：403 + 运行失败 + cookie 删除
func TestStartComponent_ReloadForbidden(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do("GET", "/publix/studies/1/start?workerType=personal_multiple", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	runID := int64(decodeBody(t, rec)["run_id"].(float64))
	browser := idCookiesOf(rec)[0]

	rec = env.do("GET", fmt.Sprintf("/publix/studies/1/components/12/start?runId=%d", runID), "", browser)
	require.Equal(t, http.StatusOK, rec.Code)
	browser = idCookiesOf(rec)[0]

	rec = env.do("GET", fmt.Sprintf("/publix/studies/1/components/12/start?runId=%d", runID), "", browser)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	stored, err := env.store.GetStudyRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, model.StudyRunFail, stored.State)

	// cookie 被服务端删除
	deleted := false
	for _, c := range rec.Result().Cookies() {
		if c.Name == browser.Name && c.MaxAge < 0 {
			deleted = true
		}
	}
	assert.True(t, deleted)
}

// TestComponent_WrongStudy 运行不属于路径里的 study
func TestComponent_WrongStudy(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.CreateStudy(context.Background(), &model.Study{
		ID: 5, Title: "other", Active: true,
		Components: []*model.Component{{ID: 51, StudyID: 5, Position: 1, Active: true, Reloadable: true}},
	}))
	require.NoError(t, env.store.CreateBatch(context.Background(), &model.Batch{ID: 6, StudyID: 5, Active: true}))

	rec := env.do("GET", "/publix/studies/1/start?workerType=personal_multiple", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	runID := int64(decodeBody(t, rec)["run_id"].(float64))
	browser := idCookiesOf(rec)[0]

	rec = env.do("GET", fmt.Sprintf("/publix/studies/5/components/51/start?runId=%d", runID), "", browser)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// ============================================================================
// 收尾
// ============================================================================

// TestEndStudy_Idempotent 重复收尾返回同一确认码
func TestEndStudy_Idempotent(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do("GET", "/publix/studies/1/start?workerType=personal_multiple", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	runID := int64(decodeBody(t, rec)["run_id"].(float64))
	browser := idCookiesOf(rec)[0]

	rec = env.do("GET", fmt.Sprintf("/publix/studies/1/end?runId=%d", runID), "", browser)
	require.Equal(t, http.StatusOK, rec.Code)
	first := decodeBody(t, rec)

	// 客户端还留着旧 cookie，重放收尾请求
	rec = env.do("GET", fmt.Sprintf("/publix/studies/1/end?runId=%d", runID), "", browser)
	require.Equal(t, http.StatusOK, rec.Code)
	second := decodeBody(t, rec)

	assert.Equal(t, first["confirmation_code"], second["confirmation_code"])
	assert.Equal(t, string(model.StudyRunFinished), second["state"])
}

// runMetricsCounter 记录运行指标调用次数
type runMetricsCounter struct {
	started  int
	finished int
}

func (c *runMetricsCounter) RunStarted() { c.started++ }

func (c *runMetricsCounter) RunFinished(state string, duration time.Duration) { c.finished++ }

// TestEndStudy_MetricsCountOnce 幂等重放的收尾不重复计数
func TestEndStudy_MetricsCountOnce(t *testing.T) {
	env := newTestEnv(t)
	counter := &runMetricsCounter{}
	env.handler.SetMetrics(counter)

	rec := env.do("GET", "/publix/studies/1/start?workerType=personal_multiple", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	runID := int64(decodeBody(t, rec)["run_id"].(float64))
	browser := idCookiesOf(rec)[0]

	rec = env.do("GET", fmt.Sprintf("/publix/studies/1/end?runId=%d", runID), "", browser)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do("GET", fmt.Sprintf("/publix/studies/1/end?runId=%d", runID), "", browser)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, 1, counter.started)
	assert.Equal(t, 1, counter.finished)
}

func TestEndStudy_Unsuccessful(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do("GET", "/publix/studies/1/start?workerType=personal_multiple", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	runID := int64(decodeBody(t, rec)["run_id"].(float64))
	browser := idCookiesOf(rec)[0]

	rec = env.do("GET", fmt.Sprintf("/publix/studies/1/end?runId=%d&successful=false", runID), "", browser)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, string(model.StudyRunFail), body["state"])
	assert.NotContains(t, body, "confirmation_code")
}
