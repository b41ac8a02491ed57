// Package server 路由装配测试
//
// 指标经由 promauto 注册到全局 registry，Handler 在包内只构建一次。
package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"study-server/internal/apiserver/auth"
	"study-server/internal/publix/groupchannel"
	"study-server/internal/shared/model"
	"study-server/internal/shared/storage"
)

var (
	routerOnce sync.Once
	testRouter http.Handler
	testStore  *storage.MockStore
)

func router(t *testing.T) http.Handler {
	t.Helper()
	routerOnce.Do(func() {
		testStore = storage.NewMockStore()
		h := NewHandler(testStore, groupchannel.NewMemoryBus(), nil, auth.Config{})
		testRouter = h.Router()
	})
	return testRouter
}

func get(mux http.Handler, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", target, nil))
	return rec
}

func TestRouter(t *testing.T) {
	mux := router(t)

	t.Run("health", func(t *testing.T) {
		rec := get(mux, "/health")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	})

	t.Run("metrics endpoint", func(t *testing.T) {
		rec := get(mux, "/metrics")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "study_http_requests_total")
	})

	t.Run("cors preflight", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("OPTIONS", "/api/v1/studies/1/results", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("publix routes wired", func(t *testing.T) {
		require.NoError(t, testStore.CreateStudy(context.Background(), &model.Study{
			ID: 1, Title: "t", Active: true,
			Components: []*model.Component{{ID: 11, StudyID: 1, Title: "c", Position: 1, Active: true}},
		}))
		require.NoError(t, testStore.CreateBatch(context.Background(), &model.Batch{
			ID: 2, StudyID: 1, Title: "default", Active: true,
		}))

		rec := get(mux, "/publix/studies/1/start?workerType=general_single")
		assert.Equal(t, http.StatusCreated, rec.Code)
	})

	t.Run("export routes wired", func(t *testing.T) {
		rec := get(mux, "/api/v1/studies/1/results")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("auth routes wired", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/api/v1/auth/login", strings.NewReader(`{}`))
		mux.ServeHTTP(rec, req)
		// 认证未启用时登录接口报 404
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"/health":                                  "/health",
		"/publix/studies/42/start":                 "/publix/studies/{studyId}/start",
		"/publix/studies/42/end":                   "/publix/studies/{studyId}/end",
		"/publix/studies/42/components/7/initData": "/publix/studies/{studyId}/components/{componentId}/initData",
		"/publix/studies/42/nextComponent/start":   "/publix/studies/{studyId}/nextComponent/start",
		"/api/v1/studies/42/results/csv":           "/api/v1/studies/{studyId}/results/csv",
	}
	for in, want := range cases {
		assert.Equal(t, want, normalizePath(in), in)
	}
}
