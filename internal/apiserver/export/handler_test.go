// Package export 导出接口测试
package export

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"study-server/internal/shared/model"
	"study-server/internal/shared/storage"
)

// mockArchiver 记录上传并返回固定链接
type mockArchiver struct {
	uploads map[string][]byte
	err     error
}

func newMockArchiver() *mockArchiver {
	return &mockArchiver{uploads: make(map[string][]byte)}
}

func (m *mockArchiver) Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	if m.err != nil {
		return m.err
	}
	data, _ := io.ReadAll(reader)
	m.uploads[key] = data
	return nil
}

func (m *mockArchiver) PresignedGetURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "https://objstore.local/" + key, nil
}

func seedResults(t *testing.T) *storage.MockStore {
	t.Helper()
	store := storage.NewMockStore()
	ctx := context.Background()

	require.NoError(t, store.CreateStudy(ctx, &model.Study{ID: 1, Title: "t", Active: true}))

	code := "cafe0123"
	run := &model.StudyRun{
		ID: 10, StudyID: 1, BatchID: 2, WorkerID: 3,
		State: model.StudyRunStarted, StartedAt: time.Now().UTC(),
	}
	require.NoError(t, store.CreateStudyRun(ctx, run))
	_, err := store.FinishStudyRun(ctx, run.ID, model.StudyRunFinished, &code)
	require.NoError(t, err)

	for i, data := range []string{`{"rt":512}`, `{"rt":318}`} {
		cr := &model.ComponentRun{
			ID: int64(100 + i), StudyRunID: 10, ComponentID: int64(11 + i),
			Position: i + 1, State: model.ComponentRunStarted, StartedAt: time.Now().UTC(),
		}
		require.NoError(t, store.CreateComponentRun(ctx, cr))
		require.NoError(t, store.SetComponentRunResultData(ctx, cr.ID, data))
	}

	// 没有数据的记录不出现在文本导出里
	require.NoError(t, store.CreateComponentRun(ctx, &model.ComponentRun{
		ID: 102, StudyRunID: 10, ComponentID: 13, Position: 3,
		State: model.ComponentRunStarted, StartedAt: time.Now().UTC(),
	}))

	return store
}

func exportMux(store ResultStore, archiver Archiver) *http.ServeMux {
	mux := http.NewServeMux()
	NewHandler(store, archiver).RegisterRoutes(mux)
	return mux
}

func TestListResults(t *testing.T) {
	mux := exportMux(seedResults(t), nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/studies/1/results", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Results []*model.StudyRun `json:"results"`
		Count   int               `json:"count"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, 1, body.Count)
	require.Len(t, body.Results, 1)
	assert.Len(t, body.Results[0].ComponentRuns, 3)
}

func TestListResults_StudyNotFound(t *testing.T) {
	mux := exportMux(storage.NewMockStore(), nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/studies/99/results", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// TestExportData 每条结果数据一行，无数据的记录跳过
func TestExportData(t *testing.T) {
	mux := exportMux(seedResults(t), nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/studies/1/results/data", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "{\"rt\":512}\n{\"rt\":318}\n", rec.Body.String())
}

func TestExportCSV(t *testing.T) {
	mux := exportMux(seedResults(t), nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/studies/1/results/csv", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "run_id")
	fields := strings.Split(lines[1], ",")
	assert.Equal(t, "10", fields[0])
	assert.Equal(t, "FINISHED", fields[4])
	assert.Equal(t, "cafe0123", fields[5])
	assert.Equal(t, "3", fields[8])
}

// TestExportArchive 归档上传并返回下载链接
func TestExportArchive(t *testing.T) {
	archiver := newMockArchiver()
	mux := exportMux(seedResults(t), archiver)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/studies/1/results/archive", nil))
	require.Equal(t, http.StatusCreated, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	key := body["key"].(string)
	assert.Equal(t, "https://objstore.local/"+key, body["download_url"])

	// zip 内容可解开，每次运行一个文件
	data := archiver.uploads[key]
	require.NotEmpty(t, data)
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	require.Len(t, zr.File, 1)
	assert.Equal(t, "run-10.txt", zr.File[0].Name)

	f, err := zr.File[0].Open()
	require.NoError(t, err)
	content, err := io.ReadAll(f)
	require.NoError(t, err)
	f.Close()
	assert.Equal(t, "{\"rt\":512}\n{\"rt\":318}\n", string(content))
}

func TestExportArchive_NoObjectStore(t *testing.T) {
	mux := exportMux(seedResults(t), nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/studies/1/results/archive", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
