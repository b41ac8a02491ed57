// Package export 结果查询与导出接口（管理端）
//
// 实验者用这些接口检视和取走运行结果：
//   - JSON 列表：结构化浏览
//   - 文本导出：每条已上报的结果数据占一行（下游分析脚本的输入格式）
//   - CSV 导出：运行元数据表
//   - 归档导出：打包上传对象存储，返回限时下载链接
package export

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"study-server/internal/shared/model"
	"study-server/internal/shared/storage"
)

// ResultStore 定义导出接口需要的存储能力
type ResultStore interface {
	GetStudy(ctx context.Context, id int64) (*model.Study, error)
	ListStudyRunsByStudy(ctx context.Context, studyID int64) ([]*model.StudyRun, error)
}

// Archiver 定义归档上传能力（由对象存储客户端实现）
type Archiver interface {
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
	PresignedGetURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// Handler 导出接口处理器
//
// archiver 可为 nil（未配置对象存储时归档接口返回 503）。
type Handler struct {
	store    ResultStore
	archiver Archiver
}

// NewHandler 创建导出处理器
func NewHandler(store ResultStore, archiver Archiver) *Handler {
	return &Handler{store: store, archiver: archiver}
}

// RegisterRoutes 注册导出路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/studies/{studyId}/results", h.ListResults)
	mux.HandleFunc("GET /api/v1/studies/{studyId}/results/data", h.ExportData)
	mux.HandleFunc("GET /api/v1/studies/{studyId}/results/csv", h.ExportCSV)
	mux.HandleFunc("POST /api/v1/studies/{studyId}/results/archive", h.ExportArchive)
}

// loadRuns 解析 studyId 并加载该 study 的全部运行
func (h *Handler) loadRuns(w http.ResponseWriter, r *http.Request) ([]*model.StudyRun, bool) {
	studyID, err := strconv.ParseInt(r.PathValue("studyId"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid study id")
		return nil, false
	}
	if _, err := h.store.GetStudy(r.Context(), studyID); err != nil {
		if err == storage.ErrNotFound {
			writeError(w, http.StatusNotFound, "study not found")
		} else {
			writeError(w, http.StatusInternalServerError, "failed to load study")
		}
		return nil, false
	}
	runs, err := h.store.ListStudyRunsByStudy(r.Context(), studyID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load study runs")
		return nil, false
	}
	return runs, true
}

// ListResults 运行结果 JSON 列表
// GET /api/v1/studies/{studyId}/results
func (h *Handler) ListResults(w http.ResponseWriter, r *http.Request) {
	runs, ok := h.loadRuns(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": runs,
		"count":   len(runs),
	})
}

// ExportData 文本导出
// GET /api/v1/studies/{studyId}/results/data
//
// 每条已上报的结果数据占一行，按运行、步骤顺序排列。
// 没有数据的步骤记录被跳过。
func (h *Handler) ExportData(w http.ResponseWriter, r *http.Request) {
	runs, ok := h.loadRuns(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	writeResultDataLines(w, runs)
}

// ExportCSV 运行元数据 CSV
// GET /api/v1/studies/{studyId}/results/csv
func (h *Handler) ExportCSV(w http.ResponseWriter, r *http.Request) {
	runs, ok := h.loadRuns(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="results.csv"`)
	w.WriteHeader(http.StatusOK)

	cw := csv.NewWriter(w)
	cw.Write([]string{"run_id", "study_id", "batch_id", "worker_id", "state",
		"confirmation_code", "started_at", "finished_at", "component_runs"})
	for _, run := range runs {
		code := ""
		if run.ConfirmationCode != nil {
			code = *run.ConfirmationCode
		}
		finished := ""
		if run.FinishedAt != nil {
			finished = run.FinishedAt.UTC().Format(time.RFC3339)
		}
		cw.Write([]string{
			strconv.FormatInt(run.ID, 10),
			strconv.FormatInt(run.StudyID, 10),
			strconv.FormatInt(run.BatchID, 10),
			strconv.FormatInt(run.WorkerID, 10),
			string(run.State),
			code,
			run.StartedAt.UTC().Format(time.RFC3339),
			finished,
			strconv.Itoa(len(run.ComponentRuns)),
		})
	}
	cw.Flush()
}

// ExportArchive 打包导出
// POST /api/v1/studies/{studyId}/results/archive
//
// zip 内每次运行一个文本文件（run-<id>.txt，内容同文本导出），
// 上传对象存储后返回限时下载链接。
func (h *Handler) ExportArchive(w http.ResponseWriter, r *http.Request) {
	if h.archiver == nil {
		writeError(w, http.StatusServiceUnavailable, "object storage is not configured")
		return
	}
	runs, ok := h.loadRuns(w, r)
	if !ok {
		return
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, run := range runs {
		f, err := zw.Create(fmt.Sprintf("run-%d.txt", run.ID))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to build archive")
			return
		}
		writeResultDataLines(f, []*model.StudyRun{run})
	}
	if err := zw.Close(); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to build archive")
		return
	}

	key := fmt.Sprintf("exports/study-%s-%d.zip", r.PathValue("studyId"), time.Now().UnixMilli())
	if err := h.archiver.Upload(r.Context(), key, &buf, int64(buf.Len()), "application/zip"); err != nil {
		log.Printf("[export.archive.upload.failed] key=%s error=%v", key, err)
		writeError(w, http.StatusInternalServerError, "failed to upload archive")
		return
	}
	url, err := h.archiver.PresignedGetURL(r.Context(), key, 24*time.Hour)
	if err != nil {
		log.Printf("[export.archive.presign.failed] key=%s error=%v", key, err)
		writeError(w, http.StatusInternalServerError, "failed to create download link")
		return
	}
	log.Printf("[export.archive] key=%s runs=%d bytes=%d", key, len(runs), buf.Len())

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"key":          key,
		"download_url": url,
		"expires_in":   int((24 * time.Hour).Seconds()),
	})
}

// writeResultDataLines 逐行写出已上报的结果数据
func writeResultDataLines(w io.Writer, runs []*model.StudyRun) {
	for _, run := range runs {
		for _, cr := range run.ComponentRuns {
			if cr.ResultData == nil {
				continue
			}
			io.WriteString(w, *cr.ResultData)
			io.WriteString(w, "\n")
		}
	}
}
