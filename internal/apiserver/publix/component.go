// Package publix 步骤级接口
package publix

import (
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/containerd/errdefs"

	"study-server/internal/shared/model"
)

// maxResultDataBytes 单次结果上报的大小上限
const maxResultDataBytes = 4 << 20 // 4 MiB

// StartComponent 开始（或重启）一个步骤
// GET /publix/studies/{studyId}/components/{componentId}/start
//
// 不可重载步骤的第二次开始会让整个运行以 FAIL 收尾并丢弃 cookie，
// 客户端收到 403 后不应再发任何步骤级请求。
func (h *Handler) StartComponent(w http.ResponseWriter, r *http.Request) {
	rc, ok := h.resolveRun(w, r)
	if !ok {
		return
	}
	component, ok := h.resolveComponent(w, r, rc)
	if !ok {
		return
	}
	h.startComponent(w, r, rc, component)
}

// StartNextComponent 开始运行中的下一个启用步骤
// GET /publix/studies/{studyId}/nextComponent/start
//
// 已经没有下一步时顺势成功收尾整个运行，返回确认码。
func (h *Handler) StartNextComponent(w http.ResponseWriter, r *http.Request) {
	rc, ok := h.resolveRun(w, r)
	if !ok {
		return
	}

	next := h.lifecycle.RetrieveNextActiveComponent(rc.study, rc.run)
	if next == nil {
		wasTerminal := rc.run.Terminal()
		code, err := h.lifecycle.FinishStudyRun(r.Context(), true, rc.run)
		if err != nil {
			log.Printf("[publix.next.finish.failed] run_id=%d error=%v", rc.run.ID, err)
			writeError(w, http.StatusInternalServerError, "failed to finish study run")
			return
		}
		rc.cookies.Discard(rc.run.ID)
		log.Printf("[publix.next.finished] run_id=%d", rc.run.ID)
		if !wasTerminal {
			h.recordRunFinished(rc.run)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"run_id":            rc.run.ID,
			"state":             rc.run.State,
			"confirmation_code": code,
		})
		return
	}
	h.startComponent(w, r, rc, next)
}

// InitData 步骤初始化数据
// GET /publix/studies/{studyId}/components/{componentId}/initData
//
// 返回客户端脚本启动所需的元数据，并把步骤记录推进到 DATA_RETRIEVED。
// 页面重载后的重复请求对可重载步骤透明重启，对不可重载步骤报 403。
func (h *Handler) InitData(w http.ResponseWriter, r *http.Request) {
	rc, ok := h.resolveRun(w, r)
	if !ok {
		return
	}
	component, ok := h.resolveComponent(w, r, rc)
	if !ok {
		return
	}

	componentRun, err := h.lifecycle.RetrieveStartedComponentRun(r.Context(),
		component, rc.run, model.ComponentRunDataRetrieved)
	if err != nil {
		h.writeComponentError(w, rc, err)
		return
	}
	if err := h.lifecycle.MarkDataRetrieved(r.Context(), componentRun); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update component run")
		return
	}
	if err := rc.cookies.WriteForRun(rc.worker, rc.run, component, componentRun); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run_id":           rc.run.ID,
		"component_run_id": componentRun.ID,
		"component": map[string]interface{}{
			"id":         component.ID,
			"title":      component.Title,
			"position":   component.Position,
			"reloadable": component.Reloadable,
		},
		"study": map[string]interface{}{
			"id":          rc.study.ID,
			"title":       rc.study.Title,
			"group_study": rc.study.GroupStudy,
		},
	})
}

// PostResultData 上报步骤结果数据
// POST /publix/studies/{studyId}/components/{componentId}/resultData
//
// 请求体原样存储（通常是 JSON，但服务端不解析）。
// 同一步骤的再次上报覆盖之前的数据。
func (h *Handler) PostResultData(w http.ResponseWriter, r *http.Request) {
	rc, ok := h.resolveRun(w, r)
	if !ok {
		return
	}
	component, ok := h.resolveComponent(w, r, rc)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxResultDataBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(body) > maxResultDataBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "result data too large")
		return
	}

	componentRun, err := h.lifecycle.RetrieveStartedComponentRun(r.Context(),
		component, rc.run, model.ComponentRunResultDataPosted)
	if err != nil {
		h.writeComponentError(w, rc, err)
		return
	}
	if err := h.lifecycle.PostResultData(r.Context(), componentRun, string(body)); err != nil {
		writeDomainError(w, err)
		return
	}
	log.Printf("[publix.resultdata] run_id=%d component_run_id=%d bytes=%d",
		rc.run.ID, componentRun.ID, len(body))

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"component_run_id": componentRun.ID,
		"state":            componentRun.State,
	})
}

// startComponent StartComponent / StartNextComponent 的公共收口
func (h *Handler) startComponent(w http.ResponseWriter, r *http.Request, rc *runContext, component *model.Component) {
	if rc.run.Terminal() {
		writeError(w, http.StatusForbidden, "study run is already finished")
		return
	}

	componentRun, err := h.lifecycle.StartComponent(r.Context(), component, rc.run)
	if err != nil {
		h.writeComponentError(w, rc, err)
		return
	}
	if err := rc.cookies.WriteForRun(rc.worker, rc.run, component, componentRun); err != nil {
		writeDomainError(w, err)
		return
	}
	log.Printf("[publix.component.start] run_id=%d component_id=%d component_run_id=%d",
		rc.run.ID, component.ID, componentRun.ID)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run_id":           rc.run.ID,
		"component_id":     component.ID,
		"component_run_id": componentRun.ID,
		"position":         componentRun.Position,
	})
}

// resolveComponent 解析路径里的步骤并校验归属/启用
func (h *Handler) resolveComponent(w http.ResponseWriter, r *http.Request, rc *runContext) (*model.Component, bool) {
	componentID, err := strconv.ParseInt(r.PathValue("componentId"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid component id")
		return nil, false
	}
	component, err := h.lifecycle.RetrieveComponent(rc.study, componentID)
	if err != nil {
		writeDomainError(w, err)
		return nil, false
	}
	return component, true
}

// writeComponentError 步骤级失败的统一出口
//
// 违反重载规则的 PermissionDenied 意味着运行已被级联收尾，
// 此时顺手丢弃 cookie，让浏览器的槽位立即可用。
func (h *Handler) writeComponentError(w http.ResponseWriter, rc *runContext, err error) {
	if errdefs.IsPermissionDenied(err) && rc.run.Terminal() {
		rc.cookies.Discard(rc.run.ID)
	}
	writeDomainError(w, err)
}
