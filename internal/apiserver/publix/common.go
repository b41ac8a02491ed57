// Package publix 运行参与方 HTTP 接口
//
// 本包实现面向实验参与者（浏览器端脚本）的接口，包括：
//   - 开始一次运行（Study start）
//   - 步骤的开始 / 初始化数据 / 结果上报（Component）
//   - 运行收尾（end）
//
// 文件组织：
//   - common.go: 响应工具与错误映射
//   - jar.go: http.Request/ResponseWriter 上的 cookie 袋
//   - handler.go: Handler 定义与路由
//   - study.go: 运行级接口
//   - component.go: 步骤级接口
package publix

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/containerd/errdefs"
)

var (
	errInvalidWorkerID    = fmt.Errorf("invalid workerId parameter: %w", errdefs.ErrInvalidArgument)
	errWorkerTypeMismatch = fmt.Errorf("workerId does not match workerType: %w", errdefs.ErrInvalidArgument)
)

// writeJSON 将数据以 JSON 格式写入 HTTP 响应
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError 将错误信息以 JSON 格式写入 HTTP 响应
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeDomainError 按错误类别映射 HTTP 状态码
//
// 映射关系：
//   - NotFound          → 404
//   - InvalidArgument   → 400
//   - PermissionDenied  → 403
//   - ResourceExhausted → 429（浏览器同时进行的运行到达上限）
//   - 其余              → 500
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errdefs.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case errdefs.IsInvalidArgument(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errdefs.IsPermissionDenied(err):
		writeError(w, http.StatusForbidden, err.Error())
	case errdefs.IsResourceExhausted(err):
		writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
