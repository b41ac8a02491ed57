// Package server 路由配置与核心基础设施
//
// 本包实现 study server 的 HTTP 入口，包括：
//   - 被试端（publix）运行接口的装配
//   - 组通道 WebSocket 网关的装配
//   - 管理端认证与结果导出接口的装配
//   - Prometheus 指标
//
// 文件组织：
//   - common.go: Handler 定义和通用工具函数
//   - handler.go: 路由配置
//   - metrics.go: Prometheus 指标
package server

import (
	"encoding/json"
	"net/http"

	"study-server/internal/apiserver/auth"
	"study-server/internal/apiserver/export"
	gates "study-server/internal/publix/auth"
	"study-server/internal/publix/groupchannel"
	"study-server/internal/publix/service"
	"study-server/internal/shared/storage"
)

// Handler API 处理器
//
// Handler 是所有 HTTP 接口的入口，负责：
//   - 路由请求到各领域独立包
//   - 管理存储层连接
//   - 协调运行生命周期服务和组通道网关
type Handler struct {
	store storage.PersistentStore // 持久化业务数据

	lifecycle *service.Service // 运行生命周期服务
	gates     *gates.Resolver  // 准入检查

	groupGateway *groupchannel.Gateway // 组通道 WebSocket 网关

	archiver   export.Archiver // 对象存储（可为 nil）
	authConfig auth.Config     // 管理端认证配置

	metrics *Metrics // Prometheus 指标
}

// NewHandler 创建 Handler 实例
//
// 参数：
//   - store: 持久化存储层实例
//   - bus: 组通道消息总线（单机用 MemoryBus，多实例用 RedisBus）
//   - archiver: 对象存储客户端，未配置时传 nil（归档导出返回 503）
//   - authCfg: 管理端认证配置，JWTSecret 为空时认证关闭
func NewHandler(store storage.PersistentStore, bus groupchannel.Bus, archiver export.Archiver, authCfg auth.Config) *Handler {
	h := &Handler{
		store:      store,
		archiver:   archiver,
		authConfig: authCfg,
	}
	h.lifecycle = service.New(store)
	h.gates = gates.NewResolver(store)
	h.groupGateway = groupchannel.NewGateway(h.lifecycle, bus)
	h.metrics = NewMetrics("study")
	return h
}

// GetMetrics 返回指标实例
func (h *Handler) GetMetrics() *Metrics {
	return h.metrics
}

// Close 关闭内部组件
func (h *Handler) Close() {
	h.groupGateway.Close()
}

// writeJSON 将数据以 JSON 格式写入 HTTP 响应
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Health 健康检查接口
//
// 路由: GET /health
//
// 用于负载均衡器和监控系统检查服务状态。
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
