package server

import (
	"net/http"

	"study-server/internal/apiserver/auth"
	"study-server/internal/apiserver/export"
	"study-server/internal/apiserver/publix"
)

// Router 返回配置好的 HTTP 路由
//
// 路由规则：
//
// 健康检查:
//   - GET /health - 服务健康检查
//
// 被试端 (Publix):
//   - GET  /publix/studies/{studyId}/start                              - 开始运行
//   - GET  /publix/studies/{studyId}/end                                - 结束运行
//   - GET  /publix/studies/{studyId}/components/{componentId}/start     - 开始步骤
//   - GET  /publix/studies/{studyId}/nextComponent/start                - 开始下一步骤
//   - GET  /publix/studies/{studyId}/components/{componentId}/initData  - 获取初始化数据
//   - POST /publix/studies/{studyId}/components/{componentId}/resultData - 上报结果数据
//
// 组通道 (WebSocket):
//   - GET  /publix/studies/{studyId}/group/join - 加入组通道
//
// 管理端 (Admin):
//   - POST /api/v1/auth/login                           - 登录
//   - POST /api/v1/auth/refresh                         - 刷新令牌
//   - GET  /api/v1/studies/{studyId}/results            - 结果列表
//   - GET  /api/v1/studies/{studyId}/results/data       - 文本导出
//   - GET  /api/v1/studies/{studyId}/results/csv        - CSV 导出
//   - POST /api/v1/studies/{studyId}/results/archive    - 归档导出
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	// 健康检查
	mux.HandleFunc("GET /health", h.Health)

	// Prometheus 指标端点
	mux.Handle("GET /metrics", MetricsHandler())

	// 被试端运行接口
	publixHandler := publix.NewHandler(h.lifecycle, h.gates)
	publixHandler.SetMetrics(h.metrics)
	publixHandler.RegisterRoutes(mux)

	// 管理端认证接口
	authHandler := auth.NewHandler(h.authConfig)
	authHandler.RegisterRoutes(mux)

	// 结果导出接口
	exportHandler := export.NewHandler(h.store, h.archiver)
	exportHandler.RegisterRoutes(mux)

	// 应用指标中间件到 REST API
	apiHandler := h.metrics.MetricsMiddleware(mux)

	// 应用认证中间件（被试端路径免认证）
	authedHandler := auth.Middleware(h.authConfig)(apiHandler)

	// 应用 CORS 中间件
	corsHandler := corsMiddleware(authedHandler)

	// 创建顶层路由，WebSocket 绑过 metrics 中间件（避免 http.Hijacker 问题）
	topMux := http.NewServeMux()
	h.groupGateway.SetMetrics(h.metrics)
	h.groupGateway.RegisterRoutes(topMux)
	topMux.Handle("/", corsHandler)

	return topMux
}

// corsMiddleware 添加 CORS 头支持跨域请求
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
