package webapp

import (
	"net/http"

	sqliteadapter "kube-inspector/internal/adapters/store/sqlite"
	"kube-inspector/internal/services/agentgw"
	"kube-inspector/internal/services/inspect"
)

// Server 是 API 服务的运行时对象。
type Server struct {
	opts  Options
	store *sqliteadapter.Store
	sched *inspect.Scheduler
	gw    *agentgw.Service
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	// 管理 API
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/clusters", s.handleClusters)
	mux.HandleFunc("/api/clusters/", s.handleClusterRoutes)
	mux.HandleFunc("/api/items", s.handleItems)
	mux.HandleFunc("/api/items/", s.handleItemRoutes)
	mux.HandleFunc("/api/runs", s.handleRuns)
	mux.HandleFunc("/api/runs/", s.handleRunRoutes)
	mux.HandleFunc("/api/agents", s.handleAgents)
	mux.HandleFunc("/api/agents/", s.handleAgentRoutes)
	mux.HandleFunc("/api/audit-logs", s.handleAuditLogs)

	// Agent 租约协议（Bearer Token 认证）
	mux.HandleFunc("/api/agent/heartbeat", s.handleAgentHeartbeat)
	mux.HandleFunc("/api/agent/tasks", s.handleAgentTasks)
	mux.HandleFunc("/api/agent/runs/", s.handleAgentRunRoutes)
}
