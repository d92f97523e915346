package webapp

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"kube-inspector/internal/domain/model"
	"kube-inspector/internal/platform/id"
	"kube-inspector/internal/services/agentgw"
)

// --- agent 管理 ---

type agentRequest struct {
	Name          string `json:"name"`
	ClusterID     int64  `json:"cluster_id,omitempty"`
	Description   string `json:"description,omitempty"`
	PrometheusURL string `json:"prometheus_url,omitempty"`
	IsEnabled     *bool  `json:"is_enabled,omitempty"`
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		rows, err := s.store.ListAgents(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"agents": rows})
	case http.MethodPost:
		var req agentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
			return
		}
		name := strings.TrimSpace(req.Name)
		if name == "" {
			writeError(w, http.StatusBadRequest, errors.New("name is required"))
			return
		}
		enabled := true
		if req.IsEnabled != nil {
			enabled = *req.IsEnabled
		}
		agent := &model.InspectionAgent{
			Name:          name,
			Token:         id.NewToken(),
			ClusterID:     req.ClusterID,
			Description:   strings.TrimSpace(req.Description),
			PrometheusURL: strings.TrimSpace(req.PrometheusURL),
			IsEnabled:     enabled,
		}
		agentID, err := s.store.CreateAgent(r.Context(), agent)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		agent.ID = agentID
		_ = s.store.AppendAudit(r.Context(), "agent.create", "agent", agentID, name)

		// token 只在创建响应里出现一次，之后不再下发
		writeJSON(w, http.StatusOK, map[string]any{
			"agent": agent,
			"token": agent.Token,
		})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleAgentRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/agents/"), "/")
	agentID, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid agent id: %s", rest))
		return
	}

	agent, err := s.store.GetAgent(r.Context(), agentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if agent == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("agent not found: %d", agentID))
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, agent)
	case http.MethodPut:
		var req agentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
			return
		}
		if name := strings.TrimSpace(req.Name); name != "" {
			agent.Name = name
		}
		agent.ClusterID = req.ClusterID
		agent.Description = strings.TrimSpace(req.Description)
		agent.PrometheusURL = strings.TrimSpace(req.PrometheusURL)
		if req.IsEnabled != nil {
			agent.IsEnabled = *req.IsEnabled
		}
		if err := s.store.UpdateAgent(r.Context(), agent); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		_ = s.store.AppendAudit(r.Context(), "agent.update", "agent", agent.ID, agent.Name)
		writeJSON(w, http.StatusOK, agent)
	case http.MethodDelete:
		if err := s.store.DeleteAgent(r.Context(), agent.ID); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		_ = s.store.AppendAudit(r.Context(), "agent.delete", "agent", agent.ID, agent.Name)
		writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// --- agent 租约协议 ---

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(auth, prefix))
}

// writeGwError 把租约协议的业务错误映射为对应的 HTTP 状态码。
func writeGwError(w http.ResponseWriter, err error) {
	var gwErr *agentgw.Error
	if errors.As(err, &gwErr) {
		writeError(w, gwErr.Code, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}

func (s *Server) handleAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	agent, err := s.gw.Authenticate(r.Context(), bearerToken(r))
	if err != nil {
		writeGwError(w, err)
		return
	}
	if err := s.gw.Heartbeat(r.Context(), agent); err != nil {
		writeGwError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "agent_id": agent.ID})
}

func (s *Server) handleAgentTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	agent, err := s.gw.Authenticate(r.Context(), bearerToken(r))
	if err != nil {
		writeGwError(w, err)
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), 1)
	tasks, err := s.gw.PullTasks(r.Context(), agent, limit)
	if err != nil {
		writeGwError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

type submitResultsRequest struct {
	Results []agentgw.ResultInput `json:"results"`
}

func (s *Server) handleAgentRunRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/agent/runs/"), "/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	runID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid run id: %s", parts[0]))
		return
	}

	agent, err := s.gw.Authenticate(r.Context(), bearerToken(r))
	if err != nil {
		writeGwError(w, err)
		return
	}

	switch parts[1] {
	case "claim":
		run, err := s.gw.Claim(r.Context(), agent, runID)
		if err != nil {
			writeGwError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, run)
	case "results":
		var req submitResultsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
			return
		}
		run, err := s.gw.SubmitResults(r.Context(), agent, runID, req.Results)
		if err != nil {
			writeGwError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, run)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}
