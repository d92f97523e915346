package webapp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"kube-inspector/internal/adapters/kube"
	"kube-inspector/internal/domain/model"
	"kube-inspector/internal/platform/id"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"service": "kube-inspector",
		"time":    time.Now().Unix(),
	})
}

// --- clusters ---

type clusterRequest struct {
	Name           string `json:"name"`
	KubeconfigB64  string `json:"kubeconfig_b64,omitempty"`
	KubeconfigName string `json:"kubeconfig_name,omitempty"`
	PrometheusURL  string `json:"prometheus_url,omitempty"`
	ExecutionMode  string `json:"execution_mode,omitempty"`
	DefaultAgentID int64  `json:"default_agent_id,omitempty"`
}

func (s *Server) handleClusters(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		rows, err := s.store.ListClusters(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"clusters": rows})
	case http.MethodPost:
		var req clusterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
			return
		}
		name := strings.TrimSpace(req.Name)
		if name == "" {
			writeError(w, http.StatusBadRequest, errors.New("name is required"))
			return
		}
		if strings.TrimSpace(req.KubeconfigB64) == "" {
			writeError(w, http.StatusBadRequest, errors.New("kubeconfig_b64 is required"))
			return
		}
		if dup, err := s.store.GetClusterByName(r.Context(), name); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		} else if dup != nil {
			writeError(w, http.StatusConflict, fmt.Errorf("cluster already exists: %s", name))
			return
		}

		mode, err := parseExecutionMode(req.ExecutionMode)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		kubeconfigPath, contexts, err := s.saveKubeconfig(req.KubeconfigB64)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		cluster := &model.Cluster{
			Name:           name,
			KubeconfigPath: kubeconfigPath,
			PrometheusURL:  strings.TrimSpace(req.PrometheusURL),
			Contexts:       contexts,
			ExecutionMode:  mode,
			DefaultAgentID: req.DefaultAgentID,
		}
		id, err := s.store.CreateCluster(r.Context(), cluster)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		_ = s.store.AppendAudit(r.Context(), "cluster.create", "cluster", id, name)

		created, err := s.store.GetCluster(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, created)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleClusterRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/clusters/"), "/")
	if rest == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	parts := strings.Split(rest, "/")
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid cluster id: %s", parts[0]))
		return
	}
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	cluster, err := s.store.GetCluster(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if cluster == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("cluster not found: %d", id))
		return
	}

	switch action {
	case "":
		s.handleClusterByID(w, r, cluster)
	case "test-connection":
		s.handleClusterTestConnection(w, r, cluster)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) handleClusterByID(w http.ResponseWriter, r *http.Request, cluster *model.Cluster) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, cluster)
	case http.MethodPut:
		var req clusterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
			return
		}
		if name := strings.TrimSpace(req.Name); name != "" {
			cluster.Name = name
		}
		if req.ExecutionMode != "" {
			mode, err := parseExecutionMode(req.ExecutionMode)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			cluster.ExecutionMode = mode
		}
		cluster.PrometheusURL = strings.TrimSpace(req.PrometheusURL)
		cluster.DefaultAgentID = req.DefaultAgentID
		if strings.TrimSpace(req.KubeconfigB64) != "" {
			path, contexts, err := s.saveKubeconfig(req.KubeconfigB64)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			cluster.KubeconfigPath = path
			cluster.Contexts = contexts
			// 凭证换了，旧的连通性结论不再可信
			cluster.ConnectionStatus = "unknown"
			cluster.ConnectionMessage = ""
		}
		if err := s.store.UpdateCluster(r.Context(), cluster); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		_ = s.store.AppendAudit(r.Context(), "cluster.update", "cluster", cluster.ID, cluster.Name)
		writeJSON(w, http.StatusOK, cluster)
	case http.MethodDelete:
		if err := s.store.DeleteCluster(r.Context(), cluster.ID); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		_ = s.store.AppendAudit(r.Context(), "cluster.delete", "cluster", cluster.ID, cluster.Name)
		writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleClusterTestConnection 用 kubectl version 验证连通性并回写状态。
func (s *Server) handleClusterTestConnection(w http.ResponseWriter, r *http.Request, cluster *model.Cluster) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	runner := kube.NewRunner(cluster.KubeconfigPath)
	out, err := runner.Run(r.Context(), "version")
	switch {
	case err == nil && strings.Contains(strings.ToLower(out), "server version"):
		cluster.ConnectionStatus = "connected"
		cluster.ConnectionMessage = ""
	case err == nil:
		cluster.ConnectionStatus = "warning"
		cluster.ConnectionMessage = "未能从 kubectl 输出解析到 Server Version。"
	case errors.Is(err, context.DeadlineExceeded):
		cluster.ConnectionStatus = "warning"
		cluster.ConnectionMessage = "kubectl 执行超时。"
	default:
		cluster.ConnectionStatus = "failed"
		cluster.ConnectionMessage = err.Error()
	}
	cluster.LastCheckedAt = time.Now().Unix()

	if err := s.store.UpdateCluster(r.Context(), cluster); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connection_status":  cluster.ConnectionStatus,
		"connection_message": cluster.ConnectionMessage,
		"last_checked_at":    cluster.LastCheckedAt,
	})
}

// saveKubeconfig 把上传的 kubeconfig 落盘并解析 context 列表。
func (s *Server) saveKubeconfig(b64 string) (string, []string, error) {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", nil, fmt.Errorf("decode kubeconfig_b64: %w", err)
	}

	var cfg struct {
		Contexts []struct {
			Name string `yaml:"name"`
		} `yaml:"contexts"`
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return "", nil, fmt.Errorf("parse kubeconfig: %w", err)
	}
	contexts := make([]string, 0, len(cfg.Contexts))
	for _, c := range cfg.Contexts {
		if c.Name != "" {
			contexts = append(contexts, c.Name)
		}
	}

	// 每次上传都落成新文件，避免并发运行读到被覆盖的凭证
	path := filepath.Join(s.opts.ConfigDir, id.New("kubeconfig")+".yaml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", nil, fmt.Errorf("save kubeconfig: %w", err)
	}
	return path, contexts, nil
}

func parseExecutionMode(raw string) (model.ExecutorMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return model.ExecutorServer, nil
	case "server":
		return model.ExecutorServer, nil
	case "agent":
		return model.ExecutorAgent, nil
	default:
		return "", fmt.Errorf("invalid execution_mode: %s", raw)
	}
}

// --- inspection items ---

type itemRequest struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	CheckType   string         `json:"check_type"`
	Config      map[string]any `json:"config,omitempty"`
	IsArchived  *bool          `json:"is_archived,omitempty"`
}

func (s *Server) handleItems(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		rows, err := s.store.ListItems(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": rows})
	case http.MethodPost:
		var req itemRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
			return
		}
		name := strings.TrimSpace(req.Name)
		if name == "" {
			writeError(w, http.StatusBadRequest, errors.New("name is required"))
			return
		}
		// 创建时就校验配置，避免坏配置进入运行计划
		if _, err := model.ParseCheckSpec(req.CheckType, req.Config); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		item := &model.InspectionItem{
			Name:        name,
			Description: strings.TrimSpace(req.Description),
			CheckType:   strings.TrimSpace(req.CheckType),
			Config:      req.Config,
		}
		id, err := s.store.CreateItem(r.Context(), item)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		_ = s.store.AppendAudit(r.Context(), "item.create", "item", id, name)

		created, err := s.store.GetItem(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, created)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleItemRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/items/"), "/")
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid item id: %s", rest))
		return
	}

	item, err := s.store.GetItem(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if item == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("item not found: %d", id))
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, item)
	case http.MethodPut:
		var req itemRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
			return
		}
		if name := strings.TrimSpace(req.Name); name != "" {
			item.Name = name
		}
		if ct := strings.TrimSpace(req.CheckType); ct != "" {
			item.CheckType = ct
		}
		if req.Config != nil {
			item.Config = req.Config
		}
		if req.Description != "" {
			item.Description = strings.TrimSpace(req.Description)
		}
		if req.IsArchived != nil {
			item.IsArchived = *req.IsArchived
		}
		if _, err := model.ParseCheckSpec(item.CheckType, item.Config); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := s.store.UpdateItem(r.Context(), item); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		_ = s.store.AppendAudit(r.Context(), "item.update", "item", item.ID, item.Name)
		writeJSON(w, http.StatusOK, item)
	case http.MethodDelete:
		if err := s.store.DeleteItem(r.Context(), item.ID); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		_ = s.store.AppendAudit(r.Context(), "item.delete", "item", item.ID, item.Name)
		writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// --- audit logs ---

func (s *Server) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), 100)
	logs, err := s.store.ListAuditLogs(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit_logs": logs})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{
		"error": err.Error(),
	})
}

func parseInt(s string, def int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
