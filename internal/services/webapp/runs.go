package webapp

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"kube-inspector/internal/domain/model"
	"kube-inspector/internal/services/report"
)

type runRequest struct {
	ClusterID int64   `json:"cluster_id"`
	Operator  string  `json:"operator,omitempty"`
	ItemIDs   []int64 `json:"item_ids,omitempty"`
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit := parseInt(r.URL.Query().Get("limit"), 100)
		rows, err := s.store.ListRuns(r.Context(), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"runs": rows})
	case http.MethodPost:
		s.handleCreateRun(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}

	cluster, err := s.store.GetCluster(r.Context(), req.ClusterID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if cluster == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("cluster not found: %d", req.ClusterID))
		return
	}

	// item_ids 为空表示跑全部未归档项；否则按请求顺序固化快照。
	var items []model.InspectionItem
	if len(req.ItemIDs) == 0 {
		items, err = s.store.ListItems(r.Context())
	} else {
		items, err = s.store.GetItemsByIDs(r.Context(), req.ItemIDs)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(items) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("no inspection items selected"))
		return
	}

	plan := make([]model.PlanEntry, 0, len(items))
	for _, it := range items {
		plan = append(plan, model.PlanEntry{
			ItemID:      it.ID,
			Name:        it.Name,
			Description: it.Description,
			CheckType:   it.CheckType,
			Config:      it.Config,
		})
	}

	run := &model.InspectionRun{
		ClusterID:  cluster.ID,
		Operator:   strings.TrimSpace(req.Operator),
		Status:     model.RunQueued,
		Executor:   cluster.ExecutionMode,
		TotalItems: len(plan),
		Plan:       plan,
	}
	if run.Executor == "" {
		run.Executor = model.ExecutorServer
	}
	if run.Executor == model.ExecutorAgent {
		if cluster.DefaultAgentID == 0 {
			writeError(w, http.StatusBadRequest,
				fmt.Errorf("cluster %s runs in agent mode but has no default agent", cluster.Name))
			return
		}
		run.AgentID = cluster.DefaultAgentID
		run.AgentStatus = model.AgentRunQueued
	}

	id, err := s.store.CreateRun(r.Context(), run)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	_ = s.store.AppendAudit(r.Context(), "run.create", "run", id,
		fmt.Sprintf("cluster=%s items=%d executor=%s", cluster.Name, len(plan), run.Executor))

	if run.Executor == model.ExecutorServer {
		if err := s.sched.Submit(r.Context(), id); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}

	created, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, created)
}

func (s *Server) handleRunRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/runs/"), "/")
	if rest == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	parts := strings.Split(rest, "/")
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid run id: %s", parts[0]))
		return
	}
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("run not found: %d", id))
		return
	}

	switch action {
	case "":
		s.handleRunByID(w, r, run)
	case "pause":
		s.handleRunPause(w, r, run)
	case "resume":
		s.handleRunResume(w, r, run)
	case "cancel":
		s.handleRunCancel(w, r, run)
	case "progress":
		s.handleRunProgress(w, r, run)
	case "report":
		s.handleRunReport(w, r, run)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) handleRunByID(w http.ResponseWriter, r *http.Request, run *model.InspectionRun) {
	switch r.Method {
	case http.MethodGet:
		results, err := s.store.ListResults(r.Context(), run.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"run":     run,
			"results": results,
		})
	case http.MethodDelete:
		if !run.Status.Terminal() {
			writeError(w, http.StatusConflict, errors.New("run is still active, cancel it first"))
			return
		}
		if err := s.store.DeleteRun(r.Context(), run.ID); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		_ = s.store.AppendAudit(r.Context(), "run.delete", "run", run.ID, "")
		writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleRunPause(w http.ResponseWriter, r *http.Request, run *model.InspectionRun) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	// agent 执行的 run 没有可暂停的服务端工作协程
	if run.Executor != model.ExecutorServer {
		writeError(w, http.StatusBadRequest, errors.New("only server-executed runs can be paused"))
		return
	}
	paused, err := s.sched.RequestPause(r.Context(), run.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !paused {
		writeError(w, http.StatusConflict, fmt.Errorf("run %d is not pausable in status %s", run.ID, run.Status))
		return
	}
	_ = s.store.AppendAudit(r.Context(), "run.pause", "run", run.ID, "")
	writeJSON(w, http.StatusOK, map[string]any{"status": model.RunPaused})
}

func (s *Server) handleRunResume(w http.ResponseWriter, r *http.Request, run *model.InspectionRun) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if run.Executor != model.ExecutorServer {
		writeError(w, http.StatusBadRequest, errors.New("only server-executed runs can be resumed"))
		return
	}
	resumed, err := s.sched.Resume(r.Context(), run.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !resumed {
		writeError(w, http.StatusConflict, fmt.Errorf("run %d is not paused", run.ID))
		return
	}
	_ = s.store.AppendAudit(r.Context(), "run.resume", "run", run.ID, "")
	writeJSON(w, http.StatusOK, map[string]any{"status": model.RunRunning})
}

func (s *Server) handleRunCancel(w http.ResponseWriter, r *http.Request, run *model.InspectionRun) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	// agent 模式下只有还没被领取的任务可以取消；领取后由 Agent 端掌控
	if run.Executor == model.ExecutorAgent && run.AgentStatus != model.AgentRunQueued {
		writeError(w, http.StatusConflict, errors.New("run has been claimed by an agent and cannot be cancelled"))
		return
	}
	ok, err := s.sched.RequestCancel(r.Context(), run.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	_ = s.store.AppendAudit(r.Context(), "run.cancel", "run", run.ID, "")
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    model.RunCancelled,
		"cancelled": ok,
	})
}

func (s *Server) handleRunProgress(w http.ResponseWriter, r *http.Request, run *model.InspectionRun) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	percent := 0
	if run.TotalItems > 0 {
		percent = run.ProcessedItems * 100 / run.TotalItems
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          run.Status,
		"agent_status":    run.AgentStatus,
		"processed_items": run.ProcessedItems,
		"total_items":     run.TotalItems,
		"percent":         percent,
	})
}

// handleRunReport 下发 PDF 报告，终态 run 按需即时生成。
func (s *Server) handleRunReport(w http.ResponseWriter, r *http.Request, run *model.InspectionRun) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	path := run.ReportPath
	if path == "" {
		if !run.Status.Terminal() {
			writeError(w, http.StatusConflict, errors.New("run has not completed yet"))
			return
		}
		var err error
		path, err = report.Generate(r.Context(), s.store, report.Options{
			RunID:     run.ID,
			ReportDir: s.opts.ReportDir,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="inspection-run-%d.pdf"`, run.ID))
	http.ServeFile(w, r, path)
}
