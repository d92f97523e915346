// Package agentgw 实现服务端的 Agent 租约协议：
// 心跳、拉取任务、领取运行、回传结果，以及失联 Agent 的任务回收。
package agentgw

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"kube-inspector/internal/adapters/store/sqlite"
	"kube-inspector/internal/domain/model"
	"kube-inspector/internal/services/inspect"
)

// 心跳超过该时长未更新即视为 Agent 失联，其 running 运行被回收重排。
const DefaultHeartbeatTimeout = 5 * time.Minute

// Error 携带建议的 HTTP 状态码，由 API 层直接映射。
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string { return e.Message }

func errf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

type Service struct {
	store            *sqlite.Store
	heartbeatTimeout time.Duration
	now              func() time.Time
}

func NewService(store *sqlite.Store) *Service {
	return &Service{
		store:            store,
		heartbeatTimeout: DefaultHeartbeatTimeout,
		now:              time.Now,
	}
}

// Authenticate 校验 Bearer Token 并返回对应 Agent。
// 每次认证成功顺带做一轮失联回收：协议流量本身就是触发时机，
// 不需要额外的后台定时器。
func (s *Service) Authenticate(ctx context.Context, token string) (*model.InspectionAgent, error) {
	if token == "" {
		return nil, errf(http.StatusUnauthorized, "missing agent token")
	}
	agent, err := s.store.GetAgentByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, errf(http.StatusUnauthorized, "invalid agent token")
	}
	if !agent.IsEnabled {
		return nil, errf(http.StatusForbidden, "agent %s is disabled", agent.Name)
	}

	if n, err := s.sweepStaleRuns(ctx); err != nil {
		log.Printf("agentgw: sweep stale runs: %v", err)
	} else if n > 0 {
		log.Printf("agentgw: requeued %d stale agent runs", n)
	}
	return agent, nil
}

// Heartbeat 更新 Agent 的最后在线时间。
// 只有显式心跳会刷新 last_seen_at，拉任务/回传结果不算。
func (s *Service) Heartbeat(ctx context.Context, agent *model.InspectionAgent) error {
	return s.store.TouchAgentSeen(ctx, agent.ID, s.now().Unix())
}

// Task 是下发给 Agent 的任务描述。
type Task struct {
	RunID         int64      `json:"run_id"`
	ClusterID     int64      `json:"cluster_id"`
	ClusterName   string     `json:"cluster_name,omitempty"`
	PrometheusURL string     `json:"prometheus_url,omitempty"`
	Items         []TaskItem `json:"items"`
}

type TaskItem struct {
	ID        int64          `json:"id"`
	Name      string         `json:"name"`
	CheckType string         `json:"check_type"`
	Config    map[string]any `json:"config,omitempty"`
}

// PullTasks 返回绑定到该 Agent、尚未领取的运行，最多 limit 条，先创建先下发。
func (s *Service) PullTasks(ctx context.Context, agent *model.InspectionAgent, limit int) ([]Task, error) {
	runs, err := s.store.ListAgentQueuedRuns(ctx, agent.ID, limit)
	if err != nil {
		return nil, err
	}

	tasks := make([]Task, 0, len(runs))
	for _, run := range runs {
		task := Task{RunID: run.ID, ClusterID: run.ClusterID}
		if cluster, err := s.store.GetCluster(ctx, run.ClusterID); err == nil && cluster != nil {
			task.ClusterName = cluster.Name
			task.PrometheusURL = cluster.PrometheusURL
		}
		// Agent 侧 Prometheus 地址优先级更高（集群内地址通常只有 Agent 可达）
		if agent.PrometheusURL != "" {
			task.PrometheusURL = agent.PrometheusURL
		}
		for _, entry := range run.Plan {
			task.Items = append(task.Items, TaskItem{
				ID:        entry.ItemID,
				Name:      entry.Name,
				CheckType: entry.CheckType,
				Config:    entry.Config,
			})
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// Claim 由 Agent 领取一个待执行的运行。
// 不存在返回 404；归属其他 Agent 返回 403；状态不允许领取返回 400。
func (s *Service) Claim(ctx context.Context, agent *model.InspectionAgent, runID int64) (*model.InspectionRun, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, errf(http.StatusNotFound, "run not found: %d", runID)
	}
	if run.Executor != model.ExecutorAgent || run.AgentID != agent.ID {
		return nil, errf(http.StatusForbidden, "run %d is not assigned to agent %s", runID, agent.Name)
	}
	if run.Status != model.RunQueued || run.AgentStatus != model.AgentRunQueued {
		return nil, errf(http.StatusBadRequest, "run %d is not claimable (status=%s, agent_status=%s)",
			runID, run.Status, run.AgentStatus)
	}

	if err := s.store.UpdateRunState(ctx, runID, model.RunRunning, model.AgentRunRunning); err != nil {
		return nil, err
	}
	run.Status = model.RunRunning
	run.AgentStatus = model.AgentRunRunning
	return run, nil
}

// ResultInput 是 Agent 回传的单条结果。
type ResultInput struct {
	ItemID     int64  `json:"item_id"`
	Status     string `json:"status"`
	Detail     string `json:"detail,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

// SubmitResults 接收 Agent 的整批结果并落终态。
// 替换语义：重复回传会整体覆盖上一批结果，运行终态随之重算，
// 因此 Agent 重试不会产生重复数据。
func (s *Service) SubmitResults(ctx context.Context, agent *model.InspectionAgent, runID int64, inputs []ResultInput) (*model.InspectionRun, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, errf(http.StatusNotFound, "run not found: %d", runID)
	}
	if run.Executor != model.ExecutorAgent || run.AgentID != agent.ID {
		return nil, errf(http.StatusForbidden, "run %d is not assigned to agent %s", runID, agent.Name)
	}
	if run.AgentStatus == model.AgentRunQueued {
		return nil, errf(http.StatusBadRequest, "run %d has not been claimed", runID)
	}

	// 计划里的名称作为结果缓存名，计划外的 item_id 不拒绝但标记出来
	planNames := make(map[int64]string, len(run.Plan))
	for _, entry := range run.Plan {
		planNames[entry.ItemID] = entry.Name
	}

	results := make([]model.InspectionResult, 0, len(inputs))
	var passed, warning, failed int
	for _, in := range inputs {
		name := planNames[in.ItemID]
		if name == "" {
			name = fmt.Sprintf("item-%d", in.ItemID)
		}
		status := model.NormalizeCheckStatus(in.Status)
		switch status {
		case model.CheckPassed:
			passed++
		case model.CheckFailed:
			failed++
		default:
			warning++
		}
		results = append(results, model.InspectionResult{
			ItemID:     in.ItemID,
			ItemName:   name,
			Status:     status,
			Detail:     in.Detail,
			Suggestion: in.Suggestion,
		})
	}

	if err := s.store.ReplaceResults(ctx, runID, results); err != nil {
		return nil, err
	}
	if _, err := s.store.AdvanceRunProgress(ctx, runID, len(results), run.Generation); err != nil {
		return nil, err
	}

	clusterName := fmt.Sprintf("%d", run.ClusterID)
	if cluster, err := s.store.GetCluster(ctx, run.ClusterID); err == nil && cluster != nil {
		clusterName = cluster.Name
	}

	status, summary := inspect.ClassifyRun(run.TotalItems, passed, warning, failed, clusterName)
	agentStatus := model.AgentRunFinished
	if status == model.RunFailed {
		agentStatus = model.AgentRunFailed
	}
	if len(results) < run.TotalItems {
		status = model.RunFailed
		agentStatus = model.AgentRunFailed
		summary = fmt.Sprintf("Agent 仅回传 %d/%d 条结果。", len(results), run.TotalItems)
	}
	if err := s.store.FinalizeRun(ctx, runID, status, agentStatus, summary); err != nil {
		return nil, err
	}
	return s.store.GetRun(ctx, runID)
}

// sweepStaleRuns 把失联 Agent 的 running 运行重置回待领取。
// processed_items 保留原值，便于排查任务卡在哪一项。
func (s *Service) sweepStaleRuns(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.heartbeatTimeout).Unix()
	runs, err := s.store.ListStaleAgentRuns(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, run := range runs {
		if err := s.store.RequeueAgentRun(ctx, run.ID, "Agent 心跳超时，任务已重新排队。"); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
