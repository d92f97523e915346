package model

// RunStatus 表示一次巡检运行的整体状态。
type RunStatus string

const (
	// RunQueued 已创建，等待执行（server 模式等待工作协程，agent 模式等待 Agent 领取）。
	RunQueued RunStatus = "queued"
	// RunRunning 正在执行。
	RunRunning RunStatus = "running"
	// RunPaused 已被请求暂停，工作协程在两个巡检项之间挂起。
	RunPaused RunStatus = "paused"
	// RunCancelled 已被取消，不再写入任何结果。
	RunCancelled RunStatus = "cancelled"
	// RunFinished 正常结束（允许包含 warning 结果）。
	RunFinished RunStatus = "finished"
	// RunFailed 失败结束：存在 failed 结果，或执行过程出现编排错误。
	RunFailed RunStatus = "failed"
)

// Terminal 报告该状态是否为终态。
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCancelled, RunFinished, RunFailed:
		return true
	}
	return false
}

// ExecutorMode 表示巡检由谁执行。
type ExecutorMode string

const (
	// ExecutorServer 由服务端工作协程池就地执行。
	ExecutorServer ExecutorMode = "server"
	// ExecutorAgent 由外部 Agent 领取执行。
	ExecutorAgent ExecutorMode = "agent"
)

// AgentRunStatus 是 executor=agent 时独立维护的子状态。
type AgentRunStatus string

const (
	AgentRunQueued   AgentRunStatus = "queued"
	AgentRunRunning  AgentRunStatus = "running"
	AgentRunFinished AgentRunStatus = "finished"
	AgentRunFailed   AgentRunStatus = "failed"
)

// PlanEntry 是创建 run 时从巡检项目录固化下来的一条快照。
// 执行阶段只认快照，不再回读目录，因此后续修改/删除巡检项不影响已创建的 run。
type PlanEntry struct {
	ItemID      int64          `json:"item_id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	CheckType   string         `json:"check_type"`
	Config      map[string]any `json:"config,omitempty"`
}

// InspectionRun 对应 inspection_runs 表。
type InspectionRun struct {
	ID             int64          `json:"id"`
	ClusterID      int64          `json:"cluster_id"`
	Operator       string         `json:"operator,omitempty"`
	Status         RunStatus      `json:"status"`
	Executor       ExecutorMode   `json:"executor"`
	AgentID        int64          `json:"agent_id,omitempty"` // 0 表示未绑定
	AgentStatus    AgentRunStatus `json:"agent_status,omitempty"`
	TotalItems     int            `json:"total_items"`
	ProcessedItems int            `json:"processed_items"`
	// Generation 每次提交/重提交执行时自增，工作协程据此做防护：
	// 旧代际的协程发现代际变化后立即退出，避免重复写结果。
	Generation int64       `json:"-"`
	Plan       []PlanEntry `json:"plan,omitempty"`
	Summary    string      `json:"summary,omitempty"`
	ReportPath string      `json:"report_path,omitempty"`
	CreatedAt  int64       `json:"created_at"`
	CompletedAt int64      `json:"completed_at,omitempty"`
}

// CheckStatus 表示单条巡检结果的判定。
type CheckStatus string

const (
	CheckPassed  CheckStatus = "passed"
	CheckWarning CheckStatus = "warning"
	CheckFailed  CheckStatus = "failed"
)

// NormalizeCheckStatus 把外部输入（例如 Agent 回传）的状态收敛到合法集合。
// 未知取值一律按 warning 处理，避免脏数据把 run 误判为 passed。
func NormalizeCheckStatus(s string) CheckStatus {
	switch CheckStatus(s) {
	case CheckPassed, CheckWarning, CheckFailed:
		return CheckStatus(s)
	}
	return CheckWarning
}

// InspectionResult 对应 inspection_results 表。每个 run 内按计划顺序追加。
type InspectionResult struct {
	ID         int64       `json:"id"`
	RunID      int64       `json:"run_id"`
	ItemID     int64       `json:"item_id,omitempty"` // 巡检项被删除后置 0，名称仍保留
	ItemName   string      `json:"item_name"`
	Status     CheckStatus `json:"status"`
	Detail     string      `json:"detail,omitempty"`
	Suggestion string      `json:"suggestion,omitempty"`
	CreatedAt  int64       `json:"created_at"`
}
