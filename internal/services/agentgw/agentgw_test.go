package agentgw

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"kube-inspector/internal/adapters/store/sqlite"
	"kube-inspector/internal/domain/model"
)

type fixture struct {
	svc     *Service
	store   *sqlite.Store
	cluster int64
	agent   *model.InspectionAgent
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := sqlite.NewMigrator(db).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := sqlite.NewStore(db)

	clusterID, err := store.CreateCluster(ctx, &model.Cluster{
		Name: "prod", KubeconfigPath: "/tmp/kubeconfig", ExecutionMode: model.ExecutorAgent,
	})
	if err != nil {
		t.Fatalf("create cluster: %v", err)
	}
	agentID, err := store.CreateAgent(ctx, &model.InspectionAgent{
		Name: "agent-1", Token: "tok-1", ClusterID: clusterID, IsEnabled: true,
	})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	agent, err := store.GetAgent(ctx, agentID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if err := store.TouchAgentSeen(ctx, agentID, time.Now().Unix()); err != nil {
		t.Fatalf("touch agent: %v", err)
	}
	return &fixture{svc: NewService(store), store: store, cluster: clusterID, agent: agent}
}

func (f *fixture) createAgentRun(t *testing.T, items int) int64 {
	t.Helper()
	plan := make([]model.PlanEntry, 0, items)
	for i := 1; i <= items; i++ {
		plan = append(plan, model.PlanEntry{
			ItemID: int64(i), Name: "检查", CheckType: "nodes_status",
		})
	}
	id, err := f.store.CreateRun(context.Background(), &model.InspectionRun{
		ClusterID:   f.cluster,
		Executor:    model.ExecutorAgent,
		AgentID:     f.agent.ID,
		AgentStatus: model.AgentRunQueued,
		TotalItems:  items,
		Plan:        plan,
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	return id
}

func wantCode(t *testing.T, err error, code int) {
	t.Helper()
	var gwErr *Error
	if !errors.As(err, &gwErr) {
		t.Fatalf("err = %v, want *agentgw.Error", err)
	}
	if gwErr.Code != code {
		t.Fatalf("code = %d, want %d (%s)", gwErr.Code, code, gwErr.Message)
	}
}

func TestAuthenticate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	agent, err := f.svc.Authenticate(ctx, "tok-1")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if agent.ID != f.agent.ID {
		t.Fatalf("agent id = %d", agent.ID)
	}

	_, err = f.svc.Authenticate(ctx, "")
	wantCode(t, err, http.StatusUnauthorized)

	_, err = f.svc.Authenticate(ctx, "nope")
	wantCode(t, err, http.StatusUnauthorized)

	f.agent.IsEnabled = false
	if err := f.store.UpdateAgent(ctx, f.agent); err != nil {
		t.Fatalf("disable agent: %v", err)
	}
	_, err = f.svc.Authenticate(ctx, "tok-1")
	wantCode(t, err, http.StatusForbidden)
}

func TestHeartbeatUpdatesLastSeen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.svc.now = func() time.Time { return time.Unix(5000, 0) }
	if err := f.svc.Heartbeat(ctx, f.agent); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	got, _ := f.store.GetAgent(ctx, f.agent.ID)
	if got.LastSeenAt != 5000 {
		t.Fatalf("last_seen_at = %d, want 5000", got.LastSeenAt)
	}
}

func TestPullTasksRespectsLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.createAgentRun(t, 2)
	f.createAgentRun(t, 1)
	f.createAgentRun(t, 1)

	tasks, err := f.svc.PullTasks(ctx, f.agent, 2)
	if err != nil {
		t.Fatalf("pull tasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("len = %d, want 2", len(tasks))
	}
	if tasks[0].RunID != first {
		t.Fatalf("tasks not oldest-first: %d", tasks[0].RunID)
	}
	if tasks[0].ClusterName != "prod" {
		t.Fatalf("cluster name = %q", tasks[0].ClusterName)
	}
	if len(tasks[0].Items) != 2 {
		t.Fatalf("items = %d, want 2", len(tasks[0].Items))
	}
}

func TestClaimTransitionsAndGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	runID := f.createAgentRun(t, 1)

	run, err := f.svc.Claim(ctx, f.agent, runID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if run.Status != model.RunRunning || run.AgentStatus != model.AgentRunRunning {
		t.Fatalf("state after claim: %s/%s", run.Status, run.AgentStatus)
	}

	// 重复领取
	_, err = f.svc.Claim(ctx, f.agent, runID)
	wantCode(t, err, http.StatusBadRequest)

	// 不存在的运行
	_, err = f.svc.Claim(ctx, f.agent, 9999)
	wantCode(t, err, http.StatusNotFound)

	// 其他 Agent 的运行
	otherID, err := f.store.CreateAgent(ctx, &model.InspectionAgent{Name: "agent-2", Token: "tok-2", IsEnabled: true})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	other, _ := f.store.GetAgent(ctx, otherID)
	foreign := f.createAgentRun(t, 1)
	_, err = f.svc.Claim(ctx, other, foreign)
	wantCode(t, err, http.StatusForbidden)
}

func TestSubmitResultsFinalizesRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	runID := f.createAgentRun(t, 2)
	if _, err := f.svc.Claim(ctx, f.agent, runID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	run, err := f.svc.SubmitResults(ctx, f.agent, runID, []ResultInput{
		{ItemID: 1, Status: "passed", Detail: "ok"},
		{ItemID: 2, Status: "warning", Detail: "慢"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if run.Status != model.RunFinished || run.AgentStatus != model.AgentRunFinished {
		t.Fatalf("state: %s/%s", run.Status, run.AgentStatus)
	}
	if run.ProcessedItems != 2 {
		t.Fatalf("processed = %d", run.ProcessedItems)
	}
	if run.CompletedAt == 0 {
		t.Fatalf("completed_at not set")
	}
}

func TestSubmitResultsReplaceSemantics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	runID := f.createAgentRun(t, 1)
	if _, err := f.svc.Claim(ctx, f.agent, runID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if _, err := f.svc.SubmitResults(ctx, f.agent, runID, []ResultInput{
		{ItemID: 1, Status: "failed", Detail: "first attempt"},
	}); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	// 重传：整体覆盖，终态重算
	run, err := f.svc.SubmitResults(ctx, f.agent, runID, []ResultInput{
		{ItemID: 1, Status: "passed", Detail: "retry"},
	})
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if run.Status != model.RunFinished {
		t.Fatalf("status = %s, want finished after resubmit", run.Status)
	}
	results, _ := f.store.ListResults(ctx, runID)
	if len(results) != 1 || results[0].Detail != "retry" {
		t.Fatalf("results = %+v", results)
	}
}

func TestSubmitResultsNormalizesUnknownStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	runID := f.createAgentRun(t, 1)
	if _, err := f.svc.Claim(ctx, f.agent, runID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	run, err := f.svc.SubmitResults(ctx, f.agent, runID, []ResultInput{
		{ItemID: 1, Status: "bogus"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	results, _ := f.store.ListResults(ctx, runID)
	if results[0].Status != model.CheckWarning {
		t.Fatalf("status = %s, want warning", results[0].Status)
	}
	if run.Status != model.RunFinished {
		t.Fatalf("run status = %s", run.Status)
	}
}

func TestSubmitPartialResultsFailsRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	runID := f.createAgentRun(t, 3)
	if _, err := f.svc.Claim(ctx, f.agent, runID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	run, err := f.svc.SubmitResults(ctx, f.agent, runID, []ResultInput{
		{ItemID: 1, Status: "passed"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if run.Status != model.RunFailed || run.AgentStatus != model.AgentRunFailed {
		t.Fatalf("state: %s/%s, want failed", run.Status, run.AgentStatus)
	}
}

func TestSubmitUnclaimedRunRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	runID := f.createAgentRun(t, 1)

	_, err := f.svc.SubmitResults(ctx, f.agent, runID, []ResultInput{{ItemID: 1, Status: "passed"}})
	wantCode(t, err, http.StatusBadRequest)
}

func TestStaleRunSweepOnAuthenticate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	runID := f.createAgentRun(t, 2)
	if _, err := f.svc.Claim(ctx, f.agent, runID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// 心跳停在很久之前
	if err := f.store.TouchAgentSeen(ctx, f.agent.ID, 100); err != nil {
		t.Fatalf("touch: %v", err)
	}

	// 另一个 Agent 的任何协议调用都会触发回收
	otherID, err := f.store.CreateAgent(ctx, &model.InspectionAgent{Name: "agent-2", Token: "tok-2", IsEnabled: true})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	_ = otherID
	if _, err := f.svc.Authenticate(ctx, "tok-2"); err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	run, _ := f.store.GetRun(ctx, runID)
	if run.Status != model.RunQueued || run.AgentStatus != model.AgentRunQueued {
		t.Fatalf("stale run not requeued: %s/%s", run.Status, run.AgentStatus)
	}
}
