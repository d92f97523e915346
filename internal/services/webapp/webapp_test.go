package webapp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	sqliteadapter "kube-inspector/internal/adapters/store/sqlite"
	"kube-inspector/internal/domain/model"
	"kube-inspector/internal/services/agentgw"
	"kube-inspector/internal/services/checks"
	"kube-inspector/internal/services/inspect"
)

const testKubeconfig = `apiVersion: v1
kind: Config
contexts:
  - name: dev
    context:
      cluster: dev
      user: admin
  - name: prod
    context:
      cluster: prod
      user: admin
current-context: dev
`

type testEnv struct {
	ts    *httptest.Server
	store *sqliteadapter.Store
	sched *inspect.Scheduler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	db, err := sqliteadapter.Open(filepath.Join(dir, "inspector.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := sqliteadapter.NewMigrator(db).Up(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	store := sqliteadapter.NewStore(db)
	sched := inspect.NewScheduler(store, func(ctx context.Context, c *model.Cluster) (*checks.Env, error) {
		return &checks.Env{KubeconfigPath: c.KubeconfigPath}, nil
	}, 2)

	s := &Server{
		opts: Options{
			ConfigDir: filepath.Join(dir, "kubeconfigs"),
			ReportDir: filepath.Join(dir, "reports"),
		},
		store: store,
		sched: sched,
		gw:    agentgw.NewService(store),
	}
	mkdirs(t, s.opts.ConfigDir, s.opts.ReportDir)

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return &testEnv{ts: ts, store: store, sched: sched}
}

func mkdirs(t *testing.T, dirs ...string) {
	t.Helper()
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", d, err)
		}
	}
}

// do 发起请求并把 JSON 响应解码到 out（可为 nil），返回状态码。
func (e *testEnv) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	return e.doWithToken(t, method, path, "", body, out)
}

func (e *testEnv) doWithToken(t *testing.T, method, path, token string, body any, out any) int {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode response: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (e *testEnv) createCluster(t *testing.T, name string, extra map[string]any) map[string]any {
	t.Helper()
	body := map[string]any{
		"name":           name,
		"kubeconfig_b64": base64.StdEncoding.EncodeToString([]byte(testKubeconfig)),
	}
	for k, v := range extra {
		body[k] = v
	}
	var created map[string]any
	if code := e.do(t, http.MethodPost, "/api/clusters", body, &created); code != http.StatusOK {
		t.Fatalf("create cluster: status %d: %v", code, created)
	}
	return created
}

func (e *testEnv) createCommandItem(t *testing.T, name string, argv []string) int64 {
	t.Helper()
	var created map[string]any
	code := e.do(t, http.MethodPost, "/api/items", map[string]any{
		"name":       name,
		"check_type": "command",
		"config":     map[string]any{"command": argv},
	}, &created)
	if code != http.StatusOK {
		t.Fatalf("create item %s: status %d: %v", name, code, created)
	}
	return int64(created["id"].(float64))
}

func TestHealthEndpoint(t *testing.T) {
	e := newTestEnv(t)
	var body map[string]any
	if code := e.do(t, http.MethodGet, "/api/health", nil, &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body["ok"] != true || body["service"] != "kube-inspector" {
		t.Fatalf("unexpected health payload: %v", body)
	}
}

func TestClusterLifecycle(t *testing.T) {
	e := newTestEnv(t)

	created := e.createCluster(t, "prod", map[string]any{"prometheus_url": "http://prom:9090"})
	id := int64(created["id"].(float64))
	contexts, _ := created["contexts"].([]any)
	if len(contexts) != 2 {
		t.Fatalf("contexts = %v, want [dev prod]", contexts)
	}

	// 同名冲突
	var conflict map[string]any
	code := e.do(t, http.MethodPost, "/api/clusters", map[string]any{
		"name":           "prod",
		"kubeconfig_b64": base64.StdEncoding.EncodeToString([]byte(testKubeconfig)),
	}, &conflict)
	if code != http.StatusConflict {
		t.Fatalf("duplicate create status = %d", code)
	}

	var updated map[string]any
	code = e.do(t, http.MethodPut, fmt.Sprintf("/api/clusters/%d", id), map[string]any{
		"prometheus_url": "http://prom2:9090",
		"execution_mode": "server",
	}, &updated)
	if code != http.StatusOK {
		t.Fatalf("update status = %d: %v", code, updated)
	}
	if updated["prometheus_url"] != "http://prom2:9090" {
		t.Fatalf("prometheus_url = %v", updated["prometheus_url"])
	}

	if code := e.do(t, http.MethodDelete, fmt.Sprintf("/api/clusters/%d", id), nil, nil); code != http.StatusOK {
		t.Fatalf("delete status = %d", code)
	}
	if code := e.do(t, http.MethodGet, fmt.Sprintf("/api/clusters/%d", id), nil, nil); code != http.StatusNotFound {
		t.Fatalf("get after delete status = %d", code)
	}
}

func TestItemValidationRejectsBadConfig(t *testing.T) {
	e := newTestEnv(t)

	var resp map[string]any
	code := e.do(t, http.MethodPost, "/api/items", map[string]any{
		"name":       "bad promql",
		"check_type": "promql",
		"config":     map[string]any{"promql": "up"},
	}, &resp)
	if code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 (missing thresholds)", code)
	}

	code = e.do(t, http.MethodPost, "/api/items", map[string]any{
		"name":       "bad type",
		"check_type": "no_such_check",
	}, &resp)
	if code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 (unknown check_type)", code)
	}
}

func TestRunExecutionOverAPI(t *testing.T) {
	e := newTestEnv(t)

	cluster := e.createCluster(t, "prod", nil)
	clusterID := int64(cluster["id"].(float64))
	e.createCommandItem(t, "echo one", []string{"echo", "one"})
	e.createCommandItem(t, "echo two", []string{"echo", "two"})

	var run map[string]any
	code := e.do(t, http.MethodPost, "/api/runs", map[string]any{
		"cluster_id": clusterID,
		"operator":   "ops",
	}, &run)
	if code != http.StatusOK {
		t.Fatalf("create run status = %d: %v", code, run)
	}
	runID := int64(run["id"].(float64))
	if run["total_items"].(float64) != 2 {
		t.Fatalf("total_items = %v", run["total_items"])
	}

	e.sched.Wait()

	var detail struct {
		Run     model.InspectionRun      `json:"run"`
		Results []model.InspectionResult `json:"results"`
	}
	if code := e.do(t, http.MethodGet, fmt.Sprintf("/api/runs/%d", runID), nil, &detail); code != http.StatusOK {
		t.Fatalf("get run status = %d", code)
	}
	if detail.Run.Status != model.RunFinished {
		t.Fatalf("run status = %s, want finished (summary: %s)", detail.Run.Status, detail.Run.Summary)
	}
	if len(detail.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(detail.Results))
	}

	var progress map[string]any
	if code := e.do(t, http.MethodGet, fmt.Sprintf("/api/runs/%d/progress", runID), nil, &progress); code != http.StatusOK {
		t.Fatalf("progress status = %d", code)
	}
	if progress["processed_items"].(float64) != 2 || progress["total_items"].(float64) != 2 {
		t.Fatalf("progress = %v", progress)
	}
	if progress["percent"].(float64) != 100 {
		t.Fatalf("percent = %v, want 100", progress["percent"])
	}

	// 终态 run 可以即时生成并下载报告
	req, _ := http.NewRequest(http.MethodGet, e.ts.URL+fmt.Sprintf("/api/runs/%d/report", runID), nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("report status = %d", resp.StatusCode)
	}
}

func TestRunCreateRejectsEmptyPlan(t *testing.T) {
	e := newTestEnv(t)
	cluster := e.createCluster(t, "prod", nil)

	var resp map[string]any
	code := e.do(t, http.MethodPost, "/api/runs", map[string]any{
		"cluster_id": int64(cluster["id"].(float64)),
	}, &resp)
	if code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 when no items exist", code)
	}
}

func TestAgentModeRunRequiresDefaultAgent(t *testing.T) {
	e := newTestEnv(t)
	cluster := e.createCluster(t, "edge", map[string]any{"execution_mode": "agent"})
	e.createCommandItem(t, "echo", []string{"echo", "hi"})

	var resp map[string]any
	code := e.do(t, http.MethodPost, "/api/runs", map[string]any{
		"cluster_id": int64(cluster["id"].(float64)),
	}, &resp)
	if code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 without default agent", code)
	}
}

func TestAgentProtocolOverAPI(t *testing.T) {
	e := newTestEnv(t)

	// 先注册 Agent，token 只在创建响应里出现一次
	var agentResp struct {
		Agent model.InspectionAgent `json:"agent"`
		Token string                `json:"token"`
	}
	code := e.do(t, http.MethodPost, "/api/agents", map[string]any{"name": "edge-agent"}, &agentResp)
	if code != http.StatusOK {
		t.Fatalf("create agent status = %d", code)
	}
	if agentResp.Token == "" {
		t.Fatal("agent token missing from create response")
	}

	cluster := e.createCluster(t, "edge", map[string]any{
		"execution_mode":   "agent",
		"default_agent_id": agentResp.Agent.ID,
	})
	clusterID := int64(cluster["id"].(float64))
	e.createCommandItem(t, "echo", []string{"echo", "hi"})

	var run model.InspectionRun
	if code := e.do(t, http.MethodPost, "/api/runs", map[string]any{"cluster_id": clusterID}, &run); code != http.StatusOK {
		t.Fatalf("create run status = %d", code)
	}
	if run.Status != model.RunQueued || run.AgentStatus != model.AgentRunQueued {
		t.Fatalf("run state = %s/%s, want queued/queued", run.Status, run.AgentStatus)
	}

	// 无 token / 错 token 都拒绝
	if code := e.doWithToken(t, http.MethodPost, "/api/agent/heartbeat", "", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("heartbeat without token status = %d", code)
	}
	if code := e.doWithToken(t, http.MethodPost, "/api/agent/heartbeat", "wrong", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("heartbeat with bad token status = %d", code)
	}
	if code := e.doWithToken(t, http.MethodPost, "/api/agent/heartbeat", agentResp.Token, nil, nil); code != http.StatusOK {
		t.Fatalf("heartbeat status = %d", code)
	}

	var tasksResp struct {
		Tasks []agentgw.Task `json:"tasks"`
	}
	if code := e.doWithToken(t, http.MethodGet, "/api/agent/tasks?limit=5", agentResp.Token, nil, &tasksResp); code != http.StatusOK {
		t.Fatalf("pull tasks status = %d", code)
	}
	if len(tasksResp.Tasks) != 1 || tasksResp.Tasks[0].RunID != run.ID {
		t.Fatalf("tasks = %+v", tasksResp.Tasks)
	}
	item := tasksResp.Tasks[0].Items[0]

	var claimed model.InspectionRun
	code = e.doWithToken(t, http.MethodPost, fmt.Sprintf("/api/agent/runs/%d/claim", run.ID), agentResp.Token, nil, &claimed)
	if code != http.StatusOK {
		t.Fatalf("claim status = %d", code)
	}
	if claimed.Status != model.RunRunning || claimed.AgentStatus != model.AgentRunRunning {
		t.Fatalf("claimed state = %s/%s", claimed.Status, claimed.AgentStatus)
	}

	var final model.InspectionRun
	code = e.doWithToken(t, http.MethodPost, fmt.Sprintf("/api/agent/runs/%d/results", run.ID), agentResp.Token,
		map[string]any{
			"results": []map[string]any{
				{"item_id": item.ID, "status": "passed", "detail": "all good"},
			},
		}, &final)
	if code != http.StatusOK {
		t.Fatalf("submit results status = %d", code)
	}
	if final.Status != model.RunFinished {
		t.Fatalf("final status = %s, want finished (summary: %s)", final.Status, final.Summary)
	}
	if final.ProcessedItems != 1 {
		t.Fatalf("processed = %d, want 1", final.ProcessedItems)
	}
}

func TestPauseRejectsAgentExecutedRun(t *testing.T) {
	e := newTestEnv(t)

	var agentResp struct {
		Agent model.InspectionAgent `json:"agent"`
		Token string                `json:"token"`
	}
	e.do(t, http.MethodPost, "/api/agents", map[string]any{"name": "edge-agent"}, &agentResp)

	cluster := e.createCluster(t, "edge", map[string]any{
		"execution_mode":   "agent",
		"default_agent_id": agentResp.Agent.ID,
	})
	e.createCommandItem(t, "echo", []string{"echo", "hi"})

	var run model.InspectionRun
	e.do(t, http.MethodPost, "/api/runs", map[string]any{"cluster_id": int64(cluster["id"].(float64))}, &run)

	var resp map[string]any
	if code := e.do(t, http.MethodPost, fmt.Sprintf("/api/runs/%d/pause", run.ID), nil, &resp); code != http.StatusBadRequest {
		t.Fatalf("pause agent run status = %d, want 400", code)
	}

	// 未被领取的 agent run 可以取消
	if code := e.do(t, http.MethodPost, fmt.Sprintf("/api/runs/%d/cancel", run.ID), nil, &resp); code != http.StatusOK {
		t.Fatalf("cancel queued agent run status = %d", code)
	}
	got, err := e.store.GetRun(context.Background(), run.ID)
	if err != nil || got == nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != model.RunCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
}

func TestSeedDefaultItemsIsIdempotent(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := SeedDefaultItems(ctx, e.store); err != nil {
			t.Fatalf("seed #%d: %v", i+1, err)
		}
	}
	items, err := e.store.ListItems(ctx)
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	if len(items) != len(defaultItems) {
		t.Fatalf("items = %d, want %d", len(items), len(defaultItems))
	}
}
