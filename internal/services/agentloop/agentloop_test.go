package agentloop

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"kube-inspector/internal/services/agentgw"
)

func TestLoadConfigFileEnvAndDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	content := `
server:
  base_url: http://inspector:8000/
  token: file-token
agent:
  poll_interval: 30
  batch_size: 3
cluster:
  kubeconfig_path: /etc/kube/config
prometheus:
  base_url: http://prom.local:9090
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.ServerBaseURL != "http://inspector:8000" {
		t.Fatalf("base url = %q, want trailing slash trimmed", cfg.ServerBaseURL)
	}
	if cfg.Token != "file-token" {
		t.Fatalf("token = %q", cfg.Token)
	}
	if cfg.PollInterval != 30*time.Second || cfg.BatchSize != 3 {
		t.Fatalf("poll = %v batch = %d", cfg.PollInterval, cfg.BatchSize)
	}
	if cfg.RequestTimeout != DefaultRequestTimeout {
		t.Fatalf("timeout = %v, want default", cfg.RequestTimeout)
	}
	if cfg.KubeconfigPath != "/etc/kube/config" || cfg.PrometheusURL != "http://prom.local:9090" {
		t.Fatalf("cluster config not applied: %+v", cfg)
	}

	// 环境变量覆盖文件取值
	t.Setenv("INSPECT_AGENT_TOKEN", "env-token")
	t.Setenv("INSPECT_AGENT_BATCH_SIZE", "7")
	cfg, err = LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig with env: %v", err)
	}
	if cfg.Token != "env-token" || cfg.BatchSize != 7 {
		t.Fatalf("env overrides not applied: token=%q batch=%d", cfg.Token, cfg.BatchSize)
	}
}

func TestLoadConfigTokenFileFallback(t *testing.T) {
	dir := t.TempDir()
	tokenPath := filepath.Join(dir, "token")
	if err := os.WriteFile(tokenPath, []byte("  cached-token\n"), 0o600); err != nil {
		t.Fatalf("write token: %v", err)
	}
	t.Setenv("INSPECT_AGENT_SERVER", "http://inspector:8000")
	t.Setenv("INSPECT_AGENT_TOKEN_FILE", tokenPath)

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Token != "cached-token" {
		t.Fatalf("token = %q, want trimmed file content", cfg.Token)
	}
}

func TestLoadConfigRequiresServerAndToken(t *testing.T) {
	if _, err := LoadConfig(""); err == nil {
		t.Fatal("expected error without server base url")
	}
	t.Setenv("INSPECT_AGENT_SERVER", "http://inspector:8000")
	if _, err := LoadConfig(""); err == nil {
		t.Fatal("expected error without token")
	}
}

// fakeServer 模拟服务端协议端点，记录 Agent 回传的结果。
type fakeServer struct {
	mu        sync.Mutex
	claimed   []int64
	submitted map[int64][]agentgw.ResultInput
	task      agentgw.Task
}

func newFakeServer(task agentgw.Task) *fakeServer {
	return &fakeServer{
		submitted: make(map[int64][]agentgw.ResultInput),
		task:      task,
	}
}

func (f *fakeServer) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/agent/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/api/agent/tasks", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		tasks := []agentgw.Task{}
		if len(f.submitted[f.task.RunID]) == 0 {
			tasks = append(tasks, f.task)
		}
		json.NewEncoder(w).Encode(map[string]any{"tasks": tasks})
	})
	mux.HandleFunc("/api/agent/runs/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch {
		case r.URL.Path == "/api/agent/runs/7/claim":
			f.claimed = append(f.claimed, 7)
			w.Write([]byte(`{}`))
		case r.URL.Path == "/api/agent/runs/7/results":
			var req struct {
				Results []agentgw.ResultInput `json:"results"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode results: %v", err)
			}
			f.submitted[7] = req.Results
			w.Write([]byte(`{}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	return mux
}

func TestRunnerOncePullsExecutesAndSubmits(t *testing.T) {
	task := agentgw.Task{
		RunID:       7,
		ClusterID:   1,
		ClusterName: "edge",
		Items: []agentgw.TaskItem{
			{ID: 11, Name: "echo check", CheckType: "command",
				Config: map[string]any{"command": []any{"echo", "hello"}}},
		},
	}
	fs := newFakeServer(task)
	ts := httptest.NewServer(fs.handler(t))
	defer ts.Close()

	cfg := &Config{
		ServerBaseURL:  ts.URL,
		Token:          "tok-1",
		BatchSize:      1,
		PollInterval:   DefaultPollInterval,
		RequestTimeout: DefaultRequestTimeout,
	}
	if err := NewRunner(cfg).Run(context.Background(), true); err != nil {
		t.Fatalf("Run(once): %v", err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.claimed) != 1 {
		t.Fatalf("claimed = %v, want one claim of run 7", fs.claimed)
	}
	results := fs.submitted[7]
	if len(results) != 1 {
		t.Fatalf("submitted = %d results, want 1", len(results))
	}
	if results[0].ItemID != 11 || results[0].Status != "passed" {
		t.Fatalf("result = %+v, want item 11 passed", results[0])
	}
}

func TestRunnerStopsWhenContextCancelled(t *testing.T) {
	fs := newFakeServer(agentgw.Task{RunID: 7})
	ts := httptest.NewServer(fs.handler(t))
	defer ts.Close()

	cfg := &Config{
		ServerBaseURL:  ts.URL,
		Token:          "tok-1",
		BatchSize:      1,
		PollInterval:   10 * time.Millisecond,
		RequestTimeout: DefaultRequestTimeout,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := NewRunner(cfg).Run(ctx, false)
	if err != context.DeadlineExceeded {
		t.Fatalf("err = %v, want context deadline", err)
	}
}
