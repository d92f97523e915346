package agentloop

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"kube-inspector/internal/services/agentgw"
)

// Client 封装 Agent 侧的协议调用，所有请求都带 Bearer Token。
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(cfg *Config) *Client {
	transport := http.DefaultTransport
	if cfg.Insecure {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return &Client{
		baseURL: cfg.ServerBaseURL,
		token:   cfg.Token,
		http: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: transport,
		},
	}
}

func (c *Client) Heartbeat(ctx context.Context) error {
	return c.call(ctx, http.MethodPost, "/api/agent/heartbeat", nil, nil)
}

func (c *Client) FetchTasks(ctx context.Context, limit int) ([]agentgw.Task, error) {
	var resp struct {
		Tasks []agentgw.Task `json:"tasks"`
	}
	path := fmt.Sprintf("/api/agent/tasks?limit=%d", limit)
	if err := c.call(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

func (c *Client) Claim(ctx context.Context, runID int64) error {
	return c.call(ctx, http.MethodPost, fmt.Sprintf("/api/agent/runs/%d/claim", runID), nil, nil)
}

func (c *Client) SubmitResults(ctx context.Context, runID int64, results []agentgw.ResultInput) error {
	body := map[string]any{"results": results}
	return c.call(ctx, http.MethodPost, fmt.Sprintf("/api/agent/runs/%d/results", runID), body, nil)
}

func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(raw))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
	}
	return nil
}
