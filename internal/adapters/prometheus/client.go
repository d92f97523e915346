// Package prometheus 是一个只做即时查询的最小 Prometheus 客户端。
// 阈值巡检只需要 /api/v1/query 的 vector/scalar 结果。
package prometheus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Sample 是查询结果中的一条样本。
type Sample struct {
	Labels map[string]string
	Value  float64
}

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

type queryResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
	Data   struct {
		ResultType string `json:"resultType"`
		Result     json.RawMessage `json:"result"`
	} `json:"data"`
}

type vectorSample struct {
	Metric map[string]string `json:"metric"`
	Value  [2]any            `json:"value"`
}

// Query 执行即时查询，返回样本列表。
// vector 返回全部样本，scalar 折算为单条无标签样本。
func (c *Client) Query(ctx context.Context, query string) ([]Sample, error) {
	u := fmt.Sprintf("%s/api/v1/query?query=%s", c.baseURL, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build prometheus request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query prometheus: %w", err)
	}
	defer resp.Body.Close()

	var body queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode prometheus response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || body.Status != "success" {
		msg := body.Error
		if msg == "" {
			msg = resp.Status
		}
		return nil, fmt.Errorf("prometheus query failed: %s", msg)
	}

	switch body.Data.ResultType {
	case "vector":
		var raw []vectorSample
		if err := json.Unmarshal(body.Data.Result, &raw); err != nil {
			return nil, fmt.Errorf("decode vector result: %w", err)
		}
		out := make([]Sample, 0, len(raw))
		for _, s := range raw {
			v, err := parseSampleValue(s.Value[1])
			if err != nil {
				return nil, err
			}
			out = append(out, Sample{Labels: s.Metric, Value: v})
		}
		return out, nil
	case "scalar":
		var raw [2]any
		if err := json.Unmarshal(body.Data.Result, &raw); err != nil {
			return nil, fmt.Errorf("decode scalar result: %w", err)
		}
		v, err := parseSampleValue(raw[1])
		if err != nil {
			return nil, err
		}
		return []Sample{{Value: v}}, nil
	default:
		return nil, fmt.Errorf("unsupported prometheus result type: %s", body.Data.ResultType)
	}
}

func parseSampleValue(v any) (float64, error) {
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("unexpected sample value type %T", v)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse sample value %q: %w", s, err)
	}
	return f, nil
}
