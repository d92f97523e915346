package agentloop

import (
	"context"
	"log"
	"time"

	"kube-inspector/internal/adapters/kube"
	"kube-inspector/internal/adapters/prometheus"
	"kube-inspector/internal/domain/model"
	"kube-inspector/internal/services/agentgw"
	"kube-inspector/internal/services/checks"
)

// 拿到过任务时的短轮询间隔：队列里可能还有积压。
const busyPollInterval = time.Second

// Runner 是 Agent 的主循环：心跳 -> 拉取 -> 领取 -> 执行 -> 回传。
type Runner struct {
	cfg    *Config
	client *Client
}

func NewRunner(cfg *Config) *Runner {
	return &Runner{cfg: cfg, client: NewClient(cfg)}
}

// Run 持续轮询直到 ctx 结束；once 为 true 时只跑一轮（供排障与测试用）。
func (r *Runner) Run(ctx context.Context, once bool) error {
	for {
		worked := r.pollOnce(ctx)
		if once {
			return nil
		}

		interval := r.cfg.PollInterval
		if worked {
			interval = busyPollInterval
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// pollOnce 执行一轮完整流程，返回是否实际处理了任务。
// 单次失败只记日志不中断循环：服务端短暂不可达是常态。
func (r *Runner) pollOnce(ctx context.Context) bool {
	if err := r.client.Heartbeat(ctx); err != nil {
		log.Printf("agent: heartbeat: %v", err)
		return false
	}

	tasks, err := r.client.FetchTasks(ctx, r.cfg.BatchSize)
	if err != nil {
		log.Printf("agent: fetch tasks: %v", err)
		return false
	}
	if len(tasks) == 0 {
		return false
	}

	worked := false
	for _, task := range tasks {
		if ctx.Err() != nil {
			return worked
		}
		if err := r.client.Claim(ctx, task.RunID); err != nil {
			// 可能被并发的另一实例抢走，跳过即可
			log.Printf("agent: claim run %d: %v", task.RunID, err)
			continue
		}
		log.Printf("agent: run %d claimed (cluster=%s, items=%d)", task.RunID, task.ClusterName, len(task.Items))

		results := r.execute(ctx, task)
		if err := r.client.SubmitResults(ctx, task.RunID, results); err != nil {
			log.Printf("agent: submit run %d results: %v", task.RunID, err)
			continue
		}
		log.Printf("agent: run %d submitted (%d results)", task.RunID, len(results))
		worked = true
	}
	return worked
}

// execute 在本地逐项执行任务。任务下发的 Prometheus 地址是服务端视角，
// Agent 自己配置的地址优先。
func (r *Runner) execute(ctx context.Context, task agentgw.Task) []agentgw.ResultInput {
	env := &checks.Env{
		KubeconfigPath: r.cfg.KubeconfigPath,
		Kubectl:        kube.NewRunner(r.cfg.KubeconfigPath),
	}
	promURL := task.PrometheusURL
	if r.cfg.PrometheusURL != "" {
		promURL = r.cfg.PrometheusURL
	}
	if promURL != "" {
		env.Prom = prometheus.NewClient(promURL)
	}

	results := make([]agentgw.ResultInput, 0, len(task.Items))
	for _, item := range task.Items {
		res := checks.Evaluate(ctx, env, model.PlanEntry{
			ItemID:    item.ID,
			Name:      item.Name,
			CheckType: item.CheckType,
			Config:    item.Config,
		})
		results = append(results, agentgw.ResultInput{
			ItemID:     item.ID,
			Status:     string(res.Status),
			Detail:     checks.SanitizeDetail(res.Detail),
			Suggestion: res.Suggestion,
		})
	}
	return results
}
