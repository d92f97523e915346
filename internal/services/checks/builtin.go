package checks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"kube-inspector/internal/domain/model"
)

// 内置巡检项的阈值是固定的，不读取 item config。
// 想要不同阈值时应改用 promql 类型的自定义巡检项。

func evaluateBuiltin(ctx context.Context, env *Env, checkType string) Result {
	switch checkType {
	case "cluster_version":
		return checkClusterVersion(ctx, env)
	case "nodes_status":
		return checkNodesStatus(ctx, env)
	case "pods_status":
		return checkPodsStatus(ctx, env)
	case "events_recent":
		return checkEventsRecent(ctx, env)
	case "cluster_cpu_usage":
		return checkClusterCPUUsage(ctx, env)
	case "cluster_memory_usage":
		return checkClusterMemoryUsage(ctx, env)
	case "node_cpu_hotspots":
		return checkNodeCPUHotspots(ctx, env)
	case "node_memory_pressure":
		return checkNodeMemoryPressure(ctx, env)
	case "cluster_disk_io":
		return checkClusterDiskIO(ctx, env)
	default:
		return Result{
			Status:     model.CheckWarning,
			Detail:     fmt.Sprintf("未实现的内置巡检类型 %q。", checkType),
			Suggestion: "确认巡检项目录的 check_type 拼写。",
		}
	}
}

// runKubectl 统一处理 kubectl 失败：任何失败都折算为 (false, 说明文本)。
func runKubectl(ctx context.Context, env *Env, args ...string) (string, bool, string) {
	if env.Kubectl == nil {
		return "", false, "该集群未配置 kubeconfig。"
	}
	out, err := env.Kubectl.Run(ctx, args...)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", false, "kubectl 执行超时。"
		}
		return "", false, err.Error()
	}
	return out, true, ""
}

func checkClusterVersion(ctx context.Context, env *Env) Result {
	out, ok, msg := runKubectl(ctx, env, "version")
	if !ok {
		return Result{Status: model.CheckWarning, Detail: msg, Suggestion: "Verify kubectl connectivity to the cluster."}
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(strings.ToLower(line), "server version") {
			return Result{Status: model.CheckPassed, Detail: strings.TrimSpace(line)}
		}
	}
	return Result{Status: model.CheckWarning, Detail: out, Suggestion: "未能从输出中解析到 Server Version。"}
}

type nodeList struct {
	Items []struct {
		Metadata struct {
			Name string `json:"name"`
		} `json:"metadata"`
		Status struct {
			Conditions []struct {
				Type   string `json:"type"`
				Status string `json:"status"`
			} `json:"conditions"`
		} `json:"status"`
	} `json:"items"`
}

func checkNodesStatus(ctx context.Context, env *Env) Result {
	out, ok, msg := runKubectl(ctx, env, "get", "nodes", "-o", "json")
	if !ok {
		return Result{Status: model.CheckWarning, Detail: msg, Suggestion: "Ensure nodes are reachable and kubeconfig is configured."}
	}
	var nodes nodeList
	if err := json.Unmarshal([]byte(out), &nodes); err != nil {
		return Result{Status: model.CheckWarning, Detail: out, Suggestion: "kubectl output not in JSON format."}
	}

	var notReady []string
	for _, item := range nodes.Items {
		for _, cond := range item.Status.Conditions {
			if cond.Type == "Ready" && cond.Status != "True" {
				notReady = append(notReady, item.Metadata.Name)
			}
		}
	}
	if len(notReady) == 0 {
		return Result{Status: model.CheckPassed, Detail: fmt.Sprintf("%d nodes ready.", len(nodes.Items))}
	}
	return Result{
		Status:     model.CheckFailed,
		Detail:     "Nodes not ready: " + strings.Join(notReady, ", "),
		Suggestion: "Investigate node conditions via 'kubectl describe node <name>'.",
	}
}

type podList struct {
	Items []struct {
		Metadata struct {
			Namespace string `json:"namespace"`
			Name      string `json:"name"`
		} `json:"metadata"`
		Status struct {
			Phase string `json:"phase"`
		} `json:"status"`
	} `json:"items"`
}

func checkPodsStatus(ctx context.Context, env *Env) Result {
	out, ok, msg := runKubectl(ctx, env, "get", "pods", "--all-namespaces", "-o", "json")
	if !ok {
		return Result{Status: model.CheckWarning, Detail: msg, Suggestion: "Verify cluster access or specify kubeconfig."}
	}
	var pods podList
	if err := json.Unmarshal([]byte(out), &pods); err != nil {
		return Result{Status: model.CheckWarning, Detail: out, Suggestion: "kubectl output not in JSON format."}
	}

	var failing []string
	for _, item := range pods.Items {
		phase := item.Status.Phase
		if phase == "Running" || phase == "Succeeded" {
			continue
		}
		ns := item.Metadata.Namespace
		if ns == "" {
			ns = "default"
		}
		failing = append(failing, fmt.Sprintf("%s/%s (%s)", ns, item.Metadata.Name, phase))
	}
	if len(failing) == 0 {
		return Result{Status: model.CheckPassed, Detail: "All pods running or completed."}
	}
	if len(failing) > 8 {
		failing = failing[:8]
	}
	return Result{
		Status:     model.CheckWarning,
		Detail:     "Problem pods: " + strings.Join(failing, ", "),
		Suggestion: "Check pod logs or describe pods for details.",
	}
}

func checkEventsRecent(ctx context.Context, env *Env) Result {
	out, ok, msg := runKubectl(ctx, env,
		"get", "events", "--all-namespaces", "--sort-by=.metadata.creationTimestamp", "-o", "wide")
	if !ok {
		return Result{Status: model.CheckWarning, Detail: msg, Suggestion: "Confirm cluster permissions for events."}
	}
	if len(out) > 2000 {
		out = out[:2000]
	}
	return Result{Status: model.CheckPassed, Detail: out, Suggestion: "Use kubectl get events for full details."}
}

// queryProm 统一处理 Prometheus 依赖缺失/查询失败，失败一律降级为 warning。
func queryProm(ctx context.Context, env *Env, expr, failHint string) ([]promReading, *Result) {
	if env.Prom == nil {
		return nil, &Result{
			Status:     model.CheckWarning,
			Detail:     "Prometheus endpoint is not configured for this cluster.",
			Suggestion: "编辑集群并填写 Prometheus 地址以启用该巡检项。",
		}
	}
	samples, err := env.Prom.Query(ctx, expr)
	if err != nil {
		return nil, &Result{Status: model.CheckWarning, Detail: err.Error(), Suggestion: failHint}
	}
	readings := make([]promReading, 0, len(samples))
	for _, s := range samples {
		name := s.Labels["instance"]
		if name == "" {
			name = s.Labels["node"]
		}
		if name == "" {
			name = "unknown"
		}
		readings = append(readings, promReading{node: name, value: s.Value})
	}
	sort.Slice(readings, func(i, j int) bool { return readings[i].value > readings[j].value })
	return readings, nil
}

type promReading struct {
	node  string
	value float64
}

func checkClusterCPUUsage(ctx context.Context, env *Env) Result {
	const expr = "sum(rate(node_cpu_seconds_total{mode!='idle'}[5m])) / sum(rate(node_cpu_seconds_total[5m])) * 100"
	readings, degraded := queryProm(ctx, env, expr, "确认 Prometheus 服务可访问，且节点指标已采集。")
	if degraded != nil {
		return *degraded
	}
	if len(readings) == 0 {
		return Result{Status: model.CheckWarning, Detail: "Prometheus 未返回 CPU 数据。", Suggestion: "检查 Prometheus 抓取的节点 CPU 指标。"}
	}
	value := readings[0].value

	res := Result{Status: model.CheckPassed}
	switch {
	case value >= 90:
		res.Status = model.CheckFailed
		res.Suggestion = "CPU 接近满载，请检查集群负载并考虑扩容。"
	case value >= 75:
		res.Status = model.CheckWarning
		res.Suggestion = "CPU 使用率偏高，关注关键工作负载或扩容。"
	}
	res.Detail = fmt.Sprintf("Cluster CPU usage ≈ %s.", formatPercent(value))
	return res
}

func checkClusterMemoryUsage(ctx context.Context, env *Env) Result {
	const expr = "(sum(node_memory_MemTotal_bytes - node_memory_MemAvailable_bytes) / sum(node_memory_MemTotal_bytes)) * 100"
	readings, degraded := queryProm(ctx, env, expr, "确认 Prometheus 正在采集 node_exporter 内存指标。")
	if degraded != nil {
		return *degraded
	}
	if len(readings) == 0 {
		return Result{Status: model.CheckWarning, Detail: "Prometheus 未返回内存数据。", Suggestion: "检查 node_memory_* 指标是否存在。"}
	}
	value := readings[0].value

	res := Result{Status: model.CheckPassed}
	switch {
	case value >= 90:
		res.Status = model.CheckFailed
		res.Suggestion = "内存使用率已非常高，建议扩容或排查内存泄漏。"
	case value >= 80:
		res.Status = model.CheckWarning
		res.Suggestion = "内存使用率偏高，请关注关键节点和工作负载。"
	}
	res.Detail = fmt.Sprintf("Cluster memory usage ≈ %s.", formatPercent(value))
	return res
}

func topNodesSummary(readings []promReading, format func(float64) string) (string, float64) {
	top := readings
	if len(top) > 5 {
		top = top[:5]
	}
	parts := make([]string, 0, len(top))
	for _, r := range top {
		parts = append(parts, fmt.Sprintf("%s: %s", r.node, format(r.value)))
	}
	return strings.Join(parts, ", "), readings[0].value
}

func checkNodeCPUHotspots(ctx context.Context, env *Env) Result {
	const expr = "topk(5, (1 - avg by (instance)(rate(node_cpu_seconds_total{mode='idle'}[5m]))) * 100)"
	readings, degraded := queryProm(ctx, env, expr, "检查 Prometheus 节点 CPU 指标抓取是否正常。")
	if degraded != nil {
		return *degraded
	}
	if len(readings) == 0 {
		return Result{Status: model.CheckPassed, Detail: "所有节点 CPU 使用率较低。"}
	}

	summary, worst := topNodesSummary(readings, formatPercent)
	res := Result{Status: model.CheckPassed, Detail: "Top node CPU usage: " + summary}
	switch {
	case worst >= 90:
		res.Status = model.CheckFailed
		res.Suggestion = "部分节点 CPU 使用率极高，请排查热点工作负载或考虑调度优化。"
	case worst >= 80:
		res.Status = model.CheckWarning
		res.Suggestion = "部分节点 CPU 使用率偏高，可结合调度策略或扩容处理。"
	}
	return res
}

func checkNodeMemoryPressure(ctx context.Context, env *Env) Result {
	const expr = "topk(5, ((node_memory_MemTotal_bytes - node_memory_MemAvailable_bytes) / node_memory_MemTotal_bytes) * 100)"
	readings, degraded := queryProm(ctx, env, expr, "确保 node_exporter 正在采集内存指标。")
	if degraded != nil {
		return *degraded
	}
	if len(readings) == 0 {
		return Result{Status: model.CheckPassed, Detail: "所有节点内存使用率正常。"}
	}

	summary, worst := topNodesSummary(readings, formatPercent)
	res := Result{Status: model.CheckPassed, Detail: "Top node memory usage: " + summary}
	switch {
	case worst >= 95:
		res.Status = model.CheckFailed
		res.Suggestion = "节点内存几乎耗尽，建议排查内存泄漏或扩容。"
	case worst >= 85:
		res.Status = model.CheckWarning
		res.Suggestion = "部分节点内存压力较大，关注关键工作负载。"
	}
	return res
}

func checkClusterDiskIO(ctx context.Context, env *Env) Result {
	const expr = "topk(5, sum by (instance)(rate(node_disk_io_time_seconds_total[5m])))"
	readings, degraded := queryProm(ctx, env, expr, "确保 Prometheus 抓取到 node_disk_io_time_seconds_total 指标。")
	if degraded != nil {
		return *degraded
	}
	if len(readings) == 0 {
		return Result{Status: model.CheckPassed, Detail: "Prometheus 未检测到显著的磁盘 IO。"}
	}

	summary, worst := topNodesSummary(readings, func(v float64) string {
		return fmt.Sprintf("%.4fs/s", v)
	})
	res := Result{Status: model.CheckPassed, Detail: "Top node disk IO (s/s): " + summary}
	switch {
	case worst >= 0.8:
		res.Status = model.CheckFailed
		res.Suggestion = "磁盘 IO 时间占比过高，可能存在 IO 瓶颈。"
	case worst >= 0.4:
		res.Status = model.CheckWarning
		res.Suggestion = "磁盘 IO 占比偏高，关注热点节点或磁盘健康状态。"
	}
	return res
}
