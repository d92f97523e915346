package checks

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"kube-inspector/internal/adapters/prometheus"
	"kube-inspector/internal/domain/model"
)

func evaluatePromQL(ctx context.Context, env *Env, pc *model.PromQLCheck) Result {
	if env.Prom == nil {
		return Result{
			Status:     model.CheckWarning,
			Detail:     "Prometheus endpoint is not configured for this cluster.",
			Suggestion: "编辑集群并填写 Prometheus 地址以启用该巡检项。",
		}
	}

	samples, err := env.Prom.Query(ctx, pc.Query)
	if err != nil {
		// 查询失败降级为 warning，不把监控故障判成集群故障
		return Result{
			Status:     model.CheckWarning,
			Detail:     fmt.Sprintf("Prometheus 查询失败: %v", err),
			Suggestion: "确认 Prometheus 服务可访问且表达式正确。",
		}
	}
	if len(samples) == 0 {
		status := pc.EmptyStatus
		if status == "" {
			status = model.CheckWarning
		}
		res := Result{Status: status, Detail: "Prometheus 查询未返回任何样本。"}
		if status != model.CheckPassed {
			res.Suggestion = "检查表达式与指标采集是否正常。"
		}
		return res
	}

	agg := aggregate(pc.Aggregate, samples)
	status := model.CheckPassed
	var matched *float64
	if pc.FailThreshold != nil && compare(agg, pc.Comparison, *pc.FailThreshold) {
		status = model.CheckFailed
		matched = pc.FailThreshold
	} else if pc.WarnThreshold != nil && compare(agg, pc.Comparison, *pc.WarnThreshold) {
		status = model.CheckWarning
		matched = pc.WarnThreshold
	}

	res := Result{Status: status, Detail: promDetail(pc, agg, samples, matched)}
	if status != model.CheckPassed {
		res.Suggestion = pc.Suggestion
	}
	return res
}

func aggregate(fn string, samples []prometheus.Sample) float64 {
	switch fn {
	case "min":
		out := samples[0].Value
		for _, s := range samples[1:] {
			if s.Value < out {
				out = s.Value
			}
		}
		return out
	case "avg":
		var sum float64
		for _, s := range samples {
			sum += s.Value
		}
		return sum / float64(len(samples))
	case "sum":
		var sum float64
		for _, s := range samples {
			sum += s.Value
		}
		return sum
	default: // max
		out := samples[0].Value
		for _, s := range samples[1:] {
			if s.Value > out {
				out = s.Value
			}
		}
		return out
	}
}

func compare(value float64, op string, threshold float64) bool {
	switch op {
	case ">":
		return value > threshold
	case "<=":
		return value <= threshold
	case "<":
		return value < threshold
	case "==":
		return value == threshold
	case "!=":
		return value != threshold
	default: // >=
		return value >= threshold
	}
}

// promDetail 输出聚合值和样本行。命中阈值时只列越线的样本，
// 没有样本越线（或检查通过）时退回最“危险”的若干样本。
// 阈值方向决定排序方向：小于类比较时升序，其余降序。
func promDetail(pc *model.PromQLCheck, agg float64, samples []prometheus.Sample, matched *float64) string {
	picked := samples
	if matched != nil {
		offending := make([]prometheus.Sample, 0, len(samples))
		for _, s := range samples {
			if compare(s.Value, pc.Comparison, *matched) {
				offending = append(offending, s)
			}
		}
		if len(offending) > 0 {
			picked = offending
		}
	}

	ascending := pc.Comparison == "<" || pc.Comparison == "<="
	sorted := make([]prometheus.Sample, len(picked))
	copy(sorted, picked)
	sort.Slice(sorted, func(i, j int) bool {
		if ascending {
			return sorted[i].Value < sorted[j].Value
		}
		return sorted[i].Value > sorted[j].Value
	})

	maxRows := pc.MaxRows
	if maxRows <= 0 {
		maxRows = model.DefaultPromQLMaxRows
	}
	if len(sorted) > maxRows {
		sorted = sorted[:maxRows]
	}

	unit := pc.Unit
	var b strings.Builder
	fmt.Fprintf(&b, "聚合值 %.4f%s", agg, unit)
	if len(sorted) > 0 && len(sorted[0].Labels) > 0 {
		rows := make([]string, 0, len(sorted))
		for _, s := range sorted {
			rows = append(rows, fmt.Sprintf("%s: %.4f%s", sampleLabel(s.Labels), s.Value, unit))
		}
		fmt.Fprintf(&b, "；样本: %s", strings.Join(rows, ", "))
	}
	return b.String()
}

func sampleLabel(labels map[string]string) string {
	for _, key := range []string{"instance", "node", "pod", "namespace"} {
		if v := labels[key]; v != "" {
			return v
		}
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+labels[k])
	}
	return strings.Join(parts, ",")
}
