// Package checks 实现巡检项求值。
// 求值永远不返回 error：任何执行失败都被折算成 warning/failed 的 Result，
// 由上层决定整体运行状态。
package checks

import (
	"context"
	"fmt"

	"kube-inspector/internal/adapters/kube"
	"kube-inspector/internal/adapters/prometheus"
	"kube-inspector/internal/domain/model"
)

// PromQuerier 抽象 Prometheus 即时查询，便于测试替换。
type PromQuerier interface {
	Query(ctx context.Context, query string) ([]prometheus.Sample, error)
}

// Env 是一次运行内所有巡检项共享的执行环境。
type Env struct {
	// KubeconfigPath 注入到 command 类型巡检项的占位符。
	KubeconfigPath string
	Kubectl        *kube.Runner
	// Prom 为空表示该集群未配置 Prometheus，阈值类巡检项降级为 warning。
	Prom PromQuerier
}

// Result 是单个巡检项的判定结果。
type Result struct {
	Status     model.CheckStatus
	Detail     string
	Suggestion string
}

// Evaluate 对一条计划项求值。未知 check_type 返回 warning 而不是中断运行。
func Evaluate(ctx context.Context, env *Env, entry model.PlanEntry) Result {
	if model.IsBuiltinCheckType(entry.CheckType) {
		return evaluateBuiltin(ctx, env, entry.CheckType)
	}

	spec, err := model.ParseCheckSpec(entry.CheckType, entry.Config)
	if err != nil {
		return Result{
			Status:     model.CheckWarning,
			Detail:     fmt.Sprintf("巡检项配置无效: %v", err),
			Suggestion: "检查该巡检项的 config 定义。",
		}
	}

	switch spec.Type {
	case model.CheckTypeCommand:
		return evaluateCommand(ctx, env, spec.Command)
	case model.CheckTypePromQL:
		return evaluatePromQL(ctx, env, spec.PromQL)
	default:
		return Result{
			Status:     model.CheckWarning,
			Detail:     fmt.Sprintf("未实现的巡检类型 %q。", entry.CheckType),
			Suggestion: "使用内置类型或 command/promql 自定义巡检项。",
		}
	}
}

func formatPercent(v float64) string {
	return fmt.Sprintf("%.2f%%", v)
}
