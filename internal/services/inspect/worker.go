package inspect

import (
	"context"
	"fmt"
	"log"

	"kube-inspector/internal/domain/model"
	"kube-inspector/internal/services/checks"
)

// ClassifyRun 根据结果计数得出运行终态与摘要。
// 有任何 failed 结果整体即 failed；warning 不影响 finished。
func ClassifyRun(total, passed, warning, failed int, clusterName string) (model.RunStatus, string) {
	status := model.RunFinished
	if failed > 0 {
		status = model.RunFailed
	}
	summary := fmt.Sprintf("Cluster %s -> passed: %d, warning: %d, failed: %d.",
		clusterName, passed, warning, failed)
	return status, summary
}

// runWorker 是单次运行的执行循环。
// 数据库里的运行行是唯一事实：每个巡检项执行前都重读一次，
// 处理外部发起的 pause/cancel，以及代际不匹配（本协程已被取代）。
func (s *Scheduler) runWorker(ctx context.Context, runID int64, gen int64, ctl *Control) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("run %d: worker panic: %v", runID, r)
			detail := checks.SanitizeDetail(fmt.Sprintf("执行异常中止: %v", r))
			if err := s.store.FinalizeRun(ctx, runID, model.RunFailed, "", detail); err != nil {
				log.Printf("run %d: finalize after panic: %v", runID, err)
			}
		}
	}()

	run, err := s.store.GetRun(ctx, runID)
	if err != nil || run == nil {
		log.Printf("run %d: load: %v", runID, err)
		return
	}
	if run.Status.Terminal() {
		return
	}

	cluster, err := s.store.GetCluster(ctx, run.ClusterID)
	if err != nil || cluster == nil {
		s.finalizeFailed(ctx, runID, fmt.Sprintf("集群 %d 不存在或无法加载。", run.ClusterID))
		return
	}

	env, err := s.envFn(ctx, cluster)
	if err != nil {
		s.finalizeFailed(ctx, runID, checks.SanitizeDetail(fmt.Sprintf("构建执行环境失败: %v", err)))
		return
	}

	if run.Status == model.RunQueued {
		if err := s.store.UpdateRunStatus(ctx, runID, model.RunRunning); err != nil {
			log.Printf("run %d: mark running: %v", runID, err)
			return
		}
	}

	// 断点续跑：已处理过的计划项不再执行
	for i := run.ProcessedItems; i < len(run.Plan); i++ {
		if ctl.Cancelled() {
			return
		}

		cur, err := s.store.GetRun(ctx, runID)
		if err != nil || cur == nil {
			log.Printf("run %d: reload: %v", runID, err)
			return
		}
		if cur.Generation != gen {
			// 本协程已被新一次提交取代
			return
		}
		switch cur.Status {
		case model.RunCancelled, model.RunFinished, model.RunFailed:
			return
		case model.RunPaused:
			ctl.RequestPause()
			if !ctl.AwaitResume() {
				return
			}
			// 恢复后重读一次，防止挂起期间状态又被改过
			i--
			continue
		}

		entry := cur.Plan[i]
		res := checks.Evaluate(ctx, env, entry)
		if ctl.Cancelled() {
			// 求值期间被取消则丢弃本条结果
			return
		}

		if _, err := s.store.AddResult(ctx, &model.InspectionResult{
			RunID:      runID,
			ItemID:     entry.ItemID,
			ItemName:   entry.Name,
			Status:     res.Status,
			Detail:     checks.SanitizeDetail(res.Detail),
			Suggestion: res.Suggestion,
		}); err != nil {
			log.Printf("run %d: save result: %v", runID, err)
			s.finalizeFailed(ctx, runID, "结果写入失败，运行中止。")
			return
		}

		ok, err := s.store.AdvanceRunProgress(ctx, runID, i+1, gen)
		if err != nil {
			log.Printf("run %d: advance progress: %v", runID, err)
			return
		}
		if !ok {
			// 代际已变，进度写入被拒绝
			return
		}
	}

	s.finalize(ctx, runID, gen, cluster.Name, len(run.Plan))
}

func (s *Scheduler) finalize(ctx context.Context, runID, gen int64, clusterName string, total int) {
	cur, err := s.store.GetRun(ctx, runID)
	if err != nil || cur == nil || cur.Generation != gen || cur.Status.Terminal() {
		return
	}

	passed, warning, failed, err := s.store.CountResultStatuses(ctx, runID)
	if err != nil {
		log.Printf("run %d: count results: %v", runID, err)
		s.finalizeFailed(ctx, runID, "结果统计失败。")
		return
	}

	var status model.RunStatus
	var summary string
	if cur.ProcessedItems < total {
		status = model.RunFailed
		summary = fmt.Sprintf("仅完成 %d/%d 个巡检项，运行未能跑完。", cur.ProcessedItems, total)
	} else {
		status, summary = ClassifyRun(total, passed, warning, failed, clusterName)
	}

	if err := s.store.FinalizeRun(ctx, runID, status, "", summary); err != nil {
		log.Printf("run %d: finalize: %v", runID, err)
		return
	}
	if s.OnFinish != nil {
		s.OnFinish(runID)
	}
}

func (s *Scheduler) finalizeFailed(ctx context.Context, runID int64, summary string) {
	if err := s.store.FinalizeRun(ctx, runID, model.RunFailed, "", summary); err != nil {
		log.Printf("run %d: finalize failed: %v", runID, err)
	}
	if s.OnFinish != nil {
		s.OnFinish(runID)
	}
}
