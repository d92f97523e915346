package inspect

import (
	"context"
	"fmt"
	"sync"

	"kube-inspector/internal/adapters/store/sqlite"
	"kube-inspector/internal/domain/model"
	"kube-inspector/internal/services/checks"
)

// DefaultWorkers 是服务端并发执行运行的默认上限。
const DefaultWorkers = 4

// EnvFunc 按集群构造巡检执行环境（kubectl + Prometheus）。
type EnvFunc func(ctx context.Context, cluster *model.Cluster) (*checks.Env, error)

// Scheduler 管理服务端模式运行的执行：有界工作池 + 运行控制表。
// 每个被提交的运行占用一个槽位；pause/cancel 通过控制表传递给
// 对应的工作协程。
type Scheduler struct {
	store *sqlite.Store
	envFn EnvFunc
	slots chan struct{}

	// OnFinish 在运行进入终态后被调用（报告生成等旁路动作），可为 nil。
	OnFinish func(runID int64)

	mu     sync.Mutex
	active map[int64]*Control

	wg sync.WaitGroup
}

func NewScheduler(store *sqlite.Store, envFn EnvFunc, workers int) *Scheduler {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Scheduler{
		store:  store,
		envFn:  envFn,
		slots:  make(chan struct{}, workers),
		active: make(map[int64]*Control),
	}
}

// Submit 把运行交给工作池异步执行。
// 提交前自增运行代际：之前因进程崩溃或错误恢复而残留的旧协程
// 会在下一次写进度时被数据库拒绝。
func (s *Scheduler) Submit(ctx context.Context, runID int64) error {
	s.mu.Lock()
	if _, ok := s.active[runID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("run %d already executing", runID)
	}
	ctl := NewControl()
	s.active[runID] = ctl
	s.mu.Unlock()

	gen, err := s.store.BumpRunGeneration(ctx, runID)
	if err != nil {
		s.release(runID)
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(runID)

		s.slots <- struct{}{}
		defer func() { <-s.slots }()

		s.runWorker(context.Background(), runID, gen, ctl)
	}()
	return nil
}

func (s *Scheduler) release(runID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, runID)
}

func (s *Scheduler) control(runID int64) *Control {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[runID]
}

// RequestPause 请求暂停运行。返回是否发生了状态变化（幂等）。
// queued/running 之外的状态不可暂停。
func (s *Scheduler) RequestPause(ctx context.Context, runID int64) (bool, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	if run == nil {
		return false, fmt.Errorf("run not found: %d", runID)
	}
	if run.Status != model.RunQueued && run.Status != model.RunRunning {
		return false, nil
	}

	if err := s.store.UpdateRunStatus(ctx, runID, model.RunPaused); err != nil {
		return false, err
	}
	if ctl := s.control(runID); ctl != nil {
		ctl.RequestPause()
	}
	return true, nil
}

// Resume 恢复已暂停的运行。
// 有活跃协程时直接唤醒；没有（进程曾重启）时按断点重新提交。
func (s *Scheduler) Resume(ctx context.Context, runID int64) (bool, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	if run == nil {
		return false, fmt.Errorf("run not found: %d", runID)
	}
	if run.Status != model.RunPaused {
		return false, nil
	}

	if err := s.store.UpdateRunStatus(ctx, runID, model.RunRunning); err != nil {
		return false, err
	}
	if ctl := s.control(runID); ctl != nil {
		ctl.Resume()
		return true, nil
	}
	if err := s.Submit(ctx, runID); err != nil {
		return false, err
	}
	return true, nil
}

// RequestCancel 取消运行。返回是否发生了状态变化（幂等）。
// 已经是终态的运行不受影响；还没有工作协程的 queued 运行直接落终态。
func (s *Scheduler) RequestCancel(ctx context.Context, runID int64) (bool, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	if run == nil {
		return false, fmt.Errorf("run not found: %d", runID)
	}
	if run.Status.Terminal() {
		return false, nil
	}

	if err := s.store.FinalizeRun(ctx, runID, model.RunCancelled, "", "运行已被取消。"); err != nil {
		return false, err
	}
	if ctl := s.control(runID); ctl != nil {
		ctl.Cancel()
	}
	return true, nil
}

// ResubmitInterrupted 在进程启动时把中断的 server 运行重新排队：
// queued 的从头跑，running 的按 processed_items 断点续跑。
func (s *Scheduler) ResubmitInterrupted(ctx context.Context) (int, error) {
	runs, err := s.store.ListRestartableServerRuns(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, run := range runs {
		if err := s.Submit(ctx, run.ID); err != nil {
			return n, fmt.Errorf("resubmit run %d: %w", run.ID, err)
		}
		n++
	}
	return n, nil
}

// Wait 等待全部在执行的运行结束（测试与优雅退出用）。
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
