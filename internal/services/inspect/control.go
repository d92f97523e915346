package inspect

import "sync"

// Control 是单次运行的执行控制开关：暂停门闩 + 取消标志。
// 工作协程在每个巡检项之间检查它；API 侧通过它把 pause/cancel
// 传递给正在执行的协程。
type Control struct {
	mu        sync.Mutex
	cond      *sync.Cond
	paused    bool
	cancelled bool
}

func NewControl() *Control {
	c := &Control{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *Control) RequestPause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
}

// Resume 解除暂停并唤醒挂起的工作协程。
func (c *Control) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
	c.cond.Broadcast()
}

// Cancel 置取消标志。已暂停挂起的协程也会被唤醒并观察到取消。
func (c *Control) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = true
	c.cond.Broadcast()
}

func (c *Control) Cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

func (c *Control) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// AwaitResume 在暂停期间阻塞，直到被恢复或取消。
// 返回 false 表示等待期间被取消，调用方应立即退出且不再写入结果。
func (c *Control) AwaitResume() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.paused && !c.cancelled {
		c.cond.Wait()
	}
	return !c.cancelled
}
