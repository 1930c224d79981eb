package gpu

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/VladPil/llm-gateway/logger"
)

// ErrVRAMInsufficient reports a failed admission check before queueing on
// the GPU lock.
var ErrVRAMInsufficient = errors.New("insufficient vram available")

// Guard enforces one-at-a-time GPU use across the process. Acquisition with
// a VRAM requirement is admission-checked before queueing on the lock.
type Guard struct {
	monitor *Monitor
	sem     chan struct{}

	mu     sync.Mutex
	taskID string
}

// NewGuard creates a guard over the given monitor. The monitor may be nil
// when no GPU admission is needed (cloud-only deployments).
func NewGuard(monitor *Monitor) *Guard {
	return &Guard{monitor: monitor, sem: make(chan struct{}, 1)}
}

// CheckAdmission verifies requiredMB fits the current headroom without
// queueing on the lock. Returns ErrVRAMInsufficient when it does not.
func (g *Guard) CheckAdmission(ctx context.Context, requiredMB int) error {
	if requiredMB <= 0 || g.monitor == nil {
		return nil
	}
	ok, err := g.monitor.CanAllocate(ctx, requiredMB)
	if err != nil {
		return err
	}
	if !ok {
		return ErrVRAMInsufficient
	}
	return nil
}

// Acquire blocks until no other holder. When requiredMB > 0 the admission
// check runs first and fails fast with ErrVRAMInsufficient, without queueing.
func (g *Guard) Acquire(ctx context.Context, taskID string, requiredMB int) error {
	if err := g.CheckAdmission(ctx, requiredMB); err != nil {
		return err
	}

	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	g.mu.Lock()
	g.taskID = taskID
	g.mu.Unlock()
	logger.Debug("gpu acquired", "task_id", taskID, "required_mb", requiredMB)
	return nil
}

// Release restores the idle state. Safe to call when not held.
func (g *Guard) Release() {
	g.mu.Lock()
	taskID := g.taskID
	g.taskID = ""
	g.mu.Unlock()

	select {
	case <-g.sem:
		logger.Debug("gpu released", "task_id", taskID)
	default:
	}
}

// IsLocked reports whether the guard is currently held.
func (g *Guard) IsLocked() bool {
	return len(g.sem) == 1
}

// CurrentTaskID returns the holder's task id, or "" when idle.
func (g *Guard) CurrentTaskID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.taskID
}

// WaitUntilFree blocks until the guard is idle or the timeout elapses.
// Returns false on timeout; the guard is never acquired by this call.
func (g *Guard) WaitUntilFree(ctx context.Context, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	select {
	case g.sem <- struct{}{}:
		<-g.sem
		return true
	case <-deadline.C:
		return false
	case <-ctx.Done():
		return false
	}
}
