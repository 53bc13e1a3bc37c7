package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Step is one unit of periodic work. Returning false ends the task.
type Step func(ctx context.Context) bool

// Task runs a step repeatedly, waiting interval after each run returns.
// The next run is scheduled only once the previous one has finished, and
// never after Stop. Stop does not interrupt a run in progress.
type Task struct {
	step     Step
	interval time.Duration

	runs     atomic.Uint64
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewTask(interval time.Duration, step Step) *Task {
	return &Task{
		step:     step,
		interval: interval,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the task in its own goroutine.
func (t *Task) Start(ctx context.Context) {
	go t.run(ctx)
}

func (t *Task) run(ctx context.Context) {
	defer close(t.done)

	for {
		if t.Stopped() || ctx.Err() != nil {
			return
		}
		t.runs.Add(1)
		if !t.step(ctx) {
			return
		}
		if !t.wait(ctx) {
			return
		}
	}
}

func (t *Task) wait(ctx context.Context) bool {
	if t.interval <= 0 {
		return true
	}
	timer := time.NewTimer(t.interval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

// Stop prevents any further run from being scheduled. Safe to call repeatedly.
func (t *Task) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

func (t *Task) Stopped() bool {
	select {
	case <-t.stopCh:
		return true
	default:
		return false
	}
}

// Done is closed once the task has exited.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Runs is the number of runs started so far.
func (t *Task) Runs() uint64 {
	return t.runs.Load()
}
