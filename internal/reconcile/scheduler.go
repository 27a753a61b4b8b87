package reconcile

import (
	"context"
	"sync"
	"time"
)

// ScheduledTask is a cancellable delayed call.
type ScheduledTask struct {
	s      *Scheduler
	timer  *time.Timer
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Cancel prevents the task from running, or cancels the context of a run in
// progress. It is safe to call more than once.
func (t *ScheduledTask) Cancel() {
	t.cancel()
	if t.timer.Stop() {
		t.finish()
	}
}

// Done is closed once the task has run or been cancelled before running.
func (t *ScheduledTask) Done() <-chan struct{} {
	return t.done
}

func (t *ScheduledTask) finish() {
	t.once.Do(func() {
		t.s.forget(t)
		close(t.done)
		t.s.wg.Done()
	})
}

// Scheduler owns a set of ScheduledTasks so they can be torn down together.
type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	tasks  map[*ScheduledTask]struct{}
	closed bool
}

// NewScheduler creates a scheduler whose tasks run under ctx.
func NewScheduler(ctx context.Context) *Scheduler {
	ctx, cancel := context.WithCancel(ctx)
	return &Scheduler{
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[*ScheduledTask]struct{}),
	}
}

// After runs fn once d has elapsed. It returns nil after Close.
func (s *Scheduler) After(d time.Duration, fn func(ctx context.Context)) *ScheduledTask {
	ctx, cancel := context.WithCancel(s.ctx)
	t := &ScheduledTask{
		s:      s,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		cancel()
		return nil
	}
	s.tasks[t] = struct{}{}
	s.wg.Add(1)

	t.timer = time.AfterFunc(d, func() {
		defer t.finish()
		defer cancel()
		if ctx.Err() != nil {
			return
		}
		fn(ctx)
	})
	return t
}

// Pending returns the number of tasks not yet finished.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// CancelAll cancels every outstanding task.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	tasks := make([]*ScheduledTask, 0, len(s.tasks))
	for t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	for _, t := range tasks {
		t.Cancel()
	}
}

// Close cancels every task and waits for running ones to return.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.CancelAll()
	s.wg.Wait()
}

func (s *Scheduler) forget(t *ScheduledTask) {
	s.mu.Lock()
	delete(s.tasks, t)
	s.mu.Unlock()
}
