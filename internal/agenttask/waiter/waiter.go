// Package waiter keeps the per-task lists of foreground report waiters
// and start waiters. Delivery is one-shot per registered waiter; the
// registry drains a task's list before invoking callbacks so a late
// resolve never fires twice.
package waiter

import (
	"sync"
	"time"
)

// Report is the payload delivered to foreground waiters.
type Report struct {
	ReportMarkdown string
	Title          string
}

// Waiter is one foreground WaitForAgentReport registration. Cleanup runs
// before Deliver or Reject so registries and counters are consistent by
// the time the caller observes the outcome.
type Waiter struct {
	CreatedAt time.Time
	Deliver   func(Report)
	Reject    func(error)
	Cleanup   func()
}

// StartWaiter fires once when its task transitions queued -> running,
// letting the waiting caller restart its report timer so queued time does
// not count against the report budget.
type StartWaiter struct {
	CreatedAt time.Time
	Start     func()
	Cleanup   func()
}

// Registry holds waiters keyed by task id.
type Registry struct {
	mu      sync.Mutex
	waiters map[string][]*Waiter
	starts  map[string][]*StartWaiter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		waiters: make(map[string][]*Waiter),
		starts:  make(map[string][]*StartWaiter),
	}
}

// Register adds a foreground waiter for a task.
func (r *Registry) Register(taskID string, w *Waiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waiters[taskID] = append(r.waiters[taskID], w)
}

// RegisterStart adds a start waiter for a queued task.
func (r *Registry) RegisterStart(taskID string, sw *StartWaiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts[taskID] = append(r.starts[taskID], sw)
}

// Remove deletes a waiter without invoking any of its callbacks, used on
// timeout and context cancellation.
func (r *Registry) Remove(taskID string, w *Waiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.waiters[taskID]
	for i, cur := range list {
		if cur == w {
			r.waiters[taskID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(r.waiters[taskID]) == 0 {
		delete(r.waiters, taskID)
	}
}

// RemoveStart deletes a start waiter without invoking its callbacks.
func (r *Registry) RemoveStart(taskID string, sw *StartWaiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.starts[taskID]
	for i, cur := range list {
		if cur == sw {
			r.starts[taskID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(r.starts[taskID]) == 0 {
		delete(r.starts, taskID)
	}
}

// HasWaiters reports whether any foreground waiter is registered for a
// task. Finalize uses it to decide whether synthetic parent delivery is
// needed.
func (r *Registry) HasWaiters(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters[taskID]) > 0
}

// ResolveAll drains the task's foreground waiters and delivers the report
// to each. Start waiters for the task are dropped as well; a resolved
// task never starts again.
func (r *Registry) ResolveAll(taskID string, report Report) {
	r.mu.Lock()
	drained := r.waiters[taskID]
	delete(r.waiters, taskID)
	starts := r.starts[taskID]
	delete(r.starts, taskID)
	r.mu.Unlock()

	for _, sw := range starts {
		if sw.Cleanup != nil {
			sw.Cleanup()
		}
	}
	for _, w := range drained {
		if w.Cleanup != nil {
			w.Cleanup()
		}
		if w.Deliver != nil {
			w.Deliver(report)
		}
	}
}

// RejectAll drains the task's waiters and delivers the error to each.
func (r *Registry) RejectAll(taskID string, err error) {
	r.mu.Lock()
	drained := r.waiters[taskID]
	delete(r.waiters, taskID)
	starts := r.starts[taskID]
	delete(r.starts, taskID)
	r.mu.Unlock()

	for _, sw := range starts {
		if sw.Cleanup != nil {
			sw.Cleanup()
		}
	}
	for _, w := range drained {
		if w.Cleanup != nil {
			w.Cleanup()
		}
		if w.Reject != nil {
			w.Reject(err)
		}
	}
}

// FireStart drains the task's start waiters and invokes each start
// callback. Foreground waiters are untouched; they resolve later with the
// report.
func (r *Registry) FireStart(taskID string) {
	r.mu.Lock()
	starts := r.starts[taskID]
	delete(r.starts, taskID)
	r.mu.Unlock()

	for _, sw := range starts {
		if sw.Cleanup != nil {
			sw.Cleanup()
		}
		if sw.Start != nil {
			sw.Start()
		}
	}
}
