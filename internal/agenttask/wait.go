package agenttask

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kandev/agenttask/internal/agenttask/index"
	"github.com/kandev/agenttask/internal/agenttask/waiter"
	"github.com/kandev/agenttask/internal/workspace"
)

// waitOutcome is the one-shot result delivered to a blocked wait.
type waitOutcome struct {
	report waiter.Report
	err    error
}

// WaitForAgentReport blocks until the task's completion report is
// available, the timeout expires, or the context is cancelled. Already
// finalized reports return immediately from the cache or the artifact
// store; the timeout restarts in full when a queued task begins running,
// so time spent in the queue never counts against the report budget.
//
// A wait with RequestingWorkspaceID set is a foreground await: the
// requesting workspace stops counting toward the parallelism cap for the
// duration, letting its own children get scheduled.
func (s *Service) WaitForAgentReport(ctx context.Context, req WaitRequest) (*Report, error) {
	ctx, span := s.tracer.Start(ctx, "agenttask.WaitForAgentReport")
	defer span.End()

	if rep, ok := s.reports.Get(req.TaskID); ok {
		return &Report{ReportMarkdown: rep.ReportMarkdown, Title: rep.Title}, nil
	}

	cfg, err := s.store.LoadConfigOrDefault(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load workspace config: %w", err)
	}
	idx := index.Build(cfg)

	entry, ok := idx.EntryOf(req.TaskID)
	if !ok {
		// Cleaned up already: the report rolled up into the requester's
		// artifact index (or an ancestor's it was persisted into).
		return s.lookupArchivedReport(req)
	}
	if !entry.IsTask() {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, req.TaskID)
	}

	if req.RequestingWorkspaceID != "" && req.RequestingWorkspaceID != entry.ParentID() {
		below, err := idx.IsDescendant(req.RequestingWorkspaceID, req.TaskID)
		if err != nil {
			return nil, err
		}
		if !below {
			return nil, fmt.Errorf("%w: %s", ErrNotDescendant, req.TaskID)
		}
	}

	if entry.AgentTask.Status == workspace.StatusReported {
		rep, found, err := s.artifacts.Report(entry.ParentID(), req.TaskID)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("%w: report artifact missing for %s", ErrTaskNotFound, req.TaskID)
		}
		return &Report{ReportMarkdown: rep.ReportMarkdown, Title: rep.Title}, nil
	}

	return s.blockForReport(ctx, req, entry.AgentTask.Status)
}

// lookupArchivedReport serves waits for tasks that were already cleaned
// up, reading the rolled-up artifact from the requester's session.
func (s *Service) lookupArchivedReport(req WaitRequest) (*Report, error) {
	if req.RequestingWorkspaceID == "" {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, req.TaskID)
	}
	rep, found, err := s.artifacts.Report(req.RequestingWorkspaceID, req.TaskID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, req.TaskID)
	}
	return &Report{ReportMarkdown: rep.ReportMarkdown, Title: rep.Title}, nil
}

// blockForReport registers a waiter and parks until resolution.
func (s *Service) blockForReport(ctx context.Context, req WaitRequest, status workspace.Status) (*Report, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.cfg.ReportWaitTimeout
	}

	outcomeCh := make(chan waitOutcome, 1)
	var once sync.Once
	deliver := func(o waitOutcome) {
		once.Do(func() { outcomeCh <- o })
	}

	var exitAwait func()
	if req.RequestingWorkspaceID != "" {
		s.enterForegroundAwait(req.RequestingWorkspaceID)
		var exitOnce sync.Once
		exitAwait = func() {
			exitOnce.Do(func() { s.exitForegroundAwait(req.RequestingWorkspaceID) })
		}
		defer exitAwait()
		// Excluding the requester may have freed a slot.
		go s.MaybeStartQueuedTasks(context.WithoutCancel(ctx))
	}

	w := &waiter.Waiter{
		CreatedAt: time.Now(),
		Deliver: func(rep waiter.Report) {
			deliver(waitOutcome{report: rep})
		},
		Reject: func(err error) {
			deliver(waitOutcome{err: err})
		},
	}
	s.waiters.Register(req.TaskID, w)

	var startCh chan struct{}
	var sw *waiter.StartWaiter
	if status == workspace.StatusQueued {
		startCh = make(chan struct{}, 1)
		sw = &waiter.StartWaiter{
			CreatedAt: time.Now(),
			Start: func() {
				select {
				case startCh <- struct{}{}:
				default:
				}
			},
		}
		s.waiters.RegisterStart(req.TaskID, sw)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case o := <-outcomeCh:
			if o.err != nil {
				return nil, o.err
			}
			return &Report{ReportMarkdown: o.report.ReportMarkdown, Title: o.report.Title}, nil

		case <-startCh:
			// queued -> running: the report budget starts now.
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(timeout)

		case <-timer.C:
			s.waiters.Remove(req.TaskID, w)
			if sw != nil {
				s.waiters.RemoveStart(req.TaskID, sw)
			}
			// Resolution may have raced the timer; a delivered outcome wins.
			select {
			case o := <-outcomeCh:
				if o.err != nil {
					return nil, o.err
				}
				return &Report{ReportMarkdown: o.report.ReportMarkdown, Title: o.report.Title}, nil
			default:
			}
			return nil, fmt.Errorf("%w: %s after %s", ErrWaitTimeout, req.TaskID, timeout)

		case <-ctx.Done():
			s.waiters.Remove(req.TaskID, w)
			if sw != nil {
				s.waiters.RemoveStart(req.TaskID, sw)
			}
			select {
			case o := <-outcomeCh:
				if o.err != nil {
					return nil, o.err
				}
				return &Report{ReportMarkdown: o.report.ReportMarkdown, Title: o.report.Title}, nil
			default:
			}
			return nil, ctx.Err()
		}
	}
}
