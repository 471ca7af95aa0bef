package agenttask

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/agenttask/internal/agenttask/index"
	"github.com/kandev/agenttask/internal/agenttask/watcher"
	"github.com/kandev/agenttask/internal/artifacts"
	"github.com/kandev/agenttask/internal/workspace"
)

// Initialize recovers persisted task state after a restart. Process-local
// flags (reminders, interrupts, auto-resume counters) are gone, so the
// pass re-derives conservative behavior from durable status alone: idle
// running tasks are nudged, idle awaiting_report tasks re-reminded,
// crashed patch generations restarted, and cleanable tasks swept.
func (s *Service) Initialize(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "agenttask.Initialize")
	defer span.End()

	s.opMu.Lock()
	s.maybeStartQueuedTasks(ctx)
	cfg, err := s.store.LoadConfigOrDefault(ctx)
	s.opMu.Unlock()
	if err != nil {
		return err
	}
	idx := index.Build(cfg)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, id := range idx.Tasks() {
		entry, ok := idx.EntryOf(id)
		if !ok || !entry.IsTask() {
			continue
		}
		entry = entry.Clone()
		g.Go(func() error {
			s.recoverTask(gctx, idx, entry)
			return nil
		})
	}
	_ = g.Wait()

	s.sweepCleanup(ctx)
	s.logger.Info("Agent task recovery complete",
		zap.Int("tasks", len(idx.Tasks())))
	return nil
}

func (s *Service) recoverTask(ctx context.Context, idx *index.Index, entry *workspace.Workspace) {
	taskID := entry.ID
	spec := entry.AgentTask

	switch spec.Status {
	case workspace.StatusRunning:
		if s.gateway.IsStreaming(taskID) || idx.HasActiveDescendants(taskID) {
			return
		}
		ai := taskAIOptions(spec)
		err := s.workspaces.SendMessage(ctx, taskID, restartNudgePrompt, ai, workspace.SendOptions{
			Synthetic:           true,
			SkipAutoResumeReset: true,
			RequireIdle:         true,
		})
		if err != nil {
			s.logger.Warn("Failed to nudge running task after restart",
				zap.String("task_id", taskID), zap.Error(err))
		}

	case workspace.StatusAwaitingReport:
		if s.gateway.IsStreaming(taskID) || idx.HasActiveDescendants(taskID) {
			return
		}
		// The pre-restart reminder flag is lost; remind once more rather
		// than synthesizing a fallback from a state we cannot verify. If
		// even the reminder cannot be delivered, the task will never report
		// on its own, so fall back immediately rather than strand the
		// parent.
		if err := s.remindCompletion(ctx, entry); err != nil {
			s.fallbackReport(ctx, entry, watcher.StreamEndData{WorkspaceID: taskID})
		}

	case workspace.StatusReported:
		s.recoverReported(ctx, entry)
	}
}

// recoverReported restarts a patch generation that was pending when the
// process died. Cleanup eligibility is handled by the sweep afterwards.
func (s *Service) recoverReported(ctx context.Context, entry *workspace.Workspace) {
	taskID := entry.ID
	parentID := entry.ParentID()
	spec := entry.AgentTask

	if entry.WorkspacePath == "" || spec.BaseCommitSHA == "" {
		return
	}
	p, ok, err := s.artifacts.Patch(parentID, taskID)
	if err != nil {
		s.logger.Warn("Failed to read patch state during recovery",
			zap.String("task_id", taskID), zap.Error(err))
		return
	}
	if !ok || p.Status != artifacts.PatchPending {
		return
	}
	s.logger.Info("Restarting interrupted patch generation",
		zap.String("task_id", taskID))
	s.startPatchGeneration(ctx, parentID, entry)
}
