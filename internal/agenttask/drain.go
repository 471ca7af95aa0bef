package agenttask

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/kandev/agenttask/internal/agenttask/index"
	"github.com/kandev/agenttask/internal/workspace"
)

// MaybeStartQueuedTasks acquires the service mutex and drains the queue
// into any free parallelism slots. Safe to call from any goroutine; used
// by finalize, foreground-await entry, and terminate to fill freed slots.
func (s *Service) MaybeStartQueuedTasks(ctx context.Context) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.maybeStartQueuedTasks(ctx)
}

// maybeStartQueuedTasks is the drain loop. Callers must hold opMu.
//
// Capacity is recomputed from a fresh config snapshot on every iteration,
// after the previous start's awaited IO, so the loop never over-admits.
// Start failures are logged and the entry skipped for this drain; the
// next trigger retries it.
func (s *Service) maybeStartQueuedTasks(ctx context.Context) {
	attempted := make(map[string]bool)
	for {
		cfg, err := s.store.LoadConfigOrDefault(ctx)
		if err != nil {
			s.logger.Error("Queue drain failed to load config", zap.Error(err))
			return
		}
		idx := index.Build(cfg)
		if s.activeTaskCount(idx) >= s.cfg.MaxParallelAgentTasks {
			return
		}

		next := ""
		for _, id := range queuedTasksInOrder(idx) {
			if !attempted[id] {
				next = id
				break
			}
		}
		if next == "" {
			return
		}
		attempted[next] = true

		if err := s.startTask(ctx, next); err != nil {
			s.logger.Warn("Failed to start queued task",
				zap.String("task_id", next), zap.Error(err))
		}
	}
}

// queuedTasksInOrder returns queued task ids FIFO: createdAt ascending
// with a lexicographic taskId tie-break.
func queuedTasksInOrder(idx *index.Index) []string {
	var queued []string
	for _, id := range idx.Tasks() {
		entry, ok := idx.EntryOf(id)
		if ok && entry.IsTask() && entry.AgentTask.Status == workspace.StatusQueued {
			queued = append(queued, id)
		}
	}
	sort.Slice(queued, func(i, j int) bool {
		a, _ := idx.EntryOf(queued[i])
		b, _ := idx.EntryOf(queued[j])
		at, bt := a.AgentTask.CreatedAtTime(), b.AgentTask.CreatedAtTime()
		if !at.Equal(bt) {
			return at.Before(bt)
		}
		return queued[i] < queued[j]
	})
	return queued
}

// startTask materializes a queued task's workspace, delivers its initial
// prompt, and transitions it to running. Callers must hold opMu.
func (s *Service) startTask(ctx context.Context, taskID string) error {
	cfg, err := s.store.LoadConfigOrDefault(ctx)
	if err != nil {
		return fmt.Errorf("failed to load workspace config: %w", err)
	}
	entry, ok := cfg.Workspace(taskID)
	if !ok || !entry.IsTask() {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	spec := entry.AgentTask
	if spec.Status != workspace.StatusQueued {
		return nil
	}

	parent, ok := cfg.Workspace(spec.ParentWorkspaceID)
	if !ok {
		// The parent disappeared while the task was queued; drop the
		// orphaned entry so it does not wedge the queue.
		s.waiters.RejectAll(taskID, ErrParentNotFound)
		if err := s.store.RemoveWorkspace(ctx, taskID); err != nil {
			s.logger.Error("Failed to remove orphaned queued task",
				zap.String("task_id", taskID), zap.Error(err))
		}
		return fmt.Errorf("%w: %s", ErrParentNotFound, spec.ParentWorkspaceID)
	}
	if parent.IsTask() && parent.AgentTask.Status == workspace.StatusReported {
		s.waiters.RejectAll(taskID, ErrParentAlreadyReported)
		if err := s.store.RemoveWorkspace(ctx, taskID); err != nil {
			s.logger.Error("Failed to remove queued task under reported parent",
				zap.String("task_id", taskID), zap.Error(err))
		}
		return ErrParentAlreadyReported
	}

	if entry.WorkspacePath == "" {
		if err := s.materializeWorkspace(ctx, entry, parent); err != nil {
			return err
		}
		// Reload: materialization persisted path, runtime, and base sha.
		cfg, err = s.store.LoadConfigOrDefault(ctx)
		if err != nil {
			return fmt.Errorf("failed to reload workspace config: %w", err)
		}
		if entry, ok = cfg.Workspace(taskID); !ok {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		spec = entry.AgentTask
	}

	agentID := taskAIOptions(spec).AgentID
	if !s.catalog.SkipWorkspaceInit(agentID) {
		path := entry.WorkspacePath
		go func() {
			if err := s.runtime.InitWorkspace(context.WithoutCancel(ctx), path); err != nil {
				s.logger.Warn("Background workspace init failed",
					zap.String("task_id", taskID), zap.Error(err))
			}
		}()
	}

	ai := taskAIOptions(spec)
	if spec.Prompt != "" {
		err = s.workspaces.SendMessage(ctx, taskID, spec.Prompt, ai, workspace.SendOptions{
			AllowQueuedAgentTask: true,
		})
	} else {
		// Legacy entries persisted before taskPrompt: resume the stream
		// the task was queued with.
		err = s.workspaces.ResumeStream(ctx, taskID, ai)
	}
	if err != nil {
		return fmt.Errorf("failed to deliver initial prompt to task %s: %w", taskID, err)
	}

	if _, err := s.store.EditConfig(ctx, func(cfg *workspace.Config) error {
		ws, ok := cfg.Workspace(taskID)
		if !ok || !ws.IsTask() {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		ws.AgentTask.Status = workspace.StatusRunning
		ws.AgentTask.Prompt = ""
		return nil
	}); err != nil {
		return fmt.Errorf("failed to transition task %s to running: %w", taskID, err)
	}

	if err := s.workspaces.EmitMetadata(ctx, taskID); err != nil {
		s.logger.Warn("Failed to emit metadata for started task",
			zap.String("task_id", taskID), zap.Error(err))
	}
	s.publishTaskEvent(ctx, eventTaskStateChanged, taskID, map[string]interface{}{
		"status": string(workspace.StatusRunning),
	})
	s.waiters.FireStart(taskID)
	return nil
}

// materializeWorkspace forks the parent's tree (preferred) or creates a
// fresh one, then persists the resulting path, runtime config, and the
// immutable base commit sha.
func (s *Service) materializeWorkspace(ctx context.Context, entry, parent *workspace.Workspace) error {
	var (
		rt  *RuntimeWorkspace
		err error
	)
	if parent.WorkspacePath != "" {
		trunk := ""
		if parent.Runtime != nil {
			trunk = parent.Runtime.TrunkBranch
		}
		rt, err = s.runtime.Fork(ctx, ForkRequest{
			ProjectPath: entry.ProjectPath,
			ParentPath:  parent.WorkspacePath,
			Name:        entry.Name,
			TrunkBranch: trunk,
		})
		if err != nil {
			return fmt.Errorf("failed to fork workspace for task %s: %w", entry.ID, err)
		}
	} else {
		rt, err = s.runtime.Create(ctx, CreateWorkspaceRequest{
			ProjectPath: entry.ProjectPath,
			Name:        entry.Name,
		})
		if err != nil {
			return fmt.Errorf("failed to create workspace for task %s: %w", entry.ID, err)
		}
	}

	if _, err := s.store.EditConfig(ctx, func(cfg *workspace.Config) error {
		ws, ok := cfg.Workspace(entry.ID)
		if !ok || !ws.IsTask() {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, entry.ID)
		}
		ws.WorkspacePath = rt.Path
		ws.Runtime = &workspace.RuntimeConfig{
			Type:        workspace.RuntimeWorktree,
			BranchName:  ws.Name,
			TrunkBranch: rt.TrunkBranch,
		}
		ws.AgentTask.TrunkBranch = rt.TrunkBranch
		if ws.AgentTask.BaseCommitSHA == "" {
			ws.AgentTask.BaseCommitSHA = rt.BaseCommitSHA
		}
		return nil
	}); err != nil {
		if delErr := s.runtime.Delete(context.WithoutCancel(ctx), rt.Path); delErr != nil {
			s.logger.Warn("Failed to delete workspace after persist failure",
				zap.String("task_id", entry.ID), zap.Error(delErr))
		}
		return fmt.Errorf("failed to persist workspace for task %s: %w", entry.ID, err)
	}
	return nil
}
