package agenttask

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/agenttask/internal/agenttask/index"
)

// TerminateDescendantAgentTask kills a task and its entire subtree:
// streams stop, waiters reject, and the workspaces are removed leaf-first.
// When an ancestor workspace is given, the task must sit below it in the
// tree. Returns the removed task ids.
func (s *Service) TerminateDescendantAgentTask(ctx context.Context, ancestorWorkspaceID, taskID string) ([]string, error) {
	ctx, span := s.tracer.Start(ctx, "agenttask.TerminateDescendantAgentTask")
	defer span.End()

	s.opMu.Lock()
	defer s.opMu.Unlock()

	cfg, err := s.store.LoadConfigOrDefault(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load workspace config: %w", err)
	}
	idx := index.Build(cfg)

	entry, ok := idx.EntryOf(taskID)
	if !ok || !entry.IsTask() {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if ancestorWorkspaceID != "" && ancestorWorkspaceID != taskID {
		below, err := idx.IsDescendant(ancestorWorkspaceID, taskID)
		if err != nil {
			return nil, err
		}
		if !below {
			return nil, fmt.Errorf("%w: %s", ErrNotDescendant, taskID)
		}
	}

	subtree := append([]string{taskID}, idx.DescendantsOf(taskID)...)
	if err := s.terminateSubtree(ctx, idx, subtree, taskID, ErrTaskTerminated); err != nil {
		return nil, err
	}

	if err := s.workspaces.EmitMetadata(ctx, entry.ParentID()); err != nil {
		s.logger.Debug("Failed to emit parent metadata after terminate",
			zap.String("workspace_id", entry.ParentID()), zap.Error(err))
	}
	s.logger.Info("Agent task subtree terminated",
		zap.String("task_id", taskID),
		zap.Int("removed", len(subtree)))

	s.maybeStartQueuedTasks(ctx)
	return subtree, nil
}

// TerminateAllDescendantAgentTasks kills every task below a workspace,
// used on hard interrupt. Waiters reject with the interrupt cause and the
// workspace stays hard-interrupted until the next real user message, so
// pending stream-end events do not resume it. Returns the removed ids.
func (s *Service) TerminateAllDescendantAgentTasks(ctx context.Context, workspaceID string) ([]string, error) {
	ctx, span := s.tracer.Start(ctx, "agenttask.TerminateAllDescendantAgentTasks")
	defer span.End()

	s.opMu.Lock()
	defer s.opMu.Unlock()

	cfg, err := s.store.LoadConfigOrDefault(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load workspace config: %w", err)
	}
	idx := index.Build(cfg)

	if _, ok := idx.EntryOf(workspaceID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrParentNotFound, workspaceID)
	}

	s.MarkParentInterrupted(workspaceID)

	subtree := idx.DescendantsOf(workspaceID)
	if len(subtree) == 0 {
		return nil, nil
	}
	if err := s.terminateSubtree(ctx, idx, subtree, workspaceID, ErrParentInterrupted); err != nil {
		return nil, err
	}

	if err := s.workspaces.EmitMetadata(ctx, workspaceID); err != nil {
		s.logger.Debug("Failed to emit metadata after cascade terminate",
			zap.String("workspace_id", workspaceID), zap.Error(err))
	}
	s.logger.Info("All descendant agent tasks terminated",
		zap.String("workspace_id", workspaceID),
		zap.Int("removed", len(subtree)))

	s.maybeStartQueuedTasks(ctx)
	return subtree, nil
}

// terminateSubtree stops and removes the given task ids leaf-first,
// rejecting their waiters with cause. The slice is sorted in place.
// Callers must hold opMu.
func (s *Service) terminateSubtree(ctx context.Context, idx *index.Index, subtree []string, rootID string, cause error) error {
	// Leaf-first so no workspace is ever removed before its children.
	depths := make(map[string]int, len(subtree))
	for _, id := range subtree {
		d, err := idx.DepthOf(id)
		if err != nil {
			return err
		}
		depths[id] = d
	}
	sort.Slice(subtree, func(i, j int) bool {
		if depths[subtree[i]] != depths[subtree[j]] {
			return depths[subtree[i]] > depths[subtree[j]]
		}
		return subtree[i] < subtree[j]
	})

	// Stop all streams in parallel before touching any state; a stream
	// racing its own removal could otherwise resurrect a partial.
	g, stopCtx := errgroup.WithContext(context.WithoutCancel(ctx))
	g.SetLimit(4)
	for _, id := range subtree {
		id := id
		g.Go(func() error {
			if !s.gateway.IsStreaming(id) {
				return nil
			}
			if err := s.gateway.StopStream(stopCtx, id, true); err != nil {
				s.logger.Warn("Failed to stop stream during terminate",
					zap.String("task_id", id), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, id := range subtree {
		s.waiters.RejectAll(id, cause)
		s.reports.Remove(id)
		s.clearTaskFlags(id)

		if err := s.removeTaskWorkspace(ctx, id); err != nil {
			s.logger.Error("Failed to remove terminated task workspace",
				zap.String("task_id", id), zap.Error(err))
		}
		s.publishTaskEvent(ctx, eventTaskTerminated, id, map[string]interface{}{
			"rootTaskId": rootID,
		})
	}
	s.stats.terminations.Add(1)
	return nil
}

// removeTaskWorkspace tears down one task workspace: the host removes the
// runtime tree and session files, then the config row goes.
func (s *Service) removeTaskWorkspace(ctx context.Context, taskID string) error {
	if err := s.workspaces.Remove(ctx, taskID, true); err != nil {
		return fmt.Errorf("failed to remove workspace %s: %w", taskID, err)
	}
	if err := s.store.RemoveWorkspace(ctx, taskID); err != nil {
		return fmt.Errorf("failed to remove workspace entry %s: %w", taskID, err)
	}
	return nil
}
