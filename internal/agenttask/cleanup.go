package agenttask

import (
	"context"

	"go.uber.org/zap"

	"github.com/kandev/agenttask/internal/agenttask/index"
	"github.com/kandev/agenttask/internal/artifacts"
	"github.com/kandev/agenttask/internal/workspace"
)

// sweepCleanup removes reported tasks whose outputs are fully secured.
// Removal is strictly leaf-first: a reported task with children waits
// until its subtree is gone, and each pass re-reads the config so a
// freshly exposed leaf is picked up by the next pass. The pass count is
// bounded by the maximum tree depth.
func (s *Service) sweepCleanup(ctx context.Context) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	for pass := 0; pass < index.MaxDepth; pass++ {
		cfg, err := s.store.LoadConfigOrDefault(ctx)
		if err != nil {
			s.logger.Error("Cleanup sweep failed to load config", zap.Error(err))
			return
		}
		idx := index.Build(cfg)

		removed := false
		for _, id := range idx.Tasks() {
			entry, ok := idx.EntryOf(id)
			if !ok || !s.cleanupEligible(idx, entry) {
				continue
			}
			if s.cleanupOne(ctx, entry) {
				removed = true
			}
		}
		if !removed {
			return
		}
	}
}

// cleanupEligible reports whether a task can be removed right now.
func (s *Service) cleanupEligible(idx *index.Index, entry *workspace.Workspace) bool {
	if !entry.IsTask() || entry.AgentTask.Status != workspace.StatusReported {
		return false
	}
	parentID := entry.ParentID()
	if _, ok := idx.EntryOf(parentID); !ok {
		return false
	}
	if len(idx.ChildrenOf(entry.ID)) > 0 {
		return false
	}
	if s.gateway.IsStreaming(entry.ID) {
		return false
	}
	// A pending patch still needs the worktree.
	if s.artifacts.PatchBlocksCleanup(parentID, entry.ID) {
		return false
	}
	return true
}

// cleanupOne archives the task's transcript, rolls its artifacts up into
// the parent, and removes the workspace. A roll-up failure aborts the
// removal so no artifact is ever orphaned.
func (s *Service) cleanupOne(ctx context.Context, entry *workspace.Workspace) bool {
	taskID := entry.ID
	parentID := entry.ParentID()
	spec := entry.AgentTask

	if _, err := s.artifacts.ArchiveTranscript(parentID, taskID, artifacts.TranscriptSource{
		ChatPath:      s.history.ChatPath(taskID),
		PartialPath:   s.history.PartialPath(taskID),
		Model:         spec.ModelString,
		ThinkingLevel: spec.ThinkingLevel,
	}); err != nil {
		// Best-effort: a lost transcript never holds the tree hostage.
		s.logger.Warn("Failed to archive transcript",
			zap.String("task_id", taskID), zap.Error(err))
	}

	if err := s.artifacts.RollUp(taskID, parentID); err != nil {
		s.logger.Error("Artifact roll-up failed, deferring cleanup",
			zap.String("task_id", taskID),
			zap.String("parent_workspace_id", parentID),
			zap.Error(err))
		return false
	}

	if err := s.removeTaskWorkspace(ctx, taskID); err != nil {
		s.logger.Error("Failed to remove reported task workspace",
			zap.String("task_id", taskID), zap.Error(err))
		return false
	}
	s.clearTaskFlags(taskID)

	if err := s.workspaces.EmitMetadata(ctx, parentID); err != nil {
		s.logger.Debug("Failed to emit parent metadata after cleanup",
			zap.String("workspace_id", parentID), zap.Error(err))
	}
	s.logger.Info("Reported task cleaned up",
		zap.String("task_id", taskID),
		zap.String("parent_workspace_id", parentID))
	return true
}
