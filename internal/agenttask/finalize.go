package agenttask

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agenttask/internal/agenttask/index"
	"github.com/kandev/agenttask/internal/agenttask/reportcache"
	"github.com/kandev/agenttask/internal/agenttask/waiter"
	"github.com/kandev/agenttask/internal/artifacts"
	"github.com/kandev/agenttask/internal/events"
	"github.com/kandev/agenttask/internal/events/bus"
	"github.com/kandev/agenttask/internal/message"
	"github.com/kandev/agenttask/internal/workspace"
)

// finalizeReport marks a task reported and fans its report out: artifact
// persistence into every ancestor first, then delivery to the parent and
// any foreground waiters. Calling it again for an already reported task
// is a no-op, so a duplicate stream-end cannot double-deliver.
func (s *Service) finalizeReport(ctx context.Context, taskID string, report Report) error {
	ctx, span := s.tracer.Start(ctx, "agenttask.finalizeReport")
	defer span.End()

	cfg, err := s.store.LoadConfigOrDefault(ctx)
	if err != nil {
		return fmt.Errorf("failed to load workspace config: %w", err)
	}
	idx := index.Build(cfg)

	entry, ok := idx.EntryOf(taskID)
	if !ok || !entry.IsTask() {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	spec := entry.AgentTask
	if spec.Status == workspace.StatusReported {
		return nil
	}
	parentID := spec.ParentWorkspaceID

	ancestors, err := idx.AncestorsOf(taskID)
	if err != nil {
		return err
	}

	if _, err := s.store.EditConfig(ctx, func(cfg *workspace.Config) error {
		ws, ok := cfg.Workspace(taskID)
		if !ok || !ws.IsTask() {
			return ErrTaskNotFound
		}
		ws.AgentTask.Status = workspace.StatusReported
		ws.AgentTask.ReportedAt = time.Now().UTC().Format(time.RFC3339Nano)
		return nil
	}); err != nil {
		return fmt.Errorf("failed to persist reported status: %w", err)
	}
	s.stats.reportsFinalized.Add(1)
	s.publishTaskEvent(ctx, eventTaskStateChanged, taskID, map[string]interface{}{
		"status": string(workspace.StatusReported),
	})
	s.publishTaskEvent(ctx, eventTaskReported, taskID, map[string]interface{}{
		"parentWorkspaceId": parentID,
		"title":             report.Title,
	})

	// Persist the report into every ancestor before anything observes it:
	// a waiter or parent that sees the report must always find it on disk.
	artifact := artifacts.Report{
		ChildTaskID:          taskID,
		ParentWorkspaceID:    parentID,
		AncestorWorkspaceIDs: ancestors,
		ReportMarkdown:       report.ReportMarkdown,
		Title:                report.Title,
		Model:                spec.ModelString,
		ThinkingLevel:        spec.ThinkingLevel,
	}
	for _, ancestorID := range ancestors {
		if err := s.artifacts.UpsertReport(ancestorID, artifact); err != nil {
			s.logger.Error("Failed to persist report artifact",
				zap.String("task_id", taskID),
				zap.String("ancestor_id", ancestorID),
				zap.Error(err))
		}
	}

	patching := entry.WorkspacePath != "" && spec.BaseCommitSHA != ""
	if patching {
		s.startPatchGeneration(ctx, parentID, entry.Clone())
	}

	delivered := s.deliverToParentPartial(ctx, parentID, taskID, report)
	injected := false
	if !delivered && !s.waiters.HasWaiters(taskID) {
		injected = s.injectReportIntoParent(ctx, parentID, taskID, spec.EffectiveAgentID(), report)
	}

	s.reports.Add(taskID, reportcache.Entry{
		ReportMarkdown:       report.ReportMarkdown,
		Title:                report.Title,
		AncestorWorkspaceIDs: ancestors,
	})
	s.waiters.ResolveAll(taskID, waiter.Report{
		ReportMarkdown: report.ReportMarkdown,
		Title:          report.Title,
	})

	if err := s.workspaces.EmitMetadata(ctx, taskID); err != nil {
		s.logger.Debug("Failed to emit metadata for reported task",
			zap.String("task_id", taskID), zap.Error(err))
	}

	s.logger.Info("Agent task reported",
		zap.String("task_id", taskID),
		zap.String("parent_workspace_id", parentID))

	go s.MaybeStartQueuedTasks(context.WithoutCancel(ctx))
	if !patching {
		// With no patch goroutine to run the sweep on completion, the
		// reported task would linger until an unrelated event arrives.
		go s.sweepCleanup(context.WithoutCancel(ctx))
	}
	if injected {
		s.maybeAutoResumeParent(context.WithoutCancel(ctx), parentID)
	}
	return nil
}

// startPatchGeneration records a pending patch in the parent's artifacts
// and generates the mbox in the background. Cleanup of the child defers
// while the patch is pending, so the worktree outlives the generation.
func (s *Service) startPatchGeneration(ctx context.Context, parentID string, entry *workspace.Workspace) {
	taskID := entry.ID
	if err := s.artifacts.SetPatchPending(parentID, taskID); err != nil {
		s.logger.Error("Failed to record pending patch",
			zap.String("task_id", taskID), zap.Error(err))
		return
	}

	bg := context.WithoutCancel(ctx)
	go func() {
		spec := entry.AgentTask
		mbox, err := s.runtime.FormatPatch(bg, entry.WorkspacePath, spec.TrunkBranch, spec.BaseCommitSHA)
		if err != nil {
			s.logger.Warn("Patch generation failed",
				zap.String("task_id", taskID), zap.Error(err))
			if ferr := s.artifacts.FailPatch(parentID, taskID, err.Error()); ferr != nil {
				s.logger.Error("Failed to record patch failure",
					zap.String("task_id", taskID), zap.Error(ferr))
			}
		} else if err := s.artifacts.CompletePatch(parentID, taskID, mbox); err != nil {
			s.logger.Error("Failed to record completed patch",
				zap.String("task_id", taskID), zap.Error(err))
		}
		// The patch no longer blocks cleanup either way.
		s.sweepCleanup(bg)
	}()
}

// deliverToParentPartial writes the child's report into the parent's
// pending task tool call when the parent is idle with that call still
// open in its partial message. Returns true when the output was written.
func (s *Service) deliverToParentPartial(ctx context.Context, parentID, taskID string, report Report) bool {
	if s.gateway.IsStreaming(parentID) {
		return false
	}
	partial, err := s.history.ReadPartial(parentID)
	if err != nil || partial == nil {
		return false
	}

	part := s.matchTaskPart(partial.Parts, taskID)
	if part == nil {
		return false
	}

	part.State = message.StateOutputAvailable
	part.Output = message.MarshalToolInput(message.TaskToolOutput{
		Success:        true,
		TaskID:         taskID,
		ReportMarkdown: report.ReportMarkdown,
		Title:          report.Title,
	})
	if err := s.history.WritePartial(parentID, partial); err != nil {
		s.logger.Error("Failed to write report into parent partial",
			zap.String("task_id", taskID),
			zap.String("parent_workspace_id", parentID),
			zap.Error(err))
		return false
	}

	ev := bus.NewEvent(events.WorkspaceToolCallEnd, "agenttask-engine", map[string]interface{}{
		"workspaceId": parentID,
		"toolCallId":  part.ToolCallID,
		"toolName":    message.ToolTask,
		"taskId":      taskID,
	})
	if err := s.bus.Publish(ctx, events.BuildToolCallEndSubject(parentID), ev); err != nil {
		s.logger.Warn("Failed to publish tool-call-end event",
			zap.String("parent_workspace_id", parentID), zap.Error(err))
	}
	return true
}

// matchTaskPart finds the pending task tool part the report belongs to:
// an explicit taskId match wins; otherwise a sole pending task part is
// assumed to be ours.
func (s *Service) matchTaskPart(parts []message.Part, taskID string) *message.Part {
	var sole *message.Part
	pending := 0
	for i := range parts {
		p := &parts[i]
		if !p.IsTool(message.ToolTask) || p.State != message.StateInputAvailable {
			continue
		}
		if message.ParseTaskInput(p).TaskID == taskID {
			return p
		}
		pending++
		sole = p
	}
	if pending == 1 {
		return sole
	}
	return nil
}

// injectReportIntoParent appends the report envelope to the parent's
// history as a synthetic user message. Returns true on success.
func (s *Service) injectReportIntoParent(ctx context.Context, parentID, taskID, agentType string, report Report) bool {
	msg := message.NewUserMessage(
		reportEnvelope(taskID, agentType, report.Title, report.ReportMarkdown),
		&message.Metadata{Synthetic: true},
	)
	if err := s.history.AppendToHistory(parentID, msg); err != nil {
		s.logger.Error("Failed to inject report into parent history",
			zap.String("task_id", taskID),
			zap.String("parent_workspace_id", parentID),
			zap.Error(err))
		return false
	}

	ev := bus.NewEvent(events.WorkspaceUserMessage, "agenttask-engine", map[string]interface{}{
		"workspaceId": parentID,
		"synthetic":   true,
	})
	if err := s.bus.Publish(ctx, events.BuildUserMessageSubject(parentID), ev); err != nil {
		s.logger.Warn("Failed to publish synthetic user-message event",
			zap.String("parent_workspace_id", parentID), zap.Error(err))
	}
	return true
}

// maybeAutoResumeParent restarts an idle parent so it acts on a report
// that was injected into its history. Interrupted parents stay idle, and
// the flood cap bounds consecutive synthetic resumes.
func (s *Service) maybeAutoResumeParent(ctx context.Context, parentID string) {
	if s.gateway.IsStreaming(parentID) {
		return
	}
	if s.isInterrupted(parentID) {
		return
	}

	cfg, err := s.store.LoadConfigOrDefault(ctx)
	if err != nil {
		s.logger.Warn("Auto-resume failed to load config",
			zap.String("workspace_id", parentID), zap.Error(err))
		return
	}
	entry, ok := cfg.Workspace(parentID)
	if !ok {
		return
	}
	if entry.IsTask() && entry.AgentTask.Status == workspace.StatusReported {
		return
	}
	if index.Build(cfg).HasActiveDescendants(parentID) {
		// Other children are still working; the last finalize resumes the
		// parent, and resuming now would burn a flood-cap slot for nothing.
		return
	}

	if !s.bumpAutoResume(parentID) {
		s.logger.Warn("Auto-resume flood cap reached, report left in history",
			zap.String("workspace_id", parentID))
		return
	}

	var ai workspace.AIOptions
	if entry.IsTask() {
		ai = taskAIOptions(entry.AgentTask)
	} else {
		agentID := entry.AI.AgentID
		if msgs, err := s.history.GetLastMessages(parentID, 50); err == nil {
			if id := message.LastAssistantAgentID(msgs); id != "" {
				agentID = id
			}
		}
		if agentID == "" {
			agentID = defaultResumeAgent
		}
		ai = workspace.AIOptions{
			AgentID:       agentID,
			ModelString:   entry.AI.ModelString,
			ThinkingLevel: entry.AI.ThinkingLevel,
		}
	}

	err = s.workspaces.SendMessage(ctx, parentID, integrateResultsPrompt, ai, workspace.SendOptions{
		Synthetic:           true,
		SkipAutoResumeReset: true,
		RequireIdle:         true,
	})
	if err != nil {
		s.logger.Warn("Failed to auto-resume parent after report",
			zap.String("workspace_id", parentID), zap.Error(err))
		return
	}
	s.stats.autoResumes.Add(1)
}
