package agenttask

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/kandev/agenttask/internal/agenttask/index"
	"github.com/kandev/agenttask/internal/agenttask/watcher"
	"github.com/kandev/agenttask/internal/message"
	"github.com/kandev/agenttask/internal/workspace"
)

// HandleStreamEnd is the engine's reaction to a gateway stream-end event.
// It is the sole driver of the running -> awaiting_report -> reported
// transitions; stream-end handling for the same workspace is serialized
// through a keyed mutex so overlapping events cannot interleave.
func (s *Service) HandleStreamEnd(ctx context.Context, data watcher.StreamEndData) {
	ctx, span := s.tracer.Start(ctx, "agenttask.HandleStreamEnd")
	defer span.End()

	err := s.streamMu.WithLock(ctx, data.WorkspaceID, func() error {
		s.handleStreamEndLocked(ctx, data)
		return nil
	})
	if err != nil {
		s.logger.Warn("Stream-end handling aborted",
			zap.String("workspace_id", data.WorkspaceID), zap.Error(err))
	}
}

func (s *Service) handleStreamEndLocked(ctx context.Context, data watcher.StreamEndData) {
	cfg, err := s.store.LoadConfigOrDefault(ctx)
	if err != nil {
		s.logger.Error("Stream-end failed to load config",
			zap.String("workspace_id", data.WorkspaceID), zap.Error(err))
		return
	}
	idx := index.Build(cfg)

	entry, ok := idx.EntryOf(data.WorkspaceID)
	if !ok {
		// Cleaned up while the event was in flight.
		return
	}
	if entry.IsTask() {
		s.handleTaskStreamEnd(ctx, idx, entry, data)
		return
	}
	s.handleRootStreamEnd(ctx, idx, entry, data)
}

// handleTaskStreamEnd inspects the ended stream for the task's completion
// tool and advances the lifecycle accordingly.
func (s *Service) handleTaskStreamEnd(ctx context.Context, idx *index.Index, entry *workspace.Workspace, data watcher.StreamEndData) {
	taskID := entry.ID
	spec := entry.AgentTask

	if s.isHandoffInProgress(taskID) {
		// The handoff path owns this stream end; reacting here would race
		// the agent swap.
		return
	}
	if spec.Status == workspace.StatusReported {
		// Stream after reporting means patch generation or a stray resume
		// finished; the task may now be cleanable.
		s.sweepCleanup(ctx)
		return
	}

	if idx.HasActiveDescendants(taskID) {
		// The task is orchestrating children and must not finalize while
		// they are live, even when this stream carries a completion tool.
		// A premature awaiting_report demotes back so the reminder cycle
		// restarts after the children settle.
		if spec.Status == workspace.StatusAwaitingReport {
			s.transitionStatus(ctx, taskID, workspace.StatusRunning)
		}
		return
	}

	if part := message.FindCompletedTool(data.Parts, message.ToolAgentReport); part != nil {
		input, err := message.ParseAgentReport(part)
		if err != nil {
			s.logger.Warn("Ignoring malformed agent_report",
				zap.String("task_id", taskID), zap.Error(err))
		} else {
			if err := s.finalizeReport(ctx, taskID, Report{
				ReportMarkdown: input.ReportMarkdown,
				Title:          input.Title,
			}); err != nil {
				s.logger.Error("Failed to finalize report",
					zap.String("task_id", taskID), zap.Error(err))
			}
			return
		}
	}

	agentID := spec.EffectiveAgentID()
	if s.catalog.IsPlanLike(agentID) {
		if part := message.FindCompletedTool(data.Parts, message.ToolProposePlan); part != nil {
			out, err := message.ParseProposePlan(part)
			if err != nil {
				s.logger.Warn("Ignoring malformed propose_plan output",
					zap.String("task_id", taskID), zap.Error(err))
			} else {
				if err := s.handlePlanCompletion(ctx, taskID, out.PlanPath); err != nil {
					s.logger.Error("Plan handoff failed",
						zap.String("task_id", taskID), zap.Error(err))
				}
				return
			}
		}
	}

	// No completion tool in this stream.
	if message.FindPendingTool(data.Parts, message.ToolAskUserQuestion) != nil {
		// Blocked on a human answer; do not nag.
		return
	}
	if s.isInterrupted(taskID) {
		return
	}

	if spec.Status == workspace.StatusAwaitingReport && s.wasReminded(taskID) {
		s.fallbackReport(ctx, entry, data)
		return
	}

	s.remindCompletion(ctx, entry)
}

// remindCompletion moves an idle task to awaiting_report and sends the
// one-shot forced completion-tool reminder. Returns the send error so
// callers can decide whether an undeliverable reminder warrants a
// fallback report.
func (s *Service) remindCompletion(ctx context.Context, entry *workspace.Workspace) error {
	taskID := entry.ID
	spec := entry.AgentTask

	if spec.Status != workspace.StatusAwaitingReport {
		if !s.transitionStatus(ctx, taskID, workspace.StatusAwaitingReport) {
			return nil
		}
	}
	s.markReminded(taskID)

	tool := s.catalog.CompletionTool(spec.EffectiveAgentID())
	ai := taskAIOptions(spec)
	ai.ToolPolicy = workspace.ForceTool(tool)
	prompt := completionReminder(tool)

	err := s.workspaces.SendMessage(ctx, taskID, prompt, ai, workspace.SendOptions{
		Synthetic:           true,
		SkipAutoResumeReset: true,
		RequireIdle:         true,
	})
	if err != nil {
		s.logger.Warn("Failed to deliver completion reminder",
			zap.String("task_id", taskID), zap.Error(err))
	}
	return err
}

// fallbackReport synthesizes a report for a task that was reminded and
// still ended without its completion tool, so the parent is never left
// waiting forever.
func (s *Service) fallbackReport(ctx context.Context, entry *workspace.Workspace, data watcher.StreamEndData) {
	taskID := entry.ID
	agentID := entry.AgentTask.EffectiveAgentID()

	text := ""
	if msgs, err := s.history.GetLastMessages(taskID, 20); err == nil {
		text = message.LastAssistantText(msgs)
	}
	if text == "" {
		var b strings.Builder
		for i := range data.Parts {
			if data.Parts[i].Type == message.PartTypeText {
				b.WriteString(data.Parts[i].Text)
			}
		}
		text = b.String()
	}
	if strings.TrimSpace(text) == "" {
		text = "The sub-agent finished without producing a report or any final output."
	}
	tool := s.catalog.CompletionTool(agentID)
	text = fallbackReportNote(tool) + "\n\n" + text

	s.stats.fallbackReports.Add(1)
	s.logger.Warn("Synthesizing fallback report",
		zap.String("task_id", taskID), zap.String("agent_id", agentID))

	if err := s.finalizeReport(ctx, taskID, Report{
		ReportMarkdown: text,
		Title:          fallbackReportTitle(agentID),
	}); err != nil {
		s.logger.Error("Failed to finalize fallback report",
			zap.String("task_id", taskID), zap.Error(err))
	}
}

// handleRootStreamEnd auto-resumes a workspace that went idle while its
// sub-agent tasks are still running, so orchestration does not stall on
// a model that simply stopped talking.
func (s *Service) handleRootStreamEnd(ctx context.Context, idx *index.Index, entry *workspace.Workspace, data watcher.StreamEndData) {
	id := entry.ID
	if !idx.HasActiveDescendants(id) {
		return
	}
	if message.FindPendingTool(data.Parts, message.ToolAskUserQuestion) != nil {
		return
	}
	if s.isInterrupted(id) {
		return
	}
	if s.gateway.IsStreaming(id) {
		// A new stream started between the event and the lock.
		return
	}
	if !s.bumpAutoResume(id) {
		s.logger.Warn("Auto-resume flood cap reached, leaving workspace idle",
			zap.String("workspace_id", id))
		return
	}

	ai := workspace.AIOptions{
		AgentID:       s.resumeAgentID(entry, data),
		ModelString:   entry.AI.ModelString,
		ThinkingLevel: entry.AI.ThinkingLevel,
	}
	err := s.workspaces.SendMessage(ctx, id, awaitChildrenPrompt, ai, workspace.SendOptions{
		Synthetic:           true,
		SkipAutoResumeReset: true,
		RequireIdle:         true,
	})
	if err != nil {
		s.logger.Warn("Failed to auto-resume workspace",
			zap.String("workspace_id", id), zap.Error(err))
		return
	}
	s.stats.autoResumes.Add(1)
}

// resumeAgentID picks the agent for a synthetic resume: the ended
// stream's metadata, then the most recent assistant message, then the
// workspace's AI settings, then exec.
func (s *Service) resumeAgentID(entry *workspace.Workspace, data watcher.StreamEndData) string {
	if data.Metadata.AgentID != "" {
		return data.Metadata.AgentID
	}
	if msgs, err := s.history.GetLastMessages(entry.ID, 50); err == nil {
		if id := message.LastAssistantAgentID(msgs); id != "" {
			return id
		}
	}
	if entry.AI.AgentID != "" {
		return entry.AI.AgentID
	}
	return defaultResumeAgent
}

// transitionStatus persists a status change and publishes the state
// event. Returns false when the task vanished or the write failed.
func (s *Service) transitionStatus(ctx context.Context, taskID string, status workspace.Status) bool {
	if _, err := s.store.EditConfig(ctx, func(cfg *workspace.Config) error {
		ws, ok := cfg.Workspace(taskID)
		if !ok || !ws.IsTask() {
			return ErrTaskNotFound
		}
		ws.AgentTask.Status = status
		return nil
	}); err != nil {
		s.logger.Error("Failed to persist status transition",
			zap.String("task_id", taskID),
			zap.String("status", string(status)),
			zap.Error(err))
		return false
	}
	s.publishTaskEvent(ctx, eventTaskStateChanged, taskID, map[string]interface{}{
		"status": string(status),
	})
	return true
}
