package agenttask

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/kandev/agenttask/internal/agent"
	"github.com/kandev/agenttask/internal/message"
	"github.com/kandev/agenttask/internal/workspace"
)

// maxPlanFileSize caps how much plan text the handoff reads into memory
// and ships to the implementation agent.
const maxPlanFileSize = 1 << 20

// Plan routing modes.
const (
	RoutingExec         = "exec"
	RoutingOrchestrator = "orchestrator"
	RoutingAuto         = "auto"
)

// classifierSystemPrompt steers the one-shot routing completion.
const classifierSystemPrompt = "You route completed engineering plans to an implementation " +
	"agent. Answer with exactly one word: \"orchestrator\" if the plan describes several " +
	"independent workstreams that benefit from parallel sub-agents, otherwise \"exec\"."

// handlePlanCompletion hands a finished plan to an implementation agent
// in the same workspace: the plan file becomes the new compacted history
// and the stream restarts under the routed agent. The task stays running
// throughout; it reports later via agent_report like any exec task.
func (s *Service) handlePlanCompletion(ctx context.Context, taskID, planPath string) error {
	ctx, span := s.tracer.Start(ctx, "agenttask.handlePlanCompletion")
	defer span.End()

	s.setHandoffInProgress(taskID, true)
	defer s.setHandoffInProgress(taskID, false)

	cfg, err := s.store.LoadConfigOrDefault(ctx)
	if err != nil {
		return fmt.Errorf("failed to load workspace config: %w", err)
	}
	entry, ok := cfg.Workspace(taskID)
	if !ok || !entry.IsTask() {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	plan, err := s.readPlanFile(entry.WorkspacePath, planPath)
	if err != nil {
		return err
	}

	targetAgent := s.routePlan(ctx, taskID, plan)
	targetModel := s.catalog.DefaultModel(targetAgent)
	if targetModel == "" {
		targetModel = entry.AgentTask.ModelString
	}

	if err := s.compactForHandoff(ctx, taskID, targetAgent, plan); err != nil {
		return err
	}

	if _, err := s.store.EditConfig(ctx, func(cfg *workspace.Config) error {
		ws, ok := cfg.Workspace(taskID)
		if !ok || !ws.IsTask() {
			return ErrTaskNotFound
		}
		ws.AgentTask.AgentID = targetAgent
		ws.AgentTask.AgentType = targetAgent
		ws.AgentTask.ModelString = targetModel
		ws.AgentTask.Status = workspace.StatusRunning
		return nil
	}); err != nil {
		return fmt.Errorf("failed to persist plan handoff: %w", err)
	}
	s.publishTaskEvent(ctx, eventTaskStateChanged, taskID, map[string]interface{}{
		"status":  string(workspace.StatusRunning),
		"agentId": targetAgent,
	})
	if err := s.workspaces.EmitMetadata(ctx, taskID); err != nil {
		s.logger.Debug("Failed to emit metadata after handoff",
			zap.String("task_id", taskID), zap.Error(err))
	}

	ai := workspace.AIOptions{
		AgentID:       targetAgent,
		ModelString:   targetModel,
		ThinkingLevel: entry.AgentTask.ThinkingLevel,
		Experiments:   entry.AgentTask.Experiments,
	}
	if err := s.workspaces.SendMessage(ctx, taskID, planKickoffPrompt, ai, workspace.SendOptions{
		Synthetic:           true,
		SkipAutoResumeReset: true,
	}); err != nil {
		return fmt.Errorf("failed to start implementation stream: %w", err)
	}

	s.logger.Info("Plan handed off",
		zap.String("task_id", taskID),
		zap.String("target_agent", targetAgent))
	return nil
}

// readPlanFile loads the plan produced by propose_plan. The path comes
// from model output, so it must resolve inside the task's workspace.
func (s *Service) readPlanFile(workspacePath, planPath string) (string, error) {
	if workspacePath == "" {
		return "", fmt.Errorf("task has no workspace to read plan from")
	}
	full := planPath
	if !filepath.IsAbs(full) {
		full = filepath.Join(workspacePath, planPath)
	}
	full = filepath.Clean(full)

	rel, err := filepath.Rel(workspacePath, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("plan path %q escapes the workspace", planPath)
	}

	info, err := os.Stat(full)
	if err != nil {
		return "", fmt.Errorf("failed to read plan file: %w", err)
	}
	if info.Size() > maxPlanFileSize {
		return "", fmt.Errorf("plan file %q exceeds %d bytes", planPath, maxPlanFileSize)
	}
	raw, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("failed to read plan file: %w", err)
	}
	if strings.TrimSpace(string(raw)) == "" {
		return "", fmt.Errorf("plan file %q is empty", planPath)
	}
	return string(raw), nil
}

// routePlan picks the implementation agent for a completed plan. The
// configured mode wins; "auto" asks the classifier model and falls back
// to exec on any failure. Orchestrator routing additionally requires the
// orchestrator agent to be enabled.
func (s *Service) routePlan(ctx context.Context, taskID, plan string) string {
	mode := s.cfg.PlanHandoffRouting
	switch mode {
	case RoutingExec:
		return agent.AgentExec
	case RoutingOrchestrator:
		if s.catalog.OrchestratorEnabled() {
			return agent.AgentOrchestrator
		}
		return agent.AgentExec
	}

	if !s.catalog.OrchestratorEnabled() {
		return agent.AgentExec
	}

	status := "Routing plan"
	if err := s.workspaces.UpdateAgentStatus(ctx, taskID, &status); err != nil {
		s.logger.Debug("Failed to set routing status",
			zap.String("task_id", taskID), zap.Error(err))
	}
	defer func() {
		if err := s.workspaces.UpdateAgentStatus(ctx, taskID, nil); err != nil {
			s.logger.Debug("Failed to clear routing status",
				zap.String("task_id", taskID), zap.Error(err))
		}
	}()

	model := s.cfg.ClassifierModel
	if model == "" {
		model = s.cfg.DefaultModelString
	}
	answer, err := s.gateway.CompleteText(ctx, model, classifierSystemPrompt, plan)
	if err != nil {
		s.logger.Warn("Plan routing classifier failed, defaulting to exec",
			zap.String("task_id", taskID), zap.Error(err))
		return agent.AgentExec
	}
	if strings.Contains(strings.ToLower(answer), RoutingOrchestrator) {
		return agent.AgentOrchestrator
	}
	return agent.AgentExec
}

// compactForHandoff replaces the planning conversation with a single
// compacted message carrying the plan, bumping the compaction epoch past
// anything already in the history.
func (s *Service) compactForHandoff(ctx context.Context, taskID, targetAgent, plan string) error {
	epoch := 1
	if msgs, err := s.history.GetLastMessages(taskID, 500); err == nil {
		epoch = message.MaxCompactionEpoch(msgs) + 1
	}

	summary := message.NewAssistantMessage(
		"# Approved plan\n\n"+plan,
		&message.Metadata{
			AgentID:            targetAgent,
			Synthetic:          true,
			Compacted:          "user",
			CompactionEpoch:    epoch,
			CompactionBoundary: true,
		},
	)
	if err := s.workspaces.ReplaceHistory(ctx, taskID, summary, "compact"); err != nil {
		return fmt.Errorf("failed to compact history for handoff: %w", err)
	}
	return nil
}
