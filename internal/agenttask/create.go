package agenttask

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agenttask/internal/agent"
	"github.com/kandev/agenttask/internal/agenttask/index"
	"github.com/kandev/agenttask/internal/workspace"
)

// Create spawns a new agent task under a parent workspace. When the
// global parallelism cap is reached the task is persisted as queued and
// started later by the drain; otherwise the workspace is materialized
// and the initial prompt sent before Create returns.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	ctx, span := s.tracer.Start(ctx, "agenttask.Create")
	defer span.End()

	agentID, err := s.validateCreate(&req)
	if err != nil {
		return nil, err
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	cfg, err := s.store.LoadConfigOrDefault(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load workspace config: %w", err)
	}
	idx := index.Build(cfg)

	parent, ok := idx.EntryOf(req.ParentWorkspaceID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrParentNotFound, req.ParentWorkspaceID)
	}
	if parent.IsTask() && parent.AgentTask.Status == workspace.StatusReported {
		return nil, ErrParentAlreadyReported
	}

	parentDepth, err := idx.DepthOf(req.ParentWorkspaceID)
	if err != nil {
		return nil, err
	}
	if parentDepth+1 > s.cfg.MaxTaskNestingDepth {
		return nil, fmt.Errorf("%w: requested depth %d exceeds %d",
			ErrNestingDepthExceeded, parentDepth+1, s.cfg.MaxTaskNestingDepth)
	}

	taskID := s.store.GenerateStableID()
	name := workspace.GenerateName(agentID, req.Title, taskID)
	if err := workspace.ValidateName(name); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWorkspaceName, err)
	}

	modelString, thinkingLevel := s.resolveAIDefaults(agentID, req.ModelString, req.ThinkingLevel, parent)

	entry := &workspace.Workspace{
		ID:          taskID,
		Name:        name,
		ProjectPath: parent.ProjectPath,
		AI:          parent.AI,
		AgentTask: &workspace.AgentTaskSpec{
			ParentWorkspaceID: req.ParentWorkspaceID,
			AgentID:           agentID,
			AgentType:         agentID,
			Title:             req.Title,
			CreatedAt:         time.Now().UTC().Format(time.RFC3339Nano),
			Status:            workspace.StatusQueued,
			Prompt:            req.Prompt,
			ModelString:       modelString,
			ThinkingLevel:     thinkingLevel,
			Experiments:       req.Experiments,
		},
	}

	if _, err := s.store.EditConfig(ctx, func(cfg *workspace.Config) error {
		cfg.Put(entry)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to persist task entry: %w", err)
	}
	s.stats.created.Add(1)
	s.publishTaskEvent(ctx, eventTaskCreated, taskID, map[string]interface{}{
		"parentWorkspaceId": req.ParentWorkspaceID,
		"agentType":         agentID,
		"title":             req.Title,
	})

	if s.activeTaskCount(idx) >= s.cfg.MaxParallelAgentTasks {
		s.stats.queuedAdmissions.Add(1)
		if err := s.workspaces.EmitMetadata(ctx, taskID); err != nil {
			s.logger.Warn("Failed to emit metadata for queued task",
				zap.String("task_id", taskID), zap.Error(err))
		}
		s.logger.Info("Agent task queued",
			zap.String("task_id", taskID),
			zap.String("parent_workspace_id", req.ParentWorkspaceID),
			zap.String("agent_id", agentID))
		return &CreateResult{TaskID: taskID, Kind: TaskKindAgent, Status: workspace.StatusQueued}, nil
	}

	if err := s.startTask(ctx, taskID); err != nil {
		s.rollbackCreate(ctx, taskID)
		return nil, err
	}

	s.logger.Info("Agent task started",
		zap.String("task_id", taskID),
		zap.String("parent_workspace_id", req.ParentWorkspaceID),
		zap.String("agent_id", agentID))
	return &CreateResult{TaskID: taskID, Kind: TaskKindAgent, Status: workspace.StatusRunning}, nil
}

// validateCreate checks the request and resolves the effective agent id.
func (s *Service) validateCreate(req *CreateRequest) (string, error) {
	if req.ParentWorkspaceID == "" {
		return "", ErrParentNotFound
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return "", ErrPromptRequired
	}

	agentID := agent.Normalize(req.AgentID)
	if agentID == "" {
		agentID = agent.Normalize(req.AgentType)
	}
	if agentID == "" {
		return "", ErrAgentIDRequired
	}
	if _, err := s.catalog.Resolve(agentID); err != nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}

	if err := workspace.ValidateModelString(req.ModelString); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidModelString, err)
	}
	return agentID, nil
}

// resolveAIDefaults applies the model/thinking precedence chain: the
// request, then the agent definition, then the parent workspace's AI
// settings, then the engine default.
func (s *Service) resolveAIDefaults(agentID, reqModel, reqThinking string, parent *workspace.Workspace) (string, string) {
	model := reqModel
	if model == "" {
		model = s.catalog.DefaultModel(agentID)
	}
	if model == "" && parent != nil {
		model = parent.AI.ModelString
	}
	if model == "" {
		model = s.cfg.DefaultModelString
	}

	thinking := reqThinking
	if thinking == "" {
		thinking = s.catalog.DefaultThinkingLevel(agentID)
	}
	if thinking == "" && parent != nil {
		thinking = parent.AI.ThinkingLevel
	}
	return model, thinking
}

// taskAIOptions builds the AI options for messages sent into a task's
// stream from its persisted spec.
func taskAIOptions(spec *workspace.AgentTaskSpec) workspace.AIOptions {
	return workspace.AIOptions{
		AgentID:       agent.Normalize(spec.EffectiveAgentID()),
		ModelString:   spec.ModelString,
		ThinkingLevel: spec.ThinkingLevel,
		Experiments:   spec.Experiments,
	}
}

// activeTaskCount computes the global running parallelism: tasks whose
// status is running or awaiting_report, excluding workspaces blocked in
// a foreground await, plus any task the gateway is still streaming
// regardless of stored status.
func (s *Service) activeTaskCount(idx *index.Index) int {
	count := 0
	for _, id := range idx.Tasks() {
		entry, ok := idx.EntryOf(id)
		if !ok || !entry.IsTask() {
			continue
		}
		if s.inForegroundAwait(id) {
			continue
		}
		if s.gateway.IsStreaming(id) {
			count++
			continue
		}
		switch entry.AgentTask.Status {
		case workspace.StatusRunning, workspace.StatusAwaitingReport:
			count++
		}
	}
	return count
}

// rollbackCreate undoes a failed admission: the persisted entry, any
// partially materialized workspace, and the session directory are
// removed, and a metadata event announces the disappearance.
func (s *Service) rollbackCreate(ctx context.Context, taskID string) {
	ctx = context.WithoutCancel(ctx)

	cfg, err := s.store.LoadConfigOrDefault(ctx)
	if err == nil {
		if entry, ok := cfg.Workspace(taskID); ok && entry.WorkspacePath != "" {
			if err := s.runtime.Delete(ctx, entry.WorkspacePath); err != nil {
				s.logger.Warn("Failed to delete workspace during rollback",
					zap.String("task_id", taskID), zap.Error(err))
			}
		}
	}
	if err := s.store.RemoveWorkspace(ctx, taskID); err != nil {
		s.logger.Error("Failed to remove task entry during rollback",
			zap.String("task_id", taskID), zap.Error(err))
	}
	if err := os.RemoveAll(s.store.SessionDir(taskID)); err != nil {
		s.logger.Warn("Failed to remove session dir during rollback",
			zap.String("task_id", taskID), zap.Error(err))
	}
	if err := s.workspaces.EmitMetadata(ctx, taskID); err != nil {
		s.logger.Debug("Failed to emit metadata during rollback",
			zap.String("task_id", taskID), zap.Error(err))
	}
	s.clearTaskFlags(taskID)
}
