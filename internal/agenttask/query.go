package agenttask

import (
	"context"
	"fmt"
	"sort"

	"github.com/kandev/agenttask/internal/agenttask/index"
	"github.com/kandev/agenttask/internal/artifacts"
	"github.com/kandev/agenttask/internal/workspace"
)

// Get returns the current state of one agent task.
func (s *Service) Get(ctx context.Context, taskID string) (*DescendantTask, error) {
	cfg, err := s.store.LoadConfigOrDefault(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load workspace config: %w", err)
	}
	idx := index.Build(cfg)

	entry, ok := idx.EntryOf(taskID)
	if !ok || !entry.IsTask() {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	depth, err := idx.DepthOf(taskID)
	if err != nil {
		return nil, err
	}
	row := taskRow(entry, depth)
	return &row, nil
}

// GetAgentTaskStatus returns a task's current status. found is false when
// the task is unknown or already cleaned up.
func (s *Service) GetAgentTaskStatus(ctx context.Context, taskID string) (workspace.Status, bool, error) {
	cfg, err := s.store.LoadConfigOrDefault(ctx)
	if err != nil {
		return "", false, fmt.Errorf("failed to load workspace config: %w", err)
	}
	entry, ok := cfg.Workspace(taskID)
	if !ok || !entry.IsTask() {
		return "", false, nil
	}
	return entry.AgentTask.Status, true, nil
}

// IsDescendantAgentTask reports whether a task sits below an ancestor
// workspace. Tasks already cleaned up are resolved through the report
// artifacts persisted into the ancestor's session.
func (s *Service) IsDescendantAgentTask(ctx context.Context, ancestorWorkspaceID, taskID string) (bool, error) {
	cfg, err := s.store.LoadConfigOrDefault(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to load workspace config: %w", err)
	}
	idx := index.Build(cfg)

	if entry, ok := idx.EntryOf(taskID); ok {
		if !entry.IsTask() {
			return false, nil
		}
		return idx.IsDescendant(ancestorWorkspaceID, taskID)
	}

	_, found, err := s.artifacts.Report(ancestorWorkspaceID, taskID)
	if err != nil {
		return false, err
	}
	return found, nil
}

// ListDescendantAgentTasks returns every task below a workspace, with
// depth relative to that workspace, ordered oldest first. Statuses, when
// given, filter the result.
func (s *Service) ListDescendantAgentTasks(ctx context.Context, workspaceID string, statuses ...workspace.Status) ([]DescendantTask, error) {
	cfg, err := s.store.LoadConfigOrDefault(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load workspace config: %w", err)
	}
	idx := index.Build(cfg)

	if _, ok := idx.EntryOf(workspaceID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrParentNotFound, workspaceID)
	}
	baseDepth, err := idx.DepthOf(workspaceID)
	if err != nil {
		return nil, err
	}

	wanted := make(map[workspace.Status]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}

	var rows []DescendantTask
	for _, id := range idx.DescendantsOf(workspaceID) {
		entry, ok := idx.EntryOf(id)
		if !ok || !entry.IsTask() {
			continue
		}
		if len(wanted) > 0 && !wanted[entry.AgentTask.Status] {
			continue
		}
		depth, err := idx.DepthOf(id)
		if err != nil {
			return nil, err
		}
		rows = append(rows, taskRow(entry, depth-baseDepth))
	}

	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}
		return a.TaskID < b.TaskID
	})
	return rows, nil
}

// ListReports returns the report artifacts recorded for a workspace,
// including those of descendants that were already cleaned up.
func (s *Service) ListReports(ctx context.Context, workspaceID string) (map[string]artifacts.Report, error) {
	return s.artifacts.Reports(workspaceID)
}

func taskRow(entry *workspace.Workspace, depth int) DescendantTask {
	spec := entry.AgentTask
	return DescendantTask{
		TaskID:            entry.ID,
		Status:            spec.Status,
		ParentWorkspaceID: spec.ParentWorkspaceID,
		AgentType:         spec.EffectiveAgentID(),
		WorkspaceName:     entry.Name,
		Title:             spec.Title,
		CreatedAt:         spec.CreatedAt,
		ModelString:       spec.ModelString,
		ThinkingLevel:     spec.ThinkingLevel,
		Depth:             depth,
	}
}
