// Package workspace defines the persisted workspace model: roots owned
// by users and task workspaces spawned by agents. Task workspaces carry
// an AgentTaskSpec; everything else about the two kinds is identical.
package workspace

import "time"

// Status is the lifecycle state of an agent task.
type Status string

const (
	StatusQueued         Status = "queued"
	StatusRunning        Status = "running"
	StatusAwaitingReport Status = "awaiting_report"
	StatusReported       Status = "reported"
	StatusInterrupted    Status = "interrupted"
)

// Active reports whether the status counts toward a workspace's active
// descendant set. Reported and interrupted tasks are settled.
func (s Status) Active() bool {
	return s == StatusQueued || s == StatusRunning || s == StatusAwaitingReport
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusAwaitingReport, StatusReported, StatusInterrupted:
		return true
	}
	return false
}

// Runtime config variants.
const (
	RuntimeWorktree = "worktree"
	RuntimeLocal    = "local"
)

// RuntimeConfig describes how the workspace filesystem is provided.
// Tagged variant: worktree workspaces carry branch fields, local ones a
// plain path.
type RuntimeConfig struct {
	Type string `json:"type"`

	// Worktree fields
	BranchName  string `json:"branchName,omitempty"`
	TrunkBranch string `json:"trunkBranch,omitempty"`

	// Local fields
	Path string `json:"path,omitempty"`
}

// AISettings are the workspace-level model preferences, used as the
// lowest-precedence defaults when the engine resolves an agent/model.
type AISettings struct {
	AgentID       string `json:"agentId,omitempty"`
	ModelString   string `json:"modelString,omitempty"`
	ThinkingLevel string `json:"thinkingLevel,omitempty"`
}

// AgentTaskSpec is the task-specific portion of a workspace entry. Its
// presence marks the workspace as a task; its fields drive scheduling,
// reporting, and cleanup.
type AgentTaskSpec struct {
	ParentWorkspaceID string `json:"parentWorkspaceId"`
	AgentID           string `json:"agentId"`
	// AgentType is a legacy alias of AgentID kept for persisted entries
	// written before the rename.
	AgentType     string   `json:"agentType,omitempty"`
	Title         string   `json:"title,omitempty"`
	CreatedAt     string   `json:"createdAt"` // ISO-8601 / RFC 3339
	Status        Status   `json:"taskStatus"`
	Prompt        string   `json:"taskPrompt,omitempty"` // non-empty iff queued
	TrunkBranch   string   `json:"taskTrunkBranch,omitempty"`
	BaseCommitSHA string   `json:"taskBaseCommitSha,omitempty"` // immutable once set
	ModelString   string   `json:"taskModelString,omitempty"`
	ThinkingLevel string   `json:"taskThinkingLevel,omitempty"`
	Experiments   []string `json:"taskExperiments,omitempty"`
	ReportedAt    string   `json:"reportedAt,omitempty"`
}

// EffectiveAgentID resolves the task's agent, tolerating legacy entries
// that only set agentType.
func (s *AgentTaskSpec) EffectiveAgentID() string {
	if s.AgentID != "" {
		return s.AgentID
	}
	return s.AgentType
}

// CreatedAtTime parses CreatedAt; zero time when unset or malformed.
func (s *AgentTaskSpec) CreatedAtTime() time.Time {
	if s.CreatedAt == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s.CreatedAt)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Workspace is one persisted workspace entry. The ID doubles as the
// taskId for task workspaces.
type Workspace struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	ProjectPath   string         `json:"projectPath,omitempty"`
	WorkspacePath string         `json:"workspacePath,omitempty"`
	Runtime       *RuntimeConfig `json:"runtime,omitempty"`
	AI            AISettings     `json:"ai,omitempty"`
	AgentTask     *AgentTaskSpec `json:"agentTaskSpec,omitempty"`
}

// IsTask reports whether the workspace is an agent task.
func (w *Workspace) IsTask() bool {
	return w != nil && w.AgentTask != nil
}

// ParentID returns the parent workspace id for tasks, "" for roots.
func (w *Workspace) ParentID() string {
	if !w.IsTask() {
		return ""
	}
	return w.AgentTask.ParentWorkspaceID
}

// Clone returns a deep copy of the workspace entry.
func (w *Workspace) Clone() *Workspace {
	if w == nil {
		return nil
	}
	out := *w
	if w.Runtime != nil {
		rt := *w.Runtime
		out.Runtime = &rt
	}
	if w.AgentTask != nil {
		spec := *w.AgentTask
		if w.AgentTask.Experiments != nil {
			spec.Experiments = append([]string(nil), w.AgentTask.Experiments...)
		}
		out.AgentTask = &spec
	}
	return &out
}
