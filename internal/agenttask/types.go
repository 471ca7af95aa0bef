package agenttask

import (
	"context"
	"time"

	"github.com/kandev/agenttask/internal/message"
	"github.com/kandev/agenttask/internal/workspace"
)

// Config holds the engine's scheduling and lifecycle settings.
type Config struct {
	// MaxParallelAgentTasks caps globally running agent tasks. Tasks in a
	// foreground await are excluded from the count.
	MaxParallelAgentTasks int

	// MaxTaskNestingDepth caps parent/child nesting; hard ceiling 32.
	MaxTaskNestingDepth int

	// ReportWaitTimeout is the default WaitForAgentReport timeout,
	// measured from the moment the task starts running.
	ReportWaitTimeout time.Duration

	// ReportCacheSize bounds the in-memory completed-report cache.
	ReportCacheSize int

	// AutoResumeLimit caps consecutive synthetic auto-resumes per
	// workspace before flood protection kicks in.
	AutoResumeLimit int

	// PlanHandoffRouting selects the agent a completed plan is handed to:
	// "exec", "orchestrator", or "auto" (classifier decides).
	PlanHandoffRouting string

	// ClassifierModel is the model used for "auto" plan routing. Empty
	// falls back to DefaultModelString.
	ClassifierModel string

	// DefaultModelString is used when neither the request, the agent
	// definition, nor the parent workspace provides a model.
	DefaultModelString string
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxParallelAgentTasks: 3,
		MaxTaskNestingDepth:   32,
		ReportWaitTimeout:     10 * time.Minute,
		ReportCacheSize:       128,
		AutoResumeLimit:       3,
		PlanHandoffRouting:    "auto",
	}
}

// ConfigStore is the durable workspace table the engine schedules over.
type ConfigStore interface {
	LoadConfigOrDefault(ctx context.Context) (*workspace.Config, error)
	EditConfig(ctx context.Context, mutate func(cfg *workspace.Config) error) (*workspace.Config, error)
	GenerateStableID() string
	SessionDir(workspaceID string) string
	RemoveWorkspace(ctx context.Context, id string) error
}

// WorkspaceService is the host's workspace surface: message delivery into
// streams, workspace teardown, and metadata fan-out.
type WorkspaceService interface {
	SendMessage(ctx context.Context, workspaceID, text string, ai workspace.AIOptions, opts workspace.SendOptions) error
	ResumeStream(ctx context.Context, workspaceID string, ai workspace.AIOptions) error
	Remove(ctx context.Context, workspaceID string, force bool) error
	EmitMetadata(ctx context.Context, workspaceID string) error
	UpdateAgentStatus(ctx context.Context, workspaceID string, status *string) error
	ReplaceHistory(ctx context.Context, workspaceID string, summary *message.Message, mode string) error
}

// Gateway is the AI model gateway the engine queries about live streams.
// Stream-end events themselves arrive on the event bus.
type Gateway interface {
	IsStreaming(workspaceID string) bool
	StopStream(ctx context.Context, workspaceID string, abandonPartial bool) error

	// CompleteText runs a one-shot prompt, used by "auto" plan routing.
	CompleteText(ctx context.Context, model, system, prompt string) (string, error)
}

// HistoryStore reads and writes per-workspace chat logs.
type HistoryStore interface {
	GetLastMessages(workspaceID string, n int) ([]*message.Message, error)
	ReadPartial(workspaceID string) (*message.Message, error)
	WritePartial(workspaceID string, msg *message.Message) error
	AppendToHistory(workspaceID string, msgs ...*message.Message) error
	ChatPath(workspaceID string) string
	PartialPath(workspaceID string) string
}

// ForkRequest asks the runtime provider to fork a parent workspace's
// source tree for a new child.
type ForkRequest struct {
	ProjectPath string
	ParentPath  string
	Name        string
	TrunkBranch string
}

// CreateWorkspaceRequest asks for a fresh (non-forked) workspace tree.
type CreateWorkspaceRequest struct {
	ProjectPath string
	Name        string
}

// RuntimeWorkspace describes a materialized workspace filesystem.
type RuntimeWorkspace struct {
	Path          string
	TrunkBranch   string
	BaseCommitSHA string
}

// RuntimeProvider creates, forks, and deletes workspace filesystems and
// produces git-format patches from them.
type RuntimeProvider interface {
	Fork(ctx context.Context, req ForkRequest) (*RuntimeWorkspace, error)
	Create(ctx context.Context, req CreateWorkspaceRequest) (*RuntimeWorkspace, error)
	Delete(ctx context.Context, path string) error
	InitWorkspace(ctx context.Context, path string) error
	FormatPatch(ctx context.Context, path, trunkBranch, baseCommitSHA string) ([]byte, error)
}

// TaskKindAgent is the only task kind the engine spawns.
const TaskKindAgent = "agent"

// CreateRequest spawns a new agent task under a parent workspace.
type CreateRequest struct {
	ParentWorkspaceID string `json:"parentWorkspaceId"`
	AgentID           string `json:"agentId,omitempty"`
	// AgentType is a legacy alias accepted for callers predating the
	// agentId rename.
	AgentType     string   `json:"agentType,omitempty"`
	Prompt        string   `json:"prompt"`
	Title         string   `json:"title,omitempty"`
	ModelString   string   `json:"modelString,omitempty"`
	ThinkingLevel string   `json:"thinkingLevel,omitempty"`
	Experiments   []string `json:"experiments,omitempty"`
}

// CreateResult reports the spawned task and whether it was admitted
// immediately or queued for a free slot.
type CreateResult struct {
	TaskID string           `json:"taskId"`
	Kind   string           `json:"kind"`
	Status workspace.Status `json:"status"`
}

// WaitRequest blocks for a task's completion report.
type WaitRequest struct {
	TaskID string

	// Timeout overrides the configured default when positive. The timer
	// resets when a queued task starts, so queued time never counts.
	Timeout time.Duration

	// RequestingWorkspaceID marks the wait as a foreground await from a
	// running task, excluding that workspace from parallelism accounting
	// for the duration.
	RequestingWorkspaceID string
}

// Report is a task's completion report.
type Report struct {
	ReportMarkdown string `json:"reportMarkdown"`
	Title          string `json:"title,omitempty"`
}

// DescendantTask is one row of ListDescendantAgentTasks.
type DescendantTask struct {
	TaskID            string           `json:"taskId"`
	Status            workspace.Status `json:"status"`
	ParentWorkspaceID string           `json:"parentWorkspaceId"`
	AgentType         string           `json:"agentType"`
	WorkspaceName     string           `json:"workspaceName"`
	Title             string           `json:"title,omitempty"`
	CreatedAt         string           `json:"createdAt"`
	ModelString       string           `json:"modelString,omitempty"`
	ThinkingLevel     string           `json:"thinkingLevel,omitempty"`
	Depth             int              `json:"depth"`
}

// Stats is a snapshot of the engine's operation counters.
type Stats struct {
	Created          uint64 `json:"created"`
	QueuedAdmissions uint64 `json:"queuedAdmissions"`
	ReportsFinalized uint64 `json:"reportsFinalized"`
	FallbackReports  uint64 `json:"fallbackReports"`
	Terminations     uint64 `json:"terminations"`
	AutoResumes      uint64 `json:"autoResumes"`
}
