package workspace

import (
	"fmt"
	"strings"
)

// AIOptions selects the agent and model for a message sent into a
// workspace stream.
type AIOptions struct {
	AgentID       string   `json:"agentId,omitempty"`
	ModelString   string   `json:"modelString,omitempty"`
	ThinkingLevel string   `json:"thinkingLevel,omitempty"`
	Experiments   []string `json:"experiments,omitempty"`

	// ToolPolicy optionally constrains the turn to specific tools, used
	// for one-shot completion-tool reminders.
	ToolPolicy *ToolPolicy `json:"toolPolicy,omitempty"`
}

// Tool policy modes.
const (
	ToolPolicyForce = "force"
)

// ToolPolicy constrains which tools the agent may call in a turn.
type ToolPolicy struct {
	Mode  string   `json:"mode"`
	Tools []string `json:"tools"`
}

// ForceTool builds a policy requiring the agent to call the named tool.
func ForceTool(name string) *ToolPolicy {
	return &ToolPolicy{Mode: ToolPolicyForce, Tools: []string{name}}
}

// SendOptions control how a message enters a workspace.
type SendOptions struct {
	// Synthetic marks engine-generated messages; they never clear the
	// hard-interrupt flag or reset auto-resume counters on their own.
	Synthetic bool `json:"synthetic,omitempty"`

	// SkipAutoResumeReset keeps the consecutive auto-resume counter
	// intact; set on the auto-resume prompts themselves.
	SkipAutoResumeReset bool `json:"skipAutoResumeReset,omitempty"`

	// RequireIdle fails the send instead of queueing when the workspace
	// is currently streaming.
	RequireIdle bool `json:"requireIdle,omitempty"`

	// AllowQueuedAgentTask permits sending into a workspace whose task
	// entry is still queued (initial prompt delivery during drain).
	AllowQueuedAgentTask bool `json:"allowQueuedAgentTask,omitempty"`
}

// ParseModelString splits "provider/model" and validates both halves.
func ParseModelString(s string) (provider, model string, err error) {
	idx := strings.Index(s, "/")
	if idx <= 0 || idx == len(s)-1 {
		return "", "", fmt.Errorf("invalid model string %q: want provider/model", s)
	}
	return s[:idx], s[idx+1:], nil
}

// ValidateModelString checks the provider/model format, allowing empty
// (meaning "use defaults").
func ValidateModelString(s string) error {
	if s == "" {
		return nil
	}
	_, _, err := ParseModelString(s)
	return err
}
