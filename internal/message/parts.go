package message

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Part types appearing in message parts[].
const (
	PartTypeText        = "text"
	PartTypeDynamicTool = "dynamic-tool"

	// toolPartPrefix is the prefix of statically typed tool parts
	// ("tool-agent_report"). Dynamic tool parts carry the tool name in
	// the toolName field instead.
	toolPartPrefix = "tool-"
)

// Tool names recognized by the engine.
const (
	ToolAgentReport     = "agent_report"
	ToolProposePlan     = "propose_plan"
	ToolTask            = "task"
	ToolTaskAwait       = "task_await"
	ToolAskUserQuestion = "ask_user_question"
)

// Tool part states.
const (
	StateInputAvailable  = "input-available"
	StateOutputAvailable = "output-available"
)

// Part is a single entry of a message's parts[]. Tool parts carry
// input/output as raw JSON; the engine inspects only the tools it owns.
type Part struct {
	Type       string          `json:"type"`
	Text       string          `json:"text,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	State      string          `json:"state,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
}

// AgentReportInput is the input schema of the agent_report tool.
type AgentReportInput struct {
	ReportMarkdown string `json:"reportMarkdown"`
	Title          string `json:"title,omitempty"`
}

// ProposePlanOutput is the output schema of a successful propose_plan call.
type ProposePlanOutput struct {
	PlanPath string `json:"planPath"`
}

// TaskToolInput is the input schema of the task tool as recorded in the
// parent's stream.
type TaskToolInput struct {
	TaskID    string `json:"taskId,omitempty"`
	AgentType string `json:"agentType,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
	Title     string `json:"title,omitempty"`
}

// TaskToolOutput is written into the parent's pending task tool part
// when a child report is delivered in place.
type TaskToolOutput struct {
	Success        bool   `json:"success"`
	TaskID         string `json:"taskId,omitempty"`
	ReportMarkdown string `json:"reportMarkdown,omitempty"`
	Title          string `json:"title,omitempty"`
}

// toolOutcome is the minimal shape shared by tool outputs.
type toolOutcome struct {
	Success bool `json:"success"`
}

// EffectiveToolName resolves the tool name of the part, covering both
// dynamic-tool parts and typed "tool-<name>" parts. Empty for non-tool
// parts.
func (p *Part) EffectiveToolName() string {
	if p.ToolName != "" {
		return p.ToolName
	}
	if strings.HasPrefix(p.Type, toolPartPrefix) {
		return strings.TrimPrefix(p.Type, toolPartPrefix)
	}
	return ""
}

// IsTool reports whether the part is an invocation of the named tool.
func (p *Part) IsTool(name string) bool {
	return p.EffectiveToolName() == name
}

// OutputSuccess reports whether the part's output carries success=true.
func (p *Part) OutputSuccess() bool {
	if len(p.Output) == 0 {
		return false
	}
	var out toolOutcome
	if err := json.Unmarshal(p.Output, &out); err != nil {
		return false
	}
	return out.Success
}

// IsCompletedTool reports whether the part is a finished, successful
// invocation of the named tool.
func (p *Part) IsCompletedTool(name string) bool {
	return p.IsTool(name) && p.State == StateOutputAvailable && p.OutputSuccess()
}

// FindCompletedTool scans parts newest-first for a finished, successful
// invocation of the named tool. Returns nil when absent.
func FindCompletedTool(parts []Part, name string) *Part {
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i].IsCompletedTool(name) {
			return &parts[i]
		}
	}
	return nil
}

// FindPendingTool scans parts newest-first for an invocation of the
// named tool still in input-available state.
func FindPendingTool(parts []Part, name string) *Part {
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i].IsTool(name) && parts[i].State == StateInputAvailable {
			return &parts[i]
		}
	}
	return nil
}

// ParseAgentReport validates and decodes the input of an agent_report
// part found by FindCompletedTool.
func ParseAgentReport(p *Part) (*AgentReportInput, error) {
	if p == nil {
		return nil, fmt.Errorf("nil agent_report part")
	}
	var input AgentReportInput
	if err := json.Unmarshal(p.Input, &input); err != nil {
		return nil, fmt.Errorf("invalid agent_report input: %w", err)
	}
	if strings.TrimSpace(input.ReportMarkdown) == "" {
		return nil, fmt.Errorf("agent_report requires a non-empty reportMarkdown")
	}
	return &input, nil
}

// ParseProposePlan decodes the output of a propose_plan part.
func ParseProposePlan(p *Part) (*ProposePlanOutput, error) {
	if p == nil {
		return nil, fmt.Errorf("nil propose_plan part")
	}
	var out ProposePlanOutput
	if err := json.Unmarshal(p.Output, &out); err != nil {
		return nil, fmt.Errorf("invalid propose_plan output: %w", err)
	}
	if strings.TrimSpace(out.PlanPath) == "" {
		return nil, fmt.Errorf("propose_plan output missing planPath")
	}
	return &out, nil
}

// ParseTaskInput decodes the input of a task tool part. Malformed input
// yields a zero value rather than an error: matching falls back to
// positional rules.
func ParseTaskInput(p *Part) TaskToolInput {
	var input TaskToolInput
	if p != nil && len(p.Input) > 0 {
		_ = json.Unmarshal(p.Input, &input)
	}
	return input
}

// MarshalToolInput encodes a tool input value as raw JSON for embedding
// in a Part.
func MarshalToolInput(v interface{}) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
