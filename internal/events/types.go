// Package events defines the bus subjects and event types used by the
// agent task engine and its collaborators.
package events

// Event types published by the engine for agent tasks
const (
	AgentTaskCreated      = "agenttask.created"
	AgentTaskStateChanged = "agenttask.state_changed"
	AgentTaskTerminated   = "agenttask.terminated"
	AgentTaskReported     = "agenttask.reported"
)

// Event types published by the workspace service
const (
	WorkspaceUserMessage     = "workspace.user_message"     // A user message was appended to a workspace history
	WorkspaceMetadataUpdated = "workspace.metadata_updated" // Workspace metadata changed (report delivered, state patched)
	WorkspaceToolCallEnd     = "workspace.tool_call_end"    // A tool call in a workspace stream completed
)

// Event types published by the AI gateway
const (
	GatewayStreamEnd = "gateway.stream_end" // An assistant stream finished, successfully or not
)

// Request subjects served by the workspace service
const (
	WorkspaceSendMessage       = "workspace.send_message"
	WorkspaceResumeStream      = "workspace.resume_stream"
	WorkspaceRemove            = "workspace.remove"
	WorkspaceGetInfo           = "workspace.get_info"
	WorkspaceUpdateAgentStatus = "workspace.update_agent_status"
	WorkspaceReplaceHistory    = "workspace.replace_history"
	WorkspaceEmitMetadata      = "workspace.emit_metadata"
)

// Request subjects served by the AI gateway
const (
	GatewayIsStreaming  = "gateway.is_streaming"
	GatewayStopStream   = "gateway.stop_stream"
	GatewayCompleteText = "gateway.complete_text"
)

// Request subjects served by the runtime provider
const (
	RuntimeFork        = "runtime.fork"
	RuntimeCreate      = "runtime.create"
	RuntimeDelete      = "runtime.delete"
	RuntimeInit        = "runtime.init"
	RuntimeFormatPatch = "runtime.format_patch"
)

// BuildStreamEndSubject creates a stream-end subject for a specific workspace
func BuildStreamEndSubject(workspaceID string) string {
	return GatewayStreamEnd + "." + workspaceID
}

// BuildStreamEndWildcardSubject creates a wildcard subscription for all stream-end events
func BuildStreamEndWildcardSubject() string {
	return GatewayStreamEnd + ".*"
}

// BuildUserMessageSubject creates a user-message subject for a specific workspace
func BuildUserMessageSubject(workspaceID string) string {
	return WorkspaceUserMessage + "." + workspaceID
}

// BuildUserMessageWildcardSubject creates a wildcard subscription for all user-message events
func BuildUserMessageWildcardSubject() string {
	return WorkspaceUserMessage + ".*"
}

// BuildToolCallEndSubject creates a tool-call-end subject for a specific workspace
func BuildToolCallEndSubject(workspaceID string) string {
	return WorkspaceToolCallEnd + "." + workspaceID
}

// BuildToolCallEndWildcardSubject creates a wildcard subscription for all tool-call-end events
func BuildToolCallEndWildcardSubject() string {
	return WorkspaceToolCallEnd + ".*"
}

// BuildMetadataUpdatedSubject creates a metadata-updated subject for a specific workspace
func BuildMetadataUpdatedSubject(workspaceID string) string {
	return WorkspaceMetadataUpdated + "." + workspaceID
}

// BuildAgentTaskSubject creates an engine event subject for a specific task
func BuildAgentTaskSubject(eventType, taskID string) string {
	return eventType + "." + taskID
}

// BuildAgentTaskWildcardSubject creates a wildcard subscription for an engine event type
func BuildAgentTaskWildcardSubject(eventType string) string {
	return eventType + ".*"
}
