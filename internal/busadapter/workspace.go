package busadapter

import (
	"context"
	"time"

	"github.com/kandev/agenttask/internal/events"
	"github.com/kandev/agenttask/internal/events/bus"
	"github.com/kandev/agenttask/internal/message"
	"github.com/kandev/agenttask/internal/workspace"
)

// WorkspaceAdapter talks to the workspace service over the bus.
type WorkspaceAdapter struct {
	client
}

// NewWorkspaceAdapter creates a workspace adapter. A non-positive timeout
// falls back to the default request timeout.
func NewWorkspaceAdapter(eventBus bus.EventBus, timeout time.Duration) *WorkspaceAdapter {
	return &WorkspaceAdapter{client: newClient(eventBus, "agenttask-engine", timeout)}
}

// sendMessageRequest is the wire shape of workspace.send_message.
type sendMessageRequest struct {
	WorkspaceID string                `json:"workspaceId"`
	Text        string                `json:"text"`
	AI          workspace.AIOptions   `json:"ai"`
	Options     workspace.SendOptions `json:"options"`
}

// SendMessage delivers a message into a workspace stream.
func (a *WorkspaceAdapter) SendMessage(ctx context.Context, workspaceID, text string, ai workspace.AIOptions, opts workspace.SendOptions) error {
	return a.request(ctx, events.WorkspaceSendMessage, encode(sendMessageRequest{
		WorkspaceID: workspaceID,
		Text:        text,
		AI:          ai,
		Options:     opts,
	}), nil)
}

// ResumeStream restarts a workspace's stream from its persisted history.
func (a *WorkspaceAdapter) ResumeStream(ctx context.Context, workspaceID string, ai workspace.AIOptions) error {
	return a.request(ctx, events.WorkspaceResumeStream, map[string]interface{}{
		"workspaceId": workspaceID,
		"ai":          encode(ai),
	}, nil)
}

// Remove tears down a workspace's runtime tree and session files.
func (a *WorkspaceAdapter) Remove(ctx context.Context, workspaceID string, force bool) error {
	return a.request(ctx, events.WorkspaceRemove, map[string]interface{}{
		"workspaceId": workspaceID,
		"force":       force,
	}, nil)
}

// EmitMetadata asks the workspace service to fan out fresh metadata.
func (a *WorkspaceAdapter) EmitMetadata(ctx context.Context, workspaceID string) error {
	return a.request(ctx, events.WorkspaceEmitMetadata, map[string]interface{}{
		"workspaceId": workspaceID,
	}, nil)
}

// UpdateAgentStatus sets or clears (nil) the transient agent status line.
func (a *WorkspaceAdapter) UpdateAgentStatus(ctx context.Context, workspaceID string, status *string) error {
	data := map[string]interface{}{
		"workspaceId": workspaceID,
	}
	if status != nil {
		data["status"] = *status
	}
	return a.request(ctx, events.WorkspaceUpdateAgentStatus, data, nil)
}

// ReplaceHistory swaps a workspace's chat history for a single summary
// message.
func (a *WorkspaceAdapter) ReplaceHistory(ctx context.Context, workspaceID string, summary *message.Message, mode string) error {
	return a.request(ctx, events.WorkspaceReplaceHistory, map[string]interface{}{
		"workspaceId": workspaceID,
		"summary":     encode(summary),
		"mode":        mode,
	}, nil)
}
