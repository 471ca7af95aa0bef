package busadapter

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agenttask/internal/common/logger"
	"github.com/kandev/agenttask/internal/events"
	"github.com/kandev/agenttask/internal/events/bus"
)

// GatewayAdapter talks to the AI gateway over the bus.
type GatewayAdapter struct {
	client
	logger *logger.Logger
}

// NewGatewayAdapter creates a gateway adapter.
func NewGatewayAdapter(eventBus bus.EventBus, timeout time.Duration, log *logger.Logger) *GatewayAdapter {
	return &GatewayAdapter{
		client: newClient(eventBus, "agenttask-engine", timeout),
		logger: log,
	}
}

// IsStreaming reports whether the gateway currently holds a stream for
// the workspace. Request failures read as "not streaming": the engine's
// checks are advisory and a dead gateway has no streams to protect.
func (a *GatewayAdapter) IsStreaming(workspaceID string) bool {
	var resp struct {
		Streaming bool `json:"streaming"`
	}
	err := a.request(context.Background(), events.GatewayIsStreaming, map[string]interface{}{
		"workspaceId": workspaceID,
	}, &resp)
	if err != nil {
		a.logger.Debug("is_streaming request failed",
			zap.String("workspace_id", workspaceID), zap.Error(err))
		return false
	}
	return resp.Streaming
}

// StopStream aborts the workspace's live stream. abandonPartial drops the
// in-progress assistant message instead of persisting it.
func (a *GatewayAdapter) StopStream(ctx context.Context, workspaceID string, abandonPartial bool) error {
	return a.request(ctx, events.GatewayStopStream, map[string]interface{}{
		"workspaceId":    workspaceID,
		"abandonPartial": abandonPartial,
	}, nil)
}

// CompleteText runs a one-shot prompt outside any workspace stream.
func (a *GatewayAdapter) CompleteText(ctx context.Context, model, system, prompt string) (string, error) {
	var resp struct {
		Text string `json:"text"`
	}
	err := a.request(ctx, events.GatewayCompleteText, map[string]interface{}{
		"model":  model,
		"system": system,
		"prompt": prompt,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}
