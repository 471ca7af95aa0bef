// Package watcher subscribes the engine to the bus subjects it consumes
// (gateway stream-end, workspace user messages) and dispatches decoded
// payloads to typed handler callbacks.
package watcher

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/agenttask/internal/common/logger"
	"github.com/kandev/agenttask/internal/events"
	"github.com/kandev/agenttask/internal/events/bus"
	"github.com/kandev/agenttask/internal/message"
)

// StreamEndMetadata carries the gateway's annotations on a stream-end
// event.
type StreamEndMetadata struct {
	AgentID   string `json:"agentId,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// StreamEndData is the payload of a gateway.stream_end event.
type StreamEndData struct {
	WorkspaceID string            `json:"workspaceId"`
	Parts       []message.Part    `json:"parts"`
	Metadata    StreamEndMetadata `json:"metadata"`
}

// UserMessageData is the payload of a workspace.user_message event.
type UserMessageData struct {
	WorkspaceID string `json:"workspaceId"`
	Synthetic   bool   `json:"synthetic,omitempty"`
}

// EventHandlers contains the callbacks the watcher dispatches to.
type EventHandlers struct {
	OnStreamEnd   func(ctx context.Context, data StreamEndData)
	OnUserMessage func(ctx context.Context, data UserMessageData)
}

// Watcher owns the engine's bus subscriptions.
type Watcher struct {
	bus      bus.EventBus
	logger   *logger.Logger
	handlers EventHandlers

	mu   sync.Mutex
	subs []bus.Subscription
}

// New creates a watcher bound to the given handlers.
func New(eventBus bus.EventBus, handlers EventHandlers, log *logger.Logger) *Watcher {
	return &Watcher{
		bus:      eventBus,
		logger:   log,
		handlers: handlers,
	}
}

// Start subscribes to all subjects the engine consumes.
func (w *Watcher) Start() error {
	if err := w.subscribeStreamEnd(); err != nil {
		return err
	}
	return w.subscribeUserMessages()
}

// Stop unsubscribes everything.
func (w *Watcher) Stop() {
	w.mu.Lock()
	subs := w.subs
	w.subs = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Warn("Failed to unsubscribe", zap.Error(err))
		}
	}
}

func (w *Watcher) subscribeStreamEnd() error {
	sub, err := w.bus.Subscribe(events.BuildStreamEndWildcardSubject(), func(ctx context.Context, ev *bus.Event) error {
		var data StreamEndData
		if err := parseEventData(ev, &data); err != nil {
			w.logger.Warn("Failed to parse stream-end event", zap.Error(err))
			return nil
		}
		if data.WorkspaceID == "" {
			w.logger.Warn("Dropping stream-end event without workspaceId")
			return nil
		}
		if w.handlers.OnStreamEnd != nil {
			w.handlers.OnStreamEnd(ctx, data)
		}
		return nil
	})
	if err != nil {
		return err
	}
	w.track(sub)
	return nil
}

func (w *Watcher) subscribeUserMessages() error {
	sub, err := w.bus.Subscribe(events.BuildUserMessageWildcardSubject(), func(ctx context.Context, ev *bus.Event) error {
		var data UserMessageData
		if err := parseEventData(ev, &data); err != nil {
			w.logger.Warn("Failed to parse user-message event", zap.Error(err))
			return nil
		}
		if data.WorkspaceID == "" {
			return nil
		}
		if w.handlers.OnUserMessage != nil {
			w.handlers.OnUserMessage(ctx, data)
		}
		return nil
	})
	if err != nil {
		return err
	}
	w.track(sub)
	return nil
}

func (w *Watcher) track(sub bus.Subscription) {
	w.mu.Lock()
	w.subs = append(w.subs, sub)
	w.mu.Unlock()
}

// parseEventData converts the event's generic data map into a typed
// struct via a JSON round-trip.
func parseEventData(ev *bus.Event, out interface{}) error {
	raw, err := json.Marshal(ev.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
