// Package busadapter implements the engine's collaborator contracts over
// event-bus request/reply: the workspace service, the AI gateway, and
// the runtime provider each live behind a request subject, so the engine
// runs unchanged whether its collaborators share the process (memory
// bus) or not (NATS).
package busadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kandev/agenttask/internal/events/bus"
)

const defaultRequestTimeout = 30 * time.Second

// client is the shared request/reply plumbing of the adapters.
type client struct {
	bus     bus.EventBus
	source  string
	timeout time.Duration
}

func newClient(eventBus bus.EventBus, source string, timeout time.Duration) client {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return client{bus: eventBus, source: source, timeout: timeout}
}

// request round-trips a request event and decodes the response data into
// out (skipped when out is nil). A response carrying an "error" field
// becomes a Go error.
func (c client) request(ctx context.Context, subject string, data map[string]interface{}, out interface{}) error {
	ev := bus.NewEvent(subject, c.source, data)
	resp, err := c.bus.Request(ctx, subject, ev, c.timeout)
	if err != nil {
		return fmt.Errorf("request %s failed: %w", subject, err)
	}
	if resp.Data != nil {
		if msg, ok := resp.Data["error"].(string); ok && msg != "" {
			return fmt.Errorf("request %s rejected: %s", subject, msg)
		}
	}
	if out == nil {
		return nil
	}
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return fmt.Errorf("failed to encode %s response: %w", subject, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", subject, err)
	}
	return nil
}

// encode flattens a struct into the event data map via a JSON round-trip
// so responders see the same lowerCamel fields the structs declare.
func encode(v interface{}) map[string]interface{} {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]interface{}{}
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return map[string]interface{}{}
	}
	return data
}
