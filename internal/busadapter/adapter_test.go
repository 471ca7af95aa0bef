package busadapter

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agenttask/internal/agenttask"
	"github.com/kandev/agenttask/internal/common/logger"
	"github.com/kandev/agenttask/internal/events"
	"github.com/kandev/agenttask/internal/events/bus"
	"github.com/kandev/agenttask/internal/workspace"
)

func testBus(t *testing.T) *bus.MemoryEventBus {
	t.Helper()
	log, err := logger.New(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	b := bus.NewMemoryEventBus(log)
	t.Cleanup(b.Close)
	return b
}

// respond registers a request handler on the bus that replies with data.
func respond(t *testing.T, b *bus.MemoryEventBus, subject string, handle func(ev *bus.Event) map[string]interface{}) {
	t.Helper()
	_, err := b.Subscribe(subject, func(ctx context.Context, ev *bus.Event) error {
		reply := ev.ReplySubject()
		if reply == "" {
			return errors.New("not a request")
		}
		return b.Publish(ctx, reply, bus.NewEvent(subject+".reply", "test-responder", handle(ev)))
	})
	require.NoError(t, err)
}

func TestWorkspaceAdapterSendMessage(t *testing.T) {
	b := testBus(t)

	var got *bus.Event
	respond(t, b, events.WorkspaceSendMessage, func(ev *bus.Event) map[string]interface{} {
		got = ev
		return map[string]interface{}{}
	})

	a := NewWorkspaceAdapter(b, time.Second)
	err := a.SendMessage(context.Background(), "ws-1", "hello", workspace.AIOptions{AgentID: "exec"}, workspace.SendOptions{Synthetic: true})
	require.NoError(t, err)

	require.NotNil(t, got)
	assert.Equal(t, "ws-1", got.Data["workspaceId"])
	assert.Equal(t, "hello", got.Data["text"])
	ai, ok := got.Data["ai"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "exec", ai["agentId"])
	opts, ok := got.Data["options"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, opts["synthetic"])
}

func TestWorkspaceAdapterErrorResponse(t *testing.T) {
	b := testBus(t)
	respond(t, b, events.WorkspaceRemove, func(ev *bus.Event) map[string]interface{} {
		return map[string]interface{}{"error": "workspace is busy"}
	})

	a := NewWorkspaceAdapter(b, time.Second)
	err := a.Remove(context.Background(), "ws-1", true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workspace is busy")
}

func TestWorkspaceAdapterUpdateAgentStatus(t *testing.T) {
	b := testBus(t)

	var got *bus.Event
	respond(t, b, events.WorkspaceUpdateAgentStatus, func(ev *bus.Event) map[string]interface{} {
		got = ev
		return map[string]interface{}{}
	})

	a := NewWorkspaceAdapter(b, time.Second)
	status := "Routing plan"
	require.NoError(t, a.UpdateAgentStatus(context.Background(), "ws-1", &status))
	assert.Equal(t, "Routing plan", got.Data["status"])

	require.NoError(t, a.UpdateAgentStatus(context.Background(), "ws-1", nil))
	_, present := got.Data["status"]
	assert.False(t, present, "nil status should omit the field")
}

func TestGatewayAdapterIsStreaming(t *testing.T) {
	b := testBus(t)
	log, err := logger.New(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	respond(t, b, events.GatewayIsStreaming, func(ev *bus.Event) map[string]interface{} {
		return map[string]interface{}{"streaming": ev.Data["workspaceId"] == "live"}
	})

	a := NewGatewayAdapter(b, time.Second, log)
	assert.True(t, a.IsStreaming("live"))
	assert.False(t, a.IsStreaming("idle"))
}

func TestGatewayAdapterIsStreamingTimeoutReadsFalse(t *testing.T) {
	b := testBus(t)
	log, err := logger.New(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	// No responder registered.
	a := NewGatewayAdapter(b, 50*time.Millisecond, log)
	assert.False(t, a.IsStreaming("ws-1"))
}

func TestGatewayAdapterCompleteText(t *testing.T) {
	b := testBus(t)
	log, err := logger.New(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	respond(t, b, events.GatewayCompleteText, func(ev *bus.Event) map[string]interface{} {
		return map[string]interface{}{"text": "orchestrator"}
	})

	a := NewGatewayAdapter(b, time.Second, log)
	text, err := a.CompleteText(context.Background(), "m", "sys", "plan")
	require.NoError(t, err)
	assert.Equal(t, "orchestrator", text)
}

func TestRuntimeAdapterFork(t *testing.T) {
	b := testBus(t)
	respond(t, b, events.RuntimeFork, func(ev *bus.Event) map[string]interface{} {
		return map[string]interface{}{
			"path":          "/tmp/ws/child",
			"trunkBranch":   "main",
			"baseCommitSha": "abc123",
		}
	})

	a := NewRuntimeAdapter(b, time.Second)
	rt, err := a.Fork(context.Background(), agenttask.ForkRequest{
		ProjectPath: "/tmp/proj",
		ParentPath:  "/tmp/ws/parent",
		Name:        "exec-child",
	})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/ws/child", rt.Path)
	assert.Equal(t, "main", rt.TrunkBranch)
	assert.Equal(t, "abc123", rt.BaseCommitSHA)
}

func TestRuntimeAdapterForkMissingPath(t *testing.T) {
	b := testBus(t)
	respond(t, b, events.RuntimeFork, func(ev *bus.Event) map[string]interface{} {
		return map[string]interface{}{"trunkBranch": "main"}
	})

	a := NewRuntimeAdapter(b, time.Second)
	_, err := a.Fork(context.Background(), agenttask.ForkRequest{Name: "x"})
	require.Error(t, err)
}

func TestRuntimeAdapterFormatPatch(t *testing.T) {
	b := testBus(t)
	mbox := []byte("From abc123 Mon Sep 17 00:00:00 2001\nSubject: [PATCH] change\n")
	respond(t, b, events.RuntimeFormatPatch, func(ev *bus.Event) map[string]interface{} {
		return map[string]interface{}{"mbox": base64.StdEncoding.EncodeToString(mbox)}
	})

	a := NewRuntimeAdapter(b, time.Second)
	got, err := a.FormatPatch(context.Background(), "/tmp/ws/child", "main", "abc123")
	require.NoError(t, err)
	assert.Equal(t, mbox, got)
}
