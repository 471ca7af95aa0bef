package agenttask

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agenttask/internal/workspace"
)

func TestCreateStartsImmediately(t *testing.T) {
	h := newHarness(t, Config{})
	h.putRoot(t, "root")

	res := h.create(t, "root", "exec", "Do the thing")
	assert.Equal(t, workspace.StatusRunning, res.Status)
	assert.Equal(t, TaskKindAgent, res.Kind)

	spec := h.spec(t, res.TaskID)
	require.NotNil(t, spec)
	assert.Equal(t, workspace.StatusRunning, spec.Status)
	assert.Empty(t, spec.Prompt, "prompt clears once delivered")
	assert.Equal(t, "base-sha", spec.BaseCommitSHA)
	assert.Equal(t, "main", spec.TrunkBranch)

	sent := h.ws.sentTo(res.TaskID)
	require.Len(t, sent, 1)
	assert.Equal(t, "Do the thing", sent[0].Text)
	assert.True(t, sent[0].Options.AllowQueuedAgentTask)
	assert.Equal(t, "exec", sent[0].AI.AgentID)

	// Root has a workspace, so the child forks rather than creating fresh.
	assert.Equal(t, 1, h.rt.forks)
	assert.Equal(t, 0, h.rt.creates)
}

func TestCreateQueuesAtCapacity(t *testing.T) {
	h := newHarness(t, Config{MaxParallelAgentTasks: 1})
	h.putRoot(t, "root")

	first := h.create(t, "root", "exec", "First")
	require.Equal(t, workspace.StatusRunning, first.Status)

	second := h.create(t, "root", "exec", "Second")
	assert.Equal(t, workspace.StatusQueued, second.Status)

	spec := h.spec(t, second.TaskID)
	require.NotNil(t, spec)
	assert.Equal(t, workspace.StatusQueued, spec.Status)
	assert.Equal(t, "Second", spec.Prompt, "queued tasks keep their prompt")
	assert.Empty(t, h.ws.sentTo(second.TaskID))

	stats := h.svc.Stats()
	assert.Equal(t, uint64(2), stats.Created)
	assert.Equal(t, uint64(1), stats.QueuedAdmissions)
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t, Config{})
	h.putRoot(t, "root")
	ctx := context.Background()

	cases := []struct {
		name    string
		req     CreateRequest
		wantErr error
	}{
		{"missing parent id", CreateRequest{AgentID: "exec", Prompt: "x"}, ErrParentNotFound},
		{"unknown parent", CreateRequest{ParentWorkspaceID: "ghost", AgentID: "exec", Prompt: "x"}, ErrParentNotFound},
		{"empty prompt", CreateRequest{ParentWorkspaceID: "root", AgentID: "exec", Prompt: "   "}, ErrPromptRequired},
		{"missing agent", CreateRequest{ParentWorkspaceID: "root", Prompt: "x"}, ErrAgentIDRequired},
		{"unknown agent", CreateRequest{ParentWorkspaceID: "root", AgentID: "nonesuch", Prompt: "x"}, ErrUnknownAgent},
		{"bad model string", CreateRequest{ParentWorkspaceID: "root", AgentID: "exec", Prompt: "x", ModelString: "no-slash"}, ErrInvalidModelString},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.Create(ctx, tc.req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.wantErr), "got %v", err)
		})
	}
}

func TestCreateLegacyAgentTypeAlias(t *testing.T) {
	h := newHarness(t, Config{})
	h.putRoot(t, "root")

	res, err := h.svc.Create(context.Background(), CreateRequest{
		ParentWorkspaceID: "root",
		AgentType:         "Exec",
		Prompt:            "x",
	})
	require.NoError(t, err)
	assert.Equal(t, "exec", h.spec(t, res.TaskID).AgentID)
}

func TestCreateRejectsReportedParent(t *testing.T) {
	h := newHarness(t, Config{})
	h.putRoot(t, "root")
	res := h.create(t, "root", "exec", "Parent work")

	_, err := h.store.EditConfig(context.Background(), func(cfg *workspace.Config) error {
		ws, _ := cfg.Workspace(res.TaskID)
		ws.AgentTask.Status = workspace.StatusReported
		return nil
	})
	require.NoError(t, err)

	_, err = h.svc.Create(context.Background(), CreateRequest{
		ParentWorkspaceID: res.TaskID,
		AgentID:           "exec",
		Prompt:            "too late",
	})
	assert.True(t, errors.Is(err, ErrParentAlreadyReported))
}

func TestCreateEnforcesNestingDepth(t *testing.T) {
	h := newHarness(t, Config{MaxTaskNestingDepth: 2})
	h.putRoot(t, "root")

	t1 := h.create(t, "root", "exec", "Level one")
	t2 := h.create(t, t1.TaskID, "exec", "Level two")

	_, err := h.svc.Create(context.Background(), CreateRequest{
		ParentWorkspaceID: t2.TaskID,
		AgentID:           "exec",
		Prompt:            "Level three",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNestingDepthExceeded))
}

func TestCreateRollsBackOnStartFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.putRoot(t, "root")
	h.ws.setSendErr(fmt.Errorf("gateway down"))

	_, err := h.svc.Create(context.Background(), CreateRequest{
		ParentWorkspaceID: "root",
		AgentID:           "exec",
		Prompt:            "Doomed",
	})
	require.Error(t, err)

	cfg, err := h.store.LoadConfigOrDefault(context.Background())
	require.NoError(t, err)
	assert.Len(t, cfg.Workspaces, 1, "only the root survives a failed admission")
	assert.NotEmpty(t, h.rt.deleted, "partially materialized workspace is deleted")
}

func TestCreateResolvesModelPrecedence(t *testing.T) {
	h := newHarness(t, Config{DefaultModelString: "anthropic/engine-default"})
	h.putRoot(t, "root")

	// Request wins over everything.
	res, err := h.svc.Create(context.Background(), CreateRequest{
		ParentWorkspaceID: "root",
		AgentID:           "exec",
		Prompt:            "x",
		ModelString:       "anthropic/explicit",
	})
	require.NoError(t, err)
	assert.Equal(t, "anthropic/explicit", h.spec(t, res.TaskID).ModelString)

	// Otherwise the parent's AI settings beat the engine default.
	res2, err := h.svc.Create(context.Background(), CreateRequest{
		ParentWorkspaceID: "root",
		AgentID:           "exec",
		Prompt:            "y",
	})
	require.NoError(t, err)
	assert.Equal(t, "anthropic/root-model", h.spec(t, res2.TaskID).ModelString)
}
