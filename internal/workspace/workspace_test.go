package workspace

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusActive(t *testing.T) {
	assert.True(t, StatusQueued.Active())
	assert.True(t, StatusRunning.Active())
	assert.True(t, StatusAwaitingReport.Active())
	assert.False(t, StatusReported.Active())
	assert.False(t, StatusInterrupted.Active())
}

func TestEffectiveAgentID(t *testing.T) {
	spec := &AgentTaskSpec{AgentType: "exec"}
	assert.Equal(t, "exec", spec.EffectiveAgentID())

	spec.AgentID = "plan"
	assert.Equal(t, "plan", spec.EffectiveAgentID())
}

func TestCreatedAtTime(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	spec := &AgentTaskSpec{CreatedAt: now.Format(time.RFC3339Nano)}
	assert.True(t, spec.CreatedAtTime().Equal(now))

	assert.True(t, (&AgentTaskSpec{}).CreatedAtTime().IsZero())
	assert.True(t, (&AgentTaskSpec{CreatedAt: "yesterday"}).CreatedAtTime().IsZero())
}

func TestWorkspaceClone(t *testing.T) {
	ws := &Workspace{
		ID:      "w1",
		Name:    "exec-fix-bug-w1",
		Runtime: &RuntimeConfig{Type: RuntimeWorktree, BranchName: "mux/w1"},
		AgentTask: &AgentTaskSpec{
			ParentWorkspaceID: "root",
			AgentID:           "exec",
			Status:            StatusRunning,
			Experiments:       []string{"fast-apply"},
		},
	}

	clone := ws.Clone()
	require.NotNil(t, clone)

	clone.AgentTask.Status = StatusReported
	clone.AgentTask.Experiments[0] = "changed"
	clone.Runtime.BranchName = "other"

	assert.Equal(t, StatusRunning, ws.AgentTask.Status)
	assert.Equal(t, "fast-apply", ws.AgentTask.Experiments[0])
	assert.Equal(t, "mux/w1", ws.Runtime.BranchName)
}

func TestConfigClone(t *testing.T) {
	cfg := NewConfig()
	cfg.Put(&Workspace{ID: "root", Name: "main"})
	cfg.Put(&Workspace{
		ID:        "t1",
		AgentTask: &AgentTaskSpec{ParentWorkspaceID: "root", Status: StatusQueued, Prompt: "do it"},
	})

	clone := cfg.Clone()
	clone.Delete("t1")
	task, ok := clone.Workspace("root")
	require.True(t, ok)
	task.Name = "renamed"

	_, stillThere := cfg.Workspace("t1")
	assert.True(t, stillThere)
	orig, _ := cfg.Workspace("root")
	assert.Equal(t, "main", orig.Name)
}

func TestGenerateName(t *testing.T) {
	name := GenerateName("exec", "Fix the Login Bug!", "0193b2aa-1111-7000-8000-abcdef012345")
	assert.Equal(t, "exec-fix-the-login-bug-0193b2aa", name)
	require.NoError(t, ValidateName(name))
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "fix-the-login-bug", Slugify("Fix the Login Bug!"))
	assert.Equal(t, "a-b", Slugify("  a---b  "))
	assert.Equal(t, "", Slugify("!!!"))
	assert.LessOrEqual(t, len(Slugify("a very long workspace title that keeps going and going")), 24)
}

func TestValidateName(t *testing.T) {
	assert.Error(t, ValidateName(""))
	assert.Error(t, ValidateName("-leading-dash"))
	assert.Error(t, ValidateName("Has Spaces"))
	assert.NoError(t, ValidateName("exec-fix-bug-0193b2aa"))
}

func TestParseModelString(t *testing.T) {
	provider, model, err := ParseModelString("anthropic/claude-sonnet-4-5")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", provider)
	assert.Equal(t, "claude-sonnet-4-5", model)

	for _, bad := range []string{"", "noSlash", "/model", "provider/"} {
		_, _, err := ParseModelString(bad)
		assert.Error(t, err, bad)
	}

	assert.NoError(t, ValidateModelString(""))
	assert.Error(t, ValidateModelString("nope"))
}
