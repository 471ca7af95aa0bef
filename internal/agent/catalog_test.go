package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agenttask/internal/common/logger"
	"github.com/kandev/agenttask/internal/message"
)

func newCatalog(t *testing.T) *Catalog {
	t.Helper()
	log, err := logger.New(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)
	return NewCatalog(log)
}

func TestBuiltinsAlwaysPresent(t *testing.T) {
	c := newCatalog(t)

	for _, id := range []string{AgentExec, AgentPlan, AgentOrchestrator, AgentCompact} {
		assert.True(t, c.Has(id), id)
	}
	assert.True(t, c.OrchestratorEnabled())
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "exec", Normalize("  EXEC "))
	assert.Equal(t, "", Normalize("   "))
}

func TestGetUnknown(t *testing.T) {
	c := newCatalog(t)

	_, err := c.Get("no-such-agent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestResolveDisabled(t *testing.T) {
	c := newCatalog(t)
	writeCatalogFile(t, c, `
agents:
  - id: legacy
    base: exec
    disabled: true
`)

	_, err := c.Resolve("legacy")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disabled")
}

func TestIsPlanLike(t *testing.T) {
	c := newCatalog(t)
	writeCatalogFile(t, c, `
agents:
  - id: architect
    base: plan
  - id: senior-architect
    base: architect
  - id: reviewer
    base: exec
`)

	assert.True(t, c.IsPlanLike("plan"))
	assert.True(t, c.IsPlanLike("architect"))
	assert.True(t, c.IsPlanLike("SENIOR-ARCHITECT"))
	assert.False(t, c.IsPlanLike("exec"))
	assert.False(t, c.IsPlanLike("reviewer"))
	assert.False(t, c.IsPlanLike("unknown"))
}

func TestCompletionTool(t *testing.T) {
	c := newCatalog(t)
	writeCatalogFile(t, c, `
agents:
  - id: architect
    base: plan
`)

	assert.Equal(t, message.ToolProposePlan, c.CompletionTool("architect"))
	assert.Equal(t, message.ToolAgentReport, c.CompletionTool("exec"))
	assert.Equal(t, message.ToolAgentReport, c.CompletionTool("unknown"))
}

func TestDefaultsResolveThroughBaseChain(t *testing.T) {
	c := newCatalog(t)
	writeCatalogFile(t, c, `
agents:
  - id: architect
    base: plan
    modelString: anthropic/claude-opus
    thinkingLevel: high
  - id: junior-architect
    base: architect
`)

	assert.Equal(t, "anthropic/claude-opus", c.DefaultModel("junior-architect"))
	assert.Equal(t, "high", c.DefaultThinkingLevel("junior-architect"))
	assert.Empty(t, c.DefaultModel("exec"))
}

func TestSkipWorkspaceInitInherited(t *testing.T) {
	c := newCatalog(t)
	writeCatalogFile(t, c, `
agents:
  - id: architect
    base: plan
  - id: reviewer
    base: exec
`)

	assert.True(t, c.SkipWorkspaceInit("plan"))
	assert.True(t, c.SkipWorkspaceInit("architect"))
	assert.True(t, c.SkipWorkspaceInit("compact"))
	assert.False(t, c.SkipWorkspaceInit("reviewer"))
}

func TestLoadFromFileSkipsInvalidEntries(t *testing.T) {
	c := newCatalog(t)
	writeCatalogFile(t, c, `
agents:
  - base: exec
  - id: self-ref
    base: self-ref
  - id: valid
    base: exec
`)

	assert.False(t, c.Has("self-ref"))
	assert.True(t, c.Has("valid"))
}

func TestLoadFromFileOverridesBuiltin(t *testing.T) {
	c := newCatalog(t)
	writeCatalogFile(t, c, `
agents:
  - id: orchestrator
    disabled: true
`)

	assert.False(t, c.OrchestratorEnabled())
}

func TestBaseCycleDoesNotHang(t *testing.T) {
	c := newCatalog(t)
	writeCatalogFile(t, c, `
agents:
  - id: a
    base: b
  - id: b
    base: a
`)

	assert.False(t, c.IsPlanLike("a"))
	assert.Empty(t, c.DefaultModel("a"))
}

func TestList(t *testing.T) {
	c := newCatalog(t)

	list := c.List()
	require.Len(t, list, 4)
	assert.Equal(t, AgentCompact, list[0].ID)
	assert.Equal(t, AgentExec, list[1].ID)
}

func writeCatalogFile(t *testing.T, c *Catalog, yamlBody string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o644))
	require.NoError(t, c.LoadFromFile(path))
}
