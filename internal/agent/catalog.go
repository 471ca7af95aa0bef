// Package agent manages the catalog of agent definitions a task can run
// as. Built-ins (exec, plan, orchestrator, compact) are always present;
// custom definitions can be merged from a YAML file and inherit behavior
// from a base agent.
package agent

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kandev/agenttask/internal/common/logger"
	"github.com/kandev/agenttask/internal/message"
)

// Built-in agent ids.
const (
	AgentExec         = "exec"
	AgentPlan         = "plan"
	AgentOrchestrator = "orchestrator"
	AgentCompact      = "compact"
)

// maxBaseDepth bounds base-chain walks so a cyclic catalog file cannot
// hang plan-likeness checks.
const maxBaseDepth = 8

// Definition describes one agent the engine can run tasks as.
type Definition struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name,omitempty" json:"name,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Base names the agent this definition inherits from. Plan-likeness,
	// default model, and thinking level resolve through the base chain.
	Base string `yaml:"base,omitempty" json:"base,omitempty"`

	ModelString   string `yaml:"modelString,omitempty" json:"modelString,omitempty"`
	ThinkingLevel string `yaml:"thinkingLevel,omitempty" json:"thinkingLevel,omitempty"`

	// SkipWorkspaceInit suppresses background workspace init when a task
	// for this agent starts (used by read-only agents such as plan).
	SkipWorkspaceInit bool `yaml:"skipWorkspaceInit,omitempty" json:"skipWorkspaceInit,omitempty"`

	Disabled bool `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// catalogFile is the YAML shape of a custom agent definitions file.
type catalogFile struct {
	Agents []*Definition `yaml:"agents"`
}

// Catalog holds agent definitions keyed by normalized id.
type Catalog struct {
	agents map[string]*Definition
	mu     sync.RWMutex
	logger *logger.Logger
}

// NewCatalog creates a catalog pre-loaded with the built-in agents.
func NewCatalog(log *logger.Logger) *Catalog {
	c := &Catalog{
		agents: make(map[string]*Definition),
		logger: log,
	}
	for _, def := range builtins() {
		c.agents[def.ID] = def
	}
	return c
}

func builtins() []*Definition {
	return []*Definition{
		{
			ID:          AgentExec,
			Name:        "Execution Agent",
			Description: "Implements changes in the workspace and reports with agent_report.",
		},
		{
			ID:                AgentPlan,
			Name:              "Planning Agent",
			Description:       "Produces a plan file and completes with propose_plan.",
			SkipWorkspaceInit: true,
		},
		{
			ID:          AgentOrchestrator,
			Name:        "Orchestrator Agent",
			Description: "Coordinates nested sub-agent tasks and integrates their reports.",
		},
		{
			ID:                AgentCompact,
			Name:              "Compaction Agent",
			Description:       "Summarizes chat history into a compact boundary message.",
			SkipWorkspaceInit: true,
		},
	}
}

// Normalize lowercases and trims an agent id. Empty input stays empty so
// callers can apply their own default.
func Normalize(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// LoadFromFile merges custom agent definitions from a YAML file. Entries
// with the same id override earlier ones, built-ins included. Invalid
// entries are skipped with a warning.
func (c *Catalog) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read agent catalog file: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse agent catalog file: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, def := range file.Agents {
		if def == nil {
			continue
		}
		def.ID = Normalize(def.ID)
		def.Base = Normalize(def.Base)
		if def.ID == "" {
			c.logger.Warn("Skipping agent definition without id")
			continue
		}
		if def.Base == def.ID {
			c.logger.Warn("Skipping agent definition that bases on itself",
				zap.String("id", def.ID))
			continue
		}
		c.agents[def.ID] = def
		c.logger.Info("Loaded agent definition", zap.String("id", def.ID))
	}
	return nil
}

// Get returns the definition for a normalized agent id.
func (c *Catalog) Get(id string) (*Definition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	def, ok := c.agents[Normalize(id)]
	if !ok {
		return nil, fmt.Errorf("agent %q not found", id)
	}
	return def, nil
}

// Resolve normalizes an id and returns its definition, rejecting unknown
// and disabled agents.
func (c *Catalog) Resolve(id string) (*Definition, error) {
	def, err := c.Get(id)
	if err != nil {
		return nil, err
	}
	if def.Disabled {
		return nil, fmt.Errorf("agent %q is disabled", def.ID)
	}
	return def, nil
}

// Has reports whether an agent id is declared.
func (c *Catalog) Has(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.agents[Normalize(id)]
	return ok
}

// List returns all definitions sorted by id.
func (c *Catalog) List() []*Definition {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]*Definition, 0, len(c.agents))
	for _, def := range c.agents {
		result = append(result, def)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// IsPlanLike reports whether an agent is the plan agent or inherits from
// it through its base chain.
func (c *Catalog) IsPlanLike(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cur := Normalize(id)
	for depth := 0; cur != "" && depth < maxBaseDepth; depth++ {
		if cur == AgentPlan {
			return true
		}
		def, ok := c.agents[cur]
		if !ok {
			return false
		}
		cur = def.Base
	}
	return false
}

// CompletionTool returns the tool a task running this agent must call to
// complete: propose_plan for plan-like agents, agent_report otherwise.
func (c *Catalog) CompletionTool(id string) string {
	if c.IsPlanLike(id) {
		return message.ToolProposePlan
	}
	return message.ToolAgentReport
}

// OrchestratorEnabled reports whether the orchestrator agent is available
// as a plan-handoff target.
func (c *Catalog) OrchestratorEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	def, ok := c.agents[AgentOrchestrator]
	return ok && !def.Disabled
}

// DefaultModel resolves the default model string through the base chain.
func (c *Catalog) DefaultModel(id string) string {
	return c.resolveChain(id, func(def *Definition) string { return def.ModelString })
}

// DefaultThinkingLevel resolves the default thinking level through the
// base chain.
func (c *Catalog) DefaultThinkingLevel(id string) string {
	return c.resolveChain(id, func(def *Definition) string { return def.ThinkingLevel })
}

// SkipWorkspaceInit reports whether background init should be suppressed
// for tasks running this agent, resolved through the base chain.
func (c *Catalog) SkipWorkspaceInit(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cur := Normalize(id)
	for depth := 0; cur != "" && depth < maxBaseDepth; depth++ {
		def, ok := c.agents[cur]
		if !ok {
			return false
		}
		if def.SkipWorkspaceInit {
			return true
		}
		cur = def.Base
	}
	return false
}

func (c *Catalog) resolveChain(id string, pick func(*Definition) string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cur := Normalize(id)
	for depth := 0; cur != "" && depth < maxBaseDepth; depth++ {
		def, ok := c.agents[cur]
		if !ok {
			return ""
		}
		if v := pick(def); v != "" {
			return v
		}
		cur = def.Base
	}
	return ""
}
