package agenttask

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kandev/agenttask/internal/agent"
	"github.com/kandev/agenttask/internal/artifacts"
	"github.com/kandev/agenttask/internal/common/config"
	"github.com/kandev/agenttask/internal/common/logger"
	"github.com/kandev/agenttask/internal/db"
	"github.com/kandev/agenttask/internal/events/bus"
	"github.com/kandev/agenttask/internal/history"
	"github.com/kandev/agenttask/internal/message"
	"github.com/kandev/agenttask/internal/workspace"
	"github.com/kandev/agenttask/internal/workspace/store"
)

// sentMessage records one fakeWorkspaces.SendMessage call.
type sentMessage struct {
	WorkspaceID string
	Text        string
	AI          workspace.AIOptions
	Options     workspace.SendOptions
}

// fakeWorkspaces implements WorkspaceService in memory.
type fakeWorkspaces struct {
	mu       sync.Mutex
	sent     []sentMessage
	resumed  []string
	removed  []string
	replaced map[string]*message.Message

	sendErr error
}

func newFakeWorkspaces() *fakeWorkspaces {
	return &fakeWorkspaces{replaced: make(map[string]*message.Message)}
}

func (f *fakeWorkspaces) SendMessage(ctx context.Context, workspaceID, text string, ai workspace.AIOptions, opts workspace.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentMessage{WorkspaceID: workspaceID, Text: text, AI: ai, Options: opts})
	return nil
}

func (f *fakeWorkspaces) ResumeStream(ctx context.Context, workspaceID string, ai workspace.AIOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = append(f.resumed, workspaceID)
	return nil
}

func (f *fakeWorkspaces) Remove(ctx context.Context, workspaceID string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, workspaceID)
	return nil
}

func (f *fakeWorkspaces) EmitMetadata(ctx context.Context, workspaceID string) error { return nil }

func (f *fakeWorkspaces) UpdateAgentStatus(ctx context.Context, workspaceID string, status *string) error {
	return nil
}

func (f *fakeWorkspaces) ReplaceHistory(ctx context.Context, workspaceID string, summary *message.Message, mode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replaced[workspaceID] = summary
	return nil
}

func (f *fakeWorkspaces) sentTo(workspaceID string) []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentMessage
	for _, m := range f.sent {
		if m.WorkspaceID == workspaceID {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeWorkspaces) removedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

func (f *fakeWorkspaces) setSendErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

// fakeGateway implements Gateway with an explicit streaming set.
type fakeGateway struct {
	mu           sync.Mutex
	streaming    map[string]bool
	stopped      []string
	completeText func(model, system, prompt string) (string, error)
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{streaming: make(map[string]bool)}
}

func (f *fakeGateway) IsStreaming(workspaceID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streaming[workspaceID]
}

func (f *fakeGateway) setStreaming(workspaceID string, v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v {
		f.streaming[workspaceID] = true
	} else {
		delete(f.streaming, workspaceID)
	}
}

func (f *fakeGateway) StopStream(ctx context.Context, workspaceID string, abandonPartial bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, workspaceID)
	delete(f.streaming, workspaceID)
	return nil
}

func (f *fakeGateway) CompleteText(ctx context.Context, model, system, prompt string) (string, error) {
	f.mu.Lock()
	fn := f.completeText
	f.mu.Unlock()
	if fn == nil {
		return "exec", nil
	}
	return fn(model, system, prompt)
}

// fakeRuntime implements RuntimeProvider with real temp directories so
// plan files and patches have somewhere to live.
type fakeRuntime struct {
	mu       sync.Mutex
	baseDir  string
	forks    int
	creates  int
	deleted  []string
	inited   []string
	patch    []byte
	patchErr error
}

func newFakeRuntime(t *testing.T) *fakeRuntime {
	return &fakeRuntime{baseDir: t.TempDir(), patch: []byte("From abc\nSubject: [PATCH] x\n")}
}

func (f *fakeRuntime) materialize(name string) (*RuntimeWorkspace, error) {
	path := filepath.Join(f.baseDir, name)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	return &RuntimeWorkspace{Path: path, TrunkBranch: "main", BaseCommitSHA: "base-sha"}, nil
}

func (f *fakeRuntime) Fork(ctx context.Context, req ForkRequest) (*RuntimeWorkspace, error) {
	f.mu.Lock()
	f.forks++
	f.mu.Unlock()
	return f.materialize(req.Name)
}

func (f *fakeRuntime) Create(ctx context.Context, req CreateWorkspaceRequest) (*RuntimeWorkspace, error) {
	f.mu.Lock()
	f.creates++
	f.mu.Unlock()
	return f.materialize(req.Name)
}

func (f *fakeRuntime) Delete(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, path)
	return nil
}

func (f *fakeRuntime) InitWorkspace(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inited = append(f.inited, path)
	return nil
}

func (f *fakeRuntime) FormatPatch(ctx context.Context, path, trunkBranch, baseCommitSHA string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.patchErr != nil {
		return nil, f.patchErr
	}
	return f.patch, nil
}

// harness wires a Service over a real sqlite store and session dirs.
type harness struct {
	svc       *Service
	store     *store.Store
	history   *history.Store
	artifacts *artifacts.Store
	ws        *fakeWorkspaces
	gw        *fakeGateway
	rt        *fakeRuntime
	catalog   *agent.Catalog
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	dataDir := t.TempDir()

	pool, err := db.Open(config.DatabaseConfig{
		Driver:        "sqlite",
		Path:          filepath.Join(dataDir, "test.db"),
		BusyTimeoutMs: 500,
	}, dataDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	log, err := logger.New(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	configStore, err := store.New(pool, dataDir, log)
	require.NoError(t, err)

	h := &harness{
		store:     configStore,
		history:   history.New(configStore.SessionDir, log),
		artifacts: artifacts.New(configStore.SessionDir, log),
		ws:        newFakeWorkspaces(),
		gw:        newFakeGateway(),
		rt:        newFakeRuntime(t),
		catalog:   agent.NewCatalog(log),
	}

	if cfg.MaxParallelAgentTasks == 0 {
		cfg.MaxParallelAgentTasks = 3
	}
	if cfg.MaxTaskNestingDepth == 0 {
		cfg.MaxTaskNestingDepth = 32
	}
	if cfg.PlanHandoffRouting == "" {
		cfg.PlanHandoffRouting = RoutingExec
	}
	if cfg.DefaultModelString == "" {
		cfg.DefaultModelString = "anthropic/test-model"
	}

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	svc, err := NewService(cfg, Dependencies{
		Logger:     log,
		Bus:        eventBus,
		Store:      configStore,
		Workspaces: h.ws,
		Gateway:    h.gw,
		History:    h.history,
		Artifacts:  h.artifacts,
		Runtime:    h.rt,
		Catalog:    h.catalog,
	})
	require.NoError(t, err)
	h.svc = svc
	return h
}

// putRoot persists a root workspace entry with a workspace path so child
// tasks fork from it.
func (h *harness) putRoot(t *testing.T, id string) {
	t.Helper()
	rt, err := h.rt.materialize(id)
	require.NoError(t, err)
	_, err = h.store.EditConfig(context.Background(), func(cfg *workspace.Config) error {
		cfg.Put(&workspace.Workspace{
			ID:            id,
			Name:          id,
			ProjectPath:   "/tmp/project",
			WorkspacePath: rt.Path,
			Runtime:       &workspace.RuntimeConfig{Type: workspace.RuntimeWorktree, TrunkBranch: "main"},
			AI:            workspace.AISettings{ModelString: "anthropic/root-model"},
		})
		return nil
	})
	require.NoError(t, err)
}

// create spawns a task and fails the test on error.
func (h *harness) create(t *testing.T, parentID, agentID, prompt string) *CreateResult {
	t.Helper()
	res, err := h.svc.Create(context.Background(), CreateRequest{
		ParentWorkspaceID: parentID,
		AgentID:           agentID,
		Prompt:            prompt,
		Title:             "Test task",
	})
	require.NoError(t, err)
	return res
}

// spec reads a task's persisted spec, nil when the entry is gone.
func (h *harness) spec(t *testing.T, taskID string) *workspace.AgentTaskSpec {
	t.Helper()
	cfg, err := h.store.LoadConfigOrDefault(context.Background())
	require.NoError(t, err)
	ws, ok := cfg.Workspace(taskID)
	if !ok {
		return nil
	}
	require.True(t, ws.IsTask())
	return ws.AgentTask
}

// reportPart builds a completed agent_report tool part.
func reportPart(markdown, title string) message.Part {
	return message.Part{
		Type:   "tool-agent_report",
		State:  message.StateOutputAvailable,
		Input:  message.MarshalToolInput(message.AgentReportInput{ReportMarkdown: markdown, Title: title}),
		Output: message.MarshalToolInput(map[string]bool{"success": true}),
	}
}

// planPart builds a completed propose_plan tool part.
func planPart(planPath string) message.Part {
	return message.Part{
		Type:   "tool-propose_plan",
		State:  message.StateOutputAvailable,
		Input:  message.MarshalToolInput(map[string]string{}),
		Output: message.MarshalToolInput(map[string]interface{}{"success": true, "planPath": planPath}),
	}
}
