package busadapter

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/kandev/agenttask/internal/agenttask"
	"github.com/kandev/agenttask/internal/events"
	"github.com/kandev/agenttask/internal/events/bus"
)

// RuntimeAdapter talks to the runtime provider over the bus.
type RuntimeAdapter struct {
	client
}

// NewRuntimeAdapter creates a runtime adapter.
func NewRuntimeAdapter(eventBus bus.EventBus, timeout time.Duration) *RuntimeAdapter {
	return &RuntimeAdapter{client: newClient(eventBus, "agenttask-engine", timeout)}
}

// runtimeResponse is the wire shape of fork/create replies.
type runtimeResponse struct {
	Path          string `json:"path"`
	TrunkBranch   string `json:"trunkBranch"`
	BaseCommitSHA string `json:"baseCommitSha"`
}

func (r runtimeResponse) toWorkspace() (*agenttask.RuntimeWorkspace, error) {
	if r.Path == "" {
		return nil, fmt.Errorf("runtime response missing path")
	}
	return &agenttask.RuntimeWorkspace{
		Path:          r.Path,
		TrunkBranch:   r.TrunkBranch,
		BaseCommitSHA: r.BaseCommitSHA,
	}, nil
}

// Fork clones a parent workspace's tree for a new child.
func (a *RuntimeAdapter) Fork(ctx context.Context, req agenttask.ForkRequest) (*agenttask.RuntimeWorkspace, error) {
	var resp runtimeResponse
	err := a.request(ctx, events.RuntimeFork, map[string]interface{}{
		"projectPath": req.ProjectPath,
		"parentPath":  req.ParentPath,
		"name":        req.Name,
		"trunkBranch": req.TrunkBranch,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.toWorkspace()
}

// Create materializes a fresh workspace tree from the project.
func (a *RuntimeAdapter) Create(ctx context.Context, req agenttask.CreateWorkspaceRequest) (*agenttask.RuntimeWorkspace, error) {
	var resp runtimeResponse
	err := a.request(ctx, events.RuntimeCreate, map[string]interface{}{
		"projectPath": req.ProjectPath,
		"name":        req.Name,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.toWorkspace()
}

// Delete removes a workspace tree.
func (a *RuntimeAdapter) Delete(ctx context.Context, path string) error {
	return a.request(ctx, events.RuntimeDelete, map[string]interface{}{
		"path": path,
	}, nil)
}

// InitWorkspace runs project setup (dependency install and the like)
// inside a freshly created tree.
func (a *RuntimeAdapter) InitWorkspace(ctx context.Context, path string) error {
	return a.request(ctx, events.RuntimeInit, map[string]interface{}{
		"path": path,
	}, nil)
}

// FormatPatch produces a git-format mbox of the workspace's commits since
// the base. The payload crosses the bus base64-encoded.
func (a *RuntimeAdapter) FormatPatch(ctx context.Context, path, trunkBranch, baseCommitSHA string) ([]byte, error) {
	var resp struct {
		Mbox string `json:"mbox"`
	}
	err := a.request(ctx, events.RuntimeFormatPatch, map[string]interface{}{
		"path":          path,
		"trunkBranch":   trunkBranch,
		"baseCommitSha": baseCommitSHA,
	}, &resp)
	if err != nil {
		return nil, err
	}
	mbox, err := base64.StdEncoding.DecodeString(resp.Mbox)
	if err != nil {
		return nil, fmt.Errorf("failed to decode mbox payload: %w", err)
	}
	return mbox, nil
}
