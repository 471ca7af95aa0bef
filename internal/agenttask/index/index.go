// Package index projects the persisted workspace config into the parent/
// child task tree the engine schedules over. The index is rebuilt from an
// authoritative config snapshot at every operation boundary; there is no
// incremental maintenance.
package index

import (
	"errors"
	"fmt"
	"sort"

	"github.com/kandev/agenttask/internal/workspace"
)

// MaxDepth is the hard cap on parent-chain walks. A chain deeper than
// this (or a cycle, which presents the same way) means the tree is
// corrupt.
const MaxDepth = 32

// ErrTreeCorrupted marks a cyclic or over-deep parent graph. There is no
// repair path; callers propagate it so the operation unwinds.
var ErrTreeCorrupted = errors.New("agent task tree corrupted")

// Index is a point-in-time projection of the workspace config.
type Index struct {
	entries  map[string]*workspace.Workspace
	children map[string][]string
	parent   map[string]string
}

// Build constructs an index from a config snapshot. Entries without a
// parent (roots) appear only as parents of their task children.
func Build(cfg *workspace.Config) *Index {
	idx := &Index{
		entries:  make(map[string]*workspace.Workspace),
		children: make(map[string][]string),
		parent:   make(map[string]string),
	}
	if cfg == nil {
		return idx
	}
	for id, ws := range cfg.Workspaces {
		if ws == nil {
			continue
		}
		idx.entries[id] = ws
		if !ws.IsTask() {
			continue
		}
		parentID := ws.AgentTask.ParentWorkspaceID
		idx.parent[id] = parentID
		idx.children[parentID] = append(idx.children[parentID], id)
	}
	for parentID := range idx.children {
		idx.sortSiblings(idx.children[parentID])
	}
	return idx
}

// sortSiblings orders task ids by createdAt ascending with a lexicographic
// id tie-break, matching the queue drain order.
func (idx *Index) sortSiblings(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		a, b := idx.entries[ids[i]], idx.entries[ids[j]]
		at, bt := a.AgentTask.CreatedAtTime(), b.AgentTask.CreatedAtTime()
		if !at.Equal(bt) {
			return at.Before(bt)
		}
		return ids[i] < ids[j]
	})
}

// EntryOf returns the workspace entry for an id.
func (idx *Index) EntryOf(id string) (*workspace.Workspace, bool) {
	ws, ok := idx.entries[id]
	return ws, ok
}

// ChildrenOf returns the direct task children of a workspace, ordered by
// createdAt then id.
func (idx *Index) ChildrenOf(parentID string) []string {
	return idx.children[parentID]
}

// ParentOf returns the parent workspace id of a task, "" for roots and
// unknown ids.
func (idx *Index) ParentOf(id string) string {
	return idx.parent[id]
}

// AncestorsOf walks the parent chain from a task up to its root workspace,
// nearest first. Fails with ErrTreeCorrupted when the walk exceeds
// MaxDepth, which covers both over-deep trees and cycles.
func (idx *Index) AncestorsOf(id string) ([]string, error) {
	var ancestors []string
	cur := id
	for i := 0; i <= MaxDepth; i++ {
		parentID, ok := idx.parent[cur]
		if !ok || parentID == "" {
			return ancestors, nil
		}
		ancestors = append(ancestors, parentID)
		cur = parentID
	}
	return nil, fmt.Errorf("%w: parent chain from %s exceeds %d levels", ErrTreeCorrupted, id, MaxDepth)
}

// DepthOf returns the nesting depth of a task: 1 for a direct child of a
// root workspace. Roots and unknown ids have depth 0.
func (idx *Index) DepthOf(id string) (int, error) {
	ancestors, err := idx.AncestorsOf(id)
	if err != nil {
		return 0, err
	}
	return len(ancestors), nil
}

// DescendantsOf collects every task in the subtree below a workspace,
// using an explicit stack. The returned order is deterministic
// (depth-first over sorted siblings) but callers that care about
// leaf-first processing should sort by depth themselves.
func (idx *Index) DescendantsOf(id string) []string {
	var result []string
	stack := append([]string(nil), idx.children[id]...)
	seen := make(map[string]bool, len(stack))
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		result = append(result, cur)
		stack = append(stack, idx.children[cur]...)
	}
	return result
}

// ActiveDescendants returns the descendants whose task status still counts
// as active (queued, running, or awaiting_report).
func (idx *Index) ActiveDescendants(id string) []string {
	var active []string
	for _, descID := range idx.DescendantsOf(id) {
		ws := idx.entries[descID]
		if ws.IsTask() && ws.AgentTask.Status.Active() {
			active = append(active, descID)
		}
	}
	return active
}

// HasActiveDescendants reports whether any descendant task is still active.
func (idx *Index) HasActiveDescendants(id string) bool {
	return len(idx.ActiveDescendants(id)) > 0
}

// IsDescendant reports whether taskID sits below ancestorID in the tree.
func (idx *Index) IsDescendant(ancestorID, taskID string) (bool, error) {
	cur := taskID
	for i := 0; i <= MaxDepth; i++ {
		parentID, ok := idx.parent[cur]
		if !ok || parentID == "" {
			return false, nil
		}
		if parentID == ancestorID {
			return true, nil
		}
		cur = parentID
	}
	return false, fmt.Errorf("%w: parent chain from %s exceeds %d levels", ErrTreeCorrupted, taskID, MaxDepth)
}

// Tasks returns every task entry id in the index.
func (idx *Index) Tasks() []string {
	ids := make([]string, 0, len(idx.parent))
	for id := range idx.parent {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
