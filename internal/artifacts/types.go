// Package artifacts persists sub-agent task outputs (reports, patches,
// transcripts) under per-workspace session directories. Each kind keeps
// a payload directory per child task plus a JSON index keyed by child
// task id. Paths recorded in index entries are relative to the session
// directory so entries survive roll-up into an ancestor unchanged.
package artifacts

// Artifact directory and file names inside a session directory.
const (
	ReportsDir     = "subagent-reports"
	PatchesDir     = "subagent-patches"
	TranscriptsDir = "subagent-transcripts"

	indexFileName      = "index.json"
	reportFileName     = "report.md"
	patchFileName      = "patch.mbox"
	transcriptChatName = "chat.jsonl"
	transcriptPartName = "partial.json"
)

// Patch generation states. Cleanup of a reported task is deferred while
// its patch is still pending.
const (
	PatchPending = "pending"
	PatchReady   = "ready"
	PatchFailed  = "failed"
)

// Report is the persisted report artifact for one child task. The same
// entry is upserted into every ancestor's index so descendant-scope
// queries keep working after intermediate workspaces are cleaned up.
type Report struct {
	ChildTaskID          string   `json:"childTaskId"`
	ParentWorkspaceID    string   `json:"parentWorkspaceId"`
	AncestorWorkspaceIDs []string `json:"ancestorWorkspaceIds"`
	ReportMarkdown       string   `json:"reportMarkdown"`
	Title                string   `json:"title,omitempty"`
	Model                string   `json:"model,omitempty"`
	ThinkingLevel        string   `json:"thinkingLevel,omitempty"`
	CreatedAtMs          int64    `json:"createdAtMs"`
	UpdatedAtMs          int64    `json:"updatedAtMs"`
}

// Patch tracks async patch generation for one child task.
type Patch struct {
	ChildTaskID  string `json:"childTaskId"`
	Status       string `json:"status"`
	MboxPath     string `json:"mboxPath,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	CreatedAtMs  int64  `json:"createdAtMs"`
	UpdatedAtMs  int64  `json:"updatedAtMs"`
}

// Transcript records archived chat files of a cleaned-up child task.
type Transcript struct {
	ChildTaskID   string `json:"childTaskId"`
	ChatPath      string `json:"chatPath,omitempty"`
	PartialPath   string `json:"partialPath,omitempty"`
	Model         string `json:"model,omitempty"`
	ThinkingLevel string `json:"thinkingLevel,omitempty"`
	CreatedAtMs   int64  `json:"createdAtMs"`
	UpdatedAtMs   int64  `json:"updatedAtMs"`
}

func (r Report) updatedAt() int64     { return r.UpdatedAtMs }
func (p Patch) updatedAt() int64      { return p.UpdatedAtMs }
func (t Transcript) updatedAt() int64 { return t.UpdatedAtMs }

// rewriteLineage updates a report entry after the workspace deletedID was
// removed from the tree: the deleted id is dropped from the ancestor list
// and newParentID becomes both the parent and the first ancestor. Entries
// that never referenced deletedID are returned unchanged.
func rewriteLineage(r Report, deletedID, newParentID string) Report {
	refs := r.ParentWorkspaceID == deletedID
	for _, id := range r.AncestorWorkspaceIDs {
		if id == deletedID {
			refs = true
			break
		}
	}
	if !refs {
		return r
	}

	rest := make([]string, 0, len(r.AncestorWorkspaceIDs))
	for _, id := range r.AncestorWorkspaceIDs {
		if id == deletedID || id == newParentID {
			continue
		}
		rest = append(rest, id)
	}
	r.AncestorWorkspaceIDs = append([]string{newParentID}, rest...)
	r.ParentWorkspaceID = newParentID
	return r
}
