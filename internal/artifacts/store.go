package artifacts

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agenttask/internal/common/logger"
)

// nowMs is a test seam for artifact timestamps.
var nowMs = func() int64 { return time.Now().UnixMilli() }

// Store reads and writes artifact payloads and index files. Callers are
// expected to serialize writes to the same workspace; the store performs
// no locking of its own.
type Store struct {
	sessionDir func(workspaceID string) string
	logger     *logger.Logger
}

// New creates an artifact store over the given session directory resolver.
func New(sessionDir func(workspaceID string) string, log *logger.Logger) *Store {
	return &Store{sessionDir: sessionDir, logger: log}
}

// index is the on-disk shape shared by all three artifact kinds.
type index[T any] struct {
	ArtifactsByChildTaskID map[string]T `json:"artifactsByChildTaskId"`
}

func loadIndex[T any](path string) (*index[T], error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &index[T]{ArtifactsByChildTaskID: make(map[string]T)}, nil
		}
		return nil, fmt.Errorf("failed to read artifact index: %w", err)
	}
	var idx index[T]
	if err := json.Unmarshal(raw, &idx); err != nil {
		return nil, fmt.Errorf("corrupt artifact index %s: %w", path, err)
	}
	if idx.ArtifactsByChildTaskID == nil {
		idx.ArtifactsByChildTaskID = make(map[string]T)
	}
	return &idx, nil
}

func saveIndex[T any](path string, idx *index[T]) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create artifact dir: %w", err)
	}
	raw, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode artifact index: %w", err)
	}
	return atomicWrite(path, raw)
}

// --- Reports ---

// UpsertReport writes the report markdown payload and index entry for
// rep.ChildTaskID into the given workspace's session directory. Repeated
// upserts for the same child are idempotent: the payload is overwritten
// in place and CreatedAtMs of an existing entry is preserved.
func (s *Store) UpsertReport(workspaceID string, rep Report) error {
	if rep.ChildTaskID == "" {
		return errors.New("report artifact requires childTaskId")
	}
	dir := filepath.Join(s.sessionDir(workspaceID), ReportsDir)
	payloadDir := filepath.Join(dir, rep.ChildTaskID)
	if !within(dir, payloadDir) {
		return fmt.Errorf("refusing report path outside session dir: %s", rep.ChildTaskID)
	}
	if err := os.MkdirAll(payloadDir, 0o755); err != nil {
		return fmt.Errorf("failed to create report dir: %w", err)
	}
	if err := atomicWrite(filepath.Join(payloadDir, reportFileName), []byte(rep.ReportMarkdown)); err != nil {
		return err
	}

	idxPath := filepath.Join(dir, indexFileName)
	idx, err := loadIndex[Report](idxPath)
	if err != nil {
		return err
	}
	if existing, ok := idx.ArtifactsByChildTaskID[rep.ChildTaskID]; ok && rep.CreatedAtMs == 0 {
		rep.CreatedAtMs = existing.CreatedAtMs
	}
	if rep.CreatedAtMs == 0 {
		rep.CreatedAtMs = nowMs()
	}
	if rep.UpdatedAtMs == 0 {
		rep.UpdatedAtMs = nowMs()
	}
	idx.ArtifactsByChildTaskID[rep.ChildTaskID] = rep
	return saveIndex(idxPath, idx)
}

// Report returns the report entry for a child task, if present.
func (s *Store) Report(workspaceID, childTaskID string) (Report, bool, error) {
	idx, err := loadIndex[Report](filepath.Join(s.sessionDir(workspaceID), ReportsDir, indexFileName))
	if err != nil {
		return Report{}, false, err
	}
	rep, ok := idx.ArtifactsByChildTaskID[childTaskID]
	return rep, ok, nil
}

// Reports returns all report entries recorded for a workspace.
func (s *Store) Reports(workspaceID string) (map[string]Report, error) {
	idx, err := loadIndex[Report](filepath.Join(s.sessionDir(workspaceID), ReportsDir, indexFileName))
	if err != nil {
		return nil, err
	}
	return idx.ArtifactsByChildTaskID, nil
}

// --- Patches ---

// SetPatchPending records that patch generation started for a child task.
// An existing entry keeps its CreatedAtMs so retries do not reset history.
func (s *Store) SetPatchPending(workspaceID, childTaskID string) error {
	return s.updatePatch(workspaceID, childTaskID, func(p Patch) Patch {
		p.Status = PatchPending
		p.ErrorMessage = ""
		return p
	})
}

// CompletePatch writes the generated mbox payload and marks the patch ready.
func (s *Store) CompletePatch(workspaceID, childTaskID string, mbox []byte) error {
	dir := filepath.Join(s.sessionDir(workspaceID), PatchesDir)
	payloadDir := filepath.Join(dir, childTaskID)
	if !within(dir, payloadDir) {
		return fmt.Errorf("refusing patch path outside session dir: %s", childTaskID)
	}
	if err := os.MkdirAll(payloadDir, 0o755); err != nil {
		return fmt.Errorf("failed to create patch dir: %w", err)
	}
	if err := atomicWrite(filepath.Join(payloadDir, patchFileName), mbox); err != nil {
		return err
	}
	return s.updatePatch(workspaceID, childTaskID, func(p Patch) Patch {
		p.Status = PatchReady
		p.MboxPath = filepath.ToSlash(filepath.Join(PatchesDir, childTaskID, patchFileName))
		p.ErrorMessage = ""
		return p
	})
}

// FailPatch marks patch generation failed with a diagnostic message.
func (s *Store) FailPatch(workspaceID, childTaskID, errMsg string) error {
	return s.updatePatch(workspaceID, childTaskID, func(p Patch) Patch {
		p.Status = PatchFailed
		p.ErrorMessage = errMsg
		return p
	})
}

// Patch returns the patch entry for a child task, if present.
func (s *Store) Patch(workspaceID, childTaskID string) (Patch, bool, error) {
	idx, err := loadIndex[Patch](filepath.Join(s.sessionDir(workspaceID), PatchesDir, indexFileName))
	if err != nil {
		return Patch{}, false, err
	}
	p, ok := idx.ArtifactsByChildTaskID[childTaskID]
	return p, ok, nil
}

// PatchBlocksCleanup reports whether a pending patch for childTaskID is
// recorded in the workspace's index. Index read errors count as blocking
// so cleanup never destroys a payload we cannot account for.
func (s *Store) PatchBlocksCleanup(workspaceID, childTaskID string) bool {
	p, ok, err := s.Patch(workspaceID, childTaskID)
	if err != nil {
		s.logger.Warn("Failed to read patch index, deferring cleanup", zap.Error(err))
		return true
	}
	return ok && p.Status == PatchPending
}

func (s *Store) updatePatch(workspaceID, childTaskID string, mutate func(Patch) Patch) error {
	if childTaskID == "" {
		return errors.New("patch artifact requires childTaskId")
	}
	idxPath := filepath.Join(s.sessionDir(workspaceID), PatchesDir, indexFileName)
	idx, err := loadIndex[Patch](idxPath)
	if err != nil {
		return err
	}
	p, ok := idx.ArtifactsByChildTaskID[childTaskID]
	if !ok {
		p = Patch{ChildTaskID: childTaskID, CreatedAtMs: nowMs()}
	}
	p = mutate(p)
	p.ChildTaskID = childTaskID
	p.UpdatedAtMs = nowMs()
	idx.ArtifactsByChildTaskID[childTaskID] = p
	return saveIndex(idxPath, idx)
}

// --- Transcripts ---

// TranscriptSource names the child's chat files to archive. Missing
// sources are skipped, not errors; archiving is best-effort by contract.
type TranscriptSource struct {
	ChatPath      string
	PartialPath   string
	Model         string
	ThinkingLevel string
}

// ArchiveTranscript copies the child's chat files into the parent's
// session directory before the child is deleted. Existing destination
// files are kept as-is so re-running after a partial cleanup is safe.
// Returns true when at least one file is archived.
func (s *Store) ArchiveTranscript(parentWorkspaceID, childTaskID string, src TranscriptSource) (bool, error) {
	dir := filepath.Join(s.sessionDir(parentWorkspaceID), TranscriptsDir)
	payloadDir := filepath.Join(dir, childTaskID)
	if !within(dir, payloadDir) {
		return false, fmt.Errorf("refusing transcript path outside session dir: %s", childTaskID)
	}

	entry := Transcript{
		ChildTaskID:   childTaskID,
		Model:         src.Model,
		ThinkingLevel: src.ThinkingLevel,
	}
	archived := false

	copyOne := func(srcPath, name string) (string, error) {
		if srcPath == "" {
			return "", nil
		}
		dst := filepath.Join(payloadDir, name)
		copied, err := copyFileIfMissing(srcPath, dst)
		if err != nil {
			return "", err
		}
		if !copied {
			// Source missing and destination absent: nothing to record.
			if _, statErr := os.Stat(dst); statErr != nil {
				return "", nil
			}
		}
		archived = true
		return filepath.ToSlash(filepath.Join(TranscriptsDir, childTaskID, name)), nil
	}

	var err error
	if entry.ChatPath, err = copyOne(src.ChatPath, transcriptChatName); err != nil {
		return false, err
	}
	if entry.PartialPath, err = copyOne(src.PartialPath, transcriptPartName); err != nil {
		return false, err
	}
	if !archived {
		return false, nil
	}

	idxPath := filepath.Join(dir, indexFileName)
	idx, err := loadIndex[Transcript](idxPath)
	if err != nil {
		return false, err
	}
	if existing, ok := idx.ArtifactsByChildTaskID[childTaskID]; ok {
		entry.CreatedAtMs = existing.CreatedAtMs
	} else {
		entry.CreatedAtMs = nowMs()
	}
	entry.UpdatedAtMs = nowMs()
	idx.ArtifactsByChildTaskID[childTaskID] = entry
	return true, saveIndex(idxPath, idx)
}

// Transcript returns the transcript entry for a child task, if present.
func (s *Store) Transcript(workspaceID, childTaskID string) (Transcript, bool, error) {
	idx, err := loadIndex[Transcript](filepath.Join(s.sessionDir(workspaceID), TranscriptsDir, indexFileName))
	if err != nil {
		return Transcript{}, false, err
	}
	t, ok := idx.ArtifactsByChildTaskID[childTaskID]
	return t, ok, nil
}

// --- filesystem helpers ---

// atomicWrite writes via a temp file in the destination directory and
// renames it into place.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

// copyFileIfMissing copies src to dst unless dst already exists. A missing
// source is not an error; the bool reports whether a copy happened.
func copyFileIfMissing(src, dst string) (bool, error) {
	if _, err := os.Stat(dst); err == nil {
		return false, nil
	}
	in, err := os.Open(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return false, fmt.Errorf("failed to create dir for %s: %w", dst, err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return false, fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return false, fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return false, fmt.Errorf("failed to close %s: %w", dst, err)
	}
	return true, nil
}

// within reports whether target is a strict subpath of base after cleaning.
func within(base, target string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	if rel == "." || rel == ".." || filepath.IsAbs(rel) {
		return false
	}
	return !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
