package artifacts

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// RollUp moves the artifacts recorded in a cleaned-up workspace's session
// directory into its parent's. Payload directories are copied unless the
// destination already exists, index entries are merged keeping the larger
// updatedAtMs, and report lineage is rewritten so the deleted workspace
// disappears from parent and ancestor references. Repeating a roll-up
// yields the same on-disk state.
func (s *Store) RollUp(deletedWorkspaceID, newParentWorkspaceID string) error {
	src := s.sessionDir(deletedWorkspaceID)
	dst := s.sessionDir(newParentWorkspaceID)

	if err := rollUpKind(s, ReportsDir, src, dst, func(r Report) Report {
		return rewriteLineage(r, deletedWorkspaceID, newParentWorkspaceID)
	}); err != nil {
		return fmt.Errorf("failed to roll up reports: %w", err)
	}
	if err := rollUpKind(s, PatchesDir, src, dst, func(p Patch) Patch { return p }); err != nil {
		return fmt.Errorf("failed to roll up patches: %w", err)
	}
	if err := rollUpKind(s, TranscriptsDir, src, dst, func(t Transcript) Transcript { return t }); err != nil {
		return fmt.Errorf("failed to roll up transcripts: %w", err)
	}
	return nil
}

type timestamped interface{ updatedAt() int64 }

func rollUpKind[T timestamped](s *Store, kind, srcSession, dstSession string, rewrite func(T) T) error {
	srcIdx, err := loadIndex[T](filepath.Join(srcSession, kind, indexFileName))
	if err != nil {
		return err
	}
	dstKindDir := filepath.Join(dstSession, kind)
	dstIdxPath := filepath.Join(dstKindDir, indexFileName)
	dstIdx, err := loadIndex[T](dstIdxPath)
	if err != nil {
		return err
	}
	if len(srcIdx.ArtifactsByChildTaskID) == 0 && len(dstIdx.ArtifactsByChildTaskID) == 0 {
		return nil
	}

	for childID, entry := range srcIdx.ArtifactsByChildTaskID {
		dstPayload := filepath.Join(dstKindDir, childID)
		if !within(dstKindDir, dstPayload) {
			s.logger.Warn("Refusing artifact roll-up outside parent session dir",
				zap.String("kind", kind),
				zap.String("child_task_id", childID))
			continue
		}
		if err := copyDirIfMissing(filepath.Join(srcSession, kind, childID), dstPayload); err != nil {
			return err
		}
		if existing, ok := dstIdx.ArtifactsByChildTaskID[childID]; !ok || entry.updatedAt() > existing.updatedAt() {
			dstIdx.ArtifactsByChildTaskID[childID] = entry
		}
	}

	// Entries already present in the parent may also reference the deleted
	// workspace (reports are persisted into every ancestor), so the rewrite
	// runs over the merged index, not just the moved entries.
	for id, entry := range dstIdx.ArtifactsByChildTaskID {
		dstIdx.ArtifactsByChildTaskID[id] = rewrite(entry)
	}
	return saveIndex(dstIdxPath, dstIdx)
}

// copyDirIfMissing recursively copies src into dst unless dst already
// exists. A missing source directory is skipped.
func copyDirIfMissing(src, dst string) error {
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	info, err := os.Stat(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat %s: %w", src, err)
	}
	if !info.IsDir() {
		return nil
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", src, err)
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	for _, e := range entries {
		srcPath := filepath.Join(src, e.Name())
		dstPath := filepath.Join(dst, e.Name())
		if e.IsDir() {
			if err := copyDirIfMissing(srcPath, dstPath); err != nil {
				return err
			}
			continue
		}
		if _, err := copyFileIfMissing(srcPath, dstPath); err != nil {
			return err
		}
	}
	return nil
}
