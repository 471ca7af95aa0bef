// Package history reads and writes per-workspace chat logs: an
// append-only chat.jsonl and a partial.json snapshot of the in-flight
// assistant message.
package history

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/kandev/agenttask/internal/common/logger"
	"github.com/kandev/agenttask/internal/message"
)

// Session directory file names.
const (
	ChatFileName    = "chat.jsonl"
	PartialFileName = "partial.json"
)

// Store provides chat history access for workspaces. Paths are derived
// from the session directory resolver so the store carries no workspace
// state of its own.
type Store struct {
	sessionDir func(workspaceID string) string
	logger     *logger.Logger
}

// New creates a history store over the given session directory resolver.
func New(sessionDir func(workspaceID string) string, log *logger.Logger) *Store {
	return &Store{sessionDir: sessionDir, logger: log}
}

// ChatPath returns the chat.jsonl path for a workspace.
func (s *Store) ChatPath(workspaceID string) string {
	return filepath.Join(s.sessionDir(workspaceID), ChatFileName)
}

// PartialPath returns the partial.json path for a workspace.
func (s *Store) PartialPath(workspaceID string) string {
	return filepath.Join(s.sessionDir(workspaceID), PartialFileName)
}

// AppendToHistory appends messages to the workspace chat log, creating
// the session directory on first write.
func (s *Store) AppendToHistory(workspaceID string, msgs ...*message.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if err := os.MkdirAll(s.sessionDir(workspaceID), 0o755); err != nil {
		return fmt.Errorf("failed to create session dir: %w", err)
	}

	f, err := os.OpenFile(s.ChatPath(workspaceID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open chat log: %w", err)
	}
	defer func() { _ = f.Close() }()

	w := bufio.NewWriter(f)
	for _, msg := range msgs {
		line, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to encode message: %w", err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("failed to append message: %w", err)
		}
	}
	return w.Flush()
}

// GetLastMessages returns up to n most recent messages in chronological
// order. A missing chat log yields an empty slice. Corrupt lines are
// skipped with a warning so one bad write does not poison the history.
func (s *Store) GetLastMessages(workspaceID string, n int) ([]*message.Message, error) {
	f, err := os.Open(s.ChatPath(workspaceID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open chat log: %w", err)
	}
	defer func() { _ = f.Close() }()

	var msgs []*message.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg message.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			s.logger.Warn("Skipping corrupt chat log line",
				zap.String("workspace_id", workspaceID),
				zap.Error(err))
			continue
		}
		msgs = append(msgs, &msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read chat log: %w", err)
	}

	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return msgs, nil
}

// ReadPartial returns the in-flight assistant snapshot, or nil when no
// partial exists.
func (s *Store) ReadPartial(workspaceID string) (*message.Message, error) {
	raw, err := os.ReadFile(s.PartialPath(workspaceID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read partial: %w", err)
	}
	var msg message.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("corrupt partial for %s: %w", workspaceID, err)
	}
	return &msg, nil
}

// WritePartial atomically replaces the partial snapshot. A nil message
// removes it.
func (s *Store) WritePartial(workspaceID string, msg *message.Message) error {
	path := s.PartialPath(workspaceID)
	if msg == nil {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove partial: %w", err)
		}
		return nil
	}

	if err := os.MkdirAll(s.sessionDir(workspaceID), 0o755); err != nil {
		return fmt.Errorf("failed to create session dir: %w", err)
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode partial: %w", err)
	}
	return atomicWrite(path, raw)
}

// ReplaceAll atomically replaces the entire chat log with the given
// messages, used by history compaction.
func (s *Store) ReplaceAll(workspaceID string, msgs []*message.Message) error {
	if err := os.MkdirAll(s.sessionDir(workspaceID), 0o755); err != nil {
		return fmt.Errorf("failed to create session dir: %w", err)
	}

	var buf []byte
	for _, msg := range msgs {
		line, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to encode message: %w", err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	return atomicWrite(s.ChatPath(workspaceID), buf)
}

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
