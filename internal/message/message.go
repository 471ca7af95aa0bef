// Package message defines the chat message model shared by the history
// store, the stream-end handler, and report delivery. The JSON shape
// matches the chat.jsonl / partial.json files on disk, so field names
// are lowerCamel.
package message

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role values for chat history messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Metadata carries the engine-relevant annotations of a message.
type Metadata struct {
	AgentID   string `json:"agentId,omitempty"`
	Synthetic bool   `json:"synthetic,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"` // unix milliseconds

	// Compacted marks a summary message that replaced earlier history
	// ("user" when the compaction was triggered on the user's behalf).
	Compacted          string `json:"compacted,omitempty"`
	CompactionEpoch    int    `json:"compactionEpoch,omitempty"`
	CompactionBoundary bool   `json:"compactionBoundary,omitempty"`
}

// Message is one chat.jsonl line or a partial.json snapshot.
type Message struct {
	ID       string    `json:"id"`
	Role     string    `json:"role"`
	Parts    []Part    `json:"parts"`
	Metadata *Metadata `json:"metadata,omitempty"`
}

// NewUserMessage builds a user message with a single text part.
func NewUserMessage(text string, meta *Metadata) *Message {
	if meta == nil {
		meta = &Metadata{}
	}
	if meta.Timestamp == 0 {
		meta.Timestamp = time.Now().UnixMilli()
	}
	return &Message{
		ID:       uuid.New().String(),
		Role:     RoleUser,
		Parts:    []Part{{Type: PartTypeText, Text: text}},
		Metadata: meta,
	}
}

// NewAssistantMessage builds an assistant message with a single text part.
func NewAssistantMessage(text string, meta *Metadata) *Message {
	if meta == nil {
		meta = &Metadata{}
	}
	if meta.Timestamp == 0 {
		meta.Timestamp = time.Now().UnixMilli()
	}
	return &Message{
		ID:       uuid.New().String(),
		Role:     RoleAssistant,
		Parts:    []Part{{Type: PartTypeText, Text: text}},
		Metadata: meta,
	}
}

// Text returns the concatenated text parts of the message.
func (m *Message) Text() string {
	var b strings.Builder
	for i := range m.Parts {
		if m.Parts[i].Type == PartTypeText {
			b.WriteString(m.Parts[i].Text)
		}
	}
	return b.String()
}

// AgentID returns the agent recorded in the message metadata, if any.
func (m *Message) AgentID() string {
	if m.Metadata == nil {
		return ""
	}
	return m.Metadata.AgentID
}

// IsSynthetic reports whether the message was generated by the engine
// rather than typed by a user.
func (m *Message) IsSynthetic() bool {
	return m.Metadata != nil && m.Metadata.Synthetic
}

// LastAssistantText scans messages newest-first and returns the text of
// the most recent assistant message, or "" when there is none.
func LastAssistantText(msgs []*Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i] == nil || msgs[i].Role != RoleAssistant {
			continue
		}
		if text := msgs[i].Text(); text != "" {
			return text
		}
	}
	return ""
}

// LastAssistantAgentID scans messages newest-first for the most recent
// assistant message carrying an agentId.
func LastAssistantAgentID(msgs []*Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i] == nil || msgs[i].Role != RoleAssistant {
			continue
		}
		if id := msgs[i].AgentID(); id != "" {
			return id
		}
	}
	return ""
}

// MaxCompactionEpoch returns the highest compactionEpoch recorded in
// msgs, or 0 when none is set.
func MaxCompactionEpoch(msgs []*Message) int {
	max := 0
	for _, m := range msgs {
		if m == nil || m.Metadata == nil {
			continue
		}
		if m.Metadata.CompactionEpoch > max {
			max = m.Metadata.CompactionEpoch
		}
	}
	return max
}
