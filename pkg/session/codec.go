// Package session — message serialization.
//
// llm.Message is an interface, so decoding a stored message needs a dispatch
// on its role. The session only knows the three model-facing roles plus its
// own summary variants; embedders with additional message kinds inject a
// MessageCodec that understands them (see Session.SetCodec).
package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/halyard-dev/halyard/pkg/llm"
)

// Roles of the message variants the session itself produces. Both convert to
// plain user messages before any model call.
const (
	RoleCompactionSummary llm.Role = "compaction_summary"
	RoleBranchSummary     llm.Role = "branch_summary"
)

// MessageCodec translates between stored message JSON and llm.Message
// values. MarshalMessage is called with whatever the embedder appends;
// UnmarshalMessage must handle every role MarshalMessage accepted.
type MessageCodec interface {
	MarshalMessage(m llm.Message) ([]byte, error)
	UnmarshalMessage(role string, data []byte) (llm.Message, error)
}

// DefaultCodec handles the model-facing roles (user, assistant, tool_result)
// and the session's own summary variants. Unknown roles fail decoding.
type DefaultCodec struct{}

func (DefaultCodec) MarshalMessage(m llm.Message) ([]byte, error) {
	return json.Marshal(m)
}

func (DefaultCodec) UnmarshalMessage(role string, data []byte) (llm.Message, error) {
	switch llm.Role(role) {
	case llm.RoleUser, llm.RoleAssistant, llm.RoleToolResult:
		return llm.UnmarshalMessage(data)
	case RoleCompactionSummary:
		var m CompactionSummaryMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case RoleBranchSummary:
		var m BranchSummaryMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	}
	return nil, fmt.Errorf("session: unknown message role %q", role)
}

// ---------------------------------------------------------------------------
// Summary message variants
// ---------------------------------------------------------------------------

// CompactionSummaryMessage replaces the summarized portion of the history
// when a session is replayed past a compaction entry. The UI may render it
// specially; the model sees it as a user message.
type CompactionSummaryMessage struct {
	Role         llm.Role `json:"role"` // "compaction_summary"
	Summary      string   `json:"summary"`
	TokensBefore int      `json:"tokens_before,omitempty"`
	Timestamp    int64    `json:"timestamp"`
}

func (m CompactionSummaryMessage) GetRole() llm.Role { return m.Role }

// ToLLM renders the summary as the user message the model receives.
func (m CompactionSummaryMessage) ToLLM() []llm.Message {
	return []llm.Message{llm.UserMessage{
		Role:      llm.RoleUser,
		Content:   []llm.ContentBlock{llm.TextContent{Type: "text", Text: compactionSummaryText(m.Summary)}},
		Timestamp: m.Timestamp,
	}}
}

// ContentBlocks exposes the summary text for token estimation.
func (m CompactionSummaryMessage) ContentBlocks() []llm.ContentBlock {
	return []llm.ContentBlock{llm.TextContent{Type: "text", Text: m.Summary}}
}

// BranchSummaryMessage opens a forked session with a digest of the branch
// that was left behind.
type BranchSummaryMessage struct {
	Role        llm.Role `json:"role"` // "branch_summary"
	Summary     string   `json:"summary"`
	FromSession string   `json:"from_session,omitempty"` // parent session file path
	Timestamp   int64    `json:"timestamp"`
}

func (m BranchSummaryMessage) GetRole() llm.Role { return m.Role }

func (m BranchSummaryMessage) ToLLM() []llm.Message {
	if m.Summary == "" {
		return nil
	}
	text := fmt.Sprintf(
		"An earlier branch of this conversation was abandoned. What was tried there:\n\n<branch-summary>\n%s\n</branch-summary>",
		m.Summary,
	)
	return []llm.Message{llm.UserMessage{
		Role:      llm.RoleUser,
		Content:   []llm.ContentBlock{llm.TextContent{Type: "text", Text: text}},
		Timestamp: m.Timestamp,
	}}
}

func (m BranchSummaryMessage) ContentBlocks() []llm.ContentBlock {
	return []llm.ContentBlock{llm.TextContent{Type: "text", Text: m.Summary}}
}

func compactionSummaryText(summary string) string {
	return fmt.Sprintf(
		"The conversation history before this point was compacted into the following summary:\n\n<summary>\n%s\n</summary>",
		summary,
	)
}

// summaryMessageFor materializes the replay message for a compaction entry.
func summaryMessageFor(e Entry) CompactionSummaryMessage {
	ts := time.Now().UnixMilli()
	if t, err := time.Parse(time.RFC3339, e.Timestamp); err == nil {
		ts = t.UnixMilli()
	}
	return CompactionSummaryMessage{
		Role:         RoleCompactionSummary,
		Summary:      e.Summary,
		TokensBefore: e.TokensBefore,
		Timestamp:    ts,
	}
}

// branchMessageFor materializes the replay message for a branch summary entry.
func branchMessageFor(e Entry) BranchSummaryMessage {
	ts := time.Now().UnixMilli()
	if t, err := time.Parse(time.RFC3339, e.Timestamp); err == nil {
		ts = t.UnixMilli()
	}
	return BranchSummaryMessage{
		Role:        RoleBranchSummary,
		Summary:     e.Summary,
		FromSession: e.ParentSessionPath,
		Timestamp:   ts,
	}
}
