// Package agent — message kinds beyond the model-facing three.
//
// The agent's history may contain bash executions the user ran between
// prompts and arbitrary embedder-defined custom messages. Models never see
// these directly: DefaultConvertToLLM expands or drops them before a call.
package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/halyard-dev/halyard/pkg/llm"
	"github.com/halyard-dev/halyard/pkg/session"
)

// Roles of the agent's own message kinds.
const (
	RoleBashExecution llm.Role = "bash_execution"
	RoleCustom        llm.Role = "custom"
)

// LLMConvertible is implemented by message kinds that are not model-facing
// but know how to render themselves as model-facing messages. Returning an
// empty slice keeps the message UI-only.
type LLMConvertible interface {
	llm.Message
	ToLLM() []llm.Message
}

// ---------------------------------------------------------------------------
// Bash execution
// ---------------------------------------------------------------------------

// BashExecutionMessage records a shell command the user ran outside the
// model loop (e.g. a "!cmd" REPL escape), so the model can see what happened.
type BashExecutionMessage struct {
	Role      llm.Role `json:"role"` // "bash_execution"
	Command   string   `json:"command"`
	Output    string   `json:"output"`
	ExitCode  int      `json:"exit_code"`
	Timestamp int64    `json:"timestamp"`
}

func NewBashExecutionMessage(command, output string, exitCode int) BashExecutionMessage {
	return BashExecutionMessage{
		Role:      RoleBashExecution,
		Command:   command,
		Output:    output,
		ExitCode:  exitCode,
		Timestamp: time.Now().UnixMilli(),
	}
}

func (m BashExecutionMessage) GetRole() llm.Role { return m.Role }

// ToLLM renders the execution as one user message.
func (m BashExecutionMessage) ToLLM() []llm.Message {
	var sb strings.Builder
	fmt.Fprintf(&sb, "I ran this command:\n```\n%s\n```\n", m.Command)
	if m.Output != "" {
		fmt.Fprintf(&sb, "\nOutput:\n```\n%s\n```\n", m.Output)
	}
	if m.ExitCode != 0 {
		fmt.Fprintf(&sb, "\nExit code: %d\n", m.ExitCode)
	}
	return []llm.Message{llm.UserMessage{
		Role:      llm.RoleUser,
		Content:   []llm.ContentBlock{llm.TextContent{Type: "text", Text: sb.String()}},
		Timestamp: m.Timestamp,
	}}
}

// ContentBlocks exposes the command and output for token estimation.
func (m BashExecutionMessage) ContentBlocks() []llm.ContentBlock {
	return []llm.ContentBlock{llm.TextContent{Type: "text", Text: m.Command + "\n" + m.Output}}
}

// ---------------------------------------------------------------------------
// Custom message
// ---------------------------------------------------------------------------

// CustomMessage is an embedder-defined entry in the history: a note, a
// hook-injected context block, a UI banner. SendToLLM decides whether the
// model sees it (as a user message) or it stays display-only.
type CustomMessage struct {
	Role      llm.Role           `json:"role"` // "custom"
	Tag       string             `json:"tag,omitempty"`
	Content   []llm.ContentBlock `json:"content"`
	SendToLLM bool               `json:"send_to_llm"`
	Timestamp int64              `json:"timestamp"`
}

func NewCustomMessage(tag string, sendToLLM bool, blocks ...llm.ContentBlock) CustomMessage {
	return CustomMessage{
		Role:      RoleCustom,
		Tag:       tag,
		Content:   blocks,
		SendToLLM: sendToLLM,
		Timestamp: time.Now().UnixMilli(),
	}
}

func (m CustomMessage) GetRole() llm.Role { return m.Role }

func (m CustomMessage) ToLLM() []llm.Message {
	if !m.SendToLLM || len(m.Content) == 0 {
		return nil
	}
	return []llm.Message{llm.UserMessage{
		Role:      llm.RoleUser,
		Content:   m.Content,
		Timestamp: m.Timestamp,
	}}
}

func (m CustomMessage) ContentBlocks() []llm.ContentBlock {
	return m.Content
}

// UnmarshalJSON decodes the Content union; all other fields decode as usual.
func (m *CustomMessage) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role      llm.Role        `json:"role"`
		Tag       string          `json:"tag"`
		Content   json.RawMessage `json:"content"`
		SendToLLM bool            `json:"send_to_llm"`
		Timestamp int64           `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var blocks []llm.ContentBlock
	if len(raw.Content) > 0 {
		var err error
		blocks, err = llm.UnmarshalContentBlocks(raw.Content)
		if err != nil {
			return err
		}
	}
	m.Role = raw.Role
	m.Tag = raw.Tag
	m.Content = blocks
	m.SendToLLM = raw.SendToLLM
	m.Timestamp = raw.Timestamp
	return nil
}

// ---------------------------------------------------------------------------
// Session codec
// ---------------------------------------------------------------------------

// Codec extends the session codec with the agent's message kinds so stored
// conversations round-trip bash executions and custom messages.
type Codec struct {
	session.DefaultCodec
}

func (c Codec) UnmarshalMessage(role string, data []byte) (llm.Message, error) {
	switch llm.Role(role) {
	case RoleBashExecution:
		var m BashExecutionMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case RoleCustom:
		var m CustomMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	}
	return c.DefaultCodec.UnmarshalMessage(role, data)
}

// ---------------------------------------------------------------------------
// Model context conversion
// ---------------------------------------------------------------------------

// DefaultConvertToLLM maps the agent's history to what a model accepts:
// model-facing messages pass through, LLMConvertible variants expand, and
// everything else is dropped. The result goes through the cross-model
// transform so a history written by one model replays cleanly on another.
func DefaultConvertToLLM(msgs []llm.Message, target llm.Model) ([]llm.Message, error) {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		switch m.GetRole() {
		case llm.RoleUser, llm.RoleAssistant, llm.RoleToolResult:
			out = append(out, m)
			continue
		}
		if conv, ok := m.(LLMConvertible); ok {
			out = append(out, conv.ToLLM()...)
		}
	}
	return llm.TransformContext(out, target, llm.NormalizeToolCallID), nil
}

// derefMessage unwraps pointer message types to their value form. The
// concrete types define GetRole on value receivers, so both *T and T satisfy
// llm.Message; storing values keeps type assertions simple everywhere else.
func derefMessage(m llm.Message) llm.Message {
	switch p := m.(type) {
	case *llm.UserMessage:
		return *p
	case *llm.AssistantMessage:
		return *p
	case *llm.ToolResultMessage:
		return *p
	case *BashExecutionMessage:
		return *p
	case *CustomMessage:
		return *p
	}
	return m
}

// userText builds the plain-text user message the convenience entry points use.
func userText(text string) llm.UserMessage {
	return llm.UserMessage{
		Role:      llm.RoleUser,
		Content:   []llm.ContentBlock{llm.TextContent{Type: "text", Text: text}},
		Timestamp: time.Now().UnixMilli(),
	}
}
