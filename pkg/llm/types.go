// Package llm defines the model-facing types shared by the whole runtime:
// messages and content blocks, usage accounting, streaming events, stream
// options, the cross-model transform, and the provider registry.
package llm

import "encoding/json"

// ---------------------------------------------------------------------------
// Model identity
// ---------------------------------------------------------------------------

// Model identifies a concrete model endpoint. Provider is the hosting
// service ("anthropic", "openrouter", ...), API the wire protocol it speaks
// ("anthropic-messages", "openai-completions", ...), ID the model name the
// API expects. Two assistant messages are "same model" only when all three
// match; signatures and thinking blocks survive replay only in that case.
type Model struct {
	Provider string `json:"provider"`
	API      string `json:"api"`
	ID       string `json:"id"`
}

func (m Model) String() string {
	return m.Provider + "/" + m.ID
}

// ---------------------------------------------------------------------------
// Content blocks
// ---------------------------------------------------------------------------

type TextContent struct {
	Type string `json:"type"` // "text"
	Text string `json:"text"`
	// Signature is an opaque provider token attached to the block. It is
	// replayed only to the model that produced it.
	Signature string `json:"signature,omitempty"`
}

type ImageContent struct {
	Type     string `json:"type"`      // "image"
	Data     string `json:"data"`      // base64
	MIMEType string `json:"mime_type"` // e.g. "image/png"
}

type ThinkingContent struct {
	Type      string `json:"type"` // "thinking"
	Thinking  string `json:"thinking"`
	Signature string `json:"signature,omitempty"`
}

type ToolCall struct {
	Type      string         `json:"type"`      // "tool_call"
	ID        string         `json:"id"`        // unique call ID
	Name      string         `json:"name"`      // tool name
	Arguments map[string]any `json:"arguments"` // parsed JSON args
	// ThoughtSignature carries provider-private reasoning state bound to
	// this call. Stripped when the history is replayed to another model.
	ThoughtSignature string `json:"thought_signature,omitempty"`
}

// ContentBlock is implemented by TextContent, ImageContent, ThinkingContent,
// and ToolCall.
type ContentBlock interface {
	contentBlock()
}

func (TextContent) contentBlock()     {}
func (ImageContent) contentBlock()    {}
func (ThinkingContent) contentBlock() {}
func (ToolCall) contentBlock()        {}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// Role discriminates message kinds. The three model-facing roles are listed
// below; embedders may define further roles (bash executions, compaction
// summaries, ...) on their own Message implementations, which are mapped to
// model-facing messages, or dropped, before any model call.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "tool_result"
)

type StopReason string

const (
	StopReasonStop    StopReason = "stop"
	StopReasonLength  StopReason = "length"
	StopReasonTool    StopReason = "tool_use"
	StopReasonError   StopReason = "error"
	StopReasonAborted StopReason = "aborted"
)

// UserMessage is a message from the user (human turn).
type UserMessage struct {
	Role      Role           `json:"role"`
	Content   []ContentBlock `json:"content"`
	Timestamp int64          `json:"timestamp"` // unix ms
}

func (m UserMessage) GetRole() Role { return m.Role }

// AssistantMessage is a response from a model. Provider, API, and Model
// record where it came from, so replay can tell same-model from cross-model.
type AssistantMessage struct {
	Role         Role           `json:"role"`
	Content      []ContentBlock `json:"content"`
	Provider     string         `json:"provider"`
	API          string         `json:"api"`
	Model        string         `json:"model"`
	Usage        Usage          `json:"usage"`
	StopReason   StopReason     `json:"stop_reason"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Timestamp    int64          `json:"timestamp"`
}

func (m AssistantMessage) GetRole() Role { return m.Role }

// Identity returns the model triple that produced this message.
func (m AssistantMessage) Identity() Model {
	return Model{Provider: m.Provider, API: m.API, ID: m.Model}
}

// ToolCalls returns the tool-call blocks in content order.
func (m AssistantMessage) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, block := range m.Content {
		if tc, ok := block.(ToolCall); ok {
			calls = append(calls, tc)
		}
	}
	return calls
}

// Clone copies the message so a snapshot survives later mutation of the
// original. Blocks are values; tool-call argument maps are copied one level
// deep, which is enough because adapters replace (never edit) those maps.
func (m *AssistantMessage) Clone() *AssistantMessage {
	cp := *m
	cp.Content = make([]ContentBlock, len(m.Content))
	for i, block := range m.Content {
		if tc, ok := block.(ToolCall); ok && tc.Arguments != nil {
			args := make(map[string]any, len(tc.Arguments))
			for k, v := range tc.Arguments {
				args[k] = v
			}
			tc.Arguments = args
			cp.Content[i] = tc
			continue
		}
		cp.Content[i] = block
	}
	return &cp
}

// ToolResultMessage carries the result of a tool call back to the model.
type ToolResultMessage struct {
	Role       Role           `json:"role"`
	ToolCallID string         `json:"tool_call_id"`
	ToolName   string         `json:"tool_name"`
	Content    []ContentBlock `json:"content"`
	Details    any            `json:"details,omitempty"`
	IsError    bool           `json:"is_error"`
	Timestamp  int64          `json:"timestamp"`
}

func (m ToolResultMessage) GetRole() Role { return m.Role }

// Message is the open union of message kinds. The model-facing kinds are
// UserMessage, AssistantMessage, and ToolResultMessage; anything else must
// be converted (or dropped) before reaching a provider.
type Message interface {
	GetRole() Role
}

// ---------------------------------------------------------------------------
// Usage / cost
// ---------------------------------------------------------------------------

type Cost struct {
	Input      float64 `json:"input"`
	Output     float64 `json:"output"`
	CacheRead  float64 `json:"cache_read"`
	CacheWrite float64 `json:"cache_write"`
	Total      float64 `json:"total"`
}

type Usage struct {
	Input       int  `json:"input"`
	Output      int  `json:"output"`
	CacheRead   int  `json:"cache_read"`
	CacheWrite  int  `json:"cache_write"`
	TotalTokens int  `json:"total_tokens"`
	Cost        Cost `json:"cost"`
}

// Total returns TotalTokens when the provider reported it, else the sum of
// the components.
func (u Usage) Total() int {
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.Input + u.Output + u.CacheRead + u.CacheWrite
}

// ---------------------------------------------------------------------------
// Tool definition (schema handed to the model)
// ---------------------------------------------------------------------------

// ToolDefinition describes a tool to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema object
}

// ---------------------------------------------------------------------------
// Context passed to a provider
// ---------------------------------------------------------------------------

// Context holds the full conversation state for one model call.
type Context struct {
	SystemPrompt string
	Messages     []Message
	Tools        []ToolDefinition
}
