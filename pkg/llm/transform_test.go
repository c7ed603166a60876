package llm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	claude = Model{Provider: "anthropic", API: "anthropic-messages", ID: "claude-sonnet-4-5"}
	gpt    = Model{Provider: "openai", API: "openai-completions", ID: "gpt-5"}
)

func assistantFrom(model Model, blocks ...ContentBlock) AssistantMessage {
	return AssistantMessage{
		Role:       RoleAssistant,
		Content:    blocks,
		Provider:   model.Provider,
		API:        model.API,
		Model:      model.ID,
		StopReason: StopReasonStop,
	}
}

func userText(text string) UserMessage {
	return UserMessage{Role: RoleUser, Content: []ContentBlock{TextContent{Type: "text", Text: text}}}
}

func TestTransformSameModelKeepsThinkingAndSignatures(t *testing.T) {
	history := []Message{
		userText("hi"),
		assistantFrom(claude,
			ThinkingContent{Type: "thinking", Thinking: "let me think", Signature: "sig-thinking"},
			TextContent{Type: "text", Text: "hello", Signature: "sig-text"},
		),
	}

	out := TransformContext(history, claude, NormalizeToolCallID)
	require.Len(t, out, 2)

	asst := out[1].(AssistantMessage)
	require.Len(t, asst.Content, 2)
	thinking := asst.Content[0].(ThinkingContent)
	assert.Equal(t, "let me think", thinking.Thinking)
	assert.Equal(t, "sig-thinking", thinking.Signature)
	text := asst.Content[1].(TextContent)
	assert.Equal(t, "sig-text", text.Signature)
}

func TestTransformCrossModelDowngradesThinking(t *testing.T) {
	history := []Message{
		userText("hi"),
		assistantFrom(claude,
			ThinkingContent{Type: "thinking", Thinking: "", Signature: "sig"},
			ThinkingContent{Type: "thinking", Thinking: "reasoning here"},
			TextContent{Type: "text", Text: "hello", Signature: "sig-text"},
		),
	}

	out := TransformContext(history, gpt, NormalizeToolCallID)
	asst := out[1].(AssistantMessage)

	// Empty thinking dropped, non-empty converted to text, text signature stripped.
	require.Len(t, asst.Content, 2)
	converted, ok := asst.Content[0].(TextContent)
	require.True(t, ok, "thinking should become text cross-model")
	assert.Equal(t, "reasoning here", converted.Text)
	assert.Empty(t, converted.Signature)
	assert.Empty(t, asst.Content[1].(TextContent).Signature)
}

func TestTransformCrossModelStripsThoughtSignature(t *testing.T) {
	call := ToolCall{Type: "tool_call", ID: "call_1", Name: "ls", Arguments: map[string]any{"path": "."}, ThoughtSignature: "opaque"}
	history := []Message{
		userText("list"),
		assistantFrom(claude, call),
		ToolResultMessage{Role: RoleToolResult, ToolCallID: "call_1", ToolName: "ls", Content: []ContentBlock{TextContent{Type: "text", Text: "a.txt"}}},
	}

	sameModel := TransformContext(history, claude, NormalizeToolCallID)
	assert.Equal(t, "opaque", sameModel[1].(AssistantMessage).ToolCalls()[0].ThoughtSignature)

	crossModel := TransformContext(history, gpt, NormalizeToolCallID)
	assert.Empty(t, crossModel[1].(AssistantMessage).ToolCalls()[0].ThoughtSignature)
}

func TestTransformNormalizesIDsAndRewritesResults(t *testing.T) {
	// A 480-char id with characters outside [A-Za-z0-9_-].
	longID := strings.Repeat("toolu!0123ABCxyz$$  ", 24)
	require.Len(t, longID, 480)

	history := []Message{
		userText("go"),
		assistantFrom(claude, ToolCall{Type: "tool_call", ID: longID, Name: "bash", Arguments: map[string]any{"cmd": "ls"}}),
		ToolResultMessage{Role: RoleToolResult, ToolCallID: longID, ToolName: "bash", Content: []ContentBlock{TextContent{Type: "text", Text: "ok"}}},
	}

	out := TransformContext(history, gpt, NormalizeToolCallID)
	call := out[1].(AssistantMessage).ToolCalls()[0]
	result := out[2].(ToolResultMessage)

	assert.Regexp(t, `^[A-Za-z0-9_-]{1,64}$`, call.ID)
	assert.Equal(t, call.ID, result.ToolCallID, "tool result id must follow the rewritten call id")

	// Replaying to the producing model keeps the original id.
	same := TransformContext(history, claude, NormalizeToolCallID)
	assert.Equal(t, longID, same[1].(AssistantMessage).ToolCalls()[0].ID)
	assert.Equal(t, longID, same[2].(ToolResultMessage).ToolCallID)
}

func TestTransformDropsErroredAssistants(t *testing.T) {
	errored := assistantFrom(claude, TextContent{Type: "text", Text: "half an answer"})
	errored.StopReason = StopReasonError
	aborted := assistantFrom(claude, TextContent{Type: "text", Text: "interrupted"})
	aborted.StopReason = StopReasonAborted

	history := []Message{userText("q"), errored, aborted, assistantFrom(claude, TextContent{Type: "text", Text: "final"})}
	out := TransformContext(history, claude, NormalizeToolCallID)

	require.Len(t, out, 2)
	assert.Equal(t, "final", out[1].(AssistantMessage).Content[0].(TextContent).Text)
}

func TestTransformSynthesizesMissingResults(t *testing.T) {
	history := []Message{
		userText("go"),
		assistantFrom(claude,
			ToolCall{Type: "tool_call", ID: "call_a", Name: "read", Arguments: map[string]any{}},
			ToolCall{Type: "tool_call", ID: "call_b", Name: "read", Arguments: map[string]any{}},
		),
		ToolResultMessage{Role: RoleToolResult, ToolCallID: "call_a", ToolName: "read", Content: []ContentBlock{TextContent{Type: "text", Text: "ok"}}},
		userText("never mind"),
	}

	out := TransformContext(history, claude, NormalizeToolCallID)
	require.Len(t, out, 5)

	synthetic, ok := out[3].(ToolResultMessage)
	require.True(t, ok, "missing result must be synthesized before the next user message")
	assert.Equal(t, "call_b", synthetic.ToolCallID)
	assert.True(t, synthetic.IsError)
	assert.Equal(t, "No result provided", synthetic.Content[0].(TextContent).Text)
	assert.IsType(t, UserMessage{}, out[4])
}

func TestTransformFlushesTrailingOrphans(t *testing.T) {
	history := []Message{
		userText("go"),
		assistantFrom(claude, ToolCall{Type: "tool_call", ID: "call_z", Name: "bash", Arguments: map[string]any{}}),
	}

	out := TransformContext(history, claude, NormalizeToolCallID)
	require.Len(t, out, 3)
	synthetic := out[2].(ToolResultMessage)
	assert.Equal(t, "call_z", synthetic.ToolCallID)
	assert.True(t, synthetic.IsError)
}

func TestTransformPassesUnmatchedResultsThrough(t *testing.T) {
	orphan := ToolResultMessage{Role: RoleToolResult, ToolCallID: "ghost", ToolName: "bash", Content: []ContentBlock{TextContent{Type: "text", Text: "??"}}}
	history := []Message{userText("hi"), orphan}

	out := TransformContext(history, claude, NormalizeToolCallID)
	require.Len(t, out, 2)
	assert.Equal(t, "ghost", out[1].(ToolResultMessage).ToolCallID)
}

func TestTransformDoesNotMutateInput(t *testing.T) {
	asst := assistantFrom(claude,
		ThinkingContent{Type: "thinking", Thinking: "reasoning", Signature: "sig"},
		TextContent{Type: "text", Text: "hello", Signature: "sig-text"},
	)
	history := []Message{userText("hi"), asst}

	_ = TransformContext(history, gpt, NormalizeToolCallID)

	original := history[1].(AssistantMessage)
	assert.Equal(t, "sig", original.Content[0].(ThinkingContent).Signature)
	assert.Equal(t, "sig-text", original.Content[1].(TextContent).Signature)
}

func TestNormalizeToolCallID(t *testing.T) {
	assert.Equal(t, "toolu_01abc", NormalizeToolCallID("toolu_01abc", gpt, nil))

	weird := "id with spaces and ünïcode ->" + strings.Repeat("x", 100)
	got := NormalizeToolCallID(weird, gpt, nil)
	assert.Regexp(t, `^[A-Za-z0-9_-]{1,64}$`, got)
	assert.Equal(t, got, NormalizeToolCallID(weird, gpt, nil), "normalization must be deterministic")

	onlyInvalid := "!!! ??? ***"
	got = NormalizeToolCallID(onlyInvalid, gpt, nil)
	assert.Regexp(t, `^call_[0-9a-f]{8}$`, got)
}
