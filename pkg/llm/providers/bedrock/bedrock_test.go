package bedrock

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/halyard-dev/halyard/pkg/llm"
)

func TestBuildInput_ReasoningBudget(t *testing.T) {
	input, err := buildInput("us.anthropic.claude-opus-4-5-20251101-v1:0", llm.Context{SystemPrompt: "s"}, llm.StreamOptions{
		MaxTokens: 4096,
		Reasoning: llm.ReasoningMedium,
	})
	if err != nil {
		t.Fatal(err)
	}
	if input.AdditionalModelRequestFields == nil {
		t.Fatal("missing thinking request fields")
	}
	// Budget 8192 exceeds max tokens 4096, so the cap is raised above it.
	if got := aws.ToInt32(input.InferenceConfig.MaxTokens); got != 8192+2048 {
		t.Errorf("max tokens = %d", got)
	}
	if input.InferenceConfig.Temperature != nil {
		t.Error("temperature should be omitted with thinking enabled")
	}
}

func TestBuildInput_XHighDowngradesBudget(t *testing.T) {
	// Bedrock model ids are not in the advertised-xhigh set, so xhigh gets
	// high's thinking budget rather than its own.
	input, err := buildInput("us.anthropic.claude-opus-4-5-20251101-v1:0", llm.Context{}, llm.StreamOptions{
		MaxTokens: 32768,
		Reasoning: llm.ReasoningXHigh,
	})
	if err != nil {
		t.Fatal(err)
	}
	raw, err := input.AdditionalModelRequestFields.MarshalSmithyDocument()
	if err != nil {
		t.Fatal(err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatal(err)
	}
	thinking, _ := fields["thinking"].(map[string]any)
	if got := fmt.Sprintf("%v", thinking["budget_tokens"]); got != "16384" {
		t.Errorf("budget_tokens = %v, want 16384", got)
	}
}

func TestConvertMessages_MergesConsecutiveToolResults(t *testing.T) {
	msgs, err := convertMessages([]llm.Message{
		llm.AssistantMessage{Role: llm.RoleAssistant, Content: []llm.ContentBlock{
			llm.ToolCall{Type: "tool_call", ID: "a", Name: "read", Arguments: map[string]any{}},
			llm.ToolCall{Type: "tool_call", ID: "b", Name: "read", Arguments: map[string]any{}},
		}},
		llm.ToolResultMessage{Role: llm.RoleToolResult, ToolCallID: "a", Content: []llm.ContentBlock{llm.TextContent{Type: "text", Text: "one"}}},
		llm.ToolResultMessage{Role: llm.RoleToolResult, ToolCallID: "b", Content: []llm.ContentBlock{llm.TextContent{Type: "text", Text: "two"}}, IsError: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want assistant + one merged user", len(msgs))
	}
	if msgs[1].Role != types.ConversationRoleUser || len(msgs[1].Content) != 2 {
		t.Fatalf("merged message = %+v", msgs[1])
	}
	second := msgs[1].Content[1].(*types.ContentBlockMemberToolResult)
	if second.Value.Status != types.ToolResultStatusError {
		t.Errorf("second result status = %v", second.Value.Status)
	}
}

func TestConvertMessages_ThinkingReplaysAsReasoning(t *testing.T) {
	msgs, err := convertMessages([]llm.Message{
		llm.AssistantMessage{Role: llm.RoleAssistant, Content: []llm.ContentBlock{
			llm.ThinkingContent{Type: "thinking", Thinking: "hm", Signature: "sig"},
			llm.TextContent{Type: "text", Text: "answer"},
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	rc, ok := msgs[0].Content[0].(*types.ContentBlockMemberReasoningContent)
	if !ok {
		t.Fatalf("first block = %T", msgs[0].Content[0])
	}
	rt := rc.Value.(*types.ReasoningContentBlockMemberReasoningText)
	if aws.ToString(rt.Value.Text) != "hm" || aws.ToString(rt.Value.Signature) != "sig" {
		t.Errorf("reasoning block = %+v", rt.Value)
	}
}

func TestMapStopReason(t *testing.T) {
	if mapStopReason(types.StopReasonToolUse) != llm.StopReasonTool {
		t.Error("tool_use")
	}
	if mapStopReason(types.StopReasonMaxTokens) != llm.StopReasonLength {
		t.Error("max_tokens")
	}
	if mapStopReason(types.StopReasonEndTurn) != llm.StopReasonStop {
		t.Error("end_turn")
	}
}
