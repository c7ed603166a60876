package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/halyard-dev/halyard/pkg/llm"
)

var testModel = llm.Model{Provider: "openai", API: API, ID: "gpt-5"}

func chunkServer(t *testing.T, lines []string, gotBody *[]byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gotBody != nil {
			b, _ := io.ReadAll(r.Body)
			*gotBody = b
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, l := range lines {
			fmt.Fprintf(w, "data: %s\n\n", l)
		}
	}))
}

func toolCallScript() []string {
	return []string{
		`{"id":"c1","choices":[{"index":0,"delta":{"role":"assistant","content":"Hi"}}]}`,
		`{"id":"c1","choices":[{"index":0,"delta":{"content":" there"}}]}`,
		`{"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_abc","type":"function","function":{"name":"ls"}}]}}]}`,
		`{"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"path\": \"."}}]}}]}`,
		`{"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"}"}}]}}]}`,
		`{"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		`{"id":"c1","choices":[],"usage":{"prompt_tokens":100,"completion_tokens":20,"total_tokens":120,"prompt_tokens_details":{"cached_tokens":80}}}`,
		`[DONE]`,
	}
}

func TestStream_TextThenToolCall(t *testing.T) {
	srv := chunkServer(t, toolCallScript(), nil)
	defer srv.Close()

	a := New(srv.URL)
	es := a.Stream(context.Background(), testModel, llm.Context{}, llm.StreamOptions{APIKey: "k"})

	var types []llm.StreamEventType
	for ev := range es.Events() {
		types = append(types, ev.Type)
	}
	want := []llm.StreamEventType{
		llm.StreamEventStart,
		llm.StreamEventTextStart, llm.StreamEventTextDelta, llm.StreamEventTextDelta,
		llm.StreamEventTextEnd,
		llm.StreamEventToolCallStart, llm.StreamEventToolCallDelta, llm.StreamEventToolCallDelta,
		llm.StreamEventToolCallEnd,
		llm.StreamEventDone,
	}
	if len(types) != len(want) {
		t.Fatalf("events = %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, types[i], want[i])
		}
	}

	msg := es.Result()
	if msg.StopReason != llm.StopReasonTool {
		t.Errorf("stop reason = %s", msg.StopReason)
	}
	if txt := msg.Content[0].(llm.TextContent); txt.Text != "Hi there" {
		t.Errorf("text = %q", txt.Text)
	}
	tc := msg.Content[1].(llm.ToolCall)
	if tc.ID != "call_abc" || tc.Name != "ls" || tc.Arguments["path"] != "." {
		t.Errorf("tool call = %+v", tc)
	}
	// prompt_tokens includes the cached prefix; input is the uncached remainder.
	if msg.Usage.Input != 20 || msg.Usage.CacheRead != 80 || msg.Usage.Output != 20 || msg.Usage.TotalTokens != 120 {
		t.Errorf("usage = %+v", msg.Usage)
	}
}

func TestStream_TextOnlyClosesAtEnd(t *testing.T) {
	srv := chunkServer(t, []string{
		`{"id":"c1","choices":[{"index":0,"delta":{"role":"assistant","content":"Hello!"}}]}`,
		`{"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`[DONE]`,
	}, nil)
	defer srv.Close()

	a := New(srv.URL)
	es := a.Stream(context.Background(), testModel, llm.Context{}, llm.StreamOptions{})

	var sawEnd bool
	for ev := range es.Events() {
		if ev.Type == llm.StreamEventTextEnd {
			sawEnd = true
			if ev.Content != "Hello!" {
				t.Errorf("text_end content = %q", ev.Content)
			}
		}
	}
	if !sawEnd {
		t.Error("missing text_end")
	}
	if msg := es.Result(); msg.StopReason != llm.StopReasonStop {
		t.Errorf("stop reason = %s", msg.StopReason)
	}
}

func TestStream_ErrorChunkInBand(t *testing.T) {
	srv := chunkServer(t, []string{
		`{"error":{"message":"please reduce the length of the messages","type":"invalid_request_error"}}`,
	}, nil)
	defer srv.Close()

	a := New(srv.URL)
	es := a.Stream(context.Background(), testModel, llm.Context{}, llm.StreamOptions{})
	for range es.Events() {
	}
	msg := es.Result()
	if msg.StopReason != llm.StopReasonError {
		t.Fatalf("stop reason = %s", msg.StopReason)
	}
	if !llm.IsContextOverflow(msg, 0) {
		t.Errorf("error %q should classify as overflow", msg.ErrorMessage)
	}
}

func TestBuildRequest_ReasoningSwitchesTokenField(t *testing.T) {
	req, err := buildRequest("gpt-5", llm.Context{}, llm.StreamOptions{MaxTokens: 4096, Reasoning: llm.ReasoningHigh})
	if err != nil {
		t.Fatal(err)
	}
	if req.ReasoningEffort != "high" || req.MaxCompletionTokens != 4096 || req.MaxTokens != 0 {
		t.Errorf("reasoning request = %+v", req)
	}

	req, err = buildRequest("gpt-4o", llm.Context{}, llm.StreamOptions{MaxTokens: 4096})
	if err != nil {
		t.Fatal(err)
	}
	if req.ReasoningEffort != "" || req.MaxTokens != 4096 || req.MaxCompletionTokens != 0 {
		t.Errorf("plain request = %+v", req)
	}
}

func TestBuildRequest_XHighDowngradesForUnsupportedModels(t *testing.T) {
	// gpt-4o does not advertise xhigh; the effort must be capped at high.
	req, err := buildRequest("gpt-4o", llm.Context{}, llm.StreamOptions{MaxTokens: 4096, Reasoning: llm.ReasoningXHigh})
	if err != nil {
		t.Fatal(err)
	}
	if req.ReasoningEffort != "high" {
		t.Errorf("reasoning_effort = %q, want %q", req.ReasoningEffort, "high")
	}

	// gpt-5.1-codex-max advertises xhigh and keeps it.
	req, err = buildRequest("gpt-5.1-codex-max", llm.Context{}, llm.StreamOptions{MaxTokens: 4096, Reasoning: llm.ReasoningXHigh})
	if err != nil {
		t.Fatal(err)
	}
	if req.ReasoningEffort != "xhigh" {
		t.Errorf("reasoning_effort = %q, want %q", req.ReasoningEffort, "xhigh")
	}
}

func TestConvertMessage_ToolFlow(t *testing.T) {
	wm, err := convertMessage(llm.AssistantMessage{
		Role: llm.RoleAssistant,
		Content: []llm.ContentBlock{
			llm.TextContent{Type: "text", Text: "running"},
			llm.ToolCall{Type: "tool_call", ID: "call_1", Name: "bash", Arguments: map[string]any{"command": "ls"}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if wm.Content != "running" || len(wm.ToolCalls) != 1 {
		t.Fatalf("assistant wire = %+v", wm)
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(wm.ToolCalls[0].Function.Arguments), &args); err != nil || args["command"] != "ls" {
		t.Errorf("arguments = %q", wm.ToolCalls[0].Function.Arguments)
	}

	rm, err := convertMessage(llm.ToolResultMessage{
		Role:       llm.RoleToolResult,
		ToolCallID: "call_1",
		Content:    []llm.ContentBlock{llm.TextContent{Type: "text", Text: "a.txt"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if rm.Role != "tool" || rm.ToolCallID != "call_1" || rm.Content != "a.txt" {
		t.Errorf("tool result wire = %+v", rm)
	}
}
