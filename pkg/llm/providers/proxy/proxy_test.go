package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/halyard-dev/halyard/pkg/llm"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var mockModel = llm.Model{Provider: "mock", API: "mock", ID: "mock-1"}

// splitRunes cuts s into chunks of at most n runes, never mid-rune.
func splitRunes(s string, n int) []string {
	var chunks []string
	runes := []rune(s)
	for len(runes) > 0 {
		k := n
		if k > len(runes) {
			k = len(runes)
		}
		chunks = append(chunks, string(runes[:k]))
		runes = runes[k:]
	}
	return chunks
}

// synthesizeEvents produces the canonical event sequence an adapter would
// emit while streaming msg.
func synthesizeEvents(msg *llm.AssistantMessage) []llm.StreamEvent {
	partial := &llm.AssistantMessage{
		Role:      llm.RoleAssistant,
		Provider:  msg.Provider,
		API:       msg.API,
		Model:     msg.Model,
		Timestamp: msg.Timestamp,
	}
	var evs []llm.StreamEvent
	push := func(ev llm.StreamEvent) {
		ev.Partial = partial.Clone()
		evs = append(evs, ev)
	}

	push(llm.StreamEvent{Type: llm.StreamEventStart})
	for i, block := range msg.Content {
		switch b := block.(type) {
		case llm.TextContent:
			partial.Content = append(partial.Content, llm.TextContent{Type: "text"})
			push(llm.StreamEvent{Type: llm.StreamEventTextStart, ContentIndex: i})
			for _, chunk := range splitRunes(b.Text, 5) {
				tb := partial.Content[i].(llm.TextContent)
				tb.Text += chunk
				partial.Content[i] = tb
				push(llm.StreamEvent{Type: llm.StreamEventTextDelta, ContentIndex: i, Delta: chunk})
			}
			partial.Content[i] = b
			push(llm.StreamEvent{Type: llm.StreamEventTextEnd, ContentIndex: i, Content: b.Text, Signature: b.Signature})

		case llm.ThinkingContent:
			partial.Content = append(partial.Content, llm.ThinkingContent{Type: "thinking"})
			push(llm.StreamEvent{Type: llm.StreamEventThinkingStart, ContentIndex: i})
			for _, chunk := range splitRunes(b.Thinking, 5) {
				tb := partial.Content[i].(llm.ThinkingContent)
				tb.Thinking += chunk
				partial.Content[i] = tb
				push(llm.StreamEvent{Type: llm.StreamEventThinkingDelta, ContentIndex: i, Delta: chunk})
			}
			partial.Content[i] = b
			push(llm.StreamEvent{Type: llm.StreamEventThinkingEnd, ContentIndex: i, Content: b.Thinking, Signature: b.Signature})

		case llm.ToolCall:
			partial.Content = append(partial.Content, llm.ToolCall{Type: "tool_call", ID: b.ID, Name: b.Name, Arguments: map[string]any{}})
			push(llm.StreamEvent{Type: llm.StreamEventToolCallStart, ContentIndex: i})
			argsJSON, _ := json.Marshal(b.Arguments)
			for _, chunk := range splitRunes(string(argsJSON), 3) {
				push(llm.StreamEvent{Type: llm.StreamEventToolCallDelta, ContentIndex: i, Delta: chunk})
			}
			partial.Content[i] = b
			frozen := b
			push(llm.StreamEvent{Type: llm.StreamEventToolCallEnd, ContentIndex: i, ToolCall: &frozen})
		}
	}

	partial.StopReason = msg.StopReason
	partial.Usage = msg.Usage
	partial.ErrorMessage = msg.ErrorMessage
	if msg.StopReason == llm.StopReasonError || msg.StopReason == llm.StopReasonAborted {
		push(llm.StreamEvent{Type: llm.StreamEventError})
	} else {
		push(llm.StreamEvent{Type: llm.StreamEventDone})
	}
	return evs
}

// playback returns a StreamFunc that replays msg's canonical event sequence.
func playback(msg *llm.AssistantMessage, sawCtx *llm.Context) llm.StreamFunc {
	return func(ctx context.Context, model llm.Model, llmCtx llm.Context, opts llm.StreamOptions) *llm.EventStream {
		if sawCtx != nil {
			*sawCtx = llmCtx
		}
		es := llm.NewEventStream()
		go func() {
			for _, ev := range synthesizeEvents(msg) {
				es.Push(ev)
			}
		}()
		return es
	}
}

func sampleMessage() *llm.AssistantMessage {
	return &llm.AssistantMessage{
		Role: llm.RoleAssistant,
		Content: []llm.ContentBlock{
			llm.ThinkingContent{Type: "thinking", Thinking: "inspect the dir", Signature: "sig-think"},
			llm.TextContent{Type: "text", Text: "Listing now."},
			llm.ToolCall{Type: "tool_call", ID: "call_9", Name: "ls", Arguments: map[string]any{"path": "/tmp"}, ThoughtSignature: "sig-call"},
		},
		Provider:   "mock",
		API:        "mock",
		Model:      "mock-1",
		Usage:      llm.Usage{Input: 11, Output: 7, CacheRead: 3, TotalTokens: 21},
		StopReason: llm.StopReasonTool,
		Timestamp:  time.Now().UnixMilli(),
	}
}

func newTestServer(t *testing.T, fn llm.StreamFunc, token string) *httptest.Server {
	t.Helper()
	reg := llm.NewRegistry()
	reg.Register("mock", fn)
	return httptest.NewServer(NewHandler(reg, func(string) (string, error) { return "upstream-key", nil }, token))
}

func TestRoundTrip_RebuildsMessage(t *testing.T) {
	src := sampleMessage()
	var sawCtx llm.Context
	srv := newTestServer(t, playback(src, &sawCtx), "")
	defer srv.Close()

	client := New(srv.URL, "")
	es := client.Stream(context.Background(), mockModel, llm.Context{
		SystemPrompt: "sys",
		Messages: []llm.Message{
			llm.UserMessage{Role: llm.RoleUser, Content: []llm.ContentBlock{llm.TextContent{Type: "text", Text: "list /tmp"}}},
			llm.AssistantMessage{Role: llm.RoleAssistant, Content: []llm.ContentBlock{llm.TextContent{Type: "text", Text: "ok"}}, StopReason: llm.StopReasonStop},
			llm.ToolResultMessage{Role: llm.RoleToolResult, ToolCallID: "c0", Content: []llm.ContentBlock{llm.TextContent{Type: "text", Text: "r"}}},
		},
	}, llm.StreamOptions{})

	var types []llm.StreamEventType
	var sawMidArgs bool
	for ev := range es.Events() {
		types = append(types, ev.Type)
		if ev.Type == llm.StreamEventToolCallDelta && ev.Partial != nil {
			calls := ev.Partial.ToolCalls()
			if len(calls) == 1 && calls[0].Arguments != nil {
				if p, ok := calls[0].Arguments["path"].(string); ok && p != "" && p != "/tmp" {
					sawMidArgs = true
				}
			}
		}
	}

	if types[0] != llm.StreamEventStart || types[len(types)-1] != llm.StreamEventDone {
		t.Fatalf("event types = %v", types)
	}
	if !sawMidArgs {
		t.Error("mid-stream partials should materialize arguments from fragments")
	}

	got := es.Result()
	srcJSON, _ := json.Marshal(src.Content)
	gotJSON, _ := json.Marshal(got.Content)
	if !bytes.Equal(srcJSON, gotJSON) {
		t.Errorf("content mismatch:\n src %s\n got %s", srcJSON, gotJSON)
	}
	if got.StopReason != src.StopReason {
		t.Errorf("stop reason = %s, want %s", got.StopReason, src.StopReason)
	}
	if got.Usage != src.Usage {
		t.Errorf("usage = %+v, want %+v", got.Usage, src.Usage)
	}

	// The server decoded the conversation it was sent.
	roles := []llm.Role{}
	for _, m := range sawCtx.Messages {
		roles = append(roles, m.GetRole())
	}
	if len(roles) != 3 || roles[0] != llm.RoleUser || roles[1] != llm.RoleAssistant || roles[2] != llm.RoleToolResult {
		t.Errorf("server-side roles = %v", roles)
	}
	if sawCtx.SystemPrompt != "sys" {
		t.Errorf("system prompt = %q", sawCtx.SystemPrompt)
	}
}

func TestWireFrames_StripPartialAndCarryCallIdentity(t *testing.T) {
	srv := newTestServer(t, playback(sampleMessage(), nil), "")
	defer srv.Close()

	body, _ := json.Marshal(wireRequest{Model: mockModel})
	resp, err := http.Post(srv.URL+"/stream", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	raw := new(bytes.Buffer)
	raw.ReadFrom(resp.Body)

	var sawCallStart bool
	for _, line := range strings.Split(raw.String(), "\n") {
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok || data == "[DONE]" {
			continue
		}
		var frame map[string]any
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			t.Fatalf("bad frame %q: %v", data, err)
		}
		if _, has := frame["partial"]; has {
			t.Errorf("frame %s carries a partial", data)
		}
		if frame["type"] == string(llm.StreamEventToolCallStart) {
			sawCallStart = true
			if frame["id"] != "call_9" || frame["tool_name"] != "ls" {
				t.Errorf("tool_call_start frame = %s", data)
			}
		}
		if frame["type"] == string(llm.StreamEventTextEnd) {
			if _, has := frame["content"]; has {
				t.Errorf("text_end should not carry content: %s", data)
			}
		}
	}
	if !sawCallStart {
		t.Error("no tool_call_start frame seen")
	}
}

func TestAuth_RequiresToken(t *testing.T) {
	srv := newTestServer(t, playback(sampleMessage(), nil), "secret")
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/stream", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}

	client := New(srv.URL, "secret")
	es := client.Stream(context.Background(), mockModel, llm.Context{}, llm.StreamOptions{})
	for range es.Events() {
	}
	if msg := es.Result(); msg.StopReason != llm.StopReasonTool {
		t.Errorf("authorized stream stop reason = %s", msg.StopReason)
	}
}

func TestServer_NoAdapterErrorInBand(t *testing.T) {
	reg := llm.NewRegistry()
	srv := httptest.NewServer(NewHandler(reg, nil, ""))
	defer srv.Close()

	client := New(srv.URL, "")
	es := client.Stream(context.Background(), mockModel, llm.Context{}, llm.StreamOptions{})
	var last llm.StreamEvent
	for ev := range es.Events() {
		last = ev
	}
	if last.Type != llm.StreamEventError {
		t.Fatalf("last event = %s", last.Type)
	}
	msg := es.Result()
	if msg.StopReason != llm.StopReasonError || msg.ErrorMessage == "" {
		t.Errorf("final = %+v", msg)
	}
}

func TestErrorStream_PreservesAbortReason(t *testing.T) {
	src := &llm.AssistantMessage{
		Role:         llm.RoleAssistant,
		Content:      []llm.ContentBlock{llm.TextContent{Type: "text", Text: "cut sho"}},
		Provider:     "mock",
		API:          "mock",
		Model:        "mock-1",
		StopReason:   llm.StopReasonAborted,
		ErrorMessage: "context canceled",
	}
	srv := newTestServer(t, playback(src, nil), "")
	defer srv.Close()

	client := New(srv.URL, "")
	es := client.Stream(context.Background(), mockModel, llm.Context{}, llm.StreamOptions{})
	for range es.Events() {
	}
	msg := es.Result()
	if msg.StopReason != llm.StopReasonAborted {
		t.Errorf("stop reason = %s, want aborted", msg.StopReason)
	}
	if txt := msg.Content[0].(llm.TextContent); txt.Text != "cut sho" {
		t.Errorf("partial text = %q", txt.Text)
	}
}

// ---------------------------------------------------------------------------
// Round-trip property
// ---------------------------------------------------------------------------

func genBlock() gopter.Gen {
	text := gen.AnyString().FlatMap(func(v any) gopter.Gen {
		return gen.AlphaString().Map(func(sig string) llm.ContentBlock {
			return llm.TextContent{Type: "text", Text: v.(string), Signature: sig}
		})
	}, nil)
	thinking := gen.AnyString().FlatMap(func(v any) gopter.Gen {
		return gen.AlphaString().Map(func(sig string) llm.ContentBlock {
			return llm.ThinkingContent{Type: "thinking", Thinking: v.(string), Signature: sig}
		})
	}, nil)
	call := gen.Identifier().FlatMap(func(v any) gopter.Gen {
		return gen.AnyString().Map(func(arg string) llm.ContentBlock {
			return llm.ToolCall{
				Type:      "tool_call",
				ID:        "call_" + v.(string),
				Name:      "tool_" + v.(string),
				Arguments: map[string]any{"value": arg},
			}
		})
	}, nil)
	return gen.OneGenOf(text, thinking, call)
}

func TestRoundTrip_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("strip then rebuild reproduces the message", prop.ForAll(
		func(blocks []llm.ContentBlock, stopIdx int, in, out int) bool {
			stops := []llm.StopReason{llm.StopReasonStop, llm.StopReasonTool, llm.StopReasonLength}
			src := &llm.AssistantMessage{
				Role:       llm.RoleAssistant,
				Content:    blocks,
				Provider:   "mock",
				API:        "mock",
				Model:      "mock-1",
				StopReason: stops[stopIdx%len(stops)],
				Usage:      llm.Usage{Input: in, Output: out, TotalTokens: in + out},
			}

			dec := newDecoder(mockModel)
			var final *llm.AssistantMessage
			for _, ev := range synthesizeEvents(src) {
				frame, err := json.Marshal(encodeEvent(ev))
				if err != nil {
					return false
				}
				var we wireEvent
				if err := json.Unmarshal(frame, &we); err != nil {
					return false
				}
				rebuilt, err := dec.apply(we)
				if err != nil {
					return false
				}
				if rebuilt.Type == llm.StreamEventDone {
					final = rebuilt.Partial
				}
			}
			if final == nil {
				return false
			}
			srcJSON, _ := json.Marshal(src.Content)
			gotJSON, _ := json.Marshal(final.Content)
			return bytes.Equal(srcJSON, gotJSON) &&
				final.StopReason == src.StopReason &&
				final.Usage == src.Usage
		},
		gen.SliceOf(genBlock()),
		gen.IntRange(0, 2),
		gen.IntRange(0, 1_000_000),
		gen.IntRange(0, 1_000_000),
	))

	properties.TestingRun(t)
}

func TestDecoder_RejectsMismatchedBlockKinds(t *testing.T) {
	// A relay can replay frames in any order it likes; a delta aimed at a
	// block of the wrong kind must come back as an error, never a panic.
	dec := newDecoder(mockModel)
	frames := []wireEvent{
		{Type: "start"},
		{Type: "tool_call_start", ContentIndex: 0, ID: "c0", ToolName: "ls"},
		{Type: "text_start", ContentIndex: 0}, // overwrites block 0
	}
	for _, we := range frames {
		if _, err := dec.apply(we); err != nil {
			t.Fatalf("apply(%s): %v", we.Type, err)
		}
	}

	if _, err := dec.apply(wireEvent{Type: "tool_call_delta", ContentIndex: 0, Delta: `{"pa`}); err == nil {
		t.Fatal("tool call delta against a text block should error")
	}
	if _, err := dec.apply(wireEvent{Type: "text_delta", ContentIndex: 1}); err == nil {
		t.Fatal("text delta against a missing block should error")
	}
}
