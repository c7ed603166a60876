// Package proxy runs streaming model calls through a relay server so agent
// processes never hold provider API keys. The server side wraps a stream
// registry in an http.Handler; the client side is an llm.StreamFunc.
//
// The wire format strips the partial-message snapshot from every event.
// Delta and end frames carry only what the client cannot rebuild from
// earlier frames: block indexes, delta strings, signatures, and on
// toolcall_start the call id and tool name. The client re-assembles a
// running partial per stream, re-parsing tool-call arguments from the
// accumulated JSON fragments, so the reconstructed message matches the
// server's source byte for byte on content, stop reason, and usage.
package proxy

import (
	"errors"
	"strings"
	"time"

	"github.com/halyard-dev/halyard/pkg/llm"
	"github.com/halyard-dev/halyard/pkg/llm/partialjson"
)

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

type wireRequest struct {
	Model   llm.Model   `json:"model"`
	Context wireContext `json:"context"`
	Options wireOptions `json:"options"`
}

type wireContext struct {
	SystemPrompt string               `json:"system_prompt,omitempty"`
	Messages     []llm.Message        `json:"messages"`
	Tools        []llm.ToolDefinition `json:"tools,omitempty"`
}

type wireOptions struct {
	MaxTokens      int      `json:"max_tokens,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
	Reasoning      string   `json:"reasoning,omitempty"`
	CacheRetention string   `json:"cache_retention,omitempty"`
}

// wireEvent is one SSE frame of the relay transport.
type wireEvent struct {
	Type         string     `json:"type"`
	ContentIndex int        `json:"content_index,omitempty"`
	Delta        string     `json:"delta,omitempty"`
	Signature    string     `json:"signature,omitempty"`
	ID           string     `json:"id,omitempty"`        // toolcall_start
	ToolName     string     `json:"tool_name,omitempty"` // toolcall_start
	StopReason   string     `json:"stop_reason,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Usage        *llm.Usage `json:"usage,omitempty"`
}

// ---------------------------------------------------------------------------
// Server-side encode
// ---------------------------------------------------------------------------

// encodeEvent converts one full stream event to its wire frame.
func encodeEvent(ev llm.StreamEvent) wireEvent {
	w := wireEvent{Type: string(ev.Type), ContentIndex: ev.ContentIndex}
	switch ev.Type {
	case llm.StreamEventStart:
		w.ContentIndex = 0

	case llm.StreamEventTextDelta, llm.StreamEventThinkingDelta, llm.StreamEventToolCallDelta:
		w.Delta = ev.Delta

	case llm.StreamEventTextEnd, llm.StreamEventThinkingEnd:
		w.Signature = ev.Signature

	case llm.StreamEventToolCallStart:
		if ev.Partial != nil && ev.ContentIndex < len(ev.Partial.Content) {
			if tc, ok := ev.Partial.Content[ev.ContentIndex].(llm.ToolCall); ok {
				w.ID = tc.ID
				w.ToolName = tc.Name
			}
		}

	case llm.StreamEventToolCallEnd:
		if ev.ToolCall != nil {
			w.Signature = ev.ToolCall.ThoughtSignature
		}

	case llm.StreamEventDone:
		w.ContentIndex = 0
		if ev.Partial != nil {
			w.StopReason = string(ev.Partial.StopReason)
			u := ev.Partial.Usage
			w.Usage = &u
		}

	case llm.StreamEventError:
		w.ContentIndex = 0
		if ev.Partial != nil {
			w.StopReason = string(ev.Partial.StopReason)
			w.ErrorMessage = ev.Partial.ErrorMessage
			u := ev.Partial.Usage
			w.Usage = &u
		} else if ev.Error != nil {
			w.StopReason = string(llm.StopReasonError)
			w.ErrorMessage = ev.Error.Error()
		}
	}
	return w
}

// ---------------------------------------------------------------------------
// Client-side decode
// ---------------------------------------------------------------------------

// decoder folds wire frames back into full stream events, rebuilding the
// partial message the server stripped. One decoder serves one stream.
type decoder struct {
	partial *llm.AssistantMessage
	args    map[int]*strings.Builder // content index → tool-call JSON fragments
}

func newDecoder(model llm.Model) *decoder {
	return &decoder{
		partial: &llm.AssistantMessage{
			Role:      llm.RoleAssistant,
			Provider:  model.Provider,
			API:       model.API,
			Model:     model.ID,
			Timestamp: time.Now().UnixMilli(),
		},
		args: map[int]*strings.Builder{},
	}
}

// setBlock places a block at idx, growing the slice for robustness against
// sparse indexes (conformant streams always append).
func (d *decoder) setBlock(idx int, b llm.ContentBlock) {
	for len(d.partial.Content) <= idx {
		d.partial.Content = append(d.partial.Content, llm.TextContent{Type: "text"})
	}
	d.partial.Content[idx] = b
}

// apply folds one frame and returns the reconstructed event.
func (d *decoder) apply(w wireEvent) (llm.StreamEvent, error) {
	ev := llm.StreamEvent{Type: llm.StreamEventType(w.Type), ContentIndex: w.ContentIndex}
	idx := w.ContentIndex

	switch ev.Type {
	case llm.StreamEventStart:

	case llm.StreamEventTextStart:
		d.setBlock(idx, llm.TextContent{Type: "text"})

	case llm.StreamEventTextDelta:
		tb, ok := d.block(idx).(llm.TextContent)
		if !ok {
			return ev, errors.New("proxy: text delta for non-text block")
		}
		tb.Text += w.Delta
		d.partial.Content[idx] = tb
		ev.Delta = w.Delta

	case llm.StreamEventTextEnd:
		tb, ok := d.block(idx).(llm.TextContent)
		if !ok {
			return ev, errors.New("proxy: text end for non-text block")
		}
		tb.Signature = w.Signature
		d.partial.Content[idx] = tb
		ev.Content = tb.Text
		ev.Signature = w.Signature

	case llm.StreamEventThinkingStart:
		d.setBlock(idx, llm.ThinkingContent{Type: "thinking"})

	case llm.StreamEventThinkingDelta:
		tb, ok := d.block(idx).(llm.ThinkingContent)
		if !ok {
			return ev, errors.New("proxy: thinking delta for non-thinking block")
		}
		tb.Thinking += w.Delta
		d.partial.Content[idx] = tb
		ev.Delta = w.Delta

	case llm.StreamEventThinkingEnd:
		tb, ok := d.block(idx).(llm.ThinkingContent)
		if !ok {
			return ev, errors.New("proxy: thinking end for non-thinking block")
		}
		tb.Signature = w.Signature
		d.partial.Content[idx] = tb
		ev.Content = tb.Thinking
		ev.Signature = w.Signature

	case llm.StreamEventToolCallStart:
		d.setBlock(idx, llm.ToolCall{Type: "tool_call", ID: w.ID, Name: w.ToolName, Arguments: map[string]any{}})
		d.args[idx] = &strings.Builder{}

	case llm.StreamEventToolCallDelta:
		b := d.args[idx]
		if b == nil {
			return ev, errors.New("proxy: tool call delta before start")
		}
		b.WriteString(w.Delta)
		tc, ok := d.block(idx).(llm.ToolCall)
		if !ok {
			return ev, errors.New("proxy: tool call delta for non-tool-call block")
		}
		tc.Arguments = partialjson.Object(b.String())
		d.partial.Content[idx] = tc
		ev.Delta = w.Delta

	case llm.StreamEventToolCallEnd:
		tc, ok := d.block(idx).(llm.ToolCall)
		if !ok {
			return ev, errors.New("proxy: tool call end before start")
		}
		if b := d.args[idx]; b != nil {
			tc.Arguments = partialjson.Object(b.String())
		}
		tc.ThoughtSignature = w.Signature
		d.partial.Content[idx] = tc
		frozen := tc
		ev.ToolCall = &frozen

	case llm.StreamEventDone:
		d.partial.StopReason = llm.StopReason(w.StopReason)
		if d.partial.StopReason == "" {
			d.partial.StopReason = llm.StopReasonStop
		}
		if w.Usage != nil {
			d.partial.Usage = *w.Usage
		}

	case llm.StreamEventError:
		d.partial.StopReason = llm.StopReason(w.StopReason)
		if d.partial.StopReason == "" {
			d.partial.StopReason = llm.StopReasonError
		}
		d.partial.ErrorMessage = w.ErrorMessage
		if w.Usage != nil {
			d.partial.Usage = *w.Usage
		}
		ev.Error = errors.New(w.ErrorMessage)

	default:
		return ev, errors.New("proxy: unknown event type " + w.Type)
	}

	ev.Partial = d.partial.Clone()
	return ev, nil
}

func (d *decoder) block(idx int) llm.ContentBlock {
	if idx < 0 || idx >= len(d.partial.Content) {
		return nil
	}
	return d.partial.Content[idx]
}
