package llm

import (
	"context"

	"github.com/halyard-dev/halyard/pkg/stream"
)

// ---------------------------------------------------------------------------
// Streaming events
// ---------------------------------------------------------------------------

// StreamEventType enumerates the events a provider adapter emits.
type StreamEventType string

const (
	// Lifecycle
	StreamEventStart StreamEventType = "start"
	StreamEventDone  StreamEventType = "done"
	StreamEventError StreamEventType = "error"

	// Text
	StreamEventTextStart StreamEventType = "text_start"
	StreamEventTextDelta StreamEventType = "text_delta"
	StreamEventTextEnd   StreamEventType = "text_end"

	// Thinking
	StreamEventThinkingStart StreamEventType = "thinking_start"
	StreamEventThinkingDelta StreamEventType = "thinking_delta"
	StreamEventThinkingEnd   StreamEventType = "thinking_end"

	// Tool calls
	StreamEventToolCallStart StreamEventType = "tool_call_start"
	StreamEventToolCallDelta StreamEventType = "tool_call_delta"
	StreamEventToolCallEnd   StreamEventType = "tool_call_end"
)

// StreamEvent is one step of a streaming model response.
//
// Partial is a snapshot of the assistant message assembled so far; adapters
// mutate a single partial and emit clones, so consumers may hold onto any
// snapshot. Done and error events carry the finalized message in Partial
// (error events with StopReasonAborted mean user cancellation, not failure).
type StreamEvent struct {
	Type StreamEventType

	// ContentIndex addresses the content block the event applies to.
	ContentIndex int

	// Delta is the text / thinking / raw-JSON-arguments increment.
	Delta string

	// Content is the completed block text on text_end / thinking_end.
	Content string

	// Signature is the opaque content signature on text_end / thinking_end,
	// when the provider issued one.
	Signature string

	// ToolCall is the frozen call on tool_call_end.
	ToolCall *ToolCall

	Partial *AssistantMessage
	Error   error
}

// EventStream carries StreamEvents and resolves to the final assistant
// message once a done or error event arrives.
type EventStream = stream.Stream[StreamEvent, *AssistantMessage]

// NewEventStream builds the stream adapters push into. Done and error are
// the terminal events; the final message is their Partial.
func NewEventStream() *EventStream {
	return stream.New(
		func(ev StreamEvent) bool {
			return ev.Type == StreamEventDone || ev.Type == StreamEventError
		},
		func(ev StreamEvent) *AssistantMessage { return ev.Partial },
	)
}

// StreamFunc starts one streaming model call. Failures are reported in-band:
// the stream ends with an error event whose Partial has StopReasonError (or
// StopReasonAborted when ctx was cancelled). Implementations never block on
// the caller; they push into the returned stream from their own goroutine.
type StreamFunc func(ctx context.Context, model Model, llmCtx Context, opts StreamOptions) *EventStream
