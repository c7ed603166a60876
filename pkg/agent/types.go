// Package agent runs the conversational loop: stream an assistant response,
// execute its tool calls, poll for steering, repeat; follow-up messages
// re-enter the loop when it would otherwise stop. Consumers observe the run
// through a typed event stream.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/halyard-dev/halyard/pkg/llm"
	"github.com/halyard-dev/halyard/pkg/llm/models"
	"github.com/halyard-dev/halyard/pkg/stream"
	"github.com/halyard-dev/halyard/pkg/tools"
)

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

// EventType identifies an agent lifecycle event.
//
// For one run the sequence is always
//
//	agent_start
//	  (turn_start
//	    (message_start message_update* message_end
//	     | tool_execution_start tool_execution_update* tool_execution_end)*
//	  turn_end)*
//	agent_end
type EventType string

const (
	// Lifecycle
	EventAgentStart EventType = "agent_start"
	EventAgentEnd   EventType = "agent_end"

	// Turn = one assistant response plus its tool calls/results
	EventTurnStart EventType = "turn_start"
	EventTurnEnd   EventType = "turn_end"

	// Message lifecycle
	EventMessageStart  EventType = "message_start"
	EventMessageUpdate EventType = "message_update"
	EventMessageEnd    EventType = "message_end"

	// Tool execution
	EventToolExecutionStart  EventType = "tool_execution_start"
	EventToolExecutionUpdate EventType = "tool_execution_update"
	EventToolExecutionEnd    EventType = "tool_execution_end"
)

// ContextUsage is a snapshot of estimated context size after a turn.
type ContextUsage struct {
	// Tokens is the estimated total for the current context window.
	Tokens int
	// UsageTokens were reported by the last good assistant message.
	UsageTokens int
	// TrailingTokens estimate everything appended after that report.
	TrailingTokens int
}

// CostUsage tracks cumulative token cost across turns.
type CostUsage struct {
	InputTokens  int     // cumulative input tokens
	OutputTokens int     // cumulative output tokens
	InputCost    float64 // cumulative input cost in USD
	OutputCost   float64 // cumulative output cost in USD
	TotalCost    float64 // cumulative total cost in USD
}

func (c *CostUsage) add(t CostUsage) {
	c.InputTokens += t.InputTokens
	c.OutputTokens += t.OutputTokens
	c.InputCost += t.InputCost
	c.OutputCost += t.OutputCost
	c.TotalCost += t.TotalCost
}

// Event carries a lifecycle notification from the agent loop.
type Event struct {
	Type EventType

	// Set for message_* events and turn_end.
	Message llm.Message

	// Set for message_update.
	StreamEvent *llm.StreamEvent

	// Set for turn_end.
	ToolResults  []llm.ToolResultMessage
	ContextUsage ContextUsage
	CostUsage    CostUsage
	TurnDuration time.Duration

	// Set for tool_execution_* events.
	ToolCallID string
	ToolName   string
	ToolArgs   map[string]any
	ToolResult *tools.Result
	IsError    bool

	// Set for agent_end: the messages this run added to the history.
	Messages []llm.Message
}

// EventStream carries agent events and resolves to the run's new messages
// once agent_end arrives.
type EventStream = stream.Stream[Event, []llm.Message]

// NewEventStream builds the stream RunStream pushes into.
func NewEventStream() *EventStream {
	return stream.New(
		func(ev Event) bool { return ev.Type == EventAgentEnd },
		func(ev Event) []llm.Message { return ev.Messages },
	)
}

// ---------------------------------------------------------------------------
// State
// ---------------------------------------------------------------------------

// State is a read-only snapshot of the agent.
type State struct {
	SystemPrompt  string
	Model         llm.Model
	Messages      []llm.Message
	IsStreaming   bool
	Error         string
	ContextTokens int // estimated context size
	Cost          CostUsage
}

// ---------------------------------------------------------------------------
// Run configuration
// ---------------------------------------------------------------------------

// ErrBusy is returned by the run entry points while a run is in progress.
// Queue input with Steer or FollowUp instead.
var ErrBusy = errors.New("agent: run already in progress")

// RunConfig holds the caller hooks for one run. The zero value works: default
// conversion, no transform, queues backed by Steer/FollowUp, no turn limit.
type RunConfig struct {
	// ConvertToLLM maps the agent history to the messages sent to the model.
	// Default: DefaultConvertToLLM.
	ConvertToLLM func(msgs []llm.Message, target llm.Model) ([]llm.Message, error)

	// TransformContext optionally prunes or enriches the history before
	// conversion (agent messages in, agent messages out).
	TransformContext func(ctx context.Context, msgs []llm.Message) ([]llm.Message, error)

	// GetAPIKey resolves the key for the named provider just before each
	// call (for expiring/OAuth keys). An error aborts the run and escapes to
	// the caller.
	GetAPIKey func(provider string) (string, error)

	// GetSteeringMessages returns queued user messages to inject between
	// tool calls. Defaults to draining the agent's Steer queue.
	GetSteeringMessages func() ([]llm.Message, error)

	// GetFollowUpMessages returns messages to process when the loop would
	// otherwise stop. Defaults to draining the agent's FollowUp queue.
	GetFollowUpMessages func() ([]llm.Message, error)

	// MaxTurns caps the number of model calls per run. 0 = unlimited.
	MaxTurns int
}

// ---------------------------------------------------------------------------
// Cost calculation
// ---------------------------------------------------------------------------

// computeTurnCost prices one turn's usage from the model registry's rates.
// Unknown models report tokens with zero cost.
func computeTurnCost(modelID string, usage llm.Usage) CostUsage {
	info := models.Lookup(modelID)
	if info == nil {
		return CostUsage{
			InputTokens:  usage.Input,
			OutputTokens: usage.Output,
		}
	}
	inputCost := float64(usage.Input) * info.InputCostPer1M / 1_000_000
	outputCost := float64(usage.Output) * info.OutputCostPer1M / 1_000_000
	cacheReadCost := float64(usage.CacheRead) * info.CacheReadCostPer1M / 1_000_000
	cacheWriteCost := float64(usage.CacheWrite) * info.CacheWriteCostPer1M / 1_000_000
	total := inputCost + outputCost + cacheReadCost + cacheWriteCost

	return CostUsage{
		InputTokens:  usage.Input,
		OutputTokens: usage.Output,
		InputCost:    inputCost + cacheReadCost + cacheWriteCost,
		OutputCost:   outputCost,
		TotalCost:    total,
	}
}

// ---------------------------------------------------------------------------
// Logger
// ---------------------------------------------------------------------------

// defaultLogger discards everything. Pass a real *slog.Logger via
// Options.Logger to see loop diagnostics.
func defaultLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
