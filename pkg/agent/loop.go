package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/halyard-dev/halyard/pkg/llm"
	"github.com/halyard-dev/halyard/pkg/tools"
)

// skippedToolResultText is what the model sees for tool calls abandoned when
// the user steers mid-batch.
const skippedToolResultText = "Skipped due to queued user message."

// runLoop drives one run: stream an assistant response, execute its tool
// calls, poll steering between calls and between turns, and re-enter via the
// outer loop while the follow-up source keeps producing messages.
//
// Event order per run: agent_start, then for each turn turn_start, the
// turn's message_*/tool_execution_* events, turn_end; finally agent_end.
// Prompts flush inside the first turn so their message events land after its
// turn_start.
func (a *Agent) runLoop(
	ctx context.Context,
	prompts []llm.Message, // nil = continue from existing context
	cfg RunConfig,
	emit func(Event),
) ([]llm.Message, error) {
	var newMessages []llm.Message

	// record stores a message in the history, the session, and the run's
	// result slice.
	record := func(m llm.Message) llm.Message {
		m = derefMessage(m)
		a.appendMsg(m)
		newMessages = append(newMessages, m)
		return m
	}

	emit(Event{Type: EventAgentStart})

	pending := prompts
	turnCount := 0
	terminated := false

	for {
		hasToolCalls := true

		for hasToolCalls || len(pending) > 0 {
			if cfg.MaxTurns > 0 && turnCount >= cfg.MaxTurns {
				a.logger.Warn("turn limit reached", "turns", turnCount)
				terminated = true
				break
			}
			turnCount++

			emit(Event{Type: EventTurnStart})
			turnStart := time.Now()

			// Flush pending prompts / steering / follow-up messages.
			for _, m := range pending {
				m = record(m)
				emit(Event{Type: EventMessageStart, Message: m})
				emit(Event{Type: EventMessageEnd, Message: m})
			}
			pending = nil

			assistant, err := a.streamTurn(ctx, cfg, emit)
			if err != nil {
				// Contract or auth failure; escapes to the caller after the
				// event stream is sealed.
				emit(Event{Type: EventTurnEnd, TurnDuration: time.Since(turnStart)})
				emit(Event{Type: EventAgentEnd, Messages: newMessages})
				return newMessages, err
			}
			msg := *assistant
			newMessages = append(newMessages, msg)
			a.addCost(computeTurnCost(msg.Model, msg.Usage))

			if msg.StopReason == llm.StopReasonError || msg.StopReason == llm.StopReasonAborted {
				if msg.StopReason == llm.StopReasonError {
					a.setError(msg.ErrorMessage)
				}
				emit(Event{
					Type:         EventTurnEnd,
					Message:      msg,
					ContextUsage: EstimateContextTokens(a.snapshotMessages()),
					CostUsage:    a.costSnapshot(),
					TurnDuration: time.Since(turnStart),
				})
				terminated = true
				break
			}

			toolCalls := msg.ToolCalls()
			hasToolCalls = len(toolCalls) > 0

			var toolResults []llm.ToolResultMessage
			var steering []llm.Message
			if hasToolCalls {
				toolResults, steering = a.runTools(ctx, toolCalls, cfg, emit, record)
			}

			emit(Event{
				Type:         EventTurnEnd,
				Message:      msg,
				ToolResults:  toolResults,
				ContextUsage: EstimateContextTokens(a.snapshotMessages()),
				CostUsage:    a.costSnapshot(),
				TurnDuration: time.Since(turnStart),
			})

			// Steering captured mid-batch wins; otherwise poll once more so a
			// message queued during the final tool still lands this run.
			if len(steering) > 0 {
				pending = steering
			} else {
				pending = a.pollSteering(cfg)
			}
		}

		if terminated {
			break
		}

		// The run would stop here; the follow-up source gets the last word.
		followUp := a.pollFollowUp(cfg)
		if len(followUp) > 0 {
			pending = followUp
			continue
		}
		break
	}

	emit(Event{Type: EventAgentEnd, Messages: newMessages})
	return newMessages, nil
}

// runTools executes the turn's tool calls in order. It returns the results
// plus any steering batch that interrupted the run; once steering arrives,
// the remaining calls are answered with skipped error results so no call is
// left dangling.
func (a *Agent) runTools(
	ctx context.Context,
	calls []llm.ToolCall,
	cfg RunConfig,
	emit func(Event),
	record func(llm.Message) llm.Message,
) ([]llm.ToolResultMessage, []llm.Message) {
	var results []llm.ToolResultMessage
	var steering []llm.Message

	emitResult := func(tc llm.ToolCall, result tools.Result, isError bool) {
		emit(Event{
			Type:       EventToolExecutionEnd,
			ToolCallID: tc.ID,
			ToolName:   tc.Name,
			ToolArgs:   tc.Arguments,
			ToolResult: &result,
			IsError:    isError,
		})

		msg := llm.ToolResultMessage{
			Role:       llm.RoleToolResult,
			ToolCallID: tc.ID,
			ToolName:   tc.Name,
			Content:    append([]llm.ContentBlock(nil), result.Content...),
			Details:    result.Details,
			IsError:    isError,
			Timestamp:  time.Now().UnixMilli(),
		}
		record(msg)
		results = append(results, msg)
		emit(Event{Type: EventMessageStart, Message: msg})
		emit(Event{Type: EventMessageEnd, Message: msg})
	}

	for i, tc := range calls {
		emit(Event{
			Type:       EventToolExecutionStart,
			ToolCallID: tc.ID,
			ToolName:   tc.Name,
			ToolArgs:   tc.Arguments,
		})

		result, isError := a.executeTool(ctx, tc, emit)
		emitResult(tc, result, isError)

		steering = a.pollSteering(cfg)
		if len(steering) == 0 {
			continue
		}
		// A queued user message outranks the rest of this batch.
		for _, skipped := range calls[i+1:] {
			emit(Event{
				Type:       EventToolExecutionStart,
				ToolCallID: skipped.ID,
				ToolName:   skipped.Name,
				ToolArgs:   skipped.Arguments,
			})
			emitResult(skipped, tools.TextResult(skippedToolResultText), true)
		}
		break
	}

	return results, steering
}

// executeTool validates and runs one tool call. Lookup, validation, and
// execution failures all become error results; nothing here stops the loop.
func (a *Agent) executeTool(ctx context.Context, tc llm.ToolCall, emit func(Event)) (tools.Result, bool) {
	tool := a.tools.Get(tc.Name)
	if tool == nil {
		return tools.ErrorResult(fmt.Errorf("tool %q not found", tc.Name)), true
	}

	args, err := tools.ValidateAndCoerce(tool, tc.Arguments)
	if err != nil {
		return tools.ErrorResult(err), true
	}

	onUpdate := func(partial tools.Result) {
		emit(Event{
			Type:       EventToolExecutionUpdate,
			ToolCallID: tc.ID,
			ToolName:   tc.Name,
			ToolArgs:   tc.Arguments,
			ToolResult: &partial,
		})
	}

	result, err := tool.Execute(ctx, tc.ID, args, onUpdate)
	if err != nil {
		return tools.ErrorResult(err), true
	}
	return result, false
}

func (a *Agent) pollSteering(cfg RunConfig) []llm.Message {
	if cfg.GetSteeringMessages == nil {
		return nil
	}
	msgs, err := cfg.GetSteeringMessages()
	if err != nil {
		a.logger.Error("steering source failed", "err", err)
		return nil
	}
	return msgs
}

func (a *Agent) pollFollowUp(cfg RunConfig) []llm.Message {
	if cfg.GetFollowUpMessages == nil {
		return nil
	}
	msgs, err := cfg.GetFollowUpMessages()
	if err != nil {
		a.logger.Error("follow-up source failed", "err", err)
		return nil
	}
	return msgs
}
