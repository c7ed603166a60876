package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/halyard-dev/halyard/pkg/llm"
)

// streamTurn produces one assistant response. The in-flight partial lives at
// the end of the working history so State() always reflects what the UI is
// rendering; the finalized message replaces it and is what gets persisted.
//
// Stream failures (including aborts) do not return an error; they come back
// as the finalized message's stopReason. The error path here is reserved for
// what must escape the run: context transform and conversion failures, key
// resolution, a missing stream adapter.
func (a *Agent) streamTurn(ctx context.Context, cfg RunConfig, emit func(Event)) (*llm.AssistantMessage, error) {
	history := a.snapshotMessages()
	model := a.Model()

	if cfg.TransformContext != nil {
		var err error
		history, err = cfg.TransformContext(ctx, history)
		if err != nil {
			return nil, fmt.Errorf("transform context: %w", err)
		}
	}

	var llmMsgs []llm.Message
	var err error
	if cfg.ConvertToLLM != nil {
		llmMsgs, err = cfg.ConvertToLLM(history, model)
	} else {
		llmMsgs, err = DefaultConvertToLLM(history, model)
	}
	if err != nil {
		return nil, fmt.Errorf("convert to llm: %w", err)
	}

	llmCtx := llm.Context{
		SystemPrompt: a.SystemPrompt(),
		Messages:     llmMsgs,
		Tools:        a.tools.LLMDefinitions(),
	}

	opts := a.StreamOptions()
	if cfg.GetAPIKey != nil {
		key, err := cfg.GetAPIKey(model.Provider)
		if err != nil {
			return nil, fmt.Errorf("resolve api key for %s: %w", model.Provider, err)
		}
		if key != "" {
			opts.APIKey = key
		}
	}

	es, err := a.registry.Stream(ctx, model, llmCtx, opts)
	if err != nil {
		return nil, err
	}

	pushed := false
	for ev := range es.Events() {
		switch ev.Type {
		case llm.StreamEventStart:
			a.pushWorking(ev.Partial)
			pushed = true
			emit(Event{Type: EventMessageStart, Message: derefMessage(ev.Partial)})
		case llm.StreamEventDone, llm.StreamEventError:
			// Terminal; the finalized message comes from Result below.
		default:
			a.replaceWorking(ev.Partial)
			emit(Event{Type: EventMessageUpdate, Message: derefMessage(ev.Partial), StreamEvent: &ev})
		}
	}

	final := es.Result()
	if final == nil {
		// Adapters always finalize; guard against a broken one.
		final = &llm.AssistantMessage{
			Role:         llm.RoleAssistant,
			Provider:     model.Provider,
			API:          model.API,
			Model:        model.ID,
			StopReason:   llm.StopReasonError,
			ErrorMessage: "stream ended without a result",
			Timestamp:    time.Now().UnixMilli(),
		}
	}
	a.commitWorking(final, pushed)
	if !pushed {
		// The stream failed before its start event; keep message events paired.
		emit(Event{Type: EventMessageStart, Message: *final})
	}
	emit(Event{Type: EventMessageEnd, Message: *final})
	return final, nil
}

// pushWorking appends the in-flight partial to the working history. The
// session is not touched until the message is finalized.
func (a *Agent) pushWorking(m *llm.AssistantMessage) {
	a.mu.Lock()
	a.messages = append(a.messages, derefMessage(m))
	a.mu.Unlock()
}

// replaceWorking swaps the last history entry for the updated partial.
func (a *Agent) replaceWorking(m *llm.AssistantMessage) {
	a.mu.Lock()
	if n := len(a.messages); n > 0 {
		a.messages[n-1] = derefMessage(m)
	}
	a.mu.Unlock()
}

// commitWorking installs the finalized assistant message and persists it.
// Errored and aborted messages are stored too: the session is the record of
// what happened, and the context transform keeps them away from models.
func (a *Agent) commitWorking(m *llm.AssistantMessage, pushed bool) {
	msg := derefMessage(m)
	a.mu.Lock()
	if pushed && len(a.messages) > 0 {
		a.messages[len(a.messages)-1] = msg
	} else {
		a.messages = append(a.messages, msg)
	}
	sess := a.sess
	a.mu.Unlock()
	if sess != nil {
		if _, err := sess.AppendMessage(msg); err != nil {
			a.logger.Error("session write failed", "err", err)
		}
	}
}
