package agent

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/halyard-dev/halyard/pkg/llm"
	"github.com/halyard-dev/halyard/pkg/tools"
)

// SubAgentOptions configures a delegated worker agent.
type SubAgentOptions struct {
	// Registry resolves the Model to a stream function.
	Registry *llm.Registry

	// Model the sub-agent talks to.
	Model llm.Model

	// SystemPrompt sets the sub-agent's role and instructions.
	SystemPrompt string

	// Tools the sub-agent may call. Nil means no tools at all.
	Tools *tools.Registry

	// StreamOptions are passed through on every model call.
	StreamOptions llm.StreamOptions

	// MaxTurns caps the sub-agent's loop. Zero means unlimited.
	MaxTurns int

	// OnEvent, when set, observes the sub-agent's event feed. Handy for
	// logging or for mirroring progress into the parent's listeners.
	OnEvent func(Event)
}

// SubAgent runs one task to completion in an isolated context and hands back
// only the final text. The parent never sees the sub-agent's intermediate
// tool calls or token usage.
type SubAgent struct {
	agent *Agent
	opts  SubAgentOptions
}

// NewSubAgent builds a sub-agent around a fresh Agent. A typical delegation
// setup restricts the tool set and caps the loop:
//
//	sub, err := agent.NewSubAgent(agent.SubAgentOptions{
//	    Registry:     registry,
//	    Model:        model,
//	    SystemPrompt: "You are a research assistant. Answer briefly.",
//	    Tools:        searchTools,
//	    MaxTurns:     8,
//	})
//	answer, err := sub.Run(ctx, "Summarize the open questions in NOTES.md")
func NewSubAgent(opts SubAgentOptions) (*SubAgent, error) {
	toolReg := opts.Tools
	if toolReg == nil {
		toolReg = tools.NewRegistry()
	}
	child, err := New(Options{
		SystemPrompt:  opts.SystemPrompt,
		Model:         opts.Model,
		Registry:      opts.Registry,
		Tools:         toolReg,
		StreamOptions: opts.StreamOptions,
	})
	if err != nil {
		return nil, fmt.Errorf("subagent: %w", err)
	}
	if opts.OnEvent != nil {
		child.Subscribe(opts.OnEvent)
	}
	return &SubAgent{agent: child, opts: opts}, nil
}

// Run executes a single prompt and blocks until the sub-agent's loop
// finishes or ctx is cancelled. It returns the final assistant text.
func (s *SubAgent) Run(ctx context.Context, prompt string) (string, error) {
	_, err := s.agent.Prompt(ctx, prompt, RunConfig{MaxTurns: s.opts.MaxTurns})
	return s.finish(err)
}

// RunMessages is Run for callers that build the user turn themselves,
// for example to include images or multiple content blocks.
func (s *SubAgent) RunMessages(ctx context.Context, msgs []llm.Message) (string, error) {
	_, err := s.agent.Run(ctx, msgs, RunConfig{MaxTurns: s.opts.MaxTurns})
	return s.finish(err)
}

func (s *SubAgent) finish(err error) (string, error) {
	if err != nil {
		return "", fmt.Errorf("subagent: %w", err)
	}
	return s.LastResponse(), nil
}

// LastResponse returns the text of the most recent assistant message, or ""
// when the sub-agent has not produced one.
func (s *SubAgent) LastResponse() string {
	for _, m := range slices.Backward(s.agent.Messages()) {
		if am, ok := m.(llm.AssistantMessage); ok {
			return assistantText(am)
		}
	}
	return ""
}

// Agent exposes the wrapped Agent for callers that need its message history
// or event feed directly.
func (s *SubAgent) Agent() *Agent {
	return s.agent
}

func assistantText(msg llm.AssistantMessage) string {
	var b strings.Builder
	for _, blk := range msg.Content {
		if tc, ok := blk.(llm.TextContent); ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

// ---------------------------------------------------------------------------
// Delegation as a tool call
// ---------------------------------------------------------------------------

// SubAgentTool packages a sub-agent as a Tool. The parent model invokes it
// like any other tool; the prompt argument becomes the sub-agent's task and
// the sub-agent's final response becomes the tool result.
type SubAgentTool struct {
	name        string
	description string
	subOpts     SubAgentOptions
}

// NewSubAgentTool builds a delegation tool. Register it with the parent's
// tool registry to let the parent model spawn workers on demand:
//
//	reg.Register(agent.NewSubAgentTool("researcher",
//	    "Looks up background information and reports back",
//	    agent.SubAgentOptions{Registry: registry, Model: model, MaxTurns: 5},
//	))
//
// Each invocation creates a fresh sub-agent, so calls never share history.
func NewSubAgentTool(name, description string, opts SubAgentOptions) *SubAgentTool {
	return &SubAgentTool{
		name:        name,
		description: description,
		subOpts:     opts,
	}
}

func (t *SubAgentTool) Definition() tools.Definition {
	return tools.Definition{
		Name:        t.name,
		Description: t.description,
		Parameters: tools.MustSchema(tools.SimpleSchema{
			Properties: map[string]tools.Property{
				"prompt": {Type: "string", Description: "The task or question for the sub-agent"},
			},
			Required: []string{"prompt"},
		}),
	}
}

func (t *SubAgentTool) Execute(ctx context.Context, _ string, params map[string]any, onUpdate tools.UpdateFn) (tools.Result, error) {
	prompt, _ := params["prompt"].(string)
	if prompt == "" {
		return tools.ErrorResult(fmt.Errorf("prompt is required")), nil
	}

	cfg := t.subOpts
	if onUpdate != nil {
		cfg.OnEvent = relayDeltas(onUpdate)
	}

	sub, err := NewSubAgent(cfg)
	if err != nil {
		return tools.ErrorResult(err), nil
	}
	text, err := sub.Run(ctx, prompt)
	if err != nil {
		return tools.ErrorResult(err), nil
	}
	if text == "" {
		text = "(sub-agent produced no response)"
	}

	res := tools.TextResult(text)
	res.Details = map[string]any{
		"sub_agent_model":    cfg.Model.ID,
		"sub_agent_turns":    assistantTurns(sub.Agent().Messages()),
		"sub_agent_finished": time.Now().UnixMilli(),
	}
	return res, nil
}

// relayDeltas turns the sub-agent's streaming text deltas into partial tool
// results so the parent can surface live progress.
func relayDeltas(onUpdate tools.UpdateFn) func(Event) {
	return func(e Event) {
		if e.Type != EventMessageUpdate || e.StreamEvent == nil || e.StreamEvent.Delta == "" {
			return
		}
		onUpdate(tools.TextResult(e.StreamEvent.Delta))
	}
}

// assistantTurns counts assistant messages, one per completed model turn.
func assistantTurns(msgs []llm.Message) int {
	n := 0
	for _, m := range msgs {
		if _, ok := m.(llm.AssistantMessage); ok {
			n++
		}
	}
	return n
}
