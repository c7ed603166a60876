// Package telemetry publishes agent activity to OpenTelemetry.
//
// A Bridge subscribes to an agent's event stream and translates it into
// metrics (runs, turns, tokens, cost, tool calls) and spans (one per run,
// one per turn, one per tool execution). It uses the globally registered
// otel providers unless overridden, so with no SDK installed every signal
// is a no-op and attaching the bridge costs nothing.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/halyard-dev/halyard/pkg/agent"
	"github.com/halyard-dev/halyard/pkg/llm"
)

// scopeName identifies this instrumentation library to otel.
const scopeName = "github.com/halyard-dev/halyard/pkg/telemetry"

// Span and attribute names.
const (
	spanRun           = "agent.run"
	spanTurn          = "agent.turn"
	spanToolExecution = "agent.tool_execution"

	attrToolName   = "tool.name"
	attrToolCallID = "tool.call_id"
	attrModel      = "llm.model"
	attrStopReason = "stop_reason"
)

// Options configures a Bridge. The zero value uses the global otel providers
// and a Background base context.
type Options struct {
	// MeterProvider and TracerProvider override the otel globals.
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider

	// BaseContext parents the run spans (for linking agent runs into a
	// larger trace).
	BaseContext context.Context

	// Attrs are attached to every span and measurement, e.g. a session id.
	Attrs []attribute.KeyValue
}

// Bridge translates agent events into OpenTelemetry signals. One Bridge
// tracks one agent at a time; give concurrent agents their own bridges.
type Bridge struct {
	tracer  trace.Tracer
	baseCtx context.Context
	attrs   []attribute.KeyValue

	runs         metric.Int64Counter
	turns        metric.Int64Counter
	turnSeconds  metric.Float64Histogram
	inputTokens  metric.Int64Counter
	outputTokens metric.Int64Counter
	costUSD      metric.Float64Counter
	contextSize  metric.Int64Gauge
	toolCalls    metric.Int64Counter
	toolErrors   metric.Int64Counter
	toolSeconds  metric.Float64Histogram

	mu         sync.Mutex
	runCtx     context.Context
	runSpan    trace.Span
	turnCtx    context.Context
	turnSpan   trace.Span
	toolSpans  map[string]trace.Span
	toolStarts map[string]time.Time
	lastCost   agent.CostUsage
}

// New builds a Bridge and registers its instruments.
func New(opts Options) (*Bridge, error) {
	mp := opts.MeterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	base := opts.BaseContext
	if base == nil {
		base = context.Background()
	}

	b := &Bridge{
		tracer:     tp.Tracer(scopeName),
		baseCtx:    base,
		attrs:      append([]attribute.KeyValue(nil), opts.Attrs...),
		toolSpans:  make(map[string]trace.Span),
		toolStarts: make(map[string]time.Time),
	}

	meter := mp.Meter(scopeName)
	var err error
	counter := func(name, desc string) metric.Int64Counter {
		c, cerr := meter.Int64Counter(name, metric.WithDescription(desc))
		if cerr != nil && err == nil {
			err = fmt.Errorf("telemetry: create %s: %w", name, cerr)
		}
		return c
	}
	histogram := func(name, desc string) metric.Float64Histogram {
		h, herr := meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("s"))
		if herr != nil && err == nil {
			err = fmt.Errorf("telemetry: create %s: %w", name, herr)
		}
		return h
	}

	b.runs = counter("halyard_runs_total", "Completed agent runs")
	b.turns = counter("halyard_turns_total", "Completed turns")
	b.inputTokens = counter("halyard_llm_tokens_input_total", "Input tokens sent to the model")
	b.outputTokens = counter("halyard_llm_tokens_output_total", "Output tokens produced by the model")
	b.toolCalls = counter("halyard_tool_calls_total", "Tool executions")
	b.toolErrors = counter("halyard_tool_errors_total", "Tool executions that returned an error result")
	b.turnSeconds = histogram("halyard_turn_duration_seconds", "Turn duration in seconds")
	b.toolSeconds = histogram("halyard_tool_execution_duration_seconds", "Tool execution duration in seconds")

	if c, cerr := meter.Float64Counter("halyard_llm_cost_usd_total", metric.WithDescription("Cumulative model cost in USD")); cerr == nil {
		b.costUSD = c
	} else if err == nil {
		err = fmt.Errorf("telemetry: create halyard_llm_cost_usd_total: %w", cerr)
	}
	if g, gerr := meter.Int64Gauge("halyard_context_tokens", metric.WithDescription("Estimated context size after the last turn")); gerr == nil {
		b.contextSize = g
	} else if err == nil {
		err = fmt.Errorf("telemetry: create halyard_context_tokens: %w", gerr)
	}

	if err != nil {
		return nil, err
	}
	return b, nil
}

// Attach subscribes the bridge to the agent and returns the unsubscribe
// function. The cost baseline is taken from the agent so per-turn cost deltas
// stay correct when attaching mid-life.
func (b *Bridge) Attach(a *agent.Agent) func() {
	b.mu.Lock()
	b.lastCost = a.Cost()
	b.mu.Unlock()
	return a.Subscribe(b.Handle)
}

// Handle is the event listener. It can be registered directly via
// agent.Subscribe when Attach's cost baselining is not wanted.
func (b *Bridge) Handle(ev agent.Event) {
	switch ev.Type {
	case agent.EventAgentStart:
		b.agentStart()
	case agent.EventTurnStart:
		b.turnStart()
	case agent.EventToolExecutionStart:
		b.toolStart(ev)
	case agent.EventToolExecutionEnd:
		b.toolEnd(ev)
	case agent.EventTurnEnd:
		b.turnEnd(ev)
	case agent.EventAgentEnd:
		b.agentEnd()
	}
}

func (b *Bridge) agentStart() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.runSpan != nil {
		b.runSpan.End()
	}
	b.runCtx, b.runSpan = b.tracer.Start(b.baseCtx, spanRun, trace.WithAttributes(b.attrs...))
}

func (b *Bridge) turnStart() {
	b.mu.Lock()
	defer b.mu.Unlock()
	parent := b.runCtx
	if parent == nil {
		parent = b.baseCtx
	}
	b.turnCtx, b.turnSpan = b.tracer.Start(parent, spanTurn, trace.WithAttributes(b.attrs...))
}

func (b *Bridge) toolStart(ev agent.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	parent := b.turnCtx
	if parent == nil {
		parent = b.baseCtx
	}
	_, span := b.tracer.Start(parent, spanToolExecution, trace.WithAttributes(b.withAttrs(
		attribute.String(attrToolName, ev.ToolName),
		attribute.String(attrToolCallID, ev.ToolCallID),
	)...))
	b.toolSpans[ev.ToolCallID] = span
	b.toolStarts[ev.ToolCallID] = time.Now()
}

func (b *Bridge) toolEnd(ev agent.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ctx := b.metricCtx()
	attrs := metric.WithAttributes(b.withAttrs(attribute.String("tool", ev.ToolName))...)

	b.toolCalls.Add(ctx, 1, attrs)
	if ev.IsError {
		b.toolErrors.Add(ctx, 1, attrs)
	}
	if started, ok := b.toolStarts[ev.ToolCallID]; ok {
		b.toolSeconds.Record(ctx, time.Since(started).Seconds(), attrs)
		delete(b.toolStarts, ev.ToolCallID)
	}
	span, ok := b.toolSpans[ev.ToolCallID]
	if !ok {
		return
	}
	delete(b.toolSpans, ev.ToolCallID)
	if ev.IsError {
		span.SetStatus(codes.Error, truncate(resultText(ev), 256))
	}
	span.End()
}

func (b *Bridge) turnEnd(ev agent.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ctx := b.metricCtx()

	b.turns.Add(ctx, 1, metric.WithAttributes(b.attrs...))
	b.turnSeconds.Record(ctx, ev.TurnDuration.Seconds(), metric.WithAttributes(b.attrs...))
	if ev.ContextUsage.Tokens > 0 {
		b.contextSize.Record(ctx, int64(ev.ContextUsage.Tokens), metric.WithAttributes(b.attrs...))
	}

	if am, ok := ev.Message.(llm.AssistantMessage); ok {
		modelAttrs := metric.WithAttributes(b.withAttrs(attribute.String("model", am.Model))...)
		if am.Usage.Input > 0 {
			b.inputTokens.Add(ctx, int64(am.Usage.Input), modelAttrs)
		}
		if am.Usage.Output > 0 {
			b.outputTokens.Add(ctx, int64(am.Usage.Output), modelAttrs)
		}
		if delta := ev.CostUsage.TotalCost - b.lastCost.TotalCost; delta > 0 {
			b.costUSD.Add(ctx, delta, modelAttrs)
		}
		b.lastCost = ev.CostUsage

		if b.turnSpan != nil {
			b.turnSpan.SetAttributes(
				attribute.String(attrModel, am.Model),
				attribute.String(attrStopReason, string(am.StopReason)),
				attribute.Int("llm.tokens.input", am.Usage.Input),
				attribute.Int("llm.tokens.output", am.Usage.Output),
			)
			if am.StopReason == llm.StopReasonError {
				b.turnSpan.SetStatus(codes.Error, truncate(am.ErrorMessage, 256))
			}
		}
	}

	if b.turnSpan != nil {
		b.turnSpan.End()
		b.turnSpan = nil
		b.turnCtx = nil
	}
}

func (b *Bridge) agentEnd() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, span := range b.toolSpans {
		span.End()
		delete(b.toolSpans, id)
		delete(b.toolStarts, id)
	}
	if b.turnSpan != nil {
		b.turnSpan.End()
		b.turnSpan = nil
		b.turnCtx = nil
	}
	if b.runSpan != nil {
		b.runs.Add(b.metricCtx(), 1, metric.WithAttributes(b.attrs...))
		b.runSpan.End()
		b.runSpan = nil
		b.runCtx = nil
	}
}

// metricCtx returns the innermost live span context so measurements correlate
// with the trace. Callers must hold b.mu.
func (b *Bridge) metricCtx() context.Context {
	if b.turnCtx != nil {
		return b.turnCtx
	}
	if b.runCtx != nil {
		return b.runCtx
	}
	return b.baseCtx
}

// withAttrs copies the base attributes and appends extras, so concurrent
// measurements never share a backing array.
func (b *Bridge) withAttrs(extra ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(b.attrs)+len(extra))
	out = append(out, b.attrs...)
	return append(out, extra...)
}

func resultText(ev agent.Event) string {
	if ev.ToolResult == nil {
		return "tool error"
	}
	if t := ev.ToolResult.Text(); t != "" {
		return t
	}
	return "tool error"
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}
