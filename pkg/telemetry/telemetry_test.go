package telemetry

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/halyard-dev/halyard/pkg/agent"
	"github.com/halyard-dev/halyard/pkg/llm"
	"github.com/halyard-dev/halyard/pkg/tools"
)

// ---------------------------------------------------------------------------
// Capturing otel doubles (recording layers over the noop providers)
// ---------------------------------------------------------------------------

type metricRecorder struct {
	mu     sync.Mutex
	ints   map[string]int64
	floats map[string]float64
	counts map[string]int
	gauges map[string]int64
	attrs  map[string][]attribute.KeyValue
}

func newMetricRecorder() *metricRecorder {
	return &metricRecorder{
		ints:   map[string]int64{},
		floats: map[string]float64{},
		counts: map[string]int{},
		gauges: map[string]int64{},
		attrs:  map[string][]attribute.KeyValue{},
	}
}

func (r *metricRecorder) addInt(name string, v int64, opts ...metric.AddOption) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ints[name] += v
	r.counts[name]++
	set := metric.NewAddConfig(opts).Attributes()
	r.attrs[name] = set.ToSlice()
}

func (r *metricRecorder) addFloat(name string, v float64, opts ...metric.AddOption) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.floats[name] += v
	r.counts[name]++
	set := metric.NewAddConfig(opts).Attributes()
	r.attrs[name] = set.ToSlice()
}

func (r *metricRecorder) record(name string, opts ...metric.RecordOption) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[name]++
	set := metric.NewRecordConfig(opts).Attributes()
	r.attrs[name] = set.ToSlice()
}

func (r *metricRecorder) gauge(name string, v int64, opts ...metric.RecordOption) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[name] = v
	r.counts[name]++
	set := metric.NewRecordConfig(opts).Attributes()
	r.attrs[name] = set.ToSlice()
}

type capturingMeterProvider struct {
	noopmetric.MeterProvider
	rec *metricRecorder
}

func (p capturingMeterProvider) Meter(string, ...metric.MeterOption) metric.Meter {
	return capturingMeter{rec: p.rec}
}

type capturingMeter struct {
	noopmetric.Meter
	rec *metricRecorder
}

func (m capturingMeter) Int64Counter(name string, _ ...metric.Int64CounterOption) (metric.Int64Counter, error) {
	return capturingInt64Counter{rec: m.rec, name: name}, nil
}

func (m capturingMeter) Float64Counter(name string, _ ...metric.Float64CounterOption) (metric.Float64Counter, error) {
	return capturingFloat64Counter{rec: m.rec, name: name}, nil
}

func (m capturingMeter) Float64Histogram(name string, _ ...metric.Float64HistogramOption) (metric.Float64Histogram, error) {
	return capturingFloat64Histogram{rec: m.rec, name: name}, nil
}

func (m capturingMeter) Int64Gauge(name string, _ ...metric.Int64GaugeOption) (metric.Int64Gauge, error) {
	return capturingInt64Gauge{rec: m.rec, name: name}, nil
}

type capturingInt64Counter struct {
	noopmetric.Int64Counter
	rec  *metricRecorder
	name string
}

func (c capturingInt64Counter) Add(_ context.Context, v int64, opts ...metric.AddOption) {
	c.rec.addInt(c.name, v, opts...)
}

type capturingFloat64Counter struct {
	noopmetric.Float64Counter
	rec  *metricRecorder
	name string
}

func (c capturingFloat64Counter) Add(_ context.Context, v float64, opts ...metric.AddOption) {
	c.rec.addFloat(c.name, v, opts...)
}

type capturingFloat64Histogram struct {
	noopmetric.Float64Histogram
	rec  *metricRecorder
	name string
}

func (h capturingFloat64Histogram) Record(_ context.Context, _ float64, opts ...metric.RecordOption) {
	h.rec.record(h.name, opts...)
}

type capturingInt64Gauge struct {
	noopmetric.Int64Gauge
	rec  *metricRecorder
	name string
}

func (g capturingInt64Gauge) Record(_ context.Context, v int64, opts ...metric.RecordOption) {
	g.rec.gauge(g.name, v, opts...)
}

type spanRecorder struct {
	mu    sync.Mutex
	spans []*capturingSpan
}

func (r *spanRecorder) byName(name string) []*capturingSpan {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*capturingSpan
	for _, s := range r.spans {
		if s.name == name {
			out = append(out, s)
		}
	}
	return out
}

func (r *spanRecorder) openSpans() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	open := 0
	for _, s := range r.spans {
		if !s.ended {
			open++
		}
	}
	return open
}

type capturingTracerProvider struct {
	nooptrace.TracerProvider
	rec *spanRecorder
}

func (p capturingTracerProvider) Tracer(string, ...trace.TracerOption) trace.Tracer {
	return capturingTracer{rec: p.rec}
}

type capturingTracer struct {
	nooptrace.Tracer
	rec *spanRecorder
}

func (t capturingTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	parent := ""
	if ps, ok := trace.SpanFromContext(ctx).(*capturingSpan); ok {
		parent = ps.name
	}
	cfg := trace.NewSpanStartConfig(opts...)
	sp := &capturingSpan{name: name, parent: parent, attrs: cfg.Attributes()}
	t.rec.mu.Lock()
	t.rec.spans = append(t.rec.spans, sp)
	t.rec.mu.Unlock()
	return trace.ContextWithSpan(ctx, sp), sp
}

type capturingSpan struct {
	nooptrace.Span
	mu         sync.Mutex
	name       string
	parent     string
	attrs      []attribute.KeyValue
	ended      bool
	status     codes.Code
	statusDesc string
}

func (s *capturingSpan) End(...trace.SpanEndOption) {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
}

func (s *capturingSpan) SetStatus(c codes.Code, desc string) {
	s.mu.Lock()
	s.status = c
	s.statusDesc = desc
	s.mu.Unlock()
}

func (s *capturingSpan) SetAttributes(kv ...attribute.KeyValue) {
	s.mu.Lock()
	s.attrs = append(s.attrs, kv...)
	s.mu.Unlock()
}

func hasAttr(attrs []attribute.KeyValue, key, val string) bool {
	for _, kv := range attrs {
		if string(kv.Key) == key && kv.Value.AsString() == val {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

func newTestBridge(t *testing.T) (*Bridge, *metricRecorder, *spanRecorder) {
	t.Helper()
	mrec := newMetricRecorder()
	srec := &spanRecorder{}
	b, err := New(Options{
		MeterProvider:  capturingMeterProvider{rec: mrec},
		TracerProvider: capturingTracerProvider{rec: srec},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b, mrec, srec
}

func assistantTurn(model string, input, output int, stop llm.StopReason) llm.AssistantMessage {
	return llm.AssistantMessage{
		Role:     llm.RoleAssistant,
		Provider: "test",
		API:      "test-api",
		Model:    model,
		Usage:    llm.Usage{Input: input, Output: output},
		Content:  []llm.ContentBlock{llm.TextContent{Type: "text", Text: "ok"}},

		StopReason: stop,
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestBridge_FullRun(t *testing.T) {
	b, mrec, srec := newTestBridge(t)

	res := tools.TextResult("file contents")
	b.Handle(agent.Event{Type: agent.EventAgentStart})
	b.Handle(agent.Event{Type: agent.EventTurnStart})
	b.Handle(agent.Event{Type: agent.EventToolExecutionStart, ToolCallID: "call_1", ToolName: "read"})
	b.Handle(agent.Event{Type: agent.EventToolExecutionEnd, ToolCallID: "call_1", ToolName: "read", ToolResult: &res})
	b.Handle(agent.Event{
		Type:         agent.EventTurnEnd,
		Message:      assistantTurn("test-model", 100, 20, llm.StopReasonTool),
		CostUsage:    agent.CostUsage{TotalCost: 0.5},
		ContextUsage: agent.ContextUsage{Tokens: 120},
		TurnDuration: 2 * time.Second,
	})
	b.Handle(agent.Event{Type: agent.EventTurnStart})
	b.Handle(agent.Event{
		Type:         agent.EventTurnEnd,
		Message:      assistantTurn("test-model", 150, 30, llm.StopReasonStop),
		CostUsage:    agent.CostUsage{TotalCost: 1.25},
		ContextUsage: agent.ContextUsage{Tokens: 300},
		TurnDuration: time.Second,
	})
	b.Handle(agent.Event{Type: agent.EventAgentEnd})

	if got := mrec.ints["halyard_runs_total"]; got != 1 {
		t.Errorf("runs = %d, want 1", got)
	}
	if got := mrec.ints["halyard_turns_total"]; got != 2 {
		t.Errorf("turns = %d, want 2", got)
	}
	if got := mrec.ints["halyard_llm_tokens_input_total"]; got != 250 {
		t.Errorf("input tokens = %d, want 250", got)
	}
	if got := mrec.ints["halyard_llm_tokens_output_total"]; got != 50 {
		t.Errorf("output tokens = %d, want 50", got)
	}
	if got := mrec.floats["halyard_llm_cost_usd_total"]; math.Abs(got-1.25) > 1e-9 {
		t.Errorf("cost = %v, want 1.25", got)
	}
	if got := mrec.gauges["halyard_context_tokens"]; got != 300 {
		t.Errorf("context gauge = %d, want 300", got)
	}
	if got := mrec.ints["halyard_tool_calls_total"]; got != 1 {
		t.Errorf("tool calls = %d, want 1", got)
	}
	if got := mrec.ints["halyard_tool_errors_total"]; got != 0 {
		t.Errorf("tool errors = %d, want 0", got)
	}
	if got := mrec.counts["halyard_turn_duration_seconds"]; got != 2 {
		t.Errorf("turn duration records = %d, want 2", got)
	}
	if !hasAttr(mrec.attrs["halyard_llm_tokens_input_total"], "model", "test-model") {
		t.Errorf("input token attrs missing model: %v", mrec.attrs["halyard_llm_tokens_input_total"])
	}
	if !hasAttr(mrec.attrs["halyard_tool_calls_total"], "tool", "read") {
		t.Errorf("tool call attrs missing tool: %v", mrec.attrs["halyard_tool_calls_total"])
	}

	if got := srec.openSpans(); got != 0 {
		t.Errorf("%d spans left open", got)
	}
	runs := srec.byName("agent.run")
	if len(runs) != 1 {
		t.Fatalf("got %d run spans, want 1", len(runs))
	}
	turns := srec.byName("agent.turn")
	if len(turns) != 2 {
		t.Fatalf("got %d turn spans, want 2", len(turns))
	}
	for _, ts := range turns {
		if ts.parent != "agent.run" {
			t.Errorf("turn span parent = %q, want agent.run", ts.parent)
		}
	}
	if !hasAttr(turns[0].attrs, "llm.model", "test-model") {
		t.Errorf("turn span attrs missing llm.model: %v", turns[0].attrs)
	}
	if !hasAttr(turns[1].attrs, "stop_reason", "stop") {
		t.Errorf("turn span attrs missing stop_reason: %v", turns[1].attrs)
	}
	toolSpans := srec.byName("agent.tool_execution")
	if len(toolSpans) != 1 {
		t.Fatalf("got %d tool spans, want 1", len(toolSpans))
	}
	if toolSpans[0].parent != "agent.turn" {
		t.Errorf("tool span parent = %q, want agent.turn", toolSpans[0].parent)
	}
	if !hasAttr(toolSpans[0].attrs, "tool.name", "read") {
		t.Errorf("tool span attrs missing tool.name: %v", toolSpans[0].attrs)
	}
	if toolSpans[0].status != codes.Unset {
		t.Errorf("tool span status = %v, want Unset", toolSpans[0].status)
	}
}

func TestBridge_ToolError(t *testing.T) {
	b, mrec, srec := newTestBridge(t)

	res := tools.TextResult("error: command exited 1")
	b.Handle(agent.Event{Type: agent.EventAgentStart})
	b.Handle(agent.Event{Type: agent.EventTurnStart})
	b.Handle(agent.Event{Type: agent.EventToolExecutionStart, ToolCallID: "call_9", ToolName: "bash"})
	b.Handle(agent.Event{Type: agent.EventToolExecutionEnd, ToolCallID: "call_9", ToolName: "bash", ToolResult: &res, IsError: true})
	b.Handle(agent.Event{
		Type:    agent.EventTurnEnd,
		Message: assistantTurn("test-model", 10, 5, llm.StopReasonTool),
	})
	b.Handle(agent.Event{Type: agent.EventAgentEnd})

	if got := mrec.ints["halyard_tool_errors_total"]; got != 1 {
		t.Errorf("tool errors = %d, want 1", got)
	}
	toolSpans := srec.byName("agent.tool_execution")
	if len(toolSpans) != 1 {
		t.Fatalf("got %d tool spans, want 1", len(toolSpans))
	}
	if toolSpans[0].status != codes.Error {
		t.Errorf("tool span status = %v, want Error", toolSpans[0].status)
	}
	if toolSpans[0].statusDesc != "error: command exited 1" {
		t.Errorf("tool span status desc = %q", toolSpans[0].statusDesc)
	}
}

func TestBridge_TurnError(t *testing.T) {
	b, _, srec := newTestBridge(t)

	am := assistantTurn("test-model", 0, 0, llm.StopReasonError)
	am.ErrorMessage = "rate limited"
	b.Handle(agent.Event{Type: agent.EventAgentStart})
	b.Handle(agent.Event{Type: agent.EventTurnStart})
	b.Handle(agent.Event{Type: agent.EventTurnEnd, Message: am})
	b.Handle(agent.Event{Type: agent.EventAgentEnd})

	turns := srec.byName("agent.turn")
	if len(turns) != 1 {
		t.Fatalf("got %d turn spans, want 1", len(turns))
	}
	if turns[0].status != codes.Error {
		t.Errorf("turn span status = %v, want Error", turns[0].status)
	}
	if turns[0].statusDesc != "rate limited" {
		t.Errorf("turn span status desc = %q", turns[0].statusDesc)
	}
}

func TestBridge_AbortClosesOpenSpans(t *testing.T) {
	b, _, srec := newTestBridge(t)

	// A run aborted mid-tool never sees tool_execution_end.
	b.Handle(agent.Event{Type: agent.EventAgentStart})
	b.Handle(agent.Event{Type: agent.EventTurnStart})
	b.Handle(agent.Event{Type: agent.EventToolExecutionStart, ToolCallID: "call_3", ToolName: "bash"})
	b.Handle(agent.Event{Type: agent.EventAgentEnd})

	if got := srec.openSpans(); got != 0 {
		t.Errorf("%d spans left open after agent_end", got)
	}
	if len(b.toolSpans) != 0 || len(b.toolStarts) != 0 {
		t.Errorf("tool span bookkeeping not drained: %d spans, %d starts", len(b.toolSpans), len(b.toolStarts))
	}
}

func TestBridge_EarlyEscapeTurnEnd(t *testing.T) {
	b, mrec, srec := newTestBridge(t)

	// A stream-contract failure emits turn_end with no message.
	b.Handle(agent.Event{Type: agent.EventAgentStart})
	b.Handle(agent.Event{Type: agent.EventTurnStart})
	b.Handle(agent.Event{Type: agent.EventTurnEnd, TurnDuration: time.Millisecond})
	b.Handle(agent.Event{Type: agent.EventAgentEnd})

	if got := mrec.ints["halyard_turns_total"]; got != 1 {
		t.Errorf("turns = %d, want 1", got)
	}
	if got := mrec.ints["halyard_llm_tokens_input_total"]; got != 0 {
		t.Errorf("input tokens = %d, want 0", got)
	}
	if got := srec.openSpans(); got != 0 {
		t.Errorf("%d spans left open", got)
	}
}

func TestBridge_DefaultProvidersAreNoops(t *testing.T) {
	b, err := New(Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b.Handle(agent.Event{Type: agent.EventAgentStart})
	b.Handle(agent.Event{Type: agent.EventTurnStart})
	b.Handle(agent.Event{Type: agent.EventTurnEnd, Message: assistantTurn("m", 1, 1, llm.StopReasonStop)})
	b.Handle(agent.Event{Type: agent.EventAgentEnd})
}
