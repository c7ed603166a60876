package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/halyard-dev/halyard/pkg/llm"
	"github.com/halyard-dev/halyard/pkg/session"
	"github.com/halyard-dev/halyard/pkg/tools"
)

// Agent orchestrates the model + tool loop.
// Listeners may subscribe/unsubscribe from any goroutine, and Steer/FollowUp/
// Abort are safe during a run; the run entry points themselves admit one run
// at a time and return ErrBusy otherwise.
type Agent struct {
	mu           sync.RWMutex
	systemPrompt string
	model        llm.Model
	registry     *llm.Registry
	tools        *tools.Registry
	streamOpts   llm.StreamOptions

	messages    []llm.Message
	isStreaming bool
	err         string
	cost        CostUsage

	listeners   map[int]func(Event)
	listenerSeq int
	listenerMu  sync.RWMutex

	abortFn   context.CancelFunc
	abortOnce sync.Once

	steeringQueue []llm.Message
	steeringMu    sync.Mutex
	followUpQueue []llm.Message
	followUpMu    sync.Mutex

	// Session persistence (optional).
	sess *session.Session

	logger *slog.Logger
}

// Options configures a new Agent.
type Options struct {
	SystemPrompt  string
	Model         llm.Model
	Registry      *llm.Registry     // stream adapters, keyed by API
	Tools         *tools.Registry   // nil → empty registry
	Session       *session.Session  // optional: persist the conversation
	StreamOptions llm.StreamOptions // passed to every model call
	Logger        *slog.Logger      // nil → discard
}

// New creates an Agent. When a session is attached, its stored messages are
// replayed into the working history and the agent's codec is installed so
// bash executions and custom messages round-trip.
func New(opts Options) (*Agent, error) {
	reg := opts.Tools
	if reg == nil {
		reg = tools.NewRegistry()
	}
	logger := opts.Logger
	if logger == nil {
		logger = defaultLogger()
	}
	a := &Agent{
		systemPrompt: opts.SystemPrompt,
		model:        opts.Model,
		registry:     opts.Registry,
		tools:        reg,
		streamOpts:   opts.StreamOptions,
		listeners:    make(map[int]func(Event)),
		sess:         opts.Session,
		logger:       logger,
	}
	if a.registry == nil {
		return nil, errors.New("agent: stream registry is required")
	}
	if a.sess != nil {
		a.sess.SetCodec(Codec{})
		a.sess.SetLogger(logger)
		msgs, err := a.sess.Messages()
		if err != nil {
			return nil, fmt.Errorf("agent: replay session: %w", err)
		}
		a.messages = msgs
	}
	return a, nil
}

// ---------------------------------------------------------------------------
// Configuration accessors
// ---------------------------------------------------------------------------

func (a *Agent) SetSystemPrompt(s string) {
	a.mu.Lock()
	a.systemPrompt = s
	a.mu.Unlock()
}

func (a *Agent) SystemPrompt() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.systemPrompt
}

func (a *Agent) SetModel(m llm.Model) {
	a.mu.Lock()
	a.model = m
	a.mu.Unlock()
}

func (a *Agent) Model() llm.Model {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.model
}

func (a *Agent) SetStreamOptions(opts llm.StreamOptions) {
	a.mu.Lock()
	a.streamOpts = opts
	a.mu.Unlock()
}

func (a *Agent) StreamOptions() llm.StreamOptions {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.streamOpts
}

func (a *Agent) Tools() *tools.Registry {
	return a.tools
}

func (a *Agent) Session() *session.Session {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sess
}

func (a *Agent) Logger() *slog.Logger {
	return a.logger
}

// ---------------------------------------------------------------------------
// Event subscriptions
// ---------------------------------------------------------------------------

// Subscribe registers a listener and returns an unsubscribe function.
func (a *Agent) Subscribe(fn func(Event)) func() {
	a.listenerMu.Lock()
	id := a.listenerSeq
	a.listenerSeq++
	a.listeners[id] = fn
	a.listenerMu.Unlock()

	return func() {
		a.listenerMu.Lock()
		delete(a.listeners, id)
		a.listenerMu.Unlock()
	}
}

func (a *Agent) broadcast(e Event) {
	a.listenerMu.RLock()
	fns := make([]func(Event), 0, len(a.listeners))
	for _, fn := range a.listeners {
		fns = append(fns, fn)
	}
	a.listenerMu.RUnlock()
	for _, fn := range fns {
		fn(e)
	}
}

// ---------------------------------------------------------------------------
// Run entry points
// ---------------------------------------------------------------------------

// Prompt sends one plain-text user message and blocks until the run ends.
func (a *Agent) Prompt(ctx context.Context, text string, cfg RunConfig) ([]llm.Message, error) {
	return a.Run(ctx, []llm.Message{userText(text)}, cfg)
}

// Run appends prompts to the history and drives the loop to completion. The
// returned slice holds every message the run added. A stream or tool failure
// is not an error here (it ends the run with stopReason error, observable
// via events and State); the returned error covers what escapes the loop:
// ErrBusy, key resolution, a missing stream adapter, hook failures.
func (a *Agent) Run(ctx context.Context, prompts []llm.Message, cfg RunConfig) ([]llm.Message, error) {
	loopCtx, cancel, err := a.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer a.finish(cancel)
	return a.runLoop(loopCtx, prompts, a.wrapConfig(cfg), a.broadcast)
}

// RunStream starts the run on its own goroutine and returns the event
// stream. The stream terminates with agent_end and resolves to the run's new
// messages; errors that would escape Run are recorded on the agent state.
func (a *Agent) RunStream(ctx context.Context, prompts []llm.Message, cfg RunConfig) (*EventStream, error) {
	loopCtx, cancel, err := a.begin(ctx)
	if err != nil {
		return nil, err
	}
	cfg = a.wrapConfig(cfg)
	es := NewEventStream()
	emit := func(e Event) {
		a.broadcast(e)
		es.Push(e)
	}
	go func() {
		defer a.finish(cancel)
		if _, err := a.runLoop(loopCtx, prompts, cfg, emit); err != nil {
			a.setError(err.Error())
			a.logger.Error("agent run failed", "err", err)
		}
	}()
	return es, nil
}

// Continue re-enters the loop with no new prompt, e.g. to resume after an
// abort or after compaction replaced the working history. The last message
// must be something a model can answer: a user message, a tool result, or a
// variant that converts to one.
func (a *Agent) Continue(ctx context.Context, cfg RunConfig) ([]llm.Message, error) {
	if err := a.checkContinue(); err != nil {
		return nil, err
	}
	return a.Run(ctx, nil, cfg)
}

// ContinueStream is Continue on the RunStream transport.
func (a *Agent) ContinueStream(ctx context.Context, cfg RunConfig) (*EventStream, error) {
	if err := a.checkContinue(); err != nil {
		return nil, err
	}
	return a.RunStream(ctx, nil, cfg)
}

func (a *Agent) checkContinue() error {
	msgs := a.snapshotMessages()
	if len(msgs) == 0 {
		return errors.New("agent: nothing to continue from")
	}
	last := msgs[len(msgs)-1]
	switch last.GetRole() {
	case llm.RoleUser, llm.RoleToolResult:
		return nil
	}
	if conv, ok := last.(LLMConvertible); ok {
		out := conv.ToLLM()
		if len(out) > 0 {
			switch out[len(out)-1].GetRole() {
			case llm.RoleUser, llm.RoleToolResult:
				return nil
			}
		}
	}
	return fmt.Errorf("agent: cannot continue from a %s message", last.GetRole())
}

// begin admits one run at a time and installs the abort handle.
func (a *Agent) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.isStreaming {
		return nil, nil, ErrBusy
	}
	loopCtx, cancel := context.WithCancel(ctx)
	a.abortFn = cancel
	a.abortOnce = sync.Once{}
	a.isStreaming = true
	a.err = ""
	return loopCtx, cancel, nil
}

func (a *Agent) finish(cancel context.CancelFunc) {
	a.mu.Lock()
	a.isStreaming = false
	a.abortFn = nil
	a.mu.Unlock()
	cancel()
}

// ---------------------------------------------------------------------------
// Steering / follow-up / abort
// ---------------------------------------------------------------------------

// Steer queues a message to inject after the current tool call finishes;
// remaining calls in the batch are skipped.
func (a *Agent) Steer(m llm.Message) {
	a.steeringMu.Lock()
	a.steeringQueue = append(a.steeringQueue, m)
	a.steeringMu.Unlock()
}

// SteerText queues a plain-text steering message.
func (a *Agent) SteerText(text string) {
	a.Steer(userText(text))
}

// FollowUp queues a message to process when the loop would otherwise stop.
func (a *Agent) FollowUp(m llm.Message) {
	a.followUpMu.Lock()
	a.followUpQueue = append(a.followUpQueue, m)
	a.followUpMu.Unlock()
}

// FollowUpText queues a plain-text follow-up message.
func (a *Agent) FollowUpText(text string) {
	a.FollowUp(userText(text))
}

// Abort cancels the running loop. The in-flight stream or tool observes the
// cancellation and the run terminates cleanly with stopReason aborted.
func (a *Agent) Abort() {
	a.mu.RLock()
	fn := a.abortFn
	a.mu.RUnlock()
	if fn != nil {
		a.abortOnce.Do(fn)
	}
}

func (a *Agent) drainSteering() []llm.Message {
	a.steeringMu.Lock()
	defer a.steeringMu.Unlock()
	out := a.steeringQueue
	a.steeringQueue = nil
	return out
}

func (a *Agent) drainFollowUp() []llm.Message {
	a.followUpMu.Lock()
	defer a.followUpMu.Unlock()
	out := a.followUpQueue
	a.followUpQueue = nil
	return out
}

// wrapConfig backs missing hooks with the agent's own queues.
func (a *Agent) wrapConfig(cfg RunConfig) RunConfig {
	if cfg.GetSteeringMessages == nil {
		cfg.GetSteeringMessages = func() ([]llm.Message, error) {
			return a.drainSteering(), nil
		}
	}
	if cfg.GetFollowUpMessages == nil {
		cfg.GetFollowUpMessages = func() ([]llm.Message, error) {
			return a.drainFollowUp(), nil
		}
	}
	return cfg
}

// ---------------------------------------------------------------------------
// State accessors
// ---------------------------------------------------------------------------

func (a *Agent) IsStreaming() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.isStreaming
}

func (a *Agent) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	msgs := make([]llm.Message, len(a.messages))
	copy(msgs, a.messages)
	usage := EstimateContextTokens(msgs)
	return State{
		SystemPrompt:  a.systemPrompt,
		Model:         a.model,
		Messages:      msgs,
		IsStreaming:   a.isStreaming,
		Error:         a.err,
		ContextTokens: usage.Tokens,
		Cost:          a.cost,
	}
}

// Messages returns a snapshot of the conversation history.
func (a *Agent) Messages() []llm.Message {
	return a.snapshotMessages()
}

// ReplaceMessages swaps the working history, e.g. after compaction rewrote
// the session. Not allowed while a run is streaming.
func (a *Agent) ReplaceMessages(msgs []llm.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.isStreaming {
		return ErrBusy
	}
	a.messages = append([]llm.Message(nil), msgs...)
	return nil
}

// AttachSession swaps the backing session and reloads the working history
// from it, e.g. after forking. Pass nil to detach persistence. Not allowed
// while a run is streaming. The old session is not closed.
func (a *Agent) AttachSession(sess *session.Session) error {
	var msgs []llm.Message
	if sess != nil {
		sess.SetCodec(Codec{})
		sess.SetLogger(a.logger)
		var err error
		msgs, err = sess.Messages()
		if err != nil {
			return fmt.Errorf("agent: replay session: %w", err)
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.isStreaming {
		return ErrBusy
	}
	a.sess = sess
	if sess != nil {
		a.messages = msgs
	}
	return nil
}

// Cost returns the cumulative cost across all runs.
func (a *Agent) Cost() CostUsage {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cost
}

// ---------------------------------------------------------------------------
// Internal helpers
// ---------------------------------------------------------------------------

// appendMsg stores a message in the working history and the session.
func (a *Agent) appendMsg(m llm.Message) {
	m = derefMessage(m)
	a.mu.Lock()
	a.messages = append(a.messages, m)
	sess := a.sess
	a.mu.Unlock()
	if sess != nil {
		if _, err := sess.AppendMessage(m); err != nil {
			a.logger.Error("session write failed", "err", err)
		}
	}
}

func (a *Agent) snapshotMessages() []llm.Message {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]llm.Message, len(a.messages))
	copy(out, a.messages)
	return out
}

func (a *Agent) setError(msg string) {
	a.mu.Lock()
	a.err = msg
	a.mu.Unlock()
}

func (a *Agent) addCost(t CostUsage) {
	a.mu.Lock()
	a.cost.add(t)
	a.mu.Unlock()
}

func (a *Agent) costSnapshot() CostUsage {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cost
}
