// Package compact shrinks long conversations by replacing old history with an
// LLM-generated summary, so a session can keep running past the model's
// context window.
//
// The Compactor evaluates a trigger policy after every run: an aborted run
// does nothing; a context-overflow error from the current model drops the
// failed response, compacts, and automatically continues; any other error
// does nothing; otherwise crossing the reserve threshold compacts without a
// retry. The cut point preserves whole turns where possible, and a turn too
// large to keep intact is split, with its head summarized separately
// (IsSplitTurn).
package compact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/halyard-dev/halyard/pkg/agent"
	"github.com/halyard-dev/halyard/pkg/llm"
	"github.com/halyard-dev/halyard/pkg/llm/models"
	"github.com/halyard-dev/halyard/pkg/session"
)

const (
	// DefaultReserveTokens is the headroom kept free for the next response
	// and the summary itself.
	DefaultReserveTokens = 16384

	// DefaultKeepRecentTokens is how much recent conversation survives a
	// compaction verbatim.
	DefaultKeepRecentTokens = 20000

	// DefaultContinueDelay spaces the automatic continue after an overflow
	// recovery, avoiding a tight re-entry loop when recovery itself fails.
	DefaultContinueDelay = 100 * time.Millisecond
)

// splitTurnJoin glues the history summary and the turn-prefix summary when a
// compaction cuts through the middle of a turn.
const splitTurnJoin = "\n\n---\n\n**Turn Context (split turn):**\n\n"

// ---------------------------------------------------------------------------
// Preparation
// ---------------------------------------------------------------------------

// Preparation is everything a compaction needs, computed before any model
// call: the cut, the decoded message ranges to summarize, and the carried
// state from a previous compaction.
type Preparation struct {
	Cut CutPoint

	// BoundaryStart is the first entry index after the previous compaction
	// (0 when none). HistoryEnd bounds the fully-summarized range.
	BoundaryStart int
	HistoryEnd    int

	// History holds the completed turns to summarize. TurnPrefix holds the
	// head of a split turn (empty unless Cut.IsSplitTurn).
	History    []llm.Message
	TurnPrefix []llm.Message

	// FirstKeptEntryID is the entry the surviving history starts at.
	FirstKeptEntryID string

	// PreviousSummary carries an earlier compaction's summary for
	// incremental updating.
	PreviousSummary string

	// TokensBefore estimates the context size being replaced.
	TokensBefore int

	// Details is the merged file activity of the summarized range.
	Details session.CompactionDetails
}

// Prepare finds the cut and decodes the ranges to summarize. It returns nil
// when there is nothing to compact (the cut would keep everything).
func Prepare(entries []session.Entry, codec session.MessageCodec, keepRecentTokens int) *Preparation {
	if codec == nil {
		codec = session.DefaultCodec{}
	}

	boundaryStart := 0
	prevSummary := ""
	var prevDetails session.CompactionDetails
	for i, e := range entries {
		if e.Kind == session.KindCompaction {
			boundaryStart = i + 1
			prevSummary = e.Summary
			if e.Details != nil {
				prevDetails = *e.Details
			} else {
				prevDetails = session.CompactionDetails{}
			}
		}
	}

	cut := FindCutPoint(entries, boundaryStart, len(entries), keepRecentTokens, codec)
	if cut.FirstKeptIdx <= boundaryStart {
		return nil
	}

	historyEnd := cut.FirstKeptIdx
	if cut.IsSplitTurn {
		historyEnd = cut.TurnStartIdx
	}

	history := decodeRange(entries, boundaryStart, historyEnd, codec)
	var prefix []llm.Message
	if cut.IsSplitTurn {
		prefix = decodeRange(entries, cut.TurnStartIdx, cut.FirstKeptIdx, codec)
	}

	tokensBefore := (len(prevSummary) + 3) / 4
	for i := boundaryStart; i < cut.FirstKeptIdx; i++ {
		tokensBefore += entryTokens(entries[i], codec)
	}

	details := MergeDetails(prevDetails, ExtractFileOperations(append(append([]llm.Message(nil), history...), prefix...)))

	return &Preparation{
		Cut:              cut,
		BoundaryStart:    boundaryStart,
		HistoryEnd:       historyEnd,
		History:          history,
		TurnPrefix:       prefix,
		FirstKeptEntryID: entries[cut.FirstKeptIdx].ID,
		PreviousSummary:  prevSummary,
		TokensBefore:     tokensBefore,
		Details:          details,
	}
}

// decodeRange turns entries[from:to] into messages, skipping what the codec
// cannot decode and all metadata kinds.
func decodeRange(entries []session.Entry, from, to int, codec session.MessageCodec) []llm.Message {
	var out []llm.Message
	for i := from; i < to; i++ {
		e := entries[i]
		switch e.Kind {
		case session.KindMessage, session.KindCustomMessage:
			m, err := codec.UnmarshalMessage(e.Role, e.Message)
			if err != nil {
				continue
			}
			out = append(out, m)
		case session.KindBranchSummary:
			out = append(out, session.BranchSummaryMessage{
				Role:        session.RoleBranchSummary,
				Summary:     e.Summary,
				FromSession: e.ParentSessionPath,
			})
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Hooks
// ---------------------------------------------------------------------------

// Override lets a hook substitute its own summary (and optionally its own
// details) for the generated one.
type Override struct {
	Summary string
	Details *session.CompactionDetails
}

// Hooks are optional caller interception points. Returning a non-nil Override
// from a Before hook skips the model call; returning an error cancels the
// operation (ErrCanceled cancels without noise).
type Hooks struct {
	BeforeCompact func(p *Preparation) (*Override, error)
	AfterCompact  func(r *Result)
	BeforeFork    func(discarded []llm.Message) (*Override, error)
}

// ErrCanceled is returned by hooks to veto a compaction or fork.
var ErrCanceled = errors.New("compact: canceled by hook")

// ---------------------------------------------------------------------------
// Compactor
// ---------------------------------------------------------------------------

// Result describes one completed compaction.
type Result struct {
	// EntryID is the compaction entry written to the session.
	EntryID string

	Summary          string
	FirstKeptEntryID string
	TokensBefore     int
	Details          session.CompactionDetails

	// SplitTurn reports that the cut landed mid-turn.
	SplitTurn bool

	// Recovered reports that this compaction was an overflow recovery (the
	// failed response was dropped and the run continued automatically).
	Recovered bool
}

// Compactor ties an agent, its session, and a summarizer together and applies
// the trigger policy. It must be driven from the goroutine that owns the
// agent (typically right after a run returns); it does not subscribe to agent
// events itself.
type Compactor struct {
	agent         *agent.Agent
	sess          *session.Session
	sum           *Summarizer
	window        int
	reserve       int
	keepRecent    int
	continueDelay time.Duration
	hooks         Hooks
	logger        *slog.Logger
}

// Options configures a Compactor. Agent, Session, and Summarizer are
// required. ContextWindow 0 resolves from the model registry per call.
type Options struct {
	Agent      *agent.Agent
	Session    *session.Session
	Summarizer *Summarizer

	ContextWindow    int
	ReserveTokens    int
	KeepRecentTokens int
	ContinueDelay    time.Duration

	Hooks  Hooks
	Logger *slog.Logger
}

func New(opts Options) (*Compactor, error) {
	if opts.Agent == nil {
		return nil, errors.New("compact: agent is required")
	}
	if opts.Session == nil {
		return nil, errors.New("compact: session is required")
	}
	if opts.Summarizer == nil {
		return nil, errors.New("compact: summarizer is required")
	}
	c := &Compactor{
		agent:         opts.Agent,
		sess:          opts.Session,
		sum:           opts.Summarizer,
		window:        opts.ContextWindow,
		reserve:       opts.ReserveTokens,
		keepRecent:    opts.KeepRecentTokens,
		continueDelay: opts.ContinueDelay,
		hooks:         opts.Hooks,
		logger:        opts.Logger,
	}
	if c.reserve <= 0 {
		c.reserve = DefaultReserveTokens
	}
	if c.keepRecent <= 0 {
		c.keepRecent = DefaultKeepRecentTokens
	}
	if c.continueDelay <= 0 {
		c.continueDelay = DefaultContinueDelay
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	return c, nil
}

func (c *Compactor) contextWindow() int {
	if c.window > 0 {
		return c.window
	}
	return models.ContextWindowFor(c.agent.Model().ID)
}

// ShouldCompact reports whether the estimated context size has crossed the
// reserve threshold. Unknown context windows never trigger.
func (c *Compactor) ShouldCompact() bool {
	window := c.contextWindow()
	if window <= 0 {
		return false
	}
	usage := agent.EstimateContextTokens(c.agent.Messages())
	return usage.Tokens > window-c.reserve
}

// MaybeCompact applies the trigger policy to the agent's current state. It
// returns (nil, nil) when no trigger fires. cfg is reused for the automatic
// continue after an overflow recovery, so caller hooks survive it.
func (c *Compactor) MaybeCompact(ctx context.Context, cfg agent.RunConfig) (*Result, error) {
	last := lastAssistant(c.agent.Messages())
	if last == nil {
		return nil, nil
	}
	switch last.StopReason {
	case llm.StopReasonAborted:
		return nil, nil
	case llm.StopReasonError:
		if !llm.IsContextOverflow(last, 0) || last.Identity() != c.agent.Model() {
			return nil, nil
		}
		return c.recoverOverflow(ctx, cfg)
	}
	if !c.ShouldCompact() {
		return nil, nil
	}
	return c.Compact(ctx)
}

// recoverOverflow drops the failed assistant response from the session,
// compacts, and continues the run after a short delay.
func (c *Compactor) recoverOverflow(ctx context.Context, cfg agent.RunConfig) (*Result, error) {
	entries, err := c.sess.Entries()
	if err != nil {
		return nil, fmt.Errorf("compact: read session: %w", err)
	}
	if id, ok := failedAssistantEntry(entries, c.sess.Codec()); ok {
		if err := c.sess.RemoveEntry(id); err != nil {
			return nil, fmt.Errorf("compact: drop failed response: %w", err)
		}
	}

	res, err := c.Compact(ctx)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, errors.New("compact: context overflow but nothing to compact")
	}
	res.Recovered = true

	c.logger.Info("recovered from context overflow, continuing",
		"entry", res.EntryID, "tokens_before", res.TokensBefore)
	select {
	case <-time.After(c.continueDelay):
	case <-ctx.Done():
		return res, ctx.Err()
	}
	if _, err := c.agent.Continue(ctx, cfg); err != nil {
		return res, fmt.Errorf("compact: continue after recovery: %w", err)
	}
	return res, nil
}

// failedAssistantEntry finds the entry of the trailing errored assistant
// message. Only the most recent assistant is considered: if it decoded to a
// non-error stop there is nothing to drop.
func failedAssistantEntry(entries []session.Entry, codec session.MessageCodec) (string, bool) {
	if codec == nil {
		codec = session.DefaultCodec{}
	}
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.Kind != session.KindMessage || llm.Role(e.Role) != llm.RoleAssistant {
			continue
		}
		m, err := codec.UnmarshalMessage(e.Role, e.Message)
		if err != nil {
			return "", false
		}
		am, ok := m.(llm.AssistantMessage)
		if !ok || am.StopReason != llm.StopReasonError {
			return "", false
		}
		return e.ID, true
	}
	return "", false
}

// Compact runs one compaction end to end: prepare, summarize, append the
// compaction entry, and reload the agent's history from the session. It
// returns (nil, nil) when the history is too small to cut.
func (c *Compactor) Compact(ctx context.Context) (*Result, error) {
	entries, err := c.sess.Entries()
	if err != nil {
		return nil, fmt.Errorf("compact: read session: %w", err)
	}
	p := Prepare(entries, c.sess.Codec(), c.keepRecent)
	if p == nil {
		return nil, nil
	}

	var summary string
	details := p.Details
	var override *Override
	if c.hooks.BeforeCompact != nil {
		override, err = c.hooks.BeforeCompact(p)
		if err != nil {
			return nil, err
		}
	}
	if override != nil {
		summary = override.Summary
		if override.Details != nil {
			details = *override.Details
		}
	} else {
		summary, err = c.summarize(ctx, p)
		if err != nil {
			return nil, err
		}
	}
	summary += fileOpsSection(details)

	entryID, err := c.sess.AppendCompaction(summary, p.FirstKeptEntryID, p.TokensBefore, &details)
	if err != nil {
		return nil, fmt.Errorf("compact: append entry: %w", err)
	}

	msgs, err := c.sess.Messages()
	if err != nil {
		return nil, fmt.Errorf("compact: reload session: %w", err)
	}
	if err := c.agent.ReplaceMessages(msgs); err != nil {
		return nil, fmt.Errorf("compact: replace history: %w", err)
	}

	res := &Result{
		EntryID:          entryID,
		Summary:          summary,
		FirstKeptEntryID: p.FirstKeptEntryID,
		TokensBefore:     p.TokensBefore,
		Details:          details,
		SplitTurn:        p.Cut.IsSplitTurn,
	}
	c.logger.Info("compacted session",
		"entry", entryID,
		"first_kept", p.FirstKeptEntryID,
		"tokens_before", p.TokensBefore,
		"split_turn", p.Cut.IsSplitTurn)
	if c.hooks.AfterCompact != nil {
		c.hooks.AfterCompact(res)
	}
	return res, nil
}

// summarize produces the replacement text for a preparation. Split turns run
// the history and turn-prefix summaries in parallel and join them with the
// history first.
func (c *Compactor) summarize(ctx context.Context, p *Preparation) (string, error) {
	model := c.agent.Model()
	if !p.Cut.IsSplitTurn {
		return c.sum.Summarize(ctx, model, p.History, p.PreviousSummary)
	}

	var history, prefix string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if len(p.History) == 0 {
			// Headless split: everything since the previous compaction is
			// one giant turn. The old summary carries forward untouched.
			history = p.PreviousSummary
			return nil
		}
		var err error
		history, err = c.sum.Summarize(gctx, model, p.History, p.PreviousSummary)
		return err
	})
	g.Go(func() error {
		var err error
		prefix, err = c.sum.SummarizeTurnPrefix(gctx, model, p.TurnPrefix)
		return err
	})
	if err := g.Wait(); err != nil {
		return "", err
	}
	if history == "" {
		return prefix, nil
	}
	return history + splitTurnJoin + prefix, nil
}

// Fork splits the session at an entry, summarizing the discarded tail as the
// child's opening context. The compactor itself keeps operating on the
// original session; callers swap to the child.
func (c *Compactor) Fork(ctx context.Context, dir, atEntryID string) (*session.Session, error) {
	entries, err := c.sess.Entries()
	if err != nil {
		return nil, fmt.Errorf("compact: read session: %w", err)
	}
	at := -1
	for i, e := range entries {
		if e.ID == atEntryID {
			at = i
			break
		}
	}
	if at < 0 {
		return nil, fmt.Errorf("compact: no entry %s", atEntryID)
	}
	discarded := decodeRange(entries, at+1, len(entries), c.sess.Codec())

	var override *Override
	if c.hooks.BeforeFork != nil {
		override, err = c.hooks.BeforeFork(discarded)
		if err != nil {
			return nil, err
		}
	}

	var summary string
	switch {
	case override != nil:
		summary = override.Summary
	case len(discarded) > 0:
		summary, err = c.sum.SummarizeBranch(ctx, c.agent.Model(), discarded)
		if err != nil {
			return nil, fmt.Errorf("compact: branch summary: %w", err)
		}
	}

	return c.sess.Fork(dir, atEntryID, summary)
}

// lastAssistant returns the most recent assistant message, whose stop reason
// is the run's outcome.
func lastAssistant(msgs []llm.Message) *llm.AssistantMessage {
	for i := len(msgs) - 1; i >= 0; i-- {
		if am, ok := msgs[i].(llm.AssistantMessage); ok {
			return &am
		}
	}
	return nil
}
