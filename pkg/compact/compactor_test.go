package compact_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halyard-dev/halyard/pkg/agent"
	"github.com/halyard-dev/halyard/pkg/compact"
	"github.com/halyard-dev/halyard/pkg/llm"
	"github.com/halyard-dev/halyard/pkg/session"
)

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

// paddedUser makes a user message of exactly chars characters (chars/4
// tokens) opening with a recognizable marker.
func paddedUser(marker string, chars int) llm.UserMessage {
	return userMsg(marker + strings.Repeat("x", chars-len(marker)))
}

func callAssistant(name, path string) llm.AssistantMessage {
	return llm.AssistantMessage{
		Role: llm.RoleAssistant,
		Content: []llm.ContentBlock{llm.ToolCall{
			Type: "tool_call", ID: "c_" + name, Name: name,
			Arguments: map[string]any{"path": path},
		}},
		Provider:   testModel.Provider,
		API:        testModel.API,
		Model:      testModel.ID,
		StopReason: llm.StopReasonTool,
		Timestamp:  time.Now().UnixMilli(),
	}
}

func toolResult(callID string, chars int) llm.ToolResultMessage {
	return llm.ToolResultMessage{
		Role: llm.RoleToolResult, ToolCallID: callID, ToolName: "read",
		Content:   []llm.ContentBlock{llm.TextContent{Type: "text", Text: strings.Repeat("r", chars)}},
		Timestamp: time.Now().UnixMilli(),
	}
}

func erroredAssistant(errMsg, modelID string) llm.AssistantMessage {
	return llm.AssistantMessage{
		Role:         llm.RoleAssistant,
		Provider:     testModel.Provider,
		API:          testModel.API,
		Model:        modelID,
		StopReason:   llm.StopReasonError,
		ErrorMessage: errMsg,
		Timestamp:    time.Now().UnixMilli(),
	}
}

// firstUserText flattens the text of a request's first message, for keying
// fake replies on prompt content (order-independent under parallel calls).
func firstUserText(llmCtx llm.Context) string {
	if len(llmCtx.Messages) == 0 {
		return ""
	}
	um, ok := llmCtx.Messages[0].(llm.UserMessage)
	if !ok {
		return ""
	}
	var sb strings.Builder
	for _, b := range um.Content {
		if tc, ok := b.(llm.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}

func seedSession(t *testing.T, msgs ...llm.Message) (*session.Session, []string) {
	t.Helper()
	sess, err := session.Create(t.TempDir(), "/work")
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close() })
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		id, err := sess.AppendMessage(m)
		require.NoError(t, err)
		ids[i] = id
	}
	return sess, ids
}

func newCompactor(t *testing.T, fake *fakeLLM, sess *session.Session, opts compact.Options) (*compact.Compactor, *agent.Agent) {
	t.Helper()
	ag, err := agent.New(agent.Options{
		Registry: fake.registry(),
		Model:    testModel,
		Session:  sess,
	})
	require.NoError(t, err)
	opts.Agent = ag
	opts.Session = sess
	if opts.Summarizer == nil {
		opts.Summarizer = &compact.Summarizer{Registry: fake.registry()}
	}
	c, err := compact.New(opts)
	require.NoError(t, err)
	return c, ag
}

func compactionEntries(t *testing.T, sess *session.Session) []session.Entry {
	t.Helper()
	entries, err := sess.Entries()
	require.NoError(t, err)
	var out []session.Entry
	for _, e := range entries {
		if e.Kind == session.KindCompaction {
			out = append(out, e)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Trigger policy
// ---------------------------------------------------------------------------

// Entry weights: u0 1000, a1 (read call) 5, t2 100, u3 100, a4 50. The last
// usage reports 1210 against a 1300-token window with 100 reserved, so the
// threshold (1200) is crossed. keepRecent 150 is crossed walking back at u3.
func TestCompactor_ThresholdTrigger(t *testing.T) {
	a4 := assistantText(strings.Repeat("a", 200))
	a4.Usage = llm.Usage{Input: 1150, Output: 60, TotalTokens: 1210}
	sess, ids := seedSession(t,
		paddedUser("alpha", 4000),
		callAssistant("read", "a.go"),
		toolResult("c_read", 400),
		paddedUser("bravo", 400),
		a4,
	)

	fake := &fakeLLM{reply: func(llm.Context) llm.AssistantMessage {
		return assistantText("FRESH SUMMARY")
	}}
	comp, ag := newCompactor(t, fake, sess, compact.Options{
		ContextWindow:    1300,
		ReserveTokens:    100,
		KeepRecentTokens: 150,
	})

	res, err := comp.MaybeCompact(context.Background(), agent.RunConfig{})
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.True(t, strings.HasPrefix(res.Summary, "FRESH SUMMARY"))
	assert.Contains(t, res.Summary, "## File Operations")
	assert.Contains(t, res.Summary, "- a.go")
	assert.Equal(t, ids[3], res.FirstKeptEntryID)
	assert.Equal(t, 1105, res.TokensBefore) // u0 1000 + read call 5 + result 100
	assert.False(t, res.SplitTurn)
	assert.Equal(t, []string{"a.go"}, res.Details.ReadFiles)

	// The working history shrank to summary + kept turn.
	msgs := ag.Messages()
	require.Len(t, msgs, 3)
	_, ok := msgs[0].(session.CompactionSummaryMessage)
	assert.True(t, ok, "history must open with the summary message")

	estimate := 0
	for _, m := range msgs {
		estimate += llm.EstimateTokens(m)
	}
	assert.Less(t, estimate, res.TokensBefore)

	comps := compactionEntries(t, sess)
	require.Len(t, comps, 1)
	assert.Equal(t, ids[3], comps[0].FirstKeptEntryID)
}

func TestCompactor_BelowThresholdDoesNothing(t *testing.T) {
	a1 := assistantText(strings.Repeat("a", 200))
	a1.Usage = llm.Usage{Input: 1150, Output: 60, TotalTokens: 1210}
	sess, _ := seedSession(t, paddedUser("alpha", 400), a1)

	fake := &fakeLLM{}
	comp, _ := newCompactor(t, fake, sess, compact.Options{ContextWindow: 2000, ReserveTokens: 100})

	res, err := comp.MaybeCompact(context.Background(), agent.RunConfig{})
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Empty(t, fake.reqs())
	assert.Empty(t, compactionEntries(t, sess))
}

func TestCompactor_AbortedDoesNothing(t *testing.T) {
	aborted := erroredAssistant("aborted", testModel.ID)
	aborted.StopReason = llm.StopReasonAborted
	sess, _ := seedSession(t, paddedUser("alpha", 4000), aborted)

	fake := &fakeLLM{}
	comp, _ := newCompactor(t, fake, sess, compact.Options{ContextWindow: 100})

	res, err := comp.MaybeCompact(context.Background(), agent.RunConfig{})
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Empty(t, fake.reqs())
}

func TestCompactor_PlainErrorDoesNothing(t *testing.T) {
	sess, _ := seedSession(t,
		paddedUser("alpha", 4000),
		erroredAssistant("boom", testModel.ID),
	)

	fake := &fakeLLM{}
	comp, _ := newCompactor(t, fake, sess, compact.Options{ContextWindow: 100})

	res, err := comp.MaybeCompact(context.Background(), agent.RunConfig{})
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Empty(t, fake.reqs())
}

func TestCompactor_OverflowFromOtherModelIgnored(t *testing.T) {
	sess, _ := seedSession(t,
		paddedUser("alpha", 4000),
		erroredAssistant("prompt is too long: 213462 tokens > 200000 maximum", "other-model"),
	)

	fake := &fakeLLM{}
	comp, _ := newCompactor(t, fake, sess, compact.Options{ContextWindow: 100})

	res, err := comp.MaybeCompact(context.Background(), agent.RunConfig{})
	require.NoError(t, err)
	assert.Nil(t, res, "overflow reported by a different model must not trigger recovery")
}

// Overflow recovery: the errored response is dropped from the session, the
// history before u2 (1050 tokens) is summarized, and the run continues
// automatically against the compacted context.
func TestCompactor_OverflowRecovery(t *testing.T) {
	a1 := assistantText(strings.Repeat("a", 200))
	a1.Usage = llm.Usage{Input: 850, Output: 50, TotalTokens: 900}
	sess, ids := seedSession(t,
		paddedUser("alpha", 4000),
		a1,
		paddedUser("bravo", 400),
		erroredAssistant("prompt is too long: 213462 tokens > 200000 maximum", testModel.ID),
	)

	fake := &fakeLLM{reply: func(llmCtx llm.Context) llm.AssistantMessage {
		if strings.Contains(llmCtx.SystemPrompt, "summarising") {
			return assistantText("RECOVERY SUMMARY")
		}
		return assistantText("recovered")
	}}
	comp, ag := newCompactor(t, fake, sess, compact.Options{
		KeepRecentTokens: 90,
		ContinueDelay:    time.Millisecond,
	})

	res, err := comp.MaybeCompact(context.Background(), agent.RunConfig{})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.Recovered)
	assert.True(t, strings.HasPrefix(res.Summary, "RECOVERY SUMMARY"))
	assert.Equal(t, 1050, res.TokensBefore)

	// The failed response is gone from the session.
	entries, err := sess.Entries()
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, ids[3], e.ID, "errored assistant entry must be removed")
	}
	require.Len(t, compactionEntries(t, sess), 1)

	// The automatic continue ran against the compacted context and the
	// model's reply landed in the history.
	msgs := ag.Messages()
	last, ok := msgs[len(msgs)-1].(llm.AssistantMessage)
	require.True(t, ok)
	require.Len(t, last.Content, 1)
	assert.Equal(t, "recovered", last.Content[0].(llm.TextContent).Text)

	reqs := fake.reqs()
	require.Len(t, reqs, 2, "one summary call, one continue call")
	assert.Contains(t, firstUserText(reqs[1].Ctx), "compacted into the following summary")
}

// ---------------------------------------------------------------------------
// Split turns and incremental summaries
// ---------------------------------------------------------------------------

// The trailing turn (u2 onward) weighs 1305 tokens against a keepRecent of
// 800, so the cut lands inside it: completed history [u0 a1] and the turn
// prefix [u2 a3 t4] are summarized separately and joined history-first.
func TestCompactor_SplitTurnJoinsSummaries(t *testing.T) {
	sess, _ := seedSession(t,
		paddedUser("alpha", 400),
		assistantText(strings.Repeat("a", 400)),
		paddedUser("bravo", 400),
		callAssistant("read", "a.go"),
		toolResult("c_read", 2000),
		callAssistant("write", "b.go"),
		toolResult("c_write", 2000),
		assistantText(strings.Repeat("a", 800)),
	)

	fake := &fakeLLM{reply: func(llmCtx llm.Context) llm.AssistantMessage {
		if strings.Contains(firstUserText(llmCtx), "## Original Request") {
			return assistantText("PREFIX SUMMARY")
		}
		return assistantText("HISTORY SUMMARY")
	}}
	comp, _ := newCompactor(t, fake, sess, compact.Options{KeepRecentTokens: 800})

	res, err := comp.Compact(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.SplitTurn)
	assert.Equal(t, 805, res.TokensBefore)

	want := "HISTORY SUMMARY" +
		"\n\n---\n\n**Turn Context (split turn):**\n\n" +
		"PREFIX SUMMARY" +
		"\n\n## File Operations\n\nFiles read:\n- a.go\n"
	assert.Equal(t, want, res.Summary)
	assert.NotContains(t, res.Summary, "b.go", "kept-range writes are not summarized activity")

	reqs := fake.reqs()
	require.Len(t, reqs, 2)
	for _, r := range reqs {
		prompt := firstUserText(r.Ctx)
		if strings.Contains(prompt, "## Original Request") {
			assert.Contains(t, prompt, "bravo")
			assert.NotContains(t, prompt, "alpha")
		} else {
			assert.Contains(t, prompt, "alpha")
			assert.NotContains(t, prompt, "bravo")
		}
	}

	// Replay keeps summary + [a5 t6 a7].
	msgs, err := sess.Messages()
	require.NoError(t, err)
	assert.Len(t, msgs, 4)
}

// A second compaction updates the previous summary incrementally: only the
// messages after the old cut are serialized, and the old file activity is
// folded into the new details.
func TestCompactor_UpdatesPreviousSummary(t *testing.T) {
	sess, ids := seedSession(t,
		paddedUser("alpha", 400),
		assistantText(strings.Repeat("a", 200)),
		paddedUser("bravo", 400),
		assistantText(strings.Repeat("a", 200)),
	)
	_, err := sess.AppendCompaction("OLD", ids[2], 500, &session.CompactionDetails{ReadFiles: []string{"old.go"}})
	require.NoError(t, err)

	var ids2 []string
	for _, m := range []llm.Message{
		paddedUser("charlie", 400),
		assistantText(strings.Repeat("a", 200)),
		paddedUser("delta", 400),
		assistantText(strings.Repeat("a", 200)),
	} {
		id, err := sess.AppendMessage(m)
		require.NoError(t, err)
		ids2 = append(ids2, id)
	}

	fake := &fakeLLM{reply: func(llm.Context) llm.AssistantMessage {
		return assistantText("UPDATED")
	}}
	comp, ag := newCompactor(t, fake, sess, compact.Options{KeepRecentTokens: 150})

	res, err := comp.Compact(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res)

	reqs := fake.reqs()
	require.Len(t, reqs, 1)
	prompt := firstUserText(reqs[0].Ctx)
	assert.Contains(t, prompt, "<previous-summary>\nOLD\n</previous-summary>")
	assert.Contains(t, prompt, "charlie")
	assert.NotContains(t, prompt, "alpha", "messages behind the old cut stay summarized")
	assert.NotContains(t, prompt, "bravo")
	assert.NotContains(t, prompt, "delta", "kept messages are not re-summarized")

	assert.Equal(t, ids2[2], res.FirstKeptEntryID)
	assert.Equal(t, 151, res.TokensBefore) // "OLD"≈1 + charlie 100 + reply 50
	assert.Contains(t, res.Summary, "- old.go")
	assert.Len(t, ag.Messages(), 3)
}

func TestCompactor_NothingToCompact(t *testing.T) {
	sess, _ := seedSession(t, paddedUser("alpha", 40), assistantText("ok"))

	fake := &fakeLLM{}
	comp, _ := newCompactor(t, fake, sess, compact.Options{})

	res, err := comp.Compact(context.Background())
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Empty(t, fake.reqs())
}

// ---------------------------------------------------------------------------
// Hooks
// ---------------------------------------------------------------------------

func TestCompactor_BeforeCompactOverride(t *testing.T) {
	sess, _ := seedSession(t,
		paddedUser("alpha", 400),
		assistantText(strings.Repeat("a", 200)),
		paddedUser("bravo", 400),
		assistantText(strings.Repeat("a", 200)),
	)

	fake := &fakeLLM{}
	var prepared *compact.Preparation
	var after *compact.Result
	comp, _ := newCompactor(t, fake, sess, compact.Options{
		KeepRecentTokens: 150,
		Hooks: compact.Hooks{
			BeforeCompact: func(p *compact.Preparation) (*compact.Override, error) {
				prepared = p
				return &compact.Override{Summary: "handwritten"}, nil
			},
			AfterCompact: func(r *compact.Result) { after = r },
		},
	})

	res, err := comp.Compact(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, "handwritten", res.Summary)
	assert.Empty(t, fake.reqs(), "an override skips the model")
	require.NotNil(t, prepared)
	assert.Equal(t, 2, prepared.Cut.FirstKeptIdx)
	assert.Equal(t, res, after)

	comps := compactionEntries(t, sess)
	require.Len(t, comps, 1)
	assert.Equal(t, "handwritten", comps[0].Summary)
}

func TestCompactor_BeforeCompactCancel(t *testing.T) {
	sess, _ := seedSession(t,
		paddedUser("alpha", 400),
		assistantText(strings.Repeat("a", 200)),
		paddedUser("bravo", 400),
		assistantText(strings.Repeat("a", 200)),
	)

	fake := &fakeLLM{}
	comp, ag := newCompactor(t, fake, sess, compact.Options{
		KeepRecentTokens: 150,
		Hooks: compact.Hooks{
			BeforeCompact: func(*compact.Preparation) (*compact.Override, error) {
				return nil, compact.ErrCanceled
			},
		},
	})

	res, err := comp.Compact(context.Background())
	require.ErrorIs(t, err, compact.ErrCanceled)
	assert.Nil(t, res)
	assert.Empty(t, compactionEntries(t, sess))
	assert.Len(t, ag.Messages(), 4, "history untouched after a canceled compaction")
}

// ---------------------------------------------------------------------------
// Forking
// ---------------------------------------------------------------------------

func TestCompactor_Fork(t *testing.T) {
	sess, ids := seedSession(t,
		userMsg("first question"),
		assistantText("first answer"),
		userMsg("try plan b instead"),
		assistantText("plan b failed"),
	)

	fake := &fakeLLM{reply: func(llmCtx llm.Context) llm.AssistantMessage {
		if strings.Contains(firstUserText(llmCtx), "<discarded-branch>") {
			return assistantText("BRANCH SUMMARY")
		}
		return assistantText("SUMMARY")
	}}
	comp, _ := newCompactor(t, fake, sess, compact.Options{})

	child, err := comp.Fork(context.Background(), t.TempDir(), ids[1])
	require.NoError(t, err)
	defer child.Close()

	entries, err := child.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 3) // branch summary + the two kept entries
	assert.Equal(t, session.KindBranchSummary, entries[0].Kind)
	assert.Equal(t, "BRANCH SUMMARY", entries[0].Summary)
	assert.Equal(t, ids[1], entries[0].ForkEntryID)

	reqs := fake.reqs()
	require.Len(t, reqs, 1)
	assert.Contains(t, firstUserText(reqs[0].Ctx), "try plan b instead")

	msgs, err := child.Messages()
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	_, ok := msgs[0].(session.BranchSummaryMessage)
	assert.True(t, ok)
}

func TestCompactor_ForkOverride(t *testing.T) {
	sess, ids := seedSession(t,
		userMsg("first question"),
		assistantText("first answer"),
		userMsg("dead end"),
	)

	fake := &fakeLLM{}
	var sawDiscarded int
	comp, _ := newCompactor(t, fake, sess, compact.Options{
		Hooks: compact.Hooks{
			BeforeFork: func(discarded []llm.Message) (*compact.Override, error) {
				sawDiscarded = len(discarded)
				return &compact.Override{Summary: "fork note"}, nil
			},
		},
	})

	child, err := comp.Fork(context.Background(), t.TempDir(), ids[1])
	require.NoError(t, err)
	defer child.Close()

	assert.Equal(t, 1, sawDiscarded)
	assert.Empty(t, fake.reqs())

	entries, err := child.Entries()
	require.NoError(t, err)
	assert.Equal(t, "fork note", entries[0].Summary)
}

func TestCompactor_ForkAtTip(t *testing.T) {
	sess, ids := seedSession(t, userMsg("only question"), assistantText("only answer"))

	fake := &fakeLLM{}
	comp, _ := newCompactor(t, fake, sess, compact.Options{})

	child, err := comp.Fork(context.Background(), t.TempDir(), ids[1])
	require.NoError(t, err)
	defer child.Close()

	assert.Empty(t, fake.reqs(), "nothing discarded, nothing summarized")
	entries, err := child.Entries()
	require.NoError(t, err)
	assert.Empty(t, entries[0].Summary)

	_, err = comp.Fork(context.Background(), t.TempDir(), "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no entry")
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func TestNew_Validation(t *testing.T) {
	fake := &fakeLLM{}
	sess, _ := seedSession(t, userMsg("hi"))
	ag, err := agent.New(agent.Options{Registry: fake.registry(), Model: testModel, Session: sess})
	require.NoError(t, err)
	sum := &compact.Summarizer{Registry: fake.registry()}

	_, err = compact.New(compact.Options{Session: sess, Summarizer: sum})
	assert.ErrorContains(t, err, "agent is required")

	_, err = compact.New(compact.Options{Agent: ag, Summarizer: sum})
	assert.ErrorContains(t, err, "session is required")

	_, err = compact.New(compact.Options{Agent: ag, Session: sess})
	assert.ErrorContains(t, err, "summarizer is required")
}
