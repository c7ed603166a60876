package compact

import (
	"github.com/halyard-dev/halyard/pkg/agent"
	"github.com/halyard-dev/halyard/pkg/llm"
	"github.com/halyard-dev/halyard/pkg/session"
)

// CutPoint is where a compaction splits the history: everything before
// FirstKeptIdx is summarized away, everything from it on survives verbatim.
//
// When the cut lands mid-turn (the kept prefix does not start with a user or
// bash-execution message), IsSplitTurn is set and TurnStartIdx points at the
// start of the straddled turn, so the summarizer can treat the turn's head
// separately from the completed history before it.
type CutPoint struct {
	FirstKeptIdx int
	TurnStartIdx int
	IsSplitTurn  bool
}

// FindCutPoint walks entries[start:end] backward, accumulating estimated
// tokens until keepRecentTokens is reached, then snaps forward to the nearest
// entry a conversation may resume from. Tool results are never cut points (a
// kept history starting with an orphaned result is unreplayable), and
// metadata entries stick to the message that follows them, so the cut absorbs
// them leftward.
//
// codec decodes stored messages for weighing; nil selects the default codec.
func FindCutPoint(entries []session.Entry, start, end, keepRecentTokens int, codec session.MessageCodec) CutPoint {
	if codec == nil {
		codec = session.DefaultCodec{}
	}
	if start < 0 {
		start = 0
	}
	if end > len(entries) {
		end = len(entries)
	}
	noCut := CutPoint{FirstKeptIdx: start, TurnStartIdx: start}
	if start >= end {
		return noCut
	}

	var valid []int
	for i := start; i < end; i++ {
		if validCut(entries[i]) {
			valid = append(valid, i)
		}
	}
	if len(valid) == 0 {
		return noCut
	}

	// Walk backward until the recent window is full. If the whole range fits,
	// crossed stays at start and the earliest valid cut wins (nothing to cut).
	crossed := start
	acc := 0
	for i := end - 1; i >= start; i-- {
		acc += entryTokens(entries[i], codec)
		if acc >= keepRecentTokens {
			crossed = i
			break
		}
	}

	// Snap to the first valid cut at or after the crossing. When none exists
	// past it, fall back to the last valid cut before it: keeping more than
	// the budget asked for is always safe, dropping the tail is not.
	cut := valid[len(valid)-1]
	for _, v := range valid {
		if v >= crossed {
			cut = v
			break
		}
	}

	firstKept := cut
	for firstKept > start && entries[firstKept-1].Kind.IsMetadata() {
		firstKept--
	}

	if isTurnStart(entries[cut]) {
		return CutPoint{FirstKeptIdx: firstKept, TurnStartIdx: firstKept}
	}

	turnStart := start
	for j := cut - 1; j >= start; j-- {
		if isTurnStart(entries[j]) {
			turnStart = j
			break
		}
	}
	return CutPoint{FirstKeptIdx: firstKept, TurnStartIdx: turnStart, IsSplitTurn: true}
}

// validCut reports whether the history may resume at e. Tool results need
// their call in context, so they can never open the kept range.
func validCut(e session.Entry) bool {
	switch e.Kind {
	case session.KindMessage:
		return llm.Role(e.Role) != llm.RoleToolResult
	case session.KindCustomMessage, session.KindBranchSummary:
		return true
	}
	return false
}

// isTurnStart reports whether e opens a turn: a user prompt or a bash
// execution the user ran between prompts.
func isTurnStart(e session.Entry) bool {
	if e.Kind != session.KindMessage && e.Kind != session.KindCustomMessage {
		return false
	}
	switch llm.Role(e.Role) {
	case llm.RoleUser, agent.RoleBashExecution:
		return true
	}
	return false
}

// entryTokens estimates an entry's weight for the cut-point walk. Message
// payloads go through the codec and the shared estimator; entries the codec
// cannot decode fall back to raw length. Metadata weighs nothing.
func entryTokens(e session.Entry, codec session.MessageCodec) int {
	switch e.Kind {
	case session.KindMessage, session.KindCustomMessage:
		m, err := codec.UnmarshalMessage(e.Role, e.Message)
		if err != nil {
			return (len(e.Message) + 3) / 4
		}
		return llm.EstimateTokens(m)
	case session.KindBranchSummary:
		return (len(e.Summary) + 3) / 4
	}
	return 0
}
