package agent

import "github.com/halyard-dev/halyard/pkg/llm"

// EstimateContextTokens reports the estimated size of the context window in
// two parts:
//
//  1. The exact count reported by the last assistant message that finished
//     cleanly and carries usage data.
//  2. A chars/4 estimate for everything appended after that report (tool
//     results, steering, the next user message).
//
// The estimate intentionally overshoots so compaction triggers early rather
// than late.
func EstimateContextTokens(msgs []llm.Message) ContextUsage {
	lastIdx := -1
	var lastUsage llm.Usage
	for i := len(msgs) - 1; i >= 0; i-- {
		am, ok := msgs[i].(llm.AssistantMessage)
		if !ok {
			continue
		}
		if am.StopReason == llm.StopReasonError || am.StopReason == llm.StopReasonAborted {
			continue
		}
		if am.Usage.Total() > 0 {
			lastIdx = i
			lastUsage = am.Usage
			break
		}
	}

	if lastIdx == -1 {
		// No usage data yet; estimate everything.
		total := 0
		for _, m := range msgs {
			total += llm.EstimateTokens(m)
		}
		return ContextUsage{Tokens: total, TrailingTokens: total}
	}

	trailing := 0
	for _, m := range msgs[lastIdx+1:] {
		trailing += llm.EstimateTokens(m)
	}

	return ContextUsage{
		Tokens:         lastUsage.Total() + trailing,
		UsageTokens:    lastUsage.Total(),
		TrailingTokens: trailing,
	}
}
