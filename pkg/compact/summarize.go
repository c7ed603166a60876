package compact

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/halyard-dev/halyard/pkg/llm"
	"github.com/halyard-dev/halyard/pkg/llm/models"
)

const summarySystemPrompt = `You are an expert at summarising technical conversations.
Create concise, structured summaries that allow another AI to continue the work seamlessly.
Focus on facts, decisions, and current state — not the conversational flow.`

const initialSummaryPrompt = `The messages above are a conversation to summarise. Create a structured context checkpoint that another LLM will use to continue the work.

Use this EXACT format:

## Goal
[What is the user trying to accomplish? Can be multiple items.]

## Constraints & Preferences
- [Any constraints, preferences, or requirements mentioned by the user]
- [Or "(none)" if none were mentioned]

## Progress
### Done
- [x] [Completed tasks/changes]

### In Progress
- [ ] [Current work]

### Blocked
- [Issues preventing progress, or "(none)"]

## Key Decisions
- **[Decision]**: [Brief rationale]

## Next Steps
1. [Ordered list of what should happen next]

## Critical Context
- [Exact file paths, function names, error messages, data needed to continue]
- [Or "(none)" if not applicable]

Keep each section concise. Preserve exact identifiers, file paths, and error messages.`

const updateSummaryPrompt = `The messages above are NEW conversation messages to incorporate into the existing summary provided in <previous-summary> tags.

Update the existing structured summary with new information:
- PRESERVE all existing information unless it is now incorrect
- ADD new progress, decisions, and context from the new messages
- UPDATE Progress: move In Progress items to Done when completed
- UPDATE Next Steps based on what was accomplished

<previous-summary>
%s
</previous-summary>

Use the same EXACT format as the previous summary (Goal / Constraints / Progress / Key Decisions / Next Steps / Critical Context).
Keep each section concise. Preserve exact identifiers, file paths, and error messages.`

const turnPrefixPrompt = `The messages above are the truncated beginning of a turn that is still in progress. The rest of the turn stays in context verbatim; your summary replaces only this beginning.

Use this EXACT format:

## Original Request
[What did the user ask for at the start of this turn?]

## Early Progress
- [What was done, tried, or discovered in these messages]

## Context for Suffix
- [Exact file paths, function names, tool outputs, or errors the remaining messages refer back to]
- [Or "(none)" if not applicable]

Keep each section concise. Preserve exact identifiers, file paths, and error messages.`

// Summarizer turns message slices into structured summary text by calling a
// model through the registry. The zero value is unusable; Registry must be
// set. Model optionally overrides the conversation model (for a cheaper
// dedicated summary model); Options carries credentials and transport knobs
// for the summary calls.
type Summarizer struct {
	Registry *llm.Registry
	Model    llm.Model
	Options  llm.StreamOptions

	// ReserveTokens sizes the output budgets: a full-history summary may use
	// 80% of it, a turn-prefix summary 50%. Zero means DefaultReserveTokens.
	ReserveTokens int
}

func (s *Summarizer) reserve() int {
	if s.ReserveTokens > 0 {
		return s.ReserveTokens
	}
	return DefaultReserveTokens
}

// Summarize produces a structured checkpoint of msgs. When prevSummary is
// non-empty it is updated incrementally: only the new messages need to be
// described, existing state is preserved.
func (s *Summarizer) Summarize(ctx context.Context, model llm.Model, msgs []llm.Message, prevSummary string) (string, error) {
	instructions := initialSummaryPrompt
	if prevSummary != "" {
		instructions = fmt.Sprintf(updateSummaryPrompt, prevSummary)
	}
	prompt := fmt.Sprintf("<conversation>\n%s\n</conversation>\n\n%s", serializeConversation(msgs), instructions)
	return s.generate(ctx, model, summarySystemPrompt, prompt, s.reserve()*8/10)
}

// SummarizeTurnPrefix condenses the head of a turn whose tail survives a
// compaction verbatim. It gets half the reserve budget: the tail already
// carries most of the turn.
func (s *Summarizer) SummarizeTurnPrefix(ctx context.Context, model llm.Model, msgs []llm.Message) (string, error) {
	prompt := fmt.Sprintf("<conversation>\n%s\n</conversation>\n\n%s", serializeConversation(msgs), turnPrefixPrompt)
	return s.generate(ctx, model, summarySystemPrompt, prompt, s.reserve()/2)
}

// SummarizeBranch digests the messages discarded by a fork so the child
// session knows what the abandoned branch tried.
func (s *Summarizer) SummarizeBranch(ctx context.Context, model llm.Model, msgs []llm.Message) (string, error) {
	if len(msgs) == 0 {
		return "", nil
	}
	prompt := fmt.Sprintf(
		"<discarded-branch>\n%s\n</discarded-branch>\n\n"+
			"The conversation above is a branch that was forked away from. "+
			"Write a one-paragraph summary (max 200 words) of what was tried in that branch, "+
			"what worked, what didn't, and why the branch was abandoned. "+
			"This will be shown as context in the new branch.",
		serializeConversation(msgs),
	)
	return s.generate(ctx, model, "You summarise discarded conversation branches concisely.", prompt, 512)
}

func (s *Summarizer) generate(ctx context.Context, model llm.Model, system, prompt string, maxTokens int) (string, error) {
	if s.Model.ID != "" {
		model = s.Model
	}
	opts := s.Options
	opts.MaxTokens = maxTokens
	opts.Reasoning = ""
	if info := models.Lookup(model.ID); info != nil && info.SupportsThinking {
		opts.Reasoning = llm.ReasoningHigh
	}

	llmCtx := llm.Context{
		SystemPrompt: system,
		Messages: []llm.Message{llm.UserMessage{
			Role:      llm.RoleUser,
			Content:   []llm.ContentBlock{llm.TextContent{Type: "text", Text: prompt}},
			Timestamp: time.Now().UnixMilli(),
		}},
	}

	es, err := s.Registry.Stream(ctx, model, llmCtx, opts)
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	for range es.Events() {
	}
	msg := es.Result()
	if msg == nil {
		return "", errors.New("summarize: stream ended without a result")
	}
	switch msg.StopReason {
	case llm.StopReasonError, llm.StopReasonAborted:
		if msg.ErrorMessage != "" {
			return "", fmt.Errorf("summarize: %s", msg.ErrorMessage)
		}
		return "", fmt.Errorf("summarize: model stopped with reason %s", msg.StopReason)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		if tc, ok := b.(llm.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String(), nil
}

// serializeConversation converts a message slice to a human-readable text
// block for feeding to the summary model.
func serializeConversation(msgs []llm.Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		switch msg := m.(type) {
		case llm.UserMessage:
			sb.WriteString("[USER]\n")
			for _, b := range msg.Content {
				if tc, ok := b.(llm.TextContent); ok {
					sb.WriteString(tc.Text)
					sb.WriteByte('\n')
				}
			}
			sb.WriteByte('\n')
		case llm.AssistantMessage:
			sb.WriteString("[ASSISTANT]\n")
			for _, b := range msg.Content {
				switch bc := b.(type) {
				case llm.TextContent:
					sb.WriteString(bc.Text)
					sb.WriteByte('\n')
				case llm.ThinkingContent:
					sb.WriteString("<thinking>\n")
					sb.WriteString(bc.Thinking)
					sb.WriteString("\n</thinking>\n")
				case llm.ToolCall:
					fmt.Fprintf(&sb, "[TOOL CALL: %s]\n", bc.Name)
				}
			}
			sb.WriteByte('\n')
		case llm.ToolResultMessage:
			fmt.Fprintf(&sb, "[TOOL RESULT: %s]\n", msg.ToolName)
			for _, b := range msg.Content {
				if tc, ok := b.(llm.TextContent); ok {
					// Truncate very long tool outputs in the summary input.
					text := truncateRunes(tc.Text, 1997)
					sb.WriteString(text)
					sb.WriteByte('\n')
				}
			}
			sb.WriteByte('\n')
		default:
			blocks, ok := m.(interface{ ContentBlocks() []llm.ContentBlock })
			if !ok {
				continue
			}
			fmt.Fprintf(&sb, "[%s]\n", strings.ToUpper(string(m.GetRole())))
			for _, b := range blocks.ContentBlocks() {
				if tc, ok := b.(llm.TextContent); ok {
					sb.WriteString(tc.Text)
					sb.WriteByte('\n')
				}
			}
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

// truncateRunes caps text at max bytes without splitting a UTF-8 rune,
// appending "..." when anything was cut.
func truncateRunes(text string, max int) string {
	if len(text) <= max {
		return text
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "..."
}
