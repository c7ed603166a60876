package llm

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"time"
)

// ToolCallIDNormalizer rewrites a tool-call id so the target model accepts
// it. Must be deterministic: the same id maps to the same id' within and
// across runs. Returning the id unchanged is the common case.
type ToolCallIDNormalizer func(id string, target Model, source *AssistantMessage) string

var toolCallIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// NormalizeToolCallID is the default normalizer: ids already matching
// ^[A-Za-z0-9_-]{1,64}$ pass through; anything else is rebuilt from its
// valid characters plus a short hash of the original, so the result is
// stable and collision-resistant.
func NormalizeToolCallID(id string, _ Model, _ *AssistantMessage) string {
	if toolCallIDPattern.MatchString(id) {
		return id
	}
	keep := make([]byte, 0, 40)
	for i := 0; i < len(id) && len(keep) < 40; i++ {
		c := id[i]
		if c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '_' || c == '-' {
			keep = append(keep, c)
		}
	}
	h := fnv.New32a()
	h.Write([]byte(id))
	if len(keep) == 0 {
		return fmt.Sprintf("call_%08x", h.Sum32())
	}
	return fmt.Sprintf("%s_%08x", keep, h.Sum32())
}

// TransformContext normalizes a heterogeneous message history for replay to
// the target model.
//
// First pass, per message: thinking blocks survive only same-model replay
// (empty ones are dropped, non-empty cross-model ones downgrade to plain
// text); text signatures and tool-call thought signatures are stripped
// cross-model; tool-call ids are rewritten through normalizeID (nil disables
// rewriting) and the id mapping is applied to subsequent tool results.
//
// Second pass repairs orphaned tool calls: assistants that stopped with
// error or aborted are removed outright, and any tool call left unanswered
// before the next user message, the next tool-calling assistant, or the end
// of the history gets a synthetic "No result provided" error result. A tool
// result that answers no visible call is passed through untouched; if the
// target API objects, that is its call to make.
//
// The input is never mutated. Applying TransformContext twice with the same
// target is a no-op on the second application.
func TransformContext(msgs []Message, target Model, normalizeID ToolCallIDNormalizer) []Message {
	idTable := make(map[string]string)
	usedIDs := make(map[string]string) // normalized id -> original id
	firstPass := make([]Message, 0, len(msgs))

	for _, m := range msgs {
		switch msg := m.(type) {
		case AssistantMessage:
			firstPass = append(firstPass, transformAssistant(msg, target, normalizeID, idTable, usedIDs))
		case *AssistantMessage:
			firstPass = append(firstPass, transformAssistant(*msg, target, normalizeID, idTable, usedIDs))
		case ToolResultMessage:
			firstPass = append(firstPass, rewriteToolResult(msg, idTable))
		case *ToolResultMessage:
			firstPass = append(firstPass, rewriteToolResult(*msg, idTable))
		default:
			firstPass = append(firstPass, m)
		}
	}

	return repairOrphans(firstPass)
}

func transformAssistant(msg AssistantMessage, target Model, normalizeID ToolCallIDNormalizer, idTable, usedIDs map[string]string) AssistantMessage {
	sameModel := msg.Identity() == target

	out := msg
	out.Content = make([]ContentBlock, 0, len(msg.Content))
	for _, block := range msg.Content {
		switch blk := block.(type) {
		case ThinkingContent:
			switch {
			case sameModel && blk.Signature != "":
				out.Content = append(out.Content, blk)
			case blk.Thinking == "":
				// Empty thinking blocks are dropped, never replayed.
			case sameModel:
				out.Content = append(out.Content, blk)
			default:
				out.Content = append(out.Content, TextContent{Type: "text", Text: blk.Thinking})
			}
		case TextContent:
			if !sameModel {
				blk.Signature = ""
			}
			out.Content = append(out.Content, blk)
		case ToolCall:
			if !sameModel {
				blk.ThoughtSignature = ""
				if normalizeID != nil {
					normalized := uniqueID(normalizeID(blk.ID, target, &msg), blk.ID, usedIDs)
					if normalized != blk.ID {
						idTable[blk.ID] = normalized
						blk.ID = normalized
					}
				}
			}
			out.Content = append(out.Content, blk)
		default:
			out.Content = append(out.Content, block)
		}
	}
	return out
}

// uniqueID resolves normalizer collisions: two distinct source ids mapping
// to the same normalized id get numeric suffixes, deterministically in scan
// order.
func uniqueID(normalized, original string, usedIDs map[string]string) string {
	candidate := normalized
	for n := 2; ; n++ {
		owner, taken := usedIDs[candidate]
		if !taken || owner == original {
			usedIDs[candidate] = original
			return candidate
		}
		candidate = fmt.Sprintf("%s_%d", normalized, n)
	}
}

func rewriteToolResult(msg ToolResultMessage, idTable map[string]string) ToolResultMessage {
	if mapped, ok := idTable[msg.ToolCallID]; ok {
		msg.ToolCallID = mapped
	}
	return msg
}

type pendingCall struct {
	id   string
	name string
}

func repairOrphans(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	var pending []pendingCall

	flush := func() {
		for _, call := range pending {
			out = append(out, ToolResultMessage{
				Role:       RoleToolResult,
				ToolCallID: call.id,
				ToolName:   call.name,
				Content:    []ContentBlock{TextContent{Type: "text", Text: "No result provided"}},
				IsError:    true,
				Timestamp:  time.Now().UnixMilli(),
			})
		}
		pending = nil
	}

	for _, m := range msgs {
		switch msg := m.(type) {
		case AssistantMessage:
			if msg.StopReason == StopReasonError || msg.StopReason == StopReasonAborted {
				continue
			}
			calls := msg.ToolCalls()
			if len(calls) > 0 {
				flush()
				pending = make([]pendingCall, 0, len(calls))
				for _, tc := range calls {
					pending = append(pending, pendingCall{id: tc.ID, name: tc.Name})
				}
			}
			out = append(out, msg)
		case ToolResultMessage:
			for i, call := range pending {
				if call.id == msg.ToolCallID {
					pending = append(pending[:i], pending[i+1:]...)
					break
				}
			}
			out = append(out, msg)
		case UserMessage:
			flush()
			out = append(out, msg)
		default:
			out = append(out, m)
		}
	}
	flush()
	return out
}
