package llm

import (
	"regexp"
	"strings"
)

// Provider wording for "your input does not fit the context window". Keyed
// loosely by origin; several hosts proxy the same backends, so the list is
// matched as one case-insensitive alternation.
var overflowMarkers = []string{
	`prompt is too long`,                     // Anthropic
	`input is too long for requested model`,  // Amazon Bedrock
	`exceed.*context window`,                 // OpenAI
	`input token count.*exceeds the maximum`, // Google Gemini
	`maximum prompt length is \d+`,           // xAI
	`reduce the length of the messages`,      // Groq
	`maximum context length is \d+ tokens`,   // OpenRouter
	`exceeds the limit of \d+`,               // GitHub Copilot
	`exceeds the available context size`,     // llama.cpp
	`greater than the context length`,        // LM Studio
	`context window exceeds limit`,           // MiniMax
	`exceeded model token limit`,             // Kimi
	`context[_ ]length[_ ]exceeded`,          // generic
	`too many tokens`,                        // generic
	`token limit exceeded`,                   // generic
}

var overflowPattern = regexp.MustCompile(`(?i)` + strings.Join(overflowMarkers, `|`))

// Cerebras and Mistral signal overflow as a bare 400/413 with an empty body,
// which our transports render as "<status> (no body)".
var statusOverflowPattern = regexp.MustCompile(`(?i)^4(00|13)\s*(status code)?\s*\(no body\)`)

// IsContextOverflow reports whether a finalized assistant message failed
// because the request exceeded the model's context window.
//
// Errored messages are classified by their error text. Additionally, when
// contextWindow is positive, a *successful* message whose reported input
// tokens exceed the window counts as a silent overflow (some hosts accept
// over-long requests and quietly truncate). Pass contextWindow 0 to skip
// that check.
func IsContextOverflow(msg *AssistantMessage, contextWindow int) bool {
	if msg == nil {
		return false
	}
	if msg.StopReason == StopReasonError && msg.ErrorMessage != "" {
		if overflowPattern.MatchString(msg.ErrorMessage) {
			return true
		}
		if statusOverflowPattern.MatchString(msg.ErrorMessage) {
			return true
		}
	}
	if contextWindow > 0 && msg.StopReason == StopReasonStop {
		if msg.Usage.Input+msg.Usage.CacheRead > contextWindow {
			return true
		}
	}
	return false
}
