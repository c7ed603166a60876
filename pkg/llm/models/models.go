// Package models is a registry of well-known model metadata: context
// windows, output caps, reasoning support, and cost rates. Compaction
// thresholds and reasoning-level mapping are driven from here.
package models

import (
	"strings"

	"github.com/halyard-dev/halyard/pkg/llm"
)

// ModelInfo holds static metadata for a known model.
type ModelInfo struct {
	// ID is the canonical model identifier string.
	ID string

	// Provider is the canonical provider name ("anthropic", "openai", ...).
	Provider string

	// API is the wire protocol the model speaks, matching the stream
	// adapter registered for it.
	API string

	// DisplayName is a short human-readable name.
	DisplayName string

	// ContextWindow is the maximum prompt-plus-history token count.
	ContextWindow int

	// MaxOutputTokens is the per-response generation cap.
	MaxOutputTokens int

	// SupportsVision is true when the model accepts image inputs.
	SupportsVision bool

	// SupportsThinking is true when the model has an extended-reasoning mode.
	SupportsThinking bool

	// SupportsXHigh is true when the model accepts the xhigh reasoning
	// level. Everything else downgrades xhigh to high.
	SupportsXHigh bool

	// Costs are USD per one million tokens.
	InputCostPer1M      float64
	OutputCostPer1M     float64
	CacheReadCostPer1M  float64
	CacheWriteCostPer1M float64
}

// Ref returns the model identity triple used by the stream registry and the
// cross-model transform.
func (m *ModelInfo) Ref() llm.Model {
	return llm.Model{Provider: m.Provider, API: m.API, ID: m.ID}
}

var registry = buildRegistry()

// Lookup returns the ModelInfo for id: exact match first, then prefix match
// in either direction, so versioned ids like "claude-sonnet-4-5-20251219"
// resolve to the "claude-sonnet-4-5" entry. Returns nil when unknown.
func Lookup(id string) *ModelInfo {
	if m, ok := registry[id]; ok {
		return m
	}
	id = strings.ToLower(id)
	for k, m := range registry {
		kl := strings.ToLower(k)
		if strings.HasPrefix(id, kl) || strings.HasPrefix(kl, id) {
			return m
		}
	}
	return nil
}

// ContextWindowFor returns the context window for id, or 0 if unknown.
func ContextWindowFor(id string) int {
	if m := Lookup(id); m != nil {
		return m.ContextWindow
	}
	return 0
}

// MaxOutputFor returns the max output tokens for id, or 0 if unknown.
func MaxOutputFor(id string) int {
	if m := Lookup(id); m != nil {
		return m.MaxOutputTokens
	}
	return 0
}

// SupportsXHighFor reports whether id advertises the xhigh reasoning level.
// Unknown models do not.
func SupportsXHighFor(id string) bool {
	if m := Lookup(id); m != nil {
		return m.SupportsXHigh
	}
	return false
}

// All returns every registered ModelInfo, unsorted.
func All() []*ModelInfo {
	out := make([]*ModelInfo, 0, len(registry))
	for _, m := range registry {
		out = append(out, m)
	}
	return out
}

func reg(m ModelInfo) *ModelInfo { return &m }

func buildRegistry() map[string]*ModelInfo {
	ms := []*ModelInfo{
		// ── Anthropic ──────────────────────────────────────────────────────
		reg(ModelInfo{
			ID: "claude-opus-4-5", Provider: "anthropic", API: "anthropic-messages", DisplayName: "Claude Opus 4.5",
			ContextWindow: 200000, MaxOutputTokens: 32000,
			SupportsVision: true, SupportsThinking: true,
			InputCostPer1M: 15, OutputCostPer1M: 75,
			CacheReadCostPer1M: 1.5, CacheWriteCostPer1M: 18.75,
		}),
		reg(ModelInfo{
			ID: "claude-sonnet-4-5", Provider: "anthropic", API: "anthropic-messages", DisplayName: "Claude Sonnet 4.5",
			ContextWindow: 200000, MaxOutputTokens: 64000,
			SupportsVision: true, SupportsThinking: true,
			InputCostPer1M: 3, OutputCostPer1M: 15,
			CacheReadCostPer1M: 0.3, CacheWriteCostPer1M: 3.75,
		}),
		reg(ModelInfo{
			ID: "claude-haiku-4-5", Provider: "anthropic", API: "anthropic-messages", DisplayName: "Claude Haiku 4.5",
			ContextWindow: 200000, MaxOutputTokens: 16000,
			SupportsVision: true, SupportsThinking: true,
			InputCostPer1M: 0.8, OutputCostPer1M: 4,
			CacheReadCostPer1M: 0.08, CacheWriteCostPer1M: 1,
		}),
		reg(ModelInfo{
			ID: "claude-3-5-haiku-20241022", Provider: "anthropic", API: "anthropic-messages", DisplayName: "Claude 3.5 Haiku",
			ContextWindow: 200000, MaxOutputTokens: 8192,
			SupportsVision: true,
			InputCostPer1M: 0.8, OutputCostPer1M: 4,
			CacheReadCostPer1M: 0.08, CacheWriteCostPer1M: 1,
		}),

		// ── OpenAI ────────────────────────────────────────────────────────
		reg(ModelInfo{
			ID: "gpt-5", Provider: "openai", API: "openai-completions", DisplayName: "GPT-5",
			ContextWindow: 400000, MaxOutputTokens: 128000,
			SupportsVision: true, SupportsThinking: true,
			InputCostPer1M: 1.25, OutputCostPer1M: 10,
			CacheReadCostPer1M: 0.125,
		}),
		reg(ModelInfo{
			ID: "gpt-5-mini", Provider: "openai", API: "openai-completions", DisplayName: "GPT-5 Mini",
			ContextWindow: 400000, MaxOutputTokens: 128000,
			SupportsVision: true, SupportsThinking: true,
			InputCostPer1M: 0.25, OutputCostPer1M: 2,
			CacheReadCostPer1M: 0.025,
		}),
		reg(ModelInfo{
			ID: "gpt-5.1-codex-max", Provider: "openai", API: "openai-completions", DisplayName: "GPT-5.1 Codex Max",
			ContextWindow: 400000, MaxOutputTokens: 128000,
			SupportsVision: true, SupportsThinking: true, SupportsXHigh: true,
			InputCostPer1M: 1.25, OutputCostPer1M: 10,
			CacheReadCostPer1M: 0.125,
		}),
		reg(ModelInfo{
			ID: "gpt-4o", Provider: "openai", API: "openai-completions", DisplayName: "GPT-4o",
			ContextWindow: 128000, MaxOutputTokens: 16384,
			SupportsVision: true,
			InputCostPer1M: 2.5, OutputCostPer1M: 10,
			CacheReadCostPer1M: 1.25,
		}),
		reg(ModelInfo{
			ID: "o4-mini", Provider: "openai", API: "openai-completions", DisplayName: "o4-mini",
			ContextWindow: 200000, MaxOutputTokens: 100000,
			SupportsVision: true, SupportsThinking: true,
			InputCostPer1M: 1.1, OutputCostPer1M: 4.4,
			CacheReadCostPer1M: 0.275,
		}),

		// ── Groq (OpenAI-compatible) ──────────────────────────────────────
		reg(ModelInfo{
			ID: "llama-3.3-70b-versatile", Provider: "groq", API: "openai-completions", DisplayName: "Llama 3.3 70B",
			ContextWindow: 128000, MaxOutputTokens: 32768,
			InputCostPer1M: 0.59, OutputCostPer1M: 0.79,
		}),

		// ── xAI (OpenAI-compatible) ───────────────────────────────────────
		reg(ModelInfo{
			ID: "grok-4", Provider: "xai", API: "openai-completions", DisplayName: "Grok 4",
			ContextWindow: 256000, MaxOutputTokens: 64000,
			SupportsVision: true, SupportsThinking: true,
			InputCostPer1M: 3, OutputCostPer1M: 15,
		}),

		// ── Bedrock (Claude on AWS) ───────────────────────────────────────
		reg(ModelInfo{
			ID: "us.anthropic.claude-sonnet-4-5-20250929-v1:0", Provider: "bedrock", API: "bedrock-converse", DisplayName: "Claude Sonnet 4.5 (Bedrock)",
			ContextWindow: 200000, MaxOutputTokens: 64000,
			SupportsVision: true, SupportsThinking: true,
		}),
		reg(ModelInfo{
			ID: "us.anthropic.claude-3-7-sonnet-20250219-v1:0", Provider: "bedrock", API: "bedrock-converse", DisplayName: "Claude 3.7 Sonnet (Bedrock)",
			ContextWindow: 200000, MaxOutputTokens: 64000,
			SupportsVision: true, SupportsThinking: true,
		}),
	}

	out := make(map[string]*ModelInfo, len(ms))
	for _, m := range ms {
		out[m.ID] = m
	}
	return out
}
