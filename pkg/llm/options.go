package llm

import "time"

// ReasoningLevel selects how much extended reasoning a model spends on a
// response. Providers translate it to their own effort or budget knobs.
type ReasoningLevel string

const (
	ReasoningOff     ReasoningLevel = "off"
	ReasoningMinimal ReasoningLevel = "minimal"
	ReasoningLow     ReasoningLevel = "low"
	ReasoningMedium  ReasoningLevel = "medium"
	ReasoningHigh    ReasoningLevel = "high"
	ReasoningXHigh   ReasoningLevel = "xhigh"
)

// Effective downgrades xhigh to high for models that do not advertise it.
func (l ReasoningLevel) Effective(supportsXHigh bool) ReasoningLevel {
	if l == ReasoningXHigh && !supportsXHigh {
		return ReasoningHigh
	}
	return l
}

// CacheRetention controls prompt-caching aggressiveness for providers that
// support it.
type CacheRetention string

const (
	CacheRetentionNone  CacheRetention = "none"
	CacheRetentionShort CacheRetention = "short" // provider default, ~5 minutes
	CacheRetentionLong  CacheRetention = "long"  // extended, ~1 hour
)

// StreamOptions tune one model call. The zero value is usable: provider
// defaults for sampling, no reasoning, no caching.
type StreamOptions struct {
	Temperature *float64
	MaxTokens   int
	Reasoning   ReasoningLevel
	APIKey      string

	CacheRetention CacheRetention

	// Headers are added verbatim to the upstream request.
	Headers map[string]string

	// OnPayload observes the exact request body sent upstream. Debug hook;
	// must not mutate the payload.
	OnPayload func(payload []byte)

	// MaxRetryDelay caps the backoff between transport-level retries.
	// Zero means no retries.
	MaxRetryDelay time.Duration
}
