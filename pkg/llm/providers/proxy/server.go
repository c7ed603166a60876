package proxy

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/halyard-dev/halyard/pkg/llm"
)

// KeyFunc resolves the upstream API key for a provider name.
type KeyFunc func(provider string) (string, error)

// Handler relays /stream requests to the registered stream adapters,
// emitting the stripped wire format. Provider API keys stay server-side.
type Handler struct {
	registry *llm.Registry
	keyFor   KeyFunc
	token    string // if non-empty, require Authorization: Bearer <token>
}

// NewHandler wraps a stream registry. keyFor may be nil when the upstream
// adapters need no key (e.g. Bedrock's credential chain).
func NewHandler(registry *llm.Registry, keyFor KeyFunc, authToken string) *Handler {
	return &Handler{registry: registry, keyFor: keyFor, token: authToken}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.token != "" {
		bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if bearer != h.token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	if r.URL.Path != "/stream" || r.Method != http.MethodPost {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	var req struct {
		Model   llm.Model `json:"model"`
		Context struct {
			SystemPrompt string               `json:"system_prompt"`
			Messages     []json.RawMessage    `json:"messages"`
			Tools        []llm.ToolDefinition `json:"tools"`
		} `json:"context"`
		Options wireOptions `json:"options"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}

	msgs := make([]llm.Message, 0, len(req.Context.Messages))
	for _, raw := range req.Context.Messages {
		m, err := llm.UnmarshalMessage(raw)
		if err != nil {
			http.Error(w, "bad message: "+err.Error(), http.StatusBadRequest)
			return
		}
		msgs = append(msgs, m)
	}

	llmCtx := llm.Context{
		SystemPrompt: req.Context.SystemPrompt,
		Messages:     msgs,
		Tools:        req.Context.Tools,
	}
	opts := llm.StreamOptions{
		MaxTokens:      req.Options.MaxTokens,
		Temperature:    req.Options.Temperature,
		Reasoning:      llm.ReasoningLevel(req.Options.Reasoning),
		CacheRetention: llm.CacheRetention(req.Options.CacheRetention),
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher, canFlush := w.(http.Flusher)

	writeEvent := func(we wireEvent) {
		data, _ := json.Marshal(we)
		fmt.Fprintf(w, "data: %s\n\n", data)
		if canFlush {
			flusher.Flush()
		}
	}

	if h.keyFor != nil {
		key, err := h.keyFor(req.Model.Provider)
		if err != nil {
			writeEvent(wireEvent{
				Type:         string(llm.StreamEventError),
				StopReason:   string(llm.StopReasonError),
				ErrorMessage: fmt.Sprintf("resolve key for %s: %v", req.Model.Provider, err),
			})
			fmt.Fprint(w, "data: [DONE]\n\n")
			return
		}
		opts.APIKey = key
	}

	es, err := h.registry.Stream(r.Context(), req.Model, llmCtx, opts)
	if err != nil {
		writeEvent(wireEvent{
			Type:         string(llm.StreamEventError),
			StopReason:   string(llm.StopReasonError),
			ErrorMessage: err.Error(),
		})
		fmt.Fprint(w, "data: [DONE]\n\n")
		return
	}

	for ev := range es.Events() {
		writeEvent(encodeEvent(ev))
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	if canFlush {
		flusher.Flush()
	}
}
