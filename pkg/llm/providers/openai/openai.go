// Package openai streams completions from the OpenAI chat-completions API
// and any compatible endpoint (Groq, OpenRouter, xAI, ...) selected via
// BaseURL, normalizing chunks to llm.StreamEvents.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/halyard-dev/halyard/pkg/llm"
	"github.com/halyard-dev/halyard/pkg/llm/models"
	"github.com/halyard-dev/halyard/pkg/llm/partialjson"
	"github.com/halyard-dev/halyard/pkg/llm/providers"
	"github.com/halyard-dev/halyard/pkg/llm/sse"
)

// API is the wire protocol id this adapter registers under.
const API = "openai-completions"

const defaultBaseURL = "https://api.openai.com/v1"

// Adapter streams from an OpenAI-compatible chat-completions endpoint.
type Adapter struct {
	BaseURL    string
	HTTPClient *http.Client
}

// New creates an Adapter. Pass "" for baseURL to use the OpenAI endpoint.
func New(baseURL string) *Adapter {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Adapter{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 10 * time.Minute},
	}
}

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

type wireMessage struct {
	Role       string         `json:"role"`
	Content    any            `json:"content,omitempty"` // string | []wirePart
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
}

type wirePart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

type wireTool struct {
	Type     string       `json:"type"` // "function"
	Function wireToolFunc `json:"function"`
}

type wireToolFunc struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type wireToolCall struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"` // "function"
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type wireRequest struct {
	Model               string        `json:"model"`
	Messages            []wireMessage `json:"messages"`
	Tools               []wireTool    `json:"tools,omitempty"`
	Stream              bool          `json:"stream"`
	MaxTokens           int           `json:"max_tokens,omitempty"`
	MaxCompletionTokens int           `json:"max_completion_tokens,omitempty"`
	Temperature         *float64      `json:"temperature,omitempty"`
	ReasoningEffort     string        `json:"reasoning_effort,omitempty"`
	StreamOptions       *struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options,omitempty"`
}

// SSE chunk types
type chunkDelta struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []wireToolCall `json:"tool_calls"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason string     `json:"finish_reason"`
}

type chunkUsage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	TotalTokens         int `json:"total_tokens"`
	PromptTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details,omitempty"`
}

type streamChunk struct {
	ID      string        `json:"id"`
	Choices []chunkChoice `json:"choices"`
	Usage   *chunkUsage   `json:"usage"`
	Error   *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// ---------------------------------------------------------------------------
// Stream
// ---------------------------------------------------------------------------

// Stream implements llm.StreamFunc.
func (a *Adapter) Stream(ctx context.Context, model llm.Model, llmCtx llm.Context, opts llm.StreamOptions) *llm.EventStream {
	out := llm.NewEventStream()
	partial := &llm.AssistantMessage{
		Role:      llm.RoleAssistant,
		Provider:  model.Provider,
		API:       model.API,
		Model:     model.ID,
		Timestamp: time.Now().UnixMilli(),
	}
	go func() {
		if err := a.stream(ctx, model, llmCtx, opts, out, partial); err != nil {
			partial.StopReason = llm.StopReasonError
			if ctx.Err() != nil {
				partial.StopReason = llm.StopReasonAborted
			}
			partial.ErrorMessage = err.Error()
			out.Push(llm.StreamEvent{Type: llm.StreamEventError, Partial: partial.Clone(), Error: err})
		}
	}()
	return out
}

func (a *Adapter) stream(
	ctx context.Context,
	model llm.Model,
	llmCtx llm.Context,
	opts llm.StreamOptions,
	out *llm.EventStream,
	partial *llm.AssistantMessage,
) error {
	req, err := buildRequest(model.ID, llmCtx, opts)
	if err != nil {
		return err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if opts.OnPayload != nil {
		opts.OnPayload(body)
	}

	build := func() (*http.Request, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+opts.APIKey)
		httpReq.Header.Set("Accept", "text/event-stream")
		for k, v := range opts.Headers {
			httpReq.Header.Set(k, v)
		}
		return httpReq, nil
	}

	resp, err := providers.DoWithRetry(ctx, a.HTTPClient, build, opts.MaxRetryDelay)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return providers.HTTPError(resp.StatusCode, b)
	}

	return readChunks(resp.Body, out, partial)
}

// callState tracks one tool call between its first chunk and finalization.
type callState struct {
	idx  int // position in partial.Content
	args string
}

func readChunks(body io.Reader, out *llm.EventStream, partial *llm.AssistantMessage) error {
	calls := map[int]*callState{}
	var callOrder []int
	textIdx := -1
	emittedStart := false
	reader := sse.NewReader(body)

	push := func(ev llm.StreamEvent) {
		ev.Partial = partial.Clone()
		out.Push(ev)
	}

	closeText := func() {
		if textIdx < 0 {
			return
		}
		tb := partial.Content[textIdx].(llm.TextContent)
		push(llm.StreamEvent{Type: llm.StreamEventTextEnd, ContentIndex: textIdx, Content: tb.Text})
		textIdx = -1
	}

	for {
		ev, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("openai: sse read: %w", err)
		}
		if ev.Data == "[DONE]" {
			break
		}
		if ev.Data == "" {
			continue
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			return fmt.Errorf("openai: %s: %s", chunk.Error.Type, chunk.Error.Message)
		}

		if !emittedStart {
			push(llm.StreamEvent{Type: llm.StreamEventStart})
			emittedStart = true
		}

		if chunk.Usage != nil {
			partial.Usage.Output = chunk.Usage.CompletionTokens
			partial.Usage.TotalTokens = chunk.Usage.TotalTokens
			if chunk.Usage.PromptTokensDetails != nil {
				partial.Usage.CacheRead = chunk.Usage.PromptTokensDetails.CachedTokens
			}
			// prompt_tokens includes the cached prefix.
			partial.Usage.Input = chunk.Usage.PromptTokens - partial.Usage.CacheRead
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			if textIdx < 0 {
				partial.Content = append(partial.Content, llm.TextContent{Type: "text"})
				textIdx = len(partial.Content) - 1
				push(llm.StreamEvent{Type: llm.StreamEventTextStart, ContentIndex: textIdx})
			}
			tb := partial.Content[textIdx].(llm.TextContent)
			tb.Text += delta.Content
			partial.Content[textIdx] = tb
			push(llm.StreamEvent{Type: llm.StreamEventTextDelta, ContentIndex: textIdx, Delta: delta.Content})
		}

		for _, tc := range delta.ToolCalls {
			st, exists := calls[tc.Index]
			if !exists {
				closeText()
				id := tc.ID
				if id == "" {
					id = "call_" + uuid.New().String()[:8]
				}
				partial.Content = append(partial.Content, llm.ToolCall{
					Type:      "tool_call",
					ID:        id,
					Name:      tc.Function.Name,
					Arguments: map[string]any{},
				})
				st = &callState{idx: len(partial.Content) - 1}
				calls[tc.Index] = st
				callOrder = append(callOrder, tc.Index)
				push(llm.StreamEvent{Type: llm.StreamEventToolCallStart, ContentIndex: st.idx})
			}
			if tc.Function.Arguments != "" {
				st.args += tc.Function.Arguments
				blk := partial.Content[st.idx].(llm.ToolCall)
				blk.Arguments = partialjson.Object(st.args)
				partial.Content[st.idx] = blk
				push(llm.StreamEvent{Type: llm.StreamEventToolCallDelta, ContentIndex: st.idx, Delta: tc.Function.Arguments})
			}
		}

		if choice.FinishReason != "" {
			partial.StopReason = mapStopReason(choice.FinishReason)
		}
	}

	if !emittedStart {
		push(llm.StreamEvent{Type: llm.StreamEventStart})
	}
	closeText()

	for _, wireIdx := range callOrder {
		st := calls[wireIdx]
		blk := partial.Content[st.idx].(llm.ToolCall)
		var args map[string]any
		if json.Unmarshal([]byte(st.args), &args) == nil && args != nil {
			blk.Arguments = args
		} else {
			blk.Arguments = partialjson.Object(st.args)
		}
		partial.Content[st.idx] = blk
		frozen := blk
		push(llm.StreamEvent{Type: llm.StreamEventToolCallEnd, ContentIndex: st.idx, ToolCall: &frozen})
	}

	if partial.StopReason == "" {
		partial.StopReason = llm.StopReasonStop
	}
	push(llm.StreamEvent{Type: llm.StreamEventDone})
	return nil
}

// ---------------------------------------------------------------------------
// Request building
// ---------------------------------------------------------------------------

func buildRequest(modelID string, llmCtx llm.Context, opts llm.StreamOptions) (wireRequest, error) {
	req := wireRequest{
		Model:       modelID,
		Stream:      true,
		Temperature: opts.Temperature,
		StreamOptions: &struct {
			IncludeUsage bool `json:"include_usage"`
		}{IncludeUsage: true},
	}

	// Reasoning models reject max_tokens in favor of max_completion_tokens.
	if opts.Reasoning != "" && opts.Reasoning != llm.ReasoningOff {
		level := opts.Reasoning.Effective(models.SupportsXHighFor(modelID))
		req.ReasoningEffort = string(level)
		req.MaxCompletionTokens = opts.MaxTokens
	} else {
		req.MaxTokens = opts.MaxTokens
	}

	if llmCtx.SystemPrompt != "" {
		req.Messages = append(req.Messages, wireMessage{Role: "system", Content: llmCtx.SystemPrompt})
	}

	for _, m := range llmCtx.Messages {
		wm, err := convertMessage(m)
		if err != nil {
			return wireRequest{}, err
		}
		req.Messages = append(req.Messages, wm)
	}

	for _, t := range llmCtx.Tools {
		req.Tools = append(req.Tools, wireTool{
			Type: "function",
			Function: wireToolFunc{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	return req, nil
}

func convertMessage(m llm.Message) (wireMessage, error) {
	switch msg := m.(type) {
	case llm.UserMessage:
		wm := wireMessage{Role: "user"}
		parts := make([]wirePart, 0, len(msg.Content))
		for _, c := range msg.Content {
			switch blk := c.(type) {
			case llm.TextContent:
				parts = append(parts, wirePart{Type: "text", Text: blk.Text})
			case llm.ImageContent:
				url := fmt.Sprintf("data:%s;base64,%s", blk.MIMEType, blk.Data)
				parts = append(parts, wirePart{Type: "image_url", ImageURL: &struct {
					URL string `json:"url"`
				}{URL: url}})
			}
		}
		if len(parts) == 1 && parts[0].Type == "text" {
			wm.Content = parts[0].Text
		} else {
			wm.Content = parts
		}
		return wm, nil

	case llm.AssistantMessage:
		wm := wireMessage{Role: "assistant"}
		text := ""
		for _, c := range msg.Content {
			switch blk := c.(type) {
			case llm.TextContent:
				text += blk.Text
			case llm.ThinkingContent:
				// thinking blocks do not replay over this wire
			case llm.ToolCall:
				argsJSON, _ := json.Marshal(blk.Arguments)
				wtc := wireToolCall{ID: blk.ID, Type: "function"}
				wtc.Function.Name = blk.Name
				wtc.Function.Arguments = string(argsJSON)
				wm.ToolCalls = append(wm.ToolCalls, wtc)
			}
		}
		if text != "" {
			wm.Content = text
		}
		return wm, nil

	case llm.ToolResultMessage:
		var content string
		for _, c := range msg.Content {
			if tc, ok := c.(llm.TextContent); ok {
				content += tc.Text
			}
		}
		return wireMessage{
			Role:       "tool",
			ToolCallID: msg.ToolCallID,
			Content:    content,
		}, nil
	}

	return wireMessage{}, fmt.Errorf("openai: unsupported message type: %T", m)
}

func mapStopReason(s string) llm.StopReason {
	switch s {
	case "stop":
		return llm.StopReasonStop
	case "length":
		return llm.StopReasonLength
	case "tool_calls":
		return llm.StopReasonTool
	default:
		return llm.StopReason(s)
	}
}
