// Package anthropic streams completions from the Anthropic Messages API
// (SSE) and normalizes them to llm.StreamEvents.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/halyard-dev/halyard/pkg/llm"
	"github.com/halyard-dev/halyard/pkg/llm/models"
	"github.com/halyard-dev/halyard/pkg/llm/partialjson"
	"github.com/halyard-dev/halyard/pkg/llm/providers"
	"github.com/halyard-dev/halyard/pkg/llm/sse"
)

// API is the wire protocol id this adapter registers under.
const API = "anthropic-messages"

const defaultBaseURL = "https://api.anthropic.com/v1"
const anthropicVersion = "2023-06-01"

// Adapter streams from the Anthropic Messages API.
type Adapter struct {
	BaseURL    string
	HTTPClient *http.Client
}

// New creates an Adapter. Pass "" for baseURL to use the public endpoint.
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

type wireContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	// Thinking (assistant)
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
	// Tool use (assistant)
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
	// Tool result (user)
	ToolUseID string        `json:"tool_use_id,omitempty"`
	Content   []wireContent `json:"content,omitempty"`
	IsError   bool          `json:"is_error,omitempty"`
	// Image
	Source *wireImageSource `json:"source,omitempty"`
	// Prompt caching
	CacheControl *wireCacheCtrl `json:"cache_control,omitempty"`
}

type wireImageSource struct {
	Type      string `json:"type"`       // "base64"
	MediaType string `json:"media_type"` // "image/png"
	Data      string `json:"data"`
}

type wireMessage struct {
	Role    string        `json:"role"`
	Content []wireContent `json:"content"`
}

type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type wireThinking struct {
	Type         string `json:"type"`                    // "enabled" or "adaptive"
	BudgetTokens int    `json:"budget_tokens,omitempty"` // budget-based thinking
	Effort       string `json:"effort,omitempty"`        // adaptive thinking
}

type wireSystemBlock struct {
	Type         string         `json:"type"` // "text"
	Text         string         `json:"text"`
	CacheControl *wireCacheCtrl `json:"cache_control,omitempty"`
}

type wireCacheCtrl struct {
	Type string `json:"type"`          // "ephemeral"
	TTL  string `json:"ttl,omitempty"` // "1h" for long retention
}

type wireRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	System      any           `json:"system,omitempty"` // string or []wireSystemBlock
	Messages    []wireMessage `json:"messages"`
	Tools       []wireTool    `json:"tools,omitempty"`
	Stream      bool          `json:"stream"`
	Temperature *float64      `json:"temperature,omitempty"`
	Thinking    *wireThinking `json:"thinking,omitempty"`
}

// SSE event payloads
type evContentBlockStart struct {
	Index        int         `json:"index"`
	ContentBlock wireContent `json:"content_block"`
}

type evContentBlockDelta struct {
	Index int `json:"index"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Thinking    string `json:"thinking"`
		Signature   string `json:"signature"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
}

type evMessageDelta struct {
	Delta struct {
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type evMessageStart struct {
	Message struct {
		Usage struct {
			InputTokens              int `json:"input_tokens"`
			OutputTokens             int `json:"output_tokens"`
			CacheReadInputTokens     int `json:"cache_read_input_tokens"`
			CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

type evError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// ---------------------------------------------------------------------------
// Reasoning helpers
// ---------------------------------------------------------------------------

var reasoningBudgets = map[llm.ReasoningLevel]int{
	llm.ReasoningMinimal: 1024,
	llm.ReasoningLow:     4096,
	llm.ReasoningMedium:  8192,
	llm.ReasoningHigh:    16384,
	llm.ReasoningXHigh:   24576,
}

// supportsAdaptiveThinking reports whether the model takes effort-based
// thinking instead of a token budget.
func supportsAdaptiveThinking(modelID string) bool {
	return strings.Contains(modelID, "opus-4-6") || strings.Contains(modelID, "opus-4.6") ||
		strings.Contains(modelID, "sonnet-4-6") || strings.Contains(modelID, "sonnet-4.6")
}

func buildThinking(modelID string, level llm.ReasoningLevel) *wireThinking {
	if level == "" || level == llm.ReasoningOff {
		return nil
	}
	if supportsAdaptiveThinking(modelID) {
		return &wireThinking{Type: "adaptive", Effort: mapEffort(level)}
	}
	level = level.Effective(models.SupportsXHighFor(modelID))
	budget := reasoningBudgets[level]
	if budget == 0 {
		budget = reasoningBudgets[llm.ReasoningHigh]
	}
	return &wireThinking{Type: "enabled", BudgetTokens: budget}
}

func mapEffort(level llm.ReasoningLevel) string {
	switch level {
	case llm.ReasoningMinimal, llm.ReasoningLow:
		return "low"
	case llm.ReasoningMedium:
		return "medium"
	case llm.ReasoningXHigh:
		return "max"
	default:
		return "high"
	}
}

// ---------------------------------------------------------------------------
// Stream
// ---------------------------------------------------------------------------

// Stream implements llm.StreamFunc. Failures are delivered in-band as a
// terminal error event carrying the partial assembled so far.
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
	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = 8192
	}

	thinking := buildThinking(model.ID, opts.Reasoning)
	if thinking != nil && thinking.BudgetTokens >= maxTokens {
		maxTokens = thinking.BudgetTokens + 2048
	}

	req := wireRequest{
		Model:       model.ID,
		MaxTokens:   maxTokens,
		Stream:      true,
		Temperature: opts.Temperature,
		Thinking:    thinking,
	}

	caching := opts.CacheRetention != "" && opts.CacheRetention != llm.CacheRetentionNone
	cacheCtrl := &wireCacheCtrl{Type: "ephemeral"}
	if opts.CacheRetention == llm.CacheRetentionLong {
		cacheCtrl.TTL = "1h"
	}

	if llmCtx.SystemPrompt != "" {
		if caching {
			req.System = []wireSystemBlock{{Type: "text", Text: llmCtx.SystemPrompt, CacheControl: cacheCtrl}}
		} else {
			req.System = llmCtx.SystemPrompt
		}
	}

	for _, m := range llmCtx.Messages {
		wm, err := convertMessage(m)
		if err != nil {
			return err
		}
		req.Messages = append(req.Messages, wm)
	}

	// Cache breakpoint on the last message promotes stable prefix caching.
	if caching && len(req.Messages) > 0 {
		last := &req.Messages[len(req.Messages)-1]
		if len(last.Content) > 0 {
			last.Content[len(last.Content)-1].CacheControl = cacheCtrl
		}
	}

	for _, t := range llmCtx.Tools {
		req.Tools = append(req.Tools, wireTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if opts.OnPayload != nil {
		opts.OnPayload(body)
	}

	var betas []string
	if thinking != nil {
		betas = append(betas, "interleaved-thinking-2025-05-14")
	}
	if opts.CacheRetention == llm.CacheRetentionLong {
		betas = append(betas, "extended-cache-ttl-2025-04-11")
	}

	build := func() (*http.Request, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/messages", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-api-key", opts.APIKey)
		httpReq.Header.Set("anthropic-version", anthropicVersion)
		httpReq.Header.Set("Accept", "text/event-stream")
		if len(betas) > 0 {
			httpReq.Header.Set("anthropic-beta", strings.Join(betas, ","))
		}
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

	return a.readEvents(resp.Body, out, partial)
}

// blockState tracks one content block between its start and stop events.
type blockState struct {
	kind string // "text" | "thinking" | "tool_use"
	idx  int    // position in partial.Content
	args strings.Builder
}

func (a *Adapter) readEvents(body io.Reader, out *llm.EventStream, partial *llm.AssistantMessage) error {
	blocks := map[int]*blockState{}
	emittedStart := false
	reader := sse.NewReader(body)

	push := func(ev llm.StreamEvent) {
		ev.Partial = partial.Clone()
		out.Push(ev)
	}

	for {
		ev, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("anthropic: sse read: %w", err)
		}
		if ev.Data == "" {
			continue
		}

		switch ev.Type {
		case "message_start":
			var ms evMessageStart
			if json.Unmarshal([]byte(ev.Data), &ms) == nil {
				partial.Usage.Input = ms.Message.Usage.InputTokens
				partial.Usage.CacheRead = ms.Message.Usage.CacheReadInputTokens
				partial.Usage.CacheWrite = ms.Message.Usage.CacheCreationInputTokens
			}
			push(llm.StreamEvent{Type: llm.StreamEventStart})
			emittedStart = true

		case "content_block_start":
			var cbs evContentBlockStart
			if json.Unmarshal([]byte(ev.Data), &cbs) != nil {
				continue
			}
			bs := &blockState{kind: cbs.ContentBlock.Type}
			switch cbs.ContentBlock.Type {
			case "text":
				partial.Content = append(partial.Content, llm.TextContent{Type: "text"})
				bs.idx = len(partial.Content) - 1
				blocks[cbs.Index] = bs
				push(llm.StreamEvent{Type: llm.StreamEventTextStart, ContentIndex: bs.idx})
			case "thinking":
				partial.Content = append(partial.Content, llm.ThinkingContent{Type: "thinking"})
				bs.idx = len(partial.Content) - 1
				blocks[cbs.Index] = bs
				push(llm.StreamEvent{Type: llm.StreamEventThinkingStart, ContentIndex: bs.idx})
			case "tool_use":
				id := cbs.ContentBlock.ID
				if id == "" {
					id = "call_" + uuid.New().String()[:8]
				}
				partial.Content = append(partial.Content, llm.ToolCall{
					Type:      "tool_call",
					ID:        id,
					Name:      cbs.ContentBlock.Name,
					Arguments: map[string]any{},
				})
				bs.idx = len(partial.Content) - 1
				blocks[cbs.Index] = bs
				push(llm.StreamEvent{Type: llm.StreamEventToolCallStart, ContentIndex: bs.idx})
			}

		case "content_block_delta":
			var cbd evContentBlockDelta
			if json.Unmarshal([]byte(ev.Data), &cbd) != nil {
				continue
			}
			bs := blocks[cbd.Index]
			if bs == nil {
				continue
			}
			switch cbd.Delta.Type {
			case "text_delta":
				tb := partial.Content[bs.idx].(llm.TextContent)
				tb.Text += cbd.Delta.Text
				partial.Content[bs.idx] = tb
				push(llm.StreamEvent{Type: llm.StreamEventTextDelta, ContentIndex: bs.idx, Delta: cbd.Delta.Text})
			case "thinking_delta":
				tb := partial.Content[bs.idx].(llm.ThinkingContent)
				tb.Thinking += cbd.Delta.Thinking
				partial.Content[bs.idx] = tb
				push(llm.StreamEvent{Type: llm.StreamEventThinkingDelta, ContentIndex: bs.idx, Delta: cbd.Delta.Thinking})
			case "signature_delta":
				// Signatures accumulate silently; they surface on the end event.
				switch blk := partial.Content[bs.idx].(type) {
				case llm.ThinkingContent:
					blk.Signature += cbd.Delta.Signature
					partial.Content[bs.idx] = blk
				case llm.TextContent:
					blk.Signature += cbd.Delta.Signature
					partial.Content[bs.idx] = blk
				}
			case "input_json_delta":
				bs.args.WriteString(cbd.Delta.PartialJSON)
				tc := partial.Content[bs.idx].(llm.ToolCall)
				tc.Arguments = partialjson.Object(bs.args.String())
				partial.Content[bs.idx] = tc
				push(llm.StreamEvent{Type: llm.StreamEventToolCallDelta, ContentIndex: bs.idx, Delta: cbd.Delta.PartialJSON})
			}

		case "content_block_stop":
			var idx struct {
				Index int `json:"index"`
			}
			if json.Unmarshal([]byte(ev.Data), &idx) != nil {
				break
			}
			bs := blocks[idx.Index]
			if bs == nil {
				break
			}
			switch bs.kind {
			case "text":
				tb := partial.Content[bs.idx].(llm.TextContent)
				push(llm.StreamEvent{Type: llm.StreamEventTextEnd, ContentIndex: bs.idx, Content: tb.Text, Signature: tb.Signature})
			case "thinking":
				tb := partial.Content[bs.idx].(llm.ThinkingContent)
				push(llm.StreamEvent{Type: llm.StreamEventThinkingEnd, ContentIndex: bs.idx, Content: tb.Thinking, Signature: tb.Signature})
			case "tool_use":
				tc := partial.Content[bs.idx].(llm.ToolCall)
				var args map[string]any
				if json.Unmarshal([]byte(bs.args.String()), &args) == nil && args != nil {
					tc.Arguments = args
				} else {
					tc.Arguments = partialjson.Object(bs.args.String())
				}
				partial.Content[bs.idx] = tc
				frozen := tc
				push(llm.StreamEvent{Type: llm.StreamEventToolCallEnd, ContentIndex: bs.idx, ToolCall: &frozen})
			}

		case "message_delta":
			var md evMessageDelta
			if json.Unmarshal([]byte(ev.Data), &md) == nil {
				if md.Delta.StopReason != "" {
					partial.StopReason = mapStopReason(md.Delta.StopReason)
				}
				partial.Usage.Output = md.Usage.OutputTokens
				partial.Usage.TotalTokens = partial.Usage.Input + partial.Usage.Output +
					partial.Usage.CacheRead + partial.Usage.CacheWrite
			}

		case "message_stop":
			if !emittedStart {
				push(llm.StreamEvent{Type: llm.StreamEventStart})
			}
			if partial.StopReason == "" {
				partial.StopReason = llm.StopReasonStop
			}
			push(llm.StreamEvent{Type: llm.StreamEventDone})
			return nil

		case "error":
			var we evError
			if json.Unmarshal([]byte(ev.Data), &we) == nil && we.Error.Message != "" {
				return fmt.Errorf("anthropic: %s: %s", we.Error.Type, we.Error.Message)
			}
			return fmt.Errorf("anthropic: stream error: %s", ev.Data)
		}
	}

	return fmt.Errorf("anthropic: stream ended without message_stop")
}

// ---------------------------------------------------------------------------
// Message conversion
// ---------------------------------------------------------------------------

func convertMessage(m llm.Message) (wireMessage, error) {
	switch msg := m.(type) {
	case llm.UserMessage:
		var content []wireContent
		for _, c := range msg.Content {
			switch blk := c.(type) {
			case llm.TextContent:
				content = append(content, wireContent{Type: "text", Text: blk.Text})
			case llm.ImageContent:
				content = append(content, wireContent{
					Type:   "image",
					Source: &wireImageSource{Type: "base64", MediaType: blk.MIMEType, Data: blk.Data},
				})
			}
		}
		return wireMessage{Role: "user", Content: content}, nil

	case llm.AssistantMessage:
		var content []wireContent
		for _, c := range msg.Content {
			switch blk := c.(type) {
			case llm.ThinkingContent:
				content = append(content, wireContent{Type: "thinking", Thinking: blk.Thinking, Signature: blk.Signature})
			case llm.TextContent:
				content = append(content, wireContent{Type: "text", Text: blk.Text})
			case llm.ToolCall:
				content = append(content, wireContent{
					Type:  "tool_use",
					ID:    blk.ID,
					Name:  blk.Name,
					Input: blk.Arguments,
				})
			}
		}
		return wireMessage{Role: "assistant", Content: content}, nil

	case llm.ToolResultMessage:
		var inner []wireContent
		for _, c := range msg.Content {
			switch blk := c.(type) {
			case llm.TextContent:
				inner = append(inner, wireContent{Type: "text", Text: blk.Text})
			case llm.ImageContent:
				inner = append(inner, wireContent{
					Type:   "image",
					Source: &wireImageSource{Type: "base64", MediaType: blk.MIMEType, Data: blk.Data},
				})
			}
		}
		return wireMessage{
			Role: "user",
			Content: []wireContent{{
				Type:      "tool_result",
				ToolUseID: msg.ToolCallID,
				Content:   inner,
				IsError:   msg.IsError,
			}},
		}, nil
	}

	return wireMessage{}, fmt.Errorf("anthropic: unsupported message type: %T", m)
}

func mapStopReason(s string) llm.StopReason {
	switch s {
	case "end_turn":
		return llm.StopReasonStop
	case "max_tokens":
		return llm.StopReasonLength
	case "tool_use":
		return llm.StopReasonTool
	default:
		return llm.StopReason(s)
	}
}
