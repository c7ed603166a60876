package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/halyard-dev/halyard/pkg/llm"
	"github.com/halyard-dev/halyard/pkg/llm/providers"
	"github.com/halyard-dev/halyard/pkg/llm/sse"
)

// Client forwards stream calls to a relay server. It implements
// llm.StreamFunc via its Stream method; register it under each API id the
// server routes.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// New returns a Client for the relay at baseURL. token is the shared bearer
// token; the per-call APIKey option overrides it when set.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: 10 * time.Minute},
	}
}

// Stream implements llm.StreamFunc.
func (c *Client) Stream(ctx context.Context, model llm.Model, llmCtx llm.Context, opts llm.StreamOptions) *llm.EventStream {
	out := llm.NewEventStream()
	dec := newDecoder(model)
	go func() {
		if err := c.stream(ctx, model, llmCtx, opts, out, dec); err != nil {
			p := dec.partial
			p.StopReason = llm.StopReasonError
			if ctx.Err() != nil {
				p.StopReason = llm.StopReasonAborted
			}
			p.ErrorMessage = err.Error()
			out.Push(llm.StreamEvent{Type: llm.StreamEventError, Partial: p.Clone(), Error: err})
		}
	}()
	return out
}

func (c *Client) stream(
	ctx context.Context,
	model llm.Model,
	llmCtx llm.Context,
	opts llm.StreamOptions,
	out *llm.EventStream,
	dec *decoder,
) error {
	req := wireRequest{
		Model: model,
		Context: wireContext{
			SystemPrompt: llmCtx.SystemPrompt,
			Messages:     llmCtx.Messages,
			Tools:        llmCtx.Tools,
		},
		Options: wireOptions{
			MaxTokens:      opts.MaxTokens,
			Temperature:    opts.Temperature,
			Reasoning:      string(opts.Reasoning),
			CacheRetention: string(opts.CacheRetention),
		},
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("proxy: marshal request: %w", err)
	}
	if opts.OnPayload != nil {
		opts.OnPayload(body)
	}

	token := c.Token
	if opts.APIKey != "" {
		token = opts.APIKey
	}

	build := func() (*http.Request, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/stream", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")
		if token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
		for k, v := range opts.Headers {
			httpReq.Header.Set(k, v)
		}
		return httpReq, nil
	}

	resp, err := providers.DoWithRetry(ctx, c.HTTPClient, build, opts.MaxRetryDelay)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return providers.HTTPError(resp.StatusCode, b)
	}

	reader := sse.NewReader(resp.Body)
	for {
		frame, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("proxy: sse read: %w", err)
		}
		if frame.Data == "" {
			continue
		}
		if frame.Data == "[DONE]" {
			break
		}

		var we wireEvent
		if err := json.Unmarshal([]byte(frame.Data), &we); err != nil {
			continue
		}
		ev, err := dec.apply(we)
		if err != nil {
			return err
		}
		out.Push(ev)
		if ev.Type == llm.StreamEventDone || ev.Type == llm.StreamEventError {
			return nil
		}
	}

	return fmt.Errorf("proxy: stream ended without a terminal event")
}
