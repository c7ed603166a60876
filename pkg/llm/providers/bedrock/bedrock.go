// Package bedrock streams completions from Amazon Bedrock's ConverseStream
// API, normalizing SDK events to llm.StreamEvents.
//
// Authentication runs through the AWS SDK v2 credential chain:
//  1. AWS_ACCESS_KEY_ID + AWS_SECRET_ACCESS_KEY (+ optional AWS_SESSION_TOKEN)
//  2. AWS_PROFILE — named profile from ~/.aws/credentials
//  3. ~/.aws/credentials default profile
//  4. IAM instance roles / ECS task roles / IRSA
package bedrock

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brdoc "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/halyard-dev/halyard/pkg/llm"
	"github.com/halyard-dev/halyard/pkg/llm/models"
	"github.com/halyard-dev/halyard/pkg/llm/partialjson"
)

// API is the wire protocol id this adapter registers under.
const API = "bedrock-converse"

// Adapter streams from Amazon Bedrock.
type Adapter struct {
	Region  string
	Profile string
}

func New(region, profile string) *Adapter {
	return &Adapter{Region: region, Profile: profile}
}

var reasoningBudgets = map[llm.ReasoningLevel]int{
	llm.ReasoningMinimal: 1024,
	llm.ReasoningLow:     4096,
	llm.ReasoningMedium:  8192,
	llm.ReasoningHigh:    16384,
	llm.ReasoningXHigh:   24576,
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
	client, err := a.newClient(ctx, opts)
	if err != nil {
		return fmt.Errorf("bedrock: build client: %w", err)
	}

	input, err := buildInput(model.ID, llmCtx, opts)
	if err != nil {
		return fmt.Errorf("bedrock: build input: %w", err)
	}

	resp, err := client.ConverseStream(ctx, input)
	if err != nil {
		return fmt.Errorf("bedrock: ConverseStream: %w", err)
	}

	push := func(ev llm.StreamEvent) {
		ev.Partial = partial.Clone()
		out.Push(ev)
	}

	push(llm.StreamEvent{Type: llm.StreamEventStart})

	// Bedrock announces tool blocks with ContentBlockStart but opens text and
	// reasoning blocks implicitly with their first delta.
	type blockState struct {
		kind string // "text" | "thinking" | "tool_use"
		idx  int
		args strings.Builder
	}
	blocks := map[int32]*blockState{}

	ensure := func(wireIdx int32, kind string) *blockState {
		if bs := blocks[wireIdx]; bs != nil {
			return bs
		}
		bs := &blockState{kind: kind}
		switch kind {
		case "text":
			partial.Content = append(partial.Content, llm.TextContent{Type: "text"})
			bs.idx = len(partial.Content) - 1
			blocks[wireIdx] = bs
			push(llm.StreamEvent{Type: llm.StreamEventTextStart, ContentIndex: bs.idx})
		case "thinking":
			partial.Content = append(partial.Content, llm.ThinkingContent{Type: "thinking"})
			bs.idx = len(partial.Content) - 1
			blocks[wireIdx] = bs
			push(llm.StreamEvent{Type: llm.StreamEventThinkingStart, ContentIndex: bs.idx})
		}
		return bs
	}

	eventStream := resp.GetStream()
	defer eventStream.Close()

	for event := range eventStream.Events() {
		switch ev := event.(type) {

		case *types.ConverseStreamOutputMemberContentBlockStart:
			wireIdx := aws.ToInt32(ev.Value.ContentBlockIndex)
			if s, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
				partial.Content = append(partial.Content, llm.ToolCall{
					Type:      "tool_call",
					ID:        aws.ToString(s.Value.ToolUseId),
					Name:      aws.ToString(s.Value.Name),
					Arguments: map[string]any{},
				})
				bs := &blockState{kind: "tool_use", idx: len(partial.Content) - 1}
				blocks[wireIdx] = bs
				push(llm.StreamEvent{Type: llm.StreamEventToolCallStart, ContentIndex: bs.idx})
			}

		case *types.ConverseStreamOutputMemberContentBlockDelta:
			wireIdx := aws.ToInt32(ev.Value.ContentBlockIndex)
			switch d := ev.Value.Delta.(type) {
			case *types.ContentBlockDeltaMemberText:
				bs := ensure(wireIdx, "text")
				tb := partial.Content[bs.idx].(llm.TextContent)
				tb.Text += d.Value
				partial.Content[bs.idx] = tb
				push(llm.StreamEvent{Type: llm.StreamEventTextDelta, ContentIndex: bs.idx, Delta: d.Value})

			case *types.ContentBlockDeltaMemberToolUse:
				bs := blocks[wireIdx]
				if bs == nil {
					continue
				}
				fragment := aws.ToString(d.Value.Input)
				bs.args.WriteString(fragment)
				tc := partial.Content[bs.idx].(llm.ToolCall)
				tc.Arguments = partialjson.Object(bs.args.String())
				partial.Content[bs.idx] = tc
				push(llm.StreamEvent{Type: llm.StreamEventToolCallDelta, ContentIndex: bs.idx, Delta: fragment})

			case *types.ContentBlockDeltaMemberReasoningContent:
				switch rd := d.Value.(type) {
				case *types.ReasoningContentBlockDeltaMemberText:
					bs := ensure(wireIdx, "thinking")
					tb := partial.Content[bs.idx].(llm.ThinkingContent)
					tb.Thinking += rd.Value
					partial.Content[bs.idx] = tb
					push(llm.StreamEvent{Type: llm.StreamEventThinkingDelta, ContentIndex: bs.idx, Delta: rd.Value})
				case *types.ReasoningContentBlockDeltaMemberSignature:
					bs := ensure(wireIdx, "thinking")
					tb := partial.Content[bs.idx].(llm.ThinkingContent)
					tb.Signature += rd.Value
					partial.Content[bs.idx] = tb
				}
			}

		case *types.ConverseStreamOutputMemberContentBlockStop:
			wireIdx := aws.ToInt32(ev.Value.ContentBlockIndex)
			bs := blocks[wireIdx]
			if bs == nil {
				continue
			}
			switch bs.kind {
			case "text":
				tb := partial.Content[bs.idx].(llm.TextContent)
				push(llm.StreamEvent{Type: llm.StreamEventTextEnd, ContentIndex: bs.idx, Content: tb.Text})
			case "thinking":
				tb := partial.Content[bs.idx].(llm.ThinkingContent)
				push(llm.StreamEvent{Type: llm.StreamEventThinkingEnd, ContentIndex: bs.idx, Content: tb.Thinking, Signature: tb.Signature})
			case "tool_use":
				tc := partial.Content[bs.idx].(llm.ToolCall)
				var args map[string]any
				if json.Unmarshal([]byte(bs.args.String()), &args) == nil && args != nil {
					tc.Arguments = args
				}
				partial.Content[bs.idx] = tc
				frozen := tc
				push(llm.StreamEvent{Type: llm.StreamEventToolCallEnd, ContentIndex: bs.idx, ToolCall: &frozen})
			}

		case *types.ConverseStreamOutputMemberMessageStop:
			partial.StopReason = mapStopReason(ev.Value.StopReason)

		case *types.ConverseStreamOutputMemberMetadata:
			if u := ev.Value.Usage; u != nil {
				partial.Usage.Input = int(aws.ToInt32(u.InputTokens))
				partial.Usage.Output = int(aws.ToInt32(u.OutputTokens))
				partial.Usage.CacheRead = int(aws.ToInt32(u.CacheReadInputTokens))
				partial.Usage.CacheWrite = int(aws.ToInt32(u.CacheWriteInputTokens))
				partial.Usage.TotalTokens = int(aws.ToInt32(u.TotalTokens))
			}
		}
	}

	if err := eventStream.Err(); err != nil {
		return fmt.Errorf("bedrock: stream error: %w", err)
	}

	if partial.StopReason == "" {
		partial.StopReason = llm.StopReasonStop
	}
	push(llm.StreamEvent{Type: llm.StreamEventDone})
	return nil
}

// ---------------------------------------------------------------------------
// Client + input building
// ---------------------------------------------------------------------------

func (a *Adapter) newClient(ctx context.Context, opts llm.StreamOptions) (*bedrockruntime.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRetryer(func() aws.Retryer {
			if opts.MaxRetryDelay <= 0 {
				return aws.NopRetryer{}
			}
			return retry.AddWithMaxBackoffDelay(retry.NewStandard(), opts.MaxRetryDelay)
		}),
	}
	if a.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(a.Region))
	}
	if a.Profile != "" {
		loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(a.Profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}
	return bedrockruntime.NewFromConfig(cfg), nil
}

func buildInput(modelID string, llmCtx llm.Context, opts llm.StreamOptions) (*bedrockruntime.ConverseStreamInput, error) {
	input := &bedrockruntime.ConverseStreamInput{
		ModelId: aws.String(modelID),
	}

	if llmCtx.SystemPrompt != "" {
		sysBlocks := []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: llmCtx.SystemPrompt},
		}
		if opts.CacheRetention != "" && opts.CacheRetention != llm.CacheRetentionNone {
			sysBlocks = append(sysBlocks,
				&types.SystemContentBlockMemberCachePoint{
					Value: types.CachePointBlock{Type: types.CachePointTypeDefault},
				},
			)
		}
		input.System = sysBlocks
	}

	reasoning := opts.Reasoning != "" && opts.Reasoning != llm.ReasoningOff

	ic := &types.InferenceConfiguration{}
	if opts.MaxTokens > 0 {
		v := int32(opts.MaxTokens)
		ic.MaxTokens = &v
	}
	// extended thinking rejects sampling overrides
	if opts.Temperature != nil && !reasoning {
		v := float32(*opts.Temperature)
		ic.Temperature = &v
	}
	input.InferenceConfig = ic

	if reasoning {
		budget := reasoningBudgets[opts.Reasoning.Effective(models.SupportsXHighFor(modelID))]
		if budget == 0 {
			budget = reasoningBudgets[llm.ReasoningHigh]
		}
		if ic.MaxTokens != nil && int32(budget) >= *ic.MaxTokens {
			v := int32(budget) + 2048
			ic.MaxTokens = &v
		}
		input.AdditionalModelRequestFields = lazyDoc(map[string]any{
			"thinking": map[string]any{"type": "enabled", "budget_tokens": budget},
		})
	}

	msgs, err := convertMessages(llmCtx.Messages)
	if err != nil {
		return nil, err
	}
	input.Messages = msgs

	if len(llmCtx.Tools) > 0 {
		toolList := make([]types.Tool, 0, len(llmCtx.Tools))
		for _, t := range llmCtx.Tools {
			var schema map[string]any
			if err := json.Unmarshal(t.Parameters, &schema); err != nil {
				return nil, fmt.Errorf("tool %s: bad parameters schema: %w", t.Name, err)
			}
			toolList = append(toolList, &types.ToolMemberToolSpec{
				Value: types.ToolSpecification{
					Name:        aws.String(t.Name),
					Description: aws.String(t.Description),
					InputSchema: &types.ToolInputSchemaMemberJson{
						Value: lazyDoc(schema),
					},
				},
			})
		}
		input.ToolConfig = &types.ToolConfiguration{
			Tools:      toolList,
			ToolChoice: &types.ToolChoiceMemberAuto{Value: types.AutoToolChoice{}},
		}
	}

	return input, nil
}

// ---------------------------------------------------------------------------
// Message conversion
// ---------------------------------------------------------------------------

func convertMessages(msgs []llm.Message) ([]types.Message, error) {
	var out []types.Message
	for _, m := range msgs {
		switch msg := m.(type) {
		case llm.UserMessage:
			var blocks []types.ContentBlock
			for _, c := range msg.Content {
				switch blk := c.(type) {
				case llm.TextContent:
					blocks = append(blocks, &types.ContentBlockMemberText{Value: blk.Text})
				case llm.ImageContent:
					imgBytes, err := base64.StdEncoding.DecodeString(blk.Data)
					if err != nil {
						return nil, fmt.Errorf("decode image: %w", err)
					}
					blocks = append(blocks, &types.ContentBlockMemberImage{
						Value: types.ImageBlock{
							Format: imageFormat(blk.MIMEType),
							Source: &types.ImageSourceMemberBytes{Value: imgBytes},
						},
					})
				}
			}
			out = append(out, types.Message{Role: types.ConversationRoleUser, Content: blocks})

		case llm.AssistantMessage:
			var blocks []types.ContentBlock
			for _, c := range msg.Content {
				switch blk := c.(type) {
				case llm.ThinkingContent:
					blocks = append(blocks, &types.ContentBlockMemberReasoningContent{
						Value: &types.ReasoningContentBlockMemberReasoningText{
							Value: types.ReasoningTextBlock{
								Text:      aws.String(blk.Thinking),
								Signature: aws.String(blk.Signature),
							},
						},
					})
				case llm.TextContent:
					if strings.TrimSpace(blk.Text) != "" {
						blocks = append(blocks, &types.ContentBlockMemberText{Value: blk.Text})
					}
				case llm.ToolCall:
					blocks = append(blocks, &types.ContentBlockMemberToolUse{
						Value: types.ToolUseBlock{
							ToolUseId: aws.String(blk.ID),
							Name:      aws.String(blk.Name),
							Input:     lazyDoc(blk.Arguments),
						},
					})
				}
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, types.Message{Role: types.ConversationRoleAssistant, Content: blocks})

		case llm.ToolResultMessage:
			var content []types.ToolResultContentBlock
			for _, c := range msg.Content {
				switch blk := c.(type) {
				case llm.TextContent:
					content = append(content, &types.ToolResultContentBlockMemberText{Value: blk.Text})
				case llm.ImageContent:
					imgBytes, err := base64.StdEncoding.DecodeString(blk.Data)
					if err != nil {
						return nil, fmt.Errorf("decode image: %w", err)
					}
					content = append(content, &types.ToolResultContentBlockMemberImage{
						Value: types.ImageBlock{
							Format: imageFormat(blk.MIMEType),
							Source: &types.ImageSourceMemberBytes{Value: imgBytes},
						},
					})
				}
			}
			status := types.ToolResultStatusSuccess
			if msg.IsError {
				status = types.ToolResultStatusError
			}
			toolResultBlock := &types.ContentBlockMemberToolResult{
				Value: types.ToolResultBlock{
					ToolUseId: aws.String(msg.ToolCallID),
					Status:    status,
					Content:   content,
				},
			}
			// Bedrock requires consecutive tool results in one user message.
			if len(out) > 0 && out[len(out)-1].Role == types.ConversationRoleUser {
				out[len(out)-1].Content = append(out[len(out)-1].Content, toolResultBlock)
			} else {
				out = append(out, types.Message{
					Role:    types.ConversationRoleUser,
					Content: []types.ContentBlock{toolResultBlock},
				})
			}

		default:
			return nil, fmt.Errorf("bedrock: unsupported message type: %T", m)
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func mapStopReason(r types.StopReason) llm.StopReason {
	switch r {
	case types.StopReasonEndTurn, types.StopReasonStopSequence:
		return llm.StopReasonStop
	case types.StopReasonMaxTokens:
		return llm.StopReasonLength
	case types.StopReasonToolUse:
		return llm.StopReasonTool
	default:
		return llm.StopReasonStop
	}
}

func imageFormat(mimeType string) types.ImageFormat {
	switch mimeType {
	case "image/jpeg":
		return types.ImageFormatJpeg
	case "image/png":
		return types.ImageFormatPng
	case "image/gif":
		return types.ImageFormatGif
	case "image/webp":
		return types.ImageFormatWebp
	default:
		return types.ImageFormatPng
	}
}

// lazyDoc wraps a map as a Bedrock document.Interface.
func lazyDoc(m map[string]any) brdoc.Interface {
	return brdoc.NewLazyDocument(m)
}
