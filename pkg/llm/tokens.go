package llm

import "encoding/json"

// EstimateTokens estimates the token count of one message: one token per
// four characters of textual content, plus a flat 1200 tokens per embedded
// image. Deliberately conservative so compaction triggers early; never used
// for billing.
func EstimateTokens(m Message) int {
	chars, images := 0, 0
	switch msg := m.(type) {
	case UserMessage:
		chars, images = blockSize(msg.Content)
	case *UserMessage:
		chars, images = blockSize(msg.Content)
	case AssistantMessage:
		chars, images = blockSize(msg.Content)
	case *AssistantMessage:
		chars, images = blockSize(msg.Content)
	case ToolResultMessage:
		chars, images = blockSize(msg.Content)
	case *ToolResultMessage:
		chars, images = blockSize(msg.Content)
	default:
		// Custom message kinds expose their weight through ContentBlocks.
		if cc, ok := m.(interface{ ContentBlocks() []ContentBlock }); ok {
			chars, images = blockSize(cc.ContentBlocks())
		}
	}
	if chars == 0 && images == 0 {
		return 0
	}
	tokens := (chars + 3) / 4
	if tokens == 0 && images == 0 {
		tokens = 1
	}
	return tokens + images*1200
}

func blockSize(content []ContentBlock) (chars, images int) {
	for _, b := range content {
		switch blk := b.(type) {
		case TextContent:
			chars += len(blk.Text)
		case ThinkingContent:
			chars += len(blk.Thinking)
		case ImageContent:
			images++
		case ToolCall:
			chars += len(blk.Name)
			if j, err := json.Marshal(blk.Arguments); err == nil {
				chars += len(j)
			}
		}
	}
	return chars, images
}
