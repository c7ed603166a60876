package llm

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// JSON codec for the Message / ContentBlock unions
// ---------------------------------------------------------------------------

// blockJSON is the union of all content block fields, discriminated by Type.
type blockJSON struct {
	Type             string         `json:"type"`
	Text             string         `json:"text,omitempty"`
	Thinking         string         `json:"thinking,omitempty"`
	Signature        string         `json:"signature,omitempty"`
	Data             string         `json:"data,omitempty"`
	MIMEType         string         `json:"mime_type,omitempty"`
	ID               string         `json:"id,omitempty"`
	Name             string         `json:"name,omitempty"`
	Arguments        map[string]any `json:"arguments,omitempty"`
	ThoughtSignature string         `json:"thought_signature,omitempty"`
}

func decodeBlock(b blockJSON) (ContentBlock, error) {
	switch b.Type {
	case "text":
		return TextContent{Type: "text", Text: b.Text, Signature: b.Signature}, nil
	case "thinking":
		return ThinkingContent{Type: "thinking", Thinking: b.Thinking, Signature: b.Signature}, nil
	case "image":
		return ImageContent{Type: "image", Data: b.Data, MIMEType: b.MIMEType}, nil
	case "tool_call":
		return ToolCall{Type: "tool_call", ID: b.ID, Name: b.Name, Arguments: b.Arguments, ThoughtSignature: b.ThoughtSignature}, nil
	}
	return nil, fmt.Errorf("unknown content block type %q", b.Type)
}

func decodeBlocks(raw []blockJSON) ([]ContentBlock, error) {
	if raw == nil {
		return nil, nil
	}
	out := make([]ContentBlock, 0, len(raw))
	for _, b := range raw {
		block, err := decodeBlock(b)
		if err != nil {
			return nil, err
		}
		out = append(out, block)
	}
	return out, nil
}

// UnmarshalJSON decodes the Content union; all other fields decode as usual.
func (m *UserMessage) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role      Role        `json:"role"`
		Content   []blockJSON `json:"content"`
		Timestamp int64       `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	blocks, err := decodeBlocks(raw.Content)
	if err != nil {
		return err
	}
	m.Role = raw.Role
	m.Content = blocks
	m.Timestamp = raw.Timestamp
	return nil
}

func (m *AssistantMessage) UnmarshalJSON(data []byte) error {
	type alias AssistantMessage
	var raw struct {
		alias
		Content []blockJSON `json:"content"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	blocks, err := decodeBlocks(raw.Content)
	if err != nil {
		return err
	}
	*m = AssistantMessage(raw.alias)
	m.Content = blocks
	return nil
}

func (m *ToolResultMessage) UnmarshalJSON(data []byte) error {
	type alias ToolResultMessage
	var raw struct {
		alias
		Content []blockJSON `json:"content"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	blocks, err := decodeBlocks(raw.Content)
	if err != nil {
		return err
	}
	*m = ToolResultMessage(raw.alias)
	m.Content = blocks
	return nil
}

// UnmarshalContentBlocks decodes a JSON array of content blocks. Embedders
// use it to implement UnmarshalJSON on their own message kinds.
func UnmarshalContentBlocks(data []byte) ([]ContentBlock, error) {
	var raw []blockJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return decodeBlocks(raw)
}

// UnmarshalMessage decodes one model-facing message by its role. Callers with
// their own message kinds must dispatch those before falling back here.
func UnmarshalMessage(data []byte) (Message, error) {
	var probe struct {
		Role Role `json:"role"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}
	switch probe.Role {
	case RoleUser:
		var m UserMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case RoleAssistant:
		var m AssistantMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case RoleToolResult:
		var m ToolResultMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	}
	return nil, fmt.Errorf("unknown message role %q", probe.Role)
}
