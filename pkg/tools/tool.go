// Package tools defines the Tool interface, the registry handed to the agent
// loop, JSON Schema argument validation, and the subprocess plugin protocol.
package tools

import (
	"context"
	"encoding/json"

	"github.com/halyard-dev/halyard/pkg/llm"
)

// ---------------------------------------------------------------------------
// Tool interface
// ---------------------------------------------------------------------------

// Definition describes a tool. Name, Description, and Parameters are sent to
// the model; Label is the human-readable form used by UI surfaces.
type Definition struct {
	Name        string          `json:"name"`
	Label       string          `json:"label,omitempty"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema object
}

// LLM returns the model-facing subset of the definition.
func (d Definition) LLM() llm.ToolDefinition {
	return llm.ToolDefinition{Name: d.Name, Description: d.Description, Parameters: d.Parameters}
}

// Result is the output of a tool execution.
type Result struct {
	// Content is sent back to the model (text or images).
	Content []llm.ContentBlock
	// Details is arbitrary structured data for UIs/logging (not sent to the model).
	Details any
}

// Text concatenates the result's text blocks.
func (r Result) Text() string {
	var out string
	for _, block := range r.Content {
		if tc, ok := block.(llm.TextContent); ok {
			out += tc.Text
		}
	}
	return out
}

// UpdateFn receives intermediate Result snapshots while a tool runs. The
// final result is whatever Execute returns; updates never reorder it.
type UpdateFn func(partial Result)

// Tool is the interface every tool implements. Register it with the Registry;
// the agent loop validates arguments and calls Execute.
type Tool interface {
	// Definition returns the schema and naming for this tool.
	Definition() Definition
	// Execute runs the tool. ctx carries the run's cancel signal; onUpdate
	// may be nil and implementations must guard before calling it.
	Execute(ctx context.Context, callID string, args map[string]any, onUpdate UpdateFn) (Result, error)
}

// ---------------------------------------------------------------------------
// Result constructors
// ---------------------------------------------------------------------------

func TextResult(text string) Result {
	return Result{Content: []llm.ContentBlock{llm.TextContent{Type: "text", Text: text}}}
}

func ErrorResult(err error) Result {
	return TextResult("error: " + err.Error())
}

// ---------------------------------------------------------------------------
// SimpleSchema builds flat JSON Schema objects inline.
// ---------------------------------------------------------------------------

type SimpleSchema struct {
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

type Property struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Enum        []any  `json:"enum,omitempty"`
}

// MustSchema returns the JSON Schema for s, panicking on marshal failure
// (schemas are compile-time constants in practice).
func MustSchema(s SimpleSchema) json.RawMessage {
	obj := map[string]any{
		"type":       "object",
		"properties": s.Properties,
	}
	if s.Properties == nil {
		obj["properties"] = map[string]Property{}
	}
	if len(s.Required) > 0 {
		obj["required"] = s.Required
	}
	b, err := json.Marshal(obj)
	if err != nil {
		panic("tools.MustSchema: " + err.Error())
	}
	return b
}
