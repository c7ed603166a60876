package builtin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/halyard-dev/halyard/pkg/llm"
	"github.com/halyard-dev/halyard/pkg/tools"
)

// WriteTool writes (or overwrites) a file, auto-creating parent directories.
type WriteTool struct {
	cwd string
}

func NewWriteTool(cwd string) *WriteTool { return &WriteTool{cwd: cwd} }

func (t *WriteTool) Definition() tools.Definition {
	return tools.Definition{
		Name:        "write",
		Label:       "Write File",
		Description: "Write content to a file. Creates the file if it doesn't exist, overwrites if it does. Automatically creates parent directories.",
		Parameters: tools.MustSchema(tools.SimpleSchema{
			Properties: map[string]tools.Property{
				"path":    {Type: "string", Description: "Path to the file to write (relative or absolute)"},
				"content": {Type: "string", Description: "Content to write to the file"},
			},
			Required: []string{"path", "content"},
		}),
	}
}

// WriteDetails is included in the tool result for UI / logging.
type WriteDetails struct {
	Path    string `json:"path"`
	Bytes   int    `json:"bytes"`
	Created bool   `json:"created"` // false when an existing file was overwritten
}

func (t *WriteTool) Execute(_ context.Context, _ string, args map[string]any, _ tools.UpdateFn) (tools.Result, error) {
	pathArg, _ := args["path"].(string)
	content, _ := args["content"].(string)
	if pathArg == "" {
		return tools.ErrorResult(fmt.Errorf("path is required")), nil
	}

	absPath := resolvePath(pathArg, t.cwd)
	_, statErr := os.Stat(absPath)
	created := os.IsNotExist(statErr)

	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return tools.ErrorResult(fmt.Errorf("cannot create directories for %s: %w", pathArg, err)), nil
	}
	if err := os.WriteFile(absPath, []byte(content), 0o644); err != nil {
		return tools.ErrorResult(fmt.Errorf("cannot write %s: %w", pathArg, err)), nil
	}

	return tools.Result{
		Content: []llm.ContentBlock{
			llm.TextContent{Type: "text", Text: fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), pathArg)},
		},
		Details: WriteDetails{Path: absPath, Bytes: len(content), Created: created},
	}, nil
}
