package builtin

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/halyard-dev/halyard/pkg/llm"
	"github.com/halyard-dev/halyard/pkg/tools"
)

// imageExtensions maps lowercase file extensions to MIME types.
var imageExtensions = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// ReadTool reads files: text with pagination and truncation, images as
// base64 attachments.
type ReadTool struct {
	cwd string
}

func NewReadTool(cwd string) *ReadTool { return &ReadTool{cwd: cwd} }

func (t *ReadTool) Definition() tools.Definition {
	return tools.Definition{
		Name:  "read",
		Label: "Read File",
		Description: fmt.Sprintf(
			"Read the contents of a file. Supports text files and images (jpg, png, gif, webp). "+
				"Images are sent as attachments. For text files, output is truncated to %d lines or %s "+
				"(whichever is hit first). Use offset/limit for large files. "+
				"When you need the full file, continue with offset until complete.",
			DefaultMaxLines, FormatSize(DefaultMaxBytes),
		),
		Parameters: tools.MustSchema(tools.SimpleSchema{
			Properties: map[string]tools.Property{
				"path":   {Type: "string", Description: "Path to the file to read (relative or absolute)"},
				"offset": {Type: "integer", Description: "Line number to start reading from (1-indexed)"},
				"limit":  {Type: "integer", Description: "Maximum number of lines to read"},
			},
			Required: []string{"path"},
		}),
	}
}

func (t *ReadTool) Execute(_ context.Context, _ string, args map[string]any, _ tools.UpdateFn) (tools.Result, error) {
	pathArg, _ := args["path"].(string)
	if pathArg == "" {
		return tools.ErrorResult(fmt.Errorf("path is required")), nil
	}
	absPath := resolvePath(pathArg, t.cwd)

	data, err := os.ReadFile(absPath)
	if err != nil {
		return tools.ErrorResult(fmt.Errorf("cannot read %s: %w", pathArg, err)), nil
	}

	if mime, ok := imageExtensions[strings.ToLower(filepath.Ext(absPath))]; ok {
		return imageResult(data, mime), nil
	}
	return t.textResult(data, pathArg, args), nil
}

func imageResult(data []byte, mimeType string) tools.Result {
	return tools.Result{
		Content: []llm.ContentBlock{
			llm.TextContent{Type: "text", Text: fmt.Sprintf("Read image file [%s]", mimeType)},
			llm.ImageContent{Type: "image", Data: base64.StdEncoding.EncodeToString(data), MIMEType: mimeType},
		},
	}
}

func (t *ReadTool) textResult(raw []byte, displayPath string, args map[string]any) tools.Result {
	lines := strings.Split(normalizeToLF(string(raw)), "\n")
	total := len(lines)

	offset := intArg(args, "offset", 0)
	limit := intArg(args, "limit", 0)

	start := 0 // 0-indexed
	if offset > 0 {
		start = offset - 1
	}
	if start >= total {
		return tools.ErrorResult(fmt.Errorf("offset %d is beyond end of file (%d lines total)", offset, total))
	}

	end := total
	if limit > 0 && start+limit < total {
		end = start + limit
	}

	tr := TruncateHead(strings.Join(lines[start:end], "\n"), DefaultMaxLines, DefaultMaxBytes)
	first := start + 1 // 1-indexed for display

	switch {
	case tr.FirstLineExceedsLimit:
		return tools.TextResult(fmt.Sprintf(
			"[Line %d is %s, exceeds %s limit. Use bash: sed -n '%dp' %s | head -c %d]",
			first, FormatSize(len(lines[start])), FormatSize(DefaultMaxBytes), first, displayPath, DefaultMaxBytes,
		))

	case tr.Truncated:
		last := first + tr.OutputLines - 1
		note := fmt.Sprintf(
			"\n\n[Showing lines %d-%d of %d. Use offset=%d to continue.]",
			first, last, total, last+1,
		)
		if tr.TruncatedBy == "bytes" {
			note = fmt.Sprintf(
				"\n\n[Showing lines %d-%d of %d (%s limit). Use offset=%d to continue.]",
				first, last, total, FormatSize(DefaultMaxBytes), last+1,
			)
		}
		return tools.TextResult(tr.Content + note)

	case end < total:
		return tools.TextResult(tr.Content + fmt.Sprintf(
			"\n\n[%d more lines in file. Use offset=%d to continue.]",
			total-end, end+1,
		))

	default:
		return tools.TextResult(tr.Content)
	}
}
