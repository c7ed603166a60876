package builtin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/halyard-dev/halyard/pkg/llm"
	"github.com/halyard-dev/halyard/pkg/tools"
)

// BashTool executes shell commands and streams their output through onUpdate.
// Output is tail-truncated to DefaultMaxLines / DefaultMaxBytes; the full
// output is saved to a temp file when it exceeds that limit.
type BashTool struct {
	cwd      string
	executor Executor
}

// NewBashTool creates a BashTool that runs commands locally.
func NewBashTool(cwd string) *BashTool {
	return &BashTool{cwd: cwd, executor: &LocalExecutor{}}
}

// NewBashToolWithExecutor creates a BashTool that delegates execution to exec.
func NewBashToolWithExecutor(cwd string, exec Executor) *BashTool {
	if exec == nil {
		exec = &LocalExecutor{}
	}
	return &BashTool{cwd: cwd, executor: exec}
}

func (t *BashTool) Definition() tools.Definition {
	return tools.Definition{
		Name:  "bash",
		Label: "Bash",
		Description: fmt.Sprintf(
			"Execute a bash command in the current working directory. Returns stdout and stderr. "+
				"Output is truncated to last %d lines or %s (whichever is hit first). "+
				"If truncated, full output is saved to a temp file. "+
				"Optionally provide a timeout in seconds.",
			DefaultMaxLines, FormatSize(DefaultMaxBytes),
		),
		Parameters: tools.MustSchema(tools.SimpleSchema{
			Properties: map[string]tools.Property{
				"command": {Type: "string", Description: "Bash command to execute"},
				"timeout": {Type: "number", Description: "Timeout in seconds (optional, no default timeout)"},
			},
			Required: []string{"command"},
		}),
	}
}

func (t *BashTool) Execute(ctx context.Context, _ string, args map[string]any, onUpdate tools.UpdateFn) (tools.Result, error) {
	command, _ := args["command"].(string)
	if command == "" {
		return tools.ErrorResult(fmt.Errorf("command is required")), nil
	}

	var timeoutSecs float64
	switch n := args["timeout"].(type) {
	case float64:
		timeoutSecs = n
	case int:
		timeoutSecs = float64(n)
	}

	if timeoutSecs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutSecs*float64(time.Second)))
		defer cancel()
	}

	return t.run(ctx, command, timeoutSecs, onUpdate)
}

func (t *BashTool) run(ctx context.Context, command string, timeoutSecs float64, onUpdate tools.UpdateFn) (tools.Result, error) {
	buf := &outputBuffer{}
	onData := func(chunk string) {
		buf.add(chunk)
		if onUpdate == nil {
			return
		}
		tr := TruncateTail(buf.text(), DefaultMaxLines, DefaultMaxBytes)
		onUpdate(tools.Result{
			Content: []llm.ContentBlock{llm.TextContent{Type: "text", Text: tr.Content}},
		})
	}

	_, execErr := t.executor.Exec(ctx, command, t.cwd, onData)
	spillPath, totalBytes := buf.close()

	fullOutput := buf.text()
	tr := TruncateTail(fullOutput, DefaultMaxLines, DefaultMaxBytes)

	outputText := tr.Content
	if outputText == "" {
		outputText = "(no output)"
	}
	outputText += spillNotice(tr, spillPath, totalBytes)

	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return tools.TextResult(interruptText(outputText, "Command aborted")), fmt.Errorf("command aborted")

	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		notice := fmt.Sprintf("Command timed out after %.0f seconds", timeoutSecs)
		return tools.TextResult(interruptText(outputText, notice)), fmt.Errorf("command timed out")

	case execErr != nil:
		outputText += fmt.Sprintf("\n\nCommand failed: %v", execErr)
		return tools.TextResult(outputText), fmt.Errorf("%s", outputText)
	}

	return tools.TextResult(outputText), nil
}

// spillNotice renders the truncation / full-output pointer appended to the
// command result.
func spillNotice(tr TruncationResult, spillPath string, totalBytes int) string {
	if !tr.Truncated {
		if totalBytes > DefaultMaxBytes && spillPath != "" {
			return fmt.Sprintf("\n\n[Full output: %s]", spillPath)
		}
		return ""
	}

	first := tr.TotalLines - tr.OutputLines + 1
	last := tr.TotalLines
	switch {
	case tr.LastLinePartial:
		return fmt.Sprintf(
			"\n\n[Showing last %s of line %d (line is %s). Full output: %s]",
			FormatSize(tr.OutputBytes), last, FormatSize(len(tr.Content)), spillPath,
		)
	case tr.TruncatedBy == "lines":
		return fmt.Sprintf(
			"\n\n[Showing lines %d-%d of %d. Full output: %s]",
			first, last, tr.TotalLines, spillPath,
		)
	default:
		return fmt.Sprintf(
			"\n\n[Showing lines %d-%d of %d (%s limit). Full output: %s]",
			first, last, tr.TotalLines, FormatSize(DefaultMaxBytes), spillPath,
		)
	}
}

// interruptText appends an abort/timeout notice, dropping the "(no output)"
// placeholder when it is all there was.
func interruptText(outputText, notice string) string {
	if outputText == "(no output)" {
		return notice
	}
	return outputText + "\n\n" + notice
}

// outputBuffer keeps a rolling window of recent command output and spills
// the complete stream to a temp file once it exceeds DefaultMaxBytes.
// Safe for concurrent use.
type outputBuffer struct {
	mu     sync.Mutex
	chunks [][]byte
	window int // bytes currently held in chunks
	total  int // bytes seen overall
	spill  *os.File
}

const bufferWindowBytes = DefaultMaxBytes * 2

func (b *outputBuffer) add(chunk string) {
	data := []byte(chunk)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.total += len(data)
	if b.total > DefaultMaxBytes && b.spill == nil {
		if tf, err := os.CreateTemp("", "halyard-bash-*.log"); err == nil {
			b.spill = tf
			for _, c := range b.chunks {
				tf.Write(c)
			}
		}
	}
	if b.spill != nil {
		b.spill.Write(data)
	}

	b.chunks = append(b.chunks, data)
	b.window += len(data)
	for b.window > bufferWindowBytes && len(b.chunks) > 1 {
		b.window -= len(b.chunks[0])
		b.chunks = b.chunks[1:]
	}
}

// text returns the buffered window as a string.
func (b *outputBuffer) text() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var sb strings.Builder
	for _, c := range b.chunks {
		sb.Write(c)
	}
	return sb.String()
}

// close closes the spill file if one was opened and reports its path
// ("" when none) plus the total bytes seen.
func (b *outputBuffer) close() (path string, total int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.spill != nil {
		path = b.spill.Name()
		b.spill.Close()
	}
	return path, b.total
}
