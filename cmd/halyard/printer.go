package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/halyard-dev/halyard/pkg/agent"
	"github.com/halyard-dev/halyard/pkg/compact"
	"github.com/halyard-dev/halyard/pkg/llm"
)

// printer renders agent events for a terminal. Assistant text goes to out
// (stdout) so piped output stays clean; tool activity, errors, and other
// chrome go to err (stderr).
type printer struct {
	out io.Writer
	err io.Writer
}

func (p *printer) handle(ev agent.Event) {
	switch ev.Type {
	case agent.EventMessageUpdate:
		if ev.StreamEvent != nil && ev.StreamEvent.Type == llm.StreamEventTextDelta {
			fmt.Fprint(p.out, ev.StreamEvent.Delta)
		}

	case agent.EventMessageEnd:
		am, ok := ev.Message.(llm.AssistantMessage)
		if !ok {
			return
		}
		switch am.StopReason {
		case llm.StopReasonError:
			fmt.Fprintf(p.err, "\n[error] %s\n", am.ErrorMessage)
		case llm.StopReasonAborted:
			fmt.Fprintln(p.err, "\n[aborted]")
		default:
			if hasText(am) {
				fmt.Fprintln(p.out)
			}
		}

	case agent.EventToolExecutionStart:
		fmt.Fprintf(p.err, "[tool] %s(%s)\n", ev.ToolName, formatArgs(ev.ToolArgs))

	case agent.EventToolExecutionEnd:
		if ev.IsError {
			msg := "error"
			if ev.ToolResult != nil {
				if t := ev.ToolResult.Text(); t != "" {
					msg = truncateStr(t, 120)
				}
			}
			fmt.Fprintf(p.err, "[tool] %s failed: %s\n", ev.ToolName, msg)
		}
	}
}

// compaction reports a completed compaction, manual or automatic.
func (p *printer) compaction(res *compact.Result) {
	kind := "compacted"
	if res.Recovered {
		kind = "recovered from context overflow"
	}
	note := ""
	if res.SplitTurn {
		note = ", turn split"
	}
	fmt.Fprintf(p.err, "[compaction] %s: %d tokens summarized%s\n", kind, res.TokensBefore, note)
}

func hasText(am llm.AssistantMessage) bool {
	for _, b := range am.Content {
		if tb, ok := b.(llm.TextContent); ok && tb.Text != "" {
			return true
		}
	}
	return false
}

// formatArgs renders tool arguments as key=value pairs, longest values
// truncated, keys sorted for stable output.
func formatArgs(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := fmt.Sprintf("%v", args[k])
		v = strings.ReplaceAll(v, "\n", "\\n")
		parts = append(parts, fmt.Sprintf("%s=%s", k, truncateStr(v, 60)))
	}
	return strings.Join(parts, " ")
}

func truncateStr(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
