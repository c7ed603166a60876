package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/halyard-dev/halyard/pkg/llm"
)

// ExportOptions controls HTML rendering.
type ExportOptions struct {
	// Title is used as the <title> and <h1> of the page.
	// Defaults to "Halyard Session".
	Title string

	// SessionID is shown in the page header. Optional.
	SessionID string

	// CWD is shown in the page header. Optional.
	CWD string

	// Created is the session creation time. Optional.
	Created time.Time

	// Codec decodes stored messages. Defaults to DefaultCodec; pass the
	// embedder's codec to render custom message kinds.
	Codec MessageCodec
}

// ExportHTML renders the raw JSONL bytes of a session as a self-contained,
// shareable HTML document: all CSS is inlined and no JavaScript or external
// resources are referenced. Header metadata not set in opts is filled from
// the session header.
func ExportHTML(data []byte, opts ExportOptions) ([]byte, error) {
	header, entries, err := ParseEntries(data)
	if err != nil {
		return nil, fmt.Errorf("export: parse session: %w", err)
	}
	msgs := ReplayMessages(entries, opts.Codec)

	if opts.Title == "" {
		opts.Title = "Halyard Session"
	}
	if header != nil {
		if opts.SessionID == "" {
			opts.SessionID = header.ID
		}
		if opts.CWD == "" {
			opts.CWD = header.CWD
		}
		if opts.Created.IsZero() && header.Timestamp != "" {
			t, _ := time.Parse(time.RFC3339, header.Timestamp)
			opts.Created = t
		}
	}

	var buf bytes.Buffer
	renderPage(&buf, msgs, opts)
	return buf.Bytes(), nil
}

// ---------------------------------------------------------------------------
// HTML rendering
// ---------------------------------------------------------------------------

const exportStyles = `*{box-sizing:border-box;margin:0;padding:0}
body{font-family:-apple-system,BlinkMacSystemFont,"Segoe UI",Roboto,sans-serif;background:#0b0e12;color:#d6dbe1;line-height:1.55;padding:28px}
.page{max-width:880px;margin:0 auto}
.header{border-bottom:1px solid #2a2f36;padding-bottom:14px;margin-bottom:26px}
.header h1{font-size:1.35rem;color:#f2f4f7;margin-bottom:6px}
.header .meta{font-size:0.8rem;color:#6b7280;display:flex;gap:14px;flex-wrap:wrap}
.message{margin-bottom:18px;border-radius:10px;overflow:hidden}
.msg-header{padding:7px 14px;font-size:0.75rem;font-weight:600;letter-spacing:0.06em;text-transform:uppercase}
.msg-body{padding:14px;white-space:pre-wrap;word-break:break-word;font-size:0.9rem}
.user .msg-header{background:#14291b;color:#62c07e}
.user .msg-body{background:#0f1a13}
.assistant .msg-header{background:#16203a;color:#86a9e8}
.assistant .msg-body{background:#10141f}
.tool-call .msg-header{background:#332311;color:#e0aa5e}
.tool-call .msg-body{background:#201409;font-family:monospace;font-size:0.85rem}
.tool-result .msg-header{background:#1d1d1d;color:#9a9a9a}
.tool-result .msg-body{background:#141414;font-family:monospace;font-size:0.85rem}
.thinking .msg-header{background:#241d33;color:#b391e0}
.thinking .msg-body{background:#161221;font-style:italic;color:#8f95a3;font-size:0.85rem}
.summary .msg-header{background:#33250e;color:#d29b3d}
.summary .msg-body{background:#1d1509}
.custom .msg-header{background:#0e2830;color:#67bfd4}
.custom .msg-body{background:#0a1a20;font-family:monospace;font-size:0.85rem}
code{background:#1f232a;border:1px solid #2a2f36;border-radius:3px;padding:2px 5px;font-family:monospace;font-size:0.85em}
pre{background:#14181e;border:1px solid #2a2f36;border-radius:6px;padding:12px;overflow-x:auto;font-family:monospace;font-size:0.85rem}
.error{color:#e86868}
.meta-badge{background:#1f232a;border-radius:4px;padding:2px 8px}`

func renderPage(buf *bytes.Buffer, msgs []llm.Message, opts ExportOptions) {
	title := html.EscapeString(opts.Title)

	fmt.Fprintf(buf, `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>%s</title>
<style>
%s
</style>
</head>
<body>
<div class="page">
<div class="header">
  <h1>%s</h1>
  <div class="meta">%s</div>
</div>
<div class="messages">
`, title, exportStyles, title, strings.Join(metaBadges(msgs, opts), ""))

	for _, m := range msgs {
		renderMessage(buf, m)
	}

	buf.WriteString("\n</div>\n</div>\n</body>\n</html>")
}

func metaBadges(msgs []llm.Message, opts ExportOptions) []string {
	badge := func(format string, args ...any) string {
		return fmt.Sprintf(`<span class="meta-badge">`+format+`</span>`, args...)
	}
	var out []string
	if opts.SessionID != "" {
		out = append(out, badge("session: %s", html.EscapeString(clipID(opts.SessionID))))
	}
	if opts.CWD != "" {
		out = append(out, badge("cwd: %s", html.EscapeString(opts.CWD)))
	}
	if !opts.Created.IsZero() {
		out = append(out, badge("%s", opts.Created.Format("2006-01-02 15:04 MST")))
	}
	return append(out, badge("%d messages", len(msgs)))
}

func openMsg(buf *bytes.Buffer, class, label string) {
	fmt.Fprintf(buf, `<div class="message %s"><div class="msg-header">%s</div><div class="msg-body">`, class, label)
}

func closeMsg(buf *bytes.Buffer) {
	buf.WriteString("</div></div>\n")
}

func renderMessage(buf *bytes.Buffer, m llm.Message) {
	switch msg := m.(type) {
	case llm.UserMessage:
		openMsg(buf, "user", "User")
		for _, b := range msg.Content {
			renderContentBlock(buf, b)
		}
		closeMsg(buf)

	case llm.AssistantMessage:
		label := "Assistant"
		if msg.Model != "" {
			label += " · " + html.EscapeString(msg.Model)
		}
		openMsg(buf, "assistant", label)
		for _, b := range msg.Content {
			switch bc := b.(type) {
			case llm.ThinkingContent:
				renderThinking(buf, bc.Thinking)
			case llm.ToolCall:
				renderToolCall(buf, bc)
			default:
				renderContentBlock(buf, b)
			}
		}
		if msg.Usage.Total() > 0 {
			fmt.Fprintf(buf,
				`<div style="margin-top:8px;font-size:0.75rem;color:#555">in=%d out=%d cache_read=%d cache_write=%d</div>`,
				msg.Usage.Input, msg.Usage.Output, msg.Usage.CacheRead, msg.Usage.CacheWrite,
			)
		}
		if msg.StopReason == llm.StopReasonError {
			fmt.Fprintf(buf, `<div class="error">Error: %s</div>`, html.EscapeString(msg.ErrorMessage))
		}
		closeMsg(buf)

	case llm.ToolResultMessage:
		label := "Tool Result"
		if msg.ToolName != "" {
			label = "Tool Result · " + html.EscapeString(msg.ToolName)
		}
		if msg.IsError {
			label += " (error)"
		}
		openMsg(buf, "tool-result", label)
		for _, b := range msg.Content {
			renderContentBlock(buf, b)
		}
		closeMsg(buf)

	case CompactionSummaryMessage:
		renderSummary(buf, "Compaction Summary", msg.Summary)

	case BranchSummaryMessage:
		if msg.Summary != "" {
			renderSummary(buf, "Branch Summary", msg.Summary)
		}

	default:
		// Custom message kinds: render whatever text they expose.
		openMsg(buf, "custom", html.EscapeString(string(m.GetRole())))
		if cc, ok := m.(interface{ ContentBlocks() []llm.ContentBlock }); ok {
			for _, b := range cc.ContentBlocks() {
				renderContentBlock(buf, b)
			}
		}
		closeMsg(buf)
	}
}

func renderContentBlock(buf *bytes.Buffer, b llm.ContentBlock) {
	switch bc := b.(type) {
	case llm.TextContent:
		buf.WriteString(html.EscapeString(bc.Text))
	case llm.ImageContent:
		// Inline base64 image.
		mime := bc.MIMEType
		if mime == "" {
			mime = "image/png"
		}
		fmt.Fprintf(buf, `<img src="data:%s;base64,%s" style="max-width:100%%;border-radius:4px;margin:4px 0" alt="image">`,
			html.EscapeString(mime), html.EscapeString(bc.Data))
	}
}

func renderToolCall(buf *bytes.Buffer, tc llm.ToolCall) {
	args, _ := json.MarshalIndent(tc.Arguments, "", "  ")
	buf.WriteString(`<div class="message tool-call" style="margin:8px 0">`)
	fmt.Fprintf(buf, `<div class="msg-header">Tool Call · %s</div>`, html.EscapeString(tc.Name))
	fmt.Fprintf(buf, `<div class="msg-body"><pre>%s</pre></div>`, html.EscapeString(string(args)))
	buf.WriteString(`</div>`)
}

// Thinking blocks can run very long; clip them for display.
const thinkingClip = 2000

func renderThinking(buf *bytes.Buffer, thinking string) {
	buf.WriteString(`<div class="message thinking" style="margin:8px 0">`)
	buf.WriteString(`<div class="msg-header">Thinking</div>`)
	fmt.Fprintf(buf, `<div class="msg-body">%s</div>`, html.EscapeString(clip(thinking, thinkingClip)))
	buf.WriteString(`</div>`)
}

func renderSummary(buf *bytes.Buffer, label, text string) {
	buf.WriteString(`<div class="message summary">`)
	fmt.Fprintf(buf, `<div class="msg-header">⟳ %s</div>`, html.EscapeString(label))
	fmt.Fprintf(buf, `<div class="msg-body">%s</div>`, html.EscapeString(text))
	buf.WriteString("</div>\n")
}

func clipID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
