package builtin

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode"

	"golang.org/x/net/html"

	"github.com/halyard-dev/halyard/pkg/tools"
)

var fetchClient = &http.Client{
	Timeout: 30 * time.Second,
	CheckRedirect: func(req *http.Request, via []*http.Request) error {
		if len(via) >= 10 {
			return fmt.Errorf("too many redirects")
		}
		return nil
	},
}

// WebFetchTool fetches a URL and returns its content as clean plain text.
type WebFetchTool struct{}

func NewWebFetchTool() *WebFetchTool { return &WebFetchTool{} }

func (t *WebFetchTool) Definition() tools.Definition {
	return tools.Definition{
		Name:  "web_fetch",
		Label: "Fetch Page",
		Description: "Fetch a web page and return its content as plain text. " +
			"HTML is converted to readable text. " +
			"Output is truncated to 50 KB. Useful for reading documentation, articles, and search result pages.",
		Parameters: tools.MustSchema(tools.SimpleSchema{
			Properties: map[string]tools.Property{
				"url":       {Type: "string", Description: "The URL to fetch"},
				"max_bytes": {Type: "number", Description: "Maximum response size in bytes (default: 51200, max: 102400)"},
			},
			Required: []string{"url"},
		}),
	}
}

func (t *WebFetchTool) Execute(ctx context.Context, _ string, args map[string]any, _ tools.UpdateFn) (tools.Result, error) {
	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		return tools.ErrorResult(fmt.Errorf("url is required")), nil
	}

	maxBytes := intArg(args, "max_bytes", 51200)
	switch {
	case maxBytes < 1024:
		maxBytes = 1024
	case maxBytes > 102400:
		maxBytes = 102400
	}

	content, finalURL, err := fetchPage(ctx, rawURL, maxBytes)
	if err != nil {
		return tools.ErrorResult(fmt.Errorf("fetch %s: %w", rawURL, err)), nil
	}

	if finalURL != rawURL {
		content = fmt.Sprintf("[Redirected to: %s]\n\n%s", finalURL, content)
	}
	return tools.TextResult(content), nil
}

func fetchPage(ctx context.Context, rawURL string, maxBytes int) (content, finalURL string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", rawURL, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; halyard-fetch/1.0)")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := fetchClient.Do(req)
	if err != nil {
		return "", rawURL, err
	}
	defer resp.Body.Close()

	finalURL = resp.Request.URL.String()
	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return "", finalURL, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxBytes)+1))
	if err != nil {
		return "", finalURL, err
	}
	truncated := len(body) > maxBytes
	if truncated {
		body = body[:maxBytes]
	}

	// Non-HTML responses (plain text, JSON, ...) come back as-is.
	text := string(body)
	if ct := resp.Header.Get("Content-Type"); strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml") {
		text = htmlToText(body)
	}

	if truncated {
		text = strings.TrimRight(text, "\n") + fmt.Sprintf(
			"\n\n[Content truncated at %s. Refetch with a larger max_bytes if needed.]", FormatSize(maxBytes))
	}
	return text, finalURL, nil
}

// htmlToText renders HTML as readable plain text. Headings get # prefixes
// and lists become bullets; script, style, and navigation chrome are
// dropped entirely.
func htmlToText(data []byte) string {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return stripTags(string(data))
	}
	var r textRenderer
	r.node(doc)
	return cleanWhitespace(r.sb.String())
}

// suppressedTags are elements whose entire subtree is dropped.
var suppressedTags = map[string]bool{
	"script": true, "style": true, "noscript": true,
	"head": true, "nav": true, "footer": true,
	"svg": true, "form": true, "button": true,
	"iframe": true, "object": true, "embed": true,
}

// blockLevelTags get a newline before and after their content.
var blockLevelTags = map[string]bool{
	"p": true, "div": true, "section": true, "article": true,
	"main": true, "aside": true, "blockquote": true,
	"li": true, "dt": true, "dd": true,
	"tr": true, "td": true, "th": true,
	"pre": true, "figure": true, "figcaption": true,
}

// textRenderer accumulates the plain-text rendering of an HTML tree.
type textRenderer struct {
	sb strings.Builder
}

func (r *textRenderer) children(n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		r.node(c)
	}
}

func (r *textRenderer) node(n *html.Node) {
	if n.Type == html.TextNode {
		r.sb.WriteString(n.Data)
		return
	}
	if n.Type != html.ElementNode {
		r.children(n)
		return
	}

	tag := n.Data
	switch {
	case suppressedTags[tag]:
		// Subtree dropped.
	case tag == "br":
		r.sb.WriteByte('\n')
	case tag == "hr":
		r.sb.WriteString("\n---\n")
	case len(tag) == 2 && tag[0] == 'h' && tag[1] >= '1' && tag[1] <= '6':
		r.heading(n, int(tag[1]-'0'))
	case tag == "a":
		r.link(n)
	case tag == "img":
		if alt := attrVal(n, "alt"); alt != "" {
			fmt.Fprintf(&r.sb, "[Image: %s]", alt)
		}
	case tag == "ol":
		r.list(n, true)
	case tag == "ul":
		r.list(n, false)
	case tag == "pre":
		r.sb.WriteString("\n```\n")
		r.children(n)
		r.sb.WriteString("\n```\n")
	case blockLevelTags[tag]:
		r.sb.WriteByte('\n')
		r.children(n)
		r.sb.WriteByte('\n')
	default:
		r.children(n)
	}
}

func (r *textRenderer) heading(n *html.Node, level int) {
	r.sb.WriteString("\n" + strings.Repeat("#", level) + " ")
	r.children(n)
	r.sb.WriteString("\n\n")
}

// link renders the anchor text, then the target URL in parens when it adds
// information (skipping fragments, javascript: hrefs, and self-describing
// links whose text already is the URL).
func (r *textRenderer) link(n *html.Node) {
	r.children(n)
	href := attrVal(n, "href")
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
		return
	}
	if strings.TrimSpace(textContent(n)) != href {
		fmt.Fprintf(&r.sb, " (%s)", href)
	}
}

func (r *textRenderer) list(n *html.Node, ordered bool) {
	i := 1
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode || c.Data != "li" {
			continue
		}
		if ordered {
			fmt.Fprintf(&r.sb, "\n%d. ", i)
			i++
		} else {
			r.sb.WriteString("\n• ")
		}
		r.children(c)
	}
	r.sb.WriteByte('\n')
}

// cleanWhitespace trims each line and collapses runs of blank lines to one.
func cleanWhitespace(s string) string {
	var out []string
	blank := false
	for _, line := range strings.Split(s, "\n") {
		trimmed := strings.TrimFunc(line, unicode.IsSpace)
		if trimmed == "" {
			if !blank {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, trimmed)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// stripTags is the fallback when parsing fails: drop everything between
// angle brackets.
func stripTags(s string) string {
	var sb strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			sb.WriteRune(r)
		}
	}
	return cleanWhitespace(sb.String())
}
