package builtin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/halyard-dev/halyard/pkg/tools"
)

// ddgLiteEndpoint is a var so tests can point the tool at a fixture server.
var ddgLiteEndpoint = "https://lite.duckduckgo.com/lite/"

var searchClient = &http.Client{Timeout: 15 * time.Second}

// WebSearchTool performs a web search via DuckDuckGo Lite (no API key required).
type WebSearchTool struct{}

func NewWebSearchTool() *WebSearchTool { return &WebSearchTool{} }

func (t *WebSearchTool) Definition() tools.Definition {
	return tools.Definition{
		Name:        "web_search",
		Label:       "Web Search",
		Description: "Search the web using DuckDuckGo. Returns titles, URLs, and snippets for the top results. No API key required.",
		Parameters: tools.MustSchema(tools.SimpleSchema{
			Properties: map[string]tools.Property{
				"query":       {Type: "string", Description: "The search query"},
				"max_results": {Type: "number", Description: "Maximum number of results to return (default: 10, max: 20)"},
			},
			Required: []string{"query"},
		}),
	}
}

func (t *WebSearchTool) Execute(ctx context.Context, _ string, args map[string]any, _ tools.UpdateFn) (tools.Result, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return tools.ErrorResult(fmt.Errorf("query is required")), nil
	}

	maxResults := intArg(args, "max_results", 10)
	switch {
	case maxResults < 1:
		maxResults = 1
	case maxResults > 20:
		maxResults = 20
	}

	results, err := ddgSearch(ctx, query, maxResults)
	if err != nil {
		return tools.ErrorResult(fmt.Errorf("web search failed: %w", err)), nil
	}
	if len(results) == 0 {
		return tools.TextResult("No results found."), nil
	}
	return tools.TextResult(renderResults(query, results)), nil
}

type searchResult struct {
	title   string
	url     string
	snippet string
}

func renderResults(query string, results []searchResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Search results for: %q\n\n", query)
	for i, r := range results {
		fmt.Fprintf(&sb, "%d. **%s**\n   URL: %s\n   %s\n\n", i+1, r.title, r.url, r.snippet)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func ddgSearch(ctx context.Context, query string, maxResults int) ([]searchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ddgLiteEndpoint+"?q="+url.QueryEscape(query), nil)
	if err != nil {
		return nil, err
	}
	// DDG Lite requires a browser-like User-Agent or returns a captcha page.
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; halyard-search/1.0)")
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := searchClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("DDG returned HTTP %d", resp.StatusCode)
	}
	return parseDDGLite(resp.Body, maxResults)
}

// parseDDGLite extracts up to maxResults search results from DuckDuckGo
// Lite HTML. Lite renders results in a table: an <a class="result-link">
// carries the title and (redirect-wrapped) URL, the row after it a
// <td class="result-snippet"> with the description.
func parseDDGLite(r io.Reader, maxResults int) ([]searchResult, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse HTML: %w", err)
	}

	var results []searchResult
	stack := []*html.Node{doc}
	for len(stack) > 0 && len(results) < maxResults {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if res, ok := resultFromAnchor(n); ok {
			results = append(results, res)
		}

		// Push children in reverse so traversal stays document ordered.
		var kids []*html.Node
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			kids = append(kids, c)
		}
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, kids[i])
		}
	}
	return results, nil
}

func resultFromAnchor(n *html.Node) (searchResult, bool) {
	if n.Type != html.ElementNode || n.Data != "a" {
		return searchResult{}, false
	}
	if !strings.Contains(attrVal(n, "class"), "result-link") {
		return searchResult{}, false
	}
	href := attrVal(n, "href")
	if href == "" {
		return searchResult{}, false
	}

	title := strings.TrimSpace(textContent(n))
	resultURL := resolveURL(href)
	if title == "" || resultURL == "" {
		return searchResult{}, false
	}
	return searchResult{
		title:   title,
		url:     resultURL,
		snippet: strings.TrimSpace(snippetAfter(n)),
	}, true
}

// snippetAfter finds the description for a result anchor: the next table
// row after the anchor's own, preferring its td.result-snippet cell.
func snippetAfter(anchor *html.Node) string {
	row := ancestor(anchor, "tr")
	if row == nil {
		return ""
	}
	for sib := row.NextSibling; sib != nil; sib = sib.NextSibling {
		if sib.Type != html.ElementNode || sib.Data != "tr" {
			continue
		}
		if cell := findChild(sib, "td", "result-snippet"); cell != nil {
			return textContent(cell)
		}
		if t := textContent(sib); strings.TrimSpace(t) != "" {
			return t
		}
		return ""
	}
	return ""
}

// resolveURL unwraps DDG's redirect URLs like //duckduckgo.com/l/?uddg=...
// and drops DDG-internal links. Plain external hrefs pass through.
func resolveURL(href string) string {
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if uddg := u.Query().Get("uddg"); uddg != "" {
		if decoded, err := url.QueryUnescape(uddg); err == nil {
			return decoded
		}
		return uddg
	}
	if strings.Contains(u.Host, "duckduckgo.com") {
		return ""
	}
	return href
}
