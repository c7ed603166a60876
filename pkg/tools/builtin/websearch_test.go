package builtin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// Fixture mirroring the DDG Lite result table: title anchors in one row,
// snippets in the next.
const ddgLiteFixture = `<!DOCTYPE html>
<html>
<body>
<table>
<tr>
  <td>
    <a class="result-link" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fgo.dev%2Fblog%2Fcontext">Contexts and structs</a>
  </td>
</tr>
<tr>
  <td class="result-snippet">
    How to use context.Context in Go server programs.
  </td>
</tr>
<tr>
  <td>
    <a class="result-link" href="https://go.dev/doc/effective_go">Effective Go</a>
  </td>
</tr>
<tr>
  <td class="result-snippet">
    Tips for writing clear, idiomatic Go code.
  </td>
</tr>
</table>
</body>
</html>`

func TestParseDDGLite(t *testing.T) {
	results, err := parseDDGLite(strings.NewReader(ddgLiteFixture), 10)
	if err != nil {
		t.Fatalf("parseDDGLite: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].title != "Contexts and structs" {
		t.Errorf("title = %q", results[0].title)
	}
	if results[0].url != "https://go.dev/blog/context" {
		t.Errorf("redirect should be unwrapped, url = %q", results[0].url)
	}
	if !strings.Contains(results[0].snippet, "context.Context") {
		t.Errorf("snippet = %q", results[0].snippet)
	}
	// Plain hrefs pass through untouched.
	if results[1].url != "https://go.dev/doc/effective_go" {
		t.Errorf("url = %q", results[1].url)
	}
}

func TestParseDDGLite_MaxResults(t *testing.T) {
	results, err := parseDDGLite(strings.NewReader(ddgLiteFixture), 1)
	if err != nil {
		t.Fatalf("parseDDGLite: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("expected 1 result (max), got %d", len(results))
	}
}

func TestResolveURL(t *testing.T) {
	cases := []struct{ name, in, want string }{
		{"redirect unwrapped", "//duckduckgo.com/l/?uddg=https%3A%2F%2Fgolang.org", "https://golang.org"},
		{"external passthrough", "https://example.com/page", "https://example.com/page"},
		{"internal link skipped", "//duckduckgo.com/y.js?ad=something", ""},
	}
	for _, tc := range cases {
		if got := resolveURL(tc.in); got != tc.want {
			t.Errorf("%s: resolveURL(%q) = %q, want %q", tc.name, tc.in, got, tc.want)
		}
	}
}

func TestWebSearchTool_Execute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("q"); got != "go testing" {
			t.Errorf("query param = %q", got)
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(ddgLiteFixture))
	}))
	defer srv.Close()

	old := ddgLiteEndpoint
	ddgLiteEndpoint = srv.URL + "/lite/"
	defer func() { ddgLiteEndpoint = old }()

	result, err := NewWebSearchTool().Execute(context.Background(), "c1", map[string]any{"query": "go testing"}, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	text := resultText(result)
	if !strings.Contains(text, "Contexts and structs") {
		t.Errorf("missing result title: %q", text)
	}
	if !strings.Contains(text, "https://go.dev/blog/context") {
		t.Errorf("missing resolved URL: %q", text)
	}
}

func TestWebSearchTool_Execute_NoResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><body><p>Nothing matched.</p></body></html>"))
	}))
	defer srv.Close()

	old := ddgLiteEndpoint
	ddgLiteEndpoint = srv.URL
	defer func() { ddgLiteEndpoint = old }()

	result, err := NewWebSearchTool().Execute(context.Background(), "c1", map[string]any{"query": "zzz"}, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := resultText(result); got != "No results found." {
		t.Errorf("result = %q", got)
	}
}

func TestWebSearchTool_Definition(t *testing.T) {
	def := NewWebSearchTool().Definition()
	if def.Name != "web_search" {
		t.Errorf("name = %q", def.Name)
	}
	if def.Parameters == nil {
		t.Error("parameters schema should not be nil")
	}
}
