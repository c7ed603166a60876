package builtin_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/halyard-dev/halyard/pkg/tools/builtin"
)

func grepIn(t *testing.T, cwd string, params map[string]any) string {
	t.Helper()
	result, err := builtin.NewGrepTool(cwd).Execute(context.Background(), "c1", params, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	return resultTextContent(result)
}

func grepFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "handler.go"), []byte("func ServeHTTP(w, r) {}\nvar ErrTimeout = errors.New(\"timeout\")\n"), 0o644)
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("deadline is friday\nping the reviewers\n"), 0o644)
	os.MkdirAll(filepath.Join(dir, "vendor"), 0o755)
	os.WriteFile(filepath.Join(dir, "vendor", "dep.go"), []byte("func ServeHTTP(w, r) {}\n"), 0o644)
	os.WriteFile(filepath.Join(dir, ".gitignore"), []byte("vendor/\n"), 0o644)
	return dir
}

func TestGrepTool_Matching(t *testing.T) {
	dir := grepFixture(t)
	cases := []struct {
		name   string
		params map[string]any
		want   []string
		absent []string
	}{
		{
			name:   "regex match with path and line",
			params: map[string]any{"pattern": "Serve"},
			want:   []string{"handler.go:1", "ServeHTTP"},
		},
		{
			name:   "no match reported",
			params: map[string]any{"pattern": "zzzznope"},
			want:   []string{"No matches found"},
		},
		{
			name:   "glob filters files",
			params: map[string]any{"pattern": ".", "glob": "*.go"},
			absent: []string{"notes.txt"},
		},
		{
			name:   "case-insensitive flag",
			params: map[string]any{"pattern": "servehttp", "ignoreCase": true},
			want:   []string{"ServeHTTP"},
		},
		{
			name:   "case-sensitive by default",
			params: map[string]any{"pattern": "servehttp"},
			absent: []string{"ServeHTTP"},
		},
		{
			name:   "literal pattern",
			params: map[string]any{"pattern": `errors.New("timeout")`, "literal": true},
			want:   []string{"ErrTimeout"},
		},
		{
			name:   "gitignored dirs skipped",
			params: map[string]any{"pattern": "ServeHTTP"},
			absent: []string{"vendor/dep.go"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := grepIn(t, dir, tc.params)
			for _, w := range tc.want {
				if !strings.Contains(out, w) {
					t.Errorf("output missing %q: %q", w, out)
				}
			}
			for _, a := range tc.absent {
				if strings.Contains(out, a) {
					t.Errorf("output should not contain %q: %q", a, out)
				}
			}
		})
	}
}

func TestGrepTool_ContextLines(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "seq.txt"), []byte("one\ntwo\nthree\nfour\n"), 0o644)

	out := grepIn(t, dir, map[string]any{"pattern": "three", "context": float64(1)})
	if !strings.Contains(out, "seq.txt-2- two") {
		t.Errorf("missing leading context: %q", out)
	}
	if !strings.Contains(out, "seq.txt:3: three") {
		t.Errorf("missing match line: %q", out)
	}
	if !strings.Contains(out, "seq.txt-4- four") {
		t.Errorf("missing trailing context: %q", out)
	}
}

func TestGrepTool_SingleFileWithContext(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "single.txt")
	os.WriteFile(path, []byte("alpha\nbeta\ngamma\n"), 0o644)

	out := grepIn(t, dir, map[string]any{"pattern": "beta", "path": path, "context": float64(1)})
	if !strings.Contains(out, "alpha") || !strings.Contains(out, "gamma") {
		t.Errorf("context lines missing for single-file search: %q", out)
	}
}

func TestGrepTool_SingleFileOnly(t *testing.T) {
	dir := grepFixture(t)
	out := grepIn(t, dir, map[string]any{"pattern": ".", "path": filepath.Join(dir, "handler.go")})
	if strings.Contains(out, "friday") {
		t.Errorf("should not search beyond the named file: %q", out)
	}
}

func TestGrepTool_MatchLimit(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "rep.txt"), []byte(strings.Repeat("hit\n", 10)), 0o644)

	out := grepIn(t, dir, map[string]any{"pattern": "hit", "limit": float64(3)})
	if got := strings.Count(out, "rep.txt:"); got != 3 {
		t.Errorf("limit=3 gave %d match lines: %q", got, out)
	}
	if !strings.Contains(out, "3 matches limit reached") {
		t.Errorf("missing limit notice: %q", out)
	}
}

func TestGrepTool_InvalidPattern(t *testing.T) {
	out := grepIn(t, t.TempDir(), map[string]any{"pattern": "(unclosed"})
	if !strings.Contains(out, "invalid pattern") {
		t.Errorf("expected compile error text: %q", out)
	}
}

func TestGrepTool_Definition(t *testing.T) {
	def := builtin.NewGrepTool(".").Definition()
	if def.Name != "grep" {
		t.Errorf("name = %q", def.Name)
	}
}
