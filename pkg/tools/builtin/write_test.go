package builtin_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/halyard-dev/halyard/pkg/tools"
	"github.com/halyard-dev/halyard/pkg/tools/builtin"
)

func runWrite(t *testing.T, cwd, path, content string) tools.Result {
	t.Helper()
	tool := builtin.NewWriteTool(cwd)
	result, err := tool.Execute(context.Background(), "c1", map[string]any{
		"path":    path,
		"content": content,
	}, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	return result
}

func TestWriteTool_Writes(t *testing.T) {
	tests := []struct {
		name        string
		path        string
		pre         string // existing content, "" = file absent
		content     string
		wantCreated bool
	}{
		{"creates file", "new.txt", "", "hello world", true},
		{"overwrites existing", "exist.txt", "old", "new content", false},
		{"creates parent dirs", "a/b/c/file.txt", "", "nested", true},
		{"empty content", "empty.txt", "", "", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			target := filepath.Join(dir, filepath.FromSlash(tc.path))
			if tc.pre != "" {
				if err := os.WriteFile(target, []byte(tc.pre), 0o644); err != nil {
					t.Fatal(err)
				}
			}

			result := runWrite(t, dir, tc.path, tc.content)

			data, err := os.ReadFile(target)
			if err != nil {
				t.Fatalf("read back: %v", err)
			}
			if string(data) != tc.content {
				t.Errorf("content = %q, want %q", data, tc.content)
			}

			wantText := fmt.Sprintf("Successfully wrote %d bytes to %s", len(tc.content), tc.path)
			if got := resultTextContent(result); got != wantText {
				t.Errorf("result text = %q, want %q", got, wantText)
			}

			details, ok := result.Details.(builtin.WriteDetails)
			if !ok {
				t.Fatalf("Details = %T, want WriteDetails", result.Details)
			}
			if details.Created != tc.wantCreated {
				t.Errorf("Created = %v, want %v", details.Created, tc.wantCreated)
			}
			if details.Bytes != len(tc.content) {
				t.Errorf("Bytes = %d, want %d", details.Bytes, len(tc.content))
			}
		})
	}
}

func TestWriteTool_AbsolutePathIgnoresCwd(t *testing.T) {
	dir := t.TempDir()
	abs := filepath.Join(dir, "abs.txt")

	runWrite(t, "/other/cwd", abs, "absolute")

	data, err := os.ReadFile(abs)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "absolute" {
		t.Errorf("content = %q", data)
	}
}

func TestWriteTool_MissingPath(t *testing.T) {
	tool := builtin.NewWriteTool(".")
	result, err := tool.Execute(context.Background(), "c1", map[string]any{"content": "text"}, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := resultTextContent(result); got != "error: path is required" {
		t.Errorf("output = %q", got)
	}
}

func TestWriteTool_Definition(t *testing.T) {
	def := builtin.NewWriteTool(".").Definition()
	if def.Name != "write" {
		t.Errorf("name = %q", def.Name)
	}
	if def.Label != "Write File" {
		t.Errorf("label = %q", def.Label)
	}
}
