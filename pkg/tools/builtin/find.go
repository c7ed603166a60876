package builtin

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/halyard-dev/halyard/pkg/tools"
)

const findDefaultLimit = 1000

// FindTool locates files by glob pattern. Pure Go walk; skips VCS dirs and
// whatever the root .gitignore rules out.
type FindTool struct {
	cwd string
}

func NewFindTool(cwd string) *FindTool { return &FindTool{cwd: cwd} }

func (t *FindTool) Definition() tools.Definition {
	return tools.Definition{
		Name:  "find",
		Label: "Find Files",
		Description: fmt.Sprintf(
			"Search for files by glob pattern. Returns matching file paths relative to the search directory. "+
				"Respects .gitignore. Output is truncated to %d results or %s (whichever is hit first).",
			findDefaultLimit, FormatSize(DefaultMaxBytes),
		),
		Parameters: tools.MustSchema(tools.SimpleSchema{
			Properties: map[string]tools.Property{
				"pattern": {Type: "string", Description: "Glob pattern to match files, e.g. '*.ts', '**/*.json', or 'src/**/*.spec.ts'"},
				"path":    {Type: "string", Description: "Directory to search in (default: current directory)"},
				"limit":   {Type: "integer", Description: fmt.Sprintf("Maximum number of results (default: %d)", findDefaultLimit)},
			},
			Required: []string{"pattern"},
		}),
	}
}

func (t *FindTool) Execute(ctx context.Context, _ string, args map[string]any, _ tools.UpdateFn) (tools.Result, error) {
	pattern, _ := args["pattern"].(string)
	if pattern == "" {
		return tools.ErrorResult(fmt.Errorf("pattern is required")), nil
	}

	limit := intArg(args, "limit", findDefaultLimit)
	if limit <= 0 {
		limit = findDefaultLimit
	}

	root := t.cwd
	if pathArg, _ := args["path"].(string); pathArg != "" {
		root = resolvePath(pathArg, t.cwd)
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return tools.ErrorResult(fmt.Errorf("path not found or not a directory: %s", root)), nil
	}

	found, err := findFiles(ctx, root, pattern, limit)
	limitHit := errors.Is(err, errLimitReached)
	if err != nil && !limitHit {
		return tools.ErrorResult(err), nil
	}
	if len(found) == 0 {
		return tools.TextResult("No files found matching pattern"), nil
	}

	tr := TruncateHead(strings.Join(found, "\n"), maxInt, DefaultMaxBytes)
	out := tr.Content

	var notices []string
	if limitHit {
		notices = append(notices, fmt.Sprintf("%d results limit reached. Use limit=%d for more, or refine pattern", limit, limit*2))
	}
	if tr.Truncated {
		notices = append(notices, fmt.Sprintf("%s limit reached", FormatSize(DefaultMaxBytes)))
	}
	if len(notices) > 0 {
		out += "\n\n[" + strings.Join(notices, ". ") + "]"
	}
	return tools.TextResult(out), nil
}

// findFiles walks root collecting relative slash paths whose names match
// pattern, stopping with errLimitReached once limit paths are collected.
func findFiles(ctx context.Context, root, pattern string, limit int) ([]string, error) {
	ignore := loadGitignore(root)
	var found []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil || ctx.Err() != nil {
			return walkErr
		}
		if d.IsDir() {
			if skipDirName(d.Name()) || ignore.matchesDir(path, root) {
				return filepath.SkipDir
			}
			return nil
		}
		if ignore.matchesFile(path, root) {
			return nil
		}
		if ok, _ := matchGlob(pattern, d.Name(), path, root); !ok {
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		found = append(found, filepath.ToSlash(rel))
		if len(found) >= limit {
			return errLimitReached
		}
		return nil
	})
	return found, err
}
