package builtin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/halyard-dev/halyard/pkg/tools"
)

const lsDefaultLimit = 500

// LsTool lists directory contents: alphabetical, dotfiles included, "/"
// suffix on subdirectories.
type LsTool struct {
	cwd string
}

func NewLsTool(cwd string) *LsTool { return &LsTool{cwd: cwd} }

func (t *LsTool) Definition() tools.Definition {
	return tools.Definition{
		Name:  "ls",
		Label: "List Directory",
		Description: fmt.Sprintf(
			"List directory contents. Returns entries sorted alphabetically, with '/' suffix for directories. "+
				"Includes dotfiles. Output is truncated to %d entries or %s (whichever is hit first).",
			lsDefaultLimit, FormatSize(DefaultMaxBytes),
		),
		Parameters: tools.MustSchema(tools.SimpleSchema{
			Properties: map[string]tools.Property{
				"path":  {Type: "string", Description: "Directory to list (default: current directory)"},
				"limit": {Type: "integer", Description: fmt.Sprintf("Maximum number of entries to return (default: %d)", lsDefaultLimit)},
			},
		}),
	}
}

func (t *LsTool) Execute(_ context.Context, _ string, args map[string]any, _ tools.UpdateFn) (tools.Result, error) {
	limit := intArg(args, "limit", lsDefaultLimit)
	if limit <= 0 {
		limit = lsDefaultLimit
	}

	dir := t.cwd
	if pathArg, _ := args["path"].(string); pathArg != "" {
		dir = resolvePath(pathArg, t.cwd)
	}

	info, err := os.Stat(dir)
	if err != nil {
		return tools.ErrorResult(fmt.Errorf("path not found: %s", dir)), nil
	}
	if !info.IsDir() {
		return tools.ErrorResult(fmt.Errorf("not a directory: %s", dir)), nil
	}

	names, limitHit, err := listDir(dir, limit)
	if err != nil {
		return tools.ErrorResult(fmt.Errorf("cannot read directory: %w", err)), nil
	}
	if len(names) == 0 {
		return tools.TextResult("(empty directory)"), nil
	}

	tr := TruncateHead(strings.Join(names, "\n"), maxInt, DefaultMaxBytes)
	out := tr.Content

	var notices []string
	if limitHit {
		notices = append(notices, fmt.Sprintf("%d entries limit reached. Use limit=%d for more", limit, limit*2))
	}
	if tr.Truncated {
		notices = append(notices, fmt.Sprintf("%s limit reached", FormatSize(DefaultMaxBytes)))
	}
	if len(notices) > 0 {
		out += "\n\n[" + strings.Join(notices, ". ") + "]"
	}
	return tools.TextResult(out), nil
}

// listDir reads dir and renders up to limit entry names, marking
// directories (and symlinks resolving to directories) with a "/" suffix.
func listDir(dir string, limit int) (names []string, limitHit bool, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, false, err
	}
	sort.Slice(entries, func(i, j int) bool {
		return strings.ToLower(entries[i].Name()) < strings.ToLower(entries[j].Name())
	})

	for _, e := range entries {
		if len(names) >= limit {
			return names, true, nil
		}
		name := e.Name()
		switch {
		case e.IsDir():
			name += "/"
		case e.Type()&os.ModeSymlink != 0:
			if target, err := os.Stat(filepath.Join(dir, name)); err == nil && target.IsDir() {
				name += "/"
			}
		}
		names = append(names, name)
	}
	return names, false, nil
}
