package builtin

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/halyard-dev/halyard/pkg/llm"
	"github.com/halyard-dev/halyard/pkg/tools"
)

const grepDefaultLimit = 100

// errLimitReached stops a walk once enough matches are collected.
var errLimitReached = errors.New("limit reached")

// GrepTool searches file contents with Go's regexp engine.
type GrepTool struct {
	cwd string
}

func NewGrepTool(cwd string) *GrepTool { return &GrepTool{cwd: cwd} }

func (t *GrepTool) Definition() tools.Definition {
	return tools.Definition{
		Name:  "grep",
		Label: "Search Files",
		Description: fmt.Sprintf(
			"Search file contents for a pattern. Returns matching lines with file paths and line numbers. "+
				"Respects .gitignore. Output is truncated to %d matches or %s (whichever is hit first). "+
				"Long lines are truncated to %d chars.",
			grepDefaultLimit, FormatSize(DefaultMaxBytes), GrepMaxLineLength,
		),
		Parameters: tools.MustSchema(tools.SimpleSchema{
			Properties: map[string]tools.Property{
				"pattern":    {Type: "string", Description: "Search pattern (regex or literal string)"},
				"path":       {Type: "string", Description: "Directory or file to search (default: current directory)"},
				"glob":       {Type: "string", Description: "Filter files by glob pattern, e.g. '*.ts' or '**/*.spec.ts'"},
				"ignoreCase": {Type: "boolean", Description: "Case-insensitive search (default: false)"},
				"literal":    {Type: "boolean", Description: "Treat pattern as literal string instead of regex (default: false)"},
				"context":    {Type: "integer", Description: "Number of lines to show before and after each match (default: 0)"},
				"limit":      {Type: "integer", Description: fmt.Sprintf("Maximum number of matches to return (default: %d)", grepDefaultLimit)},
			},
			Required: []string{"pattern"},
		}),
	}
}

func (t *GrepTool) Execute(ctx context.Context, _ string, args map[string]any, onUpdate tools.UpdateFn) (tools.Result, error) {
	pattern, _ := args["pattern"].(string)
	if pattern == "" {
		return tools.ErrorResult(fmt.Errorf("pattern is required")), nil
	}

	literal, _ := args["literal"].(bool)
	ignoreCase, _ := args["ignoreCase"].(bool)
	src := pattern
	if literal {
		src = regexp.QuoteMeta(src)
	}
	if ignoreCase {
		src = "(?i)" + src
	}
	re, err := regexp.Compile(src)
	if err != nil {
		return tools.ErrorResult(fmt.Errorf("invalid pattern: %w", err)), nil
	}

	root := t.cwd
	if pathArg, _ := args["path"].(string); pathArg != "" {
		root = resolvePath(pathArg, t.cwd)
	}
	info, err := os.Stat(root)
	if err != nil {
		return tools.ErrorResult(fmt.Errorf("path not found: %s", root)), nil
	}

	limit := intArg(args, "limit", grepDefaultLimit)
	if limit <= 0 {
		limit = grepDefaultLimit
	}
	glob, _ := args["glob"].(string)

	s := &searcher{re: re, glob: glob, limit: limit, root: root, onUpdate: onUpdate}

	if info.IsDir() {
		s.ignore = loadGitignore(root)
		err = s.walkDir(ctx)
	} else {
		rel, _ := filepath.Rel(t.cwd, root)
		err = s.scanFile(ctx, root, filepath.ToSlash(rel))
	}
	limitHit := errors.Is(err, errLimitReached)
	if err != nil && !limitHit {
		return tools.ErrorResult(err), nil
	}

	if len(s.matches) == 0 {
		return tools.TextResult("No matches found"), nil
	}

	tr := TruncateHead(s.render(intArg(args, "context", 0)), maxInt, DefaultMaxBytes)
	out := tr.Content

	var notices []string
	if limitHit {
		notices = append(notices, fmt.Sprintf("%d matches limit reached. Use limit=%d for more, or refine pattern", limit, limit*2))
	}
	if tr.Truncated {
		notices = append(notices, fmt.Sprintf("%s limit reached", FormatSize(DefaultMaxBytes)))
	}
	if s.truncatedLine {
		notices = append(notices, fmt.Sprintf("Some lines truncated to %d chars. Use read tool to see full lines", GrepMaxLineLength))
	}
	if len(notices) > 0 {
		out += "\n\n[" + strings.Join(notices, ". ") + "]"
	}
	return tools.TextResult(out), nil
}

// searcher carries one grep invocation's state through the walk.
type searcher struct {
	re       *regexp.Regexp
	glob     string
	limit    int
	root     string
	ignore   gitIgnoreRules
	onUpdate tools.UpdateFn

	matches       []matchLine
	truncatedLine bool
	scanned       int
}

type matchLine struct {
	file string // display path, relative to the search root
	abs  string // absolute path, for context re-reads
	num  int    // 1-indexed
	text string
}

func (s *searcher) walkDir(ctx context.Context) error {
	return filepath.WalkDir(s.root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil || ctx.Err() != nil {
			return walkErr
		}
		if d.IsDir() {
			if skipDirName(d.Name()) || s.ignore.matchesDir(path, s.root) {
				return filepath.SkipDir
			}
			return nil
		}
		if s.glob != "" {
			if ok, _ := matchGlob(s.glob, d.Name(), path, s.root); !ok {
				return nil
			}
		}
		if !isTextFile(d.Name()) || s.ignore.matchesFile(path, s.root) {
			return nil
		}

		rel, _ := filepath.Rel(s.root, path)
		if err := s.scanFile(ctx, path, filepath.ToSlash(rel)); errors.Is(err, errLimitReached) {
			return err
		}
		// Unreadable files are skipped, not fatal.
		s.scanned++
		s.progress()
		return nil
	})
}

func (s *searcher) scanFile(ctx context.Context, absPath, relPath string) error {
	f, err := os.Open(absPath)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 1<<20), 1<<20)
	num := 0
	for sc.Scan() {
		if ctx.Err() != nil {
			break
		}
		num++
		line := sc.Text()
		if !s.re.MatchString(line) {
			continue
		}
		text, cut := TruncateLine(line, GrepMaxLineLength)
		if cut {
			s.truncatedLine = true
		}
		s.matches = append(s.matches, matchLine{file: relPath, abs: absPath, num: num, text: text})
		if len(s.matches) >= s.limit {
			return errLimitReached
		}
	}
	return sc.Err()
}

func (s *searcher) progress() {
	if s.onUpdate == nil || s.scanned%100 != 0 {
		return
	}
	s.onUpdate(tools.Result{Content: []llm.ContentBlock{llm.TextContent{
		Type: "text",
		Text: fmt.Sprintf("Searching… %d files scanned, %d matches so far", s.scanned, len(s.matches)),
	}}})
}

func (s *searcher) render(ctxLines int) string {
	if ctxLines <= 0 {
		lines := make([]string, 0, len(s.matches))
		for _, m := range s.matches {
			lines = append(lines, fmt.Sprintf("%s:%d: %s", m.file, m.num, m.text))
		}
		return strings.Join(lines, "\n")
	}
	return strings.Join(s.renderWithContext(ctxLines), "\n")
}

// renderWithContext re-reads matched files to show surrounding lines.
// Context lines use "-" separators, match lines ":" like grep -C.
func (s *searcher) renderWithContext(n int) []string {
	cache := map[string][]string{}
	fileLines := func(abs string) []string {
		if l, ok := cache[abs]; ok {
			return l
		}
		var l []string
		if data, err := os.ReadFile(abs); err == nil {
			l = strings.Split(normalizeToLF(string(data)), "\n")
		}
		cache[abs] = l
		return l
	}

	var out []string
	for _, m := range s.matches {
		all := fileLines(m.abs)
		start := max(0, m.num-1-n)
		end := min(len(all), m.num+n)
		for i := start; i < end; i++ {
			text, _ := TruncateLine(all[i], GrepMaxLineLength)
			if i+1 == m.num {
				out = append(out, fmt.Sprintf("%s:%d: %s", m.file, i+1, text))
			} else {
				out = append(out, fmt.Sprintf("%s-%d- %s", m.file, i+1, text))
			}
		}
	}
	return out
}
