package builtin

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"unicode"

	"github.com/halyard-dev/halyard/pkg/llm"
	"github.com/halyard-dev/halyard/pkg/tools"
)

// EditTool performs surgical find-and-replace on files. It normalizes CRLF
// and smart punctuation before matching (fuzzy match), enforces that the
// search text appears exactly once, and returns a contextual diff.
type EditTool struct {
	cwd string
}

func NewEditTool(cwd string) *EditTool { return &EditTool{cwd: cwd} }

func (t *EditTool) Definition() tools.Definition {
	return tools.Definition{
		Name:        "edit",
		Label:       "Edit File",
		Description: "Edit a file by replacing exact text. The oldText must match exactly (including whitespace). Use this for precise, surgical edits.",
		Parameters: tools.MustSchema(tools.SimpleSchema{
			Properties: map[string]tools.Property{
				"path":    {Type: "string", Description: "Path to the file to edit (relative or absolute)"},
				"oldText": {Type: "string", Description: "Exact text to find and replace (must match exactly)"},
				"newText": {Type: "string", Description: "New text to replace the old text with"},
			},
			Required: []string{"path", "oldText", "newText"},
		}),
	}
}

// EditDetails is included in the tool result for UI / logging.
type EditDetails struct {
	Diff             string `json:"diff"`
	FirstChangedLine int    `json:"first_changed_line,omitempty"`
}

func (t *EditTool) Execute(_ context.Context, _ string, args map[string]any, _ tools.UpdateFn) (tools.Result, error) {
	pathArg, _ := args["path"].(string)
	oldText, _ := args["oldText"].(string)
	newText, _ := args["newText"].(string)
	if pathArg == "" {
		return tools.ErrorResult(fmt.Errorf("path is required")), nil
	}

	absPath := resolvePath(pathArg, t.cwd)
	src, err := loadSource(absPath)
	if err != nil {
		return tools.ErrorResult(fmt.Errorf("cannot read %s: %w", pathArg, err)), nil
	}

	normOld := normalizeToLF(oldText)
	normNew := normalizeToLF(newText)

	m, ok := matchText(src.content, normOld)
	if !ok {
		return tools.ErrorResult(fmt.Errorf(
			"could not find the exact text in %s. The oldText must match exactly including all whitespace and newlines.",
			pathArg,
		)), nil
	}
	if n := strings.Count(foldText(m.base), foldText(normOld)); n > 1 {
		return tools.ErrorResult(fmt.Errorf(
			"found %d occurrences of the text in %s. The text must be unique. Please provide more context to make it unique.",
			n, pathArg,
		)), nil
	}

	edited := m.base[:m.start] + normNew + m.base[m.end:]
	if edited == m.base {
		return tools.ErrorResult(fmt.Errorf(
			"no changes made to %s. The replacement produced identical content.",
			pathArg,
		)), nil
	}

	if err := os.WriteFile(absPath, src.restore(edited), 0o644); err != nil {
		return tools.ErrorResult(fmt.Errorf("cannot write %s: %w", pathArg, err)), nil
	}

	diff, firstLine := renderDiff(m.base, m.start, normOld, normNew)

	return tools.Result{
		Content: []llm.ContentBlock{
			llm.TextContent{Type: "text", Text: fmt.Sprintf("Successfully replaced text in %s.", pathArg)},
		},
		Details: EditDetails{Diff: diff, FirstChangedLine: firstLine},
	}, nil
}

// sourceFile is a file's content split into the pieces an edit must put back
// untouched: the BOM, the original line ending, and the LF-normalized body.
type sourceFile struct {
	bom     string
	ending  string
	content string
}

func loadSource(path string) (sourceFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return sourceFile{}, err
	}
	bom, text := stripBOM(string(raw))
	return sourceFile{
		bom:     bom,
		ending:  detectLineEnding(text),
		content: normalizeToLF(text),
	}, nil
}

// restore reassembles edited content with the file's original BOM and endings.
func (f sourceFile) restore(content string) []byte {
	return []byte(f.bom + restoreLineEndings(content, f.ending))
}

// ---------------------------------------------------------------------------
// Fuzzy matching
// ---------------------------------------------------------------------------

// textMatch records where oldText was found and in which rendition of the
// content: raw, or punctuation-folded when the exact search missed.
type textMatch struct {
	base  string
	start int
	end   int
}

func matchText(content, oldText string) (textMatch, bool) {
	if i := strings.Index(content, oldText); i >= 0 {
		return textMatch{base: content, start: i, end: i + len(oldText)}, true
	}
	fc, fo := foldText(content), foldText(oldText)
	if i := strings.Index(fc, fo); i >= 0 {
		return textMatch{base: fc, start: i, end: i + len(fo)}, true
	}
	return textMatch{}, false
}

var asciiFold = buildFoldTable()

func buildFoldTable() map[rune]rune {
	table := make(map[rune]rune)
	add := func(runes string, to rune) {
		for _, r := range runes {
			table[r] = to
		}
	}
	add("‘’‚‛", '\'')
	add("“”„‟", '"')
	add("‐‑‒–—―−", '-')
	// NBSP, the U+2002..U+200A family, narrow/medium math spaces, ideographic space.
	add("\u00a0\u2002\u2003\u2004\u2005\u2006\u2007\u2008\u2009\u200a\u202f\u205f\u3000", ' ')
	return table
}

// foldText trims trailing whitespace per line and folds smart punctuation to
// ASCII so near-miss searches still land.
func foldText(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRightFunc(l, unicode.IsSpace)
	}
	return strings.Map(func(r rune) rune {
		if to, ok := asciiFold[r]; ok {
			return to
		}
		return r
	}, strings.Join(lines, "\n"))
}

// ---------------------------------------------------------------------------
// Diff generation
// ---------------------------------------------------------------------------

// diffBuilder accumulates diff lines with a fixed line-number column width.
type diffBuilder struct {
	sb    strings.Builder
	width int
}

func (d *diffBuilder) line(prefix byte, num int, text string) {
	fmt.Fprintf(&d.sb, "%c%*d %s\n", prefix, d.width, num, text)
}

func (d *diffBuilder) gap() {
	fmt.Fprintf(&d.sb, " %s ...\n", strings.Repeat(" ", d.width))
}

// renderDiff produces a contextual diff for the single replacement (no LCS
// needed; the change position and extent are already known). Returns the diff
// and the 1-indexed first changed line.
func renderDiff(base string, start int, oldText, newText string) (string, int) {
	all := strings.Split(base, "\n")
	removed := diffLines(oldText)
	added := diffLines(newText)

	firstLine := strings.Count(base[:start], "\n") + 1
	startIdx := firstLine - 1

	total := len(all) + len(added) - len(removed)
	d := &diffBuilder{width: len(strconv.Itoa(max(len(all), total)))}

	ctxStart := max(0, startIdx-contextLines)
	if ctxStart > 0 {
		d.gap()
	}
	for i := ctxStart; i < startIdx && i < len(all); i++ {
		d.line(' ', i+1, all[i])
	}

	for i, l := range removed {
		d.line('-', startIdx+i+1, l)
	}
	for i, l := range added {
		d.line('+', startIdx+i+1, l)
	}

	after := startIdx + len(removed)
	end := min(after+contextLines, len(all))
	for i := after; i < end; i++ {
		d.line(' ', i+1, all[i])
	}
	if end < len(all) {
		d.gap()
	}

	return strings.TrimRight(d.sb.String(), "\n"), firstLine
}

// diffLines splits text for diff display, dropping the empty element a
// trailing newline produces.
func diffLines(s string) []string {
	lines := strings.Split(s, "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		return lines[:n-1]
	}
	return lines
}
