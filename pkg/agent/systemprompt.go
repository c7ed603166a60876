// Package agent — system prompt construction.
//
// The prompt is assembled from independent sections: a preamble (default or
// user-supplied), a tool listing with usage guidance, project instruction
// files (AGENTS.md / CLAUDE.md), skills, and a date/cwd footer.
package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// SystemPromptOptions controls how the system prompt is assembled.
type SystemPromptOptions struct {
	// CustomPrompt replaces the default preamble when non-empty.
	CustomPrompt string

	// AppendPrompt is added after the preamble, before project context.
	AppendPrompt string

	// ActiveTools is the list of registered tool names, in listing order.
	// Names without a known summary are omitted from the listing.
	ActiveTools []string

	// Cwd is the working directory reported to the model. Defaults to
	// os.Getwd().
	Cwd string

	// ContextFiles are pre-loaded project instruction files. Nil means
	// discover them via LoadContextFiles(Cwd).
	ContextFiles []ContextFile

	// SkillsBlock is the rendered <available_skills> section. Empty string
	// means no skills.
	SkillsBlock string
}

// ContextFile is one project instruction file.
type ContextFile struct {
	Path    string
	Content string
}

// toolSummaries are the one-line tool descriptions shown in the preamble.
var toolSummaries = map[string]string{
	"read":  "Read file contents",
	"bash":  "Execute bash commands (ls, grep, find, etc.)",
	"edit":  "Make surgical edits to files (find exact text and replace)",
	"write": "Create or overwrite files",
	"grep":  "Search file contents for patterns (respects .gitignore)",
	"find":  "Find files by glob pattern (respects .gitignore)",
	"ls":    "List directory contents",
}

// BuildSystemPrompt renders the full system prompt.
func BuildSystemPrompt(opts SystemPromptOptions) string {
	cwd := opts.Cwd
	if cwd == "" {
		cwd, _ = os.Getwd()
	}
	files := opts.ContextFiles
	if files == nil {
		files = LoadContextFiles(cwd)
	}

	b := &promptBuilder{names: opts.ActiveTools, active: toolSet(opts.ActiveTools)}
	if opts.CustomPrompt != "" {
		b.WriteString(opts.CustomPrompt)
	} else {
		b.defaultPreamble()
	}
	b.section(opts.AppendPrompt)
	b.projectContext(files)
	b.skills(opts.SkillsBlock)
	b.footer(cwd)
	return b.String()
}

// promptBuilder accumulates prompt sections. The active set drives which
// tool guidance applies.
type promptBuilder struct {
	strings.Builder
	names  []string
	active map[string]bool
}

func toolSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

// section appends s after a blank line, skipping empties.
func (b *promptBuilder) section(s string) {
	if s == "" {
		return
	}
	b.WriteString("\n\n")
	b.WriteString(s)
}

func (b *promptBuilder) defaultPreamble() {
	b.WriteString("You are an expert coding assistant. You help users by reading files, executing commands, editing code, and writing new files.\n")
	b.WriteString("\nAvailable tools:\n")
	listed := 0
	for _, name := range b.names {
		if desc, ok := toolSummaries[name]; ok {
			fmt.Fprintf(b, "- %s: %s\n", name, desc)
			listed++
		}
	}
	if listed == 0 {
		b.WriteString("- (none)\n")
	}
	b.guidelines()
}

func (b *promptBuilder) guidelines() {
	b.WriteString("\nGuidelines:\n")

	var g []string
	switch {
	case b.active["bash"] && (b.active["grep"] || b.active["find"] || b.active["ls"]):
		g = append(g, "Prefer grep/find/ls tools over bash for file exploration (faster, respects .gitignore)")
	case b.active["bash"]:
		g = append(g, "Use bash for file operations like ls, rg, find")
	}
	if b.active["read"] && b.active["edit"] {
		g = append(g, "Use read to examine files before editing. You must use this tool instead of cat or sed.")
	}
	if b.active["edit"] {
		g = append(g, "Use edit for precise changes (old text must match exactly)")
	}
	if b.active["write"] {
		g = append(g, "Use write only for new files or complete rewrites")
	}
	if b.active["edit"] || b.active["write"] {
		g = append(g, "When summarizing your actions, output plain text directly - do NOT use cat or bash to display what you did")
	}
	g = append(g,
		"Be concise in your responses",
		"Show file paths clearly when working with files",
	)

	for _, line := range g {
		fmt.Fprintf(b, "- %s\n", line)
	}
}

func (b *promptBuilder) projectContext(files []ContextFile) {
	if len(files) == 0 {
		return
	}
	b.WriteString("\n\n# Project Context\n\nProject-specific instructions and guidelines:\n\n")
	for _, f := range files {
		fmt.Fprintf(b, "## %s\n\n%s\n\n", f.Path, f.Content)
	}
}

// skills appends the skills block. Skills are markdown files the model has
// to read off disk, so the section is withheld unless the read tool is
// active.
func (b *promptBuilder) skills(block string) {
	if block == "" || !b.active["read"] {
		return
	}
	b.WriteString("\n\n")
	b.WriteString(block)
}

func (b *promptBuilder) footer(cwd string) {
	now := time.Now().Format("Monday, January 2, 2006 at 3:04:05 PM MST")
	fmt.Fprintf(b, "\nCurrent date and time: %s", now)
	fmt.Fprintf(b, "\nCurrent working directory: %s", cwd)
}

// projectInstructionNames are tried in order; the first hit per directory
// wins.
var projectInstructionNames = []string{"AGENTS.md", "CLAUDE.md"}

// LoadContextFiles reads project instruction files from the global config
// directory and the working directory, at most one per directory.
func LoadContextFiles(cwd string) []ContextFile {
	var out []ContextFile
	seen := map[string]bool{}
	for _, dir := range []string{ConfigDir(), cwd} {
		if dir == "" || seen[dir] {
			continue
		}
		seen[dir] = true
		for _, name := range projectInstructionNames {
			p := filepath.Join(dir, name)
			if data, err := os.ReadFile(p); err == nil {
				out = append(out, ContextFile{Path: p, Content: string(data)})
				break
			}
		}
	}
	return out
}
