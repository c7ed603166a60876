// Package prompts implements /name prompt templates.
//
// A template is a Markdown file in a prompts directory; typing
// /template-name arg1 arg2 in the REPL replaces the message with the
// template body, with argument placeholders filled in:
//
//	$1, $2, ...  positional arguments
//	$@           all arguments joined with spaces
//	$ARGUMENTS   same as $@
//	${@:N}       arguments from Nth onwards (1-indexed)
//	${@:N:L}     L arguments starting at Nth
//
// Templates are discovered in ~/.config/halyard/prompts (or
// $XDG_CONFIG_HOME/halyard/prompts) and {cwd}/.halyard/prompts, with the
// global directory winning name collisions. Files may carry YAML
// frontmatter with a "description" field.
package prompts

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"
)

const projectDir = ".halyard"

// Template is a loaded prompt template.
type Template struct {
	Name        string
	Description string
	Content     string // body after frontmatter
	Source      string // "user" | "project" | "path"
	FilePath    string
}

// LoadTemplates discovers templates from the global and project prompts dirs.
func LoadTemplates(cwd string) []Template {
	var all []Template
	seen := map[string]bool{}
	for _, d := range []struct{ dir, source string }{
		{globalPromptsDir(), "user"},
		{filepath.Join(cwd, projectDir, "prompts"), "project"},
	} {
		for _, t := range loadDir(d.dir, d.source) {
			if seen[t.Name] {
				continue
			}
			seen[t.Name] = true
			all = append(all, t)
		}
	}
	return all
}

// Expand checks whether text begins with /template-name and, if so, expands
// the template with the remaining tokens as arguments.
// Returns the original text unchanged if no matching template is found.
func Expand(text string, templates []Template) string {
	if !strings.HasPrefix(text, "/") {
		return text
	}
	name, argsStr, _ := strings.Cut(text[1:], " ")
	for _, t := range templates {
		if t.Name == name {
			return substitute(t.Content, splitArgs(argsStr))
		}
	}
	return text
}

// splitArgs splits a string into arguments, honoring single and double
// quotes bash-style.
func splitArgs(s string) []string {
	var (
		args  []string
		cur   strings.Builder
		quote rune
	)
	flush := func() {
		if cur.Len() > 0 {
			args = append(args, cur.String())
			cur.Reset()
		}
	}
	for _, c := range s {
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			} else {
				cur.WriteRune(c)
			}
		case c == '"' || c == '\'':
			quote = c
		case c == ' ' || c == '\t':
			flush()
		default:
			cur.WriteRune(c)
		}
	}
	flush()
	return args
}

var (
	positionalPattern = regexp.MustCompile(`\$(\d+)`)
	slicePattern      = regexp.MustCompile(`\$\{@:(\d+)(?::(\d+))?\}`)
)

// substitute replaces placeholders in content with the given arguments.
// Positional $N runs first so $10 reads as argument ten rather than $1
// followed by a literal zero.
func substitute(content string, args []string) string {
	out := positionalPattern.ReplaceAllStringFunc(content, func(m string) string {
		n, _ := strconv.Atoi(m[1:])
		if n >= 1 && n <= len(args) {
			return args[n-1]
		}
		return ""
	})

	out = slicePattern.ReplaceAllStringFunc(out, func(m string) string {
		sub := slicePattern.FindStringSubmatch(m)
		return sliceArgs(args, sub[1], sub[2])
	})

	joined := strings.Join(args, " ")
	out = strings.ReplaceAll(out, "$ARGUMENTS", joined)
	return strings.ReplaceAll(out, "$@", joined)
}

// sliceArgs renders ${@:start} and ${@:start:length} (both 1-indexed).
func sliceArgs(args []string, startStr, lengthStr string) string {
	start, _ := strconv.Atoi(startStr)
	if start < 1 {
		start = 1
	}
	start--
	if start >= len(args) {
		return ""
	}
	end := len(args)
	if lengthStr != "" {
		if length, _ := strconv.Atoi(lengthStr); start+length < end {
			end = start + length
		}
	}
	return strings.Join(args[start:end], " ")
}

func loadDir(dir, source string) []Template {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var templates []Template
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		desc, body := splitFrontmatter(string(data))
		if desc == "" {
			desc = firstLineSummary(body)
		}
		abs, _ := filepath.Abs(path)
		templates = append(templates, Template{
			Name:        strings.TrimSuffix(e.Name(), ".md"),
			Description: desc,
			Content:     body,
			Source:      source,
			FilePath:    abs,
		})
	}
	return templates
}

// firstLineSummary falls back to the body's first non-empty line, clipped
// to 60 characters.
func firstLineSummary(body string) string {
	for _, line := range strings.SplitN(body, "\n", 10) {
		t := strings.TrimSpace(line)
		if t == "" {
			continue
		}
		if len(t) > 60 {
			t = t[:57] + "..."
		}
		return t
	}
	return ""
}

// splitFrontmatter separates an optional YAML frontmatter block from the
// markdown body. Returns ("", content) when there is no frontmatter or the
// YAML does not parse.
func splitFrontmatter(content string) (description, body string) {
	lines := strings.Split(content, "\n")
	if len(lines) < 2 || strings.TrimSpace(lines[0]) != "---" {
		return "", content
	}
	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			end = i
			break
		}
	}
	if end == -1 {
		return "", content
	}

	var fm struct {
		Description string `yaml:"description"`
	}
	if err := yaml.Unmarshal([]byte(strings.Join(lines[1:end], "\n")), &fm); err == nil {
		description = strings.TrimSpace(fm.Description)
	}
	return description, strings.Join(lines[end+1:], "\n")
}

func globalPromptsDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "halyard", "prompts")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "halyard", "prompts")
}
