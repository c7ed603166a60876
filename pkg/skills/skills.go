// Package skills discovers and loads agent skill files.
//
// A skill is a Markdown file whose YAML frontmatter names it and describes
// when it applies. Discovery lists every skill in the system prompt; the
// agent then reads a skill's file with the read tool when a task matches its
// description.
//
// Skills are discovered in two places:
//
//	~/.config/halyard/skills/   (or $XDG_CONFIG_HOME/halyard/skills/)
//	{cwd}/.halyard/skills/
//
// Each directory may hold root-level .md files or subdirectories containing
// a SKILL.md. Frontmatter:
//
//	---
//	name: my-skill
//	description: Does something useful when X.
//	allowed-tools: read, bash
//	---
//
// name defaults to the subdirectory (for SKILL.md files) or the file basename
// when omitted; it may use only lowercase a-z, 0-9, and single hyphens, and
// must stay within 64 characters. allowed-tools is optional metadata surfaced
// on the Skill for embedders; the runtime does not restrict tool calls by it.
package skills

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"
)

const (
	maxNameLen = 64
	maxDescLen = 1024
	projectDir = ".halyard"
)

// Skill is a loaded skill file.
type Skill struct {
	Name        string
	Description string
	FilePath    string // absolute path (for injecting into system prompt)
	Source      string // "user" | "project" | "path"

	// AllowedTools is the parsed allowed-tools frontmatter list, empty when
	// the skill does not declare one.
	AllowedTools []string
}

// frontmatter is the YAML block between the leading --- delimiters.
type frontmatter struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	AllowedTools toolList `yaml:"allowed-tools"`
}

// toolList accepts either a YAML sequence or a comma-separated scalar, since
// skill authors write both forms.
type toolList []string

func (l *toolList) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var seq []string
	if err := unmarshal(&seq); err == nil {
		*l = seq
		return nil
	}
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			*l = append(*l, p)
		}
	}
	return nil
}

// LoadSkills discovers skills from the global halyard directory and the
// project working directory. Name collisions resolve first-write-wins, so
// global skills shadow project skills. The result is sorted by name to keep
// the injected prompt block byte-stable across runs.
func LoadSkills(cwd string) []Skill {
	return mergeSkills(
		loadDir(globalSkillsDir(), "user"),
		loadDir(filepath.Join(cwd, projectDir, "skills"), "project"),
	)
}

// LoadSkillsFromDirs loads skills from explicit directories in addition to
// the defaults. Useful for tests or CLI overrides. Default locations shadow
// the extra directories on name collisions.
func LoadSkillsFromDirs(cwd string, extra ...string) []Skill {
	sets := [][]Skill{
		loadDir(globalSkillsDir(), "user"),
		loadDir(filepath.Join(cwd, projectDir, "skills"), "project"),
	}
	for _, dir := range extra {
		sets = append(sets, loadDir(dir, "path"))
	}
	return mergeSkills(sets...)
}

func mergeSkills(sets ...[]Skill) []Skill {
	seen := map[string]bool{}
	var out []Skill
	for _, set := range sets {
		for _, s := range set {
			if seen[s.Name] {
				continue
			}
			seen[s.Name] = true
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// FormatSkillsForPrompt returns the <available_skills> XML block to inject
// into the system prompt, following the Agent Skills standard.
func FormatSkillsForPrompt(skills []Skill) string {
	if len(skills) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("\n\nThe following skills provide specialized instructions for specific tasks.\n")
	sb.WriteString("Use the read tool to load a skill's file when the task matches its description.\n")
	sb.WriteString("When a skill file references a relative path, resolve it against the skill directory")
	sb.WriteString(" (parent of SKILL.md / dirname of the path) and use that absolute path in tool commands.\n")
	sb.WriteString("\n<available_skills>\n")
	for _, s := range skills {
		sb.WriteString("  <skill>\n")
		fmt.Fprintf(&sb, "    <name>%s</name>\n", xmlEscaper.Replace(s.Name))
		fmt.Fprintf(&sb, "    <description>%s</description>\n", xmlEscaper.Replace(s.Description))
		fmt.Fprintf(&sb, "    <location>%s</location>\n", xmlEscaper.Replace(s.FilePath))
		sb.WriteString("  </skill>\n")
	}
	sb.WriteString("</available_skills>")
	return sb.String()
}

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

// ---------------------------------------------------------------------------
// Discovery
// ---------------------------------------------------------------------------

// candidate is a path that may hold a skill, plus the name the skill gets
// when its frontmatter does not set one.
type candidate struct {
	path string
	name string
}

func discover(dir string) []candidate {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var found []candidate
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		switch {
		case e.IsDir():
			found = append(found, candidate{
				path: filepath.Join(dir, e.Name(), "SKILL.md"),
				name: e.Name(),
			})
		case strings.HasSuffix(e.Name(), ".md"):
			found = append(found, candidate{
				path: filepath.Join(dir, e.Name()),
				name: strings.TrimSuffix(e.Name(), ".md"),
			})
		}
	}
	return found
}

// loadDir loads every valid skill under dir; unreadable or invalid files are
// skipped silently since skill directories hold unrelated files too.
func loadDir(dir, source string) []Skill {
	var out []Skill
	for _, c := range discover(dir) {
		if s, ok := parseSkillFile(c.path, c.name, source); ok {
			out = append(out, s)
		}
	}
	return out
}

func parseSkillFile(path, fallbackName, source string) (Skill, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Skill{}, false
	}

	block, ok := splitFrontmatter(string(data))
	if !ok {
		return Skill{}, false
	}
	var fm frontmatter
	if err := yaml.Unmarshal([]byte(block), &fm); err != nil {
		return Skill{}, false
	}

	name := fm.Name
	if name == "" {
		name = fallbackName
	}
	// Folded and literal YAML scalars keep a trailing newline.
	desc := strings.TrimSpace(fm.Description)

	if desc == "" || len(desc) > maxDescLen {
		return Skill{}, false
	}
	if len(name) > maxNameLen || !isValidName(name) {
		return Skill{}, false
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	return Skill{
		Name:         name,
		Description:  desc,
		FilePath:     abs,
		Source:       source,
		AllowedTools: fm.AllowedTools,
	}, true
}

// splitFrontmatter extracts the YAML block between the leading --- delimiters.
// ok is false when the file has no frontmatter or the block never closes.
func splitFrontmatter(content string) (string, bool) {
	lines := strings.Split(content, "\n")
	if len(lines) < 2 || strings.TrimSpace(lines[0]) != "---" {
		return "", false
	}
	for i, l := range lines[1:] {
		if strings.TrimSpace(l) == "---" {
			return strings.Join(lines[1:i+1], "\n"), true
		}
	}
	return "", false
}

// Skill names are lowercase alphanumeric runs joined by single hyphens.
var skillNamePattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

func isValidName(name string) bool {
	return skillNamePattern.MatchString(name)
}

func globalSkillsDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "halyard", "skills")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "halyard", "skills")
}
