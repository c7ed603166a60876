package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuildSystemPrompt_GuidanceFollowsActiveTools(t *testing.T) {
	cases := []struct {
		name   string
		tools  []string
		want   []string
		absent []string
	}{
		{
			name:  "core editing set",
			tools: []string{"read", "bash", "edit", "write"},
			want: []string{
				"read: Read file contents",
				"edit: Make surgical edits",
				"Use read to examine files before editing",
				"Use edit for precise changes",
				"Use write only for new files",
			},
			absent: []string{"Prefer grep/find"},
		},
		{
			name:  "full explorer set",
			tools: []string{"read", "bash", "edit", "write", "grep", "find", "ls"},
			want:  []string{"Prefer grep/find/ls tools over bash"},
		},
		{
			name:   "bash only",
			tools:  []string{"bash"},
			want:   []string{"Use bash for file operations"},
			absent: []string{"Use edit for precise changes"},
		},
		{
			name:  "nothing registered",
			tools: nil,
			want:  []string{"- (none)"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			prompt := BuildSystemPrompt(SystemPromptOptions{
				ActiveTools:  tc.tools,
				Cwd:          "/work",
				ContextFiles: []ContextFile{},
			})
			for _, want := range tc.want {
				if !strings.Contains(prompt, want) {
					t.Errorf("prompt missing %q", want)
				}
			}
			for _, no := range tc.absent {
				if strings.Contains(prompt, no) {
					t.Errorf("prompt should not contain %q", no)
				}
			}
		})
	}
}

func TestBuildSystemPrompt_CustomReplacesPreamble(t *testing.T) {
	prompt := BuildSystemPrompt(SystemPromptOptions{
		CustomPrompt: "You are a pirate.",
		ActiveTools:  []string{"read"},
		Cwd:          "/arr",
		ContextFiles: []ContextFile{},
	})
	if !strings.Contains(prompt, "You are a pirate.") {
		t.Error("custom prompt missing")
	}
	if strings.Contains(prompt, "expert coding assistant") {
		t.Error("default preamble should be replaced")
	}
	if !strings.Contains(prompt, "Current working directory: /arr") {
		t.Error("footer should survive a custom prompt")
	}
}

func TestBuildSystemPrompt_AppendKeepsPreamble(t *testing.T) {
	prompt := BuildSystemPrompt(SystemPromptOptions{
		AppendPrompt: "Always answer in French.",
		Cwd:          "/work",
		ContextFiles: []ContextFile{},
	})
	if !strings.Contains(prompt, "Always answer in French.") {
		t.Error("appended text missing")
	}
	if !strings.Contains(prompt, "expert coding assistant") {
		t.Error("append must not replace the preamble")
	}
}

func TestBuildSystemPrompt_Footer(t *testing.T) {
	prompt := BuildSystemPrompt(SystemPromptOptions{Cwd: "/work", ContextFiles: []ContextFile{}})
	if !strings.Contains(prompt, "Current date and time:") {
		t.Error("date line missing")
	}
	if !strings.Contains(prompt, "Current working directory: /work") {
		t.Error("cwd line missing")
	}
}

func TestBuildSystemPrompt_ProjectContextSection(t *testing.T) {
	prompt := BuildSystemPrompt(SystemPromptOptions{
		Cwd: "/work",
		ContextFiles: []ContextFile{
			{Path: "/work/AGENTS.md", Content: "Do not delete prod."},
		},
	})
	if !strings.Contains(prompt, "# Project Context") {
		t.Error("project context heading missing")
	}
	if !strings.Contains(prompt, "Do not delete prod.") {
		t.Error("context file content missing")
	}
}

func TestBuildSystemPrompt_SkillsNeedReadTool(t *testing.T) {
	block := "<available_skills>...</available_skills>"

	withRead := BuildSystemPrompt(SystemPromptOptions{
		ActiveTools:  []string{"read", "bash"},
		Cwd:          "/work",
		ContextFiles: []ContextFile{},
		SkillsBlock:  block,
	})
	if !strings.Contains(withRead, block) {
		t.Error("skills block should appear when read is active")
	}

	withoutRead := BuildSystemPrompt(SystemPromptOptions{
		ActiveTools:  []string{"bash"},
		Cwd:          "/work",
		ContextFiles: []ContextFile{},
		SkillsBlock:  block,
	})
	if strings.Contains(withoutRead, block) {
		t.Error("skills block requires the read tool")
	}
}

func TestLoadContextFiles_FirstNameWins(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "AGENTS.md"), []byte("agents"), 0o644)
	os.WriteFile(filepath.Join(dir, "CLAUDE.md"), []byte("claude"), 0o644)

	files := LoadContextFiles(dir)
	var got *ContextFile
	for i := range files {
		if strings.HasPrefix(files[i].Path, dir) {
			got = &files[i]
		}
	}
	if got == nil {
		t.Fatal("no context file found in cwd")
	}
	if got.Content != "agents" {
		t.Errorf("AGENTS.md should win over CLAUDE.md, got %q", got.Content)
	}
}
