package compact

import (
	"sort"
	"strings"

	"github.com/halyard-dev/halyard/pkg/llm"
	"github.com/halyard-dev/halyard/pkg/session"
)

// Tool names whose "path" argument marks a file as read or modified. The
// summary carries these across the cut so the model keeps track of which
// files it has already seen or touched.
var (
	readTools   = map[string]bool{"read": true}
	modifyTools = map[string]bool{"write": true, "edit": true}
)

// ExtractFileOperations scans assistant tool calls for file activity.
func ExtractFileOperations(msgs []llm.Message) session.CompactionDetails {
	var d session.CompactionDetails
	for _, m := range msgs {
		am, ok := m.(llm.AssistantMessage)
		if !ok {
			continue
		}
		for _, tc := range am.ToolCalls() {
			path, _ := tc.Arguments["path"].(string)
			if path == "" {
				continue
			}
			switch {
			case readTools[tc.Name]:
				d.ReadFiles = append(d.ReadFiles, path)
			case modifyTools[tc.Name]:
				d.ModifiedFiles = append(d.ModifiedFiles, path)
			}
		}
	}
	d.ReadFiles = dedupe(d.ReadFiles)
	d.ModifiedFiles = dedupe(d.ModifiedFiles)
	return d
}

// MergeDetails unions two detail sets, as when a new compaction folds in the
// details recorded by a previous one.
func MergeDetails(a, b session.CompactionDetails) session.CompactionDetails {
	return session.CompactionDetails{
		ReadFiles:     dedupe(append(append([]string(nil), a.ReadFiles...), b.ReadFiles...)),
		ModifiedFiles: dedupe(append(append([]string(nil), a.ModifiedFiles...), b.ModifiedFiles...)),
	}
}

func dedupe(paths []string) []string {
	if len(paths) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// fileOpsSection renders the details as a Markdown section appended to the
// summary, or "" when there was no file activity.
func fileOpsSection(d session.CompactionDetails) string {
	if len(d.ReadFiles) == 0 && len(d.ModifiedFiles) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("\n\n## File Operations\n")
	if len(d.ReadFiles) > 0 {
		sb.WriteString("\nFiles read:\n")
		for _, p := range d.ReadFiles {
			sb.WriteString("- ")
			sb.WriteString(p)
			sb.WriteByte('\n')
		}
	}
	if len(d.ModifiedFiles) > 0 {
		sb.WriteString("\nFiles modified:\n")
		for _, p := range d.ModifiedFiles {
			sb.WriteString("- ")
			sb.WriteString(p)
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}
