// Package builtin provides the standard agent tools: read, write, edit, bash,
// ls, find, grep, web_search, and web_fetch.
package builtin

import (
	"fmt"
	"slices"
	"strings"
)

const (
	DefaultMaxLines   = 2000
	DefaultMaxBytes   = 50 * 1024 // 50 KB
	GrepMaxLineLength = 500
	contextLines      = 4 // lines of context shown around edits / grep matches

	maxInt = int(^uint(0) >> 1)
)

// TruncationResult describes what happened during a truncation operation.
type TruncationResult struct {
	Content               string
	Truncated             bool
	TruncatedBy           string // "lines" | "bytes" | ""
	TotalLines            int
	TotalBytes            int
	OutputLines           int
	OutputBytes           int
	LastLinePartial       bool
	FirstLineExceedsLimit bool
	MaxLines              int
	MaxBytes              int
}

// FormatSize formats a byte count as a human-readable string.
func FormatSize(bytes int) string {
	switch {
	case bytes < 1024:
		return fmt.Sprintf("%dB", bytes)
	case bytes < 1024*1024:
		return fmt.Sprintf("%.1fKB", float64(bytes)/1024)
	default:
		return fmt.Sprintf("%.1fMB", float64(bytes)/(1024*1024))
	}
}

// TruncateHead keeps the beginning of content up to maxLines or maxBytes.
// It never returns a partial line, except that a first line already larger
// than the byte limit yields empty content with FirstLineExceedsLimit set.
func TruncateHead(content string, maxLines, maxBytes int) TruncationResult {
	lines := strings.Split(content, "\n")
	res := TruncationResult{
		TotalLines: len(lines),
		TotalBytes: len(content),
		MaxLines:   maxLines,
		MaxBytes:   maxBytes,
	}

	if res.TotalLines <= maxLines && res.TotalBytes <= maxBytes {
		res.Content = content
		res.OutputLines = res.TotalLines
		res.OutputBytes = res.TotalBytes
		return res
	}
	res.Truncated = true

	if len(lines[0]) > maxBytes {
		res.TruncatedBy = "bytes"
		res.FirstLineExceedsLimit = true
		return res
	}

	keep := lines
	if len(keep) > maxLines {
		keep = keep[:maxLines]
	}

	res.TruncatedBy = "lines"
	outBytes, n := 0, 0
	for _, line := range keep {
		sep := 0
		if n > 0 {
			sep = 1 // newline separator
		}
		if outBytes+len(line)+sep > maxBytes {
			res.TruncatedBy = "bytes"
			break
		}
		outBytes += len(line) + sep
		n++
	}
	keep = keep[:n]

	if len(keep) >= maxLines && outBytes <= maxBytes {
		res.TruncatedBy = "lines"
	}

	res.Content = strings.Join(keep, "\n")
	res.OutputLines = len(keep)
	res.OutputBytes = len(res.Content)
	return res
}

// TruncateTail keeps the end of content up to maxLines or maxBytes. When the
// final line alone exceeds maxBytes, it returns a partial last line and sets
// LastLinePartial.
func TruncateTail(content string, maxLines, maxBytes int) TruncationResult {
	lines := strings.Split(content, "\n")
	res := TruncationResult{
		TotalLines: len(lines),
		TotalBytes: len(content),
		MaxLines:   maxLines,
		MaxBytes:   maxBytes,
	}

	if res.TotalLines <= maxLines && res.TotalBytes <= maxBytes {
		res.Content = content
		res.OutputLines = res.TotalLines
		res.OutputBytes = res.TotalBytes
		return res
	}
	res.Truncated = true
	res.TruncatedBy = "lines"

	var out []string
	outBytes := 0
	for i := len(lines) - 1; i >= 0 && len(out) < maxLines; i-- {
		line := lines[i]
		sep := 0
		if len(out) > 0 {
			sep = 1
		}
		if outBytes+len(line)+sep > maxBytes {
			res.TruncatedBy = "bytes"
			if len(out) == 0 {
				// Even the final line alone busts the budget; keep its tail.
				partial := tailBytes(line, maxBytes)
				out = append(out, partial)
				outBytes = len(partial)
				res.LastLinePartial = true
			}
			break
		}
		out = append(out, line)
		outBytes += len(line) + sep
	}
	slices.Reverse(out)

	if len(out) >= maxLines && outBytes <= maxBytes {
		res.TruncatedBy = "lines"
	}

	res.Content = strings.Join(out, "\n")
	res.OutputLines = len(out)
	res.OutputBytes = len(res.Content)
	return res
}

// TruncateLine truncates a single line to maxChars, appending "... [truncated]".
func TruncateLine(line string, maxChars int) (text string, wasTruncated bool) {
	runes := []rune(line)
	if len(runes) <= maxChars {
		return line, false
	}
	return string(runes[:maxChars]) + "... [truncated]", true
}

// tailBytes returns the last maxBytes bytes of s, aligned to a UTF-8 rune
// boundary.
func tailBytes(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	start := len(s) - maxBytes
	for start < len(s) && (s[start]&0xc0) == 0x80 {
		start++
	}
	return s[start:]
}
