package builtin

// Path resolution and text normalization shared by the file tools.

import (
	"os"
	"path/filepath"
	"strings"
)

// resolvePath resolves a user-supplied path relative to cwd, with ~ expansion
// and a leading @ stripped (at-mention form).
func resolvePath(p, cwd string) string {
	p = strings.TrimPrefix(strings.TrimSpace(p), "@")

	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[1:])
		}
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(cwd, p)
}

var lineEndingNormalizer = strings.NewReplacer("\r\n", "\n", "\r", "\n")

// normalizeToLF rewrites CRLF and lone CR line endings to LF.
func normalizeToLF(s string) string {
	return lineEndingNormalizer.Replace(s)
}

// detectLineEnding reports the content's line ending convention: "\r\n" when
// the first line break is a Windows one, "\n" otherwise.
func detectLineEnding(s string) string {
	i := strings.IndexByte(s, '\n')
	if i > 0 && s[i-1] == '\r' {
		return "\r\n"
	}
	return "\n"
}

// restoreLineEndings converts LF-normalized content back to the ending
// detectLineEnding reported.
func restoreLineEndings(s, ending string) string {
	if ending == "\n" {
		return s
	}
	return strings.ReplaceAll(s, "\n", ending)
}

const utf8BOM = "\uFEFF"

// stripBOM removes a leading UTF-8 BOM if present and returns it separately.
func stripBOM(s string) (bom, text string) {
	if rest, ok := strings.CutPrefix(s, utf8BOM); ok {
		return utf8BOM, rest
	}
	return "", s
}
