package builtin

import (
	"os"
	"path/filepath"
	"strings"
)

// skipDirName matches VCS and dependency directories never worth walking.
func skipDirName(name string) bool {
	switch name {
	case ".git", ".hg", ".svn", "node_modules":
		return true
	}
	return false
}

// gitIgnoreRules is a deliberately small .gitignore subset: the root file
// only, no negations, directory rules end with "/".
type gitIgnoreRules struct {
	patterns []string
}

func loadGitignore(root string) gitIgnoreRules {
	data, err := os.ReadFile(filepath.Join(root, ".gitignore"))
	if err != nil {
		return gitIgnoreRules{}
	}
	var patterns []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
			continue
		}
		patterns = append(patterns, line)
	}
	return gitIgnoreRules{patterns: patterns}
}

func (g gitIgnoreRules) matchesDir(absPath, root string) bool {
	return g.match(absPath, root, true)
}

func (g gitIgnoreRules) matchesFile(absPath, root string) bool {
	return g.match(absPath, root, false)
}

// match tries every pattern against both the base name and the
// root-relative path. Directory rules ("build/") never match files; a file
// rule may still match a directory, mirroring gitignore.
func (g gitIgnoreRules) match(absPath, root string, dir bool) bool {
	rel, _ := filepath.Rel(root, absPath)
	name := filepath.Base(absPath)
	for _, p := range g.patterns {
		if strings.HasSuffix(p, "/") && !dir {
			continue
		}
		clean := strings.TrimSuffix(p, "/")
		if ok, _ := filepath.Match(clean, name); ok {
			return true
		}
		if ok, _ := filepath.Match(clean, filepath.ToSlash(rel)); ok {
			return true
		}
	}
	return false
}

// matchGlob matches against the filename for simple patterns and against
// the root-relative path when the pattern contains **.
func matchGlob(pattern, name, absPath, root string) (bool, error) {
	if !strings.Contains(pattern, "**") {
		return filepath.Match(pattern, name)
	}
	rel, err := filepath.Rel(root, absPath)
	if err != nil {
		return false, err
	}
	return doubleStarMatch(pattern, filepath.ToSlash(rel))
}

// doubleStarMatch handles the common ** shapes (**/*.go, src/**/*.ts): the
// literal head must prefix the path, and the tail is aligned against the
// same number of trailing path segments, with ** absorbing any directories
// in between, including none.
func doubleStarMatch(pattern, path string) (bool, error) {
	segs := strings.Split(pattern, "**")
	if len(segs) == 1 {
		return filepath.Match(pattern, path)
	}
	head, tail := segs[0], segs[len(segs)-1]
	if head != "" {
		if !strings.HasPrefix(path, head) {
			return false, nil
		}
		path = path[len(head):]
	}
	tail = strings.TrimPrefix(tail, "/")
	if tail == "" || strings.HasSuffix(path, tail) {
		return true, nil
	}
	if ok, _ := filepath.Match(tail, path); ok {
		return true, nil
	}
	if n := strings.Count(tail, "/"); n > 0 {
		parts := strings.Split(path, "/")
		if len(parts) < n+1 {
			return false, nil
		}
		ok, _ := filepath.Match(tail, strings.Join(parts[len(parts)-n-1:], "/"))
		return ok, nil
	}
	ok, _ := filepath.Match(tail, filepath.Base(path))
	return ok, nil
}

// binaryExt lists extensions the search tools never read.
var binaryExt = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true,
	".ico": true, ".svg": true, ".pdf": true, ".zip": true, ".tar": true,
	".gz": true, ".bz2": true, ".xz": true, ".7z": true, ".rar": true,
	".exe": true, ".dll": true, ".so": true, ".dylib": true,
	".wasm": true, ".bin": true, ".db": true, ".sqlite": true,
	".mp3": true, ".mp4": true, ".mov": true, ".avi": true,
}

func isTextFile(name string) bool {
	return !binaryExt[strings.ToLower(filepath.Ext(name))]
}
