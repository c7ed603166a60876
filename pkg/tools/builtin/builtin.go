package builtin

import (
	"github.com/halyard-dev/halyard/pkg/tools"
)

// Preset names a bundle of built-in tools that register together.
// Individual constructors stay exported so callers can mix and match
// instead, e.g. reg.Register(builtin.NewReadTool(cwd)).
type Preset string

const (
	// PresetCoding: read, bash, edit, write. The default for an agent
	// that modifies files.
	PresetCoding Preset = "coding"

	// PresetReadOnly: read, grep, find, ls. Exploration without writes.
	PresetReadOnly Preset = "readonly"

	// PresetAll: every built-in tool, web search and fetch included.
	PresetAll Preset = "all"

	// PresetWeb: web_search and web_fetch only.
	PresetWeb Preset = "web"

	// PresetNone: nothing. Useful when only plugin tools are wanted.
	PresetNone Preset = "none"
)

// Register adds the tools for the given preset to the registry.
// cwd is the working directory all file tools operate from; empty
// means the process working directory.
func Register(reg *tools.Registry, preset Preset, cwd string) {
	if cwd == "" {
		cwd = "."
	}
	for _, tool := range presetTools(preset, cwd) {
		reg.Register(tool)
	}
}

func presetTools(preset Preset, cwd string) []tools.Tool {
	switch preset {
	case PresetCoding:
		return []tools.Tool{NewReadTool(cwd), NewBashTool(cwd), NewEditTool(cwd), NewWriteTool(cwd)}
	case PresetReadOnly:
		return []tools.Tool{NewReadTool(cwd), NewGrepTool(cwd), NewFindTool(cwd), NewLsTool(cwd)}
	case PresetWeb:
		return []tools.Tool{NewWebSearchTool(), NewWebFetchTool()}
	case PresetAll:
		set := []tools.Tool{
			NewReadTool(cwd), NewBashTool(cwd), NewEditTool(cwd), NewWriteTool(cwd),
			NewGrepTool(cwd), NewFindTool(cwd), NewLsTool(cwd),
		}
		return append(set, NewWebSearchTool(), NewWebFetchTool())
	}
	return nil
}
