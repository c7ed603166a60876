package tools

// Plugin protocol — external tool processes.
//
// A plugin is a standalone executable speaking JSON lines over stdin/stdout:
//
//  1. On startup the agent sends:
//       {"type":"describe"}
//     The plugin responds with its definition:
//       {"name":"...","label":"...","description":"...","parameters":{...}}
//
//  2. For each tool call the agent sends:
//       {"type":"call","call_id":"...","args":{...}}
//     The plugin may stream any number of progress frames:
//       {"type":"update","call_id":"...","content":[{"type":"text","text":"..."}]}
//     and finishes with exactly one result frame:
//       {"type":"result","call_id":"...","content":[...],"error":false}
//
// Frames without a "type" are treated as results (older plugins). Plugins are
// launched once and kept alive for the session; the agent serializes calls to
// a single plugin process. Frames whose call_id belongs to an abandoned call
// (the agent gave up waiting after cancellation) are discarded.

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/halyard-dev/halyard/pkg/llm"
)

// pluginTool wraps a subprocess plugin as a Tool.
type pluginTool struct {
	def    Definition
	mu     sync.Mutex // serializes calls
	cmd    *exec.Cmd
	enc    *json.Encoder
	frames chan pluginFrame
}

type pluginDescribe struct {
	Name        string          `json:"name"`
	Label       string          `json:"label"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type pluginCallRequest struct {
	Type   string         `json:"type"`
	CallID string         `json:"call_id"`
	Args   map[string]any `json:"args"`
}

// pluginFrame is one response line: an update or a result.
type pluginFrame struct {
	Type    string `json:"type"`
	CallID  string `json:"call_id"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error bool `json:"error"`
}

func (f pluginFrame) result() Result {
	var content []llm.ContentBlock
	for _, c := range f.Content {
		if c.Type == "text" {
			content = append(content, llm.TextContent{Type: "text", Text: c.Text})
		}
	}
	return Result{Content: content}
}

// LoadPlugin launches the executable at path, queries its definition, and
// returns a Tool that delegates calls to the subprocess.
func LoadPlugin(path string, args ...string) (Tool, error) {
	cmd := exec.Command(path, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("plugin %s: stdin pipe: %w", path, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("plugin %s: stdout pipe: %w", path, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("plugin %s: start: %w", path, err)
	}

	enc := json.NewEncoder(stdin)
	dec := json.NewDecoder(bufio.NewReader(stdout))

	if err := enc.Encode(map[string]string{"type": "describe"}); err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("plugin %s: describe request: %w", path, err)
	}
	var desc pluginDescribe
	if err := dec.Decode(&desc); err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("plugin %s: describe response: %w", path, err)
	}
	if desc.Name == "" {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("plugin %s: describe response has no name", path)
	}

	pt := &pluginTool{
		def: Definition{
			Name:        desc.Name,
			Label:       desc.Label,
			Description: desc.Description,
			Parameters:  desc.Parameters,
		},
		cmd:    cmd,
		enc:    enc,
		frames: make(chan pluginFrame, 16),
	}

	// One reader goroutine owns the decoder for the plugin's lifetime.
	go func() {
		defer close(pt.frames)
		for {
			var f pluginFrame
			if err := dec.Decode(&f); err != nil {
				return
			}
			pt.frames <- f
		}
	}()

	return pt, nil
}

func (pt *pluginTool) Definition() Definition { return pt.def }

func (pt *pluginTool) Execute(ctx context.Context, callID string, args map[string]any, onUpdate UpdateFn) (Result, error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	req := pluginCallRequest{Type: "call", CallID: callID, Args: args}
	if err := pt.enc.Encode(req); err != nil {
		return ErrorResult(err), fmt.Errorf("plugin %s: send call: %w", pt.def.Name, err)
	}

	for {
		select {
		case f, ok := <-pt.frames:
			if !ok {
				err := fmt.Errorf("plugin %s: process exited", pt.def.Name)
				return ErrorResult(err), err
			}
			// Stale frame from a call abandoned after cancellation.
			if f.CallID != "" && f.CallID != callID {
				continue
			}
			switch f.Type {
			case "update":
				if onUpdate != nil {
					onUpdate(f.result())
				}
			case "result", "":
				res := f.result()
				if f.Error {
					return res, fmt.Errorf("plugin %s: %s", pt.def.Name, res.Text())
				}
				return res, nil
			}
		case <-ctx.Done():
			return ErrorResult(ctx.Err()), ctx.Err()
		}
	}
}

// ClosePlugin terminates the plugin subprocess. Call on agent shutdown.
func ClosePlugin(t Tool) {
	if pt, ok := t.(*pluginTool); ok {
		_ = pt.cmd.Process.Kill()
		_ = pt.cmd.Wait()
	}
}
