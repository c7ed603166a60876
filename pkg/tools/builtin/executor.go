package builtin

import (
	"context"
	"errors"
	"os/exec"
)

// Executor abstracts how bash commands run. The default spawns a local
// subprocess; supply another implementation to execute in Docker, over SSH,
// or inside a sandbox.
type Executor interface {
	// Exec runs command in the given working directory. onData is called with
	// chunks of combined stdout+stderr as they arrive; it may be nil (batch
	// mode). It returns the process exit code and any execution error; a
	// non-zero exit code is a command result, not an error.
	Exec(ctx context.Context, command, cwd string, onData func(chunk string)) (exitCode int, err error)
}

// LocalExecutor runs commands in a local bash subprocess.
type LocalExecutor struct{}

func (e *LocalExecutor) Exec(ctx context.Context, command, cwd string, onData func(chunk string)) (int, error) {
	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	if cwd != "" {
		cmd.Dir = cwd
	}

	// Stdout and Stderr share one writer value, so os/exec serializes the
	// Writes and chunks arrive in the order the command produced them.
	out := &chunkWriter{onData: onData}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, err
	}
	return 0, nil
}

// chunkWriter forwards each Write to the onData callback.
type chunkWriter struct {
	onData func(string)
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	if w.onData != nil {
		w.onData(string(p))
	}
	return len(p), nil
}
