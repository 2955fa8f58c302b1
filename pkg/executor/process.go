package executor

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"sync"
)

// truncationNotice is appended when the combined output hits the cap.
const truncationNotice = "\n[output truncated at size limit]"

type procResult struct {
	stdout   string
	stderr   string
	exitCode int
	timedOut bool
}

// cappedWriter enforces one shared byte budget across stdout and stderr.
type cappedWriter struct {
	mu        *sync.Mutex
	remaining *int
	buf       bytes.Buffer
	truncated bool
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if *w.remaining <= 0 {
		w.truncated = true
		return len(p), nil
	}
	if len(p) > *w.remaining {
		w.buf.Write(p[:*w.remaining])
		*w.remaining = 0
		w.truncated = true
		return len(p), nil
	}
	w.buf.Write(p)
	*w.remaining -= len(p)
	return len(p), nil
}

func (w *cappedWriter) text() string {
	if w.truncated {
		return w.buf.String() + truncationNotice
	}
	return w.buf.String()
}

// run executes argv with the exec timeout, the given working directory,
// environment, and stdin, capturing stdout and stderr separately under one
// combined size cap.
func (e *Executor) run(ctx context.Context, argv []string, dir string, env []string, stdin []byte) procResult {
	timeout := e.Limits.ExecTimeout()
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = env
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	var mu sync.Mutex
	remaining := e.Limits.MaxOutputBytes
	stdout := &cappedWriter{mu: &mu, remaining: &remaining}
	stderr := &cappedWriter{mu: &mu, remaining: &remaining}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()

	res := procResult{
		stdout:   stdout.text(),
		stderr:   stderr.text(),
		timedOut: errors.Is(cctx.Err(), context.DeadlineExceeded),
	}
	switch {
	case err == nil:
		res.exitCode = 0
	case cmd.ProcessState != nil:
		res.exitCode = cmd.ProcessState.ExitCode()
	default:
		// Spawn failure (missing interpreter, bad wrapper).
		res.exitCode = -1
		if res.stderr == "" {
			res.stderr = err.Error()
		}
	}
	return res
}
