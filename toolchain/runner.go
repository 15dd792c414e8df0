package toolchain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// ProcessRunError reports an external command that exited unsuccessfully.
type ProcessRunError struct {
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *ProcessRunError) Error() string {
	msg := fmt.Sprintf("command %q exited with code %d", strings.Join(e.Args, " "), e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

const maxStderr = 2048

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	log *slog.Logger
	// Env is appended to the environment of every command.
	Env []string
}

func NewExecRunner(log *slog.Logger) *ExecRunner {
	return &ExecRunner{log: log}
}

func (r *ExecRunner) Run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	if len(args) == 0 {
		return nil, errors.New("empty command")
	}

	r.log.Debug("Running command", "cmd", strings.Join(args, " "), "dir", dir)

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = dir
	if len(r.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil, &ProcessRunError{
			Args:     args,
			ExitCode: exitErr.ExitCode(),
			Stderr:   tail(stderr.String(), maxStderr),
		}
	} else if err != nil {
		return nil, fmt.Errorf("could not run %s: %w", args[0], err)
	}

	return stdout.Bytes(), nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return s[len(s)-n:]
	}
	return s
}
