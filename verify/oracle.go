// Package verify wraps an external static-verification tool used as a
// pre-execution gate for model-generated code. The oracle is stateless:
// source text in, pass/fail plus diagnostics out. Code that fails
// verification is never executed.
package verify

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

type Result struct {
	Valid       bool   `json:"valid"`
	Diagnostics string `json:"diagnostics,omitempty"`
}

type Oracle interface {
	Verify(ctx context.Context, source string) (Result, error)
}

// CommandOracle runs a checker argv (for example "node --check") against the
// source materialized into a temp file. A non-zero exit is a verification
// failure, not a Go error; errors are reserved for infrastructure problems
// such as a missing checker binary.
type CommandOracle struct {
	command []string
	dir     string
	timeout time.Duration
}

type Option func(*CommandOracle)

func WithDir(dir string) Option {
	return func(o *CommandOracle) {
		if strings.TrimSpace(dir) != "" {
			o.dir = dir
		}
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(o *CommandOracle) {
		if timeout > 0 {
			o.timeout = timeout
		}
	}
}

func NewCommandOracle(command []string, opts ...Option) (*CommandOracle, error) {
	if len(command) == 0 || strings.TrimSpace(command[0]) == "" {
		return nil, fmt.Errorf("checker command is required")
	}
	o := &CommandOracle{
		command: append([]string(nil), command...),
		dir:     os.TempDir(),
		timeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

func (o *CommandOracle) Verify(ctx context.Context, source string) (Result, error) {
	file, err := os.CreateTemp(o.dir, "check-*.mjs")
	if err != nil {
		return Result{}, fmt.Errorf("failed to create check file: %w", err)
	}
	path := file.Name()
	defer os.Remove(path)

	if _, err := file.WriteString(source); err != nil {
		_ = file.Close()
		return Result{}, fmt.Errorf("failed to write check file: %w", err)
	}
	if err := file.Close(); err != nil {
		return Result{}, fmt.Errorf("failed to close check file: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	args := append(append([]string(nil), o.command[1:]...), path)
	cmd := exec.CommandContext(ctx, o.command[0], args...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	runErr := cmd.Run()
	if runErr == nil {
		return Result{Valid: true}, nil
	}
	if _, ok := runErr.(*exec.ExitError); ok {
		return Result{
			Valid:       false,
			Diagnostics: sanitizeDiagnostics(output.String(), path),
		}, nil
	}
	return Result{}, fmt.Errorf("checker %q failed to run: %w", o.command[0], runErr)
}

// sanitizeDiagnostics strips the throwaway file path from checker output so
// diagnostics reference the code, not our temp layout.
func sanitizeDiagnostics(out, path string) string {
	out = strings.ReplaceAll(out, path, filepath.Base(path))
	return strings.TrimSpace(out)
}
