// Package executor runs verified, model-generated code in a separate OS
// process. The source is materialized into a uniquely named throwaway file
// that is removed on every exit path, including spawn failures.
package executor

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const payloadEnvVar = "LOOM_EVENT_PAYLOAD"

type Result struct {
	// Output is combined stdout and stderr.
	Output string `json:"output"`
	// ExitedCleanly reports whether the process exited with status zero.
	// A dirty exit is an execution failure to surface, not a Go error.
	ExitedCleanly bool `json:"exitedCleanly"`
}

type Executor interface {
	Execute(ctx context.Context, source string, payload json.RawMessage) (Result, error)
}

// ProcessRunner spawns the configured runner (node by default) with the
// parent's environment. The event payload, when present, is injected both as
// an environment variable and as the ambient `payload` global the code may
// reference.
type ProcessRunner struct {
	command []string
	dir     string
	timeout time.Duration
}

type Option func(*ProcessRunner)

func WithDir(dir string) Option {
	return func(r *ProcessRunner) {
		if strings.TrimSpace(dir) != "" {
			r.dir = dir
		}
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(r *ProcessRunner) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

func NewProcessRunner(command []string, opts ...Option) (*ProcessRunner, error) {
	if len(command) == 0 || strings.TrimSpace(command[0]) == "" {
		return nil, fmt.Errorf("runner command is required")
	}
	r := &ProcessRunner{
		command: append([]string(nil), command...),
		dir:     os.TempDir(),
		timeout: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *ProcessRunner) Execute(ctx context.Context, source string, payload json.RawMessage) (Result, error) {
	path := filepath.Join(r.dir, jobFileName())
	if err := os.WriteFile(path, []byte(prelude+source), 0o600); err != nil {
		return Result{}, fmt.Errorf("failed to materialize job file: %w", err)
	}
	defer os.Remove(path)

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	args := append(append([]string(nil), r.command[1:]...), path)
	cmd := exec.CommandContext(ctx, r.command[0], args...)
	cmd.Env = append(os.Environ(), payloadEnvVar+"="+payloadJSON(payload))

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	runErr := cmd.Run()
	result := Result{Output: output.String()}
	if runErr == nil {
		result.ExitedCleanly = true
		return result, nil
	}
	// A timeout or cancellation also surfaces as an ExitError (the process
	// is killed), so the context has to be checked first.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, fmt.Errorf("execution aborted: %w", ctxErr)
	}
	if _, ok := runErr.(*exec.ExitError); ok {
		return result, nil
	}
	return Result{}, fmt.Errorf("failed to spawn runner %q: %w", r.command[0], runErr)
}

// prelude exposes the trigger payload as an ambient value before any of the
// generated code runs.
const prelude = `globalThis.payload = JSON.parse(process.env.` + payloadEnvVar + ` || "null");
`

func payloadJSON(payload json.RawMessage) string {
	if len(payload) == 0 {
		return "null"
	}
	return string(payload)
}

// jobFileName is timestamped to the nanosecond plus a random suffix so
// concurrent executions never collide on the throwaway name.
func jobFileName() string {
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	return fmt.Sprintf("job-%d-%s.mjs", time.Now().UnixNano(), hex.EncodeToString(buf[:]))
}
