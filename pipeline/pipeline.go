// Package pipeline is the verification-then-execution path for
// model-generated code. Code is handed to the verification oracle first;
// on failure the diagnostics come back and the code is never executed.
// Verified scripts run exactly once, here. Verified workflows are not run:
// they come back as a definition ready to persist.
package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/google/uuid"

	"github.com/loomhq/loom/executor"
	"github.com/loomhq/loom/schedule"
	"github.com/loomhq/loom/store"
	"github.com/loomhq/loom/verify"
)

type Kind string

const (
	KindScript   Kind = "script"
	KindWorkflow Kind = "workflow"
)

// ValidationError marks caller mistakes (bad trigger config, missing entry
// point). It is surfaced immediately and never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func validationErrorf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

type Submission struct {
	Kind        Kind
	Description string
	Source      string

	CronSchedule string
	Webhook      *store.WebhookTrigger
}

type Result struct {
	// Verified is false when the oracle rejected the source; Diagnostics
	// then carries the checker output and nothing was executed.
	Verified    bool
	Diagnostics string

	// Script results. RunOutput and RunError are bounded snippets.
	RunOutput string
	RunError  string

	// Workflow definition ready for the caller to persist. Never executed
	// by the pipeline.
	Workflow *store.Workflow
}

type Pipeline struct {
	oracle       verify.Oracle
	runner       executor.Executor
	snippetLines int
	now          func() time.Time
}

type Option func(*Pipeline)

func WithSnippetLines(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.snippetLines = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

func New(oracle verify.Oracle, runner executor.Executor, opts ...Option) (*Pipeline, error) {
	if oracle == nil {
		return nil, fmt.Errorf("verification oracle is required")
	}
	if runner == nil {
		return nil, fmt.Errorf("executor is required")
	}
	p := &Pipeline{
		oracle:       oracle,
		runner:       runner,
		snippetLines: 10,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Pipeline) Submit(ctx context.Context, sub Submission) (Result, error) {
	if strings.TrimSpace(sub.Source) == "" {
		return Result{}, validationErrorf("source is required")
	}

	switch sub.Kind {
	case KindScript:
		if sub.CronSchedule != "" || sub.Webhook != nil {
			return Result{}, validationErrorf("scripts do not take trigger configuration")
		}
	case KindWorkflow:
		if err := p.validateTrigger(sub); err != nil {
			return Result{}, err
		}
	default:
		return Result{}, validationErrorf("unknown submission kind %q", sub.Kind)
	}

	checked, err := p.oracle.Verify(ctx, sub.Source)
	if err != nil {
		return Result{}, fmt.Errorf("verification oracle failed: %w", err)
	}
	if !checked.Valid {
		return Result{Verified: false, Diagnostics: checked.Diagnostics}, nil
	}

	if sub.Kind == KindScript {
		return p.runScript(ctx, sub.Source)
	}
	return p.buildWorkflow(sub)
}

func (p *Pipeline) validateTrigger(sub Submission) error {
	return ValidateTrigger(sub.CronSchedule, sub.Webhook)
}

// ValidateTrigger checks a trigger configuration without touching any state.
// Cron and webhook triggers are mutually exclusive; filter expressions must
// compile.
func ValidateTrigger(cronSchedule string, hook *store.WebhookTrigger) error {
	if cronSchedule != "" && hook != nil {
		return validationErrorf("cron schedule and webhook trigger are mutually exclusive")
	}
	if cronSchedule != "" {
		if err := schedule.Validate(cronSchedule); err != nil {
			return validationErrorf("invalid cron schedule: %v", err)
		}
	}
	if hook != nil {
		if hook.Plugin == "" || hook.Action == "" {
			return validationErrorf("webhook trigger requires plugin and action")
		}
		if hook.Filter != "" {
			if _, err := expr.Compile(hook.Filter, expr.AllowUndefinedVariables()); err != nil {
				return validationErrorf("invalid webhook filter: %v", err)
			}
		}
	}
	return nil
}

func (p *Pipeline) runScript(ctx context.Context, source string) (Result, error) {
	run, err := p.runner.Execute(ctx, source, nil)
	if err != nil {
		return Result{}, fmt.Errorf("script execution failed: %w", err)
	}
	result := Result{Verified: true}
	if run.ExitedCleanly {
		result.RunOutput = Snippet(run.Output, p.snippetLines)
	} else {
		result.RunError = Snippet(run.Output, p.snippetLines)
		if result.RunError == "" {
			result.RunError = "process exited with a non-zero status"
		}
	}
	return result, nil
}

func (p *Pipeline) buildWorkflow(sub Submission) (Result, error) {
	entry, err := EntryPoint(sub.Source)
	if err != nil {
		return Result{}, err
	}

	now := p.now().UTC()
	wf := &store.Workflow{
		ID:          uuid.NewString(),
		Name:        entry,
		Description: strings.TrimSpace(sub.Description),
		SourceCode:  sub.Source,
		TriggerType: store.TriggerManual,
		Status:      store.StatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	switch {
	case sub.CronSchedule != "":
		wf.TriggerType = store.TriggerCron
		wf.CronSchedule = sub.CronSchedule
		next, err := schedule.NextRun(sub.CronSchedule, now)
		if err != nil {
			return Result{}, validationErrorf("invalid cron schedule: %v", err)
		}
		wf.NextRunAt = &next
	case sub.Webhook != nil:
		wf.TriggerType = store.TriggerWebhook
		hook := *sub.Webhook
		wf.Webhook = &hook
	}

	return Result{Verified: true, Workflow: wf}, nil
}

var entryPattern = regexp.MustCompile(`(?m)^\s*export\s+async\s+function\s+([A-Za-z_$][A-Za-z0-9_$]*)\s*\(`)

// EntryPoint extracts the workflow's callable entry-point name. Exactly one
// exported async function is required; its name doubles as the workflow name.
func EntryPoint(source string) (string, error) {
	matches := entryPattern.FindAllStringSubmatch(source, -1)
	switch len(matches) {
	case 0:
		return "", validationErrorf("workflow source must export exactly one async function; found none")
	case 1:
		return matches[0][1], nil
	default:
		names := make([]string, 0, len(matches))
		for _, m := range matches {
			names = append(names, m[1])
		}
		return "", validationErrorf("workflow source must export exactly one async function; found %d (%s)", len(matches), strings.Join(names, ", "))
	}
}

// Snippet bounds untrusted process output before it travels upstream: only
// the first n non-empty trimmed lines survive.
func Snippet(output string, n int) string {
	if n <= 0 {
		return ""
	}
	var lines []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lines = append(lines, line)
		if len(lines) == n {
			break
		}
	}
	return strings.Join(lines, "\n")
}
