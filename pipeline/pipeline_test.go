package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/loomhq/loom/executor"
	"github.com/loomhq/loom/store"
	"github.com/loomhq/loom/verify"
)

type fakeOracle struct {
	valid       bool
	diagnostics string
	err         error
	calls       int
}

func (f *fakeOracle) Verify(ctx context.Context, source string) (verify.Result, error) {
	_ = ctx
	_ = source
	f.calls++
	if f.err != nil {
		return verify.Result{}, f.err
	}
	return verify.Result{Valid: f.valid, Diagnostics: f.diagnostics}, nil
}

type fakeExecutor struct {
	result executor.Result
	err    error
	calls  int
}

func (f *fakeExecutor) Execute(ctx context.Context, source string, payload json.RawMessage) (executor.Result, error) {
	_ = ctx
	_ = source
	_ = payload
	f.calls++
	if f.err != nil {
		return executor.Result{}, f.err
	}
	return f.result, nil
}

func TestSubmit_VerificationFailureNeverExecutes(t *testing.T) {
	oracle := &fakeOracle{valid: false, diagnostics: "SyntaxError: unexpected token"}
	exec := &fakeExecutor{}
	p, err := New(oracle, exec)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := p.Submit(context.Background(), Submission{Kind: KindScript, Source: "cons0le.log(1)"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Verified {
		t.Fatal("expected Verified=false")
	}
	if res.Diagnostics != "SyntaxError: unexpected token" {
		t.Fatalf("diagnostics = %q", res.Diagnostics)
	}
	if exec.calls != 0 {
		t.Fatalf("executor was invoked %d times for unverified source", exec.calls)
	}
}

func TestSubmit_ScriptExecutedExactlyOnce(t *testing.T) {
	oracle := &fakeOracle{valid: true}
	exec := &fakeExecutor{result: executor.Result{Output: "hello\nworld", ExitedCleanly: true}}
	p, err := New(oracle, exec)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := p.Submit(context.Background(), Submission{Kind: KindScript, Source: "console.log('hello')"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !res.Verified {
		t.Fatal("expected Verified=true")
	}
	if exec.calls != 1 {
		t.Fatalf("executor calls = %d, want 1", exec.calls)
	}
	if res.RunOutput != "hello\nworld" {
		t.Fatalf("RunOutput = %q", res.RunOutput)
	}
	if res.Workflow != nil {
		t.Fatal("script submission must not produce a workflow")
	}
}

func TestSubmit_ScriptDirtyExitIsResultNotError(t *testing.T) {
	oracle := &fakeOracle{valid: true}
	exec := &fakeExecutor{result: executor.Result{Output: "boom", ExitedCleanly: false}}
	p, _ := New(oracle, exec)

	res, err := p.Submit(context.Background(), Submission{Kind: KindScript, Source: "throw new Error('boom')"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.RunError != "boom" {
		t.Fatalf("RunError = %q", res.RunError)
	}
	if res.RunOutput != "" {
		t.Fatalf("RunOutput = %q, want empty", res.RunOutput)
	}
}

func TestSubmit_SpawnFailureIsError(t *testing.T) {
	oracle := &fakeOracle{valid: true}
	exec := &fakeExecutor{err: errors.New("exec: \"node\": executable file not found")}
	p, _ := New(oracle, exec)

	_, err := p.Submit(context.Background(), Submission{Kind: KindScript, Source: "console.log(1)"})
	if err == nil {
		t.Fatal("expected error for spawn failure")
	}
}

func TestSubmit_WorkflowNeverExecuted(t *testing.T) {
	oracle := &fakeOracle{valid: true}
	exec := &fakeExecutor{}
	p, _ := New(oracle, exec)

	source := "export async function dailyReport(payload) {\n  console.log(payload);\n}\n"
	res, err := p.Submit(context.Background(), Submission{
		Kind:         KindWorkflow,
		Source:       source,
		CronSchedule: "0 9 * * *",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if exec.calls != 0 {
		t.Fatalf("executor calls = %d, want 0 for workflow submission", exec.calls)
	}
	wf := res.Workflow
	if wf == nil {
		t.Fatal("expected workflow definition")
	}
	if wf.Name != "dailyReport" {
		t.Fatalf("workflow name = %q, want dailyReport", wf.Name)
	}
	if wf.TriggerType != store.TriggerCron {
		t.Fatalf("trigger type = %q", wf.TriggerType)
	}
	if wf.NextRunAt == nil {
		t.Fatal("cron workflow must carry a next run time")
	}
	if wf.Status != store.StatusActive {
		t.Fatalf("status = %q", wf.Status)
	}
}

func TestSubmit_BothTriggersRejectedBeforeVerification(t *testing.T) {
	oracle := &fakeOracle{valid: true}
	exec := &fakeExecutor{}
	p, _ := New(oracle, exec)

	_, err := p.Submit(context.Background(), Submission{
		Kind:         KindWorkflow,
		Source:       "export async function f(payload) {}",
		CronSchedule: "0 9 * * *",
		Webhook:      &store.WebhookTrigger{Plugin: "linear", Action: "issues.create"},
	})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if oracle.calls != 0 {
		t.Fatal("invalid submissions must be rejected before verification")
	}
}

func TestSubmit_ScriptRejectsTriggerConfig(t *testing.T) {
	p, _ := New(&fakeOracle{valid: true}, &fakeExecutor{})

	_, err := p.Submit(context.Background(), Submission{
		Kind:         KindScript,
		Source:       "console.log(1)",
		CronSchedule: "* * * * *",
	})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestSubmit_EmptySourceRejected(t *testing.T) {
	p, _ := New(&fakeOracle{valid: true}, &fakeExecutor{})

	_, err := p.Submit(context.Background(), Submission{Kind: KindScript, Source: "   "})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestSubmit_InvalidFilterRejected(t *testing.T) {
	p, _ := New(&fakeOracle{valid: true}, &fakeExecutor{})

	_, err := p.Submit(context.Background(), Submission{
		Kind:   KindWorkflow,
		Source: "export async function f(payload) {}",
		Webhook: &store.WebhookTrigger{
			Plugin: "linear",
			Action: "issues.create",
			Filter: "payload.priority ==",
		},
	})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestEntryPoint(t *testing.T) {
	cases := []struct {
		name    string
		source  string
		want    string
		wantErr bool
	}{
		{
			name:   "single entry",
			source: "export async function syncIssues(payload) {}",
			want:   "syncIssues",
		},
		{
			name:   "helpers do not count",
			source: "function helper() {}\nexport async function nightly(payload) {\n  helper();\n}\n",
			want:   "nightly",
		},
		{
			name:    "none",
			source:  "console.log(1)",
			wantErr: true,
		},
		{
			name:    "two entries",
			source:  "export async function a() {}\nexport async function b() {}",
			wantErr: true,
		},
		{
			name:    "non-async export does not count",
			source:  "export function sync() {}",
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := EntryPoint(tc.source)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("EntryPoint = %q, want error", got)
				}
				var ve *ValidationError
				if !errors.As(err, &ve) {
					t.Fatalf("err = %v, want ValidationError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("EntryPoint: %v", err)
			}
			if got != tc.want {
				t.Fatalf("EntryPoint = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSnippet(t *testing.T) {
	out := strings.Join([]string{"", "one  ", "two", "", "three", "four"}, "\n")
	got := Snippet(out, 3)
	if got != "one\ntwo\nthree" {
		t.Fatalf("Snippet = %q", got)
	}
	if Snippet(out, 0) != "" {
		t.Fatal("Snippet with n=0 must be empty")
	}
	if Snippet("", 5) != "" {
		t.Fatal("Snippet of empty output must be empty")
	}
}
