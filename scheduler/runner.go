package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loomhq/loom/executor"
	"github.com/loomhq/loom/store"
)

// resultLimit bounds how much captured process output is kept on an
// execution record.
const resultLimit = 4000

// Runner fires a single workflow with full execution bookkeeping: the
// record is opened in running state before the process spawns and finalized
// exactly once afterwards. Fire never panics outward; any failure inside
// the firing is contained so sibling workflows in the same batch proceed.
type Runner struct {
	store store.Store
	exec  executor.Executor
	log   *zap.Logger
}

func NewRunner(st store.Store, exec executor.Executor, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{store: st, exec: exec, log: log}
}

func (r *Runner) Fire(ctx context.Context, wf store.Workflow, source store.TriggerSource, payload json.RawMessage) store.Execution {
	exec := store.Execution{
		ID:             uuid.NewString(),
		WorkflowID:     wf.ID,
		Status:         store.ExecutionRunning,
		TriggeredBy:    source,
		TriggerPayload: string(payload),
		StartedAt:      time.Now().UTC(),
	}
	if err := r.store.CreateExecution(ctx, exec); err != nil {
		r.log.Error("failed to open execution record",
			zap.String("workflow", wf.Name),
			zap.Error(err))
		exec.Status = store.ExecutionFailed
		exec.Error = err.Error()
		return exec
	}

	status, result, errText := r.runIsolated(ctx, wf, payload)
	exec.Status = status
	exec.Result = result
	exec.Error = errText

	finishedAt := time.Now().UTC()
	if err := r.store.FinalizeExecution(ctx, exec.ID, status, result, errText, finishedAt); err != nil {
		r.log.Error("failed to finalize execution record",
			zap.String("workflow", wf.Name),
			zap.String("execution", exec.ID),
			zap.Error(err))
	} else {
		exec.FinishedAt = &finishedAt
	}

	if status == store.ExecutionSuccess {
		r.log.Info("workflow run succeeded",
			zap.String("workflow", wf.Name),
			zap.String("execution", exec.ID),
			zap.String("trigger", string(source)))
	} else {
		r.log.Warn("workflow run failed",
			zap.String("workflow", wf.Name),
			zap.String("execution", exec.ID),
			zap.String("trigger", string(source)),
			zap.String("error", errText))
	}
	return exec
}

// runIsolated wraps the actual process spawn so a panic anywhere in the
// execution path is converted into a failed status for this one workflow.
func (r *Runner) runIsolated(ctx context.Context, wf store.Workflow, payload json.RawMessage) (status store.ExecutionStatus, result, errText string) {
	defer func() {
		if rec := recover(); rec != nil {
			status = store.ExecutionFailed
			errText = fmt.Sprintf("panic during execution: %v", rec)
		}
	}()

	run, err := r.exec.Execute(ctx, runnableSource(wf), payload)
	if err != nil {
		return store.ExecutionFailed, "", err.Error()
	}
	if !run.ExitedCleanly {
		return store.ExecutionFailed, truncate(run.Output, resultLimit), "process exited with a non-zero status"
	}
	return store.ExecutionSuccess, truncate(run.Output, resultLimit), ""
}

// runnableSource appends an invocation of the workflow's entry point, which
// shares the workflow name, so the stored module actually runs when spawned.
func runnableSource(wf store.Workflow) string {
	return wf.SourceCode + "\n\nawait " + wf.Name + "(globalThis.payload);\n"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Back up to a rune start so the cut never splits a multi-byte rune.
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
