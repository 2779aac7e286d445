package scheduler

import (
	"context"
	"encoding/json"

	"github.com/expr-lang/expr"
	"go.uber.org/zap"

	"github.com/loomhq/loom/queue"
	"github.com/loomhq/loom/store"
)

// Dispatcher matches inbound webhook events to registered workflows and
// fires each match. Matching is exact (plugin, action) equality; a
// workflow's optional filter expression is then evaluated against the
// payload. Each match gets its own execution record and failures are
// isolated per workflow.
type Dispatcher struct {
	store  store.Store
	runner *Runner
	log    *zap.Logger
}

func NewDispatcher(st store.Store, runner *Runner, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{store: st, runner: runner, log: log}
}

func (d *Dispatcher) Dispatch(ctx context.Context, job queue.Job) []store.Execution {
	matches, err := d.store.MatchingWebhookWorkflows(ctx, job.Plugin, job.Action)
	if err != nil {
		d.log.Error("failed to match webhook workflows",
			zap.String("plugin", job.Plugin),
			zap.String("action", job.Action),
			zap.Error(err))
		return nil
	}
	if len(matches) == 0 {
		d.log.Debug("webhook event matched no workflows",
			zap.String("plugin", job.Plugin),
			zap.String("action", job.Action))
		return nil
	}

	var executions []store.Execution
	for _, wf := range matches {
		if wf.Webhook != nil && wf.Webhook.Filter != "" {
			ok, err := matchesFilter(wf.Webhook.Filter, job.Payload)
			if err != nil {
				// A broken filter skips this workflow only.
				d.log.Warn("webhook filter evaluation failed",
					zap.String("workflow", wf.Name),
					zap.Error(err))
				continue
			}
			if !ok {
				continue
			}
		}
		executions = append(executions, d.runner.Fire(ctx, wf, store.SourceWebhook, job.Payload))
	}
	return executions
}

func matchesFilter(filter string, payload json.RawMessage) (bool, error) {
	var data any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &data); err != nil {
			return false, err
		}
	}
	out, err := expr.Eval(filter, map[string]any{"payload": data})
	if err != nil {
		return false, err
	}
	matched, ok := out.(bool)
	return ok && matched, nil
}
