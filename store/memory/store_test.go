package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/store"
	"github.com/loomhq/loom/types"
)

func sampleWorkflow(id, name string) store.Workflow {
	return store.Workflow{
		ID:          id,
		Name:        name,
		SourceCode:  "export async function " + name + "(payload) {}",
		TriggerType: store.TriggerManual,
		Status:      store.StatusActive,
	}
}

func TestSaveWorkflow_NameConflict(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.SaveWorkflow(ctx, sampleWorkflow("wf-1", "nightly")))
	require.ErrorIs(t, s.SaveWorkflow(ctx, sampleWorkflow("wf-2", "nightly")), store.ErrConflict)
	require.NoError(t, s.SaveWorkflow(ctx, sampleWorkflow("wf-1", "nightly")))
}

func TestGetWorkflow_ReturnsCopies(t *testing.T) {
	s := New()
	ctx := context.Background()

	wf := sampleWorkflow("wf-1", "hooked")
	wf.TriggerType = store.TriggerWebhook
	wf.Webhook = &store.WebhookTrigger{Plugin: "linear", Action: "issues.create"}
	require.NoError(t, s.SaveWorkflow(ctx, wf))

	got, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	got.Webhook.Plugin = "mutated"

	again, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	require.Equal(t, "linear", again.Webhook.Plugin, "callers must not be able to mutate stored state")
}

func TestDueCronWorkflows_OrderAndFiltering(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)

	mk := func(id, name string, next time.Time, status store.WorkflowStatus) store.Workflow {
		wf := sampleWorkflow(id, name)
		wf.TriggerType = store.TriggerCron
		wf.CronSchedule = "* * * * *"
		wf.NextRunAt = &next
		wf.Status = status
		return wf
	}
	require.NoError(t, s.SaveWorkflow(ctx, mk("wf-b", "bJob", now.Add(-time.Second), store.StatusActive)))
	require.NoError(t, s.SaveWorkflow(ctx, mk("wf-a", "aJob", now.Add(-time.Minute), store.StatusActive)))
	require.NoError(t, s.SaveWorkflow(ctx, mk("wf-paused", "pausedJob", now.Add(-time.Minute), store.StatusPaused)))
	require.NoError(t, s.SaveWorkflow(ctx, mk("wf-future", "futureJob", now.Add(time.Minute), store.StatusActive)))

	due, err := s.DueCronWorkflows(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 2)
	require.Equal(t, "wf-a", due[0].ID, "oldest next_run_at first")
	require.Equal(t, "wf-b", due[1].ID)
}

func TestFinalizeExecution_Once(t *testing.T) {
	s := New()
	ctx := context.Background()

	exec := store.Execution{ID: "exec-1", WorkflowID: "wf-1", TriggeredBy: store.SourceManual}
	require.NoError(t, s.CreateExecution(ctx, exec))

	finished := time.Now().UTC()
	require.NoError(t, s.FinalizeExecution(ctx, "exec-1", store.ExecutionSuccess, "ok", "", finished))
	require.ErrorIs(t, s.FinalizeExecution(ctx, "exec-1", store.ExecutionFailed, "", "late", finished), store.ErrConflict)
	require.ErrorIs(t, s.FinalizeExecution(ctx, "missing", store.ExecutionFailed, "", "", finished), store.ErrNotFound)
}

func TestConsumeSession_AtMostOnceUnderConcurrency(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.PutSession(ctx, store.Session{
		ID:              "sess-1",
		Messages:        []types.Message{{Role: types.RoleUser, Content: "hi"}},
		PausingCallID:   "call-1",
		PausingCallName: "ask_human",
	}))

	const consumers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < consumers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ConsumeSession(ctx, "sess-1"); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, successes, "exactly one consumer may win")
}
