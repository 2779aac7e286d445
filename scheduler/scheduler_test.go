package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/executor"
	"github.com/loomhq/loom/store"
	"github.com/loomhq/loom/store/memory"
)

func TestTick_FiresDueWorkflowsAndAdvancesRunTimes(t *testing.T) {
	st := memory.New()
	now := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	due := cronWorkflow("wf-due", "dueJob")
	due.NextRunAt = &past
	notDue := cronWorkflow("wf-later", "laterJob")
	notDue.NextRunAt = &future
	paused := cronWorkflow("wf-paused", "pausedJob")
	paused.NextRunAt = &past
	paused.Status = store.StatusPaused

	ctx := context.Background()
	require.NoError(t, st.SaveWorkflow(ctx, due))
	require.NoError(t, st.SaveWorkflow(ctx, notDue))
	require.NoError(t, st.SaveWorkflow(ctx, paused))

	exec := &fakeExecutor{}
	sched := New(st, NewRunner(st, exec, nil), WithClock(func() time.Time { return now }))
	sched.Tick(ctx)

	require.Len(t, exec.sources, 1)
	require.Contains(t, exec.sources[0], "dueJob")

	updated, err := st.GetWorkflow(ctx, "wf-due")
	require.NoError(t, err)
	require.NotNil(t, updated.LastRunAt)
	require.True(t, updated.LastRunAt.Equal(now))
	require.NotNil(t, updated.NextRunAt)
	require.True(t, updated.NextRunAt.After(now), "nextRunAt must be strictly after the tick")

	untouched, err := st.GetWorkflow(ctx, "wf-later")
	require.NoError(t, err)
	require.Nil(t, untouched.LastRunAt)
}

func TestTick_OneFailureDoesNotAbortSiblings(t *testing.T) {
	st := memory.New()
	now := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	past := now.Add(-time.Minute)

	first := cronWorkflow("wf-a", "aJob")
	first.NextRunAt = &past
	second := cronWorkflow("wf-b", "bJob")
	later := past.Add(time.Second)
	second.NextRunAt = &later

	ctx := context.Background()
	require.NoError(t, st.SaveWorkflow(ctx, first))
	require.NoError(t, st.SaveWorkflow(ctx, second))

	exec := &fakeExecutor{errs: map[string]error{"aJob": errors.New("spawn failed")}}
	sched := New(st, NewRunner(st, exec, nil), WithClock(func() time.Time { return now }))
	sched.Tick(ctx)

	// Both fired despite the first one failing.
	require.Len(t, exec.sources, 2)

	execsA, err := st.ListExecutions(ctx, "wf-a", 0)
	require.NoError(t, err)
	require.Len(t, execsA, 1)
	require.Equal(t, store.ExecutionFailed, execsA[0].Status)

	execsB, err := st.ListExecutions(ctx, "wf-b", 0)
	require.NoError(t, err)
	require.Len(t, execsB, 1)
	require.Equal(t, store.ExecutionSuccess, execsB[0].Status)
}

func TestTick_UnparseableScheduleUnschedulesWorkflow(t *testing.T) {
	st := memory.New()
	now := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	past := now.Add(-time.Minute)

	wf := cronWorkflow("wf-1", "oddJob")
	wf.CronSchedule = "* * * * *"
	wf.NextRunAt = &past
	ctx := context.Background()
	require.NoError(t, st.SaveWorkflow(ctx, wf))

	// Feed runOne a workflow value whose schedule the evaluator rejects,
	// as if an older deployment had persisted a richer expression.
	wf.CronSchedule = "*/5 * * * *"

	exec := &fakeExecutor{}
	sched := New(st, NewRunner(st, exec, nil), WithClock(func() time.Time { return now }))
	sched.runOne(ctx, wf, now)

	updated, err := st.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	require.Nil(t, updated.NextRunAt, "a schedule that no longer parses must not be rescheduled")
	require.NotNil(t, updated.LastRunAt)
}

func TestStartStop(t *testing.T) {
	st := memory.New()
	exec := &fakeExecutor{}
	sched := New(st, NewRunner(st, exec, nil), WithInterval(10*time.Millisecond))

	sched.Start()
	sched.Start() // second start is a no-op
	time.Sleep(30 * time.Millisecond)
	sched.Stop()
	sched.Stop() // second stop is a no-op
}

var _ executor.Executor = (*fakeExecutor)(nil)
