// Package memory is an in-memory Store used by tests and for running
// without persistence. It mirrors the sqlite backend's semantics, including
// at-most-once session consumption and finalize-once executions.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loomhq/loom/store"
)

type Store struct {
	mu         sync.Mutex
	workflows  map[string]store.Workflow
	executions map[string]store.Execution
	sessions   map[string]store.Session
}

func New() *Store {
	return &Store{
		workflows:  make(map[string]store.Workflow),
		executions: make(map[string]store.Execution),
		sessions:   make(map[string]store.Session),
	}
}

func (s *Store) SaveWorkflow(ctx context.Context, wf store.Workflow) error {
	_ = ctx
	if wf.ID == "" {
		return fmt.Errorf("workflow id is required")
	}
	if err := wf.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.workflows {
		if existing.Name == wf.Name && existing.ID != wf.ID {
			return store.ErrConflict
		}
	}

	now := time.Now().UTC()
	if existing, ok := s.workflows[wf.ID]; ok {
		wf.CreatedAt = existing.CreatedAt
	} else if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now
	if wf.Status == "" {
		wf.Status = store.StatusActive
	}
	if wf.Webhook != nil {
		hook := *wf.Webhook
		wf.Webhook = &hook
	}
	s.workflows[wf.ID] = wf
	return nil
}

func (s *Store) GetWorkflow(ctx context.Context, id string) (store.Workflow, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return store.Workflow{}, store.ErrNotFound
	}
	return cloneWorkflow(wf), nil
}

func (s *Store) GetWorkflowByName(ctx context.Context, name string) (store.Workflow, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, wf := range s.workflows {
		if wf.Name == name {
			return cloneWorkflow(wf), nil
		}
	}
	return store.Workflow{}, store.ErrNotFound
}

func (s *Store) ListWorkflows(ctx context.Context, query store.ListWorkflowsQuery) ([]store.Workflow, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.Workflow
	for _, wf := range s.workflows {
		if query.Status != "" && wf.Status != query.Status {
			continue
		}
		out = append(out, cloneWorkflow(wf))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

func (s *Store) DueCronWorkflows(ctx context.Context, now time.Time) ([]store.Workflow, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.Workflow
	for _, wf := range s.workflows {
		if wf.Status != store.StatusActive || wf.TriggerType != store.TriggerCron {
			continue
		}
		if wf.NextRunAt == nil || wf.NextRunAt.After(now) {
			continue
		}
		out = append(out, cloneWorkflow(wf))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRunAt.Before(*out[j].NextRunAt) })
	return out, nil
}

func (s *Store) MatchingWebhookWorkflows(ctx context.Context, plugin, action string) ([]store.Workflow, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.Workflow
	for _, wf := range s.workflows {
		if wf.Status != store.StatusActive || wf.TriggerType != store.TriggerWebhook || wf.Webhook == nil {
			continue
		}
		if wf.Webhook.Plugin != plugin || wf.Webhook.Action != action {
			continue
		}
		out = append(out, cloneWorkflow(wf))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) AdvanceRunTimes(ctx context.Context, id string, lastRun time.Time, nextRun *time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[id]
	if !ok {
		return store.ErrNotFound
	}
	last := lastRun.UTC()
	wf.LastRunAt = &last
	if nextRun != nil {
		next := nextRun.UTC()
		wf.NextRunAt = &next
	} else {
		wf.NextRunAt = nil
	}
	wf.UpdatedAt = time.Now().UTC()
	s.workflows[id] = wf
	return nil
}

func (s *Store) CreateExecution(ctx context.Context, exec store.Execution) error {
	_ = ctx
	if exec.ID == "" {
		return fmt.Errorf("execution id is required")
	}
	if exec.WorkflowID == "" {
		return fmt.Errorf("execution workflow id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[exec.ID]; ok {
		return store.ErrConflict
	}
	if exec.Status == "" {
		exec.Status = store.ExecutionRunning
	}
	if exec.StartedAt.IsZero() {
		exec.StartedAt = time.Now().UTC()
	}
	s.executions[exec.ID] = exec
	return nil
}

func (s *Store) FinalizeExecution(ctx context.Context, id string, status store.ExecutionStatus, result, errText string, finishedAt time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[id]
	if !ok {
		return store.ErrNotFound
	}
	if exec.Status != store.ExecutionRunning {
		return store.ErrConflict
	}
	exec.Status = status
	exec.Result = result
	exec.Error = errText
	finished := finishedAt.UTC()
	exec.FinishedAt = &finished
	s.executions[id] = exec
	return nil
}

func (s *Store) GetExecution(ctx context.Context, id string) (store.Execution, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[id]
	if !ok {
		return store.Execution{}, store.ErrNotFound
	}
	return exec, nil
}

func (s *Store) ListExecutions(ctx context.Context, workflowID string, limit int) ([]store.Execution, error) {
	_ = ctx
	if strings.TrimSpace(workflowID) == "" {
		return nil, fmt.Errorf("workflow id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.Execution
	for _, exec := range s.executions {
		if exec.WorkflowID == workflowID {
			out = append(out, exec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) PutSession(ctx context.Context, session store.Session) error {
	_ = ctx
	if session.ID == "" {
		return fmt.Errorf("session id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[session.ID]; ok {
		return store.ErrConflict
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	s.sessions[session.ID] = session
	return nil
}

func (s *Store) ConsumeSession(ctx context.Context, id string) (store.Session, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return store.Session{}, store.ErrNotFound
	}
	delete(s.sessions, id)
	return session, nil
}

func (s *Store) Close() error { return nil }

func cloneWorkflow(wf store.Workflow) store.Workflow {
	if wf.Webhook != nil {
		hook := *wf.Webhook
		wf.Webhook = &hook
	}
	if wf.NextRunAt != nil {
		next := *wf.NextRunAt
		wf.NextRunAt = &next
	}
	if wf.LastRunAt != nil {
		last := *wf.LastRunAt
		wf.LastRunAt = &last
	}
	return wf
}
