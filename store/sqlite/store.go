package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loomhq/loom/store"
)

//go:embed schema.sql
var schemaSQL string

const (
	defaultBusyTimeout = 5 * time.Second
	defaultLimit       = 50
)

type Store struct {
	db          *sql.DB
	busyTimeout time.Duration
	enableWAL   bool
	maxOpenConn int
}

type Option func(*Store)

func WithBusyTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		if timeout >= 0 {
			s.busyTimeout = timeout
		}
	}
}

func WithWAL(enabled bool) Option {
	return func(s *Store) {
		s.enableWAL = enabled
	}
}

func WithMaxOpenConns(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxOpenConn = n
		}
	}
}

func New(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	s := &Store{
		busyTimeout: defaultBusyTimeout,
		enableWAL:   true,
		maxOpenConn: 1,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(s.maxOpenConn)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s.db = db
	if err := s.initialize(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) initialize(ctx context.Context) error {
	if s.busyTimeout > 0 {
		ms := int(s.busyTimeout / time.Millisecond)
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", ms)); err != nil {
			return fmt.Errorf("failed to set busy_timeout: %w", err)
		}
	}
	if s.enableWAL {
		if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("failed to enable wal: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func (s *Store) SaveWorkflow(ctx context.Context, wf store.Workflow) error {
	if wf.ID == "" {
		return fmt.Errorf("workflow id is required")
	}
	if err := wf.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now
	if wf.Status == "" {
		wf.Status = store.StatusActive
	}

	var plugin, action, filter string
	if wf.Webhook != nil {
		plugin = wf.Webhook.Plugin
		action = wf.Webhook.Action
		filter = wf.Webhook.Filter
	}

	const q = `
INSERT INTO workflows (
  id, name, description, source_code, trigger_type, cron_schedule,
  webhook_plugin, webhook_action, webhook_filter, status, next_run_at, last_run_at, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  name=excluded.name,
  description=excluded.description,
  source_code=excluded.source_code,
  trigger_type=excluded.trigger_type,
  cron_schedule=excluded.cron_schedule,
  webhook_plugin=excluded.webhook_plugin,
  webhook_action=excluded.webhook_action,
  webhook_filter=excluded.webhook_filter,
  status=excluded.status,
  next_run_at=excluded.next_run_at,
  last_run_at=excluded.last_run_at,
  updated_at=excluded.updated_at;
`
	_, err := s.db.ExecContext(
		ctx,
		q,
		wf.ID,
		wf.Name,
		wf.Description,
		wf.SourceCode,
		string(wf.TriggerType),
		wf.CronSchedule,
		plugin,
		action,
		filter,
		string(wf.Status),
		toNullableTime(wf.NextRunAt),
		toNullableTime(wf.LastRunAt),
		wf.CreatedAt.Format(time.RFC3339Nano),
		wf.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("failed to save workflow: %w", err)
	}
	return nil
}

const workflowColumns = `
id, name, description, source_code, trigger_type, cron_schedule,
webhook_plugin, webhook_action, webhook_filter, status, next_run_at, last_run_at, created_at, updated_at
`

func (s *Store) GetWorkflow(ctx context.Context, id string) (store.Workflow, error) {
	return s.getWorkflowBy(ctx, "id", id)
}

func (s *Store) GetWorkflowByName(ctx context.Context, name string) (store.Workflow, error) {
	return s.getWorkflowBy(ctx, "name", name)
}

func (s *Store) getWorkflowBy(ctx context.Context, column, value string) (store.Workflow, error) {
	if strings.TrimSpace(value) == "" {
		return store.Workflow{}, fmt.Errorf("workflow %s is required", column)
	}
	q := "SELECT " + workflowColumns + " FROM workflows WHERE " + column + " = ?;"
	row := s.db.QueryRowContext(ctx, q, value)
	wf, err := scanWorkflow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Workflow{}, store.ErrNotFound
		}
		return store.Workflow{}, fmt.Errorf("failed to load workflow: %w", err)
	}
	return wf, nil
}

func (s *Store) ListWorkflows(ctx context.Context, query store.ListWorkflowsQuery) ([]store.Workflow, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	sqlText := "SELECT " + workflowColumns + " FROM workflows"
	var args []any
	if query.Status != "" {
		sqlText += " WHERE status = ?"
		args = append(args, string(query.Status))
	}
	sqlText += " ORDER BY created_at DESC LIMIT ?;"
	args = append(args, limit)

	return s.queryWorkflows(ctx, sqlText, args...)
}

func (s *Store) DueCronWorkflows(ctx context.Context, now time.Time) ([]store.Workflow, error) {
	const q = `
SELECT ` + workflowColumns + `
FROM workflows
WHERE status = 'active' AND trigger_type = 'cron'
  AND next_run_at IS NOT NULL AND next_run_at <= ?
ORDER BY next_run_at ASC;
`
	// next_run_at holds whole-second boundaries but now may carry
	// nanoseconds, and RFC3339Nano is variable-width, so the TEXT
	// comparison is only correct with now truncated to whole seconds.
	cutoff := now.UTC().Truncate(time.Second).Format(time.RFC3339Nano)
	return s.queryWorkflows(ctx, q, cutoff)
}

func (s *Store) MatchingWebhookWorkflows(ctx context.Context, plugin, action string) ([]store.Workflow, error) {
	const q = `
SELECT ` + workflowColumns + `
FROM workflows
WHERE status = 'active' AND trigger_type = 'webhook'
  AND webhook_plugin = ? AND webhook_action = ?
ORDER BY created_at ASC;
`
	return s.queryWorkflows(ctx, q, plugin, action)
}

func (s *Store) AdvanceRunTimes(ctx context.Context, id string, lastRun time.Time, nextRun *time.Time) error {
	if id == "" {
		return fmt.Errorf("workflow id is required")
	}
	const q = `
UPDATE workflows
SET last_run_at = ?, next_run_at = ?, updated_at = ?
WHERE id = ?;
`
	res, err := s.db.ExecContext(
		ctx,
		q,
		lastRun.UTC().Format(time.RFC3339Nano),
		toNullableTime(nextRun),
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to advance run times: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check advance result: %w", err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CreateExecution(ctx context.Context, exec store.Execution) error {
	if exec.ID == "" {
		return fmt.Errorf("execution id is required")
	}
	if exec.WorkflowID == "" {
		return fmt.Errorf("execution workflow id is required")
	}
	if exec.Status == "" {
		exec.Status = store.ExecutionRunning
	}
	if exec.StartedAt.IsZero() {
		exec.StartedAt = time.Now().UTC()
	}

	const q = `
INSERT INTO executions (id, workflow_id, status, triggered_by, trigger_payload, result, error, started_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
`
	_, err := s.db.ExecContext(
		ctx,
		q,
		exec.ID,
		exec.WorkflowID,
		string(exec.Status),
		string(exec.TriggeredBy),
		exec.TriggerPayload,
		exec.Result,
		exec.Error,
		exec.StartedAt.UTC().Format(time.RFC3339Nano),
		toNullableTime(exec.FinishedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("failed to create execution: %w", err)
	}
	return nil
}

func (s *Store) FinalizeExecution(ctx context.Context, id string, status store.ExecutionStatus, result, errText string, finishedAt time.Time) error {
	if id == "" {
		return fmt.Errorf("execution id is required")
	}
	const q = `
UPDATE executions
SET status = ?, result = ?, error = ?, finished_at = ?
WHERE id = ? AND status = 'running';
`
	res, err := s.db.ExecContext(
		ctx,
		q,
		string(status),
		result,
		errText,
		finishedAt.UTC().Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to finalize execution: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check finalize result: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.GetExecution(ctx, id); getErr == nil {
			return store.ErrConflict
		}
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) GetExecution(ctx context.Context, id string) (store.Execution, error) {
	if strings.TrimSpace(id) == "" {
		return store.Execution{}, fmt.Errorf("execution id is required")
	}
	const q = `
SELECT id, workflow_id, status, triggered_by, trigger_payload, result, error, started_at, finished_at
FROM executions
WHERE id = ?;
`
	row := s.db.QueryRowContext(ctx, q, id)
	exec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Execution{}, store.ErrNotFound
		}
		return store.Execution{}, fmt.Errorf("failed to load execution: %w", err)
	}
	return exec, nil
}

func (s *Store) ListExecutions(ctx context.Context, workflowID string, limit int) ([]store.Execution, error) {
	if workflowID == "" {
		return nil, fmt.Errorf("workflow id is required")
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	const q = `
SELECT id, workflow_id, status, triggered_by, trigger_payload, result, error, started_at, finished_at
FROM executions
WHERE workflow_id = ?
ORDER BY started_at DESC
LIMIT ?;
`
	rows, err := s.db.QueryContext(ctx, q, workflowID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	out := make([]store.Execution, 0, limit)
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution row: %w", err)
		}
		out = append(out, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate executions: %w", err)
	}
	return out, nil
}

func (s *Store) PutSession(ctx context.Context, session store.Session) error {
	if session.ID == "" {
		return fmt.Errorf("session id is required")
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	messagesRaw, err := json.Marshal(session.Messages)
	if err != nil {
		return fmt.Errorf("failed to marshal session messages: %w", err)
	}

	const q = `
INSERT INTO sessions (id, messages, pausing_call_id, pausing_call_name, created_at)
VALUES (?, ?, ?, ?, ?);
`
	_, err = s.db.ExecContext(
		ctx,
		q,
		session.ID,
		string(messagesRaw),
		session.PausingCallID,
		session.PausingCallName,
		session.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (s *Store) ConsumeSession(ctx context.Context, id string) (store.Session, error) {
	if strings.TrimSpace(id) == "" {
		return store.Session{}, fmt.Errorf("session id is required")
	}

	// DELETE ... RETURNING makes load-and-delete a single statement, so two
	// concurrent consumers cannot both observe the row.
	const q = `
DELETE FROM sessions
WHERE id = ?
RETURNING id, messages, pausing_call_id, pausing_call_name, created_at;
`
	var (
		session     store.Session
		messagesRaw string
		createdRaw  string
	)
	err := s.db.QueryRowContext(ctx, q, id).Scan(
		&session.ID,
		&messagesRaw,
		&session.PausingCallID,
		&session.PausingCallName,
		&createdRaw,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Session{}, store.ErrNotFound
		}
		return store.Session{}, fmt.Errorf("failed to consume session: %w", err)
	}
	if err := json.Unmarshal([]byte(messagesRaw), &session.Messages); err != nil {
		return store.Session{}, fmt.Errorf("failed to decode session messages: %w", err)
	}
	session.CreatedAt, err = parseRequiredTime(createdRaw)
	if err != nil {
		return store.Session{}, fmt.Errorf("failed to parse session created_at: %w", err)
	}
	return session, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) queryWorkflows(ctx context.Context, sqlText string, args ...any) ([]store.Workflow, error) {
	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}
	defer rows.Close()

	var out []store.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow row: %w", err)
		}
		out = append(out, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate workflows: %w", err)
	}
	return out, nil
}

func scanWorkflow(row rowScanner) (store.Workflow, error) {
	var (
		wf         store.Workflow
		trigger    string
		status     string
		plugin     string
		action     string
		filter     string
		nextRaw    sql.NullString
		lastRaw    sql.NullString
		createdRaw string
		updatedRaw string
	)
	if err := row.Scan(
		&wf.ID,
		&wf.Name,
		&wf.Description,
		&wf.SourceCode,
		&trigger,
		&wf.CronSchedule,
		&plugin,
		&action,
		&filter,
		&status,
		&nextRaw,
		&lastRaw,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return store.Workflow{}, err
	}
	wf.TriggerType = store.TriggerType(trigger)
	wf.Status = store.WorkflowStatus(status)
	if plugin != "" || action != "" {
		wf.Webhook = &store.WebhookTrigger{Plugin: plugin, Action: action, Filter: filter}
	}

	var err error
	if wf.NextRunAt, err = parseNullableTime(nextRaw); err != nil {
		return store.Workflow{}, fmt.Errorf("failed to parse next_run_at: %w", err)
	}
	if wf.LastRunAt, err = parseNullableTime(lastRaw); err != nil {
		return store.Workflow{}, fmt.Errorf("failed to parse last_run_at: %w", err)
	}
	if wf.CreatedAt, err = parseRequiredTime(createdRaw); err != nil {
		return store.Workflow{}, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if wf.UpdatedAt, err = parseRequiredTime(updatedRaw); err != nil {
		return store.Workflow{}, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	return wf, nil
}

func scanExecution(row rowScanner) (store.Execution, error) {
	var (
		exec        store.Execution
		status      string
		triggeredBy string
		startedRaw  string
		finishedRaw sql.NullString
	)
	if err := row.Scan(
		&exec.ID,
		&exec.WorkflowID,
		&status,
		&triggeredBy,
		&exec.TriggerPayload,
		&exec.Result,
		&exec.Error,
		&startedRaw,
		&finishedRaw,
	); err != nil {
		return store.Execution{}, err
	}
	exec.Status = store.ExecutionStatus(status)
	exec.TriggeredBy = store.TriggerSource(triggeredBy)

	var err error
	if exec.StartedAt, err = parseRequiredTime(startedRaw); err != nil {
		return store.Execution{}, fmt.Errorf("failed to parse started_at: %w", err)
	}
	if exec.FinishedAt, err = parseNullableTime(finishedRaw); err != nil {
		return store.Execution{}, fmt.Errorf("failed to parse finished_at: %w", err)
	}
	return exec, nil
}

func parseRequiredTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func parseNullableTime(raw sql.NullString) (*time.Time, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	t, err := parseRequiredTime(raw.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func toNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func isUniqueViolation(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
