package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loomhq/loom/types"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: conflict")
)

type TriggerType string

const (
	TriggerManual  TriggerType = "manual"
	TriggerCron    TriggerType = "cron"
	TriggerWebhook TriggerType = "webhook"
)

type WorkflowStatus string

const (
	StatusActive   WorkflowStatus = "active"
	StatusPaused   WorkflowStatus = "paused"
	StatusArchived WorkflowStatus = "archived"
)

// WebhookTrigger matches inbound events by exact (plugin, action) equality.
// Filter is an optional expression evaluated against the event payload.
type WebhookTrigger struct {
	Plugin string `json:"plugin"`
	Action string `json:"action"`
	Filter string `json:"filter,omitempty"`
}

// Workflow is a persisted automation. Name doubles as the callable
// entry-point identifier and is unique enough to use as a lookup key
// interchangeably with ID. Rows are never physically deleted; "delete"
// transitions Status to archived.
type Workflow struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	SourceCode   string          `json:"sourceCode"`
	TriggerType  TriggerType     `json:"triggerType"`
	CronSchedule string          `json:"cronSchedule,omitempty"`
	Webhook      *WebhookTrigger `json:"webhook,omitempty"`
	Status       WorkflowStatus  `json:"status"`
	NextRunAt    *time.Time      `json:"nextRunAt,omitempty"`
	LastRunAt    *time.Time      `json:"lastRunAt,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Validate enforces the trigger invariants: cron and webhook configuration
// are mutually exclusive and must agree with the trigger type.
func (w Workflow) Validate() error {
	if strings.TrimSpace(w.Name) == "" {
		return fmt.Errorf("workflow name is required")
	}
	if strings.TrimSpace(w.SourceCode) == "" {
		return fmt.Errorf("workflow source is required")
	}
	if w.CronSchedule != "" && w.Webhook != nil {
		return fmt.Errorf("cron schedule and webhook trigger are mutually exclusive")
	}
	switch w.TriggerType {
	case TriggerManual:
		if w.CronSchedule != "" || w.Webhook != nil {
			return fmt.Errorf("manual workflow must not carry trigger configuration")
		}
	case TriggerCron:
		if w.CronSchedule == "" {
			return fmt.Errorf("cron workflow requires a schedule")
		}
	case TriggerWebhook:
		if w.Webhook == nil || w.Webhook.Plugin == "" || w.Webhook.Action == "" {
			return fmt.Errorf("webhook workflow requires plugin and action")
		}
	default:
		return fmt.Errorf("unknown trigger type %q", w.TriggerType)
	}
	return nil
}

type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionSuccess   ExecutionStatus = "success"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

type TriggerSource string

const (
	SourceCron    TriggerSource = "cron"
	SourceWebhook TriggerSource = "webhook"
	SourceManual  TriggerSource = "manual"
)

// Execution is the audit row for one firing of one workflow. It is created
// in running state, finalized exactly once and never deleted.
type Execution struct {
	ID             string          `json:"id"`
	WorkflowID     string          `json:"workflowId"`
	Status         ExecutionStatus `json:"status"`
	TriggeredBy    TriggerSource   `json:"triggeredBy"`
	TriggerPayload string          `json:"triggerPayload,omitempty"`
	Result         string          `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	StartedAt      time.Time       `json:"startedAt"`
	FinishedAt     *time.Time      `json:"finishedAt,omitempty"`
}

// Session is a suspended agent conversation waiting for a human answer.
// A session is consumed (read once, then deleted) on resume; an id is valid
// for at most one resume.
type Session struct {
	ID              string          `json:"id"`
	Messages        []types.Message `json:"messages"`
	PausingCallID   string          `json:"pausingCallId"`
	PausingCallName string          `json:"pausingCallName"`
	CreatedAt       time.Time       `json:"createdAt"`
}

type ListWorkflowsQuery struct {
	Status WorkflowStatus
	Limit  int
}

type WorkflowStore interface {
	// SaveWorkflow inserts or replaces a workflow row keyed by ID.
	SaveWorkflow(ctx context.Context, wf Workflow) error
	GetWorkflow(ctx context.Context, id string) (Workflow, error)
	GetWorkflowByName(ctx context.Context, name string) (Workflow, error)
	ListWorkflows(ctx context.Context, query ListWorkflowsQuery) ([]Workflow, error)
	// DueCronWorkflows returns active cron workflows with NextRunAt <= now.
	DueCronWorkflows(ctx context.Context, now time.Time) ([]Workflow, error)
	// MatchingWebhookWorkflows returns active webhook workflows whose
	// trigger matches plugin and action exactly.
	MatchingWebhookWorkflows(ctx context.Context, plugin, action string) ([]Workflow, error)
	// AdvanceRunTimes records a firing and the recomputed next run.
	AdvanceRunTimes(ctx context.Context, id string, lastRun time.Time, nextRun *time.Time) error
}

type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec Execution) error
	// FinalizeExecution transitions a running execution to a terminal
	// status. Finalizing an already-final execution returns ErrConflict.
	FinalizeExecution(ctx context.Context, id string, status ExecutionStatus, result, errText string, finishedAt time.Time) error
	GetExecution(ctx context.Context, id string) (Execution, error)
	ListExecutions(ctx context.Context, workflowID string, limit int) ([]Execution, error)
}

type SessionStore interface {
	PutSession(ctx context.Context, session Session) error
	// ConsumeSession atomically loads and deletes a session. Concurrent
	// consumers of the same id cannot both succeed; the loser gets
	// ErrNotFound.
	ConsumeSession(ctx context.Context, id string) (Session, error)
}

type Store interface {
	WorkflowStore
	ExecutionStore
	SessionStore
	Close() error
}
