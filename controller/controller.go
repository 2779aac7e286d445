// Package controller drives the step-wise model-interaction loop. Each step
// presents the conversation to the model; the model either answers, invokes
// a capability the controller handles inline, or invokes the one capability
// with no handler (asking the human), which suspends the loop into the
// session store until the caller resumes with an answer.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/capability"
	"github.com/loomhq/loom/connector"
	"github.com/loomhq/loom/llm"
	"github.com/loomhq/loom/pipeline"
	"github.com/loomhq/loom/store"
	"github.com/loomhq/loom/types"
)

const defaultSystemPrompt = `You are Loom, an automation assistant. The human describes what they want
automated in plain language; you either answer directly, or use
write_and_run_code to produce JavaScript. Use kind=script for one-off work
and kind=workflow for anything recurring or event-driven. Check
connector_status before writing code that depends on an integration, and use
ask_human when a decision is genuinely the human's to make.`

type Controller struct {
	provider     llm.Provider
	store        store.Store
	pipeline     *pipeline.Pipeline
	connectors   *connector.Registry
	systemPrompt string
	maxSteps     int
}

type Option func(*Controller)

func WithSystemPrompt(prompt string) Option {
	return func(c *Controller) {
		if strings.TrimSpace(prompt) != "" {
			c.systemPrompt = prompt
		}
	}
}

// WithMaxSteps bounds the number of model round-trips in one invocation.
func WithMaxSteps(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.maxSteps = n
		}
	}
}

func WithConnectors(registry *connector.Registry) Option {
	return func(c *Controller) {
		if registry != nil {
			c.connectors = registry
		}
	}
}

func New(provider llm.Provider, st store.Store, pl *pipeline.Pipeline, opts ...Option) (*Controller, error) {
	if provider == nil {
		return nil, errors.New("provider is required")
	}
	if st == nil {
		return nil, errors.New("store is required")
	}
	if pl == nil {
		return nil, errors.New("pipeline is required")
	}
	c := &Controller{
		provider:     provider,
		store:        st,
		pipeline:     pl,
		connectors:   connector.NewRegistry(),
		systemPrompt: defaultSystemPrompt,
		maxSteps:     8,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Controller) Run(ctx context.Context, input string) (Outcome, error) {
	if strings.TrimSpace(input) == "" {
		return Outcome{}, &pipeline.ValidationError{Reason: "prompt is required"}
	}
	messages := []types.Message{{Role: types.RoleUser, Content: input}}
	return c.loop(ctx, messages)
}

// Resume consumes the session (an id is valid for at most one resume),
// appends the human's answer as the result of the previously pending call,
// and re-enters the loop. The loop may suspend again under a fresh session.
func (c *Controller) Resume(ctx context.Context, sessionID, answer string) (Outcome, error) {
	session, err := c.store.ConsumeSession(ctx, sessionID)
	if err != nil {
		return Outcome{}, err
	}

	encoded, err := json.Marshal(map[string]string{"answer": answer})
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to encode answer: %w", err)
	}
	messages := append(session.Messages, types.Message{
		Role:       types.RoleTool,
		Name:       session.PausingCallName,
		ToolCallID: session.PausingCallID,
		Content:    string(encoded),
	})
	return c.loop(ctx, messages)
}

func (c *Controller) loop(ctx context.Context, messages []types.Message) (Outcome, error) {
	var (
		sawToolCalls bool
		lastScript   *ScriptResult
		lastWorkflow *store.Workflow
	)

	for step := 0; step < c.maxSteps; step++ {
		resp, err := c.provider.Generate(ctx, types.Request{
			SystemPrompt: c.systemPrompt,
			Messages:     messages,
			Tools:        capability.Definitions(),
		})
		if err != nil {
			return Outcome{}, fmt.Errorf("generation failed: %w", err)
		}

		msg := resp.Message
		msg.Role = types.RoleAssistant
		messages = append(messages, msg)

		if len(msg.ToolCalls) == 0 {
			return classify(msg.Content, sawToolCalls, lastScript, lastWorkflow)
		}
		sawToolCalls = true

		for _, call := range msg.ToolCalls {
			kind := capability.KindOf(call.Name)
			if kind == capability.KindAskHuman {
				// The human-question capability has no handler: stop
				// immediately and persist everything exchanged so far.
				return c.suspend(ctx, messages, call)
			}

			payload, script, workflow, err := c.dispatch(ctx, kind, call)
			if err != nil {
				return Outcome{}, fmt.Errorf("capability %s failed: %w", call.Name, err)
			}
			if script != nil {
				lastScript, lastWorkflow = script, nil
			}
			if workflow != nil {
				lastWorkflow, lastScript = workflow, nil
			}

			encoded, err := json.Marshal(payload)
			if err != nil {
				encoded = []byte(fmt.Sprintf(`{"error":"failed to encode capability output","detail":%q}`, err.Error()))
			}
			messages = append(messages, types.Message{
				Role:       types.RoleTool,
				Name:       call.Name,
				ToolCallID: call.ID,
				Content:    string(encoded),
			})
		}
	}

	return Outcome{}, &FatalError{Reason: fmt.Sprintf("step budget exceeded (%d)", c.maxSteps)}
}

// classify maps the terminal loop state to an outcome. The last executed
// code submission wins; a plain text answer is only valid when the model
// never invoked a capability. Anything else is a controller bug, not a
// user-facing condition.
func classify(content string, sawToolCalls bool, lastScript *ScriptResult, lastWorkflow *store.Workflow) (Outcome, error) {
	switch {
	case lastScript != nil:
		return Outcome{Kind: OutcomeScript, Script: lastScript}, nil
	case lastWorkflow != nil:
		return Outcome{Kind: OutcomeWorkflow, Workflow: lastWorkflow}, nil
	case !sawToolCalls:
		if strings.TrimSpace(content) == "" {
			return Outcome{}, &FatalError{Reason: "model returned empty assistant content"}
		}
		return Outcome{Kind: OutcomeMessage, Message: content}, nil
	default:
		return Outcome{}, &FatalError{Reason: "model finished after capability use without a code submission"}
	}
}

func (c *Controller) suspend(ctx context.Context, messages []types.Message, call types.ToolCall) (Outcome, error) {
	var args capability.AskHumanArgs
	_ = json.Unmarshal(call.Arguments, &args)
	question := strings.TrimSpace(args.Question)
	if question == "" {
		question = "The assistant needs more input to continue."
	}

	session := store.Session{
		ID:              uuid.NewString(),
		Messages:        messages,
		PausingCallID:   call.ID,
		PausingCallName: call.Name,
		CreatedAt:       time.Now().UTC(),
	}
	if err := c.store.PutSession(ctx, session); err != nil {
		return Outcome{}, fmt.Errorf("failed to persist session: %w", err)
	}
	return Outcome{Kind: OutcomeNeedsInput, Question: question, SessionID: session.ID}, nil
}

// dispatch executes one capability invocation. The returned payload is
// appended to the conversation as the tool result; caller mistakes travel
// inside the payload so the model can correct itself, while infrastructure
// failures abort the invocation through the error return.
func (c *Controller) dispatch(ctx context.Context, kind capability.Kind, call types.ToolCall) (payload any, script *ScriptResult, workflow *store.Workflow, err error) {
	switch kind {
	case capability.KindRunCode:
		return c.handleRunCode(ctx, call.Arguments)
	case capability.KindListWorkflows:
		payload, err = c.handleListWorkflows(ctx, call.Arguments)
		return payload, nil, nil, err
	case capability.KindManageWorkflow:
		payload, err = c.handleManageWorkflow(ctx, call.Arguments)
		return payload, nil, nil, err
	case capability.KindConnectorStatus:
		payload, err = c.handleConnectorStatus(call.Arguments)
		return payload, nil, nil, err
	case capability.KindAskHuman:
		// Handled by the caller before dispatch.
		return nil, nil, nil, errors.New("ask_human reached dispatch")
	default:
		return map[string]any{"error": fmt.Sprintf("unknown capability %q", call.Name)}, nil, nil, nil
	}
}

func (c *Controller) handleRunCode(ctx context.Context, raw json.RawMessage) (any, *ScriptResult, *store.Workflow, error) {
	var args capability.RunCodeArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return map[string]any{"ok": false, "error": "invalid write_and_run_code arguments: " + err.Error()}, nil, nil, nil
	}

	sub := pipeline.Submission{
		Kind:         pipeline.Kind(args.Kind),
		Description:  args.Description,
		Source:       args.Source,
		CronSchedule: args.CronSchedule,
	}
	if args.WebhookPlugin != "" || args.WebhookAction != "" {
		sub.Webhook = &store.WebhookTrigger{
			Plugin: args.WebhookPlugin,
			Action: args.WebhookAction,
			Filter: args.WebhookFilter,
		}
	}

	result, err := c.pipeline.Submit(ctx, sub)
	if err != nil {
		var ve *pipeline.ValidationError
		if errors.As(err, &ve) {
			return map[string]any{"ok": false, "error": ve.Reason}, nil, nil, nil
		}
		return nil, nil, nil, err
	}
	if !result.Verified {
		return map[string]any{"ok": false, "diagnostics": result.Diagnostics}, nil, nil, nil
	}

	if sub.Kind == pipeline.KindScript {
		script := &ScriptResult{Code: args.Source, Output: result.RunOutput, Error: result.RunError}
		payload := map[string]any{"ok": result.RunError == ""}
		if result.RunOutput != "" {
			payload["output"] = result.RunOutput
		}
		if result.RunError != "" {
			payload["error"] = result.RunError
		}
		return payload, script, nil, nil
	}

	wf := result.Workflow
	if err := c.store.SaveWorkflow(ctx, *wf); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return map[string]any{"ok": false, "error": fmt.Sprintf("a workflow named %q already exists; rename the exported function", wf.Name)}, nil, nil, nil
		}
		return nil, nil, nil, err
	}
	return map[string]any{
		"ok":          true,
		"workflowId":  wf.ID,
		"name":        wf.Name,
		"triggerType": wf.TriggerType,
	}, nil, wf, nil
}

func (c *Controller) handleListWorkflows(ctx context.Context, raw json.RawMessage) (any, error) {
	var args capability.ListWorkflowsArgs
	_ = json.Unmarshal(raw, &args)

	workflows, err := c.store.ListWorkflows(ctx, store.ListWorkflowsQuery{Status: store.WorkflowStatus(args.Status)})
	if err != nil {
		return nil, err
	}
	summaries := make([]map[string]any, 0, len(workflows))
	for _, wf := range workflows {
		summary := map[string]any{
			"id":          wf.ID,
			"name":        wf.Name,
			"triggerType": wf.TriggerType,
			"status":      wf.Status,
		}
		if wf.Description != "" {
			summary["description"] = wf.Description
		}
		if wf.CronSchedule != "" {
			summary["cronSchedule"] = wf.CronSchedule
		}
		if wf.Webhook != nil {
			summary["webhook"] = wf.Webhook
		}
		if wf.LastRunAt != nil {
			summary["lastRunAt"] = wf.LastRunAt
		}
		if wf.NextRunAt != nil {
			summary["nextRunAt"] = wf.NextRunAt
		}
		summaries = append(summaries, summary)
	}
	return map[string]any{"workflows": summaries}, nil
}

func (c *Controller) handleManageWorkflow(ctx context.Context, raw json.RawMessage) (any, error) {
	var args capability.ManageWorkflowArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return map[string]any{"ok": false, "error": "invalid manage_workflow arguments: " + err.Error()}, nil
	}

	wf, err := c.store.GetWorkflow(ctx, args.Workflow)
	if errors.Is(err, store.ErrNotFound) {
		wf, err = c.store.GetWorkflowByName(ctx, args.Workflow)
	}
	if errors.Is(err, store.ErrNotFound) {
		return map[string]any{"ok": false, "error": fmt.Sprintf("no workflow %q", args.Workflow)}, nil
	}
	if err != nil {
		return nil, err
	}

	next, reasonErr := NextStatus(wf.Status, args.Action)
	if reasonErr != nil {
		return map[string]any{"ok": false, "error": reasonErr.Error()}, nil
	}
	wf.Status = next
	if err := c.store.SaveWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "workflowId": wf.ID, "status": wf.Status}, nil
}

// NextStatus applies a lifecycle action. Archive is terminal: an archived
// workflow never reverts.
func NextStatus(current store.WorkflowStatus, action string) (store.WorkflowStatus, error) {
	if current == store.StatusArchived {
		return "", fmt.Errorf("workflow is archived; archived workflows cannot change status")
	}
	switch action {
	case "pause":
		return store.StatusPaused, nil
	case "activate":
		return store.StatusActive, nil
	case "archive":
		return store.StatusArchived, nil
	default:
		return "", fmt.Errorf("unknown action %q (want pause, activate or archive)", action)
	}
}

func (c *Controller) handleConnectorStatus(raw json.RawMessage) (any, error) {
	var args capability.ConnectorStatusArgs
	_ = json.Unmarshal(raw, &args)

	if args.Plugin != "" {
		return map[string]any{"connector": c.connectors.Lookup(args.Plugin)}, nil
	}
	return map[string]any{"connectors": c.connectors.All()}, nil
}
