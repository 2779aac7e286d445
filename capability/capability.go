// Package capability declares the closed set of operations the model may
// invoke. Dispatch is by tagged kind with an exhaustive switch, not a
// name-keyed handler table; exactly one kind (AskHuman) has no server-side
// handler and suspends the agent loop instead.
package capability

import (
	"github.com/loomhq/loom/types"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindRunCode
	KindListWorkflows
	KindManageWorkflow
	KindConnectorStatus
	KindAskHuman
)

const (
	NameRunCode         = "write_and_run_code"
	NameListWorkflows   = "list_workflows"
	NameManageWorkflow  = "manage_workflow"
	NameConnectorStatus = "connector_status"
	NameAskHuman        = "ask_human"
)

func KindOf(name string) Kind {
	switch name {
	case NameRunCode:
		return KindRunCode
	case NameListWorkflows:
		return KindListWorkflows
	case NameManageWorkflow:
		return KindManageWorkflow
	case NameConnectorStatus:
		return KindConnectorStatus
	case NameAskHuman:
		return KindAskHuman
	default:
		return KindUnknown
	}
}

// RunCodeArgs is the payload for the write-and-run capability. Kind is
// "script" for run-once code and "workflow" for a persisted definition.
type RunCodeArgs struct {
	Kind          string `json:"kind"`
	Description   string `json:"description,omitempty"`
	Source        string `json:"source"`
	CronSchedule  string `json:"cronSchedule,omitempty"`
	WebhookPlugin string `json:"webhookPlugin,omitempty"`
	WebhookAction string `json:"webhookAction,omitempty"`
	WebhookFilter string `json:"webhookFilter,omitempty"`
}

type ListWorkflowsArgs struct {
	Status string `json:"status,omitempty"`
}

type ManageWorkflowArgs struct {
	Workflow string `json:"workflow"` // id or name
	Action   string `json:"action"`   // pause | activate | archive
}

type ConnectorStatusArgs struct {
	Plugin string `json:"plugin,omitempty"`
}

type AskHumanArgs struct {
	Question string `json:"question"`
}

// Definitions returns the tool surface presented to the model.
func Definitions() []types.ToolDefinition {
	return []types.ToolDefinition{
		{
			Name: NameRunCode,
			Description: "Write and submit JavaScript. kind=script verifies and runs the code " +
				"immediately, once. kind=workflow verifies the code and saves it as a " +
				"triggerable workflow; the source must contain exactly one exported async " +
				"function, whose name becomes the workflow name. Set cronSchedule OR " +
				"webhookPlugin+webhookAction, never both. Webhook payloads are available " +
				"as the global `payload`.",
			JSONSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"kind": map[string]any{
						"type": "string",
						"enum": []string{"script", "workflow"},
					},
					"description": map[string]any{
						"type":        "string",
						"description": "Human-readable summary of what the workflow does.",
					},
					"source": map[string]any{
						"type":        "string",
						"description": "The JavaScript source.",
					},
					"cronSchedule": map[string]any{
						"type":        "string",
						"description": "Five-field cron expression. Only minute and hour are evaluated.",
					},
					"webhookPlugin": map[string]any{"type": "string"},
					"webhookAction": map[string]any{"type": "string"},
					"webhookFilter": map[string]any{
						"type":        "string",
						"description": "Optional boolean expression over the event payload, e.g. payload.priority > 2.",
					},
				},
				"required": []string{"kind", "source"},
			},
		},
		{
			Name:        NameListWorkflows,
			Description: "List saved workflows, optionally filtered by status (active, paused, archived).",
			JSONSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"status": map[string]any{
						"type": "string",
						"enum": []string{"active", "paused", "archived"},
					},
				},
			},
		},
		{
			Name:        NameManageWorkflow,
			Description: "Pause, activate or archive a workflow by id or name. Archiving is how workflows are deleted; archived workflows never fire again.",
			JSONSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"workflow": map[string]any{"type": "string"},
					"action": map[string]any{
						"type": "string",
						"enum": []string{"pause", "activate", "archive"},
					},
				},
				"required": []string{"workflow", "action"},
			},
		},
		{
			Name:        NameConnectorStatus,
			Description: "Report which connector plugins have credentials on file and are ready to use. Pass a plugin name for one connector, or omit it for all.",
			JSONSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"plugin": map[string]any{"type": "string"},
				},
			},
		},
		{
			Name:        NameAskHuman,
			Description: "Ask the human a question when you are missing information you cannot infer. The conversation pauses until they answer.",
			JSONSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"question": map[string]any{"type": "string"},
				},
				"required": []string{"question"},
			},
		},
	}
}
