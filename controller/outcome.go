package controller

import (
	"fmt"

	"github.com/loomhq/loom/store"
)

type OutcomeKind string

const (
	// OutcomeMessage: the model answered without needing code.
	OutcomeMessage OutcomeKind = "message"
	// OutcomeNeedsInput: the loop suspended; the caller must resume with an
	// answer keyed by SessionID.
	OutcomeNeedsInput OutcomeKind = "needs_input"
	// OutcomeScript: a one-off script the loop already executed exactly
	// once. Callers must never re-execute it.
	OutcomeScript OutcomeKind = "script"
	// OutcomeWorkflow: a compiled-but-not-yet-run workflow definition that
	// has been persisted.
	OutcomeWorkflow OutcomeKind = "workflow"
)

type ScriptResult struct {
	Code   string `json:"code"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Outcome is the tagged result of one agent invocation. Exactly the fields
// for its Kind are set.
type Outcome struct {
	Kind OutcomeKind `json:"kind"`

	Message string `json:"message,omitempty"`

	Question  string `json:"question,omitempty"`
	SessionID string `json:"sessionId,omitempty"`

	Script *ScriptResult `json:"script,omitempty"`

	Workflow *store.Workflow `json:"workflow,omitempty"`
}

// FatalError marks a failure of the whole invocation: the step budget ran
// out, or the loop terminated in a state that maps to no valid outcome.
// Never retried automatically.
type FatalError struct {
	Reason string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("controller failure: %s", e.Reason)
}
