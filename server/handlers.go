package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loomhq/loom/pipeline"
	"github.com/loomhq/loom/queue"
	"github.com/loomhq/loom/schedule"
	"github.com/loomhq/loom/store"
)

const maxBodyBytes = 1 << 20

type triggerRequest struct {
	Prompt string `json:"prompt"`
}

type resumeRequest struct {
	SessionID string `json:"sessionId"`
	Answer    string `json:"answer"`
}

type webhookRequest struct {
	Plugin  string          `json:"plugin"`
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

type updateWorkflowRequest struct {
	Description  *string               `json:"description"`
	CronSchedule *string               `json:"cronSchedule"`
	Webhook      *store.WebhookTrigger `json:"webhook"`
	Status       *string               `json:"status"`
}

type runWorkflowRequest struct {
	Payload json.RawMessage `json:"payload"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Agent == nil {
		writeError(w, http.StatusServiceUnavailable, "no model provider configured")
		return
	}
	var req triggerRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	outcome, err := s.cfg.Agent.Run(r.Context(), req.Prompt)
	if err != nil {
		s.log.Warn("trigger failed", zap.Error(err))
		writeError(w, httpStatusForError(err), errorMessage(err))
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Agent == nil {
		writeError(w, http.StatusServiceUnavailable, "no model provider configured")
		return
	}
	var req resumeRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	outcome, err := s.cfg.Agent.Resume(r.Context(), req.SessionID, req.Answer)
	if err != nil {
		s.log.Warn("resume failed", zap.String("session", req.SessionID), zap.Error(err))
		writeError(w, httpStatusForError(err), errorMessage(err))
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// handleWebhook acknowledges the external sender immediately; matching and
// execution happen asynchronously on the worker side of the queue. The
// response is 200 regardless so senders never retry into our failures.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	// External senders attach arbitrary envelope fields; decode leniently.
	var req webhookRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"accepted": false, "reason": err.Error()})
		return
	}
	if req.Plugin == "" || req.Action == "" {
		writeJSON(w, http.StatusOK, map[string]any{"accepted": false, "reason": "plugin and action are required"})
		return
	}

	job := queue.Job{
		ID:         uuid.NewString(),
		Plugin:     req.Plugin,
		Action:     req.Action,
		Payload:    req.Payload,
		EnqueuedAt: time.Now().UTC(),
	}
	eventID, err := s.cfg.Queue.Enqueue(r.Context(), job)
	if err != nil {
		s.log.Error("failed to enqueue webhook event",
			zap.String("plugin", req.Plugin),
			zap.String("action", req.Action),
			zap.Error(err))
		writeJSON(w, http.StatusOK, map[string]any{"accepted": false, "reason": "event could not be queued"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accepted": true, "eventId": eventID})
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	query := store.ListWorkflowsQuery{}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := store.WorkflowStatus(raw)
		switch status {
		case store.StatusActive, store.StatusPaused, store.StatusArchived:
			query.Status = status
		default:
			writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(raw))
			return
		}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		query.Limit = limit
	}

	workflows, err := s.cfg.Store.ListWorkflows(r.Context(), query)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": workflows})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.resolveWorkflow(r.Context(), r.PathValue("ref"))
	if err != nil {
		writeError(w, httpStatusForError(err), errorMessage(err))
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// handleUpdateWorkflow validates the whole request before mutating anything:
// a rejected update leaves the stored workflow exactly as it was.
func (s *Server) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req updateWorkflowRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	wf, err := s.resolveWorkflow(r.Context(), r.PathValue("ref"))
	if err != nil {
		writeError(w, httpStatusForError(err), errorMessage(err))
		return
	}
	if wf.Status == store.StatusArchived {
		writeError(w, http.StatusConflict, "archived workflows cannot be modified")
		return
	}

	if req.CronSchedule != nil && *req.CronSchedule != "" && req.Webhook != nil {
		writeError(w, http.StatusBadRequest, "cron schedule and webhook trigger are mutually exclusive")
		return
	}
	if req.CronSchedule != nil && *req.CronSchedule != "" {
		if err := pipeline.ValidateTrigger(*req.CronSchedule, nil); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.Webhook != nil {
		if err := pipeline.ValidateTrigger("", req.Webhook); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.Status != nil {
		switch store.WorkflowStatus(*req.Status) {
		case store.StatusActive, store.StatusPaused, store.StatusArchived:
		default:
			writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(*req.Status))
			return
		}
	}

	if req.Description != nil {
		wf.Description = strings.TrimSpace(*req.Description)
	}
	switch {
	case req.CronSchedule != nil && *req.CronSchedule != "":
		wf.TriggerType = store.TriggerCron
		wf.CronSchedule = *req.CronSchedule
		wf.Webhook = nil
		next, err := schedule.NextRun(wf.CronSchedule, time.Now().UTC())
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		wf.NextRunAt = &next
	case req.CronSchedule != nil:
		// Explicit empty schedule downgrades the workflow to manual-only.
		wf.TriggerType = store.TriggerManual
		wf.CronSchedule = ""
		wf.Webhook = nil
		wf.NextRunAt = nil
	case req.Webhook != nil:
		hook := *req.Webhook
		wf.TriggerType = store.TriggerWebhook
		wf.Webhook = &hook
		wf.CronSchedule = ""
		wf.NextRunAt = nil
	}
	if req.Status != nil {
		wf.Status = store.WorkflowStatus(*req.Status)
	}
	wf.UpdatedAt = time.Now().UTC()

	if err := s.cfg.Store.SaveWorkflow(r.Context(), wf); err != nil {
		writeError(w, httpStatusForError(err), errorMessage(err))
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleArchiveWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.resolveWorkflow(r.Context(), r.PathValue("ref"))
	if err != nil {
		writeError(w, httpStatusForError(err), errorMessage(err))
		return
	}
	if wf.Status != store.StatusArchived {
		wf.Status = store.StatusArchived
		wf.NextRunAt = nil
		wf.UpdatedAt = time.Now().UTC()
		if err := s.cfg.Store.SaveWorkflow(r.Context(), wf); err != nil {
			writeError(w, httpStatusForError(err), errorMessage(err))
			return
		}
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.resolveWorkflow(r.Context(), r.PathValue("ref"))
	if err != nil {
		writeError(w, httpStatusForError(err), errorMessage(err))
		return
	}
	if wf.Status == store.StatusArchived {
		writeError(w, http.StatusConflict, "archived workflows cannot be run")
		return
	}

	var req runWorkflowRequest
	if r.ContentLength != 0 {
		if err := readJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	exec := s.cfg.Runner.Fire(r.Context(), wf, store.SourceManual, req.Payload)
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	wf, err := s.resolveWorkflow(r.Context(), r.PathValue("ref"))
	if err != nil {
		writeError(w, httpStatusForError(err), errorMessage(err))
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	executions, err := s.cfg.Store.ListExecutions(r.Context(), wf.ID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": executions})
}

func readJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
