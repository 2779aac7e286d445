// Package server is the HTTP surface: the trigger/resume endpoints in front
// of the agent loop, the webhook receiver, and workflow administration.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomhq/loom/controller"
	"github.com/loomhq/loom/pipeline"
	"github.com/loomhq/loom/queue"
	"github.com/loomhq/loom/scheduler"
	"github.com/loomhq/loom/store"
)

// Agent is the slice of the controller the server needs. Nil when no model
// provider credential is configured; the trigger endpoints then refuse
// service while the scheduler keeps running.
type Agent interface {
	Run(ctx context.Context, input string) (controller.Outcome, error)
	Resume(ctx context.Context, sessionID, answer string) (controller.Outcome, error)
}

type Config struct {
	Addr   string
	Agent  Agent
	Store  store.Store
	Queue  queue.Queue
	Runner *scheduler.Runner
	Logger *zap.Logger
}

type Server struct {
	cfg  Config
	log  *zap.Logger
	mux  *http.ServeMux
	http *http.Server
	once sync.Once
}

func New(cfg Config) *Server {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = ":8080"
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		cfg: cfg,
		log: log,
		mux: http.NewServeMux(),
	}
	s.registerRoutes()
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /trigger", s.handleTrigger)
	s.mux.HandleFunc("POST /trigger/resume", s.handleResume)
	s.mux.HandleFunc("POST /webhook", s.handleWebhook)

	s.mux.HandleFunc("GET /workflows", s.handleListWorkflows)
	s.mux.HandleFunc("GET /workflows/{ref}", s.handleGetWorkflow)
	s.mux.HandleFunc("PATCH /workflows/{ref}", s.handleUpdateWorkflow)
	s.mux.HandleFunc("DELETE /workflows/{ref}", s.handleArchiveWorkflow)
	s.mux.HandleFunc("POST /workflows/{ref}/run", s.handleRunWorkflow)
	s.mux.HandleFunc("GET /workflows/{ref}/executions", s.handleListExecutions)

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.http.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		s.log.Info("shutdown signal received, stopping http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("http shutdown error", zap.Error(err))
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) Close() error {
	var outErr error
	s.once.Do(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		outErr = s.http.Shutdown(shutdownCtx)
	})
	return outErr
}

func (s *Server) resolveWorkflow(ctx context.Context, ref string) (store.Workflow, error) {
	wf, err := s.cfg.Store.GetWorkflow(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		return s.cfg.Store.GetWorkflowByName(ctx, ref)
	}
	return wf, err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	_ = r
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"providerAvailable": s.cfg.Agent != nil,
	})
}

func httpStatusForError(err error) int {
	var ve *pipeline.ValidationError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func errorMessage(err error) string {
	var fatal *controller.FatalError
	if errors.As(err, &fatal) {
		return fatal.Error()
	}
	return fmt.Sprintf("%v", err)
}
