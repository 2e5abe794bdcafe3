package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/JakeFAU/restock-monitor/internal/config"
	"github.com/JakeFAU/restock-monitor/internal/metrics"
	"github.com/JakeFAU/restock-monitor/internal/monitor"
	"github.com/JakeFAU/restock-monitor/internal/scheduler"
)

// Scheduler is the part of the scheduler the API drives.
type Scheduler interface {
	RunNow(ctx context.Context, task monitor.Task) (monitor.RunResult, error)
	Enqueue(taskID, reason string) error
	Forget(taskID string)
	TaskState(taskID string) scheduler.State
	Status() scheduler.Status
}

// Mailer sends the test email and reports relay configuration.
type Mailer interface {
	Configured() bool
	SendTest(ctx context.Context, to string) error
}

// Deps are the collaborators behind the HTTP handlers. Pingers are called by the
// system status endpoint, keyed by dependency name.
type Deps struct {
	Store     monitor.Store
	Scheduler Scheduler
	IDs       monitor.IDGenerator
	Clock     monitor.Clock
	Mailer    Mailer
	Pingers   map[string]monitor.Pinger
}

// Server wires HTTP handlers to the store and scheduler.
type Server struct {
	router   chi.Router
	deps     Deps
	validate *validator.Validate
	cfg      config.Config
	logger   *zap.Logger
}

const pingTimeout = 5 * time.Second

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		deps:     deps,
		validate: newValidator(cfg.Sites.Known),
		cfg:      cfg,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout()))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/monitors", func(r chi.Router) {
			r.Post("/", s.createMonitor)
			r.Get("/", s.listMonitors)
			r.Get("/{id}", s.getMonitor)
			r.Delete("/{id}", s.deleteMonitor)
			r.Post("/{id}/run", s.runMonitor)
		})
		r.Get("/system/status", s.systemStatus)
		r.Post("/system/test-email", s.testEmail)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
	defer cancel()
	if err := s.deps.Store.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type monitorView struct {
	Task     monitor.Task      `json:"task"`
	State    scheduler.State   `json:"state"`
	Verdicts []monitor.Verdict `json:"verdicts"`
}

type createMonitorResponse struct {
	TaskID string             `json:"task_id"`
	Task   monitor.Task       `json:"task"`
	Run    string             `json:"run"`
	Result *monitor.RunResult `json:"result"`
	Error  string             `json:"error,omitempty"`
}

func (s *Server) createMonitor(w http.ResponseWriter, r *http.Request) {
	var req createMonitorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.Keyword = strings.TrimSpace(req.Keyword)
	req.NotificationEmail = strings.TrimSpace(req.NotificationEmail)
	req.TargetSites = monitor.NormalizeSites(req.TargetSites)
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	id, err := s.deps.IDs.NewID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate task id")
		return
	}
	task := monitor.Task{
		ID:                id,
		Keyword:           req.Keyword,
		TargetSites:       req.TargetSites,
		NotificationEmail: req.NotificationEmail,
		CreatedAt:         s.deps.Clock.Now(),
	}
	if _, err := s.deps.Store.CreateTask(r.Context(), task); err != nil {
		s.logger.Error("create task failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to store task")
		return
	}
	s.logger.Info("monitor created",
		zap.String("task_id", task.ID),
		zap.String("keyword", task.Keyword),
		zap.Strings("sites", task.TargetSites))

	resp := createMonitorResponse{TaskID: task.ID, Task: task}
	if !s.cfg.API.ImmediateRun {
		s.enqueueCreated(&resp)
		writeJSON(w, http.StatusCreated, resp)
		return
	}

	runCtx := r.Context()
	if budget := s.cfg.ImmediateRunTimeout(); budget > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, budget)
		defer cancel()
	}
	result, err := s.deps.Scheduler.RunNow(runCtx, task)
	if errors.Is(err, context.DeadlineExceeded) && r.Context().Err() == nil {
		s.logger.Warn("immediate run exceeded its budget; queued instead",
			zap.String("task_id", task.ID),
			zap.Duration("budget", s.cfg.ImmediateRunTimeout()))
		s.enqueueCreated(&resp)
		writeJSON(w, http.StatusCreated, resp)
		return
	}
	resp.Run = "completed"
	resp.Result = &result
	if err != nil {
		resp.Run = "failed"
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) enqueueCreated(resp *createMonitorResponse) {
	resp.Run = "queued"
	if err := s.deps.Scheduler.Enqueue(resp.TaskID, scheduler.ReasonCreated); err != nil {
		resp.Run = "deferred"
		resp.Error = err.Error()
	}
}

func (s *Server) listMonitors(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.deps.Store.ListTasks(r.Context())
	if err != nil {
		s.logger.Error("list tasks failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list monitors")
		return
	}
	views := make([]monitorView, 0, len(tasks))
	for _, task := range tasks {
		view, err := s.view(r.Context(), task)
		if err != nil {
			if errors.Is(err, monitor.ErrTaskNotFound) {
				continue
			}
			s.logger.Error("list verdicts failed", zap.String("task_id", task.ID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to list verdicts")
			return
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"monitors": views, "count": len(views)})
}

func (s *Server) getMonitor(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.deps.Store.GetTask(r.Context(), id)
	if errors.Is(err, monitor.ErrTaskNotFound) {
		writeNotFound(w, id)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load monitor")
		return
	}
	view, err := s.view(r.Context(), task)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list verdicts")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) deleteMonitor(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.deps.Store.DeleteTask(r.Context(), id)
	if errors.Is(err, monitor.ErrTaskNotFound) {
		writeNotFound(w, id)
		return
	}
	if err != nil {
		s.logger.Error("delete task failed", zap.String("task_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to delete monitor")
		return
	}
	s.deps.Scheduler.Forget(id)
	s.logger.Info("monitor deleted", zap.String("task_id", id))
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "task_id": id})
}

// runMonitor queues a manual run for an existing monitor.
func (s *Server) runMonitor(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Store.GetTask(r.Context(), id); err != nil {
		if errors.Is(err, monitor.ErrTaskNotFound) {
			writeNotFound(w, id)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load monitor")
		return
	}
	err := s.deps.Scheduler.Enqueue(id, scheduler.ReasonManual)
	switch {
	case errors.Is(err, scheduler.ErrTaskBusy):
		writeError(w, http.StatusConflict, "monitor is already queued or running")
		return
	case err != nil:
		s.logger.Warn("manual run not queued", zap.String("task_id", id), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.logger.Info("manual run queued", zap.String("task_id", id))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "task_id": id})
}

func (s *Server) view(ctx context.Context, task monitor.Task) (monitorView, error) {
	verdicts, err := s.deps.Store.ListVerdicts(ctx, task.ID)
	if err != nil {
		return monitorView{}, fmt.Errorf("list verdicts: %w", err)
	}
	if verdicts == nil {
		verdicts = []monitor.Verdict{}
	}
	return monitorView{Task: task, State: s.deps.Scheduler.TaskState(task.ID), Verdicts: verdicts}, nil
}

type dependencyStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) systemStatus(w http.ResponseWriter, r *http.Request) {
	deps := make(map[string]dependencyStatus, len(s.deps.Pingers))
	for name, pinger := range s.deps.Pingers {
		ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
		err := pinger.Ping(ctx)
		cancel()
		switch {
		case err == nil:
			deps[name] = dependencyStatus{Status: "ok"}
		case errors.Is(err, monitor.ErrNotConfigured):
			deps[name] = dependencyStatus{Status: "unconfigured"}
		default:
			deps[name] = dependencyStatus{Status: "unreachable", Error: err.Error()}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"time":         s.deps.Clock.Now(),
		"scheduler":    s.deps.Scheduler.Status(),
		"dependencies": deps,
		"mail_enabled": s.deps.Mailer != nil && s.deps.Mailer.Configured(),
	})
}

func (s *Server) testEmail(w http.ResponseWriter, r *http.Request) {
	var req testEmailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}
	if s.deps.Mailer == nil || !s.deps.Mailer.Configured() {
		writeError(w, http.StatusServiceUnavailable, "mail relay not configured")
		return
	}
	if err := s.deps.Mailer.SendTest(r.Context(), req.Email); err != nil {
		s.logger.Warn("test email failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent", "email": req.Email})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"status": "error", "message": msg})
}

func writeNotFound(w http.ResponseWriter, id string) {
	writeJSON(w, http.StatusNotFound, map[string]string{
		"status":  "not_found",
		"message": fmt.Sprintf("monitor %s not found", id),
	})
}
