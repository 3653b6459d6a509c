// Package controlplane implements the MAS Core HTTP/JSON control-plane
// surface (§4.9, §6): health/readiness, metrics, agent list/get/
// deregister, task submit/status/cancel, chat send, pending-action
// approval, and feedback endpoints. There is no agent registration
// endpoint; agents enter the registry in-process. Routing is
// gorilla/mux and CORS is rs/cors, the exact stack axonflow's example
// services use; every response carries a Correlation-Id header and
// errors share one JSON body shape (§7: "the client always receives
// kind/message/correlation_id on failure").
package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/MycosoftLabs/mycosoft-mas-sub011/actiongate"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/bus"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/correlation"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/errs"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/llmgateway"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/logging"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/metrics"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/registry"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/scheduler"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/store/postgres"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/telemetry"
)

// errorBody is the uniform JSON error shape (§7).
type errorBody struct {
	Kind          string `json:"kind"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id"`
}

// Server wires every control-plane dependency behind an http.Handler.
type Server struct {
	router    *mux.Router
	registry  *registry.Registry
	scheduler *scheduler.Scheduler
	gateway   *llmgateway.Gateway
	gate      *actiongate.Gate
	feedback  *postgres.Store
	bus       *bus.Bus
	logger    logging.Logger
	metrics   metrics.Sink
}

// Config configures a Server.
type Config struct {
	Registry       *registry.Registry
	Scheduler      *scheduler.Scheduler
	Gateway        *llmgateway.Gateway
	Gate           *actiongate.Gate
	Feedback       *postgres.Store
	Bus            *bus.Bus
	Logger         logging.Logger
	Metrics        metrics.Sink
	AllowedOrigins []string
}

// New builds the control-plane router; Handler wraps it in CORS
// middleware.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.NoOp{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NoOp{}
	}
	s := &Server{
		router: mux.NewRouter(), registry: cfg.Registry, scheduler: cfg.Scheduler,
		gateway: cfg.Gateway, gate: cfg.Gate, feedback: cfg.Feedback, bus: cfg.Bus,
		logger: cfg.Logger, metrics: cfg.Metrics,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(s.correlationMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	s.router.HandleFunc("/agents", s.handleListAgents).Methods(http.MethodGet)
	s.router.HandleFunc("/agents/{id}", s.handleGetAgent).Methods(http.MethodGet)
	s.router.HandleFunc("/agents/{id}", s.handleDeregisterAgent).Methods(http.MethodDelete)

	s.router.HandleFunc("/tasks", s.handleSubmitTask).Methods(http.MethodPost)
	s.router.HandleFunc("/tasks/{id}", s.handleTaskStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/tasks/{id}", s.handleCancelTask).Methods(http.MethodDelete)

	s.router.HandleFunc("/chat/send", s.handleChatSend).Methods(http.MethodPost)

	s.router.HandleFunc("/actions/pending", s.handlePendingActions).Methods(http.MethodGet)
	s.router.HandleFunc("/actions/{id}/decide", s.handleDecideAction).Methods(http.MethodPost)

	s.router.HandleFunc("/feedback", s.handleSubmitFeedback).Methods(http.MethodPost)
	s.router.HandleFunc("/feedback/recent", s.handleRecentFeedback).Methods(http.MethodGet)
	s.router.HandleFunc("/feedback/summary", s.handleFeedbackSummary).Methods(http.MethodGet)
}

// Handler wraps the router with CORS, the last middleware applied so
// every route (including /metrics) gets preflight handling.
func (s *Server) Handler(allowedOrigins []string) http.Handler {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(s.router)
}

func (s *Server) correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		incoming := r.Header.Get("Correlation-Id")
		ctx, id := correlation.FromOrNew(correlation.With(r.Context(), incoming))
		w.Header().Set("Correlation-Id", id)

		ctx, end := telemetry.StartSpan(ctx, "http."+r.Method+" "+r.URL.Path,
			attribute.String("http.method", r.Method), attribute.String("http.path", r.URL.Path))
		var err error
		defer end(&err)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, ctx context.Context, status int, err error) {
	kind := "internal"
	if ce, ok := err.(*errs.CoreError); ok {
		kind = ce.Kind
		if ce.RetryAfter != "" {
			w.Header().Set("Retry-After", ce.RetryAfter)
		}
	}
	writeJSON(w, status, errorBody{Kind: kind, Message: err.Error(), CorrelationID: correlation.From(ctx)})
}

func statusFor(err error) int {
	switch {
	case errs.Terminal(err):
		return http.StatusBadRequest
	case errs.Retryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	agents, err := s.registry.List(ctx)
	if err != nil {
		s.writeError(w, ctx, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]
	d, err := s.registry.Lookup(ctx, id)
	if err != nil {
		s.writeError(w, ctx, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDeregisterAgent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]
	if err := s.registry.Deregister(ctx, id); err != nil {
		s.writeError(w, ctx, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type submitTaskRequest struct {
	Capability     string      `json:"capability"`
	Input          interface{} `json:"input"`
	IdempotencyKey string      `json:"idempotency_key"`
	Priority       string      `json:"priority"`
	DeadlineMs     int64       `json:"deadline_ms"`
	MaxAttempts    int         `json:"max_attempts"`
	BackoffBaseMs  int64       `json:"backoff_base_ms"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, ctx, http.StatusBadRequest, errs.New("controlplane.submit_task", "validation", "", correlation.From(ctx), errs.ErrValidation))
		return
	}

	var opts []scheduler.SubmitOption
	switch scheduler.Priority(req.Priority) {
	case scheduler.PriorityLow, scheduler.PriorityNormal, scheduler.PriorityHigh:
		opts = append(opts, scheduler.WithPriority(scheduler.Priority(req.Priority)))
	}
	if req.DeadlineMs > 0 {
		opts = append(opts, scheduler.WithDeadline(time.UnixMilli(req.DeadlineMs)))
	}
	if req.MaxAttempts > 0 {
		opts = append(opts, scheduler.WithMaxAttempts(req.MaxAttempts))
	}
	if req.BackoffBaseMs > 0 {
		opts = append(opts, scheduler.WithBackoffBase(time.Duration(req.BackoffBaseMs)*time.Millisecond))
	}

	id, err := s.scheduler.Submit(ctx, req.Capability, req.Input, req.IdempotencyKey, opts...)
	if err != nil {
		s.writeError(w, ctx, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]
	rec, err := s.scheduler.Status(id)
	if err != nil {
		s.writeError(w, ctx, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]
	if err := s.scheduler.Cancel(id); err != nil {
		s.writeError(w, ctx, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type chatSendRequest struct {
	RoleTag string `json:"role_tag"`
	Prompt  string `json:"prompt"`
}

func (s *Server) handleChatSend(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req chatSendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, ctx, http.StatusBadRequest, errs.New("controlplane.chat_send", "validation", "", correlation.From(ctx), errs.ErrValidation))
		return
	}
	resp, err := s.gateway.Invoke(ctx, llmgateway.Request{RoleTag: req.RoleTag, Prompt: req.Prompt})
	if err != nil {
		s.writeError(w, ctx, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePendingActions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gate.PendingCheckpoints())
}

type decideActionRequest struct {
	Command CommandTypeJSON `json:"command"`
	Reason  string          `json:"reason"`
}

// CommandTypeJSON aliases actiongate.CommandType for request binding.
type CommandTypeJSON = actiongate.CommandType

func (s *Server) handleDecideAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]
	var req decideActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, ctx, http.StatusBadRequest, errs.New("controlplane.decide_action", "validation", id, correlation.From(ctx), errs.ErrValidation))
		return
	}
	if err := s.gate.Decide(id, actiongate.Decision{Command: req.Command, Reason: req.Reason}); err != nil {
		s.writeError(w, ctx, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type submitFeedbackRequest struct {
	AgentID string `json:"agent_id"`
	Rating  int    `json:"rating"`
	Comment string `json:"comment"`
}

func (s *Server) handleSubmitFeedback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req submitFeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, ctx, http.StatusBadRequest, errs.New("controlplane.submit_feedback", "validation", "", correlation.From(ctx), errs.ErrValidation))
		return
	}
	entry := postgres.FeedbackEntry{
		ID: correlation.New(), CorrelationID: correlation.From(ctx), AgentID: req.AgentID,
		Rating: req.Rating, Comment: req.Comment, CreatedAt: time.Now().UTC(),
	}
	if err := s.feedback.SubmitFeedback(ctx, entry); err != nil {
		s.writeError(w, ctx, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleRecentFeedback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entries, err := s.feedback.RecentFeedback(ctx, 50)
	if err != nil {
		s.writeError(w, ctx, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleFeedbackSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	summary, err := s.feedback.SummarizeFeedback(ctx)
	if err != nil {
		s.writeError(w, ctx, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
