// Package httpapi exposes the orchestrator's external HTTP surface:
// task submission/polling/cancellation, search, project memory
// changes, and ledger verification. There is no OpenAI-compatible
// passthrough here — every request body is the core's own shape.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/fleetlabs/orchestrator/health"
	"github.com/fleetlabs/orchestrator/internal/ferrors"
	"github.com/fleetlabs/orchestrator/internal/ledger"
	"github.com/fleetlabs/orchestrator/internal/memory"
	"github.com/fleetlabs/orchestrator/internal/observability"
	"github.com/fleetlabs/orchestrator/internal/orchestrator"
	"github.com/fleetlabs/orchestrator/internal/searchindex"
	"github.com/fleetlabs/orchestrator/validation"
)

const maxDescriptionLength = 100000

// ServerConfig controls the wrapping http.Server's network behavior.
// Addr is the only field a caller normally sets; the timeouts default
// to values safe for slow Deep-strategy polling clients.
type ServerConfig struct {
	Addr           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxHeaderBytes int
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:           ":8080",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
}

// Server wires the Orchestrator, Index, Memory, and Ledger to a
// stdlib net/http.ServeMux using Go 1.22's method+pattern routing.
type Server struct {
	orch   *orchestrator.Orchestrator
	index  *searchindex.Index
	memory *memory.Memory
	ledger *ledger.Ledger
	logger observability.Logger

	mux     *http.ServeMux
	server  *http.Server
	checker *health.Checker
}

func New(orch *orchestrator.Orchestrator, index *searchindex.Index, mem *memory.Memory, l *ledger.Ledger, logger observability.Logger) *Server {
	return NewWithConfig(orch, index, mem, l, logger, DefaultServerConfig())
}

func NewWithConfig(orch *orchestrator.Orchestrator, index *searchindex.Index, mem *memory.Memory, l *ledger.Ledger, logger observability.Logger, cfg ServerConfig) *Server {
	if logger == nil {
		logger = observability.NewNoOpLogger()
	}
	s := &Server{orch: orch, index: index, memory: mem, ledger: l, logger: logger, mux: http.NewServeMux(), checker: buildChecker(l, index, mem)}
	s.routes()
	s.server = &http.Server{
		Addr:           cfg.Addr,
		Handler:        s.recoveryMiddleware(s.loggingMiddleware(s.mux)),
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		MaxHeaderBytes: cfg.MaxHeaderBytes,
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Start blocks serving HTTP until the server is shut down or fails.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests before returning.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("http request", observability.String("method", r.Method), observability.String("path", r.URL.Path), observability.Float64("duration_ms", float64(time.Since(start).Milliseconds())))
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", observability.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, ferrors.ErrFatal)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// buildChecker wires the /health and /readyz checks for the three stateful
// dependencies that can make the process unable to do useful work
// even while still accepting connections: a ledger whose store can't
// be read, a search index whose store can't be read, and a memory
// directory that isn't writable.
func buildChecker(l *ledger.Ledger, index *searchindex.Index, mem *memory.Memory) *health.Checker {
	c := health.NewChecker()
	c.RegisterFunc("ledger", func(ctx context.Context) error {
		_, err := l.Head(ctx)
		return err
	}, true)
	c.RegisterFunc("index", func(ctx context.Context) error {
		return index.Ping(ctx)
	}, false)
	c.RegisterFunc("memory", func(ctx context.Context) error {
		return mem.Ping(ctx)
	}, false)
	return c
}

func (s *Server) routes() {
	s.mux.Handle("GET /health", s.checker.Handler())
	s.mux.Handle("GET /livez", s.checker.LivenessHandler())
	s.mux.Handle("GET /readyz", s.checker.ReadinessHandler())
	s.mux.HandleFunc("POST /tasks", s.handleSubmitTask)
	s.mux.HandleFunc("GET /tasks/{id}", s.handleGetTask)
	s.mux.HandleFunc("POST /tasks/{id}:cancel", s.handleCancelTask)
	s.mux.HandleFunc("POST /search", s.handleSearch)
	s.mux.HandleFunc("POST /memory/{project}/changes", s.handleAppendChange)
	s.mux.HandleFunc("GET /memory/{project}/context", s.handleMemoryContext)
	s.mux.HandleFunc("GET /ledger/verify", s.handleLedgerVerify)
}

type submitTaskRequest struct {
	Project          string      `json:"project"`
	Description      string      `json:"description"`
	StructuredInputs interface{} `json:"structured_inputs,omitempty"`
	DeadlineMs       int64       `json:"deadline_ms,omitempty"`
}

type submitTaskResponse struct {
	TaskID string `json:"task_id"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ferrors.ErrInvalidInput)
		return
	}

	v := validation.NewValidator()
	v.Required("project", req.Project)
	v.Required("description", req.Description)
	v.MaxLength("description", req.Description, maxDescriptionLength)
	if err := v.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, ferrors.Wrap("httpapi", "SubmitTask", ferrors.ErrInvalidInput))
		return
	}

	var deadline time.Time
	if req.DeadlineMs > 0 {
		deadline = time.Now().Add(time.Duration(req.DeadlineMs) * time.Millisecond)
	}

	handle, err := s.orch.Submit(r.Context(), req.Project, req.Description, req.StructuredInputs, deadline)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	writeJSON(w, http.StatusAccepted, submitTaskResponse{TaskID: handle.TaskID})
}

type taskStatusResponse struct {
	Status string                `json:"status"`
	Result *orchestrator.Result  `json:"result,omitempty"`
	Error  string                `json:"error,omitempty"`
}

// handleGetTask polls a task with a short deadline: it returns the
// current status immediately if the task is still running rather than
// blocking the HTTP request for the task's full lifetime.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	handle := &orchestrator.Handle{TaskID: id}

	result, err := s.orch.Await(r.Context(), handle, time.Now().Add(50*time.Millisecond))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, taskStatusResponse{Status: "Done", Result: result})
	case ferrorsIs(err, ferrors.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case ferrorsIs(err, ferrors.ErrDeadlineExceeded):
		writeJSON(w, http.StatusOK, taskStatusResponse{Status: "InProgress"})
	default:
		writeJSON(w, http.StatusOK, taskStatusResponse{Status: "Failed", Error: err.Error()})
	}
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.orch.Cancel(&orchestrator.Handle{TaskID: id}); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type searchRequest struct {
	Query   string                 `json:"query"`
	Sources []string               `json:"sources"`
	Filters searchindex.Filters    `json:"filters"`
	Limit   int                    `json:"limit"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ferrors.ErrInvalidInput)
		return
	}

	v := validation.NewValidator()
	v.Required("query", req.Query)
	v.NonNegative("limit", req.Limit)
	if err := v.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, ferrors.Wrap("httpapi", "Search", ferrors.ErrInvalidInput))
		return
	}

	sources := make([]searchindex.SourceKind, 0, len(req.Sources))
	for _, src := range req.Sources {
		sources = append(sources, searchindex.SourceKind(src))
	}

	hits, err := s.index.Search(r.Context(), req.Query, sources, req.Filters, req.Limit)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, hits)
}

type appendChangeRequest struct {
	Entry string `json:"entry"`
}

func (s *Server) handleAppendChange(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")
	var req appendChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ferrors.ErrInvalidInput)
		return
	}

	category := memory.Classify(req.Entry)
	if err := s.memory.AppendChange(r.Context(), project, category, req.Entry); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMemoryContext(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")
	query := r.URL.Query().Get("q")
	budget, _ := strconv.Atoi(r.URL.Query().Get("budget"))
	if budget <= 0 {
		budget = 2000
	}

	text, err := s.memory.RelevantContext(r.Context(), project, query, budget)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"context": text})
}

func (s *Server) handleLedgerVerify(w http.ResponseWriter, r *http.Request) {
	from := r.URL.Query().Get("from")
	to := r.URL.Query().Get("to")

	ok, err := s.ledger.Verify(r.Context(), from, to)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": ok})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case ferrorsIs(err, ferrors.ErrInvalidInput):
		return http.StatusBadRequest
	case ferrorsIs(err, ferrors.ErrNotFound):
		return http.StatusNotFound
	case ferrorsIs(err, ferrors.ErrAlreadyExists):
		return http.StatusConflict
	case ferrorsIs(err, ferrors.ErrDeadlineExceeded):
		return http.StatusGatewayTimeout
	case ferrorsIs(err, ferrors.ErrCancelled):
		return http.StatusRequestTimeout
	case ferrorsIs(err, ferrors.ErrLedgerIntegrity):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func ferrorsIs(err, target error) bool {
	return err != nil && errors.Is(err, target)
}
