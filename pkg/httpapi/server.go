// Package httpapi exposes the engine over HTTP.
//
// Routes:
//
//	POST   /workflows                                 register a definition
//	GET    /workflows/{id}                            latest (or ?version=N) definition
//	POST   /workflows/{id}/test                       run with mocked node results
//	POST   /executions                                create (Idempotency-Key honored)
//	GET    /executions                                list (?workflow_id, ?status, ?limit)
//	GET    /executions/{id}                           full execution
//	GET    /executions/{id}/status
//	GET    /executions/{id}/logs
//	GET    /executions/{id}/timeline
//	GET    /executions/{id}/children
//	POST   /executions/{id}/pause|resume|terminate|replay
//	POST   /executions/{id}/signals/{name}
//	POST   /executions/{id}/debug/enable|disable|step
//	POST   /executions/{id}/debug/breakpoints
//	DELETE /executions/{id}/debug/breakpoints/{node}
//	GET    /executions/{id}/debug/inspect
//	POST   /webhooks/{path}                           signal executions waiting on path
//	POST   /schedules, GET /schedules, GET /schedules/{id}
//	POST   /schedules/{id}/pause|resume
//	GET    /analytics/summary
package httpapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/petrijr/fluxgraph/internal/engine"
	"github.com/petrijr/fluxgraph/internal/scheduler"
	"github.com/petrijr/fluxgraph/pkg/api"
)

const (
	DefaultWebhookRate  = rate.Limit(10)
	DefaultWebhookBurst = 20

	maxBodyBytes = 1 << 20
)

// Options configures a Server.
type Options struct {
	// Scheduler enables the /schedules routes.
	Scheduler *scheduler.Scheduler

	// WebhookRate and WebhookBurst limit requests per webhook path.
	WebhookRate  rate.Limit
	WebhookBurst int

	Logger *slog.Logger
}

// Server routes HTTP requests to an engine.
type Server struct {
	engine    *engine.Engine
	scheduler *scheduler.Scheduler
	logger    *slog.Logger
	mux       *http.ServeMux

	limit    rate.Limit
	burst    int
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New builds a server and its routes.
func New(eng *engine.Engine, opts Options) *Server {
	if opts.WebhookRate <= 0 {
		opts.WebhookRate = DefaultWebhookRate
	}
	if opts.WebhookBurst <= 0 {
		opts.WebhookBurst = DefaultWebhookBurst
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		engine:    eng,
		scheduler: opts.Scheduler,
		logger:    opts.Logger.With("component", "httpapi"),
		mux:       http.NewServeMux(),
		limit:     opts.WebhookRate,
		burst:     opts.WebhookBurst,
		limiters:  make(map[string]*rate.Limiter),
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	m := s.mux

	m.HandleFunc("POST /workflows", s.handleRegisterWorkflow)
	m.HandleFunc("GET /workflows/{id}", s.handleGetWorkflow)
	m.HandleFunc("POST /workflows/{id}/test", s.handleTestWorkflow)

	m.HandleFunc("POST /executions", s.handleCreateExecution)
	m.HandleFunc("GET /executions", s.handleListExecutions)
	m.HandleFunc("GET /executions/{id}", s.handleGetExecution)
	m.HandleFunc("GET /executions/{id}/status", s.handleStatus)
	m.HandleFunc("GET /executions/{id}/logs", s.handleLogs)
	m.HandleFunc("GET /executions/{id}/timeline", s.handleTimeline)
	m.HandleFunc("GET /executions/{id}/children", s.handleChildren)
	m.HandleFunc("POST /executions/{id}/pause", s.lifecycle(s.engine.PauseExecution))
	m.HandleFunc("POST /executions/{id}/resume", s.lifecycle(s.engine.ResumeExecution))
	m.HandleFunc("POST /executions/{id}/terminate", s.lifecycle(s.engine.TerminateExecution))
	m.HandleFunc("POST /executions/{id}/replay", s.handleReplay)
	m.HandleFunc("POST /executions/{id}/signals/{name}", s.handleSignal)

	m.HandleFunc("POST /executions/{id}/debug/enable", s.handleDebugEnable)
	m.HandleFunc("POST /executions/{id}/debug/disable", s.handleDebugDisable)
	m.HandleFunc("POST /executions/{id}/debug/step", s.handleDebugStep)
	m.HandleFunc("POST /executions/{id}/debug/breakpoints", s.handleSetBreakpoint)
	m.HandleFunc("DELETE /executions/{id}/debug/breakpoints/{node}", s.handleClearBreakpoint)
	m.HandleFunc("GET /executions/{id}/debug/inspect", s.handleDebugInspect)

	m.HandleFunc("POST /webhooks/{path...}", s.handleWebhook)

	m.HandleFunc("POST /schedules", s.handleCreateSchedule)
	m.HandleFunc("GET /schedules", s.handleListSchedules)
	m.HandleFunc("GET /schedules/{id}", s.handleGetSchedule)
	m.HandleFunc("POST /schedules/{id}/pause", s.handleScheduleActive(false))
	m.HandleFunc("POST /schedules/{id}/resume", s.handleScheduleActive(true))

	m.HandleFunc("GET /analytics/summary", s.handleSummary)
}

// --- workflows ---

func (s *Server) handleRegisterWorkflow(w http.ResponseWriter, r *http.Request) {
	var def api.WorkflowDefinition
	if !s.decode(w, r, &def) {
		return
	}
	registered, err := s.engine.RegisterWorkflow(r.Context(), def)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, registered)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	version := 0
	if q := r.URL.Query().Get("version"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "version must be a non-negative integer")
			return
		}
		version = n
	}
	def, err := s.engine.Persistence().Workflows.GetWorkflow(r.Context(), r.PathValue("id"), version)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

type testRequest struct {
	TriggerData map[string]any `json:"trigger_data"`
	Mocks       map[string]any `json:"mocks"`
}

func (s *Server) handleTestWorkflow(w http.ResponseWriter, r *http.Request) {
	var in testRequest
	if !s.decode(w, r, &in) {
		return
	}
	exec, err := s.engine.TestRun(r.Context(), r.PathValue("id"), in.TriggerData, in.Mocks)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// --- executions ---

type createRequest struct {
	WorkflowID  string         `json:"workflow_id"`
	Version     int            `json:"version"`
	TriggerData map[string]any `json:"trigger_data"`
	Priority    int            `json:"priority"`
	Debug       bool           `json:"debug"`
}

type statusView struct {
	ID            string     `json:"id"`
	WorkflowID    string     `json:"workflow_id"`
	Status        api.Status `json:"status"`
	CurrentNodes  []string   `json:"current_node_ids"`
	WaitingSignal string     `json:"waiting_signal,omitempty"`
	Error         string     `json:"error,omitempty"`
	Version       int64      `json:"version"`
}

func viewOf(exec *api.WorkflowExecution) statusView {
	nodes := exec.State.CurrentNodeIDs
	if nodes == nil {
		nodes = []string{}
	}
	return statusView{
		ID:            exec.ID,
		WorkflowID:    exec.WorkflowID,
		Status:        exec.Status,
		CurrentNodes:  nodes,
		WaitingSignal: exec.State.WaitingSignal,
		Error:         exec.Error,
		Version:       exec.Version,
	}
}

func (s *Server) handleCreateExecution(w http.ResponseWriter, r *http.Request) {
	var in createRequest
	if !s.decode(w, r, &in) {
		return
	}
	if in.WorkflowID == "" {
		writeError(w, http.StatusBadRequest, "workflow_id is required")
		return
	}
	exec, err := s.engine.CreateExecution(r.Context(), in.WorkflowID, in.TriggerData, api.CreateOptions{
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		Version:        in.Version,
		Priority:       in.Priority,
		Debug:          in.Debug,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": exec.ID, "status": exec.Status})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := api.ExecutionFilter{
		WorkflowID: q.Get("workflow_id"),
		Status:     api.Status(q.Get("status")),
		Limit:      100,
	}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 1000 {
			filter.Limit = n
		}
	}
	list, err := s.engine.ListExecutions(r.Context(), filter)
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]statusView, 0, len(list))
	for _, exec := range list {
		out = append(out, viewOf(exec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.engine.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	exec, err := s.engine.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(exec))
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.engine.Logs(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if logs == nil {
		logs = []api.LogEntry{}
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	spans, err := s.engine.Timeline(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if spans == nil {
		spans = []api.TimelineEntry{}
	}
	writeJSON(w, http.StatusOK, spans)
}

func (s *Server) handleChildren(w http.ResponseWriter, r *http.Request) {
	calls, err := s.engine.Children(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if calls == nil {
		calls = []*api.SubWorkflowCall{}
	}
	writeJSON(w, http.StatusOK, calls)
}

func (s *Server) lifecycle(op func(context.Context, string) (*api.WorkflowExecution, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		exec, err := op(r.Context(), r.PathValue("id"))
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, viewOf(exec))
	}
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	exec, err := s.engine.Replay(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": exec.ID, "status": exec.Status, "replay_of": exec.ReplayOf})
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	payload, ok := s.decodePayload(w, r)
	if !ok {
		return
	}
	sig, err := s.engine.EmitSignal(r.Context(), r.PathValue("id"), r.PathValue("name"), payload)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sig)
}

// --- debugger ---

func (s *Server) debugSession(w http.ResponseWriter, r *http.Request) (string, bool) {
	if s.engine.Debugger() == nil {
		writeError(w, http.StatusNotImplemented, "debugging is not enabled on this server")
		return "", false
	}
	id := r.PathValue("id")
	if _, err := s.engine.GetExecution(r.Context(), id); err != nil {
		s.fail(w, err)
		return "", false
	}
	return id, true
}

func (s *Server) handleDebugEnable(w http.ResponseWriter, r *http.Request) {
	if id, ok := s.debugSession(w, r); ok {
		s.engine.Debugger().Enable(id)
		writeJSON(w, http.StatusOK, s.engine.Debugger().Inspect(id))
	}
}

func (s *Server) handleDebugDisable(w http.ResponseWriter, r *http.Request) {
	if id, ok := s.debugSession(w, r); ok {
		s.engine.Debugger().Disable(id)
		writeJSON(w, http.StatusOK, s.engine.Debugger().Inspect(id))
	}
}

func (s *Server) handleDebugStep(w http.ResponseWriter, r *http.Request) {
	if id, ok := s.debugSession(w, r); ok {
		s.engine.Debugger().Step(id)
		writeJSON(w, http.StatusOK, s.engine.Debugger().Inspect(id))
	}
}

func (s *Server) handleSetBreakpoint(w http.ResponseWriter, r *http.Request) {
	id, ok := s.debugSession(w, r)
	if !ok {
		return
	}
	var in struct {
		NodeID string `json:"node_id"`
	}
	if !s.decode(w, r, &in) {
		return
	}
	if in.NodeID == "" {
		writeError(w, http.StatusBadRequest, "node_id is required")
		return
	}
	s.engine.Debugger().SetBreakpoint(id, in.NodeID)
	writeJSON(w, http.StatusOK, s.engine.Debugger().Inspect(id))
}

func (s *Server) handleClearBreakpoint(w http.ResponseWriter, r *http.Request) {
	if id, ok := s.debugSession(w, r); ok {
		s.engine.Debugger().ClearBreakpoint(id, r.PathValue("node"))
		writeJSON(w, http.StatusOK, s.engine.Debugger().Inspect(id))
	}
}

func (s *Server) handleDebugInspect(w http.ResponseWriter, r *http.Request) {
	id, ok := s.debugSession(w, r)
	if !ok {
		return
	}
	exec, err := s.engine.GetExecution(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session": s.engine.Debugger().Inspect(id),
		"state":   exec.State,
		"status":  exec.Status,
	})
}

// --- webhooks ---

func (s *Server) limiter(path string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[path]
	if !ok {
		l = rate.NewLimiter(s.limit, s.burst)
		s.limiters[path] = l
	}
	return l
}

// handleWebhook emits the request body as a signal named after the path to
// every execution currently waiting on it.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	path := r.PathValue("path")
	if path == "" {
		writeError(w, http.StatusNotFound, "webhook path is required")
		return
	}
	if !s.limiter(path).Allow() {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "webhook rate limit exceeded")
		return
	}
	payload, ok := s.decodePayload(w, r)
	if !ok {
		return
	}

	waiting, err := s.engine.ListExecutions(r.Context(), api.ExecutionFilter{Status: api.StatusWaitingSignal})
	if err != nil {
		s.fail(w, err)
		return
	}
	delivered := []string{}
	for _, exec := range waiting {
		if exec.State.WaitingSignal != path {
			continue
		}
		if _, err := s.engine.EmitSignal(r.Context(), exec.ID, path, payload); err != nil {
			if errors.Is(err, api.ErrExecutionTerminal) {
				continue
			}
			s.fail(w, err)
			return
		}
		delivered = append(delivered, exec.ID)
	}
	s.logger.Info("webhook received", "path", path, "executions", len(delivered))
	writeJSON(w, http.StatusAccepted, map[string]any{"signal": path, "executions": delivered})
}

// --- schedules ---

type scheduleRequest struct {
	WorkflowID     string         `json:"workflow_id"`
	CronExpression string         `json:"cron_expression"`
	TriggerData    map[string]any `json:"trigger_data"`
}

func (s *Server) schedulesEnabled(w http.ResponseWriter) bool {
	if s.scheduler == nil {
		writeError(w, http.StatusNotImplemented, "scheduling is not enabled on this server")
		return false
	}
	return true
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	if !s.schedulesEnabled(w) {
		return
	}
	var in scheduleRequest
	if !s.decode(w, r, &in) {
		return
	}
	if _, err := s.engine.Persistence().Workflows.GetWorkflow(r.Context(), in.WorkflowID, 0); err != nil {
		s.fail(w, err)
		return
	}
	sc, err := s.scheduler.CreateSchedule(r.Context(), in.WorkflowID, in.CronExpression, in.TriggerData)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sc)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	if !s.schedulesEnabled(w) {
		return
	}
	list, err := s.scheduler.ListSchedules(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	if list == nil {
		list = []*api.WorkflowSchedule{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	if !s.schedulesEnabled(w) {
		return
	}
	sc, err := s.scheduler.GetSchedule(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (s *Server) handleScheduleActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.schedulesEnabled(w) {
			return
		}
		id := r.PathValue("id")
		var err error
		if active {
			err = s.scheduler.ResumeSchedule(r.Context(), id)
		} else {
			err = s.scheduler.PauseSchedule(r.Context(), id)
		}
		if err != nil {
			s.fail(w, err)
			return
		}
		sc, err := s.scheduler.GetSchedule(r.Context(), id)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sc)
	}
}

// --- analytics ---

// Summary is the body of GET /analytics/summary.
type Summary struct {
	Total    int                `json:"total"`
	ByStatus map[api.Status]int `json:"by_status"`
	// AverageDuration covers completed executions only.
	AverageDuration   time.Duration `json:"average_duration_ns"`
	AverageDurationMS int64         `json:"average_duration_ms"`
	SuccessRate       float64       `json:"success_rate"`
}

var allStatuses = []api.Status{
	api.StatusPending,
	api.StatusRunning,
	api.StatusWaitingSignal,
	api.StatusPaused,
	api.StatusCompleted,
	api.StatusFailed,
	api.StatusTerminated,
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sum := Summary{ByStatus: make(map[api.Status]int, len(allStatuses))}
	for _, st := range allStatuses {
		n, err := s.engine.Persistence().Executions.CountExecutions(ctx, st)
		if err != nil {
			s.fail(w, err)
			return
		}
		sum.ByStatus[st] = n
		sum.Total += n
	}

	completed, err := s.engine.ListExecutions(ctx, api.ExecutionFilter{Status: api.StatusCompleted})
	if err != nil {
		s.fail(w, err)
		return
	}
	if len(completed) > 0 {
		now := s.engine.Now()
		var total time.Duration
		for _, exec := range completed {
			total += exec.Duration(now)
		}
		sum.AverageDuration = total / time.Duration(len(completed))
		sum.AverageDurationMS = sum.AverageDuration.Milliseconds()
	}
	if ended := sum.ByStatus[api.StatusCompleted] + sum.ByStatus[api.StatusFailed] + sum.ByStatus[api.StatusTerminated]; ended > 0 {
		sum.SuccessRate = float64(sum.ByStatus[api.StatusCompleted]) / float64(ended)
	}
	writeJSON(w, http.StatusOK, sum)
}

// --- helpers ---

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// decodePayload reads an optional JSON object body.
func (s *Server) decodePayload(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	payload := map[string]any{}
	if !s.decode(w, r, &payload) {
		return nil, false
	}
	return payload, true
}

// fail maps engine errors to status codes.
func (s *Server) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, api.ErrExecutionNotFound),
		errors.Is(err, api.ErrWorkflowNotFound),
		errors.Is(err, api.ErrScheduleNotFound):
		return http.StatusNotFound
	case errors.Is(err, api.ErrInvalidTransition),
		errors.Is(err, api.ErrExecutionTerminal),
		errors.Is(err, api.ErrConcurrentUpdate):
		return http.StatusConflict
	case errors.Is(err, api.ErrResourceLimit):
		return http.StatusTooManyRequests
	case errors.Is(err, api.ErrNestingDepthExceeded),
		api.IsKind(err, api.KindValidation):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
