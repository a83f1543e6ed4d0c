package httpapi

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/petrijr/fluxgraph/internal/debugger"
	"github.com/petrijr/fluxgraph/internal/engine"
	"github.com/petrijr/fluxgraph/internal/scheduler"
	"github.com/petrijr/fluxgraph/pkg/api"
)

type fixture struct {
	t      *testing.T
	engine *engine.Engine
	server *httptest.Server
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	eng := engine.NewInMemoryEngine(engine.Config{Debugger: debugger.NewStore(), Logger: logger})
	if opts.Scheduler == nil {
		opts.Scheduler = scheduler.New(eng.Persistence().Schedules, eng, logger)
	}
	opts.Logger = logger
	srv := httptest.NewServer(New(eng, opts))
	t.Cleanup(srv.Close)

	_, err := eng.RegisterWorkflow(context.Background(), api.WorkflowDefinition{
		ID:    "approval",
		Entry: "start",
		Nodes: []api.Node{
			{ID: "start", Type: api.NodeTrigger},
			{ID: "await", Type: api.NodeWaitSignal, Config: map[string]any{"signal": "approval"}},
			{ID: "done", Type: api.NodeNoop},
		},
		Edges: []api.Edge{{From: "start", To: "await"}, {From: "await", To: "done"}},
	})
	require.NoError(t, err)
	return &fixture{t: t, engine: eng, server: srv}
}

func (f *fixture) do(method, path string, body any, header ...string) (*http.Response, map[string]any) {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(f.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(f.t, err)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(f.t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (f *fixture) list(path string) []map[string]any {
	f.t.Helper()
	resp, err := http.Get(f.server.URL + path)
	require.NoError(f.t, err)
	defer resp.Body.Close()
	require.Equal(f.t, http.StatusOK, resp.StatusCode)
	var out []map[string]any
	require.NoError(f.t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (f *fixture) createWaiting() string {
	f.t.Helper()
	resp, body := f.do(http.MethodPost, "/executions", map[string]any{"workflow_id": "approval"})
	require.Equal(f.t, http.StatusAccepted, resp.StatusCode)
	id := body["id"].(string)
	exec, err := f.engine.RunUntilBlocked(context.Background(), id)
	require.NoError(f.t, err)
	require.Equal(f.t, api.StatusWaitingSignal, exec.Status)
	return id
}

func TestCreateExecution_HonorsIdempotencyKey(t *testing.T) {
	f := newFixture(t, Options{})

	resp, first := f.do(http.MethodPost, "/executions", map[string]any{"workflow_id": "approval"}, "Idempotency-Key", "order-1")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, string(api.StatusPending), first["status"])

	_, second := f.do(http.MethodPost, "/executions", map[string]any{"workflow_id": "approval"}, "Idempotency-Key", "order-1")
	assert.Equal(t, first["id"], second["id"])

	resp, _ = f.do(http.MethodPost, "/executions", map[string]any{"workflow_id": "missing"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(http.MethodPost, "/executions", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLifecycleRoutes(t *testing.T) {
	f := newFixture(t, Options{})
	waiting := f.createWaiting()

	resp, body := f.do(http.MethodGet, "/executions/"+waiting+"/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "approval", body["waiting_signal"])

	// Only running executions can be paused.
	resp, _ = f.do(http.MethodPost, "/executions/"+waiting+"/pause", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	_, body = f.do(http.MethodPost, "/executions", map[string]any{"workflow_id": "approval"})
	id := body["id"].(string)
	_, err := f.engine.StartExecution(context.Background(), id)
	require.NoError(t, err)

	resp, body = f.do(http.MethodPost, "/executions/"+id+"/pause", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(api.StatusPaused), body["status"])

	resp, body = f.do(http.MethodPost, "/executions/"+id+"/resume", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(api.StatusRunning), body["status"])

	resp, body = f.do(http.MethodPost, "/executions/"+id+"/terminate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(api.StatusTerminated), body["status"])

	resp, _ = f.do(http.MethodPost, "/executions/"+id+"/resume", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = f.do(http.MethodPost, "/executions/"+id+"/replay", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, id, body["replay_of"])
	assert.NotEqual(t, id, body["id"])

	resp, _ = f.do(http.MethodGet, "/executions/missing/status", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSignalRoute_ResumesExecution(t *testing.T) {
	f := newFixture(t, Options{})
	id := f.createWaiting()

	resp, _ := f.do(http.MethodPost, "/executions/"+id+"/signals/approval", map[string]any{"approved": true})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	n, err := f.engine.DeliverSignals(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	exec, err := f.engine.RunUntilBlocked(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, api.StatusCompleted, exec.Status)
	assert.Equal(t, true, exec.State.ExecutionData["approved"])

	logs := f.list("/executions/" + id + "/logs")
	assert.NotEmpty(t, logs)
	timeline := f.list("/executions/" + id + "/timeline")
	assert.NotEmpty(t, timeline)
}

func TestWebhook_SignalsWaitingExecutions(t *testing.T) {
	f := newFixture(t, Options{})
	a := f.createWaiting()
	b := f.createWaiting()

	resp, body := f.do(http.MethodPost, "/webhooks/approval", map[string]any{"source": "hook"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.ElementsMatch(t, []any{a, b}, body["executions"])

	resp, body = f.do(http.MethodPost, "/webhooks/unknown", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Empty(t, body["executions"])
}

func TestWebhook_RateLimitedPerPath(t *testing.T) {
	f := newFixture(t, Options{WebhookRate: rate.Every(time.Hour), WebhookBurst: 2})

	for range 2 {
		resp, _ := f.do(http.MethodPost, "/webhooks/orders", nil)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}
	resp, _ := f.do(http.MethodPost, "/webhooks/orders", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))

	resp, _ = f.do(http.MethodPost, "/webhooks/payments", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestDebugRoutes(t *testing.T) {
	f := newFixture(t, Options{})
	resp, body := f.do(http.MethodPost, "/executions", map[string]any{"workflow_id": "approval"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id := body["id"].(string)

	resp, body = f.do(http.MethodPost, "/executions/"+id+"/debug/enable", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["enabled"])

	resp, body = f.do(http.MethodPost, "/executions/"+id+"/debug/breakpoints", map[string]any{"node_id": "done"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{"done"}, body["breakpoints"])

	resp, body = f.do(http.MethodPost, "/executions/"+id+"/debug/step", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["pending_steps"])

	resp, body = f.do(http.MethodGet, "/executions/"+id+"/debug/inspect", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "state")

	resp, body = f.do(http.MethodDelete, "/executions/"+id+"/debug/breakpoints/done", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body["breakpoints"])

	resp, _ = f.do(http.MethodPost, "/executions/"+id+"/debug/breakpoints", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(http.MethodPost, "/executions/missing/debug/enable", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWorkflowRoutes(t *testing.T) {
	f := newFixture(t, Options{})

	def := map[string]any{
		"id":    "mocked",
		"entry": "start",
		"nodes": []map[string]any{
			{"id": "start", "type": "trigger"},
			{"id": "call", "type": "http_request", "config": map[string]any{"url": "http://127.0.0.1:1/unreachable"}},
		},
		"edges": []map[string]any{{"from": "start", "to": "call"}},
	}
	resp, body := f.do(http.MethodPost, "/workflows", def)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.EqualValues(t, 1, body["version"])

	resp, body = f.do(http.MethodGet, "/workflows/mocked", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "start", body["entry"])

	resp, body = f.do(http.MethodPost, "/workflows/mocked/test", map[string]any{
		"mocks": map[string]any{"call": map[string]any{"status": 200.0}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(api.StatusCompleted), body["status"])

	resp, _ = f.do(http.MethodPost, "/workflows", map[string]any{"id": "bad", "entry": "x", "nodes": []map[string]any{{"id": "x", "type": "nope"}}})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestScheduleRoutes(t *testing.T) {
	f := newFixture(t, Options{})

	resp, body := f.do(http.MethodPost, "/schedules", map[string]any{"workflow_id": "approval", "cron_expression": "@hourly"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := body["id"].(string)
	assert.Equal(t, true, body["is_active"])

	resp, body = f.do(http.MethodPost, "/schedules/"+id+"/pause", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["is_active"])

	assert.Len(t, f.list("/schedules"), 1)

	resp, _ = f.do(http.MethodPost, "/schedules", map[string]any{"workflow_id": "approval", "cron_expression": "whenever"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, _ = f.do(http.MethodPost, "/schedules/missing/resume", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAnalyticsSummary(t *testing.T) {
	f := newFixture(t, Options{})
	id := f.createWaiting()
	_ = f.createWaiting()
	_, err := f.engine.TerminateExecution(context.Background(), id)
	require.NoError(t, err)

	resp, body := f.do(http.MethodGet, "/analytics/summary", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, body["total"])
	byStatus := body["by_status"].(map[string]any)
	assert.EqualValues(t, 1, byStatus[string(api.StatusWaitingSignal)])
	assert.EqualValues(t, 1, byStatus[string(api.StatusTerminated)])
	assert.EqualValues(t, 0, body["success_rate"])
}
