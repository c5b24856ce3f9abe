package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/pipesearch/internal/errors"
	"github.com/Iron-Ham/pipesearch/internal/event"
	"github.com/Iron-Ham/pipesearch/internal/orchestrator"
	"github.com/Iron-Ham/pipesearch/internal/session"
	"github.com/Iron-Ham/pipesearch/internal/store"
	"github.com/Iron-Ham/pipesearch/internal/stream"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type testEnv struct {
	orch   *orchestrator.Orchestrator
	store  *store.GormStore
	bridge *stream.Bridge
	server *Server
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	st, err := store.Open(store.Config{
		Driver: store.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "pipelines.sqlite3"),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	// No launcher: every worker launch fails, which is enough to drive the
	// request paths without real workers.
	o := orchestrator.New(orchestrator.Config{
		OutputDir:    t.TempDir(),
		RuntimeDir:   t.TempDir(),
		MaxRunning:   2,
		PollInterval: 20 * time.Millisecond,
		Workers:      2,
	}, st, nil)
	require.NoError(t, o.Start(context.Background()))
	t.Cleanup(o.Shutdown)

	bridge := stream.NewBridge(o.Bus(), nil)
	bridge.Start()
	t.Cleanup(func() { _ = bridge.Close() })

	return &testEnv{orch: o, store: st, bridge: bridge, server: New(o, bridge, opts, nil)}
}

type reply[T any] struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Field   string `json:"field"`
	Data    T      `json:"data"`
}

func (e *testEnv) do(t *testing.T, method, path string, body any, header ...string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := e.server.App().Test(req, 5000)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) reply[T] {
	t.Helper()
	defer resp.Body.Close()
	var out reply[T]
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (e *testEnv) openSession(t *testing.T) string {
	t.Helper()
	resp := e.do(t, http.MethodPost, Prefix+"/sessions", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[SessionResponse](t, resp).Data.ID
}

func (e *testEnv) insertPipeline(t *testing.T) string {
	t.Helper()
	p := &store.Pipeline{Origin: "test", Dataset: "file:///data/datasetDoc.json"}
	require.NoError(t, e.store.Insert(context.Background(), p))
	return p.ID
}

func searchBody() map[string]any {
	return map[string]any{
		"dataset":         "file:///data/datasetDoc.json",
		"metrics":         []map[string]any{{"metric": "ACCURACY"}},
		"timeout_minutes": 1,
	}
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t, Options{})
	resp := e.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[HealthResponse](t, resp)
	assert.True(t, body.Success)
	assert.Equal(t, "ok", body.Data.Status)
	assert.Equal(t, 2, body.Data.Jobs.MaxRunning)
}

func TestSessionLifecycle(t *testing.T) {
	e := newTestEnv(t, Options{})
	id := e.openSession(t)

	resp := e.do(t, http.MethodGet, Prefix+"/sessions", nil)
	list := decode[[]session.Status](t, resp)
	require.Len(t, list.Data, 1)
	assert.Equal(t, id, list.Data[0].ID)

	resp = e.do(t, http.MethodGet, Prefix+"/sessions/"+id+"/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := decode[session.Status](t, resp)
	assert.False(t, st.Data.Working)

	resp = e.do(t, http.MethodPost, Prefix+"/sessions/"+id+"/stop", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.do(t, http.MethodDelete, Prefix+"/sessions/"+id, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.do(t, http.MethodDelete, Prefix+"/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.False(t, decode[any](t, resp).Success)
}

func TestOpenSession_InvalidProblem(t *testing.T) {
	e := newTestEnv(t, Options{})
	resp := e.do(t, http.MethodPost, Prefix+"/sessions", map[string]any{
		"problem": map[string]any{"task_keywords": []string{"classification"}},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOpenSession_MalformedBody(t *testing.T) {
	e := newTestEnv(t, Options{})
	req := httptest.NewRequest(http.MethodPost, Prefix+"/sessions", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.server.App().Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "body", decode[any](t, resp).Field)
}

func TestSearch(t *testing.T) {
	e := newTestEnv(t, Options{})
	id := e.openSession(t)

	q := e.orch.Bus().SubscribeQueue(event.And(
		event.Types(event.SearchError, event.DoneSearching),
		event.ForSession(id),
	))
	defer q.Close()

	resp := e.do(t, http.MethodPost, Prefix+"/sessions/"+id+"/search", searchBody())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	// Without a generator command the search fails asynchronously.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ev, err := q.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, event.SearchError, ev.EventType())
}

func TestSearch_Validation(t *testing.T) {
	e := newTestEnv(t, Options{})
	id := e.openSession(t)

	tests := []struct {
		name   string
		modify func(map[string]any)
		status int
		field  string
	}{
		{"missing dataset", func(b map[string]any) { delete(b, "dataset") }, http.StatusBadRequest, "dataset"},
		{"no metrics", func(b map[string]any) { b["metrics"] = []any{} }, http.StatusBadRequest, "metrics"},
		{"blank metric", func(b map[string]any) { b["metrics"] = []map[string]any{{"metric": ""}} }, http.StatusBadRequest, "metrics[0].metric"},
		{"unknown metric", func(b map[string]any) { b["metrics"] = []map[string]any{{"metric": "VIBES"}} }, http.StatusBadRequest, ""},
		{"negative timeout", func(b map[string]any) { b["timeout_minutes"] = -1 }, http.StatusBadRequest, "timeout_minutes"},
		{"negative top k", func(b map[string]any) { b["tune_top_k"] = -1 }, http.StatusBadRequest, "tune_top_k"},
		{"empty targets", func(b map[string]any) { b["targets"] = []any{} }, http.StatusBadRequest, ""},
		{"column without name", func(b map[string]any) {
			b["targets"] = []map[string]any{{"resource_id": "learningData"}}
		}, http.StatusBadRequest, "targets[0].column_name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := searchBody()
			tt.modify(body)
			resp := e.do(t, http.MethodPost, Prefix+"/sessions/"+id+"/search", body)
			require.Equal(t, tt.status, resp.StatusCode)
			got := decode[any](t, resp)
			if tt.field != "" {
				assert.Equal(t, tt.field, got.Field)
			}
		})
	}
}

func TestSearch_UnknownSession(t *testing.T) {
	e := newTestEnv(t, Options{})
	resp := e.do(t, http.MethodPost, Prefix+"/sessions/nope/search", searchBody())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFixedPipeline(t *testing.T) {
	e := newTestEnv(t, Options{})
	id := e.openSession(t)

	resp := e.do(t, http.MethodPost, Prefix+"/sessions/"+id+"/fixed", map[string]any{
		"dataset":  "file:///data/datasetDoc.json",
		"metrics":  []map[string]any{{"metric": "F1_MACRO"}},
		"template": map[string]any{"steps": []string{"imputer", "classifier"}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	pid := decode[map[string]string](t, resp).Data["pipeline_id"]
	require.NotEmpty(t, pid)

	p, err := e.store.Get(context.Background(), pid)
	require.NoError(t, err)
	assert.Contains(t, string(p.Description), "classifier")

	resp = e.do(t, http.MethodPost, Prefix+"/sessions/"+id+"/fixed", map[string]any{
		"dataset": "file:///data/datasetDoc.json",
		"metrics": []map[string]any{{"metric": "F1_MACRO"}},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRankingAndExport(t *testing.T) {
	e := newTestEnv(t, Options{})
	id := e.openSession(t)

	// Ranking needs the metrics of a search.
	resp := e.do(t, http.MethodGet, Prefix+"/sessions/"+id+"/pipelines", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, http.MethodPost, Prefix+"/sessions/"+id+"/fixed", map[string]any{
		"dataset":  "file:///data/datasetDoc.json",
		"metrics":  []map[string]any{{"metric": "ACCURACY"}},
		"template": map[string]any{"steps": []string{"classifier"}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// The fixed pipeline never gets scored without workers.
	resp = e.do(t, http.MethodGet, Prefix+"/sessions/"+id+"/pipelines?limit=5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]RankedPipeline](t, resp).Data)

	resp = e.do(t, http.MethodGet, Prefix+"/sessions/"+id+"/pipelines?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	pid := e.insertPipeline(t)
	resp = e.do(t, http.MethodPost, Prefix+"/sessions/"+id+"/pipelines/"+pid+"/export", map[string]any{"rank": 3})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[map[string]any](t, resp)
	assert.InDelta(t, 3.0, got.Data["rank"], 1e-9)

	resp = e.do(t, http.MethodPost, Prefix+"/sessions/"+id+"/pipelines/missing/export", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPipelineJobs(t *testing.T) {
	e := newTestEnv(t, Options{})
	pid := e.insertPipeline(t)

	resp := e.do(t, http.MethodPost, Prefix+"/pipelines/"+pid+"/score", map[string]any{
		"dataset": "file:///data/datasetDoc.json",
		"metrics": []map[string]any{{"metric": "ACCURACY"}},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.NotEmpty(t, decode[JobResponse](t, resp).Data.JobID)

	for _, op := range []string{"train", "test"} {
		resp = e.do(t, http.MethodPost, Prefix+"/pipelines/"+pid+"/"+op, map[string]any{
			"dataset":         "file:///data/datasetDoc.json",
			"steps_to_expose": []string{"outputs.0"},
		})
		require.Equal(t, http.StatusAccepted, resp.StatusCode, op)
		assert.NotEmpty(t, decode[JobResponse](t, resp).Data.JobID)
	}

	resp = e.do(t, http.MethodPost, Prefix+"/pipelines/"+pid+"/score", map[string]any{
		"dataset": "file:///data/datasetDoc.json",
		"metrics": []map[string]any{{"metric": "ACCURACY"}},
		"method":  "BOOTSTRAP",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, http.MethodPost, Prefix+"/pipelines/missing/train", map[string]any{"dataset": "x"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPipelineScoresAndFitted(t *testing.T) {
	e := newTestEnv(t, Options{})
	pid := e.insertPipeline(t)
	require.NoError(t, e.store.RecordCrossValidation(context.Background(), pid, []store.Score{
		{Metric: "ACCURACY", Fold: 0, Value: 0.5},
		{Metric: "ACCURACY", Fold: 1, Value: 0.7},
	}))

	resp := e.do(t, http.MethodGet, Prefix+"/pipelines/"+pid+"/scores", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.InDelta(t, 0.6, decode[map[string]float64](t, resp).Data["ACCURACY"], 1e-9)

	resp = e.do(t, http.MethodGet, Prefix+"/pipelines/"+pid+"/fitted", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAuth(t *testing.T) {
	e := newTestEnv(t, Options{AuthSecret: testSecret})

	resp := e.do(t, http.MethodGet, Prefix+"/sessions", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = e.do(t, http.MethodGet, Prefix+"/sessions", nil, "Authorization", "Bearer garbage")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	other, err := IssueToken(strings.Repeat("x", 32), "tester", time.Hour)
	require.NoError(t, err)
	resp = e.do(t, http.MethodGet, Prefix+"/sessions", nil, "Authorization", "Bearer "+other)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	expired, err := IssueToken(testSecret, "tester", -time.Hour)
	require.NoError(t, err)
	resp = e.do(t, http.MethodGet, Prefix+"/sessions", nil, "Authorization", "Bearer "+expired)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "a non-positive ttl issues a token without expiry")

	token, err := IssueToken(testSecret, "tester", time.Hour)
	require.NoError(t, err)
	resp = e.do(t, http.MethodGet, Prefix+"/sessions", nil, "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.do(t, http.MethodGet, Prefix+"/sessions?token="+token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "health is not authenticated")
}

func TestEvents_RequiresUpgrade(t *testing.T) {
	e := newTestEnv(t, Options{})
	id := e.openSession(t)

	resp := e.do(t, http.MethodGet, Prefix+"/sessions/"+id+"/events", nil)
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)

	resp = e.do(t, http.MethodGet, Prefix+"/sessions/missing/events", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	noStream := New(e.orch, nil, Options{}, nil)
	req := httptest.NewRequest(http.MethodGet, Prefix+"/sessions/"+id+"/events", nil)
	resp, err := noStream.App().Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestEvents_Stream(t *testing.T) {
	e := newTestEnv(t, Options{})
	id := e.openSession(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = e.server.App().Listener(ln) }()
	t.Cleanup(func() { _ = e.server.Shutdown(context.Background()) })

	url := fmt.Sprintf("ws://%s%s/sessions/%s/events", ln.Addr(), Prefix, id)
	conn, _, err := gorilla.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	received := make(chan event.Envelope, 8)
	go func() {
		for {
			var env event.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				close(received)
				return
			}
			received <- env
		}
	}()

	// The server subscribes after the handshake; publish until it is heard.
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case env, ok := <-received:
			require.True(t, ok, "stream closed early")
			assert.Equal(t, event.NewPipeline, env.Event)
			assert.Equal(t, id, env.SessionOf())
			assert.Equal(t, "p1", env.Attributes["pipeline_id"])

			e.orch.Bus().Publish(event.NewSessionEvent(event.FinishSession, id))
			for env := range received {
				if env.Event == event.FinishSession {
					return
				}
			}
			t.Fatal("stream closed without finish_session")
		case <-ticker.C:
			e.orch.Bus().Publish(event.NewPipelineEvent(event.NewPipeline, "other", "p0"))
			e.orch.Bus().Publish(event.NewPipelineEvent(event.NewPipeline, id, "p1"))
		case <-deadline:
			t.Fatal("no event received")
		}
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{errors.NewConfigurationError("bad"), http.StatusBadRequest},
		{errors.NewNotFoundError("session", "x"), http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", errors.NewNotFoundError("pipeline", "x")), http.StatusNotFound},
		{session.ErrPipelineBusy, http.StatusConflict},
		{errors.NewPersistenceError("get", io.EOF), http.StatusInternalServerError},
		{io.EOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.err), tt.err.Error())
	}
}
