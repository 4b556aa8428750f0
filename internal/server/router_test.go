package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/booklore-runner/internal/events"
	"github.com/loykin/booklore-runner/internal/metrics"
	"github.com/loykin/booklore-runner/internal/orchestrator"
)

type fakeController struct {
	mu        sync.Mutex
	state     orchestrator.State
	starts    atomic.Int32
	shutdowns atomic.Int32
	started   chan struct{}
}

func newFakeController() *fakeController {
	return &fakeController{state: orchestrator.Idle, started: make(chan struct{}, 4)}
}

func (f *fakeController) Start(context.Context) error {
	f.starts.Add(1)
	f.mu.Lock()
	f.state = orchestrator.Running
	f.mu.Unlock()
	f.started <- struct{}{}
	return nil
}

func (f *fakeController) RequestShutdown(context.Context) bool {
	first := f.shutdowns.Add(1) == 1
	f.mu.Lock()
	f.state = orchestrator.Stopping
	f.mu.Unlock()
	return first
}

func (f *fakeController) Status() orchestrator.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return orchestrator.Status{
		State:        f.state,
		ShuttingDown: f.state == orchestrator.Stopping,
		Ports:        orchestrator.Ports{Gateway: 18088, Backend: 18080, Database: 13306},
	}
}

func setupRouter(t *testing.T, base string, bus *events.Bus, mh http.Handler) (*fakeController, http.Handler) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctl := newFakeController()
	r := NewRouter(ctl, bus, mh, base)
	r.KeepAlive = 50 * time.Millisecond
	return ctl, r.Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestStartIsAsync(t *testing.T) {
	ctl, h := setupRouter(t, "/api", nil, nil)
	rec := doReq(t, h, http.MethodPost, "/api/start")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"accepted":true}`, rec.Body.String())
	select {
	case <-ctl.started:
	case <-time.After(5 * time.Second):
		t.Fatal("start never ran")
	}
}

func TestStartRejectedWhileShuttingDown(t *testing.T) {
	ctl, h := setupRouter(t, "/api", nil, nil)
	ctl.RequestShutdown(context.Background())
	rec := doReq(t, h, http.MethodPost, "/api/start")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Zero(t, ctl.starts.Load())
}

func TestShutdownReportsFirstCaller(t *testing.T) {
	_, h := setupRouter(t, "", nil, nil)
	rec := doReq(t, h, http.MethodPost, "/shutdown")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"started":true}`, rec.Body.String())

	rec = doReq(t, h, http.MethodPost, "/shutdown")
	assert.JSONEq(t, `{"started":false}`, rec.Body.String())
}

func TestStatus(t *testing.T) {
	_, h := setupRouter(t, "/api/", nil, nil)
	rec := doReq(t, h, http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var st orchestrator.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, orchestrator.Idle, st.State)
	assert.Equal(t, 18088, st.Ports.Gateway)
}

func TestOptionalEndpoints(t *testing.T) {
	_, h := setupRouter(t, "/api", nil, nil)
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/api/events").Code)
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/api/metrics").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, metrics.Register(reg))
	_, h := setupRouter(t, "/api", nil, metrics.HandlerFor(reg))
	rec := doReq(t, h, http.MethodGet, "/api/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "booklore_runner_")
}

func TestEventsStreamReplaysAndFollows(t *testing.T) {
	bus := events.NewBus(8)
	bus.Emit(events.Event{Phase: events.Startup, Stage: events.StageDatabase, State: events.Active, Progress: 10, Message: "Starting database..."})
	_, h := setupRouter(t, "/api", bus, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	require.NoError(t, err)
	assert.Equal(t, "text/event-stream", mt)

	next := dataLines(resp.Body)
	first := <-next
	assert.Equal(t, events.StageDatabase, first.Stage)
	assert.EqualValues(t, 1, first.Seq)

	bus.Emit(events.Event{Phase: events.Startup, Stage: events.StageRuntime, State: events.Complete, Progress: 60})
	second := <-next
	assert.Equal(t, events.StageRuntime, second.Stage)
	assert.Equal(t, 60, second.Progress)
}

// dataLines decodes the data: payloads of an SSE stream.
func dataLines(r io.Reader) <-chan events.Event {
	out := make(chan events.Event, 8)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			line, ok := strings.CutPrefix(sc.Text(), "data:")
			if !ok {
				continue
			}
			var e events.Event
			if json.Unmarshal([]byte(strings.TrimSpace(line)), &e) == nil {
				out <- e
			}
		}
	}()
	return out
}
