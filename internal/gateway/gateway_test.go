package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

const indexHTML = "<!doctype html><title>BookLore</title>"

func staticRoot(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"index.html":        indexHTML,
		"assets/app.js":     "console.log('app')",
		"api/foo":           "static api file",
		"nested/index.html": "nested index",
	}
	for name, body := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
	return dir
}

type seen struct {
	mu     sync.Mutex
	reqs   []*http.Request
	body   []string
	closes chan int // close codes received on /ws
}

func (s *seen) last() (*http.Request, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.reqs) == 0 {
		return nil, ""
	}
	return s.reqs[len(s.reqs)-1], s.body[len(s.body)-1]
}

func (s *seen) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reqs)
}

func fakeBackend(t *testing.T) (*httptest.Server, *seen) {
	t.Helper()
	rec := &seen{closes: make(chan int, 4)}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", echoWS(t, rec))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		rec.mu.Lock()
		rec.reqs = append(rec.reqs, r.Clone(context.Background()))
		rec.body = append(rec.body, string(b))
		rec.mu.Unlock()
		switch r.URL.Path {
		case "/api/raw":
			w.Header()["Content-Type"] = nil
			_, _ = w.Write([]byte{0x01, 0x02})
		case "/api/missing":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"not found"}`))
		default:
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"path":"` + r.URL.Path + `"}`))
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, rec
}

func newTestGateway(t *testing.T, backendURL string, maxBody int64) (*Gateway, *httptest.Server) {
	t.Helper()
	g, err := New(Options{
		Addr:       "127.0.0.1:0",
		StaticDir:  staticRoot(t),
		BackendURL: backendURL,
		MaxBody:    maxBody,
	})
	require.NoError(t, err)
	front := httptest.NewServer(g.Handler())
	t.Cleanup(front.Close)
	return g, front
}

func get(t *testing.T, url string, hdr map[string]string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(b)
}

func TestIndexIsNeverCached(t *testing.T) {
	backend, _ := fakeBackend(t)
	_, front := newTestGateway(t, backend.URL, 0)

	for _, p := range []string{"/", "/index.html"} {
		resp, body := get(t, front.URL+p, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode, p)
		assert.Equal(t, indexHTML, body, p)
		assert.Equal(t, "no-cache, no-store, must-revalidate", resp.Header.Get("Cache-Control"))
		assert.Equal(t, "no-cache", resp.Header.Get("Pragma"))
		assert.Equal(t, "0", resp.Header.Get("Expires"))
		assert.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))
	}
}

func TestStaticAndFallback(t *testing.T) {
	backend, _ := fakeBackend(t)
	_, front := newTestGateway(t, backend.URL, 0)

	resp, body := get(t, front.URL+"/assets/app.js", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "console.log('app')", body)
	assert.Contains(t, resp.Header.Get("Content-Type"), "javascript")

	resp, body = get(t, front.URL+"/nested/index.html", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nested index", body)

	for _, p := range []string{"/library/42", "/assets", "/../../etc/passwd", "/missing.png"} {
		resp, body = get(t, front.URL+p, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode, p)
		assert.Equal(t, indexHTML, body, p)
		assert.Equal(t, "no-cache, no-store, must-revalidate", resp.Header.Get("Cache-Control"), p)
	}
}

func TestStaticRejectsOtherMethods(t *testing.T) {
	backend, _ := fakeBackend(t)
	_, front := newTestGateway(t, backend.URL, 0)
	resp, err := http.Post(front.URL+"/library", "text/plain", strings.NewReader("x"))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestAPIBeatsStaticFile(t *testing.T) {
	backend, rec := fakeBackend(t)
	_, front := newTestGateway(t, backend.URL, 0)

	resp, body := get(t, front.URL+"/api/foo", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"path":"/api/foo"}`, body)
	r, _ := rec.last()
	require.NotNil(t, r)
	assert.Equal(t, "/api/foo", r.URL.Path)

	for _, p := range []string{"/api/foo", "/actuator/health"} {
		before := rec.count()
		req, err := http.NewRequest(http.MethodHead, front.URL+p, nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, p)
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"), p)

		require.Equal(t, before+1, rec.count(), "HEAD %s must reach the backend", p)
		r, _ := rec.last()
		assert.Equal(t, http.MethodHead, r.Method)
		assert.Equal(t, p, r.URL.Path)
	}
}

func TestIsProxyPath(t *testing.T) {
	for p, want := range map[string]bool{
		"/api":             true,
		"/api/foo":         true,
		"/actuator/health": true,
		"/apix/app.js":     false,
		"/assets/app.js":   false,
		"/":                false,
	} {
		assert.Equal(t, want, isProxyPath(p), p)
	}
}

func TestProxyForwardsPathQueryAndAuthorization(t *testing.T) {
	backend, rec := fakeBackend(t)
	_, front := newTestGateway(t, backend.URL, 0)

	resp, _ := get(t, front.URL+"/api/v1/books?page=2&size=50", map[string]string{
		"Authorization": "Bearer T",
		"X-Private":     "stays",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	r, _ := rec.last()
	require.NotNil(t, r)
	assert.Equal(t, "/api/v1/books", r.URL.Path)
	assert.Equal(t, "page=2&size=50", r.URL.RawQuery)
	assert.Equal(t, "Bearer T", r.Header.Get("Authorization"))
	assert.Empty(t, r.Header.Get("X-Private"))
}

func TestProxyForwardsBodyAndMethods(t *testing.T) {
	backend, rec := fakeBackend(t)
	_, front := newTestGateway(t, backend.URL, 0)

	for _, m := range []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete} {
		req, err := http.NewRequest(m, front.URL+"/api/v1/books/7", strings.NewReader(`{"title":"Dune"}`))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, m)

		r, body := rec.last()
		assert.Equal(t, m, r.Method)
		assert.Equal(t, `{"title":"Dune"}`, body)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
	}
}

func TestProxyMirrorsStatusAndDefaultsContentType(t *testing.T) {
	backend, _ := fakeBackend(t)
	_, front := newTestGateway(t, backend.URL, 0)

	resp, body := get(t, front.URL+"/api/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.JSONEq(t, `{"error":"not found"}`, body)

	resp, body = get(t, front.URL+"/api/raw", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "\x01\x02", body)
}

func TestActuatorIsProxied(t *testing.T) {
	backend, rec := fakeBackend(t)
	_, front := newTestGateway(t, backend.URL, 0)
	resp, _ := get(t, front.URL+"/actuator/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	r, _ := rec.last()
	assert.Equal(t, "/actuator/health", r.URL.Path)
}

func TestUpstreamDownIsBadGateway(t *testing.T) {
	backend, _ := fakeBackend(t)
	url := backend.URL
	backend.Close()
	_, front := newTestGateway(t, url, 0)

	resp, body := get(t, front.URL+"/api/v1/books", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.True(t, strings.HasPrefix(body, "Backend unavailable: "), body)
}

func TestOversizedBodyIsBadRequest(t *testing.T) {
	backend, rec := fakeBackend(t)
	_, front := newTestGateway(t, backend.URL, 16)

	resp, err := http.Post(front.URL+"/api/upload", "application/octet-stream", strings.NewReader(strings.Repeat("x", 64)))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	r, _ := rec.last()
	assert.Nil(t, r)
}

func TestPreflight(t *testing.T) {
	backend, rec := fakeBackend(t)
	_, front := newTestGateway(t, backend.URL, 0)

	req, _ := http.NewRequest(http.MethodOptions, front.URL+"/api/v1/books", nil)
	req.Header.Set("Origin", "app://booklore")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), "Authorization")
	r, _ := rec.last()
	assert.Nil(t, r)
}

func TestNewValidation(t *testing.T) {
	backend, _ := fakeBackend(t)

	_, err := New(Options{Addr: "127.0.0.1:0", StaticDir: filepath.Join(t.TempDir(), "nope"), BackendURL: backend.URL})
	assert.True(t, errors.Is(err, ErrStaticRootMissing))

	_, err = New(Options{Addr: "127.0.0.1:0", StaticDir: t.TempDir(), BackendURL: backend.URL})
	assert.True(t, errors.Is(err, ErrStaticRootMissing))

	_, err = New(Options{Addr: "0.0.0.0:18088", StaticDir: staticRoot(t), BackendURL: backend.URL})
	assert.ErrorContains(t, err, "not loopback")

	_, err = New(Options{Addr: "localhost:0", StaticDir: staticRoot(t), BackendURL: "ftp://x"})
	assert.Error(t, err)
}

func TestStartStop(t *testing.T) {
	backend, _ := fakeBackend(t)
	g, err := New(Options{Addr: "127.0.0.1:0", StaticDir: staticRoot(t), BackendURL: backend.URL})
	require.NoError(t, err)

	require.NoError(t, g.Stop(context.Background()))
	require.NoError(t, g.Start())
	require.NoError(t, g.Start())
	assert.True(t, g.Running())

	resp, body := get(t, "http://"+g.Addr()+"/api/ping", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"path":"/api/ping"}`, body)

	require.NoError(t, g.Stop(context.Background()))
	assert.False(t, g.Running())
	_, err = http.Get("http://" + g.Addr() + "/")
	assert.Error(t, err)
	require.NoError(t, g.Stop(context.Background()))
}
