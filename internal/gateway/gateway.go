// Package gateway is the single loopback endpoint the UI talks to. It serves
// the frontend bundle and forwards API and WebSocket traffic to the backend.
//
// Route precedence:
//
//	GET /, /index.html      index document, never cached
//	/api/*, /actuator/*     proxied to the backend
//	GET /ws                 WebSocket proxied to the backend's /ws
//	anything else           static file, falling back to the index document
package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var ErrStaticRootMissing = errors.New("static root missing")

// Options configures a Gateway.
type Options struct {
	// Addr must be a loopback host:port.
	Addr       string
	StaticDir  string
	BackendURL string // http://127.0.0.1:<port>
	MaxBody    int64
	TLS        *tls.Config
	// Client issues upstream requests; nil uses a pooled client without a
	// total timeout so streamed responses are not cut off.
	Client          *http.Client
	ShutdownTimeout time.Duration
}

type Gateway struct {
	opts     Options
	backend  string
	wsURL    string
	client   *http.Client
	engine   *gin.Engine
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer

	mu       sync.Mutex
	srv      *http.Server
	addr     string
	done     chan struct{}
	sessions map[string]*session
}

// New validates the options and builds the router. The listener is not
// opened until Start.
func New(o Options) (*Gateway, error) {
	if err := checkLoopback(o.Addr); err != nil {
		return nil, err
	}
	if err := checkStaticRoot(o.StaticDir); err != nil {
		return nil, err
	}
	backend := strings.TrimRight(o.BackendURL, "/")
	if !strings.HasPrefix(backend, "http://") && !strings.HasPrefix(backend, "https://") {
		return nil, fmt.Errorf("backend url %q must be http(s)", o.BackendURL)
	}
	if o.MaxBody <= 0 {
		o.MaxBody = 100 << 20
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 5 * time.Second
	}
	client := o.Client
	if client == nil {
		client = &http.Client{Transport: &http.Transport{
			Proxy:               nil,
			MaxIdleConns:        64,
			MaxIdleConnsPerHost: 32,
			IdleConnTimeout:     90 * time.Second,
		}}
	}
	g := &Gateway{
		opts:     o,
		backend:  backend,
		wsURL:    "ws" + strings.TrimPrefix(backend, "http") + "/ws",
		client:   client,
		sessions: make(map[string]*session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
			// loopback only; the UI may be served from a custom scheme
			CheckOrigin: func(*http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   32 << 10,
			WriteBufferSize:  32 << 10,
		},
	}
	g.engine = g.router()
	return g, nil
}

func checkLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("gateway addr %q: %w", addr, err)
	}
	if host == "localhost" {
		return nil
	}
	if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("gateway addr %q is not loopback", addr)
	}
	return nil
}

func checkStaticRoot(dir string) error {
	st, err := os.Stat(dir)
	if err != nil || !st.IsDir() {
		return fmt.Errorf("%w: %s", ErrStaticRootMissing, dir)
	}
	if _, err := os.Stat(filepath.Join(dir, "index.html")); err != nil {
		return fmt.Errorf("%w: %s has no index.html", ErrStaticRootMissing, dir)
	}
	return nil
}

func (g *Gateway) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), accessLog(), cors())

	r.GET("/", g.serveIndex)
	r.GET("/index.html", g.serveIndex)

	api := g.proxyHTTP("api")
	for _, m := range []string{
		http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
		http.MethodPatch, http.MethodDelete, http.MethodOptions,
	} {
		r.Handle(m, "/api/*path", api)
	}
	actuator := g.proxyHTTP("actuator")
	r.GET("/actuator/*path", actuator)
	r.HEAD("/actuator/*path", actuator)
	r.GET("/ws", g.proxyWS)

	r.NoRoute(g.serveStatic)
	return r
}

// Handler exposes the router, e.g. for httptest.
func (g *Gateway) Handler() http.Handler { return g.engine }

// Start opens the listener and serves in the background.
func (g *Gateway) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.srv != nil {
		return nil
	}
	ln, err := net.Listen("tcp", g.opts.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen %s: %w", g.opts.Addr, err)
	}
	scheme := "http"
	if g.opts.TLS != nil {
		ln = tls.NewListener(ln, g.opts.TLS)
		scheme = "https"
	}
	srv := &http.Server{
		Handler:           g.engine,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("gateway serve", "error", err)
		}
	}()
	g.srv, g.done, g.addr = srv, done, ln.Addr().String()
	slog.Info("gateway listening", "url", scheme+"://"+g.addr, "backend", g.backend)
	return nil
}

// Addr is the bound address once started.
func (g *Gateway) Addr() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addr
}

// Running reports whether the listener is open.
func (g *Gateway) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.srv != nil
}

// Stop drains HTTP requests, closes open WebSocket sessions and waits for
// the serve loop. Stopping a gateway that is not running is a no-op.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	srv, done := g.srv, g.done
	g.srv = nil
	sessions := make([]*session, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.Unlock()
	if srv == nil {
		return nil
	}

	// hijacked connections are not tracked by Shutdown
	for _, s := range sessions {
		s.close(websocket.CloseGoingAway, "gateway stopping")
	}
	sctx, cancel := context.WithTimeout(ctx, g.opts.ShutdownTimeout)
	defer cancel()
	err := srv.Shutdown(sctx)
	if err != nil {
		_ = srv.Close()
	}
	<-done
	slog.Info("gateway stopped")
	if err != nil {
		return fmt.Errorf("gateway shutdown: %w", err)
	}
	return nil
}

func (g *Gateway) track(s *session) {
	g.mu.Lock()
	g.sessions[s.id] = s
	g.mu.Unlock()
}

func (g *Gateway) untrack(s *session) {
	g.mu.Lock()
	delete(g.sessions, s.id)
	g.mu.Unlock()
}
