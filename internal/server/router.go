// Package server is the loopback control API used by the CLI and the UI
// shell to drive the launcher.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/booklore-runner/internal/events"
	"github.com/loykin/booklore-runner/internal/orchestrator"
)

// Controller is the lifecycle the router drives.
type Controller interface {
	Start(ctx context.Context) error
	RequestShutdown(ctx context.Context) bool
	Status() orchestrator.Status
}

// Router provides the control endpoints.
//
//	POST {basePath}/start      begin startup (async)
//	POST {basePath}/shutdown   begin the stop sequence (async)
//	GET  {basePath}/status     lifecycle snapshot
//	GET  {basePath}/events     stage events as server-sent events
//	GET  {basePath}/metrics    prometheus exposition, when enabled
type Router struct {
	ctl      Controller
	bus      *events.Bus
	metrics  http.Handler
	basePath string
	// KeepAlive is the SSE comment interval.
	KeepAlive time.Duration
}

// NewRouter constructs a Router. bus and metrics may be nil, which removes
// the corresponding endpoint.
func NewRouter(ctl Controller, bus *events.Bus, metrics http.Handler, basePath string) *Router {
	return &Router{ctl: ctl, bus: bus, metrics: metrics, basePath: sanitizeBase(basePath), KeepAlive: 15 * time.Second}
}

// Handler returns an http.Handler powered by gin.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.POST("/start", r.handleStart)
	group.POST("/shutdown", r.handleShutdown)
	group.GET("/status", r.handleStatus)
	if r.bus != nil {
		group.GET("/events", r.handleEvents)
	}
	if r.metrics != nil {
		group.GET("/metrics", gin.WrapH(r.metrics))
	}
	return g
}

// NewServer serves h on addr, which must be a loopback address. The listener
// is bound before returning so callers learn about port conflicts at once.
func NewServer(addr string, h http.Handler) (*http.Server, net.Addr, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, nil, fmt.Errorf("control listen %q: %w", addr, err)
	}
	if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return nil, nil, fmt.Errorf("control listen %q is not loopback", addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("control listen %q: %w", addr, err)
	}
	server := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("control server", "error", err)
		}
	}()
	return server, ln.Addr(), nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type acceptedResp struct {
	Accepted bool `json:"accepted"`
}

type shutdownResp struct {
	// Started is false when another caller already began the sequence.
	Started bool `json:"started"`
}

func (r *Router) handleStart(c *gin.Context) {
	if r.ctl.Status().ShuttingDown {
		writeJSON(c, http.StatusConflict, errorResp{Error: orchestrator.ErrShuttingDown.Error()})
		return
	}
	go func() {
		if err := r.ctl.Start(context.Background()); err != nil {
			slog.Error("startup failed", "error", err)
		}
	}()
	writeJSON(c, http.StatusAccepted, acceptedResp{Accepted: true})
}

func (r *Router) handleShutdown(c *gin.Context) {
	started := r.ctl.RequestShutdown(context.Background())
	writeJSON(c, http.StatusAccepted, shutdownResp{Started: started})
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.ctl.Status())
}

// handleEvents replays recent events, then streams new ones until the
// client disconnects.
func (r *Router) handleEvents(c *gin.Context) {
	past, ch, cancel := r.bus.Subscribe(64)
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	for _, e := range past {
		c.SSEvent("stage", e)
	}
	c.Writer.Flush()

	ticker := time.NewTicker(r.KeepAlive)
	defer ticker.Stop()
	c.Stream(func(w io.Writer) bool {
		select {
		case e, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent("stage", e)
			return true
		case <-ticker.C:
			_, err := io.WriteString(w, ": keep-alive\n\n")
			return err == nil
		case <-c.Request.Context().Done():
			return false
		}
	})
}
