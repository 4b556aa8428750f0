package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/loykin/booklore-runner/internal/backend"
	"github.com/loykin/booklore-runner/internal/config"
	"github.com/loykin/booklore-runner/internal/database"
	"github.com/loykin/booklore-runner/internal/events"
	"github.com/loykin/booklore-runner/internal/gateway"
	"github.com/loykin/booklore-runner/internal/history"
	"github.com/loykin/booklore-runner/internal/history/factory"
	"github.com/loykin/booklore-runner/internal/jre"
	"github.com/loykin/booklore-runner/internal/logger"
	"github.com/loykin/booklore-runner/internal/metrics"
	"github.com/loykin/booklore-runner/internal/orchestrator"
	"github.com/loykin/booklore-runner/internal/registry"
	"github.com/loykin/booklore-runner/internal/server"
	tlsutil "github.com/loykin/booklore-runner/internal/tls"
)

// eventReplay is how many stage events a late /events subscriber sees.
const eventReplay = 64

// app is one launcher session: every component wired from a Config.
type app struct {
	cfg     *config.Config
	paths   config.Paths
	reg     *registry.Registry
	bus     *events.Bus
	history *history.Recorder
	orc     *orchestrator.Orchestrator

	// metrics is nil when the control API does not expose them.
	metrics http.Handler

	control     *http.Server
	controlAddr net.Addr

	logFile io.Closer
}

func runLauncher(cmd *cobra.Command, global *GlobalFlags) error {
	cfg, err := loadConfig(global)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.close()

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	if err := a.startControl(); err != nil {
		return err
	}
	return a.run(cmd.Context(), sigs)
}

// newApp sets up logging and builds the component graph. Nothing is
// started yet.
func newApp(cfg *config.Config, console io.Writer) (*app, error) {
	paths := cfg.Paths()
	if err := os.MkdirAll(paths.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.MkdirAll(paths.Logs, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logs := logger.Config{
		Dir:        paths.Logs,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	}
	logFile := logs.File("booklore-runner.log")
	slog.SetDefault(logger.Setup(logger.ParseLevel(cfg.Log.Level), console, cfg.Log.Color, logFile))
	gin.SetMode(gin.ReleaseMode)

	a := &app{cfg: cfg, paths: paths, reg: registry.New(), bus: events.NewBus(eventReplay), logFile: logFile}

	if cfg.Control.Enabled && cfg.Control.Metrics {
		h, err := a.setupMetrics()
		if err != nil {
			return nil, err
		}
		a.metrics = h
	}

	if dsn := cfg.HistoryDSN(); dsn != "" {
		sink, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			// history is an audit trail; losing it must not block the app
			slog.Warn("history disabled", "dsn", dsn, "error", err)
		} else {
			a.history = history.NewRecorder(sink)
			slog.Info("history enabled", "run_id", a.history.RunID())
		}
	}

	extra, err := cfg.BackendEnv()
	if err != nil {
		return nil, fmt.Errorf("backend env: %w", err)
	}
	db := database.New(database.Options{
		Config:   cfg.Database,
		Paths:    paths,
		Logs:     logs,
		Registry: a.reg,
		History:  a.history,
	})
	be := backend.New(backend.Options{
		Config:   cfg.Backend,
		Database: cfg.Database,
		Paths:    paths,
		Extra:    extra,
		Logs:     logs,
		Registry: a.reg,
		History:  a.history,
	})
	a.orc = orchestrator.New(orchestrator.Options{
		Database:        db,
		Runtime:         jre.New(cfg.Runtime, paths.JRE, nil),
		Backend:         be,
		NewGateway:      a.gatewayFactory(be.URL()),
		GatewayRequired: cfg.Gateway.Required,
		Events:          a.bus,
		Registry:        a.reg,
		Ports: orchestrator.Ports{
			Gateway:  cfg.Gateway.Port,
			Backend:  cfg.Backend.Port,
			Database: cfg.Database.Port,
		},
	})
	return a, nil
}

// setupMetrics registers the launcher metrics and the per-child collector
// on a private registry.
func (a *app) setupMetrics() (http.Handler, error) {
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	children := metrics.NewProcessCollector(func() map[string]int {
		out := make(map[string]int)
		for k, pid := range a.reg.PIDs() {
			out[string(k)] = pid
		}
		return out
	})
	for _, c := range []prometheus.Collector{children, collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return metrics.HandlerFor(reg), nil
}

func (a *app) gatewayFactory(backendURL string) func() (orchestrator.Gateway, error) {
	return func() (orchestrator.Gateway, error) {
		maxBody, err := a.cfg.Gateway.MaxBodyBytes()
		if err != nil {
			return nil, err
		}
		tlsCfg, err := tlsutil.Setup(a.cfg.Gateway.TLS, a.paths.TLS)
		if err != nil {
			return nil, fmt.Errorf("gateway tls: %w", err)
		}
		gw, err := gateway.New(gateway.Options{
			Addr:            net.JoinHostPort("127.0.0.1", strconv.Itoa(a.cfg.Gateway.Port)),
			StaticDir:       a.paths.Frontend,
			BackendURL:      backendURL,
			MaxBody:         maxBody,
			TLS:             tlsCfg,
			ShutdownTimeout: a.cfg.Gateway.ShutdownTimeout,
		})
		if err != nil {
			return nil, err
		}
		return gw, nil
	}
}

// startControl serves the control API when enabled.
func (a *app) startControl() error {
	if !a.cfg.Control.Enabled {
		return nil
	}
	router := server.NewRouter(a.orc, a.bus, a.metrics, a.cfg.Control.BasePath)
	srv, addr, err := server.NewServer(a.cfg.Control.Listen, router.Handler())
	if err != nil {
		return err
	}
	a.control, a.controlAddr = srv, addr
	slog.Info("control api listening", "addr", addr.String(), "base_path", a.cfg.Control.BasePath)
	return nil
}

// run starts everything and blocks until the stop sequence has finished.
// The first signal requests shutdown; a second one, or the safety delay
// running out, tears the children down directly.
func (a *app) run(ctx context.Context, sigs <-chan os.Signal) error {
	slog.Info("launcher starting", "data_dir", a.paths.Root, "gateway_port", a.cfg.Gateway.Port)

	startErr := make(chan error, 1)
	go func() { startErr <- a.orc.Start(context.WithoutCancel(ctx)) }()

	var (
		failed error
		safety <-chan time.Time
	)
	requestShutdown := func(reason string) {
		if a.orc.RequestShutdown(context.WithoutCancel(ctx)) {
			slog.Info("shutdown requested", "reason", reason)
		}
		if safety == nil {
			safety = time.After(a.cfg.Shutdown.SafetyDelay)
		}
	}

loop:
	for {
		select {
		case sig := <-sigs:
			if safety != nil {
				slog.Warn("second signal; stopping children now", "signal", sig.String())
				break loop
			}
			requestShutdown(sig.String())
		case err := <-startErr:
			startErr = nil
			switch {
			case err == nil:
				slog.Info("booklore is ready", "url", a.publicURL())
			case errors.Is(err, orchestrator.ErrShuttingDown):
			case a.control != nil:
				// the control API can retry; keep serving status until told to stop
				slog.Error("startup failed", "error", err)
			default:
				slog.Error("startup failed", "error", err)
				failed = err
				requestShutdown("startup failed")
			}
		case <-a.orc.Done():
			break loop
		case <-safety:
			slog.Warn("shutdown exceeded safety delay", "delay", a.cfg.Shutdown.SafetyDelay)
			break loop
		}
	}

	netCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if startErr != nil {
		// let an in-flight start reclaim what it launched
		select {
		case <-startErr:
		case <-netCtx.Done():
		}
	}
	err := a.orc.SafetyNet(netCtx)
	select {
	case <-a.orc.Done():
		err = multierr.Append(err, a.orc.Err())
	default:
	}
	return multierr.Combine(failed, err)
}

func (a *app) publicURL() string {
	scheme := "http"
	if a.cfg.Gateway.TLS.Enabled {
		scheme = "https"
	}
	return scheme + "://" + net.JoinHostPort("127.0.0.1", strconv.Itoa(a.cfg.Gateway.Port))
}

func (a *app) close() {
	if a.control != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = a.control.Shutdown(ctx)
		cancel()
	}
	if err := a.history.Close(); err != nil {
		slog.Warn("history close", "error", err)
	}
	slog.Info("launcher exited")
	_ = a.logFile.Close()
}
