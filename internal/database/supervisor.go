// Package database installs, starts and stops the local MariaDB server that
// backs the application.
package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/booklore-runner/internal/config"
	"github.com/loykin/booklore-runner/internal/detector"
	"github.com/loykin/booklore-runner/internal/health"
	"github.com/loykin/booklore-runner/internal/history"
	"github.com/loykin/booklore-runner/internal/install"
	"github.com/loykin/booklore-runner/internal/logger"
	"github.com/loykin/booklore-runner/internal/metrics"
	"github.com/loykin/booklore-runner/internal/process"
	"github.com/loykin/booklore-runner/internal/registry"
)

// Admin is the administrative channel to a running server.
type Admin interface {
	Checker() health.Checker
	CreateSchema(ctx context.Context, name string) error
	Shutdown(ctx context.Context) error
	Close() error
}

// Options wires a Supervisor.
type Options struct {
	Config   config.DatabaseConfig
	Paths    config.Paths
	Logs     logger.Config
	Registry *registry.Registry
	History  *history.Recorder
	// HTTPClient downloads the engine archive; nil uses install.DefaultClient.
	HTTPClient *http.Client
	// Dial opens the admin channel; nil connects with the MySQL driver.
	Dial func(addr, user, password string) (Admin, error)
	// FindSystem locates a system install; nil searches the usual places.
	FindSystem func(ctx context.Context) (Engine, bool)
}

type Supervisor struct {
	cfg        config.DatabaseConfig
	paths      config.Paths
	logs       logger.Config
	reg        *registry.Registry
	history    *history.Recorder
	httpClient *http.Client
	dial       func(addr, user, password string) (Admin, error)
	findSystem func(ctx context.Context) (Engine, bool)
}

func New(o Options) *Supervisor {
	s := &Supervisor{
		cfg:        o.Config,
		paths:      o.Paths,
		logs:       o.Logs,
		reg:        o.Registry,
		history:    o.History,
		httpClient: o.HTTPClient,
		dial:       o.Dial,
		findSystem: o.FindSystem,
	}
	if s.httpClient == nil {
		s.httpClient = install.DefaultClient
	}
	if s.dial == nil {
		s.dial = func(addr, user, password string) (Admin, error) { return Open(addr, user, password) }
	}
	if s.findSystem == nil {
		s.findSystem = systemEngine
	}
	return s
}

// Addr is the loopback address the server listens on.
func (s *Supervisor) Addr() string {
	return "127.0.0.1:" + strconv.Itoa(s.cfg.Port)
}

// Running reports whether a live server is registered.
func (s *Supervisor) Running() bool { return s.reg.Running(registry.Database) }

func (s *Supervisor) policy() health.Policy {
	return health.Policy{
		Interval:       s.cfg.ReadyInterval,
		MaxAttempts:    s.cfg.ReadyAttempts,
		AttemptTimeout: 2 * time.Second,
	}
}

// Start brings the server up and returns once it answers queries and the
// application schema exists. A second call while the server is running or
// starting is a no-op.
func (s *Supervisor) Start(ctx context.Context) error {
	lease, ok := s.reg.Acquire(registry.Database)
	if !ok {
		slog.Info("mariadb already running or starting")
		return nil
	}
	defer lease.Release()
	begin := time.Now()

	eng, err := s.ensureEngine(ctx)
	if err != nil {
		return err
	}
	if err := s.ensureInitialized(ctx, eng); err != nil {
		return err
	}
	s.cleanupStale(ctx)

	out, err := s.logs.Shared(s.paths.MariaDBLog)
	if err != nil {
		return err
	}
	proc, err := process.Start(process.Spec{
		Name:   string(registry.Database),
		Path:   eng.Server,
		Args:   s.serverArgs(eng),
		Stdout: out,
		Stderr: out,
	})
	if err != nil {
		return fmt.Errorf("spawn mariadb: %w", err)
	}
	if err := lease.Store(proc); err != nil {
		_ = proc.Kill()
		return err
	}
	metrics.IncStart(string(registry.Database))
	s.history.Started(string(registry.Database), proc.PID(), proc.Snapshot().StartedAt)
	slog.Info("mariadb spawned", "pid", proc.PID(), "port", s.cfg.Port, "engine", eng.Source)

	admin, err := s.dial(s.Addr(), s.cfg.User, s.cfg.Password)
	if err != nil {
		return err
	}
	defer func() { _ = admin.Close() }()
	if err := health.WaitReady(ctx, admin.Checker(), s.policy()); err != nil {
		return fmt.Errorf("mariadb readiness: %w", err)
	}
	if err := admin.CreateSchema(ctx, s.cfg.Name); err != nil {
		return err
	}
	metrics.ObserveStartDuration(string(registry.Database), time.Since(begin).Seconds())
	slog.Info("mariadb ready", "schema", s.cfg.Name, "took", time.Since(begin).Round(time.Millisecond))
	return nil
}

func (s *Supervisor) serverArgs(eng Engine) []string {
	args := []string{
		"--no-defaults",
		"--basedir=" + eng.Home,
		"--datadir=" + s.paths.Data,
		"--socket=" + s.paths.Socket,
		"--bind-address=127.0.0.1",
		"--port=" + strconv.Itoa(s.cfg.Port),
		"--skip-grant-tables",
	}
	// mariadbd refuses to run as root unless told to
	if os.Geteuid() == 0 {
		args = append(args, "--user=root")
	}
	return args
}

// ensureInitialized creates the system tables on first run.
func (s *Supervisor) ensureInitialized(ctx context.Context, eng Engine) error {
	if st, err := os.Stat(filepath.Join(s.paths.Data, "mysql")); err == nil && st.IsDir() {
		return nil
	}
	if err := os.MkdirAll(s.paths.Data, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	tool, err := eng.InstallDB()
	if err != nil {
		return err
	}
	slog.Info("initializing mariadb data dir", "dir", s.paths.Data)
	cctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	// #nosec G204 -- tool comes from the engine install
	cmd := exec.CommandContext(cctx, tool,
		"--no-defaults",
		"--basedir="+eng.Home,
		"--datadir="+s.paths.Data,
		"--auth-root-authentication-method=normal",
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("mariadb-install-db: %w: %s", err, tail(out, 512))
	}
	return nil
}

func tail(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		s = "..." + s[len(s)-n:]
	}
	return s
}

// cleanupStale terminates servers left over from an earlier run on the same
// data dir and removes their socket. Failures are logged, never returned.
func (s *Supervisor) cleanupStale(ctx context.Context) {
	d, err := detector.NewPatternDetector(`mariadbd.*` + regexp.QuoteMeta(s.paths.Data))
	if err != nil {
		slog.Warn("stale mariadb pattern", "error", err)
		return
	}
	killed, err := d.Terminate(ctx, s.cfg.StaleWait)
	if err != nil {
		slog.Warn("stale mariadb cleanup", "error", err)
	}
	for _, m := range killed {
		slog.Info("terminated stale mariadb", "pid", m.PID)
	}
	if err := os.Remove(s.paths.Socket); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("remove stale socket", "path", s.paths.Socket, "error", err)
	}
}

// Stop asks the server to shut down, then force-terminates whatever is
// left. It is a no-op when nothing is registered and always clears the slot.
func (s *Supervisor) Stop(ctx context.Context) error {
	proc := s.reg.Take(registry.Database)
	if proc == nil {
		return nil
	}
	if admin, err := s.dial(s.Addr(), s.cfg.User, s.cfg.Password); err == nil {
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := admin.Shutdown(sctx); err != nil {
			slog.Warn("mariadb shutdown command failed", "error", err)
		}
		cancel()
		_ = admin.Close()
	}

	wait := s.cfg.ShutdownWait
	if wait <= 0 {
		wait = 2 * time.Second
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-proc.Done():
	case <-timer.C:
	case <-ctx.Done():
	}
	killed := proc.Alive()
	err := proc.Kill()
	if rmErr := os.Remove(s.paths.Socket); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		slog.Warn("remove socket", "path", s.paths.Socket, "error", rmErr)
	}

	st := proc.Snapshot()
	metrics.IncStop(string(registry.Database), killed)
	s.history.Stopped(string(registry.Database), st.PID, st.StartedAt, st.StoppedAt, st.ExitErr)
	slog.Info("mariadb stopped", "pid", st.PID, "forced", killed)
	if err != nil {
		return fmt.Errorf("kill mariadb: %w", err)
	}
	return nil
}
