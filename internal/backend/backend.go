// Package backend launches the application server on the Java runtime and
// gates start on its health endpoint.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	units "github.com/docker/go-units"

	"github.com/loykin/booklore-runner/internal/config"
	"github.com/loykin/booklore-runner/internal/env"
	"github.com/loykin/booklore-runner/internal/health"
	"github.com/loykin/booklore-runner/internal/history"
	"github.com/loykin/booklore-runner/internal/jre"
	"github.com/loykin/booklore-runner/internal/logger"
	"github.com/loykin/booklore-runner/internal/metrics"
	"github.com/loykin/booklore-runner/internal/process"
	"github.com/loykin/booklore-runner/internal/registry"
)

var ErrArtifactMissing = errors.New("backend artifact missing")

// Options wires a Supervisor.
type Options struct {
	Config   config.BackendConfig
	Database config.DatabaseConfig
	Paths    config.Paths
	// Extra is appended to the inherited environment before the fixed
	// launch variables, which always win.
	Extra    []string
	Logs     logger.Config
	Registry *registry.Registry
	History  *history.Recorder
}

type Supervisor struct {
	cfg     config.BackendConfig
	db      config.DatabaseConfig
	paths   config.Paths
	extra   []string
	logs    logger.Config
	reg     *registry.Registry
	history *history.Recorder
}

func New(o Options) *Supervisor {
	return &Supervisor{
		cfg:     o.Config,
		db:      o.Database,
		paths:   o.Paths,
		extra:   o.Extra,
		logs:    o.Logs,
		reg:     o.Registry,
		history: o.History,
	}
}

// URL is the backend's loopback base URL.
func (s *Supervisor) URL() string {
	return "http://127.0.0.1:" + strconv.Itoa(s.cfg.Port)
}

func (s *Supervisor) Running() bool { return s.reg.Running(registry.Backend) }

// DatabaseURL is the JDBC connection string handed to the backend.
func (s *Supervisor) DatabaseURL() string {
	return fmt.Sprintf("jdbc:mariadb://127.0.0.1:%d/%s?createDatabaseIfNotExist=true", s.db.Port, s.db.Name)
}

func (s *Supervisor) launchEnv(rt jre.Runtime) []string {
	return env.FromOS().
		Apply(s.extra...).
		Set("JAVA_HOME", rt.Home).
		Set("DATABASE_URL", s.DatabaseURL()).
		Set("DATABASE_USERNAME", s.db.User).
		Set("DATABASE_PASSWORD", s.db.Password).
		Set("BOOKLORE_PORT", strconv.Itoa(s.cfg.Port)).
		Slice()
}

func (s *Supervisor) launchArgs() ([]string, error) {
	xmx, err := heapFlag("-Xmx", s.cfg.HeapMax)
	if err != nil {
		return nil, err
	}
	xms, err := heapFlag("-Xms", s.cfg.HeapMin)
	if err != nil {
		return nil, err
	}
	return []string{
		xmx,
		xms,
		"-Dapp.path-config=" + s.paths.Config,
		"-Dapp.bookdrop-folder=" + s.paths.Bookdrop,
		"-Dserver.port=" + strconv.Itoa(s.cfg.Port),
		"-jar", s.paths.BackendJar,
	}, nil
}

// heapFlag renders a size like "512m" or "1GiB" as a JVM flag in megabytes.
func heapFlag(flag, size string) (string, error) {
	n, err := units.RAMInBytes(size)
	if err != nil {
		return "", fmt.Errorf("heap size %q: %w", size, err)
	}
	mb := n / units.MiB
	if mb < 1 {
		mb = 1
	}
	return flag + strconv.FormatInt(mb, 10) + "m", nil
}

func (s *Supervisor) policy() health.Policy {
	return health.Policy{
		Interval:       s.cfg.HealthInterval,
		MaxAttempts:    s.cfg.HealthAttempts,
		AttemptTimeout: 2 * time.Second,
	}
}

// Start launches the backend on rt and waits for its health endpoint. A
// call while the backend is running or starting is a no-op. On a health
// timeout the process stays registered; Stop reclaims it.
func (s *Supervisor) Start(ctx context.Context, rt jre.Runtime) error {
	lease, ok := s.reg.Acquire(registry.Backend)
	if !ok {
		slog.Info("backend already running or starting")
		return nil
	}
	defer lease.Release()
	if _, err := os.Stat(s.paths.BackendJar); err != nil {
		return fmt.Errorf("%w: %s", ErrArtifactMissing, s.paths.BackendJar)
	}
	begin := time.Now()

	for _, dir := range []string{s.paths.Config, s.paths.Books, s.paths.Bookdrop} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	args, err := s.launchArgs()
	if err != nil {
		return err
	}
	stdout, stderr, err := s.logs.Writers(string(registry.Backend))
	if err != nil {
		return err
	}
	proc, err := process.Start(process.Spec{
		Name:    string(registry.Backend),
		Path:    rt.JavaPath,
		Args:    args,
		Env:     s.launchEnv(rt),
		WorkDir: s.paths.Root,
		Stdout:  stdout,
		Stderr:  stderr,
	})
	if err != nil {
		return fmt.Errorf("spawn backend: %w", err)
	}
	if err := lease.Store(proc); err != nil {
		_, _ = proc.Terminate(s.cfg.GracePeriod)
		return err
	}
	metrics.IncStart(string(registry.Backend))
	s.history.Started(string(registry.Backend), proc.PID(), proc.Snapshot().StartedAt)
	slog.Info("backend spawned", "pid", proc.PID(), "port", s.cfg.Port, "java", rt.Version)

	checker := health.NewHTTPChecker(s.URL() + s.cfg.HealthPath)
	if err := health.WaitReady(ctx, checker, s.policy()); err != nil {
		return fmt.Errorf("backend health: %w", err)
	}
	metrics.ObserveStartDuration(string(registry.Backend), time.Since(begin).Seconds())
	slog.Info("backend ready", "url", s.URL(), "took", time.Since(begin).Round(time.Millisecond))
	return nil
}

// Stop sends SIGTERM, waits the grace period, then kills. It is a no-op
// when nothing is registered.
func (s *Supervisor) Stop(_ context.Context) error {
	proc := s.reg.Take(registry.Backend)
	if proc == nil {
		return nil
	}
	killed, err := proc.Terminate(s.cfg.GracePeriod)
	st := proc.Snapshot()
	metrics.IncStop(string(registry.Backend), killed)
	s.history.Stopped(string(registry.Backend), st.PID, st.StartedAt, st.StoppedAt, st.ExitErr)
	slog.Info("backend stopped", "pid", st.PID, "exit", st.ExitErr, "forced", killed)
	if err != nil {
		return fmt.Errorf("stop backend: %w", err)
	}
	return nil
}
