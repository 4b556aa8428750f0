// Package orchestrator sequences startup and shutdown of the database, the
// Java runtime, the gateway and the backend.
//
//	Idle -> Starting -> Running -> Stopping -> Stopped
//	             \                     \
//	              -> Error              -> Error
//
// Shutdown runs at most once per process no matter how many origins
// request it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/booklore-runner/internal/events"
	"github.com/loykin/booklore-runner/internal/jre"
	"github.com/loykin/booklore-runner/internal/metrics"
	"github.com/loykin/booklore-runner/internal/registry"
)

var ErrShuttingDown = errors.New("shutdown in progress")

type State string

const (
	Idle     State = "idle"
	Starting State = "starting"
	Running  State = "running"
	Stopping State = "stopping"
	Stopped  State = "stopped"
	Failed   State = "error"
)

var allStates = []string{string(Idle), string(Starting), string(Running), string(Stopping), string(Stopped), string(Failed)}

type Database interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Running() bool
}

type Runtime interface {
	Ensure(ctx context.Context) (jre.Runtime, error)
}

type Backend interface {
	Start(ctx context.Context, rt jre.Runtime) error
	Stop(ctx context.Context) error
	Running() bool
}

type Gateway interface {
	Start() error
	Stop(ctx context.Context) error
	Running() bool
}

// Options wires an Orchestrator. NewGateway is retried on each start until
// it succeeds, so a fixed frontend install is picked up on retry.
type Options struct {
	Database   Database
	Runtime    Runtime
	Backend    Backend
	NewGateway func() (Gateway, error)
	// GatewayRequired makes a gateway failure abort startup.
	GatewayRequired bool
	Events          events.Emitter
	Registry        *registry.Registry
	Ports           Ports
}

type Ports struct {
	Gateway  int `json:"gateway"`
	Backend  int `json:"backend"`
	Database int `json:"database"`
}

type Orchestrator struct {
	opts   Options
	events events.Emitter

	mu        sync.Mutex
	state     State
	startedAt time.Time
	lastErr   error
	gateway   Gateway
	runtime   jre.Runtime

	shutdown  atomic.Bool
	completed atomic.Bool
	done      chan struct{}
}

func New(o Options) *Orchestrator {
	em := o.Events
	if em == nil {
		em = events.Discard
	}
	orc := &Orchestrator{opts: o, events: em, state: Idle, done: make(chan struct{})}
	metrics.SetLifecycleState(string(Idle), allStates)
	return orc
}

func (o *Orchestrator) setState(s State, err error) {
	o.mu.Lock()
	o.state = s
	o.lastErr = err
	o.mu.Unlock()
	metrics.SetLifecycleState(string(s), allStates)
	slog.Debug("lifecycle state", "state", s)
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) emit(phase events.Phase, stage events.Stage, state events.State, progress int, msg string) {
	o.events.Emit(events.Event{Phase: phase, Stage: stage, State: state, Progress: progress, Message: msg})
}

// Start runs the startup sequence. It is a no-op while starting or
// running, and fails with ErrShuttingDown once shutdown was requested.
// A start after a failed one retries the whole sequence; supervisors skip
// what is already running.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.shutdown.Load() {
		o.mu.Unlock()
		return ErrShuttingDown
	}
	if o.state == Starting || o.state == Running {
		o.mu.Unlock()
		return nil
	}
	o.state = Starting
	o.startedAt = time.Now()
	o.lastErr = nil
	o.mu.Unlock()
	metrics.SetLifecycleState(string(Starting), allStates)

	err := o.startup(ctx)
	if o.shutdown.Load() {
		// the stop sequence may have run before our children existed
		o.reclaim(context.WithoutCancel(ctx))
		if err == nil {
			err = ErrShuttingDown
		}
		return err
	}
	if err != nil {
		o.setState(Failed, err)
		return err
	}
	o.setState(Running, nil)
	return nil
}

func (o *Orchestrator) startup(ctx context.Context) error {
	var g errgroup.Group
	g.Go(func() error {
		o.emit(events.Startup, events.StageDatabase, events.Active, 10, "Starting database...")
		if err := o.opts.Database.Start(ctx); err != nil {
			o.emit(events.Startup, events.StageDatabase, events.Error, 10, err.Error())
			return fmt.Errorf("database: %w", err)
		}
		o.emit(events.Startup, events.StageDatabase, events.Complete, 30, "Database ready")
		return nil
	})
	g.Go(func() error {
		o.emit(events.Startup, events.StageRuntime, events.Active, 10, "Preparing Java runtime...")
		rt, err := o.opts.Runtime.Ensure(ctx)
		if err != nil {
			o.emit(events.Startup, events.StageRuntime, events.Error, 10, err.Error())
			return fmt.Errorf("runtime: %w", err)
		}
		o.mu.Lock()
		o.runtime = rt
		o.mu.Unlock()
		o.emit(events.Startup, events.StageRuntime, events.Complete, 60, fmt.Sprintf("Java %d ready", rt.Version))
		return nil
	})
	g.Go(func() error {
		o.emit(events.Startup, events.StageGateway, events.Active, 10, "Starting gateway...")
		if err := o.startGateway(); err != nil {
			o.emit(events.Startup, events.StageGateway, events.Error, 10, err.Error())
			if o.opts.GatewayRequired {
				return fmt.Errorf("gateway: %w", err)
			}
			slog.Warn("gateway failed; continuing without it", "error", err)
			return nil
		}
		o.emit(events.Startup, events.StageGateway, events.Complete, 30, "Gateway ready")
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	if o.shutdown.Load() {
		return ErrShuttingDown
	}

	o.mu.Lock()
	rt := o.runtime
	o.mu.Unlock()
	o.emit(events.Startup, events.StageBackend, events.Active, 70, "Starting backend...")
	if err := o.opts.Backend.Start(ctx, rt); err != nil {
		o.emit(events.Startup, events.StageBackend, events.Error, 70, err.Error())
		return fmt.Errorf("backend: %w", err)
	}
	o.emit(events.Startup, events.StageBackend, events.Complete, 85, "Backend ready")
	o.emit(events.Startup, events.StageReady, events.Complete, 100, "BookLore is ready")
	return nil
}

func (o *Orchestrator) startGateway() error {
	o.mu.Lock()
	gw := o.gateway
	o.mu.Unlock()
	if gw == nil {
		if o.opts.NewGateway == nil {
			return errors.New("no gateway configured")
		}
		var err error
		if gw, err = o.opts.NewGateway(); err != nil {
			return err
		}
		o.mu.Lock()
		o.gateway = gw
		o.mu.Unlock()
	}
	return gw.Start()
}

func (o *Orchestrator) currentGateway() Gateway {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.gateway
}

// RequestShutdown starts the stop sequence in the background. Only the
// first call from any origin starts it and returns true; Done closes when
// it finishes.
func (o *Orchestrator) RequestShutdown(ctx context.Context) bool {
	if !o.shutdown.CompareAndSwap(false, true) {
		return false
	}
	o.setState(Stopping, nil)
	go o.stopSequence(context.WithoutCancel(ctx))
	return true
}

// Shutdown requests shutdown and waits for the sequence or ctx.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.RequestShutdown(ctx)
	select {
	case <-o.done:
		return o.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done closes once the stop sequence has finished.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

// Err is the error of the last failed start or stop sequence.
func (o *Orchestrator) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

// stopSequence stops gateway, backend and database in that order. A failed
// stage is reported and the next one still runs.
func (o *Orchestrator) stopSequence(ctx context.Context) {
	defer close(o.done)
	var errs error
	stage := func(st events.Stage, from, to int, active, complete string, stop func(context.Context) error) {
		o.emit(events.Shutdown, st, events.Active, from, active)
		if err := stop(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", st, err))
			o.emit(events.Shutdown, st, events.Error, to, err.Error())
			return
		}
		o.emit(events.Shutdown, st, events.Complete, to, complete)
	}
	stage(events.StageGateway, 10, 30, "Stopping gateway...", "Gateway stopped", o.stopGateway)
	stage(events.StageBackend, 40, 60, "Stopping backend...", "Backend stopped", o.opts.Backend.Stop)
	stage(events.StageDatabase, 70, 90, "Stopping database...", "Database stopped", o.opts.Database.Stop)
	o.emit(events.Shutdown, events.StageDone, events.Complete, 100, "Shutdown complete")

	if errs != nil {
		slog.Warn("shutdown finished with errors", "error", errs)
		o.setState(Failed, errs)
	} else {
		o.setState(Stopped, nil)
	}
	o.completed.Store(true)
}

func (o *Orchestrator) stopGateway(ctx context.Context) error {
	if gw := o.currentGateway(); gw != nil {
		return gw.Stop(ctx)
	}
	return nil
}

// reclaim stops the children without events.
func (o *Orchestrator) reclaim(ctx context.Context) error {
	return multierr.Combine(
		o.stopGateway(ctx),
		o.opts.Backend.Stop(ctx),
		o.opts.Database.Stop(ctx),
	)
}

// SafetyNet is the last-resort teardown before the process exits. It does
// nothing when the stop sequence completed.
func (o *Orchestrator) SafetyNet(ctx context.Context) error {
	if o.completed.Load() {
		return nil
	}
	slog.Warn("stop sequence did not complete; stopping children directly")
	return o.reclaim(ctx)
}
