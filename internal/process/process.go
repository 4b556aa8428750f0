package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"
)

// ReapTimeout bounds how long Terminate and Kill wait for the exit status
// after SIGKILL.
var ReapTimeout = 5 * time.Second

// outputDrain bounds how long Wait keeps copying output after exit when a
// grandchild still holds the pipes.
const outputDrain = 2 * time.Second

// ErrNotReaped is returned when the child did not exit even after SIGKILL.
var ErrNotReaped = errors.New("process not reaped")

// Process is a spawned child. Exactly one goroutine waits on it; Done is
// closed once the exit status has been collected.
type Process struct {
	spec   Spec
	pid    int
	mu     sync.Mutex
	status Status
	done   chan struct{}
	signal func(syscall.Signal) error
}

// Start spawns the child described by spec in its own process group.
func Start(spec Spec) (*Process, error) {
	cmd := spec.command()
	cmd.WaitDelay = outputDrain
	if err := cmd.Start(); err != nil {
		spec.closeWriters()
		return nil, fmt.Errorf("spawn %s: %w", spec.Name, err)
	}
	p := &Process{
		spec: spec,
		pid:  cmd.Process.Pid,
		done: make(chan struct{}),
		status: Status{
			Name:      spec.Name,
			Running:   true,
			PID:       cmd.Process.Pid,
			StartedAt: time.Now(),
		},
	}
	p.signal = func(sig syscall.Signal) error { return signalGroup(cmd.Process, sig) }
	go func() {
		err := cmd.Wait()
		spec.closeWriters()
		p.mu.Lock()
		p.status.Running = false
		p.status.StoppedAt = time.Now()
		if err != nil {
			p.status.ExitErr = err.Error()
		}
		p.mu.Unlock()
		close(p.done)
		slog.Debug("process exited", "name", spec.Name, "pid", p.pid, "err", err)
	}()
	return p, nil
}

func (p *Process) Name() string { return p.spec.Name }

func (p *Process) PID() int { return p.pid }

// Done is closed after the child exited and was reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Alive reports whether the child has not been reaped yet.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Snapshot returns a copy of the current status.
func (p *Process) Snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Signal delivers sig to the child's process group.
func (p *Process) Signal(sig syscall.Signal) error {
	if !p.Alive() {
		return nil
	}
	return p.signal(sig)
}

// Wait blocks until the child is reaped or ctx is done.
func (p *Process) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Terminate sends SIGTERM, waits up to grace, then escalates to SIGKILL and
// waits for the exit status. killed reports whether the escalation happened.
func (p *Process) Terminate(grace time.Duration) (killed bool, err error) {
	if !p.Alive() {
		return false, nil
	}
	if err := p.Signal(syscall.SIGTERM); err != nil {
		slog.Warn("SIGTERM failed", "name", p.spec.Name, "pid", p.pid, "err", err)
	}
	select {
	case <-p.done:
		return false, nil
	case <-time.After(grace):
	}
	slog.Warn("grace period elapsed, killing", "name", p.spec.Name, "pid", p.pid, "grace", grace)
	return true, p.Kill()
}

// Kill sends SIGKILL and waits for the exit status.
func (p *Process) Kill() error {
	if !p.Alive() {
		return nil
	}
	if err := p.Signal(syscall.SIGKILL); err != nil {
		slog.Warn("SIGKILL failed", "name", p.spec.Name, "pid", p.pid, "err", err)
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(ReapTimeout):
		return fmt.Errorf("%s (pid %d): %w", p.spec.Name, p.pid, ErrNotReaped)
	}
}
