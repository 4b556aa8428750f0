// Package detector finds processes left behind by an earlier launcher run,
// matching them by command line.
package detector

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Match is a process whose command line matched.
type Match struct {
	PID     int32
	Cmdline string
}

// PatternDetector matches process command lines against a regular
// expression. The launcher's own pid is never reported.
type PatternDetector struct {
	Pattern *regexp.Regexp
}

// NewPatternDetector compiles expr.
func NewPatternDetector(expr string) (*PatternDetector, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("compile pattern %q: %w", expr, err)
	}
	return &PatternDetector{Pattern: re}, nil
}

// Find lists processes matching the pattern. Processes that vanish or deny
// access while being inspected are skipped.
func (d *PatternDetector) Find(ctx context.Context) ([]Match, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	self := int32(os.Getpid())
	var out []Match
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		cmd, err := p.CmdlineWithContext(ctx)
		if err != nil || cmd == "" {
			continue
		}
		if d.Pattern.MatchString(cmd) {
			out = append(out, Match{PID: p.Pid, Cmdline: cmd})
		}
	}
	return out, nil
}

// Alive reports whether any process matches.
func (d *PatternDetector) Alive(ctx context.Context) (bool, error) {
	m, err := d.Find(ctx)
	return len(m) > 0, err
}

func (d *PatternDetector) Describe() string { return "cmdline:" + d.Pattern.String() }

// Terminate sends SIGTERM to every match, then waits up to wait for them to
// exit. It returns the matches it signalled.
func (d *PatternDetector) Terminate(ctx context.Context, wait time.Duration) ([]Match, error) {
	matches, err := d.Find(ctx)
	if err != nil || len(matches) == 0 {
		return nil, err
	}
	for _, m := range matches {
		p, err := process.NewProcessWithContext(ctx, m.PID)
		if err != nil {
			continue
		}
		slog.Warn("terminating stale process", "pid", m.PID, "cmdline", m.Cmdline)
		if err := p.TerminateWithContext(ctx); err != nil {
			slog.Warn("terminate stale process failed", "pid", m.PID, "err", err)
		}
	}
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) && anyAlive(ctx, matches) {
		select {
		case <-ctx.Done():
			return matches, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return matches, nil
}

// anyAlive ignores zombies: a terminated child of another parent may linger
// until reaped but no longer holds any resource.
func anyAlive(ctx context.Context, ms []Match) bool {
	for _, m := range ms {
		p, err := process.NewProcessWithContext(ctx, m.PID)
		if err != nil {
			continue
		}
		if st, err := p.StatusWithContext(ctx); err == nil && len(st) > 0 && st[0] == process.Zombie {
			continue
		}
		return true
	}
	return false
}
