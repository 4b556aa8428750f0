package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loykin/booklore-runner/internal/metrics"
)

// ErrTimeout is matched by every *TimeoutError.
var ErrTimeout = errors.New("readiness timeout")

// TimeoutError reports an exhausted probe budget.
type TimeoutError struct {
	Target   string
	Attempts int
	Elapsed  time.Duration
	Last     string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s not ready after %d attempts (%s): %s", e.Target, e.Attempts, e.Elapsed.Round(time.Millisecond), e.Last)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// Policy is a fixed-interval retry budget. AttemptTimeout bounds one check;
// the whole wait never exceeds Interval*MaxAttempts + AttemptTimeout.
type Policy struct {
	Interval       time.Duration
	MaxAttempts    int
	AttemptTimeout time.Duration
}

func (p Policy) normalized() Policy {
	if p.Interval <= 0 {
		p.Interval = time.Second
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = 2 * time.Second
	}
	return p
}

// Budget is the nominal wait: Interval*MaxAttempts.
func (p Policy) Budget() time.Duration {
	p = p.normalized()
	return p.Interval * time.Duration(p.MaxAttempts)
}

// Retry calls fn until it returns nil, the attempts run out, or ctx ends.
// It returns the last error from fn, or ctx's error.
func Retry(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) (int, error) {
	p = p.normalized()
	deadline := time.Now().Add(p.Budget() + p.AttemptTimeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var last error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		actx, acancel := context.WithTimeout(ctx, p.AttemptTimeout)
		last = fn(actx, attempt)
		acancel()
		if last == nil {
			return attempt, nil
		}
		if attempt == p.MaxAttempts {
			return attempt, last
		}
		t := time.NewTimer(p.Interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return attempt, last
		case <-t.C:
		}
	}
	return p.MaxAttempts, last
}

// WaitReady polls c until it reports healthy or the policy is exhausted, in
// which case a *TimeoutError is returned. A cancelled ctx is returned as is.
func WaitReady(ctx context.Context, c Checker, p Policy) error {
	start := time.Now()
	attempts, err := Retry(ctx, p, func(ctx context.Context, attempt int) error {
		r := c.Check(ctx)
		if r.Healthy {
			return nil
		}
		slog.Debug("not ready", "target", c.Target(), "attempt", attempt, "msg", r.Message)
		return errors.New(r.Message)
	})
	metrics.ObserveProbe(string(c.Type()), err == nil, attempts, time.Since(start).Seconds())
	if err == nil {
		slog.Info("ready", "target", c.Target(), "attempts", attempts, "elapsed", time.Since(start).Round(time.Millisecond))
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return &TimeoutError{Target: c.Target(), Attempts: attempts, Elapsed: time.Since(start), Last: err.Error()}
}
