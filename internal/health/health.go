// Package health polls readiness endpoints of managed processes.
package health

import (
	"context"
	"time"
)

// CheckType represents the type of readiness check
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypeSQL  CheckType = "sql"
	CheckTypeFunc CheckType = "func"
)

// Result represents the outcome of one readiness check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is the interface that all readiness checkers implement
type Checker interface {
	// Check performs one probe; it must honor ctx cancellation.
	Check(ctx context.Context) Result
	Type() CheckType
	// Target describes what is probed, for logs and errors.
	Target() string
}

// FuncChecker adapts a predicate into a Checker.
type FuncChecker struct {
	Name string
	Fn   func(ctx context.Context) error
}

func (f FuncChecker) Check(ctx context.Context) Result {
	start := time.Now()
	err := f.Fn(ctx)
	r := Result{Healthy: err == nil, Message: "ok", CheckedAt: start, Duration: time.Since(start)}
	if err != nil {
		r.Message = err.Error()
	}
	return r
}

func (f FuncChecker) Type() CheckType { return CheckTypeFunc }

func (f FuncChecker) Target() string { return f.Name }
