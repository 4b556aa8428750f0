package health

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func TestHTTPChecker_StatusClasses(t *testing.T) {
	codes := map[int]bool{200: true, 204: true, 299: true, 301: false, 404: false, 503: false}
	for code, want := range codes {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))
		r := NewHTTPChecker(srv.URL).Check(context.Background())
		srv.Close()
		assert.Equalf(t, want, r.Healthy, "status %d: %s", code, r.Message)
	}
}

func TestHTTPChecker_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	r := NewHTTPChecker(url).Check(context.Background())
	assert.False(t, r.Healthy)
	assert.Contains(t, r.Message, "request failed")
}

func TestWaitReady_SucceedsAfterNIntervals(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := WaitReady(context.Background(), NewHTTPChecker(srv.URL), Policy{Interval: 20 * time.Millisecond, MaxAttempts: 10})
	require.NoError(t, err)
	assert.Equal(t, int32(4), calls.Load())
}

func TestWaitReady_TimesOutWithinBound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := Policy{Interval: 25 * time.Millisecond, MaxAttempts: 5, AttemptTimeout: 200 * time.Millisecond}
	start := time.Now()
	err := WaitReady(context.Background(), NewHTTPChecker(srv.URL), p)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
	var te *TimeoutError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 5, te.Attempts)
	assert.Contains(t, te.Last, "500")
	assert.LessOrEqual(t, elapsed, p.Budget()+p.AttemptTimeout+250*time.Millisecond)
}

func TestWaitReady_SlowCheckBoundedByAttemptTimeout(t *testing.T) {
	c := FuncChecker{Name: "slow", Fn: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	p := Policy{Interval: 10 * time.Millisecond, MaxAttempts: 3, AttemptTimeout: 50 * time.Millisecond}
	start := time.Now()
	err := WaitReady(context.Background(), c, p)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitReady_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := FuncChecker{Name: "never", Fn: func(ctx context.Context) error { return errors.New("no") }}
	err := WaitReady(ctx, c, Policy{Interval: time.Second, MaxAttempts: 60})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetry_StopsOnSuccess(t *testing.T) {
	n, err := Retry(context.Background(), Policy{Interval: time.Millisecond, MaxAttempts: 10}, func(ctx context.Context, attempt int) error {
		if attempt < 2 {
			return errors.New("later")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSQLChecker(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	r := NewSQLChecker(db, "sqlite").Check(context.Background())
	assert.True(t, r.Healthy, r.Message)

	bad := &SQLChecker{DB: db, Name: "broken", Query: "SELECT * FROM missing_table"}
	assert.False(t, bad.Check(context.Background()).Healthy)
}
