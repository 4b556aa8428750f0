package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/booklore-runner/internal/history"
)

func TestSQLiteSink_FileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "history.db")
	sink, err := New("sqlite://" + path)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	started := time.Now().Add(-time.Minute)
	events := []history.Event{
		{Type: history.EventStart, OccurredAt: started, Record: history.Record{Kind: "database", PID: 10, StartedAt: started, RunID: "r1"}},
		{Type: history.EventStart, OccurredAt: started, Record: history.Record{Kind: "backend", PID: 11, StartedAt: started, RunID: "r1"}},
		{Type: history.EventStop, OccurredAt: time.Now(), Record: history.Record{Kind: "backend", PID: 11, StartedAt: started, StoppedAt: time.Now(), ExitErr: "signal: terminated", RunID: "r1"}},
	}
	for _, e := range events {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	if n, err := sink.Count(ctx, "backend"); err != nil || n != 2 {
		t.Fatalf("backend count=%d err=%v", n, err)
	}
	if n, err := sink.Count(ctx, ""); err != nil || n != 3 {
		t.Fatalf("total count=%d err=%v", n, err)
	}

	// schema creation is idempotent on reopen
	again, err := New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	_ = again.Close()
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatalf("expected error")
	}
}
