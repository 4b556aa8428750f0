package health

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLChecker runs a trivial query; an open listener alone is not enough since
// the server may not accept logins yet.
type SQLChecker struct {
	DB    *sql.DB
	Name  string
	Query string
}

// NewSQLChecker probes with "SELECT 1".
func NewSQLChecker(db *sql.DB, name string) *SQLChecker {
	return &SQLChecker{DB: db, Name: name, Query: "SELECT 1"}
}

func (s *SQLChecker) Check(ctx context.Context) Result {
	start := time.Now()
	var one int
	if err := s.DB.QueryRowContext(ctx, s.Query).Scan(&one); err != nil {
		return Result{Message: fmt.Sprintf("query failed: %v", err), CheckedAt: start, Duration: time.Since(start)}
	}
	return Result{Healthy: true, Message: "query ok", CheckedAt: start, Duration: time.Since(start)}
}

func (s *SQLChecker) Type() CheckType { return CheckTypeSQL }

func (s *SQLChecker) Target() string { return s.Name }
