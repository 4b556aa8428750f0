package database

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/loykin/booklore-runner/internal/health"
)

var schemaName = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Client is the administrative connection to the local server. The server
// runs with --skip-grant-tables, so credentials are only a formality.
type Client struct {
	db   *sql.DB
	addr string
}

// Open prepares a pooled connection to addr. No connection is made yet.
func Open(addr, user, password string) (*Client, error) {
	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = addr
	cfg.User = user
	cfg.Passwd = password
	cfg.Timeout = 2 * time.Second
	cfg.ReadTimeout = 10 * time.Second
	cfg.WriteTimeout = 10 * time.Second
	cfg.AllowNativePasswords = true
	conn, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("mariadb connector: %w", err)
	}
	db := sql.OpenDB(conn)
	db.SetMaxOpenConns(2)
	db.SetConnMaxIdleTime(30 * time.Second)
	return &Client{db: db, addr: addr}, nil
}

// Checker probes readiness with a SELECT 1 round-trip.
func (c *Client) Checker() health.Checker {
	return health.NewSQLChecker(c.db, "mariadb@"+c.addr)
}

// CreateSchema creates the application database if it is missing.
func (c *Client) CreateSchema(ctx context.Context, name string) error {
	if !schemaName.MatchString(name) {
		return fmt.Errorf("invalid schema name %q", name)
	}
	q := "CREATE DATABASE IF NOT EXISTS `" + name + "` CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci"
	if _, err := c.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("create schema %s: %w", name, err)
	}
	return nil
}

// Shutdown asks the server to stop itself.
func (c *Client) Shutdown(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, "SHUTDOWN"); err != nil {
		return fmt.Errorf("shutdown command: %w", err)
	}
	return nil
}

func (c *Client) Close() error { return c.db.Close() }
