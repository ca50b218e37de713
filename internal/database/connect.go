// Package database manages connections and schema for the document store.
package database

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/docuvector/ingest/internal/config"
	"github.com/docuvector/ingest/internal/observability"
)

const (
	maxConnectAttempts = 10
	baseConnectDelay   = 1 * time.Second
	maxConnectDelay    = 30 * time.Second

	// Each worker processes one document at a time, so a single
	// connection plus a small overflow covers the worker and the
	// occasional concurrent log write.
	workerMaxOpenConns = 3
	workerMaxIdleConns = 1

	// Session limits for the maintenance connection used by the
	// cleanup and repair paths. Bulk range deletes over chunks can
	// run for minutes on large projects.
	maintenanceStatementTimeout = 300 * time.Second
	maintenanceLockTimeout      = 60 * time.Second
)

// WorkerAppName returns a process-unique application_name so sessions
// are attributable to individual workers in pg_stat_activity.
func WorkerAppName() string {
	return "ingester-worker-" + uuid.New().String()[:8]
}

// Connect opens a connection pool sized for a single worker, retrying
// with exponential backoff until the database accepts connections.
func Connect(ctx context.Context, cfg config.DatabaseConfig, appName string, logger observability.Logger) (*sqlx.DB, error) {
	dsn := cfg.DSN(appName)

	var db *sqlx.DB
	var err error
	for i := 0; i < maxConnectAttempts; i++ {
		db, err = sqlx.Open("postgres", dsn)
		if err == nil {
			err = db.PingContext(ctx)
			if err == nil {
				db.SetMaxOpenConns(workerMaxOpenConns)
				db.SetMaxIdleConns(workerMaxIdleConns)
				db.SetConnMaxLifetime(5 * time.Minute)
				return db, nil
			}
			_ = db.Close()
		}

		delay, retry := retryDelay(i)
		if !retry {
			break
		}

		logger.Warn("Database connection failed, retrying", map[string]interface{}{
			"attempt":      i + 1,
			"max_attempts": maxConnectAttempts,
			"delay":        delay.String(),
			"error":        err.Error(),
		})

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", maxConnectAttempts, err)
}

// retryDelay returns the backoff before the next connect attempt, or
// false once the final attempt has failed.
func retryDelay(attempt int) (time.Duration, bool) {
	if attempt >= maxConnectAttempts-1 {
		return 0, false
	}
	delay := baseConnectDelay * time.Duration(1<<uint(attempt))
	if delay > maxConnectDelay {
		delay = maxConnectDelay
	}
	return delay, true
}

// MaintenanceSession pins a single connection and applies the session
// timeouts the cleanup paths rely on. The caller owns the connection
// and must close it.
func MaintenanceSession(ctx context.Context, db *sqlx.DB) (*sqlx.Conn, error) {
	conn, err := db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire maintenance connection: %w", err)
	}

	settings := []string{
		fmt.Sprintf("SET statement_timeout = %d", maintenanceStatementTimeout.Milliseconds()),
		fmt.Sprintf("SET lock_timeout = %d", maintenanceLockTimeout.Milliseconds()),
	}
	for _, stmt := range settings {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to configure maintenance session: %w", err)
		}
	}

	return conn, nil
}

// IsTransientConnError reports whether err looks like a dropped
// connection rather than a SQL-level failure. Long-running deletes
// occasionally lose their SSL session mid-statement and are safe to
// retry.
func IsTransientConnError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, driver.ErrBadConn) {
		return true
	}

	msg := err.Error()
	for _, fragment := range []string{
		"SSL connection has been closed",
		"bad connection",
		"broken pipe",
		"connection reset by peer",
		"unexpected EOF",
	} {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}
