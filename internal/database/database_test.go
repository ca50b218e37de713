package database

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuvector/ingest/internal/observability"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		if closeErr := db.Close(); closeErr != nil {
			t.Logf("Failed to close mock db: %v", closeErr)
		}
	})
	return sqlx.NewDb(db, "sqlmock"), mock
}

func TestWorkerAppName(t *testing.T) {
	a := WorkerAppName()
	b := WorkerAppName()

	assert.Contains(t, a, "ingester-worker-")
	assert.Len(t, a, len("ingester-worker-")+8)
	assert.NotEqual(t, a, b)
}

func TestEnsureSchema(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectExec("CREATE EXTENSION IF NOT EXISTS vector").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE SCHEMA IF NOT EXISTS docstore").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`(?s)vector\(768\).*CHECK \(status IN \('success', 'failure', 'skipped'\)\)`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_document_chunks_project_document").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("USING hnsw").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	opts := SchemaOptions{Dimension: 768, AutoCreateExtension: true}
	err := EnsureSchema(context.Background(), db, opts, observability.NewNoopLogger())
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchemaSkipsHNSW(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec("CREATE SCHEMA IF NOT EXISTS docstore").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS docstore.projects").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	opts := SchemaOptions{Dimension: 768, SkipHNSWIndexes: true}
	err := EnsureSchema(context.Background(), db, opts, observability.NewNoopLogger())
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchemaInvalidDimension(t *testing.T) {
	db, _ := newMockDB(t)

	err := EnsureSchema(context.Background(), db, SchemaOptions{}, observability.NewNoopLogger())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid embedding dimension")
}

func TestEnsureSchemaRollsBackOnError(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec("CREATE SCHEMA IF NOT EXISTS docstore").
		WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()

	opts := SchemaOptions{Dimension: 768, SkipHNSWIndexes: true}
	err := EnsureSchema(context.Background(), db, opts, observability.NewNoopLogger())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create schema")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResetTables(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectExec("DROP TABLE IF EXISTS docstore.document_chunks").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := ResetTables(context.Background(), db, observability.NewNoopLogger())
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMaintenanceSession(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectExec("SET statement_timeout = 300000").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SET lock_timeout = 60000").
		WillReturnResult(sqlmock.NewResult(0, 0))

	conn, err := MaintenanceSession(context.Background(), db)
	require.NoError(t, err)
	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			t.Logf("Failed to close conn: %v", closeErr)
		}
	}()

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryDelay(t *testing.T) {
	delay, retry := retryDelay(0)
	assert.True(t, retry)
	assert.Equal(t, 1*time.Second, delay)

	delay, retry = retryDelay(4)
	assert.True(t, retry)
	assert.Equal(t, 16*time.Second, delay)

	// Exponential growth caps at the maximum delay.
	delay, retry = retryDelay(maxConnectAttempts - 2)
	assert.True(t, retry)
	assert.Equal(t, maxConnectDelay, delay)

	// After the final attempt Connect returns at once, with no
	// trailing retry log or sleep.
	_, retry = retryDelay(maxConnectAttempts - 1)
	assert.False(t, retry)
}

func TestIsTransientConnError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"eof", io.EOF, true},
		{"wrapped eof", fmt.Errorf("executing delete: %w", io.EOF), true},
		{"ssl closed", errors.New("pq: SSL connection has been closed unexpectedly"), true},
		{"bad connection", errors.New("driver: bad connection"), true},
		{"reset by peer", errors.New("read tcp: connection reset by peer"), true},
		{"sql error", errors.New("pq: syntax error at or near SELECT"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransientConnError(tt.err))
		})
	}
}
