package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/docuvector/ingest/internal/observability"
)

// SchemaOptions controls one-time schema setup at startup.
type SchemaOptions struct {
	// Dimension fixes the vector width for both embedding columns.
	Dimension int
	// AutoCreateExtension installs pgvector when the role has rights.
	AutoCreateExtension bool
	// SkipHNSWIndexes defers vector index builds, which dominate
	// startup time on a fresh large store.
	SkipHNSWIndexes bool
}

// EnsureSchema creates the docstore schema, tables and indexes if they
// do not already exist. Safe to call from every worker process; all
// statements are idempotent.
func EnsureSchema(ctx context.Context, db *sqlx.DB, opts SchemaOptions, logger observability.Logger) error {
	if opts.Dimension <= 0 {
		return fmt.Errorf("invalid embedding dimension: %d", opts.Dimension)
	}

	if opts.AutoCreateExtension {
		if _, err := db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
			return fmt.Errorf("failed to create vector extension: %w", err)
		}
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	createSchemaSQL := `
		CREATE SCHEMA IF NOT EXISTS docstore;
	`

	if _, err := tx.ExecContext(ctx, createSchemaSQL); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to create schema: %w", err)
	}

	// Chunks carry no foreign key to documents: the repair pass has to
	// be able to observe orphaned chunks left behind by interrupted
	// cleanups.
	createTablesSQL := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS docstore.projects (
			project_id       TEXT PRIMARY KEY,
			project_name     TEXT NOT NULL DEFAULT '',
			project_metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at       TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS docstore.documents (
			document_id       TEXT PRIMARY KEY,
			project_id        TEXT NOT NULL REFERENCES docstore.projects(project_id),
			document_tags     TEXT[] NOT NULL DEFAULT '{}',
			document_keywords TEXT[] NOT NULL DEFAULT '{}',
			document_headings TEXT[] NOT NULL DEFAULT '{}',
			document_metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			embedding         vector(%[1]d),
			created_at        TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS docstore.document_chunks (
			id             BIGSERIAL PRIMARY KEY,
			document_id    TEXT NOT NULL,
			project_id     TEXT NOT NULL,
			content        TEXT NOT NULL,
			chunk_metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			embedding      vector(%[1]d),
			created_at     TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS docstore.processing_logs (
			id           BIGSERIAL PRIMARY KEY,
			project_id   TEXT NOT NULL,
			document_id  TEXT NOT NULL,
			status       TEXT NOT NULL CHECK (status IN ('success', 'failure', 'skipped')),
			processed_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT CURRENT_TIMESTAMP,
			metrics      JSONB NOT NULL DEFAULT '{}'::jsonb
		);
	`, opts.Dimension)

	if _, err := tx.ExecContext(ctx, createTablesSQL); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to create tables: %w", err)
	}

	createIndexesSQL := `
		CREATE INDEX IF NOT EXISTS idx_document_chunks_project_document
		ON docstore.document_chunks(project_id, document_id);

		CREATE INDEX IF NOT EXISTS idx_processing_logs_project_document
		ON docstore.processing_logs(project_id, document_id, processed_at DESC);

		CREATE INDEX IF NOT EXISTS idx_documents_project
		ON docstore.documents(project_id);

		CREATE INDEX IF NOT EXISTS idx_documents_type_id
		ON docstore.documents((document_metadata->>'document_type_id'));

		CREATE INDEX IF NOT EXISTS idx_documents_date
		ON docstore.documents((document_metadata->>'document_date'));

		CREATE INDEX IF NOT EXISTS idx_documents_status
		ON docstore.documents((document_metadata->>'document_status'));

		CREATE INDEX IF NOT EXISTS idx_documents_published
		ON docstore.documents(project_id)
		WHERE document_metadata->>'document_status' = 'published';
	`

	if _, err := tx.ExecContext(ctx, createIndexesSQL); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	if !opts.SkipHNSWIndexes {
		createVectorIndexesSQL := `
			DO $$
			BEGIN
				IF NOT EXISTS (
					SELECT 1 FROM pg_indexes
					WHERE indexname = 'idx_document_chunks_embedding'
				) THEN
					CREATE INDEX idx_document_chunks_embedding
					ON docstore.document_chunks USING hnsw (embedding vector_cosine_ops)
					WITH (m = 32, ef_construction = 400);
				END IF;

				IF NOT EXISTS (
					SELECT 1 FROM pg_indexes
					WHERE indexname = 'idx_documents_embedding'
				) THEN
					CREATE INDEX idx_documents_embedding
					ON docstore.documents USING hnsw (embedding vector_cosine_ops)
					WITH (m = 32, ef_construction = 400);
				END IF;
			END $$;
		`

		if _, err := tx.ExecContext(ctx, createVectorIndexesSQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to create vector indexes: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	logger.Info("Document store schema ready", map[string]interface{}{
		"dimension":    opts.Dimension,
		"hnsw_skipped": opts.SkipHNSWIndexes,
	})

	return nil
}

// ResetTables drops every docstore table. Development only; callers
// gate this behind an explicit flag.
func ResetTables(ctx context.Context, db *sqlx.DB, logger observability.Logger) error {
	dropSQL := `
		DROP TABLE IF EXISTS docstore.document_chunks;
		DROP TABLE IF EXISTS docstore.processing_logs;
		DROP TABLE IF EXISTS docstore.documents;
		DROP TABLE IF EXISTS docstore.projects;
	`

	if _, err := db.ExecContext(ctx, dropSQL); err != nil {
		return fmt.Errorf("failed to drop tables: %w", err)
	}

	logger.Warn("Dropped all document store tables", nil)
	return nil
}
