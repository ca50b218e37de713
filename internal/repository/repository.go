// Package repository implements data access for the ingestion pipeline.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/docuvector/ingest/internal/models"
)

// DocumentRepository handles project, document, chunk and processing
// log access against the document store.
type DocumentRepository struct {
	db *sqlx.DB
}

// NewDocumentRepository creates a new document repository.
func NewDocumentRepository(db *sqlx.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

// UpsertProject creates or refreshes the project row. Called before any
// of the project's documents are processed; projects are never deleted
// by the pipeline.
func (r *DocumentRepository) UpsertProject(ctx context.Context, project *models.CatalogProject) error {
	metadata := project.Raw
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}

	query := `
		INSERT INTO docstore.projects (project_id, project_name, project_metadata)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id) DO UPDATE
		SET project_name = EXCLUDED.project_name,
		    project_metadata = EXCLUDED.project_metadata`

	_, err := r.db.ExecContext(ctx, query, project.ID, project.Name, []byte(metadata))
	if err != nil {
		return fmt.Errorf("failed to upsert project %s: %w", project.ID, err)
	}

	return nil
}

// InsertDocumentWithChunks persists a successfully processed document in
// a single transaction: the document row, all of its chunks, and the
// success processing log. Either everything lands or nothing does.
func (r *DocumentRepository) InsertDocumentWithChunks(ctx context.Context, doc *models.Document, chunks []models.Chunk, metrics json.RawMessage) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	docQuery := `
		INSERT INTO docstore.documents (
			document_id, project_id, document_tags, document_keywords,
			document_headings, document_metadata, embedding
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7::vector
		)`

	metadata := doc.DocumentMetadata
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}

	_, err = tx.ExecContext(ctx, docQuery,
		doc.DocumentID, doc.ProjectID, doc.DocumentTags, doc.DocumentKeywords,
		doc.DocumentHeadings, []byte(metadata), vectorParam(doc.Embedding),
	)
	if err != nil {
		return fmt.Errorf("failed to insert document %s: %w", doc.DocumentID, err)
	}

	chunkQuery := `
		INSERT INTO docstore.document_chunks (
			document_id, project_id, content, chunk_metadata, embedding
		) VALUES (
			$1, $2, $3, $4, $5::vector
		)`

	stmt, err := tx.PrepareContext(ctx, chunkQuery)
	if err != nil {
		return fmt.Errorf("failed to prepare chunk insert: %w", err)
	}
	defer func() {
		_ = stmt.Close()
	}()

	for i := range chunks {
		chunkMetadata, err := json.Marshal(chunks[i].Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal chunk metadata: %w", err)
		}

		_, err = stmt.ExecContext(ctx,
			doc.DocumentID, doc.ProjectID, chunks[i].Content,
			chunkMetadata, vectorParam(chunks[i].Embedding),
		)
		if err != nil {
			return fmt.Errorf("failed to insert chunk %d: %w", chunks[i].Index, err)
		}
	}

	if err := appendLog(ctx, tx, doc.ProjectID, doc.DocumentID, models.StatusSuccess, metrics); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// AppendProcessingLog records a terminal processing attempt in its own
// small transaction. Used for failure and skipped outcomes; success logs
// are written inside InsertDocumentWithChunks.
func (r *DocumentRepository) AppendProcessingLog(ctx context.Context, projectID, documentID string, status models.Status, metrics json.RawMessage) error {
	return appendLog(ctx, r.db, projectID, documentID, status, metrics)
}

func appendLog(ctx context.Context, db sqlx.ExecerContext, projectID, documentID string, status models.Status, metrics json.RawMessage) error {
	if len(metrics) == 0 {
		metrics = json.RawMessage(`{}`)
	}

	query := `
		INSERT INTO docstore.processing_logs (project_id, document_id, status, metrics)
		VALUES ($1, $2, $3, $4)`

	_, err := db.ExecContext(ctx, query, projectID, documentID, string(status), []byte(metrics))
	if err != nil {
		return fmt.Errorf("failed to append processing log for %s: %w", documentID, err)
	}

	return nil
}

// LatestStatuses returns the most recent processing log status per
// document for a project. The latest processed_at defines the current
// status; log id breaks ties within the same timestamp.
func (r *DocumentRepository) LatestStatuses(ctx context.Context, projectID string) (map[string]models.Status, error) {
	query := `
		SELECT DISTINCT ON (document_id) document_id, status
		FROM docstore.processing_logs
		WHERE project_id = $1
		ORDER BY document_id, processed_at DESC, id DESC`

	rows, err := r.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query processing logs: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	statuses := make(map[string]models.Status)
	for rows.Next() {
		var documentID, status string
		if err := rows.Scan(&documentID, &status); err != nil {
			return nil, fmt.Errorf("failed to scan processing log row: %w", err)
		}
		statuses[documentID] = models.Status(status)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read processing log rows: %w", err)
	}

	return statuses, nil
}

// LatestLogStatus returns the most recent terminal status for one
// document, or ok=false when the document has never been logged.
func (r *DocumentRepository) LatestLogStatus(ctx context.Context, projectID, documentID string) (models.Status, bool, error) {
	var status string
	query := `
		SELECT status FROM docstore.processing_logs
		WHERE project_id = $1 AND document_id = $2
		ORDER BY processed_at DESC, id DESC
		LIMIT 1`

	err := r.db.GetContext(ctx, &status, query, projectID, documentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to query latest log status: %w", err)
	}

	return models.Status(status), true, nil
}

// HasLogSince reports whether a processing log was appended for the
// document at or after the given time. The dispatcher uses this to keep
// its safety-net log append idempotent within a run.
func (r *DocumentRepository) HasLogSince(ctx context.Context, projectID, documentID string, since time.Time) (bool, error) {
	var exists bool
	query := `
		SELECT EXISTS(
			SELECT 1 FROM docstore.processing_logs
			WHERE project_id = $1 AND document_id = $2 AND processed_at >= $3
		)`

	err := r.db.GetContext(ctx, &exists, query, projectID, documentID, since)
	if err != nil {
		return false, fmt.Errorf("failed to check processing log existence: %w", err)
	}

	return exists, nil
}

// CountChunks returns the chunk count for a document.
func (r *DocumentRepository) CountChunks(ctx context.Context, projectID, documentID string) (int, error) {
	var count int
	query := `
		SELECT COUNT(*) FROM docstore.document_chunks
		WHERE project_id = $1 AND document_id = $2`

	err := r.db.GetContext(ctx, &count, query, projectID, documentID)
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}

	return count, nil
}

// vectorParam renders an embedding as the pgvector text literal, or NULL
// when no embedding was produced.
func vectorParam(embedding []float32) interface{} {
	if len(embedding) == 0 {
		return nil
	}

	strValues := make([]string, len(embedding))
	for i, v := range embedding {
		strValues[i] = fmt.Sprintf("%f", v)
	}
	return "[" + strings.Join(strValues, ",") + "]"
}
