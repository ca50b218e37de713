// Package repair detects and cleans inconsistent document store state
// left behind by interrupted or failed processing runs.
package repair

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/docuvector/ingest/internal/database"
	"github.com/docuvector/ingest/internal/metrics"
	"github.com/docuvector/ingest/internal/models"
	"github.com/docuvector/ingest/internal/observability"
)

// Category names one kind of store inconsistency.
type Category string

const (
	// CategoryPartialFailure marks documents whose latest log is a
	// failure but which still have chunk rows.
	CategoryPartialFailure Category = "partial_failure"
	// CategoryIncompleteProcessing marks documents with chunk rows but
	// no processing log at all.
	CategoryIncompleteProcessing Category = "incomplete_processing"
	// CategoryOrphanedChunks marks chunk rows with no document row.
	CategoryOrphanedChunks Category = "orphaned_chunks"
	// CategoryInconsistentSuccess marks documents whose latest log is a
	// success but which have no chunk rows.
	CategoryInconsistentSuccess Category = "inconsistent_success"
)

const (
	cleanupBatchSize       = 100
	cleanupRetries         = 3
	cleanupInitialInterval = 500 * time.Millisecond
)

// Candidate is one document flagged by the analysis queries.
type Candidate struct {
	models.DocumentRef
	Category Category
}

// Service runs the analysis and cleanup operations. All writes go
// through a dedicated maintenance session with statement and lock
// timeouts applied.
type Service struct {
	db      *sqlx.DB
	metrics *metrics.Metrics
	logger  observability.Logger
}

// NewService creates a repair service on the given pool.
func NewService(db *sqlx.DB, m *metrics.Metrics, logger observability.Logger) *Service {
	return &Service{db: db, metrics: m, logger: logger.WithPrefix("repair")}
}

// latestLogsCTE resolves the current status per document; log id breaks
// ties within the same processed_at.
const latestLogsCTE = `
	SELECT DISTINCT ON (project_id, document_id)
	       project_id, document_id, status
	FROM docstore.processing_logs
	ORDER BY project_id, document_id, processed_at DESC, id DESC`

// FindCandidates runs the two analysis queries and returns every
// inconsistent document, optionally restricted to a set of projects.
func (s *Service) FindCandidates(ctx context.Context, projectIDs []string) ([]Candidate, error) {
	var candidates []Candidate
	err := s.withMaintenance(ctx, func(conn *sqlx.Conn) error {
		found, err := findCandidates(ctx, conn, projectIDs)
		if err != nil {
			return err
		}
		candidates = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return candidates, nil
}

func findCandidates(ctx context.Context, conn *sqlx.Conn, projectIDs []string) ([]Candidate, error) {
	filter := projectFilter(projectIDs)

	// Chunk-side inconsistencies. A document missing both its row and
	// its log is classified by the more severe predicate first.
	chunkQuery := `
		WITH latest_logs AS (` + latestLogsCTE + `),
		chunked AS (
			SELECT DISTINCT project_id, document_id
			FROM docstore.document_chunks
		)
		SELECT c.project_id, c.document_id,
		       CASE
		           WHEN d.document_id IS NULL THEN 'orphaned_chunks'
		           WHEN l.status IS NULL THEN 'incomplete_processing'
		           ELSE 'partial_failure'
		       END AS category
		FROM chunked c
		LEFT JOIN docstore.documents d
		       ON d.project_id = c.project_id AND d.document_id = c.document_id
		LEFT JOIN latest_logs l
		       ON l.project_id = c.project_id AND l.document_id = c.document_id
		WHERE (d.document_id IS NULL OR l.status IS NULL OR l.status = 'failure')
		  AND ($1::text[] IS NULL OR c.project_id = ANY($1))`

	candidates, err := scanCandidates(ctx, conn, chunkQuery, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to analyze chunk inconsistencies: %w", err)
	}

	// Log-side inconsistency: success without chunks.
	successQuery := `
		WITH latest_logs AS (` + latestLogsCTE + `)
		SELECT l.project_id, l.document_id, 'inconsistent_success' AS category
		FROM latest_logs l
		WHERE l.status = 'success'
		  AND NOT EXISTS (
		      SELECT 1 FROM docstore.document_chunks c
		      WHERE c.project_id = l.project_id AND c.document_id = l.document_id
		  )
		  AND ($1::text[] IS NULL OR l.project_id = ANY($1))`

	successes, err := scanCandidates(ctx, conn, successQuery, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to analyze success inconsistencies: %w", err)
	}

	return append(candidates, successes...), nil
}

func scanCandidates(ctx context.Context, conn *sqlx.Conn, query string, filter interface{}) ([]Candidate, error) {
	rows, err := conn.QueryContext(ctx, query, filter)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var candidates []Candidate
	for rows.Next() {
		var c Candidate
		var category string
		if err := rows.Scan(&c.ProjectID, &c.DocumentID, &category); err != nil {
			return nil, err
		}
		c.Category = Category(category)
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

// BulkCleanupRepairCandidates removes every flagged inconsistency in
// batches and returns the affected documents for requeueing. Full
// cleanup applies to the chunk-side categories; inconsistent successes
// only lose their logs.
func (s *Service) BulkCleanupRepairCandidates(ctx context.Context, projectIDs []string) ([]models.DocumentRef, error) {
	candidates, err := s.FindCandidates(ctx, projectIDs)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	var full, logOnly, refs []models.DocumentRef
	for _, c := range candidates {
		refs = append(refs, c.DocumentRef)
		if c.Category == CategoryInconsistentSuccess {
			logOnly = append(logOnly, c.DocumentRef)
		} else {
			full = append(full, c.DocumentRef)
		}
	}

	if err := s.cleanupInBatches(ctx, full, s.deleteDocumentBatch); err != nil {
		return nil, err
	}
	if err := s.cleanupInBatches(ctx, logOnly, s.deleteLogBatch); err != nil {
		return nil, err
	}

	s.logger.Info("Repair cleanup complete", map[string]interface{}{
		"candidates":   len(candidates),
		"full_cleanup": len(full),
		"log_only":     len(logOnly),
	})
	return refs, nil
}

// BulkCleanupFailedDocuments removes chunks, document rows and failure
// logs for every document whose latest log is a failure, in batches,
// and returns the affected documents for requeueing.
func (s *Service) BulkCleanupFailedDocuments(ctx context.Context, projectIDs []string) ([]models.DocumentRef, error) {
	refs, err := s.selectByLatestStatus(ctx, projectIDs, models.StatusFailure)
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return nil, nil
	}

	if err := s.cleanupInBatches(ctx, refs, s.deleteFailedBatch); err != nil {
		return nil, err
	}

	s.logger.Info("Bulk cleanup of failed documents complete", map[string]interface{}{
		"documents": len(refs),
	})
	return refs, nil
}

// BulkCleanupSkippedDocuments deletes the skipped logs for every
// document whose latest log is a skip, in batches, and returns the
// affected documents for requeueing. Skipped documents have no chunks
// or document rows to remove.
func (s *Service) BulkCleanupSkippedDocuments(ctx context.Context, projectIDs []string) ([]models.DocumentRef, error) {
	refs, err := s.selectByLatestStatus(ctx, projectIDs, models.StatusSkipped)
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return nil, nil
	}

	if err := s.cleanupInBatches(ctx, refs, s.deleteSkippedBatch); err != nil {
		return nil, err
	}

	s.logger.Info("Bulk cleanup of skipped documents complete", map[string]interface{}{
		"documents": len(refs),
	})
	return refs, nil
}

// CleanupDocumentData deletes a document's chunks, its row and all of
// its logs. Used by repair before a full reprocess.
func (s *Service) CleanupDocumentData(ctx context.Context, projectID, documentID string) error {
	return s.withMaintenance(ctx, func(conn *sqlx.Conn) error {
		return execInTx(ctx, conn, []pairStatement{
			{`DELETE FROM docstore.document_chunks WHERE project_id = $1 AND document_id = $2`, "chunks"},
			{`DELETE FROM docstore.documents WHERE project_id = $1 AND document_id = $2`, "document"},
			{`DELETE FROM docstore.processing_logs WHERE project_id = $1 AND document_id = $2`, "logs"},
		}, projectID, documentID)
	})
}

// CleanupDocumentContentForRetry deletes a document's chunks and row
// but preserves its logs, so the retry state survives a second failure.
func (s *Service) CleanupDocumentContentForRetry(ctx context.Context, projectID, documentID string) error {
	return s.withMaintenance(ctx, func(conn *sqlx.Conn) error {
		return execInTx(ctx, conn, []pairStatement{
			{`DELETE FROM docstore.document_chunks WHERE project_id = $1 AND document_id = $2`, "chunks"},
			{`DELETE FROM docstore.documents WHERE project_id = $1 AND document_id = $2`, "document"},
		}, projectID, documentID)
	})
}

// CleanupProjectData deletes every chunk, document and log for a
// project. The project row itself stays; reset runs re-upsert it.
func (s *Service) CleanupProjectData(ctx context.Context, projectID string) error {
	err := s.withMaintenance(ctx, func(conn *sqlx.Conn) error {
		return execInTx(ctx, conn, []pairStatement{
			{`DELETE FROM docstore.document_chunks WHERE project_id = $1`, "chunks"},
			{`DELETE FROM docstore.documents WHERE project_id = $1`, "documents"},
			{`DELETE FROM docstore.processing_logs WHERE project_id = $1`, "logs"},
		}, projectID)
	})
	if err != nil {
		return err
	}

	s.logger.Info("Project data cleared", map[string]interface{}{"project_id": projectID})
	return nil
}

func (s *Service) selectByLatestStatus(ctx context.Context, projectIDs []string, status models.Status) ([]models.DocumentRef, error) {
	query := `
		SELECT project_id, document_id FROM (` + latestLogsCTE + `) latest
		WHERE status = $2
		  AND ($1::text[] IS NULL OR project_id = ANY($1))`

	var refs []models.DocumentRef
	err := s.withMaintenance(ctx, func(conn *sqlx.Conn) error {
		rows, err := conn.QueryContext(ctx, query, projectFilter(projectIDs), string(status))
		if err != nil {
			return fmt.Errorf("failed to select %s documents: %w", status, err)
		}
		defer func() {
			_ = rows.Close()
		}()

		refs = refs[:0]
		for rows.Next() {
			var ref models.DocumentRef
			if err := rows.Scan(&ref.ProjectID, &ref.DocumentID); err != nil {
				return fmt.Errorf("failed to scan document ref: %w", err)
			}
			refs = append(refs, ref)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return refs, nil
}

type batchFn func(ctx context.Context, conn *sqlx.Conn, projects, documents pq.StringArray) error

func (s *Service) cleanupInBatches(ctx context.Context, refs []models.DocumentRef, fn batchFn) error {
	for start := 0; start < len(refs); start += cleanupBatchSize {
		end := start + cleanupBatchSize
		if end > len(refs) {
			end = len(refs)
		}
		projects, documents := refArrays(refs[start:end])

		err := s.withMaintenance(ctx, func(conn *sqlx.Conn) error {
			return fn(ctx, conn, projects, documents)
		})
		if err != nil {
			return err
		}

		s.logger.Debug("Cleanup batch complete", map[string]interface{}{
			"batch_start": start,
			"batch_size":  end - start,
			"total":       len(refs),
		})
	}
	return nil
}

// pairIn matches rows against parallel project/document arrays.
const pairIn = `(project_id, document_id) IN (SELECT unnest($1::text[]), unnest($2::text[]))`

func (s *Service) deleteDocumentBatch(ctx context.Context, conn *sqlx.Conn, projects, documents pq.StringArray) error {
	return execInTx(ctx, conn, []pairStatement{
		{`DELETE FROM docstore.document_chunks WHERE ` + pairIn, "chunks"},
		{`DELETE FROM docstore.documents WHERE ` + pairIn, "documents"},
		{`DELETE FROM docstore.processing_logs WHERE ` + pairIn, "logs"},
	}, projects, documents)
}

func (s *Service) deleteFailedBatch(ctx context.Context, conn *sqlx.Conn, projects, documents pq.StringArray) error {
	return execInTx(ctx, conn, []pairStatement{
		{`DELETE FROM docstore.document_chunks WHERE ` + pairIn, "chunks"},
		{`DELETE FROM docstore.documents WHERE ` + pairIn, "documents"},
		{`DELETE FROM docstore.processing_logs WHERE status = 'failure' AND ` + pairIn, "failure logs"},
	}, projects, documents)
}

func (s *Service) deleteLogBatch(ctx context.Context, conn *sqlx.Conn, projects, documents pq.StringArray) error {
	return execInTx(ctx, conn, []pairStatement{
		{`DELETE FROM docstore.processing_logs WHERE ` + pairIn, "logs"},
	}, projects, documents)
}

func (s *Service) deleteSkippedBatch(ctx context.Context, conn *sqlx.Conn, projects, documents pq.StringArray) error {
	return execInTx(ctx, conn, []pairStatement{
		{`DELETE FROM docstore.processing_logs WHERE status = 'skipped' AND ` + pairIn, "skipped logs"},
	}, projects, documents)
}

type pairStatement struct {
	query string
	what  string
}

func execInTx(ctx context.Context, conn *sqlx.Conn, statements []pairStatement, args ...interface{}) error {
	tx, err := conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt.query, args...); err != nil {
			return fmt.Errorf("failed to delete %s: %w", stmt.what, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// withMaintenance runs fn on a fresh maintenance session, retrying
// transient connection drops with exponential backoff. Every retry
// reacquires the session since the old connection is unusable.
func (s *Service) withMaintenance(ctx context.Context, fn func(*sqlx.Conn) error) error {
	operation := func() error {
		conn, err := database.MaintenanceSession(ctx, s.db)
		if err != nil {
			if database.IsTransientConnError(err) {
				s.metrics.CleanupRetries.Inc()
				return err
			}
			return backoff.Permanent(err)
		}
		defer func() {
			_ = conn.Close()
		}()

		if err := fn(conn); err != nil {
			if database.IsTransientConnError(err) {
				s.metrics.CleanupRetries.Inc()
				s.logger.Warn("Transient connection error during cleanup, retrying", map[string]interface{}{
					"error": err.Error(),
				})
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cleanupInitialInterval
	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, cleanupRetries), ctx))
}

func projectFilter(projectIDs []string) interface{} {
	if len(projectIDs) == 0 {
		return pq.StringArray(nil)
	}
	return pq.StringArray(projectIDs)
}

func refArrays(refs []models.DocumentRef) (pq.StringArray, pq.StringArray) {
	projects := make(pq.StringArray, len(refs))
	documents := make(pq.StringArray, len(refs))
	for i, ref := range refs {
		projects[i] = ref.ProjectID
		documents[i] = ref.DocumentID
	}
	return projects, documents
}
