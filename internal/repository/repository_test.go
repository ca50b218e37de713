package repository

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuvector/ingest/internal/models"
)

func newMockRepo(t *testing.T) (*DocumentRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		if closeErr := db.Close(); closeErr != nil {
			t.Logf("Failed to close mock db: %v", closeErr)
		}
	})
	return NewDocumentRepository(sqlx.NewDb(db, "sqlmock")), mock
}

func TestUpsertProject(t *testing.T) {
	repo, mock := newMockRepo(t)

	project := &models.CatalogProject{
		ID:   "proj-1",
		Name: "Windy Ridge",
		Raw:  json.RawMessage(`{"name":"Windy Ridge","region":"northeast"}`),
	}

	mock.ExpectExec("INSERT INTO docstore.projects").
		WithArgs(project.ID, project.Name, []byte(project.Raw)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.UpsertProject(context.Background(), project)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertProjectEmptyMetadata(t *testing.T) {
	repo, mock := newMockRepo(t)

	project := &models.CatalogProject{ID: "proj-1", Name: "Windy Ridge"}

	mock.ExpectExec("INSERT INTO docstore.projects").
		WithArgs(project.ID, project.Name, []byte(`{}`)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.UpsertProject(context.Background(), project)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertDocumentWithChunks(t *testing.T) {
	repo, mock := newMockRepo(t)

	doc := &models.Document{
		DocumentID:       "doc-1",
		ProjectID:        "proj-1",
		DocumentTags:     pq.StringArray{"groundwater"},
		DocumentKeywords: pq.StringArray{"culvert"},
		DocumentHeadings: pq.StringArray{"Overview"},
		DocumentMetadata: json.RawMessage(`{"s3_key":"proj-1/doc-1.pdf"}`),
		Embedding:        []float32{0.1, 0.2},
	}
	chunks := []models.Chunk{
		{Index: 0, Content: "first chunk", Metadata: map[string]interface{}{"page_number": 1}, Embedding: []float32{0.3, 0.4}},
		{Index: 1, Content: "second chunk", Metadata: map[string]interface{}{"page_number": 2}, Embedding: []float32{0.5, 0.6}},
	}
	metrics := json.RawMessage(`{"page_count":2}`)

	firstMeta, err := json.Marshal(chunks[0].Metadata)
	require.NoError(t, err)
	secondMeta, err := json.Marshal(chunks[1].Metadata)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO docstore.documents").
		WithArgs(
			doc.DocumentID, doc.ProjectID, doc.DocumentTags, doc.DocumentKeywords,
			doc.DocumentHeadings, []byte(doc.DocumentMetadata), "[0.100000,0.200000]",
		).
		WillReturnResult(sqlmock.NewResult(1, 1))
	prep := mock.ExpectPrepare("INSERT INTO docstore.document_chunks")
	prep.ExpectExec().
		WithArgs(doc.DocumentID, doc.ProjectID, chunks[0].Content, firstMeta, "[0.300000,0.400000]").
		WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().
		WithArgs(doc.DocumentID, doc.ProjectID, chunks[1].Content, secondMeta, "[0.500000,0.600000]").
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectExec("INSERT INTO docstore.processing_logs").
		WithArgs(doc.ProjectID, doc.DocumentID, "success", []byte(metrics)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err = repo.InsertDocumentWithChunks(context.Background(), doc, chunks, metrics)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertDocumentWithChunksRollsBackOnChunkError(t *testing.T) {
	repo, mock := newMockRepo(t)

	doc := &models.Document{DocumentID: "doc-1", ProjectID: "proj-1"}
	chunks := []models.Chunk{{Index: 0, Content: "chunk"}}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO docstore.documents").
		WillReturnResult(sqlmock.NewResult(1, 1))
	prep := mock.ExpectPrepare("INSERT INTO docstore.document_chunks")
	prep.ExpectExec().
		WillReturnError(errors.New("value too long"))
	mock.ExpectRollback()

	err := repo.InsertDocumentWithChunks(context.Background(), doc, chunks, nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to insert chunk 0")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendProcessingLog(t *testing.T) {
	repo, mock := newMockRepo(t)

	metrics := json.RawMessage(`{"skip_reason":"page_cap_exceeded"}`)

	mock.ExpectExec("INSERT INTO docstore.processing_logs").
		WithArgs("proj-1", "doc-1", "skipped", []byte(metrics)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.AppendProcessingLog(context.Background(), "proj-1", "doc-1", models.StatusSkipped, metrics)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendProcessingLogEmptyMetrics(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec("INSERT INTO docstore.processing_logs").
		WithArgs("proj-1", "doc-1", "failure", []byte(`{}`)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.AppendProcessingLog(context.Background(), "proj-1", "doc-1", models.StatusFailure, nil)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestStatuses(t *testing.T) {
	repo, mock := newMockRepo(t)

	rows := sqlmock.NewRows([]string{"document_id", "status"}).
		AddRow("doc-1", "success").
		AddRow("doc-2", "failure").
		AddRow("doc-3", "skipped")
	mock.ExpectQuery("SELECT DISTINCT ON").
		WithArgs("proj-1").
		WillReturnRows(rows)

	statuses, err := repo.LatestStatuses(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]models.Status{
		"doc-1": models.StatusSuccess,
		"doc-2": models.StatusFailure,
		"doc-3": models.StatusSkipped,
	}, statuses)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestLogStatus(t *testing.T) {
	repo, mock := newMockRepo(t)

	rows := sqlmock.NewRows([]string{"status"}).AddRow("failure")
	mock.ExpectQuery("SELECT status FROM docstore.processing_logs").
		WithArgs("proj-1", "doc-1").
		WillReturnRows(rows)

	status, ok, err := repo.LatestLogStatus(context.Background(), "proj-1", "doc-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, models.StatusFailure, status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestLogStatusNeverLogged(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("SELECT status FROM docstore.processing_logs").
		WithArgs("proj-1", "doc-9").
		WillReturnRows(sqlmock.NewRows([]string{"status"}))

	status, ok, err := repo.LatestLogStatus(context.Background(), "proj-1", "doc-9")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHasLogSince(t *testing.T) {
	repo, mock := newMockRepo(t)

	since := time.Now().Add(-time.Hour)
	rows := sqlmock.NewRows([]string{"exists"}).AddRow(true)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("proj-1", "doc-1", since).
		WillReturnRows(rows)

	exists, err := repo.HasLogSince(context.Background(), "proj-1", "doc-1", since)
	assert.NoError(t, err)
	assert.True(t, exists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountChunks(t *testing.T) {
	repo, mock := newMockRepo(t)

	rows := sqlmock.NewRows([]string{"count"}).AddRow(12)
	mock.ExpectQuery("SELECT COUNT").
		WithArgs("proj-1", "doc-1").
		WillReturnRows(rows)

	count, err := repo.CountChunks(context.Background(), "proj-1", "doc-1")
	assert.NoError(t, err)
	assert.Equal(t, 12, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVectorParam(t *testing.T) {
	assert.Nil(t, vectorParam(nil))
	assert.Nil(t, vectorParam([]float32{}))
	assert.Equal(t, "[1.000000,0.500000]", vectorParam([]float32{1, 0.5}))
}
