// Package models defines the data shapes shared across the ingestion
// pipeline: catalog records, in-flight task and page records, and the
// rows persisted to the document store.
package models

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Status is the terminal outcome of one processing attempt.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusSkipped Status = "skipped"
)

// Pipeline-level skip and failure reasons. Extension-specific skip
// reasons are produced by the pre-filter.
const (
	ReasonPrecheckFailed    = "precheck_failed"
	ReasonScannedOrImagePDF = "scanned_or_image_pdf"
	ReasonOCRFailed         = "ocr_failed"
	ReasonNoReadableText    = "no_readable_text"
	ReasonPageCapExceeded   = "page_cap_exceeded"
	ReasonImageTooSmall     = "image_too_small"
)

// Project is the persisted project row. Projects are upserted before any
// of their documents are processed and never deleted by the pipeline.
type Project struct {
	ProjectID       string          `db:"project_id" json:"project_id"`
	ProjectName     string          `db:"project_name" json:"project_name"`
	ProjectMetadata json.RawMessage `db:"project_metadata" json:"project_metadata"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
}

// Document is the persisted document row. One Document corresponds to one
// successfully ingested file. The embedding is written as a vector literal
// by the repository, not scanned through sqlx.
type Document struct {
	DocumentID       string          `db:"document_id" json:"document_id"`
	ProjectID        string          `db:"project_id" json:"project_id"`
	DocumentTags     pq.StringArray  `db:"document_tags" json:"document_tags"`
	DocumentKeywords pq.StringArray  `db:"document_keywords" json:"document_keywords"`
	DocumentHeadings pq.StringArray  `db:"document_headings" json:"document_headings"`
	DocumentMetadata json.RawMessage `db:"document_metadata" json:"document_metadata"`
	Embedding        []float32       `db:"-" json:"-"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
}

// DocumentChunk is the persisted chunk row.
type DocumentChunk struct {
	ID            int64           `db:"id" json:"id"`
	DocumentID    string          `db:"document_id" json:"document_id"`
	ProjectID     string          `db:"project_id" json:"project_id"`
	Content       string          `db:"content" json:"content"`
	ChunkMetadata json.RawMessage `db:"chunk_metadata" json:"chunk_metadata"`
	Embedding     []float32       `db:"-" json:"-"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

// ProcessingLog records one terminal processing attempt for a document.
// The most recent row per (project_id, document_id) defines current status.
type ProcessingLog struct {
	ID          int64           `db:"id" json:"id"`
	ProjectID   string          `db:"project_id" json:"project_id"`
	DocumentID  string          `db:"document_id" json:"document_id"`
	Status      Status          `db:"status" json:"status"`
	ProcessedAt time.Time       `db:"processed_at" json:"processed_at"`
	Metrics     json.RawMessage `db:"metrics" json:"metrics"`
}

// DocumentRef identifies a document within its project. Cleanup operations
// return refs for requeueing.
type DocumentRef struct {
	ProjectID  string `db:"project_id" json:"project_id"`
	DocumentID string `db:"document_id" json:"document_id"`
}

// OCRMetrics is recorded under metrics.ocr_processing whenever the
// validator consulted an OCR provider.
type OCRMetrics struct {
	Provider       string `json:"provider,omitempty"`
	Method         string `json:"method,omitempty"`
	Attempted      bool   `json:"ocr_attempted"`
	Successful     bool   `json:"ocr_successful"`
	PagesProcessed int    `json:"pages_processed,omitempty"`
	ErrorClass     string `json:"error_class,omitempty"`
	ErrorMessage   string `json:"error_message,omitempty"`
}

// ImageAnalysisMetrics is recorded when the image-analysis fallback ran
// (or was skipped) for an image document.
type ImageAnalysisMetrics struct {
	Attempted  bool   `json:"analysis_attempted"`
	Successful bool   `json:"analysis_successful"`
	SkipReason string `json:"analysis_skip_reason,omitempty"`
	Caption    string `json:"caption,omitempty"`
}

// ProcessingMetrics is the structured metrics blob appended with every
// ProcessingLog row.
type ProcessingMetrics struct {
	SkipReason       string                `json:"skip_reason,omitempty"`
	Error            string                `json:"error,omitempty"`
	ErrorClass       string                `json:"error_class,omitempty"`
	ExtractionMethod string                `json:"extraction_method,omitempty"`
	PageCount        int                   `json:"page_count,omitempty"`
	ByteCount        int64                 `json:"byte_count,omitempty"`
	ChunkCount       int                   `json:"chunk_count,omitempty"`
	StageSeconds     map[string]float64    `json:"stage_seconds,omitempty"`
	OCRProcessing    *OCRMetrics           `json:"ocr_processing,omitempty"`
	ImageAnalysis    *ImageAnalysisMetrics `json:"image_analysis,omitempty"`
	WorkerID         int                   `json:"worker_id,omitempty"`
}

// Marshal renders the metrics as the JSON blob stored on the log row.
func (m *ProcessingMetrics) Marshal() json.RawMessage {
	if m == nil {
		return json.RawMessage(`{}`)
	}
	b, err := json.Marshal(m)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

// CatalogProject is a project as returned by the catalog API. Raw holds
// the full catalog blob and becomes the row's project_metadata.
type CatalogProject struct {
	ID   string          `json:"_id"`
	Name string          `json:"name"`
	Raw  json.RawMessage `json:"-"`
}

// CatalogDoc is a document as listed by the catalog API.
type CatalogDoc struct {
	ID           string `json:"_id"`
	InternalURL  string `json:"internalURL"`
	Name         string `json:"name"`
	InternalSize string `json:"internalSize"`
	FileSize     string `json:"fileSize"`
	Type         string `json:"type"`
	DocumentDate string `json:"documentDate"`
	Status       string `json:"status"`
	Proponent    struct {
		Name string `json:"name"`
	} `json:"proponent"`
}

// SizeBytes parses the string-typed size fields. Missing or non-integer
// values are reported as unknown (0).
func (d *CatalogDoc) SizeBytes() int64 {
	for _, raw := range []string{d.InternalSize, d.FileSize} {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n >= 0 {
			return n
		}
	}
	return 0
}

// DocumentTask is one unit of work in the dispatcher's queue.
type DocumentTask struct {
	ProjectID       string                 `json:"project_id"`
	ProjectName     string                 `json:"project_name"`
	ProjectMetadata json.RawMessage        `json:"project_metadata,omitempty"`
	ObjectKey       string                 `json:"object_key"`
	BaseMetadata    map[string]interface{} `json:"base_metadata"`
	Doc             CatalogDoc             `json:"catalog_doc"`
	IsRetry         bool                   `json:"is_retry,omitempty"`
}

// DocumentID returns the catalog id of the task's document.
func (t *DocumentTask) DocumentID() string { return t.Doc.ID }

// Page is the canonical intermediate representation between the validator
// and the chunker: ordered extracted page text with provenance metadata.
type Page struct {
	Text       string                 `json:"text"`
	PageNumber int                    `json:"page_number"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Chunk is the in-flight chunk record produced by the chunker and
// enriched by the keyword and tag extractors before persistence.
type Chunk struct {
	Index     int                    `json:"index"`
	Content   string                 `json:"content"`
	Metadata  map[string]interface{} `json:"metadata"`
	Embedding []float32              `json:"-"`
}

// BaseDocumentMetadata assembles the metadata blob stored on the document
// row and merged into every chunk's metadata.
func BaseDocumentMetadata(task *DocumentTask) map[string]interface{} {
	meta := map[string]interface{}{
		"document_id":   task.Doc.ID,
		"document_name": task.Doc.Name,
		"project_id":    task.ProjectID,
		"project_name":  task.ProjectName,
		"s3_key":        task.ObjectKey,
	}
	if task.Doc.Type != "" {
		meta["document_type_id"] = task.Doc.Type
	}
	if task.Doc.DocumentDate != "" {
		meta["document_date"] = task.Doc.DocumentDate
	}
	if task.Doc.Status != "" {
		meta["document_status"] = task.Doc.Status
	}
	if task.Doc.Proponent.Name != "" {
		meta["proponent_name"] = task.Doc.Proponent.Name
	}
	for k, v := range task.BaseMetadata {
		meta[k] = v
	}
	return meta
}
