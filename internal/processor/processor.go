// Package processor runs the per-document ingestion pipeline: fetch,
// validate, chunk, embed, enrich and persist, ending in exactly one
// terminal processing log per document.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/docuvector/ingest/internal/chunker"
	"github.com/docuvector/ingest/internal/filetype"
	"github.com/docuvector/ingest/internal/metrics"
	"github.com/docuvector/ingest/internal/models"
	"github.com/docuvector/ingest/internal/observability"
	"github.com/docuvector/ingest/internal/validator"
)

// Fetcher downloads an object to a temp file.
type Fetcher interface {
	FetchToTemp(ctx context.Context, key, dir string) (string, int64, error)
}

// Validator turns a payload into a page sequence or a terminal reason.
type Validator interface {
	Validate(ctx context.Context, path, key string, kind filetype.Kind) validator.Result
}

// Embedder produces embeddings for chunk contents and document text.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

// Enricher annotates chunks in place and returns the document-level
// union. Both the keyword and tag extractors satisfy this.
type Enricher interface {
	Apply(ctx context.Context, chunks []models.Chunk) ([]string, error)
}

// Repository is the slice of the document repository the processor
// writes through.
type Repository interface {
	UpsertProject(ctx context.Context, project *models.CatalogProject) error
	InsertDocumentWithChunks(ctx context.Context, doc *models.Document, chunks []models.Chunk, metrics json.RawMessage) error
	AppendProcessingLog(ctx context.Context, projectID, documentID string, status models.Status, metrics json.RawMessage) error
}

// RetryCleaner wipes a document's persisted content before a retry.
type RetryCleaner interface {
	CleanupDocumentContentForRetry(ctx context.Context, projectID, documentID string) error
}

// Result is the outcome the dispatcher sees for one document.
type Result struct {
	Status   models.Status
	Reason   string
	Pages    int
	Chunks   int
	Bytes    int64
	Duration time.Duration
	// LogErr is set when the terminal log append itself failed; the
	// dispatcher then writes its safety-net log.
	LogErr error
}

// Params wires a Processor.
type Params struct {
	Fetcher   Fetcher
	Validator Validator
	Splitter  *chunker.Splitter
	Embedder  Embedder
	Keywords  Enricher
	Tags      Enricher
	Repo      Repository
	Cleaner   RetryCleaner
	Metrics   *metrics.Metrics
	Logger    observability.Logger
	TempDir   string
	PageCap   int
	WorkerID  int
}

// Processor executes the pipeline for one document at a time.
type Processor struct {
	fetcher   Fetcher
	validator Validator
	splitter  *chunker.Splitter
	embedder  Embedder
	keywords  Enricher
	tags      Enricher
	repo      Repository
	cleaner   RetryCleaner
	metrics   *metrics.Metrics
	logger    observability.Logger
	tempDir   string
	pageCap   int
	workerID  int

	lastProject string
}

// New creates a processor.
func New(p Params) *Processor {
	return &Processor{
		fetcher:   p.Fetcher,
		validator: p.Validator,
		splitter:  p.Splitter,
		embedder:  p.Embedder,
		keywords:  p.Keywords,
		tags:      p.Tags,
		repo:      p.Repo,
		cleaner:   p.Cleaner,
		metrics:   p.Metrics,
		logger:    p.Logger.WithPrefix("processor"),
		tempDir:   p.TempDir,
		pageCap:   p.PageCap,
		workerID:  p.WorkerID,
	}
}

// Process runs the full pipeline for one task. It never propagates an
// error past the worker boundary: every path ends in a terminal log
// append and a Result.
func (p *Processor) Process(ctx context.Context, task *models.DocumentTask) (result Result) {
	start := time.Now()
	m := &models.ProcessingMetrics{
		StageSeconds: map[string]float64{},
		WorkerID:     p.workerID,
	}

	defer func() {
		if r := recover(); r != nil {
			m.Error = fmt.Sprint(r)
			m.ErrorClass = "panic"
			p.logger.Error("Recovered from panic while processing document", map[string]interface{}{
				"document_id": task.DocumentID(),
				"panic":       m.Error,
			})
			result = p.fail(ctx, task, m, start)
		}
	}()

	decision := filetype.Classify(task.ObjectKey)
	if !decision.Supported {
		m.SkipReason = decision.SkipReason
		return p.skip(ctx, task, m, start)
	}

	if task.IsRetry {
		stage := time.Now()
		if err := p.cleaner.CleanupDocumentContentForRetry(ctx, task.ProjectID, task.DocumentID()); err != nil {
			m.Error = err.Error()
			m.ErrorClass = "retry_cleanup_failed"
			return p.fail(ctx, task, m, start)
		}
		m.StageSeconds["cleanup"] = stageSeconds(stage)
	}

	stage := time.Now()
	path, size, err := p.fetcher.FetchToTemp(ctx, task.ObjectKey, p.tempDir)
	if err != nil {
		m.Error = err.Error()
		m.ErrorClass = "fetch_failed"
		return p.fail(ctx, task, m, start)
	}
	defer func() {
		_ = os.Remove(path)
	}()
	m.ByteCount = size
	m.StageSeconds["fetch"] = stageSeconds(stage)

	stage = time.Now()
	vres := p.validator.Validate(ctx, path, task.ObjectKey, decision.Kind)
	m.StageSeconds["validate"] = stageSeconds(stage)
	m.ExtractionMethod = vres.Method
	m.OCRProcessing = vres.OCR
	m.ImageAnalysis = vres.Vision
	if vres.OCR != nil && vres.OCR.Attempted {
		p.metrics.RecordOCRRequest(vres.OCR.Provider, vres.OCR.Successful)
	}

	switch vres.Outcome {
	case validator.Skip:
		m.SkipReason = vres.Reason
		return p.skip(ctx, task, m, start)
	case validator.Fail:
		m.Error = vres.Reason
		m.ErrorClass = vres.Reason
		return p.fail(ctx, task, m, start)
	}

	pages := vres.Pages
	m.PageCount = len(pages)

	if p.pageCap > 0 && len(pages) > p.pageCap {
		m.SkipReason = models.ReasonPageCapExceeded
		return p.skip(ctx, task, m, start)
	}

	stage = time.Now()
	chunks, headings := p.splitter.Split(pages)
	m.StageSeconds["chunk"] = stageSeconds(stage)
	if len(chunks) == 0 {
		m.SkipReason = models.ReasonNoReadableText
		return p.skip(ctx, task, m, start)
	}

	base := models.BaseDocumentMetadata(task)
	mergeBaseMetadata(chunks, base)

	stage = time.Now()
	texts := make([]string, len(chunks))
	for i := range chunks {
		texts[i] = chunks[i].Content
	}
	vectors, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		m.Error = err.Error()
		m.ErrorClass = "embedding_failed"
		return p.fail(ctx, task, m, start)
	}
	for i := range chunks {
		chunks[i].Embedding = vectors[i]
	}
	m.StageSeconds["embed"] = stageSeconds(stage)
	p.metrics.RecordEmbeddings(len(chunks))

	stage = time.Now()
	docKeywords, err := p.keywords.Apply(ctx, chunks)
	if err != nil {
		m.Error = err.Error()
		m.ErrorClass = "keyword_extraction_failed"
		return p.fail(ctx, task, m, start)
	}
	m.StageSeconds["keywords"] = stageSeconds(stage)

	stage = time.Now()
	docTags, err := p.tags.Apply(ctx, chunks)
	if err != nil {
		m.Error = err.Error()
		m.ErrorClass = "tag_extraction_failed"
		return p.fail(ctx, task, m, start)
	}
	m.StageSeconds["tagging"] = stageSeconds(stage)

	stage = time.Now()
	docText := documentEmbeddingText(docTags, docKeywords, headings, base)
	docVector, err := p.embedder.EmbedText(ctx, docText)
	if err != nil {
		m.Error = err.Error()
		m.ErrorClass = "embedding_failed"
		return p.fail(ctx, task, m, start)
	}
	m.StageSeconds["document_embed"] = stageSeconds(stage)
	p.metrics.RecordEmbeddings(1)

	m.ChunkCount = len(chunks)

	stage = time.Now()
	if err := p.upsertProject(ctx, task); err != nil {
		m.Error = err.Error()
		m.ErrorClass = "persist_failed"
		return p.fail(ctx, task, m, start)
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		m.Error = err.Error()
		m.ErrorClass = "persist_failed"
		return p.fail(ctx, task, m, start)
	}

	doc := &models.Document{
		DocumentID:       task.DocumentID(),
		ProjectID:        task.ProjectID,
		DocumentTags:     stringArray(docTags),
		DocumentKeywords: stringArray(docKeywords),
		DocumentHeadings: stringArray(headings),
		DocumentMetadata: baseJSON,
		Embedding:        docVector,
	}
	if err := p.repo.InsertDocumentWithChunks(ctx, doc, chunks, m.Marshal()); err != nil {
		m.Error = err.Error()
		m.ErrorClass = "persist_failed"
		return p.fail(ctx, task, m, start)
	}
	p.metrics.RecordStage("persist", stageSeconds(stage))

	elapsed := time.Since(start)
	p.recordStages(m)
	p.metrics.RecordChunks(len(chunks), len(pages), size)
	p.metrics.RecordDocument(string(models.StatusSuccess), elapsed.Seconds())
	p.logger.Info("Document processed", map[string]interface{}{
		"document_id": task.DocumentID(),
		"project_id":  task.ProjectID,
		"pages":       len(pages),
		"chunks":      len(chunks),
		"method":      m.ExtractionMethod,
		"duration":    elapsed.String(),
	})

	return Result{
		Status:   models.StatusSuccess,
		Pages:    len(pages),
		Chunks:   len(chunks),
		Bytes:    size,
		Duration: elapsed,
	}
}

// upsertProject refreshes the project row once per project per worker.
// Tasks arrive grouped by project, so this is almost always a no-op.
func (p *Processor) upsertProject(ctx context.Context, task *models.DocumentTask) error {
	if task.ProjectID == p.lastProject {
		return nil
	}
	err := p.repo.UpsertProject(ctx, &models.CatalogProject{
		ID:   task.ProjectID,
		Name: task.ProjectName,
		Raw:  task.ProjectMetadata,
	})
	if err != nil {
		return err
	}
	p.lastProject = task.ProjectID
	return nil
}

func (p *Processor) skip(ctx context.Context, task *models.DocumentTask, m *models.ProcessingMetrics, start time.Time) Result {
	elapsed := time.Since(start)
	logErr := p.repo.AppendProcessingLog(ctx, task.ProjectID, task.DocumentID(), models.StatusSkipped, m.Marshal())
	if logErr != nil {
		p.logger.Error("Failed to append skipped log", map[string]interface{}{
			"document_id": task.DocumentID(),
			"error":       logErr.Error(),
		})
	}

	p.recordStages(m)
	p.metrics.RecordSkip(m.SkipReason)
	p.metrics.RecordDocument(string(models.StatusSkipped), elapsed.Seconds())
	p.logger.Info("Document skipped", map[string]interface{}{
		"document_id": task.DocumentID(),
		"project_id":  task.ProjectID,
		"reason":      m.SkipReason,
	})

	return Result{
		Status:   models.StatusSkipped,
		Reason:   m.SkipReason,
		Pages:    m.PageCount,
		Bytes:    m.ByteCount,
		Duration: elapsed,
		LogErr:   logErr,
	}
}

func (p *Processor) fail(ctx context.Context, task *models.DocumentTask, m *models.ProcessingMetrics, start time.Time) Result {
	elapsed := time.Since(start)
	logErr := p.repo.AppendProcessingLog(ctx, task.ProjectID, task.DocumentID(), models.StatusFailure, m.Marshal())
	if logErr != nil {
		p.logger.Error("Failed to append failure log", map[string]interface{}{
			"document_id": task.DocumentID(),
			"error":       logErr.Error(),
		})
	}

	p.recordStages(m)
	p.metrics.RecordDocument(string(models.StatusFailure), elapsed.Seconds())
	p.logger.Warn("Document failed", map[string]interface{}{
		"document_id": task.DocumentID(),
		"project_id":  task.ProjectID,
		"error_class": m.ErrorClass,
		"error":       m.Error,
	})

	return Result{
		Status:   models.StatusFailure,
		Reason:   m.ErrorClass,
		Pages:    m.PageCount,
		Bytes:    m.ByteCount,
		Duration: elapsed,
		LogErr:   logErr,
	}
}

func (p *Processor) recordStages(m *models.ProcessingMetrics) {
	for stage, seconds := range m.StageSeconds {
		p.metrics.RecordStage(stage, seconds)
	}
}

func stageSeconds(start time.Time) float64 {
	return time.Since(start).Seconds()
}

// stringArray converts to the driver type without ever producing a SQL
// NULL; the array columns are NOT NULL.
func stringArray(values []string) pq.StringArray {
	if values == nil {
		return pq.StringArray{}
	}
	return pq.StringArray(values)
}

// mergeBaseMetadata copies the document's base metadata into every
// chunk without clobbering the chunker's own keys.
func mergeBaseMetadata(chunks []models.Chunk, base map[string]interface{}) {
	for i := range chunks {
		if chunks[i].Metadata == nil {
			chunks[i].Metadata = make(map[string]interface{}, len(base))
		}
		for k, v := range base {
			if _, exists := chunks[i].Metadata[k]; !exists {
				chunks[i].Metadata[k] = v
			}
		}
	}
}

// documentEmbeddingText builds the single text embedded at document
// level: tags, keywords, headings and the identifying metadata fields,
// deduplicated in that order.
func documentEmbeddingText(tags, keywords, headings []string, base map[string]interface{}) string {
	var parts []string
	seen := make(map[string]bool)
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		key := strings.ToLower(s)
		if seen[key] {
			return
		}
		seen[key] = true
		parts = append(parts, s)
	}

	for _, t := range tags {
		add(t)
	}
	for _, k := range keywords {
		add(k)
	}
	for _, h := range headings {
		add(h)
	}
	for _, field := range []string{"document_name", "project_name", "proponent_name"} {
		if v, ok := base[field].(string); ok {
			add(v)
		}
	}

	return strings.Join(parts, "\n")
}
