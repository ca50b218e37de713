// Package metrics provides Prometheus metrics for the ingestion pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the ingester.
type Metrics struct {
	// Pipeline outcomes
	DocumentsProcessed prometheus.CounterVec
	DocumentsSkipped   prometheus.CounterVec
	ChunksCreated      prometheus.Counter
	PagesProcessed     prometheus.Counter
	BytesProcessed     prometheus.Counter

	// Stage timings
	StageDuration    prometheus.HistogramVec
	DocumentDuration prometheus.Histogram

	// Pool state
	ActiveWorkers    prometheus.Gauge
	QueueDepth       prometheus.Gauge
	PhantomWorkers   prometheus.Counter
	BrokenPoolEvents prometheus.Counter

	// External calls
	EmbeddingsGenerated prometheus.Counter
	EmbeddingBatches    prometheus.Counter
	OCRRequests         prometheus.CounterVec
	OCRRateLimited      prometheus.Counter
	CircuitBreakerOpen  prometheus.GaugeVec
	CleanupRetries      prometheus.Counter
}

// NewMetrics creates and registers all ingester metrics on the default
// registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegisterer creates ingester metrics on the given registry.
// Tests pass a fresh registry to avoid duplicate registration.
func NewMetricsWithRegisterer(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		DocumentsProcessed: *factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_documents_processed_total",
			Help: "Total number of documents processed by terminal status",
		}, []string{"status"}),
		DocumentsSkipped: *factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_documents_skipped_total",
			Help: "Total number of skipped documents by reason",
		}, []string{"reason"}),
		ChunksCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_chunks_created_total",
			Help: "Total number of chunks persisted",
		}),
		PagesProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_pages_processed_total",
			Help: "Total number of pages extracted",
		}),
		BytesProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_bytes_processed_total",
			Help: "Total number of document bytes fetched",
		}),

		StageDuration: *factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ingest_stage_duration_seconds",
			Help:    "Duration of pipeline stages in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~160s
		}, []string{"stage"}),
		DocumentDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingest_document_duration_seconds",
			Help:    "End-to-end duration per document in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms to ~27min
		}),

		ActiveWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_active_workers",
			Help: "Number of workers currently processing a document",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_queue_depth",
			Help: "Number of tasks remaining in the work queue",
		}),
		PhantomWorkers: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_phantom_workers_total",
			Help: "Total number of workers declared phantom",
		}),
		BrokenPoolEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_broken_pool_events_total",
			Help: "Total number of worker crashes absorbed by the pool",
		}),

		EmbeddingsGenerated: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_embeddings_generated_total",
			Help: "Total number of embeddings generated",
		}),
		EmbeddingBatches: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_embedding_batches_total",
			Help: "Total number of embedding batch requests",
		}),
		OCRRequests: *factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_ocr_requests_total",
			Help: "Total number of OCR requests by provider and outcome",
		}, []string{"provider", "outcome"}),
		OCRRateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_ocr_rate_limited_total",
			Help: "Total number of rate-limited OCR responses",
		}),
		CircuitBreakerOpen: *factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ingest_circuit_breaker_open",
			Help: "Circuit breaker state (1 = open, 0 = closed)",
		}, []string{"service"}),
		CleanupRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_cleanup_retries_total",
			Help: "Total number of retried cleanup statements",
		}),
	}
}

// RecordDocument records one terminal processing outcome.
func (m *Metrics) RecordDocument(status string, seconds float64) {
	m.DocumentsProcessed.WithLabelValues(status).Inc()
	m.DocumentDuration.Observe(seconds)
}

// RecordSkip records a skipped document with its reason.
func (m *Metrics) RecordSkip(reason string) {
	m.DocumentsSkipped.WithLabelValues(reason).Inc()
}

// RecordStage records one pipeline stage duration.
func (m *Metrics) RecordStage(stage string, seconds float64) {
	m.StageDuration.WithLabelValues(stage).Observe(seconds)
}

// RecordChunks records persisted chunk and page counts for one document.
func (m *Metrics) RecordChunks(chunks, pages int, bytes int64) {
	m.ChunksCreated.Add(float64(chunks))
	m.PagesProcessed.Add(float64(pages))
	m.BytesProcessed.Add(float64(bytes))
}

// RecordEmbeddings records a completed embedding batch.
func (m *Metrics) RecordEmbeddings(count int) {
	m.EmbeddingsGenerated.Add(float64(count))
	m.EmbeddingBatches.Inc()
}

// RecordOCRRequest records one OCR call outcome for a provider.
func (m *Metrics) RecordOCRRequest(provider string, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.OCRRequests.WithLabelValues(provider, outcome).Inc()
}

// SetCircuitBreakerState sets the breaker gauge for a service.
func (m *Metrics) SetCircuitBreakerState(service string, open bool) {
	value := 0.0
	if open {
		value = 1.0
	}
	m.CircuitBreakerOpen.WithLabelValues(service).Set(value)
}
