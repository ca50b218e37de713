// Package ocr holds the recognition providers the validator delegates to
// when a document carries no extractable text: a local CPU sidecar and
// Azure Document Intelligence, plus an Azure Vision fallback for images
// that resist OCR.
package ocr

import (
	"context"
	"errors"
	"strings"

	"github.com/docuvector/ingest/internal/models"
)

// Provider turns a fetched payload into recognized text pages. All
// implementations return the same shape so the validator can treat them
// interchangeably.
type Provider interface {
	Name() string
	IsAvailable() bool
	ExtractPages(ctx context.Context, path, key string) (*Result, error)
}

// Result carries recognized pages plus accounting for processing metrics.
type Result struct {
	Pages          []models.Page
	PagesProcessed int
}

// Empty reports whether recognition produced no usable text at all.
func (r *Result) Empty() bool {
	for _, p := range r.Pages {
		if strings.TrimSpace(p.Text) != "" {
			return false
		}
	}
	return true
}

// Error classes recorded in metrics.ocr_processing.error_class.
const (
	ClassInvalidRequest = "invalid_request"
	ClassAuth           = "auth_failed"
	ClassTooLarge       = "payload_too_large"
	ClassRateLimited    = "rate_limited"
	ClassTimeout        = "timeout"
	ClassAnalysisFailed = "analysis_failed"
	ClassUnavailable    = "service_unavailable"
)

// Error is a categorized provider failure.
type Error struct {
	Class   string
	Message string
}

func (e *Error) Error() string {
	return e.Class + ": " + e.Message
}

// ErrorClass extracts the class of a provider failure, falling back to
// service_unavailable for uncategorized errors.
func ErrorClass(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Class
	}
	return ClassUnavailable
}
