// Package validator classifies fetched payloads and produces the page
// sequence the rest of the pipeline consumes, delegating to OCR when a
// document carries no extractable text.
package validator

import (
	"context"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"

	"github.com/docuvector/ingest/internal/extractor"
	"github.com/docuvector/ingest/internal/filetype"
	"github.com/docuvector/ingest/internal/models"
	"github.com/docuvector/ingest/internal/observability"
	"github.com/docuvector/ingest/internal/ocr"
	"github.com/docuvector/ingest/internal/pdf"
)

// Outcome tells the processor how to continue after validation.
type Outcome int

const (
	Proceed Outcome = iota
	Skip
	Fail
)

// Result is the gateway verdict for one document: either a page sequence
// or a terminal reason, plus OCR and image-analysis accounting when those
// services were involved.
type Result struct {
	Outcome Outcome
	Pages   []models.Page
	Reason  string
	Method  string
	OCR     *models.OCRMetrics
	Vision  *models.ImageAnalysisMetrics
}

// Validator owns the extract-or-OCR decision for every supported format.
type Validator struct {
	provider ocr.Provider
	vision   *ocr.VisionClient
	logger   observability.Logger
}

// New builds a Validator. provider may be nil when no OCR backend is
// configured; vision may be nil when image analysis is not configured.
func New(provider ocr.Provider, vision *ocr.VisionClient, logger observability.Logger) *Validator {
	return &Validator{
		provider: provider,
		vision:   vision,
		logger:   logger.WithPrefix("validator"),
	}
}

// Validate inspects the payload at path and returns the page sequence or
// a terminal reason. kind comes from the pre-filter.
func (v *Validator) Validate(ctx context.Context, path, key string, kind filetype.Kind) Result {
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return fail(models.ReasonPrecheckFailed)
	}

	switch kind {
	case filetype.KindPDF:
		return v.validatePDF(ctx, path, key)
	case filetype.KindImage:
		return v.validateImage(ctx, path, key)
	case filetype.KindWord:
		return v.validateWord(path)
	default:
		return v.validateText(path, key)
	}
}

// minSubstantialChars is the first-page text length above which a
// scanner-produced PDF no longer forces OCR.
const minSubstantialChars = 200

// scannerVocabulary marks creator/producer strings of known scanning
// hardware and capture software.
var scannerVocabulary = []string{
	"scan", "scanner", "capture", "imageware", "paperport", "omnipage",
	"canon", "xerox", "ricoh", "konica", "minolta", "kyocera", "sharp",
	"toshiba", "lexmark", "brother", "epson", "fujitsu", "kip",
}

type pdfRoute int

const (
	routeOCROnly pdfRoute = iota
	routeOCRPreferred
	routeNative
)

func (v *Validator) validatePDF(ctx context.Context, path, key string) Result {
	doc, err := pdf.Open(path)
	if err != nil {
		v.logger.Warn("Failed to open PDF", map[string]interface{}{"key": key, "error": err.Error()})
		return fail(models.ReasonPrecheckFailed)
	}
	if doc.PageCount() < 1 {
		return fail(models.ReasonPrecheckFailed)
	}

	first, err := doc.PageText(1)
	if err != nil {
		first = ""
	}
	scanner := scannerDevice(doc.Creator(), doc.Producer())
	route, method := decidePDFRoute(first, scanner, doc.HasFonts())

	switch route {
	case routeOCROnly:
		if !v.ocrAvailable() {
			return skip(models.ReasonScannedOrImagePDF)
		}
		return v.ocrPDF(ctx, path, key, method, nil)
	case routeOCRPreferred:
		if v.ocrAvailable() {
			return v.ocrPDF(ctx, path, key, method, doc)
		}
		return v.nativePDF(doc, nil)
	default:
		return v.nativePDF(doc, nil)
	}
}

// decidePDFRoute applies the extraction decision table to the first-page
// sample and device metadata, returning the route and the method label
// recorded in metrics when OCR runs.
func decidePDFRoute(firstPage string, scanner, hasFonts bool) (pdfRoute, string) {
	switch {
	case trivialText(firstPage):
		if !hasFonts {
			return routeOCROnly, "no_text_layer"
		}
		return routeOCROnly, "no_extractable_text"
	case scanner && len(firstPage) < minSubstantialChars:
		return routeOCRPreferred, "minimal_text_scanner_device"
	case scanner:
		return routeOCRPreferred, "scanner_device"
	default:
		return routeNative, ""
	}
}

// trivialText reports whether a first-page sample carries no real
// content, like "" or "-----".
func trivialText(s string) bool {
	return strings.Trim(s, "-_. \t\r\n") == ""
}

func scannerDevice(creator, producer string) bool {
	combined := strings.ToLower(creator + " " + producer)
	for _, word := range scannerVocabulary {
		if strings.Contains(combined, word) {
			return true
		}
	}
	return false
}

// ocrPDF runs the configured provider. When fallback is non-nil a failed
// recognition falls back to native extraction instead of failing the
// document.
func (v *Validator) ocrPDF(ctx context.Context, path, key, method string, fallback *pdf.Document) Result {
	ocrMetrics := &models.OCRMetrics{
		Provider:  v.provider.Name(),
		Method:    method,
		Attempted: true,
	}

	result, err := v.provider.ExtractPages(ctx, path, key)
	if err == nil && !result.Empty() {
		ocrMetrics.Successful = true
		ocrMetrics.PagesProcessed = result.PagesProcessed
		r := proceed(result.Pages, "ocr_"+v.provider.Name())
		r.OCR = ocrMetrics
		return r
	}

	if err != nil {
		ocrMetrics.ErrorClass = ocr.ErrorClass(err)
		ocrMetrics.ErrorMessage = err.Error()
	} else {
		ocrMetrics.ErrorClass = "empty_result"
		ocrMetrics.ErrorMessage = "recognition produced no text"
	}
	v.logger.Warn("OCR failed", map[string]interface{}{
		"key":         key,
		"provider":    v.provider.Name(),
		"error_class": ocrMetrics.ErrorClass,
	})

	if fallback != nil {
		return v.nativePDF(fallback, ocrMetrics)
	}
	r := fail(models.ReasonOCRFailed)
	r.OCR = ocrMetrics
	return r
}

// nativePDF extracts the text layer. ocrMetrics carries the record of a
// preceding failed OCR attempt, nil when none was made.
func (v *Validator) nativePDF(doc *pdf.Document, ocrMetrics *models.OCRMetrics) Result {
	pages, method, err := extractor.PDFPages(doc)
	if err != nil || pagesEmpty(pages) {
		if ocrMetrics != nil {
			r := fail(models.ReasonOCRFailed)
			r.OCR = ocrMetrics
			return r
		}
		return skip(models.ReasonNoReadableText)
	}
	r := proceed(pages, method)
	r.OCR = ocrMetrics
	return r
}

func (v *Validator) validateImage(ctx context.Context, path, key string) Result {
	f, err := os.Open(path)
	if err != nil {
		return fail(models.ReasonPrecheckFailed)
	}
	_, _, err = image.DecodeConfig(f)
	_ = f.Close()
	if err != nil {
		v.logger.Warn("Payload does not decode as an image", map[string]interface{}{"key": key, "error": err.Error()})
		return fail(models.ReasonPrecheckFailed)
	}

	if !v.ocrAvailable() {
		return skip(models.ReasonScannedOrImagePDF)
	}

	ocrMetrics := &models.OCRMetrics{
		Provider:  v.provider.Name(),
		Method:    "image_ocr",
		Attempted: true,
	}
	result, err := v.provider.ExtractPages(ctx, path, key)
	if err == nil && !result.Empty() {
		ocrMetrics.Successful = true
		ocrMetrics.PagesProcessed = result.PagesProcessed
		r := proceed(result.Pages, "ocr_"+v.provider.Name())
		r.OCR = ocrMetrics
		return r
	}
	if err != nil {
		ocrMetrics.ErrorClass = ocr.ErrorClass(err)
		ocrMetrics.ErrorMessage = err.Error()
	} else {
		ocrMetrics.ErrorClass = "empty_result"
		ocrMetrics.ErrorMessage = "recognition produced no text"
	}

	if v.vision != nil && v.vision.IsAvailable() {
		return v.analyzeImage(ctx, path, key, ocrMetrics)
	}
	r := skip(models.ReasonOCRFailed)
	r.OCR = ocrMetrics
	return r
}

// analyzeImage is the fallback for images that defeat OCR: a caption and
// tag set become a synthetic single-page document.
func (v *Validator) analyzeImage(ctx context.Context, path, key string, ocrMetrics *models.OCRMetrics) Result {
	visionMetrics := &models.ImageAnalysisMetrics{Attempted: true}

	analysis, err := v.vision.Analyze(ctx, path)
	if err != nil {
		v.logger.Warn("Image analysis failed", map[string]interface{}{"key": key, "error": err.Error()})
		r := skip(models.ReasonOCRFailed)
		r.OCR = ocrMetrics
		r.Vision = visionMetrics
		return r
	}
	if analysis.Skipped || analysis.Caption == "" {
		visionMetrics.SkipReason = analysis.SkipReason
		r := skip(models.ReasonOCRFailed)
		r.OCR = ocrMetrics
		r.Vision = visionMetrics
		return r
	}

	visionMetrics.Successful = true
	visionMetrics.Caption = analysis.Caption

	var sb strings.Builder
	sb.WriteString("Image description: ")
	sb.WriteString(analysis.Caption)
	if len(analysis.Tags) > 0 {
		sb.WriteString("\n\nIdentified content: ")
		sb.WriteString(strings.Join(analysis.Tags, ", "))
	}

	r := proceed([]models.Page{{Text: sb.String(), PageNumber: 1}}, "image_analysis")
	r.OCR = ocrMetrics
	r.Vision = visionMetrics
	return r
}

func (v *Validator) validateWord(path string) Result {
	pages, err := extractor.WordPages(path)
	if err != nil {
		return fail(models.ReasonPrecheckFailed)
	}
	if pagesEmpty(pages) {
		return skip(models.ReasonNoReadableText)
	}
	return proceed(pages, extractor.MethodDOCX)
}

func (v *Validator) validateText(path, key string) Result {
	pages, err := extractor.TextPages(path, filetype.Ext(key))
	if err != nil {
		return fail(models.ReasonPrecheckFailed)
	}
	if pagesEmpty(pages) {
		return skip(models.ReasonNoReadableText)
	}
	return proceed(pages, extractor.MethodText)
}

func (v *Validator) ocrAvailable() bool {
	return v.provider != nil && v.provider.IsAvailable()
}

func pagesEmpty(pages []models.Page) bool {
	for _, p := range pages {
		if strings.TrimSpace(p.Text) != "" {
			return false
		}
	}
	return true
}

func proceed(pages []models.Page, method string) Result {
	return Result{Outcome: Proceed, Pages: pages, Method: method}
}

func skip(reason string) Result {
	return Result{Outcome: Skip, Reason: reason}
}

func fail(reason string) Result {
	return Result{Outcome: Fail, Reason: reason}
}
