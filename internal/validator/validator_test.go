package validator

import (
	"archive/zip"
	"context"
	"errors"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuvector/ingest/internal/config"
	"github.com/docuvector/ingest/internal/filetype"
	"github.com/docuvector/ingest/internal/models"
	"github.com/docuvector/ingest/internal/observability"
	"github.com/docuvector/ingest/internal/ocr"
)

type fakeProvider struct {
	name      string
	available bool
	result    *ocr.Result
	err       error
	calls     int
}

func (f *fakeProvider) Name() string      { return f.name }
func (f *fakeProvider) IsAvailable() bool { return f.available }

func (f *fakeProvider) ExtractPages(ctx context.Context, path, key string) (*ocr.Result, error) {
	f.calls++
	return f.result, f.err
}

func writePNG(t *testing.T, width, height int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "photo.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, image.NewRGBA(image.Rect(0, 0, width, height))))
	require.NoError(t, f.Close())
	return path
}

func writeOneParagraphDocx(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "memo.docx")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte(`<?xml version="1.0"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <w:body><w:p><w:r><w:t>A single paragraph of text.</w:t></w:r></w:p></w:body>
</w:document>`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

func newValidator(provider ocr.Provider, vision *ocr.VisionClient) *Validator {
	return New(provider, vision, observability.NewNoopLogger())
}

func TestValidateZeroByteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.pdf")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	r := newValidator(nil, nil).Validate(context.Background(), path, "proj/empty.pdf", filetype.KindPDF)
	assert.Equal(t, Fail, r.Outcome)
	assert.Equal(t, models.ReasonPrecheckFailed, r.Reason)
}

func TestDecidePDFRoute(t *testing.T) {
	substantial := make([]byte, minSubstantialChars+1)
	for i := range substantial {
		substantial[i] = 'a'
	}

	tests := []struct {
		name     string
		first    string
		scanner  bool
		hasFonts bool
		route    pdfRoute
		method   string
	}{
		{"empty first page", "", false, true, routeOCROnly, "no_extractable_text"},
		{"dashes only", "-----", false, true, routeOCROnly, "no_extractable_text"},
		{"no fonts at all", "", false, false, routeOCROnly, "no_text_layer"},
		{"minimal text on scanner output", "Page 1 of 3", true, true, routeOCRPreferred, "minimal_text_scanner_device"},
		{"substantial text on scanner output", string(substantial), true, true, routeOCRPreferred, "scanner_device"},
		{"substantial text", string(substantial), false, true, routeNative, ""},
		{"short but real text, no scanner", "Short cover page", false, true, routeNative, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			route, method := decidePDFRoute(tt.first, tt.scanner, tt.hasFonts)
			assert.Equal(t, tt.route, route)
			assert.Equal(t, tt.method, method)
		})
	}
}

func TestTrivialText(t *testing.T) {
	assert.True(t, trivialText(""))
	assert.True(t, trivialText("-----"))
	assert.True(t, trivialText(" \n- _ ."))
	assert.False(t, trivialText("Introduction"))
}

func TestScannerDevice(t *testing.T) {
	assert.True(t, scannerDevice("", "Xerox WorkCentre 7845"))
	assert.True(t, scannerDevice("Canon iR-ADV C5550", ""))
	assert.True(t, scannerDevice("", "RICOH imagio Scanner"))
	assert.False(t, scannerDevice("Microsoft Word", "Acrobat Distiller"))
	assert.False(t, scannerDevice("", ""))
}

func TestValidateImageWithOCR(t *testing.T) {
	provider := &fakeProvider{
		name:      "local",
		available: true,
		result: &ocr.Result{
			Pages:          []models.Page{{Text: "sign text", PageNumber: 1}},
			PagesProcessed: 1,
		},
	}

	r := newValidator(provider, nil).Validate(context.Background(), writePNG(t, 80, 80), "proj/photo.png", filetype.KindImage)
	assert.Equal(t, Proceed, r.Outcome)
	assert.Equal(t, "ocr_local", r.Method)
	require.Len(t, r.Pages, 1)
	assert.Equal(t, "sign text", r.Pages[0].Text)
	require.NotNil(t, r.OCR)
	assert.True(t, r.OCR.Attempted)
	assert.True(t, r.OCR.Successful)
	assert.Equal(t, "image_ocr", r.OCR.Method)
	assert.Equal(t, 1, provider.calls)
}

func TestValidateImageWithoutOCR(t *testing.T) {
	r := newValidator(nil, nil).Validate(context.Background(), writePNG(t, 80, 80), "proj/photo.png", filetype.KindImage)
	assert.Equal(t, Skip, r.Outcome)
	assert.Equal(t, models.ReasonScannedOrImagePDF, r.Reason)
}

func TestValidateImageOCRFailedNoVision(t *testing.T) {
	provider := &fakeProvider{
		name:      "azure",
		available: true,
		err:       &ocr.Error{Class: ocr.ClassAnalysisFailed, Message: "boom"},
	}

	r := newValidator(provider, nil).Validate(context.Background(), writePNG(t, 80, 80), "proj/photo.png", filetype.KindImage)
	assert.Equal(t, Skip, r.Outcome)
	assert.Equal(t, models.ReasonOCRFailed, r.Reason)
	require.NotNil(t, r.OCR)
	assert.True(t, r.OCR.Attempted)
	assert.False(t, r.OCR.Successful)
	assert.Equal(t, ocr.ClassAnalysisFailed, r.OCR.ErrorClass)
}

func TestValidateImageVisionFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"captionResult": {"text": "a site plan drawing", "confidence": 0.9},
			"tagsResult": {"values": [{"name": "blueprint", "confidence": 0.92}]}
		}`))
	}))
	defer srv.Close()

	provider := &fakeProvider{name: "local", available: true, err: errors.New("ocr exploded")}
	vision := ocr.NewVisionClient(config.ImageVisionConfig{Enabled: true, Endpoint: srv.URL, APIKey: "k"}, observability.NewNoopLogger())

	r := newValidator(provider, vision).Validate(context.Background(), writePNG(t, 80, 80), "proj/plan.png", filetype.KindImage)
	assert.Equal(t, Proceed, r.Outcome)
	assert.Equal(t, "image_analysis", r.Method)
	require.Len(t, r.Pages, 1)
	assert.Contains(t, r.Pages[0].Text, "a site plan drawing")
	assert.Contains(t, r.Pages[0].Text, "blueprint")
	require.NotNil(t, r.Vision)
	assert.True(t, r.Vision.Successful)
	assert.Equal(t, "a site plan drawing", r.Vision.Caption)
}

func TestValidateImageVisionTooSmall(t *testing.T) {
	provider := &fakeProvider{name: "local", available: true, err: errors.New("no text")}
	vision := ocr.NewVisionClient(config.ImageVisionConfig{Enabled: true, Endpoint: "http://vision", APIKey: "k"}, observability.NewNoopLogger())

	r := newValidator(provider, vision).Validate(context.Background(), writePNG(t, 49, 49), "proj/icon.png", filetype.KindImage)
	assert.Equal(t, Skip, r.Outcome)
	assert.Equal(t, models.ReasonOCRFailed, r.Reason)
	require.NotNil(t, r.Vision)
	assert.True(t, r.Vision.Attempted)
	assert.False(t, r.Vision.Successful)
	assert.Equal(t, models.ReasonImageTooSmall, r.Vision.SkipReason)
}

func TestValidateImageNotAnImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fake.png")
	require.NoError(t, os.WriteFile(path, []byte("plain text"), 0o644))

	r := newValidator(nil, nil).Validate(context.Background(), path, "proj/fake.png", filetype.KindImage)
	assert.Equal(t, Fail, r.Outcome)
	assert.Equal(t, models.ReasonPrecheckFailed, r.Reason)
}

func TestValidateWord(t *testing.T) {
	r := newValidator(nil, nil).Validate(context.Background(), writeOneParagraphDocx(t), "proj/memo.docx", filetype.KindWord)
	assert.Equal(t, Proceed, r.Outcome)
	assert.Equal(t, "docx", r.Method)
	require.Len(t, r.Pages, 1)
	assert.Equal(t, "A single paragraph of text.", r.Pages[0].Text)
}

func TestValidateWordCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.docx")
	require.NoError(t, os.WriteFile(path, []byte("not a zip"), 0o644))

	r := newValidator(nil, nil).Validate(context.Background(), path, "proj/broken.docx", filetype.KindWord)
	assert.Equal(t, Fail, r.Outcome)
	assert.Equal(t, models.ReasonPrecheckFailed, r.Reason)
}

func TestValidateTextFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("field observations\n"), 0o644))

	r := newValidator(nil, nil).Validate(context.Background(), path, "proj/notes.txt", filetype.KindText)
	assert.Equal(t, Proceed, r.Outcome)
	assert.Equal(t, "text", r.Method)
	require.Len(t, r.Pages, 1)
	assert.Equal(t, "field observations", r.Pages[0].Text)
}

func TestValidateTextEmptyContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blank.txt")
	require.NoError(t, os.WriteFile(path, []byte("   \n\t"), 0o644))

	r := newValidator(nil, nil).Validate(context.Background(), path, "proj/blank.txt", filetype.KindText)
	assert.Equal(t, Skip, r.Outcome)
	assert.Equal(t, models.ReasonNoReadableText, r.Reason)
}
