package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/docuvector/ingest/internal/config"
	"github.com/docuvector/ingest/internal/models"
	"github.com/docuvector/ingest/internal/observability"
	"github.com/docuvector/ingest/internal/pdf"
)

const (
	// maxPixmapBytes caps the estimated size of a rendered page at 3
	// bytes per RGB pixel. Pages above it are rendered at reduced DPI.
	maxPixmapBytes = 50 << 20
	minDPI         = 72
)

// LocalClient talks to the CPU OCR sidecar. The sidecar renders PDF pages
// to images and recognizes them; the request DPI is lowered ahead of
// upload when the page geometry would blow the pixmap budget.
type LocalClient struct {
	baseURL     string
	dpi         int
	language    string
	pageTimeout time.Duration
	httpClient  *http.Client
	logger      observability.Logger
}

func NewLocalClient(cfg config.LocalOCRConfig, logger observability.Logger) *LocalClient {
	dpi := cfg.DPI
	if dpi <= 0 {
		dpi = 300
	}
	language := cfg.Language
	if language == "" {
		language = "eng"
	}
	pageTimeout := cfg.PageTimeout
	if pageTimeout <= 0 {
		pageTimeout = 2 * time.Minute
	}
	return &LocalClient{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		dpi:         dpi,
		language:    language,
		pageTimeout: pageTimeout,
		httpClient:  &http.Client{},
		logger:      logger.WithPrefix("ocr.local"),
	}
}

func (c *LocalClient) Name() string {
	return "local"
}

func (c *LocalClient) IsAvailable() bool {
	return c.baseURL != ""
}

// ExtractPages uploads the file to the sidecar and maps its per-page
// response onto the provider result. A page the sidecar failed to
// recognize comes back as an empty page rather than failing the document.
func (c *LocalClient) ExtractPages(ctx context.Context, path, key string) (*Result, error) {
	dpi := c.dpi
	pageCount := 1
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		if doc, err := pdf.Open(path); err == nil {
			pageCount = doc.PageCount()
			if dims, err := doc.PageDims(); err == nil {
				dpi = safeDPI(dims, dpi)
			}
		}
	}
	if dpi < c.dpi {
		c.logger.Info("Reduced render DPI for oversized pages", map[string]interface{}{
			"key":        key,
			"configured": c.dpi,
			"effective":  dpi,
		})
	}

	body, contentType, err := c.buildRequestBody(path, dpi)
	if err != nil {
		return nil, err
	}

	timeout := c.pageTimeout * time.Duration(pageCount)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/ocr", body)
	if err != nil {
		return nil, fmt.Errorf("failed to create ocr request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Class: ClassUnavailable, Message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &Error{
			Class:   ClassUnavailable,
			Message: fmt.Sprintf("sidecar returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))),
		}
	}

	var decoded struct {
		Pages []struct {
			PageNumber int    `json:"page_number"`
			Text       string `json:"text"`
			Error      string `json:"error,omitempty"`
		} `json:"pages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, &Error{Class: ClassUnavailable, Message: "failed to decode sidecar response: " + err.Error()}
	}

	result := &Result{PagesProcessed: len(decoded.Pages)}
	for _, p := range decoded.Pages {
		text := p.Text
		if p.Error != "" {
			c.logger.Warn("Sidecar failed to recognize page", map[string]interface{}{
				"key":   key,
				"page":  p.PageNumber,
				"error": p.Error,
			})
			text = ""
		}
		result.Pages = append(result.Pages, models.Page{Text: text, PageNumber: p.PageNumber})
	}
	return result, nil
}

func (c *LocalClient) buildRequestBody(path string, dpi int) (io.Reader, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open file for ocr: %w", err)
	}
	defer func() { _ = f.Close() }()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("failed to copy file into request: %w", err)
	}
	if err := mw.WriteField("dpi", strconv.Itoa(dpi)); err != nil {
		return nil, "", err
	}
	if err := mw.WriteField("language", c.language); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

// safeDPI lowers dpi until the largest page renders under maxPixmapBytes.
func safeDPI(dims []pdf.Dim, dpi int) int {
	maxArea := 0.0
	for _, d := range dims {
		area := (d.Width / 72.0) * (d.Height / 72.0)
		if area > maxArea {
			maxArea = area
		}
	}
	if maxArea == 0 {
		return dpi
	}
	limit := int(math.Sqrt(float64(maxPixmapBytes) / (3.0 * maxArea)))
	if limit < minDPI {
		limit = minDPI
	}
	if dpi > limit {
		return limit
	}
	return dpi
}
