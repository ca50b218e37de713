package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"

	"github.com/docuvector/ingest/internal/config"
	"github.com/docuvector/ingest/internal/models"
	"github.com/docuvector/ingest/internal/observability"
)

// minImageDimension is the smallest edge Azure Vision accepts.
const minImageDimension = 50

// VisionClient captions and tags images that defeat OCR. Analysis output
// becomes the content of a synthetic single-page document.
type VisionClient struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	logger     observability.Logger
}

// Analysis is the outcome of one image analysis call. A skipped analysis
// carries the reason and no caption.
type Analysis struct {
	Caption    string
	Tags       []string
	Confidence float64
	Skipped    bool
	SkipReason string
}

func NewVisionClient(cfg config.ImageVisionConfig, logger observability.Logger) *VisionClient {
	return &VisionClient{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{},
		logger:     logger.WithPrefix("ocr.vision"),
	}
}

func (c *VisionClient) IsAvailable() bool {
	return c.endpoint != "" && c.apiKey != ""
}

// Analyze requests a caption and tags for the image at path. Images with
// an edge under 50px are skipped with image_too_small; the service
// rejects them anyway.
func (c *VisionClient) Analyze(ctx context.Context, path string) (*Analysis, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	imgCfg, _, err := image.DecodeConfig(f)
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	if imgCfg.Width < minImageDimension || imgCfg.Height < minImageDimension {
		c.logger.Info("Image below analysis minimum", map[string]interface{}{
			"path":   path,
			"width":  imgCfg.Width,
			"height": imgCfg.Height,
		})
		return &Analysis{Skipped: true, SkipReason: models.ReasonImageTooSmall}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}

	url := c.endpoint + "/computervision/imageanalysis:analyze?api-version=2023-10-01&features=caption,tags"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create analysis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Ocp-Apim-Subscription-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Class: ClassUnavailable, Message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, categorizeStatus(resp.StatusCode, "image analysis")
	}

	var decoded struct {
		CaptionResult struct {
			Text       string  `json:"text"`
			Confidence float64 `json:"confidence"`
		} `json:"captionResult"`
		TagsResult struct {
			Values []struct {
				Name       string  `json:"name"`
				Confidence float64 `json:"confidence"`
			} `json:"values"`
		} `json:"tagsResult"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, &Error{Class: ClassUnavailable, Message: "failed to decode analysis response: " + err.Error()}
	}

	analysis := &Analysis{
		Caption:    decoded.CaptionResult.Text,
		Confidence: decoded.CaptionResult.Confidence,
	}
	for _, tag := range decoded.TagsResult.Values {
		if tag.Confidence >= 0.5 {
			analysis.Tags = append(analysis.Tags, tag.Name)
		}
	}
	return analysis, nil
}
