// Package embedding turns text into fixed-dimension vectors through an
// OpenAI-compatible embeddings endpoint.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/docuvector/ingest/internal/config"
	"github.com/docuvector/ingest/internal/observability"
)

const (
	defaultModel     = "nomic-embed-text-v1.5"
	defaultDimension = 768
	defaultBatchSize = 16
	defaultTimeout   = 60 * time.Second
)

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []embeddingData `json:"data"`
}

type embeddingData struct {
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

// Client calls a single embeddings endpoint. The vector dimension is fixed
// for the process lifetime and must match the database columns.
type Client struct {
	endpoint   string
	apiKey     string
	model      string
	dimension  int
	batchSize  int
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     observability.Logger
}

// NewClient creates an embedding client from configuration.
func NewClient(cfg config.EmbeddingConfig, logger observability.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("embedding base_url is required")
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	dimension := cfg.Dimension
	if dimension <= 0 {
		dimension = defaultDimension
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	limit := rate.Inf
	burst := cfg.Burst
	if cfg.RateLimitRPS > 0 {
		limit = rate.Limit(cfg.RateLimitRPS)
		if burst <= 0 {
			burst = 1
		}
	}

	return &Client{
		endpoint:   cfg.BaseURL + "/embeddings",
		apiKey:     cfg.APIKey,
		model:      model,
		dimension:  dimension,
		batchSize:  batchSize,
		httpClient: &http.Client{Timeout: defaultTimeout},
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger.WithPrefix("embedding"),
	}, nil
}

// Dimension returns the vector dimension this client produces.
func (c *Client) Dimension() int {
	return c.dimension
}

// EmbedText embeds a single string.
func (c *Client) EmbedText(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds the given texts, splitting them into API-sized batches.
// The returned slice is index-aligned with the input.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, errors.New("no texts provided for embedding")
	}

	out := make([][]float32, len(texts))
	for start := 0; start < len(texts); start += c.batchSize {
		end := start + c.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		if err := c.embedInto(ctx, texts[start:end], out[start:end]); err != nil {
			return nil, fmt.Errorf("embedding batch %d-%d: %w", start, end, err)
		}
	}
	return out, nil
}

func (c *Client) embedInto(ctx context.Context, texts []string, out [][]float32) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	jsonData, err := json.Marshal(embeddingRequest{Model: c.model, Input: texts})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make API request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var response embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return fmt.Errorf("failed to decode API response: %w", err)
	}
	if len(response.Data) != len(texts) {
		return fmt.Errorf("expected %d embeddings, got %d", len(texts), len(response.Data))
	}

	for _, data := range response.Data {
		if data.Index < 0 || data.Index >= len(out) {
			return fmt.Errorf("embedding index %d out of range", data.Index)
		}
		if len(data.Embedding) != c.dimension {
			return fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(data.Embedding), c.dimension)
		}
		out[data.Index] = data.Embedding
	}
	return nil
}
