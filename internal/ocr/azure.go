package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/docuvector/ingest/internal/config"
	"github.com/docuvector/ingest/internal/metrics"
	"github.com/docuvector/ingest/internal/models"
	"github.com/docuvector/ingest/internal/observability"
)

const (
	azureAPIVersion = "2023-07-31"
	maxRetryDelay   = 30 * time.Second
)

// AzureClient drives the Document Intelligence analyze/poll cycle. The
// whole file goes up in one POST; results are fetched from the returned
// Operation-Location with progressive backoff.
type AzureClient struct {
	endpoint   string
	apiKey     string
	modelID    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	metrics    *metrics.Metrics
	logger     observability.Logger

	pollSteps         []time.Duration
	maxPolls          int
	maxSubmitAttempts int
}

func NewAzureClient(cfg config.AzureOCRConfig, m *metrics.Metrics, logger observability.Logger) *AzureClient {
	modelID := cfg.ModelID
	if modelID == "" {
		modelID = "prebuilt-read"
	}
	log := logger.WithPrefix("ocr.azure")
	c := &AzureClient{
		endpoint:          strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:            cfg.APIKey,
		modelID:           modelID,
		httpClient:        &http.Client{},
		metrics:           m,
		logger:            log,
		pollSteps:         []time.Duration{3 * time.Second, 5 * time.Second, 10 * time.Second},
		maxPolls:          120,
		maxSubmitAttempts: 5,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "azure-ocr",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("Circuit breaker state change", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
			if m != nil {
				m.SetCircuitBreakerState(name, to == gobreaker.StateOpen)
			}
		},
	})
	return c
}

func (c *AzureClient) Name() string {
	return "azure"
}

func (c *AzureClient) IsAvailable() bool {
	return c.endpoint != "" && c.apiKey != ""
}

// analyzeOutcome separates document-level rejections from service
// failures so a corrupt document does not trip the breaker.
type analyzeOutcome struct {
	result *Result
	err    error
}

func (c *AzureClient) ExtractPages(ctx context.Context, path, key string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file for ocr: %w", err)
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		res, err := c.analyze(ctx, data, key)
		var pe *Error
		if err != nil && errors.As(err, &pe) {
			switch pe.Class {
			case ClassInvalidRequest, ClassTooLarge, ClassAnalysisFailed:
				return analyzeOutcome{err: err}, nil
			}
		}
		return analyzeOutcome{result: res}, err
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &Error{Class: ClassUnavailable, Message: "azure ocr circuit open"}
		}
		return nil, err
	}

	oc := out.(analyzeOutcome)
	if oc.err != nil {
		return nil, oc.err
	}
	return oc.result, nil
}

func (c *AzureClient) analyze(ctx context.Context, data []byte, key string) (*Result, error) {
	opLocation, err := c.submit(ctx, data, key)
	if err != nil {
		return nil, err
	}
	return c.poll(ctx, opLocation, key)
}

func (c *AzureClient) submit(ctx context.Context, data []byte, key string) (string, error) {
	url := fmt.Sprintf("%s/formrecognizer/documentModels/%s:analyze?api-version=%s",
		c.endpoint, c.modelID, azureAPIVersion)

	for attempt := 0; attempt < c.maxSubmitAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			return "", fmt.Errorf("failed to create analyze request: %w", err)
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		req.Header.Set("Ocp-Apim-Subscription-Key", c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return "", &Error{Class: ClassUnavailable, Message: err.Error()}
		}
		opLocation := resp.Header.Get("Operation-Location")
		retryAfter := resp.Header.Get("Retry-After")
		status := resp.StatusCode
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()

		switch {
		case status == http.StatusAccepted && opLocation != "":
			return opLocation, nil
		case status == http.StatusTooManyRequests:
			c.metrics.OCRRateLimited.Inc()
			delay := retryDelay(attempt, retryAfter)
			c.logger.Warn("Azure rate limited analyze submission", map[string]interface{}{
				"key":   key,
				"delay": delay.String(),
			})
			if err := sleepCtx(ctx, delay); err != nil {
				return "", err
			}
		default:
			return "", categorizeStatus(status, "analyze submission")
		}
	}
	return "", &Error{Class: ClassRateLimited, Message: "analyze submission exhausted rate-limit retries"}
}

type azureOperation struct {
	Status        string             `json:"status"`
	AnalyzeResult azureAnalyzeResult `json:"analyzeResult"`
}

type azureAnalyzeResult struct {
	Content string      `json:"content"`
	Pages   []azurePage `json:"pages"`
}

type azurePage struct {
	PageNumber int         `json:"pageNumber"`
	Lines      []azureLine `json:"lines"`
}

type azureLine struct {
	Content string `json:"content"`
}

func (c *AzureClient) poll(ctx context.Context, opLocation, key string) (*Result, error) {
	rateLimitHits := 0
	for i := 0; i < c.maxPolls; i++ {
		if err := sleepCtx(ctx, c.pollStep(i)); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, opLocation, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create poll request: %w", err)
		}
		req.Header.Set("Ocp-Apim-Subscription-Key", c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, &Error{Class: ClassUnavailable, Message: err.Error()}
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			retryAfter := resp.Header.Get("Retry-After")
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			c.metrics.OCRRateLimited.Inc()
			if err := sleepCtx(ctx, retryDelay(rateLimitHits, retryAfter)); err != nil {
				return nil, err
			}
			rateLimitHits++
			continue
		}
		if resp.StatusCode != http.StatusOK {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			return nil, categorizeStatus(resp.StatusCode, "operation poll")
		}

		var op azureOperation
		err = json.NewDecoder(resp.Body).Decode(&op)
		_ = resp.Body.Close()
		if err != nil {
			return nil, &Error{Class: ClassUnavailable, Message: "failed to decode operation response: " + err.Error()}
		}

		switch op.Status {
		case "succeeded":
			return resultFromAnalyze(op.AnalyzeResult), nil
		case "failed":
			return nil, &Error{Class: ClassAnalysisFailed, Message: "azure reported analysis failure for " + key}
		}
		// notStarted / running: keep polling.
	}
	return nil, &Error{Class: ClassTimeout, Message: fmt.Sprintf("analysis incomplete after %d polls", c.maxPolls)}
}

func (c *AzureClient) pollStep(i int) time.Duration {
	if i < len(c.pollSteps) {
		return c.pollSteps[i]
	}
	return c.pollSteps[len(c.pollSteps)-1]
}

func resultFromAnalyze(ar azureAnalyzeResult) *Result {
	result := &Result{PagesProcessed: len(ar.Pages)}
	for _, p := range ar.Pages {
		var sb strings.Builder
		for _, line := range p.Lines {
			if sb.Len() > 0 {
				sb.WriteByte('\n')
			}
			sb.WriteString(line.Content)
		}
		result.Pages = append(result.Pages, models.Page{Text: sb.String(), PageNumber: p.PageNumber})
	}
	if len(result.Pages) == 0 && strings.TrimSpace(ar.Content) != "" {
		result.Pages = []models.Page{{Text: ar.Content, PageNumber: 1}}
		result.PagesProcessed = 1
	}
	return result
}

func categorizeStatus(status int, op string) error {
	switch status {
	case http.StatusBadRequest:
		return &Error{Class: ClassInvalidRequest, Message: op + " rejected with 400"}
	case http.StatusUnauthorized, http.StatusForbidden:
		return &Error{Class: ClassAuth, Message: fmt.Sprintf("%s rejected with %d", op, status)}
	case http.StatusRequestEntityTooLarge:
		return &Error{Class: ClassTooLarge, Message: op + " rejected with 413"}
	default:
		return &Error{Class: ClassUnavailable, Message: fmt.Sprintf("%s returned %d", op, status)}
	}
}

// retryDelay honors Retry-After when present, otherwise backs off
// exponentially with jitter. Either way the wait is capped at 30s.
func retryDelay(attempt int, retryAfter string) time.Duration {
	if retryAfter != "" {
		if secs, err := strconv.Atoi(retryAfter); err == nil && secs >= 0 {
			d := time.Duration(secs) * time.Second
			if d > maxRetryDelay {
				return maxRetryDelay
			}
			return d
		}
	}
	d := time.Second << uint(attempt)
	d += time.Duration(rand.Int63n(int64(500 * time.Millisecond)))
	if d > maxRetryDelay {
		return maxRetryDelay
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
