// Package catalog implements the HTTP client for the project catalog API.
// The catalog is the source of truth for which projects and documents
// exist; the pipeline joins its listings against processing logs to build
// work queues.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/docuvector/ingest/internal/config"
	"github.com/docuvector/ingest/internal/models"
	"github.com/docuvector/ingest/internal/observability"
)

const projectCacheSize = 256

// Client is an HTTP client for the catalog API.
type Client struct {
	baseURL       string
	apiKey        string
	pageSize      int
	retryAttempts int
	httpClient    *http.Client
	logger        observability.Logger

	projectCache *lru.Cache[string, *models.CatalogProject]
}

// listEnvelope is the catalog's paginated response shape.
type listEnvelope struct {
	Results    []json.RawMessage `json:"results"`
	TotalCount int               `json:"total_count"`
}

// NewClient creates a catalog client from configuration.
func NewClient(cfg config.CatalogConfig, logger observability.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("catalog base_url is required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	cache, err := lru.New[string, *models.CatalogProject](projectCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create project cache: %w", err)
	}
	return &Client{
		baseURL:       cfg.BaseURL,
		apiKey:        cfg.APIKey,
		pageSize:      cfg.PageSize,
		retryAttempts: cfg.RetryAttempts,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
			Timeout: timeout,
		},
		logger:       logger.WithPrefix("catalog"),
		projectCache: cache,
	}, nil
}

// PageSize returns the configured catalog page size.
func (c *Client) PageSize() int { return c.pageSize }

// ListProjects returns one page of projects.
func (c *Client) ListProjects(ctx context.Context, page, pageSize int) ([]models.CatalogProject, error) {
	body, err := c.get(ctx, "/projects", url.Values{
		"page":      {fmt.Sprint(page)},
		"page_size": {fmt.Sprint(pageSize)},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}

	var envelope listEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode project list: %w", err)
	}

	projects := make([]models.CatalogProject, 0, len(envelope.Results))
	for _, raw := range envelope.Results {
		var p models.CatalogProject
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("failed to decode project: %w", err)
		}
		p.Raw = raw
		projects = append(projects, p)
	}
	return projects, nil
}

// CountProjects returns the total number of projects in the catalog.
func (c *Client) CountProjects(ctx context.Context) (int, error) {
	body, err := c.get(ctx, "/projects", url.Values{
		"page":      {"0"},
		"page_size": {"1"},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count projects: %w", err)
	}
	var envelope listEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return 0, fmt.Errorf("failed to decode project count: %w", err)
	}
	return envelope.TotalCount, nil
}

// GetProjectByID returns a single project, or nil when the catalog does
// not know the id. Results are cached for the life of the process.
func (c *Client) GetProjectByID(ctx context.Context, id string) (*models.CatalogProject, error) {
	if cached, ok := c.projectCache.Get(id); ok {
		return cached, nil
	}

	body, err := c.get(ctx, "/projects/"+url.PathEscape(id), nil)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get project %s: %w", id, err)
	}

	var p models.CatalogProject
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("failed to decode project %s: %w", id, err)
	}
	p.Raw = body

	c.projectCache.Add(id, &p)
	return &p, nil
}

// ListDocuments returns one page of a project's documents in catalog order.
func (c *Client) ListDocuments(ctx context.Context, projectID string, page, pageSize int) ([]models.CatalogDoc, error) {
	body, err := c.get(ctx, "/projects/"+url.PathEscape(projectID)+"/documents", url.Values{
		"page":      {fmt.Sprint(page)},
		"page_size": {fmt.Sprint(pageSize)},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list documents for project %s: %w", projectID, err)
	}

	var envelope listEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode document list: %w", err)
	}

	docs := make([]models.CatalogDoc, 0, len(envelope.Results))
	for _, raw := range envelope.Results {
		var d models.CatalogDoc
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("failed to decode document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, nil
}

// CountDocuments returns the total number of documents for a project.
func (c *Client) CountDocuments(ctx context.Context, projectID string) (int, error) {
	body, err := c.get(ctx, "/projects/"+url.PathEscape(projectID)+"/documents", url.Values{
		"page":      {"0"},
		"page_size": {"1"},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count documents for project %s: %w", projectID, err)
	}
	var envelope listEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return 0, fmt.Errorf("failed to decode document count: %w", err)
	}
	return envelope.TotalCount, nil
}

// statusError carries a non-2xx response status for callers that need to
// distinguish not-found from transport failures.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("catalog returned HTTP %d: %s", e.code, e.body)
}

func isNotFound(err error) bool {
	se, ok := err.(*statusError)
	return ok && se.code == http.StatusNotFound
}

// get performs a GET with retry on network errors and 5xx responses.
// Client errors (4xx) are permanent.
func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body []byte
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
		}
		req.Header.Set("Accept", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}

		if resp.StatusCode >= 500 {
			return &statusError{code: resp.StatusCode, body: truncate(data, 200)}
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(&statusError{code: resp.StatusCode, body: truncate(data, 200)})
		}

		body = data
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(), uint64(c.retryAttempts)), ctx)

	notify := func(err error, next time.Duration) {
		c.logger.Warn("Catalog request failed, retrying", map[string]interface{}{
			"endpoint": endpoint,
			"error":    err.Error(),
			"delay":    next.String(),
		})
	}

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, err
	}
	return body, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
