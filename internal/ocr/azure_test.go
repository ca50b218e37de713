package ocr

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuvector/ingest/internal/config"
	"github.com/docuvector/ingest/internal/metrics"
	"github.com/docuvector/ingest/internal/observability"
)

func newTestAzureClient(endpoint string) *AzureClient {
	m := metrics.NewMetricsWithRegisterer(prometheus.NewRegistry())
	c := NewAzureClient(config.AzureOCRConfig{Endpoint: endpoint, APIKey: "key"}, m, observability.NewNoopLogger())
	c.pollSteps = []time.Duration{0}
	return c
}

func writeTempFile(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("pdf bytes"), 0o644))
	return path
}

func TestAzureExtractPages(t *testing.T) {
	var polls int32
	var srv *httptest.Server

	mux := http.NewServeMux()
	mux.HandleFunc("/formrecognizer/documentModels/prebuilt-read:analyze", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.Header.Get("Ocp-Apim-Subscription-Key"))
		assert.Equal(t, "2023-07-31", r.URL.Query().Get("api-version"))
		w.Header().Set("Operation-Location", srv.URL+"/operations/1")
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/operations/1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if atomic.AddInt32(&polls, 1) == 1 {
			_, _ = w.Write([]byte(`{"status":"running"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"succeeded","analyzeResult":{"content":"Page one text","pages":[{"pageNumber":1,"lines":[{"content":"Page one"},{"content":"text"}]}]}}`))
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	client := newTestAzureClient(srv.URL)
	result, err := client.ExtractPages(context.Background(), writeTempFile(t, "scan.pdf"), "proj/scan.pdf")
	require.NoError(t, err)
	require.Len(t, result.Pages, 1)
	assert.Equal(t, "Page one\ntext", result.Pages[0].Text)
	assert.Equal(t, 1, result.Pages[0].PageNumber)
	assert.Equal(t, 1, result.PagesProcessed)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&polls), int32(2))
}

func TestAzureRetriesRateLimitedSubmission(t *testing.T) {
	var submits int32
	var srv *httptest.Server

	mux := http.NewServeMux()
	mux.HandleFunc("/formrecognizer/documentModels/prebuilt-read:analyze", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&submits, 1) <= 2 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Operation-Location", srv.URL+"/operations/1")
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/operations/1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"succeeded","analyzeResult":{"pages":[{"pageNumber":1,"lines":[{"content":"ok"}]}]}}`))
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	client := newTestAzureClient(srv.URL)
	result, err := client.ExtractPages(context.Background(), writeTempFile(t, "scan.pdf"), "proj/scan.pdf")
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&submits))
	assert.Equal(t, "ok", result.Pages[0].Text)
}

func TestAzureRateLimitExhaustion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := newTestAzureClient(srv.URL)
	client.maxSubmitAttempts = 2

	_, err := client.ExtractPages(context.Background(), writeTempFile(t, "scan.pdf"), "proj/scan.pdf")
	require.Error(t, err)
	assert.Equal(t, ClassRateLimited, ErrorClass(err))
}

func TestAzurePermanentFailures(t *testing.T) {
	tests := []struct {
		status int
		class  string
	}{
		{http.StatusBadRequest, ClassInvalidRequest},
		{http.StatusUnauthorized, ClassAuth},
		{http.StatusForbidden, ClassAuth},
		{http.StatusRequestEntityTooLarge, ClassTooLarge},
	}

	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))

		client := newTestAzureClient(srv.URL)
		_, err := client.ExtractPages(context.Background(), writeTempFile(t, "scan.pdf"), "proj/scan.pdf")
		require.Error(t, err, "status %d", tt.status)
		assert.Equal(t, tt.class, ErrorClass(err), "status %d", tt.status)
		srv.Close()
	}
}

func TestAzurePollTimeout(t *testing.T) {
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/formrecognizer/documentModels/prebuilt-read:analyze", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Operation-Location", srv.URL+"/operations/1")
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/operations/1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"running"}`))
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	client := newTestAzureClient(srv.URL)
	client.maxPolls = 3

	_, err := client.ExtractPages(context.Background(), writeTempFile(t, "scan.pdf"), "proj/scan.pdf")
	require.Error(t, err)
	assert.Equal(t, ClassTimeout, ErrorClass(err))
}

func TestAzureAnalysisFailed(t *testing.T) {
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/formrecognizer/documentModels/prebuilt-read:analyze", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Operation-Location", srv.URL+"/operations/1")
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/operations/1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"failed"}`))
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	client := newTestAzureClient(srv.URL)
	_, err := client.ExtractPages(context.Background(), writeTempFile(t, "scan.pdf"), "proj/scan.pdf")
	require.Error(t, err)
	assert.Equal(t, ClassAnalysisFailed, ErrorClass(err))
}

func TestAzureCircuitOpensAfterServiceFailures(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := newTestAzureClient(srv.URL)
	path := writeTempFile(t, "scan.pdf")

	for i := 0; i < 5; i++ {
		_, err := client.ExtractPages(context.Background(), path, "proj/scan.pdf")
		require.Error(t, err)
	}
	before := atomic.LoadInt32(&hits)

	_, err := client.ExtractPages(context.Background(), path, "proj/scan.pdf")
	require.Error(t, err)
	assert.Equal(t, ClassUnavailable, ErrorClass(err))
	assert.Equal(t, before, atomic.LoadInt32(&hits), "open breaker must not reach the service")
}
