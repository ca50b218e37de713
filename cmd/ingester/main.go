// Package main is the entry point for the document ingester.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/docuvector/ingest/internal/catalog"
	"github.com/docuvector/ingest/internal/chunker"
	"github.com/docuvector/ingest/internal/config"
	"github.com/docuvector/ingest/internal/database"
	"github.com/docuvector/ingest/internal/dispatch"
	"github.com/docuvector/ingest/internal/embedding"
	"github.com/docuvector/ingest/internal/keywords"
	"github.com/docuvector/ingest/internal/metrics"
	"github.com/docuvector/ingest/internal/observability"
	"github.com/docuvector/ingest/internal/ocr"
	"github.com/docuvector/ingest/internal/processor"
	"github.com/docuvector/ingest/internal/queue"
	"github.com/docuvector/ingest/internal/repair"
	"github.com/docuvector/ingest/internal/repository"
	"github.com/docuvector/ingest/internal/storage"
	"github.com/docuvector/ingest/internal/tagging"
	"github.com/docuvector/ingest/internal/validator"
)

var (
	// Version information (set via ldflags during build)
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// stringList collects a repeatable string flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func main() {
	var (
		showVersion  = flag.Bool("version", false, "Show version information")
		configPath   = flag.String("config", "", "Path to configuration file")
		retryFailed  = flag.Bool("retry-failed", false, "Re-queue documents whose latest log is a failure")
		retrySkipped = flag.Bool("retry-skipped", false, "Re-queue documents whose latest log is a skip")
		repairMode   = flag.Bool("repair", false, "Clean up and re-queue documents left in an inconsistent state")
		resetMode    = flag.Bool("reset", false, "Wipe one project and re-ingest it from scratch (requires exactly one --project-id)")
		timedMinutes = flag.Int("timed", 0, "Stop submitting new documents after this many minutes (0 = no limit)")
		pageCap      = flag.Int("page-cap", -1, "Override the per-document page cap (-1 keeps the configured value)")
		workers      = flag.Int("workers", 0, "Override the worker pool size (0 keeps the configured value)")
		skipHNSW     = flag.Bool("skip-hnsw-indexes", false, "Do not create HNSW vector indexes (bulk-load runs)")
		resetDB      = flag.Bool("reset-db", false, "Drop and recreate the docstore tables before the run")
		schedule     = flag.String("schedule", "", "Cron expression; keep running and repeat normal sweeps on this schedule")
	)
	var projectIDs stringList
	flag.Var(&projectIDs, "project-id", "Project to process (repeatable; default: every catalog project)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Document Ingester\nVersion: %s\nBuild Time: %s\nGit Commit: %s\n",
			version, buildTime, gitCommit)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *pageCap >= 0 {
		cfg.Processing.PageCap = *pageCap
	}
	if *workers > 0 {
		cfg.Processing.FilesConcurrencySize = *workers
	}
	if *skipHNSW {
		cfg.Database.SkipHNSWIndexes = true
	}

	logger := observability.NewStandardLoggerWithLevel("ingester", observability.ParseLevel(cfg.Logging.Level))
	logger.Info("Starting document ingester", map[string]interface{}{
		"version":    version,
		"build_time": buildTime,
		"git_commit": gitCommit,
		"workers":    cfg.Processing.FilesConcurrencySize,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// First signal drains the run gracefully; a second one force-exits.
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("Received shutdown signal, draining in-flight documents", map[string]interface{}{
			"signal": sig.String(),
		})
		cancel()
		sig = <-sigChan
		logger.Error("Received second signal, exiting immediately", map[string]interface{}{
			"signal": sig.String(),
		})
		os.Exit(1)
	}()

	db, err := database.Connect(ctx, cfg.Database, "ingester-main", logger)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("Failed to close database connection", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	if *resetDB {
		if err := database.ResetTables(ctx, db, logger); err != nil {
			log.Fatalf("Failed to reset tables: %v", err)
		}
	}
	schemaOpts := database.SchemaOptions{
		Dimension:           cfg.Embedding.Dimension,
		AutoCreateExtension: cfg.Database.AutoCreateExtension,
		SkipHNSWIndexes:     cfg.Database.SkipHNSWIndexes,
	}
	if err := database.EnsureSchema(ctx, db, schemaOpts, logger); err != nil {
		log.Fatalf("Failed to ensure schema: %v", err)
	}

	m := metrics.NewMetrics()
	healthServer := startHealthServer(cfg, db, logger)

	catalogClient, err := catalog.NewClient(cfg.Catalog, logger)
	if err != nil {
		log.Fatalf("Failed to create catalog client: %v", err)
	}

	// The fetcher and the embedding client are concurrency-safe and
	// shared between workers so the embedding rate limit is global.
	fetcher, err := storage.NewFetcher(ctx, cfg.Storage, logger)
	if err != nil {
		log.Fatalf("Failed to create object store fetcher: %v", err)
	}
	embedder, err := embedding.NewClient(cfg.Embedding, logger)
	if err != nil {
		log.Fatalf("Failed to create embedding client: %v", err)
	}

	repo := repository.NewDocumentRepository(db)
	repairSvc := repair.NewService(db, m, logger)
	builder := queue.NewBuilder(catalogClient, repo, repairSvc, logger)
	factory := newSlotFactory(cfg, fetcher, embedder, m, logger)

	queueOpts := queue.Options{
		ProjectIDs:   projectIDs,
		RetryFailed:  *retryFailed,
		RetrySkipped: *retrySkipped,
		Repair:       *repairMode,
		Reset:        *resetMode,
	}
	dispatchOpts := dispatch.Options{
		Workers:          cfg.Processing.FilesConcurrencySize,
		TimeLimit:        time.Duration(*timedMinutes) * time.Minute,
		PhantomThreshold: cfg.Processing.PhantomThreshold,
		SummaryInterval:  cfg.Processing.SummaryInterval,
	}

	runOnce := func(runCtx context.Context) (dispatch.Summary, error) {
		tasks, err := builder.Build(runCtx, queueOpts)
		if err != nil {
			return dispatch.Summary{}, fmt.Errorf("failed to build work queue: %w", err)
		}
		dispatcher := dispatch.New(factory, repo, m, logger, dispatchOpts)
		return dispatcher.Run(runCtx, tasks)
	}

	exitCode := 0
	if *schedule != "" {
		if *resetMode || *repairMode || *retryFailed || *retrySkipped {
			log.Fatalf("--schedule only repeats normal ingestion sweeps; combine it with retry, repair or reset flags manually")
		}
		if err := runScheduled(ctx, *schedule, runOnce, logger); err != nil {
			log.Fatalf("Failed to start schedule: %v", err)
		}
	} else {
		summary, err := runOnce(ctx)
		if err != nil {
			logger.Error("Run failed", map[string]interface{}{
				"error": err.Error(),
			})
			exitCode = 1
		} else {
			logRunSummary(logger, summary)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shutdown health server", map[string]interface{}{
			"error": err.Error(),
		})
	}

	logger.Info("Shutdown complete", nil)
	os.Exit(exitCode)
}

// newSlotFactory builds the per-worker pipeline: a private database
// pool, per-worker extractor state, and the shared fetch and embedding
// stages.
func newSlotFactory(cfg *config.Config, fetcher *storage.Fetcher, embedder *embedding.Client, m *metrics.Metrics, logger observability.Logger) dispatch.SlotFactory {
	return func(ctx context.Context, workerID int) (dispatch.Runner, func(), error) {
		workerDB, err := database.Connect(ctx, cfg.Database, database.WorkerAppName(), logger)
		if err != nil {
			return nil, nil, fmt.Errorf("worker %d: failed to connect to database: %w", workerID, err)
		}

		kw, err := keywords.New(cfg.Processing.KeywordVariant, cfg.Processing.KeywordExtractionWorkers, embedder, logger)
		if err != nil {
			_ = workerDB.Close()
			return nil, nil, fmt.Errorf("worker %d: failed to create keyword extractor: %w", workerID, err)
		}

		proc := processor.New(processor.Params{
			Fetcher:   fetcher,
			Validator: validator.New(buildOCRProvider(cfg.OCR, m, logger), buildVisionClient(cfg.OCR.Vision, logger), logger),
			Splitter:  chunker.New(cfg.Processing.ChunkSize, cfg.Processing.ChunkOverlap),
			Embedder:  embedder,
			Keywords:  kw,
			Tags:      tagging.New(embedder, logger),
			Repo:      repository.NewDocumentRepository(workerDB),
			Cleaner:   repair.NewService(workerDB, m, logger),
			Metrics:   m,
			Logger:    logger,
			TempDir:   cfg.Storage.TempDir,
			PageCap:   cfg.Processing.PageCap,
			WorkerID:  workerID,
		})

		closeFn := func() {
			if err := workerDB.Close(); err != nil {
				logger.Warn("Failed to close worker database pool", map[string]interface{}{
					"worker_id": workerID,
					"error":     err.Error(),
				})
			}
		}
		return proc, closeFn, nil
	}
}

// buildOCRProvider returns nil when no provider is configured; the
// validator then skips scanned documents instead of OCRing them.
func buildOCRProvider(cfg config.OCRConfig, m *metrics.Metrics, logger observability.Logger) ocr.Provider {
	switch cfg.Provider {
	case "local":
		return ocr.NewLocalClient(cfg.Local, logger)
	case "azure":
		return ocr.NewAzureClient(cfg.Azure, m, logger)
	default:
		return nil
	}
}

func buildVisionClient(cfg config.ImageVisionConfig, logger observability.Logger) *ocr.VisionClient {
	if !cfg.Enabled {
		return nil
	}
	return ocr.NewVisionClient(cfg, logger)
}

// runScheduled keeps the process alive and repeats normal sweeps on the
// cron schedule. Runs never overlap; a sweep that is still going when
// the next tick fires wins and the tick is dropped.
func runScheduled(ctx context.Context, spec string, runOnce func(context.Context) (dispatch.Summary, error), logger observability.Logger) error {
	running := make(chan struct{}, 1)
	sweep := func() {
		select {
		case running <- struct{}{}:
			defer func() { <-running }()
		default:
			logger.Warn("Previous sweep still running, skipping this tick", nil)
			return
		}

		summary, err := runOnce(ctx)
		if err != nil {
			logger.Error("Scheduled sweep failed", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}
		logRunSummary(logger, summary)
	}

	c := cron.New()
	if _, err := c.AddFunc(spec, sweep); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}

	logger.Info("Running on schedule", map[string]interface{}{
		"cron": spec,
	})
	c.Start()

	// Catch up immediately on startup, then follow the schedule.
	sweep()

	<-ctx.Done()
	stopCtx := c.Stop()
	<-stopCtx.Done()

	// Wait for an in-progress sweep to drain before returning.
	running <- struct{}{}
	return nil
}

func logRunSummary(logger observability.Logger, summary dispatch.Summary) {
	logger.Info("Run complete", map[string]interface{}{
		"processed":          summary.DocumentsProcessed,
		"success":            summary.Succeeded,
		"failure":            summary.Failed,
		"skipped":            summary.Skipped,
		"time_limit_reached": summary.TimeLimitReached,
		"pool_broken":        summary.PoolBroken,
	})
}

// startHealthServer serves the health probe and Prometheus metrics.
func startHealthServer(cfg *config.Config, db *sqlx.DB, logger observability.Logger) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = fmt.Fprintf(w, "unhealthy: %v", err)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprint(w, "healthy")
	})

	if cfg.Monitoring.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
	}

	server := &http.Server{
		Addr:    cfg.Monitoring.HealthAddr,
		Handler: mux,
	}

	go func() {
		logger.Info("Starting health and metrics server", map[string]interface{}{
			"addr": cfg.Monitoring.HealthAddr,
		})

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Health server error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	return server
}
