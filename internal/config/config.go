// Package config handles configuration for the document ingestion pipeline.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete configuration for the ingester.
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Catalog    CatalogConfig    `mapstructure:"catalog"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Embedding  EmbeddingConfig  `mapstructure:"embedding"`
	OCR        OCRConfig        `mapstructure:"ocr"`
	Processing ProcessingConfig `mapstructure:"processing"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Host                string `mapstructure:"host"`
	Port                int    `mapstructure:"port"`
	Database            string `mapstructure:"database"`
	Username            string `mapstructure:"username"`
	Password            string `mapstructure:"password"`
	SSLMode             string `mapstructure:"ssl_mode"`
	AutoCreateExtension bool   `mapstructure:"auto_create_extension"`
	SkipHNSWIndexes     bool   `mapstructure:"skip_hnsw_indexes"`
}

// DSN builds a lib/pq connection string. Every pool passes its own
// application name so sessions are attributable per worker.
func (d DatabaseConfig) DSN(applicationName string) string {
	parts := []string{
		fmt.Sprintf("host=%s", d.Host),
		fmt.Sprintf("port=%d", d.Port),
		fmt.Sprintf("dbname=%s", d.Database),
		fmt.Sprintf("user=%s", d.Username),
		fmt.Sprintf("sslmode=%s", d.SSLMode),
		fmt.Sprintf("application_name=%s", applicationName),
	}
	if d.Password != "" {
		parts = append(parts, fmt.Sprintf("password=%s", d.Password))
	}
	return strings.Join(parts, " ")
}

// CatalogConfig contains catalog API client settings.
type CatalogConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	APIKey        string        `mapstructure:"api_key"`
	PageSize      int           `mapstructure:"page_size"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
}

// StorageConfig contains object store settings.
type StorageConfig struct {
	Region          string        `mapstructure:"region"`
	Bucket          string        `mapstructure:"bucket"`
	Endpoint        string        `mapstructure:"endpoint"`
	AccessKeyID     string        `mapstructure:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key"`
	ForcePathStyle  bool          `mapstructure:"force_path_style"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	TempDir         string        `mapstructure:"temp_dir"`
}

// EmbeddingConfig contains embedding provider settings. Dimension is the
// process-wide vector dimension and must match the database columns.
type EmbeddingConfig struct {
	BaseURL      string  `mapstructure:"base_url"`
	APIKey       string  `mapstructure:"api_key"`
	Model        string  `mapstructure:"model"`
	Dimension    int     `mapstructure:"dimension"`
	BatchSize    int     `mapstructure:"batch_size"`
	RateLimitRPS float64 `mapstructure:"rate_limit_rps"`
	Burst        int     `mapstructure:"burst"`
}

// OCRConfig selects and configures the OCR provider.
type OCRConfig struct {
	Provider string            `mapstructure:"provider"`
	Local    LocalOCRConfig    `mapstructure:"local"`
	Azure    AzureOCRConfig    `mapstructure:"azure"`
	Vision   ImageVisionConfig `mapstructure:"vision"`
}

// LocalOCRConfig configures the local CPU OCR sidecar.
type LocalOCRConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	DPI         int           `mapstructure:"dpi"`
	Language    string        `mapstructure:"language"`
	PageTimeout time.Duration `mapstructure:"page_timeout"`
}

// AzureOCRConfig configures the cloud document-intelligence provider.
type AzureOCRConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	APIKey   string `mapstructure:"api_key"`
	ModelID  string `mapstructure:"model_id"`
}

// ImageVisionConfig configures the optional image-analysis fallback used
// when OCR fails on image documents.
type ImageVisionConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
	APIKey   string `mapstructure:"api_key"`
}

// ProcessingConfig contains pipeline tuning settings.
type ProcessingConfig struct {
	FilesConcurrencySize     int           `mapstructure:"files_concurrency_size"`
	PageCap                  int           `mapstructure:"page_cap"`
	ChunkSize                int           `mapstructure:"chunk_size"`
	ChunkOverlap             int           `mapstructure:"chunk_overlap"`
	KeywordVariant           string        `mapstructure:"keyword_variant"`
	KeywordExtractionWorkers int           `mapstructure:"keyword_extraction_workers"`
	PhantomThreshold         time.Duration `mapstructure:"phantom_threshold"`
	SummaryInterval          time.Duration `mapstructure:"summary_interval"`
}

// MonitoringConfig contains health and metrics server settings.
type MonitoringConfig struct {
	HealthAddr     string `mapstructure:"health_addr"`
	MetricsEnabled bool   `mapstructure:"metrics_enabled"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Load loads configuration from the given file (optional), the default
// search paths, and INGEST_-prefixed environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("ingester")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/ingester")
	}

	setDefaults(v)
	bindEnvVars(v)

	if err := v.ReadInConfig(); err != nil {
		// Defaults plus env vars are enough when no file was found on the
		// search path; an explicit --config file must exist.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default values for configuration.
func setDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "docstore")
	v.SetDefault("database.username", "docstore")
	v.SetDefault("database.ssl_mode", "prefer")
	v.SetDefault("database.auto_create_extension", true)
	v.SetDefault("database.skip_hnsw_indexes", false)

	// Catalog defaults
	v.SetDefault("catalog.base_url", "http://localhost:3000/api")
	v.SetDefault("catalog.page_size", 1000)
	v.SetDefault("catalog.timeout", "60s")
	v.SetDefault("catalog.retry_attempts", 3)

	// Storage defaults
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.force_path_style", true)
	v.SetDefault("storage.request_timeout", "120s")
	v.SetDefault("storage.temp_dir", "")

	// Embedding defaults
	v.SetDefault("embedding.base_url", "http://localhost:8080/v1")
	v.SetDefault("embedding.model", "nomic-embed-text-v1.5")
	v.SetDefault("embedding.dimension", 768)
	v.SetDefault("embedding.batch_size", 32)
	v.SetDefault("embedding.rate_limit_rps", 8)
	v.SetDefault("embedding.burst", 16)

	// OCR defaults: an empty provider means scanned documents are skipped
	v.SetDefault("ocr.provider", "")
	v.SetDefault("ocr.local.base_url", "http://localhost:8871")
	v.SetDefault("ocr.local.dpi", 300)
	v.SetDefault("ocr.local.language", "eng")
	v.SetDefault("ocr.local.page_timeout", "120s")
	v.SetDefault("ocr.azure.model_id", "prebuilt-read")
	v.SetDefault("ocr.vision.enabled", false)

	// Processing defaults
	v.SetDefault("processing.files_concurrency_size", 4)
	v.SetDefault("processing.page_cap", 0)
	v.SetDefault("processing.chunk_size", 1000)
	v.SetDefault("processing.chunk_overlap", 200)
	v.SetDefault("processing.keyword_variant", "standard")
	v.SetDefault("processing.keyword_extraction_workers", 4)
	v.SetDefault("processing.phantom_threshold", "4h")
	v.SetDefault("processing.summary_interval", "5m")

	// Monitoring defaults
	v.SetDefault("monitoring.health_addr", ":9090")
	v.SetDefault("monitoring.metrics_enabled", true)

	// Logging defaults
	v.SetDefault("logging.level", "info")
}

// bindEnvVars binds environment variables to configuration keys.
func bindEnvVars(v *viper.Viper) {
	v.SetEnvPrefix("INGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Database bindings
	_ = v.BindEnv("database.host", "DATABASE_HOST")
	_ = v.BindEnv("database.port", "DATABASE_PORT")
	_ = v.BindEnv("database.database", "DATABASE_NAME")
	_ = v.BindEnv("database.username", "DATABASE_USER")
	_ = v.BindEnv("database.password", "DATABASE_PASSWORD")
	_ = v.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	// Catalog bindings
	_ = v.BindEnv("catalog.base_url", "CATALOG_BASE_URL")
	_ = v.BindEnv("catalog.api_key", "CATALOG_API_KEY")

	// Storage bindings
	_ = v.BindEnv("storage.region", "AWS_REGION")
	_ = v.BindEnv("storage.bucket", "S3_BUCKET")
	_ = v.BindEnv("storage.endpoint", "S3_ENDPOINT")
	_ = v.BindEnv("storage.access_key_id", "AWS_ACCESS_KEY_ID")
	_ = v.BindEnv("storage.secret_access_key", "AWS_SECRET_ACCESS_KEY")

	// Embedding bindings
	_ = v.BindEnv("embedding.base_url", "EMBEDDING_BASE_URL")
	_ = v.BindEnv("embedding.api_key", "EMBEDDING_API_KEY")
	_ = v.BindEnv("embedding.model", "EMBEDDING_MODEL")

	// OCR bindings
	_ = v.BindEnv("ocr.provider", "OCR_PROVIDER")
	_ = v.BindEnv("ocr.local.base_url", "OCR_LOCAL_URL")
	_ = v.BindEnv("ocr.azure.endpoint", "AZURE_OCR_ENDPOINT")
	_ = v.BindEnv("ocr.azure.api_key", "AZURE_OCR_API_KEY")
	_ = v.BindEnv("ocr.vision.endpoint", "AZURE_VISION_ENDPOINT")
	_ = v.BindEnv("ocr.vision.api_key", "AZURE_VISION_API_KEY")

	// Logging bindings
	_ = v.BindEnv("logging.level", "LOG_LEVEL")
}

// validate rejects configurations the pipeline cannot run with.
func validate(cfg *Config) error {
	if cfg.Processing.FilesConcurrencySize < 1 {
		return fmt.Errorf("files_concurrency_size must be >= 1, got %d", cfg.Processing.FilesConcurrencySize)
	}
	if cfg.Processing.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive, got %d", cfg.Processing.ChunkSize)
	}
	if cfg.Processing.ChunkOverlap < 0 || cfg.Processing.ChunkOverlap >= cfg.Processing.ChunkSize {
		return fmt.Errorf("chunk_overlap must be in [0, chunk_size), got %d", cfg.Processing.ChunkOverlap)
	}
	if cfg.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive, got %d", cfg.Embedding.Dimension)
	}
	if cfg.Catalog.PageSize < 1 {
		return fmt.Errorf("catalog page_size must be >= 1, got %d", cfg.Catalog.PageSize)
	}
	switch cfg.Processing.KeywordVariant {
	case "standard", "fast", "simplified":
	default:
		return fmt.Errorf("unknown keyword_variant %q", cfg.Processing.KeywordVariant)
	}
	switch cfg.OCR.Provider {
	case "", "local", "azure":
	default:
		return fmt.Errorf("unknown ocr provider %q", cfg.OCR.Provider)
	}
	if cfg.Processing.PhantomThreshold < time.Minute {
		return fmt.Errorf("phantom_threshold must be >= 1m, got %s", cfg.Processing.PhantomThreshold)
	}
	return nil
}
