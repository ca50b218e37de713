// Package storage implements the object-store fetcher. Documents are
// always downloaded to a temp file before any content inspection.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/docuvector/ingest/internal/config"
	"github.com/docuvector/ingest/internal/filetype"
	"github.com/docuvector/ingest/internal/observability"
)

// Downloader abstracts the S3 transfer manager for testing.
type Downloader interface {
	Download(ctx context.Context, w io.WriterAt, params *s3.GetObjectInput, optFns ...func(*manager.Downloader)) (int64, error)
}

// Fetcher downloads document payloads from the object store.
type Fetcher struct {
	downloader     Downloader
	bucket         string
	requestTimeout time.Duration
	logger         observability.Logger
}

// NewFetcher creates a fetcher from configuration. A custom endpoint
// enables S3-compatible stores; static credentials take precedence over
// the default provider chain.
func NewFetcher(ctx context.Context, cfg config.StorageConfig, logger observability.Logger) (*Fetcher, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("storage bucket is required")
	}

	var options []func(*awsconfig.LoadOptions) error
	options = append(options, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		options = append(options, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	if cfg.Endpoint != "" {
		customResolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               cfg.Endpoint,
				HostnameImmutable: true,
				SigningRegion:     region,
			}, nil
		})
		options = append(options, awsconfig.WithEndpointResolverWithOptions(customResolver))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Options := []func(*s3.Options){}
	if cfg.ForcePathStyle {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Options...)
	downloader := manager.NewDownloader(client)

	return &Fetcher{
		downloader:     downloader,
		bucket:         cfg.Bucket,
		requestTimeout: cfg.RequestTimeout,
		logger:         logger.WithPrefix("fetcher"),
	}, nil
}

// NewFetcherWithDownloader wires an explicit downloader. Used in tests.
func NewFetcherWithDownloader(downloader Downloader, bucket string, timeout time.Duration, logger observability.Logger) *Fetcher {
	return &Fetcher{
		downloader:     downloader,
		bucket:         bucket,
		requestTimeout: timeout,
		logger:         logger.WithPrefix("fetcher"),
	}
}

// FetchToTemp downloads the object at key into a temp file under dir and
// returns the file path and byte count. The caller owns the file and must
// remove it on all exit paths.
func (f *Fetcher) FetchToTemp(ctx context.Context, key, dir string) (string, int64, error) {
	if key == "" {
		return "", 0, fmt.Errorf("key cannot be empty")
	}

	pattern := "doc-*"
	if ext := filetype.Ext(key); ext != "" {
		pattern = "doc-*." + ext
	}
	tmp, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	path := tmp.Name()

	if f.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.requestTimeout)
		defer cancel()
	}

	size, err := f.downloader.Download(ctx, tmp, &s3.GetObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(key),
	})
	if closeErr := tmp.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return "", 0, fmt.Errorf("failed to download %s: %w", key, err)
	}

	f.logger.Debug("Downloaded object", map[string]interface{}{
		"key":   key,
		"bytes": size,
		"file":  filepath.Base(path),
	})
	return path, size, nil
}
