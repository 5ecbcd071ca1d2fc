// Package archive uploads sealed log segments to S3-compatible object
// storage. Upload happens after sealing, so every archived segment
// carries its integrity sidecar and never changes again.
package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Config holds archiver configuration.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Region  string `yaml:"region"`
	Bucket  string `yaml:"bucket"`
	Prefix  string `yaml:"prefix"`

	// Endpoint overrides the AWS endpoint (MinIO, LocalStack).
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`

	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	SessionToken    string `yaml:"session_token,omitempty"`

	StorageClass     string        `yaml:"storage_class"`
	RetryMaxAttempts int           `yaml:"retry_max_attempts"`
	UploadTimeout    time.Duration `yaml:"upload_timeout"`

	// QueueSize bounds pending seal notifications. Overflow is logged
	// and skipped; the segment stays on disk for a later sweep.
	QueueSize int `yaml:"queue_size"`
}

// DefaultConfig returns default archiver configuration.
func DefaultConfig() Config {
	return Config{
		Region:           "us-east-1",
		Bucket:           "hostguard-archive",
		Prefix:           "segments/",
		StorageClass:     "INTELLIGENT_TIERING",
		RetryMaxAttempts: 3,
		UploadTimeout:    10 * time.Minute,
		QueueSize:        64,
	}
}

func (c Config) storageClass() types.StorageClass {
	switch c.StorageClass {
	case "STANDARD":
		return types.StorageClassStandard
	case "STANDARD_IA":
		return types.StorageClassStandardIa
	case "GLACIER":
		return types.StorageClassGlacier
	case "DEEP_ARCHIVE":
		return types.StorageClassDeepArchive
	case "INTELLIGENT_TIERING":
		return types.StorageClassIntelligentTiering
	default:
		return types.StorageClassStandard
	}
}

// Metrics holds archiver counters.
type Metrics struct {
	Uploaded uint64
	Bytes    uint64
	Errors   uint64
	Skipped  uint64
}

// Uploader ships sealed segments and their seal sidecars to S3.
type Uploader struct {
	cfg    Config
	client *s3.Client
	logger *slog.Logger
	jobs   chan string
	done   chan struct{}

	uploaded uint64
	bytes    uint64
	errors   uint64
	skipped  uint64
}

// NewUploader creates an uploader and its S3 client.
func NewUploader(ctx context.Context, cfg Config, logger *slog.Logger) (*Uploader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Bucket == "" {
		return nil, errors.New("archive: bucket is required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)
		opts = append(opts, awsconfig.WithCredentialsProvider(creds))
	}
	if cfg.RetryMaxAttempts > 0 {
		opts = append(opts, awsconfig.WithRetryMaxAttempts(cfg.RetryMaxAttempts))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	u := &Uploader{
		cfg:    cfg,
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		logger: logger,
		jobs:   make(chan string, cfg.QueueSize),
		done:   make(chan struct{}),
	}

	logger.Info("segment archiver initialized",
		"bucket", cfg.Bucket,
		"region", cfg.Region,
		"storage_class", cfg.StorageClass,
	)
	return u, nil
}

// Enqueue schedules a sealed segment for upload. Safe to call from the
// writer's seal hook; never blocks.
func (u *Uploader) Enqueue(segmentPath string) {
	select {
	case u.jobs <- segmentPath:
	default:
		atomic.AddUint64(&u.skipped, 1)
		u.logger.Warn("archive queue full, segment left on disk",
			"segment", filepath.Base(segmentPath))
	}
}

// Run uploads queued segments until ctx is cancelled, then drains what
// is already queued.
func (u *Uploader) Run(ctx context.Context) {
	defer close(u.done)
	for {
		select {
		case segmentPath := <-u.jobs:
			u.upload(ctx, segmentPath)
		case <-ctx.Done():
			for {
				select {
				case segmentPath := <-u.jobs:
					u.upload(context.Background(), segmentPath)
				default:
					u.logger.Info("segment archiver stopped",
						"uploaded", atomic.LoadUint64(&u.uploaded),
						"errors", atomic.LoadUint64(&u.errors),
					)
					return
				}
			}
		}
	}
}

// Wait blocks until Run has returned.
func (u *Uploader) Wait() { <-u.done }

func (u *Uploader) upload(ctx context.Context, segmentPath string) {
	ctx, cancel := context.WithTimeout(ctx, u.cfg.UploadTimeout)
	defer cancel()

	name := filepath.Base(segmentPath)
	if err := u.uploadSegment(ctx, segmentPath, name); err != nil {
		atomic.AddUint64(&u.errors, 1)
		u.logger.Error("segment upload failed", "segment", name, "error", err)
		return
	}

	sealPath := segmentPath + ".seal"
	if err := u.uploadFile(ctx, sealPath, u.objectKey(name+".seal"), "application/json"); err != nil {
		atomic.AddUint64(&u.errors, 1)
		u.logger.Error("seal upload failed", "segment", name, "error", err)
		return
	}

	atomic.AddUint64(&u.uploaded, 1)
	u.logger.Info("segment archived", "segment", name, "bucket", u.cfg.Bucket)
}

func (u *Uploader) uploadSegment(ctx context.Context, segmentPath, name string) error {
	raw, err := os.ReadFile(segmentPath)
	if err != nil {
		return fmt.Errorf("read segment: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return fmt.Errorf("compress segment: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("compress segment: %w", err)
	}

	key := u.objectKey(name + ".gz")
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(u.cfg.Bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(buf.Bytes()),
		ContentType:     aws.String("application/gzip"),
		ContentEncoding: aws.String("gzip"),
		StorageClass:    u.cfg.storageClass(),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	atomic.AddUint64(&u.bytes, uint64(buf.Len()))
	return nil
}

func (u *Uploader) uploadFile(ctx context.Context, filePath, key, contentType string) error {
	raw, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(filePath), err)
	}
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(u.cfg.Bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(raw),
		ContentType:  aws.String(contentType),
		StorageClass: u.cfg.storageClass(),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	atomic.AddUint64(&u.bytes, uint64(len(raw)))
	return nil
}

func (u *Uploader) objectKey(name string) string {
	return path.Join(u.cfg.Prefix, time.Now().UTC().Format("2006/01/02"), name)
}

// Stats returns archiver counters.
func (u *Uploader) Stats() Metrics {
	return Metrics{
		Uploaded: atomic.LoadUint64(&u.uploaded),
		Bytes:    atomic.LoadUint64(&u.bytes),
		Errors:   atomic.LoadUint64(&u.errors),
		Skipped:  atomic.LoadUint64(&u.skipped),
	}
}
