// Package logarchive stores container stdout and stderr after the container
// stage. Objects are keyed <jobID>/<attempt>/stdout.log and stderr.log.
package logarchive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Logs is the captured output of one container attempt.
type Logs struct {
	JobID   string
	Attempt int
	Stdout  []byte
	Stderr  []byte
}

// Key returns the object name for stream ("stdout" or "stderr").
func (l Logs) Key(stream string) string {
	return fmt.Sprintf("%s/%d/%s.log", l.JobID, l.Attempt, stream)
}

// Archive stores container logs.
type Archive interface {
	Store(ctx context.Context, logs Logs) error
}

// Discard drops logs. It is used when no object store is configured.
type Discard struct{}

func (Discard) Store(context.Context, Logs) error { return nil }

// Config points at an S3-compatible object store.
type Config struct {
	Endpoint  string // host:port
	Bucket    string // default: agency-logs
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string // default: us-east-1
}

// MinIO stores logs in an S3-compatible bucket, creating it on first use.
type MinIO struct {
	client *minio.Client
	bucket string
	region string
	logger *slog.Logger

	mu    sync.Mutex
	ready bool
}

// NewMinIO creates an archive backed by the object store at cfg.Endpoint.
func NewMinIO(cfg Config) (*MinIO, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("log archive endpoint is required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		bucket = "agency-logs"
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}
	return &MinIO{
		client: client,
		bucket: bucket,
		region: region,
		logger: slog.With("component", "logarchive"),
	}, nil
}

// Store uploads both streams. Empty streams are still written so that every
// archived attempt has the same shape.
func (m *MinIO) Store(ctx context.Context, logs Logs) error {
	if err := m.ensureBucket(ctx); err != nil {
		return err
	}
	for _, s := range []struct {
		name string
		data []byte
	}{{"stdout", logs.Stdout}, {"stderr", logs.Stderr}} {
		key := logs.Key(s.name)
		_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(s.data), int64(len(s.data)),
			minio.PutObjectOptions{ContentType: "text/plain; charset=utf-8"})
		if err != nil {
			return fmt.Errorf("upload %s: %w", key, err)
		}
	}
	m.logger.Debug("Archived container logs", "jobId", logs.JobID, "attempt", logs.Attempt,
		"stdoutBytes", len(logs.Stdout), "stderrBytes", len(logs.Stderr))
	return nil
}

// Ready reports whether the bucket is reachable.
func (m *MinIO) Ready(ctx context.Context) error {
	_, err := m.client.BucketExists(ctx, m.bucket)
	return err
}

func (m *MinIO) ensureBucket(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ready {
		return nil
	}
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", m.bucket, err)
	}
	if !exists {
		if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{Region: m.region}); err != nil {
			return fmt.Errorf("create bucket %s: %w", m.bucket, err)
		}
		m.logger.Info("Created log bucket", "bucket", m.bucket)
	}
	m.ready = true
	return nil
}
