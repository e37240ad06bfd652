// Package backup uploads registry snapshots to S3-compatible object storage.
package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/roach88/pxarchive/internal/config"
)

// Snapshotter writes a consistent copy of the registry. Implemented by
// *store.Store.
type Snapshotter interface {
	Snapshot(ctx context.Context, path string) error
}

// PutObjectAPI is the subset of *s3.Client the uploader needs.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Options configures an Uploader.
type Options struct {
	Bucket  string
	Prefix  string
	TempDir string
	Now     func() time.Time
	Logger  *slog.Logger
}

// Uploader snapshots the registry and stores it under a timestamped key.
type Uploader struct {
	snap   Snapshotter
	client PutObjectAPI
	opts   Options
}

// NewUploader creates an Uploader.
func NewUploader(snap Snapshotter, client PutObjectAPI, opts Options) *Uploader {
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Uploader{snap: snap, client: client, opts: opts}
}

// Key returns the object key for a snapshot taken at t.
func (u *Uploader) Key(t time.Time) string {
	return u.opts.Prefix + "registry-" + t.UTC().Format("20060102T150405Z") + ".db"
}

// Backup uploads a fresh snapshot and returns its key.
func (u *Uploader) Backup(ctx context.Context) (string, error) {
	if u.opts.Bucket == "" {
		return "", errors.New("backup: no bucket configured")
	}
	taken := u.opts.Now()
	key := u.Key(taken)

	if err := os.MkdirAll(u.opts.TempDir, 0o755); err != nil {
		return "", fmt.Errorf("backup: create temp dir: %w", err)
	}
	path := filepath.Join(u.opts.TempDir, "snapshot-"+taken.UTC().Format("20060102T150405.000000000")+".db")
	if err := u.snap.Snapshot(ctx, path); err != nil {
		return "", fmt.Errorf("backup: %w", err)
	}
	defer os.Remove(path)

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("backup: open snapshot: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("backup: stat snapshot: %w", err)
	}

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.opts.Bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("application/vnd.sqlite3"),
	})
	if err != nil {
		return "", fmt.Errorf("backup: put s3://%s/%s: %w", u.opts.Bucket, key, err)
	}

	u.opts.Logger.Info("registry snapshot uploaded", "bucket", u.opts.Bucket, "key", key, "bytes", info.Size())
	return key, nil
}

// NewS3Client builds a client for cfg. Static credentials are used when
// both keys are set; otherwise the default AWS credential chain applies.
// A custom endpoint without a scheme is taken as https.
func NewS3Client(ctx context.Context, cfg config.BackupConfig) (*s3.Client, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loaders := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loaders = append(loaders, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint != "" && !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "https://" + endpoint
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}
