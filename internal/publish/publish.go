// Package publish mirrors finished builds to S3-compatible object storage.
package publish

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config holds the object storage settings
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// Uploader copies output files to a bucket, keyed by their path relative to
// the output root
type Uploader struct {
	mc     *minio.Client
	bucket string
	prefix string
	root   string
}

// NewUploader creates an uploader for files below root
func NewUploader(cfg Config, root string) (*Uploader, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("s3 access key and secret key are required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &Uploader{
		mc:     mc,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		root:   root,
	}, nil
}

// EnsureBucket creates the bucket when it does not exist
func (u *Uploader) EnsureBucket(ctx context.Context) error {
	exists, err := u.mc.BucketExists(ctx, u.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := u.mc.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
		slog.Info("Created bucket", slog.String("bucket", u.bucket))
	}
	return nil
}

// Publish uploads each file. The first failure stops the upload.
func (u *Uploader) Publish(ctx context.Context, files []string) error {
	for _, f := range files {
		key, err := u.objectKey(f)
		if err != nil {
			return err
		}
		_, err = u.mc.FPutObject(ctx, u.bucket, key, f, minio.PutObjectOptions{
			ContentType: contentType(f),
		})
		if err != nil {
			return fmt.Errorf("failed to upload %s: %w", key, err)
		}
		slog.Debug("Uploaded object", slog.String("bucket", u.bucket), slog.String("key", key))
	}
	return nil
}

func (u *Uploader) objectKey(file string) (string, error) {
	rel, err := filepath.Rel(u.root, file)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%s is outside the output directory", file)
	}
	return path.Join(u.prefix, filepath.ToSlash(rel)), nil
}

func contentType(file string) string {
	switch filepath.Ext(file) {
	case ".json":
		return "application/json"
	case ".txt":
		return "text/plain; charset=utf-8"
	case ".html":
		return "text/html; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}
