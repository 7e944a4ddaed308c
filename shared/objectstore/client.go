// Package objectstore copies finished export files to an S3 compatible bucket.
package objectstore

import (
	"context"
	"fmt"
	"log/slog"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config holds the bucket connection settings
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
	// Prefix is prepended to every object name.
	Prefix string
}

// Client uploads files into one bucket.
type Client struct {
	minio  *minio.Client
	config *Config
	logger *slog.Logger
}

// NewClient creates the minio client. It does not touch the network.
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	mc, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio connection: %w", err)
	}
	return &Client{minio: mc, config: config, logger: logger}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.minio.BucketExists(ctx, c.config.Bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", c.config.Bucket, err)
	}
	if exists {
		return nil
	}
	if err := c.minio.MakeBucket(ctx, c.config.Bucket, minio.MakeBucketOptions{Region: c.config.Region}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", c.config.Bucket, err)
	}
	c.logger.Info("Created export bucket", slog.String("bucket", c.config.Bucket))
	return nil
}

// Upload copies the local file at filePath to the object name.
func (c *Client) Upload(ctx context.Context, name, filePath, contentType string) error {
	object := path.Join(c.config.Prefix, name)

	info, err := c.minio.FPutObject(ctx, c.config.Bucket, object, filePath, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", object, err)
	}

	c.logger.Debug("Uploaded export file",
		slog.String("bucket", c.config.Bucket),
		slog.String("object", object),
		slog.Int64("size", info.Size),
	)
	return nil
}
