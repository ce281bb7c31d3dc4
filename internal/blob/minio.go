// Package blob signs short-lived download URLs for artwork binaries.
package blob

import (
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// URLSigner produces a time-limited GET URL for a stored object.
type URLSigner interface {
	SignURL(ctx context.Context, objectKey string) (string, error)
}

// Client signs presigned URLs against a MinIO (or S3-compatible) bucket.
type Client struct {
	mc     *minio.Client
	bucket string
	expiry time.Duration
}

func NewMinIO(endpoint, access, secret string, useTLS bool, bucket string, expiry time.Duration) (*Client, error) {
	mc, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: useTLS,
	})
	if err != nil {
		return nil, err
	}
	return &Client{mc: mc, bucket: bucket, expiry: expiry}, nil
}

func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.mc.BucketExists(ctx, c.bucket)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("bucket %q does not exist", c.bucket)
	}
	return nil
}

// SignURL returns a presigned GET URL for objectKey valid for the configured
// expiry.
func (c *Client) SignURL(ctx context.Context, objectKey string) (string, error) {
	u, err := c.mc.PresignedGetObject(ctx, c.bucket, objectKey, c.expiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", objectKey, err)
	}
	return u.String(), nil
}
