package blob

import (
	"context"
	"fmt"
	"net/url"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"dealcheck/internal/config"
)

// S3Fetcher reads s3://bucket/key locators through minio-go.
type S3Fetcher struct {
	client   *minio.Client
	maxBytes int64
}

func NewS3Fetcher(cfg config.ObjectStorageConfig, maxBytes int64) (*S3Fetcher, error) {
	endpoint := cfg.Endpoint
	useSSL := cfg.UseSSL
	// accept either host:port or a full URL
	if u, err := url.Parse(cfg.Endpoint); err == nil && u.Host != "" {
		endpoint = u.Host
		if u.Scheme == "https" {
			useSSL = true
		}
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	return &S3Fetcher{client: client, maxBytes: maxBytes}, nil
}

func (f *S3Fetcher) Fetch(ctx context.Context, locator string) ([]byte, error) {
	bucket, key, err := bucketKey(locator)
	if err != nil {
		return nil, err
	}
	obj, err := f.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyS3Error(locator, err)
	}
	defer obj.Close()
	data, err := readLimited(obj, f.maxBytes)
	if err != nil {
		return nil, classifyS3Error(locator, err)
	}
	return data, nil
}

func classifyS3Error(locator string, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchBucket", "NoSuchKey":
		return fmt.Errorf("%w: %s", ErrNotFound, locator)
	}
	return fmt.Errorf("read %s: %w", locator, err)
}
