package blob

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"dealcheck/internal/config"
)

// GCSFetcher reads gs://bucket/object locators.
type GCSFetcher struct {
	client   *storage.Client
	maxBytes int64
}

// NewGCSFetcher uses the configured credentials file, or application default
// credentials when none is set.
func NewGCSFetcher(ctx context.Context, cfg config.GCSConfig, maxBytes int64) (*GCSFetcher, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	return &GCSFetcher{client: client, maxBytes: maxBytes}, nil
}

func (f *GCSFetcher) Fetch(ctx context.Context, locator string) ([]byte, error) {
	bucket, object, err := bucketKey(locator)
	if err != nil {
		return nil, err
	}
	reader, err := f.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, locator)
		}
		return nil, fmt.Errorf("read %s: %w", locator, err)
	}
	defer reader.Close()
	return readLimited(reader, f.maxBytes)
}

func (f *GCSFetcher) Close() error {
	return f.client.Close()
}
