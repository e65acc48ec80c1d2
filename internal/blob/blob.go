// Package blob resolves document storage URLs to bytes.
//
// Supported locators: bare or file:// paths under the configured base
// directory, s3://bucket/key (MinIO or any S3 endpoint), gs://bucket/object
// and http(s) URLs.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"dealcheck/internal/config"
)

const defaultMaxBytes = 50 << 20

var (
	ErrNotFound    = errors.New("blob not found")
	ErrTooLarge    = errors.New("blob exceeds size limit")
	ErrNotServable = errors.New("no backend configured for locator")
)

// Fetcher reads the bytes behind one locator.
type Fetcher interface {
	Fetch(ctx context.Context, locator string) ([]byte, error)
}

// Router dispatches a locator to the backend for its scheme.
type Router struct {
	local *LocalStore
	s3    Fetcher
	gcs   Fetcher
	web   Fetcher
}

// NewRouter builds the backends enabled in cfg. Local files and HTTP are
// always available; s3:// needs object_storage.endpoint, gs:// needs gcs.enabled.
func NewRouter(ctx context.Context, cfg *config.Config) (*Router, error) {
	maxBytes := cfg.HTTPFetch.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	r := &Router{
		local: NewLocalStore(cfg.BasicConfig.FileBaseDir, maxBytes),
		web:   NewHTTPFetcher(cfg.HTTPFetch),
	}
	if cfg.ObjectStorage.Endpoint != "" {
		s3, err := NewS3Fetcher(cfg.ObjectStorage, maxBytes)
		if err != nil {
			return nil, err
		}
		r.s3 = s3
	}
	if cfg.GCS.Enabled {
		gcs, err := NewGCSFetcher(ctx, cfg.GCS, maxBytes)
		if err != nil {
			return nil, err
		}
		r.gcs = gcs
	}
	return r, nil
}

// Local exposes the local store used for uploads.
func (r *Router) Local() *LocalStore {
	return r.local
}

func (r *Router) Fetch(ctx context.Context, locator string) ([]byte, error) {
	scheme, rest := splitScheme(locator)
	var backend Fetcher
	switch scheme {
	case "", "file":
		if r.local == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotServable, locator)
		}
		return r.local.Fetch(ctx, rest)
	case "s3":
		backend = r.s3
	case "gs":
		backend = r.gcs
	case "http", "https":
		backend = r.web
	default:
		return nil, fmt.Errorf("%w: unknown scheme %q", ErrNotServable, scheme)
	}
	if backend == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotServable, locator)
	}
	return backend.Fetch(ctx, locator)
}

// splitScheme returns the lower-cased scheme and, for file URLs, the path.
func splitScheme(locator string) (string, string) {
	i := strings.Index(locator, "://")
	if i <= 0 {
		return "", locator
	}
	scheme := strings.ToLower(locator[:i])
	if scheme == "file" {
		if u, err := url.Parse(locator); err == nil {
			return scheme, u.Path
		}
		return scheme, locator[i+3:]
	}
	return scheme, locator
}

// bucketKey splits s3://bucket/key and gs://bucket/key locators.
func bucketKey(locator string) (string, string, error) {
	u, err := url.Parse(locator)
	if err != nil {
		return "", "", fmt.Errorf("parse locator %q: %w", locator, err)
	}
	key := strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return "", "", fmt.Errorf("locator %q needs a bucket and a key", locator)
	}
	return u.Host, key, nil
}

func readLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, ErrTooLarge
	}
	return data, nil
}
