package blob

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"dealcheck/internal/config"
)

// HTTPFetcher downloads http(s) locators behind a shared rate limiter.
type HTTPFetcher struct {
	client   *http.Client
	limiter  *rate.Limiter
	maxBytes int64
	allowed  map[string]bool
}

func NewHTTPFetcher(cfg config.HTTPFetchConfig) *HTTPFetcher {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	f := &HTTPFetcher{
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		maxBytes: maxBytes,
	}
	if len(cfg.AllowedHosts) > 0 {
		f.allowed = make(map[string]bool, len(cfg.AllowedHosts))
		for _, h := range cfg.AllowedHosts {
			f.allowed[strings.ToLower(strings.TrimSpace(h))] = true
		}
	}
	f.client = &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("stopped after %d redirects", len(via))
			}
			return f.checkHost(req.URL)
		},
	}
	return f
}

// checkHost rejects hosts outside the allow-list, redirect targets included.
func (f *HTTPFetcher) checkHost(u *url.URL) error {
	if f.allowed == nil || f.allowed[strings.ToLower(u.Hostname())] {
		return nil
	}
	return fmt.Errorf("%w: host %s is not allowed", ErrNotServable, u.Hostname())
}

func (f *HTTPFetcher) Fetch(ctx context.Context, locator string) ([]byte, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if err := f.checkHost(req.URL); err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", locator, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, locator)
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("get %s: unexpected status %d", locator, resp.StatusCode)
	}
	if resp.ContentLength > f.maxBytes {
		return nil, ErrTooLarge
	}
	return readLimited(resp.Body, f.maxBytes)
}
