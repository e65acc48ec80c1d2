package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"dealcheck/internal/config"
	"dealcheck/internal/models"
)

const (
	defaultTextTTL = 30 * time.Minute
	summaryTTL     = 24 * time.Hour
)

// CachedText is a successful extraction, keyed by content hash and format.
type CachedText struct {
	Format      string `json:"format"`
	Text        string `json:"text"`
	PageCount   int    `json:"page_count,omitempty"`
	FailedPages []int  `json:"failed_pages,omitempty"`
}

// Cache keeps extracted text and each deal's latest run summary. A nil Cache,
// or one without a client, misses on every lookup and drops every write.
type Cache struct {
	client  *Client
	textTTL time.Duration
}

func NewCache(client *Client, textTTL time.Duration) *Cache {
	if textTTL <= 0 {
		textTTL = defaultTextTTL
	}
	return &Cache{client: client, textTTL: textTTL}
}

// TextKey identifies extracted text by the bytes it came from and the format they were read as.
func TextKey(data []byte, format string) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("dealcheck:text:%s:%s", hex.EncodeToString(sum[:]), format)
}

func summaryKey(dealID int64) string {
	return fmt.Sprintf("dealcheck:latest:%d", dealID)
}

func (c *Cache) enabled() bool {
	return c != nil && c.client != nil && c.client.inner != nil
}

func (c *Cache) LoadText(ctx context.Context, key string) (CachedText, bool) {
	var cached CachedText
	if !c.enabled() {
		return cached, false
	}
	return cached, c.load(ctx, "LoadText", key, &cached)
}

func (c *Cache) StoreText(ctx context.Context, key string, text CachedText) {
	if !c.enabled() {
		return
	}
	c.store(ctx, "StoreText", key, text, c.textTTL)
}

func (c *Cache) LoadSummary(ctx context.Context, dealID int64) (*models.RunSummary, bool) {
	if !c.enabled() {
		return nil, false
	}
	var summary models.RunSummary
	if !c.load(ctx, "LoadSummary", summaryKey(dealID), &summary) {
		return nil, false
	}
	return &summary, true
}

func (c *Cache) StoreSummary(ctx context.Context, summary models.RunSummary) {
	if !c.enabled() {
		return
	}
	c.store(ctx, "StoreSummary", summaryKey(summary.DealID), summary, summaryTTL)
}

// InvalidateSummary drops the cached latest summary, e.g. after a master sheet is replaced.
func (c *Cache) InvalidateSummary(ctx context.Context, dealID int64) {
	if !c.enabled() {
		return
	}
	if err := c.client.Del(ctx, summaryKey(dealID)); err != nil && !errors.Is(err, ErrCacheMiss) {
		config.LogError(config.GetLogger(), "redis", "InvalidateSummary", summaryKey(dealID), nil, err)
	}
}

func (c *Cache) load(ctx context.Context, funcName, key string, dst any) bool {
	raw, err := c.client.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			config.LogError(config.GetLogger(), "redis", funcName, key, nil, err)
		}
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		config.LogError(config.GetLogger(), "redis", funcName, key, nil, fmt.Errorf("decode cached value: %w", err))
		return false
	}
	return true
}

func (c *Cache) store(ctx context.Context, funcName, key string, value any, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		config.LogError(config.GetLogger(), "redis", funcName, key, nil, fmt.Errorf("encode cached value: %w", err))
		return
	}
	if err := c.client.Set(ctx, key, data, ttl); err != nil {
		config.LogError(config.GetLogger(), "redis", funcName, key, nil, err)
	}
}
