package fhir

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/carepath-ai/pipeline/pkg/common/logger"
)

// PageCache keeps raw bundle pages in Redis keyed by request URL, so
// re-running a pipeline against the same cohort does not re-pull unchanged
// pages. A cache miss or Redis failure falls through to the network.
type PageCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewPageCache(client *redis.Client, ttl time.Duration) *PageCache {
	if client == nil || ttl <= 0 {
		return nil
	}
	return &PageCache{client: client, ttl: ttl}
}

func cacheKey(pageURL string) string {
	sum := sha256.Sum256([]byte(pageURL))
	return "fhir:page:" + hex.EncodeToString(sum[:])
}

func (c *PageCache) Get(ctx context.Context, pageURL string) ([]byte, bool) {
	body, err := c.client.Get(ctx, cacheKey(pageURL)).Bytes()
	if err != nil {
		if err != redis.Nil {
			logger.Log.WithError(err).Debug("fhir page cache read failed")
		}
		return nil, false
	}
	return body, true
}

func (c *PageCache) Set(ctx context.Context, pageURL string, body []byte) {
	if err := c.client.Set(ctx, cacheKey(pageURL), body, c.ttl).Err(); err != nil {
		logger.Log.WithError(err).Debug("fhir page cache write failed")
	}
}
