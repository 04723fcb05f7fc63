package report

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"creditmeter/internal/cache"
)

// DefaultCacheTTL bounds how stale a cached rollup may be. Rollups are
// read-side conveniences; the ledger stays authoritative.
const DefaultCacheTTL = time.Minute

// CachedReader decorates a Reader with a byte cache. Cache failures degrade
// to the inner reader; they never fail the query.
type CachedReader struct {
	inner  Reader
	cache  cache.Cache
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedReader wraps inner with a cache.
func NewCachedReader(inner Reader, c cache.Cache, ttl time.Duration, logger *slog.Logger) *CachedReader {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedReader{inner: inner, cache: c, ttl: ttl, logger: logger}
}

func (r *CachedReader) Usage(ctx context.Context, q Query) (*Summary, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	key := cacheKey(q)

	if data, err := r.cache.Get(ctx, key); err != nil {
		r.logger.Warn("report cache read failed", "error", err)
	} else if data != nil {
		var summary Summary
		if err := json.Unmarshal(data, &summary); err == nil {
			return &summary, nil
		}
		r.logger.Warn("discarding malformed cached report", "key", key)
	}

	summary, err := r.inner.Usage(ctx, q)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(summary); err == nil {
		if err := r.cache.Set(ctx, key, data, r.ttl); err != nil {
			r.logger.Warn("report cache write failed", "error", err)
		}
	}
	return summary, nil
}

func (r *CachedReader) Close() error {
	return r.inner.Close()
}

// cacheKey is stable across processes for the same query.
func cacheKey(q Query) string {
	return fmt.Sprintf("%s|%s|%d|%d",
		q.Subject.String(), q.GroupBy, q.From.UTC().Unix(), q.To.UTC().Unix())
}
