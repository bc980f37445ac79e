package budget

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/google/aggregation-service-worker/internal/aggregate"
)

// IdempotencyCache remembers the result of a previous Consume call for a
// (job_id, unit) pair so that replaying it within the ledger's retention
// window returns the same result (spec §4.7).
type IdempotencyCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewIdempotencyCache builds a cache backed by Redis at addr.
func NewIdempotencyCache(addr, password string, ttl time.Duration) *IdempotencyCache {
	return &IdempotencyCache{
		rdb: redis.NewClient(&redis.Options{Addr: addr, Password: password}),
		ttl: ttl,
	}
}

type cachedResult struct {
	Exhausted bool `json:"exhausted"`
}

// Lookup returns (exhausted, found) for a previously recorded unit
// outcome.
func (c *IdempotencyCache) Lookup(ctx context.Context, jobID string, unit aggregate.PrivacyBudgetUnit) (bool, bool, error) {
	raw, err := c.rdb.Get(ctx, idempotencyCacheKey(jobID, unit)).Bytes()
	if err == redis.Nil {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("idempotency cache lookup failed: %w", err)
	}
	var res cachedResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return false, false, fmt.Errorf("idempotency cache entry corrupt: %w", err)
	}
	return res.Exhausted, true, nil
}

// Record stores a unit's outcome for the configured TTL.
func (c *IdempotencyCache) Record(ctx context.Context, jobID string, unit aggregate.PrivacyBudgetUnit, exhausted bool) error {
	raw, err := json.Marshal(cachedResult{Exhausted: exhausted})
	if err != nil {
		return fmt.Errorf("failed to marshal idempotency entry: %w", err)
	}
	if err := c.rdb.Set(ctx, idempotencyCacheKey(jobID, unit), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("idempotency cache write failed: %w", err)
	}
	return nil
}

// Close releases the underlying Redis connection.
func (c *IdempotencyCache) Close() error { return c.rdb.Close() }
