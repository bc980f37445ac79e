package budget

import (
	"context"
	"fmt"

	"github.com/google/aggregation-service-worker/internal/aggregate"
)

// Bridge is the Privacy Budget Bridge (C7). It wraps a LedgerClient with
// idempotency caching so that replaying an identical call within a single
// process run returns the same result without re-debiting the ledger.
type Bridge struct {
	client LedgerClient
	cache  *IdempotencyCache
}

// NewBridge builds a bridge over client, with idempotency backed by
// cache. cache may be nil to disable idempotency caching (e.g. in tests
// against a ledger fake that is itself idempotent).
func NewBridge(client LedgerClient, cache *IdempotencyCache) *Bridge {
	return &Bridge{client: client, cache: cache}
}

// Consume debits every unit atomically and returns the subset that was
// not available, honoring the idempotency cache for units already
// resolved in this job.
func (b *Bridge) Consume(ctx context.Context, jobID, reportingOrigin string, units []aggregate.PrivacyBudgetUnit) ([]aggregate.PrivacyBudgetUnit, error) {
	if len(units) == 0 {
		return nil, nil
	}

	if b.cache == nil {
		return b.client.Consume(ctx, jobID, reportingOrigin, units)
	}

	pending := make([]aggregate.PrivacyBudgetUnit, 0, len(units))
	var exhausted []aggregate.PrivacyBudgetUnit
	for _, u := range units {
		wasExhausted, found, err := b.cache.Lookup(ctx, jobID, u)
		if err != nil {
			return nil, fmt.Errorf("budget bridge: %w", err)
		}
		if found {
			if wasExhausted {
				exhausted = append(exhausted, u)
			}
			continue
		}
		pending = append(pending, u)
	}

	if len(pending) > 0 {
		newlyExhausted, err := b.client.Consume(ctx, jobID, reportingOrigin, pending)
		if err != nil {
			return nil, err
		}

		exhaustedSet := make(map[aggregate.PrivacyBudgetUnit]struct{}, len(newlyExhausted))
		for _, u := range newlyExhausted {
			exhaustedSet[u] = struct{}{}
		}
		for _, u := range pending {
			_, wasExhausted := exhaustedSet[u]
			if err := b.cache.Record(ctx, jobID, u, wasExhausted); err != nil {
				return nil, fmt.Errorf("budget bridge: %w", err)
			}
		}
		exhausted = append(exhausted, newlyExhausted...)
	}

	return exhausted, nil
}
