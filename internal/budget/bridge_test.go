package budget

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/google/aggregation-service-worker/internal/aggregate"
)

type fakeLedgerClient struct {
	calls     [][]aggregate.PrivacyBudgetUnit
	exhausted map[string]bool
	err       error
}

func (f *fakeLedgerClient) Consume(_ context.Context, _, _ string, units []aggregate.PrivacyBudgetUnit) ([]aggregate.PrivacyBudgetUnit, error) {
	f.calls = append(f.calls, units)
	if f.err != nil {
		return nil, f.err
	}
	var exhausted []aggregate.PrivacyBudgetUnit
	for _, u := range units {
		if f.exhausted[u.Key] {
			exhausted = append(exhausted, u)
		}
	}
	return exhausted, nil
}

func newTestCache(t *testing.T) *IdempotencyCache {
	t.Helper()
	s := miniredis.RunT(t)
	return NewIdempotencyCache(s.Addr(), "", time.Hour)
}

func TestBridge_ConsumeAllAvailable(t *testing.T) {
	ledger := &fakeLedgerClient{}
	cache := newTestCache(t)
	bridge := NewBridge(ledger, cache)

	units := []aggregate.PrivacyBudgetUnit{{Key: "a", Window: 1}, {Key: "b", Window: 1}}
	exhausted, err := bridge.Consume(context.Background(), "job-1", "https://advertiser.example", units)
	require.NoError(t, err)
	require.Empty(t, exhausted)
	require.Len(t, ledger.calls, 1)
	require.ElementsMatch(t, units, ledger.calls[0])
}

func TestBridge_ConsumeReportsExhausted(t *testing.T) {
	ledger := &fakeLedgerClient{exhausted: map[string]bool{"b": true}}
	cache := newTestCache(t)
	bridge := NewBridge(ledger, cache)

	units := []aggregate.PrivacyBudgetUnit{{Key: "a", Window: 1}, {Key: "b", Window: 1}}
	exhausted, err := bridge.Consume(context.Background(), "job-1", "https://advertiser.example", units)
	require.NoError(t, err)
	require.Equal(t, []aggregate.PrivacyBudgetUnit{{Key: "b", Window: 1}}, exhausted)
}

func TestBridge_ReplayDoesNotRecallLedger(t *testing.T) {
	ledger := &fakeLedgerClient{exhausted: map[string]bool{"b": true}}
	cache := newTestCache(t)
	bridge := NewBridge(ledger, cache)

	units := []aggregate.PrivacyBudgetUnit{{Key: "a", Window: 1}, {Key: "b", Window: 1}}
	ctx := context.Background()

	first, err := bridge.Consume(ctx, "job-1", "https://advertiser.example", units)
	require.NoError(t, err)

	second, err := bridge.Consume(ctx, "job-1", "https://advertiser.example", units)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Len(t, ledger.calls, 1, "replay must be served from the idempotency cache")
}

func TestBridge_PartialReplayOnlyResolvesNewUnits(t *testing.T) {
	ledger := &fakeLedgerClient{}
	cache := newTestCache(t)
	bridge := NewBridge(ledger, cache)
	ctx := context.Background()

	first := []aggregate.PrivacyBudgetUnit{{Key: "a", Window: 1}}
	_, err := bridge.Consume(ctx, "job-1", "https://advertiser.example", first)
	require.NoError(t, err)

	second := []aggregate.PrivacyBudgetUnit{{Key: "a", Window: 1}, {Key: "c", Window: 1}}
	_, err = bridge.Consume(ctx, "job-1", "https://advertiser.example", second)
	require.NoError(t, err)

	require.Len(t, ledger.calls, 2)
	require.Equal(t, []aggregate.PrivacyBudgetUnit{{Key: "c", Window: 1}}, ledger.calls[1])
}

func TestBridge_DistinctJobsDoNotShareIdempotencyState(t *testing.T) {
	ledger := &fakeLedgerClient{}
	cache := newTestCache(t)
	bridge := NewBridge(ledger, cache)
	ctx := context.Background()

	units := []aggregate.PrivacyBudgetUnit{{Key: "a", Window: 1}}
	_, err := bridge.Consume(ctx, "job-1", "https://advertiser.example", units)
	require.NoError(t, err)
	_, err = bridge.Consume(ctx, "job-2", "https://advertiser.example", units)
	require.NoError(t, err)

	require.Len(t, ledger.calls, 2)
}

func TestBridge_LedgerErrorPropagatesAndDoesNotPoisonCache(t *testing.T) {
	ledger := &fakeLedgerClient{err: &TransportError{Cause: context.DeadlineExceeded}}
	cache := newTestCache(t)
	bridge := NewBridge(ledger, cache)
	ctx := context.Background()

	units := []aggregate.PrivacyBudgetUnit{{Key: "a", Window: 1}}
	_, err := bridge.Consume(ctx, "job-1", "https://advertiser.example", units)
	require.Error(t, err)

	_, found, err := cache.Lookup(ctx, "job-1", units[0])
	require.NoError(t, err)
	require.False(t, found, "a failed consume must not be cached as resolved")
}

func TestBridge_EmptyUnitsIsNoOp(t *testing.T) {
	ledger := &fakeLedgerClient{}
	bridge := NewBridge(ledger, newTestCache(t))

	exhausted, err := bridge.Consume(context.Background(), "job-1", "https://advertiser.example", nil)
	require.NoError(t, err)
	require.Nil(t, exhausted)
	require.Empty(t, ledger.calls)
}

func TestBridge_NilCacheAlwaysCallsLedger(t *testing.T) {
	ledger := &fakeLedgerClient{}
	bridge := NewBridge(ledger, nil)
	ctx := context.Background()

	units := []aggregate.PrivacyBudgetUnit{{Key: "a", Window: 1}}
	_, err := bridge.Consume(ctx, "job-1", "https://advertiser.example", units)
	require.NoError(t, err)
	_, err = bridge.Consume(ctx, "job-1", "https://advertiser.example", units)
	require.NoError(t, err)

	require.Len(t, ledger.calls, 2)
}
