package aggregate

import (
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
)

// PrivacyBudgetUnit identifies the atom of consumption in the
// differential-privacy ledger (spec §3). Two reports whose derivation
// produces the same key+window share budget.
type PrivacyBudgetUnit struct {
	Key    string
	Window int64 // hour-truncated Unix seconds
}

type bucketState struct {
	sum   uint64
	units map[PrivacyBudgetUnit]struct{}
}

// stripe is one lock-guarded shard of the engine's bucket map, selected by
// a bucket's low-order byte, mirroring the teacher's per-size sync.Pool
// sharding approach.
type stripe struct {
	mu      sync.Mutex
	buckets map[Bucket]*bucketState
}

// Engine is the Aggregation Engine (C4): the only place where writes
// happen during the fan-in phase. Safe for concurrent Accept calls;
// becomes read-only after Freeze.
type Engine struct {
	stripes []*stripe
	frozen  atomic.Bool
}

// stripeCount matches runtime.GOMAXPROCS(0), as documented in the
// concurrency model.
func stripeCount() int {
	n := runtime.GOMAXPROCS(0)
	if n < 1 {
		n = 1
	}
	return n
}

// NewEngine builds an empty engine.
func NewEngine() *Engine {
	n := stripeCount()
	e := &Engine{stripes: make([]*stripe, n)}
	for i := range e.stripes {
		e.stripes[i] = &stripe{buckets: make(map[Bucket]*bucketState)}
	}
	return e
}

func (e *Engine) stripeFor(b Bucket) *stripe {
	bb := BucketBytes(b)
	idx := int(bb[15]) % len(e.stripes)
	return e.stripes[idx]
}

// Accept updates bucket b's sum by saturating addition and records unit
// as covering this contribution. Safe for concurrent callers; panics if
// called after Freeze.
func (e *Engine) Accept(b Bucket, value uint64, unit PrivacyBudgetUnit) {
	if e.frozen.Load() {
		panic("aggregate: Accept called after Freeze")
	}

	s := e.stripeFor(b)
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.buckets[b]
	if !ok {
		st = &bucketState{units: make(map[PrivacyBudgetUnit]struct{})}
		s.buckets[b] = st
	}
	st.sum = saturatingAdd(st.sum, value)
	st.units[unit] = struct{}{}
}

func saturatingAdd(a, b uint64) uint64 {
	sum := a + b
	if sum < a {
		return ^uint64(0)
	}
	return sum
}

// Freeze forbids further writes. Subsequent Buckets/Units calls see a
// stable, read-only view.
func (e *Engine) Freeze() {
	e.frozen.Store(true)
}

// BucketSum is one non-empty bucket's accumulated value, returned by
// Buckets in ascending big-endian order.
type BucketSum struct {
	Bucket Bucket
	Sum    uint64
}

// Buckets returns every non-empty bucket after Freeze, ordered ascending
// by big-endian bytes (the only defined serialization order).
func (e *Engine) Buckets() ([]BucketSum, error) {
	if !e.frozen.Load() {
		return nil, fmt.Errorf("aggregate: Buckets called before Freeze")
	}

	out := make([]BucketSum, 0)
	for _, s := range e.stripes {
		for b, st := range s.buckets {
			out = append(out, BucketSum{Bucket: b, Sum: st.sum})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		bi, bj := BucketBytes(out[i].Bucket), BucketBytes(out[j].Bucket)
		for k := range bi {
			if bi[k] != bj[k] {
				return bi[k] < bj[k]
			}
		}
		return false
	})
	return out, nil
}

// Units returns the deduplicated union of every privacy-budget unit
// across all buckets, after Freeze.
func (e *Engine) Units() ([]PrivacyBudgetUnit, error) {
	if !e.frozen.Load() {
		return nil, fmt.Errorf("aggregate: Units called before Freeze")
	}

	seen := make(map[PrivacyBudgetUnit]struct{})
	for _, s := range e.stripes {
		for _, st := range s.buckets {
			for u := range st.units {
				seen[u] = struct{}{}
			}
		}
	}
	out := make([]PrivacyBudgetUnit, 0, len(seen))
	for u := range seen {
		out = append(out, u)
	}
	return out, nil
}

// Sum returns the accumulated value for bucket b, or 0 if absent. Valid
// only after Freeze.
func (e *Engine) Sum(b Bucket) uint64 {
	s := e.stripeFor(b)
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.buckets[b]; ok {
		return st.sum
	}
	return 0
}

// Contains reports whether bucket b has any accepted contribution.
func (e *Engine) Contains(b Bucket) bool {
	s := e.stripeFor(b)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.buckets[b]
	return ok
}
