package job

import (
	"sort"
	"sync"

	"github.com/google/aggregation-service-worker/internal/validate"
)

// ErrorCounters tallies per-report errors by counter name, guarded the
// same way as the teacher's batch-sink event buffer: one mutex around a
// plain map, since updates are small and frequent rather than
// contention-heavy enough to warrant striping.
type ErrorCounters struct {
	mu     sync.Mutex
	counts map[validate.ErrorCounter]uint64
	total  uint64
	seen   uint64
	majorVersionsSeen map[string]struct{}
}

// NewErrorCounters builds an empty counter set.
func NewErrorCounters() *ErrorCounters {
	return &ErrorCounters{
		counts:            make(map[validate.ErrorCounter]uint64),
		majorVersionsSeen: make(map[string]struct{}),
	}
}

// RecordError increments counter and the running error/seen totals.
func (c *ErrorCounters) RecordError(counter validate.ErrorCounter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[counter]++
	c.total++
	c.seen++
}

// RecordAccepted increments the seen total for a report that produced no
// error.
func (c *ErrorCounters) RecordAccepted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen++
}

// RecordMajorVersionSeen tracks the distinct shared_info.version major
// values that reached the validator, used by the mixed-batch
// unsupported-version fatality rule (spec §9 design note 1).
func (c *ErrorCounters) RecordMajorVersionSeen(major string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.majorVersionsSeen[major] = struct{}{}
}

// Totals returns (total errors, total reports seen so far) as a
// consistent snapshot.
func (c *ErrorCounters) Totals() (errors, seen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total, c.seen
}

// ExceedsThreshold reports whether the current error ratio violates
// thresholdPct, per spec §4.9 step 3. Always false before at least one
// report has been seen.
func (c *ErrorCounters) ExceedsThreshold(thresholdPct float64) bool {
	errs, seen := c.Totals()
	if seen == 0 {
		return false
	}
	return float64(errs)*100 > thresholdPct*float64(seen)
}

// SoleUnsupportedMajorVersion returns the one major version seen across
// every report that reached the validator, and true, iff exactly one
// distinct major version was observed. Used by the mixed-batch
// unsupported-version fatality rule.
func (c *ErrorCounters) SoleUnsupportedMajorVersion() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.majorVersionsSeen) != 1 {
		return "", false
	}
	for v := range c.majorVersionsSeen {
		return v, true
	}
	return "", false
}

// Snapshot returns a stable, sorted copy of the counter map for reporting
// in a JobResult.
func (c *ErrorCounters) Snapshot() map[validate.ErrorCounter]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[validate.ErrorCounter]uint64, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}

// SortedKeys returns the counter names present in the snapshot, sorted
// for deterministic reporting.
func SortedKeys(counts map[validate.ErrorCounter]uint64) []string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	return keys
}
