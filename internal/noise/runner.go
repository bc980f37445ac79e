package noise

import (
	"math"
	"math/rand"
	"sort"

	"github.com/google/aggregation-service-worker/internal/aggregate"
	"github.com/google/aggregation-service-worker/internal/domain"
)

// Options configure one run of the domain-join/noise/threshold algebra
// (spec §4.6).
type Options struct {
	Params              Params
	Domain              *domain.Set // nil when no output domain is configured
	DebugRun            bool
	DomainOptional      bool
	ThresholdingEnabled bool
	Threshold           ThresholdFunc // nil defaults to DefaultThreshold
	Rand                *rand.Rand    // nil defaults to a source seeded with 1
	Sampler             Sampler       // non-nil overrides the Params-derived sampler, for deterministic tests
}

// Result is the output of one Run: the summary fact set, and (only for
// debug runs) the debug fact set.
type Result struct {
	Summary []aggregate.AggregatedFact
	Debug   []aggregate.AggregatedFact
}

// Run applies the domain-join, noise, and thresholding algorithm to a
// frozen Engine, producing the final fact sets (spec §4.6).
func Run(engine *aggregate.Engine, opts Options) (Result, error) {
	bucketSums, err := engine.Buckets()
	if err != nil {
		return Result{}, err
	}

	sums := make(map[aggregate.Bucket]uint64, len(bucketSums))
	reportsKeys := make(map[aggregate.Bucket]struct{}, len(bucketSums))
	for _, bs := range bucketSums {
		sums[bs.Bucket] = bs.Sum
		reportsKeys[bs.Bucket] = struct{}{}
	}

	domainKeys := make(map[aggregate.Bucket]struct{})
	if opts.Domain != nil {
		for _, b := range opts.Domain.Buckets() {
			domainKeys[b] = struct{}{}
		}
	}

	both, reportsOnly, domainOnly := partitionKeys(reportsKeys, domainKeys)

	threshold := opts.Threshold
	if threshold == nil {
		threshold = DefaultThreshold
	}
	tau := threshold(opts.Params)

	sampler := opts.Sampler
	if sampler == nil {
		rng := opts.Rand
		if rng == nil {
			rng = rand.New(rand.NewSource(1))
		}
		var err error
		sampler, err = NewSampler(opts.Params, rng)
		if err != nil {
			return Result{}, err
		}
	}

	// Noise is drawn once per bucket over keys_in_reports ∪ keys_in_domain
	// and reused for both the threshold decision and the summary/debug
	// metric (spec §4.6 step 3: "the same draw MUST be reused").
	noiseDraws := make(map[aggregate.Bucket]float64, len(reportsKeys)+len(domainKeys))
	for b := range unionKeys(reportsKeys, domainKeys) {
		noiseDraws[b] = sampler.Sample()
	}

	passesThreshold := func(b aggregate.Bucket) bool {
		if !opts.ThresholdingEnabled {
			return true
		}
		return float64(sums[b])+noiseDraws[b] >= tau
	}

	summaryKeys := make(map[aggregate.Bucket]struct{})
	switch {
	case opts.Domain == nil:
		for b := range reportsKeys {
			if passesThreshold(b) {
				summaryKeys[b] = struct{}{}
			}
		}
	case !opts.DomainOptional:
		for b := range both {
			summaryKeys[b] = struct{}{}
		}
		for b := range domainOnly {
			summaryKeys[b] = struct{}{}
		}
	default:
		for b := range both {
			summaryKeys[b] = struct{}{}
		}
		for b := range domainOnly {
			summaryKeys[b] = struct{}{}
		}
		for b := range reportsOnly {
			if passesThreshold(b) {
				summaryKeys[b] = struct{}{}
			}
		}
	}

	summary := make([]aggregate.AggregatedFact, 0, len(summaryKeys))
	for b := range summaryKeys {
		unnoised := sums[b] // 0 for domain-only buckets
		summary = append(summary, aggregate.AggregatedFact{
			Bucket:         b,
			Metric:         clampToInt64(float64(unnoised) + noiseDraws[b]),
			UnnoisedMetric: unnoised,
		})
	}
	sortFacts(summary)

	var debug []aggregate.AggregatedFact
	if opts.DebugRun {
		allKeys := unionKeys(reportsKeys, domainKeys)
		debug = make([]aggregate.AggregatedFact, 0, len(allKeys))
		for b := range allKeys {
			unnoised := sums[b]
			fact := aggregate.AggregatedFact{
				Bucket:         b,
				Metric:         clampToInt64(float64(unnoised) + noiseDraws[b]),
				UnnoisedMetric: unnoised,
			}
			if _, ok := reportsKeys[b]; ok {
				fact.DebugAnnotations = append(fact.DebugAnnotations, aggregate.InReports)
			}
			if _, ok := domainKeys[b]; ok {
				fact.DebugAnnotations = append(fact.DebugAnnotations, aggregate.InDomain)
			}
			debug = append(debug, fact)
		}
		sortFacts(debug)
	}

	return Result{Summary: summary, Debug: debug}, nil
}

func partitionKeys(reports, domain map[aggregate.Bucket]struct{}) (both, reportsOnly, domainOnly map[aggregate.Bucket]struct{}) {
	both = make(map[aggregate.Bucket]struct{})
	reportsOnly = make(map[aggregate.Bucket]struct{})
	domainOnly = make(map[aggregate.Bucket]struct{})

	for b := range reports {
		if _, ok := domain[b]; ok {
			both[b] = struct{}{}
		} else {
			reportsOnly[b] = struct{}{}
		}
	}
	for b := range domain {
		if _, ok := reports[b]; !ok {
			domainOnly[b] = struct{}{}
		}
	}
	return both, reportsOnly, domainOnly
}

func unionKeys(sets ...map[aggregate.Bucket]struct{}) map[aggregate.Bucket]struct{} {
	out := make(map[aggregate.Bucket]struct{})
	for _, s := range sets {
		for b := range s {
			out[b] = struct{}{}
		}
	}
	return out
}

func sortFacts(facts []aggregate.AggregatedFact) {
	sort.Slice(facts, func(i, j int) bool {
		bi, bj := aggregate.BucketBytes(facts[i].Bucket), aggregate.BucketBytes(facts[j].Bucket)
		for k := range bi {
			if bi[k] != bj[k] {
				return bi[k] < bj[k]
			}
		}
		return false
	})
}

func clampToInt64(v float64) int64 {
	if v >= math.MaxInt64 {
		return math.MaxInt64
	}
	if v <= math.MinInt64 {
		return math.MinInt64
	}
	return int64(math.Round(v))
}
