// Package aggregate implements the in-memory Aggregation Engine (C4): a
// thread-safe, striped bucket -> (sum, privacy-budget-unit set) map.
package aggregate

import (
	"encoding/hex"
	"fmt"

	"lukechampine.com/uint128"
)

// Bucket is a 128-bit unsigned aggregation key (spec §3), ordered and
// serialized big-endian.
type Bucket = uint128.Uint128

// BucketBytes serializes a bucket as 16 big-endian bytes.
func BucketBytes(b Bucket) [16]byte {
	var out [16]byte
	hi, lo := b.Hi, b.Lo
	for i := 0; i < 8; i++ {
		out[7-i] = byte(hi >> (8 * i))
		out[15-i] = byte(lo >> (8 * i))
	}
	return out
}

// BucketFromBytes parses a bucket from 16 big-endian bytes, the inverse
// of BucketBytes.
func BucketFromBytes(b []byte) Bucket {
	var hi, lo uint64
	for i := 0; i < 8; i++ {
		hi = hi<<8 | uint64(b[i])
	}
	for i := 8; i < 16; i++ {
		lo = lo<<8 | uint64(b[i])
	}
	return uint128.New(lo, hi)
}

// BucketString renders a bucket as lowercase hex, used for logging and
// metrics labels only.
func BucketString(b Bucket) string {
	bytes := BucketBytes(b)
	return hex.EncodeToString(bytes[:])
}

// BucketFromDecimalString parses one US-ASCII decimal integer line from a
// text output-domain shard (spec §6).
func BucketFromDecimalString(s string) (Bucket, error) {
	b, err := uint128.FromString(s)
	if err != nil {
		return Bucket{}, fmt.Errorf("not a valid decimal uint128: %w", err)
	}
	return b, nil
}

// AnnotationKind tags an AggregatedFact's provenance in debug output
// (spec §3, §4.6).
type AnnotationKind string

const (
	InReports AnnotationKind = "IN_REPORTS"
	InDomain  AnnotationKind = "IN_DOMAIN"
)

// AggregatedFact is one output record (spec §3): a bucket's post-noise
// metric, its pre-noise sum, and (in debug runs) its provenance.
type AggregatedFact struct {
	Bucket            Bucket
	Metric            int64
	UnnoisedMetric    uint64
	DebugAnnotations  []AnnotationKind
}
