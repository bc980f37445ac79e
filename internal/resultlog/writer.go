// Package resultlog implements the Result Logger (C8): writing summary
// and, for debug runs, debug output shards to the configured blob store.
package resultlog

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/google/aggregation-service-worker/internal/aggregate"
	"github.com/google/aggregation-service-worker/internal/blobstore"
	"github.com/google/aggregation-service-worker/internal/report"
)

// WriteError maps to job code RESULT_WRITE_ERROR.
type WriteError struct {
	Key   string
	Cause error
}

func (e *WriteError) Error() string { return fmt.Sprintf("result write failed for %s: %v", e.Key, e.Cause) }
func (e *WriteError) Unwrap() error { return e.Cause }

// Writer persists aggregation results as Avro OCF shards.
type Writer struct {
	client    blobstore.Client
	maxRetry  int
	baseDelay time.Duration
}

// NewWriter builds a Writer over client.
func NewWriter(client blobstore.Client, maxRetry int, baseDelay time.Duration) *Writer {
	return &Writer{client: client, maxRetry: maxRetry, baseDelay: baseDelay}
}

// WriteSummary encodes facts as a summary shard at bucket/prefix and
// writes it with retry. Facts must already be sorted by the caller's
// desired order; WriteSummary does not reorder them.
func (w *Writer) WriteSummary(ctx context.Context, bucket, prefix string, facts []aggregate.AggregatedFact) error {
	key := shardKey(prefix, "summary")
	return w.writeShard(ctx, bucket, key, func(buf *bytes.Buffer) error {
		enc, err := report.NewSummaryEncoder(buf)
		if err != nil {
			return err
		}
		for _, f := range facts {
			if err := enc.Write(f); err != nil {
				return err
			}
		}
		return enc.Close()
	})
}

// WriteDebug encodes facts (with debug annotations) as a debug shard at
// bucket/prefix and writes it with retry. Called only for debug runs
// (spec §4.8).
func (w *Writer) WriteDebug(ctx context.Context, bucket, prefix string, facts []aggregate.AggregatedFact) error {
	key := shardKey(prefix, "debug")
	return w.writeShard(ctx, bucket, key, func(buf *bytes.Buffer) error {
		enc, err := report.NewDebugEncoder(buf)
		if err != nil {
			return err
		}
		for _, f := range facts {
			if err := enc.Write(f); err != nil {
				return err
			}
		}
		return enc.Close()
	})
}

func (w *Writer) writeShard(ctx context.Context, bucket, key string, encode func(*bytes.Buffer) error) error {
	var buf bytes.Buffer
	if err := encode(&buf); err != nil {
		return &WriteError{Key: key, Cause: err}
	}
	payload := buf.Bytes()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.baseDelay
	policy := backoff.WithMaxRetries(bo, uint64(w.maxRetry))

	op := func() error {
		return w.client.PutObject(ctx, bucket, key, bytes.NewReader(payload), map[string]string{
			"content-type": "application/avro-ocf",
		})
	}

	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return &WriteError{Key: key, Cause: err}
	}
	return nil
}

// shardKey derives the summary shard's name as <output_prefix>-1-of-1 and,
// for debug shards, inserts a debug_ segment before the file name
// (spec §4.8).
func shardKey(prefix, kind string) string {
	dir, base := path.Split(prefix)
	name := base + "-1-of-1"
	if kind == "debug" {
		name = "debug_" + name
	}
	return dir + name
}

// SortedFacts returns facts sorted ascending by the bucket's big-endian
// byte representation, the only defined output ordering.
func SortedFacts(facts []aggregate.AggregatedFact) []aggregate.AggregatedFact {
	out := make([]aggregate.AggregatedFact, len(facts))
	copy(out, facts)
	sort.Slice(out, func(i, j int) bool {
		bi := aggregate.BucketBytes(out[i].Bucket)
		bj := aggregate.BucketBytes(out[j].Bucket)
		return bytes.Compare(bi[:], bj[:]) < 0
	})
	return out
}
