// Package domain implements the Output-Domain Processor (C5): it streams
// Avro or text domain shards into the set of allowed bucket keys.
package domain

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/hamba/avro/v2/ocf"

	"github.com/google/aggregation-service-worker/internal/aggregate"
	"github.com/google/aggregation-service-worker/internal/blobstore"
)

// ErrNoShards is returned when the domain prefix matches no shards
// (spec §4.5, surfaced by the caller as INPUT_DATA_READ_FAILED).
var ErrNoShards = fmt.Errorf("domain: no shards matched bucket/prefix")

// domainRecord mirrors the fixed domain Avro schema (spec §6).
type domainRecord struct {
	Bucket []byte `avro:"bucket"`
}

// Set is the deduplicated set of allowed bucket keys.
type Set struct {
	mu      sync.Mutex
	buckets map[aggregate.Bucket]struct{}
}

func newSet() *Set { return &Set{buckets: make(map[aggregate.Bucket]struct{})} }

// NewSetFromBuckets builds a Set directly from a fixed bucket list,
// primarily useful for tests and for jobs with an inline domain.
func NewSetFromBuckets(buckets ...aggregate.Bucket) *Set {
	s := newSet()
	for _, b := range buckets {
		s.add(b)
	}
	return s
}

func (s *Set) add(b aggregate.Bucket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets[b] = struct{}{}
}

// Contains reports whether b is in the domain set.
func (s *Set) Contains(b aggregate.Bucket) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.buckets[b]
	return ok
}

// Buckets returns every distinct bucket in the domain set, unordered.
func (s *Set) Buckets() []aggregate.Bucket {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]aggregate.Bucket, 0, len(s.buckets))
	for b := range s.buckets {
		out = append(out, b)
	}
	return out
}

// Len reports the number of distinct buckets in the domain set.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

// Processor streams domain shards under {bucket, prefix} into a Set,
// dispatching Avro vs. text parsing on file extension.
type Processor struct {
	client       blobstore.Client
	parseWorkers int
}

// NewProcessor builds a domain processor. parseWorkers bounds the
// non-blocking pool used for parse+insert (spec §4.5); 0 means 4
// workers.
func NewProcessor(client blobstore.Client, parseWorkers int) *Processor {
	return &Processor{client: client, parseWorkers: parseWorkers}
}

// Load streams every shard under {bucket, prefix} and returns the
// resulting domain Set.
func (p *Processor) Load(ctx context.Context, bucket, prefix string) (*Set, error) {
	keys, err := blobstore.ListShards(ctx, p.client, bucket, prefix)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, ErrNoShards
	}

	result := newSet()
	sem := make(chan struct{}, p.workers())
	errCh := make(chan error, len(keys))
	var wg sync.WaitGroup

	for _, key := range keys {
		key := key
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := p.loadShard(ctx, bucket, key, result); err != nil {
				errCh <- err
			}
		}()
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		return nil, err
	}
	return result, nil
}

func (p *Processor) workers() int {
	if p.parseWorkers > 0 {
		return p.parseWorkers
	}
	return 4
}

func (p *Processor) loadShard(ctx context.Context, bucket, key string, into *Set) error {
	r, _, err := p.client.GetObject(ctx, bucket, key)
	if err != nil {
		return fmt.Errorf("domain: failed to open shard %s/%s: %w", bucket, key, err)
	}
	defer r.Close()

	if strings.EqualFold(path.Ext(key), ".avro") {
		return parseAvroDomain(r, into)
	}
	return parseTextDomain(r, into)
}

func parseAvroDomain(r io.Reader, into *Set) error {
	dec, err := ocf.NewDecoder(r)
	if err != nil {
		return fmt.Errorf("domain: malformed avro domain shard: %w", err)
	}
	for dec.HasNext() {
		var rec domainRecord
		if err := dec.Decode(&rec); err != nil {
			return fmt.Errorf("domain: malformed avro domain record: %w", err)
		}
		if len(rec.Bucket) != 16 {
			return fmt.Errorf("domain: bucket must be 16 bytes, got %d", len(rec.Bucket))
		}
		into.add(aggregate.BucketFromBytes(rec.Bucket))
	}
	if err := dec.Error(); err != nil {
		return fmt.Errorf("domain: malformed avro domain shard: %w", err)
	}
	return nil
}

func parseTextDomain(r io.Reader, into *Set) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		b, err := aggregate.BucketFromDecimalString(line)
		if err != nil {
			return fmt.Errorf("domain: malformed text domain record %q: %w", line, err)
		}
		into.add(b)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("domain: failed reading text domain shard: %w", err)
	}
	return nil
}
