package report

import (
	"fmt"
	"io"

	"github.com/hamba/avro/v2"
	"github.com/hamba/avro/v2/ocf"
	"github.com/ugorji/go/codec"

	"github.com/google/aggregation-service-worker/internal/aggregate"
)

// CorruptShard wraps a codec-level failure reading an input shard. Fatal
// for the shard's job (surfaced as INPUT_DATA_READ_FAILED, spec §4.1).
type CorruptShard struct {
	Cause error
}

func (e *CorruptShard) Error() string { return fmt.Sprintf("corrupt shard: %v", e.Cause) }
func (e *CorruptShard) Unwrap() error { return e.Cause }

// Decoder wraps an Avro Object Container File reader, yielding
// EncryptedReport records one at a time. Non-restartable (spec §4.1).
type Decoder struct {
	reader *ocf.Decoder
}

// NewDecoder opens r as an Avro OCF stream of EncryptedReport records.
func NewDecoder(r io.Reader) (*Decoder, error) {
	dec, err := ocf.NewDecoder(r)
	if err != nil {
		return nil, &CorruptShard{Cause: err}
	}
	return &Decoder{reader: dec}, nil
}

// Next returns the next record, or ok=false when the shard is exhausted.
func (d *Decoder) Next() (EncryptedReport, bool, error) {
	if !d.reader.HasNext() {
		if err := d.reader.Error(); err != nil {
			return EncryptedReport{}, false, &CorruptShard{Cause: err}
		}
		return EncryptedReport{}, false, nil
	}

	var rec EncryptedReport
	if err := d.reader.Decode(&rec); err != nil {
		return EncryptedReport{}, false, &CorruptShard{Cause: err}
	}
	return rec, true, nil
}

var cborHandle codec.CborHandle

// cborContribution mirrors the wire shape `{"data": [{"bucket": bstr(16), "value": uint}]}`.
type cborContribution struct {
	Bucket []byte `codec:"bucket"`
	Value  uint64 `codec:"value"`
}

type cborPayload struct {
	Data []cborContribution `codec:"data"`
}

// DecodePayload CBOR-decodes a report's decrypted payload bytes into the
// structured Payload (spec §3, §6).
func DecodePayload(raw []byte) (Payload, error) {
	var wire cborPayload
	dec := codec.NewDecoderBytes(raw, &cborHandle)
	if err := dec.Decode(&wire); err != nil {
		return Payload{}, fmt.Errorf("malformed CBOR payload: %w", err)
	}

	out := Payload{Contributions: make([]Contribution, 0, len(wire.Data))}
	for _, c := range wire.Data {
		if len(c.Bucket) != 16 {
			return Payload{}, fmt.Errorf("contribution bucket must be 16 bytes, got %d", len(c.Bucket))
		}
		out.Contributions = append(out.Contributions, Contribution{
			Bucket: aggregate.BucketFromBytes(c.Bucket),
			Value:  uint32(c.Value),
		})
	}
	return out, nil
}

var (
	summarySchema = avro.MustParse(`{
		"type": "record",
		"name": "SummaryFact",
		"fields": [
			{"name": "bucket", "type": "bytes"},
			{"name": "metric", "type": "long"}
		]
	}`)

	debugSchema = avro.MustParse(`{
		"type": "record",
		"name": "DebugFact",
		"fields": [
			{"name": "bucket", "type": "bytes"},
			{"name": "metric", "type": "long"},
			{"name": "unnoised_metric", "type": "long"},
			{"name": "annotations", "type": {"type": "array", "items": "string"}}
		]
	}`)
)

type summaryRecord struct {
	Bucket []byte `avro:"bucket"`
	Metric int64  `avro:"metric"`
}

type debugRecord struct {
	Bucket         []byte   `avro:"bucket"`
	Metric         int64    `avro:"metric"`
	UnnoisedMetric int64    `avro:"unnoised_metric"`
	Annotations    []string `avro:"annotations"`
}

// SummaryEncoder writes AggregatedFact records as a summary Avro OCF,
// ascending by bucket big-endian bytes (the caller is responsible for
// sorting; see aggregate.Engine.Buckets / noise.Result).
type SummaryEncoder struct {
	enc *ocf.Encoder
}

// NewSummaryEncoder opens w for writing the summary shard.
func NewSummaryEncoder(w io.Writer) (*SummaryEncoder, error) {
	enc, err := ocf.NewEncoder(summarySchema.String(), w, ocf.WithCodec(ocf.Deflate))
	if err != nil {
		return nil, fmt.Errorf("failed to open summary encoder: %w", err)
	}
	return &SummaryEncoder{enc: enc}, nil
}

// Write appends one fact to the summary shard.
func (e *SummaryEncoder) Write(f aggregate.AggregatedFact) error {
	b := aggregate.BucketBytes(f.Bucket)
	return e.enc.Encode(summaryRecord{Bucket: b[:], Metric: f.Metric})
}

// Close flushes and closes the underlying OCF stream.
func (e *SummaryEncoder) Close() error { return e.enc.Close() }

// DebugEncoder writes AggregatedFact records (with annotations) as the
// debug Avro OCF.
type DebugEncoder struct {
	enc *ocf.Encoder
}

// NewDebugEncoder opens w for writing the debug shard.
func NewDebugEncoder(w io.Writer) (*DebugEncoder, error) {
	enc, err := ocf.NewEncoder(debugSchema.String(), w, ocf.WithCodec(ocf.Deflate))
	if err != nil {
		return nil, fmt.Errorf("failed to open debug encoder: %w", err)
	}
	return &DebugEncoder{enc: enc}, nil
}

// Write appends one annotated fact to the debug shard.
func (e *DebugEncoder) Write(f aggregate.AggregatedFact) error {
	b := aggregate.BucketBytes(f.Bucket)
	annotations := make([]string, len(f.DebugAnnotations))
	for i, a := range f.DebugAnnotations {
		annotations[i] = string(a)
	}
	return e.enc.Encode(debugRecord{
		Bucket:         b[:],
		Metric:         f.Metric,
		UnnoisedMetric: int64(f.UnnoisedMetric),
		Annotations:    annotations,
	})
}

// Close flushes and closes the underlying OCF stream.
func (e *DebugEncoder) Close() error { return e.enc.Close() }
