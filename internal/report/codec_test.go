package report

import (
	"bytes"
	"testing"

	"github.com/hamba/avro/v2/ocf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ugorji/go/codec"
	"lukechampine.com/uint128"

	"github.com/google/aggregation-service-worker/internal/aggregate"
)

func TestDecodePayload_RoundTrip(t *testing.T) {
	bucket := aggregate.BucketBytes(uint128.From64(42))

	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, &cborHandle)
	require.NoError(t, enc.Encode(cborPayload{
		Data: []cborContribution{
			{Bucket: bucket[:], Value: 7},
		},
	}))

	payload, err := DecodePayload(buf.Bytes())
	require.NoError(t, err)
	require.Len(t, payload.Contributions, 1)
	assert.Equal(t, uint128.From64(42), payload.Contributions[0].Bucket)
	assert.Equal(t, uint32(7), payload.Contributions[0].Value)
}

func TestDecodePayload_RejectsShortBucket(t *testing.T) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, &cborHandle)
	require.NoError(t, enc.Encode(cborPayload{
		Data: []cborContribution{{Bucket: []byte{1, 2, 3}, Value: 1}},
	}))

	_, err := DecodePayload(buf.Bytes())
	require.Error(t, err)
}

func TestSummaryEncoder_WriteThenDecode(t *testing.T) {
	var buf bytes.Buffer
	enc, err := NewSummaryEncoder(&buf)
	require.NoError(t, err)

	facts := []aggregate.AggregatedFact{
		{Bucket: uint128.From64(1), Metric: 2, UnnoisedMetric: 2},
		{Bucket: uint128.From64(2), Metric: 8, UnnoisedMetric: 8},
	}
	for _, f := range facts {
		require.NoError(t, enc.Write(f))
	}
	require.NoError(t, enc.Close())
	assert.True(t, buf.Len() > 0)

	dec, err := ocf.NewDecoder(&buf)
	require.NoError(t, err)
	var got []summaryRecord
	for dec.HasNext() {
		var rec summaryRecord
		require.NoError(t, dec.Decode(&rec))
		got = append(got, rec)
	}
	require.NoError(t, dec.Error())
	require.Len(t, got, 2)
	assert.Equal(t, uint128.From64(1), aggregate.BucketFromBytes(got[0].Bucket))
	assert.Equal(t, int64(2), got[0].Metric)
	assert.Equal(t, uint128.From64(2), aggregate.BucketFromBytes(got[1].Bucket))
	assert.Equal(t, int64(8), got[1].Metric)
}

func TestBucketRoundTrip_Bijection(t *testing.T) {
	for _, v := range []uint128.Uint128{uint128.Zero, uint128.Max, uint128.From64(1), uint128.From64(12345)} {
		b := aggregate.BucketBytes(v)
		got := aggregate.BucketFromBytes(b[:])
		assert.Equal(t, v, got)
	}
}
