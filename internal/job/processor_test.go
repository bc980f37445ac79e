package job

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hamba/avro/v2/ocf"
	"github.com/stretchr/testify/require"
	"github.com/ugorji/go/codec"
	"golang.org/x/crypto/curve25519"
	"lukechampine.com/uint128"

	"github.com/google/aggregation-service-worker/internal/aggregate"
	"github.com/google/aggregation-service-worker/internal/blobstore"
	"github.com/google/aggregation-service-worker/internal/budget"
	"github.com/google/aggregation-service-worker/internal/config"
	"github.com/google/aggregation-service-worker/internal/crypto"
	"github.com/google/aggregation-service-worker/internal/report"
	"github.com/google/aggregation-service-worker/internal/resultlog"
)

// memBlobClient is an in-memory blobstore.Client fake, good enough for
// the orchestrator scenarios in spec §8 without a real object store.
type memBlobClient struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemBlobClient() *memBlobClient { return &memBlobClient{objects: map[string][]byte{}} }

func (c *memBlobClient) key(bucket, k string) string { return bucket + "/" + k }

func (c *memBlobClient) PutObject(_ context.Context, bucket, k string, r io.Reader, _ map[string]string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.objects[c.key(bucket, k)] = data
	return nil
}

func (c *memBlobClient) GetObject(_ context.Context, bucket, k string) (io.ReadCloser, map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.objects[c.key(bucket, k)]
	if !ok {
		return nil, nil, errors.New("not found")
	}
	return io.NopCloser(bytes.NewReader(data)), nil, nil
}

func (c *memBlobClient) DeleteObject(_ context.Context, bucket, k string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.objects, c.key(bucket, k))
	return nil
}

func (c *memBlobClient) HeadObject(context.Context, string, string) (map[string]string, error) {
	return nil, errors.New("not implemented")
}

func (c *memBlobClient) ListObjects(_ context.Context, bucket, prefix string, _ blobstore.ListOptions) ([]blobstore.ObjectInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	full := bucket + "/" + prefix
	var out []blobstore.ObjectInfo
	for k := range c.objects {
		if strings.HasPrefix(k, full) {
			out = append(out, blobstore.ObjectInfo{Key: strings.TrimPrefix(k, bucket+"/")})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (c *memBlobClient) get(bucket, k string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.objects[c.key(bucket, k)]
	return data, ok
}

// testFixture bundles a key pair and the shared hardware config used to
// seal synthetic reports.
type testFixture struct {
	keyID      string
	privateKey [32]byte
	publicKey  [32]byte
	hw         config.HardwareConfig
}

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()
	var priv [32]byte
	_, err := rand.Read(priv[:])
	require.NoError(t, err)
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	require.NoError(t, err)
	f := &testFixture{keyID: "key-1"}
	copy(f.privateKey[:], priv[:])
	copy(f.publicKey[:], pub)
	return f
}

func (f *testFixture) keyManager() *crypto.StaticKeyManager {
	return crypto.NewStaticKeyManager("static", map[string]crypto.StaticKeyEntry{
		f.keyID: {Version: 1, PrivateKey: f.privateKey[:]},
	})
}

type contributionFixture struct {
	bucket uint128.Uint128
	value  uint32
}

func encodeCBORPayload(t *testing.T, contributions []contributionFixture) []byte {
	t.Helper()
	type wireContribution struct {
		Bucket []byte `codec:"bucket"`
		Value  uint64 `codec:"value"`
	}
	type wirePayload struct {
		Data []wireContribution `codec:"data"`
	}
	wire := wirePayload{Data: make([]wireContribution, len(contributions))}
	for i, c := range contributions {
		b := aggregate.BucketBytes(c.bucket)
		wire.Data[i] = wireContribution{Bucket: b[:], Value: uint64(c.value)}
	}
	var handle codec.CborHandle
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, &handle)
	require.NoError(t, enc.Encode(wire))
	return buf.Bytes()
}

func sealReport(t *testing.T, f *testFixture, si report.SharedInfo, contributions []contributionFixture) report.EncryptedReport {
	t.Helper()
	siJSON := fixtureSharedInfoJSON(t, si)
	plaintext := encodeCBORPayload(t, contributions)
	payload, err := crypto.Seal(f.publicKey, []byte(siJSON), plaintext, f.hw)
	require.NoError(t, err)
	return report.EncryptedReport{Payload: payload, KeyID: f.keyID, SharedInfo: siJSON}
}

func fixtureSharedInfoJSON(t *testing.T, si report.SharedInfo) string {
	t.Helper()
	return `{"version":"` + si.Version + `","report_id":"` + si.ReportID + `","scheduled_report_time":"` +
		si.ScheduledReportTime.Format(time.RFC3339) + `","reporting_origin":"` + si.ReportingOrigin +
		`","api":"` + si.API + `"}`
}

const encryptedReportSchema = `{"type":"record","name":"EncryptedReport","fields":[` +
	`{"name":"payload","type":"bytes"},{"name":"key_id","type":"string"},{"name":"shared_info","type":"string"}]}`

func writeShard(t *testing.T, client *memBlobClient, bucket, key string, records []report.EncryptedReport) {
	t.Helper()
	var buf bytes.Buffer
	enc, err := ocf.NewEncoder(encryptedReportSchema, &buf)
	require.NoError(t, err)
	for _, rec := range records {
		require.NoError(t, enc.Encode(rec))
	}
	require.NoError(t, enc.Close())
	require.NoError(t, client.PutObject(context.Background(), bucket, key, &buf, nil))
}

func sharedInfo(reportID string) report.SharedInfo {
	return report.SharedInfo{
		Version:             "1.0",
		ReportID:            reportID,
		ScheduledReportTime: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
		ReportingOrigin:     "https://advertiser.example",
		API:                 "attribution-reporting",
	}
}

type fakeLedger struct {
	mu        sync.Mutex
	exhausted map[string]bool
	err       error
}

func (l *fakeLedger) Consume(_ context.Context, _, _ string, units []aggregate.PrivacyBudgetUnit) ([]aggregate.PrivacyBudgetUnit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	var exhausted []aggregate.PrivacyBudgetUnit
	for _, u := range units {
		if l.exhausted == nil {
			l.exhausted = map[string]bool{}
		}
		if l.exhausted[u.Key] {
			exhausted = append(exhausted, u)
		} else {
			l.exhausted[u.Key] = true
		}
	}
	return exhausted, nil
}

func newProcessor(t *testing.T, blob *memBlobClient, km *crypto.StaticKeyManager, ledger budget.LedgerClient) *Processor {
	t.Helper()
	return NewProcessor(Capabilities{
		Blob:                  blob,
		Keys:                  km,
		SupportedMajorVersion: "1",
		Bridge:                budget.NewBridge(ledger, nil),
		Writer:                resultlog.NewWriter(blob, 2, time.Millisecond),
	})
}

func baseParams() config.JobParams {
	return config.JobParams{
		AttributionReportTo:           "https://advertiser.example",
		InputBucket:                   "in",
		InputPrefix:                   "shards/",
		OutputBucket:                  "out",
		OutputPrefix:                  "results/job-1",
		Epsilon:                       10,
		Delta:                         1e-6,
		L1Sensitivity:                 1,
		Distribution:                  "laplace",
		ThresholdingEnabled:           false,
		ReportErrorThresholdPercentage: 10,
	}
}

func TestProcessor_HappyPath(t *testing.T) {
	blob := newMemBlobClient()
	fixture := newTestFixture(t)

	writeShard(t, blob, "in", "shards/shard-0.avro", []report.EncryptedReport{
		sealReport(t, fixture, sharedInfo("11111111-1111-1111-1111-111111111111"), []contributionFixture{{bucket: uint128.From64(1), value: 1}}),
		sealReport(t, fixture, sharedInfo("22222222-2222-2222-2222-222222222222"), []contributionFixture{{bucket: uint128.From64(1), value: 1}}),
	})
	writeShard(t, blob, "in", "shards/shard-1.avro", []report.EncryptedReport{
		sealReport(t, fixture, sharedInfo("33333333-3333-3333-3333-333333333333"), []contributionFixture{{bucket: uint128.From64(2), value: 4}}),
		sealReport(t, fixture, sharedInfo("44444444-4444-4444-4444-444444444444"), []contributionFixture{{bucket: uint128.From64(2), value: 4}}),
	})

	p := newProcessor(t, blob, fixture.keyManager(), &fakeLedger{})
	res, err := p.Run(context.Background(), "job-1", baseParams())
	require.NoError(t, err)
	require.Equal(t, Success, res.Code)
	require.Zero(t, res.TotalReportsWithErrors)

	_, ok := blob.get("out", "results/job-1-1-of-1")
	require.True(t, ok)
}

func TestProcessor_DomainJoinAddsDomainOnlyBucket(t *testing.T) {
	blob := newMemBlobClient()
	fixture := newTestFixture(t)

	writeShard(t, blob, "in", "shards/shard-0.avro", []report.EncryptedReport{
		sealReport(t, fixture, sharedInfo("11111111-1111-1111-1111-111111111111"), []contributionFixture{{bucket: uint128.From64(1), value: 1}}),
		sealReport(t, fixture, sharedInfo("22222222-2222-2222-2222-222222222222"), []contributionFixture{{bucket: uint128.From64(2), value: 4}}),
	})

	domainBytes := func(v uint64) []byte {
		b := aggregate.BucketBytes(uint128.From64(v))
		return b[:]
	}
	var buf bytes.Buffer
	schema := `{"type":"record","name":"DomainRecord","fields":[{"name":"bucket","type":"bytes"}]}`
	enc, err := ocf.NewEncoder(schema, &buf)
	require.NoError(t, err)
	require.NoError(t, enc.Encode(struct {
		Bucket []byte `avro:"bucket"`
	}{Bucket: domainBytes(3)}))
	require.NoError(t, enc.Close())
	require.NoError(t, blob.PutObject(context.Background(), "domain", "prefix/shard.avro", &buf, nil))

	params := baseParams()
	params.OutputDomainBucketName = "domain"
	params.OutputDomainBlobPrefix = "prefix/"

	p := newProcessor(t, blob, fixture.keyManager(), &fakeLedger{})
	res, err := p.Run(context.Background(), "job-2", params)
	require.NoError(t, err)
	require.Equal(t, Success, res.Code)

	raw, ok := blob.get("out", "results/job-1-1-of-1")
	require.True(t, ok)
	dec, err := ocf.NewDecoder(bytes.NewReader(raw))
	require.NoError(t, err)
	var buckets []uint128.Uint128
	for dec.HasNext() {
		var rec struct {
			Bucket []byte `avro:"bucket"`
			Metric int64  `avro:"metric"`
		}
		require.NoError(t, dec.Decode(&rec))
		buckets = append(buckets, aggregate.BucketFromBytes(rec.Bucket))
	}
	require.NoError(t, dec.Error())
	require.Contains(t, buckets, uint128.From64(3))
}

func TestProcessor_ErrorThresholdExceeded(t *testing.T) {
	blob := newMemBlobClient()
	fixture := newTestFixture(t)

	var records []report.EncryptedReport
	for i := 0; i < 6; i++ {
		records = append(records, sealReport(t, fixture, sharedInfo(uuidFor(i)), []contributionFixture{{bucket: uint128.From64(1), value: 1}}))
	}
	for i := 6; i < 10; i++ {
		bad := sealReport(t, fixture, sharedInfo(uuidFor(i)), []contributionFixture{{bucket: uint128.From64(1), value: 1}})
		bad.Payload[len(bad.Payload)-1] ^= 0xFF // corrupt ciphertext: AEAD open fails, a per-report DecryptionError
		records = append(records, bad)
	}
	writeShard(t, blob, "in", "shards/shard-0.avro", records)

	params := baseParams()
	params.ReportErrorThresholdPercentage = 20
	params.OutputPrefix = "results/job-3"

	p := newProcessor(t, blob, fixture.keyManager(), &fakeLedger{})
	res, err := p.Run(context.Background(), "job-3", params)
	require.Error(t, err)
	require.Equal(t, ReportsWithErrorsExceededThreshold, res.Code)

	_, ok := blob.get("out", "results/job-3-1-of-1")
	require.False(t, ok, "no output must be written when the threshold is exceeded")
}

func TestProcessor_BudgetExhaustedOnReplay(t *testing.T) {
	blob := newMemBlobClient()
	fixture := newTestFixture(t)

	writeShard(t, blob, "in", "shards/shard-0.avro", []report.EncryptedReport{
		sealReport(t, fixture, sharedInfo("11111111-1111-1111-1111-111111111111"), []contributionFixture{{bucket: uint128.From64(1), value: 1}}),
	})

	ledger := &fakeLedger{}
	p := newProcessor(t, blob, fixture.keyManager(), ledger)

	first, err := p.Run(context.Background(), "job-4", baseParams())
	require.NoError(t, err)
	require.Equal(t, Success, first.Code)

	second, err := p.Run(context.Background(), "job-4-replay", baseParams())
	require.Error(t, err)
	require.Equal(t, PrivacyBudgetExhausted, second.Code)
}

func TestProcessor_DebugRunWithExhaustedBudgetStillWritesOutput(t *testing.T) {
	blob := newMemBlobClient()
	fixture := newTestFixture(t)

	writeShard(t, blob, "in", "shards/shard-0.avro", []report.EncryptedReport{
		sealReport(t, fixture, sharedInfo("11111111-1111-1111-1111-111111111111"), []contributionFixture{{bucket: uint128.From64(1), value: 1}}),
	})

	ledger := &fakeLedger{}
	p := newProcessor(t, blob, fixture.keyManager(), ledger)

	_, err := p.Run(context.Background(), "job-5", baseParams())
	require.NoError(t, err)

	params := baseParams()
	params.DebugRun = true
	params.OutputPrefix = "results/job-5-replay"
	res, err := p.Run(context.Background(), "job-5-replay", params)
	require.NoError(t, err)
	require.Equal(t, DebugSuccessWithPrivacyBudgetExhausted, res.Code)

	_, ok := blob.get("out", "results/job-5-replay-1-of-1")
	require.True(t, ok)
	_, ok = blob.get("out", "results/debug_job-5-replay-1-of-1")
	require.True(t, ok)
}

func TestProcessor_NoInputShardsFailsFast(t *testing.T) {
	blob := newMemBlobClient()
	fixture := newTestFixture(t)
	p := newProcessor(t, blob, fixture.keyManager(), &fakeLedger{})

	res, err := p.Run(context.Background(), "job-6", baseParams())
	require.Error(t, err)
	require.Equal(t, InputDataReadFailed, res.Code)
}

func uuidFor(i int) string {
	const alphabet = "0123456789abcdef"
	b := []byte("00000000-0000-0000-0000-000000000000")
	pos := len(b) - 1
	n := i
	for n > 0 && pos >= 0 {
		if b[pos] == '-' {
			pos--
			continue
		}
		b[pos] = alphabet[n%16]
		n /= 16
		pos--
	}
	return string(b)
}
