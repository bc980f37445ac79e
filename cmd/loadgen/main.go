// Command loadgen drives synthetic jobs through the aggregation worker's
// in-process pipeline and checks wall-clock regressions against a stored
// baseline.
package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hamba/avro/v2/ocf"
	"github.com/sirupsen/logrus"
	"github.com/ugorji/go/codec"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/perf/benchstat"
	"lukechampine.com/uint128"

	"github.com/google/aggregation-service-worker/internal/aggregate"
	"github.com/google/aggregation-service-worker/internal/blobstore"
	"github.com/google/aggregation-service-worker/internal/budget"
	"github.com/google/aggregation-service-worker/internal/config"
	"github.com/google/aggregation-service-worker/internal/crypto"
	"github.com/google/aggregation-service-worker/internal/job"
	"github.com/google/aggregation-service-worker/internal/report"
	"github.com/google/aggregation-service-worker/internal/resultlog"
)

func main() {
	var (
		jobs           = flag.Int("jobs", 20, "number of synthetic jobs to run")
		reportsPerJob  = flag.Int("reports-per-job", 2000, "encrypted reports per job")
		shardsPerJob   = flag.Int("shards-per-job", 4, "input shards per job")
		baselineDir    = flag.String("baseline-dir", "testdata/baselines", "directory holding the stored baseline")
		threshold      = flag.Float64("threshold", 10.0, "regression threshold percentage on mean job duration")
		updateBaseline = flag.Bool("update-baseline", false, "write this run's results as the new baseline instead of comparing")
		verbose        = flag.Bool("verbose", false, "enable verbose logging")
	)
	flag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	durations, err := runJobs(*jobs, *reportsPerJob, *shardsPerJob, logger)
	if err != nil {
		log.Fatalf("load run failed: %v", err)
	}

	current := formatBenchmark("JobRun", durations)
	baselinePath := filepath.Join(*baselineDir, "job_run.txt")

	if *updateBaseline {
		if err := os.MkdirAll(*baselineDir, 0o755); err != nil {
			log.Fatalf("create baseline dir: %v", err)
		}
		if err := os.WriteFile(baselinePath, current, 0o644); err != nil {
			log.Fatalf("write baseline: %v", err)
		}
		fmt.Printf("baseline updated: %s\n", baselinePath)
		return
	}

	baseline, err := os.ReadFile(baselinePath)
	if err != nil {
		log.Fatalf("no baseline found at %s; run with -update-baseline first: %v", baselinePath, err)
	}

	printComparisonTable(baseline, current)

	delta := percentDelta(meanNsPerOp(baseline), meanNsPerOp(current))
	fmt.Printf("mean job duration delta vs baseline: %+.2f%%\n", delta)
	if delta > *threshold {
		log.Fatalf("regression detected: delta %.2f%% exceeds threshold %.2f%%", delta, *threshold)
	}
}

// printComparisonTable renders benchstat's statistical comparison table for
// human inspection; the pass/fail decision itself uses a plain mean so it
// does not depend on benchstat's internal table shape.
func printComparisonTable(baseline, current []byte) {
	c := &benchstat.Collection{Alpha: 0.05, DeltaTest: benchstat.UTest}
	if _, err := c.AddFile("baseline", bytes.NewReader(baseline)); err != nil {
		log.Printf("benchstat: parse baseline: %v", err)
		return
	}
	if _, err := c.AddFile("current", bytes.NewReader(current)); err != nil {
		log.Printf("benchstat: parse current: %v", err)
		return
	}
	benchstat.FormatText(os.Stdout, c.Tables())
}

func meanNsPerOp(data []byte) float64 {
	var sum float64
	var n int
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 4 || fields[3] != "ns/op" {
			continue
		}
		var v float64
		if _, err := fmt.Sscanf(fields[2], "%f", &v); err == nil {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func percentDelta(baseline, current float64) float64 {
	if baseline == 0 {
		return 0
	}
	return (current - baseline) / baseline * 100
}

// runJobs runs n synthetic jobs sequentially against an in-memory blob
// store and returns each job's wall-clock duration.
func runJobs(n, reportsPerJob, shardsPerJob int, logger *logrus.Logger) ([]time.Duration, error) {
	fixture := newKeyFixture()
	durations := make([]time.Duration, 0, n)

	for i := 0; i < n; i++ {
		blob := newSyntheticBlobClient()
		seedShards(blob, fixture, reportsPerJob, shardsPerJob)

		proc := job.NewProcessor(job.Capabilities{
			Blob:                  blob,
			Keys:                  fixture.keyManager(),
			SupportedMajorVersion: "1",
			Bridge:                budget.NewBridge(&acceptAllLedger{}, nil),
			Writer:                resultlog.NewWriter(blob, 1, time.Millisecond),
			Logger:                logger,
		})

		params := config.JobParams{
			AttributionReportTo:           "https://advertiser.example",
			InputBucket:                   "in",
			InputPrefix:                   "shards/",
			OutputBucket:                  "out",
			OutputPrefix:                  fmt.Sprintf("job-%d", i),
			Epsilon:                       10,
			Delta:                         1e-6,
			L1Sensitivity:                 1,
			Distribution:                  "laplace",
			ReportErrorThresholdPercentage: 100,
		}

		start := time.Now()
		result, err := proc.Run(context.Background(), fmt.Sprintf("loadgen-%d", i), params)
		elapsed := time.Since(start)
		if err != nil && result == nil {
			return nil, fmt.Errorf("job %d: %w", i, err)
		}
		durations = append(durations, elapsed)
		logger.WithField("job", i).WithField("duration", elapsed).Debug("synthetic job finished")
	}

	return durations, nil
}

// formatBenchmark renders durations in the standard Go benchmark text
// format consumed by benchstat.
func formatBenchmark(name string, durations []time.Duration) []byte {
	var buf bytes.Buffer
	for i, d := range durations {
		fmt.Fprintf(&buf, "Benchmark%s-%d 1 %d ns/op\n", name, i+1, d.Nanoseconds())
	}
	return buf.Bytes()
}

type keyFixture struct {
	keyID      string
	privateKey [32]byte
	publicKey  [32]byte
}

func newKeyFixture() *keyFixture {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		log.Fatalf("generate key: %v", err)
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		log.Fatalf("derive public key: %v", err)
	}
	f := &keyFixture{keyID: "loadgen-key"}
	copy(f.privateKey[:], priv[:])
	copy(f.publicKey[:], pub)
	return f
}

func (f *keyFixture) keyManager() *crypto.StaticKeyManager {
	return crypto.NewStaticKeyManager("static", map[string]crypto.StaticKeyEntry{
		f.keyID: {Version: 1, PrivateKey: f.privateKey[:]},
	})
}

const encryptedReportSchema = `{"type":"record","name":"EncryptedReport","fields":[` +
	`{"name":"payload","type":"bytes"},{"name":"key_id","type":"string"},{"name":"shared_info","type":"string"}]}`

func seedShards(blob *syntheticBlobClient, f *keyFixture, reportsPerJob, shardsPerJob int) {
	perShard := reportsPerJob / shardsPerJob
	if perShard == 0 {
		perShard = 1
	}
	seq := 0
	for s := 0; s < shardsPerJob; s++ {
		var buf bytes.Buffer
		enc, err := ocf.NewEncoder(encryptedReportSchema, &buf)
		if err != nil {
			log.Fatalf("build shard encoder: %v", err)
		}
		for i := 0; i < perShard; i++ {
			seq++
			rec := sealedReport(f, seq)
			if err := enc.Encode(rec); err != nil {
				log.Fatalf("encode report: %v", err)
			}
		}
		if err := enc.Close(); err != nil {
			log.Fatalf("close shard encoder: %v", err)
		}
		key := fmt.Sprintf("shards/shard-%d.avro", s)
		_ = blob.PutObject(context.Background(), "in", key, &buf, nil)
	}
}

func sealedReport(f *keyFixture, seq int) report.EncryptedReport {
	si := report.SharedInfo{
		Version:             "1.0",
		ReportID:            uuidFor(seq),
		ScheduledReportTime: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
		ReportingOrigin:     "https://advertiser.example",
		API:                 "attribution-reporting",
	}
	siJSON := `{"version":"` + si.Version + `","report_id":"` + si.ReportID + `","scheduled_report_time":"` +
		si.ScheduledReportTime.Format(time.RFC3339) + `","reporting_origin":"` + si.ReportingOrigin +
		`","api":"` + si.API + `"}`

	bucket := uint128.From64(uint64(seq % 64))
	b := aggregate.BucketBytes(bucket)
	type wireContribution struct {
		Bucket []byte `codec:"bucket"`
		Value  uint64 `codec:"value"`
	}
	type wirePayload struct {
		Data []wireContribution `codec:"data"`
	}
	wire := wirePayload{Data: []wireContribution{{Bucket: b[:], Value: 1}}}
	var cborBuf bytes.Buffer
	var handle codec.CborHandle
	if err := codec.NewEncoder(&cborBuf, &handle).Encode(wire); err != nil {
		log.Fatalf("encode payload: %v", err)
	}

	payload, err := crypto.Seal(f.publicKey, []byte(siJSON), cborBuf.Bytes(), config.HardwareConfig{})
	if err != nil {
		log.Fatalf("seal report: %v", err)
	}
	return report.EncryptedReport{Payload: payload, KeyID: f.keyID, SharedInfo: siJSON}
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

type acceptAllLedger struct{}

func (l *acceptAllLedger) Consume(context.Context, string, string, []aggregate.PrivacyBudgetUnit) ([]aggregate.PrivacyBudgetUnit, error) {
	return nil, nil
}

// syntheticBlobClient is a minimal in-memory blobstore.Client, good enough
// to drive the pipeline without a real object store in the load generator.
type syntheticBlobClient struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newSyntheticBlobClient() *syntheticBlobClient {
	return &syntheticBlobClient{objects: map[string][]byte{}}
}

func (c *syntheticBlobClient) key(bucket, k string) string { return bucket + "/" + k }

func (c *syntheticBlobClient) PutObject(_ context.Context, bucket, k string, r io.Reader, _ map[string]string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.objects[c.key(bucket, k)] = data
	return nil
}

func (c *syntheticBlobClient) GetObject(_ context.Context, bucket, k string) (io.ReadCloser, map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.objects[c.key(bucket, k)]
	if !ok {
		return nil, nil, fmt.Errorf("object not found: %s/%s", bucket, k)
	}
	return io.NopCloser(bytes.NewReader(data)), nil, nil
}

func (c *syntheticBlobClient) DeleteObject(_ context.Context, bucket, k string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.objects, c.key(bucket, k))
	return nil
}

func (c *syntheticBlobClient) HeadObject(context.Context, string, string) (map[string]string, error) {
	return nil, fmt.Errorf("head not supported by loadgen's synthetic blob client")
}

func (c *syntheticBlobClient) ListObjects(_ context.Context, bucket, prefix string, _ blobstore.ListOptions) ([]blobstore.ObjectInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	full := bucket + "/" + prefix
	var out []blobstore.ObjectInfo
	for k := range c.objects {
		if strings.HasPrefix(k, full) {
			out = append(out, blobstore.ObjectInfo{Key: strings.TrimPrefix(k, bucket+"/")})
		}
	}
	return out, nil
}

var _ blobstore.Client = (*syntheticBlobClient)(nil)
