package job

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/google/aggregation-service-worker/internal/aggregate"
	"github.com/google/aggregation-service-worker/internal/audit"
	"github.com/google/aggregation-service-worker/internal/blobstore"
	"github.com/google/aggregation-service-worker/internal/budget"
	"github.com/google/aggregation-service-worker/internal/config"
	"github.com/google/aggregation-service-worker/internal/crypto"
	"github.com/google/aggregation-service-worker/internal/domain"
	"github.com/google/aggregation-service-worker/internal/metrics"
	"github.com/google/aggregation-service-worker/internal/noise"
	"github.com/google/aggregation-service-worker/internal/report"
	"github.com/google/aggregation-service-worker/internal/resultlog"
	"github.com/google/aggregation-service-worker/internal/validate"
)

var tracer = otel.Tracer("github.com/google/aggregation-service-worker/internal/job")

// Capabilities are the collaborators a Processor needs, configured once at
// job construction (spec §9 design note: dependency wiring as capability
// objects, not runtime DI).
type Capabilities struct {
	Blob                   blobstore.Client
	Keys                   crypto.KeyManager
	Hardware               config.HardwareConfig
	SupportedMajorVersion  string
	ExtraValidatorRules    []validate.Rule
	Bridge                 *budget.Bridge
	Writer                 *resultlog.Writer
	DomainParseWorkers     int
	BlockingPoolSize       int
	NonBlockingPoolSize    int
	Logger                 *logrus.Logger
	Metrics                *metrics.Metrics
	Audit                  audit.Logger
	Rand                   *rand.Rand
}

// Processor is the Processor (C9): the pipeline orchestrator.
type Processor struct {
	caps Capabilities
}

// NewProcessor builds a Processor over the given capabilities.
func NewProcessor(caps Capabilities) *Processor {
	if caps.Logger == nil {
		caps.Logger = logrus.StandardLogger()
	}
	return &Processor{caps: caps}
}

// Result is the outcome of one job run (spec §4.9 step 7).
type Result struct {
	Code                   ReturnCode
	ErrorCounts            map[string]uint64
	TotalReportsSeen       uint64
	TotalReportsWithErrors uint64
}

func (p *Processor) nonBlockingSize() int {
	if p.caps.NonBlockingPoolSize > 0 {
		return p.caps.NonBlockingPoolSize
	}
	return 4 * runtime.GOMAXPROCS(0)
}

func (p *Processor) blockingSize() int {
	if p.caps.BlockingPoolSize > 0 {
		return p.caps.BlockingPoolSize
	}
	return runtime.GOMAXPROCS(0)
}

func (p *Processor) logState(jobID string, s State) {
	p.caps.Logger.WithFields(logrus.Fields{"job_id": jobID, "state": s}).Info("job state transition")
	if p.caps.Audit != nil {
		p.caps.Audit.LogStateTransition(jobID, string(s))
	}
}

// Run executes the full pipeline for one job and returns its terminal
// Result. When the job fails, the Result carries the failure's return code
// and the error is the *Failure itself; the Result is never nil.
func (p *Processor) Run(ctx context.Context, jobID string, params config.JobParams) (*Result, error) {
	start := time.Now()
	p.logState(jobID, StateInit)

	chain := validate.NewDefaultChain(p.caps.SupportedMajorVersion, p.caps.ExtraValidatorRules...)
	decryptor := crypto.NewHybridDecryptor(p.caps.Keys, p.caps.Hardware)
	engine := aggregate.NewEngine()
	counters := NewErrorCounters()

	p.logState(jobID, StateReading)
	ctxReading, span := tracer.Start(ctx, "job.state.READING")
	readErr := p.runReadingPhase(ctxReading, jobID, params, engine, counters, decryptor, chain)
	span.End()
	if readErr != nil {
		return p.failed(jobID, readErr, time.Since(start))
	}

	if major, ok := counters.SoleUnsupportedMajorVersion(); ok && major != p.caps.SupportedMajorVersion {
		return p.failed(jobID, fail(UnsupportedReportVersion, fmt.Sprintf("all reports share unsupported major version %q", major), nil), time.Since(start))
	}

	p.logState(jobID, StateAggregating)
	engine.Freeze()

	var domainSet *domain.Set
	if params.OutputDomainBucketName != "" {
		p.logState(jobID, StateDomainJoin)
		ctxDomain, span := tracer.Start(ctx, "job.state.DOMAIN_JOIN")
		dp := domain.NewProcessor(p.caps.Blob, p.caps.DomainParseWorkers)
		set, err := dp.Load(ctxDomain, params.OutputDomainBucketName, params.OutputDomainBlobPrefix)
		span.End()
		if err != nil {
			return p.failed(jobID, fail(InputDataReadFailed, "failed to load output domain", err), time.Since(start))
		}
		domainSet = set
	}

	p.logState(jobID, StateNoising)
	_, span = tracer.Start(ctx, "job.state.NOISING")
	noiseResult, err := noise.Run(engine, noise.Options{
		Params: noise.Params{
			Epsilon:       params.Epsilon,
			Delta:         params.Delta,
			L1Sensitivity: params.L1Sensitivity,
			Distribution:  noise.Distribution(params.Distribution),
		},
		Domain:              domainSet,
		DebugRun:            params.DebugRun,
		DomainOptional:      params.DomainOptional,
		ThresholdingEnabled: params.ThresholdingEnabled,
		Rand:                p.caps.Rand,
	})
	span.End()
	if err != nil {
		return p.failed(jobID, fail(InternalErrorCode, "noise runner failed", err), time.Since(start))
	}

	p.logState(jobID, StateBudgeting)
	ctxBudget, span := tracer.Start(ctx, "job.state.BUDGETING")
	units, err := engine.Units()
	if err != nil {
		span.End()
		return p.failed(jobID, fail(InternalErrorCode, "failed to collect privacy budget units", err), time.Since(start))
	}
	exhausted, budgetErr := p.caps.Bridge.Consume(ctxBudget, jobID, params.AttributionReportTo, units)
	span.End()
	if p.caps.Metrics != nil {
		p.caps.Metrics.RecordBudgetOutcome(len(units)-len(exhausted), len(exhausted), false)
	}
	if p.caps.Audit != nil {
		p.caps.Audit.LogBudgetConsume(jobID, len(units)-len(exhausted), len(exhausted), budgetErr == nil, budgetErr, time.Since(start))
	}

	debugBudgetOverride := ReturnCode("")
	if budgetErr != nil {
		if params.DebugRun {
			debugBudgetOverride = DebugSuccessWithPrivacyBudgetError
		} else {
			return p.failed(jobID, classifyBudgetError(budgetErr), time.Since(start))
		}
	} else if len(exhausted) > 0 {
		if params.DebugRun {
			debugBudgetOverride = DebugSuccessWithPrivacyBudgetExhausted
		} else {
			return p.failed(jobID, fail(PrivacyBudgetExhausted, fmt.Sprintf("%d privacy budget units exhausted", len(exhausted)), nil), time.Since(start))
		}
	}

	p.logState(jobID, StateWriting)
	ctxWrite, span := tracer.Start(ctx, "job.state.WRITING")
	writeStart := time.Now()
	summary := resultlog.SortedFacts(noiseResult.Summary)
	writeErr := p.caps.Writer.WriteSummary(ctxWrite, params.OutputBucket, params.OutputPrefix, summary)
	if p.caps.Metrics != nil {
		p.caps.Metrics.RecordResultWrite("summary", time.Since(writeStart), writeErr)
	}
	if p.caps.Audit != nil {
		p.caps.Audit.LogResultWrite(jobID, "summary", writeErr == nil, writeErr, time.Since(writeStart))
	}
	if writeErr == nil && params.DebugRun {
		debugStart := time.Now()
		debugFacts := resultlog.SortedFacts(noiseResult.Debug)
		writeErr = p.caps.Writer.WriteDebug(ctxWrite, params.OutputBucket, params.OutputPrefix, debugFacts)
		if p.caps.Metrics != nil {
			p.caps.Metrics.RecordResultWrite("debug", time.Since(debugStart), writeErr)
		}
		if p.caps.Audit != nil {
			p.caps.Audit.LogResultWrite(jobID, "debug", writeErr == nil, writeErr, time.Since(debugStart))
		}
	}
	span.End()
	if writeErr != nil {
		return p.failed(jobID, fail(ResultWriteError, "failed to write result shard", writeErr), time.Since(start))
	}

	p.logState(jobID, StateDone)

	errCounts := counters.Snapshot()
	totalErrors, totalSeen := counters.Totals()

	code := Success
	if debugBudgetOverride != "" {
		code = debugBudgetOverride
	} else if totalErrors > 0 {
		code = SuccessWithErrors
	}

	stringCounts := make(map[string]uint64, len(errCounts))
	for k, v := range errCounts {
		stringCounts[string(k)] = v
	}

	p.recordCompletion(jobID, code, time.Since(start))

	return &Result{
		Code:                   code,
		ErrorCounts:            stringCounts,
		TotalReportsSeen:       totalSeen,
		TotalReportsWithErrors: totalErrors,
	}, nil
}

func (p *Processor) failed(jobID string, failure *Failure, duration time.Duration) (*Result, error) {
	p.caps.Logger.WithFields(logrus.Fields{"job_id": jobID, "return_code": failure.Code}).Error(failure.Error())
	p.recordCompletion(jobID, failure.Code, duration)
	return &Result{Code: failure.Code}, failure
}

func (p *Processor) recordReportError(ctx context.Context, counter validate.ErrorCounter, counters *ErrorCounters) {
	counters.RecordError(counter)
	if p.caps.Metrics != nil {
		p.caps.Metrics.RecordReportError(string(counter))
		p.caps.Metrics.RecordReportOutcome(ctx, string(counter))
	}
}

func (p *Processor) recordCompletion(jobID string, code ReturnCode, duration time.Duration) {
	if p.caps.Metrics != nil {
		p.caps.Metrics.RecordJobCompletion(string(code), duration)
	}
	if p.caps.Audit != nil {
		p.caps.Audit.LogJobComplete(jobID, string(code), duration)
	}
}

func classifyBudgetError(err error) *Failure {
	var unauth *budget.UnauthenticatedError
	var forbidden *budget.UnauthorizedError
	switch {
	case errors.As(err, &unauth):
		return fail(PrivacyBudgetAuthenticationError, "privacy budget client unauthenticated", err)
	case errors.As(err, &forbidden):
		return fail(PrivacyBudgetAuthorizationError, "privacy budget client unauthorized", err)
	default:
		return fail(InternalErrorCode, "privacy budget service unavailable", err)
	}
}

// runReadingPhase lists input shards and drains them through C1-C4 in
// parallel, bounded by the non-blocking pool (spec §4.9 steps 1-3).
func (p *Processor) runReadingPhase(ctx context.Context, jobID string, params config.JobParams, engine *aggregate.Engine, counters *ErrorCounters, decryptor *crypto.HybridDecryptor, chain *validate.Chain) *Failure {
	keys, err := blobstore.ListShards(ctx, p.caps.Blob, params.InputBucket, params.InputPrefix)
	if err != nil {
		return fail(InputDataReadFailed, "failed to list input shards", err)
	}
	if len(keys) == 0 {
		return fail(InputDataReadFailed, "no input shards matched", nil)
	}

	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(readCtx)
	sem := make(chan struct{}, p.nonBlockingSize())
	var thresholdBreached atomic.Bool

	for _, key := range keys {
		key := key
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			defer func() { <-sem }()

			if err := p.processShard(gctx, params.InputBucket, key, engine, counters, decryptor, chain); err != nil {
				return err
			}
			if counters.ExceedsThreshold(params.ReportErrorThresholdPercentage) {
				thresholdBreached.Store(true)
				cancel()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if thresholdBreached.Load() && errors.Is(err, context.Canceled) {
			// fall through to the threshold failure below
		} else {
			var failure *Failure
			if errors.As(err, &failure) {
				return failure
			}
			return fail(InternalErrorCode, "reading phase aborted", err)
		}
	}

	if thresholdBreached.Load() {
		return fail(ReportsWithErrorsExceededThreshold, "error rate exceeded report_error_threshold_percentage", nil)
	}
	return nil
}

// processShard streams one shard's records through C1 (decode) and
// processRecord (C2-C4), recovering panics into an INTERNAL_ERROR failure
// rather than crashing the worker goroutine (spec §4.9, A7).
func (p *Processor) processShard(ctx context.Context, bucket, key string, engine *aggregate.Engine, counters *ErrorCounters, decryptor *crypto.HybridDecryptor, chain *validate.Chain) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.caps.Logger.WithFields(logrus.Fields{"shard": key, "panic": r}).Error("recovered panic in shard worker")
			err = fail(InternalErrorCode, fmt.Sprintf("panic processing shard %s", key), fmt.Errorf("%v", r))
		}
	}()

	shardStart := time.Now()
	reader, _, err := p.caps.Blob.GetObject(ctx, bucket, key)
	if err != nil {
		if p.caps.Metrics != nil {
			p.caps.Metrics.RecordShardRead(ctx, "reports", time.Since(shardStart), err)
		}
		return fail(InputDataReadFailed, fmt.Sprintf("failed to open shard %s", key), err)
	}
	defer reader.Close()

	dec, err := report.NewDecoder(reader)
	if err != nil {
		if p.caps.Metrics != nil {
			p.caps.Metrics.RecordShardRead(ctx, "reports", time.Since(shardStart), err)
		}
		return fail(InputDataReadFailed, fmt.Sprintf("corrupt shard %s", key), err)
	}
	if p.caps.Metrics != nil {
		p.caps.Metrics.RecordShardRead(ctx, "reports", time.Since(shardStart), nil)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		rec, ok, err := dec.Next()
		if err != nil {
			return fail(InputDataReadFailed, fmt.Sprintf("corrupt shard %s", key), err)
		}
		if !ok {
			return nil
		}

		if failure := p.processRecord(ctx, rec, engine, counters, decryptor, chain); failure != nil {
			return failure
		}
	}
}

// processRecord runs one report through C2 (decrypt), C1 payload decode,
// and C3 (validate), then accumulates accepted contributions into C4.
// Only fatal errors (PermissionError, InternalError) are returned; every
// other outcome is tallied in counters.
func (p *Processor) processRecord(ctx context.Context, rec report.EncryptedReport, engine *aggregate.Engine, counters *ErrorCounters, decryptor *crypto.HybridDecryptor, chain *validate.Chain) *Failure {
	plaintext, err := decryptor.Decrypt(ctx, rec.KeyID, []byte(rec.SharedInfo), rec.Payload)
	if err != nil {
		var permErr *crypto.PermissionError
		var internalErr *crypto.InternalError
		var decryptErr *crypto.DecryptionError
		switch {
		case errors.As(err, &permErr):
			return fail(PermissionErrorCode, "key service denied access", err)
		case errors.As(err, &internalErr):
			return fail(InternalErrorCode, "key service unavailable", err)
		case errors.As(err, &decryptErr):
			p.recordReportError(ctx, validate.CounterDecryptionError, counters)
			return nil
		default:
			p.recordReportError(ctx, validate.CounterServiceError, counters)
			return nil
		}
	}

	si, err := report.ParseSharedInfo(rec.SharedInfo)
	if err != nil {
		p.recordReportError(ctx, validate.CounterDecryptionError, counters)
		return nil
	}

	payload, err := report.DecodePayload(plaintext)
	if err != nil {
		p.recordReportError(ctx, validate.CounterDecryptionError, counters)
		return nil
	}

	counters.RecordMajorVersionSeen(report.MajorVersion(si.Version))

	rpt := report.Report{SharedInfo: si, Payload: payload}
	if counter, ok := chain.Check(rpt); !ok {
		p.recordReportError(ctx, counter, counters)
		return nil
	}

	unit := budget.DeriveUnit(si)
	for _, c := range payload.Contributions {
		engine.Accept(c.Bucket, uint64(c.Value), unit)
	}
	if p.caps.Metrics != nil {
		p.caps.Metrics.RecordBucketsAccepted(len(payload.Contributions))
		p.caps.Metrics.RecordReportOutcome(ctx, "accepted")
	}
	counters.RecordAccepted()
	return nil
}
