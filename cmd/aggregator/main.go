// Command aggregator runs one aggregation service worker job: it reads a
// batch of encrypted reports from a blob store, decrypts, validates,
// aggregates, noises, debits the privacy budget, and writes the result.
package main

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	mathrand "math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/google/aggregation-service-worker/internal/api"
	"github.com/google/aggregation-service-worker/internal/audit"
	"github.com/google/aggregation-service-worker/internal/blobstore"
	"github.com/google/aggregation-service-worker/internal/budget"
	"github.com/google/aggregation-service-worker/internal/config"
	"github.com/google/aggregation-service-worker/internal/crypto"
	"github.com/google/aggregation-service-worker/internal/debug"
	"github.com/google/aggregation-service-worker/internal/job"
	"github.com/google/aggregation-service-worker/internal/metrics"
	"github.com/google/aggregation-service-worker/internal/middleware"
	"github.com/google/aggregation-service-worker/internal/resultlog"
	"github.com/google/aggregation-service-worker/internal/tracing"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string
	var jobParams map[string]string

	root := &cobra.Command{
		Use:   "aggregator",
		Short: "Runs aggregation service worker jobs",
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to a YAML config file")

	runCmd := &cobra.Command{
		Use:   "run <job-id>",
		Short: "Run one aggregation job to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJob(cmd.Context(), args[0], configFile, jobParams)
		},
	}
	runCmd.Flags().StringToStringVar(&jobParams, "param", nil, "job parameter, repeatable (key=value)")

	validateCmd := &cobra.Command{
		Use:   "validate-config",
		Short: "Load and validate configuration without running a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(configFile, jobParams)
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	validateCmd.Flags().StringToStringVar(&jobParams, "param", nil, "job parameter, repeatable (key=value)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the worker version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}

	root.AddCommand(runCmd, validateCmd, versionCmd)
	return root
}

func runJob(ctx context.Context, jobID, configFile string, jobParams map[string]string) error {
	cfg, err := config.Load(configFile, jobParams)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.JobID = jobID

	logger := newLogger(cfg.LogLevel)
	debug.InitFromLogLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, "aggregation-service-worker", cfg.Tracing)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	blob, err := blobstore.NewClient(ctx, &cfg.Backend)
	if err != nil {
		return fmt.Errorf("build blob store client: %w", err)
	}

	keys, err := buildKeyManager(cfg.KeyManagement)
	if err != nil {
		return fmt.Errorf("build key manager: %w", err)
	}
	defer keys.Close(context.Background())

	ledger := budget.NewHTTPLedgerClient(cfg.PrivacyBudget.LedgerEndpoint, cfg.PrivacyBudget.RequestTimeout, cfg.PrivacyBudget.MaxRetries)
	var idemCache *budget.IdempotencyCache
	if cfg.PrivacyBudget.RedisAddr != "" {
		idemCache = budget.NewIdempotencyCache(cfg.PrivacyBudget.RedisAddr, cfg.PrivacyBudget.RedisPassword, cfg.PrivacyBudget.IdempotencyTTL)
	}
	bridge := budget.NewBridge(ledger, idemCache)

	writer := resultlog.NewWriter(blob, 3, 200*time.Millisecond)

	m := metrics.NewMetrics()
	var auditLogger audit.Logger
	if cfg.Audit.Enabled {
		auditLogger, err = audit.NewLoggerFromConfig(cfg.Audit)
		if err != nil {
			return fmt.Errorf("build audit logger: %w", err)
		}
		defer auditLogger.Close()
	}

	stopMetrics, cancelMetrics := context.WithCancel(ctx)
	defer cancelMetrics()
	m.StartSystemMetricsCollector(stopMetrics)

	opsServer := startOpsServer(cfg.Ops.ListenAddr, keys, logger, m)
	defer opsServer.Shutdown(context.Background())

	entropy, err := newEntropyRand()
	if err != nil {
		return fmt.Errorf("seed noise entropy source: %w", err)
	}

	proc := job.NewProcessor(job.Capabilities{
		Blob:                  blob,
		Keys:                  keys,
		Hardware:              cfg.Hardware,
		SupportedMajorVersion: cfg.SupportedReportMajorVersion,
		Bridge:                bridge,
		Writer:                writer,
		DomainParseWorkers:    cfg.Pool.NonBlockingPoolSize,
		BlockingPoolSize:      cfg.Pool.BlockingPoolSize,
		NonBlockingPoolSize:   cfg.Pool.NonBlockingPoolSize,
		Logger:                logger,
		Metrics:               m,
		Audit:                 auditLogger,
		Rand:                  entropy,
	})

	result, err := proc.Run(ctx, jobID, cfg.Job)
	if result != nil {
		logger.WithFields(logrus.Fields{
			"job_id":      jobID,
			"return_code": result.Code,
			"reports_seen": result.TotalReportsSeen,
			"reports_with_errors": result.TotalReportsWithErrors,
		}).Info("job finished")
	}
	return err
}

func buildKeyManager(cfg config.KeyManagementConfig) (crypto.KeyManager, error) {
	switch cfg.Provider {
	case "kmip":
		tlsCfg, err := kmipTLSConfig(cfg.KMIPCAPEM)
		if err != nil {
			return nil, err
		}
		return crypto.NewCosmianKMIPManager(crypto.CosmianKMIPOptions{
			Endpoint:       cfg.KMIPEndpoint,
			TLSConfig:      tlsCfg,
			DualReadWindow: cfg.DualReadWindow,
		})
	case "static", "":
		keys, err := loadStaticKeys(cfg.PrivateKeyDir)
		if err != nil {
			return nil, err
		}
		return crypto.NewStaticKeyManager("static", keys), nil
	default:
		return nil, fmt.Errorf("unknown key management provider %q", cfg.Provider)
	}
}

// newEntropyRand seeds a math/rand source from crypto/rand so that noise
// draws differ across job runs and processes, rather than repeating the
// package default's fixed seed.
func newEntropyRand() (*mathrand.Rand, error) {
	var seed [8]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("read entropy: %w", err)
	}
	return mathrand.New(mathrand.NewSource(int64(binary.LittleEndian.Uint64(seed[:])))), nil
}

// kmipTLSConfig builds a TLS client config trusting caPEM, if supplied.
// An empty caPEM leaves TLS verification to the system root pool.
func kmipTLSConfig(caPEM string) (*tls.Config, error) {
	if caPEM == "" {
		return nil, nil
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM([]byte(caPEM)) {
		return nil, fmt.Errorf("kmip: no certificates parsed from configured CA PEM")
	}
	return &tls.Config{RootCAs: pool}, nil
}

// loadStaticKeys reads one raw X25519 private key per file from dir, using
// the filename with any trailing ".key" suffix removed as the key id. Returns an empty key set
// if dir is unset, so validate-config and tests can run without key
// material on disk.
func loadStaticKeys(dir string) (map[string]crypto.StaticKeyEntry, error) {
	keys := make(map[string]crypto.StaticKeyEntry)
	if dir == "" {
		return keys, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read private key dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		raw, err := os.ReadFile(dir + "/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read private key %s: %w", entry.Name(), err)
		}
		keyID := strings.TrimSuffix(entry.Name(), ".key")
		keys[keyID] = crypto.StaticKeyEntry{Version: 1, PrivateKey: raw}
	}
	return keys, nil
}

func startOpsServer(addr string, keys crypto.KeyManager, logger *logrus.Logger, m *metrics.Metrics) *http.Server {
	handler := api.NewHandler(keys, logger, m)
	router := mux.NewRouter()
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.LoggingMiddleware(logger))
	handler.RegisterRoutes(router)

	s := &http.Server{Addr: addr, Handler: router}
	go func() {
		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Warn("ops server stopped")
		}
	}()
	return s
}

func newLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}
