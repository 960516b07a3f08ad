package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/zkhotdog/zkhotdog/internal/artifactstore"
	"github.com/zkhotdog/zkhotdog/internal/attestnet"
	"github.com/zkhotdog/zkhotdog/internal/measureapi"
	"github.com/zkhotdog/zkhotdog/internal/measurement"
	measurementpg "github.com/zkhotdog/zkhotdog/internal/measurement/postgres"
	"github.com/zkhotdog/zkhotdog/internal/pipeline"
	"github.com/zkhotdog/zkhotdog/internal/prover"
	"github.com/zkhotdog/zkhotdog/internal/queue"
	"github.com/zkhotdog/zkhotdog/internal/secrets"
)

func main() {
	var (
		listenAddr    = flag.String("listen", "127.0.0.1:3000", "HTTP listen address")
		publicBaseURL = flag.String("public-base-url", "http://localhost:3000", "base URL prefixed to returned status links")

		storeDriver = flag.String("store-driver", "memory", "measurement store driver (memory|postgres)")
		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN (required with --store-driver=postgres)")

		artifactDriver = flag.String("artifact-driver", artifactstore.DriverFS, "artifact store driver (fs|s3|memory)")
		artifactRoot   = flag.String("artifact-root", "proofs", "root directory for the fs artifact driver")
		s3Bucket       = flag.String("s3-bucket", "", "bucket for the s3 artifact driver")
		s3Prefix       = flag.String("s3-prefix", "", "key prefix for the s3 artifact driver")

		nodeBin       = flag.String("node-bin", "node", "node binary for witness generation")
		witnessScript = flag.String("witness-script", "", "generate_witness.js path (required)")
		circuitWasm   = flag.String("circuit-wasm", "", "compiled circuit wasm path (required)")
		snarkjsBin    = flag.String("snarkjs-bin", "snarkjs", "snarkjs binary for proof generation")
		provingKey    = flag.String("proving-key", "", "groth16 proving key path (required)")
		scratchDir    = flag.String("scratch-dir", "", "scratch directory for prover runs (default: system temp)")

		verificationKeyPath = flag.String("verification-key", "", "circuit verification key path (required)")

		attestURL      = flag.String("attest-url", "", "attestation network websocket URL (required)")
		attestSeedSpec = flag.String("attest-seed", "env:ZKHOTDOG_ATTEST_SEED", "attestation seed source (env:VAR|file:/path|aws:name)")
		confirmTimeout = flag.Duration("confirm-timeout", 10*time.Minute, "bound on waiting for attestation confirmation")

		queueDriver    = flag.String("queue-driver", queue.DriverKafka, "lifecycle event queue driver (kafka|stdio)")
		queueBrokers   = flag.String("queue-brokers", "", "kafka brokers (comma-separated); empty disables lifecycle events")
		lifecycleStdio = flag.Bool("lifecycle-stdio", false, "publish lifecycle events to stdout instead of kafka")

		rateLimitPerSecond = flag.Float64("rate-limit-per-ip-per-second", 10, "per-IP refill rate for API rate limiting")
		rateLimitBurst     = flag.Int("rate-limit-burst", 20, "per-IP burst capacity for API rate limiting")
		rateLimitMaxIPs    = flag.Int("rate-limit-max-tracked-ips", 10000, "maximum tracked client IP entries in rate limiter")

		maxUploadBytes = flag.Int64("max-upload-bytes", 16<<20, "maximum accepted multipart upload size")

		readHeaderTimeout = flag.Duration("read-header-timeout", 5*time.Second, "http.Server ReadHeaderTimeout")
		readTimeout       = flag.Duration("read-timeout", 30*time.Second, "http.Server ReadTimeout")
		writeTimeout      = flag.Duration("write-timeout", 30*time.Second, "http.Server WriteTimeout")
		idleTimeout       = flag.Duration("idle-timeout", 60*time.Second, "http.Server IdleTimeout")
		drainTimeout      = flag.Duration("drain-timeout", 2*time.Minute, "bound on waiting for in-flight measurements at shutdown")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *listenAddr == "" || strings.TrimSpace(*publicBaseURL) == "" {
		fmt.Fprintln(os.Stderr, "error: --listen and --public-base-url must be non-empty")
		os.Exit(2)
	}
	if strings.TrimSpace(*witnessScript) == "" || strings.TrimSpace(*circuitWasm) == "" || strings.TrimSpace(*provingKey) == "" {
		fmt.Fprintln(os.Stderr, "error: --witness-script, --circuit-wasm, and --proving-key are required")
		os.Exit(2)
	}
	if strings.TrimSpace(*verificationKeyPath) == "" {
		fmt.Fprintln(os.Stderr, "error: --verification-key is required")
		os.Exit(2)
	}
	if strings.TrimSpace(*attestURL) == "" {
		fmt.Fprintln(os.Stderr, "error: --attest-url is required")
		os.Exit(2)
	}
	if *confirmTimeout <= 0 || *drainTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: --confirm-timeout and --drain-timeout must be > 0")
		os.Exit(2)
	}
	if *readHeaderTimeout <= 0 || *readTimeout <= 0 || *writeTimeout <= 0 || *idleTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: timeouts must be > 0")
		os.Exit(2)
	}
	if *rateLimitPerSecond <= 0 || *rateLimitBurst <= 0 || *rateLimitMaxIPs <= 0 {
		fmt.Fprintln(os.Stderr, "error: rate limit settings must be > 0")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	verificationKey, err := os.ReadFile(strings.TrimSpace(*verificationKeyPath))
	if err != nil {
		log.Error("read verification key", "err", err)
		os.Exit(2)
	}

	seed, err := secrets.Resolve(ctx, *attestSeedSpec)
	if err != nil {
		log.Error("resolve attestation seed", "err", err)
		os.Exit(2)
	}

	var store measurement.Store
	switch strings.TrimSpace(strings.ToLower(*storeDriver)) {
	case "memory", "":
		store = measurement.NewMemoryStore(nil)
	case "postgres":
		if strings.TrimSpace(*postgresDSN) == "" {
			fmt.Fprintln(os.Stderr, "error: --postgres-dsn is required with --store-driver=postgres")
			os.Exit(2)
		}
		pool, poolErr := pgxpool.New(ctx, *postgresDSN)
		if poolErr != nil {
			log.Error("init pgx pool", "err", poolErr)
			os.Exit(2)
		}
		defer pool.Close()
		pgStore, pgErr := measurementpg.New(pool)
		if pgErr != nil {
			log.Error("init measurement store", "err", pgErr)
			os.Exit(2)
		}
		if err := pgStore.EnsureSchema(ctx); err != nil {
			log.Error("ensure measurement schema", "err", err)
			os.Exit(2)
		}
		store = pgStore
	default:
		fmt.Fprintln(os.Stderr, "error: --store-driver must be memory or postgres")
		os.Exit(2)
	}

	artifactCfg := artifactstore.Config{
		Driver: *artifactDriver,
		Root:   *artifactRoot,
		Bucket: strings.TrimSpace(*s3Bucket),
		Prefix: strings.TrimSpace(*s3Prefix),
	}
	if strings.TrimSpace(strings.ToLower(*artifactDriver)) == artifactstore.DriverS3 {
		awsCfg, awsErr := awsconfig.LoadDefaultConfig(ctx)
		if awsErr != nil {
			log.Error("load aws config", "err", awsErr)
			os.Exit(2)
		}
		artifactCfg.S3Client = s3.NewFromConfig(awsCfg)
	}
	artifacts, err := artifactstore.New(artifactCfg)
	if err != nil {
		log.Error("init artifact store", "err", err)
		os.Exit(2)
	}

	generator, err := prover.New(prover.Config{
		NodeBin:       *nodeBin,
		WitnessScript: *witnessScript,
		CircuitWasm:   *circuitWasm,
		SnarkjsBin:    *snarkjsBin,
		ProvingKey:    *provingKey,
		ScratchDir:    *scratchDir,
	})
	if err != nil {
		log.Error("init prover toolchain", "err", err)
		os.Exit(2)
	}

	submitter, err := attestnet.New(attestnet.Config{
		URL:            *attestURL,
		Seed:           seed,
		ConfirmTimeout: *confirmTimeout,
		Log:            log,
	})
	if err != nil {
		log.Error("init attestation submitter", "err", err)
		os.Exit(2)
	}

	var producer queue.Producer
	if *lifecycleStdio {
		producer, err = queue.NewProducer(queue.ProducerConfig{Driver: queue.DriverStdio})
	} else if strings.TrimSpace(*queueBrokers) != "" {
		producer, err = queue.NewProducer(queue.ProducerConfig{
			Driver:  *queueDriver,
			Brokers: queue.SplitCommaList(*queueBrokers),
		})
	}
	if err != nil {
		log.Error("init lifecycle producer", "err", err)
		os.Exit(2)
	}
	if producer != nil {
		defer producer.Close()
		log.Info("lifecycle events enabled", "topic", queue.TopicLifecycle)
	}

	runner, err := pipeline.New(pipeline.Config{
		VerificationKey: verificationKey,
		Events:          producer,
		Log:             log,
	}, store, artifacts, generator, submitter)
	if err != nil {
		log.Error("init pipeline", "err", err)
		os.Exit(2)
	}

	handler, err := measureapi.NewHandler(measureapi.Config{
		PublicBaseURL:           *publicBaseURL,
		MaxUploadBytes:          *maxUploadBytes,
		RateLimitPerIPPerSecond: *rateLimitPerSecond,
		RateLimitBurst:          *rateLimitBurst,
		RateLimitMaxTrackedIPs:  *rateLimitMaxIPs,
		Log:                     log,
	}, store, artifacts, runner)
	if err != nil {
		log.Error("init measure api handler", "err", err)
		os.Exit(2)
	}

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: *readHeaderTimeout,
		ReadTimeout:       *readTimeout,
		WriteTimeout:      *writeTimeout,
		IdleTimeout:       *idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("measure-api listening", "addr", *listenAddr, "artifactDriver", *artifactDriver, "storeDriver", *storeDriver)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown", "reason", ctx.Err())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error("server error", "err", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), *drainTimeout)
	defer cancelDrain()
	if err := runner.Drain(drainCtx); err != nil {
		log.Error("drain pipeline", "err", err)
		runner.Close()
		os.Exit(1)
	}
	log.Info("measure-api stopped")
}
