package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/animus-labs/transit-ingest/internal/clients/avl"
	"github.com/animus-labs/transit-ingest/internal/clients/dqs"
	"github.com/animus-labs/transit-ingest/internal/ingest/antivirus"
	"github.com/animus-labs/transit-ingest/internal/ingest/crossrevision"
	"github.com/animus-labs/transit-ingest/internal/ingest/retriever"
	"github.com/animus-labs/transit-ingest/internal/ingest/schema"
	"github.com/animus-labs/transit-ingest/internal/ingest/structural"
	"github.com/animus-labs/transit-ingest/internal/pipeline"
	"github.com/animus-labs/transit-ingest/internal/platform/bus"
	"github.com/animus-labs/transit-ingest/internal/platform/env"
	"github.com/animus-labs/transit-ingest/internal/platform/httpserver"
	"github.com/animus-labs/transit-ingest/internal/platform/metrics"
	"github.com/animus-labs/transit-ingest/internal/platform/objectstore"
	"github.com/animus-labs/transit-ingest/internal/platform/postgres"
	"github.com/animus-labs/transit-ingest/internal/platform/redisstore"
	repopg "github.com/animus-labs/transit-ingest/internal/repo/postgres"
)

const serviceName = "pipeline-worker"

func main() {
	_ = godotenv.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := workerConfigFromEnv()
	if err != nil {
		logger.Error("invalid worker config", "error", err)
		os.Exit(2)
	}
	shutdownTimeout, err := env.Duration("HTTP_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()
	if err := repopg.Migrate(ctx, db); err != nil {
		logger.Error("database migration failed", "error", err)
		os.Exit(1)
	}
	store := repopg.NewStore(db)

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	storeClient, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		logger.Error("object store client init failed", "error", err)
		os.Exit(2)
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := objectstore.EnsureBuckets(startupCtx, storeClient, storeCfg); err != nil {
		cancel()
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	cancel()
	objects, err := objectstore.NewMinioStore(storeClient)
	if err != nil {
		logger.Error("object store init failed", "error", err)
		os.Exit(2)
	}

	redisCfg, err := redisstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid redis config", "error", err)
		os.Exit(2)
	}
	rdb, err := redisstore.Open(ctx, redisCfg)
	if err != nil {
		logger.Error("redis unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = rdb.Close() }()
	locker := pipeline.RedisLocker(redisstore.NewLocker(rdb, redisCfg.KeyPrefix))
	taskCache := redisstore.NewTaskCache(rdb, redisCfg.KeyPrefix, redisCfg.TaskTTL)
	failures := redisstore.NewFailureCounter(rdb, redisCfg.KeyPrefix, cfg.FailureWindow)

	busCfg, err := bus.ConfigFromEnv(serviceName)
	if err != nil {
		logger.Error("invalid bus config", "error", err)
		os.Exit(2)
	}
	nb, err := bus.NewNatsBus(busCfg, logger)
	if err != nil {
		logger.Error("bus unavailable", "error", err)
		os.Exit(1)
	}
	defer nb.Close()

	retrieverCfg, err := retriever.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid retriever config", "error", err)
		os.Exit(2)
	}
	ret, err := retriever.New(retrieverCfg, objects, storeCfg.BucketRevisions, store.Revisions())
	if err != nil {
		logger.Error("retriever init failed", "error", err)
		os.Exit(2)
	}
	structuralCfg, err := structural.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid structural config", "error", err)
		os.Exit(2)
	}
	avCfg, err := antivirus.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid antivirus config", "error", err)
		os.Exit(2)
	}
	registry, err := schema.LoadRegistry(schema.ConfigFromEnv().ProfileDir)
	if err != nil {
		logger.Error("schema profiles invalid", "error", err)
		os.Exit(2)
	}

	pipelineMetrics := metrics.NewProm("transit")
	observers := []pipeline.Observer{
		pipeline.LogObserver{Logger: logger},
		pipeline.NotifyObserver{Publisher: nb, Logger: logger},
		pipeline.MetricsObserver{Metrics: pipelineMetrics},
	}
	deps := pipeline.Deps{
		Store:         store,
		Objects:       objects,
		Bucket:        storeCfg.BucketRevisions,
		ReportBucket:  storeCfg.BucketReports,
		Retriever:     ret,
		Structural:    structural.New(structuralCfg),
		Antivirus:     antivirus.New(avCfg, logger),
		Schema:        schema.New(registry),
		CrossRevision: crossrevision.Validator{},
		Progress:      taskCache,
		Observers:     observers,
		Metrics:       pipelineMetrics,
		Logger:        logger,
	}

	// DQS and AVL are optional; an unset base URL leaves the client out.
	var dqsClient *dqs.Client
	if strings.TrimSpace(os.Getenv("DQS_BASE_URL")) != "" {
		dqsCfg, err := dqs.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid dqs config", "error", err)
			os.Exit(2)
		}
		if dqsClient, err = dqs.New(dqsCfg, nil); err != nil {
			logger.Error("dqs client init failed", "error", err)
			os.Exit(2)
		}
		deps.DQS = dqsClient
	} else {
		logger.Info("data quality service not configured; dqs_upload will be skipped", "service", serviceName)
	}
	if strings.TrimSpace(os.Getenv("AVL_BASE_URL")) != "" {
		avlCfg, err := avl.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid avl config", "error", err)
			os.Exit(2)
		}
		avlClient, err := avl.New(avlCfg, nil)
		if err != nil {
			logger.Error("avl client init failed", "error", err)
			os.Exit(2)
		}
		deps.AVL = avlClient
	}

	orch, err := pipeline.New(deps)
	if err != nil {
		logger.Error("pipeline init failed", "error", err)
		os.Exit(2)
	}
	publisher, err := pipeline.NewPublisher(store, observers, nil)
	if err != nil {
		logger.Error("publisher init failed", "error", err)
		os.Exit(2)
	}

	worker := pipeline.NewWorker(orch, locker, pipeline.WorkerConfig{
		LockTTL:       cfg.LockTTL,
		RetryDelay:    cfg.RetryDelay,
		MaxRetryDelay: cfg.MaxRetryDelay,
		MaxDeliver:    busCfg.MaxDeliver,
	}, logger)
	if err := worker.Subscribe(nb); err != nil {
		logger.Error("subscribe failed", "error", err)
		os.Exit(1)
	}

	relay := pipeline.NewRelay(store.Relay(), nb, locker, pipelineMetrics, logger, cfg.RelayInterval)
	checker := pipeline.NewUpdateChecker(store, ret, orch, publisher, failures, locker, pipeline.UpdateCheckerConfig{
		Interval:            cfg.UpdateInterval,
		ExpireAfterFailures: cfg.ExpireAfterFailures,
	}, logger)

	var wg sync.WaitGroup
	loops := []func(context.Context){relay.Run, checker.Run}
	if dqsClient != nil {
		monitor := pipeline.NewDQSMonitor(store, dqsClient, locker, pipelineMetrics, logger, cfg.DQSPollInterval, cfg.DQSMaxAge)
		loops = append(loops, monitor.Run)
	}
	for _, loop := range loops {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(loop)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz(serviceName))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			serviceName,
			httpserver.ReadinessCheck{
				Name: "postgres",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return db.PingContext(checkCtx)
				},
			},
			httpserver.ReadinessCheck{
				Name: "redis",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return rdb.Ping(checkCtx).Err()
				},
			},
			httpserver.ReadinessCheck{
				Name:  "nats",
				Check: nb.Check,
			},
		),
	)
	mux.Handle("/metrics", metrics.Handler())

	httpCfg := httpserver.Config{
		Service:         serviceName,
		Addr:            cfg.HTTPAddr,
		ShutdownTimeout: shutdownTimeout,
	}
	logger.Info("pipeline worker started", "service", serviceName, "dqs", dqsClient != nil, "avl", deps.AVL != nil)
	err = httpserver.Run(ctx, logger, httpCfg, httpserver.Wrap(logger, serviceName, nil, mux))
	stop()
	wg.Wait()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
