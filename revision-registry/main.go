package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/animus-labs/transit-ingest/internal/domain"
	"github.com/animus-labs/transit-ingest/internal/pipeline"
	"github.com/animus-labs/transit-ingest/internal/platform/auth"
	"github.com/animus-labs/transit-ingest/internal/platform/bus"
	"github.com/animus-labs/transit-ingest/internal/platform/env"
	"github.com/animus-labs/transit-ingest/internal/platform/httpserver"
	"github.com/animus-labs/transit-ingest/internal/platform/metrics"
	"github.com/animus-labs/transit-ingest/internal/platform/objectstore"
	"github.com/animus-labs/transit-ingest/internal/platform/postgres"
	"github.com/animus-labs/transit-ingest/internal/platform/redisstore"
	repopg "github.com/animus-labs/transit-ingest/internal/repo/postgres"
)

const serviceName = "revision-registry"

func main() {
	_ = godotenv.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpCfg, err := httpserver.ConfigFromEnv(serviceName, ":8081")
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	uploadMaxMiB, err := env.Int("REGISTRY_UPLOAD_MAX_MIB", 250)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	uploadTimeout, err := env.Duration("REGISTRY_UPLOAD_TIMEOUT", 10*time.Minute)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}
	authenticator, err := auth.NewAuthenticator(authCfg)
	if err != nil {
		logger.Error("invalid auth config", "error", err)
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
	taskCache := redisstore.NewTaskCache(rdb, redisCfg.KeyPrefix, redisCfg.TaskTTL)

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

	pipelineMetrics := metrics.NewProm("transit")
	observers := []pipeline.Observer{
		pipeline.LogObserver{Logger: logger},
		pipeline.NotifyObserver{Publisher: nb, Logger: logger},
		pipeline.MetricsObserver{Metrics: pipelineMetrics},
	}
	orch, err := pipeline.New(pipeline.Deps{
		Store:     store,
		Objects:   objects,
		Bucket:    storeCfg.BucketRevisions,
		Progress:  taskCache,
		Observers: observers,
		Metrics:   pipelineMetrics,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("pipeline init failed", "error", err)
		os.Exit(2)
	}
	publisher, err := pipeline.NewPublisher(store, observers, nil)
	if err != nil {
		logger.Error("publisher init failed", "error", err)
		os.Exit(2)
	}

	// Stage messages written by Start are relayed by the pipeline workers.
	api := newRevisionRegistryAPI(logger, store, objects, storeCfg.BucketRevisions, orch, publisher, taskCache)
	api.uploadMaxBytes = int64(uploadMaxMiB) << 20
	api.uploadTimeout = uploadTimeout

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
				Name: "minio",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return objectstore.CheckBuckets(checkCtx, storeClient, storeCfg)
				},
			},
			httpserver.ReadinessCheck{
				Name:  "nats",
				Check: nb.Check,
			},
		),
	)
	mux.Handle("/metrics", metrics.Handler())
	api.register(mux)

	var handler http.Handler = mux
	if authenticator != nil {
		handler = auth.Middleware{
			Logger:        logger,
			Authenticator: authenticator,
			Authorize:     auth.MethodRoleAuthorizer(),
			Audit: func(ctx context.Context, event auth.DenyEvent) error {
				auditCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				_, err := store.Events().AppendAudit(auditCtx, denyAuditEvent(event))
				return err
			},
			SkipPrefixes: []string{"/healthz", "/readyz", "/metrics"},
		}.Wrap(mux)
	} else {
		logger.Warn("authentication disabled", "service", serviceName)
	}

	if err := httpserver.Run(ctx, logger, httpCfg, httpserver.Wrap(logger, serviceName, metrics.NewHTTPProm("transit"), handler)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func denyAuditEvent(event auth.DenyEvent) domain.AuditEvent {
	actor := event.Subject
	if actor == "" {
		actor = "anonymous"
	}
	return domain.AuditEvent{
		OccurredAt:   event.Time,
		Actor:        actor,
		Action:       "auth.deny",
		ResourceType: "http_request",
		ResourceID:   event.Method + " " + event.Path,
		RequestID:    event.RequestID,
		Payload: domain.Metadata{
			"status": event.Status,
			"reason": event.Reason,
			"error":  event.Error,
			"roles":  event.Roles,
		},
	}
}
