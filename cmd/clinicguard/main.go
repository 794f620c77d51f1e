package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/clinicguard/pkg/access"
	"github.com/platinummonkey/clinicguard/pkg/api"
	"github.com/platinummonkey/clinicguard/pkg/audit"
	"github.com/platinummonkey/clinicguard/pkg/config"
	"github.com/platinummonkey/clinicguard/pkg/middleware"
	"github.com/platinummonkey/clinicguard/pkg/observability"
	"github.com/platinummonkey/clinicguard/pkg/rbac"
	"github.com/platinummonkey/clinicguard/pkg/retention"
	"github.com/platinummonkey/clinicguard/pkg/storage/postgres"
	"github.com/platinummonkey/clinicguard/pkg/storage/redis"
	"github.com/platinummonkey/clinicguard/pkg/storage/s3"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "clinicguard: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).WithField("service", "clinicguard")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelProviders, err := observability.InitOTel(ctx, cfg.OTel(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProviders.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("OpenTelemetry shutdown failed")
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	// Storage
	db, err := postgres.NewConnectionManager(postgres.ConfigFrom(cfg.Storage), logger)
	if err != nil {
		return err
	}
	defer db.Close()
	db.StartHealthCheckRoutine(ctx, 30*time.Second)

	redisClient, err := redis.NewClient(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	roleStore := rbac.NewStore(db.Primary(), logger)
	auditStore := audit.NewPGStore(db.Primary(), logger, audit.WithReader(db.Replica))
	retentionStore := retention.NewPGStore(db.Primary(), logger)
	if err := migrate(ctx, roleStore, auditStore, retentionStore); err != nil {
		return err
	}

	// Role catalog
	roles, err := config.LoadRoleCatalog(cfg.RoleCatalogPath)
	if err != nil {
		return err
	}
	if err := rbac.SyncSystemRoles(ctx, roleStore, roles, logger); err != nil {
		return err
	}

	// Audit pipeline. The journal must open before the recorder starts so
	// entries spilled by a previous process are replayed.
	journal, err := audit.OpenFileJournal(cfg.Audit.JournalDir)
	if err != nil {
		return err
	}

	recorder := audit.NewRecorder(auditStore, cfg.Audit.Recorder,
		audit.WithJournal(journal),
		audit.WithAlerter(audit.NewLogAlerter(logger, metrics, cfg.Audit.AlertInterval, cfg.Audit.AlertBurst)),
		audit.WithLogger(logger),
		audit.WithMetrics(metrics),
	)
	// Close ends the recorder, not the signal: in-flight entries must drain
	recorder.Start(context.Background())

	authz := access.NewAuthorizer(recorder, logger)
	engine, err := newRetentionEngine(ctx, cfg, retentionStore, auditStore, redisClient, recorder, authz, metrics, logger)
	if err != nil {
		return err
	}

	sessions := access.NewRedisSessionStore(redisClient)
	tokens, err := access.NewTokenIssuer(cfg.Session.TokenSecret, cfg.Session.Issuer, sessions)
	if err != nil {
		return err
	}

	server, err := api.NewServer(api.Dependencies{
		Audit:           audit.NewReader(auditStore, recorder, authz, logger),
		Recorder:        recorder,
		Retention:       engine,
		Roles:           roleStore,
		Authorizer:      authz,
		Sessions:        sessions,
		Tokens:          tokens,
		Auth:            middleware.NewAuthMiddleware(tokens, access.NewBuilder(roleStore), logger),
		Metrics:         metrics,
		Logger:          logger,
		RateLimit:       middleware.DefaultRateLimitConfig(),
		ExportRateLimit: middleware.ExportRateLimitConfig(),
	})
	if err != nil {
		return err
	}

	apiServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      otelhttp.NewHandler(server, "clinicguard"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, observability.NewHealthChecker(db.Primary(), redisClient, version))
	observability.RegisterMetricsEndpoint(healthMux, registry)
	healthServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:           healthMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("addr", apiServer.Addr).Info("API server listening")
		return listen(apiServer)
	})
	g.Go(func() error {
		logger.WithField("addr", healthServer.Addr).Info("health server listening")
		return listen(healthServer)
	})
	if cfg.RoleCatalogPath != "" {
		g.Go(func() error {
			return config.WatchRoleCatalog(gctx, cfg.RoleCatalogPath, func(roles []rbac.Role) {
				if err := rbac.SyncSystemRoles(gctx, roleStore, roles, logger); err != nil {
					logger.WithError(err).Error("role catalog sync failed")
				}
			}, logger)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		err := errors.Join(
			apiServer.Shutdown(shutdownCtx),
			healthServer.Shutdown(shutdownCtx),
		)
		// Handlers are drained; flush what they recorded
		if cerr := recorder.Close(shutdownCtx); cerr != nil {
			err = errors.Join(err, fmt.Errorf("audit recorder close: %w", cerr))
		}
		return err
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("server stopped with error")
		return err
	}
	logger.Info("server stopped")
	return nil
}

type migrator interface {
	Migrate(ctx context.Context) error
}

func migrate(ctx context.Context, stores ...migrator) error {
	for _, s := range stores {
		if err := s.Migrate(ctx); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func listen(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// newRetentionEngine builds the engine the API uses for administration and
// manual runs. Scheduled runs belong to clinicguard-retention.
func newRetentionEngine(
	ctx context.Context,
	cfg *config.Config,
	store *retention.PGStore,
	auditStore *audit.PGStore,
	redisClient *goredis.Client,
	recorder *audit.Recorder,
	authz *access.Authorizer,
	metrics *observability.Metrics,
	logger *observability.Logger,
) (*retention.Engine, error) {
	opts := retention.Options{
		DeferInterval: cfg.Retention.DeferInterval,
		Workers:       cfg.Retention.Workers,
		TaskTimeout:   cfg.Retention.TaskTimeout,
		Logger:        logger,
		Metrics:       metrics,
	}
	if cfg.Storage.ArchiveEnabled() {
		client, err := s3.NewClient(ctx, cfg.Storage)
		if err != nil {
			return nil, err
		}
		opts.Archiver = s3.NewArchiver(client, cfg.Storage.S3Bucket, cfg.Retention.ArchivePrefix)
	} else {
		logger.Warn("no archive bucket configured, archived sets will not be uploaded")
	}

	locker := retention.NewRedisLocker(redisClient, "", cfg.Retention.LockTTL)
	engine := retention.NewEngine(store, locker, recorder, authz, opts)
	engine.RegisterSource(retention.NewAuditLogSource(auditStore, auditStore))
	return engine, nil
}
