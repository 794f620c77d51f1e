package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/clinicguard/pkg/access"
	"github.com/platinummonkey/clinicguard/pkg/audit"
	"github.com/platinummonkey/clinicguard/pkg/config"
	"github.com/platinummonkey/clinicguard/pkg/observability"
	"github.com/platinummonkey/clinicguard/pkg/retention"
	"github.com/platinummonkey/clinicguard/pkg/storage/postgres"
	"github.com/platinummonkey/clinicguard/pkg/storage/redis"
	"github.com/platinummonkey/clinicguard/pkg/storage/s3"
)

var (
	runOnce  = flag.Bool("run-once", false, "Run one retention pass and exit")
	schedule = flag.String("schedule", "", "Cron schedule, overrides CLINICGUARD_RETENTION_SCHEDULE")
	logLevel = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	migrate  = flag.Bool("migrate", true, "Apply audit and retention migrations on startup")
)

// Retention worker: evaluates every record set against its policy on a
// schedule, archives, schedules and executes destructions.
func main() {
	flag.Parse()

	log := setupLogger(*logLevel)
	cfg, err := config.LoadWorkerConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *schedule != "" {
		cfg.Retention.Schedule = *schedule
	}

	// Components log through the structured logger; this binary's own
	// progress goes to logrus.
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).WithField("service", "clinicguard-retention")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.NewConnectionManager(postgres.ConfigFrom(cfg.Storage), logger)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	redisClient, err := redis.NewClient(ctx, cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	auditStore := audit.NewPGStore(db.Primary(), logger)
	store := retention.NewPGStore(db.Primary(), logger)
	if *migrate {
		if err := auditStore.Migrate(ctx); err != nil {
			log.Fatalf("Audit migrations failed: %v", err)
		}
		if err := store.Migrate(ctx); err != nil {
			log.Fatalf("Retention migrations failed: %v", err)
		}
	}

	journal, err := audit.OpenFileJournal(cfg.Audit.JournalDir)
	if err != nil {
		log.Fatalf("Failed to open audit journal: %v", err)
	}
	recorder := audit.NewRecorder(auditStore, cfg.Audit.Recorder,
		audit.WithJournal(journal),
		audit.WithAlerter(audit.NewLogAlerter(logger, nil, cfg.Audit.AlertInterval, cfg.Audit.AlertBurst)),
		audit.WithLogger(logger),
	)
	recorder.Start(context.Background())
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer closeCancel()
		if err := recorder.Close(closeCtx); err != nil {
			log.Errorf("Audit recorder close failed: %v", err)
		}
	}()

	engine, err := newEngine(ctx, cfg, store, auditStore, redisClient, recorder, logger)
	if err != nil {
		log.Fatalf("Failed to create retention engine: %v", err)
	}

	if *runOnce {
		runCtx := ctx
		if cfg.Retention.RunTimeout > 0 {
			var runCancel context.CancelFunc
			runCtx, runCancel = context.WithTimeout(ctx, cfg.Retention.RunTimeout)
			defer runCancel()
		}
		summary, err := engine.Run(runCtx)
		logSummary(log, summary)
		if err != nil {
			// Fatalf would skip the deferred recorder flush
			log.Errorf("Retention run finished with errors: %v", err)
			cancel()
			os.Exit(exitAfterFlush(recorder, log))
		}
		log.Info("Retention run completed successfully")
		return
	}

	scheduler, err := retention.NewScheduler(engine, cfg.Retention.Schedule, cfg.Retention.RunTimeout, logger)
	if err != nil {
		log.Fatalf("Failed to create scheduler: %v", err)
	}
	scheduler.Start(ctx)
	log.WithField("schedule", cfg.Retention.Schedule).Info("Retention worker started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down gracefully...")
	scheduler.Stop()
	log.Info("Retention worker stopped")
}

func setupLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}

func logSummary(log *logrus.Logger, s retention.RunSummary) {
	log.WithFields(logrus.Fields{
		"discovered": s.Discovered,
		"archived":   s.Archived,
		"scheduled":  s.Scheduled,
		"frozen":     s.Frozen,
		"destroyed":  s.Destroyed,
		"deferred":   s.Deferred,
	}).Info("Retention run summary")
}

// exitAfterFlush closes the recorder so the run's audit events are stored
// or journaled, then returns the process exit code.
func exitAfterFlush(recorder *audit.Recorder, log *logrus.Logger) int {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := recorder.Close(ctx); err != nil {
		log.Errorf("Audit recorder close failed: %v", err)
	}
	return 1
}

func newEngine(
	ctx context.Context,
	cfg *config.Config,
	store *retention.PGStore,
	auditStore *audit.PGStore,
	redisClient *goredis.Client,
	recorder *audit.Recorder,
	logger *observability.Logger,
) (*retention.Engine, error) {
	opts := retention.Options{
		DeferInterval: cfg.Retention.DeferInterval,
		Workers:       cfg.Retention.Workers,
		TaskTimeout:   cfg.Retention.TaskTimeout,
		Logger:        logger,
	}
	if cfg.Storage.ArchiveEnabled() {
		client, err := s3.NewClient(ctx, cfg.Storage)
		if err != nil {
			return nil, err
		}
		archiver := s3.NewArchiver(client, cfg.Storage.S3Bucket, cfg.Retention.ArchivePrefix)
		if err := archiver.HealthCheck(ctx); err != nil {
			return nil, err
		}
		opts.Archiver = archiver
	}

	// The API server shares this lock prefix, so manual and scheduled
	// destructions for one tenant never overlap.
	locker := retention.NewRedisLocker(redisClient, "", cfg.Retention.LockTTL)
	engine := retention.NewEngine(store, locker, recorder, access.NewAuthorizer(recorder, logger), opts)
	engine.RegisterSource(retention.NewAuditLogSource(auditStore, auditStore))
	return engine, nil
}
