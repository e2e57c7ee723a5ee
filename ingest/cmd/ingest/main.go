package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/telhawk-systems/studyhawk/common/audit"
	"github.com/telhawk-systems/studyhawk/common/logging"
	"github.com/telhawk-systems/studyhawk/common/messaging"
	"github.com/telhawk-systems/studyhawk/ingest/internal/activity"
	"github.com/telhawk-systems/studyhawk/ingest/internal/auth"
	"github.com/telhawk-systems/studyhawk/ingest/internal/bootstrap"
	"github.com/telhawk-systems/studyhawk/ingest/internal/classifier"
	"github.com/telhawk-systems/studyhawk/ingest/internal/config"
	"github.com/telhawk-systems/studyhawk/ingest/internal/crashreport"
	"github.com/telhawk-systems/studyhawk/ingest/internal/datacheck"
	"github.com/telhawk-systems/studyhawk/ingest/internal/handlers"
	"github.com/telhawk-systems/studyhawk/ingest/internal/keystore"
	"github.com/telhawk-systems/studyhawk/ingest/internal/metrics"
	"github.com/telhawk-systems/studyhawk/ingest/internal/operatorauth"
	"github.com/telhawk-systems/studyhawk/ingest/internal/ratelimit"
	"github.com/telhawk-systems/studyhawk/ingest/internal/repository"
	"github.com/telhawk-systems/studyhawk/ingest/internal/server"
	"github.com/telhawk-systems/studyhawk/ingest/internal/service"
	"github.com/telhawk-systems/studyhawk/ingest/internal/storage"
	"github.com/telhawk-systems/studyhawk/ingest/internal/tracing"
	"github.com/telhawk-systems/studyhawk/ingest/pkg/devicecrypt"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.New(
		logging.ParseLevel(cfg.Logging.Level),
		cfg.Logging.Format,
	).With(logging.Service("ingest"))
	logging.SetDefault(logger)

	slog.Info("Starting ingest service",
		slog.Int("port", cfg.Server.Port),
		slog.String("log_level", cfg.Logging.Level),
		slog.String("storage_backend", cfg.Storage.Backend),
		slog.String("queue_backend", cfg.Queue.Backend),
		slog.String("forensics_backend", cfg.Forensics.Backend),
	)
	if *configPath != "" {
		slog.Info("Loaded configuration", slog.String("config_path", *configPath))
	}

	ctx := context.Background()

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		fatal("Failed to initialize tracing", err)
	}
	defer shutdownTracing(context.Background()) //nolint:errcheck

	natsPool := bootstrap.NewNATS("studyhawk-ingest")
	defer natsPool.Close()
	healthChecks := map[string]messaging.HealthChecker{}

	// queue.backend=memory also keeps participants in memory: a
	// development-only setup with no database.
	var participants auth.Resolver
	var queue storage.Queue
	var pg *repository.PostgresRepository
	if cfg.Queue.Backend == "memory" {
		slog.Warn("Using in-memory participants and queue (development only)")
		mem := repository.NewInMemoryRepository()
		participants, queue = mem, mem
	} else {
		if cfg.Database.AutoMigrate {
			version, dirty, err := repository.Migrate(cfg.Database.MigrationsPath, cfg.Database.URL)
			if err != nil {
				fatal("Failed to run migrations", err)
			}
			slog.Info("Database migration complete", slog.Uint64("version", uint64(version)), slog.Bool("dirty", dirty))
		}
		pg, err = bootstrap.Postgres(ctx, cfg.Database)
		if err != nil {
			fatal("Failed to connect to PostgreSQL", err)
		}
		defer pg.Close()
		participants = pg
		healthChecks["postgres"] = pg
		slog.Info("Connected to PostgreSQL")
	}

	switch cfg.Queue.Backend {
	case "postgres":
		queue = pg
	case "jetstream":
		js, err := natsPool.JetStream(cfg.Queue.NATSURL)
		if err != nil {
			fatal("Failed to connect to NATS for processing queue", err)
		}
		if queue, err = storage.NewJetStreamQueue(ctx, js); err != nil {
			fatal("Failed to initialize processing stream", err)
		}
	}

	blobs, err := bootstrap.BlobStore(ctx, cfg.Storage, logger.Logger)
	if err != nil {
		fatal("Failed to initialize blob store", err)
	}

	forensicLog, err := bootstrap.Forensics(ctx, cfg.Forensics, natsPool, logger.Logger)
	if err != nil {
		fatal("Failed to initialize forensic log", err)
	}

	var crash crashreport.Reporter = crashreport.NewLogReporter(logger.Logger)
	if cfg.CrashReports.Enabled {
		js, err := natsPool.JetStream(cfg.CrashReports.NATSURL)
		if err != nil {
			fatal("Failed to connect to NATS for crash reports", err)
		}
		crash = crashreport.NewNATSReporter(js)
	}

	for name, hc := range natsPool.HealthChecks() {
		healthChecks[name] = hc
	}

	var signer *audit.RecordSigner
	if cfg.Queue.SigningSecret != "" {
		signer = audit.NewRecordSigner(cfg.Queue.SigningSecret)
	}

	keys := keystore.NewStore(keystore.NewBlobKeySource(blobs))
	if err := metrics.RegisterKeyCacheSize(prometheus.DefaultRegisterer, keys.Len); err != nil {
		slog.Warn("Failed to register key cache metric", slog.String("error", err.Error()))
	}

	uploads := service.NewUploadService(service.Dependencies{
		Keys:          keys,
		Decrypter:     devicecrypt.NewEngine(),
		Classifier:    classifier.New(cfg.Uploads.SpuriousPrefixes),
		Handoff:       storage.NewHandoff(blobs, queue, signer),
		Alerter:       bootstrap.Alerter(cfg.Alerts, logger.Logger),
		CrashReporter: crash,
		Forensics:     forensicLog,
		Logger:        logger,
	}, cfg.Uploads.AllowedExtensions)

	var limiter ratelimit.RateLimiter = &ratelimit.NoOpRateLimiter{}
	if cfg.Redis.Enabled && cfg.RateLimit.Enabled {
		l, err := ratelimit.NewRedisRateLimiter(cfg.Redis.URL, cfg.RateLimit.Requests, cfg.RateLimit.Window, false)
		if err != nil {
			slog.Warn("Failed to initialize Redis rate limiter, continuing without rate limiting", slog.String("error", err.Error()))
		} else {
			limiter = l
			slog.Info("Rate limiting enabled",
				slog.Int("requests", cfg.RateLimit.Requests),
				slog.Duration("window", cfg.RateLimit.Window),
			)
		}
	}
	defer limiter.Close()

	uploadHandler := handlers.NewUploadHandler(uploads, limiter, cfg.RateLimit.Window, logger)
	var activityHandler *handlers.ActivityHandler
	if cfg.Redis.Enabled {
		instanceID, _ := os.Hostname()
		client, err := activity.NewClient(cfg.Redis.URL, instanceID)
		if err != nil {
			slog.Warn("Failed to initialize upload activity tracking", slog.String("error", err.Error()))
		} else {
			defer client.Close()
			collector := activity.NewCollector(client, cfg.Redis.ActivityFlushInterval, logger.Logger)
			defer collector.Stop()
			uploadHandler.WithActivity(collector)
			activityHandler = handlers.NewActivityHandler(client, logger)
			slog.Info("Upload activity tracking enabled", slog.String("instance_id", instanceID))
		}
	}

	var operator *operatorauth.TokenIssuer
	if cfg.OperatorAuth.Secret != "" {
		operator = operatorauth.NewTokenIssuer(cfg.OperatorAuth.Secret, cfg.OperatorAuth.TokenTTL)
	} else {
		slog.Warn("Operator API is unauthenticated; set operator_auth.secret")
	}

	router := server.NewRouter(server.Handlers{
		Upload:    uploadHandler,
		DataCheck: handlers.NewDataCheckHandler(datacheck.NewChecker(blobs, cfg.DataCheck.Thresholds), logger),
		Health:    handlers.NewHealthHandler(healthChecks, func() any { return uploads.GetStats() }),
		Auth:      auth.NewMiddleware(participants, logger, cfg.Uploads.MaxUploadBytes),
		Activity:  activityHandler,
		Operator:  operator,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		slog.Info("Ingest service listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal("Server error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down server")
	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", slog.String("error", err.Error()))
	}
	slog.Info("Server stopped")
}

func fatal(msg string, err error) {
	slog.Error(msg, slog.String("error", err.Error()))
	os.Exit(1)
}
