package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"manticore-trading/config"
	"manticore-trading/internal/ledger"
	"manticore-trading/internal/models"
	"manticore-trading/internal/recon"
	"manticore-trading/internal/server"
	"manticore-trading/internal/settlement"
	"manticore-trading/observability/logging"
	"manticore-trading/observability/otel"
)

const serviceName = "marketd"

func main() {
	configPath := flag.String("config", "marketd.toml", "path to the marketd configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := logging.SetupWithFile(serviceName, cfg.Environment, cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TraceEnable || cfg.MetricEnable {
		shutdown, err := otel.Init(ctx, otel.Config{
			ServiceName: serviceName,
			Environment: cfg.Environment,
			Endpoint:    cfg.OTLPEndpoint,
			Insecure:    cfg.OTLPInsecure,
			Traces:      cfg.TraceEnable,
			Metrics:     cfg.MetricEnable,
		})
		if err != nil {
			log.Fatalf("telemetry init error: %v", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Error("telemetry shutdown failed", slog.String("error", err.Error()))
			}
		}()
	}

	db, err := openDatabase(cfg)
	if err != nil {
		log.Fatalf("database connection error: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		log.Fatalf("auto migrate error: %v", err)
	}

	processor := ledger.NewProcessor(db, ledger.WithLogger(logger))
	reactor := settlement.NewReactor(db, settlement.WithLogger(logger))

	srv := server.New(server.Config{
		DB:        db,
		Processor: processor,
		Reactor:   reactor,
		Logger:    logger,
		Limits: map[string]server.RateLimit{
			server.FeedEntries: {RequestsPerMinute: cfg.EntryFeedRatePerMinute, Burst: cfg.FeedBurst},
			server.FeedPayouts: {RequestsPerMinute: cfg.PayoutFeedRatePerMinute, Burst: cfg.FeedBurst},
		},
	})

	reconciler, err := recon.NewReconciler(recon.Config{
		DB:        db,
		OutputDir: cfg.ReconOutputDir,
		DryRun:    cfg.ReconDryRun,
		Logger:    logger,
	})
	if err != nil {
		log.Fatalf("reconciler init error: %v", err)
	}
	scheduler := recon.NewScheduler(recon.SchedulerConfig{
		Reconciler: reconciler,
		RunHour:    cfg.ReconRunHour,
		RunMinute:  cfg.ReconRunMinute,
		Logger:     logger,
	})
	go scheduler.Start(ctx)

	handler := otelhttp.NewHandler(srv.Handler(), serviceName)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", slog.String("error", err.Error()))
		}
	}()

	logger.Info("starting marketd", slog.String("addr", cfg.ListenAddress), slog.String("driver", cfg.DatabaseDriver))
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}

func openDatabase(cfg *config.Config) (*gorm.DB, error) {
	switch cfg.DatabaseDriver {
	case "postgres":
		return gorm.Open(postgres.Open(cfg.DatabaseDSN), &gorm.Config{})
	default:
		return gorm.Open(sqlite.Open(cfg.DatabaseDSN), &gorm.Config{})
	}
}
