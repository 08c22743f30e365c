package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"fieldcrm/activity"
	"fieldcrm/config"
	"fieldcrm/customer"
	"fieldcrm/db"
	"fieldcrm/messaging"
	"fieldcrm/metrics"
	"fieldcrm/scoring"
	"fieldcrm/sequence"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	once := flag.Bool("once", false, "run a single batch and exit")
	tenant := flag.String("tenant", "", "restrict runs to one tenant; each run also rescores and auto-enrolls it")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if *tenant != "" {
		cfg.Processor.Tenant = *tenant
	}
	logger := cfg.Log.NewLogger()

	if err := run(cfg, *once, logger); err != nil {
		logger.Error("processor stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg config.Config, once bool, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database.URL, db.PoolOptions{
		MaxConns:        cfg.Database.MaxConns,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return err
	}
	defer pool.Close()

	if cfg.Database.Migrate {
		if err := db.Migrate(ctx, pool); err != nil {
			return err
		}
	}

	collector := metrics.NewCollector(logger)
	if !once && cfg.HTTP.MetricsAddr != "" {
		srv := collector.StartServer(cfg.HTTP.MetricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	customers := customer.NewRepository(pool)
	processor := sequence.NewProcessor(
		sequence.NewRepository(pool),
		customers,
		messaging.NewOutbox(pool),
		activity.NewRepository(pool),
		sequence.ProcessorConfig{
			BatchSize:   cfg.Processor.BatchSize,
			Concurrency: cfg.Processor.Concurrency,
			ItemTimeout: cfg.Processor.ItemTimeout,
			ClaimLease:  cfg.Processor.ClaimLease,
			TenantID:    cfg.Processor.Tenant,
		},
		logger,
	).WithRecorder(collector)

	tenantID := cfg.Processor.Tenant
	if tenantID != "" {
		processor.WithBeforeRun(func(ctx context.Context) error {
			return refreshTenant(ctx, pool, customers, collector, tenantID, logger)
		})
	}

	if once {
		if tenantID != "" {
			if err := refreshTenant(ctx, pool, customers, collector, tenantID, logger); err != nil {
				return err
			}
		}
		res, err := processor.Run(ctx)
		if err != nil {
			return err
		}
		logger.Info("sequence processor run finished",
			slog.Int("claimed", res.Claimed),
			slog.Int("advanced", res.Advanced),
			slog.Int("completed", res.Completed),
			slog.Int("cancelled", res.Cancelled),
			slog.Int("failed", res.Failed),
			slog.Int("lost", res.Lost),
		)
		return nil
	}

	logger.Info("sequence processor started", slog.Duration("interval", cfg.Processor.Interval))
	return processor.Start(ctx, cfg.Processor.Interval)
}

// refreshTenant rescores a tenant and enrolls matching customers into its
// triggered sequences before a batch runs.
func refreshTenant(ctx context.Context, pool *pgxpool.Pool, customers *customer.PGRepository, collector *metrics.Collector, tenantID string, logger *slog.Logger) error {
	engine := scoring.NewEngine(scoring.NewRepository(pool), customers, logger).WithRecorder(collector)
	if _, err := engine.CalculateScores(ctx, tenantID); err != nil {
		return err
	}

	trigger, err := sequence.NewTrigger()
	if err != nil {
		return err
	}
	svc := sequence.NewService(sequence.NewRepository(pool), customers, trigger, logger)
	_, err = svc.AutoEnroll(ctx, tenantID)
	return err
}
