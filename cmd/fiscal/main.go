package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/fiscal-engine/cmd/fiscal/cli"
	"github.com/odyssey-erp/fiscal-engine/internal/app"
	fiscalhttp "github.com/odyssey-erp/fiscal-engine/internal/fiscal/http"
	"github.com/odyssey-erp/fiscal-engine/internal/observability"
	"github.com/odyssey-erp/fiscal-engine/internal/platform/cache"
	"github.com/odyssey-erp/fiscal-engine/internal/platform/db"
	"github.com/odyssey-erp/fiscal-engine/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	if len(os.Args) > 1 && os.Args[1] == "jobs" {
		if err := runJobs(ctx, cfg, os.Args[2:]); err != nil {
			logger.Error("jobs command", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	if err := serve(ctx, stop, cfg, logger); err != nil {
		logger.Error("server", slog.Any("error", err))
		os.Exit(1)
	}
}

func serve(ctx context.Context, stop context.CancelFunc, cfg *app.Config, logger *slog.Logger) error {
	pool, err := db.New(ctx, cfg.PGDSN, cfg.DBOptions("api"))
	if err != nil {
		return err
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisOptions())
	if err != nil {
		// The summary cache is optional; the service runs uncached.
		logger.Warn("redis unavailable, summary cache disabled", slog.Any("error", err))
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	metrics := observability.NewMetrics()
	services, err := app.BuildServices(ctx, app.ServiceDeps{
		Config:     cfg,
		Logger:     logger,
		Pool:       pool,
		Redis:      redisClient,
		Registerer: metrics.Registerer(),
	})
	if err != nil {
		return err
	}

	redisOpts := cfg.QueueRedis()
	queue, err := jobs.NewClient(redisOpts)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.Warn("queue client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	fiscalHandler := fiscalhttp.NewHandler(fiscalhttp.Config{
		Rules:       services.Rules,
		Calc:        services.Engine,
		Ledger:      services.Ledger,
		Obligations: services.Obligations,
		Queue:       queue,
		Logger:      logger,
	})

	ready := map[string]app.Pinger{"postgres": pingPool(pool)}
	if redisClient != nil {
		ready["redis"] = app.PingFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}

	router := app.NewRouter(app.RouterParams{
		Logger:        logger,
		Config:        cfg,
		FiscalHandler: fiscalHandler,
		JobHandler:    jobs.NewHandler(inspector, logger),
		Metrics:       metrics,
		Ready:         ready,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.String("env", cfg.AppEnv))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	return nil
}

func pingPool(pool *pgxpool.Pool) app.Pinger {
	return app.PingFunc(pool.Ping)
}

// runJobs handles `fiscal jobs <trigger|stats|scheduled>`.
func runJobs(ctx context.Context, cfg *app.Config, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: fiscal jobs <trigger NAME|stats|scheduled>")
	}
	c := cli.NewJobsCLI(cfg.QueueRedis())
	defer c.Close() //nolint:errcheck

	switch args[0] {
	case "trigger":
		fs := flag.NewFlagSet("trigger", flag.ContinueOnError)
		var ta cli.TriggerArgs
		fs.IntVar(&ta.Month, "month", 0, "period month (default: previous month)")
		fs.IntVar(&ta.Year, "year", 0, "period year")
		fs.Int64Var(&ta.ObligationID, "obligation", 0, "obligation id")
		fs.StringVar(&ta.FileType, "file-type", "", "obligation file type")
		fs.StringVar(&ta.Format, "format", "", "obligation file format")
		if len(args) < 2 {
			return fmt.Errorf("usage: fiscal jobs trigger <ledger-close|obligation-generate> [flags]")
		}
		if err := fs.Parse(args[2:]); err != nil {
			return err
		}
		info, err := c.Trigger(ctx, args[1], ta)
		if err != nil {
			return err
		}
		fmt.Printf("enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
	case "stats":
		stats, err := c.InspectQueue(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("queue=%s pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
			stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Archived)
	case "scheduled":
		tasks, err := c.ListScheduled(ctx, 20)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			fmt.Printf("%s %s next=%s\n", t.ID, t.Type, t.NextProcessAt.Format(time.RFC3339))
		}
	default:
		return fmt.Errorf("unknown jobs command %q", args[0])
	}
	return nil
}
