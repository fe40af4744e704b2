package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/fiscal-engine/internal/fiscal/calc"
	"github.com/odyssey-erp/fiscal-engine/internal/fiscal/ledger"
	"github.com/odyssey-erp/fiscal-engine/internal/fiscal/obligations"
	"github.com/odyssey-erp/fiscal-engine/internal/fiscal/rules"
	"github.com/odyssey-erp/fiscal-engine/internal/observability"
	"github.com/odyssey-erp/fiscal-engine/internal/platform/cache"
)

// Services are the fiscal components shared by the API and the worker.
type Services struct {
	Rules       *rules.Service
	Engine      *calc.Engine
	Ledger      *ledger.Service
	Obligations *obligations.Service
	Renderer    *obligations.RenderClient
	Metrics     *observability.FiscalMetrics
}

// ServiceDeps are the connections Services are built on. Redis may be nil,
// which disables the summary cache.
type ServiceDeps struct {
	Config     *Config
	Logger     *slog.Logger
	Pool       *pgxpool.Pool
	Redis      *redis.Client
	Registerer prometheus.Registerer
}

// BuildServices wires repositories, cache, render client and object store.
func BuildServices(ctx context.Context, deps ServiceDeps) (*Services, error) {
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewFiscalMetrics(deps.Registerer)

	var summaryCache *cache.Versioned
	if deps.Redis != nil {
		summaryCache = cache.NewVersioned(deps.Redis, "fiscal", cfg.SummaryCacheTTL)
	}

	registry := calc.NewRegistry()
	if methods := cfg.FallbackMethods(); len(methods) > 0 {
		for _, m := range registry.EnablePercentualFallback(methods, logger, metrics) {
			logger.Warn("percentual fallback not enabled for method", slog.String("method", string(m)))
		}
		logger.Warn("percentual fallback active", slog.Any("methods", methods))
	}

	ruleService := rules.NewService(rules.NewRepository(deps.Pool), cfg.Location(), logger)
	engine := calc.NewEngine(calc.EngineConfig{
		Rules:      ruleService,
		Store:      calc.NewRepository(deps.Pool),
		Calculator: calc.NewCalculator(registry),
		Cache:      invalidator(summaryCache),
		Location:   cfg.Location(),
		Logger:     logger,
		Metrics:    metrics,
	})
	ledgerService := ledger.NewService(ledger.ServiceConfig{
		Repo:     ledger.NewRepository(deps.Pool),
		Cache:    summaryCacheOrNil(summaryCache),
		Location: cfg.Location(),
		Logger:   logger,
		Metrics:  metrics,
	})

	store, err := NewObjectStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	var renderer *obligations.RenderClient
	var rendererPort obligations.Renderer
	if strings.TrimSpace(cfg.RenderURL) != "" {
		renderer = obligations.NewRenderClient(obligations.RenderConfig{
			URL:        cfg.RenderURL,
			Token:      cfg.RenderToken,
			Timeout:    cfg.RenderTimeout,
			MaxRetries: cfg.RenderMaxRetries,
		})
		rendererPort = renderer
	} else {
		logger.Warn("RENDER_URL not set, obligation generation disabled")
	}
	obligationService := obligations.NewService(obligations.ServiceConfig{
		Repo:     obligations.NewRepository(deps.Pool),
		Renderer: rendererPort,
		Store:    store,
		Logger:   logger,
		Metrics:  metrics,
	})

	return &Services{
		Rules:       ruleService,
		Engine:      engine,
		Ledger:      ledgerService,
		Obligations: obligationService,
		Renderer:    renderer,
		Metrics:     metrics,
	}, nil
}

// NewObjectStore selects the obligation file store named by STORAGE_DRIVER.
func NewObjectStore(ctx context.Context, cfg *Config) (obligations.Store, error) {
	switch strings.ToLower(cfg.StorageDriver) {
	case StorageS3:
		store, err := obligations.NewS3Store(ctx, cfg.StorageBucket, cfg.StoragePrefix)
		if err != nil {
			return nil, fmt.Errorf("s3 store: %w", err)
		}
		return store, nil
	case StorageFS, "":
		return obligations.NewFSStore(cfg.StorageDir), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}

// The helpers below keep a nil *cache.Versioned from becoming a non-nil
// interface value.

func invalidator(c *cache.Versioned) calc.Invalidator {
	if c == nil {
		return nil
	}
	return c
}

func summaryCacheOrNil(c *cache.Versioned) ledger.SummaryCache {
	if c == nil {
		return nil
	}
	return c
}
