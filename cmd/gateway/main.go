package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pysugar/completion-gateway/internal/audit"
	"github.com/pysugar/completion-gateway/internal/capacity"
	"github.com/pysugar/completion-gateway/internal/completion"
	"github.com/pysugar/completion-gateway/internal/config"
	"github.com/pysugar/completion-gateway/internal/db"
	"github.com/pysugar/completion-gateway/internal/logging"
	"github.com/pysugar/completion-gateway/internal/metrics"
	"github.com/pysugar/completion-gateway/internal/providers/catalog"
	"github.com/pysugar/completion-gateway/internal/proxy/handlers"
	"github.com/pysugar/completion-gateway/internal/proxy/middleware"
	"github.com/pysugar/completion-gateway/internal/routing"
	"github.com/pysugar/completion-gateway/internal/upstream"
	"github.com/pysugar/completion-gateway/internal/upstream/bedrock"
	"github.com/pysugar/completion-gateway/internal/upstream/openaicompat"
	"github.com/pysugar/completion-gateway/internal/version"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("GATEWAY_CONFIG"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Gateway stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting completion gateway", zap.String("version", version.String()))

	if err := catalog.Init(cfg.Catalog.Path); err != nil {
		logger.Warn("Failed to load provider catalog, using embedded defaults", zap.Error(err))
	}

	database, err := db.InitDB(cfg.Database.Path, logger)
	if err != nil {
		return err
	}
	vault, err := db.NewVault(cfg.Vault.Key)
	if err != nil {
		return err
	}
	if cfg.Vault.Key == "" {
		logger.Warn("Vault key is not set, connection configs are stored unsealed")
	}
	stores := db.NewStores(database, vault)
	if err := stores.SeedFromFile(ctx, cfg.Database.Seed, logger); err != nil {
		return err
	}

	ledger, closeLedger, err := newLedger(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLedger()

	collectors := metrics.New()
	gate := capacity.NewGate(ledger, stores.Pools, logger).OnDenial(collectors.GateDenied)

	evaluator, err := routing.NewCELEvaluator()
	if err != nil {
		return fmt.Errorf("routing evaluator: %w", err)
	}

	registry, creds, err := newRegistry(ctx, cfg, logger)
	if err != nil {
		return err
	}
	stores.Connections.OnConfigChange(creds.ConnectionChanged)

	var sink audit.Sink
	var recorder *audit.Recorder
	if cfg.Audit.Enabled {
		recorder = audit.NewRecorder(database, cfg.Audit.Recent, logger)
		sink = recorder
	}

	svc := completion.NewService(completion.Options{
		Resources:   stores.Resources,
		Connections: stores.Connections,
		Workspaces:  stores.Workspaces,
		Providers:   registry,
		Router:      routing.NewEngine(evaluator, logger),
		Gate:        gate,
		Metrics:     collectors,
		ErrorRates:  metrics.NewErrorRateTracker(),
		Audit:       sink,
		Logger:      logger,
	})

	trusted, err := middleware.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return fmt.Errorf("trusted proxies: %w", err)
	}
	deps := handlers.Deps{
		Completions:    svc,
		Keys:           stores.APIKeys,
		Providers:      registry,
		TrustedProxies: trusted,
		Logger:         logger,
	}
	if recorder != nil {
		deps.Audit = recorder
	}
	if cfg.Metrics.Enabled {
		deps.Metrics = collectors.Handler()
		deps.MetricsPath = cfg.Metrics.Path
	}

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handlers.NewRouter(deps),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Listening", zap.String("addr", server.Addr), zap.Strings("providers", registry.IDs()))
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	if recorder != nil {
		if err := recorder.Close(shutdownCtx); err != nil {
			logger.Warn("Audit flush incomplete", zap.Error(err), zap.Int64("dropped", recorder.Dropped()))
		}
	}
	return nil
}

func newLedger(ctx context.Context, cfg *config.Config, logger *zap.Logger) (capacity.Store, func(), error) {
	if cfg.Ledger.Backend == "memory" {
		logger.Warn("Using in-process capacity ledger; limits are not shared between instances")
		return capacity.NewMemoryStore(), func() {}, nil
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis ping %v: %w", cfg.Redis.Addrs, err)
	}
	store := capacity.NewRedisStore(client, cfg.Redis.KeyPrefix)
	logger.Info("Capacity ledger connected", zap.Strings("addrs", cfg.Redis.Addrs))
	return store, func() { _ = store.Close() }, nil
}

// newRegistry registers a passthrough adapter for every enabled passthrough
// directory entry, plus the Bedrock adapter and its credential cache.
func newRegistry(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*upstream.Registry, *bedrock.CredentialCache, error) {
	registry := upstream.NewRegistry()
	for _, info := range catalog.GetProviders() {
		if !info.Enabled || info.Kind != catalog.KindPassthrough {
			continue
		}
		registry.Register(openaicompat.NewProvider(info, cfg.Upstream.Timeout, logger))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("aws config: %w", err)
	}
	creds := bedrock.NewCredentialCache(awsCfg, cfg.Bedrock.CredentialCacheSize)
	images := bedrock.NewImageFetcher(&http.Client{Timeout: cfg.Upstream.ImageFetchTimeout}, cfg.Upstream.MaxImageBytes)
	registry.Register(bedrock.NewProvider(bedrock.NewSDKClientFactory(awsCfg, creds), images, logger))
	return registry, creds, nil
}
