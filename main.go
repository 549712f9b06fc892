package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"futures-trading-engine/config"
	"futures-trading-engine/internal/api"
	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/events"
	"futures-trading-engine/internal/exchange"
	"futures-trading-engine/internal/logging"
	"futures-trading-engine/internal/market"
	"futures-trading-engine/internal/orders"
	"futures-trading-engine/internal/risk"
	"futures-trading-engine/internal/scheduler"
	"futures-trading-engine/internal/vault"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)
	logger.Info("structured logging initialized", "level", cfg.Logging.Level, "format", cfg.Logging.Format)

	// Initialize event bus
	eventBus := events.NewEventBus()

	// Credential client; with Vault disabled it serves the env fallback
	vaultClient, err := vault.NewClient(vault.Config{
		Enabled:    cfg.Vault.Enabled,
		Address:    cfg.Vault.Address,
		Token:      cfg.Vault.Token,
		MountPath:  cfg.Vault.MountPath,
		SecretPath: cfg.Vault.SecretPath,
		TLSEnabled: cfg.Vault.TLSEnabled,
		CACert:     cfg.Vault.CACert,
	}, logger)
	if err != nil {
		log.Fatalf("Failed to initialize vault client: %v", err)
	}

	// Order gateway
	gateway := buildGateway(cfg, vaultClient, logger)

	// Candle source: REST always, websocket buffers in front when enabled
	restSource := market.NewBinanceSource(marketBaseURL(cfg))
	var stream *market.KlineStream
	var source market.Source = restSource
	if cfg.Market.StreamEnabled {
		stream = market.NewKlineStream(streamBaseURL(cfg), logger)
		source = market.NewCachedSource(stream, restSource)
	}

	// Persistence
	ctx := context.Background()
	store, db := buildStore(ctx, cfg, logger)
	if db != nil {
		defer db.Close()
	}

	// Order audit trail
	auditTrail := orders.NewAuditTrail(os.Stdout, 256)

	// Scheduler: owns instances and per-account risk engines
	sched := scheduler.New(store, source, gateway, auditTrail, eventBus, logger, scheduler.Options{
		RiskConfig: risk.Config{
			MaxPortfolioExposure: cfg.Risk.MaxPortfolioExposure,
			MaxDailyLoss:         cfg.Risk.MaxDailyLoss,
			MaxDrawdownPct:       cfg.Risk.MaxDrawdownPct,
		},
		RiskTickSeconds: cfg.Engine.RiskTickSeconds,
		OrderAttempts:   cfg.Engine.OrderAttempts,
		OrderBackoff:    time.Duration(cfg.Engine.OrderBackoffMS) * time.Millisecond,
		QuoteAsset:      cfg.Engine.QuoteAsset,
		CandleBuffer:    cfg.Engine.CandleBuffer,
	})

	if err := sched.Restore(ctx); err != nil {
		log.Fatalf("Failed to restore instances: %v", err)
	}

	// Provision strategies from the bootstrap file, once per entry
	bootstrapStrategies(ctx, sched, cfg, logger)

	// The stream covers every pair known at boot; instances created later
	// through the API fall back to REST fetches
	if stream != nil {
		for _, pair := range sched.MarketSubscriptions() {
			stream.Subscribe(pair[0], pair[1])
		}
		if err := stream.Start(); err != nil {
			logger.Warn("kline stream not started, using REST fetches", "error", err)
		}
	}

	sched.Start()

	// Web server
	server := api.NewServer(api.ServerConfig{
		Port:           cfg.Server.Port,
		Host:           cfg.Server.Host,
		ProductionMode: cfg.Server.ProductionMode,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, sched, auditTrail, eventBus, logger)

	go func() {
		if err := server.Start(); err != nil {
			log.Fatalf("Failed to start web server: %v", err)
		}
	}()

	logger.Info("engine started",
		"paper", cfg.Exchange.Paper,
		"instances", len(sched.ListInstances()),
		"web", fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port))

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("web server shutdown failed", "error", err)
	}
	if stream != nil {
		stream.Stop()
	}
	sched.Shutdown(shutdownCtx)

	logger.Info("shutdown complete")
}

// buildGateway selects paper or live execution. Live mode resolves API keys
// through the vault client before constructing the signed gateway.
func buildGateway(cfg *config.Config, vaultClient *vault.Client, logger *slog.Logger) exchange.Gateway {
	if cfg.Exchange.Paper {
		logger.Info("paper trading mode", "initial_balance", cfg.Exchange.PaperInitialBalance)
		return exchange.NewPaperGateway(exchange.PaperConfig{
			InitialBalance: cfg.Exchange.PaperInitialBalance,
			SlippageBps:    cfg.Exchange.PaperSlippageBps,
			FeeBps:         cfg.Exchange.PaperFeeBps,
		}, logger)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	creds, err := vaultClient.ExchangeCredentials(ctx)
	if err != nil {
		log.Fatalf("Failed to load exchange credentials: %v", err)
	}

	baseURL := cfg.Exchange.BaseURL
	testnet := cfg.Exchange.TestNet || creds.IsTestnet
	if baseURL == "" && testnet {
		baseURL = exchange.TestnetBaseURL
	}
	logger.Info("live trading mode", "testnet", testnet)
	return exchange.NewBinanceGateway(creds.APIKey, creds.APISecret, baseURL, logger)
}

// buildStore wires PostgreSQL plus Redis when the database is enabled, and
// falls back to the in-memory store otherwise. The returned DB is nil in
// memory mode.
func buildStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (scheduler.Store, *database.DB) {
	if !cfg.Database.Enabled {
		logger.Warn("database disabled, instance state is in-memory only")
		return database.NewMemoryStore(), nil
	}

	db, err := database.NewDB(database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
	}, logger)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	if err := db.RunMigrations(ctx); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	redisClient := database.NewRedisClient(database.RedisConfig{
		Enabled:  cfg.Redis.Enabled,
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	stateRepo := database.NewRedisStateRepository(redisClient, logger)

	return database.NewStore(database.NewRepository(db), stateRepo), db
}

// bootstrapStrategies provisions instances from the strategies file. Entries
// get a stable ID derived from symbol and interval, so a reboot recognizes
// what it already created and leaves the stored copy alone.
func bootstrapStrategies(ctx context.Context, sched *scheduler.Scheduler, cfg *config.Config, logger *slog.Logger) {
	strategies, err := config.LoadStrategies(cfg.StrategiesFile)
	if err != nil {
		log.Fatalf("Failed to load strategies file: %v", err)
	}

	for _, sc := range strategies {
		if sc.ID == "" {
			sc.ID = fmt.Sprintf("file-%s-%s", strings.ToLower(sc.Symbol), sc.Interval)
		}
		if _, err := sched.InstanceState(sc.ID); err == nil {
			continue
		}

		snap, err := sched.CreateInstance(ctx, sc)
		if err != nil {
			log.Fatalf("Failed to create strategy %s %s: %v", sc.Symbol, sc.Interval, err)
		}
		if err := sched.StartInstance(ctx, snap.ID); err != nil {
			log.Fatalf("Failed to start strategy %s: %v", snap.ID, err)
		}
		logger.Info("bootstrap strategy provisioned", "instance", snap.ID, "symbol", sc.Symbol, "interval", sc.Interval, "variant", sc.Variant)
	}
}

// marketBaseURL picks the REST klines endpoint, honoring testnet mode when
// no explicit URL is configured.
func marketBaseURL(cfg *config.Config) string {
	if cfg.Market.BaseURL != "" {
		return cfg.Market.BaseURL
	}
	if cfg.Exchange.TestNet {
		return market.TestnetBaseURL
	}
	return ""
}

// streamBaseURL picks the websocket endpoint the same way.
func streamBaseURL(cfg *config.Config) string {
	if cfg.Market.StreamURL != "" {
		return cfg.Market.StreamURL
	}
	if cfg.Exchange.TestNet {
		return market.TestnetStreamURL
	}
	return ""
}
