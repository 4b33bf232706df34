package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"ckbridge/settlement/internal/api"
	"ckbridge/settlement/internal/audit"
	"ckbridge/settlement/internal/cache"
	"ckbridge/settlement/internal/config"
	"ckbridge/settlement/internal/database"
	"ckbridge/settlement/internal/ledger"
	"ckbridge/settlement/internal/oracle"
	"ckbridge/settlement/internal/service"
	"ckbridge/settlement/internal/worker"
)

const (
	// redis retention for cache entries, well past any freshness TTL
	cacheRetention  = 24 * time.Hour
	cursorRetention = 2 * time.Hour
	shutdownTimeout = 10 * time.Second
)

func main() {
	configPath := flag.String("config", envOr("BRIDGE_CONFIG", "config.yaml"), "path to the YAML config file")
	migrationPath := flag.String("migrations", "internal/database/migrations/001_schema.sql", "path to the schema migration")
	flag.Parse()

	// Initialize logger
	logger, err := initLogger()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	logger.Info("Starting bridge settlement service")

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger.Info("Configuration loaded",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("db_driver", cfg.Database.Driver),
		zap.Bool("redis_enabled", cfg.Redis.Enabled),
		zap.String("audit_sink", cfg.Audit.Sink))

	// Connect to database
	db, err := database.Connect(cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	logger.Info("Database connected successfully")

	// Run migrations
	if err := database.RunMigrations(db, *migrationPath); err != nil {
		logger.Warn("Failed to run migrations (may already be applied)", zap.Error(err))
	} else {
		logger.Info("Database migrations applied successfully")
	}

	if err := db.Ping(); err != nil {
		logger.Fatal("Failed to ping database", zap.Error(err))
	}

	clk := clock.New()

	// Shared state: redis when enabled, process memory otherwise
	var priceStore cache.Store = cache.NewMemoryStore()
	var cursors ledger.CursorStore = ledger.NewMemoryCursor()
	var auditSink audit.Sink = audit.NewLogSink(logger)
	if cfg.Redis.Enabled {
		pool := cache.NewRedisPool(cfg.Redis.Addr())
		defer pool.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := cache.Ping(pingCtx, pool)
		cancel()
		if err != nil {
			logger.Fatal("Failed to reach redis", zap.String("addr", cfg.Redis.Addr()), zap.Error(err))
		}

		priceStore = cache.NewRedisStore(pool, "bridge:oracle:", cacheRetention)
		cursors = ledger.NewRedisCursor(pool, cursorRetention)
		if cfg.Audit.Sink == "redis" {
			auditSink = audit.NewRedisStreamSink(pool, cfg.Audit.Stream)
		}
		logger.Info("Redis connected", zap.String("addr", cfg.Redis.Addr()))
	}

	// Source chain gas feed; without one every estimate uses the fallback cost
	var gasFeed oracle.GasFeed
	if cfg.SourceChain.RPCEndpoint != "" {
		client, err := ethclient.Dial(cfg.SourceChain.RPCEndpoint)
		if err != nil {
			logger.Fatal("Failed to connect to source chain RPC", zap.Error(err))
		}
		defer client.Close()
		gasFeed = client
	} else {
		logger.Warn("No source chain RPC configured, using fallback gas cost",
			zap.String("fallback_gas_usd", cfg.SourceChain.FallbackGasUSD))
	}

	// Initialize services
	prices := oracle.NewCoinGeckoFeed(cfg.Oracle.BaseURL, cfg.Oracle.RequestTimeout)
	priceOracle, err := oracle.New(cfg, prices, gasFeed, priceStore, clk, logger)
	if err != nil {
		logger.Fatal("Failed to initialize oracle", zap.Error(err))
	}

	verifier := ledger.NewVerifier(
		ledger.NewGatewayClient(cfg.Ledger.GatewayURL, cfg.Ledger.RequestTimeout),
		cursors, clk, cfg.Ledger, logger)

	feeService := service.NewFeeService(priceOracle, cfg, logger)
	bridgeService := service.NewBridgeService(db, feeService, audit.NewEmitter(auditSink, logger), clk, cfg, logger)

	logger.Info("Services initialized")

	// Initialize workers
	workerManager := worker.NewWorkerManager(bridgeService, verifier, clk, cfg, logger)
	bridgeService.SetWatcher(workerManager)
	workerManager.Start()
	logger.Info("Workers started")

	// Initialize API handlers
	apiHandler := api.NewHandler(bridgeService, db, logger)
	router := api.SetupRouter(apiHandler, logger)

	serverAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server",
			zap.String("addr", serverAddr))
		serverErrors <- httpServer.ListenAndServe()
	}()

	logger.Info("Service initialized successfully",
		zap.String("status", "ready"),
		zap.Int("port", cfg.Server.Port))

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("HTTP server error", zap.Error(err))
	case sig := <-quit:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	}

	logger.Info("Shutting down service...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop taking requests before stopping verification
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
		httpServer.Close()
	} else {
		logger.Info("HTTP server stopped gracefully")
	}

	if err := workerManager.Shutdown(shutdownTimeout); err != nil {
		logger.Error("Worker shutdown error", zap.Error(err))
	}

	logger.Info("Service stopped successfully")
}

func initLogger() (*zap.Logger, error) {
	env := os.Getenv("ENV")
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
