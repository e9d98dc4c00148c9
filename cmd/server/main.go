package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/copychannel/internal/auth"
	"github.com/ksred/copychannel/internal/channel"
	"github.com/ksred/copychannel/internal/config"
	"github.com/ksred/copychannel/internal/database"
	"github.com/ksred/copychannel/internal/dedupe"
	"github.com/ksred/copychannel/internal/events"
	"github.com/ksred/copychannel/internal/registry"
	"github.com/ksred/copychannel/internal/replication"
	"github.com/ksred/copychannel/internal/risk"
	"github.com/ksred/copychannel/internal/settlement"
	"github.com/ksred/copychannel/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the copy-trading API server with graceful
// shutdown support. It wires the channel hub, risk manager, replication
// engine and settlement coordinator behind the HTTP surface.
func main() {
	cfg := config.Load()

	middleware.SetJWTSecret(cfg.JWTSecret)

	// Initialize database
	db, err := database.NewDatabase(cfg.DatabasePath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Initialize router
	router := gin.Default()

	// Event publishing: Kafka when brokers are configured, otherwise the
	// in-process bus
	var publisher events.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPublisher := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kafkaPublisher.Close()
		publisher = kafkaPublisher
		zlog.Info().Strs("brokers", cfg.KafkaBrokers).Msg("publishing events to kafka")
	} else {
		publisher = events.NewBus()
	}

	// Trade deduplication: Redis when configured, otherwise in-memory
	var ledger dedupe.Ledger
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		ledger = dedupe.NewRedisLedger(redisClient, "copychannel:trades", 24*time.Hour)
		zlog.Info().Str("addr", cfg.RedisAddr).Msg("deduplicating trades via redis")
	} else {
		ledger = dedupe.NewMemoryLedger(24 * time.Hour)
	}

	// The mock hub stands in for the payment channel network, the settlement
	// contract, the price oracle and the profile directory
	hub := channel.NewMockHub()
	hub.SetPrice("ASSET-USD", 50_000_00)
	locks := channel.NewLockTable()

	riskManager := risk.NewManager()

	// Initialize services and handlers
	authService := auth.NewService(cfg.JWTSecret)
	authHandlers := auth.NewGinHandlers(authService)
	// Register test credentials
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)

	registryService := registry.NewService(db, hub, hub, riskManager, publisher)
	registryHandlers := registry.NewGinHandlers(registryService)

	engine := replication.NewEngine(db, registryService, riskManager, hub, hub, publisher, locks, risk.Limits{
		MaxPositionSize:  1_000_000_00,
		MaxOpenPositions: 20,
		MaxDailyLoss:     50_000_00,
	})
	replicationHandlers := replication.NewGinHandlers(engine, ledger)

	settlementService := settlement.NewService(db, registryService, hub, hub, riskManager, publisher, locks)
	settlementHandlers := settlement.NewGinHandlers(settlementService)

	// Create and start settlement retry processor
	settlementProcessor := settlement.NewProcessor(settlementService)
	processorCtx, processorCancel := context.WithCancel(context.Background())
	defer processorCancel()

	go settlementProcessor.Start(processorCtx)

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, authHandlers, registryHandlers, replicationHandlers, settlementHandlers)

	// Create server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Leader/copier/trade routes: Protected by JWT authentication
// - Internal routes: Protected by internal network authentication
func setupRoutes(
	router *gin.Engine,
	authHandlers *auth.GinHandlers,
	registryHandlers *registry.GinHandlers,
	replicationHandlers *replication.GinHandlers,
	settlementHandlers *settlement.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		auth := v1.Group("/auth")
		{
			auth.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Leader routes
		leaders := v1.Group("/leaders")
		leaders.Use(middleware.JWTAuth())
		{
			leaders.POST("", registryHandlers.RegisterLeaderHandler())
			leaders.GET("/:leader_id/stats", registryHandlers.LeaderStatsHandler())
		}

		// Copier routes
		copiers := v1.Group("/copiers")
		copiers.Use(middleware.JWTAuth())
		{
			copiers.POST("", registryHandlers.SubscribeCopierHandler())
			copiers.DELETE("/:copier_id", registryHandlers.UnsubscribeCopierHandler())
			copiers.GET("/:copier_id/risk", registryHandlers.CopierRiskHandler())
		}

		// Trade routes
		trades := v1.Group("/trades")
		trades.Use(middleware.JWTAuth())
		{
			trades.POST("", replicationHandlers.SubmitTradeHandler())
		}

		// Internal routes (should be protected by internal network)
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth())
		{
			internal.POST("/settlement/:channel_id", settlementHandlers.SettleChannelHandler())
			internal.GET("/settlement/:settlement_id", settlementHandlers.GetSettlementHandler())
		}
	}
}
