package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"copytrade-radar/config"
	"copytrade-radar/internal/api"
	"copytrade-radar/internal/consensus"
	"copytrade-radar/internal/database"
	"copytrade-radar/internal/ingest"
	"copytrade-radar/internal/insights"
	"copytrade-radar/internal/logging"
	"copytrade-radar/internal/simulation"
	"copytrade-radar/internal/venue"
)

func main() {
	generateConfig := flag.Bool("generate-config", false, "write a sample config.json and exit")
	flag.Parse()

	if *generateConfig {
		if err := config.GenerateSampleConfig("config.json"); err != nil {
			log.Fatalf("Failed to generate sample config: %v", err)
		}
		log.Println("Sample config written to config.json")
		return
	}

	// .env is optional; environment overrides still apply without it.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(&logging.Config{
		Level:      cfg.LoggingConfig.Level,
		Output:     cfg.LoggingConfig.Output,
		JSONFormat: cfg.LoggingConfig.JSONFormat,
	})
	logger.Info().Str("platform", cfg.Platform).Msg("Starting copytrade-radar")

	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.DBName,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to run migrations")
	}

	var redisClient *redis.Client
	if cfg.RedisConfig.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
			PoolSize: cfg.RedisConfig.PoolSize,
		})
	}
	priceCache := database.NewRedisPriceCache(redisClient)

	if err := seedDefaults(ctx, db, cfg.Platform, logger); err != nil {
		logger.Fatal().Err(err).Msg("Failed to seed default rows")
	}

	// Ingestion: venue client -> pipeline -> scheduler.
	venueClient := venue.NewClient(
		cfg.Platform,
		cfg.VenueConfig.BaseURL,
		cfg.ScraperConfig.OrderPageSize,
		time.Duration(cfg.ScraperConfig.TimeoutMs)*time.Millisecond,
	)
	pipeline := ingest.NewPipeline(db, priceCache, logger)
	scheduler := ingest.NewScheduler(venueClient, pipeline, &ingest.SchedulerConfig{
		Enabled:     cfg.ScraperConfig.Enabled,
		Interval:    time.Duration(cfg.ScraperConfig.IntervalMs) * time.Millisecond,
		Concurrency: cfg.ScraperConfig.Concurrency,
		TimeRange:   "24h",
		LeadIDs:     cfg.ScraperConfig.LeadIDs,
	}, logger)

	// Analytics and simulation engines share the repository layer.
	consensusEngine := consensus.NewEngine(db, cfg.Platform)
	insightsEngine := insights.NewEngine(db, consensusEngine, cfg.Platform)
	simulationEngine := simulation.NewEngine(db, priceCache, consensusEngine, cfg.Platform, logger)
	monitor := simulation.NewMonitor(simulationEngine, logger)

	server := api.NewServer(api.ServerConfig{
		Port:                 cfg.ServerConfig.Port,
		Host:                 cfg.ServerConfig.Host,
		ProductionMode:       cfg.ServerConfig.ProductionMode,
		UseEstimatedOpenTime: cfg.PositioningConfig.UseEstimatedOpenTime,
	}, db, priceCache, scheduler, consensusEngine, insightsEngine, simulationEngine, cfg.Platform, logger)

	// After every scrape cycle: protective exits first, then mark-to-market,
	// then the auto rule, then the equity snapshot and the live push.
	scheduler.OnCycleEnd(func(cycleCtx context.Context) {
		if _, err := monitor.RunOnce(cycleCtx); err != nil {
			logger.Error().Err(err).Msg("Position monitor pass failed")
		}
		if _, err := simulationEngine.Reconcile(cycleCtx); err != nil {
			logger.Error().Err(err).Msg("Simulation reconcile failed")
		}
		if _, err := simulationEngine.AutoRun(cycleCtx, false); err != nil {
			logger.Error().Err(err).Msg("Auto-trigger run failed")
		}
		if err := simulationEngine.SnapshotPortfolio(cycleCtx); err != nil {
			logger.Error().Err(err).Msg("Portfolio snapshot failed")
		}
		server.Hub().Broadcast("cycle", scheduler.Status())
	})

	if err := scheduler.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start scheduler")
	}

	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("API server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("Shutting down")

	if err := scheduler.Stop(); err != nil {
		logger.Error().Err(err).Msg("Scheduler stop failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown failed")
	}

	logger.Info().Msg("Shutdown complete")
}

// seedDefaults creates the singleton rows a fresh database needs: one
// portfolio, one auto-trigger rule, one insights rule.
func seedDefaults(ctx context.Context, db *database.DB, platform string, logger zerolog.Logger) error {
	portfolio, err := db.GetDefaultPortfolio(ctx, platform)
	if err != nil {
		return err
	}
	if portfolio == nil {
		if err := db.CreatePortfolio(ctx, &database.Portfolio{
			ID:                uuid.New().String(),
			Name:              "Default",
			Platform:          platform,
			InitialBalance:    10000,
			CurrentBalance:    10000,
			MaxOpenPositions:  10,
			MaxMarginPerTrade: 1000,
		}); err != nil {
			return err
		}
		logger.Info().Msg("Seeded default portfolio")
	}

	autoRule, err := db.GetAutoTriggerRule(ctx, platform)
	if err != nil {
		return err
	}
	if autoRule == nil {
		if err := db.UpsertAutoTriggerRule(ctx, &database.AutoTriggerRule{
			Platform:        platform,
			Enabled:         false,
			Segment:         database.SegmentBoth,
			TimeRange:       "24h",
			MinTraders:      3,
			MinConfidence:   50,
			MinSentimentAbs: 30,
			Leverage:        10,
			MarginNotional:  100,
			SlippageBps:     10,
			CommissionBps:   4,
			CooldownMinutes: 30,
			DryRun:          true,
		}); err != nil {
			return err
		}
		logger.Info().Msg("Seeded default auto-trigger rule (disabled, dry run)")
	}

	insightsRule, err := db.GetInsightsRule(ctx, platform)
	if err != nil {
		return err
	}
	if insightsRule == nil {
		if err := db.UpsertInsightsRule(ctx, &database.InsightsRule{
			Platform:        platform,
			Mode:            "balanced",
			ScoreMultiplier: 1.0,
		}); err != nil {
			return err
		}
		logger.Info().Msg("Seeded default insights rule")
	}

	return nil
}
