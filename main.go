package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"smc-signal-engine/config"
	"smc-signal-engine/internal/analysis"
	"smc-signal-engine/internal/api"
	"smc-signal-engine/internal/auth"
	"smc-signal-engine/internal/calibration"
	"smc-signal-engine/internal/circuit"
	"smc-signal-engine/internal/confluence"
	"smc-signal-engine/internal/database"
	"smc-signal-engine/internal/divergence"
	"smc-signal-engine/internal/events"
	"smc-signal-engine/internal/heatmap"
	"smc-signal-engine/internal/logging"
	"smc-signal-engine/internal/notification"
	"smc-signal-engine/internal/risk"
	"smc-signal-engine/internal/scanner"
	"smc-signal-engine/internal/sequence"
	sig "smc-signal-engine/internal/signal"
	"smc-signal-engine/internal/state"
	"smc-signal-engine/internal/vault"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Initialize structured logging
	logger, closeLog, err := logging.New(cfg.LoggingConfig)
	if err != nil {
		return err
	}
	defer closeLog()
	logger.Info().Str("level", cfg.LoggingConfig.Level).Msg("Structured logging initialized")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Secrets from Vault override file and env values
	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		return err
	}
	if err := vaultClient.ApplySecrets(ctx, cfg); err != nil {
		return fmt.Errorf("failed to load secrets from vault: %w", err)
	}
	if vaultClient.IsEnabled() {
		logger.Info().Str("address", cfg.VaultConfig.Address).Msg("Secrets loaded from Vault")
	}

	// Database is optional; without it signals and runs are not persisted
	var repo *database.Repository
	if cfg.DatabaseConfig.Enabled {
		db, err := database.NewDB(ctx, cfg.DatabaseConfig, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.RunMigrations(ctx); err != nil {
			return err
		}
		repo = database.NewRepository(db)
		logger.Info().Msg("Database connected and migrated")
	}

	// State store: Redis with in-memory fallback
	var store state.Store
	if cfg.RedisConfig.Enabled {
		client := database.NewRedisClient(cfg.RedisConfig)
		defer client.Close()
		store = database.NewRedisStore(client, logger)
	} else {
		store = state.NewMemoryStore()
		logger.Info().Msg("Redis disabled, using in-memory state")
	}

	// Signal pipeline
	pipeline, err := newPipeline(ctx, cfg.EngineConfig, store, logger)
	if err != nil {
		return err
	}

	// Event bus
	eventBus := events.NewEventBus()
	eventBus.Attach(pipeline.Tracker(), pipeline.Calibrator())

	// Notifications
	if cfg.NotificationConfig.Enabled {
		notifyManager, closeNotify, err := newNotifier(cfg.NotificationConfig, logger)
		if err != nil {
			return err
		}
		defer closeNotify()
		notifyManager.Subscribe(eventBus)
	}

	// Signal circuit breaker
	breaker := circuit.NewCircuitBreaker(cfg.CircuitBreakerConfig)
	breaker.OnTrip(func(reason string) {
		logger.Warn().Str("reason", reason).Msg("Signal circuit breaker tripped")
		eventBus.PublishError("circuit", "signal emission halted: "+reason, nil)
	})
	breaker.OnReset(func() {
		logger.Info().Msg("Signal circuit breaker reset")
	})

	// Scanner
	var strategyScanner *scanner.Scanner
	if cfg.ScannerConfig.Enabled {
		source := scanner.NewCachedSource(scanner.NewCSVDirSource(cfg.ScannerConfig.CandleDir), cfg.ScannerConfig.CacheTTL)
		opts := []scanner.Option{scanner.WithBreaker(breaker)}
		if repo != nil {
			opts = append(opts, scanner.WithSink(repo))
		}
		strategyScanner = scanner.NewScanner(cfg.ScannerConfig, source, pipeline, eventBus, logger, opts...)
		strategyScanner.Start(ctx)
		logger.Info().
			Strs("instruments", cfg.ScannerConfig.Instruments).
			Dur("interval", cfg.ScannerConfig.Interval).
			Msg("Scanner started")
	}

	// API server
	deps := api.Deps{
		Pipeline: pipeline,
		Bus:      eventBus,
		Breaker:  breaker,
		Scanner:  strategyScanner,
	}
	if repo != nil {
		deps.Repo = repo
	}
	if cfg.AuthConfig.Enabled {
		jwtManager, err := auth.NewJWTManager(cfg.AuthConfig.JWTSecret, cfg.AuthConfig.TokenTTL)
		if err != nil {
			return fmt.Errorf("auth is enabled but no JWT secret is configured: %w", err)
		}
		deps.JWT = jwtManager
	}
	server := api.NewServer(cfg.ServerConfig, deps, logger)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(ctx)
	}()
	logger.Info().Str("host", cfg.ServerConfig.Host).Int("port", cfg.ServerConfig.Port).Msg("SMC signal engine started")

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutting down...")
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Web server error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Web server shutdown error")
	}
	if strategyScanner != nil {
		strategyScanner.Stop()
	}

	logger.Info().Msg("Shutdown complete")
	return nil
}

// newPipeline builds the live pipeline over the shared state store and
// restores persisted calibration
func newPipeline(ctx context.Context, cfg config.EngineConfig, store state.Store, logger zerolog.Logger) (*sig.Pipeline, error) {
	deps := sig.Deps{
		Analyzer: analysis.NewAnalyzer(cfg.Analysis, logger),
		Grader:   confluence.NewGrader(cfg.Grader),
		HeatMap:  heatmap.NewBuilder(cfg.HeatMap),
		Risk:     risk.NewCalculator(cfg.Risk),
	}
	if cfg.Signal.UseSequence {
		deps.Tracker = sequence.NewTracker(store, cfg.Sequence, logger)
	}
	if cfg.Signal.UseDivergence {
		deps.Divergence = divergence.NewDetector(cfg.Divergence, store, logger)
	}
	if cfg.Signal.UseCalibration {
		cal := calibration.New(cfg.Calibration, store, logger)
		if err := cal.Load(ctx); err != nil {
			return nil, fmt.Errorf("failed to load calibration: %w", err)
		}
		deps.Calibrator = cal
	}
	return sig.NewPipeline(cfg.Signal, deps, logger), nil
}

// newNotifier assembles the enabled notification channels. The returned
// func closes the Kafka writer.
func newNotifier(cfg config.NotificationConfig, logger zerolog.Logger) (*notification.Manager, func(), error) {
	m := notification.NewManager(logger)
	m.AddNotifier(notification.NewLogNotifier(logger))

	if cfg.Discord.Enabled {
		m.AddNotifier(notification.NewDiscordNotifier(cfg.Discord))
		logger.Info().Msg("Discord notifications enabled")
	}

	if cfg.Email.Enabled {
		m.AddNotifier(notification.NewEmailNotifier(cfg.Email))
		logger.Info().Strs("to", cfg.Email.To).Msg("Email notifications enabled")
	}

	closeFn := func() {}
	if cfg.Kafka.Enabled {
		k, err := notification.NewKafkaNotifier(cfg.Kafka)
		if err != nil {
			return nil, nil, err
		}
		m.AddNotifier(k)
		closeFn = func() {
			if err := k.Close(); err != nil {
				logger.Warn().Err(err).Msg("Failed to close Kafka writer")
			}
		}
		logger.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("Kafka notifications enabled")
	}
	return m, closeFn, nil
}
