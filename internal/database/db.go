package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

var (
	ErrNotFound         = errors.New("record not found")
	ErrDuplicateOutcome = errors.New("outcome already recorded")
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Config holds database configuration
type Config struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Host     string `json:"host" yaml:"host" default:"localhost"`
	Port     int    `json:"port" yaml:"port" default:"5432" validate:"gt=0,lte=65535"`
	User     string `json:"user" yaml:"user" default:"postgres"`
	Password string `json:"-" yaml:"password"`
	Database string `json:"database" yaml:"database" default:"smc_signals"`
	SSLMode  string `json:"ssl_mode" yaml:"ssl_mode" default:"disable" validate:"oneof=disable require verify-ca verify-full prefer allow"`
	MaxConns int32  `json:"max_conns" yaml:"max_conns" default:"10"`
}

// DSN renders the connection string
func (c Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// NewDB creates a new database connection
func NewDB(ctx context.Context, cfg Config, logger zerolog.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 10
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log := logger.With().Str("component", "database").Logger()
	log.Info().Str("database", cfg.Database).Msg("Connected to PostgreSQL")

	return &DB{Pool: pool, logger: log}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("Database connection closed")
	}
}

// RunMigrations creates the history tables
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info().Msg("Running database migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS backtest_runs (
			id BIGSERIAL PRIMARY KEY,
			run_id UUID NOT NULL,
			kind VARCHAR(20) NOT NULL DEFAULT 'backtest',
			instrument VARCHAR(20) NOT NULL,
			seed BIGINT NOT NULL,
			start_time TIMESTAMPTZ NOT NULL,
			end_time TIMESTAMPTZ NOT NULL,
			initial_equity DOUBLE PRECISION NOT NULL,
			final_equity DOUBLE PRECISION NOT NULL,
			total_trades INT NOT NULL DEFAULT 0,
			win_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
			total_return_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
			max_drawdown_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
			sharpe_ratio DOUBLE PRECISION,
			profit_factor DOUBLE PRECISION,
			robustness_score DOUBLE PRECISION,
			config JSONB NOT NULL,
			metrics JSONB NOT NULL,
			skip_reasons JSONB,
			monte_carlo JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_backtest_runs_instrument ON backtest_runs(instrument)`,
		`CREATE INDEX IF NOT EXISTS idx_backtest_runs_created ON backtest_runs(created_at DESC)`,

		`CREATE TABLE IF NOT EXISTS backtest_trades (
			id BIGSERIAL PRIMARY KEY,
			backtest_run_id BIGINT NOT NULL REFERENCES backtest_runs(id) ON DELETE CASCADE,
			trade_id UUID NOT NULL,
			direction VARCHAR(5) NOT NULL,
			grade VARCHAR(10) NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			raw_confidence DOUBLE PRECISION NOT NULL,
			phase SMALLINT NOT NULL,
			entry_time TIMESTAMPTZ NOT NULL,
			entry_price DOUBLE PRECISION NOT NULL,
			stop_loss DOUBLE PRECISION NOT NULL,
			take_profit DOUBLE PRECISION NOT NULL,
			units DOUBLE PRECISION NOT NULL,
			exit_time TIMESTAMPTZ NOT NULL,
			exit_price DOUBLE PRECISION NOT NULL,
			exit_reason VARCHAR(20) NOT NULL,
			partial_taken BOOLEAN NOT NULL DEFAULT FALSE,
			commission DOUBLE PRECISION NOT NULL DEFAULT 0,
			pnl DOUBLE PRECISION NOT NULL,
			r_multiple DOUBLE PRECISION NOT NULL,
			bars_held INT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_backtest_trades_run ON backtest_trades(backtest_run_id)`,

		`CREATE TABLE IF NOT EXISTS walkforward_windows (
			id BIGSERIAL PRIMARY KEY,
			backtest_run_id BIGINT NOT NULL REFERENCES backtest_runs(id) ON DELETE CASCADE,
			window_index INT NOT NULL,
			train_start TIMESTAMPTZ NOT NULL,
			test_start TIMESTAMPTZ NOT NULL,
			test_end TIMESTAMPTZ NOT NULL,
			train_trades INT NOT NULL,
			test_trades INT NOT NULL,
			train_win_rate DOUBLE PRECISION NOT NULL,
			test_win_rate DOUBLE PRECISION NOT NULL,
			train_sharpe DOUBLE PRECISION NOT NULL,
			test_sharpe DOUBLE PRECISION NOT NULL,
			test_pnl DOUBLE PRECISION NOT NULL,
			calibration_a DOUBLE PRECISION NOT NULL,
			calibration_b DOUBLE PRECISION NOT NULL,
			calibration_fitted BOOLEAN NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_walkforward_windows_run ON walkforward_windows(backtest_run_id)`,

		`CREATE TABLE IF NOT EXISTS signals (
			id UUID PRIMARY KEY,
			instrument VARCHAR(20) NOT NULL,
			direction VARCHAR(5) NOT NULL,
			grade VARCHAR(10) NOT NULL,
			raw_confidence DOUBLE PRECISION NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			entry_price DOUBLE PRECISION NOT NULL,
			stop_loss DOUBLE PRECISION NOT NULL,
			take_profit DOUBLE PRECISION NOT NULL,
			phase SMALLINT NOT NULL,
			signal_time TIMESTAMPTZ NOT NULL,
			payload JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_instrument_time ON signals(instrument, signal_time DESC)`,

		`CREATE TABLE IF NOT EXISTS signal_outcomes (
			id BIGSERIAL PRIMARY KEY,
			signal_id UUID NOT NULL,
			instrument VARCHAR(20) NOT NULL,
			raw_confidence DOUBLE PRECISION NOT NULL,
			win BOOLEAN NOT NULL,
			pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
			recorded_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (signal_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signal_outcomes_recorded ON signal_outcomes(recorded_at DESC)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.logger.Info().Int("statements", len(migrations)).Msg("Database migrations completed")
	return nil
}

// HealthCheck performs a database health check
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}
