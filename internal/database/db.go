package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx, so every repository
// method works inside or outside a transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
	q    Querier
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDB creates a new database connection
func NewDB(cfg Config) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log.Printf("Successfully connected to PostgreSQL database: %s", cfg.Database)

	return &DB{Pool: pool, q: pool}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		log.Println("Database connection closed")
	}
}

// WithTx runs fn against a transactional view of the DB. All repository
// methods called on the passed *DB execute inside the same transaction;
// a returned error (or context cancellation) rolls back every write.
func (db *DB) WithTx(ctx context.Context, fn func(tx *DB) error) error {
	if db.Pool == nil {
		// No database configured; run against the plain querier so the
		// in-memory paths used by tests still execute.
		return fn(db)
	}

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	txDB := &DB{Pool: db.Pool, q: tx}
	if err := fn(txDB); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// HealthCheck performs a database health check
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	log.Println("Running database migrations...")

	migrations := []string{
		// Lead traders: one row per polled account, mutated by every ingest
		`CREATE TABLE IF NOT EXISTS lead_traders (
			lead_id VARCHAR(64) PRIMARY KEY,
			platform VARCHAR(32) NOT NULL,
			nickname VARCHAR(128),
			position_show BOOLEAN,
			pos_show_updated_at TIMESTAMPTZ,
			first_seen_at TIMESTAMPTZ NOT NULL,
			last_ingest_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_lead_traders_platform ON lead_traders(platform, lead_id)`,

		// Raw ingest log: append-only source of truth for replay
		`CREATE TABLE IF NOT EXISTS raw_ingests (
			id BIGSERIAL PRIMARY KEY,
			lead_id VARCHAR(64) NOT NULL,
			platform VARCHAR(32) NOT NULL,
			fetched_at TIMESTAMPTZ NOT NULL,
			time_range VARCHAR(16) NOT NULL,
			payload JSONB NOT NULL,
			positions_count INT NOT NULL DEFAULT 0,
			orders_count INT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_raw_ingests_lead ON raw_ingests(lead_id, fetched_at DESC)`,

		// Position snapshots: insertion-only, one row per (trader, symbol, side, fetched_at)
		`CREATE TABLE IF NOT EXISTS position_snapshots (
			id BIGSERIAL PRIMARY KEY,
			lead_id VARCHAR(64) NOT NULL,
			platform VARCHAR(32) NOT NULL,
			fetched_at TIMESTAMPTZ NOT NULL,
			symbol VARCHAR(32) NOT NULL,
			side VARCHAR(8) NOT NULL,
			contract_type VARCHAR(16),
			leverage DECIMAL(10, 2) NOT NULL DEFAULT 0,
			size DECIMAL(30, 10) NOT NULL DEFAULT 0,
			entry_price DECIMAL(20, 8) NOT NULL DEFAULT 0,
			mark_price DECIMAL(20, 8) NOT NULL DEFAULT 0,
			margin_usdt DECIMAL(20, 8),
			margin_type VARCHAR(16),
			pnl_usdt DECIMAL(20, 8) NOT NULL DEFAULT 0,
			roe_pct DECIMAL(12, 6) NOT NULL DEFAULT 0,
			raw JSONB,
			UNIQUE (lead_id, symbol, side, fetched_at)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_position_snapshots_lead ON position_snapshots(lead_id, fetched_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_position_snapshots_symbol ON position_snapshots(platform, symbol, fetched_at DESC)`,

		// Events: deduplicated on event_key, skip-on-conflict inserts
		`CREATE TABLE IF NOT EXISTS events (
			id BIGSERIAL PRIMARY KEY,
			event_key VARCHAR(256) NOT NULL UNIQUE,
			platform VARCHAR(32) NOT NULL,
			lead_id VARCHAR(64) NOT NULL,
			event_type VARCHAR(16) NOT NULL,
			symbol VARCHAR(32) NOT NULL,
			price DECIMAL(20, 8),
			amount DECIMAL(30, 10),
			amount_asset VARCHAR(16),
			realized_pnl DECIMAL(20, 8),
			event_time_text VARCHAR(32) NOT NULL,
			event_time TIMESTAMPTZ NOT NULL,
			fetched_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_lead_time ON events(lead_id, event_time DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_events_symbol_time ON events(platform, symbol, event_time DESC)`,

		// Position lifecycle states: at most one ACTIVE row per (trader, symbol, direction)
		`CREATE TABLE IF NOT EXISTS position_states (
			id BIGSERIAL PRIMARY KEY,
			lead_id VARCHAR(64) NOT NULL,
			platform VARCHAR(32) NOT NULL,
			symbol VARCHAR(32) NOT NULL,
			direction VARCHAR(8) NOT NULL,
			source VARCHAR(16) NOT NULL,
			status VARCHAR(8) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL DEFAULT 0,
			amount DECIMAL(30, 10) NOT NULL DEFAULT 0,
			leverage DECIMAL(10, 2),
			first_seen_at TIMESTAMPTZ NOT NULL,
			last_seen_at TIMESTAMPTZ NOT NULL,
			disappeared_at TIMESTAMPTZ,
			estimated_open_time TIMESTAMPTZ NOT NULL,
			estimated_close_time TIMESTAMPTZ,
			open_event_key VARCHAR(256),
			close_event_key VARCHAR(256)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_position_states_active
			ON position_states(lead_id, symbol, direction) WHERE status = 'ACTIVE'`,
		`CREATE INDEX IF NOT EXISTS idx_position_states_lead ON position_states(lead_id, status)`,

		// Symbol aggregations: recomputed after every ingest
		`CREATE TABLE IF NOT EXISTS symbol_aggregations (
			platform VARCHAR(32) NOT NULL,
			symbol VARCHAR(32) NOT NULL,
			open_long_count INT NOT NULL DEFAULT 0,
			open_short_count INT NOT NULL DEFAULT 0,
			total_open INT NOT NULL DEFAULT 0,
			latest_event_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (platform, symbol)
		)`,

		// Trader scores and weights
		`CREATE TABLE IF NOT EXISTS trader_scores (
			lead_id VARCHAR(64) PRIMARY KEY,
			platform VARCHAR(32) NOT NULL,
			score_30d DECIMAL(20, 8) NOT NULL DEFAULT 0,
			quality_score DECIMAL(8, 4) NOT NULL DEFAULT 0,
			confidence VARCHAR(8) NOT NULL DEFAULT 'low',
			win_rate DECIMAL(8, 6) NOT NULL DEFAULT 0,
			sample_size INT NOT NULL DEFAULT 0,
			trader_weight DECIMAL(8, 6) NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL
		)`,

		// Simulated positions
		`CREATE TABLE IF NOT EXISTS simulated_positions (
			id VARCHAR(40) PRIMARY KEY,
			portfolio_id VARCHAR(40),
			platform VARCHAR(32) NOT NULL,
			symbol VARCHAR(32) NOT NULL,
			direction VARCHAR(8) NOT NULL,
			status VARCHAR(8) NOT NULL,
			leverage DECIMAL(10, 2) NOT NULL,
			margin_notional DECIMAL(20, 8) NOT NULL,
			position_notional DECIMAL(20, 8) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			exit_price DECIMAL(20, 8),
			effective_entry_price DECIMAL(20, 8),
			effective_exit_price DECIMAL(20, 8),
			stop_loss_price DECIMAL(20, 8),
			take_profit_price DECIMAL(20, 8),
			trailing_stop_pct DECIMAL(10, 6),
			trailing_stop_trigger DECIMAL(20, 8),
			slippage_bps DECIMAL(10, 4) NOT NULL DEFAULT 0,
			commission_bps DECIMAL(10, 4) NOT NULL DEFAULT 0,
			total_commission_usdt DECIMAL(20, 8),
			unrealized_pnl_usdt DECIMAL(20, 8),
			pnl_usdt DECIMAL(20, 8),
			roi_pct DECIMAL(12, 6),
			close_reason VARCHAR(16),
			close_trigger_lead_id VARCHAR(64),
			source VARCHAR(8) NOT NULL,
			notes TEXT,
			opened_at TIMESTAMPTZ NOT NULL,
			closed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_simulated_positions_status ON simulated_positions(status, symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_simulated_positions_closed ON simulated_positions(portfolio_id, closed_at)`,

		// Portfolios, equity snapshots, metrics
		`CREATE TABLE IF NOT EXISTS portfolios (
			id VARCHAR(40) PRIMARY KEY,
			name VARCHAR(128) NOT NULL,
			platform VARCHAR(32) NOT NULL,
			initial_balance DECIMAL(20, 8) NOT NULL,
			current_balance DECIMAL(20, 8) NOT NULL,
			max_open_positions INT NOT NULL DEFAULT 10,
			max_margin_per_trade DECIMAL(20, 8) NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS portfolio_snapshots (
			id BIGSERIAL PRIMARY KEY,
			portfolio_id VARCHAR(40) NOT NULL REFERENCES portfolios(id) ON DELETE CASCADE,
			balance DECIMAL(20, 8) NOT NULL,
			unrealized_pnl DECIMAL(20, 8) NOT NULL,
			realized_pnl DECIMAL(20, 8) NOT NULL,
			open_positions INT NOT NULL,
			total_value DECIMAL(20, 8) NOT NULL,
			taken_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_portfolio_snapshots_portfolio ON portfolio_snapshots(portfolio_id, taken_at DESC)`,
		`CREATE TABLE IF NOT EXISTS portfolio_metrics (
			portfolio_id VARCHAR(40) PRIMARY KEY REFERENCES portfolios(id) ON DELETE CASCADE,
			total_trades INT NOT NULL DEFAULT 0,
			winning_trades INT NOT NULL DEFAULT 0,
			losing_trades INT NOT NULL DEFAULT 0,
			win_rate DECIMAL(8, 6) NOT NULL DEFAULT 0,
			avg_win DECIMAL(20, 8) NOT NULL DEFAULT 0,
			avg_loss DECIMAL(20, 8) NOT NULL DEFAULT 0,
			profit_factor DECIMAL(12, 6) NOT NULL DEFAULT 0,
			max_consec_wins INT NOT NULL DEFAULT 0,
			max_consec_losses INT NOT NULL DEFAULT 0,
			avg_slippage_bps DECIMAL(10, 4) NOT NULL DEFAULT 0,
			total_commission DECIMAL(20, 8) NOT NULL DEFAULT 0,
			max_drawdown_pct DECIMAL(12, 6) NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL
		)`,

		// Singleton-per-platform rules
		`CREATE TABLE IF NOT EXISTS auto_trigger_rules (
			platform VARCHAR(32) PRIMARY KEY,
			enabled BOOLEAN NOT NULL DEFAULT FALSE,
			segment VARCHAR(8) NOT NULL DEFAULT 'BOTH',
			time_range VARCHAR(16) NOT NULL DEFAULT '24h',
			min_traders INT NOT NULL DEFAULT 2,
			min_confidence DECIMAL(8, 4) NOT NULL DEFAULT 40,
			min_sentiment_abs DECIMAL(8, 4) NOT NULL DEFAULT 20,
			leverage DECIMAL(10, 2) NOT NULL DEFAULT 10,
			margin_notional DECIMAL(20, 8) NOT NULL DEFAULT 100,
			slippage_bps DECIMAL(10, 4) NOT NULL DEFAULT 10,
			commission_bps DECIMAL(10, 4) NOT NULL DEFAULT 4,
			cooldown_minutes INT NOT NULL DEFAULT 30,
			dry_run BOOLEAN NOT NULL DEFAULT FALSE,
			last_run_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS insights_rules (
			platform VARCHAR(32) PRIMARY KEY,
			mode VARCHAR(16) NOT NULL DEFAULT 'balanced',
			score_multiplier DECIMAL(8, 4) NOT NULL DEFAULT 1.0,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	log.Println("Database migrations completed successfully")
	return nil
}
