package database

import (
	"context"
	"fmt"
	"time"
)

// GetAutoTriggerRule returns the singleton rule for a platform, or nil when
// none has been configured yet.
func (db *DB) GetAutoTriggerRule(ctx context.Context, platform string) (*AutoTriggerRule, error) {
	if db.Pool == nil {
		return nil, nil
	}

	query := `
		SELECT platform, enabled, segment, time_range, min_traders,
			min_confidence, min_sentiment_abs, leverage, margin_notional,
			slippage_bps, commission_bps, cooldown_minutes, dry_run,
			last_run_at, updated_at
		FROM auto_trigger_rules
		WHERE platform = $1`

	r := &AutoTriggerRule{}
	err := db.q.QueryRow(ctx, query, platform).Scan(
		&r.Platform, &r.Enabled, &r.Segment, &r.TimeRange, &r.MinTraders,
		&r.MinConfidence, &r.MinSentimentAbs, &r.Leverage, &r.MarginNotional,
		&r.SlippageBps, &r.CommissionBps, &r.CooldownMinutes, &r.DryRun,
		&r.LastRunAt, &r.UpdatedAt,
	)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get auto trigger rule: %w", err)
	}
	return r, nil
}

// UpsertAutoTriggerRule writes the singleton rule for a platform.
func (db *DB) UpsertAutoTriggerRule(ctx context.Context, r *AutoTriggerRule) error {
	if db.Pool == nil {
		return nil
	}

	query := `
		INSERT INTO auto_trigger_rules (
			platform, enabled, segment, time_range, min_traders,
			min_confidence, min_sentiment_abs, leverage, margin_notional,
			slippage_bps, commission_bps, cooldown_minutes, dry_run,
			last_run_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (platform) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			segment = EXCLUDED.segment,
			time_range = EXCLUDED.time_range,
			min_traders = EXCLUDED.min_traders,
			min_confidence = EXCLUDED.min_confidence,
			min_sentiment_abs = EXCLUDED.min_sentiment_abs,
			leverage = EXCLUDED.leverage,
			margin_notional = EXCLUDED.margin_notional,
			slippage_bps = EXCLUDED.slippage_bps,
			commission_bps = EXCLUDED.commission_bps,
			cooldown_minutes = EXCLUDED.cooldown_minutes,
			dry_run = EXCLUDED.dry_run,
			last_run_at = EXCLUDED.last_run_at,
			updated_at = EXCLUDED.updated_at`

	r.UpdatedAt = time.Now().UTC()

	_, err := db.q.Exec(ctx, query,
		r.Platform, r.Enabled, r.Segment, r.TimeRange, r.MinTraders,
		r.MinConfidence, r.MinSentimentAbs, r.Leverage, r.MarginNotional,
		r.SlippageBps, r.CommissionBps, r.CooldownMinutes, r.DryRun,
		r.LastRunAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert auto trigger rule: %w", err)
	}
	return nil
}

// TouchAutoRuleLastRun stamps last_run_at after a non-skipped run.
func (db *DB) TouchAutoRuleLastRun(ctx context.Context, platform string, at time.Time) error {
	if db.Pool == nil {
		return nil
	}

	query := `UPDATE auto_trigger_rules SET last_run_at = $2, updated_at = $2 WHERE platform = $1`
	if _, err := db.q.Exec(ctx, query, platform, at); err != nil {
		return fmt.Errorf("failed to touch auto rule last run: %w", err)
	}
	return nil
}

// GetInsightsRule returns the singleton insights configuration, or nil.
func (db *DB) GetInsightsRule(ctx context.Context, platform string) (*InsightsRule, error) {
	if db.Pool == nil {
		return nil, nil
	}

	query := `SELECT platform, mode, score_multiplier, updated_at FROM insights_rules WHERE platform = $1`

	r := &InsightsRule{}
	err := db.q.QueryRow(ctx, query, platform).Scan(&r.Platform, &r.Mode, &r.ScoreMultiplier, &r.UpdatedAt)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get insights rule: %w", err)
	}
	return r, nil
}

// UpsertInsightsRule writes the singleton insights configuration.
func (db *DB) UpsertInsightsRule(ctx context.Context, r *InsightsRule) error {
	if db.Pool == nil {
		return nil
	}

	query := `
		INSERT INTO insights_rules (platform, mode, score_multiplier, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (platform) DO UPDATE SET
			mode = EXCLUDED.mode,
			score_multiplier = EXCLUDED.score_multiplier,
			updated_at = EXCLUDED.updated_at`

	r.UpdatedAt = time.Now().UTC()

	if _, err := db.q.Exec(ctx, query, r.Platform, r.Mode, r.ScoreMultiplier, r.UpdatedAt); err != nil {
		return fmt.Errorf("failed to upsert insights rule: %w", err)
	}
	return nil
}
