package database

import (
	"context"
	"fmt"
	"time"
)

// RecomputeSymbolAggregations rebuilds the per-symbol open counts from each
// trader's latest snapshot set, together with the latest event time per
// symbol. The whole rebuild is one statement so replaying the same input is
// idempotent.
func (db *DB) RecomputeSymbolAggregations(ctx context.Context, platform string) error {
	if db.Pool == nil {
		return nil
	}

	query := `
		WITH latest AS (
			SELECT lead_id, MAX(fetched_at) AS max_fetched
			FROM position_snapshots
			WHERE platform = $1
			GROUP BY lead_id
		),
		counts AS (
			SELECT ps.symbol,
				COUNT(*) FILTER (WHERE ps.side = 'LONG') AS long_count,
				COUNT(*) FILTER (WHERE ps.side = 'SHORT') AS short_count
			FROM position_snapshots ps
			JOIN latest l ON ps.lead_id = l.lead_id AND ps.fetched_at = l.max_fetched
			WHERE ps.platform = $1
			GROUP BY ps.symbol
		),
		ev AS (
			SELECT symbol, MAX(event_time) AS latest_event_at
			FROM events
			WHERE platform = $1
			GROUP BY symbol
		)
		INSERT INTO symbol_aggregations (
			platform, symbol, open_long_count, open_short_count, total_open,
			latest_event_at, updated_at
		)
		SELECT $1, s.symbol,
			COALESCE(c.long_count, 0),
			COALESCE(c.short_count, 0),
			COALESCE(c.long_count, 0) + COALESCE(c.short_count, 0),
			e.latest_event_at,
			NOW()
		FROM (
			SELECT symbol FROM counts
			UNION
			SELECT symbol FROM ev
		) s
		LEFT JOIN counts c ON c.symbol = s.symbol
		LEFT JOIN ev e ON e.symbol = s.symbol
		ON CONFLICT (platform, symbol) DO UPDATE SET
			open_long_count = EXCLUDED.open_long_count,
			open_short_count = EXCLUDED.open_short_count,
			total_open = EXCLUDED.total_open,
			latest_event_at = EXCLUDED.latest_event_at,
			updated_at = EXCLUDED.updated_at`

	if _, err := db.q.Exec(ctx, query, platform); err != nil {
		return fmt.Errorf("failed to recompute symbol aggregations: %w", err)
	}
	return nil
}

// GetSymbolAggregations returns all aggregation rows for a platform.
func (db *DB) GetSymbolAggregations(ctx context.Context, platform string) ([]*SymbolAggregation, error) {
	if db.Pool == nil {
		return nil, nil
	}

	query := `
		SELECT platform, symbol, open_long_count, open_short_count, total_open,
			latest_event_at, updated_at
		FROM symbol_aggregations
		WHERE platform = $1
		ORDER BY total_open DESC, symbol`

	rows, err := db.q.Query(ctx, query, platform)
	if err != nil {
		return nil, fmt.Errorf("failed to get symbol aggregations: %w", err)
	}
	defer rows.Close()

	var aggs []*SymbolAggregation
	for rows.Next() {
		a := &SymbolAggregation{}
		err := rows.Scan(
			&a.Platform, &a.Symbol, &a.OpenLongCount, &a.OpenShortCount,
			&a.TotalOpen, &a.LatestEventAt, &a.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan aggregation row: %w", err)
		}
		aggs = append(aggs, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating aggregation rows: %w", err)
	}

	return aggs, nil
}

// GetSymbolAggregation returns the aggregation row for one symbol, or nil.
func (db *DB) GetSymbolAggregation(ctx context.Context, platform, symbol string) (*SymbolAggregation, error) {
	if db.Pool == nil {
		return nil, nil
	}

	query := `
		SELECT platform, symbol, open_long_count, open_short_count, total_open,
			latest_event_at, updated_at
		FROM symbol_aggregations
		WHERE platform = $1 AND symbol = $2`

	a := &SymbolAggregation{}
	err := db.q.QueryRow(ctx, query, platform, symbol).Scan(
		&a.Platform, &a.Symbol, &a.OpenLongCount, &a.OpenShortCount,
		&a.TotalOpen, &a.LatestEventAt, &a.UpdatedAt,
	)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get symbol aggregation: %w", err)
	}
	return a, nil
}

// UpsertTraderScore writes the recomputed score row for one trader.
func (db *DB) UpsertTraderScore(ctx context.Context, s *TraderScore) error {
	if db.Pool == nil {
		return nil
	}

	query := `
		INSERT INTO trader_scores (
			lead_id, platform, score_30d, quality_score, confidence,
			win_rate, sample_size, trader_weight, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (lead_id) DO UPDATE SET
			platform = EXCLUDED.platform,
			score_30d = EXCLUDED.score_30d,
			quality_score = EXCLUDED.quality_score,
			confidence = EXCLUDED.confidence,
			win_rate = EXCLUDED.win_rate,
			sample_size = EXCLUDED.sample_size,
			trader_weight = EXCLUDED.trader_weight,
			updated_at = EXCLUDED.updated_at`

	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now().UTC()
	}

	_, err := db.q.Exec(ctx, query,
		s.LeadID, s.Platform, s.Score30d, s.QualityScore, s.Confidence,
		s.WinRate, s.SampleSize, s.TraderWeight, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert trader score: %w", err)
	}
	return nil
}

// GetTraderScores returns all score rows for a platform keyed by lead ID.
func (db *DB) GetTraderScores(ctx context.Context, platform string) (map[string]*TraderScore, error) {
	scores := make(map[string]*TraderScore)
	if db.Pool == nil {
		return scores, nil
	}

	query := `
		SELECT lead_id, platform, score_30d, quality_score, confidence,
			win_rate, sample_size, trader_weight, updated_at
		FROM trader_scores
		WHERE platform = $1`

	rows, err := db.q.Query(ctx, query, platform)
	if err != nil {
		return nil, fmt.Errorf("failed to get trader scores: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		s := &TraderScore{}
		err := rows.Scan(
			&s.LeadID, &s.Platform, &s.Score30d, &s.QualityScore, &s.Confidence,
			&s.WinRate, &s.SampleSize, &s.TraderWeight, &s.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trader score row: %w", err)
		}
		scores[s.LeadID] = s
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trader score rows: %w", err)
	}

	return scores, nil
}

// TraderHolding is one (trader, symbol, side) contribution to the consensus:
// the trader's current position from its authoritative source.
type TraderHolding struct {
	LeadID   string
	Segment  string
	Symbol   string
	Side     string
	Leverage float64
}

// GetTraderHoldings returns every eligible trader's current per-symbol
// position. VISIBLE traders contribute their latest snapshot set; HIDDEN
// traders contribute their ACTIVE event-derived lifecycle rows. Traders whose
// last ingest is older than `since` are excluded.
func (db *DB) GetTraderHoldings(ctx context.Context, platform, segment string, since time.Time) ([]*TraderHolding, error) {
	if db.Pool == nil {
		return nil, nil
	}

	visible := segment == SegmentVisible || segment == SegmentBoth || segment == ""
	hidden := segment == SegmentHidden || segment == SegmentBoth || segment == ""

	var holdings []*TraderHolding

	if visible {
		query := `
			WITH latest AS (
				SELECT ps.lead_id, MAX(ps.fetched_at) AS max_fetched
				FROM position_snapshots ps
				JOIN lead_traders lt ON lt.lead_id = ps.lead_id
				WHERE ps.platform = $1 AND lt.position_show = TRUE AND lt.last_ingest_at >= $2
				GROUP BY ps.lead_id
			)
			SELECT ps.lead_id, ps.symbol, ps.side, ps.leverage
			FROM position_snapshots ps
			JOIN latest l ON ps.lead_id = l.lead_id AND ps.fetched_at = l.max_fetched
			WHERE ps.platform = $1`

		rows, err := db.q.Query(ctx, query, platform, since)
		if err != nil {
			return nil, fmt.Errorf("failed to get visible holdings: %w", err)
		}
		for rows.Next() {
			h := &TraderHolding{Segment: SegmentVisible}
			if err := rows.Scan(&h.LeadID, &h.Symbol, &h.Side, &h.Leverage); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan visible holding: %w", err)
			}
			holdings = append(holdings, h)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("error iterating visible holdings: %w", err)
		}
	}

	if hidden {
		query := `
			SELECT st.lead_id, st.symbol, st.direction, COALESCE(st.leverage, 0)
			FROM position_states st
			JOIN lead_traders lt ON lt.lead_id = st.lead_id
			WHERE st.platform = $1 AND st.status = 'ACTIVE' AND st.source = 'EVENT'
			  AND lt.position_show = FALSE AND lt.last_ingest_at >= $2`

		rows, err := db.q.Query(ctx, query, platform, since)
		if err != nil {
			return nil, fmt.Errorf("failed to get hidden holdings: %w", err)
		}
		for rows.Next() {
			h := &TraderHolding{Segment: SegmentHidden}
			if err := rows.Scan(&h.LeadID, &h.Symbol, &h.Side, &h.Leverage); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan hidden holding: %w", err)
			}
			holdings = append(holdings, h)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("error iterating hidden holdings: %w", err)
		}
	}

	return holdings, nil
}
