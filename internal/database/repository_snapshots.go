package database

import (
	"context"
	"fmt"
	"time"
)

// InsertRawIngest appends one raw payload row to the ingest log.
func (db *DB) InsertRawIngest(ctx context.Context, r *RawIngest) error {
	if db.Pool == nil {
		return nil
	}

	query := `
		INSERT INTO raw_ingests (
			lead_id, platform, fetched_at, time_range, payload,
			positions_count, orders_count
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	err := db.q.QueryRow(ctx, query,
		r.LeadID,
		r.Platform,
		r.FetchedAt,
		r.TimeRange,
		r.Payload,
		r.PositionsCount,
		r.OrdersCount,
	).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("failed to insert raw ingest: %w", err)
	}

	return nil
}

// InsertPositionSnapshots inserts the snapshot rows for one cycle. Duplicates
// at the same (lead, symbol, side, fetched_at) are discarded. Returns the
// number of rows actually inserted.
func (db *DB) InsertPositionSnapshots(ctx context.Context, snapshots []*PositionSnapshot) (int, error) {
	if db.Pool == nil || len(snapshots) == 0 {
		return 0, nil
	}

	query := `
		INSERT INTO position_snapshots (
			lead_id, platform, fetched_at, symbol, side, contract_type,
			leverage, size, entry_price, mark_price, margin_usdt, margin_type,
			pnl_usdt, roe_pct, raw
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (lead_id, symbol, side, fetched_at) DO NOTHING`

	inserted := 0
	for _, s := range snapshots {
		tag, err := db.q.Exec(ctx, query,
			s.LeadID,
			s.Platform,
			s.FetchedAt,
			s.Symbol,
			s.Side,
			s.ContractType,
			s.Leverage,
			s.Size,
			s.EntryPrice,
			s.MarkPrice,
			s.MarginUSDT,
			s.MarginType,
			s.PnlUSDT,
			s.RoePct,
			s.Raw,
		)
		if err != nil {
			return inserted, fmt.Errorf("failed to insert position snapshot: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}

	return inserted, nil
}

// GetLatestSnapshotSet returns the snapshot rows at the trader's most recent
// fetched_at. Empty when the trader has no snapshots at all.
func (db *DB) GetLatestSnapshotSet(ctx context.Context, leadID string) ([]*PositionSnapshot, error) {
	if db.Pool == nil {
		return nil, nil
	}

	query := `
		SELECT id, lead_id, platform, fetched_at, symbol, side, contract_type,
			leverage, size, entry_price, mark_price, margin_usdt, margin_type,
			pnl_usdt, roe_pct
		FROM position_snapshots
		WHERE lead_id = $1
		  AND fetched_at = (SELECT MAX(fetched_at) FROM position_snapshots WHERE lead_id = $1)`

	rows, err := db.q.Query(ctx, query, leadID)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest snapshot set: %w", err)
	}
	defer rows.Close()

	var snapshots []*PositionSnapshot
	for rows.Next() {
		s := &PositionSnapshot{}
		err := rows.Scan(
			&s.ID, &s.LeadID, &s.Platform, &s.FetchedAt, &s.Symbol, &s.Side,
			&s.ContractType, &s.Leverage, &s.Size, &s.EntryPrice, &s.MarkPrice,
			&s.MarginUSDT, &s.MarginType, &s.PnlUSDT, &s.RoePct,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		snapshots = append(snapshots, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshot rows: %w", err)
	}

	return snapshots, nil
}

// GetPrevFetchedAt returns the most recent snapshot fetched_at for the trader
// strictly before the given instant. Zero time when none exists.
func (db *DB) GetPrevFetchedAt(ctx context.Context, leadID string, before time.Time) (time.Time, error) {
	if db.Pool == nil {
		return time.Time{}, nil
	}

	query := `
		SELECT COALESCE(MAX(fetched_at), 'epoch'::timestamptz)
		FROM position_snapshots
		WHERE lead_id = $1 AND fetched_at < $2`

	var prev time.Time
	if err := db.q.QueryRow(ctx, query, leadID, before).Scan(&prev); err != nil {
		return time.Time{}, fmt.Errorf("failed to get previous fetched_at: %w", err)
	}
	if prev.Unix() <= 0 {
		return time.Time{}, nil
	}
	return prev, nil
}

// GetRecentMarkPrices returns up to limit recent snapshot prices for a
// symbol, newest first, using mark_price when set and entry_price otherwise.
// This feeds the simulation reference-price lookup.
func (db *DB) GetRecentMarkPrices(ctx context.Context, platform, symbol string, limit int) ([]float64, error) {
	if db.Pool == nil {
		return nil, nil
	}

	query := `
		SELECT CASE WHEN mark_price > 0 THEN mark_price ELSE entry_price END
		FROM position_snapshots
		WHERE platform = $1 AND symbol = $2
		ORDER BY fetched_at DESC
		LIMIT $3`

	rows, err := db.q.Query(ctx, query, platform, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent mark prices: %w", err)
	}
	defer rows.Close()

	var prices []float64
	for rows.Next() {
		var p float64
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("failed to scan mark price row: %w", err)
		}
		if p > 0 {
			prices = append(prices, p)
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mark price rows: %w", err)
	}

	return prices, nil
}
