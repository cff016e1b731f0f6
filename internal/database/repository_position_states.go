package database

import (
	"context"
	"fmt"
	"time"
)

const positionStateColumns = `id, lead_id, platform, symbol, direction, source, status,
	entry_price, amount, leverage, first_seen_at, last_seen_at, disappeared_at,
	estimated_open_time, estimated_close_time, open_event_key, close_event_key`

// CreatePositionState inserts a new lifecycle row. The partial unique index
// on (lead_id, symbol, direction) WHERE status='ACTIVE' enforces the
// at-most-one-ACTIVE invariant at the store level.
func (db *DB) CreatePositionState(ctx context.Context, p *PositionState) error {
	if db.Pool == nil {
		return nil
	}

	query := `
		INSERT INTO position_states (
			lead_id, platform, symbol, direction, source, status,
			entry_price, amount, leverage, first_seen_at, last_seen_at,
			disappeared_at, estimated_open_time, estimated_close_time,
			open_event_key, close_event_key
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id`

	err := db.q.QueryRow(ctx, query,
		p.LeadID, p.Platform, p.Symbol, p.Direction, p.Source, p.Status,
		p.EntryPrice, p.Amount, p.Leverage, p.FirstSeenAt, p.LastSeenAt,
		p.DisappearedAt, p.EstimatedOpenTime, p.EstimatedCloseTime,
		p.OpenEventKey, p.CloseEventKey,
	).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("failed to create position state: %w", err)
	}

	return nil
}

// UpdatePositionState writes back the mutable lifecycle fields.
func (db *DB) UpdatePositionState(ctx context.Context, p *PositionState) error {
	if db.Pool == nil {
		return nil
	}

	query := `
		UPDATE position_states SET
			status = $2,
			amount = $3,
			last_seen_at = $4,
			disappeared_at = $5,
			estimated_close_time = $6,
			close_event_key = $7
		WHERE id = $1`

	_, err := db.q.Exec(ctx, query,
		p.ID, p.Status, p.Amount, p.LastSeenAt,
		p.DisappearedAt, p.EstimatedCloseTime, p.CloseEventKey,
	)
	if err != nil {
		return fmt.Errorf("failed to update position state: %w", err)
	}

	return nil
}

// GetActivePositionStates returns the ACTIVE rows for one trader, optionally
// restricted to a lifecycle source (SNAPSHOT or EVENT; empty for both).
func (db *DB) GetActivePositionStates(ctx context.Context, leadID, source string) ([]*PositionState, error) {
	if db.Pool == nil {
		return nil, nil
	}

	query := `SELECT ` + positionStateColumns + `
		FROM position_states
		WHERE lead_id = $1 AND status = 'ACTIVE'`
	args := []any{leadID}

	if source != "" {
		query += ` AND source = $2`
		args = append(args, source)
	}
	query += ` ORDER BY first_seen_at`

	return db.scanPositionStates(ctx, query, args...)
}

// GetMostRecentActive returns the newest ACTIVE row for (trader, symbol,
// direction) with the given lifecycle source, ordered by first_seen_at
// descending, or nil when none exists. The hidden tracker closes against
// this row.
func (db *DB) GetMostRecentActive(ctx context.Context, leadID, symbol, direction, source string) (*PositionState, error) {
	if db.Pool == nil {
		return nil, nil
	}

	query := `SELECT ` + positionStateColumns + `
		FROM position_states
		WHERE lead_id = $1 AND symbol = $2 AND direction = $3 AND source = $4 AND status = 'ACTIVE'
		ORDER BY first_seen_at DESC
		LIMIT 1`

	states, err := db.scanPositionStates(ctx, query, leadID, symbol, direction, source)
	if err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return nil, nil
	}
	return states[0], nil
}

// BulkTouchPositionStates updates last_seen_at for a set of still-active rows.
func (db *DB) BulkTouchPositionStates(ctx context.Context, ids []int64, lastSeenAt time.Time) error {
	if db.Pool == nil || len(ids) == 0 {
		return nil
	}

	query := `UPDATE position_states SET last_seen_at = $1 WHERE id = ANY($2)`
	if _, err := db.q.Exec(ctx, query, lastSeenAt, ids); err != nil {
		return fmt.Errorf("failed to touch position states: %w", err)
	}
	return nil
}

// GetPositionStatesBySymbol returns lifecycle rows for a symbol, newest
// first, for the feed and symbol-detail reads.
func (db *DB) GetPositionStatesBySymbol(ctx context.Context, platform, symbol string, limit int) ([]*PositionState, error) {
	if db.Pool == nil {
		return nil, nil
	}

	query := `SELECT ` + positionStateColumns + `
		FROM position_states
		WHERE platform = $1 AND symbol = $2
		ORDER BY first_seen_at DESC
		LIMIT $3`

	return db.scanPositionStates(ctx, query, platform, symbol, limit)
}

// GetRecentPositionStates returns the newest lifecycle rows for the feed.
func (db *DB) GetRecentPositionStates(ctx context.Context, platform string, limit int) ([]*PositionState, error) {
	if db.Pool == nil {
		return nil, nil
	}

	query := `SELECT ` + positionStateColumns + `
		FROM position_states
		WHERE platform = $1
		ORDER BY last_seen_at DESC
		LIMIT $2`

	return db.scanPositionStates(ctx, query, platform, limit)
}

func (db *DB) scanPositionStates(ctx context.Context, query string, args ...any) ([]*PositionState, error) {
	rows, err := db.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query position states: %w", err)
	}
	defer rows.Close()

	var states []*PositionState
	for rows.Next() {
		p := &PositionState{}
		err := rows.Scan(
			&p.ID, &p.LeadID, &p.Platform, &p.Symbol, &p.Direction, &p.Source,
			&p.Status, &p.EntryPrice, &p.Amount, &p.Leverage, &p.FirstSeenAt,
			&p.LastSeenAt, &p.DisappearedAt, &p.EstimatedOpenTime,
			&p.EstimatedCloseTime, &p.OpenEventKey, &p.CloseEventKey,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position state row: %w", err)
		}
		states = append(states, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating position state rows: %w", err)
	}

	return states, nil
}
