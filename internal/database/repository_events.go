package database

import (
	"context"
	"fmt"
	"time"
)

// InsertEvents inserts normalised order events, skipping duplicates on the
// event_key unique index. Returns the events that were actually inserted
// (new to the store) plus the count of duplicates skipped.
func (db *DB) InsertEvents(ctx context.Context, events []*Event) ([]*Event, int, error) {
	if db.Pool == nil || len(events) == 0 {
		return events, 0, nil
	}

	query := `
		INSERT INTO events (
			event_key, platform, lead_id, event_type, symbol, price, amount,
			amount_asset, realized_pnl, event_time_text, event_time, fetched_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (event_key) DO NOTHING
		RETURNING id`

	var inserted []*Event
	skipped := 0
	for _, e := range events {
		err := db.q.QueryRow(ctx, query,
			e.EventKey,
			e.Platform,
			e.LeadID,
			e.EventType,
			e.Symbol,
			e.Price,
			e.Amount,
			e.AmountAsset,
			e.RealizedPnl,
			e.EventTimeText,
			e.EventTime,
			e.FetchedAt,
		).Scan(&e.ID)
		if err != nil {
			if isNoRows(err) {
				// Duplicate event key: idempotent by design, silently dropped.
				skipped++
				continue
			}
			return inserted, skipped, fmt.Errorf("failed to insert event: %w", err)
		}
		inserted = append(inserted, e)
	}

	return inserted, skipped, nil
}

// FindOpenEvent looks for a matching OPEN event for the snapshot tracker:
// same trader, symbol and direction, with event_time within [since, until].
// Returns nil when no match exists.
func (db *DB) FindOpenEvent(ctx context.Context, leadID, symbol, direction string, since, until time.Time) (*Event, error) {
	if db.Pool == nil {
		return nil, nil
	}

	eventType := EventOpenLong
	if direction == SideShort {
		eventType = EventOpenShort
	}

	query := `
		SELECT id, event_key, platform, lead_id, event_type, symbol, price,
			amount, amount_asset, realized_pnl, event_time_text, event_time, fetched_at
		FROM events
		WHERE lead_id = $1 AND symbol = $2 AND event_type = $3
		  AND event_time >= $4 AND event_time <= $5
		ORDER BY event_time DESC
		LIMIT 1`

	e := &Event{}
	err := db.q.QueryRow(ctx, query, leadID, symbol, eventType, since, until).Scan(
		&e.ID, &e.EventKey, &e.Platform, &e.LeadID, &e.EventType, &e.Symbol,
		&e.Price, &e.Amount, &e.AmountAsset, &e.RealizedPnl,
		&e.EventTimeText, &e.EventTime, &e.FetchedAt,
	)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find open event: %w", err)
	}

	return e, nil
}

// GetEventsBySymbol returns events for a symbol within a window, oldest first.
func (db *DB) GetEventsBySymbol(ctx context.Context, platform, symbol string, since time.Time) ([]*Event, error) {
	if db.Pool == nil {
		return nil, nil
	}

	query := `
		SELECT id, event_key, platform, lead_id, event_type, symbol, price,
			amount, amount_asset, realized_pnl, event_time_text, event_time, fetched_at
		FROM events
		WHERE platform = $1 AND symbol = $2 AND event_time >= $3
		ORDER BY event_time ASC`

	return db.scanEvents(ctx, query, platform, symbol, since)
}

// GetEventsSince returns all events for a platform within a window, oldest
// first. The backtest replay consumes this stream.
func (db *DB) GetEventsSince(ctx context.Context, platform string, since, until time.Time) ([]*Event, error) {
	if db.Pool == nil {
		return nil, nil
	}

	query := `
		SELECT id, event_key, platform, lead_id, event_type, symbol, price,
			amount, amount_asset, realized_pnl, event_time_text, event_time, fetched_at
		FROM events
		WHERE platform = $1 AND event_time >= $2 AND event_time <= $3
		ORDER BY event_time ASC`

	return db.scanEvents(ctx, query, platform, since, until)
}

// GetRecentEvents returns the newest events for the feed, optionally filtered
// by symbol, newest first.
func (db *DB) GetRecentEvents(ctx context.Context, platform, symbol string, since time.Time, limit int) ([]*Event, error) {
	if db.Pool == nil {
		return nil, nil
	}

	query := `
		SELECT id, event_key, platform, lead_id, event_type, symbol, price,
			amount, amount_asset, realized_pnl, event_time_text, event_time, fetched_at
		FROM events
		WHERE platform = $1 AND event_time >= $2`
	args := []any{platform, since}

	if symbol != "" {
		query += ` AND symbol = $3`
		args = append(args, symbol)
	}
	query += fmt.Sprintf(` ORDER BY event_time DESC LIMIT %d`, limit)

	return db.scanEvents(ctx, query, args...)
}

// GetLatestEventPrice returns the price of the most recent priced event for
// a symbol. Used as the second stage of reference-price resolution.
func (db *DB) GetLatestEventPrice(ctx context.Context, platform, symbol string) (float64, error) {
	if db.Pool == nil {
		return 0, nil
	}

	query := `
		SELECT price FROM events
		WHERE platform = $1 AND symbol = $2 AND price IS NOT NULL AND price > 0
		ORDER BY event_time DESC
		LIMIT 1`

	var price float64
	err := db.q.QueryRow(ctx, query, platform, symbol).Scan(&price)
	if isNoRows(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get latest event price: %w", err)
	}
	return price, nil
}

// GetCloseEventStats returns, for one trader, the realised-PnL sum, win count
// and total count of CLOSE_* events since the given instant. Wins are close
// events carrying a positive realised PnL.
func (db *DB) GetCloseEventStats(ctx context.Context, leadID string, since time.Time) (pnlSum float64, wins, total int, err error) {
	if db.Pool == nil {
		return 0, 0, 0, nil
	}

	query := `
		SELECT COALESCE(SUM(realized_pnl), 0),
			COUNT(*) FILTER (WHERE realized_pnl IS NOT NULL AND realized_pnl > 0),
			COUNT(*)
		FROM events
		WHERE lead_id = $1
		  AND event_type IN ('CLOSE_LONG', 'CLOSE_SHORT')
		  AND event_time >= $2`

	if err := db.q.QueryRow(ctx, query, leadID, since).Scan(&pnlSum, &wins, &total); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to get close event stats: %w", err)
	}
	return pnlSum, wins, total, nil
}

func (db *DB) scanEvents(ctx context.Context, query string, args ...any) ([]*Event, error) {
	rows, err := db.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		err := rows.Scan(
			&e.ID, &e.EventKey, &e.Platform, &e.LeadID, &e.EventType, &e.Symbol,
			&e.Price, &e.Amount, &e.AmountAsset, &e.RealizedPnl,
			&e.EventTimeText, &e.EventTime, &e.FetchedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}

	return events, nil
}
