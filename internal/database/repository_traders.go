package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// UpsertLeadTrader creates the trader row on first ingest and refreshes the
// mutable descriptors on every subsequent one. PosShowUpdatedAt only moves
// when the position_show flag actually changes.
func (db *DB) UpsertLeadTrader(ctx context.Context, t *LeadTrader) error {
	if db.Pool == nil {
		return nil // No database configured
	}

	query := `
		INSERT INTO lead_traders (
			lead_id, platform, nickname, position_show, pos_show_updated_at,
			first_seen_at, last_ingest_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (lead_id) DO UPDATE SET
			platform = EXCLUDED.platform,
			nickname = COALESCE(EXCLUDED.nickname, lead_traders.nickname),
			pos_show_updated_at = CASE
				WHEN lead_traders.position_show IS DISTINCT FROM EXCLUDED.position_show
				THEN EXCLUDED.pos_show_updated_at
				ELSE lead_traders.pos_show_updated_at
			END,
			position_show = EXCLUDED.position_show,
			last_ingest_at = EXCLUDED.last_ingest_at`

	now := time.Now().UTC()
	if t.FirstSeenAt.IsZero() {
		t.FirstSeenAt = now
	}
	if t.LastIngestAt.IsZero() {
		t.LastIngestAt = now
	}
	if t.PosShowUpdatedAt == nil {
		t.PosShowUpdatedAt = &now
	}

	_, err := db.q.Exec(ctx, query,
		t.LeadID,
		t.Platform,
		t.Nickname,
		t.PositionShow,
		t.PosShowUpdatedAt,
		t.FirstSeenAt,
		t.LastIngestAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert lead trader: %w", err)
	}

	return nil
}

// GetLeadTrader retrieves a single trader by lead ID.
func (db *DB) GetLeadTrader(ctx context.Context, leadID string) (*LeadTrader, error) {
	if db.Pool == nil {
		return nil, nil
	}

	query := `
		SELECT lead_id, platform, nickname, position_show, pos_show_updated_at,
			first_seen_at, last_ingest_at
		FROM lead_traders
		WHERE lead_id = $1`

	t := &LeadTrader{}
	err := db.q.QueryRow(ctx, query, leadID).Scan(
		&t.LeadID,
		&t.Platform,
		&t.Nickname,
		&t.PositionShow,
		&t.PosShowUpdatedAt,
		&t.FirstSeenAt,
		&t.LastIngestAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lead trader: %w", err)
	}

	return t, nil
}

// GetLeadTraders retrieves all traders for a platform, optionally filtered by
// segment (VISIBLE, HIDDEN, UNKNOWN; BOTH or empty returns everything).
func (db *DB) GetLeadTraders(ctx context.Context, platform, segment string) ([]*LeadTrader, error) {
	if db.Pool == nil {
		return nil, nil
	}

	query := `
		SELECT lead_id, platform, nickname, position_show, pos_show_updated_at,
			first_seen_at, last_ingest_at
		FROM lead_traders
		WHERE platform = $1`
	args := []any{platform}

	switch segment {
	case SegmentVisible:
		query += ` AND position_show = TRUE`
	case SegmentHidden:
		query += ` AND position_show = FALSE`
	case SegmentUnknown:
		query += ` AND position_show IS NULL`
	}
	query += ` ORDER BY lead_id`

	rows, err := db.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get lead traders: %w", err)
	}
	defer rows.Close()

	var traders []*LeadTrader
	for rows.Next() {
		t := &LeadTrader{}
		err := rows.Scan(
			&t.LeadID,
			&t.Platform,
			&t.Nickname,
			&t.PositionShow,
			&t.PosShowUpdatedAt,
			&t.FirstSeenAt,
			&t.LastIngestAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lead trader row: %w", err)
		}
		traders = append(traders, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating lead trader rows: %w", err)
	}

	return traders, nil
}
