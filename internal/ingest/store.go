package ingest

import (
	"context"
	"time"

	"copytrade-radar/internal/database"
)

// StateStore is the slice of the store the position trackers need.
// *database.DB satisfies it; tests use an in-memory fake.
type StateStore interface {
	GetActivePositionStates(ctx context.Context, leadID, source string) ([]*database.PositionState, error)
	GetMostRecentActive(ctx context.Context, leadID, symbol, direction, source string) (*database.PositionState, error)
	CreatePositionState(ctx context.Context, p *database.PositionState) error
	UpdatePositionState(ctx context.Context, p *database.PositionState) error
	BulkTouchPositionStates(ctx context.Context, ids []int64, lastSeenAt time.Time) error
	FindOpenEvent(ctx context.Context, leadID, symbol, direction string, since, until time.Time) (*database.Event, error)
}
