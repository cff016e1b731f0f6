package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"copytrade-radar/internal/database"
)

// openEventMatchWindow bounds how far back the tracker searches for an OPEN
// event to pin down the open time of a newly appeared snapshot position.
const openEventMatchWindow = 5 * time.Minute

// VisibleTracker diffs successive snapshot sets per trader to maintain
// lifecycle rows for VISIBLE traders. It only manages SNAPSHOT-sourced rows;
// EVENT-sourced rows belong to the hidden tracker.
type VisibleTracker struct {
	store  StateStore
	logger zerolog.Logger
}

// TrackResult summarises one tracking pass for logging and counters.
type TrackResult struct {
	Opened    int
	Continued int
	Closed    int
}

func NewVisibleTracker(store StateStore, logger zerolog.Logger) *VisibleTracker {
	return &VisibleTracker{
		store:  store,
		logger: logger.With().Str("component", "VisibleTracker").Logger(),
	}
}

type positionKey struct {
	symbol    string
	direction string
}

// Track reconciles a trader's lifecycle rows against the snapshot set taken
// at fetchedAt. Snapshots must all belong to the same trader and instant.
// An empty (but present) snapshot set closes every remaining ACTIVE row, so
// a trader flipping to HIDDEN drains its snapshot lifecycle naturally.
func (vt *VisibleTracker) Track(ctx context.Context, leadID, platform string, snapshots []*database.PositionSnapshot, fetchedAt time.Time) (*TrackResult, error) {
	current := make(map[positionKey]*database.PositionSnapshot, len(snapshots))
	for _, s := range snapshots {
		current[positionKey{s.Symbol, s.Side}] = s
	}

	active, err := vt.store.GetActivePositionStates(ctx, leadID, database.PositionSourceSnapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to load active states: %w", err)
	}
	activeByKey := make(map[positionKey]*database.PositionState, len(active))
	for _, st := range active {
		activeByKey[positionKey{st.Symbol, st.Direction}] = st
	}

	result := &TrackResult{}

	// New positions: appeared since the previous snapshot set.
	for key, snap := range current {
		if _, ok := activeByKey[key]; ok {
			continue
		}
		if err := vt.openFromSnapshot(ctx, leadID, platform, snap, fetchedAt); err != nil {
			return result, err
		}
		result.Opened++
	}

	// Still-active positions: refresh lastSeenAt in one statement.
	var stillActive []int64
	for key, st := range activeByKey {
		if _, ok := current[key]; ok {
			stillActive = append(stillActive, st.ID)
		}
	}
	if len(stillActive) > 0 {
		if err := vt.store.BulkTouchPositionStates(ctx, stillActive, fetchedAt); err != nil {
			return result, fmt.Errorf("failed to touch still-active states: %w", err)
		}
		result.Continued = len(stillActive)
	}

	// Disappeared positions: close with the midpoint as the estimated close
	// time, keeping the uncertainty within half a cycle interval.
	for key, st := range activeByKey {
		if _, ok := current[key]; ok {
			continue
		}
		closeEstimate := st.LastSeenAt.Add(fetchedAt.Sub(st.LastSeenAt) / 2)
		st.Status = database.PositionStatusClosed
		st.DisappearedAt = &fetchedAt
		st.EstimatedCloseTime = &closeEstimate
		if err := vt.store.UpdatePositionState(ctx, st); err != nil {
			return result, fmt.Errorf("failed to close state %s/%s: %w", key.symbol, key.direction, err)
		}
		result.Closed++
	}

	if result.Opened > 0 || result.Closed > 0 {
		vt.logger.Info().
			Str("lead_id", leadID).
			Int("opened", result.Opened).
			Int("continued", result.Continued).
			Int("closed", result.Closed).
			Msg("Snapshot diff applied")
	}

	return result, nil
}

// openFromSnapshot creates an ACTIVE row for a newly appeared position. When
// a matching OPEN event exists within the match window, its event time is the
// open estimate; otherwise fetchedAt is the conservative latest bound.
func (vt *VisibleTracker) openFromSnapshot(ctx context.Context, leadID, platform string, snap *database.PositionSnapshot, fetchedAt time.Time) error {
	estimatedOpen := fetchedAt
	var openEventKey *string

	match, err := vt.store.FindOpenEvent(ctx, leadID, snap.Symbol, snap.Side,
		fetchedAt.Add(-openEventMatchWindow), fetchedAt)
	if err != nil {
		return fmt.Errorf("failed to search open event: %w", err)
	}
	if match != nil {
		estimatedOpen = match.EventTime
		key := match.EventKey
		openEventKey = &key
	}

	leverage := snap.Leverage
	state := &database.PositionState{
		LeadID:            leadID,
		Platform:          platform,
		Symbol:            snap.Symbol,
		Direction:         snap.Side,
		Source:            database.PositionSourceSnapshot,
		Status:            database.PositionStatusActive,
		EntryPrice:        snap.EntryPrice,
		Amount:            abs(snap.Size),
		Leverage:          &leverage,
		FirstSeenAt:       fetchedAt,
		LastSeenAt:        fetchedAt,
		EstimatedOpenTime: estimatedOpen,
		OpenEventKey:      openEventKey,
	}

	if err := vt.store.CreatePositionState(ctx, state); err != nil {
		return fmt.Errorf("failed to create state %s/%s: %w", snap.Symbol, snap.Side, err)
	}
	return nil
}
