package ingest

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"copytrade-radar/internal/database"
)

// HiddenTracker derives lifecycle rows from the deduplicated order events of
// HIDDEN traders. It only manages EVENT-sourced rows.
type HiddenTracker struct {
	store  StateStore
	logger zerolog.Logger
}

// HiddenTrackResult summarises one event-replay pass.
type HiddenTrackResult struct {
	Opened       int
	Refreshed    int
	Closed       int
	OrphanCloses int
}

func NewHiddenTracker(store StateStore, logger zerolog.Logger) *HiddenTracker {
	return &HiddenTracker{
		store:  store,
		logger: logger.With().Str("component", "HiddenTracker").Logger(),
	}
}

// Track applies newly inserted events in chronological order. Only events
// that were actually new to the store should be passed in; duplicates have
// already been applied by an earlier cycle.
func (ht *HiddenTracker) Track(ctx context.Context, leadID string, events []*database.Event) (*HiddenTrackResult, error) {
	ordered := make([]*database.Event, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].EventTime.Before(ordered[j].EventTime)
	})

	result := &HiddenTrackResult{}

	for _, ev := range ordered {
		switch ev.EventType {
		case database.EventOpenLong, database.EventOpenShort:
			if err := ht.applyOpen(ctx, leadID, ev, result); err != nil {
				return result, err
			}
		case database.EventCloseLong, database.EventCloseShort:
			if err := ht.applyClose(ctx, leadID, ev, result); err != nil {
				return result, err
			}
		}
	}

	if result.Opened > 0 || result.Closed > 0 || result.OrphanCloses > 0 {
		ht.logger.Info().
			Str("lead_id", leadID).
			Int("opened", result.Opened).
			Int("closed", result.Closed).
			Int("orphan_closes", result.OrphanCloses).
			Msg("Event lifecycle applied")
	}

	return result, nil
}

func directionOf(eventType string) string {
	if eventType == database.EventOpenShort || eventType == database.EventCloseShort {
		return database.SideShort
	}
	return database.SideLong
}

func (ht *HiddenTracker) applyOpen(ctx context.Context, leadID string, ev *database.Event, result *HiddenTrackResult) error {
	direction := directionOf(ev.EventType)

	existing, err := ht.store.GetMostRecentActive(ctx, leadID, ev.Symbol, direction, database.PositionSourceEvent)
	if err != nil {
		return fmt.Errorf("failed to look up active state: %w", err)
	}
	if existing != nil {
		// Scale-in on an already tracked position.
		existing.LastSeenAt = ev.EventTime
		if err := ht.store.UpdatePositionState(ctx, existing); err != nil {
			return fmt.Errorf("failed to refresh state: %w", err)
		}
		result.Refreshed++
		return nil
	}

	var entryPrice, amount float64
	if ev.Price != nil {
		entryPrice = *ev.Price
	}
	if ev.Amount != nil {
		amount = *ev.Amount
	}

	key := ev.EventKey
	state := &database.PositionState{
		LeadID:            leadID,
		Platform:          ev.Platform,
		Symbol:            ev.Symbol,
		Direction:         direction,
		Source:            database.PositionSourceEvent,
		Status:            database.PositionStatusActive,
		EntryPrice:        entryPrice,
		Amount:            amount,
		FirstSeenAt:       ev.EventTime,
		LastSeenAt:        ev.EventTime,
		EstimatedOpenTime: ev.EventTime,
		OpenEventKey:      &key,
	}

	if err := ht.store.CreatePositionState(ctx, state); err != nil {
		return fmt.Errorf("failed to create event state %s/%s: %w", ev.Symbol, direction, err)
	}
	result.Opened++
	return nil
}

func (ht *HiddenTracker) applyClose(ctx context.Context, leadID string, ev *database.Event, result *HiddenTrackResult) error {
	direction := directionOf(ev.EventType)

	state, err := ht.store.GetMostRecentActive(ctx, leadID, ev.Symbol, direction, database.PositionSourceEvent)
	if err != nil {
		return fmt.Errorf("failed to look up active state: %w", err)
	}
	if state == nil {
		// Orphan close: the matching open predates the visible order log.
		// Counted against confidence, no row is fabricated.
		result.OrphanCloses++
		return nil
	}

	key := ev.EventKey
	eventTime := ev.EventTime
	state.Status = database.PositionStatusClosed
	state.LastSeenAt = eventTime
	state.DisappearedAt = &eventTime
	state.EstimatedCloseTime = &eventTime
	state.CloseEventKey = &key

	if err := ht.store.UpdatePositionState(ctx, state); err != nil {
		return fmt.Errorf("failed to close event state %s/%s: %w", ev.Symbol, direction, err)
	}
	result.Closed++
	return nil
}
