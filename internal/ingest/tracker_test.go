package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"copytrade-radar/internal/database"
)

// fakeStateStore is an in-memory StateStore for tracker tests.
type fakeStateStore struct {
	states []*database.PositionState
	events []*database.Event
	nextID int64
}

func (f *fakeStateStore) GetActivePositionStates(_ context.Context, leadID, source string) ([]*database.PositionState, error) {
	var out []*database.PositionState
	for _, s := range f.states {
		if s.LeadID == leadID && s.Status == database.PositionStatusActive && (source == "" || s.Source == source) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStateStore) GetMostRecentActive(_ context.Context, leadID, symbol, direction, source string) (*database.PositionState, error) {
	var best *database.PositionState
	for _, s := range f.states {
		if s.LeadID != leadID || s.Symbol != symbol || s.Direction != direction ||
			s.Source != source || s.Status != database.PositionStatusActive {
			continue
		}
		if best == nil || s.FirstSeenAt.After(best.FirstSeenAt) {
			best = s
		}
	}
	return best, nil
}

func (f *fakeStateStore) CreatePositionState(_ context.Context, p *database.PositionState) error {
	f.nextID++
	p.ID = f.nextID
	f.states = append(f.states, p)
	return nil
}

func (f *fakeStateStore) UpdatePositionState(_ context.Context, p *database.PositionState) error {
	return nil // states are shared pointers
}

func (f *fakeStateStore) BulkTouchPositionStates(_ context.Context, ids []int64, lastSeenAt time.Time) error {
	for _, s := range f.states {
		for _, id := range ids {
			if s.ID == id {
				s.LastSeenAt = lastSeenAt
			}
		}
	}
	return nil
}

func (f *fakeStateStore) FindOpenEvent(_ context.Context, leadID, symbol, direction string, since, until time.Time) (*database.Event, error) {
	eventType := database.EventOpenLong
	if direction == database.SideShort {
		eventType = database.EventOpenShort
	}
	var best *database.Event
	for _, e := range f.events {
		if e.LeadID != leadID || e.Symbol != symbol || e.EventType != eventType {
			continue
		}
		if e.EventTime.Before(since) || e.EventTime.After(until) {
			continue
		}
		if best == nil || e.EventTime.After(best.EventTime) {
			best = e
		}
	}
	return best, nil
}

func ptrFloat(f float64) *float64 { return &f }

func TestHiddenTrackerOpenThenClose(t *testing.T) {
	store := &fakeStateStore{}
	tracker := NewHiddenTracker(store, zerolog.Nop())

	base := time.Unix(0, 0).UTC()
	open := base.Add(1000 * time.Second)
	close := base.Add(1500 * time.Second)

	events := []*database.Event{
		{
			EventKey: "k1", Platform: "binance", LeadID: "T1",
			EventType: database.EventOpenLong, Symbol: "BTCUSDT",
			Price: ptrFloat(60000), Amount: ptrFloat(0.1), EventTime: open,
		},
		{
			EventKey: "k2", Platform: "binance", LeadID: "T1",
			EventType: database.EventCloseLong, Symbol: "BTCUSDT",
			Price: ptrFloat(61000), Amount: ptrFloat(0.1), EventTime: close,
		},
	}

	result, err := tracker.Track(context.Background(), "T1", events)
	if err != nil {
		t.Fatalf("Track failed: %v", err)
	}
	if result.Opened != 1 || result.Closed != 1 || result.OrphanCloses != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}

	if len(store.states) != 1 {
		t.Fatalf("expected exactly one lifecycle row, got %d", len(store.states))
	}
	st := store.states[0]
	if st.Status != database.PositionStatusClosed {
		t.Errorf("status = %s, want CLOSED", st.Status)
	}
	if !st.EstimatedOpenTime.Equal(open) {
		t.Errorf("estimatedOpenTime = %v, want %v", st.EstimatedOpenTime, open)
	}
	if st.EstimatedCloseTime == nil || !st.EstimatedCloseTime.Equal(close) {
		t.Errorf("estimatedCloseTime = %v, want %v", st.EstimatedCloseTime, close)
	}
	if st.EntryPrice != 60000 || st.Amount != 0.1 {
		t.Errorf("entry = %v amount = %v", st.EntryPrice, st.Amount)
	}
	if st.OpenEventKey == nil || *st.OpenEventKey != "k1" {
		t.Errorf("openEventKey = %v, want k1", st.OpenEventKey)
	}
	if st.CloseEventKey == nil || *st.CloseEventKey != "k2" {
		t.Errorf("closeEventKey = %v, want k2", st.CloseEventKey)
	}
}

func TestHiddenTrackerOrphanClose(t *testing.T) {
	store := &fakeStateStore{}
	tracker := NewHiddenTracker(store, zerolog.Nop())

	events := []*database.Event{
		{
			EventKey: "k1", Platform: "binance", LeadID: "T1",
			EventType: database.EventCloseShort, Symbol: "ETHUSDT",
			Price: ptrFloat(3000), EventTime: time.Now().UTC(),
		},
	}

	result, err := tracker.Track(context.Background(), "T1", events)
	if err != nil {
		t.Fatalf("Track failed: %v", err)
	}
	if result.OrphanCloses != 1 {
		t.Errorf("orphanCloses = %d, want 1", result.OrphanCloses)
	}
	if len(store.states) != 0 {
		t.Errorf("orphan close must not fabricate a row, got %d rows", len(store.states))
	}
}

func TestHiddenTrackerScaleInRefreshes(t *testing.T) {
	store := &fakeStateStore{}
	tracker := NewHiddenTracker(store, zerolog.Nop())

	t0 := time.Unix(1000, 0).UTC()
	t1 := time.Unix(2000, 0).UTC()

	events := []*database.Event{
		{EventKey: "k1", Platform: "binance", LeadID: "T1", EventType: database.EventOpenShort,
			Symbol: "SOLUSDT", Price: ptrFloat(150), Amount: ptrFloat(10), EventTime: t0},
		{EventKey: "k2", Platform: "binance", LeadID: "T1", EventType: database.EventOpenShort,
			Symbol: "SOLUSDT", Price: ptrFloat(148), Amount: ptrFloat(5), EventTime: t1},
	}

	result, err := tracker.Track(context.Background(), "T1", events)
	if err != nil {
		t.Fatalf("Track failed: %v", err)
	}
	if result.Opened != 1 || result.Refreshed != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(store.states) != 1 {
		t.Fatalf("scale-in must not create a second ACTIVE row, got %d", len(store.states))
	}
	if !store.states[0].LastSeenAt.Equal(t1) {
		t.Errorf("lastSeenAt = %v, want %v", store.states[0].LastSeenAt, t1)
	}
}

func TestVisibleTrackerLifecycle(t *testing.T) {
	store := &fakeStateStore{}
	tracker := NewVisibleTracker(store, zerolog.Nop())
	ctx := context.Background()

	t0 := time.Unix(0, 0).UTC()
	t1 := t0.Add(60 * time.Second)
	t2 := t0.Add(120 * time.Second)

	// Cycle 0: no positions, nothing to do.
	result, err := tracker.Track(ctx, "T2", "binance", nil, t0)
	if err != nil {
		t.Fatalf("cycle 0 failed: %v", err)
	}
	if result.Opened != 0 || result.Closed != 0 {
		t.Fatalf("cycle 0 result: %+v", result)
	}

	// Cycle 1: one new position appears.
	snaps := []*database.PositionSnapshot{
		{LeadID: "T2", Platform: "binance", FetchedAt: t1, Symbol: "ETHUSDT",
			Side: database.SideLong, EntryPrice: 3000, Leverage: 10, Size: 1.5},
	}
	result, err = tracker.Track(ctx, "T2", "binance", snaps, t1)
	if err != nil {
		t.Fatalf("cycle 1 failed: %v", err)
	}
	if result.Opened != 1 {
		t.Fatalf("cycle 1 result: %+v", result)
	}

	if len(store.states) != 1 {
		t.Fatalf("expected one row, got %d", len(store.states))
	}
	st := store.states[0]
	if st.Status != database.PositionStatusActive {
		t.Errorf("status = %s, want ACTIVE", st.Status)
	}
	if !st.FirstSeenAt.Equal(t1) || !st.EstimatedOpenTime.Equal(t1) {
		t.Errorf("firstSeenAt = %v estimatedOpen = %v, want %v", st.FirstSeenAt, st.EstimatedOpenTime, t1)
	}
	if st.Source != database.PositionSourceSnapshot {
		t.Errorf("source = %s, want SNAPSHOT", st.Source)
	}

	// Cycle 2: the position disappears.
	result, err = tracker.Track(ctx, "T2", "binance", []*database.PositionSnapshot{}, t2)
	if err != nil {
		t.Fatalf("cycle 2 failed: %v", err)
	}
	if result.Closed != 1 {
		t.Fatalf("cycle 2 result: %+v", result)
	}

	if st.Status != database.PositionStatusClosed {
		t.Errorf("status = %s, want CLOSED", st.Status)
	}
	if st.DisappearedAt == nil || !st.DisappearedAt.Equal(t2) {
		t.Errorf("disappearedAt = %v, want %v", st.DisappearedAt, t2)
	}
	wantClose := t0.Add(90 * time.Second)
	if st.EstimatedCloseTime == nil || !st.EstimatedCloseTime.Equal(wantClose) {
		t.Errorf("estimatedCloseTime = %v, want %v", st.EstimatedCloseTime, wantClose)
	}
	if !st.LastSeenAt.Before(*st.DisappearedAt) {
		t.Error("lastSeenAt must precede disappearedAt on snapshot closes")
	}
}

func TestVisibleTrackerMatchesOpenEvent(t *testing.T) {
	t1 := time.Unix(600, 0).UTC()
	eventTime := t1.Add(-2 * time.Minute)

	store := &fakeStateStore{
		events: []*database.Event{
			{EventKey: "open-evt", LeadID: "T3", Symbol: "BTCUSDT",
				EventType: database.EventOpenLong, EventTime: eventTime},
		},
	}
	tracker := NewVisibleTracker(store, zerolog.Nop())

	snaps := []*database.PositionSnapshot{
		{LeadID: "T3", FetchedAt: t1, Symbol: "BTCUSDT", Side: database.SideLong,
			EntryPrice: 60000, Leverage: 20, Size: 0.5},
	}
	if _, err := tracker.Track(context.Background(), "T3", "binance", snaps, t1); err != nil {
		t.Fatalf("Track failed: %v", err)
	}

	st := store.states[0]
	if !st.EstimatedOpenTime.Equal(eventTime) {
		t.Errorf("estimatedOpenTime = %v, want matched event time %v", st.EstimatedOpenTime, eventTime)
	}
	if st.OpenEventKey == nil || *st.OpenEventKey != "open-evt" {
		t.Errorf("openEventKey = %v, want open-evt", st.OpenEventKey)
	}
}

func TestVisibleTrackerStillActiveTouch(t *testing.T) {
	store := &fakeStateStore{}
	tracker := NewVisibleTracker(store, zerolog.Nop())
	ctx := context.Background()

	t1 := time.Unix(60, 0).UTC()
	t2 := time.Unix(120, 0).UTC()

	snaps := []*database.PositionSnapshot{
		{LeadID: "T4", FetchedAt: t1, Symbol: "BNBUSDT", Side: database.SideShort,
			EntryPrice: 600, Leverage: 5, Size: -2},
	}
	if _, err := tracker.Track(ctx, "T4", "binance", snaps, t1); err != nil {
		t.Fatal(err)
	}

	snaps[0].FetchedAt = t2
	result, err := tracker.Track(ctx, "T4", "binance", snaps, t2)
	if err != nil {
		t.Fatal(err)
	}
	if result.Continued != 1 || result.Opened != 0 || result.Closed != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if !store.states[0].LastSeenAt.Equal(t2) {
		t.Errorf("lastSeenAt = %v, want %v", store.states[0].LastSeenAt, t2)
	}
	if store.states[0].Amount != 2 {
		t.Errorf("amount = %v, want absolute size 2", store.states[0].Amount)
	}
}
