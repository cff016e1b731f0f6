package ingest

import (
	"testing"
	"time"

	"copytrade-radar/internal/database"
	"copytrade-radar/internal/venue"
)

func TestNormalizePositionsOneWayAccount(t *testing.T) {
	payload := &venue.TraderPayload{
		LeadID: "T1", Platform: "binance", FetchedAt: time.Unix(1000, 0).UTC(),
		ActivePositions: []venue.RawPosition{
			{Symbol: "BTCUSDT", PositionSide: "BOTH", PositionAmount: 0.5,
				EntryPrice: 60000, MarkPrice: 60500, Leverage: 10, NotionalValue: 30250, Isolated: true},
			{Symbol: "ETHUSDT", PositionSide: "BOTH", PositionAmount: -2,
				EntryPrice: 3000, MarkPrice: 2950, Leverage: 5, NotionalValue: -5900},
			{Symbol: "SOLUSDT", PositionSide: "SHORT", PositionAmount: -10,
				EntryPrice: 150, Leverage: 3},
		},
	}

	snaps := NormalizePositions(payload)
	if len(snaps) != 3 {
		t.Fatalf("expected 3 snapshots, got %d", len(snaps))
	}

	if snaps[0].Side != database.SideLong {
		t.Errorf("positive one-way amount must be LONG, got %s", snaps[0].Side)
	}
	if snaps[0].MarginUSDT == nil || *snaps[0].MarginUSDT != 3025 {
		t.Errorf("margin = %v, want 3025", snaps[0].MarginUSDT)
	}
	if snaps[0].MarginType != "ISOLATED" {
		t.Errorf("marginType = %s, want ISOLATED", snaps[0].MarginType)
	}

	if snaps[1].Side != database.SideShort {
		t.Errorf("negative one-way amount must be SHORT, got %s", snaps[1].Side)
	}
	if snaps[1].MarginUSDT == nil || *snaps[1].MarginUSDT != 1180 {
		t.Errorf("margin = %v, want |notional|/leverage = 1180", snaps[1].MarginUSDT)
	}
	if snaps[1].MarginType != "CROSS" {
		t.Errorf("marginType = %s, want CROSS", snaps[1].MarginType)
	}

	if snaps[2].Side != database.SideShort {
		t.Errorf("explicit SHORT must pass through, got %s", snaps[2].Side)
	}
	if snaps[2].MarginUSDT != nil {
		t.Errorf("missing notional must yield nil margin, got %v", snaps[2].MarginUSDT)
	}
}

func TestClassifyEvent(t *testing.T) {
	tests := []struct {
		side, posSide, want string
	}{
		{"BUY", "LONG", database.EventOpenLong},
		{"SELL", "LONG", database.EventCloseLong},
		{"SELL", "SHORT", database.EventOpenShort},
		{"BUY", "SHORT", database.EventCloseShort},
		{"BUY", "BOTH", database.EventUnknown},
		{"SELL", "", database.EventUnknown},
	}
	for _, tt := range tests {
		if got := classifyEvent(tt.side, tt.posSide); got != tt.want {
			t.Errorf("classifyEvent(%s, %s) = %s, want %s", tt.side, tt.posSide, got, tt.want)
		}
	}
}

func TestNormalizeEvents(t *testing.T) {
	fetchedAt := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	orderTime := time.Date(2026, 8, 25, 11, 30, 15, 0, time.UTC)

	payload := &venue.TraderPayload{
		LeadID: "T1", Platform: "binance", FetchedAt: fetchedAt,
		OrderHistory: &venue.OrderHistory{
			Total: 2,
			AllOrders: []venue.RawOrder{
				{Symbol: "BTCUSDT", Side: "BUY", PositionSide: "LONG",
					ExecutedQty: 0.5, AvgPrice: 60000, BaseAsset: "BTC",
					OrderUpdateTime: orderTime.UnixMilli()},
				{Symbol: "BTCUSDT", Side: "SELL", PositionSide: "LONG",
					ExecutedQty: 0.5, AvgPrice: 61000, TotalPnl: 500,
					OrderUpdateTime: orderTime.Add(time.Hour).UnixMilli()},
			},
		},
	}

	events := NormalizeEvents(payload)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}

	open := events[0]
	if open.EventType != database.EventOpenLong {
		t.Errorf("eventType = %s, want OPEN_LONG", open.EventType)
	}
	if open.EventTimeText != "08-25, 11:30:15" {
		t.Errorf("eventTimeText = %q", open.EventTimeText)
	}
	wantKey := "binance|T1|OPEN_LONG|BTCUSDT|08-25, 11:30:15|0.5|60000"
	if open.EventKey != wantKey {
		t.Errorf("eventKey = %q, want %q", open.EventKey, wantKey)
	}
	if !open.EventTime.Equal(orderTime) {
		t.Errorf("eventTime = %v, want %v", open.EventTime, orderTime)
	}
	if open.RealizedPnl != nil {
		t.Errorf("open event must carry no realized pnl, got %v", *open.RealizedPnl)
	}
	if open.AmountAsset == nil || *open.AmountAsset != "BTC" {
		t.Errorf("amountAsset = %v", open.AmountAsset)
	}

	closeEv := events[1]
	if closeEv.EventType != database.EventCloseLong {
		t.Errorf("eventType = %s, want CLOSE_LONG", closeEv.EventType)
	}
	if closeEv.RealizedPnl == nil || *closeEv.RealizedPnl != 500 {
		t.Errorf("realizedPnl = %v, want 500", closeEv.RealizedPnl)
	}
}

func TestNormalizeEventsIsDeterministic(t *testing.T) {
	payload := &venue.TraderPayload{
		LeadID: "T1", Platform: "binance", FetchedAt: time.Unix(5000, 0).UTC(),
		OrderHistory: &venue.OrderHistory{
			AllOrders: []venue.RawOrder{
				{Symbol: "BTCUSDT", Side: "BUY", PositionSide: "LONG",
					ExecutedQty: 1, AvgPrice: 50000, OrderUpdateTime: 4000000},
			},
		},
	}

	a := NormalizeEvents(payload)
	b := NormalizeEvents(payload)
	if a[0].EventKey != b[0].EventKey || !a[0].EventTime.Equal(b[0].EventTime) {
		t.Error("normalisation of the same payload must be equal")
	}
}

func TestNormalizeEventsNegativePnlDropped(t *testing.T) {
	payload := &venue.TraderPayload{
		LeadID: "T1", Platform: "binance", FetchedAt: time.Now().UTC(),
		OrderHistory: &venue.OrderHistory{
			AllOrders: []venue.RawOrder{
				{Symbol: "ETHUSDT", Side: "SELL", PositionSide: "LONG",
					ExecutedQty: 1, AvgPrice: 2900, TotalPnl: -100,
					OrderUpdateTime: time.Now().Add(-time.Hour).UnixMilli()},
			},
		},
	}

	events := NormalizeEvents(payload)
	if events[0].RealizedPnl != nil {
		t.Errorf("non-positive totalPnl must be dropped, got %v", *events[0].RealizedPnl)
	}
}

func TestReconstructEventTime(t *testing.T) {
	fetchedAt := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)

	// A December tag fetched in January belongs to the previous year.
	got, err := ReconstructEventTime("12-30, 23:59:59", fetchedAt)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2025, 12, 30, 23, 59, 59, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}

	// A same-year tag in the past stays put.
	got, err = ReconstructEventTime("01-04, 10:00:00", fetchedAt)
	if err != nil {
		t.Fatal(err)
	}
	want = time.Date(2026, 1, 4, 10, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}

	if _, err := ReconstructEventTime("not a time", fetchedAt); err == nil {
		t.Error("expected parse error")
	}
}
