package ingest

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"copytrade-radar/internal/database"
	"copytrade-radar/internal/venue"
)

// eventTimeTextLayout is the venue's textual order timestamp, UTC, without a
// year. The year is reconstructed from fetchedAt.
const eventTimeTextLayout = "01-02, 15:04:05"

// NormalizePositions maps the raw activePositions entries to snapshot rows.
// One-way accounts report positionSide=BOTH; their direction is carried by
// the sign of positionAmount and must never leak through as BOTH.
func NormalizePositions(payload *venue.TraderPayload) []*database.PositionSnapshot {
	snapshots := make([]*database.PositionSnapshot, 0, len(payload.ActivePositions))

	for i := range payload.ActivePositions {
		raw := &payload.ActivePositions[i]

		side := inferSide(raw.PositionSide, raw.PositionAmount)

		var margin *float64
		if raw.NotionalValue != 0 && raw.Leverage > 0 {
			m := abs(raw.NotionalValue) / raw.Leverage
			margin = &m
		}

		marginType := "CROSS"
		if raw.Isolated {
			marginType = "ISOLATED"
		}

		blob, _ := json.Marshal(raw)

		snapshots = append(snapshots, &database.PositionSnapshot{
			LeadID:       payload.LeadID,
			Platform:     payload.Platform,
			FetchedAt:    payload.FetchedAt,
			Symbol:       raw.Symbol,
			Side:         side,
			ContractType: raw.ContractType,
			Leverage:     raw.Leverage,
			Size:         raw.PositionAmount,
			EntryPrice:   raw.EntryPrice,
			MarkPrice:    raw.MarkPrice,
			MarginUSDT:   margin,
			MarginType:   marginType,
			PnlUSDT:      raw.UnrealizedProfit,
			RoePct:       raw.Roe,
			Raw:          blob,
		})
	}

	return snapshots
}

// NormalizeEvents maps the raw order log to semantic events with a
// deduplication key and an absolute UTC event time.
func NormalizeEvents(payload *venue.TraderPayload) []*database.Event {
	if payload.OrderHistory == nil {
		return nil
	}

	events := make([]*database.Event, 0, len(payload.OrderHistory.AllOrders))

	for i := range payload.OrderHistory.AllOrders {
		raw := &payload.OrderHistory.AllOrders[i]

		eventType := classifyEvent(raw.Side, raw.PositionSide)
		eventTime := resolveEventTime(raw.OrderUpdateTime, raw.OrderTime, payload.FetchedAt)
		timeText := eventTime.UTC().Format(eventTimeTextLayout)

		ev := &database.Event{
			EventKey: fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s",
				payload.Platform, payload.LeadID, eventType, raw.Symbol, timeText,
				formatFloat(raw.ExecutedQty), formatFloat(raw.AvgPrice)),
			Platform:      payload.Platform,
			LeadID:        payload.LeadID,
			EventType:     eventType,
			Symbol:        raw.Symbol,
			EventTimeText: timeText,
			EventTime:     eventTime,
			FetchedAt:     payload.FetchedAt,
		}

		if raw.AvgPrice > 0 {
			p := raw.AvgPrice
			ev.Price = &p
		}
		if raw.ExecutedQty > 0 {
			a := raw.ExecutedQty
			ev.Amount = &a
		}
		if raw.BaseAsset != "" {
			asset := raw.BaseAsset
			ev.AmountAsset = &asset
		}
		if raw.TotalPnl > 0 {
			pnl := raw.TotalPnl
			ev.RealizedPnl = &pnl
		}

		events = append(events, ev)
	}

	return events
}

// inferSide resolves the snapshot direction. BOTH means a one-way account:
// a non-negative positionAmount is LONG, a negative one SHORT.
func inferSide(positionSide string, positionAmount float64) string {
	switch positionSide {
	case database.SideLong, database.SideShort:
		return positionSide
	default:
		if positionAmount < 0 {
			return database.SideShort
		}
		return database.SideLong
	}
}

// classifyEvent maps an order's (side, positionSide) pair to a semantic action.
func classifyEvent(side, positionSide string) string {
	switch {
	case side == "BUY" && positionSide == database.SideLong:
		return database.EventOpenLong
	case side == "SELL" && positionSide == database.SideLong:
		return database.EventCloseLong
	case side == "SELL" && positionSide == database.SideShort:
		return database.EventOpenShort
	case side == "BUY" && positionSide == database.SideShort:
		return database.EventCloseShort
	default:
		return database.EventUnknown
	}
}

// resolveEventTime prefers the epoch-millisecond order timestamp. When both
// millisecond fields are absent it falls back to reconstructing from the
// textual tag using fetchedAt's year, stepping back one year if the result
// would lie in the future.
func resolveEventTime(orderUpdateTime, orderTime int64, fetchedAt time.Time) time.Time {
	if orderUpdateTime > 0 {
		return time.UnixMilli(orderUpdateTime).UTC()
	}
	if orderTime > 0 {
		return time.UnixMilli(orderTime).UTC()
	}
	return fetchedAt.UTC()
}

// ReconstructEventTime resolves a textual MM-DD, HH:MM:SS tag against the
// fetch instant. Used when only the text form is available.
func ReconstructEventTime(timeText string, fetchedAt time.Time) (time.Time, error) {
	parsed, err := time.Parse(eventTimeTextLayout, timeText)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse event time %q: %w", timeText, err)
	}

	t := time.Date(fetchedAt.UTC().Year(), parsed.Month(), parsed.Day(),
		parsed.Hour(), parsed.Minute(), parsed.Second(), 0, time.UTC)
	if t.After(fetchedAt) {
		t = t.AddDate(-1, 0, 0)
	}
	return t, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
