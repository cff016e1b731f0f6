package simulation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"copytrade-radar/internal/consensus"
	"copytrade-radar/internal/database"
	"copytrade-radar/internal/riskmath"
)

// BacktestRequest carries the rule parameters to replay against the stored
// event stream.
type BacktestRequest struct {
	TimeRange      string  `json:"time_range"`
	Segment        string  `json:"segment"`
	MinTraders     int     `json:"min_traders"`
	Leverage       float64 `json:"leverage"`
	MarginNotional float64 `json:"margin_notional"`
	SlippageBps    float64 `json:"slippage_bps"`
	CommissionBps  float64 `json:"commission_bps"`
}

// BacktestTrade is one hypothetical open/close pair from the replay.
type BacktestTrade struct {
	Symbol     string    `json:"symbol"`
	Direction  string    `json:"direction"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	NetPnlUSDT float64   `json:"net_pnl_usdt"`
	RoiPct     float64   `json:"roi_pct"`
	OpenedAt   time.Time `json:"opened_at"`
	ClosedAt   time.Time `json:"closed_at"`
	ForcedExit bool      `json:"forced_exit"` // closed at window end, not by a CLOSE event
}

// BacktestSymbolResult aggregates the replay per symbol.
type BacktestSymbolResult struct {
	Symbol   string  `json:"symbol"`
	Trades   int     `json:"trades"`
	Wins     int     `json:"wins"`
	WinRate  float64 `json:"win_rate"`
	AvgPnl   float64 `json:"avg_pnl"`
	TotalPnl float64 `json:"total_pnl"`
}

// BacktestResult is the full replay outcome.
type BacktestResult struct {
	TimeRange string                 `json:"time_range"`
	Segment   string                 `json:"segment"`
	Since     time.Time              `json:"since"`
	Until     time.Time              `json:"until"`
	Trades    []BacktestTrade        `json:"trades"`
	PerSymbol []BacktestSymbolResult `json:"per_symbol"`
	Total     BacktestSymbolResult   `json:"total"`
}

type backtestOpen struct {
	symbol     string
	direction  string
	entryPrice float64
	openedAt   time.Time
}

// Backtest replays the event stream within the window. A hypothetical position
// opens at an OPEN event's price once the number of distinct traders holding
// the same (symbol, direction) reaches minTraders, and closes at the first
// subsequent CLOSE event for that key, or at window end at the last known
// price.
func (e *Engine) Backtest(ctx context.Context, req *BacktestRequest) (*BacktestResult, error) {
	if req.MinTraders < 1 {
		req.MinTraders = 1
	}
	if req.Leverage <= 0 || req.MarginNotional <= 0 {
		return nil, fmt.Errorf("invalid backtest request: leverage=%v margin=%v", req.Leverage, req.MarginNotional)
	}
	if req.Segment == "" {
		req.Segment = database.SegmentBoth
	}

	until := e.now()
	since := until.Add(-consensus.WindowDuration(req.TimeRange))

	events, err := e.store.GetEventsSince(ctx, e.platform, since, until)
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	events, err = e.filterBySegment(ctx, events, req.Segment)
	if err != nil {
		return nil, err
	}
	sort.Slice(events, func(i, j int) bool { return events[i].EventTime.Before(events[j].EventTime) })

	result := &BacktestResult{
		TimeRange: req.TimeRange,
		Segment:   req.Segment,
		Since:     since,
		Until:     until,
	}

	// holders[symbol|direction] is the set of traders currently open on the key.
	holders := make(map[string]map[string]bool)
	open := make(map[string]*backtestOpen)
	lastPrice := make(map[string]float64)

	for _, ev := range events {
		if ev.Price != nil && *ev.Price > 0 {
			lastPrice[ev.Symbol] = *ev.Price
		}

		direction, isOpen := classifyBacktestEvent(ev.EventType)
		if direction == "" {
			continue
		}
		key := ev.Symbol + "|" + direction

		if isOpen {
			if holders[key] == nil {
				holders[key] = make(map[string]bool)
			}
			holders[key][ev.LeadID] = true

			if open[key] == nil && len(holders[key]) >= req.MinTraders && ev.Price != nil && *ev.Price > 0 {
				open[key] = &backtestOpen{
					symbol:     ev.Symbol,
					direction:  direction,
					entryPrice: *ev.Price,
					openedAt:   ev.EventTime,
				}
			}
			continue
		}

		delete(holders[key], ev.LeadID)

		if pos := open[key]; pos != nil && ev.Price != nil && *ev.Price > 0 {
			result.Trades = append(result.Trades, e.settleBacktestTrade(req, pos, *ev.Price, ev.EventTime, false))
			delete(open, key)
		}
	}

	// Window end: force-close whatever is still open at the last known price.
	var leftovers []string
	for key := range open {
		leftovers = append(leftovers, key)
	}
	sort.Strings(leftovers)
	for _, key := range leftovers {
		pos := open[key]
		price, ok := lastPrice[pos.symbol]
		if !ok || price <= 0 {
			continue
		}
		result.Trades = append(result.Trades, e.settleBacktestTrade(req, pos, price, until, true))
	}

	result.PerSymbol, result.Total = summarizeBacktest(result.Trades)
	return result, nil
}

func (e *Engine) settleBacktestTrade(req *BacktestRequest, pos *backtestOpen, exitPrice float64, closedAt time.Time, forced bool) BacktestTrade {
	isLong := pos.direction == database.SideLong
	cost := riskmath.ComputeExecutionCost(isLong, pos.entryPrice, exitPrice,
		req.MarginNotional*req.Leverage, req.MarginNotional, req.SlippageBps, req.CommissionBps)

	return BacktestTrade{
		Symbol:     pos.symbol,
		Direction:  pos.direction,
		EntryPrice: pos.entryPrice,
		ExitPrice:  exitPrice,
		NetPnlUSDT: cost.NetPnlUSDT,
		RoiPct:     cost.RoiPct,
		OpenedAt:   pos.openedAt,
		ClosedAt:   closedAt,
		ForcedExit: forced,
	}
}

// filterBySegment drops events from traders outside the requested segment.
func (e *Engine) filterBySegment(ctx context.Context, events []*database.Event, segment string) ([]*database.Event, error) {
	if segment == database.SegmentBoth {
		return events, nil
	}

	traders, err := e.store.GetLeadTraders(ctx, e.platform, segment)
	if err != nil {
		return nil, fmt.Errorf("failed to load traders for segment %s: %w", segment, err)
	}
	inSegment := make(map[string]bool, len(traders))
	for _, t := range traders {
		inSegment[t.LeadID] = true
	}

	filtered := events[:0]
	for _, ev := range events {
		if inSegment[ev.LeadID] {
			filtered = append(filtered, ev)
		}
	}
	return filtered, nil
}

// classifyBacktestEvent maps an event type to its direction and whether it
// opens exposure.
func classifyBacktestEvent(eventType string) (direction string, isOpen bool) {
	switch eventType {
	case database.EventOpenLong:
		return database.SideLong, true
	case database.EventOpenShort:
		return database.SideShort, true
	case database.EventCloseLong:
		return database.SideLong, false
	case database.EventCloseShort:
		return database.SideShort, false
	default:
		return "", false
	}
}

func summarizeBacktest(trades []BacktestTrade) ([]BacktestSymbolResult, BacktestSymbolResult) {
	bySymbol := make(map[string]*BacktestSymbolResult)
	total := BacktestSymbolResult{Symbol: "TOTAL"}

	for _, t := range trades {
		r := bySymbol[t.Symbol]
		if r == nil {
			r = &BacktestSymbolResult{Symbol: t.Symbol}
			bySymbol[t.Symbol] = r
		}
		r.Trades++
		r.TotalPnl += t.NetPnlUSDT
		total.Trades++
		total.TotalPnl += t.NetPnlUSDT
		if t.NetPnlUSDT > 0 {
			r.Wins++
			total.Wins++
		}
	}

	var perSymbol []BacktestSymbolResult
	for _, r := range bySymbol {
		r.WinRate = float64(r.Wins) / float64(r.Trades)
		r.AvgPnl = r.TotalPnl / float64(r.Trades)
		perSymbol = append(perSymbol, *r)
	}
	sort.Slice(perSymbol, func(i, j int) bool { return perSymbol[i].Symbol < perSymbol[j].Symbol })

	if total.Trades > 0 {
		total.WinRate = float64(total.Wins) / float64(total.Trades)
		total.AvgPnl = total.TotalPnl / float64(total.Trades)
	}

	return perSymbol, total
}
