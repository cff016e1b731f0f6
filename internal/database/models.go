package database

import (
	"encoding/json"
	"time"
)

// Trader segment classification, derived solely from PositionShow.
const (
	SegmentVisible = "VISIBLE"
	SegmentHidden  = "HIDDEN"
	SegmentUnknown = "UNKNOWN"
	SegmentBoth    = "BOTH" // query filter only, never stored
)

// Position sides and lifecycle statuses.
const (
	SideLong  = "LONG"
	SideShort = "SHORT"

	PositionStatusActive = "ACTIVE"
	PositionStatusClosed = "CLOSED"

	PositionSourceSnapshot = "SNAPSHOT"
	PositionSourceEvent    = "EVENT"
)

// Event types normalised from the venue order log.
const (
	EventOpenLong   = "OPEN_LONG"
	EventOpenShort  = "OPEN_SHORT"
	EventCloseLong  = "CLOSE_LONG"
	EventCloseShort = "CLOSE_SHORT"
	EventUnknown    = "UNKNOWN"
)

// LeadTrader is the identity row for a polled copy-trading account.
type LeadTrader struct {
	LeadID           string     `json:"lead_id"`
	Platform         string     `json:"platform"`
	Nickname         *string    `json:"nickname,omitempty"`
	PositionShow     *bool      `json:"position_show,omitempty"` // nil = UNKNOWN
	PosShowUpdatedAt *time.Time `json:"pos_show_updated_at,omitempty"`
	FirstSeenAt      time.Time  `json:"first_seen_at"`
	LastIngestAt     time.Time  `json:"last_ingest_at"`
}

// Segment returns the trader segment derived from PositionShow.
func (t *LeadTrader) Segment() string {
	if t.PositionShow == nil {
		return SegmentUnknown
	}
	if *t.PositionShow {
		return SegmentVisible
	}
	return SegmentHidden
}

// RawIngest is one append-only row per trader per cycle; source of truth for replay.
type RawIngest struct {
	ID             int64           `json:"id"`
	LeadID         string          `json:"lead_id"`
	Platform       string          `json:"platform"`
	FetchedAt      time.Time       `json:"fetched_at"`
	TimeRange      string          `json:"time_range"`
	Payload        json.RawMessage `json:"payload"`
	PositionsCount int             `json:"positions_count"`
	OrdersCount    int             `json:"orders_count"`
}

// PositionSnapshot is one observed (trader, symbol, side) row for a single cycle.
type PositionSnapshot struct {
	ID           int64           `json:"id"`
	LeadID       string          `json:"lead_id"`
	Platform     string          `json:"platform"`
	FetchedAt    time.Time       `json:"fetched_at"`
	Symbol       string          `json:"symbol"`
	Side         string          `json:"side"` // LONG or SHORT
	ContractType string          `json:"contract_type"`
	Leverage     float64         `json:"leverage"`
	Size         float64         `json:"size"`
	EntryPrice   float64         `json:"entry_price"`
	MarkPrice    float64         `json:"mark_price"`
	MarginUSDT   *float64        `json:"margin_usdt,omitempty"`
	MarginType   string          `json:"margin_type"` // ISOLATED or CROSS
	PnlUSDT      float64         `json:"pnl_usdt"`
	RoePct       float64         `json:"roe_pct"`
	Raw          json.RawMessage `json:"raw,omitempty"`
}

// Event is a deduplicated order-history entry normalised to a semantic action.
// EventKey is the unique identity; re-ingest is idempotent.
type Event struct {
	ID            int64     `json:"id"`
	EventKey      string    `json:"event_key"`
	Platform      string    `json:"platform"`
	LeadID        string    `json:"lead_id"`
	EventType     string    `json:"event_type"`
	Symbol        string    `json:"symbol"`
	Price         *float64  `json:"price,omitempty"`
	Amount        *float64  `json:"amount,omitempty"`
	AmountAsset   *string   `json:"amount_asset,omitempty"`
	RealizedPnl   *float64  `json:"realized_pnl,omitempty"`
	EventTimeText string    `json:"event_time_text"`
	EventTime     time.Time `json:"event_time"`
	FetchedAt     time.Time `json:"fetched_at"`
}

// PositionState is one open/close lifecycle arc per (trader, symbol, direction).
// At most one ACTIVE row may exist per key at any moment.
type PositionState struct {
	ID                 int64      `json:"id"`
	LeadID             string     `json:"lead_id"`
	Platform           string     `json:"platform"`
	Symbol             string     `json:"symbol"`
	Direction          string     `json:"direction"` // LONG or SHORT
	Source             string     `json:"source"`    // SNAPSHOT or EVENT
	Status             string     `json:"status"`    // ACTIVE or CLOSED
	EntryPrice         float64    `json:"entry_price"`
	Amount             float64    `json:"amount"`
	Leverage           *float64   `json:"leverage,omitempty"`
	FirstSeenAt        time.Time  `json:"first_seen_at"`
	LastSeenAt         time.Time  `json:"last_seen_at"`
	DisappearedAt      *time.Time `json:"disappeared_at,omitempty"`
	EstimatedOpenTime  time.Time  `json:"estimated_open_time"`
	EstimatedCloseTime *time.Time `json:"estimated_close_time,omitempty"`
	OpenEventKey       *string    `json:"open_event_key,omitempty"`
	CloseEventKey      *string    `json:"close_event_key,omitempty"`
}

// SymbolAggregation is the per (platform, symbol) open-interest count,
// recomputed from each trader's latest snapshot set.
type SymbolAggregation struct {
	Platform      string     `json:"platform"`
	Symbol        string     `json:"symbol"`
	OpenLongCount int        `json:"open_long_count"`
	OpenShortCount int       `json:"open_short_count"`
	TotalOpen     int        `json:"total_open"`
	LatestEventAt *time.Time `json:"latest_event_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// TraderScore holds the per-trader quality score and signal weight.
type TraderScore struct {
	LeadID       string    `json:"lead_id"`
	Platform     string    `json:"platform"`
	Score30d     float64   `json:"score_30d"`      // realised PnL sum, last 30 days
	QualityScore float64   `json:"quality_score"`  // [0,100]
	Confidence   string    `json:"confidence"`     // low, medium, high
	WinRate      float64   `json:"win_rate"`       // [0,1]
	SampleSize   int       `json:"sample_size"`
	TraderWeight float64   `json:"trader_weight"`  // [0,1]
	UpdatedAt    time.Time `json:"updated_at"`
}

// Simulation constants.
const (
	SimStatusOpen   = "OPEN"
	SimStatusClosed = "CLOSED"

	SimSourceManual = "MANUAL"
	SimSourceAuto   = "AUTO"

	CloseReasonManual       = "MANUAL"
	CloseReasonStopLoss     = "STOP_LOSS"
	CloseReasonTakeProfit   = "TAKE_PROFIT"
	CloseReasonTrailingStop = "TRAILING_STOP"
	CloseReasonReversal     = "REVERSAL"
)

// SimulatedPosition is a paper position opened against the reference price.
type SimulatedPosition struct {
	ID                  string     `json:"id"`
	PortfolioID         *string    `json:"portfolio_id,omitempty"`
	Platform            string     `json:"platform"`
	Symbol              string     `json:"symbol"`
	Direction           string     `json:"direction"`
	Status              string     `json:"status"`
	Leverage            float64    `json:"leverage"`
	MarginNotional      float64    `json:"margin_notional"`
	PositionNotional    float64    `json:"position_notional"`
	EntryPrice          float64    `json:"entry_price"`
	ExitPrice           *float64   `json:"exit_price,omitempty"`
	EffectiveEntryPrice *float64   `json:"effective_entry_price,omitempty"`
	EffectiveExitPrice  *float64   `json:"effective_exit_price,omitempty"`
	StopLossPrice       *float64   `json:"stop_loss_price,omitempty"`
	TakeProfitPrice     *float64   `json:"take_profit_price,omitempty"`
	TrailingStopPct     *float64   `json:"trailing_stop_pct,omitempty"`
	TrailingStopTrigger *float64   `json:"trailing_stop_trigger,omitempty"` // peak for LONG, trough for SHORT
	SlippageBps         float64    `json:"slippage_bps"`
	CommissionBps       float64    `json:"commission_bps"`
	TotalCommissionUSDT *float64   `json:"total_commission_usdt,omitempty"`
	UnrealizedPnlUSDT   *float64   `json:"unrealized_pnl_usdt,omitempty"`
	PnlUSDT             *float64   `json:"pnl_usdt,omitempty"`
	RoiPct              *float64   `json:"roi_pct,omitempty"`
	CloseReason         *string    `json:"close_reason,omitempty"`
	CloseTriggerLeadID  *string    `json:"close_trigger_lead_id,omitempty"`
	Source              string     `json:"source"` // MANUAL or AUTO
	Notes               *string    `json:"notes,omitempty"`
	OpenedAt            time.Time  `json:"opened_at"`
	ClosedAt            *time.Time `json:"closed_at,omitempty"`
}

// Portfolio tracks the simulated account balance and risk caps.
type Portfolio struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Platform        string    `json:"platform"`
	InitialBalance  float64   `json:"initial_balance"`
	CurrentBalance  float64   `json:"current_balance"`
	MaxOpenPositions int      `json:"max_open_positions"`
	MaxMarginPerTrade float64 `json:"max_margin_per_trade"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// PortfolioSnapshot is one equity-curve point taken at cycle end.
type PortfolioSnapshot struct {
	ID            int64     `json:"id"`
	PortfolioID   string    `json:"portfolio_id"`
	Balance       float64   `json:"balance"`
	UnrealizedPnl float64   `json:"unrealized_pnl"`
	RealizedPnl   float64   `json:"realized_pnl"`
	OpenPositions int       `json:"open_positions"`
	TotalValue    float64   `json:"total_value"`
	TakenAt       time.Time `json:"taken_at"`
}

// PortfolioMetric is the recomputed trade statistics over CLOSED positions.
type PortfolioMetric struct {
	PortfolioID        string    `json:"portfolio_id"`
	TotalTrades        int       `json:"total_trades"`
	WinningTrades      int       `json:"winning_trades"`
	LosingTrades       int       `json:"losing_trades"`
	WinRate            float64   `json:"win_rate"`
	AvgWin             float64   `json:"avg_win"`
	AvgLoss            float64   `json:"avg_loss"`
	ProfitFactor       float64   `json:"profit_factor"`
	MaxConsecWins      int       `json:"max_consec_wins"`
	MaxConsecLosses    int       `json:"max_consec_losses"`
	AvgSlippageBps     float64   `json:"avg_slippage_bps"`
	TotalCommission    float64   `json:"total_commission"`
	MaxDrawdownPct     float64   `json:"max_drawdown_pct"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// AutoTriggerRule is the singleton-per-platform auto-simulator configuration.
type AutoTriggerRule struct {
	Platform        string     `json:"platform"`
	Enabled         bool       `json:"enabled"`
	Segment         string     `json:"segment"` // VISIBLE, HIDDEN, BOTH
	TimeRange       string     `json:"time_range"`
	MinTraders      int        `json:"min_traders"`
	MinConfidence   float64    `json:"min_confidence"`
	MinSentimentAbs float64    `json:"min_sentiment_abs"` // 0-100 scale
	Leverage        float64    `json:"leverage"`
	MarginNotional  float64    `json:"margin_notional"`
	SlippageBps     float64    `json:"slippage_bps"`
	CommissionBps   float64    `json:"commission_bps"`
	CooldownMinutes int        `json:"cooldown_minutes"`
	DryRun          bool       `json:"dry_run"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// InsightsRule is the singleton-per-platform insights engine configuration.
type InsightsRule struct {
	Platform        string    `json:"platform"`
	Mode            string    `json:"mode"` // conservative, balanced, aggressive
	ScoreMultiplier float64   `json:"score_multiplier"`
	UpdatedAt       time.Time `json:"updated_at"`
}
