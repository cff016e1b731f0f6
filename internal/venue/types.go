package venue

import (
	"encoding/json"
	"time"
)

// envelope is the venue's standard JSON response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// LeadDetail is the lead-portfolio detail endpoint payload. positionShow is
// the segment signal: true means the venue exposes the trader's open
// positions, false means only the order log is public.
type LeadDetail struct {
	Nickname       string  `json:"nickname"`
	PositionShow   *bool   `json:"positionShow"`
	AumAmount      float64 `json:"aumAmount,string"`
	CopierCount    int     `json:"copierCount"`
	MarginBalance  float64 `json:"marginBalance,string"`
	InitInvestment float64 `json:"initInvestAsset,string"`
	Status         string  `json:"status"`
}

// LeadCommon carries the public summary stats for a lead trader.
type LeadCommon struct {
	Roi          float64 `json:"roi,string"`
	Pnl          float64 `json:"pnl,string"`
	Mdd          float64 `json:"mdd,string"`
	WinRate      float64 `json:"winRate,string"`
	SharpeRatio  float64 `json:"sharpRatio,string"`
	WinOrders    int     `json:"winOrders"`
	TotalOrders  int     `json:"totalOrders"`
	TradingDays  int     `json:"tradingDays"`
	FollowerPnl  float64 `json:"copierPnl,string"`
	LastTradedAt int64   `json:"lastTradeTime"`
}

// RawPosition is one entry of the activePositions endpoint. positionSide may
// be BOTH for one-way accounts; the sign of positionAmount then carries the
// direction.
type RawPosition struct {
	Symbol           string  `json:"symbol"`
	ContractType     string  `json:"collateral"`
	PositionSide     string  `json:"positionSide"`
	PositionAmount   float64 `json:"positionAmount,string"`
	EntryPrice       float64 `json:"entryPrice,string"`
	MarkPrice        float64 `json:"markPrice,string"`
	Leverage         float64 `json:"leverage"`
	NotionalValue    float64 `json:"notionalValue,string"`
	Isolated         bool    `json:"isolated"`
	UnrealizedProfit float64 `json:"unrealizedProfit,string"`
	Roe              float64 `json:"roe,string"`
}

// RawOrder is one entry of the order-history endpoint.
type RawOrder struct {
	Symbol          string  `json:"symbol"`
	Side            string  `json:"side"`         // BUY / SELL
	PositionSide    string  `json:"positionSide"` // LONG / SHORT / BOTH
	Type            string  `json:"type"`
	ExecutedQty     float64 `json:"executedQty,string"`
	AvgPrice        float64 `json:"avgPrice,string"`
	TotalPnl        float64 `json:"totalPnl,string"`
	BaseAsset       string  `json:"baseAsset"`
	OrderTime       int64   `json:"orderTime"`       // epoch ms UTC
	OrderUpdateTime int64   `json:"orderUpdateTime"` // epoch ms UTC
}

// OrderHistory is the paginated order log for a trader.
type OrderHistory struct {
	Total     int        `json:"total"`
	AllOrders []RawOrder `json:"list"`
}

// RoiPoint is one point of the ROI time series.
type RoiPoint struct {
	Time  int64   `json:"dateTime"` // epoch ms UTC
	Value float64 `json:"value,string"`
}

// AssetPreference is one entry of the trader's preferred-asset breakdown.
type AssetPreference struct {
	Asset      string  `json:"asset"`
	SharePct   float64 `json:"percentage,string"`
	OrderCount int     `json:"orderCount"`
}

// TraderPayload is everything one scrape cycle learned about one trader.
// A nil pointer or nil slice means that endpoint failed this cycle; an empty
// slice means the endpoint succeeded and reported nothing. PositionsOK and
// OrdersOK make that distinction explicit for the two subfields downstream
// processing keys on.
type TraderPayload struct {
	LeadID    string    `json:"leadId"`
	Platform  string    `json:"platform"`
	FetchedAt time.Time `json:"fetchedAt"`
	TimeRange string    `json:"timeRange"`
	StartTime int64     `json:"startTime"` // epoch ms UTC
	EndTime   int64     `json:"endTime"`   // epoch ms UTC

	PortfolioDetail  *LeadDetail       `json:"portfolioDetail,omitempty"`
	LeadCommon       *LeadCommon       `json:"leadCommon,omitempty"`
	RoiSeries        []RoiPoint        `json:"roiSeries,omitempty"`
	RoiChart         []RoiPoint        `json:"roiChart,omitempty"`
	AssetPreferences []AssetPreference `json:"assetPreferences,omitempty"`
	ActivePositions  []RawPosition     `json:"activePositions,omitempty"`
	OrderHistory     *OrderHistory     `json:"orderHistory,omitempty"`

	PositionsOK bool `json:"positionsOk"`
	OrdersOK    bool `json:"ordersOk"`

	FailedEndpoints []string `json:"failedEndpoints,omitempty"`
}
