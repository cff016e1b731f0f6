// Package simulation opens and closes paper positions against the reference
// price, driven manually, by the auto-trigger rule, or by the position
// monitor.
package simulation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"copytrade-radar/internal/consensus"
	"copytrade-radar/internal/database"
	"copytrade-radar/internal/riskmath"
)

// refPriceSnapshotDepth is the number of recent snapshot mark prices averaged
// into the first-stage reference price.
const refPriceSnapshotDepth = 60

var (
	ErrNoReferencePrice = errors.New("no reference price available")
	ErrNotFound         = errors.New("simulated position not found")
	ErrAlreadyClosed    = errors.New("simulated position already closed")
)

// Store is the slice of the store the simulation layer uses.
type Store interface {
	CreateSimulatedPosition(ctx context.Context, p *database.SimulatedPosition) error
	UpdateSimulatedPosition(ctx context.Context, p *database.SimulatedPosition) error
	GetSimulatedPosition(ctx context.Context, id string) (*database.SimulatedPosition, error)
	GetSimulatedPositions(ctx context.Context, platform, status string, limit int) ([]*database.SimulatedPosition, error)
	GetOpenSimulations(ctx context.Context, platform string) ([]*database.SimulatedPosition, error)
	GetClosedSimulations(ctx context.Context, platform string, portfolioID *string) ([]*database.SimulatedPosition, error)

	GetAutoTriggerRule(ctx context.Context, platform string) (*database.AutoTriggerRule, error)
	TouchAutoRuleLastRun(ctx context.Context, platform string, at time.Time) error

	GetRecentMarkPrices(ctx context.Context, platform, symbol string, limit int) ([]float64, error)
	GetLatestEventPrice(ctx context.Context, platform, symbol string) (float64, error)

	GetEventsSince(ctx context.Context, platform string, since, until time.Time) ([]*database.Event, error)
	GetLeadTraders(ctx context.Context, platform, segment string) ([]*database.LeadTrader, error)

	GetDefaultPortfolio(ctx context.Context, platform string) (*database.Portfolio, error)
	UpdatePortfolioBalance(ctx context.Context, id string, balance float64) error
	InsertPortfolioSnapshot(ctx context.Context, s *database.PortfolioSnapshot) error
	UpsertPortfolioMetrics(ctx context.Context, m *database.PortfolioMetric) error
	GetPortfolio(ctx context.Context, id string) (*database.Portfolio, error)
}

// ConsensusSource feeds the auto-trigger candidate selection.
type ConsensusSource interface {
	ComputeAt(ctx context.Context, timeRange, segment string, now time.Time) ([]*consensus.SymbolConsensus, error)
}

// Engine is the simulation core.
type Engine struct {
	store      Store
	priceCache *database.RedisPriceCache
	consensus  ConsensusSource
	platform   string
	logger     zerolog.Logger
	now        func() time.Time
}

func NewEngine(store Store, priceCache *database.RedisPriceCache, consensusSource ConsensusSource, platform string, logger zerolog.Logger) *Engine {
	return &Engine{
		store:      store,
		priceCache: priceCache,
		consensus:  consensusSource,
		platform:   platform,
		logger:     logger.With().Str("component", "Simulation").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// OpenRequest is a manual or rule-driven open.
type OpenRequest struct {
	Symbol             string   `json:"symbol"`
	Direction          string   `json:"direction"`
	Leverage           float64  `json:"leverage"`
	MarginNotional     float64  `json:"margin_notional"`
	EntryPrice         *float64 `json:"entry_price,omitempty"`
	StopLossPrice      *float64 `json:"stop_loss_price,omitempty"`
	TakeProfitPrice    *float64 `json:"take_profit_price,omitempty"`
	TrailingStopPct    *float64 `json:"trailing_stop_pct,omitempty"`
	SlippageBps        float64  `json:"slippage_bps"`
	CommissionBps      float64  `json:"commission_bps"`
	Source             string   `json:"source"`
	CloseTriggerLeadID *string  `json:"close_trigger_lead_id,omitempty"`
	Notes              *string  `json:"notes,omitempty"`
}

// Open creates an OPEN simulated position. When no entry price is given the
// reference price resolves it; entry slippage is applied either way.
func (e *Engine) Open(ctx context.Context, req *OpenRequest) (*database.SimulatedPosition, error) {
	if req.Symbol == "" || (req.Direction != database.SideLong && req.Direction != database.SideShort) {
		return nil, fmt.Errorf("invalid open request: symbol=%q direction=%q", req.Symbol, req.Direction)
	}
	if req.Leverage <= 0 || req.MarginNotional <= 0 {
		return nil, fmt.Errorf("invalid open request: leverage=%v margin=%v", req.Leverage, req.MarginNotional)
	}

	entryPrice := 0.0
	if req.EntryPrice != nil && *req.EntryPrice > 0 {
		entryPrice = *req.EntryPrice
	} else {
		price, err := e.ResolveReferencePrice(ctx, req.Symbol)
		if err != nil {
			return nil, err
		}
		entryPrice = price
	}

	source := req.Source
	if source == "" {
		source = database.SimSourceManual
	}

	isLong := req.Direction == database.SideLong
	effEntry := riskmath.ApplyEntrySlippage(entryPrice, isLong, req.SlippageBps)

	pos := &database.SimulatedPosition{
		ID:                 uuid.New().String(),
		Platform:           e.platform,
		Symbol:             req.Symbol,
		Direction:          req.Direction,
		Status:             database.SimStatusOpen,
		Leverage:           req.Leverage,
		MarginNotional:     req.MarginNotional,
		PositionNotional:   req.MarginNotional * req.Leverage,
		EntryPrice:         entryPrice,
		EffectiveEntryPrice: &effEntry,
		StopLossPrice:      req.StopLossPrice,
		TakeProfitPrice:    req.TakeProfitPrice,
		TrailingStopPct:    req.TrailingStopPct,
		SlippageBps:        req.SlippageBps,
		CommissionBps:      req.CommissionBps,
		Source:             source,
		CloseTriggerLeadID: req.CloseTriggerLeadID,
		Notes:              req.Notes,
		OpenedAt:           e.now(),
	}

	if portfolio, err := e.store.GetDefaultPortfolio(ctx, e.platform); err == nil && portfolio != nil {
		pos.PortfolioID = &portfolio.ID
	}

	if err := e.store.CreateSimulatedPosition(ctx, pos); err != nil {
		return nil, fmt.Errorf("failed to persist simulated position: %w", err)
	}

	e.logger.Info().
		Str("id", pos.ID).
		Str("symbol", pos.Symbol).
		Str("direction", pos.Direction).
		Float64("entry", entryPrice).
		Str("source", source).
		Msg("Simulated position opened")

	return pos, nil
}

// Close settles an OPEN position. When no exit price is given the reference
// price resolves it. The full execution cost model applies.
func (e *Engine) Close(ctx context.Context, id, reason string, exitPrice *float64) (*database.SimulatedPosition, error) {
	pos, err := e.store.GetSimulatedPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return nil, ErrNotFound
	}
	if pos.Status != database.SimStatusOpen {
		return nil, ErrAlreadyClosed
	}

	price := 0.0
	if exitPrice != nil && *exitPrice > 0 {
		price = *exitPrice
	} else {
		price, err = e.ResolveReferencePrice(ctx, pos.Symbol)
		if err != nil {
			return nil, err
		}
	}

	if reason == "" {
		reason = database.CloseReasonManual
	}

	return pos, e.settle(ctx, pos, price, reason)
}

// settle writes the close outcome for an open position at the given price.
func (e *Engine) settle(ctx context.Context, pos *database.SimulatedPosition, exitPrice float64, reason string) error {
	isLong := pos.Direction == database.SideLong
	cost := riskmath.ComputeExecutionCost(isLong, pos.EntryPrice, exitPrice,
		pos.PositionNotional, pos.MarginNotional, pos.SlippageBps, pos.CommissionBps)

	closedAt := e.now()
	pos.Status = database.SimStatusClosed
	pos.ExitPrice = &exitPrice
	pos.EffectiveExitPrice = &cost.EffectiveExitPrice
	pos.TotalCommissionUSDT = &cost.TotalCommissionUSDT
	pos.PnlUSDT = &cost.NetPnlUSDT
	pos.RoiPct = &cost.RoiPct
	pos.CloseReason = &reason
	pos.UnrealizedPnlUSDT = nil
	pos.ClosedAt = &closedAt

	if err := e.store.UpdateSimulatedPosition(ctx, pos); err != nil {
		return fmt.Errorf("failed to persist close: %w", err)
	}

	if pos.PortfolioID != nil {
		if err := e.applyCloseToPortfolio(ctx, pos); err != nil {
			e.logger.Error().Err(err).Str("id", pos.ID).Msg("Failed to apply close to portfolio")
		}
	}

	e.logger.Info().
		Str("id", pos.ID).
		Str("symbol", pos.Symbol).
		Str("reason", reason).
		Float64("exit", exitPrice).
		Float64("net_pnl", cost.NetPnlUSDT).
		Msg("Simulated position closed")

	return nil
}

// Reconcile refreshes the unrealised PnL of every OPEN position against the
// latest reference price. No state transitions.
func (e *Engine) Reconcile(ctx context.Context) (int, error) {
	open, err := e.store.GetOpenSimulations(ctx, e.platform)
	if err != nil {
		return 0, err
	}

	updated := 0
	for _, pos := range open {
		price, err := e.ResolveReferencePrice(ctx, pos.Symbol)
		if err != nil || price <= 0 {
			continue
		}

		var rawMove float64
		if pos.Direction == database.SideLong {
			rawMove = (price - pos.EntryPrice) / pos.EntryPrice
		} else {
			rawMove = (pos.EntryPrice - price) / pos.EntryPrice
		}
		unrealized := pos.PositionNotional * rawMove
		pos.UnrealizedPnlUSDT = &unrealized

		if err := e.store.UpdateSimulatedPosition(ctx, pos); err != nil {
			return updated, fmt.Errorf("failed to update %s: %w", pos.ID, err)
		}
		updated++
	}

	return updated, nil
}

// List returns positions filtered by status, newest first.
func (e *Engine) List(ctx context.Context, status string, limit int) ([]*database.SimulatedPosition, error) {
	if limit <= 0 {
		limit = 100
	}
	return e.store.GetSimulatedPositions(ctx, e.platform, status, limit)
}

// ResolveReferencePrice is the two-stage lookup with the cache in front: the
// cached price if fresh, else the average of the last refPriceSnapshotDepth
// snapshot mark prices, else the most recent priced event.
func (e *Engine) ResolveReferencePrice(ctx context.Context, symbol string) (float64, error) {
	if e.priceCache != nil {
		if cached, err := e.priceCache.GetRefPrice(ctx, e.platform, symbol); err == nil && cached != nil && cached.Price > 0 {
			return cached.Price, nil
		}
	}

	prices, err := e.store.GetRecentMarkPrices(ctx, e.platform, symbol, refPriceSnapshotDepth)
	if err != nil {
		return 0, fmt.Errorf("failed to read mark prices: %w", err)
	}
	if len(prices) > 0 {
		sum := 0.0
		for _, p := range prices {
			sum += p
		}
		return sum / float64(len(prices)), nil
	}

	eventPrice, err := e.store.GetLatestEventPrice(ctx, e.platform, symbol)
	if err != nil {
		return 0, fmt.Errorf("failed to read event price: %w", err)
	}
	if eventPrice > 0 {
		return eventPrice, nil
	}

	return 0, fmt.Errorf("%w for %s", ErrNoReferencePrice, symbol)
}
