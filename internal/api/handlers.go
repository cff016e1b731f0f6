package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"copytrade-radar/internal/consensus"
	"copytrade-radar/internal/database"
	"copytrade-radar/internal/insights"
	"copytrade-radar/internal/simulation"
)

// Leverage band boundaries for the heatmap filter.
const (
	leverageBandLowMax    = 10.0
	leverageBandMediumMax = 25.0
)

// HeatmapItem is one symbol cell: the consensus merged with the open counts.
type HeatmapItem struct {
	Symbol              string     `json:"symbol"`
	ConsensusDirection  string     `json:"consensus_direction"`
	SentimentScore      float64    `json:"sentiment_score"`
	ConfidenceScore     int        `json:"confidence_score"`
	TotalTraders        int        `json:"total_traders"`
	LongCount           int        `json:"long_count"`
	ShortCount          int        `json:"short_count"`
	OpenLongCount       int        `json:"open_long_count"`
	OpenShortCount      int        `json:"open_short_count"`
	WeightedAvgLeverage float64    `json:"weighted_avg_leverage"`
	DataSource          string     `json:"data_source"`
	LatestEventAt       *time.Time `json:"latest_event_at,omitempty"`
}

// SymbolDetail is the full per-symbol view.
type SymbolDetail struct {
	Symbol         string                       `json:"symbol"`
	Consensus      *consensus.SymbolConsensus   `json:"consensus,omitempty"`
	Aggregation    *database.SymbolAggregation  `json:"aggregation,omitempty"`
	ReferencePrice float64                      `json:"reference_price,omitempty"`
	RecentEvents   []*database.Event            `json:"recent_events"`
	Lifecycles     []*database.PositionState    `json:"lifecycles"`
}

// FeedItem is one entry of the activity feed, from either the event stream or
// the lifecycle tracker.
type FeedItem struct {
	Kind      string     `json:"kind"` // EVENT or LIFECYCLE
	LeadID    string     `json:"lead_id"`
	Symbol    string     `json:"symbol"`
	EventType string     `json:"event_type,omitempty"`
	Direction string     `json:"direction,omitempty"`
	Status    string     `json:"status,omitempty"`
	Price     *float64   `json:"price,omitempty"`
	Amount    *float64   `json:"amount,omitempty"`
	OpenedAt  *time.Time `json:"opened_at,omitempty"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
	Time      time.Time  `json:"time"`
}

// handleHealth reports process, database and cache health.
func (s *Server) handleHealth(c *gin.Context) {
	dbStatus := "ok"
	if s.db.Pool == nil {
		dbStatus = "not_configured"
	} else if err := s.db.HealthCheck(c.Request.Context()); err != nil {
		dbStatus = "unreachable"
	}

	redisStatus := "not_configured"
	if s.priceCache != nil {
		if s.priceCache.IsRedisAvailable() {
			redisStatus = "ok"
		} else {
			redisStatus = "degraded"
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"database": dbStatus,
		"redis":    redisStatus,
		"time":     time.Now().UTC(),
	})
}

// handleScraperStatus returns the scheduler counters.
func (s *Server) handleScraperStatus(c *gin.Context) {
	if s.scheduler == nil {
		errorResponse(c, http.StatusServiceUnavailable, "Scraper not configured")
		return
	}
	successResponse(c, s.scheduler.Status())
}

// handleHeatmap returns the filtered consensus heatmap.
func (s *Server) handleHeatmap(c *gin.Context) {
	timeRange := queryDefault(c, "timeRange", "24h")
	segment := queryDefault(c, "segment", database.SegmentBoth)
	side := c.Query("side")
	leverageBand := c.Query("leverageBand")
	minTraders := queryInt(c, "minTraders", 1)

	consensusList, err := s.consensus.Compute(c.Request.Context(), timeRange, segment)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	aggs, err := s.db.GetSymbolAggregations(c.Request.Context(), s.platform)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	aggBySymbol := make(map[string]*database.SymbolAggregation, len(aggs))
	for _, a := range aggs {
		aggBySymbol[a.Symbol] = a
	}

	items := make([]HeatmapItem, 0, len(consensusList))
	for _, cs := range consensusList {
		if cs.TotalTraders < minTraders {
			continue
		}
		if side != "" && cs.ConsensusDirection != side {
			continue
		}
		if !matchesLeverageBand(cs.WeightedAvgLeverage, leverageBand) {
			continue
		}

		item := HeatmapItem{
			Symbol:              cs.Symbol,
			ConsensusDirection:  cs.ConsensusDirection,
			SentimentScore:      cs.SentimentScore,
			ConfidenceScore:     cs.ConfidenceScore,
			TotalTraders:        cs.TotalTraders,
			LongCount:           cs.LongCount,
			ShortCount:          cs.ShortCount,
			WeightedAvgLeverage: cs.WeightedAvgLeverage,
			DataSource:          cs.DataSource,
		}
		if agg := aggBySymbol[cs.Symbol]; agg != nil {
			item.OpenLongCount = agg.OpenLongCount
			item.OpenShortCount = agg.OpenShortCount
			item.LatestEventAt = agg.LatestEventAt
		}
		items = append(items, item)
	}

	successResponse(c, items)
}

func matchesLeverageBand(leverage float64, band string) bool {
	switch band {
	case "low":
		return leverage < leverageBandLowMax
	case "medium":
		return leverage >= leverageBandLowMax && leverage <= leverageBandMediumMax
	case "high":
		return leverage > leverageBandMediumMax
	default:
		return true
	}
}

// handleSymbolDetail returns consensus, aggregation, events and lifecycles for
// one symbol.
func (s *Server) handleSymbolDetail(c *gin.Context) {
	symbol := c.Param("symbol")
	if symbol == "" {
		errorResponse(c, http.StatusBadRequest, "Symbol is required")
		return
	}
	timeRange := queryDefault(c, "timeRange", "24h")
	segment := queryDefault(c, "segment", database.SegmentBoth)
	ctx := c.Request.Context()

	detail := &SymbolDetail{Symbol: symbol}

	consensusList, err := s.consensus.Compute(ctx, timeRange, segment)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	for _, cs := range consensusList {
		if cs.Symbol == symbol {
			detail.Consensus = cs
			break
		}
	}

	if detail.Aggregation, err = s.db.GetSymbolAggregation(ctx, s.platform, symbol); err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	since := time.Now().UTC().Add(-consensus.WindowDuration(timeRange))
	if detail.RecentEvents, err = s.db.GetEventsBySymbol(ctx, s.platform, symbol, since); err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	if detail.Lifecycles, err = s.db.GetPositionStatesBySymbol(ctx, s.platform, symbol, 50); err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	if price, err := s.simulation.ResolveReferencePrice(ctx, symbol); err == nil {
		detail.ReferencePrice = price
	}

	successResponse(c, detail)
}

// handleFeed returns the activity feed from the event stream or the lifecycle
// tracker.
func (s *Server) handleFeed(c *gin.Context) {
	source := queryDefault(c, "source", "events")
	symbol := c.Query("symbol")
	segment := queryDefault(c, "segment", database.SegmentBoth)
	timeRange := queryDefault(c, "timeRange", "24h")
	limit := queryInt(c, "limit", 50)
	ctx := c.Request.Context()

	inSegment, err := s.segmentFilter(c, segment)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	var items []FeedItem
	switch source {
	case "lifecycle":
		var states []*database.PositionState
		if symbol != "" {
			states, err = s.db.GetPositionStatesBySymbol(ctx, s.platform, symbol, limit)
		} else {
			states, err = s.db.GetRecentPositionStates(ctx, s.platform, limit)
		}
		if err != nil {
			errorResponse(c, http.StatusInternalServerError, err.Error())
			return
		}
		for _, st := range states {
			if inSegment != nil && !inSegment[st.LeadID] {
				continue
			}
			openedAt := st.EstimatedOpenTime
			if !s.config.UseEstimatedOpenTime {
				openedAt = st.FirstSeenAt
			}
			items = append(items, FeedItem{
				Kind:      "LIFECYCLE",
				LeadID:    st.LeadID,
				Symbol:    st.Symbol,
				Direction: st.Direction,
				Status:    st.Status,
				Amount:    &st.Amount,
				OpenedAt:  &openedAt,
				ClosedAt:  st.EstimatedCloseTime,
				Time:      st.LastSeenAt,
			})
		}
	default:
		since := time.Now().UTC().Add(-consensus.WindowDuration(timeRange))
		events, err := s.db.GetRecentEvents(ctx, s.platform, symbol, since, limit)
		if err != nil {
			errorResponse(c, http.StatusInternalServerError, err.Error())
			return
		}
		for _, ev := range events {
			if inSegment != nil && !inSegment[ev.LeadID] {
				continue
			}
			items = append(items, FeedItem{
				Kind:      "EVENT",
				LeadID:    ev.LeadID,
				Symbol:    ev.Symbol,
				EventType: ev.EventType,
				Price:     ev.Price,
				Amount:    ev.Amount,
				Time:      ev.EventTime,
			})
		}
	}

	successResponse(c, items)
}

// segmentFilter returns the set of lead IDs in the segment, or nil when no
// filtering is needed.
func (s *Server) segmentFilter(c *gin.Context, segment string) (map[string]bool, error) {
	if segment == database.SegmentBoth || segment == "" {
		return nil, nil
	}
	traders, err := s.db.GetLeadTraders(c.Request.Context(), s.platform, segment)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]bool, len(traders))
	for _, t := range traders {
		ids[t.LeadID] = true
	}
	return ids, nil
}

// handleInsights runs the insights report with the persisted rule's defaults.
func (s *Server) handleInsights(c *gin.Context) {
	timeRange := queryDefault(c, "timeRange", "24h")
	segment := queryDefault(c, "segment", database.SegmentBoth)
	top := queryInt(c, "top", 10)
	mode := c.Query("mode")

	scoreMultiplier := 1.0
	rule, err := s.db.GetInsightsRule(c.Request.Context(), s.platform)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	if rule != nil {
		scoreMultiplier = rule.ScoreMultiplier
		if mode == "" {
			mode = rule.Mode
		}
	}

	report, err := s.insights.Report(c.Request.Context(), timeRange, segment, mode, top, scoreMultiplier)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, report)
}

// handleGetInsightsRule returns the persisted insights rule.
func (s *Server) handleGetInsightsRule(c *gin.Context) {
	rule, err := s.db.GetInsightsRule(c.Request.Context(), s.platform)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, rule)
}

// handleUpdateInsightsRule upserts the insights rule.
func (s *Server) handleUpdateInsightsRule(c *gin.Context) {
	var rule database.InsightsRule
	if err := c.ShouldBindJSON(&rule); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid rule payload: "+err.Error())
		return
	}

	if insights.PresetFor(rule.Mode).Name != rule.Mode {
		errorResponse(c, http.StatusBadRequest, "Unknown mode: "+rule.Mode)
		return
	}
	if rule.ScoreMultiplier <= 0 {
		rule.ScoreMultiplier = 1.0
	}
	rule.Platform = s.platform

	if err := s.db.UpsertInsightsRule(c.Request.Context(), &rule); err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, rule)
}

// handleSimulationOpen opens a manual simulated position.
func (s *Server) handleSimulationOpen(c *gin.Context) {
	var req simulation.OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid open payload: "+err.Error())
		return
	}
	req.Source = database.SimSourceManual

	pos, err := s.simulation.Open(c.Request.Context(), &req)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	successResponse(c, pos)
}

// handleSimulationClose closes one simulated position.
func (s *Server) handleSimulationClose(c *gin.Context) {
	id := c.Param("id")

	var req struct {
		Reason    string   `json:"reason"`
		ExitPrice *float64 `json:"exit_price,omitempty"`
	}
	// An empty body is a plain close at the reference price.
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		errorResponse(c, http.StatusBadRequest, "Invalid close payload: "+err.Error())
		return
	}

	pos, err := s.simulation.Close(c.Request.Context(), id, req.Reason, req.ExitPrice)
	if err != nil {
		switch err {
		case simulation.ErrNotFound:
			errorResponse(c, http.StatusNotFound, err.Error())
		case simulation.ErrAlreadyClosed:
			errorResponse(c, http.StatusConflict, err.Error())
		default:
			errorResponse(c, http.StatusBadRequest, err.Error())
		}
		return
	}
	successResponse(c, pos)
}

// handleSimulationList lists simulated positions.
func (s *Server) handleSimulationList(c *gin.Context) {
	status := c.Query("status")
	limit := queryInt(c, "limit", 100)

	positions, err := s.simulation.List(c.Request.Context(), status, limit)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, positions)
}

// handleSimulationReport returns the portfolio, metrics and equity curve.
func (s *Server) handleSimulationReport(c *gin.Context) {
	ctx := c.Request.Context()

	portfolio, err := s.db.GetDefaultPortfolio(ctx, s.platform)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	if portfolio == nil {
		errorResponse(c, http.StatusNotFound, "No portfolio configured")
		return
	}

	snapshots, err := s.db.GetPortfolioSnapshots(ctx, portfolio.ID, queryInt(c, "points", 500))
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	open, err := s.db.GetOpenSimulations(ctx, s.platform)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	closed, err := s.db.GetClosedSimulations(ctx, s.platform, &portfolio.ID)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	metrics := simulation.ComputeMetrics(portfolio.ID, portfolio.InitialBalance, closed)
	risk := simulation.ComputeRiskReport(portfolio, closed, nil)

	successResponse(c, gin.H{
		"portfolio":    portfolio,
		"metrics":      metrics,
		"risk":         risk,
		"equity_curve": snapshots,
		"open":         open,
		"closed":       len(closed),
	})
}

// handleSimulationReconcile refreshes unrealised PnL on every open simulation.
func (s *Server) handleSimulationReconcile(c *gin.Context) {
	updated, err := s.simulation.Reconcile(c.Request.Context())
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, gin.H{"updated": updated})
}

// handleGetAutoRule returns the persisted auto-trigger rule.
func (s *Server) handleGetAutoRule(c *gin.Context) {
	rule, err := s.db.GetAutoTriggerRule(c.Request.Context(), s.platform)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, rule)
}

// handleUpdateAutoRule upserts the auto-trigger rule.
func (s *Server) handleUpdateAutoRule(c *gin.Context) {
	var rule database.AutoTriggerRule
	if err := c.ShouldBindJSON(&rule); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid rule payload: "+err.Error())
		return
	}

	if rule.MinTraders < 1 || rule.Leverage <= 0 || rule.MarginNotional <= 0 {
		errorResponse(c, http.StatusBadRequest, "minTraders, leverage and marginNotional must be positive")
		return
	}
	rule.Platform = s.platform

	if err := s.db.UpsertAutoTriggerRule(c.Request.Context(), &rule); err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, rule)
}

// handleAutoRuleRun evaluates the auto-trigger rule now. ?dryRun=true plans
// without persisting.
func (s *Server) handleAutoRuleRun(c *gin.Context) {
	dryRun := c.Query("dryRun") == "true"

	result, err := s.simulation.AutoRun(c.Request.Context(), dryRun)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, result)
}

// handleBacktestLite replays the event stream against rule parameters.
func (s *Server) handleBacktestLite(c *gin.Context) {
	var req simulation.BacktestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid backtest payload: "+err.Error())
		return
	}

	result, err := s.simulation.Backtest(c.Request.Context(), &req)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	successResponse(c, result)
}

func queryDefault(c *gin.Context, key, fallback string) string {
	if v := c.Query(key); v != "" {
		return v
	}
	return fallback
}

func queryInt(c *gin.Context, key string, fallback int) int {
	if v := c.Query(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}
