package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"copytrade-radar/internal/database"
	"copytrade-radar/internal/scoring"
	"copytrade-radar/internal/venue"
)

// refPriceSnapshotDepth is the number of recent snapshot mark prices averaged
// into the first-stage reference price estimate.
const refPriceSnapshotDepth = 60

// Pipeline applies one trader payload to the store. All per-trader writes
// run inside a single transaction so a cancelled ingest rolls back whole.
type Pipeline struct {
	db         *database.DB
	priceCache *database.RedisPriceCache
	logger     zerolog.Logger
}

// IngestStats counts what one trader's ingest changed.
type IngestStats struct {
	LeadID            string
	Segment           string
	SnapshotsInserted int
	EventsInserted    int
	EventsSkipped     int
	Visible           TrackResult
	Hidden            HiddenTrackResult
}

func NewPipeline(db *database.DB, priceCache *database.RedisPriceCache, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		db:         db,
		priceCache: priceCache,
		logger:     logger.With().Str("component", "Pipeline").Logger(),
	}
}

// ProcessTrader ingests one payload: trader upsert, snapshots, visible
// lifecycle, events, hidden lifecycle, raw log, aggregates and score, all
// commit-atomic at the trader granularity.
func (p *Pipeline) ProcessTrader(ctx context.Context, payload *venue.TraderPayload) (*IngestStats, error) {
	stats := &IngestStats{LeadID: payload.LeadID}

	err := p.db.WithTx(ctx, func(tx *database.DB) error {
		trader := traderFromPayload(payload)
		if err := tx.UpsertLeadTrader(ctx, trader); err != nil {
			return err
		}
		stats.Segment = trader.Segment()

		snapshots := NormalizePositions(payload)
		if payload.PositionsOK {
			inserted, err := tx.InsertPositionSnapshots(ctx, snapshots)
			if err != nil {
				return err
			}
			stats.SnapshotsInserted = inserted

			// The snapshot diff runs whenever the positions endpoint
			// answered, even with an empty set: that is how closures and
			// flips to HIDDEN are observed.
			vt := NewVisibleTracker(tx, p.logger)
			result, err := vt.Track(ctx, payload.LeadID, payload.Platform, snapshots, payload.FetchedAt)
			if err != nil {
				return err
			}
			stats.Visible = *result
		}

		events := NormalizeEvents(payload)
		insertedEvents, skipped, err := tx.InsertEvents(ctx, events)
		if err != nil {
			return err
		}
		stats.EventsInserted = len(insertedEvents)
		stats.EventsSkipped = skipped

		if stats.Segment == database.SegmentHidden && len(insertedEvents) > 0 {
			ht := NewHiddenTracker(tx, p.logger)
			result, err := ht.Track(ctx, payload.LeadID, insertedEvents)
			if err != nil {
				return err
			}
			stats.Hidden = *result
		}

		blob, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal raw payload: %w", err)
		}
		raw := &database.RawIngest{
			LeadID:         payload.LeadID,
			Platform:       payload.Platform,
			FetchedAt:      payload.FetchedAt,
			TimeRange:      payload.TimeRange,
			Payload:        blob,
			PositionsCount: len(payload.ActivePositions),
		}
		if payload.OrderHistory != nil {
			raw.OrdersCount = len(payload.OrderHistory.AllOrders)
		}
		if err := tx.InsertRawIngest(ctx, raw); err != nil {
			return err
		}

		if err := tx.RecomputeSymbolAggregations(ctx, payload.Platform); err != nil {
			return err
		}

		if _, err := scoring.Recompute(ctx, tx, payload.LeadID, payload.Platform, payload.FetchedAt, payload.FetchedAt); err != nil {
			return err
		}

		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("ingest failed for trader %s: %w", payload.LeadID, err)
	}

	p.publishRefPrices(ctx, payload)

	p.logger.Debug().
		Str("lead_id", payload.LeadID).
		Str("segment", stats.Segment).
		Int("snapshots", stats.SnapshotsInserted).
		Int("events_new", stats.EventsInserted).
		Int("events_dup", stats.EventsSkipped).
		Msg("Trader ingested")

	return stats, nil
}

// publishRefPrices refreshes the cached reference price for each symbol this
// payload touched. Cache misses are harmless; readers fall back to the store.
func (p *Pipeline) publishRefPrices(ctx context.Context, payload *venue.TraderPayload) {
	if p.priceCache == nil {
		return
	}

	seen := make(map[string]bool)
	for i := range payload.ActivePositions {
		seen[payload.ActivePositions[i].Symbol] = true
	}
	if payload.OrderHistory != nil {
		for i := range payload.OrderHistory.AllOrders {
			seen[payload.OrderHistory.AllOrders[i].Symbol] = true
		}
	}

	for symbol := range seen {
		price, sampleSize, source, err := ResolveReferencePrice(ctx, p.db, payload.Platform, symbol)
		if err != nil || price <= 0 {
			continue
		}
		err = p.priceCache.SaveRefPrice(ctx, payload.Platform, &database.CachedRefPrice{
			Symbol:     symbol,
			Price:      price,
			SampleSize: sampleSize,
			Source:     source,
		})
		if err != nil {
			p.logger.Warn().Err(err).Str("symbol", symbol).Msg("Failed to cache reference price")
		}
	}
}

// ResolveReferencePrice is the two-stage reference price lookup: the average
// of the last refPriceSnapshotDepth snapshot mark prices, falling back to the
// most recent priced event.
func ResolveReferencePrice(ctx context.Context, db *database.DB, platform, symbol string) (price float64, sampleSize int, source string, err error) {
	prices, err := db.GetRecentMarkPrices(ctx, platform, symbol, refPriceSnapshotDepth)
	if err != nil {
		return 0, 0, "", err
	}
	if len(prices) > 0 {
		sum := 0.0
		for _, p := range prices {
			sum += p
		}
		return sum / float64(len(prices)), len(prices), "snapshots", nil
	}

	eventPrice, err := db.GetLatestEventPrice(ctx, platform, symbol)
	if err != nil {
		return 0, 0, "", err
	}
	if eventPrice > 0 {
		return eventPrice, 1, "event", nil
	}

	return 0, 0, "", nil
}

func traderFromPayload(payload *venue.TraderPayload) *database.LeadTrader {
	trader := &database.LeadTrader{
		LeadID:       payload.LeadID,
		Platform:     payload.Platform,
		LastIngestAt: payload.FetchedAt,
	}
	if payload.PortfolioDetail != nil {
		if payload.PortfolioDetail.Nickname != "" {
			nick := payload.PortfolioDetail.Nickname
			trader.Nickname = &nick
		}
		trader.PositionShow = payload.PortfolioDetail.PositionShow
	}
	return trader
}
