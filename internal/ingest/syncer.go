package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/atmx/portfolio-engine/internal/metrics"
	"github.com/atmx/portfolio-engine/internal/store"
)

// RefreshResult summarizes one market-data refresh.
type RefreshResult struct {
	Events   int           `json:"events"`
	Markets  int           `json:"markets"`
	Duration time.Duration `json:"duration"`
}

// Syncer copies the data source's events and markets into the shared pool.
type Syncer struct {
	client Client
	store  store.MarketData
}

func NewSyncer(client Client, st store.MarketData) *Syncer {
	return &Syncer{client: client, store: st}
}

// Refresh fetches every event, then the markets under them, and upserts
// both. Events are written first so markets always reference a known event.
func (s *Syncer) Refresh(ctx context.Context) (res RefreshResult, err error) {
	start := time.Now()
	defer func() {
		res.Duration = time.Since(start)
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.IngestRefreshes.WithLabelValues(outcome).Inc()
	}()

	events, err := s.client.FetchAllEvents(ctx)
	if err != nil {
		return res, fmt.Errorf("fetch events: %w", err)
	}
	if err := s.store.UpsertEvents(ctx, events); err != nil {
		return res, fmt.Errorf("upsert %d events: %w", len(events), err)
	}
	res.Events = len(events)
	if len(events) == 0 {
		return res, nil
	}

	ids := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}
	markets, err := s.client.FetchMarketsForEvents(ctx, ids)
	if err != nil {
		return res, fmt.Errorf("fetch markets: %w", err)
	}
	if err := s.store.UpsertMarkets(ctx, markets); err != nil {
		return res, fmt.Errorf("upsert %d markets: %w", len(markets), err)
	}
	res.Markets = len(markets)
	return res, nil
}

// Run refreshes immediately and then every interval until ctx is done.
func (s *Syncer) Run(ctx context.Context, interval time.Duration) error {
	slog.Info("market data refresh starting", "interval", interval)

	s.refreshAndLog(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("market data refresh shutting down")
			return ctx.Err()
		case <-ticker.C:
			s.refreshAndLog(ctx)
		}
	}
}

func (s *Syncer) refreshAndLog(ctx context.Context) {
	res, err := s.Refresh(ctx)
	if err != nil {
		slog.Error("market data refresh failed", "err", err)
		return
	}
	slog.Info("market data refreshed",
		"events", res.Events,
		"markets", res.Markets,
		"duration", res.Duration,
	)
}
