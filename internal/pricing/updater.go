// Package pricing runs the background price updater, which revalues every
// open position from fresh market prices, refreshes per-portfolio P&L and
// appends price history.
package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/portfolio-engine/internal/filter"
	"github.com/atmx/portfolio-engine/internal/metrics"
	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/store"
)

const (
	DefaultInterval     = 5 * time.Minute
	DefaultFetchTimeout = 30 * time.Second
)

// PriceSource fetches current quotes for a set of markets in one call.
// Markets it cannot price are simply absent from the result.
type PriceSource interface {
	FetchCurrentPrices(ctx context.Context, marketIDs []string) (map[string]model.Quote, error)
}

// Notifier receives a portfolio's new total P&L after each revaluation.
type Notifier interface {
	PnLUpdated(portfolioID string, totalPnL decimal.Decimal)
}

// Options configures an Updater. Zero values fall back to defaults.
type Options struct {
	Interval     time.Duration
	FetchTimeout time.Duration

	// Parallelism bounds how many portfolios are revalued at once.
	Parallelism int

	Notifier Notifier
	Now      func() time.Time
}

// TickResult summarizes one tick.
type TickResult struct {
	At         time.Time     `json:"at"`
	Duration   time.Duration `json:"duration"`
	Positions  int           `json:"positions"`
	Markets    int           `json:"markets"`
	Quoted     int           `json:"quoted"`
	Updated    int           `json:"updated"`
	Skipped    int           `json:"skipped"`
	Portfolios int           `json:"portfolios"`
	FetchErr   string        `json:"fetch_error,omitempty"` // markets the source could not quote
	Err        string        `json:"error,omitempty"`
}

// Updater periodically revalues open positions.
type Updater struct {
	store  store.Store
	source PriceSource
	opts   Options

	mu   sync.RWMutex
	last TickResult
}

// NewUpdater creates a price updater.
func NewUpdater(st store.Store, source PriceSource, opts Options) *Updater {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 4
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Updater{store: st, source: source, opts: opts}
}

// Run ticks immediately and then on every interval until ctx is cancelled.
// A failed tick is logged; the loop always continues.
func (u *Updater) Run(ctx context.Context) error {
	slog.Info("price updater starting", "interval", u.opts.Interval)

	u.tickAndLog(ctx)

	ticker := time.NewTicker(u.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("price updater shutting down")
			return ctx.Err()
		case <-ticker.C:
			u.tickAndLog(ctx)
		}
	}
}

func (u *Updater) tickAndLog(ctx context.Context) {
	res, err := u.Tick(ctx)
	if err != nil {
		slog.Error("price tick failed", "err", err)
		return
	}
	slog.Info("price tick complete",
		"positions", res.Positions,
		"markets", res.Markets,
		"updated", res.Updated,
		"skipped", res.Skipped,
		"portfolios", res.Portfolios,
	)
}

// LastTick returns the result of the most recent tick.
func (u *Updater) LastTick() TickResult {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.last
}

// Tick runs one revaluation pass. A data-source outage is reported in the
// result and the error but changes nothing in storage.
func (u *Updater) Tick(ctx context.Context) (res TickResult, err error) {
	start := time.Now()
	res.At = u.opts.Now()
	defer func() {
		if err != nil {
			res.Err = err.Error()
		}
		res.Duration = time.Since(start)
		metrics.PriceTickDuration.Observe(res.Duration.Seconds())
		u.mu.Lock()
		u.last = res
		u.mu.Unlock()
	}()

	// 1. Every open position, across all portfolios.
	open, err := u.store.ListOpenPositions(ctx, "")
	if err != nil {
		return res, fmt.Errorf("list open positions: %w", err)
	}
	res.Positions = len(open)
	metrics.OpenPositions.Set(float64(len(open)))
	if len(open) == 0 {
		return res, nil
	}

	// 2. One batched fetch for the distinct markets.
	ids := marketIDs(open)
	res.Markets = len(ids)

	fetchCtx, cancel := context.WithTimeout(ctx, u.opts.FetchTimeout)
	quotes, err := u.source.FetchCurrentPrices(fetchCtx, ids)
	cancel()
	res.Quoted = len(quotes)
	if err != nil {
		metrics.PriceFetchFailures.Inc()
		if len(quotes) == 0 {
			return res, fmt.Errorf("fetch prices for %d markets: %w", len(ids), err)
		}
		// Revalue what was quoted; the rest keep their previous P&L.
		res.FetchErr = err.Error()
		slog.Warn("partial price fetch",
			"markets", len(ids),
			"quoted", len(quotes),
			"err", err,
		)
	}

	// 3-4. Revalue each portfolio under its lock.
	byPortfolio := make(map[string]struct{})
	for _, pos := range open {
		byPortfolio[pos.PortfolioID] = struct{}{}
	}
	portfolioIDs := make([]string, 0, len(byPortfolio))
	for id := range byPortfolio {
		portfolioIDs = append(portfolioIDs, id)
	}
	sort.Strings(portfolioIDs)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.opts.Parallelism)
	for _, pid := range portfolioIDs {
		g.Go(func() error {
			updated, skipped, err := u.revalue(gctx, pid, quotes)
			if err != nil {
				// One portfolio's failure never blocks the others.
				slog.Error("portfolio revaluation failed", "portfolio_id", pid, "err", err)
				return nil
			}
			mu.Lock()
			res.Updated += updated
			res.Skipped += skipped
			res.Portfolios++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	// 5. Refresh stored prices and append history.
	if err := u.recordPrices(ctx, quotes); err != nil {
		slog.Error("record market prices failed", "err", err)
	}

	return res, nil
}

// revalue recomputes P&L for one portfolio. Positions are reloaded under
// the lock so any trade executed since the tick started is included.
func (u *Updater) revalue(ctx context.Context, portfolioID string, quotes map[string]model.Quote) (updated, skipped int, err error) {
	waitStart := time.Now()
	unlock, err := u.store.LockPortfolio(ctx, portfolioID)
	if err != nil {
		return 0, 0, fmt.Errorf("lock portfolio: %w", err)
	}
	defer unlock()
	metrics.ObserveSince(metrics.LockWait.WithLabelValues("pricing"), waitStart)

	positions, err := u.store.ListOpenPositions(ctx, portfolioID)
	if err != nil {
		return 0, 0, fmt.Errorf("reload positions: %w", err)
	}

	pnl := make(map[string]decimal.Decimal, len(positions))
	total := decimal.Zero
	for _, pos := range positions {
		price, ok := priceFor(quotes, pos)
		if !ok {
			skipped++
			metrics.PositionsSkipped.Inc()
			slog.Warn("no valid price for position, keeping previous pnl",
				"portfolio_id", portfolioID,
				"position_id", pos.ID,
				"market_id", pos.MarketID,
			)
			total = total.Add(pos.CurrentPnL)
			continue
		}
		v := PnL(pos, price)
		pnl[pos.ID] = v
		total = total.Add(v)
		updated++
	}

	if err := u.store.ApplyPnL(ctx, portfolioID, pnl, total); err != nil {
		return 0, 0, fmt.Errorf("apply pnl: %w", err)
	}
	if u.opts.Notifier != nil {
		u.opts.Notifier.PnLUpdated(portfolioID, total)
	}
	return updated, skipped, nil
}

// recordPrices writes fresh prices back to the market pool and appends one
// snapshot per quoted market. Liquidity and volume fall back to stored
// values when the quote omits them.
func (u *Updater) recordPrices(ctx context.Context, quotes map[string]model.Quote) error {
	if len(quotes) == 0 {
		return nil
	}
	ids := make([]string, 0, len(quotes))
	for id := range quotes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	stored, err := u.store.GetMarkets(ctx, ids)
	if err != nil {
		return fmt.Errorf("load markets: %w", err)
	}
	known := make(map[string]model.Market, len(stored))
	for _, m := range stored {
		known[m.ID] = m
	}

	now := u.opts.Now()
	batch := make([]model.Quote, 0, len(ids))
	snapshots := make([]model.MarketSnapshot, 0, len(ids))
	for _, id := range ids {
		q := sanitize(quotes[id])
		m, ok := known[id]
		if !ok || (!q.YesPrice.Valid && !q.NoPrice.Valid) {
			continue
		}
		batch = append(batch, q)

		snap := model.MarketSnapshot{
			ID:        uuid.New().String(),
			MarketID:  id,
			YesPrice:  q.YesPrice,
			NoPrice:   q.NoPrice,
			Liquidity: q.Liquidity,
			Volume:    q.Volume,
			TakenAt:   now,
		}
		if !snap.Liquidity.Valid {
			snap.Liquidity = m.Liquidity
		}
		if !snap.Volume.Valid {
			snap.Volume = m.Volume
		}
		snapshots = append(snapshots, snap)
	}

	if err := u.store.UpdateMarketPrices(ctx, batch); err != nil {
		return fmt.Errorf("update market prices: %w", err)
	}
	if err := u.store.InsertMarketSnapshots(ctx, snapshots); err != nil {
		return fmt.Errorf("insert market snapshots: %w", err)
	}
	return nil
}

// PnL is (current − entry) × amount.
func PnL(pos model.Position, current decimal.Decimal) decimal.Decimal {
	return current.Sub(pos.EntryPrice).Mul(pos.Amount)
}

func priceFor(quotes map[string]model.Quote, pos model.Position) (decimal.Decimal, bool) {
	q, ok := quotes[pos.MarketID]
	if !ok {
		return decimal.Zero, false
	}
	price, ok := q.PriceFor(pos.Action)
	if !ok || !filter.ValidPrice(decimal.NewNullDecimal(price)) {
		return decimal.Zero, false
	}
	return price, true
}

// sanitize drops prices outside [0,1] so they never reach storage.
func sanitize(q model.Quote) model.Quote {
	if !filter.ValidPrice(q.YesPrice) {
		q.YesPrice = decimal.NullDecimal{}
	}
	if !filter.ValidPrice(q.NoPrice) {
		q.NoPrice = decimal.NullDecimal{}
	}
	return q
}

// marketIDs returns the distinct, sorted market IDs across positions.
func marketIDs(positions []model.Position) []string {
	seen := make(map[string]struct{}, len(positions))
	ids := make([]string, 0, len(positions))
	for _, p := range positions {
		if _, ok := seen[p.MarketID]; ok {
			continue
		}
		seen[p.MarketID] = struct{}{}
		ids = append(ids, p.MarketID)
	}
	sort.Strings(ids)
	return ids
}
