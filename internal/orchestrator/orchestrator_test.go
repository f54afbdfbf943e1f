package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/portfolio-engine/internal/execution"
	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/pricing"
	"github.com/atmx/portfolio-engine/internal/store"
	"github.com/atmx/portfolio-engine/internal/strategy"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func nd(s string) decimal.NullDecimal { return decimal.NewNullDecimal(dec(s)) }

// marketsStore lets a test replace the market-data reads.
type marketsStore struct {
	*store.MemoryStore
	listEvents func(ctx context.Context) ([]model.Event, error)
}

func (s *marketsStore) ListEvents(ctx context.Context) ([]model.Event, error) {
	if s.listEvents != nil {
		return s.listEvents(ctx)
	}
	return s.MemoryStore.ListEvents(ctx)
}

// seedPool loads two events: E1 passes the momentum event filter, E2 is
// too illiquid. Within E1, M1 and M2 pass the market filter and M3 is too
// illiquid. M4 would pass but belongs to E2.
func seedPool(t *testing.T, st store.Store) {
	t.Helper()
	ctx := context.Background()
	end := t0.Add(30 * 24 * time.Hour)

	require.NoError(t, st.UpsertEvents(ctx, []model.Event{
		{ID: "E1", Title: "Passes", Liquidity: nd("50000"), Volume: nd("90000"), Volume24h: nd("1000"), EndDate: &end},
		{ID: "E2", Title: "Illiquid", Liquidity: nd("10"), Volume: nd("90000"), Volume24h: nd("1000"), EndDate: &end},
	}))
	require.NoError(t, st.UpsertMarkets(ctx, []model.Market{
		{ID: "M1", EventID: "E1", YesPrice: nd("0.62"), NoPrice: nd("0.38"), Liquidity: nd("20000"), Volume: nd("60000"), Volume24h: nd("100")},
		{ID: "M2", EventID: "E1", YesPrice: nd("0.80"), NoPrice: nd("0.20"), Liquidity: nd("30000"), Volume: nd("70000"), Volume24h: nd("100")},
		{ID: "M3", EventID: "E1", YesPrice: nd("0.75"), NoPrice: nd("0.25"), Liquidity: nd("500"), Volume: nd("70000"), Volume24h: nd("100")},
		{ID: "M4", EventID: "E2", YesPrice: nd("0.90"), NoPrice: nd("0.10"), Liquidity: nd("30000"), Volume: nd("70000"), Volume24h: nd("100")},
	}))
}

func seedPortfolio(t *testing.T, st store.Store, id, strategyType string, status model.PortfolioStatus, cfg map[string]any) {
	t.Helper()
	require.NoError(t, st.CreatePortfolio(context.Background(), &model.Portfolio{
		ID:             id,
		Name:           id,
		StrategyType:   strategyType,
		StrategyConfig: cfg,
		CurrentBalance: dec("1000"),
		TotalInvested:  decimal.Zero,
		TotalPnL:       decimal.Zero,
		MaxPositions:   5,
		Status:         status,
		CreatedAt:      t0,
	}))
}

func newOrchestrator(st store.Store, opts Options) *Orchestrator {
	registry := strategy.NewRegistry(strategy.NewMomentum(nil), strategy.NewContrarian(nil))
	if opts.Now == nil {
		opts.Now = func() time.Time { return t0 }
	}
	return New(st, registry, execution.NewEngine(st, execution.Options{}), opts)
}

func requireStage(t *testing.T, err error, stage Stage) *StageError {
	t.Helper()
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, stage, se.Stage)
	return se
}

func TestRunPortfolioCycle_EndToEnd(t *testing.T) {
	st := store.NewMemoryStore()
	seedPool(t, st)
	seedPortfolio(t, st, "P1", "momentum", model.PortfolioActive, nil)
	o := newOrchestrator(st, Options{})

	res, err := o.RunPortfolioCycle(context.Background(), "P1")
	require.NoError(t, err)

	assert.Equal(t, "momentum", res.Strategy)
	assert.Equal(t, 1, res.EventsPassed)
	assert.Equal(t, 2, res.MarketsPassed)
	assert.Equal(t, 2, res.SignalsGenerated)
	assert.Equal(t, 2, res.TradesExecuted)
	assert.Zero(t, res.RejectedCount)
	assert.True(t, res.NewBalance.Equal(dec("800")), "balance %s", res.NewBalance)
	assert.Equal(t, 2, res.OpenPositions)

	positions, err := st.ListOpenPositions(context.Background(), "P1")
	require.NoError(t, err)
	traded := map[string]bool{}
	for _, p := range positions {
		traded[p.MarketID] = true
		assert.Equal(t, model.ActionBuyYes, p.Action)
	}
	assert.Equal(t, map[string]bool{"M1": true, "M2": true}, traded)

	snaps := st.PortfolioSnapshots("P1")
	require.Len(t, snaps, 1)
	assert.True(t, snaps[0].Balance.Equal(dec("800")))
	assert.True(t, snaps[0].TotalInvested.Equal(dec("200")))
	assert.Equal(t, 2, snaps[0].OpenPositions)
	assert.Equal(t, t0, snaps[0].TakenAt)
}

func TestRunPortfolioCycle_SecondCycleDoesNotDoubleDown(t *testing.T) {
	st := store.NewMemoryStore()
	seedPool(t, st)
	seedPortfolio(t, st, "P1", "momentum", model.PortfolioActive, nil)
	o := newOrchestrator(st, Options{})
	ctx := context.Background()

	_, err := o.RunPortfolioCycle(ctx, "P1")
	require.NoError(t, err)

	res, err := o.RunPortfolioCycle(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.SignalsGenerated)
	assert.Zero(t, res.TradesExecuted)
	assert.Equal(t, 2, res.RejectedCount)
	for _, r := range res.Rejections {
		assert.Equal(t, "duplicate position", r.Reason)
	}
	assert.True(t, res.NewBalance.Equal(dec("800")))
	assert.Len(t, st.PortfolioSnapshots("P1"), 2)
}

func TestRunPortfolioCycle_PortfolioOverridesApply(t *testing.T) {
	st := store.NewMemoryStore()
	seedPool(t, st)
	seedPortfolio(t, st, "P1", "momentum", model.PortfolioActive, map[string]any{
		"trade_amount":  "250",
		"max_positions": 1,
	})
	o := newOrchestrator(st, Options{})

	res, err := o.RunPortfolioCycle(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.SignalsGenerated)
	assert.Equal(t, 1, res.TradesExecuted)
	assert.True(t, res.NewBalance.Equal(dec("750")))

	positions, err := st.ListOpenPositions(context.Background(), "P1")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "M2", positions[0].MarketID, "highest confidence wins")
}

func TestRunPortfolioCycle_StageFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown portfolio", func(t *testing.T) {
		o := newOrchestrator(store.NewMemoryStore(), Options{})
		_, err := o.RunPortfolioCycle(ctx, "missing")
		se := requireStage(t, err, StageLoad)
		assert.Equal(t, "missing", se.PortfolioID)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("paused portfolio", func(t *testing.T) {
		st := store.NewMemoryStore()
		seedPortfolio(t, st, "P1", "momentum", model.PortfolioPaused, nil)
		_, err := newOrchestrator(st, Options{}).RunPortfolioCycle(ctx, "P1")
		requireStage(t, err, StageLoad)
		assert.ErrorIs(t, err, store.ErrPortfolioInactive)
	})

	t.Run("unknown strategy", func(t *testing.T) {
		st := store.NewMemoryStore()
		seedPortfolio(t, st, "P1", "arbitrage", model.PortfolioActive, nil)
		_, err := newOrchestrator(st, Options{}).RunPortfolioCycle(ctx, "P1")
		requireStage(t, err, StageResolve)
		assert.ErrorIs(t, err, strategy.ErrStrategyNotFound)
	})

	t.Run("invalid config", func(t *testing.T) {
		st := store.NewMemoryStore()
		seedPortfolio(t, st, "P1", "momentum", model.PortfolioActive, map[string]any{"trade_amount": "-5"})
		_, err := newOrchestrator(st, Options{}).RunPortfolioCycle(ctx, "P1")
		requireStage(t, err, StageConfig)
		assert.ErrorIs(t, err, strategy.ErrInvalidConfig)
	})

	t.Run("market data outage", func(t *testing.T) {
		mem := store.NewMemoryStore()
		seedPool(t, mem)
		seedPortfolio(t, mem, "P1", "momentum", model.PortfolioActive, nil)
		outage := errors.New("connection refused")
		st := &marketsStore{MemoryStore: mem, listEvents: func(context.Context) ([]model.Event, error) {
			return nil, outage
		}}

		_, err := newOrchestrator(st, Options{}).RunPortfolioCycle(ctx, "P1")
		requireStage(t, err, StageFilter)
		assert.ErrorIs(t, err, outage)

		pending, err := mem.ListPendingSignals(ctx, "P1")
		require.NoError(t, err)
		assert.Empty(t, pending, "nothing is persisted after a filter failure")
		assert.Empty(t, mem.PortfolioSnapshots("P1"))
	})

	t.Run("market data timeout", func(t *testing.T) {
		mem := store.NewMemoryStore()
		seedPortfolio(t, mem, "P1", "momentum", model.PortfolioActive, nil)
		st := &marketsStore{MemoryStore: mem, listEvents: func(ctx context.Context) ([]model.Event, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}}

		_, err := newOrchestrator(st, Options{MarketTimeout: 20 * time.Millisecond}).RunPortfolioCycle(ctx, "P1")
		requireStage(t, err, StageFilter)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestRunPortfolioCycle_NoQualifyingEvents(t *testing.T) {
	st := store.NewMemoryStore()
	seedPortfolio(t, st, "P1", "momentum", model.PortfolioActive, nil)
	o := newOrchestrator(st, Options{})

	res, err := o.RunPortfolioCycle(context.Background(), "P1")
	require.NoError(t, err)
	assert.Zero(t, res.SignalsGenerated)
	assert.Zero(t, res.TradesExecuted)
	assert.True(t, res.NewBalance.Equal(dec("1000")))
	assert.Len(t, st.PortfolioSnapshots("P1"), 1)
}

func TestRunAllPortfolios_IsolatesFailures(t *testing.T) {
	st := store.NewMemoryStore()
	seedPool(t, st)
	seedPortfolio(t, st, "P1", "momentum", model.PortfolioActive, nil)
	seedPortfolio(t, st, "P2", "arbitrage", model.PortfolioActive, nil)
	seedPortfolio(t, st, "P3", "contrarian", model.PortfolioActive, nil)
	seedPortfolio(t, st, "P4", "momentum", model.PortfolioPaused, nil)
	o := newOrchestrator(st, Options{Concurrency: 2})

	results, err := o.RunAllPortfolios(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 3, "paused portfolios are not cycled")

	byID := map[string]PortfolioResult{}
	for _, r := range results {
		byID[r.PortfolioID] = r
	}

	require.NoError(t, byID["P1"].Err)
	assert.Equal(t, 2, byID["P1"].Result.TradesExecuted)

	require.Error(t, byID["P2"].Err)
	assert.Nil(t, byID["P2"].Result)
	assert.ErrorIs(t, byID["P2"].Err, strategy.ErrStrategyNotFound)
	assert.NotEmpty(t, byID["P2"].Error)

	require.NoError(t, byID["P3"].Err)
	assert.Equal(t, "contrarian", byID["P3"].Result.Strategy)

	// The paused portfolio was never touched.
	p4, err := st.GetPortfolio(context.Background(), "P4")
	require.NoError(t, err)
	assert.True(t, p4.CurrentBalance.Equal(dec("1000")))
}

// staticPrices quotes every requested market at one price pair.
type staticPrices struct{ yes, no string }

func (s staticPrices) FetchCurrentPrices(_ context.Context, ids []string) (map[string]model.Quote, error) {
	out := make(map[string]model.Quote, len(ids))
	for _, id := range ids {
		out[id] = model.Quote{MarketID: id, YesPrice: nd(s.yes), NoPrice: nd(s.no)}
	}
	return out, nil
}

func TestRunAllPortfolios_ConcurrentWithPriceUpdates(t *testing.T) {
	st := store.NewMemoryStore()
	seedPool(t, st)
	ids := []string{"P1", "P2", "P3", "P4", "P5", "P6"}
	for _, id := range ids {
		seedPortfolio(t, st, id, "momentum", model.PortfolioActive, nil)
	}
	o := newOrchestrator(st, Options{Concurrency: 3})
	updater := pricing.NewUpdater(st, staticPrices{yes: "0.70", no: "0.30"}, pricing.Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := o.RunAllPortfolios(ctx)
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 5; i++ {
			_, err := updater.Tick(ctx)
			assert.NoError(t, err)
		}
	}()
	wg.Wait()

	// One more tick so every position carries a current valuation.
	_, err := updater.Tick(ctx)
	require.NoError(t, err)

	for _, id := range ids {
		p, err := st.GetPortfolio(ctx, id)
		require.NoError(t, err)
		assert.True(t, p.CurrentBalance.Add(p.TotalInvested).Equal(dec("1000")), "%s conserves capital", id)

		positions, err := st.ListOpenPositions(ctx, id)
		require.NoError(t, err)
		require.Len(t, positions, 2)

		sum := decimal.Zero
		for _, pos := range positions {
			sum = sum.Add(pricing.PnL(pos, dec("0.70")))
		}
		assert.True(t, p.TotalPnL.Equal(sum), "%s total pnl %s, want %s", id, p.TotalPnL, sum)
	}
}

type fixedTick struct{ res pricing.TickResult }

func (f fixedTick) LastTick() pricing.TickResult { return f.res }

// pingStore fails health checks.
type pingStore struct {
	*store.MemoryStore
}

func (pingStore) Ping(context.Context) error { return errors.New("db down") }

func TestGetStatus(t *testing.T) {
	st := store.NewMemoryStore()
	seedPortfolio(t, st, "P1", "momentum", model.PortfolioActive, nil)
	seedPortfolio(t, st, "P2", "momentum", model.PortfolioActive, nil)
	seedPortfolio(t, st, "P3", "momentum", model.PortfolioPaused, nil)
	seedPortfolio(t, st, "P4", "arbitrage", model.PortfolioActive, nil)

	tick := pricing.TickResult{At: t0, Updated: 7}
	o := newOrchestrator(st, Options{Ticks: fixedTick{res: tick}})

	status := o.GetStatus(context.Background())
	assert.True(t, status.Healthy)
	assert.Empty(t, status.StoreError)
	require.Len(t, status.Strategies, 2)
	assert.Equal(t, "contrarian", status.Strategies[0].Name)
	assert.Zero(t, status.Strategies[0].ActivePortfolios)
	assert.Equal(t, "momentum", status.Strategies[1].Name)
	assert.Equal(t, 2, status.Strategies[1].ActivePortfolios)
	assert.NotEmpty(t, status.Strategies[1].DefaultConfig)
	assert.Equal(t, 1, status.Unroutable)
	assert.Contains(t, status.ConfigKeys, "trade_amount")
	assert.IsIncreasing(t, status.ConfigKeys)
	require.NotNil(t, status.PriceUpdater)
	assert.Equal(t, 7, status.PriceUpdater.Updated)
}

func TestGetStatus_UnhealthyStore(t *testing.T) {
	o := newOrchestrator(pingStore{store.NewMemoryStore()}, Options{Ticks: fixedTick{}})

	status := o.GetStatus(context.Background())
	assert.False(t, status.Healthy)
	assert.Equal(t, "db down", status.StoreError)
	assert.Nil(t, status.PriceUpdater, "no tick has run yet")
	assert.Len(t, status.Strategies, 2)
}
