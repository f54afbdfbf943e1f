package pricing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/portfolio-engine/internal/execution"
	"github.com/atmx/portfolio-engine/internal/ingest"
	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/store"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func nd(s string) decimal.NullDecimal { return decimal.NewNullDecimal(dec(s)) }

// fakeSource serves fixed quotes and records every call.
type fakeSource struct {
	mu     sync.Mutex
	quotes map[string]model.Quote
	err    error
	// partial returns the known quotes alongside err instead of nothing.
	partial bool
	calls   [][]string
}

func (f *fakeSource) FetchCurrentPrices(_ context.Context, ids []string) (map[string]model.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string(nil), ids...))
	if f.err != nil && !f.partial {
		return nil, f.err
	}
	out := make(map[string]model.Quote)
	for _, id := range ids {
		if q, ok := f.quotes[id]; ok {
			out[id] = q
		}
	}
	return out, f.err
}

func (f *fakeSource) set(quotes map[string]model.Quote, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes, f.err = quotes, err
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func seedPortfolio(t *testing.T, st *store.MemoryStore, id, balance string) {
	t.Helper()
	require.NoError(t, st.CreatePortfolio(context.Background(), &model.Portfolio{
		ID: id, CurrentBalance: dec(balance), MaxPositions: 50, Status: model.PortfolioActive, CreatedAt: t0,
	}))
}

func seedMarket(t *testing.T, st *store.MemoryStore, id string) {
	t.Helper()
	require.NoError(t, st.UpsertMarkets(context.Background(), []model.Market{{
		ID: id, EventID: "E1", YesPrice: nd("0.45"), NoPrice: nd("0.55"),
		Liquidity: nd("20000"), Volume: nd("90000"),
	}}))
}

// openPosition executes a trade directly so a position exists.
func openPosition(t *testing.T, st *store.MemoryStore, portfolioID, positionID, marketID string, action model.Action, entry, amount string) {
	t.Helper()
	ctx := context.Background()
	sigID := "sig-" + positionID
	require.NoError(t, st.InsertSignals(ctx, []model.Signal{{
		ID: sigID, PortfolioID: portfolioID, MarketID: marketID, Action: action,
		TargetPrice: dec(entry), Amount: dec(amount), Status: model.SignalPending, CreatedAt: t0,
	}}))
	require.NoError(t, st.ExecuteTrade(ctx, store.ExecuteTradeParams{
		SignalID: sigID,
		Position: model.Position{
			ID: positionID, PortfolioID: portfolioID, MarketID: marketID, Action: action,
			Amount: dec(amount), EntryPrice: dec(entry), Status: model.PositionOpen, OpenedAt: t0,
		},
		Trade: model.Trade{
			ID: "t-" + positionID, PortfolioID: portfolioID, PositionID: positionID, SignalID: sigID,
			MarketID: marketID, Action: action, Amount: dec(amount), EntryPrice: dec(entry), Timestamp: t0,
		},
	}))
}

func newUpdater(st store.Store, src PriceSource) *Updater {
	return NewUpdater(st, src, Options{Now: func() time.Time { return t0 }})
}

func TestTick_RevaluesPosition(t *testing.T) {
	st := store.NewMemoryStore()
	seedPortfolio(t, st, "pf-1", "1000")
	seedMarket(t, st, "M1")
	openPosition(t, st, "pf-1", "pos-1", "M1", model.ActionBuyYes, "0.45", "100")

	src := &fakeSource{quotes: map[string]model.Quote{
		"M1": {MarketID: "M1", YesPrice: nd("0.50"), NoPrice: nd("0.50")},
	}}
	res, err := newUpdater(st, src).Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	assert.Zero(t, res.Skipped)

	open, err := st.ListOpenPositions(context.Background(), "pf-1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.True(t, open[0].CurrentPnL.Equal(dec("5.00")), "pnl = %s", open[0].CurrentPnL)

	p, err := st.GetPortfolio(context.Background(), "pf-1")
	require.NoError(t, err)
	assert.True(t, p.TotalPnL.Equal(dec("5")))
	assert.True(t, p.CurrentBalance.Equal(dec("900")), "pricing never touches the balance")
}

func TestTick_BuyNoUsesNoPrice(t *testing.T) {
	st := store.NewMemoryStore()
	seedPortfolio(t, st, "pf-1", "1000")
	openPosition(t, st, "pf-1", "pos-1", "M1", model.ActionBuyNo, "0.40", "50")

	src := &fakeSource{quotes: map[string]model.Quote{
		"M1": {MarketID: "M1", YesPrice: nd("0.70"), NoPrice: nd("0.30")},
	}}
	_, err := newUpdater(st, src).Tick(context.Background())
	require.NoError(t, err)

	p, _ := st.GetPortfolio(context.Background(), "pf-1")
	assert.True(t, p.TotalPnL.Equal(dec("-5")), "(0.30-0.40)*50 = %s", p.TotalPnL)
}

func TestTick_MissingPriceSkipsOnlyThatPosition(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	seedPortfolio(t, st, "pf-1", "1000")
	openPosition(t, st, "pf-1", "pos-1", "M1", model.ActionBuyYes, "0.45", "100")
	openPosition(t, st, "pf-1", "pos-2", "M2", model.ActionBuyYes, "0.50", "100")
	openPosition(t, st, "pf-1", "pos-3", "M3", model.ActionBuyYes, "0.50", "100")
	require.NoError(t, st.ApplyPnL(ctx, "pf-1", map[string]decimal.Decimal{"pos-2": dec("2")}, dec("2")))

	src := &fakeSource{quotes: map[string]model.Quote{
		"M1": {MarketID: "M1", YesPrice: nd("0.50")},
		"M3": {MarketID: "M3", YesPrice: nd("1.5")}, // out of range
	}}
	res, err := newUpdater(st, src).Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 2, res.Skipped)

	p, _ := st.GetPortfolio(ctx, "pf-1")
	assert.True(t, p.TotalPnL.Equal(dec("7")), "5 fresh + 2 stored = %s", p.TotalPnL)
}

func TestTick_SingleBatchedCallWithDistinctMarkets(t *testing.T) {
	st := store.NewMemoryStore()
	seedPortfolio(t, st, "pf-1", "1000")
	seedPortfolio(t, st, "pf-2", "1000")
	openPosition(t, st, "pf-1", "a", "M1", model.ActionBuyYes, "0.4", "10")
	openPosition(t, st, "pf-1", "b", "M2", model.ActionBuyYes, "0.4", "10")
	openPosition(t, st, "pf-2", "c", "M1", model.ActionBuyYes, "0.4", "10")

	src := &fakeSource{quotes: map[string]model.Quote{}}
	res, err := newUpdater(st, src).Tick(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, src.callCount())
	assert.Equal(t, []string{"M1", "M2"}, src.calls[0])
	assert.Equal(t, 2, res.Markets)
	assert.Equal(t, 2, res.Portfolios)
}

func TestTick_NoPositionsNoFetch(t *testing.T) {
	st := store.NewMemoryStore()
	src := &fakeSource{}

	res, err := newUpdater(st, src).Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Positions)
	assert.Zero(t, src.callCount())
}

func TestTick_OutageLeavesStateUntouched(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	seedPortfolio(t, st, "pf-1", "1000")
	openPosition(t, st, "pf-1", "pos-1", "M1", model.ActionBuyYes, "0.45", "100")
	require.NoError(t, st.ApplyPnL(ctx, "pf-1", map[string]decimal.Decimal{"pos-1": dec("3")}, dec("3")))

	src := &fakeSource{err: errors.New("gamma unavailable")}
	u := newUpdater(st, src)
	_, err := u.Tick(ctx)
	require.Error(t, err)
	assert.Contains(t, u.LastTick().Err, "gamma unavailable")

	p, _ := st.GetPortfolio(ctx, "pf-1")
	assert.True(t, p.TotalPnL.Equal(dec("3")))
}

func TestTick_PartialOutageRevaluesQuotedMarkets(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	seedPortfolio(t, st, "pf-1", "1000")
	openPosition(t, st, "pf-1", "pos-1", "M1", model.ActionBuyYes, "0.45", "100")
	openPosition(t, st, "pf-1", "pos-2", "M2", model.ActionBuyYes, "0.45", "100")
	require.NoError(t, st.ApplyPnL(ctx, "pf-1", map[string]decimal.Decimal{"pos-2": dec("2")}, dec("2")))

	src := &fakeSource{
		quotes:  map[string]model.Quote{"M1": {MarketID: "M1", YesPrice: nd("0.50"), NoPrice: nd("0.50")}},
		err:     errors.New("page 2 unavailable"),
		partial: true,
	}
	u := newUpdater(st, src)
	res, err := u.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 1, res.Skipped)
	assert.Contains(t, res.FetchErr, "page 2 unavailable")
	assert.Empty(t, res.Err)

	p, err := st.GetPortfolio(ctx, "pf-1")
	require.NoError(t, err)
	assert.True(t, p.TotalPnL.Equal(dec("7")), "5 fresh + 2 kept, got %s", p.TotalPnL)
}

func TestTick_GammaPageOutageSkipsOnlyThoseMarkets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("id") {
		case "M1":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`[{"id":"M1","outcomePrices":"[\"0.50\",\"0.50\"]"}]`))
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	gamma := ingest.NewGammaClient(ingest.GammaConfig{
		BaseURL:  srv.URL,
		Timeout:  2 * time.Second,
		PageSize: 1,
		Retry:    ingest.RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2},
	}, srv.Client())

	st := store.NewMemoryStore()
	ctx := context.Background()
	seedPortfolio(t, st, "pf-1", "1000")
	openPosition(t, st, "pf-1", "pos-1", "M1", model.ActionBuyYes, "0.45", "100")
	openPosition(t, st, "pf-1", "pos-2", "M2", model.ActionBuyYes, "0.45", "100")

	res, err := newUpdater(st, gamma).Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Quoted)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 1, res.Skipped)
	assert.NotEmpty(t, res.FetchErr)

	open, err := st.ListOpenPositions(ctx, "pf-1")
	require.NoError(t, err)
	pnl := map[string]decimal.Decimal{}
	for _, pos := range open {
		pnl[pos.MarketID] = pos.CurrentPnL
	}
	assert.True(t, pnl["M1"].Equal(dec("5")), "M1 pnl = %s", pnl["M1"])
	assert.True(t, pnl["M2"].IsZero(), "M2 keeps its previous pnl")
}

func TestTick_RecordsSnapshotsWithFallback(t *testing.T) {
	st := store.NewMemoryStore()
	seedPortfolio(t, st, "pf-1", "1000")
	seedMarket(t, st, "M1")
	openPosition(t, st, "pf-1", "pos-1", "M1", model.ActionBuyYes, "0.45", "100")

	src := &fakeSource{quotes: map[string]model.Quote{
		"M1": {MarketID: "M1", YesPrice: nd("0.52"), NoPrice: nd("0.48")},
	}}
	_, err := newUpdater(st, src).Tick(context.Background())
	require.NoError(t, err)

	snaps := st.MarketSnapshots("M1")
	require.Len(t, snaps, 1)
	assert.True(t, snaps[0].YesPrice.Decimal.Equal(dec("0.52")))
	assert.True(t, snaps[0].Liquidity.Decimal.Equal(dec("20000")), "liquidity falls back to stored value")
	assert.Equal(t, t0, snaps[0].TakenAt)

	markets, err := st.GetMarkets(context.Background(), []string{"M1"})
	require.NoError(t, err)
	assert.True(t, markets[0].YesPrice.Decimal.Equal(dec("0.52")))
}

func TestRun_SurvivesOutages(t *testing.T) {
	st := store.NewMemoryStore()
	seedPortfolio(t, st, "pf-1", "1000")
	openPosition(t, st, "pf-1", "pos-1", "M1", model.ActionBuyYes, "0.45", "100")

	src := &fakeSource{err: errors.New("timeout")}
	u := NewUpdater(st, src, Options{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- u.Run(ctx) }()

	require.Eventually(t, func() bool { return src.callCount() >= 2 }, time.Second, 5*time.Millisecond)
	src.set(map[string]model.Quote{"M1": {MarketID: "M1", YesPrice: nd("0.55")}}, nil)
	require.Eventually(t, func() bool { return u.LastTick().Updated == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestTick_ConcurrentWithExecutionKeepsAggregatesConsistent(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	seedPortfolio(t, st, "pf-1", "1000")
	openPosition(t, st, "pf-1", "seed", "M0", model.ActionBuyYes, "0.40", "100")

	quotes := map[string]model.Quote{}
	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("M%d", i)
		quotes[id] = model.Quote{MarketID: id, YesPrice: nd("0.50")}
	}
	src := &fakeSource{quotes: quotes}
	u := newUpdater(st, src)
	eng := execution.NewEngine(st, execution.Options{})

	var wg sync.WaitGroup
	for i := 1; i < 8; i++ {
		require.NoError(t, st.InsertSignals(ctx, []model.Signal{{
			ID: fmt.Sprintf("s%d", i), PortfolioID: "pf-1", MarketID: fmt.Sprintf("M%d", i),
			Action: model.ActionBuyYes, TargetPrice: dec("0.40"), Amount: dec("50"),
			Confidence: dec("0.1"), Status: model.SignalPending, CreatedAt: t0,
		}}))
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := eng.ExecuteSignals(ctx, "pf-1")
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := u.Tick(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	_, err := u.Tick(ctx)
	require.NoError(t, err)

	p, err := st.GetPortfolio(ctx, "pf-1")
	require.NoError(t, err)
	open, err := st.ListOpenPositions(ctx, "pf-1")
	require.NoError(t, err)
	require.Len(t, open, 8)

	sum := decimal.Zero
	for _, pos := range open {
		sum = sum.Add(pos.CurrentPnL)
	}
	assert.True(t, p.TotalPnL.Equal(sum), "total %s != sum %s", p.TotalPnL, sum)
	assert.True(t, p.CurrentBalance.Add(p.TotalInvested).Equal(dec("1000")))
	// 0.10 × 100 for the seed plus 0.10 × 50 for each of seven trades.
	assert.True(t, sum.Equal(dec("45")), "sum = %s", sum)
}
