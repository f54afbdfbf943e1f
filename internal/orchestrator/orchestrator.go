// Package orchestrator runs portfolio cycles: load the portfolio, resolve
// its strategy, filter the shared market pool with the strategy's
// effective config, generate and persist signals, execute them and record
// a portfolio snapshot.
//
// The orchestrator sequences stages and classifies failures. It never
// inspects a strategy's parameters or scoring; those belong to the
// strategy and filter packages.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/portfolio-engine/internal/execution"
	"github.com/atmx/portfolio-engine/internal/filter"
	"github.com/atmx/portfolio-engine/internal/metrics"
	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/pricing"
	"github.com/atmx/portfolio-engine/internal/store"
	"github.com/atmx/portfolio-engine/internal/strategy"
)

// Stage names one step of a cycle.
type Stage string

const (
	StageLoad     Stage = "load"
	StageResolve  Stage = "resolve"
	StageConfig   Stage = "config"
	StageFilter   Stage = "filter"
	StageGenerate Stage = "generate"
	StagePersist  Stage = "persist"
	StageExecute  Stage = "execute"
	StageSnapshot Stage = "snapshot"
)

// StageError reports the first stage of a cycle that failed.
type StageError struct {
	Stage       Stage
	PortfolioID string
	Err         error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("portfolio %s: %s stage: %v", e.PortfolioID, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// TickReporter exposes the most recent price-updater tick.
type TickReporter interface {
	LastTick() pricing.TickResult
}

// Options configures an Orchestrator.
type Options struct {
	// MarketTimeout bounds the market-data reads of the filter stage.
	MarketTimeout time.Duration

	// Concurrency bounds how many portfolio cycles RunAllPortfolios runs
	// at once.
	Concurrency int

	// Ticks is optional; without it GetStatus omits the price updater.
	Ticks TickReporter

	Now func() time.Time
}

// Orchestrator coordinates cycles for one or many portfolios.
type Orchestrator struct {
	store    store.Store
	registry *strategy.Registry
	engine   *execution.Engine
	opts     Options
}

// New creates an orchestrator.
func New(st store.Store, registry *strategy.Registry, engine *execution.Engine, opts Options) *Orchestrator {
	if opts.MarketTimeout <= 0 {
		opts.MarketTimeout = 30 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Orchestrator{store: st, registry: registry, engine: engine, opts: opts}
}

// CycleResult summarizes one successful portfolio cycle.
type CycleResult struct {
	PortfolioID      string                `json:"portfolio_id"`
	Strategy         string                `json:"strategy"`
	EventsPassed     int                   `json:"events_passed"`
	MarketsPassed    int                   `json:"markets_passed"`
	SignalsGenerated int                   `json:"signals_generated"`
	TradesExecuted   int                   `json:"trades_executed"`
	RejectedCount    int                   `json:"rejected_count"`
	Rejections       []execution.Rejection `json:"rejections,omitempty"`
	NewBalance       decimal.Decimal       `json:"new_balance"`
	TotalPnL         decimal.Decimal       `json:"total_pnl"`
	OpenPositions    int                   `json:"open_positions"`
	Duration         time.Duration         `json:"duration"`
}

// PortfolioResult is one entry of RunAllPortfolios. Exactly one of Result
// and Err is set.
type PortfolioResult struct {
	PortfolioID string       `json:"portfolio_id"`
	Result      *CycleResult `json:"result,omitempty"`
	Err         error        `json:"-"`
	Error       string       `json:"error,omitempty"`
}

// RunPortfolioCycle runs every stage for one portfolio and stops at the
// first failure, which is returned as a *StageError.
func (o *Orchestrator) RunPortfolioCycle(ctx context.Context, portfolioID string) (res *CycleResult, err error) {
	start := time.Now()
	strategyName := "unknown"
	defer func() {
		outcome := "ok"
		var se *StageError
		if errors.As(err, &se) {
			outcome = string(se.Stage)
		}
		metrics.CyclesTotal.WithLabelValues(outcome).Inc()
		metrics.CycleDuration.WithLabelValues(strategyName).Observe(time.Since(start).Seconds())
	}()

	fail := func(stage Stage, err error) (*CycleResult, error) {
		slog.Error("portfolio cycle failed",
			"portfolio_id", portfolioID,
			"stage", string(stage),
			"err", err,
		)
		return nil, &StageError{Stage: stage, PortfolioID: portfolioID, Err: err}
	}

	// 1. Load.
	p, err := o.store.GetPortfolio(ctx, portfolioID)
	if err != nil {
		return fail(StageLoad, err)
	}
	if p.Status != model.PortfolioActive {
		return fail(StageLoad, store.ErrPortfolioInactive)
	}

	// 2. Resolve.
	strat, err := o.registry.Resolve(p.StrategyType)
	if err != nil {
		return fail(StageResolve, err)
	}
	strategyName = strat.Name()

	// 3. Effective config.
	cfg, err := strategy.Effective(strat, p)
	if err != nil {
		return fail(StageConfig, err)
	}

	res = &CycleResult{PortfolioID: p.ID, Strategy: strategyName}

	// 4. Filter the shared pool.
	markets, fr, err := o.filterMarkets(ctx, cfg)
	if err != nil {
		return fail(StageFilter, err)
	}
	res.EventsPassed = len(fr.EventIDs)
	res.MarketsPassed = len(fr.MarketIDs)

	// 5. Generate.
	signals, err := strat.GenerateSignals(ctx, p, markets, cfg)
	if err != nil {
		return fail(StageGenerate, err)
	}
	res.SignalsGenerated = len(signals)
	metrics.SignalsGenerated.WithLabelValues(strategyName).Add(float64(len(signals)))

	// 6. Persist.
	if len(signals) > 0 {
		if err := o.store.InsertSignals(ctx, signals); err != nil {
			return fail(StagePersist, err)
		}
	}

	// 7. Execute. This also picks up pending signals left by earlier runs.
	exec, err := o.engine.ExecuteSignals(ctx, p.ID)
	if err != nil {
		return fail(StageExecute, err)
	}
	res.TradesExecuted = exec.Executed
	res.RejectedCount = exec.Rejected
	res.Rejections = exec.Rejections

	// 8. Snapshot.
	snap, err := o.snapshot(ctx, p.ID)
	if err != nil {
		return fail(StageSnapshot, err)
	}
	res.NewBalance = snap.Balance
	res.TotalPnL = snap.TotalPnL
	res.OpenPositions = snap.OpenPositions
	res.Duration = time.Since(start)

	slog.Info("portfolio cycle complete",
		"portfolio_id", p.ID,
		"strategy", strategyName,
		"markets_passed", res.MarketsPassed,
		"signals", res.SignalsGenerated,
		"executed", res.TradesExecuted,
		"rejected", res.RejectedCount,
		"balance", res.NewBalance.String(),
		"duration", res.Duration,
	)
	return res, nil
}

// filterMarkets reads the shared pool under MarketTimeout and applies the
// event stage, then the market stage restricted to surviving events.
func (o *Orchestrator) filterMarkets(ctx context.Context, cfg strategy.Config) ([]model.Market, filter.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, o.opts.MarketTimeout)
	defer cancel()

	params := cfg.FilterParams(o.opts.Now())

	events, err := o.store.ListEvents(ctx)
	if err != nil {
		return nil, filter.Result{}, fmt.Errorf("list events: %w", err)
	}
	eventIDs := filter.Events(events, params)
	if len(eventIDs) == 0 {
		return nil, filter.Result{EventIDs: eventIDs}, nil
	}

	pool, err := o.store.ListMarketsByEvents(ctx, eventIDs)
	if err != nil {
		return nil, filter.Result{}, fmt.Errorf("list markets: %w", err)
	}
	res := filter.Run(events, pool, params)
	return filter.Select(pool, res.MarketIDs), res, nil
}

// snapshot records the portfolio's aggregates. The read happens under the
// portfolio lock so balance, invested and P&L come from the same state.
func (o *Orchestrator) snapshot(ctx context.Context, portfolioID string) (*model.PortfolioSnapshot, error) {
	unlock, err := o.store.LockPortfolio(ctx, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("lock portfolio: %w", err)
	}
	p, err := o.store.GetPortfolio(ctx, portfolioID)
	if err != nil {
		unlock()
		return nil, err
	}
	open, err := o.store.ListOpenPositions(ctx, portfolioID)
	unlock()
	if err != nil {
		return nil, fmt.Errorf("list open positions: %w", err)
	}

	snap := &model.PortfolioSnapshot{
		ID:            uuid.New().String(),
		PortfolioID:   portfolioID,
		Balance:       p.CurrentBalance,
		TotalInvested: p.TotalInvested,
		TotalPnL:      p.TotalPnL,
		OpenPositions: len(open),
		TakenAt:       o.opts.Now(),
	}
	if err := o.store.InsertPortfolioSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("insert snapshot: %w", err)
	}
	return snap, nil
}

// RunAllPortfolios runs a cycle for every active portfolio. A portfolio's
// failure is recorded in its entry and never stops the others; only
// failing to list portfolios is returned as an error.
func (o *Orchestrator) RunAllPortfolios(ctx context.Context) ([]PortfolioResult, error) {
	portfolios, err := o.store.ListPortfolios(ctx, model.PortfolioActive)
	if err != nil {
		return nil, fmt.Errorf("list active portfolios: %w", err)
	}

	results := make([]PortfolioResult, len(portfolios))
	var g errgroup.Group
	g.SetLimit(o.opts.Concurrency)
	for i, p := range portfolios {
		g.Go(func() error {
			r := PortfolioResult{PortfolioID: p.ID}
			r.Result, r.Err = o.RunPortfolioCycle(ctx, p.ID)
			if r.Err != nil {
				r.Error = r.Err.Error()
			}
			results[i] = r
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	slog.Info("all portfolio cycles complete", "portfolios", len(results), "failed", failed)
	return results, nil
}

// Run calls RunAllPortfolios every interval until ctx is done.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) error {
	slog.Info("cycle scheduler starting", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("cycle scheduler shutting down")
			return ctx.Err()
		case <-ticker.C:
			if _, err := o.RunAllPortfolios(ctx); err != nil {
				slog.Error("scheduled cycles failed", "err", err)
			}
		}
	}
}

// StrategyStatus describes one registered strategy.
type StrategyStatus struct {
	Name             string         `json:"name"`
	ActivePortfolios int            `json:"active_portfolios"`
	DefaultConfig    map[string]any `json:"default_config"`
}

// Status is the engine's health and strategy availability.
type Status struct {
	Healthy    bool             `json:"healthy"`
	StoreError string           `json:"store_error,omitempty"`
	Strategies []StrategyStatus `json:"strategies"`
	ConfigKeys []string         `json:"config_keys"`

	// Unroutable counts active portfolios whose strategy_type is not
	// registered.
	Unroutable int `json:"unroutable_portfolios"`

	PriceUpdater *pricing.TickResult `json:"price_updater,omitempty"`
}

// GetStatus reports store health, registered strategies with how many
// active portfolios use each, and the last price tick.
func (o *Orchestrator) GetStatus(ctx context.Context) *Status {
	st := &Status{Healthy: true, ConfigKeys: strategy.RecognizedKeys()}

	if err := o.store.Ping(ctx); err != nil {
		st.Healthy = false
		st.StoreError = err.Error()
	}

	counts := make(map[string]int)
	if portfolios, err := o.store.ListPortfolios(ctx, model.PortfolioActive); err != nil {
		st.Healthy = false
		if st.StoreError == "" {
			st.StoreError = err.Error()
		}
	} else {
		for _, p := range portfolios {
			counts[p.StrategyType]++
		}
	}

	names := o.registry.Names()
	known := make(map[string]struct{}, len(names))
	for _, name := range names {
		known[name] = struct{}{}
		s, err := o.registry.Resolve(name)
		if err != nil {
			continue
		}
		st.Strategies = append(st.Strategies, StrategyStatus{
			Name:             name,
			ActivePortfolios: counts[name],
			DefaultConfig:    s.DefaultConfig(),
		})
	}
	sort.Slice(st.Strategies, func(i, j int) bool { return st.Strategies[i].Name < st.Strategies[j].Name })

	for name, n := range counts {
		if _, ok := known[name]; !ok {
			st.Unroutable += n
		}
	}

	if o.opts.Ticks != nil {
		last := o.opts.Ticks.LastTick()
		if !last.At.IsZero() {
			st.PriceUpdater = &last
		}
	}
	return st
}
