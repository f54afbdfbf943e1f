// Package strategy maps a portfolio's strategy_type to an implementation
// and turns filtered markets into ranked, portfolio-scoped trade signals.
//
// A strategy owns its default parameters and its scoring rule. Adding a
// strategy means registering a new Strategy value; neither the Registry
// nor the orchestrator changes.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/filter"
	"github.com/atmx/portfolio-engine/internal/model"
)

// ErrStrategyNotFound is returned by Resolve for an unregistered type.
var ErrStrategyNotFound = errors.New("strategy: not found")

// Strategy is the interface all trading strategies implement.
type Strategy interface {
	// Name is the strategy_type key the strategy registers under.
	Name() string

	// DefaultConfig returns a fresh copy of the strategy's defaults.
	DefaultConfig() map[string]any

	// ValidateConfig checks a portfolio's overrides merged onto the defaults.
	ValidateConfig(overrides map[string]any) Validation

	// GenerateSignals ranks the filtered markets and returns at most
	// cfg.MaxPositions signals tagged with the portfolio and strategy.
	GenerateSignals(ctx context.Context, p *model.Portfolio, markets []model.Market, cfg Config) ([]model.Signal, error)
}

// Registry indexes strategies by name.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

// NewRegistry creates a registry holding the given strategies. It panics
// on duplicate names since that is a wiring bug.
func NewRegistry(strategies ...Strategy) *Registry {
	r := &Registry{strategies: make(map[string]Strategy, len(strategies))}
	for _, s := range strategies {
		if err := r.Register(s); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a strategy.
func (r *Registry) Register(s Strategy) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.strategies[s.Name()]; exists {
		return fmt.Errorf("strategy %s already registered", s.Name())
	}
	r.strategies[s.Name()] = s
	return nil
}

// Resolve returns the strategy registered under strategyType.
func (r *Registry) Resolve(strategyType string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.strategies[strategyType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrStrategyNotFound, strategyType)
	}
	return s, nil
}

// Names returns the registered strategy names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var half = decimal.NewFromFloat(0.5)

// pick is a strategy's per-market decision.
type pick struct {
	action     model.Action
	price      decimal.Decimal
	confidence decimal.Decimal
}

// scoreFunc scores one market whose prices are known to be valid.
type scoreFunc func(yes, no decimal.Decimal) pick

type candidate struct {
	market model.Market
	pick   pick
}

// generate runs the shared ranking pipeline: score, threshold, rank,
// truncate, tag. Markets with malformed prices are logged and skipped.
func generate(ctx context.Context, name string, p *model.Portfolio, markets []model.Market, cfg Config, score scoreFunc, now time.Time) ([]model.Signal, error) {
	threshold := cfg.MinConfidence.Sub(half)

	candidates := make([]candidate, 0, len(markets))
	for _, m := range markets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !filter.ValidPrice(m.YesPrice) || !filter.ValidPrice(m.NoPrice) {
			slog.Warn("skipping market with malformed prices",
				"strategy", name,
				"portfolio_id", p.ID,
				"market_id", m.ID,
			)
			continue
		}
		pk := score(m.YesPrice.Decimal, m.NoPrice.Decimal)
		if pk.confidence.IsNegative() || pk.confidence.LessThan(threshold) {
			continue
		}
		candidates = append(candidates, candidate{market: m, pick: pk})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if c := a.pick.confidence.Cmp(b.pick.confidence); c != 0 {
			return c > 0
		}
		if c := liquidityOf(a.market).Cmp(liquidityOf(b.market)); c != 0 {
			return c > 0
		}
		return a.market.ID < b.market.ID
	})

	if cfg.MaxPositions > 0 && len(candidates) > cfg.MaxPositions {
		candidates = candidates[:cfg.MaxPositions]
	}

	signals := make([]model.Signal, 0, len(candidates))
	for i, c := range candidates {
		signals = append(signals, model.Signal{
			ID:           uuid.New().String(),
			PortfolioID:  p.ID,
			MarketID:     c.market.ID,
			Action:       c.pick.action,
			TargetPrice:  c.pick.price,
			Amount:       cfg.TradeAmount,
			Confidence:   c.pick.confidence,
			Status:       model.SignalPending,
			StrategyType: name,
			// Microsecond offsets keep rank order stable through storage.
			CreatedAt: now.Add(time.Duration(i) * time.Microsecond),
		})
	}
	return signals, nil
}

func liquidityOf(m model.Market) decimal.Decimal {
	if !m.Liquidity.Valid {
		return decimal.Zero
	}
	return m.Liquidity.Decimal
}

// base carries what every built-in strategy shares: its name, defaults
// and clock.
type base struct {
	name     string
	defaults map[string]any
	now      func() time.Time
}

func newBase(name string, builtin, overrides map[string]any) base {
	return base{
		name:     name,
		defaults: Merge(builtin, overrides),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (b *base) Name() string { return b.name }

func (b *base) DefaultConfig() map[string]any {
	return Merge(b.defaults, nil)
}

func (b *base) ValidateConfig(overrides map[string]any) Validation {
	return Validate(Merge(b.defaults, overrides))
}
