// Package execution turns a portfolio's pending signals into positions and
// trades under the portfolio's mutation lock.
//
// Each pending signal either executes or is rejected with a reason; both
// are terminal. Business rejections are results, not errors. A storage
// failure aborts the run and leaves the unprocessed signal pending.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/metrics"
	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/risk"
	"github.com/atmx/portfolio-engine/internal/store"
)

// ReasonInvalidSignal is recorded for signals that cannot be priced or sized.
const ReasonInvalidSignal = "invalid signal"

// ErrInvalidExitPrice is returned by ClosePosition for a price outside [0,1].
var ErrInvalidExitPrice = errors.New("execution: exit price outside [0,1]")

// LimitsFunc derives the acceptance limits for a portfolio.
type LimitsFunc func(p *model.Portfolio) risk.Limits

// Notifier receives trades after they commit.
type Notifier interface {
	TradeExecuted(t model.Trade)
}

// Options configures an Engine. Zero values are usable.
type Options struct {
	// Limits overrides the default of the portfolio's max_positions only.
	Limits LimitsFunc

	// Notifier is optional.
	Notifier Notifier

	// Now is the clock; defaults to UTC wall time.
	Now func() time.Time
}

// Engine executes pending signals.
type Engine struct {
	store  store.Store
	limits LimitsFunc
	notify Notifier
	now    func() time.Time
}

// NewEngine creates an execution engine backed by st.
func NewEngine(st store.Store, opts Options) *Engine {
	e := &Engine{
		store:  st,
		limits: opts.Limits,
		notify: opts.Notifier,
		now:    opts.Now,
	}
	if e.limits == nil {
		e.limits = DefaultLimits
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	return e
}

// DefaultLimits caps open positions at the portfolio's max_positions.
func DefaultLimits(p *model.Portfolio) risk.Limits {
	return risk.Limits{MaxPositions: p.MaxPositions}
}

// Rejection records why one signal was rejected.
type Rejection struct {
	SignalID string `json:"signal_id"`
	MarketID string `json:"market_id"`
	Reason   string `json:"reason"`
}

// Result summarizes one ExecuteSignals run.
type Result struct {
	Executed   int             `json:"executed"`
	Rejected   int             `json:"rejected"`
	Rejections []Rejection     `json:"rejections,omitempty"`
	Trades     []model.Trade   `json:"trades,omitempty"`
	NewBalance decimal.Decimal `json:"new_balance"`
}

// ExecuteSignals processes every pending signal of a portfolio in order of
// confidence descending then creation time. On a storage error the result
// reflects the signals handled before the failure.
func (e *Engine) ExecuteSignals(ctx context.Context, portfolioID string) (*Result, error) {
	waitStart := time.Now()
	unlock, err := e.store.LockPortfolio(ctx, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("lock portfolio %s: %w", portfolioID, err)
	}
	defer unlock()
	metrics.ObserveSince(metrics.LockWait.WithLabelValues("execution"), waitStart)

	p, err := e.store.GetPortfolio(ctx, portfolioID)
	if err != nil {
		return nil, err
	}
	if p.Status != model.PortfolioActive {
		return nil, fmt.Errorf("portfolio %s: %w", portfolioID, store.ErrPortfolioInactive)
	}

	signals, err := e.store.ListPendingSignals(ctx, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("list pending signals: %w", err)
	}
	res := &Result{NewBalance: p.CurrentBalance}
	if len(signals) == 0 {
		return res, nil
	}

	open, err := e.store.ListOpenPositions(ctx, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("list open positions: %w", err)
	}

	eventOf, err := e.eventIndex(ctx, signals, open)
	if err != nil {
		return nil, err
	}

	holdings := make([]risk.Holding, len(open))
	for i, pos := range open {
		holdings[i] = risk.Holding{MarketID: pos.MarketID, EventID: eventOf[pos.MarketID], Amount: pos.Amount}
	}
	limiter := risk.NewLimiter(e.limits(p), p.CurrentBalance, holdings)

	for _, sig := range signals {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		reason := ""
		c := risk.Candidate{MarketID: sig.MarketID, EventID: eventOf[sig.MarketID], Amount: sig.Amount}
		if !sig.Amount.IsPositive() || !sig.Action.Valid() {
			reason = ReasonInvalidSignal
		} else if err := limiter.Check(c); err != nil {
			reason = risk.Reason(err)
		}

		if reason != "" {
			if err := e.reject(ctx, sig, reason); err != nil {
				return res, err
			}
			res.Rejected++
			res.Rejections = append(res.Rejections, Rejection{SignalID: sig.ID, MarketID: sig.MarketID, Reason: reason})
			continue
		}

		trade, err := e.execute(ctx, sig)
		if errors.Is(err, store.ErrSignalNotPending) {
			slog.Warn("signal already settled", "portfolio_id", portfolioID, "signal_id", sig.ID)
			continue
		}
		if err != nil {
			return res, fmt.Errorf("execute signal %s: %w", sig.ID, err)
		}

		limiter.Accept(c)
		res.Executed++
		res.Trades = append(res.Trades, trade)
		res.NewBalance = limiter.Balance()

		metrics.TradesTotal.WithLabelValues(string(trade.Action)).Inc()
		if e.notify != nil {
			e.notify.TradeExecuted(trade)
		}
	}

	slog.Info("signals executed",
		"portfolio_id", portfolioID,
		"executed", res.Executed,
		"rejected", res.Rejected,
		"balance", res.NewBalance.String(),
	)
	return res, nil
}

func (e *Engine) reject(ctx context.Context, sig model.Signal, reason string) error {
	err := e.store.RejectSignal(ctx, sig.ID, reason)
	if errors.Is(err, store.ErrSignalNotPending) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reject signal %s: %w", sig.ID, err)
	}
	metrics.SignalRejections.WithLabelValues(reason).Inc()
	slog.Info("signal rejected",
		"portfolio_id", sig.PortfolioID,
		"signal_id", sig.ID,
		"market_id", sig.MarketID,
		"reason", reason,
	)
	return nil
}

func (e *Engine) execute(ctx context.Context, sig model.Signal) (model.Trade, error) {
	now := e.now()
	pos := model.Position{
		ID:          uuid.New().String(),
		PortfolioID: sig.PortfolioID,
		MarketID:    sig.MarketID,
		Action:      sig.Action,
		Amount:      sig.Amount,
		EntryPrice:  sig.TargetPrice,
		CurrentPnL:  decimal.Zero,
		Status:      model.PositionOpen,
		OpenedAt:    now,
	}
	trade := model.Trade{
		ID:          uuid.New().String(),
		PortfolioID: sig.PortfolioID,
		PositionID:  pos.ID,
		SignalID:    sig.ID,
		MarketID:    sig.MarketID,
		Action:      sig.Action,
		Amount:      sig.Amount,
		EntryPrice:  sig.TargetPrice,
		Timestamp:   now,
	}

	err := e.store.ExecuteTrade(ctx, store.ExecuteTradeParams{
		SignalID: sig.ID,
		Position: pos,
		Trade:    trade,
	})
	if err != nil {
		return model.Trade{}, err
	}
	return trade, nil
}

// eventIndex maps every market referenced by the signals or open positions
// to its event.
func (e *Engine) eventIndex(ctx context.Context, signals []model.Signal, open []model.Position) (map[string]string, error) {
	ids := make([]string, 0, len(signals)+len(open))
	for _, s := range signals {
		ids = append(ids, s.MarketID)
	}
	for _, p := range open {
		ids = append(ids, p.MarketID)
	}
	markets, err := e.store.GetMarkets(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load markets: %w", err)
	}
	idx := make(map[string]string, len(markets))
	for _, m := range markets {
		idx[m.ID] = m.EventID
	}
	return idx, nil
}

// ClosePosition liquidates an open position at exitPrice under the
// portfolio lock and returns the realized P&L.
func (e *Engine) ClosePosition(ctx context.Context, portfolioID, positionID string, exitPrice decimal.Decimal) (decimal.Decimal, error) {
	if exitPrice.IsNegative() || exitPrice.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidExitPrice, exitPrice)
	}

	waitStart := time.Now()
	unlock, err := e.store.LockPortfolio(ctx, portfolioID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("lock portfolio %s: %w", portfolioID, err)
	}
	defer unlock()
	metrics.ObserveSince(metrics.LockWait.WithLabelValues("close"), waitStart)

	realized, err := e.store.ClosePosition(ctx, store.ClosePositionParams{
		PortfolioID: portfolioID,
		PositionID:  positionID,
		ExitPrice:   exitPrice,
	})
	if err != nil {
		return decimal.Zero, err
	}

	slog.Info("position closed",
		"portfolio_id", portfolioID,
		"position_id", positionID,
		"exit_price", exitPrice.String(),
		"realized_pnl", realized.String(),
	)
	return realized, nil
}
