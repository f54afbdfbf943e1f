// Package store defines the persistence interface for the portfolio engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for the shared market-data pool), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicateKey is returned when inserting a record whose ID exists.
	ErrDuplicateKey = errors.New("store: duplicate key")

	// ErrSignalNotPending is returned when a signal has already left the
	// pending state. ExecuteTrade and RejectSignal never apply twice.
	ErrSignalNotPending = errors.New("store: signal is not pending")

	// ErrPortfolioInactive is returned when a trade targets a portfolio
	// that is not active.
	ErrPortfolioInactive = errors.New("store: portfolio is not active")

	// ErrInsufficientBalance is the storage-level guard against
	// overdrawing a portfolio.
	ErrInsufficientBalance = errors.New("store: insufficient balance")

	// ErrPositionNotOpen is returned when closing a position that is
	// already closed.
	ErrPositionNotOpen = errors.New("store: position is not open")
)

// ExecuteTradeParams is the input to the atomic execution primitive.
type ExecuteTradeParams struct {
	SignalID string
	Position model.Position
	Trade    model.Trade
}

// ClosePositionParams is the input to the atomic close primitive.
type ClosePositionParams struct {
	PortfolioID string
	PositionID  string
	ExitPrice   decimal.Decimal
}

// MarketData is the shared, portfolio-independent pool of events,
// markets and price history. Reads never take a portfolio lock.
type MarketData interface {
	// UpsertEvents inserts or refreshes events by ID.
	UpsertEvents(ctx context.Context, events []model.Event) error

	// UpsertMarkets inserts or refreshes markets by ID.
	UpsertMarkets(ctx context.Context, markets []model.Market) error

	// ListEvents returns every stored event.
	ListEvents(ctx context.Context) ([]model.Event, error)

	// ListMarketsByEvents returns markets belonging to the given events.
	ListMarketsByEvents(ctx context.Context, eventIDs []string) ([]model.Market, error)

	// GetMarkets returns the markets with the given IDs. Unknown IDs are
	// omitted, not errors.
	GetMarkets(ctx context.Context, ids []string) ([]model.Market, error)

	// UpdateMarketPrices refreshes yes/no prices (and liquidity/volume
	// when present) from quotes.
	UpdateMarketPrices(ctx context.Context, quotes []model.Quote) error

	// InsertMarketSnapshots appends price-history rows.
	InsertMarketSnapshots(ctx context.Context, snapshots []model.MarketSnapshot) error
}

// Portfolios covers portfolio records, signals, positions and the trade
// ledger.
type Portfolios interface {
	// CreatePortfolio persists a new portfolio.
	CreatePortfolio(ctx context.Context, p *model.Portfolio) error

	// GetPortfolio returns a portfolio or ErrNotFound.
	GetPortfolio(ctx context.Context, id string) (*model.Portfolio, error)

	// ListPortfolios returns portfolios with the given status, or all
	// portfolios when status is empty, ordered by creation time.
	ListPortfolios(ctx context.Context, status model.PortfolioStatus) ([]model.Portfolio, error)

	// InsertPortfolioSnapshot appends an aggregate snapshot.
	InsertPortfolioSnapshot(ctx context.Context, s *model.PortfolioSnapshot) error

	// InsertSignals persists newly generated signals.
	InsertSignals(ctx context.Context, signals []model.Signal) error

	// ListPendingSignals returns a portfolio's pending signals ordered by
	// confidence descending, then creation time, then ID.
	ListPendingSignals(ctx context.Context, portfolioID string) ([]model.Signal, error)

	// RejectSignal moves a pending signal to rejected with a reason.
	RejectSignal(ctx context.Context, signalID, reason string) error

	// ListOpenPositions returns open positions for one portfolio, or for
	// all portfolios when portfolioID is empty.
	ListOpenPositions(ctx context.Context, portfolioID string) ([]model.Position, error)

	// ListTrades returns a portfolio's ledger ordered by timestamp.
	ListTrades(ctx context.Context, portfolioID string) ([]model.Trade, error)

	// ExecuteTrade atomically debits the balance by the trade amount,
	// credits total_invested, inserts the position and the trade, and marks
	// the signal executed. Either everything applies or nothing does.
	ExecuteTrade(ctx context.Context, params ExecuteTradeParams) error

	// ApplyPnL atomically writes current_pnl for the given open positions
	// of one portfolio and sets the portfolio's total_pnl.
	ApplyPnL(ctx context.Context, portfolioID string, pnl map[string]decimal.Decimal, totalPnL decimal.Decimal) error

	// ClosePosition atomically closes an open position at exitPrice,
	// fills the trade's realized P&L, and returns stake plus P&L to the
	// balance. It returns the realized P&L.
	ClosePosition(ctx context.Context, params ClosePositionParams) (decimal.Decimal, error)
}

// Locker provides the per-portfolio mutation lock. Any read-modify-write
// of a portfolio's balance, invested total, P&L or position set happens
// while holding it.
type Locker interface {
	LockPortfolio(ctx context.Context, portfolioID string) (unlock func(), err error)
}

// Store is the full persistence interface. PostgreSQL is the source of
// truth; Redis provides a read-through cache layer for market data.
type Store interface {
	MarketData
	Portfolios
	Locker

	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error
}
