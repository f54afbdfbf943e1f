// Package model defines the core domain types shared across the portfolio engine.
// All monetary values and prices use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Action is the side a signal, position or trade takes on a binary market.
type Action string

const (
	ActionBuyYes Action = "buy_yes"
	ActionBuyNo  Action = "buy_no"
)

// Valid reports whether a is one of the two recognized actions.
func (a Action) Valid() bool {
	return a == ActionBuyYes || a == ActionBuyNo
}

// PortfolioStatus is the lifecycle state of a portfolio.
type PortfolioStatus string

const (
	PortfolioActive PortfolioStatus = "active"
	PortfolioPaused PortfolioStatus = "paused"
)

// SignalStatus tracks a signal through pending → executed | rejected.
// Both transitions are terminal.
type SignalStatus string

const (
	SignalPending  SignalStatus = "pending"
	SignalExecuted SignalStatus = "executed"
	SignalRejected SignalStatus = "rejected"
)

// PositionStatus is open until the position is liquidated.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
)

// Event is a shared, read-only event record owned by the ingestion layer.
// Numeric fields are nullable: a missing or malformed value arrives as
// an invalid NullDecimal and fails every filter predicate.
type Event struct {
	ID         string              `json:"id" db:"id"`
	Title      string              `json:"title" db:"title"`
	Liquidity  decimal.NullDecimal `json:"liquidity" db:"liquidity"`
	Volume     decimal.NullDecimal `json:"volume" db:"volume"`
	Volume24h  decimal.NullDecimal `json:"volume_24h" db:"volume_24h"`
	EndDate    *time.Time          `json:"end_date,omitempty" db:"end_date"`
	RawPayload []byte              `json:"-" db:"raw_payload"`
	UpdatedAt  time.Time           `json:"updated_at" db:"updated_at"`
}

// Market is one binary question within an event. Prices are probabilities
// in [0,1]; YesPrice + NoPrice is not guaranteed to equal 1.
type Market struct {
	ID        string              `json:"id" db:"id"`
	EventID   string              `json:"event_id" db:"event_id"`
	Question  string              `json:"question" db:"question"`
	YesPrice  decimal.NullDecimal `json:"yes_price" db:"yes_price"`
	NoPrice   decimal.NullDecimal `json:"no_price" db:"no_price"`
	Liquidity decimal.NullDecimal `json:"liquidity" db:"liquidity"`
	Volume    decimal.NullDecimal `json:"volume" db:"volume"`
	Volume24h decimal.NullDecimal `json:"volume_24h" db:"volume_24h"`
	UpdatedAt time.Time           `json:"updated_at" db:"updated_at"`
}

// Quote is a current price pair returned by the market-data source.
// Liquidity and volume are optional and only used for snapshots.
type Quote struct {
	MarketID  string              `json:"market_id"`
	YesPrice  decimal.NullDecimal `json:"yes_price"`
	NoPrice   decimal.NullDecimal `json:"no_price"`
	Liquidity decimal.NullDecimal `json:"liquidity"`
	Volume    decimal.NullDecimal `json:"volume"`
}

// PriceFor returns the price of the side an action buys.
func (q Quote) PriceFor(a Action) (decimal.Decimal, bool) {
	p := q.NoPrice
	if a == ActionBuyYes {
		p = q.YesPrice
	}
	return p.Decimal, p.Valid
}

// Portfolio is an isolated virtual trading account. CurrentBalance and
// TotalInvested are mutated by the execution engine, TotalPnL by the
// price updater, both under the portfolio's mutation lock.
type Portfolio struct {
	ID             string          `json:"id" db:"id"`
	Name           string          `json:"name" db:"name"`
	StrategyType   string          `json:"strategy_type" db:"strategy_type"`
	StrategyConfig map[string]any  `json:"strategy_config" db:"strategy_config"`
	CurrentBalance decimal.Decimal `json:"current_balance" db:"current_balance"`
	TotalInvested  decimal.Decimal `json:"total_invested" db:"total_invested"`
	TotalPnL       decimal.Decimal `json:"total_pnl" db:"total_pnl"`
	MaxPositions   int             `json:"max_positions" db:"max_positions"`
	Status         PortfolioStatus `json:"status" db:"status"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// Signal is a proposed trade emitted by a strategy for one portfolio.
type Signal struct {
	ID           string          `json:"id" db:"id"`
	PortfolioID  string          `json:"portfolio_id" db:"portfolio_id"`
	MarketID     string          `json:"market_id" db:"market_id"`
	Action       Action          `json:"action" db:"action"`
	TargetPrice  decimal.Decimal `json:"target_price" db:"target_price"`
	Amount       decimal.Decimal `json:"amount" db:"amount"`
	Confidence   decimal.Decimal `json:"confidence" db:"confidence"`
	Executed     bool            `json:"executed" db:"executed"`
	Status       SignalStatus    `json:"status" db:"status"`
	RejectReason string          `json:"reject_reason,omitempty" db:"reject_reason"`
	StrategyType string          `json:"strategy_type" db:"strategy_type"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// Position is a stake in a market resulting from an executed signal.
// CurrentPnL is the only field mutated after creation (by the price updater).
type Position struct {
	ID          string          `json:"id" db:"id"`
	PortfolioID string          `json:"portfolio_id" db:"portfolio_id"`
	MarketID    string          `json:"market_id" db:"market_id"`
	Action      Action          `json:"action" db:"action"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	EntryPrice  decimal.Decimal `json:"entry_price" db:"entry_price"`
	CurrentPnL  decimal.Decimal `json:"current_pnl" db:"current_pnl"`
	Status      PositionStatus  `json:"status" db:"status"`
	OpenedAt    time.Time       `json:"opened_at" db:"opened_at"`
}

// Trade is an append-only ledger entry. RealizedPnL stays nil until the
// position is closed.
type Trade struct {
	ID          string           `json:"id" db:"id"`
	PortfolioID string           `json:"portfolio_id" db:"portfolio_id"`
	PositionID  string           `json:"position_id" db:"position_id"`
	SignalID    string           `json:"signal_id" db:"signal_id"`
	MarketID    string           `json:"market_id" db:"market_id"`
	Action      Action           `json:"action" db:"action"`
	Amount      decimal.Decimal  `json:"amount" db:"amount"`
	EntryPrice  decimal.Decimal  `json:"entry_price" db:"entry_price"`
	Timestamp   time.Time        `json:"timestamp" db:"timestamp"`
	RealizedPnL *decimal.Decimal `json:"realized_pnl,omitempty" db:"realized_pnl"`
}

// MarketSnapshot is one append-only price-history row.
type MarketSnapshot struct {
	ID        string              `json:"id" db:"id"`
	MarketID  string              `json:"market_id" db:"market_id"`
	YesPrice  decimal.NullDecimal `json:"yes_price" db:"yes_price"`
	NoPrice   decimal.NullDecimal `json:"no_price" db:"no_price"`
	Liquidity decimal.NullDecimal `json:"liquidity" db:"liquidity"`
	Volume    decimal.NullDecimal `json:"volume" db:"volume"`
	TakenAt   time.Time           `json:"taken_at" db:"taken_at"`
}

// PortfolioSnapshot records portfolio aggregates at the end of a cycle.
type PortfolioSnapshot struct {
	ID            string          `json:"id" db:"id"`
	PortfolioID   string          `json:"portfolio_id" db:"portfolio_id"`
	Balance       decimal.Decimal `json:"balance" db:"balance"`
	TotalInvested decimal.Decimal `json:"total_invested" db:"total_invested"`
	TotalPnL      decimal.Decimal `json:"total_pnl" db:"total_pnl"`
	OpenPositions int             `json:"open_positions" db:"open_positions"`
	TakenAt       time.Time       `json:"taken_at" db:"taken_at"`
}
