// Package risk implements the per-portfolio acceptance rules applied to each
// pending signal at execution time.
//
// Markets within the same event resolve on correlated outcomes, so besides
// the balance, position-count and no-doubling-down rules the limiter can cap
// aggregate stake across all open positions of one event.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientBalance is returned when the cost exceeds the balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrPositionLimit is returned when the portfolio already holds
	// max_positions open positions.
	ErrPositionLimit = errors.New("position limit reached")

	// ErrDuplicatePosition is returned when the portfolio already has an
	// open position in the market.
	ErrDuplicatePosition = errors.New("duplicate position")

	// ErrEventExposure is returned when the trade would push aggregate
	// stake in one event beyond the configured cap.
	ErrEventExposure = errors.New("event exposure limit reached")
)

// Limits configures a Limiter.
type Limits struct {
	// MaxPositions caps open positions. Zero means unlimited.
	MaxPositions int

	// MaxEventExposure caps total open stake per event. Zero disables
	// the check.
	MaxEventExposure decimal.Decimal
}

// Candidate is a proposed trade being checked.
type Candidate struct {
	MarketID string
	EventID  string
	Amount   decimal.Decimal
}

// Holding is an open position as the limiter sees it.
type Holding struct {
	MarketID string
	EventID  string
	Amount   decimal.Decimal
}

// Limiter tracks a portfolio's state through one execution run. Accepted
// candidates are applied so later signals see the updated balance and
// position set.
type Limiter struct {
	limits   Limits
	balance  decimal.Decimal
	open     int
	markets  map[string]struct{}
	exposure map[string]decimal.Decimal
}

// NewLimiter seeds a limiter with the portfolio's balance and open holdings.
func NewLimiter(limits Limits, balance decimal.Decimal, holdings []Holding) *Limiter {
	l := &Limiter{
		limits:   limits,
		balance:  balance,
		markets:  make(map[string]struct{}, len(holdings)),
		exposure: make(map[string]decimal.Decimal),
	}
	for _, h := range holdings {
		l.add(h.MarketID, h.EventID, h.Amount)
	}
	return l
}

// Check validates a candidate without changing state. Rules are evaluated
// in a fixed order and the first violation is returned.
func (l *Limiter) Check(c Candidate) error {
	// 1. Balance.
	if l.balance.LessThan(c.Amount) {
		return ErrInsufficientBalance
	}

	// 2. Position count.
	if l.limits.MaxPositions > 0 && l.open >= l.limits.MaxPositions {
		return ErrPositionLimit
	}

	// 3. No doubling down.
	if _, held := l.markets[c.MarketID]; held {
		return ErrDuplicatePosition
	}

	// 4. Correlated exposure: sum stake across markets of the same event.
	if l.limits.MaxEventExposure.IsPositive() && c.EventID != "" {
		total := l.exposure[c.EventID].Add(c.Amount)
		if total.GreaterThan(l.limits.MaxEventExposure) {
			return ErrEventExposure
		}
	}

	return nil
}

// Accept records an accepted candidate.
func (l *Limiter) Accept(c Candidate) {
	l.balance = l.balance.Sub(c.Amount)
	l.add(c.MarketID, c.EventID, c.Amount)
}

// Balance is the balance after every accepted candidate.
func (l *Limiter) Balance() decimal.Decimal { return l.balance }

// OpenPositions is the open position count after every accepted candidate.
func (l *Limiter) OpenPositions() int { return l.open }

func (l *Limiter) add(marketID, eventID string, amount decimal.Decimal) {
	l.open++
	l.markets[marketID] = struct{}{}
	if eventID != "" {
		l.exposure[eventID] = l.exposure[eventID].Add(amount)
	}
}

// Reason maps a limiter error to the rejection reason stored on a signal.
func Reason(err error) string {
	return err.Error()
}
