// Package filter selects tradeable events and markets from the shared
// market-data pool. Every function here is pure: results depend only on
// the arguments, and nothing is read from or written to storage.
//
// Filtering is sequential. Market filtering only considers markets whose
// event survived the event stage, so each stage narrows the candidate set.
package filter

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/model"
)

// Params holds the thresholds applied to events and markets. Zero values
// are valid thresholds (a zero minimum accepts everything non-negative).
type Params struct {
	MinLiquidity  decimal.Decimal
	MinVolume     decimal.Decimal
	MinVolume24h  decimal.Decimal
	MinDaysToEnd  decimal.Decimal
	MaxDaysToEnd  decimal.Decimal
	MinConviction decimal.Decimal
	MaxConviction decimal.Decimal

	// Now anchors the days-until-end computation.
	Now time.Time
}

// Result is the output of a chained run.
type Result struct {
	EventIDs  []string
	MarketIDs []string
}

var hoursPerDay = decimal.NewFromInt(24)

// Events returns the IDs of events that pass the event predicate, in
// input order.
func Events(events []model.Event, p Params) []string {
	ids := make([]string, 0, len(events))
	for _, e := range events {
		if eventPasses(e, p) {
			ids = append(ids, e.ID)
		}
	}
	return ids
}

// Markets returns the IDs of markets that belong to one of eventIDs and
// pass the market predicate. A nil eventIDs set means no restriction,
// which callers only use when no event stage exists.
func Markets(markets []model.Market, eventIDs map[string]struct{}, p Params) []string {
	ids := make([]string, 0, len(markets))
	for _, m := range markets {
		if eventIDs != nil {
			if _, ok := eventIDs[m.EventID]; !ok {
				continue
			}
		}
		if marketPasses(m, p) {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// Run chains the event stage into the market stage.
func Run(events []model.Event, markets []model.Market, p Params) Result {
	eventIDs := Events(events, p)
	allowed := IDSet(eventIDs)
	return Result{
		EventIDs:  eventIDs,
		MarketIDs: Markets(markets, allowed, p),
	}
}

// Select returns the markets whose IDs are in ids, preserving the order of
// markets. It is used to hand the filtered markets to a strategy.
func Select(markets []model.Market, ids []string) []model.Market {
	keep := IDSet(ids)
	out := make([]model.Market, 0, len(ids))
	for _, m := range markets {
		if _, ok := keep[m.ID]; ok {
			out = append(out, m)
		}
	}
	return out
}

// IDSet builds a lookup set from a list of IDs.
func IDSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func eventPasses(e model.Event, p Params) bool {
	if !atLeast(e.Liquidity, p.MinLiquidity) ||
		!atLeast(e.Volume, p.MinVolume) ||
		!atLeast(e.Volume24h, p.MinVolume24h) {
		return false
	}
	if e.EndDate == nil || e.EndDate.IsZero() {
		return false
	}
	hours := decimal.NewFromFloat(e.EndDate.Sub(p.Now).Hours())
	days := hours.Div(hoursPerDay)
	return days.GreaterThanOrEqual(p.MinDaysToEnd) && days.LessThanOrEqual(p.MaxDaysToEnd)
}

func marketPasses(m model.Market, p Params) bool {
	if !atLeast(m.Liquidity, p.MinLiquidity) ||
		!atLeast(m.Volume, p.MinVolume) ||
		!atLeast(m.Volume24h, p.MinVolume24h) {
		return false
	}
	conviction, ok := Conviction(m)
	if !ok {
		return false
	}
	return conviction.GreaterThanOrEqual(p.MinConviction) && conviction.LessThanOrEqual(p.MaxConviction)
}

// Conviction is |yes_price − no_price|. It reports false if either price
// is missing or outside [0,1].
func Conviction(m model.Market) (decimal.Decimal, bool) {
	if !ValidPrice(m.YesPrice) || !ValidPrice(m.NoPrice) {
		return decimal.Zero, false
	}
	return m.YesPrice.Decimal.Sub(m.NoPrice.Decimal).Abs(), true
}

// ValidPrice reports whether p is present and a probability in [0,1].
func ValidPrice(p decimal.NullDecimal) bool {
	return p.Valid && !p.Decimal.IsNegative() && p.Decimal.LessThanOrEqual(decimal.NewFromInt(1))
}

func atLeast(v decimal.NullDecimal, floor decimal.Decimal) bool {
	return v.Valid && v.Decimal.GreaterThanOrEqual(floor)
}
