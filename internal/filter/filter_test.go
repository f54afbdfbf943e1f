package filter

import (
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/portfolio-engine/internal/model"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func nd(f float64) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.NewFromFloat(f))
}

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func defaultParams() Params {
	return Params{
		MinLiquidity:  d(10000),
		MinVolume:     d(50000),
		MinVolume24h:  d(0),
		MinDaysToEnd:  d(1),
		MaxDaysToEnd:  d(90),
		MinConviction: d(0.15),
		MaxConviction: d(0.9),
		Now:           now,
	}
}

func endIn(days int) *time.Time {
	t := now.Add(time.Duration(days) * 24 * time.Hour)
	return &t
}

func event(id string, liquidity, volume float64, days int) model.Event {
	return model.Event{
		ID:        id,
		Liquidity: nd(liquidity),
		Volume:    nd(volume),
		Volume24h: nd(1000),
		EndDate:   endIn(days),
	}
}

func market(id, eventID string, yes, no, liquidity, volume float64) model.Market {
	return model.Market{
		ID:        id,
		EventID:   eventID,
		YesPrice:  nd(yes),
		NoPrice:   nd(no),
		Liquidity: nd(liquidity),
		Volume:    nd(volume),
		Volume24h: nd(1000),
	}
}

func TestMarkets_ScenarioM1Passes(t *testing.T) {
	m1 := market("M1", "E1", 0.62, 0.38, 20000, 60000)

	ids := Markets([]model.Market{m1}, IDSet([]string{"E1"}), defaultParams())

	assert.Equal(t, []string{"M1"}, ids)
}

func TestEvents_Predicate(t *testing.T) {
	events := []model.Event{
		event("ok", 20000, 60000, 30),
		event("low-liquidity", 5000, 60000, 30),
		event("low-volume", 20000, 100, 30),
		event("ends-too-soon", 20000, 60000, 0),
		event("ends-too-late", 20000, 60000, 120),
	}

	assert.Equal(t, []string{"ok"}, Events(events, defaultParams()))
}

func TestEvents_MissingFieldsExcluded(t *testing.T) {
	noEnd := event("no-end", 20000, 60000, 30)
	noEnd.EndDate = nil
	noLiquidity := event("no-liquidity", 20000, 60000, 30)
	noLiquidity.Liquidity = decimal.NullDecimal{}

	ids := Events([]model.Event{noEnd, noLiquidity}, defaultParams())

	assert.Empty(t, ids)
}

func TestMarkets_ConvictionBounds(t *testing.T) {
	allowed := IDSet([]string{"E1"})
	markets := []model.Market{
		market("too-close", "E1", 0.52, 0.48, 20000, 60000),
		market("too-certain", "E1", 0.97, 0.03, 20000, 60000),
		market("edge-low", "E1", 0.575, 0.425, 20000, 60000),
		market("edge-high", "E1", 0.95, 0.05, 20000, 60000),
	}

	ids := Markets(markets, allowed, defaultParams())

	assert.Equal(t, []string{"edge-low", "edge-high"}, ids)
}

func TestMarkets_MalformedPricesExcluded(t *testing.T) {
	allowed := IDSet([]string{"E1"})
	missing := market("missing", "E1", 0.7, 0.3, 20000, 60000)
	missing.NoPrice = decimal.NullDecimal{}
	outOfRange := market("out-of-range", "E1", 1.4, 0.1, 20000, 60000)

	ids := Markets([]model.Market{missing, outOfRange}, allowed, defaultParams())

	assert.Empty(t, ids)
}

func TestRun_MarketsRestrictedToFilteredEvents(t *testing.T) {
	events := []model.Event{
		event("E1", 20000, 60000, 30),
		event("E2", 100, 60000, 30), // fails liquidity
	}
	markets := []model.Market{
		market("M1", "E1", 0.7, 0.3, 20000, 60000),
		market("M2", "E2", 0.7, 0.3, 20000, 60000), // would pass on its own
		market("M3", "E3", 0.7, 0.3, 20000, 60000), // unknown event
	}

	res := Run(events, markets, defaultParams())

	assert.Equal(t, []string{"E1"}, res.EventIDs)
	assert.Equal(t, []string{"M1"}, res.MarketIDs)
}

func TestSelect_PreservesOrder(t *testing.T) {
	markets := []model.Market{
		market("a", "E", 0.7, 0.3, 1, 1),
		market("b", "E", 0.7, 0.3, 1, 1),
		market("c", "E", 0.7, 0.3, 1, 1),
	}

	got := Select(markets, []string{"c", "a"})

	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "c", got[1].ID)
}

func TestRun_ChainedOutputIsSubsetOfEventPool(t *testing.T) {
	properties := gopter.NewProperties(nil)

	genLiquidity := gen.Float64Range(0, 40000)
	genPrice := gen.Float64Range(0, 1)

	properties.Property("every selected market belongs to a selected event", prop.ForAll(
		func(eventLiq []float64, yes []float64) bool {
			events := make([]model.Event, len(eventLiq))
			for i, liq := range eventLiq {
				events[i] = event(fmt.Sprintf("E%d", i), liq, 60000, 30)
			}
			markets := make([]model.Market, len(yes))
			for i, y := range yes {
				eventID := fmt.Sprintf("E%d", i%(len(eventLiq)+1))
				markets[i] = market(fmt.Sprintf("M%d", i), eventID, y, 1-y, 20000, 60000)
			}

			res := Run(events, markets, defaultParams())
			allowed := IDSet(res.EventIDs)
			byID := make(map[string]model.Market, len(markets))
			for _, m := range markets {
				byID[m.ID] = m
			}
			for _, id := range res.MarketIDs {
				if _, ok := allowed[byID[id].EventID]; !ok {
					return false
				}
			}
			unrestricted := Markets(markets, nil, defaultParams())
			return len(res.MarketIDs) <= len(unrestricted)
		},
		gen.SliceOf(genLiquidity),
		gen.SliceOf(genPrice),
	))

	properties.TestingRun(t)
}
