package strategy

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/model"
)

// Momentum buys the side the market already favours. Confidence is the
// favoured side's price minus 0.5.
type Momentum struct {
	base
}

// momentumDefaults are the built-in parameters before config-file
// overrides.
func momentumDefaults() map[string]any {
	return map[string]any{
		KeyMinLiquidity:        10000,
		KeyMinVolume:           50000,
		KeyMinVolume24h:        0,
		KeyMinDaysUntilEnd:     1,
		KeyMaxDaysUntilEnd:     90,
		KeyMinMarketConviction: 0.15,
		KeyMaxMarketConviction: 0.9,
		KeyMinConfidence:       0.55,
		KeyTradeAmount:         100,
		KeyMaxEventExposure:    0,
	}
}

// NewMomentum creates the momentum strategy. overrides (usually from the
// config file) replace built-in defaults key by key; nil is fine.
func NewMomentum(overrides map[string]any) *Momentum {
	return &Momentum{base: newBase("momentum", momentumDefaults(), overrides)}
}

func (m *Momentum) GenerateSignals(ctx context.Context, p *model.Portfolio, markets []model.Market, cfg Config) ([]model.Signal, error) {
	signals, err := generate(ctx, m.name, p, markets, cfg, momentumScore, m.now())
	if err != nil {
		return nil, err
	}
	slog.Info("momentum evaluation complete", "portfolio_id", p.ID, "markets", len(markets), "signals", len(signals))
	return signals, nil
}

func momentumScore(yes, no decimal.Decimal) pick {
	if yes.GreaterThanOrEqual(no) {
		return pick{action: model.ActionBuyYes, price: yes, confidence: yes.Sub(half)}
	}
	return pick{action: model.ActionBuyNo, price: no, confidence: no.Sub(half)}
}
