package strategy

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/model"
)

// Contrarian buys the underpriced side, betting that a lopsided market
// reverts. Confidence is 0.5 minus the chosen side's price.
type Contrarian struct {
	base
}

func contrarianDefaults() map[string]any {
	return map[string]any{
		KeyMinLiquidity:        25000,
		KeyMinVolume:           100000,
		KeyMinVolume24h:        1000,
		KeyMinDaysUntilEnd:     7,
		KeyMaxDaysUntilEnd:     180,
		KeyMinMarketConviction: 0.3,
		KeyMaxMarketConviction: 0.8,
		KeyMinConfidence:       0.6,
		KeyTradeAmount:         50,
		KeyMaxEventExposure:    200,
	}
}

// NewContrarian creates the contrarian strategy.
func NewContrarian(overrides map[string]any) *Contrarian {
	return &Contrarian{base: newBase("contrarian", contrarianDefaults(), overrides)}
}

func (c *Contrarian) GenerateSignals(ctx context.Context, p *model.Portfolio, markets []model.Market, cfg Config) ([]model.Signal, error) {
	signals, err := generate(ctx, c.name, p, markets, cfg, contrarianScore, c.now())
	if err != nil {
		return nil, err
	}
	slog.Info("contrarian evaluation complete", "portfolio_id", p.ID, "markets", len(markets), "signals", len(signals))
	return signals, nil
}

func contrarianScore(yes, no decimal.Decimal) pick {
	if yes.GreaterThanOrEqual(no) {
		return pick{action: model.ActionBuyNo, price: no, confidence: half.Sub(no)}
	}
	return pick{action: model.ActionBuyYes, price: yes, confidence: half.Sub(yes)}
}
