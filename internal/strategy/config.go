package strategy

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/filter"
	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/risk"
)

// Recognized configuration keys. Anything else in a strategy config map
// is ignored.
const (
	KeyMinLiquidity        = "min_liquidity"
	KeyMinVolume           = "min_volume"
	KeyMinVolume24h        = "min_volume_24hr"
	KeyMinDaysUntilEnd     = "min_days_until_end"
	KeyMaxDaysUntilEnd     = "max_days_until_end"
	KeyMinMarketConviction = "min_market_conviction"
	KeyMaxMarketConviction = "max_market_conviction"
	KeyMinConfidence       = "min_confidence"
	KeyMaxPositions        = "max_positions"
	KeyTradeAmount         = "trade_amount"
	KeyMaxEventExposure    = "max_event_exposure"
)

var recognizedKeys = []string{
	KeyMinLiquidity,
	KeyMinVolume,
	KeyMinVolume24h,
	KeyMinDaysUntilEnd,
	KeyMaxDaysUntilEnd,
	KeyMinMarketConviction,
	KeyMaxMarketConviction,
	KeyMinConfidence,
	KeyMaxPositions,
	KeyTradeAmount,
	KeyMaxEventExposure,
}

// ErrInvalidConfig is returned when a strategy config fails validation.
var ErrInvalidConfig = errors.New("strategy: invalid config")

// Config is the typed, validated form of an effective strategy config.
type Config struct {
	MinLiquidity        decimal.Decimal
	MinVolume           decimal.Decimal
	MinVolume24h        decimal.Decimal
	MinDaysUntilEnd     decimal.Decimal
	MaxDaysUntilEnd     decimal.Decimal
	MinMarketConviction decimal.Decimal
	MaxMarketConviction decimal.Decimal
	MinConfidence       decimal.Decimal
	MaxPositions        int
	TradeAmount         decimal.Decimal
	MaxEventExposure    decimal.Decimal // zero disables the cap
}

// FilterParams converts the config into filter thresholds anchored at now.
func (c Config) FilterParams(now time.Time) filter.Params {
	return filter.Params{
		MinLiquidity:  c.MinLiquidity,
		MinVolume:     c.MinVolume,
		MinVolume24h:  c.MinVolume24h,
		MinDaysToEnd:  c.MinDaysUntilEnd,
		MaxDaysToEnd:  c.MaxDaysUntilEnd,
		MinConviction: c.MinMarketConviction,
		MaxConviction: c.MaxMarketConviction,
		Now:           now,
	}
}

// Validation is the outcome of ValidateConfig.
type Validation struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Merge layers overrides on top of defaults key by key. Neither input is
// modified.
func Merge(defaults, overrides map[string]any) map[string]any {
	out := make(map[string]any, len(defaults)+len(overrides))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// Effective builds the typed config for a portfolio: the strategy's
// defaults merged with the portfolio's stored overrides. When neither
// layer sets max_positions, the portfolio's own limit applies.
func Effective(s Strategy, p *model.Portfolio) (Config, error) {
	merged := Merge(s.DefaultConfig(), p.StrategyConfig)
	if _, ok := merged[KeyMaxPositions]; !ok && p.MaxPositions > 0 {
		merged[KeyMaxPositions] = p.MaxPositions
	}
	cfg, errs := Parse(merged)
	if len(errs) > 0 {
		return Config{}, fmt.Errorf("%w for %s: %s", ErrInvalidConfig, s.Name(), strings.Join(errs, "; "))
	}
	return cfg, nil
}

// Limits derives a portfolio's execution limits from its effective config.
// A portfolio whose strategy or config cannot be resolved falls back to its
// own max_positions with no event cap.
func (r *Registry) Limits(p *model.Portfolio) risk.Limits {
	fallback := risk.Limits{MaxPositions: p.MaxPositions}
	s, err := r.Resolve(p.StrategyType)
	if err != nil {
		return fallback
	}
	cfg, err := Effective(s, p)
	if err != nil {
		return fallback
	}
	return risk.Limits{MaxPositions: cfg.MaxPositions, MaxEventExposure: cfg.MaxEventExposure}
}

// Parse converts a key→value map into a Config and returns every problem
// found. Unrecognized keys are ignored; missing keys take the zero value.
func Parse(raw map[string]any) (Config, []string) {
	var cfg Config
	var errs []string

	dec := func(key string, dst *decimal.Decimal) {
		v, ok := raw[key]
		if !ok {
			return
		}
		n, err := toDecimal(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
			return
		}
		*dst = n
	}

	dec(KeyMinLiquidity, &cfg.MinLiquidity)
	dec(KeyMinVolume, &cfg.MinVolume)
	dec(KeyMinVolume24h, &cfg.MinVolume24h)
	dec(KeyMinDaysUntilEnd, &cfg.MinDaysUntilEnd)
	dec(KeyMaxDaysUntilEnd, &cfg.MaxDaysUntilEnd)
	dec(KeyMinMarketConviction, &cfg.MinMarketConviction)
	dec(KeyMaxMarketConviction, &cfg.MaxMarketConviction)
	dec(KeyMinConfidence, &cfg.MinConfidence)
	dec(KeyTradeAmount, &cfg.TradeAmount)
	dec(KeyMaxEventExposure, &cfg.MaxEventExposure)

	if v, ok := raw[KeyMaxPositions]; ok {
		n, err := toDecimal(v)
		switch {
		case err != nil:
			errs = append(errs, fmt.Sprintf("%s: %v", KeyMaxPositions, err))
		case !n.IsInteger():
			errs = append(errs, fmt.Sprintf("%s: must be a whole number", KeyMaxPositions))
		default:
			cfg.MaxPositions = int(n.IntPart())
		}
	}

	errs = append(errs, cfg.check()...)
	return cfg, errs
}

// Validate checks a raw config map and reports whether it would parse.
func Validate(raw map[string]any) Validation {
	_, errs := Parse(raw)
	return Validation{Valid: len(errs) == 0, Errors: errs}
}

// RecognizedKeys lists the config keys strategies understand, sorted.
func RecognizedKeys() []string {
	keys := append([]string(nil), recognizedKeys...)
	sort.Strings(keys)
	return keys
}

var one = decimal.NewFromInt(1)

func (c Config) check() []string {
	var errs []string
	nonNegative := map[string]decimal.Decimal{
		KeyMinLiquidity:     c.MinLiquidity,
		KeyMinVolume:        c.MinVolume,
		KeyMinVolume24h:     c.MinVolume24h,
		KeyMaxEventExposure: c.MaxEventExposure,
	}
	for _, key := range recognizedKeys {
		if v, ok := nonNegative[key]; ok && v.IsNegative() {
			errs = append(errs, fmt.Sprintf("%s: must not be negative", key))
		}
	}
	if c.MinDaysUntilEnd.GreaterThan(c.MaxDaysUntilEnd) {
		errs = append(errs, fmt.Sprintf("%s exceeds %s", KeyMinDaysUntilEnd, KeyMaxDaysUntilEnd))
	}
	if c.MinMarketConviction.IsNegative() || c.MaxMarketConviction.GreaterThan(one) {
		errs = append(errs, "market conviction bounds must lie in [0,1]")
	}
	if c.MinMarketConviction.GreaterThan(c.MaxMarketConviction) {
		errs = append(errs, fmt.Sprintf("%s exceeds %s", KeyMinMarketConviction, KeyMaxMarketConviction))
	}
	if c.MinConfidence.IsNegative() || c.MinConfidence.GreaterThan(one) {
		errs = append(errs, fmt.Sprintf("%s: must lie in [0,1]", KeyMinConfidence))
	}
	if c.MaxPositions < 0 {
		errs = append(errs, fmt.Sprintf("%s: must not be negative", KeyMaxPositions))
	}
	if !c.TradeAmount.IsPositive() {
		errs = append(errs, fmt.Sprintf("%s: must be positive", KeyTradeAmount))
	}
	return errs
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, nil
	case float64:
		return decimal.NewFromFloat(n), nil
	case float32:
		return decimal.NewFromFloat32(n), nil
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int64:
		return decimal.NewFromInt(n), nil
	case int32:
		return decimal.NewFromInt32(n), nil
	case json.Number:
		return decimal.NewFromString(n.String())
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(n))
		if err != nil {
			return decimal.Zero, fmt.Errorf("not a number: %q", n)
		}
		return d, nil
	default:
		return decimal.Zero, fmt.Errorf("unsupported type %T", v)
	}
}
