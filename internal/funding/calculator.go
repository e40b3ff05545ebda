// Package funding derives funding rates from the adjusted spot price, a mark price and risk inputs.
package funding

import (
	"fmt"
	"math"
	"time"

	"github.com/life2you_mini/rwaoracle/internal/model"
)

// 标记价格来源
const (
	MarkSourceCaller       = "caller"
	MarkSourceAdjustedSpot = "adjusted_spot"
)

// Params 资金费率参数. Rates are annualized fractions.
type Params struct {
	KBase                 float64
	BaseCap               float64
	RateCap               float64
	KLiquidity            float64
	KVol                  float64
	BaselineVolatility    float64
	CALookback            time.Duration
	CALookahead           time.Duration
	CAMaxAdjustment       float64
	Validity              time.Duration
	DefaultLiquidityScore float64
}

// DefaultParams 默认参数
func DefaultParams() Params {
	return Params{
		KBase:                 0.01,
		BaseCap:               0.5,
		RateCap:               1.0,
		KLiquidity:            0.05,
		KVol:                  0.1,
		BaselineVolatility:    0.25,
		CALookback:            2 * 24 * time.Hour,
		CALookahead:           7 * 24 * time.Hour,
		CAMaxAdjustment:       0.05,
		Validity:              time.Hour,
		DefaultLiquidityScore: 0.8,
	}
}

// Validate 校验参数
func (p Params) Validate() error {
	switch {
	case p.RateCap <= 0:
		return fmt.Errorf("rate_cap must be positive")
	case p.BaseCap <= 0:
		return fmt.Errorf("base_cap must be positive")
	case p.Validity <= 0:
		return fmt.Errorf("validity must be positive")
	case p.DefaultLiquidityScore < 0 || p.DefaultLiquidityScore > 1:
		return fmt.Errorf("default_liquidity_score must be in [0,1]")
	case p.CALookback < 0 || p.CALookahead < 0:
		return fmt.Errorf("corporate action window must not be negative")
	}
	return nil
}

// Inputs everything the rate depends on
type Inputs struct {
	Symbol            string
	MarkPrice         float64
	SpotPrice         float64
	AdjustedSpotPrice float64
	Volatility30d     float64
	LiquidityScore    float64
	NearestAction     *model.CorporateAction
	At                time.Time
}

// Breakdown 计算结果
type Breakdown struct {
	Rate *model.FundingRate
	// HoldRequired a merger or spin-off is near; upstream must hold leverage
	HoldRequired bool
	// Proximity of the nearest action, 1 on its effective date and 0 at the window edge
	Proximity    float64
	DaysToAction float64
}

// Compute is a pure function of in and p. The returned rate has no ID.
func Compute(in Inputs, p Params) (*Breakdown, error) {
	if !(in.AdjustedSpotPrice > 0) {
		return nil, fmt.Errorf("adjusted spot price for %s must be positive: %w", in.Symbol, model.ErrNoDataAvailable)
	}
	if !(in.MarkPrice > 0) {
		return nil, fmt.Errorf("mark price for %s must be positive: %w", in.Symbol, model.ErrNoDataAvailable)
	}
	if !finite(in.MarkPrice) || !finite(in.AdjustedSpotPrice) || !finite(in.SpotPrice) {
		return nil, fmt.Errorf("non-finite price for %s (mark %v, spot %v, adjusted %v): %w", in.Symbol,
			in.MarkPrice, in.SpotPrice, in.AdjustedSpotPrice, model.ErrNoDataAvailable)
	}

	premium := in.MarkPrice - in.AdjustedSpotPrice
	premiumPct := premium * 100 / in.AdjustedSpotPrice
	if !finite(premium) || !finite(premiumPct) {
		return nil, fmt.Errorf("premium for %s overflows (mark %v, adjusted %v): %w", in.Symbol,
			in.MarkPrice, in.AdjustedSpotPrice, model.ErrNoDataAvailable)
	}
	baseRate := clamp(premiumPct*p.KBase, p.BaseCap)

	out := &Breakdown{}
	caAdj := 0.0
	if a := in.NearestAction; a != nil {
		out.DaysToAction = a.EffectiveDate.Sub(in.At).Hours() / 24
		out.Proximity = proximity(a.EffectiveDate.Sub(in.At), p.CALookback, p.CALookahead)
		switch {
		case a.Type == model.CorporateActionDividend:
			caAdj = -p.CAMaxAdjustment * out.Proximity
		case a.Type.IsDiscontinuity():
			caAdj = p.CAMaxAdjustment * out.Proximity
			out.HoldRequired = out.Proximity > 0
		}
	}

	liquidity := math.Max(0, math.Min(1, sanitize(in.LiquidityScore)))
	liqAdj := (1 - liquidity) * p.KLiquidity
	volAdj := math.Max(0, (sanitize(in.Volatility30d)-p.BaselineVolatility)*p.KVol)

	rate := clamp(sanitize(baseRate+caAdj+liqAdj+volAdj), p.RateCap)
	at := in.At.UTC()
	out.Rate = &model.FundingRate{
		Symbol:                    in.Symbol,
		Rate:                      rate,
		HourlyRate:                rate / model.HoursPerYear,
		MarkPrice:                 in.MarkPrice,
		SpotPrice:                 in.SpotPrice,
		AdjustedSpotPrice:         in.AdjustedSpotPrice,
		Premium:                   premium,
		PremiumPercentage:         premiumPct,
		BaseRate:                  baseRate,
		CorporateActionAdjustment: caAdj,
		LiquidityAdjustment:       liqAdj,
		VolatilityAdjustment:      volAdj,
		CalculatedAt:              at,
		ValidUntil:                at.Add(p.Validity),
	}
	return out, nil
}

// proximity linear in distance; d > 0 is upcoming
func proximity(d, lookback, lookahead time.Duration) float64 {
	window := lookahead
	if d < 0 {
		d = -d
		window = lookback
	}
	if d == 0 {
		return 1
	}
	if window <= 0 || d > window {
		return 0
	}
	return 1 - float64(d)/float64(window)
}

func clamp(v, limit float64) float64 {
	return math.Max(-limit, math.Min(limit, v))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// sanitize NaN is treated as 0; infinities survive and are clamped
func sanitize(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return v
}
