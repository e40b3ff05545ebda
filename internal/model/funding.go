package model

import "time"

// HoursPerYear hourly rate divisor
const HoursPerYear = 365 * 24

// FundingRate 资金费率 (append-only; the next calculation supersedes it)
type FundingRate struct {
	ID                        string    `json:"id"`
	Symbol                    string    `json:"symbol"`
	Rate                      float64   `json:"rate"`
	HourlyRate                float64   `json:"hourly_rate"`
	MarkPrice                 float64   `json:"mark_price"`
	SpotPrice                 float64   `json:"spot_price"`
	AdjustedSpotPrice         float64   `json:"adjusted_spot_price"`
	Premium                   float64   `json:"premium"`
	PremiumPercentage         float64   `json:"premium_percentage"`
	BaseRate                  float64   `json:"base_rate"`
	CorporateActionAdjustment float64   `json:"corporate_action_adjustment"`
	LiquidityAdjustment       float64   `json:"liquidity_adjustment"`
	VolatilityAdjustment      float64   `json:"volatility_adjustment"`
	CalculatedAt              time.Time `json:"calculated_at"`
	ValidUntil                time.Time `json:"valid_until"`
	OnChainTransactionHash    string    `json:"on_chain_transaction_hash,omitempty"`
}

// IsExpired a rate past ValidUntil is stale and must be recomputed
func (f *FundingRate) IsExpired(now time.Time) bool {
	return f.ValidUntil.Before(now)
}

// Clone 复制
func (f *FundingRate) Clone() *FundingRate {
	if f == nil {
		return nil
	}
	c := *f
	return &c
}

// FundingRateFactors decomposition of the latest rate and the inputs behind it
type FundingRateFactors struct {
	Symbol                 string           `json:"symbol"`
	FundingRate            *FundingRate     `json:"funding_rate"`
	MarkPriceSource        string           `json:"mark_price_source"`
	LiquidityScore         float64          `json:"liquidity_score"`
	Volatility30d          float64          `json:"volatility_30d"`
	NearestCorporateAction *CorporateAction `json:"nearest_corporate_action,omitempty"`
	DaysToCorporateAction  float64          `json:"days_to_corporate_action,omitempty"`
	HoldRequired           bool             `json:"hold_required"`
}

// FundingRateResult per-symbol status of a batch funding request
type FundingRateResult struct {
	Symbol      string       `json:"symbol"`
	FundingRate *FundingRate `json:"funding_rate,omitempty"`
	Err         error        `json:"-"`
	Error       string       `json:"error,omitempty"`
}

// NewFundingRateResult builds a batch entry from a call outcome
func NewFundingRateResult(symbol string, rate *FundingRate, err error) *FundingRateResult {
	r := &FundingRateResult{Symbol: symbol, FundingRate: rate, Err: err}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}
