package model

import "time"

// SourceQuote one provider's contribution to an aggregated price
type SourceQuote struct {
	Provider    string    `json:"provider"`
	Price       float64   `json:"price"`
	Reliability float64   `json:"reliability"`
	Weight      float64   `json:"weight"`
	AsOf        time.Time `json:"as_of"`
	WithinBand  bool      `json:"within_band"`
}

// EquityPrice point-in-time observation. AdjustedPrice = RawPrice × adjustmentFactor(PriceDate, now).
type EquityPrice struct {
	ID              string        `json:"id"`
	Symbol          string        `json:"symbol"`
	RawPrice        float64       `json:"raw_price"`
	AdjustedPrice   float64       `json:"adjusted_price"`
	Confidence      float64       `json:"confidence"`
	PriceDate       time.Time     `json:"price_date"`
	Source          string        `json:"source"`
	SourceBreakdown []SourceQuote `json:"source_breakdown,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}

// Clone 复制价格
func (p *EquityPrice) Clone() *EquityPrice {
	if p == nil {
		return nil
	}
	c := *p
	c.SourceBreakdown = append([]SourceQuote(nil), p.SourceBreakdown...)
	return &c
}

// PriceResult per-symbol status of a batch price request
type PriceResult struct {
	Symbol string       `json:"symbol"`
	Price  *EquityPrice `json:"price,omitempty"`
	Err    error        `json:"-"`
	Error  string       `json:"error,omitempty"`
}

// NewPriceResult builds a batch entry from a call outcome
func NewPriceResult(symbol string, price *EquityPrice, err error) *PriceResult {
	r := &PriceResult{Symbol: symbol, Price: price, Err: err}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}
