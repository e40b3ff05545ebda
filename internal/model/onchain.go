package model

import "time"

// ProviderType 区块链类型
type ProviderType string

// 支持的链
const (
	ProviderSolana ProviderType = "solana"
	ProviderRadix  ProviderType = "radix"
)

// OnChainFundingRate the publisher-side view of a stored rate
type OnChainFundingRate struct {
	Symbol          string       `json:"symbol"`
	ProviderType    ProviderType `json:"provider_type"`
	Rate            float64      `json:"rate"`
	HourlyRate      float64      `json:"hourly_rate"`
	MarkPrice       float64      `json:"mark_price"`
	SpotPrice       float64      `json:"spot_price"`
	Premium         float64      `json:"premium"`
	LastUpdated     time.Time    `json:"last_updated"`
	ValidUntil      time.Time    `json:"valid_until"`
	TransactionHash string       `json:"transaction_hash"`
	AccountAddress  string       `json:"account_address"`
	Confirmations   int          `json:"confirmations"`
}

// OnChainRateResult per-symbol status of a batch on-chain read
type OnChainRateResult struct {
	Symbol string              `json:"symbol"`
	Rate   *OnChainFundingRate `json:"rate,omitempty"`
	Err    error               `json:"-"`
	Error  string              `json:"error,omitempty"`
}

// NewOnChainRateResult builds a batch entry from a read outcome
func NewOnChainRateResult(symbol string, rate *OnChainFundingRate, err error) *OnChainRateResult {
	r := &OnChainRateResult{Symbol: symbol, Rate: rate, Err: err}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// PublishResult outcome of one publish call
type PublishResult struct {
	Success         bool         `json:"success"`
	TransactionHash string       `json:"transaction_hash,omitempty"`
	AccountAddress  string       `json:"account_address,omitempty"`
	PublishedAt     time.Time    `json:"published_at"`
	ErrorMessage    string       `json:"error_message,omitempty"`
	Confirmations   int          `json:"confirmations"`
	ProviderType    ProviderType `json:"provider_type"`
}
