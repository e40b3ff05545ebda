package publisher

import (
	"context"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/life2you_mini/rwaoracle/internal/model"
)

// RateUpdate the account payload; numeric fields carry the chain's fixed-point encoding
type RateUpdate struct {
	Symbol     string `json:"symbol"`
	RateID     string `json:"rate_id"`
	Rate       string `json:"rate"`
	HourlyRate string `json:"hourly_rate"`
	MarkPrice  string `json:"mark_price"`
	SpotPrice  string `json:"spot_price"`
	Premium    string `json:"premium"`
	Timestamp  int64  `json:"timestamp"`
	ValidUntil int64  `json:"valid_until"`
}

// AccountState 链上账户状态. Data is nil until the first update lands.
type AccountState struct {
	Address       string      `json:"address"`
	Symbol        string      `json:"symbol"`
	Data          *RateUpdate `json:"data,omitempty"`
	TxHash        string      `json:"tx_hash,omitempty"`
	Confirmations int         `json:"confirmations"`
}

// Receipt 交易回执
type Receipt struct {
	TxHash        string `json:"tx_hash"`
	Confirmations int    `json:"confirmations"`
}

// ChainClient signing gateway in front of the oracle programs
type ChainClient interface {
	AccountExists(ctx context.Context, chain model.ProviderType, address string) (bool, error)
	CreateAccount(ctx context.Context, chain model.ProviderType, address, symbol string) (*Receipt, error)
	SubmitUpdate(ctx context.Context, chain model.ProviderType, address string, update *RateUpdate) (*Receipt, error)
	// GetAccount returns model.ErrNotFound for an unknown account
	GetAccount(ctx context.Context, chain model.ProviderType, address string) (*AccountState, error)
}

type codec interface {
	encode(v float64) (string, error)
	decode(s string) (float64, error)
}

// scaledInteger i64 fixed-point with 10^exp units
type scaledInteger struct {
	exp int32
}

var (
	maxInt64 = decimal.NewFromInt(math.MaxInt64)
	minInt64 = decimal.NewFromInt(math.MinInt64)
)

func (c scaledInteger) encode(v float64) (string, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "", fmt.Errorf("cannot encode %v", v)
	}
	d := decimal.NewFromFloat(v).Shift(c.exp).Round(0)
	if d.GreaterThan(maxInt64) || d.LessThan(minInt64) {
		return "", fmt.Errorf("%v overflows i64 at scale 1e%d", v, c.exp)
	}
	return d.String(), nil
}

func (c scaledInteger) decode(s string) (float64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("decode %q: %w", s, err)
	}
	return d.Shift(-c.exp).InexactFloat64(), nil
}

// fixedDecimal decimal string with a fixed number of fractional digits
type fixedDecimal struct {
	places int32
}

func (c fixedDecimal) encode(v float64) (string, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "", fmt.Errorf("cannot encode %v", v)
	}
	return decimal.NewFromFloat(v).StringFixed(c.places), nil
}

func (c fixedDecimal) decode(s string) (float64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("decode %q: %w", s, err)
	}
	return d.InexactFloat64(), nil
}
