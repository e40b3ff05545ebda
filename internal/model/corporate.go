package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CorporateActionType 公司行为类型
type CorporateActionType string

const (
	CorporateActionSplit    CorporateActionType = "SPLIT"
	CorporateActionDividend CorporateActionType = "DIVIDEND"
	CorporateActionMerger   CorporateActionType = "MERGER"
	CorporateActionSpinOff  CorporateActionType = "SPINOFF"
)

// Valid reports whether t is a known action type
func (t CorporateActionType) Valid() bool {
	switch t {
	case CorporateActionSplit, CorporateActionDividend, CorporateActionMerger, CorporateActionSpinOff:
		return true
	}
	return false
}

// IsDiscontinuity mergers and spin-offs change the instrument itself and cannot be expressed as a factor
func (t CorporateActionType) IsDiscontinuity() bool {
	return t == CorporateActionMerger || t == CorporateActionSpinOff
}

// DataSourceManual marks records entered by an administrator
const DataSourceManual = "manual"

// CorporateAction one declared event affecting price continuity for a symbol.
//
// SplitRatio is new shares per old share (2 for a 2-for-1 split). Exactly one of
// SplitRatio, DividendAmount or (AcquiringSymbol, ExchangeRatio) is populated.
type CorporateAction struct {
	ID               string              `json:"id"`
	Symbol           string              `json:"symbol"`
	Type             CorporateActionType `json:"type"`
	ExDate           time.Time           `json:"ex_date"`
	RecordDate       time.Time           `json:"record_date"`
	EffectiveDate    time.Time           `json:"effective_date"`
	SplitRatio       *decimal.Decimal    `json:"split_ratio,omitempty"`
	DividendAmount   *decimal.Decimal    `json:"dividend_amount,omitempty"`
	DividendCurrency string              `json:"dividend_currency,omitempty"`
	AcquiringSymbol  string              `json:"acquiring_symbol,omitempty"`
	ExchangeRatio    *decimal.Decimal    `json:"exchange_ratio,omitempty"`
	DataSource       string              `json:"data_source"`
	ExternalID       string              `json:"external_id,omitempty"`
	Sources          []string            `json:"sources"`
	IsVerified       bool                `json:"is_verified"`
	SupersededBy     string              `json:"superseded_by,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
}

// Validate checks the payload matches the type
func (a *CorporateAction) Validate() error {
	if a.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidCorporateAction)
	}
	if !a.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidCorporateAction, a.Type)
	}
	if a.EffectiveDate.IsZero() {
		return fmt.Errorf("%w: effective date is required", ErrInvalidCorporateAction)
	}

	hasSplit := a.SplitRatio != nil
	hasDividend := a.DividendAmount != nil
	hasMerger := a.AcquiringSymbol != "" || a.ExchangeRatio != nil

	switch a.Type {
	case CorporateActionSplit:
		if !hasSplit || hasDividend || hasMerger {
			return fmt.Errorf("%w: split requires only split_ratio", ErrInvalidCorporateAction)
		}
		if !a.SplitRatio.IsPositive() {
			return fmt.Errorf("%w: split_ratio must be positive", ErrInvalidCorporateAction)
		}
	case CorporateActionDividend:
		if !hasDividend || hasSplit || hasMerger {
			return fmt.Errorf("%w: dividend requires only dividend_amount", ErrInvalidCorporateAction)
		}
		if !a.DividendAmount.IsPositive() {
			return fmt.Errorf("%w: dividend_amount must be positive", ErrInvalidCorporateAction)
		}
	default:
		if hasSplit || hasDividend || a.AcquiringSymbol == "" || a.ExchangeRatio == nil {
			return fmt.Errorf("%w: %s requires acquiring_symbol and exchange_ratio", ErrInvalidCorporateAction, strings.ToLower(string(a.Type)))
		}
		if !a.ExchangeRatio.IsPositive() {
			return fmt.Errorf("%w: exchange_ratio must be positive", ErrInvalidCorporateAction)
		}
	}
	return nil
}

// ValueKey the economic payload used for deduplication across vendors
func (a *CorporateAction) ValueKey() string {
	switch {
	case a.SplitRatio != nil:
		return "ratio=" + a.SplitRatio.String()
	case a.DividendAmount != nil:
		return "amount=" + a.DividendAmount.String()
	case a.ExchangeRatio != nil:
		return "acq=" + strings.ToUpper(a.AcquiringSymbol) + ":" + a.ExchangeRatio.String()
	case a.ExternalID != "":
		return "ext=" + a.ExternalID
	}
	return ""
}

// DedupKey (symbol, type, effectiveDate, ratio-or-amount-or-externalId)
func (a *CorporateAction) DedupKey() string {
	return a.ConflictKey() + "|" + a.ValueKey()
}

// ConflictKey groups records that describe the same event, whatever their payload
func (a *CorporateAction) ConflictKey() string {
	return fmt.Sprintf("%s|%s|%s", strings.ToUpper(a.Symbol), a.Type, Day(a.EffectiveDate).Format(DateLayout))
}

// PriceMultiplier the factor applied to prices before a split (0.5 for 2-for-1)
func (a *CorporateAction) PriceMultiplier() float64 {
	if a.SplitRatio == nil || !a.SplitRatio.IsPositive() {
		return 1
	}
	return decimal.NewFromInt(1).Div(*a.SplitRatio).InexactFloat64()
}

// HasSource 是否已经包含该数据源
func (a *CorporateAction) HasSource(source string) bool {
	for _, s := range a.Sources {
		if s == source {
			return true
		}
	}
	return false
}

// Clone deep copies the action so stores never share mutable state with callers
func (a *CorporateAction) Clone() *CorporateAction {
	if a == nil {
		return nil
	}
	c := *a
	c.Sources = append([]string(nil), a.Sources...)
	return &c
}

// AdjustmentRecord one audit entry of GetAdjustmentHistory
type AdjustmentRecord struct {
	CorporateAction  *CorporateAction `json:"corporate_action"`
	PriceBefore      float64          `json:"price_before"`
	PriceAfter       float64          `json:"price_after"`
	AdjustmentFactor float64          `json:"adjustment_factor"`
	AppliedAt        time.Time        `json:"applied_at"`
	Discontinuity    bool             `json:"discontinuity,omitempty"`
}

// AmbiguousCorporateAction conflicting records for the same event that stay unverified
type AmbiguousCorporateAction struct {
	Symbol        string              `json:"symbol"`
	Type          CorporateActionType `json:"type"`
	EffectiveDate time.Time           `json:"effective_date"`
	Candidates    []*CorporateAction  `json:"candidates"`
}

// DateLayout 日期格式
const DateLayout = "2006-01-02"

// Day truncates t to UTC midnight
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD vendor date
func ParseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.ParseInLocation(DateLayout, s, time.UTC)
}
