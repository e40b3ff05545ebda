package model

import "time"

// RiskLevel 风险等级
type RiskLevel string

const (
	RiskLevelLow      RiskLevel = "LOW"
	RiskLevelMedium   RiskLevel = "MEDIUM"
	RiskLevelHigh     RiskLevel = "HIGH"
	RiskLevelCritical RiskLevel = "CRITICAL"
)

// Rank orders levels, higher is riskier
func (l RiskLevel) Rank() int {
	switch l {
	case RiskLevelCritical:
		return 3
	case RiskLevelHigh:
		return 2
	case RiskLevelMedium:
		return 1
	}
	return 0
}

// MaxRiskLevel returns the riskier of two levels
func MaxRiskLevel(a, b RiskLevel) RiskLevel {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// LevelForImpact maps an impact in [0,1] onto the fixed bands
func LevelForImpact(impact float64) RiskLevel {
	switch {
	case impact >= 0.75:
		return RiskLevelCritical
	case impact >= 0.5:
		return RiskLevelHigh
	case impact >= 0.25:
		return RiskLevelMedium
	}
	return RiskLevelLow
}

// RiskFactorType 风险因子类型
type RiskFactorType string

const (
	RiskFactorCorporateActionProximity RiskFactorType = "CORPORATE_ACTION_PROXIMITY"
	RiskFactorHighVolatility           RiskFactorType = "HIGH_VOLATILITY"
	RiskFactorLowLiquidity             RiskFactorType = "LOW_LIQUIDITY"
	RiskFactorPriceGap                 RiskFactorType = "PRICE_GAP"
)

// RiskFactor one contributor to a RiskWindow
type RiskFactor struct {
	ID            string         `json:"id"`
	RiskWindowID  string         `json:"risk_window_id"`
	Type          RiskFactorType `json:"type"`
	Description   string         `json:"description"`
	Impact        float64        `json:"impact"`
	EffectiveDate time.Time      `json:"effective_date"`
	Details       string         `json:"details,omitempty"`
}

// RiskWindow a time-bounded elevated-risk interval
type RiskWindow struct {
	ID        string       `json:"id"`
	Symbol    string       `json:"symbol"`
	Level     RiskLevel    `json:"level"`
	StartDate time.Time    `json:"start_date"`
	EndDate   time.Time    `json:"end_date"`
	Factors   []RiskFactor `json:"factors"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// IsActive startDate ≤ at ≤ endDate
func (w *RiskWindow) IsActive(at time.Time) bool {
	return !at.Before(w.StartDate) && !at.After(w.EndDate)
}

// Overlaps reports whether [start, end] intersects the window
func (w *RiskWindow) Overlaps(start, end time.Time) bool {
	return !start.After(w.EndDate) && !end.Before(w.StartDate)
}

// MaxImpact 最大影响
func (w *RiskWindow) MaxImpact() float64 {
	maxImpact := 0.0
	for _, f := range w.Factors {
		if f.Impact > maxImpact {
			maxImpact = f.Impact
		}
	}
	return maxImpact
}

// Clone 复制
func (w *RiskWindow) Clone() *RiskWindow {
	if w == nil {
		return nil
	}
	c := *w
	c.Factors = append([]RiskFactor(nil), w.Factors...)
	return &c
}

// RecommendationAction 建议动作
type RecommendationAction string

const (
	ActionDeleverage       RecommendationAction = "DELEVERAGE"
	ActionReturnToBaseline RecommendationAction = "RETURN_TO_BASELINE"
	ActionHold             RecommendationAction = "HOLD"
)

// RiskRecommendation actionable output; immutable once acknowledged except the acknowledgement fields
type RiskRecommendation struct {
	ID                  string               `json:"id"`
	Symbol              string               `json:"symbol"`
	PositionID          string               `json:"position_id,omitempty"`
	Action              RecommendationAction `json:"action"`
	CurrentLeverage     float64              `json:"current_leverage"`
	TargetLeverage      float64              `json:"target_leverage"`
	ReductionPercentage *float64             `json:"reduction_percentage,omitempty"`
	IncreasePercentage  *float64             `json:"increase_percentage,omitempty"`
	Reason              string               `json:"reason"`
	Priority            int                  `json:"priority"`
	RecommendedBy       time.Time            `json:"recommended_by"`
	ValidUntil          *time.Time           `json:"valid_until,omitempty"`
	Acknowledged        bool                 `json:"acknowledged"`
	AcknowledgedAt      *time.Time           `json:"acknowledged_at,omitempty"`
	AcknowledgedBy      string               `json:"acknowledged_by,omitempty"`
}

// IsOpen not acknowledged and not expired
func (r *RiskRecommendation) IsOpen(now time.Time) bool {
	if r.Acknowledged {
		return false
	}
	return r.ValidUntil == nil || !r.ValidUntil.Before(now)
}

// Clone 复制
func (r *RiskRecommendation) Clone() *RiskRecommendation {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// Position the leverage of a holder, supplied by the caller
type Position struct {
	ID       string  `json:"id"`
	Symbol   string  `json:"symbol"`
	Leverage float64 `json:"leverage"`
	Size     float64 `json:"size,omitempty"`
}

// RiskAssessment window + funding rate + leverage for one symbol
type RiskAssessment struct {
	Symbol              string       `json:"symbol"`
	Level               RiskLevel    `json:"level"`
	RiskScore           float64      `json:"risk_score"`
	Window              *RiskWindow  `json:"window,omitempty"`
	FundingRate         *FundingRate `json:"funding_rate,omitempty"`
	FundingRateImpact   float64      `json:"funding_rate_impact"`
	PositionID          string       `json:"position_id,omitempty"`
	CurrentLeverage     float64      `json:"current_leverage"`
	RecommendedLeverage float64      `json:"recommended_leverage"`
	HoldRequired        bool         `json:"hold_required"`
	AssessedAt          time.Time    `json:"assessed_at"`
}

// RiskAssessmentResult per-symbol status of a batch assessment
type RiskAssessmentResult struct {
	Symbol     string          `json:"symbol"`
	Assessment *RiskAssessment `json:"assessment,omitempty"`
	Err        error           `json:"-"`
	Error      string          `json:"error,omitempty"`
}

// NewRiskAssessmentResult builds a batch entry from a call outcome
func NewRiskAssessmentResult(symbol string, a *RiskAssessment, err error) *RiskAssessmentResult {
	r := &RiskAssessmentResult{Symbol: symbol, Assessment: a, Err: err}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}
