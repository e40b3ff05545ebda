package risk

import (
	"math"
	"time"

	"github.com/life2you_mini/rwaoracle/internal/model"
)

// ActionWeight 公司行为类型的风险权重
// 合并/分拆改变标的本身, 权重最高
func ActionWeight(t model.CorporateActionType) float64 {
	switch t {
	case model.CorporateActionMerger, model.CorporateActionSpinOff:
		return 1.0
	case model.CorporateActionSplit:
		return 0.6
	case model.CorporateActionDividend:
		return 0.4
	}
	return 0
}

// CorporateActionImpact weight × linear proximity, 0 outside ±window
func CorporateActionImpact(t model.CorporateActionType, effective, at time.Time, window time.Duration) float64 {
	d := effective.Sub(at)
	if d < 0 {
		d = -d
	}
	if window <= 0 || d > window {
		return 0
	}
	return clamp01(ActionWeight(t) * (1 - float64(d)/float64(window)))
}

// VolatilityImpact 波动率超过阈值的程度, 阈值两倍时为1
func VolatilityImpact(volatility, threshold float64) float64 {
	if threshold <= 0 || volatility <= threshold {
		return 0
	}
	return clamp01((volatility - threshold) / threshold)
}

// LiquidityImpact 流动性低于阈值的程度
func LiquidityImpact(score, threshold float64) float64 {
	if threshold <= 0 || score >= threshold {
		return 0
	}
	return clamp01((threshold - score) / threshold)
}

// PriceGapImpact gap and gapPercent share units; a gap of twice the threshold scores 1
func PriceGapImpact(gap, gapPercent float64) float64 {
	if gapPercent <= 0 || gap <= gapPercent {
		return 0
	}
	return clamp01(gap / (2 * gapPercent))
}

// FundingRateImpact 资金费率占上限的比例
func FundingRateImpact(rate, rateCap float64) float64 {
	if rateCap <= 0 {
		return 0
	}
	return clamp01(math.Abs(rate) / rateCap)
}

// RiskScore 1 − Π(1 − impact): independent factors compound, result stays in [0,1]
func RiskScore(impacts ...float64) float64 {
	survive := 1.0
	for _, i := range impacts {
		survive *= 1 - clamp01(i)
	}
	return clamp01(1 - survive)
}

// RecommendedLeverage baseline / (1 + sensitivity × score), clamped to [min, max]
func RecommendedLeverage(baseline, sensitivity, score, minLeverage, maxLeverage float64) float64 {
	lev := baseline / (1 + math.Max(0, sensitivity)*clamp01(score))
	return math.Max(minLeverage, math.Min(maxLeverage, lev))
}

// MergeWindows folds src into dst: union of the spans, higher level, union of factors.
// Factors with the same type and effective date keep the higher impact.
func MergeWindows(dst, src *model.RiskWindow) *model.RiskWindow {
	out := dst.Clone()
	if src.StartDate.Before(out.StartDate) {
		out.StartDate = src.StartDate
	}
	if src.EndDate.After(out.EndDate) {
		out.EndDate = src.EndDate
	}
	out.Level = model.MaxRiskLevel(out.Level, src.Level)

	index := make(map[string]int, len(out.Factors))
	for i, f := range out.Factors {
		index[factorKey(f)] = i
	}
	for _, f := range src.Factors {
		f.RiskWindowID = out.ID
		if i, ok := index[factorKey(f)]; ok {
			if f.Impact > out.Factors[i].Impact {
				f.ID = out.Factors[i].ID
				out.Factors[i] = f
			}
			continue
		}
		index[factorKey(f)] = len(out.Factors)
		out.Factors = append(out.Factors, f)
	}
	out.Level = model.MaxRiskLevel(out.Level, model.LevelForImpact(out.MaxImpact()))
	return out
}

func factorKey(f model.RiskFactor) string {
	return string(f.Type) + "|" + f.EffectiveDate.UTC().Format(time.RFC3339)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
