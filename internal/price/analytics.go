package price

import (
	"math"
	"sort"
	"time"

	"github.com/life2you_mini/rwaoracle/internal/model"
)

// TradingDaysPerYear annualization factor for daily returns
const TradingDaysPerYear = 252

// DailyClose last observation of one UTC day
type DailyClose struct {
	Day   time.Time
	Price float64
}

// DailyCloses collapses observations to one per day, the latest of each day, oldest first
func DailyCloses(prices []*model.EquityPrice) []DailyClose {
	byDay := make(map[time.Time]*model.EquityPrice, len(prices))
	for _, p := range prices {
		if !(p.AdjustedPrice > 0) {
			continue
		}
		d := model.Day(p.PriceDate)
		if cur, ok := byDay[d]; !ok || !p.PriceDate.Before(cur.PriceDate) {
			byDay[d] = p
		}
	}
	out := make([]DailyClose, 0, len(byDay))
	for d, p := range byDay {
		out = append(out, DailyClose{Day: d, Price: p.AdjustedPrice})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out
}

// AnnualizedVolatility sample stdev of daily log returns × √252; 0 with fewer than two returns
func AnnualizedVolatility(closes []DailyClose) float64 {
	if len(closes) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		returns = append(returns, math.Log(closes[i].Price/closes[i-1].Price))
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var ss float64
	for _, r := range returns {
		ss += (r - mean) * (r - mean)
	}
	return math.Sqrt(ss/float64(len(returns)-1)) * math.Sqrt(TradingDaysPerYear)
}

// MaxDailyGap largest |close_t / close_t-1 − 1| and the day it landed on
func MaxDailyGap(closes []DailyClose) (float64, time.Time) {
	var gap float64
	var at time.Time
	for i := 1; i < len(closes); i++ {
		g := math.Abs(closes[i].Price/closes[i-1].Price - 1)
		if g > gap {
			gap, at = g, closes[i].Day
		}
	}
	return gap, at
}
