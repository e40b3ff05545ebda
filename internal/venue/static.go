package venue

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/life2you_mini/rwaoracle/internal/model"
)

// Static fixed mark prices and liquidity scores for simulated mode and tests
type Static struct {
	mu               sync.RWMutex
	marks            map[string]float64
	liquidity        map[string]float64
	defaultLiquidity float64
}

var (
	_ MarkPriceSource = (*Static)(nil)
	_ LiquiditySource = (*Static)(nil)
)

// NewStatic defaultLiquidity answers symbols without an explicit score
func NewStatic(defaultLiquidity float64) *Static {
	return &Static{
		marks:            make(map[string]float64),
		liquidity:        make(map[string]float64),
		defaultLiquidity: clamp01(defaultLiquidity),
	}
}

func (s *Static) Name() string { return "static" }

// SetMarkPrice 设置标记价格
func (s *Static) SetMarkPrice(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks[strings.ToUpper(symbol)] = price
}

// SetLiquidity 设置流动性评分
func (s *Static) SetLiquidity(symbol string, score float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.liquidity[strings.ToUpper(symbol)] = clamp01(score)
}

// MarkPrice 标记价格
func (s *Static) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.marks[strings.ToUpper(symbol)]
	if !ok {
		return 0, fmt.Errorf("no mark price for %s: %w", symbol, model.ErrNoDataAvailable)
	}
	return p, nil
}

// LiquidityScore 流动性评分
func (s *Static) LiquidityScore(ctx context.Context, symbol string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.liquidity[strings.ToUpper(symbol)]; ok {
		return v, nil
	}
	return s.defaultLiquidity, nil
}
