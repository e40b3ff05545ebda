package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/life2you_mini/rwaoracle/internal/model"
)

// MockMarketSource 行情数据的模拟实现
type MockMarketSource struct {
	mock.Mock
}

// Volatility30d 30日波动率的模拟实现
func (m *MockMarketSource) Volatility30d(ctx context.Context, symbol string) (float64, error) {
	args := m.Called(ctx, symbol)
	return args.Get(0).(float64), args.Error(1)
}

// MaxDailyGap 最大单日跳空的模拟实现
func (m *MockMarketSource) MaxDailyGap(ctx context.Context, symbol string, at time.Time, lookback time.Duration) (float64, time.Time, error) {
	args := m.Called(ctx, symbol, at, lookback)
	return args.Get(0).(float64), args.Get(1).(time.Time), args.Error(2)
}

// MockActionLister 公司行为列表的模拟实现
type MockActionLister struct {
	mock.Mock
}

// ListCorporateActions 列出公司行为的模拟实现
func (m *MockActionLister) ListCorporateActions(ctx context.Context, symbol string) ([]*model.CorporateAction, error) {
	args := m.Called(ctx, symbol)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.CorporateAction), args.Error(1)
}

// MockFundingSource 资金费率查询的模拟实现
type MockFundingSource struct {
	mock.Mock
}

// GetCurrentFundingRate 当前资金费率的模拟实现
func (m *MockFundingSource) GetCurrentFundingRate(ctx context.Context, symbol string) (*model.FundingRate, error) {
	args := m.Called(ctx, symbol)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.FundingRate), args.Error(1)
}

// MockLiquiditySource 流动性评分的模拟实现
type MockLiquiditySource struct {
	mock.Mock
}

// LiquidityScore 流动性评分的模拟实现
func (m *MockLiquiditySource) LiquidityScore(ctx context.Context, symbol string) (float64, error) {
	args := m.Called(ctx, symbol)
	return args.Get(0).(float64), args.Error(1)
}

// AttachTransactionHash 记录交易哈希的模拟实现
func (m *MockFundingSource) AttachTransactionHash(ctx context.Context, rateID, txHash string) error {
	args := m.Called(ctx, rateID, txHash)
	return args.Error(0)
}
