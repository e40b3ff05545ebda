package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/life2you_mini/rwaoracle/internal/model"
	"github.com/life2you_mini/rwaoracle/internal/publisher"
)

// MockChainClient 链网关的模拟实现
type MockChainClient struct {
	mock.Mock
}

// AccountExists 账户是否存在的模拟实现
func (m *MockChainClient) AccountExists(ctx context.Context, chain model.ProviderType, address string) (bool, error) {
	args := m.Called(ctx, chain, address)
	return args.Bool(0), args.Error(1)
}

// CreateAccount 创建账户的模拟实现
func (m *MockChainClient) CreateAccount(ctx context.Context, chain model.ProviderType, address, symbol string) (*publisher.Receipt, error) {
	args := m.Called(ctx, chain, address, symbol)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*publisher.Receipt), args.Error(1)
}

// SubmitUpdate 提交资金费率的模拟实现
func (m *MockChainClient) SubmitUpdate(ctx context.Context, chain model.ProviderType, address string, update *publisher.RateUpdate) (*publisher.Receipt, error) {
	args := m.Called(ctx, chain, address, update)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*publisher.Receipt), args.Error(1)
}

// GetAccount 读取账户的模拟实现
func (m *MockChainClient) GetAccount(ctx context.Context, chain model.ProviderType, address string) (*publisher.AccountState, error) {
	args := m.Called(ctx, chain, address)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*publisher.AccountState), args.Error(1)
}

// MockPublisher 发布器的模拟实现
type MockPublisher struct {
	mock.Mock
}

// ProviderType 链类型的模拟实现
func (m *MockPublisher) ProviderType() model.ProviderType {
	args := m.Called()
	return args.Get(0).(model.ProviderType)
}

// PublishFundingRate 发布资金费率的模拟实现
func (m *MockPublisher) PublishFundingRate(ctx context.Context, rate *model.FundingRate) (*model.PublishResult, error) {
	args := m.Called(ctx, rate)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.PublishResult), args.Error(1)
}

// PublishBatch 批量发布的模拟实现
func (m *MockPublisher) PublishBatch(ctx context.Context, rates []*model.FundingRate) ([]*model.PublishResult, error) {
	args := m.Called(ctx, rates)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.PublishResult), args.Error(1)
}

// ReadFundingRate 读取资金费率的模拟实现
func (m *MockPublisher) ReadFundingRate(ctx context.Context, symbol string) (*model.OnChainFundingRate, error) {
	args := m.Called(ctx, symbol)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.OnChainFundingRate), args.Error(1)
}

// ReadBatch 批量读取的模拟实现
func (m *MockPublisher) ReadBatch(ctx context.Context, symbols []string) (map[string]*model.OnChainRateResult, error) {
	args := m.Called(ctx, symbols)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]*model.OnChainRateResult), args.Error(1)
}

// InitializeAccount 初始化账户的模拟实现
func (m *MockPublisher) InitializeAccount(ctx context.Context, symbol string) (string, error) {
	args := m.Called(ctx, symbol)
	return args.String(0), args.Error(1)
}

// IsAccountInitialized 账户是否初始化的模拟实现
func (m *MockPublisher) IsAccountInitialized(ctx context.Context, symbol string) (bool, error) {
	args := m.Called(ctx, symbol)
	return args.Bool(0), args.Error(1)
}

// GetAccountAddress 账户地址的模拟实现
func (m *MockPublisher) GetAccountAddress(symbol string) string {
	args := m.Called(symbol)
	return args.String(0)
}
