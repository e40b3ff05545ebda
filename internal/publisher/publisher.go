// Package publisher writes funding rates to on-chain oracle accounts and reads them back.
package publisher

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/life2you_mini/rwaoracle/internal/metrics"
	"github.com/life2you_mini/rwaoracle/internal/model"
)

// Publisher 链上发布接口
type Publisher interface {
	// ProviderType 链类型
	ProviderType() model.ProviderType

	// 发布相关
	PublishFundingRate(ctx context.Context, rate *model.FundingRate) (*model.PublishResult, error)
	PublishBatch(ctx context.Context, rates []*model.FundingRate) ([]*model.PublishResult, error)

	// 读取相关
	ReadFundingRate(ctx context.Context, symbol string) (*model.OnChainFundingRate, error)
	ReadBatch(ctx context.Context, symbols []string) (map[string]*model.OnChainRateResult, error)

	// 账户相关
	InitializeAccount(ctx context.Context, symbol string) (string, error)
	IsAccountInitialized(ctx context.Context, symbol string) (bool, error)
	GetAccountAddress(symbol string) string
}

// GatewayConfig 链网关配置
type GatewayConfig struct {
	Mode    string // rpc | simulated
	URL     string
	Timeout time.Duration
}

// 网关模式
const (
	GatewayModeRPC       = "rpc"
	GatewayModeSimulated = "simulated"
)

// SolanaConfig Solana配置
type SolanaConfig struct {
	Enabled   bool
	ProgramID string
}

// RadixConfig Radix配置
type RadixConfig struct {
	Enabled bool
	Network string
	Package string
}

// Config 发布器配置
type Config struct {
	Primary     model.ProviderType
	Concurrency int
	Gateway     GatewayConfig
	Solana      SolanaConfig
	Radix       RadixConfig
}

// Factory 发布器工厂
type Factory struct {
	mu         sync.RWMutex
	publishers map[model.ProviderType]Publisher
	primary    model.ProviderType
}

// NewFactory 创建发布器工厂
func NewFactory(primary model.ProviderType) *Factory {
	return &Factory{
		publishers: make(map[model.ProviderType]Publisher),
		primary:    primary,
	}
}

// Register 注册发布器
func (f *Factory) Register(p Publisher) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishers[p.ProviderType()] = p
}

// Get 根据链类型获取发布器
func (f *Factory) Get(t model.ProviderType) (Publisher, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.publishers[t]
	if !ok {
		return nil, fmt.Errorf("chain %s: %w", t, model.ErrProviderNotConfigured)
	}
	return p, nil
}

// GetPrimaryPublisher 主发布器
func (f *Factory) GetPrimaryPublisher() (Publisher, error) {
	return f.Get(f.primary)
}

// Primary 主链类型
func (f *Factory) Primary() model.ProviderType {
	return f.primary
}

// GetAllPublishers 所有发布器, 按链类型排序
func (f *Factory) GetAllPublishers() []Publisher {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Publisher, 0, len(f.publishers))
	for _, p := range f.publishers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderType() < out[j].ProviderType() })
	return out
}

// IsProviderAvailable 链是否已配置
func (f *Factory) IsProviderAvailable(t model.ProviderType) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.publishers[t]
	return ok
}

// CreateFactory 创建发布器工厂并注册所有启用的链
func CreateFactory(cfg Config, client ChainClient, logger *zap.Logger, m *metrics.Metrics) (*Factory, error) {
	factory := NewFactory(cfg.Primary)

	if cfg.Solana.Enabled {
		factory.Register(NewSolanaPublisher(cfg.Solana, client, cfg.Concurrency, logger, m))
		logger.Info("Solana发布器已注册", zap.String("program_id", cfg.Solana.ProgramID))
	}
	if cfg.Radix.Enabled {
		factory.Register(NewRadixPublisher(cfg.Radix, client, cfg.Concurrency, logger, m))
		logger.Info("Radix发布器已注册", zap.String("network", cfg.Radix.Network))
	}

	if len(factory.publishers) > 0 && !factory.IsProviderAvailable(cfg.Primary) {
		return nil, fmt.Errorf("primary chain %q is not enabled: %w", cfg.Primary, model.ErrProviderNotConfigured)
	}
	return factory, nil
}

// NewChainClient 按网关模式创建链客户端
func NewChainClient(ctx context.Context, cfg GatewayConfig, logger *zap.Logger) (ChainClient, error) {
	switch cfg.Mode {
	case GatewayModeRPC:
		client, err := DialRPCChainClient(ctx, cfg.URL, cfg.Timeout)
		if err != nil {
			return nil, err
		}
		logger.Info("已连接链网关", zap.String("url", cfg.URL))
		return client, nil
	case GatewayModeSimulated, "":
		logger.Warn("使用模拟链网关, 发布不会上链")
		return NewSimulatedChain(), nil
	}
	return nil, fmt.Errorf("unknown gateway mode %q", cfg.Mode)
}
