package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/life2you_mini/rwaoracle/internal/api"
	"github.com/life2you_mini/rwaoracle/internal/config"
	"github.com/life2you_mini/rwaoracle/internal/corporate"
	"github.com/life2you_mini/rwaoracle/internal/funding"
	"github.com/life2you_mini/rwaoracle/internal/metrics"
	"github.com/life2you_mini/rwaoracle/internal/price"
	"github.com/life2you_mini/rwaoracle/internal/provider"
	"github.com/life2you_mini/rwaoracle/internal/publisher"
	oracleredis "github.com/life2you_mini/rwaoracle/internal/redis"
	"github.com/life2you_mini/rwaoracle/internal/risk"
	"github.com/life2you_mini/rwaoracle/internal/scheduler"
	"github.com/life2you_mini/rwaoracle/internal/storage"
	"github.com/life2you_mini/rwaoracle/internal/storage/memory"
)

// Option 服务构建选项
type Option func(*options)

type options struct {
	providers   []provider.Provider
	chainClient publisher.ChainClient
}

// WithProviders replaces the configured vendors, e.g. with static providers in simulated mode
func WithProviders(providers ...provider.Provider) Option {
	return func(o *options) { o.providers = providers }
}

// WithChainClient replaces the configured chain gateway
func WithChainClient(c publisher.ChainClient) Option {
	return func(o *options) { o.chainClient = c }
}

// OracleService 资金费率预言机服务
type OracleService struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    *config.Config
	logger *zap.Logger

	metrics     *metrics.Metrics
	store       storage.Storage
	redisClient *goredis.Client
	chainClient publisher.ChainClient

	prices     *price.Service
	registry   *corporate.Registry
	adjuster   *corporate.Adjuster
	funding    *funding.Engine
	risk       *risk.Manager
	publishers *publisher.Factory
	scheduler  *scheduler.Scheduler
	api        *api.Server

	wg sync.WaitGroup
}

// NewOracleService 创建预言机服务并装配全部组件
func NewOracleService(parentCtx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*OracleService, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(parentCtx)
	s := &OracleService{
		ctx:     ctx,
		cancel:  cancel,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(),
	}
	if err := s.build(o); err != nil {
		cancel()
		s.closeResources(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *OracleService) build(o options) error {
	cfg, logger := s.cfg, s.logger

	store, err := openStorage(s.ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("初始化存储失败: %w", err)
	}
	s.store = store

	if s.redisClient, err = openRedis(s.ctx, cfg); err != nil {
		return err
	}
	var cache storage.Cache = memory.NewCache()
	var locker scheduler.TickLocker
	if s.redisClient != nil {
		cache = oracleredis.NewCache(s.redisClient, cfg.Redis.KeyPrefix+"cache:")
		locker = scheduler.NewRedisTickLocker(oracleredis.NewLocker(s.redisClient, cfg.Redis.KeyPrefix))
	}

	vendors := o.providers
	if vendors == nil {
		vendors = buildProviders(cfg, logger)
	}
	if len(vendors) == 0 {
		return fmt.Errorf("没有可用的行情供应商")
	}
	priceProviders := make([]provider.PriceProvider, 0, len(vendors))
	actionProviders := make([]provider.CorporateActionProvider, 0, len(vendors))
	for _, v := range vendors {
		priceProviders = append(priceProviders, v)
		actionProviders = append(actionProviders, v)
	}

	marks, liquidity, err := buildVenue(cfg, logger)
	if err != nil {
		return fmt.Errorf("初始化交易所失败: %w", err)
	}

	s.registry = corporate.NewRegistry(actionProviders, store, cache, corporateConfig(cfg), logger, s.metrics)
	s.adjuster = corporate.NewAdjuster(s.registry, store, logger)
	aggregator := price.NewAggregator(priceProviders, aggregatorConfig(cfg), logger, s.metrics)
	s.prices = price.NewService(aggregator, store, s.adjuster, cache, priceConfig(cfg), logger, s.metrics)
	s.funding = funding.NewEngine(s.prices, s.registry, marks, liquidity, store, fundingParams(cfg),
		cfg.Funding.BatchConcurrency, logger, s.metrics)

	riskCfg := riskConfig(cfg)
	if err := riskCfg.Validate(); err != nil {
		return fmt.Errorf("风险配置无效: %w", err)
	}
	s.risk = risk.NewManager(s.prices, s.registry, liquidity, s.funding, store, riskCfg, logger)

	s.chainClient = o.chainClient
	if s.chainClient == nil {
		if s.chainClient, err = publisher.NewChainClient(s.ctx, gatewayConfig(cfg), logger); err != nil {
			return fmt.Errorf("初始化链网关失败: %w", err)
		}
	}
	if s.publishers, err = publisher.CreateFactory(publisherConfig(cfg), s.chainClient, logger, s.metrics); err != nil {
		return err
	}

	s.scheduler = scheduler.NewScheduler(s.funding, s.publishers, s.risk, locker, schedulerConfig(cfg), logger, s.metrics)
	if cfg.Publishing.RefreshActions {
		s.scheduler.SetActionRefresher(s.registry)
	}

	if cfg.HTTP.Enabled {
		s.api = api.NewServer(cfg.HTTP.ListenAddr, s.apiDeps(), logger)
	}
	return nil
}

func (s *OracleService) apiDeps() api.Deps {
	return api.Deps{
		Prices:      s.prices,
		Adjustments: s.adjuster,
		Funding:     s.funding,
		Risk:        s.risk,
		Corporate:   s.registry,
		Publishers:  s.publishers,
		Scheduler:   s.scheduler,
		Health:      s.Health,
		Metrics:     s.metrics,
	}
}

// Prices 价格服务
func (s *OracleService) Prices() *price.Service { return s.prices }

// Corporate 公司行为注册表
func (s *OracleService) Corporate() *corporate.Registry { return s.registry }

// Funding 资金费率引擎
func (s *OracleService) Funding() *funding.Engine { return s.funding }

// Risk 风险管理器
func (s *OracleService) Risk() *risk.Manager { return s.risk }

// Publishers 发布器工厂
func (s *OracleService) Publishers() *publisher.Factory { return s.publishers }

// Scheduler 调度器
func (s *OracleService) Scheduler() *scheduler.Scheduler { return s.scheduler }

// APIServer nil when the HTTP API is disabled
func (s *OracleService) APIServer() *api.Server { return s.api }

// Health storage and Redis reachability
func (s *OracleService) Health(ctx context.Context) error {
	if err := s.store.Health(ctx); err != nil {
		return fmt.Errorf("存储不可用: %w", err)
	}
	if s.redisClient != nil {
		if err := s.redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("Redis不可用: %w", err)
		}
	}
	return nil
}

// PublishOnce 执行一次发布调度
func (s *OracleService) PublishOnce(ctx context.Context) (*scheduler.TickReport, error) {
	return s.scheduler.RunOnce(ctx)
}

// Start 启动服务
func (s *OracleService) Start() {
	s.logger.Info("启动资金费率预言机服务",
		zap.Strings("symbols", s.cfg.Publishing.Symbols),
		zap.String("primary", s.cfg.Publishing.Primary))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.scheduler.Start(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("调度器异常退出", zap.Error(err))
		}
	}()

	if s.api != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.api.Start(); err != nil {
				s.logger.Error("HTTP服务异常退出", zap.Error(err))
			}
		}()
	}
}

// Stop 停止服务; an in-flight tick finishes under its own timeout
func (s *OracleService) Stop(ctx context.Context) error {
	s.logger.Info("停止资金费率预言机服务")

	s.cancel()
	if s.api != nil {
		if err := s.api.Shutdown(ctx); err != nil {
			s.logger.Error("关闭HTTP服务失败", zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		s.logger.Info("所有组件已停止")
	case <-ctx.Done():
		err = fmt.Errorf("等待组件停止超时: %w", ctx.Err())
	}

	s.closeResources(ctx)
	return err
}

func (s *OracleService) closeResources(ctx context.Context) {
	if c, ok := s.chainClient.(interface{ Close() }); ok {
		c.Close()
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Error("关闭Redis连接失败", zap.Error(err))
		}
	}
	if s.store != nil {
		closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.store.Close(closeCtx); err != nil {
			s.logger.Error("关闭存储失败", zap.Error(err))
		}
	}
}
