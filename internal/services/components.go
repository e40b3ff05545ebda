package services

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/life2you_mini/rwaoracle/internal/config"
	"github.com/life2you_mini/rwaoracle/internal/corporate"
	"github.com/life2you_mini/rwaoracle/internal/funding"
	"github.com/life2you_mini/rwaoracle/internal/model"
	"github.com/life2you_mini/rwaoracle/internal/price"
	"github.com/life2you_mini/rwaoracle/internal/provider"
	"github.com/life2you_mini/rwaoracle/internal/publisher"
	oracleredis "github.com/life2you_mini/rwaoracle/internal/redis"
	"github.com/life2you_mini/rwaoracle/internal/risk"
	"github.com/life2you_mini/rwaoracle/internal/scheduler"
	"github.com/life2you_mini/rwaoracle/internal/storage"
	"github.com/life2you_mini/rwaoracle/internal/storage/memory"
	"github.com/life2you_mini/rwaoracle/internal/storage/postgres"
	"github.com/life2you_mini/rwaoracle/internal/venue"
)

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
func minutes(n int) time.Duration { return time.Duration(n) * time.Minute }
func days(n int) time.Duration    { return time.Duration(n) * 24 * time.Hour }

// openStorage registers the configured implementation and initializes it
func openStorage(ctx context.Context, cfg *config.Config, logger *zap.Logger) (storage.Storage, error) {
	factory := storage.NewStorageFactory()
	factory.Register(storage.StorageTypeInMemory, memory.NewStore())

	if cfg.Storage.Type == storage.StorageTypePostgres {
		pg, err := postgres.Open(postgres.Options{
			Host:           cfg.Postgres.Host,
			Port:           cfg.Postgres.Port,
			Database:       cfg.Postgres.Database,
			User:           cfg.Postgres.User,
			Password:       cfg.Postgres.Password,
			SSLMode:        cfg.Postgres.SSLMode,
			MaxConnections: cfg.Postgres.MaxConnections,
			QueryTimeout:   seconds(cfg.Postgres.QueryTimeoutSeconds),
		}, logger.With(zap.String("component", "postgres")))
		if err != nil {
			return nil, err
		}
		factory.Register(storage.StorageTypePostgres, pg)
	}

	store, err := factory.Get(cfg.Storage.Type)
	if err != nil {
		return nil, err
	}
	if err := store.Initialize(ctx); err != nil {
		return nil, err
	}
	logger.Info("存储已初始化", zap.String("type", cfg.Storage.Type))
	return store, nil
}

// openRedis nil client when Redis is disabled
func openRedis(ctx context.Context, cfg *config.Config) (*goredis.Client, error) {
	if !cfg.Redis.Enabled {
		return nil, nil
	}
	client, err := oracleredis.NewRedisClient(ctx, oracleredis.ClientOptions{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化Redis客户端失败: %w", err)
	}
	return client, nil
}

func providerOptions(p config.ProviderConfig) provider.Options {
	return provider.Options{
		BaseURL:           p.BaseURL,
		APIKey:            p.APIKey,
		Reliability:       p.Reliability,
		RequestsPerSecond: p.RequestsPerSecond,
		Timeout:           seconds(p.TimeoutSeconds),
	}
}

// buildProviders 按配置创建已启用的行情供应商
func buildProviders(cfg *config.Config, logger *zap.Logger) []provider.Provider {
	var out []provider.Provider
	if p := cfg.Providers.AlphaVantage; p.Enabled {
		out = append(out, provider.NewAlphaVantage(providerOptions(p), logger))
	}
	if p := cfg.Providers.Polygon; p.Enabled {
		out = append(out, provider.NewPolygon(providerOptions(p), logger))
	}
	if p := cfg.Providers.Finnhub; p.Enabled {
		out = append(out, provider.NewFinnhub(providerOptions(p), logger))
	}
	return out
}

// buildVenue nil sources when the venue is disabled; the engine then falls back to spot and the default liquidity
func buildVenue(cfg *config.Config, logger *zap.Logger) (venue.MarkPriceSource, venue.LiquiditySource, error) {
	if !cfg.Venue.Enabled {
		return nil, nil, nil
	}
	v, err := venue.NewCCXTVenue(venue.Config{
		Exchange:     cfg.Venue.Exchange,
		APIKey:       cfg.Venue.APIKey,
		APISecret:    cfg.Venue.APISecret,
		Passphrase:   cfg.Venue.Passphrase,
		SymbolFormat: cfg.Venue.SymbolFormat,
		Markets:      cfg.Venue.Markets,
		Timeout:      seconds(cfg.Venue.TimeoutSeconds),
		MaxSpreadBps: cfg.Venue.MaxSpreadBps,
		TargetDepth:  cfg.Venue.TargetDepth,
		DepthLevels:  cfg.Venue.DepthLevels,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	return v, v, nil
}

func aggregatorConfig(cfg *config.Config) price.AggregatorConfig {
	c := price.DefaultAggregatorConfig()
	if cfg.Aggregation.PerClientTimeoutSeconds > 0 {
		c.PerClientTimeout = seconds(cfg.Aggregation.PerClientTimeoutSeconds)
	}
	if cfg.Aggregation.TolerancePercent > 0 {
		c.TolerancePercent = cfg.Aggregation.TolerancePercent
	}
	if cfg.Aggregation.RecencyHalfLifeMinutes > 0 {
		c.RecencyHalfLife = minutes(cfg.Aggregation.RecencyHalfLifeMinutes)
	}
	return c
}

func priceConfig(cfg *config.Config) price.Config {
	return price.Config{
		CacheTTL:         seconds(cfg.Aggregation.PriceCacheTTLSeconds),
		BatchConcurrency: cfg.Aggregation.BatchConcurrency,
	}
}

func corporateConfig(cfg *config.Config) corporate.Config {
	return corporate.Config{
		FetchTimeout: seconds(cfg.Corporate.FetchTimeoutSeconds),
		CacheTTL:     minutes(cfg.Corporate.CacheTTLMinutes),
	}
}

func fundingParams(cfg *config.Config) funding.Params {
	f := cfg.Funding
	return funding.Params{
		KBase:                 f.KBase,
		BaseCap:               f.BaseCap,
		RateCap:               f.RateCap,
		KLiquidity:            f.KLiquidity,
		KVol:                  f.KVol,
		BaselineVolatility:    f.BaselineVolatility,
		CALookback:            days(f.CALookbackDays),
		CALookahead:           days(f.CALookaheadDays),
		CAMaxAdjustment:       f.CAMaxAdjustment,
		Validity:              minutes(f.ValidityMinutes),
		DefaultLiquidityScore: f.DefaultLiquidityScore,
	}
}

func riskConfig(cfg *config.Config) risk.Config {
	r := cfg.Risk
	c := risk.DefaultConfig()
	c.VolatilityThreshold = r.VolatilityThreshold
	c.LiquidityThreshold = r.LiquidityThreshold
	c.PriceGapPercent = r.PriceGapPercent
	c.CAWindow = days(r.CAWindowDays)
	c.BaselineLeverage = r.BaselineLeverage
	c.MinLeverage = r.MinLeverage
	c.MaxLeverage = r.MaxLeverage
	if r.LeverageSensitivity > 0 {
		c.LeverageSensitivity = r.LeverageSensitivity
	}
	c.HysteresisPercent = r.HysteresisPercent
	if r.RecommendationValidityHours > 0 {
		c.RecommendationValidity = time.Duration(r.RecommendationValidityHours) * time.Hour
	}
	c.RecedeScore = r.RecedeScore
	c.RateCap = cfg.Funding.RateCap
	return c
}

func gatewayConfig(cfg *config.Config) publisher.GatewayConfig {
	return publisher.GatewayConfig{
		Mode:    cfg.Publishing.Gateway.Mode,
		URL:     cfg.Publishing.Gateway.URL,
		Timeout: seconds(cfg.Publishing.Gateway.TimeoutSeconds),
	}
}

func publisherConfig(cfg *config.Config) publisher.Config {
	p := cfg.Publishing
	return publisher.Config{
		Primary:     model.ProviderType(p.Primary),
		Concurrency: p.MaxConcurrency,
		Gateway:     gatewayConfig(cfg),
		Solana:      publisher.SolanaConfig{Enabled: p.Chains.Solana.Enabled, ProgramID: p.Chains.Solana.ProgramID},
		Radix: publisher.RadixConfig{
			Enabled: p.Chains.Radix.Enabled,
			Network: p.Chains.Radix.Network,
			Package: p.Chains.Radix.Package,
		},
	}
}

func schedulerConfig(cfg *config.Config) scheduler.Config {
	p := cfg.Publishing
	return scheduler.Config{
		Symbols:        p.Symbols,
		Interval:       minutes(p.IntervalMinutes),
		PublishToAll:   p.PublishToAll,
		MaxConcurrency: p.MaxConcurrency,
		TickTimeout:    minutes(p.TickTimeoutMinutes),
	}
}
