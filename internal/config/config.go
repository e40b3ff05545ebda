package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix 环境变量前缀，如 RWAORACLE_FUNDING_K_BASE
const EnvPrefix = "RWAORACLE"

// Config 应用配置结构
type Config struct {
	Providers   ProvidersConfig   `mapstructure:"providers" yaml:"providers"`
	Venue       VenueConfig       `mapstructure:"venue" yaml:"venue"`
	Aggregation AggregationConfig `mapstructure:"aggregation" yaml:"aggregation"`
	Corporate   CorporateConfig   `mapstructure:"corporate" yaml:"corporate"`
	Funding     FundingConfig     `mapstructure:"funding" yaml:"funding"`
	Risk        RiskConfig        `mapstructure:"risk" yaml:"risk"`
	Publishing  PublishingConfig  `mapstructure:"publishing" yaml:"publishing"`
	Storage     StorageConfig     `mapstructure:"storage" yaml:"storage"`
	Redis       RedisConfig       `mapstructure:"redis" yaml:"redis"`
	Postgres    PostgresConfig    `mapstructure:"postgres" yaml:"postgres"`
	HTTP        HTTPConfig        `mapstructure:"http" yaml:"http"`
	System      SystemConfig      `mapstructure:"system" yaml:"system"`
}

// ProvidersConfig 行情供应商配置
type ProvidersConfig struct {
	AlphaVantage ProviderConfig `mapstructure:"alpha_vantage" yaml:"alpha_vantage"`
	Polygon      ProviderConfig `mapstructure:"polygon" yaml:"polygon"`
	Finnhub      ProviderConfig `mapstructure:"finnhub" yaml:"finnhub"`
}

// ProviderConfig 单个供应商配置
type ProviderConfig struct {
	Enabled           bool    `mapstructure:"enabled" yaml:"enabled"`
	APIKey            string  `mapstructure:"api_key" yaml:"api_key"` // 从环境变量中读取
	BaseURL           string  `mapstructure:"base_url" yaml:"base_url"`
	Reliability       float64 `mapstructure:"reliability" yaml:"reliability"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	TimeoutSeconds    int     `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
}

// VenueConfig 标记价格交易所配置
type VenueConfig struct {
	Enabled        bool              `mapstructure:"enabled" yaml:"enabled"`
	Exchange       string            `mapstructure:"exchange" yaml:"exchange"`
	APIKey         string            `mapstructure:"api_key" yaml:"api_key"`
	APISecret      string            `mapstructure:"api_secret" yaml:"api_secret"`
	Passphrase     string            `mapstructure:"passphrase" yaml:"passphrase"`
	SymbolFormat   string            `mapstructure:"symbol_format" yaml:"symbol_format"`
	Markets        map[string]string `mapstructure:"markets" yaml:"markets"`
	TimeoutSeconds int               `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	MaxSpreadBps   float64           `mapstructure:"max_spread_bps" yaml:"max_spread_bps"`
	TargetDepth    float64           `mapstructure:"target_depth" yaml:"target_depth"`
	DepthLevels    int               `mapstructure:"depth_levels" yaml:"depth_levels"`
}

// AggregationConfig 价格聚合配置
type AggregationConfig struct {
	PerClientTimeoutSeconds int     `mapstructure:"per_client_timeout_seconds" yaml:"per_client_timeout_seconds"`
	TolerancePercent        float64 `mapstructure:"tolerance_percent" yaml:"tolerance_percent"`
	RecencyHalfLifeMinutes  int     `mapstructure:"recency_half_life_minutes" yaml:"recency_half_life_minutes"`
	PriceCacheTTLSeconds    int     `mapstructure:"price_cache_ttl_seconds" yaml:"price_cache_ttl_seconds"`
	BatchConcurrency        int     `mapstructure:"batch_concurrency" yaml:"batch_concurrency"`
}

// CorporateConfig 公司行为配置
type CorporateConfig struct {
	FetchTimeoutSeconds int `mapstructure:"fetch_timeout_seconds" yaml:"fetch_timeout_seconds"`
	CacheTTLMinutes     int `mapstructure:"cache_ttl_minutes" yaml:"cache_ttl_minutes"`
}

// FundingConfig 资金费率参数
type FundingConfig struct {
	KBase                 float64 `mapstructure:"k_base" yaml:"k_base"`
	BaseCap               float64 `mapstructure:"base_cap" yaml:"base_cap"`
	RateCap               float64 `mapstructure:"rate_cap" yaml:"rate_cap"`
	KLiquidity            float64 `mapstructure:"k_liquidity" yaml:"k_liquidity"`
	KVol                  float64 `mapstructure:"k_vol" yaml:"k_vol"`
	BaselineVolatility    float64 `mapstructure:"baseline_volatility" yaml:"baseline_volatility"`
	CALookbackDays        int     `mapstructure:"ca_lookback_days" yaml:"ca_lookback_days"`
	CALookaheadDays       int     `mapstructure:"ca_lookahead_days" yaml:"ca_lookahead_days"`
	CAMaxAdjustment       float64 `mapstructure:"ca_max_adjustment" yaml:"ca_max_adjustment"`
	ValidityMinutes       int     `mapstructure:"validity_minutes" yaml:"validity_minutes"`
	DefaultLiquidityScore float64 `mapstructure:"default_liquidity_score" yaml:"default_liquidity_score"`
	BatchConcurrency      int     `mapstructure:"batch_concurrency" yaml:"batch_concurrency"`
}

// RiskConfig 风险管理配置
type RiskConfig struct {
	VolatilityThreshold         float64 `mapstructure:"volatility_threshold" yaml:"volatility_threshold"`
	LiquidityThreshold          float64 `mapstructure:"liquidity_threshold" yaml:"liquidity_threshold"`
	PriceGapPercent             float64 `mapstructure:"price_gap_percent" yaml:"price_gap_percent"`
	CAWindowDays                int     `mapstructure:"ca_window_days" yaml:"ca_window_days"`
	BaselineLeverage            float64 `mapstructure:"baseline_leverage" yaml:"baseline_leverage"`
	MinLeverage                 float64 `mapstructure:"min_leverage" yaml:"min_leverage"`
	MaxLeverage                 float64 `mapstructure:"max_leverage" yaml:"max_leverage"`
	LeverageSensitivity         float64 `mapstructure:"leverage_sensitivity" yaml:"leverage_sensitivity"`
	HysteresisPercent           float64 `mapstructure:"hysteresis_percent" yaml:"hysteresis_percent"`
	RecommendationValidityHours int     `mapstructure:"recommendation_validity_hours" yaml:"recommendation_validity_hours"`
	RecedeScore                 float64 `mapstructure:"recede_score" yaml:"recede_score"`
}

// PublishingConfig 链上发布配置
type PublishingConfig struct {
	Symbols            []string      `mapstructure:"symbols" yaml:"symbols"`
	IntervalMinutes    int           `mapstructure:"interval_minutes" yaml:"interval_minutes"`
	PublishToAll       bool          `mapstructure:"publish_to_all" yaml:"publish_to_all"`
	Primary            string        `mapstructure:"primary" yaml:"primary"`
	MaxConcurrency     int           `mapstructure:"max_concurrency" yaml:"max_concurrency"`
	TickTimeoutMinutes int           `mapstructure:"tick_timeout_minutes" yaml:"tick_timeout_minutes"`
	RefreshActions     bool          `mapstructure:"refresh_actions" yaml:"refresh_actions"`
	Gateway            GatewayConfig `mapstructure:"gateway" yaml:"gateway"`
	Chains             ChainsConfig  `mapstructure:"chains" yaml:"chains"`
}

// GatewayConfig 链网关配置
type GatewayConfig struct {
	Mode           string `mapstructure:"mode" yaml:"mode"` // rpc | simulated
	URL            string `mapstructure:"url" yaml:"url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
}

// ChainsConfig 各链配置
type ChainsConfig struct {
	Solana SolanaConfig `mapstructure:"solana" yaml:"solana"`
	Radix  RadixConfig  `mapstructure:"radix" yaml:"radix"`
}

// SolanaConfig Solana配置
type SolanaConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	ProgramID string `mapstructure:"program_id" yaml:"program_id"`
}

// RadixConfig Radix配置
type RadixConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Network string `mapstructure:"network" yaml:"network"`
	Package string `mapstructure:"package" yaml:"package"`
}

// StorageConfig 存储配置
type StorageConfig struct {
	Type string `mapstructure:"type" yaml:"type"` // memory | postgres
}

// RedisConfig Redis配置
type RedisConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Host      string `mapstructure:"host" yaml:"host"`
	Port      int    `mapstructure:"port" yaml:"port"`
	Password  string `mapstructure:"password" yaml:"password"`
	DB        int    `mapstructure:"db" yaml:"db"`
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix"`
	PoolSize  int    `mapstructure:"pool_size" yaml:"pool_size"`
}

// PostgresConfig PostgreSQL配置
type PostgresConfig struct {
	Host                string `mapstructure:"host" yaml:"host"`
	Port                int    `mapstructure:"port" yaml:"port"`
	Database            string `mapstructure:"database" yaml:"database"`
	User                string `mapstructure:"user" yaml:"user"`
	Password            string `mapstructure:"password" yaml:"password"` // 从配置文件或环境变量中读取
	MaxConnections      int    `mapstructure:"max_connections" yaml:"max_connections"`
	SSLMode             string `mapstructure:"ssl_mode" yaml:"ssl_mode"`
	QueryTimeoutSeconds int    `mapstructure:"query_timeout_seconds" yaml:"query_timeout_seconds"`
}

// HTTPConfig HTTP接口配置
type HTTPConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
}

// SystemConfig 系统配置
type SystemConfig struct {
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
	LogDir   string `mapstructure:"log_dir" yaml:"log_dir"`
	DataDir  string `mapstructure:"data_dir" yaml:"data_dir"`
}

// secretEnv 特定环境变量映射，存在时优先使用
var secretEnv = map[string]string{
	"ALPHA_VANTAGE_API_KEY": "providers.alpha_vantage.api_key",
	"POLYGON_API_KEY":       "providers.polygon.api_key",
	"FINNHUB_API_KEY":       "providers.finnhub.api_key",
	"VENUE_API_KEY":         "venue.api_key",
	"VENUE_API_SECRET":      "venue.api_secret",
	"VENUE_PASSPHRASE":      "venue.passphrase",
	"POSTGRES_PASSWORD":     "postgres.password",
	"REDIS_PASSWORD":        "redis.password",
}

// LoadDotEnv loads .env files into the process environment; missing files are ignored
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("加载环境变量文件 %s 失败: %w", p, err)
		}
	}
	return nil
}

// LoadConfig 从文件加载配置. An empty path loads defaults plus environment overrides.
func LoadConfig(filePath string) (*Config, error) {
	v := viper.New()

	defaults, err := toMap(GetDefaultConfig())
	if err != nil {
		return nil, err
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	if filePath != "" {
		v.SetConfigFile(filePath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	// 绑定环境变量
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for env, key := range secretEnv {
		if val := os.Getenv(env); val != "" {
			v.Set(key, val)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}
	return &config, nil
}

// LoadConfigFromYAML yaml-only loader without environment overrides
func LoadConfigFromYAML(filePath string) (*Config, error) {
	yamlFile, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	config := GetDefaultConfig()
	if err := yaml.Unmarshal(yamlFile, config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}
	return config, nil
}

// validateConfig 验证配置有效性
func validateConfig(config *Config) error {
	providers := map[string]ProviderConfig{
		"alpha_vantage": config.Providers.AlphaVantage,
		"polygon":       config.Providers.Polygon,
		"finnhub":       config.Providers.Finnhub,
	}
	enabled := 0
	for name, p := range providers {
		if !p.Enabled {
			continue
		}
		enabled++
		if p.APIKey == "" {
			return fmt.Errorf("%s已启用，但API密钥未配置", name)
		}
		if p.Reliability <= 0 || p.Reliability > 1 {
			return fmt.Errorf("%s的可靠性权重必须在0到1之间", name)
		}
	}
	if enabled == 0 {
		return fmt.Errorf("至少需要启用一个行情供应商")
	}

	if config.Venue.Enabled && config.Venue.Exchange == "" {
		return fmt.Errorf("标记价格交易所已启用，但未指定交易所")
	}

	if config.Aggregation.TolerancePercent <= 0 {
		return fmt.Errorf("聚合容差必须大于0")
	}

	f := config.Funding
	if f.BaseCap <= 0 || f.RateCap <= 0 {
		return fmt.Errorf("资金费率上限必须大于0")
	}
	if f.ValidityMinutes <= 0 {
		return fmt.Errorf("资金费率有效期必须大于0")
	}
	if f.DefaultLiquidityScore < 0 || f.DefaultLiquidityScore > 1 {
		return fmt.Errorf("默认流动性评分必须在0到1之间")
	}

	r := config.Risk
	if r.MinLeverage <= 0 || r.MaxLeverage < r.MinLeverage {
		return fmt.Errorf("杠杆范围无效")
	}
	if r.BaselineLeverage < r.MinLeverage || r.BaselineLeverage > r.MaxLeverage {
		return fmt.Errorf("基准杠杆必须在杠杆范围内")
	}
	if r.CAWindowDays <= 0 {
		return fmt.Errorf("公司行为风险窗口必须大于0天")
	}

	p := config.Publishing
	if p.IntervalMinutes <= 0 {
		return fmt.Errorf("发布间隔必须大于0")
	}
	switch p.Primary {
	case "solana":
		if !p.Chains.Solana.Enabled {
			return fmt.Errorf("主链solana未启用")
		}
	case "radix":
		if !p.Chains.Radix.Enabled {
			return fmt.Errorf("主链radix未启用")
		}
	default:
		return fmt.Errorf("无效的主链: %q", p.Primary)
	}
	switch p.Gateway.Mode {
	case "simulated":
	case "rpc":
		if p.Gateway.URL == "" {
			return fmt.Errorf("链网关地址不能为空")
		}
	default:
		return fmt.Errorf("无效的链网关模式: %q", p.Gateway.Mode)
	}

	switch config.Storage.Type {
	case "memory":
	case "postgres":
		if config.Postgres.Host == "" || config.Postgres.Database == "" {
			return fmt.Errorf("PostgreSQL主机和数据库不能为空")
		}
	default:
		return fmt.Errorf("无效的存储类型: %q", config.Storage.Type)
	}

	if config.Redis.Enabled {
		if config.Redis.Host == "" {
			return fmt.Errorf("Redis主机不能为空")
		}
		if config.Redis.Port <= 0 || config.Redis.Port > 65535 {
			return fmt.Errorf("无效的Redis端口")
		}
	}

	if config.HTTP.Enabled && config.HTTP.ListenAddr == "" {
		return fmt.Errorf("HTTP监听地址不能为空")
	}
	return nil
}

// GetDefaultConfig 获取默认配置（用于生成示例配置）
func GetDefaultConfig() *Config {
	return &Config{
		Providers: ProvidersConfig{
			AlphaVantage: ProviderConfig{
				Enabled:           false,
				Reliability:       0.7,
				RequestsPerSecond: 0.08,
				TimeoutSeconds:    10,
			},
			Polygon: ProviderConfig{
				Enabled:           true,
				Reliability:       0.9,
				RequestsPerSecond: 5,
				TimeoutSeconds:    10,
			},
			Finnhub: ProviderConfig{
				Enabled:           true,
				Reliability:       0.8,
				RequestsPerSecond: 1,
				TimeoutSeconds:    10,
			},
		},
		Venue: VenueConfig{
			Enabled:        false,
			Exchange:       "bitget",
			SymbolFormat:   "%s/USDT:USDT",
			TimeoutSeconds: 10,
			MaxSpreadBps:   100,
			TargetDepth:    50000,
			DepthLevels:    10,
		},
		Aggregation: AggregationConfig{
			PerClientTimeoutSeconds: 5,
			TolerancePercent:        1.0,
			RecencyHalfLifeMinutes:  24 * 60,
			PriceCacheTTLSeconds:    60,
			BatchConcurrency:        8,
		},
		Corporate: CorporateConfig{
			FetchTimeoutSeconds: 10,
			CacheTTLMinutes:     15,
		},
		Funding: FundingConfig{
			KBase:                 0.01,
			BaseCap:               0.5,
			RateCap:               1.0,
			KLiquidity:            0.05,
			KVol:                  0.1,
			BaselineVolatility:    0.25,
			CALookbackDays:        2,
			CALookaheadDays:       7,
			CAMaxAdjustment:       0.05,
			ValidityMinutes:       60,
			DefaultLiquidityScore: 0.8,
			BatchConcurrency:      8,
		},
		Risk: RiskConfig{
			VolatilityThreshold:         0.40,
			LiquidityThreshold:          0.50,
			PriceGapPercent:             5.0,
			CAWindowDays:                5,
			BaselineLeverage:            5,
			MinLeverage:                 1,
			MaxLeverage:                 10,
			LeverageSensitivity:         2,
			HysteresisPercent:           10,
			RecommendationValidityHours: 24,
			RecedeScore:                 0.25,
		},
		Publishing: PublishingConfig{
			Symbols:            []string{"AAPL", "MSFT", "TSLA"},
			IntervalMinutes:    60,
			PublishToAll:       false,
			Primary:            "solana",
			MaxConcurrency:     4,
			TickTimeoutMinutes: 10,
			RefreshActions:     true,
			Gateway: GatewayConfig{
				Mode:           "simulated",
				TimeoutSeconds: 30,
			},
			Chains: ChainsConfig{
				Solana: SolanaConfig{Enabled: true},
				Radix:  RadixConfig{Enabled: false, Network: "rdx"},
			},
		},
		Storage: StorageConfig{
			Type: "memory",
		},
		Redis: RedisConfig{
			Enabled:   false,
			Host:      "localhost",
			Port:      6379,
			DB:        0,
			KeyPrefix: "rwaoracle:",
			PoolSize:  10,
		},
		Postgres: PostgresConfig{
			Host:                "localhost",
			Port:                5432,
			Database:            "rwaoracle",
			User:                "postgres",
			MaxConnections:      10,
			SSLMode:             "disable",
			QueryTimeoutSeconds: 5,
		},
		HTTP: HTTPConfig{
			Enabled:    true,
			ListenAddr: ":8080",
		},
		System: SystemConfig{
			LogLevel: "INFO",
			LogDir:   "./logs",
			DataDir:  "./data",
		},
	}
}

// SaveConfigToFile 将配置保存到文件
// 注意：不包含敏感信息
func SaveConfigToFile(config *Config, filePath string) error {
	redacted := *config
	redacted.Providers.AlphaVantage.APIKey = ""
	redacted.Providers.Polygon.APIKey = ""
	redacted.Providers.Finnhub.APIKey = ""
	redacted.Venue.APIKey = ""
	redacted.Venue.APISecret = ""
	redacted.Venue.Passphrase = ""
	redacted.Postgres.Password = ""
	redacted.Redis.Password = ""

	configMap, err := toMap(&redacted)
	if err != nil {
		return err
	}

	v := viper.New()
	for k, val := range configMap {
		v.Set(k, val)
	}
	return v.WriteConfigAs(filePath)
}

// toMap round-trips through yaml so keys follow the yaml tags
func toMap(config *Config) (map[string]interface{}, error) {
	data, err := yaml.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("序列化配置失败: %w", err)
	}
	out := make(map[string]interface{})
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("序列化配置失败: %w", err)
	}
	return out, nil
}
