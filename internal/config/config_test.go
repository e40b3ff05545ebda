package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDefaults() *Config {
	c := GetDefaultConfig()
	c.Providers.Polygon.APIKey = "pk"
	c.Providers.Finnhub.APIKey = "fk"
	return c
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "默认配置有效", mutate: func(c *Config) {}},
		{
			name:    "缺少API密钥",
			mutate:  func(c *Config) { c.Providers.Polygon.APIKey = "" },
			wantErr: "polygon",
		},
		{
			name: "没有启用供应商",
			mutate: func(c *Config) {
				c.Providers.Polygon.Enabled = false
				c.Providers.Finnhub.Enabled = false
			},
			wantErr: "至少需要启用一个行情供应商",
		},
		{
			name:    "主链未启用",
			mutate:  func(c *Config) { c.Publishing.Primary = "radix" },
			wantErr: "主链radix未启用",
		},
		{
			name:    "未知主链",
			mutate:  func(c *Config) { c.Publishing.Primary = "ethereum" },
			wantErr: "无效的主链",
		},
		{
			name:    "RPC模式缺少地址",
			mutate:  func(c *Config) { c.Publishing.Gateway.Mode = "rpc" },
			wantErr: "链网关地址不能为空",
		},
		{
			name:    "基准杠杆越界",
			mutate:  func(c *Config) { c.Risk.BaselineLeverage = 20 },
			wantErr: "基准杠杆",
		},
		{
			name:    "未知存储类型",
			mutate:  func(c *Config) { c.Storage.Type = "sqlite" },
			wantErr: "无效的存储类型",
		},
		{
			name: "Redis端口无效",
			mutate: func(c *Config) {
				c.Redis.Enabled = true
				c.Redis.Port = 0
			},
			wantErr: "无效的Redis端口",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validDefaults()
			tt.mutate(c)
			err := validateConfig(c)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
providers:
  polygon:
    enabled: true
  finnhub:
    enabled: false
publishing:
  symbols: [AAPL, TSLA]
  interval_minutes: 30
`), 0o644))

	t.Setenv("POLYGON_API_KEY", "from-env")
	t.Setenv("RWAORACLE_FUNDING_K_BASE", "0.02")

	c, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", c.Providers.Polygon.APIKey)
	assert.False(t, c.Providers.Finnhub.Enabled)
	assert.Equal(t, []string{"AAPL", "TSLA"}, c.Publishing.Symbols)
	assert.Equal(t, 30, c.Publishing.IntervalMinutes)
	assert.InDelta(t, 0.02, c.Funding.KBase, 1e-12)
	// 文件未覆盖的字段保持默认值
	assert.Equal(t, "solana", c.Publishing.Primary)
	assert.Equal(t, 0.5, c.Funding.BaseCap)
}

func TestLoadConfigFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
providers:
  polygon:
    enabled: true
    api_key: pk
  finnhub:
    enabled: false
risk:
  max_leverage: 20
`), 0o644))

	c, err := LoadConfigFromYAML(path)
	require.NoError(t, err)
	assert.Equal(t, "pk", c.Providers.Polygon.APIKey)
	assert.Equal(t, 20.0, c.Risk.MaxLeverage)
	assert.Equal(t, 5.0, c.Risk.BaselineLeverage)

	_, err = LoadConfigFromYAML(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSaveConfigToFile_StripsSecrets(t *testing.T) {
	c := validDefaults()
	c.Postgres.Password = "hunter2"
	path := filepath.Join(t.TempDir(), "out.yaml")

	require.NoError(t, SaveConfigToFile(c, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter2")
	assert.NotContains(t, string(data), "api_key: pk")
	assert.Contains(t, string(data), "listen_addr")
}

func TestLoadDotEnv_MissingFileIgnored(t *testing.T) {
	assert.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), ".env")))

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("RWAORACLE_TEST_DOTENV=yes\n"), 0o644))
	t.Setenv("RWAORACLE_TEST_DOTENV", "")
	os.Unsetenv("RWAORACLE_TEST_DOTENV")
	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "yes", os.Getenv("RWAORACLE_TEST_DOTENV"))
}
