package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/life2you_mini/rwaoracle/internal/config"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCommand_Subcommands(t *testing.T) {
	root := NewRootCommand()
	names := make([]string, 0)
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"serve", "publish-once", "rate", "assess", "config"} {
		assert.Contains(t, names, want)
	}

	f := root.PersistentFlags().Lookup("config")
	require.NotNil(t, f)
	assert.Equal(t, "config/config.yaml", f.DefValue)
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	t.Run("写入默认配置", func(t *testing.T) {
		out, err := run(t, "config", "init", "--output", path)
		require.NoError(t, err)
		assert.Contains(t, out, path)

		t.Setenv("POLYGON_API_KEY", "pk")
		t.Setenv("FINNHUB_API_KEY", "fk")
		cfg, err := config.LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, config.GetDefaultConfig().Publishing.Symbols, cfg.Publishing.Symbols)
	})

	t.Run("已存在时拒绝覆盖", func(t *testing.T) {
		_, err := run(t, "config", "init", "--output", path)
		assert.Error(t, err)
	})

	t.Run("强制覆盖", func(t *testing.T) {
		_, err := run(t, "config", "init", "--output", path, "--force")
		require.NoError(t, err)
		_, err = os.Stat(path)
		assert.NoError(t, err)
	})
}

func TestRateRequiresSymbol(t *testing.T) {
	_, err := run(t, "rate")
	assert.Error(t, err)

	_, err = run(t, "assess", "AAPL", "MSFT")
	assert.Error(t, err)
}

func TestLoad_MissingConfigFails(t *testing.T) {
	opts := &rootOptions{
		configFile: filepath.Join(t.TempDir(), "missing.yaml"),
		envFile:    filepath.Join(t.TempDir(), ".env"),
	}
	_, err := opts.load()
	assert.Error(t, err)
}
