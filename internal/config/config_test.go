package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"exchanges": [{
			"name": "binance",
			"markets": [{"id": "BTCUSDT", "size_increment": "0.00001", "storages": ["terminal"]}],
			"retry": {"number": 3, "gap_sec": 1, "reset_sec": 60}
		}],
		"storage": {"dir": "/tmp/tradelog"}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.Exchanges, 1)
	market := cfg.Exchanges[0].Markets[0]
	assert.Equal(t, "BTCUSDT", market.CommitName)
	assert.Equal(t, DefaultPageSize, market.PageSize)
	assert.Equal(t, "0.00001", market.SizeIncrement)
	assert.Equal(t, []string{"terminal"}, market.Storages)
	assert.Equal(t, 3, cfg.Exchanges[0].Retry.Number)

	assert.Equal(t, "/tmp/tradelog", cfg.Storage.Dir)
	assert.Equal(t, 60, cfg.Storage.FlushInitialDelaySec)
	assert.Equal(t, 180, cfg.Storage.FlushIntervalSec)
	assert.Equal(t, 5, cfg.Storage.CompactDelaySec)
	assert.Equal(t, 10, cfg.Connection.REST.ReqTimeoutSec)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, `{"exchanges": [{"name": "binance", "markets": [{"id": "ETHUSDT"}]}]}`)
	t.Setenv("TRADELOG_LOG_LEVEL", "debug")
	t.Setenv("TRADELOG_STORAGE_DIR", "/var/lib/tradelog")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/var/lib/tradelog", cfg.Storage.Dir)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"no exchange":        `{"exchanges": []}`,
		"unknown storage":    `{"exchanges": [{"name": "binance", "markets": [{"id": "BTCUSDT", "storages": ["redis"]}]}]}`,
		"unknown repository": `{"exchanges": [{"name": "binance", "markets": [{"id": "BTCUSDT", "repository": "s3"}]}]}`,
		"empty market":       `{"exchanges": [{"name": "binance", "markets": [{"id": ""}]}]}`,
		"unknown exchange":   `{"exchanges": [{"name": "mtgox", "markets": [{"id": "BTCUSD"}]}]}`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
