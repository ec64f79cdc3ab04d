package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tidemark.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
market:
  symbols: [btcusdt]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, []string{"BTCUSDT"}, cfg.Market.Symbols)
	require.Equal(t, 50, cfg.Market.Depth)
	require.Equal(t, []string{"1", "5"}, cfg.Market.Intervals)
	require.Equal(t, 5*time.Second, cfg.Connection.BackoffBase)
	require.Equal(t, 1.5, cfg.Connection.BackoffMultiplier)
	require.Equal(t, 10, cfg.Connection.MaxAttempts)
	require.NotEmpty(t, cfg.Stream.PublicURL)
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := writeConfig(t, `
stream:
  publicUrl: wss://example.test/public
market:
  symbols: [ETHUSDT, SOLUSDT]
  intervals: ["15"]
  depth: 200
  strictBook: true
connection:
  backoffBase: 1s
  maxAttempts: 3
bus:
  bufferSize: 128
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "wss://example.test/public", cfg.Stream.PublicURL)
	require.Equal(t, []string{"ETHUSDT", "SOLUSDT"}, cfg.Market.Symbols)
	require.Equal(t, 200, cfg.Market.Depth)
	require.True(t, cfg.Market.StrictBook)
	require.Equal(t, time.Second, cfg.Connection.BackoffBase)
	require.Equal(t, 3, cfg.Connection.MaxAttempts)
	require.Equal(t, 128, cfg.Bus.BufferSize)
}

func TestLoadEnvironmentCredentials(t *testing.T) {
	t.Setenv("TIDEMARK_API_KEY", "env-key")
	t.Setenv("TIDEMARK_API_SECRET", "env-secret")
	path := writeConfig(t, `
market:
  symbols: [BTCUSDT]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "env-key", cfg.Credentials.APIKey)
	require.Equal(t, "env-secret", cfg.Credentials.APISecret)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"no symbols", `
market:
  symbols: []
`},
		{"key without secret", `
market:
  symbols: [BTCUSDT]
credentials:
  apiKey: only-key
`},
		{"multiplier not above one", `
market:
  symbols: [BTCUSDT]
connection:
  backoffMultiplier: 0.5
`},
		{"zero bus buffer", `
market:
  symbols: [BTCUSDT]
bus:
  bufferSize: -1
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.yaml))
			require.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestEngineMapping(t *testing.T) {
	path := writeConfig(t, `
market:
  symbols: [BTCUSDT]
credentials:
  apiKey: k
  apiSecret: s
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	eng := cfg.Engine()
	require.Equal(t, cfg.Stream.PublicURL, eng.PublicURL)
	require.Equal(t, cfg.Market.Symbols, eng.Symbols)
	require.Equal(t, "k", eng.APIKey)
	require.Equal(t, "s", eng.APISecret)
	require.NoError(t, eng.Validate())
}
