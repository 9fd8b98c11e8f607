package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/irgendwasmitfelix/TradingBot/pkg/exchange/kraken"
	_ "github.com/irgendwasmitfelix/TradingBot/pkg/exchange/sim"
)

const exchangeYAML = `
default: kraken_main
providers:
  kraken_main:
    type: kraken
    api_key: ${TEST_KRAKEN_KEY}
    api_secret: ${TEST_KRAKEN_SECRET}
    timeout: 15s
    min_call_spacing: 500ms
    max_retries: 4
  paper:
    type: sim
    initial_balance: 250
`

const botYAML = `
pairs: [XBTEUR, ETHEUR]
pair_cooldown: 2h
global_cooldown: 1h
min_buy_score: 5
regime_min_score: -12
daily_loss_limit: 25
max_consecutive_losses: 3
circuit_pause: 6h
target_volatility_pct: 1.6
risk_off_multiplier: 0.6
short_notional_cap: 0
leverage_cap: 1
take_profit_pct: 4.5
stop_loss_pct: 2.5
counter_anchor: 2025-01-01
lock_path: run/bot.lock
`

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	}
	return dir
}

func TestLoad_HydratesSections(t *testing.T) {
	t.Setenv("NO_DOTENV", "1")
	t.Setenv("TEST_KRAKEN_KEY", "key-123")
	t.Setenv("TEST_KRAKEN_SECRET", "c2VjcmV0")
	dir := writeFiles(t, map[string]string{
		"tradingbot.yaml": `
Env: dev
Log:
  Mode: console
  Level: info
Exchange:
  File: exchange.yaml
Bot:
  File: bot.yaml
`,
		"exchange.yaml": exchangeYAML,
		"bot.yaml":      botYAML,
	})

	cfg, err := Load(filepath.Join(dir, "tradingbot.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, StoreFile, cfg.Store.Backend, "store defaults to file")
	assert.Equal(t, filepath.Join(dir, "state/start_balance.json"), cfg.Store.Path)
	assert.Equal(t, 1000.0, cfg.DryRun.InitialBalance)

	name, provider, err := cfg.DefaultExchange()
	require.NoError(t, err)
	assert.Equal(t, "kraken_main", name)
	assert.Equal(t, "key-123", provider.APIKey, "env expands in the exchange file")
	assert.Equal(t, 15*time.Second, provider.Timeout)
	assert.Equal(t, 500*time.Millisecond, provider.MinCallSpacing)

	bot, err := cfg.BotConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"XBTEUR", "ETHEUR"}, bot.Pairs)
	assert.Equal(t, filepath.Join(dir, "run/bot.lock"), bot.LockPath, "bot paths resolve against the bot file")
	assert.Equal(t, filepath.Join(dir, "bot.yaml"), cfg.Bot.File)
}

func TestLoad_InvalidBotSectionFails(t *testing.T) {
	t.Setenv("NO_DOTENV", "1")
	dir := writeFiles(t, map[string]string{
		"tradingbot.yaml": "Bot:\n  File: bot.yaml\n",
		"bot.yaml":        "pairs: [XBTEUR]\n",
	})
	_, err := Load(filepath.Join(dir, "tradingbot.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load bot config")
}

func TestValidate_StoreBackends(t *testing.T) {
	cases := []struct {
		name    string
		store   StoreConf
		wantErr bool
	}{
		{"file", StoreConf{Backend: StoreFile, Path: "state.json", Key: "k"}, false},
		{"file without path", StoreConf{Backend: StoreFile, Key: "k"}, true},
		{"postgres without dsn", StoreConf{Backend: StorePostgres, Key: "k"}, true},
		{"postgres", StoreConf{Backend: StorePostgres, Key: "k", Postgres: PostgresConf{DSN: "postgres://localhost/bot"}}, false},
		{"redis without host", StoreConf{Backend: StoreRedis, Key: "k"}, true},
		{"unknown", StoreConf{Backend: "etcd", Key: "k"}, true},
		{"missing key", StoreConf{Backend: StoreFile, Path: "state.json"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{Env: "prod", Store: tc.store}
			err := cfg.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidate_Env(t *testing.T) {
	cfg := &Config{Env: "staging", Store: StoreConf{Backend: StoreFile, Path: "x", Key: "k"}}
	assert.Error(t, cfg.Validate())

	cfg.Env = ""
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "test", cfg.Env)
}

func TestDefaultExchange_SingleProvider(t *testing.T) {
	t.Setenv("NO_DOTENV", "1")
	dir := writeFiles(t, map[string]string{
		"tradingbot.yaml": "Exchange:\n  File: exchange.yaml\n",
		"exchange.yaml":   "providers:\n  paper:\n    type: sim\n",
	})
	cfg, err := Load(filepath.Join(dir, "tradingbot.yaml"))
	require.NoError(t, err)
	name, p, err := cfg.DefaultExchange()
	require.NoError(t, err)
	assert.Equal(t, "paper", name)
	assert.Equal(t, "sim", p.Type)
}
