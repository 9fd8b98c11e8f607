package manager

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validBotYAML = `
pairs: [" xbteur ", ETHEUR, MATICEUR]
quote_currency: zeur
poll_interval: 30s
pair_cooldown: 2h
global_cooldown: 1h
min_buy_score: 10
regime_min_score: -12
daily_loss_limit: 25
max_consecutive_losses: 3
circuit_pause: 6h
target_volatility_pct: 1.6
risk_off_multiplier: 0.6
short_notional_cap: 100
leverage_cap: 2
allow_short: true
take_profit_pct: 4.5
stop_loss_pct: 2.5
counter_anchor: 2025-01-01
min_volumes:
  xbteur: 0.0002
lock_path: run/bot.lock
journal_dir: ${JOURNAL_ROOT}/cycles
`

func writeBotConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("JOURNAL_ROOT", "/var/lib/tradingbot")
	path := writeBotConfig(t, validBotYAML)

	cfg, err := LoadConfig(path)
	require.NoError(t, err, "LoadConfig should succeed")

	assert.Equal(t, []string{"XBTEUR", "ETHEUR", "MATICEUR"}, cfg.Pairs, "pairs should be trimmed and upper-cased")
	assert.Equal(t, "ZEUR", cfg.QuoteCurrency)
	assert.Equal(t, "XBTEUR", cfg.RegimePair, "regime pair default")
	assert.Equal(t, 30*time.Second, cfg.PollInterval)
	assert.Equal(t, 2*time.Hour, cfg.PairCooldown)
	assert.Equal(t, time.Hour, cfg.GlobalCooldown)
	assert.Equal(t, 6*time.Hour, cfg.CircuitPause)
	assert.Equal(t, 8760*time.Hour, cfg.HistoryLookback, "history lookback default")
	assert.Equal(t, 5*time.Minute, cfg.ConfigReloadInterval, "reload interval default")
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), cfg.CounterAnchor)
	assert.Equal(t, 18.0, cfg.AllocationPct, "allocation default")
	assert.Equal(t, 40.0, cfg.AllocationCap, "allocation cap default")
	assert.Equal(t, 28.0, cfg.ScalpTrigger, "scalp trigger default")
	assert.Equal(t, 200, cfg.HistoryMaxPages)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "run/bot.lock"), cfg.LockPath, "relative lock path resolves against config dir")
	assert.Equal(t, "/var/lib/tradingbot/cycles", cfg.JournalDir, "env vars expand in paths")
	assert.Equal(t, "0.0002", cfg.MinVolume("XBTEUR").String())
	assert.True(t, cfg.MinVolume("ETHEUR").IsZero(), "no override for ETHEUR")
}

func TestLoadConfigMissingRiskKeys(t *testing.T) {
	body := strings.Replace(validBotYAML, "daily_loss_limit: 25\n", "", 1)
	body = strings.Replace(body, "stop_loss_pct: 2.5\n", "", 1)

	_, err := LoadConfigFromReader(strings.NewReader(body), t.TempDir())
	require.Error(t, err, "risk keys must not default silently")
	assert.Contains(t, err.Error(), "daily_loss_limit")
	assert.Contains(t, err.Error(), "stop_loss_pct")
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	cases := map[string][2]string{
		"risk off multiplier above one": {"risk_off_multiplier: 0.6", "risk_off_multiplier: 1.5"},
		"negative cooldown":             {"global_cooldown: 1h", "global_cooldown: -1h"},
		"bad anchor":                    {"counter_anchor: 2025-01-01", "counter_anchor: 01/01/2025"},
		"zero circuit pause":            {"circuit_pause: 6h", "circuit_pause: 0s"},
		"short without leverage":        {"leverage_cap: 2", "leverage_cap: 1"},
		"empty pairs":                   {`pairs: [" xbteur ", ETHEUR, MATICEUR]`, "pairs: []"},
		"inverted sma windows":          {"pair_cooldown: 2h", "pair_cooldown: 2h\nsignal:\n  sma_short: 30\n  sma_long: 20"},
	}
	for name, repl := range cases {
		t.Run(name, func(t *testing.T) {
			body := strings.Replace(validBotYAML, repl[0], repl[1], 1)
			require.NotEqual(t, validBotYAML, body, "replacement must apply")
			_, err := LoadConfigFromReader(strings.NewReader(body), t.TempDir())
			assert.Error(t, err)
		})
	}
}

func TestApplyReloadKeepsRiskLimits(t *testing.T) {
	cfg, err := LoadConfigFromReader(strings.NewReader(validBotYAML), t.TempDir())
	require.NoError(t, err)

	body := strings.NewReplacer(
		"min_buy_score: 10", "min_buy_score: 15",
		"daily_loss_limit: 25", "daily_loss_limit: 500",
		"global_cooldown: 1h", "global_cooldown: 1s",
		"take_profit_pct: 4.5", "take_profit_pct: 6",
	).Replace(validBotYAML)
	next, err := LoadConfigFromReader(strings.NewReader(body), t.TempDir())
	require.NoError(t, err)

	cfg.ApplyReload(next)
	assert.Equal(t, 15.0, cfg.MinBuyScore, "thresholds reload")
	assert.Equal(t, 6.0, cfg.TakeProfitPct, "exit rules reload")
	assert.Equal(t, 25.0, cfg.DailyLossLimit, "daily loss limit keeps startup value")
	assert.Equal(t, time.Hour, cfg.GlobalCooldown, "cooldown keeps startup value")
}

func TestConfigMapsOntoGateAndSignal(t *testing.T) {
	cfg, err := LoadConfigFromReader(strings.NewReader(validBotYAML), t.TempDir())
	require.NoError(t, err)

	g := cfg.GateConfig()
	assert.Equal(t, time.Hour, g.GlobalCooldown)
	assert.Equal(t, 2*time.Hour, g.PairCooldown)
	assert.Equal(t, "25", g.DailyLossLimit.String())
	assert.Equal(t, 3, g.MaxConsecutiveLosses)
	assert.Equal(t, 0.6, g.RiskOffMultiplier)
	assert.Equal(t, 2, g.LeverageCap)

	s := cfg.SignalConfig()
	assert.Equal(t, 10.0, s.MinBuyScore)
	assert.Equal(t, -12.0, s.RegimeMinScore)
	assert.Equal(t, 14, s.RSIPeriod, "signal defaults kept when not overridden")
	assert.Equal(t, 20, s.SMAShort)
}
