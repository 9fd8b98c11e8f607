package manager

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/irgendwasmitfelix/TradingBot/pkg/gate"
	"github.com/irgendwasmitfelix/TradingBot/pkg/signal"
)

// Config is the bot configuration loaded from yaml.
type Config struct {
	Pairs               []string `yaml:"pairs"`
	QuoteCurrency       string   `yaml:"quote_currency"`
	RegimePair          string   `yaml:"regime_pair"`
	OHLCIntervalMinutes int      `yaml:"ohlc_interval_minutes"`
	AllowShort          bool     `yaml:"allow_short"`

	Signal         SignalConfig `yaml:"signal"`
	MinBuyScore    float64      `yaml:"min_buy_score"`
	RegimeMinScore float64      `yaml:"regime_min_score"`
	ScalpTrigger   float64      `yaml:"scalp_trigger"`

	PairCooldown         time.Duration `yaml:"-"`
	GlobalCooldown       time.Duration `yaml:"-"`
	DailyLossLimit       float64       `yaml:"daily_loss_limit"`
	MaxConsecutiveLosses int           `yaml:"max_consecutive_losses"`
	CircuitPause         time.Duration `yaml:"-"`
	MaxOpenPositions     int           `yaml:"max_open_positions"`

	TargetVolatilityPct float64            `yaml:"target_volatility_pct"`
	RiskOffMultiplier   float64            `yaml:"risk_off_multiplier"`
	AllocationPct       float64            `yaml:"allocation_pct"`
	AllocationCap       float64            `yaml:"allocation_cap"`
	MinTradeQuote       float64            `yaml:"min_trade_quote"`
	FeeRate             float64            `yaml:"fee_rate"`
	BalanceReservePct   float64            `yaml:"balance_reserve_pct"`
	SizeTolerancePct    float64            `yaml:"size_tolerance_pct"`
	MinVolumes          map[string]float64 `yaml:"min_volumes"`
	ShortNotionalCap    float64            `yaml:"short_notional_cap"`
	LeverageCap         int                `yaml:"leverage_cap"`

	TakeProfitPct float64 `yaml:"take_profit_pct"`
	StopLossPct   float64 `yaml:"stop_loss_pct"`
	TargetBalance float64 `yaml:"target_balance"`

	CounterAnchor   time.Time     `yaml:"-"`
	HistoryLookback time.Duration `yaml:"-"`
	HistoryMaxPages int           `yaml:"history_max_pages"`

	PollInterval         time.Duration `yaml:"-"`
	ConfigReloadInterval time.Duration `yaml:"-"`
	LockPath             string        `yaml:"lock_path"`
	JournalDir           string        `yaml:"journal_dir"`

	PollIntervalRaw         string `yaml:"poll_interval"`
	PairCooldownRaw         string `yaml:"pair_cooldown"`
	GlobalCooldownRaw       string `yaml:"global_cooldown"`
	CircuitPauseRaw         string `yaml:"circuit_pause"`
	HistoryLookbackRaw      string `yaml:"history_lookback"`
	ConfigReloadIntervalRaw string `yaml:"config_reload_interval"`
	CounterAnchorRaw        string `yaml:"counter_anchor"`

	baseDir string
}

// SignalConfig overrides indicator windows.
type SignalConfig struct {
	RSIPeriod        int     `yaml:"rsi_period"`
	SMAShort         int     `yaml:"sma_short"`
	SMALong          int     `yaml:"sma_long"`
	MinVolatilityPct float64 `yaml:"min_volatility_pct"`
	TrendBonus       float64 `yaml:"trend_bonus"`
}

// requiredKeys are risk-relevant and never defaulted.
var requiredKeys = []string{
	"pair_cooldown",
	"global_cooldown",
	"min_buy_score",
	"regime_min_score",
	"daily_loss_limit",
	"max_consecutive_losses",
	"circuit_pause",
	"target_volatility_pct",
	"risk_off_multiplier",
	"short_notional_cap",
	"leverage_cap",
	"take_profit_pct",
	"stop_loss_pct",
	"counter_anchor",
}

// LoadConfig reads configuration from disk.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open bot config: %w", err)
	}
	defer file.Close()
	return LoadConfigFromReader(file, filepath.Dir(path))
}

// LoadConfigFromReader constructs a Config from a reader with the provided base directory.
func LoadConfigFromReader(r io.Reader, baseDir string) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read bot config: %w", err)
	}

	var present map[string]any
	if err := yaml.Unmarshal(data, &present); err != nil {
		return nil, fmt.Errorf("unmarshal bot config: %w", err)
	}
	var missing []string
	for _, key := range requiredKeys {
		if v, ok := present[key]; !ok || v == nil {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("bot config: missing required keys: %s", strings.Join(missing, ", "))
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal bot config: %w", err)
	}
	cfg.baseDir = baseDir

	cfg.applyDefaults()
	if err := cfg.parseDurations(); err != nil {
		return nil, err
	}
	cfg.expandFields()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.QuoteCurrency) == "" {
		c.QuoteCurrency = "ZEUR"
	}
	if strings.TrimSpace(c.RegimePair) == "" {
		c.RegimePair = "XBTEUR"
	}
	if c.OHLCIntervalMinutes == 0 {
		c.OHLCIntervalMinutes = 60
	}
	if c.ScalpTrigger == 0 {
		c.ScalpTrigger = 28
	}
	if c.AllocationPct == 0 {
		c.AllocationPct = 18
	}
	if c.AllocationCap == 0 {
		c.AllocationCap = 40
	}
	if c.MinTradeQuote == 0 {
		c.MinTradeQuote = 8
	}
	if c.FeeRate == 0 {
		c.FeeRate = 0.0026
	}
	if c.BalanceReservePct == 0 {
		c.BalanceReservePct = 2
	}
	if c.SizeTolerancePct == 0 {
		c.SizeTolerancePct = 5
	}
	if c.HistoryMaxPages == 0 {
		c.HistoryMaxPages = 200
	}
	if strings.TrimSpace(c.PollIntervalRaw) == "" {
		c.PollIntervalRaw = "60s"
	}
	if strings.TrimSpace(c.HistoryLookbackRaw) == "" {
		c.HistoryLookbackRaw = "8760h"
	}
	if strings.TrimSpace(c.ConfigReloadIntervalRaw) == "" {
		c.ConfigReloadIntervalRaw = "5m"
	}
	if strings.TrimSpace(c.LockPath) == "" {
		c.LockPath = filepath.Join(os.TempDir(), "tradingbot.lock")
	}
	if strings.TrimSpace(c.JournalDir) == "" {
		c.JournalDir = "journal"
	}
}

func (c *Config) parseDurations() error {
	var err error
	if c.PollInterval, err = parsePositiveDuration("poll_interval", c.PollIntervalRaw); err != nil {
		return err
	}
	if c.PairCooldown, err = parseNonNegativeDuration("pair_cooldown", c.PairCooldownRaw); err != nil {
		return err
	}
	if c.GlobalCooldown, err = parseNonNegativeDuration("global_cooldown", c.GlobalCooldownRaw); err != nil {
		return err
	}
	if c.CircuitPause, err = parsePositiveDuration("circuit_pause", c.CircuitPauseRaw); err != nil {
		return err
	}
	if c.HistoryLookback, err = parsePositiveDuration("history_lookback", c.HistoryLookbackRaw); err != nil {
		return err
	}
	if c.ConfigReloadInterval, err = parsePositiveDuration("config_reload_interval", c.ConfigReloadIntervalRaw); err != nil {
		return err
	}
	anchor, err := time.Parse("2006-01-02", strings.TrimSpace(c.CounterAnchorRaw))
	if err != nil {
		return fmt.Errorf("bot config: invalid counter_anchor %q: %w", c.CounterAnchorRaw, err)
	}
	c.CounterAnchor = anchor.UTC()
	return nil
}

func (c *Config) expandFields() {
	c.QuoteCurrency = strings.ToUpper(strings.TrimSpace(c.QuoteCurrency))
	c.RegimePair = strings.ToUpper(strings.TrimSpace(c.RegimePair))
	pairs := make([]string, 0, len(c.Pairs))
	for _, p := range c.Pairs {
		if p = strings.ToUpper(strings.TrimSpace(p)); p != "" {
			pairs = append(pairs, p)
		}
	}
	c.Pairs = pairs
	if len(c.MinVolumes) > 0 {
		normalized := make(map[string]float64, len(c.MinVolumes))
		for k, v := range c.MinVolumes {
			normalized[strings.ToUpper(strings.TrimSpace(k))] = v
		}
		c.MinVolumes = normalized
	}
	c.LockPath = c.resolvePath(c.LockPath)
	c.JournalDir = c.resolvePath(c.JournalDir)
}

func (c *Config) resolvePath(path string) string {
	path = strings.TrimSpace(os.ExpandEnv(path))
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.baseDir, path)
}

// Validate ensures configuration sanity.
func (c *Config) Validate() error {
	if len(c.Pairs) == 0 {
		return errors.New("bot config: pairs cannot be empty")
	}
	if c.OHLCIntervalMinutes <= 0 {
		return errors.New("bot config: ohlc_interval_minutes must be positive")
	}
	if c.DailyLossLimit < 0 {
		return errors.New("bot config: daily_loss_limit cannot be negative")
	}
	if c.MaxConsecutiveLosses < 0 {
		return errors.New("bot config: max_consecutive_losses cannot be negative")
	}
	if c.MaxOpenPositions < 0 {
		return errors.New("bot config: max_open_positions cannot be negative")
	}
	if c.TargetVolatilityPct <= 0 {
		return errors.New("bot config: target_volatility_pct must be positive")
	}
	if c.RiskOffMultiplier <= 0 || c.RiskOffMultiplier > 1 {
		return errors.New("bot config: risk_off_multiplier must be in (0, 1]")
	}
	if c.AllocationPct <= 0 || c.AllocationPct > 100 {
		return errors.New("bot config: allocation_pct must be between 0 and 100")
	}
	if c.AllocationCap < 0 {
		return errors.New("bot config: allocation_cap cannot be negative")
	}
	if c.MinTradeQuote < 0 {
		return errors.New("bot config: min_trade_quote cannot be negative")
	}
	if c.FeeRate < 0 || c.FeeRate >= 0.1 {
		return errors.New("bot config: fee_rate must be between 0 and 0.1")
	}
	if c.BalanceReservePct < 0 || c.BalanceReservePct >= 100 {
		return errors.New("bot config: balance_reserve_pct must be between 0 and 100")
	}
	if c.SizeTolerancePct < 0 || c.SizeTolerancePct > 100 {
		return errors.New("bot config: size_tolerance_pct must be between 0 and 100")
	}
	for pair, v := range c.MinVolumes {
		if v < 0 {
			return fmt.Errorf("bot config: min_volumes.%s cannot be negative", pair)
		}
	}
	if c.ShortNotionalCap < 0 {
		return errors.New("bot config: short_notional_cap cannot be negative")
	}
	if c.LeverageCap < 1 {
		return errors.New("bot config: leverage_cap must be at least 1")
	}
	if c.AllowShort && c.LeverageCap < 2 {
		return errors.New("bot config: allow_short requires leverage_cap >= 2")
	}
	if c.TakeProfitPct <= 0 {
		return errors.New("bot config: take_profit_pct must be positive")
	}
	if c.StopLossPct <= 0 {
		return errors.New("bot config: stop_loss_pct must be positive")
	}
	if c.TargetBalance < 0 {
		return errors.New("bot config: target_balance cannot be negative")
	}
	if c.HistoryMaxPages <= 0 {
		return errors.New("bot config: history_max_pages must be positive")
	}
	if s := c.Signal; s.RSIPeriod < 0 || s.SMAShort < 0 || s.SMALong < 0 {
		return errors.New("bot config: signal windows cannot be negative")
	}
	if s := c.Signal; s.SMAShort > 0 && s.SMALong > 0 && s.SMAShort >= s.SMALong {
		return errors.New("bot config: signal.sma_short must be shorter than signal.sma_long")
	}
	if c.CounterAnchor.IsZero() {
		return errors.New("bot config: counter_anchor is required")
	}
	return nil
}

// ApplyReload copies the hot-reloadable settings from next. Risk limits,
// cooldowns and paths keep their startup values.
func (c *Config) ApplyReload(next *Config) {
	c.Pairs = append([]string(nil), next.Pairs...)
	c.Signal = next.Signal
	c.MinBuyScore = next.MinBuyScore
	c.RegimeMinScore = next.RegimeMinScore
	c.ScalpTrigger = next.ScalpTrigger
	c.TakeProfitPct = next.TakeProfitPct
	c.StopLossPct = next.StopLossPct
	c.TargetBalance = next.TargetBalance
	c.MinVolumes = next.MinVolumes
	c.AllowShort = next.AllowShort && c.LeverageCap >= 2
}

// GateConfig maps the risk settings onto the execution gate.
func (c *Config) GateConfig() gate.Config {
	return gate.Config{
		GlobalCooldown:       c.GlobalCooldown,
		PairCooldown:         c.PairCooldown,
		DailyLossLimit:       decimal.NewFromFloat(c.DailyLossLimit),
		MaxConsecutiveLosses: c.MaxConsecutiveLosses,
		CircuitPause:         c.CircuitPause,
		MaxOpenPositions:     c.MaxOpenPositions,
		AllocationPct:        c.AllocationPct,
		AllocationCap:        decimal.NewFromFloat(c.AllocationCap),
		MinTradeQuote:        decimal.NewFromFloat(c.MinTradeQuote),
		BalanceReservePct:    c.BalanceReservePct,
		FeeRate:              decimal.NewFromFloat(c.FeeRate),
		TargetVolatilityPct:  c.TargetVolatilityPct,
		RiskOffMultiplier:    c.RiskOffMultiplier,
		SizeTolerancePct:     c.SizeTolerancePct,
		ShortNotionalCap:     decimal.NewFromFloat(c.ShortNotionalCap),
		LeverageCap:          c.LeverageCap,
	}
}

// SignalConfig maps scoring settings onto the signal engine.
func (c *Config) SignalConfig() signal.Config {
	cfg := signal.DefaultConfig()
	if c.Signal.RSIPeriod > 0 {
		cfg.RSIPeriod = c.Signal.RSIPeriod
	}
	if c.Signal.SMAShort > 0 {
		cfg.SMAShort = c.Signal.SMAShort
	}
	if c.Signal.SMALong > 0 {
		cfg.SMALong = c.Signal.SMALong
	}
	if c.Signal.MinVolatilityPct > 0 {
		cfg.MinVolatilityPct = c.Signal.MinVolatilityPct
	}
	if c.Signal.TrendBonus > 0 {
		cfg.TrendBonus = c.Signal.TrendBonus
	}
	cfg.MinBuyScore = c.MinBuyScore
	cfg.RegimeMinScore = c.RegimeMinScore
	cfg.ScalpTrigger = c.ScalpTrigger
	return cfg
}

// MinVolume returns the configured order minimum override for symbol.
func (c *Config) MinVolume(symbol string) decimal.Decimal {
	if v, ok := c.MinVolumes[symbol]; ok && v > 0 {
		return decimal.NewFromFloat(v)
	}
	return decimal.Zero
}

func parsePositiveDuration(field, value string) (time.Duration, error) {
	d, err := parseNonNegativeDuration(field, value)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("bot config: %s must be positive, got %s", field, d)
	}
	return d, nil
}

func parseNonNegativeDuration(field, value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, fmt.Errorf("bot config: %s is required", field)
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("bot config: invalid %s %q: %w", field, value, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("bot config: %s cannot be negative, got %s", field, d)
	}
	return d, nil
}
