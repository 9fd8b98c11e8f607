package cli

import (
	"fmt"
	"strings"

	"github.com/zeromicro/go-zero/core/logx"

	"github.com/irgendwasmitfelix/TradingBot/internal/config"
	"github.com/irgendwasmitfelix/TradingBot/pkg/confkit"
)

// ConfigSummaryLines returns human readable lines describing the loaded app config.
func ConfigSummaryLines(cfg *config.Config) []string {
	if cfg == nil {
		return []string{"Configuration: <nil>"}
	}

	lines := []string{
		fmt.Sprintf("Environment: %s", cfg.Env),
		storeLine(cfg.Store),
		sectionLine("Exchange config", cfg.Exchange),
		sectionLine("Bot config", cfg.Bot),
	}
	if name, p, err := cfg.DefaultExchange(); err == nil {
		lines = append(lines, fmt.Sprintf("Exchange: %s (%s), credentials %s",
			name, p.Type, presence(p.APIKey != "" && p.APISecret != "")))
	}
	if bot := cfg.Bot.Value; bot != nil {
		lines = append(lines,
			fmt.Sprintf("Pairs: %s (regime %s, quote %s)", strings.Join(bot.Pairs, ", "), bot.RegimePair, bot.QuoteCurrency),
			fmt.Sprintf("Short selling: %s (leverage cap %dx)", enabled(bot.AllowShort), bot.LeverageCap),
			fmt.Sprintf("Poll interval: %s, counter anchor %s", bot.PollInterval, bot.CounterAnchor.Format("2006-01-02")),
		)
	}
	return lines
}

// LogConfigSummary emits the configuration summary using logx.
func LogConfigSummary(cfg *config.Config) {
	lines := ConfigSummaryLines(cfg)
	if len(lines) == 0 {
		return
	}
	logx.Info("configuration summary")
	for _, line := range lines {
		logx.Infof("config • %s", line)
	}
}

func storeLine(st config.StoreConf) string {
	switch st.Backend {
	case config.StorePostgres:
		return fmt.Sprintf("Start balance store: postgres (%s), key %s", presence(st.Postgres.DSN != ""), st.Key)
	case config.StoreRedis:
		return fmt.Sprintf("Start balance store: redis %s, key %s", st.Redis.Host, st.Key)
	default:
		return fmt.Sprintf("Start balance store: file %s", st.Path)
	}
}

func presence(ok bool) string {
	if ok {
		return "configured"
	}
	return "not configured"
}

func enabled(ok bool) string {
	if ok {
		return "enabled"
	}
	return "disabled"
}

func sectionLine[T any](name string, section confkit.Section[T]) string {
	switch {
	case strings.TrimSpace(section.File) != "":
		return fmt.Sprintf("%s: %s", name, section.File)
	case section.Value != nil:
		return fmt.Sprintf("%s: inline", name)
	default:
		return fmt.Sprintf("%s: not configured", name)
	}
}
