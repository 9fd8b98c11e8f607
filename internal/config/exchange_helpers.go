package config

import (
	"errors"
	"fmt"

	"github.com/irgendwasmitfelix/TradingBot/pkg/exchange"
	"github.com/irgendwasmitfelix/TradingBot/pkg/manager"
)

// DefaultExchange returns the default provider config and its name. A single
// configured provider is the default even when none is named.
func (c *Config) DefaultExchange() (string, *exchange.ProviderConfig, error) {
	cfg := c.Exchange.Value
	if cfg == nil {
		return "", nil, errors.New("config: exchange section is not configured")
	}
	if cfg.Default == "" && len(cfg.Providers) == 1 {
		for name, p := range cfg.Providers {
			return name, p, nil
		}
	}
	p, ok := cfg.DefaultProvider()
	if !ok {
		return "", nil, fmt.Errorf("config: default exchange provider %q not defined", cfg.Default)
	}
	return cfg.Default, p, nil
}

// BotConfig returns the hydrated bot settings.
func (c *Config) BotConfig() (*manager.Config, error) {
	if c.Bot.Value == nil {
		return nil, errors.New("config: bot section is not configured")
	}
	return c.Bot.Value, nil
}
