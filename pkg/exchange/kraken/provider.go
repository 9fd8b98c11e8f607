package kraken

import (
	"net/http"

	"github.com/irgendwasmitfelix/TradingBot/pkg/exchange"
)

var _ exchange.Provider = (*Client)(nil)

// NewFromConfig builds a client from provider configuration.
func NewFromConfig(cfg *exchange.ProviderConfig) (*Client, error) {
	opts := []ClientOption{}
	if cfg.Timeout > 0 {
		opts = append(opts, WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, WithBaseURL(cfg.BaseURL))
	}
	if cfg.MinCallSpacing > 0 {
		opts = append(opts, WithMinCallSpacing(cfg.MinCallSpacing))
	}
	if cfg.MaxRetries > 0 {
		opts = append(opts, WithMaxRetries(cfg.MaxRetries))
	}
	if cfg.RetryBackoff > 0 {
		opts = append(opts, WithRetryBackoff(cfg.RetryBackoff))
	}
	return NewClient(cfg.APIKey, cfg.APISecret, opts...)
}

func init() {
	exchange.RegisterProvider("kraken", func(name string, cfg *exchange.ProviderConfig) (exchange.Provider, error) {
		return NewFromConfig(cfg)
	})
}
