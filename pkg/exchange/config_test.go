package exchange_test

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	exchange "github.com/irgendwasmitfelix/TradingBot/pkg/exchange"
	_ "github.com/irgendwasmitfelix/TradingBot/pkg/exchange/kraken"
	_ "github.com/irgendwasmitfelix/TradingBot/pkg/exchange/sim"
)

const testSecret = "a3Jha2VuLXRlc3Qtc2VjcmV0" // base64("kraken-test-secret")

func TestLoadConfigAndBuildProviders(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("KRAKEN_API_KEY", "key-123")
	t.Setenv("KRAKEN_API_SECRET", testSecret)

	configYAML := `
default: kraken_main
providers:
  kraken_main:
    type: kraken
    api_key: ${KRAKEN_API_KEY}
    api_secret: ${KRAKEN_API_SECRET}
    timeout: 45s
    min_call_spacing: 500ms
    retry_backoff: 250ms
    max_retries: 5
  paper:
    type: sim
    initial_balance: 1000
    quote_asset: zeur
`
	path := filepath.Join(dir, "exchange.yaml")
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := exchange.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Default != "kraken_main" {
		t.Fatalf("unexpected default: %s", cfg.Default)
	}
	main, ok := cfg.DefaultProvider()
	if !ok {
		t.Fatalf("default provider missing")
	}
	if main.APIKey != "key-123" {
		t.Fatalf("api_key not expanded, got %q", main.APIKey)
	}
	if main.Timeout != 45*time.Second || main.MinCallSpacing != 500*time.Millisecond || main.RetryBackoff != 250*time.Millisecond {
		t.Fatalf("durations not parsed: %s %s %s", main.Timeout, main.MinCallSpacing, main.RetryBackoff)
	}
	if cfg.Providers["paper"].QuoteAsset != "ZEUR" {
		t.Fatalf("quote asset not normalised: %q", cfg.Providers["paper"].QuoteAsset)
	}

	providers, err := cfg.BuildProviders()
	if err != nil {
		t.Fatalf("BuildProviders error: %v", err)
	}
	if len(providers) != 2 {
		t.Fatalf("expected 2 providers, got %d", len(providers))
	}
}

func TestLoadConfigRequiresCredentials(t *testing.T) {
	dir := t.TempDir()
	configYAML := `
providers:
  kraken_main:
    type: kraken
`
	path := filepath.Join(dir, "exchange.yaml")
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	_, err := exchange.LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "api_key") {
		t.Fatalf("expected api_key error, got %v", err)
	}
}

func TestLoadConfigRejectsBadDuration(t *testing.T) {
	_, err := exchange.LoadConfigFromReader(strings.NewReader(`
providers:
  paper:
    type: sim
    min_call_spacing: soon
`))
	if err == nil || !strings.Contains(err.Error(), "min_call_spacing") {
		t.Fatalf("expected min_call_spacing error, got %v", err)
	}
}

func TestLoadConfigRejectsUnknownType(t *testing.T) {
	_, err := exchange.LoadConfigFromReader(strings.NewReader(`
providers:
  other:
    type: binance
`))
	if err == nil || !strings.Contains(err.Error(), "unsupported type") {
		t.Fatalf("expected unsupported type error, got %v", err)
	}
}

func TestAPIErrorUnwrap(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &exchange.APIError{Op: "/0/private/AddOrder", Codes: []string{"EOrder:Insufficient funds"}, Kind: exchange.ErrInsufficientFunds})
	if !errors.Is(err, exchange.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds in chain")
	}
	if exchange.IsRetryable(err) {
		t.Fatalf("insufficient funds must not be retryable")
	}
	if !exchange.IsRetryable(&exchange.APIError{Kind: exchange.ErrRateLimited}) {
		t.Fatalf("rate limit should be retryable")
	}
	if !strings.Contains(err.Error(), "AddOrder: EOrder:Insufficient funds") {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
