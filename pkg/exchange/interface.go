package exchange

import "context"

// Provider exposes the account, history and market-data operations the bot
// consumes. Reads may be retried by implementations; PlaceOrder never is.
type Provider interface {
	// Account information.
	GetBalance(ctx context.Context) (Balance, error)
	GetTradeBalance(ctx context.Context, asset string) (*TradeBalance, error)

	// Catalog.
	GetAssetPairs(ctx context.Context) (map[string]AssetPair, error)

	// History, paginated newest first.
	GetTradesHistory(ctx context.Context, q HistoryQuery) (*TradePage, error)
	GetLedgers(ctx context.Context, q HistoryQuery) (*LedgerPage, error)

	// Order management.
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)

	// Market data.
	GetTicker(ctx context.Context, pair string) (*Ticker, error)
	GetOHLC(ctx context.Context, pair string, intervalMinutes int) ([]Candle, error)
}
