package exchange

import (
	"time"

	"github.com/shopspring/decimal"
)

// Core trading domain types shared by the live client and the paper provider.
// Monetary fields use decimal to keep replayed totals exact.

// Side represents order or fill direction.
type Side string

const (
	// SideBuy executes a buy.
	SideBuy Side = "buy"
	// SideSell executes a sell.
	SideSell Side = "sell"
)

// Opposite returns the reverse direction.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType selects how an order is executed.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// Balance maps exchange asset codes (e.g. "ZEUR", "XXBT") to free amounts.
type Balance map[string]decimal.Decimal

// Amount returns the balance for asset, zero when absent.
func (b Balance) Amount(asset string) decimal.Decimal {
	if b == nil {
		return decimal.Zero
	}
	return b[asset]
}

// TradeBalance summarises margin headroom in the requested quote asset.
type TradeBalance struct {
	EquivalentBalance decimal.Decimal `json:"eb"`
	Equity            decimal.Decimal `json:"e"`
	MarginUsed        decimal.Decimal `json:"m"`
	FreeMargin        decimal.Decimal `json:"mf"`
}

// AssetPair describes one tradable instrument from the exchange catalog.
type AssetPair struct {
	Key          string          `json:"key"`     // catalog key, e.g. XXBTZEUR
	Altname      string          `json:"altname"` // e.g. XBTEUR
	WSName       string          `json:"wsname"`  // e.g. XBT/EUR
	Base         string          `json:"base"`
	Quote        string          `json:"quote"`
	OrderMin     decimal.Decimal `json:"ordermin"`
	Status       string          `json:"status"`
	LeverageBuy  []int           `json:"leverage_buy,omitempty"`
	LeverageSell []int           `json:"leverage_sell,omitempty"`
}

// Tradable reports whether the pair currently accepts orders.
func (p AssetPair) Tradable() bool {
	return p.Status == "" || p.Status == "online"
}

// Trade is a single fill from the account's trade history.
type Trade struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"ordertxid"`
	Pair      string          `json:"pair"` // catalog key as reported by the exchange
	Time      time.Time       `json:"time"`
	Side      Side            `json:"type"`
	OrderType string          `json:"ordertype"`
	Price     decimal.Decimal `json:"price"`
	Volume    decimal.Decimal `json:"vol"`
	Cost      decimal.Decimal `json:"cost"`
	Fee       decimal.Decimal `json:"fee"`
	Margin    decimal.Decimal `json:"margin"`
}

// TradePage is one page of trade history, newest first.
type TradePage struct {
	Trades []Trade
	Count  int // total matching records across all pages
}

// LedgerType classifies ledger entries.
type LedgerType string

const (
	LedgerDeposit    LedgerType = "deposit"
	LedgerWithdrawal LedgerType = "withdrawal"
	LedgerTrade      LedgerType = "trade"
	LedgerMargin     LedgerType = "margin"
	LedgerRollover   LedgerType = "rollover"
	LedgerTransfer   LedgerType = "transfer"
)

// External reports whether the entry moves funds in or out of the account.
func (t LedgerType) External() bool {
	return t == LedgerDeposit || t == LedgerWithdrawal
}

// LedgerEntry is a single balance movement.
type LedgerEntry struct {
	ID      string          `json:"id"`
	RefID   string          `json:"refid"`
	Time    time.Time       `json:"time"`
	Type    LedgerType      `json:"type"`
	Asset   string          `json:"asset"`
	Amount  decimal.Decimal `json:"amount"`
	Fee     decimal.Decimal `json:"fee"`
	Balance decimal.Decimal `json:"balance"`
}

// LedgerPage is one page of ledger history, newest first.
type LedgerPage struct {
	Entries []LedgerEntry
	Count   int
}

// HistoryQuery selects a page of trade or ledger history.
type HistoryQuery struct {
	Offset int
	Since  time.Time // zero means unbounded
}

// OrderRequest describes an order submission.
type OrderRequest struct {
	Pair          string          // catalog key or altname
	Side          Side
	Type          OrderType
	Volume        decimal.Decimal // base units
	Price         decimal.Decimal // limit price, zero for market orders
	Leverage      int             // 0 or 1 for spot, >1 opens on margin
	ClientOrderID string          // optional idempotency tag
	Validate      bool            // validate only, do not submit
}

// OrderResult captures the exchange acknowledgement.
type OrderResult struct {
	TxIDs       []string `json:"txid"`
	Description string   `json:"descr"`
}

// Candle is one OHLC bar.
type Candle struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Ticker holds the latest quote for a pair.
type Ticker struct {
	Pair string
	Last float64
	Bid  float64
	Ask  float64
}
