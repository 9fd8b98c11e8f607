package kraken

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/irgendwasmitfelix/TradingBot/pkg/exchange"
)

type rawTrade struct {
	OrderTxID string          `json:"ordertxid"`
	Pair      string          `json:"pair"`
	Time      float64         `json:"time"`
	Type      string          `json:"type"`
	OrderType string          `json:"ordertype"`
	Price     decimal.Decimal `json:"price"`
	Cost      decimal.Decimal `json:"cost"`
	Fee       decimal.Decimal `json:"fee"`
	Vol       decimal.Decimal `json:"vol"`
	Margin    decimal.Decimal `json:"margin"`
}

type tradesHistoryResult struct {
	Trades map[string]rawTrade `json:"trades"`
	Count  int                 `json:"count"`
}

type rawLedger struct {
	RefID   string          `json:"refid"`
	Time    float64         `json:"time"`
	Type    string          `json:"type"`
	Asset   string          `json:"asset"`
	Amount  decimal.Decimal `json:"amount"`
	Fee     decimal.Decimal `json:"fee"`
	Balance decimal.Decimal `json:"balance"`
}

type ledgersResult struct {
	Ledger map[string]rawLedger `json:"ledger"`
	Count  int                  `json:"count"`
}

type rawAssetPair struct {
	Altname      string          `json:"altname"`
	WSName       string          `json:"wsname"`
	Base         string          `json:"base"`
	Quote        string          `json:"quote"`
	OrderMin     decimal.Decimal `json:"ordermin"`
	Status       string          `json:"status"`
	LeverageBuy  []int           `json:"leverage_buy"`
	LeverageSell []int           `json:"leverage_sell"`
}

type rawTicker struct {
	Ask  []string `json:"a"`
	Bid  []string `json:"b"`
	Last []string `json:"c"`
}

type addOrderResult struct {
	Descr struct {
		Order string `json:"order"`
	} `json:"descr"`
	TxID []string `json:"txid"`
}

// unixTime converts Kraken's fractional seconds, rounded to microseconds so
// repeated decodes of the same payload are identical.
func unixTime(sec float64) time.Time {
	return time.UnixMicro(int64(math.Round(sec * 1e6))).UTC()
}

func (r tradesHistoryResult) toPage() *exchange.TradePage {
	trades := make([]exchange.Trade, 0, len(r.Trades))
	for id, t := range r.Trades {
		trades = append(trades, exchange.Trade{
			ID:        id,
			OrderID:   t.OrderTxID,
			Pair:      t.Pair,
			Time:      unixTime(t.Time),
			Side:      exchange.Side(t.Type),
			OrderType: t.OrderType,
			Price:     t.Price,
			Volume:    t.Vol,
			Cost:      t.Cost,
			Fee:       t.Fee,
			Margin:    t.Margin,
		})
	}
	sort.Slice(trades, func(i, j int) bool {
		if !trades[i].Time.Equal(trades[j].Time) {
			return trades[i].Time.After(trades[j].Time)
		}
		return trades[i].ID > trades[j].ID
	})
	return &exchange.TradePage{Trades: trades, Count: r.Count}
}

func (r ledgersResult) toPage() *exchange.LedgerPage {
	entries := make([]exchange.LedgerEntry, 0, len(r.Ledger))
	for id, l := range r.Ledger {
		entries = append(entries, exchange.LedgerEntry{
			ID:      id,
			RefID:   l.RefID,
			Time:    unixTime(l.Time),
			Type:    exchange.LedgerType(l.Type),
			Asset:   l.Asset,
			Amount:  l.Amount,
			Fee:     l.Fee,
			Balance: l.Balance,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].Time.Equal(entries[j].Time) {
			return entries[i].Time.After(entries[j].Time)
		}
		return entries[i].ID > entries[j].ID
	})
	return &exchange.LedgerPage{Entries: entries, Count: r.Count}
}
