package kraken

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/irgendwasmitfelix/TradingBot/pkg/exchange"
)

// GetBalance returns free balances keyed by Kraken asset code.
func (c *Client) GetBalance(ctx context.Context) (exchange.Balance, error) {
	var raw map[string]decimal.Decimal
	if err := c.doRead(ctx, "/0/private/Balance", nil, true, &raw); err != nil {
		return nil, err
	}
	out := make(exchange.Balance, len(raw))
	for asset, amount := range raw {
		out[asset] = amount
	}
	return out, nil
}

// GetTradeBalance returns margin figures valued in asset (e.g. ZEUR).
func (c *Client) GetTradeBalance(ctx context.Context, asset string) (*exchange.TradeBalance, error) {
	params := url.Values{}
	if asset != "" {
		params.Set("asset", asset)
	}
	var out exchange.TradeBalance
	if err := c.doRead(ctx, "/0/private/TradeBalance", params, true, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTradesHistory returns one page (up to 50 fills) of trade history.
func (c *Client) GetTradesHistory(ctx context.Context, q exchange.HistoryQuery) (*exchange.TradePage, error) {
	var res tradesHistoryResult
	if err := c.doRead(ctx, "/0/private/TradesHistory", historyParams(q), true, &res); err != nil {
		return nil, err
	}
	return res.toPage(), nil
}

// GetLedgers returns one page of ledger entries.
func (c *Client) GetLedgers(ctx context.Context, q exchange.HistoryQuery) (*exchange.LedgerPage, error) {
	var res ledgersResult
	if err := c.doRead(ctx, "/0/private/Ledgers", historyParams(q), true, &res); err != nil {
		return nil, err
	}
	return res.toPage(), nil
}

// PlaceOrder submits an order once. Failures are returned to the caller
// without retry.
func (c *Client) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderResult, error) {
	if req.Pair == "" {
		return nil, fmt.Errorf("kraken: order pair is required")
	}
	if req.Side != exchange.SideBuy && req.Side != exchange.SideSell {
		return nil, fmt.Errorf("kraken: invalid order side %q", req.Side)
	}
	if !req.Volume.IsPositive() {
		return nil, fmt.Errorf("kraken: order volume must be positive")
	}
	orderType := req.Type
	if orderType == "" {
		orderType = exchange.OrderTypeMarket
	}

	params := url.Values{}
	params.Set("pair", req.Pair)
	params.Set("type", string(req.Side))
	params.Set("ordertype", string(orderType))
	params.Set("volume", req.Volume.String())
	if orderType == exchange.OrderTypeLimit {
		if !req.Price.IsPositive() {
			return nil, fmt.Errorf("kraken: limit order requires a positive price")
		}
		params.Set("price", req.Price.String())
	}
	if req.Leverage > 1 {
		params.Set("leverage", strconv.Itoa(req.Leverage))
	}
	if req.ClientOrderID != "" {
		params.Set("cl_ord_id", req.ClientOrderID)
	}
	if req.Validate {
		params.Set("validate", "true")
	}

	var res addOrderResult
	if err := c.doWrite(ctx, "/0/private/AddOrder", params, &res); err != nil {
		return nil, err
	}
	return &exchange.OrderResult{TxIDs: res.TxID, Description: res.Descr.Order}, nil
}

func historyParams(q exchange.HistoryQuery) url.Values {
	params := url.Values{}
	if q.Offset > 0 {
		params.Set("ofs", strconv.Itoa(q.Offset))
	}
	if !q.Since.IsZero() {
		params.Set("start", strconv.FormatInt(q.Since.Unix(), 10))
	}
	return params
}
