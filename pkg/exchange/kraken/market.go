package kraken

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"

	"github.com/irgendwasmitfelix/TradingBot/pkg/exchange"
)

// GetAssetPairs returns the full tradable pair catalog keyed by Kraken pair key.
func (c *Client) GetAssetPairs(ctx context.Context) (map[string]exchange.AssetPair, error) {
	var raw map[string]rawAssetPair
	if err := c.doRead(ctx, "/0/public/AssetPairs", nil, false, &raw); err != nil {
		return nil, err
	}
	out := make(map[string]exchange.AssetPair, len(raw))
	for key, p := range raw {
		out[key] = exchange.AssetPair{
			Key:          key,
			Altname:      p.Altname,
			WSName:       p.WSName,
			Base:         p.Base,
			Quote:        p.Quote,
			OrderMin:     p.OrderMin,
			Status:       p.Status,
			LeverageBuy:  p.LeverageBuy,
			LeverageSell: p.LeverageSell,
		}
	}
	return out, nil
}

// GetTicker returns last/bid/ask for pair.
func (c *Client) GetTicker(ctx context.Context, pair string) (*exchange.Ticker, error) {
	params := url.Values{}
	params.Set("pair", pair)
	var raw map[string]rawTicker
	if err := c.doRead(ctx, "/0/public/Ticker", params, false, &raw); err != nil {
		return nil, err
	}
	for key, t := range raw {
		return &exchange.Ticker{
			Pair: key,
			Last: firstFloat(t.Last),
			Bid:  firstFloat(t.Bid),
			Ask:  firstFloat(t.Ask),
		}, nil
	}
	return nil, &exchange.APIError{Op: "/0/public/Ticker", Codes: []string{"no ticker for " + pair}, Kind: exchange.ErrUnknownPair}
}

// GetOHLC returns candles for pair, oldest first. The last candle is the
// one still forming.
func (c *Client) GetOHLC(ctx context.Context, pair string, intervalMinutes int) ([]exchange.Candle, error) {
	params := url.Values{}
	params.Set("pair", pair)
	if intervalMinutes > 0 {
		params.Set("interval", strconv.Itoa(intervalMinutes))
	}
	var raw map[string]json.RawMessage
	if err := c.doRead(ctx, "/0/public/OHLC", params, false, &raw); err != nil {
		return nil, err
	}
	for key, data := range raw {
		if key == "last" {
			continue
		}
		var rows [][]interface{}
		if err := json.Unmarshal(data, &rows); err != nil {
			return nil, fmt.Errorf("kraken: decode ohlc rows for %s: %w", key, err)
		}
		candles := make([]exchange.Candle, 0, len(rows))
		for _, row := range rows {
			candle, err := parseCandle(row)
			if err != nil {
				return nil, fmt.Errorf("kraken: ohlc %s: %w", key, err)
			}
			candles = append(candles, candle)
		}
		sort.Slice(candles, func(i, j int) bool { return candles[i].Time.Before(candles[j].Time) })
		return candles, nil
	}
	return nil, &exchange.APIError{Op: "/0/public/OHLC", Codes: []string{"no candles for " + pair}, Kind: exchange.ErrUnknownPair}
}

// parseCandle decodes [time, open, high, low, close, vwap, volume, count].
func parseCandle(row []interface{}) (exchange.Candle, error) {
	if len(row) < 7 {
		return exchange.Candle{}, fmt.Errorf("short row of %d fields", len(row))
	}
	ts, ok := row[0].(float64)
	if !ok {
		return exchange.Candle{}, fmt.Errorf("invalid timestamp %v", row[0])
	}
	vals := make([]float64, 0, 6)
	for _, idx := range []int{1, 2, 3, 4, 6} {
		s, ok := row[idx].(string)
		if !ok {
			return exchange.Candle{}, fmt.Errorf("field %d is not a string", idx)
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return exchange.Candle{}, fmt.Errorf("field %d: %w", idx, err)
		}
		vals = append(vals, v)
	}
	return exchange.Candle{
		Time:   unixTime(ts),
		Open:   vals[0],
		High:   vals[1],
		Low:    vals[2],
		Close:  vals[3],
		Volume: vals[4],
	}, nil
}

func firstFloat(fields []string) float64 {
	if len(fields) == 0 {
		return 0
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	return v
}
