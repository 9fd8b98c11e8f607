package sim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irgendwasmitfelix/TradingBot/pkg/exchange"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type stepClock struct{ t time.Time }

func (c *stepClock) now() time.Time {
	c.t = c.t.Add(time.Minute)
	return c.t
}

func TestSimProvider_SpotRoundTrip(t *testing.T) {
	clock := &stepClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	p := New(WithClock(clock.now), WithFeeRate(dec("0.01")))
	ctx := context.Background()
	p.Deposit("ZEUR", dec("1000"))
	require.NoError(t, p.SetMarkPrice("XBTEUR", 20000))

	_, err := p.PlaceOrder(ctx, exchange.OrderRequest{Pair: "XBTEUR", Side: exchange.SideBuy, Volume: dec("0.01")})
	require.NoError(t, err, "buy should fill")

	bal, err := p.GetBalance(ctx)
	require.NoError(t, err)
	assert.True(t, bal.Amount("ZEUR").Equal(dec("798")), "1000 - 200 cost - 2 fee, got %s", bal.Amount("ZEUR"))
	assert.True(t, bal.Amount("XXBT").Equal(dec("0.01")))

	require.NoError(t, p.SetMarkPrice("XXBTZEUR", 21000))
	_, err = p.PlaceOrder(ctx, exchange.OrderRequest{Pair: "XXBTZEUR", Side: exchange.SideSell, Volume: dec("0.01")})
	require.NoError(t, err, "sell should fill")

	bal, err = p.GetBalance(ctx)
	require.NoError(t, err)
	assert.True(t, bal.Amount("ZEUR").Equal(dec("1005.9")), "798 + 210 - 2.1, got %s", bal.Amount("ZEUR"))
	assert.True(t, bal.Amount("XXBT").IsZero())

	page, err := p.GetTradesHistory(ctx, exchange.HistoryQuery{})
	require.NoError(t, err)
	require.Equal(t, 2, page.Count)
	assert.Equal(t, exchange.SideSell, page.Trades[0].Side, "newest first")
	assert.Equal(t, "XXBTZEUR", page.Trades[1].Pair)
}

func TestSimProvider_InsufficientFunds(t *testing.T) {
	p := New()
	ctx := context.Background()
	p.Deposit("ZEUR", dec("100"))
	require.NoError(t, p.SetMarkPrice("ETHEUR", 2000))

	_, err := p.PlaceOrder(ctx, exchange.OrderRequest{Pair: "ETHEUR", Side: exchange.SideBuy, Volume: dec("0.05")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, exchange.ErrInsufficientFunds))

	page, err := p.GetTradesHistory(ctx, exchange.HistoryQuery{})
	require.NoError(t, err)
	assert.Zero(t, page.Count, "rejected order leaves no fill")
}

func TestSimProvider_UnknownPair(t *testing.T) {
	p := New()
	_, err := p.PlaceOrder(context.Background(), exchange.OrderRequest{Pair: "MATICEUR", Side: exchange.SideBuy, Volume: dec("10")})
	assert.True(t, errors.Is(err, exchange.ErrUnknownPair))
}

func TestSimProvider_MarginShortRealizesPnL(t *testing.T) {
	p := New(WithFeeRate(decimal.Zero))
	ctx := context.Background()
	p.Deposit("ZEUR", dec("500"))
	require.NoError(t, p.SetMarkPrice("SOLEUR", 100))

	_, err := p.PlaceOrder(ctx, exchange.OrderRequest{Pair: "SOLEUR", Side: exchange.SideSell, Volume: dec("2"), Leverage: 2})
	require.NoError(t, err, "short should open on margin")

	tb, err := p.GetTradeBalance(ctx, "ZEUR")
	require.NoError(t, err)
	assert.True(t, tb.MarginUsed.Equal(dec("100")), "200 notional at 2x, got %s", tb.MarginUsed)

	require.NoError(t, p.SetMarkPrice("SOLEUR", 90))
	_, err = p.PlaceOrder(ctx, exchange.OrderRequest{Pair: "SOLEUR", Side: exchange.SideBuy, Volume: dec("2")})
	require.NoError(t, err, "buy should cover the short")

	bal, err := p.GetBalance(ctx)
	require.NoError(t, err)
	assert.True(t, bal.Amount("ZEUR").Equal(dec("520")), "short gained 2*10, got %s", bal.Amount("ZEUR"))

	tb, err = p.GetTradeBalance(ctx, "ZEUR")
	require.NoError(t, err)
	assert.True(t, tb.MarginUsed.IsZero())
}

func TestSimProvider_HistoryPagination(t *testing.T) {
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	p := New(WithPageSize(2))
	for i := 0; i < 5; i++ {
		p.RecordTrade(exchange.Trade{Pair: "XXBTZEUR", Time: base.Add(time.Duration(i) * time.Hour), Side: exchange.SideBuy, Price: dec("1"), Volume: dec("1")})
	}
	ctx := context.Background()

	var seen []time.Time
	for ofs := 0; ; {
		page, err := p.GetTradesHistory(ctx, exchange.HistoryQuery{Offset: ofs})
		require.NoError(t, err)
		assert.Equal(t, 5, page.Count)
		if len(page.Trades) == 0 {
			break
		}
		for _, tr := range page.Trades {
			seen = append(seen, tr.Time)
		}
		ofs += len(page.Trades)
	}
	require.Len(t, seen, 5)
	assert.Equal(t, base.Add(4*time.Hour), seen[0])
	assert.Equal(t, base, seen[4])

	page, err := p.GetTradesHistory(ctx, exchange.HistoryQuery{Since: base.Add(3 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Count, "since filter keeps trades at or after the bound")
}

func TestSimProvider_LedgerRecordsExternalFlows(t *testing.T) {
	p := New()
	ctx := context.Background()
	p.Deposit("ZEUR", dec("100"))
	require.NoError(t, p.Withdraw("ZEUR", dec("30")))
	assert.Error(t, p.Withdraw("ZEUR", dec("1000")))

	page, err := p.GetLedgers(ctx, exchange.HistoryQuery{})
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	assert.Equal(t, exchange.LedgerWithdrawal, page.Entries[0].Type)
	assert.True(t, page.Entries[0].Amount.Equal(dec("-30")))
	assert.True(t, page.Entries[0].Balance.Equal(dec("70")))
}

func TestSimProvider_FailNextAndCallCounting(t *testing.T) {
	p := New()
	boom := errors.New("boom")
	p.FailNext("GetBalance", boom)

	_, err := p.GetBalance(context.Background())
	assert.ErrorIs(t, err, boom)
	_, err = p.GetBalance(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 2, p.Calls("GetBalance"))
	assert.Equal(t, 2, p.TotalCalls())
}

func TestSimProvider_CandlesSetMark(t *testing.T) {
	p := New()
	ctx := context.Background()
	require.NoError(t, p.SetCandles("ETHEUR", []exchange.Candle{{Close: 10}, {Close: 12}}))

	candles, err := p.GetOHLC(ctx, "XETHZEUR", 15)
	require.NoError(t, err)
	assert.Len(t, candles, 2)

	tick, err := p.GetTicker(ctx, "ETHEUR")
	require.NoError(t, err)
	assert.InDelta(t, 12.0, tick.Last, 1e-9)
}

func TestSimProvider_RegistryBuildsFromConfig(t *testing.T) {
	provider, err := exchange.GetProvider("sim", &exchange.ProviderConfig{InitialBalance: 250, QuoteAsset: "zeur"})
	require.NoError(t, err)
	bal, err := provider.GetBalance(context.Background())
	require.NoError(t, err)
	assert.True(t, bal.Amount("ZEUR").Equal(dec("250")))
}
