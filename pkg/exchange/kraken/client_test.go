package kraken

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irgendwasmitfelix/TradingBot/pkg/exchange"
)

var testSecret = base64.StdEncoding.EncodeToString([]byte("kraken-test-secret"))

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...ClientOption) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	base := []ClientOption{
		WithBaseURL(srv.URL),
		WithMinCallSpacing(time.Millisecond),
		WithRetryBackoff(time.Millisecond),
	}
	client, err := NewClient("test-key", testSecret, append(base, opts...)...)
	require.NoError(t, err)
	return client
}

// verifySignature checks API-Sign the same way Kraken does.
func verifySignature(t *testing.T, r *http.Request) url.Values {
	t.Helper()
	body, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	form, err := url.ParseQuery(string(body))
	require.NoError(t, err)
	secret, _ := base64.StdEncoding.DecodeString(testSecret)
	want := sign(r.URL.Path, form.Get("nonce"), string(body), secret)
	assert.Equal(t, want, r.Header.Get("API-Sign"), "signature should match payload")
	assert.Equal(t, "test-key", r.Header.Get("API-Key"))
	return form
}

func TestGetTradesHistory_DecodesAndSortsNewestFirst(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/0/private/TradesHistory", r.URL.Path)
		form := verifySignature(t, r)
		assert.Equal(t, "50", form.Get("ofs"))
		assert.Equal(t, "1704067200", form.Get("start"))
		fmt.Fprint(w, `{"error":[],"result":{"count":2,"trades":{
			"TA":{"ordertxid":"OA","pair":"XXBTZEUR","time":1704100000.1234,"type":"buy","ordertype":"market","price":"40000.0","cost":"400.0","fee":"1.04","vol":"0.01","margin":"0.0"},
			"TB":{"ordertxid":"OB","pair":"XETHZEUR","time":1704200000.5,"type":"sell","ordertype":"limit","price":"2200.5","cost":"220.05","fee":"0.57","vol":"0.1"}
		}}}`)
	})

	page, err := client.GetTradesHistory(context.Background(), exchange.HistoryQuery{
		Offset: 50,
		Since:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Equal(t, 2, page.Count)
	require.Len(t, page.Trades, 2)

	assert.Equal(t, "TB", page.Trades[0].ID, "newest trade first")
	assert.Equal(t, exchange.SideSell, page.Trades[0].Side)
	assert.True(t, page.Trades[0].Price.Equal(decimal.RequireFromString("2200.5")))
	assert.True(t, page.Trades[0].Margin.IsZero(), "missing margin decodes as zero")

	first := page.Trades[1]
	assert.Equal(t, "XXBTZEUR", first.Pair)
	assert.Equal(t, time.UnixMicro(1704100000123400).UTC(), first.Time)
	assert.True(t, first.Fee.Equal(decimal.RequireFromString("1.04")))
}

func TestGetLedgers_Decodes(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/0/private/Ledgers", r.URL.Path)
		verifySignature(t, r)
		fmt.Fprint(w, `{"error":[],"result":{"count":1,"ledger":{
			"L1":{"refid":"R1","time":1704300000,"type":"deposit","asset":"ZEUR","amount":"50.0000","fee":"0.0000","balance":"150.0000"}
		}}}`)
	})

	page, err := client.GetLedgers(context.Background(), exchange.HistoryQuery{})
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	entry := page.Entries[0]
	assert.Equal(t, exchange.LedgerDeposit, entry.Type)
	assert.True(t, entry.Type.External())
	assert.True(t, entry.Amount.Equal(decimal.NewFromInt(50)))
}

func TestReadRequestRetriesRateLimit(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			fmt.Fprint(w, `{"error":["EAPI:Rate limit exceeded"]}`)
			return
		}
		fmt.Fprint(w, `{"error":[],"result":{"ZEUR":"100.5000","XXBT":"0.0100000000"}}`)
	})

	bal, err := client.GetBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.True(t, bal.Amount("ZEUR").Equal(decimal.RequireFromString("100.5")))
	assert.True(t, bal.Amount("XETH").IsZero())
}

func TestReadRequestGivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}, WithMaxRetries(4))

	_, err := client.GetAssetPairs(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, exchange.ErrTemporary))
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls))
}

func TestReadRequestDoesNotRetryPermanentErrors(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		fmt.Fprint(w, `{"error":["EQuery:Unknown asset pair"]}`)
	})

	_, err := client.GetTicker(context.Background(), "MATICEUR")
	require.Error(t, err)
	assert.True(t, errors.Is(err, exchange.ErrUnknownPair))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	var apiErr *exchange.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, []string{"EQuery:Unknown asset pair"}, apiErr.Codes)
}

func TestPlaceOrderIsNotRetried(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		fmt.Fprint(w, `{"error":["EService:Unavailable"]}`)
	})

	_, err := client.PlaceOrder(context.Background(), exchange.OrderRequest{
		Pair:   "XBTEUR",
		Side:   exchange.SideBuy,
		Type:   exchange.OrderTypeMarket,
		Volume: decimal.RequireFromString("0.001"),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, exchange.ErrTemporary))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "orders must be sent exactly once")
}

func TestPlaceOrderEncodesParameters(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/0/private/AddOrder", r.URL.Path)
		form := verifySignature(t, r)
		assert.Equal(t, "XBTEUR", form.Get("pair"))
		assert.Equal(t, "sell", form.Get("type"))
		assert.Equal(t, "limit", form.Get("ordertype"))
		assert.Equal(t, "0.25", form.Get("volume"))
		assert.Equal(t, "41000.5", form.Get("price"))
		assert.Equal(t, "2", form.Get("leverage"))
		assert.Equal(t, "cl-1", form.Get("cl_ord_id"))
		fmt.Fprint(w, `{"error":[],"result":{"descr":{"order":"sell 0.25 XBTEUR @ limit 41000.5 with 2:1 leverage"},"txid":["OUF4EM-FRGI2-MQMWZD"]}}`)
	})

	res, err := client.PlaceOrder(context.Background(), exchange.OrderRequest{
		Pair:          "XBTEUR",
		Side:          exchange.SideSell,
		Type:          exchange.OrderTypeLimit,
		Volume:        decimal.RequireFromString("0.25"),
		Price:         decimal.RequireFromString("41000.5"),
		Leverage:      2,
		ClientOrderID: "cl-1",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"OUF4EM-FRGI2-MQMWZD"}, res.TxIDs)
	assert.Contains(t, res.Description, "2:1 leverage")
}

func TestPlaceOrderValidatesInput(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("no request expected")
	})
	_, err := client.PlaceOrder(context.Background(), exchange.OrderRequest{Pair: "XBTEUR", Side: exchange.SideBuy})
	assert.Error(t, err, "zero volume should be rejected locally")
	_, err = client.PlaceOrder(context.Background(), exchange.OrderRequest{
		Pair: "XBTEUR", Side: exchange.SideBuy, Type: exchange.OrderTypeLimit, Volume: decimal.NewFromInt(1),
	})
	assert.Error(t, err, "limit order without price should be rejected locally")
}

func TestPrivateCallWithoutCredentials(t *testing.T) {
	client, err := NewClient("", "", WithBaseURL("http://127.0.0.1:0"))
	require.NoError(t, err)
	_, err = client.GetBalance(context.Background())
	assert.True(t, errors.Is(err, exchange.ErrPermission))
}

func TestNewClientRejectsInvalidSecret(t *testing.T) {
	_, err := NewClient("key", "%%%not-base64")
	assert.Error(t, err)
}

func TestNonceIsStrictlyIncreasing(t *testing.T) {
	fixed := time.Unix(1700000000, 0)
	client, err := NewClient("key", testSecret, WithClock(func() time.Time { return fixed }))
	require.NoError(t, err)
	a := client.nextNonce()
	b := client.nextNonce()
	c := client.nextNonce()
	assert.Equal(t, fixed.UnixMilli(), a)
	assert.Equal(t, a+1, b)
	assert.Equal(t, b+1, c)
}

func TestMinCallSpacing(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":[],"result":{}}`)
	}, WithMinCallSpacing(40*time.Millisecond))

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := client.GetAssetPairs(context.Background())
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestGetOHLC_ParsesRows(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/0/public/OHLC", r.URL.Path)
		assert.Equal(t, "XBTEUR", r.URL.Query().Get("pair"))
		assert.Equal(t, "15", r.URL.Query().Get("interval"))
		fmt.Fprint(w, `{"error":[],"result":{"XXBTZEUR":[
			[1700000900,"101.0","103.0","100.0","102.0","101.5","3.5",12],
			[1700000000,"100.0","102.0","99.0","101.0","100.5","2.0",10]
		],"last":1700000900}}`)
	})

	candles, err := client.GetOHLC(context.Background(), "XBTEUR", 15)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.InDelta(t, 101.0, candles[0].Close, 1e-9, "oldest candle first")
	assert.InDelta(t, 102.0, candles[1].Close, 1e-9)
	assert.InDelta(t, 3.5, candles[1].Volume, 1e-9)
}

func TestGetAssetPairs_Decodes(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":[],"result":{"XXBTZEUR":{"altname":"XBTEUR","wsname":"XBT/EUR","base":"XXBT","quote":"ZEUR","ordermin":"0.0001","status":"online","leverage_buy":[2,3],"leverage_sell":[2,3]}}}`)
	})

	pairs, err := client.GetAssetPairs(context.Background())
	require.NoError(t, err)
	p, ok := pairs["XXBTZEUR"]
	require.True(t, ok)
	assert.Equal(t, "XBTEUR", p.Altname)
	assert.Equal(t, "XBT/EUR", p.WSName)
	assert.True(t, p.Tradable())
	assert.True(t, p.OrderMin.Equal(decimal.RequireFromString("0.0001")))
	assert.Equal(t, []int{2, 3}, p.LeverageSell)
}

func TestClassifyCodes(t *testing.T) {
	tests := map[string]error{
		"EQuery:Unknown asset pair":  exchange.ErrUnknownPair,
		"EOrder:Insufficient funds":  exchange.ErrInsufficientFunds,
		"EOrder:Insufficient margin": exchange.ErrInsufficientFunds,
		"EAPI:Rate limit exceeded":   exchange.ErrRateLimited,
		"EGeneral:Too many requests": exchange.ErrRateLimited,
		"EAPI:Invalid nonce":         exchange.ErrInvalidNonce,
		"EService:Busy":              exchange.ErrTemporary,
		"EGeneral:Permission denied": exchange.ErrPermission,
		"EOrder:Invalid price":       exchange.ErrRejected,
	}
	for code, want := range tests {
		assert.Equalf(t, want, classifyCodes([]string{code}), "classifyCodes(%q)", code)
	}
}

func TestWarningsAreNotErrors(t *testing.T) {
	assert.Empty(t, errorCodes([]string{"WGeneral:Deprecated"}))
	assert.Equal(t, []string{"EAPI:Bad request"}, errorCodes([]string{"WGeneral:Deprecated", "EAPI:Bad request"}))
}
