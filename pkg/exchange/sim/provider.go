package sim

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/irgendwasmitfelix/TradingBot/pkg/exchange"
)

const (
	defaultQuoteAsset = "ZEUR"
	defaultPageSize   = 50
)

var defaultFeeRate = decimal.RequireFromString("0.0026")

// MarketData supplies public catalog and price data. When set, the simulator
// delegates market reads to it and fills market orders at its last price.
type MarketData interface {
	GetAssetPairs(ctx context.Context) (map[string]exchange.AssetPair, error)
	GetTicker(ctx context.Context, pair string) (*exchange.Ticker, error)
	GetOHLC(ctx context.Context, pair string, intervalMinutes int) ([]exchange.Candle, error)
}

// Provider is a paper-trading exchange that keeps balances, margin positions,
// trade and ledger history in memory. History is served newest first with
// offset pagination like the live venue.
type Provider struct {
	mu sync.Mutex

	market        MarketData
	catalog       map[string]exchange.AssetPair
	catalogLoaded bool

	markPx  map[string]float64 // pair key -> last price
	candles map[string][]exchange.Candle

	balances  exchange.Balance
	positions map[string]*positionState // margin positions by pair key
	trades    []exchange.Trade          // chronological
	ledger    []exchange.LedgerEntry    // chronological

	quote    string
	feeRate  decimal.Decimal
	pageSize int
	seq      int
	clock    func() time.Time

	failures map[string][]error
	calls    map[string]int
}

type positionState struct {
	Qty      decimal.Decimal // positive long, negative short
	Entry    decimal.Decimal // average entry price
	Leverage int
}

// Option customises the simulator.
type Option func(*Provider)

// WithMarketData delegates catalog and price reads to md.
func WithMarketData(md MarketData) Option {
	return func(p *Provider) { p.market = md }
}

// WithClock overrides the fill timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(p *Provider) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithFeeRate sets the taker fee charged on every fill.
func WithFeeRate(rate decimal.Decimal) Option {
	return func(p *Provider) {
		if !rate.IsNegative() {
			p.feeRate = rate
		}
	}
}

// WithPageSize sets the history page size.
func WithPageSize(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.pageSize = n
		}
	}
}

// WithQuoteAsset sets the asset used for margin accounting.
func WithQuoteAsset(asset string) Option {
	return func(p *Provider) {
		if asset = strings.ToUpper(strings.TrimSpace(asset)); asset != "" {
			p.quote = asset
		}
	}
}

// WithBalance seeds a starting balance without a ledger entry.
func WithBalance(asset string, amount decimal.Decimal) Option {
	return func(p *Provider) { p.balances[asset] = amount }
}

// WithAssetPairs replaces the built-in catalog.
func WithAssetPairs(pairs ...exchange.AssetPair) Option {
	return func(p *Provider) {
		p.catalog = make(map[string]exchange.AssetPair, len(pairs))
		for _, pair := range pairs {
			p.catalog[pair.Key] = pair
		}
	}
}

// New constructs a simulator with a default EUR catalog.
func New(opts ...Option) *Provider {
	p := &Provider{
		catalog:   defaultCatalog(),
		markPx:    make(map[string]float64),
		candles:   make(map[string][]exchange.Candle),
		balances:  make(exchange.Balance),
		positions: make(map[string]*positionState),
		quote:     defaultQuoteAsset,
		feeRate:   defaultFeeRate,
		pageSize:  defaultPageSize,
		clock:     time.Now,
		failures:  make(map[string][]error),
		calls:     make(map[string]int),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func defaultCatalog() map[string]exchange.AssetPair {
	pairs := []exchange.AssetPair{
		{Key: "XXBTZEUR", Altname: "XBTEUR", WSName: "XBT/EUR", Base: "XXBT", Quote: "ZEUR", OrderMin: decimal.RequireFromString("0.0001"), Status: "online", LeverageBuy: []int{2, 3}, LeverageSell: []int{2, 3}},
		{Key: "XETHZEUR", Altname: "ETHEUR", WSName: "ETH/EUR", Base: "XETH", Quote: "ZEUR", OrderMin: decimal.RequireFromString("0.002"), Status: "online", LeverageBuy: []int{2, 3}, LeverageSell: []int{2, 3}},
		{Key: "XXRPZEUR", Altname: "XRPEUR", WSName: "XRP/EUR", Base: "XXRP", Quote: "ZEUR", OrderMin: decimal.RequireFromString("10"), Status: "online", LeverageBuy: []int{2}, LeverageSell: []int{2}},
		{Key: "SOLEUR", Altname: "SOLEUR", WSName: "SOL/EUR", Base: "SOL", Quote: "ZEUR", OrderMin: decimal.RequireFromString("0.02"), Status: "online", LeverageBuy: []int{2}, LeverageSell: []int{2}},
		{Key: "ADAEUR", Altname: "ADAEUR", WSName: "ADA/EUR", Base: "ADA", Quote: "ZEUR", OrderMin: decimal.RequireFromString("10"), Status: "online"},
		{Key: "DOTEUR", Altname: "DOTEUR", WSName: "DOT/EUR", Base: "DOT", Quote: "ZEUR", OrderMin: decimal.RequireFromString("0.5"), Status: "online"},
		{Key: "POLEUR", Altname: "POLEUR", WSName: "POL/EUR", Base: "POL", Quote: "ZEUR", OrderMin: decimal.RequireFromString("10"), Status: "online"},
	}
	out := make(map[string]exchange.AssetPair, len(pairs))
	for _, pair := range pairs {
		out[pair.Key] = pair
	}
	return out
}

// FailNext queues errors returned by the next calls to op (method name).
func (p *Provider) FailNext(op string, errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[op] = append(p.failures[op], errs...)
}

// Calls reports how often op was invoked.
func (p *Provider) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

// TotalCalls reports invocations across every operation.
func (p *Provider) TotalCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, n := range p.calls {
		total += n
	}
	return total
}

func (p *Provider) enterLocked(op string) error {
	p.calls[op]++
	queue := p.failures[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	p.failures[op] = queue[1:]
	return err
}

// SetMarkPrice updates the reference price used for market fills.
func (p *Provider) SetMarkPrice(pair string, price float64) error {
	if price <= 0 {
		return fmt.Errorf("sim: mark price must be positive")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	key, ok := p.resolveLocked(pair)
	if !ok {
		return unknownPair("SetMarkPrice", pair)
	}
	p.markPx[key.Key] = price
	return nil
}

// SetCandles installs the OHLC series served for pair and marks the last close.
func (p *Provider) SetCandles(pair string, candles []exchange.Candle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	key, ok := p.resolveLocked(pair)
	if !ok {
		return unknownPair("SetCandles", pair)
	}
	p.candles[key.Key] = append([]exchange.Candle(nil), candles...)
	if n := len(candles); n > 0 && candles[n-1].Close > 0 {
		p.markPx[key.Key] = candles[n-1].Close
	}
	return nil
}

// Deposit credits asset and records an external ledger entry.
func (p *Provider) Deposit(asset string, amount decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.moveLocked(exchange.LedgerDeposit, "", asset, amount, decimal.Zero)
}

// Withdraw debits asset and records an external ledger entry.
func (p *Provider) Withdraw(asset string, amount decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.balances.Amount(asset).LessThan(amount) {
		return insufficient("Withdraw")
	}
	p.moveLocked(exchange.LedgerWithdrawal, "", asset, amount.Neg(), decimal.Zero)
	return nil
}

// RecordTrade appends a historical fill without touching balances.
func (p *Provider) RecordTrade(t exchange.Trade) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t.ID == "" {
		p.seq++
		t.ID = fmt.Sprintf("T%06d", p.seq)
	}
	p.trades = append(p.trades, t)
	sort.SliceStable(p.trades, func(i, j int) bool { return p.trades[i].Time.Before(p.trades[j].Time) })
}

func (p *Provider) moveLocked(kind exchange.LedgerType, ref, asset string, amount, fee decimal.Decimal) {
	p.seq++
	bal := p.balances.Amount(asset).Add(amount).Sub(fee)
	p.balances[asset] = bal
	p.ledger = append(p.ledger, exchange.LedgerEntry{
		ID:      fmt.Sprintf("L%06d", p.seq),
		RefID:   ref,
		Time:    p.clock().UTC(),
		Type:    kind,
		Asset:   asset,
		Amount:  amount,
		Fee:     fee,
		Balance: bal,
	})
}

// GetBalance returns a copy of current balances.
func (p *Provider) GetBalance(ctx context.Context) (exchange.Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enterLocked("GetBalance"); err != nil {
		return nil, err
	}
	out := make(exchange.Balance, len(p.balances))
	for k, v := range p.balances {
		out[k] = v
	}
	return out, nil
}

// GetTradeBalance reports equity and margin headroom in the quote asset.
func (p *Provider) GetTradeBalance(ctx context.Context, asset string) (*exchange.TradeBalance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enterLocked("GetTradeBalance"); err != nil {
		return nil, err
	}
	cash := p.balances.Amount(p.quote)
	unrealized, used := p.marginSnapshotLocked()
	equity := cash.Add(unrealized)
	return &exchange.TradeBalance{
		EquivalentBalance: cash,
		Equity:            equity,
		MarginUsed:        used,
		FreeMargin:        equity.Sub(used),
	}, nil
}

// GetAssetPairs returns the catalog.
func (p *Provider) GetAssetPairs(ctx context.Context) (map[string]exchange.AssetPair, error) {
	if err := p.loadCatalog(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enterLocked("GetAssetPairs"); err != nil {
		return nil, err
	}
	out := make(map[string]exchange.AssetPair, len(p.catalog))
	for k, v := range p.catalog {
		out[k] = v
	}
	return out, nil
}

// loadCatalog replaces the built-in catalog with the market data catalog once.
func (p *Provider) loadCatalog(ctx context.Context) error {
	p.mu.Lock()
	md, loaded := p.market, p.catalogLoaded
	p.mu.Unlock()
	if md == nil || loaded {
		return nil
	}
	pairs, err := md.GetAssetPairs(ctx)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.catalog = pairs
	p.catalogLoaded = true
	p.mu.Unlock()
	return nil
}

// GetTradesHistory serves one page of fills newest first.
func (p *Provider) GetTradesHistory(ctx context.Context, q exchange.HistoryQuery) (*exchange.TradePage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enterLocked("GetTradesHistory"); err != nil {
		return nil, err
	}
	matched := make([]exchange.Trade, 0, len(p.trades))
	for i := len(p.trades) - 1; i >= 0; i-- {
		if !q.Since.IsZero() && p.trades[i].Time.Before(q.Since) {
			continue
		}
		matched = append(matched, p.trades[i])
	}
	lo, hi := pageBounds(q.Offset, p.pageSize, len(matched))
	return &exchange.TradePage{Trades: append([]exchange.Trade(nil), matched[lo:hi]...), Count: len(matched)}, nil
}

// GetLedgers serves one page of ledger entries newest first.
func (p *Provider) GetLedgers(ctx context.Context, q exchange.HistoryQuery) (*exchange.LedgerPage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enterLocked("GetLedgers"); err != nil {
		return nil, err
	}
	matched := make([]exchange.LedgerEntry, 0, len(p.ledger))
	for i := len(p.ledger) - 1; i >= 0; i-- {
		if !q.Since.IsZero() && p.ledger[i].Time.Before(q.Since) {
			continue
		}
		matched = append(matched, p.ledger[i])
	}
	lo, hi := pageBounds(q.Offset, p.pageSize, len(matched))
	return &exchange.LedgerPage{Entries: append([]exchange.LedgerEntry(nil), matched[lo:hi]...), Count: len(matched)}, nil
}

func pageBounds(offset, size, total int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := offset + size
	if end > total {
		end = total
	}
	return offset, end
}

// GetTicker returns the latest mark for pair.
func (p *Provider) GetTicker(ctx context.Context, pair string) (*exchange.Ticker, error) {
	p.mu.Lock()
	if err := p.enterLocked("GetTicker"); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	md := p.market
	p.mu.Unlock()
	if md != nil {
		return md.GetTicker(ctx, pair)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.resolveLocked(pair)
	if !ok {
		return nil, unknownPair("GetTicker", pair)
	}
	px, ok := p.markPx[info.Key]
	if !ok {
		return nil, fmt.Errorf("sim: no mark price for %s", info.Key)
	}
	return &exchange.Ticker{Pair: info.Key, Last: px, Bid: px, Ask: px}, nil
}

// GetOHLC returns the installed candle series for pair.
func (p *Provider) GetOHLC(ctx context.Context, pair string, intervalMinutes int) ([]exchange.Candle, error) {
	p.mu.Lock()
	if err := p.enterLocked("GetOHLC"); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	md := p.market
	p.mu.Unlock()
	if md != nil {
		candles, err := md.GetOHLC(ctx, pair, intervalMinutes)
		if err == nil && len(candles) > 0 {
			p.mu.Lock()
			if info, ok := p.resolveLocked(pair); ok {
				p.markPx[info.Key] = candles[len(candles)-1].Close
			}
			p.mu.Unlock()
		}
		return candles, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.resolveLocked(pair)
	if !ok {
		return nil, unknownPair("GetOHLC", pair)
	}
	return append([]exchange.Candle(nil), p.candles[info.Key]...), nil
}

// PlaceOrder fills synchronously at the limit price or the latest mark.
func (p *Provider) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderResult, error) {
	if err := p.loadCatalog(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enterLocked("PlaceOrder"); err != nil {
		return nil, err
	}
	if !req.Volume.IsPositive() {
		return nil, fmt.Errorf("sim: order volume must be positive")
	}
	info, ok := p.resolveLocked(req.Pair)
	if !ok {
		return nil, unknownPair("PlaceOrder", req.Pair)
	}
	if info.OrderMin.IsPositive() && req.Volume.LessThan(info.OrderMin) {
		return nil, &exchange.APIError{Op: "PlaceOrder", Codes: []string{"EOrder:Order minimum not met"}, Kind: exchange.ErrRejected}
	}

	price := req.Price
	if req.Type != exchange.OrderTypeLimit || !price.IsPositive() {
		px, ok := p.markPx[info.Key]
		if !ok || px <= 0 {
			return nil, fmt.Errorf("sim: no mark price for %s", info.Key)
		}
		price = decimal.NewFromFloat(px)
	}
	if req.Validate {
		return &exchange.OrderResult{Description: describe(req, info, price)}, nil
	}

	cost := price.Mul(req.Volume)
	fee := cost.Mul(p.feeRate).Round(8)
	state := p.positions[info.Key]
	margin := req.Leverage > 1 || (state != nil && !state.Qty.IsZero())

	p.seq++
	orderID := fmt.Sprintf("O%06d", p.seq)
	tradeID := fmt.Sprintf("T%06d", p.seq)
	marginAmt := decimal.Zero

	if margin {
		lev := req.Leverage
		if lev <= 1 && state != nil {
			lev = state.Leverage
		}
		if lev <= 1 {
			lev = 2
		}
		marginAmt = cost.Div(decimal.NewFromInt(int64(lev)))
		unrealized, used := p.marginSnapshotLocked()
		free := p.balances.Amount(p.quote).Add(unrealized).Sub(used)
		opening := state == nil || state.Qty.IsZero() || (state.Qty.IsPositive() == (req.Side == exchange.SideBuy))
		if opening && free.LessThan(marginAmt.Add(fee)) {
			return nil, &exchange.APIError{Op: "PlaceOrder", Codes: []string{"EOrder:Insufficient margin"}, Kind: exchange.ErrInsufficientFunds}
		}
		realized := p.applyMarginLocked(info.Key, price, req.Volume, req.Side, lev)
		p.moveLocked(exchange.LedgerMargin, tradeID, p.quote, realized, fee)
	} else {
		switch req.Side {
		case exchange.SideBuy:
			if p.balances.Amount(info.Quote).LessThan(cost.Add(fee)) {
				return nil, insufficient("PlaceOrder")
			}
			p.moveLocked(exchange.LedgerTrade, tradeID, info.Quote, cost.Neg(), fee)
			p.moveLocked(exchange.LedgerTrade, tradeID, info.Base, req.Volume, decimal.Zero)
		case exchange.SideSell:
			if p.balances.Amount(info.Base).LessThan(req.Volume) {
				return nil, insufficient("PlaceOrder")
			}
			p.moveLocked(exchange.LedgerTrade, tradeID, info.Base, req.Volume.Neg(), decimal.Zero)
			p.moveLocked(exchange.LedgerTrade, tradeID, info.Quote, cost, fee)
		default:
			return nil, fmt.Errorf("sim: invalid order side %q", req.Side)
		}
	}

	orderType := string(req.Type)
	if orderType == "" {
		orderType = string(exchange.OrderTypeMarket)
	}
	p.trades = append(p.trades, exchange.Trade{
		ID:        tradeID,
		OrderID:   orderID,
		Pair:      info.Key,
		Time:      p.clock().UTC(),
		Side:      req.Side,
		OrderType: orderType,
		Price:     price,
		Volume:    req.Volume,
		Cost:      cost,
		Fee:       fee,
		Margin:    marginAmt,
	})
	p.markPx[info.Key] = price.InexactFloat64()
	return &exchange.OrderResult{TxIDs: []string{orderID}, Description: describe(req, info, price)}, nil
}

// applyMarginLocked updates the margin position and returns realized PnL.
func (p *Provider) applyMarginLocked(key string, price, size decimal.Decimal, side exchange.Side, lev int) decimal.Decimal {
	state := p.positions[key]
	if state == nil {
		state = &positionState{Leverage: lev}
		p.positions[key] = state
	}
	delta := size
	if side == exchange.SideSell {
		delta = size.Neg()
	}
	oldQty := state.Qty
	newQty := oldQty.Add(delta)

	realized := decimal.Zero
	if !oldQty.IsZero() && oldQty.Sign() != delta.Sign() {
		closeQty := decimal.Min(oldQty.Abs(), delta.Abs())
		realized = closeQty.Mul(price.Sub(state.Entry))
		if oldQty.IsNegative() {
			realized = realized.Neg()
		}
	}

	switch {
	case oldQty.IsZero():
		state.Entry = price
	case oldQty.Sign() == delta.Sign():
		state.Entry = oldQty.Mul(state.Entry).Add(delta.Mul(price)).Div(newQty)
	case !newQty.IsZero() && oldQty.Sign() != newQty.Sign():
		state.Entry = price
	}

	state.Qty = newQty
	if state.Qty.IsZero() {
		delete(p.positions, key)
	}
	return realized
}

// marginSnapshotLocked returns unrealized PnL and margin in use.
func (p *Provider) marginSnapshotLocked() (decimal.Decimal, decimal.Decimal) {
	unrealized, used := decimal.Zero, decimal.Zero
	for key, state := range p.positions {
		mark := state.Entry
		if px, ok := p.markPx[key]; ok && px > 0 {
			mark = decimal.NewFromFloat(px)
		}
		unrealized = unrealized.Add(state.Qty.Mul(mark.Sub(state.Entry)))
		lev := state.Leverage
		if lev < 1 {
			lev = 1
		}
		used = used.Add(state.Qty.Abs().Mul(state.Entry).Div(decimal.NewFromInt(int64(lev))))
	}
	return unrealized, used
}

func (p *Provider) resolveLocked(pair string) (exchange.AssetPair, bool) {
	pair = strings.ToUpper(strings.TrimSpace(pair))
	if info, ok := p.catalog[pair]; ok {
		return info, true
	}
	for _, info := range p.catalog {
		if strings.EqualFold(info.Altname, pair) || strings.EqualFold(info.WSName, pair) {
			return info, true
		}
	}
	return exchange.AssetPair{}, false
}

func describe(req exchange.OrderRequest, info exchange.AssetPair, price decimal.Decimal) string {
	desc := fmt.Sprintf("%s %s %s @ %s", req.Side, req.Volume.String(), info.Altname, price.String())
	if req.Leverage > 1 {
		desc += fmt.Sprintf(" with %d:1 leverage", req.Leverage)
	}
	return desc
}

func unknownPair(op, pair string) error {
	return &exchange.APIError{Op: op, Codes: []string{"EQuery:Unknown asset pair " + pair}, Kind: exchange.ErrUnknownPair}
}

func insufficient(op string) error {
	return &exchange.APIError{Op: op, Codes: []string{"EOrder:Insufficient funds"}, Kind: exchange.ErrInsufficientFunds}
}

// Registry hook for exchange.Config.
func init() {
	exchange.RegisterProvider("sim", func(name string, cfg *exchange.ProviderConfig) (exchange.Provider, error) {
		opts := []Option{}
		quote := defaultQuoteAsset
		if q := strings.ToUpper(strings.TrimSpace(cfg.QuoteAsset)); q != "" {
			quote = q
			opts = append(opts, WithQuoteAsset(quote))
		}
		if cfg.FeeRate > 0 {
			opts = append(opts, WithFeeRate(decimal.NewFromFloat(cfg.FeeRate)))
		}
		if cfg.PageSize > 0 {
			opts = append(opts, WithPageSize(cfg.PageSize))
		}
		p := New(opts...)
		if cfg.InitialBalance > 0 {
			p.Deposit(quote, decimal.NewFromFloat(cfg.InitialBalance))
		}
		return p, nil
	})
}
