package ledger

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zeromicro/go-zero/core/logx"

	"github.com/irgendwasmitfelix/TradingBot/pkg/exchange"
)

// TradeCounter counts fills at or after Anchor.
type TradeCounter struct {
	Count  int       `json:"count"`
	Anchor time.Time `json:"anchor"`
}

// CashflowLedger separates trading performance from external transfers.
type CashflowLedger struct {
	StartBalance   decimal.Decimal `json:"start_balance"`
	StartedAt      time.Time       `json:"started_at"`
	NetExternal    decimal.Decimal `json:"net_external"`
	CurrentBalance decimal.Decimal `json:"current_balance"`
}

// AdjustedPnL is current - start - net external cashflow.
func (c CashflowLedger) AdjustedPnL() decimal.Decimal {
	return c.CurrentBalance.Sub(c.StartBalance).Sub(c.NetExternal)
}

// Realization is the PnL booked by one decreasing fill.
type Realization struct {
	Symbol string          `json:"symbol"`
	At     time.Time       `json:"at"`
	PnL    decimal.Decimal `json:"pnl"`
}

// Book holds the reconstructed state and keeps it current as new fills and
// ledger entries appear. It is owned by a single loop and not safe for
// concurrent use.
type Book struct {
	Positions    map[string]*Position
	Counter      TradeCounter
	Cashflow     CashflowLedger
	Realizations []Realization

	r           *Reconstructor
	symbols     map[string]struct{}
	untracked   map[string][]Fill
	seenTrades  map[string]struct{}
	seenEntries map[string]struct{}
	lastTrade   time.Time
	lastEntry   time.Time
}

func newBook(r *Reconstructor, symbols []string) *Book {
	b := &Book{
		Positions:   make(map[string]*Position),
		Counter:     TradeCounter{Anchor: r.anchor},
		r:           r,
		untracked:   make(map[string][]Fill),
		seenTrades:  make(map[string]struct{}),
		seenEntries: make(map[string]struct{}),
	}
	if len(symbols) > 0 {
		b.symbols = make(map[string]struct{}, len(symbols))
		for _, s := range symbols {
			b.symbols[s] = struct{}{}
		}
	}
	return b
}

// Track starts following symbols. Fills already seen for a newly tracked
// symbol are replayed into its position in time order; their realizations are
// added to Realizations and returned.
func (b *Book) Track(symbols ...string) []Realization {
	if b.symbols == nil {
		return nil
	}
	var out []Realization
	for _, symbol := range symbols {
		if _, ok := b.symbols[symbol]; ok {
			continue
		}
		b.symbols[symbol] = struct{}{}
		fills := b.untracked[symbol]
		delete(b.untracked, symbol)
		for _, f := range fills {
			if re, ok := b.applyFill(f); ok {
				out = append(out, re)
			}
		}
		logx.Infof("ledger: tracking %s, replayed %d fills", symbol, len(fills))
	}
	return out
}

// Tracked reports whether fills for symbol are folded into positions.
func (b *Book) Tracked(symbol string) bool {
	if b.symbols == nil {
		return true
	}
	_, ok := b.symbols[symbol]
	return ok
}

// Position returns a copy of the position for symbol (flat when unknown).
func (b *Book) Position(symbol string) Position {
	if p, ok := b.Positions[symbol]; ok {
		return *p
	}
	return Position{Symbol: symbol}
}

// OpenPositions counts tracked symbols with non-zero quantity.
func (b *Book) OpenPositions() int {
	n := 0
	for _, p := range b.Positions {
		if !p.IsFlat() {
			n++
		}
	}
	return n
}

// RealizedPnL sums realized PnL across all positions.
func (b *Book) RealizedPnL() decimal.Decimal {
	total := decimal.Zero
	for _, p := range b.Positions {
		total = total.Add(p.RealizedPnL)
	}
	return total
}

// Refresh pulls fills and ledger entries newer than the last seen ones and
// returns the realizations they produced.
func (b *Book) Refresh(ctx context.Context) ([]Realization, error) {
	since := b.lastTrade
	if since.IsZero() {
		since = b.r.anchor.Add(-b.r.lookback)
	}
	trades, _, err := b.r.fetchTrades(ctx, since)
	if err != nil {
		return nil, err
	}
	realized := b.applyTrades(trades)

	balance, err := b.r.balance(ctx)
	if err != nil {
		return realized, err
	}
	b.Cashflow.CurrentBalance = balance

	entriesSince := b.lastEntry
	if entriesSince.IsZero() {
		entriesSince = b.Cashflow.StartedAt
	}
	entries, _, err := b.r.fetchLedgers(ctx, entriesSince)
	if err != nil {
		return realized, err
	}
	b.applyLedger(entries)
	return realized, nil
}

func (b *Book) applyTrades(trades []exchange.Trade) []Realization {
	fresh := make([]exchange.Trade, 0, len(trades))
	for _, t := range trades {
		if _, seen := b.seenTrades[t.ID]; seen {
			continue
		}
		b.seenTrades[t.ID] = struct{}{}
		fresh = append(fresh, t)
	}
	sortTrades(fresh)

	var out []Realization
	for _, t := range fresh {
		if t.Time.After(b.lastTrade) {
			b.lastTrade = t.Time
		}
		if !t.Time.Before(b.Counter.Anchor) {
			b.Counter.Count++
		}

		symbol := t.Pair
		if b.r.resolver != nil {
			if s, ok := b.r.resolver.SymbolFor(t.Pair); ok {
				symbol = s
			}
		}
		f := Fill{
			ID:     t.ID,
			Symbol: symbol,
			Time:   t.Time,
			Side:   t.Side,
			Price:  t.Price,
			Volume: t.Volume,
			Fee:    t.Fee,
		}
		if !b.Tracked(symbol) {
			b.untracked[symbol] = append(b.untracked[symbol], f)
			continue
		}
		if re, ok := b.applyFill(f); ok {
			out = append(out, re)
		}
	}
	return out
}

func (b *Book) applyFill(f Fill) (Realization, bool) {
	pos, ok := b.Positions[f.Symbol]
	if !ok {
		pos = &Position{Symbol: f.Symbol}
		b.Positions[f.Symbol] = pos
	}
	pnl := pos.Apply(f)
	if pnl.IsZero() {
		return Realization{}, false
	}
	re := Realization{Symbol: f.Symbol, At: f.Time, PnL: pnl}
	b.Realizations = append(b.Realizations, re)
	return re, true
}

// applyLedger adds deposits and withdrawals of the quote asset recorded at or
// after the start balance. Trade, margin and rollover entries are excluded;
// their fees are already carried by the fills.
func (b *Book) applyLedger(entries []exchange.LedgerEntry) {
	fresh := make([]exchange.LedgerEntry, 0, len(entries))
	for _, e := range entries {
		if _, seen := b.seenEntries[e.ID]; seen {
			continue
		}
		b.seenEntries[e.ID] = struct{}{}
		fresh = append(fresh, e)
	}
	sortEntries(fresh)

	for _, e := range fresh {
		if e.Time.After(b.lastEntry) {
			b.lastEntry = e.Time
		}
		if !e.Type.External() || e.Asset != b.r.quote {
			continue
		}
		if e.Time.Before(b.Cashflow.StartedAt) {
			continue
		}
		flow := e.Amount.Sub(e.Fee)
		b.Cashflow.NetExternal = b.Cashflow.NetExternal.Add(flow)
		logx.Infof("ledger: external %s %s %s (netcf=%s)", e.Type, flow.StringFixed(2), e.Asset, b.Cashflow.NetExternal.StringFixed(2))
	}
}

// Snapshot is a value copy of the book suitable for comparison and reports.
type Snapshot struct {
	Positions   []Position      `json:"positions"`
	Counter     TradeCounter    `json:"counter"`
	Cashflow    CashflowLedger  `json:"cashflow"`
	AdjustedPnL decimal.Decimal `json:"adjusted_pnl"`
}

// Snapshot copies the book with positions sorted by symbol.
func (b *Book) Snapshot() Snapshot {
	positions := make([]Position, 0, len(b.Positions))
	for _, p := range b.Positions {
		positions = append(positions, *p)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	return Snapshot{
		Positions:   positions,
		Counter:     b.Counter,
		Cashflow:    b.Cashflow,
		AdjustedPnL: b.Cashflow.AdjustedPnL(),
	}
}
