// Package ledger rebuilds trading state from the exchange's trade and ledger
// history: open positions, realized PnL, the anchored trade counter and the
// external cashflow ledger.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zeromicro/go-zero/core/logx"

	"github.com/irgendwasmitfelix/TradingBot/pkg/exchange"
)

// ErrHistoryUnavailable is returned when history pagination exhausts its
// retries. Callers must not trade on a partially rebuilt state.
var ErrHistoryUnavailable = errors.New("ledger: history unavailable")

const (
	defaultLookback     = 365 * 24 * time.Hour
	defaultMaxPages     = 200
	defaultMaxAttempts  = 4
	defaultRetryBackoff = 500 * time.Millisecond
	defaultQuoteAsset   = "ZEUR"
)

// HistorySource is the read side of the exchange used for reconstruction.
type HistorySource interface {
	GetBalance(ctx context.Context) (exchange.Balance, error)
	GetTradesHistory(ctx context.Context, q exchange.HistoryQuery) (*exchange.TradePage, error)
	GetLedgers(ctx context.Context, q exchange.HistoryQuery) (*exchange.LedgerPage, error)
}

// SymbolResolver maps history pair keys to normalized symbols.
type SymbolResolver interface {
	SymbolFor(pairKey string) (string, bool)
}

// Reconstructor replays exchange history into a Book.
type Reconstructor struct {
	source   HistorySource
	resolver SymbolResolver
	store    StartBalanceStore

	anchor      time.Time
	lookback    time.Duration
	maxPages    int
	maxAttempts int
	backoff     time.Duration
	quote       string
	clock       func() time.Time
}

// Option customises a Reconstructor.
type Option func(*Reconstructor)

// WithAnchor sets the first instant counted by the trade counter.
func WithAnchor(anchor time.Time) Option {
	return func(r *Reconstructor) { r.anchor = anchor.UTC() }
}

// WithLookback bounds how far before the anchor history is fetched.
func WithLookback(d time.Duration) Option {
	return func(r *Reconstructor) {
		if d > 0 {
			r.lookback = d
		}
	}
}

// WithMaxPages bounds pagination per history stream.
func WithMaxPages(n int) Option {
	return func(r *Reconstructor) {
		if n > 0 {
			r.maxPages = n
		}
	}
}

// WithRetry sets the attempt count and initial backoff for page requests.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(r *Reconstructor) {
		if attempts > 0 {
			r.maxAttempts = attempts
		}
		if backoff >= 0 {
			r.backoff = backoff
		}
	}
}

// WithQuoteAsset sets the asset whose transfers count as external cashflow.
func WithQuoteAsset(asset string) Option {
	return func(r *Reconstructor) {
		if asset != "" {
			r.quote = asset
		}
	}
}

// WithStartBalanceStore persists the first observed balance.
func WithStartBalanceStore(store StartBalanceStore) Option {
	return func(r *Reconstructor) { r.store = store }
}

// WithClock overrides the time source used for the start balance record.
func WithClock(clock func() time.Time) Option {
	return func(r *Reconstructor) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// NewReconstructor builds a reconstructor. The anchor defaults to the start
// of the current UTC year.
func NewReconstructor(source HistorySource, resolver SymbolResolver, opts ...Option) *Reconstructor {
	r := &Reconstructor{
		source:      source,
		resolver:    resolver,
		lookback:    defaultLookback,
		maxPages:    defaultMaxPages,
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultRetryBackoff,
		quote:       defaultQuoteAsset,
		clock:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.anchor.IsZero() {
		now := r.clock().UTC()
		r.anchor = time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	}
	return r
}

// Anchor returns the trade counter anchor.
func (r *Reconstructor) Anchor() time.Time {
	return r.anchor
}

// Reconstruct rebuilds state for symbols (all resolvable symbols when empty).
func (r *Reconstructor) Reconstruct(ctx context.Context, symbols []string) (*Book, error) {
	book := newBook(r, symbols)

	since := r.anchor.Add(-r.lookback)
	trades, partial, err := r.fetchTrades(ctx, since)
	if err != nil {
		return nil, err
	}
	if partial {
		logx.WithContext(ctx).Slowf("ledger: trade history truncated at %d pages, positions may be partial", r.maxPages)
	}
	book.applyTrades(trades)

	balance, err := r.balance(ctx)
	if err != nil {
		return nil, err
	}
	start, err := r.startBalance(ctx, balance)
	if err != nil {
		return nil, err
	}
	book.Cashflow = CashflowLedger{
		StartBalance:   start.Amount,
		StartedAt:      start.RecordedAt,
		CurrentBalance: balance,
	}

	entries, partial, err := r.fetchLedgers(ctx, start.RecordedAt)
	if err != nil {
		return nil, err
	}
	if partial {
		logx.WithContext(ctx).Slowf("ledger: ledger history truncated at %d pages, cashflow may be partial", r.maxPages)
	}
	book.applyLedger(entries)

	logx.WithContext(ctx).Infof("ledger: reconstructed fills=%d counter=%d open=%d netcf=%s adj_pnl=%s",
		len(book.seenTrades), book.Counter.Count, book.OpenPositions(),
		book.Cashflow.NetExternal.StringFixed(2), book.Cashflow.AdjustedPnL().StringFixed(2))
	return book, nil
}

func (r *Reconstructor) balance(ctx context.Context) (decimal.Decimal, error) {
	var bal exchange.Balance
	err := r.withRetry(ctx, "balance", func() error {
		var err error
		bal, err = r.source.GetBalance(ctx)
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}
	return bal.Amount(r.quote), nil
}

func (r *Reconstructor) startBalance(ctx context.Context, current decimal.Decimal) (StartBalance, error) {
	candidate := StartBalance{Amount: current, RecordedAt: r.clock().UTC()}
	if r.store == nil {
		return candidate, nil
	}
	stored, err := r.store.InitOnce(ctx, candidate)
	if err != nil {
		return StartBalance{}, fmt.Errorf("ledger: start balance: %w", err)
	}
	return stored, nil
}

// fetchTrades pages newest first from since until the stream is exhausted.
// The second return reports truncation by the page bound.
func (r *Reconstructor) fetchTrades(ctx context.Context, since time.Time) ([]exchange.Trade, bool, error) {
	var out []exchange.Trade
	offset := 0
	for page := 0; ; page++ {
		if page >= r.maxPages {
			return out, true, nil
		}
		var res *exchange.TradePage
		err := r.withRetry(ctx, "trades", func() error {
			var err error
			res, err = r.source.GetTradesHistory(ctx, exchange.HistoryQuery{Offset: offset, Since: since})
			return err
		})
		if err != nil {
			return nil, false, err
		}
		if res == nil || len(res.Trades) == 0 {
			return out, false, nil
		}
		out = append(out, res.Trades...)
		offset += len(res.Trades)
		if offset >= res.Count {
			return out, false, nil
		}
	}
}

func (r *Reconstructor) fetchLedgers(ctx context.Context, since time.Time) ([]exchange.LedgerEntry, bool, error) {
	var out []exchange.LedgerEntry
	offset := 0
	for page := 0; ; page++ {
		if page >= r.maxPages {
			return out, true, nil
		}
		var res *exchange.LedgerPage
		err := r.withRetry(ctx, "ledgers", func() error {
			var err error
			res, err = r.source.GetLedgers(ctx, exchange.HistoryQuery{Offset: offset, Since: since})
			return err
		})
		if err != nil {
			return nil, false, err
		}
		if res == nil || len(res.Entries) == 0 {
			return out, false, nil
		}
		out = append(out, res.Entries...)
		offset += len(res.Entries)
		if offset >= res.Count {
			return out, false, nil
		}
	}
}

// withRetry runs fn up to maxAttempts times with a doubling backoff.
func (r *Reconstructor) withRetry(ctx context.Context, what string, fn func() error) error {
	backoff := r.backoff
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			break
		}
		if attempt == r.maxAttempts {
			break
		}
		logx.WithContext(ctx).Slowf("ledger: %s request failed (attempt %d/%d): %v", what, attempt, r.maxAttempts, lastErr)
		if backoff > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("%w: %s: %w", ErrHistoryUnavailable, what, ctx.Err())
			case <-timer.C:
			}
			backoff *= 2
		}
	}
	return fmt.Errorf("%w: %s after %d attempts: %w", ErrHistoryUnavailable, what, r.maxAttempts, lastErr)
}

// sortTrades orders fills ascending by time, ties broken by ID.
func sortTrades(trades []exchange.Trade) {
	sort.SliceStable(trades, func(i, j int) bool {
		if !trades[i].Time.Equal(trades[j].Time) {
			return trades[i].Time.Before(trades[j].Time)
		}
		return trades[i].ID < trades[j].ID
	})
}

func sortEntries(entries []exchange.LedgerEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].Time.Equal(entries[j].Time) {
			return entries[i].Time.Before(entries[j].Time)
		}
		return entries[i].ID < entries[j].ID
	})
}
