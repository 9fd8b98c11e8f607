package manager

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/zeromicro/go-zero/core/logx"

	"github.com/irgendwasmitfelix/TradingBot/pkg/exchange"
	"github.com/irgendwasmitfelix/TradingBot/pkg/gate"
	"github.com/irgendwasmitfelix/TradingBot/pkg/journal"
	"github.com/irgendwasmitfelix/TradingBot/pkg/ledger"
	"github.com/irgendwasmitfelix/TradingBot/pkg/lockfile"
	"github.com/irgendwasmitfelix/TradingBot/pkg/pairs"
	"github.com/irgendwasmitfelix/TradingBot/pkg/signal"
)

// ErrOrderPlacementFailed wraps exchange errors from PlaceOrder. Placement is
// never retried and the cooldown reserved by the gate is kept.
var ErrOrderPlacementFailed = errors.New("manager: order placement failed")

// Runner owns the single trading loop: lock, reconstruction, scoring, gating
// and execution. All state is mutated from Run's goroutine only.
type Runner struct {
	cfg      *Config
	provider exchange.Provider
	registry *pairs.Registry
	recon    *ledger.Reconstructor
	gate     *gate.Gate
	engine   *signal.Engine
	journal  *journal.Writer
	clock    func() time.Time
	reload   func() (*Config, error)

	lock       *lockfile.Lock
	book       *ledger.Book
	specs      []pairs.Spec
	exitOnly   []pairs.Spec
	regimeSpec pairs.Spec
	cycle      int
	lastReload time.Time
}

// RunnerOption customises a Runner.
type RunnerOption func(*runnerOptions)

type runnerOptions struct {
	clock       func() time.Time
	journal     *journal.Writer
	reload      func() (*Config, error)
	ledgerOpts  []ledger.Option
	pairsNotify func(raw, normalized string)
}

// WithClock injects the time source shared by the gate and reconstructor.
func WithClock(clock func() time.Time) RunnerOption {
	return func(o *runnerOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithJournal enables per-cycle audit records.
func WithJournal(w *journal.Writer) RunnerOption {
	return func(o *runnerOptions) { o.journal = w }
}

// WithReloader enables periodic hot reload of the bot config.
func WithReloader(fn func() (*Config, error)) RunnerOption {
	return func(o *runnerOptions) { o.reload = fn }
}

// WithLedgerOptions passes extra options to the reconstructor.
func WithLedgerOptions(opts ...ledger.Option) RunnerOption {
	return func(o *runnerOptions) { o.ledgerOpts = append(o.ledgerOpts, opts...) }
}

// WithPairNotify observes raw to normalized pair mappings.
func WithPairNotify(fn func(raw, normalized string)) RunnerOption {
	return func(o *runnerOptions) { o.pairsNotify = fn }
}

// NewRunner wires the trading components around provider.
func NewRunner(cfg *Config, provider exchange.Provider, opts ...RunnerOption) (*Runner, error) {
	if cfg == nil {
		return nil, errors.New("manager: config is required")
	}
	if provider == nil {
		return nil, errors.New("manager: exchange provider is required")
	}
	o := runnerOptions{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	var pairOpts []pairs.Option
	if o.pairsNotify != nil {
		pairOpts = append(pairOpts, pairs.WithNotify(o.pairsNotify))
	}
	registry := pairs.NewRegistry(provider, pairOpts...)

	ledgerOpts := []ledger.Option{
		ledger.WithAnchor(cfg.CounterAnchor),
		ledger.WithLookback(cfg.HistoryLookback),
		ledger.WithMaxPages(cfg.HistoryMaxPages),
		ledger.WithQuoteAsset(cfg.QuoteCurrency),
		ledger.WithClock(o.clock),
	}
	ledgerOpts = append(ledgerOpts, o.ledgerOpts...)

	return &Runner{
		cfg:      cfg,
		provider: provider,
		registry: registry,
		recon:    ledger.NewReconstructor(provider, registry, ledgerOpts...),
		gate:     gate.New(cfg.GateConfig(), gate.WithClock(o.clock)),
		engine:   signal.NewEngine(cfg.SignalConfig()),
		journal:  o.journal,
		clock:    o.clock,
		reload:   o.reload,
	}, nil
}

// Config returns the active configuration.
func (r *Runner) Config() *Config { return r.cfg }

// Book exposes the reconstructed state after Start.
func (r *Runner) Book() *ledger.Book { return r.book }

// Gate exposes the execution gate.
func (r *Runner) Gate() *gate.Gate { return r.gate }

// Pairs returns the tradable pairs resolved at start.
func (r *Runner) Pairs() []pairs.Spec { return append([]pairs.Spec(nil), r.specs...) }

// Run acquires the lock, rebuilds state and loops until ctx is cancelled or
// the target balance is reached. The lock is released on every return path.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	defer r.Close()

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		done, err := r.Step(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			logx.Infof("manager: shutdown requested after cycle %d", r.cycle)
			return nil
		case <-ticker.C:
		}
	}
}

// Start runs the startup sequence. A duplicate instance returns before any
// exchange call; a reconstruction failure releases the lock and aborts.
func (r *Runner) Start(ctx context.Context) error {
	lock, err := lockfile.Acquire(r.cfg.LockPath)
	if err != nil {
		return fmt.Errorf("manager: acquire lock: %w", err)
	}
	r.lock = lock

	if err := r.startLocked(ctx); err != nil {
		r.Close()
		return err
	}
	return nil
}

func (r *Runner) startLocked(ctx context.Context) error {
	if err := r.resolvePairs(ctx); err != nil {
		return err
	}

	symbols := make([]string, 0, len(r.specs))
	for _, spec := range r.specs {
		symbols = append(symbols, spec.Normalized)
	}
	book, err := r.recon.Reconstruct(ctx, symbols)
	if err != nil {
		return fmt.Errorf("manager: reconstruct state: %w", err)
	}
	r.book = book

	for _, re := range book.Realizations {
		r.gate.RecordRealized(re.At, re.PnL)
	}
	c := r.gate.Circuit()
	logx.WithContext(ctx).Infof("manager: started pairs=%d trades=%d open=%d losses=%d daily_pnl=%s",
		len(r.specs), book.Counter.Count, book.OpenPositions(), c.ConsecutiveLosses(), c.DailyPnL(r.clock()).StringFixed(2))
	r.lastReload = r.clock()
	return nil
}

func (r *Runner) resolvePairs(ctx context.Context) error {
	specs, skipped, err := r.registry.ResolveAll(ctx, r.cfg.Pairs)
	if err != nil {
		return fmt.Errorf("manager: resolve pairs: %w", err)
	}
	for _, raw := range sortedKeys(skipped) {
		logx.WithContext(ctx).Slowf("manager: excluding pair %s: %v", raw, skipped[raw])
	}
	if len(specs) == 0 {
		return errors.New("manager: no tradable pairs configured")
	}
	regime, err := r.registry.Normalize(ctx, r.cfg.RegimePair)
	if err != nil {
		return fmt.Errorf("manager: regime pair %s: %w", r.cfg.RegimePair, err)
	}
	previous := append(append([]pairs.Spec(nil), r.specs...), r.exitOnly...)
	r.specs = specs
	r.regimeSpec = regime
	if r.book != nil {
		r.trackSpecs(previous)
	}
	return nil
}

// trackSpecs makes the book follow pairs added by a reload and keeps pairs a
// reload removed in exit-only mode while they still hold a position.
func (r *Runner) trackSpecs(previous []pairs.Spec) {
	active := make(map[string]struct{}, len(r.specs))
	symbols := make([]string, 0, len(r.specs))
	for _, spec := range r.specs {
		active[spec.Normalized] = struct{}{}
		symbols = append(symbols, spec.Normalized)
	}
	r.book.Track(symbols...)

	var exitOnly []pairs.Spec
	for _, spec := range previous {
		if _, ok := active[spec.Normalized]; ok {
			continue
		}
		active[spec.Normalized] = struct{}{}
		if r.book.Position(spec.Normalized).IsFlat() {
			continue
		}
		logx.Infof("manager: %s removed from pairs, exits only until flat", spec.Normalized)
		exitOnly = append(exitOnly, spec)
	}
	r.exitOnly = exitOnly
}

// watched returns the configured pairs followed by exit-only pairs.
func (r *Runner) watched() []pairs.Spec {
	if len(r.exitOnly) == 0 {
		return r.specs
	}
	return append(append([]pairs.Spec(nil), r.specs...), r.exitOnly...)
}

func (r *Runner) pruneExitOnly() {
	kept := r.exitOnly[:0]
	for _, spec := range r.exitOnly {
		if r.book.Position(spec.Normalized).IsFlat() {
			logx.Infof("manager: %s flat, no longer watched", spec.Normalized)
			continue
		}
		kept = append(kept, spec)
	}
	r.exitOnly = kept
}

// Close releases the instance lock. Safe to call repeatedly.
func (r *Runner) Close() {
	if r.lock == nil {
		return
	}
	if err := r.lock.Release(); err != nil {
		logx.Errorf("manager: release lock %s: %v", r.lock.Path(), err)
	}
}

// Step runs one iteration. Exchange calls run on a context detached from
// cancellation so an in-flight order is never abandoned mid-request. It
// reports done once the target balance is reached.
func (r *Runner) Step(ctx context.Context) (bool, error) {
	if r.book == nil {
		return false, errors.New("manager: Step called before Start")
	}
	callCtx := context.WithoutCancel(ctx)
	r.cycle++
	now := r.clock()
	c := &cycle{rec: journal.CycleRecord{Timestamp: now.UTC(), CycleNumber: r.cycle}}
	defer r.writeJournal(c)

	r.maybeReload(now)

	// Fills and transfers made outside this loop must be visible before any
	// exit or entry is judged.
	if err := r.refresh(callCtx); err != nil {
		c.fail(err)
		return false, nil
	}
	r.pruneExitOnly()

	if err := r.loadAccount(callCtx, c); err != nil {
		c.fail(err)
		return false, nil
	}
	if r.cfg.TargetBalance > 0 && c.quote.GreaterThanOrEqual(decimal.NewFromFloat(r.cfg.TargetBalance)) {
		logx.Infof("manager: target balance %.2f reached (balance=%s), stopping", r.cfg.TargetBalance, c.quote.StringFixed(2))
		return true, nil
	}

	bench, benchPrice, err := r.score(callCtx, r.regimeSpec)
	if err != nil {
		c.fail(err)
		return false, nil
	}
	c.regime = r.engine.Regime(bench)
	c.vol = bench.VolatilityPct
	c.rec.Regime = string(c.regime)
	c.addScore(bench, benchPrice)

	watched := r.watched()
	results := make(map[string]scored, len(watched))
	for _, spec := range watched {
		if spec.Normalized == r.regimeSpec.Normalized {
			results[spec.Normalized] = scored{spec: spec, res: bench, price: benchPrice}
			continue
		}
		res, price, err := r.score(callCtx, spec)
		if err != nil {
			c.fail(err)
			continue
		}
		c.addScore(res, price)
		results[spec.Normalized] = scored{spec: spec, res: res, price: price}
	}

	placed := r.runExits(callCtx, c, results)
	if r.runEntry(callCtx, c, results) {
		placed = true
	}
	if placed {
		if err := r.refresh(callCtx); err != nil {
			c.fail(err)
		}
	}
	return false, nil
}

type scored struct {
	spec  pairs.Spec
	res   signal.Result
	price float64
}

type cycle struct {
	rec        journal.CycleRecord
	quote      decimal.Decimal
	freeMargin decimal.Decimal
	regime     signal.Regime
	vol        float64
}

func (c *cycle) fail(err error) {
	logx.Errorf("manager: cycle %d: %v", c.rec.CycleNumber, err)
	c.rec.Errors = append(c.rec.Errors, err.Error())
}

func (c *cycle) addScore(res signal.Result, price float64) {
	c.rec.Scores = append(c.rec.Scores, journal.Score{
		Symbol:        res.Symbol,
		Action:        string(res.Action),
		Score:         res.Score,
		RSI:           res.RSI,
		VolatilityPct: res.VolatilityPct,
		Price:         price,
	})
}

func (r *Runner) loadAccount(ctx context.Context, c *cycle) error {
	bal, err := r.provider.GetBalance(ctx)
	if err != nil {
		return fmt.Errorf("balance: %w", err)
	}
	c.quote = bal.Amount(r.cfg.QuoteCurrency)
	c.rec.QuoteBalance = c.quote.StringFixed(2)
	if r.cfg.AllowShort {
		tb, err := r.provider.GetTradeBalance(ctx, r.cfg.QuoteCurrency)
		if err != nil {
			return fmt.Errorf("trade balance: %w", err)
		}
		c.freeMargin = tb.FreeMargin
	}
	return nil
}

func (r *Runner) score(ctx context.Context, spec pairs.Spec) (signal.Result, float64, error) {
	candles, err := r.provider.GetOHLC(ctx, spec.Key, r.cfg.OHLCIntervalMinutes)
	if err != nil {
		return signal.Result{}, 0, fmt.Errorf("ohlc %s: %w", spec.Normalized, err)
	}
	prices := make([]float64, 0, len(candles))
	for _, candle := range candles {
		prices = append(prices, candle.Close)
	}
	price := 0.0
	if n := len(prices); n > 0 {
		price = prices[n-1]
	}
	return r.engine.Score(spec.Normalized, prices), price, nil
}

// runExits closes positions that hit take-profit or stop-loss or whose
// signal reversed. Exits skip sizing and funds but still face cooldowns and
// the circuit.
func (r *Runner) runExits(ctx context.Context, c *cycle, results map[string]scored) bool {
	placed := false
	for _, spec := range r.watched() {
		s, ok := results[spec.Normalized]
		if !ok || s.price <= 0 {
			continue
		}
		pos := r.book.Position(spec.Normalized)
		if pos.IsFlat() || !pos.AvgEntryPrice.IsPositive() {
			continue
		}
		reason := r.exitReason(pos, s)
		if reason == "" {
			continue
		}
		side := exchange.SideSell
		leverage := 0
		if !pos.IsLong() {
			side = exchange.SideBuy
			leverage = r.shortLeverage(spec)
		}
		logx.Infof("manager: exit %s %s qty=%s reason=%s", spec.Normalized, side, pos.Quantity.Abs().String(), reason)
		in := gate.Intent{
			Symbol:    spec.Normalized,
			Side:      side,
			Kind:      gate.KindExit,
			Price:     decimal.NewFromFloat(s.price),
			Score:     s.res.Score,
			Volume:    pos.Quantity.Abs(),
			MinVolume: r.minVolume(spec),
		}
		if r.execute(ctx, c, spec, in, leverage) {
			placed = true
		}
	}
	return placed
}

func (r *Runner) exitReason(pos ledger.Position, s scored) string {
	avg := pos.AvgEntryPrice.InexactFloat64()
	change := (s.price - avg) / avg * 100
	if !pos.IsLong() {
		change = -change
	}
	switch {
	case change >= r.cfg.TakeProfitPct:
		return fmt.Sprintf("take_profit change=%.2f%%", change)
	case change <= -r.cfg.StopLossPct:
		return fmt.Sprintf("stop_loss change=%.2f%%", change)
	case pos.IsLong() && s.res.Action == signal.Sell:
		return "signal_sell"
	case !pos.IsLong() && s.res.Action == signal.Buy:
		return "signal_buy"
	}
	return ""
}

// runEntry executes the single strongest Buy or Sell candidate.
func (r *Runner) runEntry(ctx context.Context, c *cycle, results map[string]scored) bool {
	var candidates []scored
	for _, spec := range r.specs {
		s, ok := results[spec.Normalized]
		if !ok || s.price <= 0 {
			continue
		}
		pos := r.book.Position(spec.Normalized)
		switch r.engine.Direction(s.res, c.regime) {
		case signal.Buy:
			if !pos.IsFlat() && !pos.IsLong() {
				continue
			}
		case signal.Sell:
			if !r.cfg.AllowShort || !pos.IsFlat() {
				continue
			}
		default:
			continue
		}
		candidates = append(candidates, s)
	}
	if len(candidates) == 0 {
		return false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return math.Abs(candidates[i].res.Score) > math.Abs(candidates[j].res.Score)
	})
	for _, other := range candidates[1:] {
		logx.Infof("manager: candidate %s %s score=%.2f not best", other.spec.Normalized, other.res.Action, other.res.Score)
	}

	best := candidates[0]
	in := gate.Intent{
		Symbol:      best.spec.Normalized,
		Side:        exchange.SideBuy,
		Kind:        gate.KindOpen,
		Price:       decimal.NewFromFloat(best.price),
		Score:       best.res.Score,
		MinVolume:   r.minVolume(best.spec),
		MaxLeverage: best.spec.MaxLeverage,
	}
	if best.res.Action == signal.Sell {
		in.Side = exchange.SideSell
		in.Short = true
	}
	return r.execute(ctx, c, best.spec, in, 0)
}

// execute gates the intent and places the order once when admitted.
func (r *Runner) execute(ctx context.Context, c *cycle, spec pairs.Spec, in gate.Intent, leverage int) bool {
	st := gate.State{
		LockHeld:          r.lock != nil && r.lock.Held(),
		QuoteBalance:      c.quote,
		FreeMargin:        c.freeMargin,
		OpenShortNotional: r.openShortNotional(),
		OpenPositions:     r.book.OpenPositions(),
		Regime:            c.regime,
		VolatilityPct:     c.vol,
	}
	d := r.gate.Evaluate(in, st)
	c.rec.Decisions = append(c.rec.Decisions, journal.Decision{
		Symbol: in.Symbol,
		Side:   string(in.Side),
		Kind:   string(in.Kind),
		Admit:  d.Admit,
		Reason: string(d.Reason),
		Detail: d.Detail,
	})
	if !d.Admit {
		return false
	}
	if d.Leverage > 0 {
		leverage = d.Leverage
	}

	req := exchange.OrderRequest{
		Pair:          spec.Key,
		Side:          in.Side,
		Type:          exchange.OrderTypeMarket,
		Volume:        d.Volume,
		Leverage:      leverage,
		ClientOrderID: uuid.NewString(),
	}
	order := journal.Order{
		Symbol:        spec.Normalized,
		Side:          string(req.Side),
		Volume:        req.Volume.String(),
		Leverage:      req.Leverage,
		ClientOrderID: req.ClientOrderID,
	}
	res, err := r.provider.PlaceOrder(ctx, req)
	if err != nil {
		err = fmt.Errorf("%w: %s %s %s cl_ord_id=%s: %w", ErrOrderPlacementFailed,
			req.Side, req.Volume.String(), spec.Normalized, req.ClientOrderID, err)
		order.Error = err.Error()
		c.rec.Orders = append(c.rec.Orders, order)
		c.fail(err)
		return false
	}
	order.TxIDs = res.TxIDs
	c.rec.Orders = append(c.rec.Orders, order)
	logx.Infof("manager: placed %s txid=%v %s", spec.Normalized, res.TxIDs, res.Description)
	return true
}

// refresh folds new fills and ledger entries into the book and feeds
// realizations to the gate.
func (r *Runner) refresh(ctx context.Context) error {
	realized, err := r.book.Refresh(ctx)
	for _, re := range realized {
		r.gate.RecordRealized(re.At, re.PnL)
	}
	if err != nil {
		return fmt.Errorf("refresh book: %w", err)
	}
	return nil
}

func (r *Runner) shortLeverage(spec pairs.Spec) int {
	lev := spec.MaxLeverage
	if r.cfg.LeverageCap > 0 && (lev == 0 || r.cfg.LeverageCap < lev) {
		lev = r.cfg.LeverageCap
	}
	return lev
}

func (r *Runner) minVolume(spec pairs.Spec) decimal.Decimal {
	return decimal.Max(spec.OrderMin, r.cfg.MinVolume(spec.Normalized))
}

func (r *Runner) openShortNotional() decimal.Decimal {
	total := decimal.Zero
	for _, pos := range r.book.Positions {
		if pos.Quantity.IsNegative() {
			total = total.Add(pos.Quantity.Abs().Mul(pos.AvgEntryPrice))
		}
	}
	return total
}

// maybeReload swaps in a fresh config once the reload interval elapsed. An
// invalid file keeps the running config.
func (r *Runner) maybeReload(now time.Time) {
	if r.reload == nil || now.Sub(r.lastReload) < r.cfg.ConfigReloadInterval {
		return
	}
	r.lastReload = now
	next, err := r.reload()
	if err != nil {
		logx.Slowf("manager: config reload ignored: %v", err)
		return
	}
	r.cfg.ApplyReload(next)
	r.engine = signal.NewEngine(r.cfg.SignalConfig())
	if err := r.resolvePairs(context.Background()); err != nil {
		logx.Slowf("manager: reloaded pairs rejected, keeping %d pairs: %v", len(r.specs), err)
	}
	logx.Infof("manager: config reloaded pairs=%d min_buy_score=%.2f", len(r.specs), r.cfg.MinBuyScore)
}

func (r *Runner) writeJournal(c *cycle) {
	if r.book != nil {
		c.rec.TradeCount = r.book.Counter.Count
		c.rec.OpenCount = r.book.OpenPositions()
		c.rec.AdjustedPnL = r.book.Cashflow.AdjustedPnL().StringFixed(2)
	}
	logx.Infow("manager: cycle",
		logx.Field("cycle", r.cycle),
		logx.Field("regime", c.rec.Regime),
		logx.Field("balance", c.rec.QuoteBalance),
		logx.Field("trades", c.rec.TradeCount),
		logx.Field("open", c.rec.OpenCount),
		logx.Field("orders", len(c.rec.Orders)),
		logx.Field("errors", len(c.rec.Errors)),
	)
	if r.journal == nil {
		return
	}
	if _, err := r.journal.WriteCycle(&c.rec); err != nil {
		logx.Errorf("manager: journal write failed: %v", err)
	}
}

func sortedKeys(m map[string]error) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
