// Package gate decides whether an order intent may be sent to the exchange
// and at what size.
package gate

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zeromicro/go-zero/core/logx"

	"github.com/irgendwasmitfelix/TradingBot/pkg/exchange"
	"github.com/irgendwasmitfelix/TradingBot/pkg/signal"
)

// Reason explains a denial.
type Reason string

const (
	ReasonNone            Reason = ""
	LockNotHeld           Reason = "LockNotHeld"
	CircuitOpen           Reason = "CircuitOpen"
	DailyLossLimitReached Reason = "DailyLossLimitReached"
	GlobalCooldown        Reason = "GlobalCooldown"
	PerPairCooldown       Reason = "PerPairCooldown"
	MaxOpenPositions      Reason = "MaxOpenPositions"
	InsufficientFunds     Reason = "InsufficientFunds"
	BelowMinimumSize      Reason = "BelowMinimumSize"
	InvalidIntent         Reason = "InvalidIntent"
)

// Kind distinguishes new exposure from closing existing exposure.
type Kind string

const (
	KindOpen Kind = "open"
	KindExit Kind = "exit"
)

// Intent is a proposed order.
type Intent struct {
	Symbol string
	Side   exchange.Side
	Kind   Kind
	Short  bool // opening a margin short
	Price  decimal.Decimal
	Score  float64

	// Volume is the quantity to close for exits.
	Volume decimal.Decimal
	// Notional optionally caps the quote amount of an opening order.
	Notional decimal.Decimal
	// MinVolume is the exchange order minimum for the pair.
	MinVolume   decimal.Decimal
	MaxLeverage int
}

// State is the account view the gate evaluates against.
type State struct {
	LockHeld          bool
	QuoteBalance      decimal.Decimal
	FreeMargin        decimal.Decimal
	OpenShortNotional decimal.Decimal
	OpenPositions     int
	Regime            signal.Regime
	VolatilityPct     float64
}

// Decision is the gate's verdict. Admitted decisions carry the final size.
type Decision struct {
	Admit    bool
	Reason   Reason
	Detail   string
	Volume   decimal.Decimal
	Notional decimal.Decimal
	Leverage int
}

// Config holds the risk thresholds. Zero durations and limits disable the
// corresponding check.
type Config struct {
	GlobalCooldown       time.Duration
	PairCooldown         time.Duration
	DailyLossLimit       decimal.Decimal
	MaxConsecutiveLosses int
	CircuitPause         time.Duration
	MaxOpenPositions     int

	AllocationPct       float64
	AllocationCap       decimal.Decimal
	MinTradeQuote       decimal.Decimal
	BalanceReservePct   float64
	FeeRate             decimal.Decimal
	TargetVolatilityPct float64
	RiskOffMultiplier   float64
	SizeTolerancePct    float64

	ShortNotionalCap decimal.Decimal
	LeverageCap      int
}

const (
	minVolScale    = 0.35
	maxVolScale    = 1.25
	volumePlaces   = 8
	defaultRiskOff = 1.0
)

// Gate runs the ordered pre-trade checks and owns the cooldown and circuit
// state. It is driven by a single loop and not safe for concurrent use.
type Gate struct {
	cfg     Config
	clock   func() time.Time
	circuit *Circuit

	lastGlobal time.Time
	lastPair   map[string]time.Time
}

// Option customises a Gate.
type Option func(*Gate)

// WithClock injects the time source.
func WithClock(clock func() time.Time) Option {
	return func(g *Gate) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// New builds a gate with empty cooldowns.
func New(cfg Config, opts ...Option) *Gate {
	if cfg.RiskOffMultiplier <= 0 {
		cfg.RiskOffMultiplier = defaultRiskOff
	}
	g := &Gate{
		cfg:      cfg,
		clock:    time.Now,
		circuit:  NewCircuit(cfg.MaxConsecutiveLosses, cfg.CircuitPause),
		lastPair: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Circuit exposes the risk circuit for reporting.
func (g *Gate) Circuit() *Circuit {
	return g.circuit
}

// RecordRealized feeds a realized PnL into the circuit breaker.
func (g *Gate) RecordRealized(at time.Time, pnl decimal.Decimal) {
	wasOpen := g.circuit.Open(g.clock())
	g.circuit.Record(at, pnl)
	if !wasOpen && g.circuit.Open(g.clock()) {
		logx.Slowf("gate: circuit open after %d consecutive losses, paused until %s",
			g.cfg.MaxConsecutiveLosses, g.circuit.PausedUntil().Format(time.RFC3339))
	}
}

// LastTrade returns the reserved cooldown timestamps.
func (g *Gate) LastTrade(symbol string) (global, pair time.Time) {
	return g.lastGlobal, g.lastPair[symbol]
}

// Evaluate runs the checks in order and stops at the first denial. An admit
// reserves both cooldown slots immediately; they are kept even if the order
// later fails.
func (g *Gate) Evaluate(in Intent, st State) Decision {
	now := g.clock()
	d := g.evaluate(now, in, st)
	if !d.Admit {
		logx.Infof("gate: deny symbol=%s side=%s kind=%s reason=%s %s", in.Symbol, in.Side, in.Kind, d.Reason, d.Detail)
		return d
	}
	g.lastGlobal = now
	g.lastPair[in.Symbol] = now
	logx.Infof("gate: admit symbol=%s side=%s kind=%s volume=%s notional=%s leverage=%d",
		in.Symbol, in.Side, in.Kind, d.Volume.String(), d.Notional.StringFixed(2), d.Leverage)
	return d
}

func (g *Gate) evaluate(now time.Time, in Intent, st State) Decision {
	if msg := validate(in); msg != "" {
		return deny(InvalidIntent, msg)
	}
	if !st.LockHeld {
		return deny(LockNotHeld, "instance lock not held")
	}
	if g.circuit.Open(now) {
		return deny(CircuitOpen, fmt.Sprintf("paused_until=%s",
			g.circuit.PausedUntil().UTC().Format(time.RFC3339)))
	}
	if g.cfg.DailyLossLimit.IsPositive() {
		daily := g.circuit.DailyPnL(now)
		if daily.LessThanOrEqual(g.cfg.DailyLossLimit.Neg()) {
			return deny(DailyLossLimitReached, fmt.Sprintf("daily_pnl=%s limit=%s",
				daily.StringFixed(2), g.cfg.DailyLossLimit.StringFixed(2)))
		}
	}
	if g.cfg.GlobalCooldown > 0 && !g.lastGlobal.IsZero() {
		if elapsed := now.Sub(g.lastGlobal); elapsed < g.cfg.GlobalCooldown {
			return deny(GlobalCooldown, fmt.Sprintf("elapsed=%s cooldown=%s",
				elapsed.Truncate(time.Second), g.cfg.GlobalCooldown))
		}
	}
	if last, ok := g.lastPair[in.Symbol]; ok && g.cfg.PairCooldown > 0 {
		if elapsed := now.Sub(last); elapsed < g.cfg.PairCooldown {
			return deny(PerPairCooldown, fmt.Sprintf("elapsed=%s cooldown=%s",
				elapsed.Truncate(time.Second), g.cfg.PairCooldown))
		}
	}

	if in.Kind == KindExit {
		return g.sizeExit(in)
	}

	if g.cfg.MaxOpenPositions > 0 && st.OpenPositions >= g.cfg.MaxOpenPositions {
		return deny(MaxOpenPositions, fmt.Sprintf("open=%d max=%d", st.OpenPositions, g.cfg.MaxOpenPositions))
	}

	leverage := 0
	if in.Short {
		leverage = g.shortLeverage(in)
		if leverage < 2 {
			return deny(InvalidIntent, fmt.Sprintf("short needs leverage, pair_max=%d cap=%d", in.MaxLeverage, g.cfg.LeverageCap))
		}
	}

	requested := in.Notional
	if !requested.IsPositive() {
		requested = g.cfg.MinTradeQuote
	}
	if d, ok := g.checkFunds(in, st, requested, leverage); !ok {
		return d
	}

	d := g.size(in, st)
	if !d.Admit {
		return d
	}
	d.Leverage = leverage
	if check, ok := g.checkFunds(in, st, d.Notional, leverage); !ok {
		return check
	}
	return d
}

// checkFunds verifies the quote balance covers notional plus fee for spot
// buys; shorts need margin headroom and room under the short notional cap.
func (g *Gate) checkFunds(in Intent, st State, notional decimal.Decimal, leverage int) (Decision, bool) {
	fee := notional.Mul(g.cfg.FeeRate)
	if in.Short {
		margin := notional.Div(decimal.NewFromInt(int64(leverage)))
		if margin.Add(fee).GreaterThan(st.FreeMargin) {
			return deny(InsufficientFunds, fmt.Sprintf("margin=%s fee=%s free_margin=%s",
				margin.StringFixed(2), fee.StringFixed(2), st.FreeMargin.StringFixed(2))), false
		}
		if g.cfg.ShortNotionalCap.IsPositive() && st.OpenShortNotional.Add(notional).GreaterThan(g.cfg.ShortNotionalCap) {
			return deny(InsufficientFunds, fmt.Sprintf("short_notional=%s cap=%s",
				st.OpenShortNotional.Add(notional).StringFixed(2), g.cfg.ShortNotionalCap.StringFixed(2))), false
		}
		return Decision{}, true
	}
	required := notional.Add(fee)
	if required.GreaterThan(st.QuoteBalance) {
		return deny(InsufficientFunds, fmt.Sprintf("required=%s balance=%s",
			required.StringFixed(2), st.QuoteBalance.StringFixed(2))), false
	}
	return Decision{}, true
}

// size computes the order from balance, allocation, regime and volatility,
// then applies the exchange minimum with the configured tolerance.
func (g *Gate) size(in Intent, st State) Decision {
	reserve := decimal.NewFromFloat(1 - g.cfg.BalanceReservePct/100)
	alloc := st.QuoteBalance.Mul(reserve).Mul(decimal.NewFromFloat(g.cfg.AllocationPct / 100))
	if g.cfg.AllocationCap.IsPositive() {
		alloc = decimal.Min(alloc, g.cfg.AllocationCap)
	}
	if in.Notional.IsPositive() {
		alloc = decimal.Min(alloc, in.Notional)
	}
	scale := volScale(g.cfg.TargetVolatilityPct, st.VolatilityPct)
	if st.Regime == signal.RiskOff {
		scale *= g.cfg.RiskOffMultiplier
	}
	alloc = alloc.Mul(decimal.NewFromFloat(scale))

	if alloc.LessThan(g.cfg.MinTradeQuote) || !alloc.IsPositive() {
		return deny(BelowMinimumSize, fmt.Sprintf("allocation=%s min_trade=%s scale=%.3f",
			alloc.StringFixed(2), g.cfg.MinTradeQuote.StringFixed(2), scale))
	}

	volume := alloc.Div(in.Price).RoundDown(volumePlaces)
	if in.MinVolume.IsPositive() && volume.LessThan(in.MinVolume) {
		shortfall := in.MinVolume.Sub(volume).Div(in.MinVolume).Mul(decimal.NewFromInt(100))
		if shortfall.GreaterThan(decimal.NewFromFloat(g.cfg.SizeTolerancePct)) {
			return deny(BelowMinimumSize, fmt.Sprintf("volume=%s min_volume=%s shortfall_pct=%s tolerance_pct=%.2f",
				volume.String(), in.MinVolume.String(), shortfall.StringFixed(2), g.cfg.SizeTolerancePct))
		}
		volume = in.MinVolume
	}
	return Decision{Admit: true, Volume: volume, Notional: volume.Mul(in.Price)}
}

func (g *Gate) sizeExit(in Intent) Decision {
	volume := in.Volume.Abs()
	if in.MinVolume.IsPositive() && volume.LessThan(in.MinVolume) {
		return deny(BelowMinimumSize, fmt.Sprintf("exit volume=%s min_volume=%s", volume.String(), in.MinVolume.String()))
	}
	return Decision{Admit: true, Volume: volume, Notional: volume.Mul(in.Price)}
}

func (g *Gate) shortLeverage(in Intent) int {
	lev := in.MaxLeverage
	if g.cfg.LeverageCap > 0 && (lev == 0 || g.cfg.LeverageCap < lev) {
		lev = g.cfg.LeverageCap
	}
	return lev
}

// volScale is target/vol clamped to [0.35, 1.25]; 1 without a target or reading.
func volScale(target, vol float64) float64 {
	if target <= 0 || vol <= 0 {
		return 1
	}
	s := target / vol
	if s < minVolScale {
		return minVolScale
	}
	if s > maxVolScale {
		return maxVolScale
	}
	return s
}

func validate(in Intent) string {
	var problems []string
	if strings.TrimSpace(in.Symbol) == "" {
		problems = append(problems, "symbol empty")
	}
	if in.Side != exchange.SideBuy && in.Side != exchange.SideSell {
		problems = append(problems, fmt.Sprintf("side %q", in.Side))
	}
	if !in.Price.IsPositive() {
		problems = append(problems, "price not positive")
	}
	if in.Short && in.Side != exchange.SideSell {
		problems = append(problems, "short must sell")
	}
	switch in.Kind {
	case KindOpen:
	case KindExit:
		if !in.Volume.IsPositive() {
			problems = append(problems, "exit volume not positive")
		}
	default:
		problems = append(problems, fmt.Sprintf("kind %q", in.Kind))
	}
	return strings.Join(problems, ", ")
}

func deny(reason Reason, detail string) Decision {
	return Decision{Reason: reason, Detail: detail}
}
