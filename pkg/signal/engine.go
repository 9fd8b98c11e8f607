// Package signal turns close-price series into scored buy/sell/hold actions.
package signal

import (
	"math"

	"github.com/irgendwasmitfelix/TradingBot/pkg/market/indicators"
)

// Action is the engine's recommendation for a symbol.
type Action string

const (
	Buy  Action = "BUY"
	Sell Action = "SELL"
	Hold Action = "HOLD"
)

// Edge names the rule that produced a non-hold action.
type Edge string

const (
	EdgeNone          Edge = ""
	EdgeMeanReversion Edge = "mean_reversion"
	EdgeTrend         Edge = "trend"
)

// Regime classifies overall market conditions.
type Regime string

const (
	RiskOn  Regime = "risk_on"
	RiskOff Regime = "risk_off"
)

// Config holds indicator windows and scoring thresholds.
type Config struct {
	RSIPeriod        int
	SMAShort         int
	SMALong          int
	Oversold         float64
	Overbought       float64
	MinVolatilityPct float64
	MinBuyScore      float64
	RegimeMinScore   float64
	ScalpTrigger     float64
	TrendBonus       float64

	MeanRevBuyRSI  float64
	MeanRevSellRSI float64
	MeanRevBand    float64
	TrendBand      float64
	TrendBuyRSI    [2]float64
	TrendSellRSI   [2]float64
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		RSIPeriod:        14,
		SMAShort:         20,
		SMALong:          30,
		Oversold:         30,
		Overbought:       70,
		MinVolatilityPct: 0.15,
		MinBuyScore:      0,
		RegimeMinScore:   -12,
		ScalpTrigger:     28,
		TrendBonus:       8,
		MeanRevBuyRSI:    33,
		MeanRevSellRSI:   67,
		MeanRevBand:      0.003,
		TrendBand:        0.006,
		TrendBuyRSI:      [2]float64{45, 68},
		TrendSellRSI:     [2]float64{32, 55},
	}
}

// Result is the scored outcome for one symbol.
type Result struct {
	Symbol        string  `json:"symbol"`
	Action        Action  `json:"action"`
	Score         float64 `json:"score"`
	RSI           float64 `json:"rsi"`
	SMAShort      float64 `json:"sma_short"`
	SMALong       float64 `json:"sma_long"`
	VolatilityPct float64 `json:"volatility_pct"`
	Edge          Edge    `json:"edge,omitempty"`
	Reason        string  `json:"reason,omitempty"`
}

// Scalp reports whether the score is strong enough to trade against the regime.
func (r Result) Scalp(trigger float64) bool {
	return math.Abs(r.Score) >= trigger
}

// Engine scores price series. It holds no per-symbol state.
type Engine struct {
	cfg Config
}

// NewEngine builds an engine, filling zero windows from DefaultConfig.
func NewEngine(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.RSIPeriod <= 0 {
		cfg.RSIPeriod = def.RSIPeriod
	}
	if cfg.SMAShort <= 0 {
		cfg.SMAShort = def.SMAShort
	}
	if cfg.SMALong <= 0 {
		cfg.SMALong = def.SMALong
	}
	if cfg.Oversold == 0 && cfg.Overbought == 0 {
		cfg.Oversold, cfg.Overbought = def.Oversold, def.Overbought
	}
	if cfg.TrendBand == 0 {
		cfg.TrendBand = def.TrendBand
	}
	if cfg.MeanRevBand == 0 {
		cfg.MeanRevBand = def.MeanRevBand
	}
	if cfg.MeanRevBuyRSI == 0 && cfg.MeanRevSellRSI == 0 {
		cfg.MeanRevBuyRSI, cfg.MeanRevSellRSI = def.MeanRevBuyRSI, def.MeanRevSellRSI
	}
	if cfg.TrendBuyRSI == [2]float64{} {
		cfg.TrendBuyRSI = def.TrendBuyRSI
	}
	if cfg.TrendSellRSI == [2]float64{} {
		cfg.TrendSellRSI = def.TrendSellRSI
	}
	return &Engine{cfg: cfg}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// MinHistory is the number of closes needed before a non-hold result.
func (e *Engine) MinHistory() int {
	n := e.cfg.SMALong
	if e.cfg.RSIPeriod+1 > n {
		n = e.cfg.RSIPeriod + 1
	}
	return n
}

// Score evaluates prices (oldest first) for symbol.
//
// The composite score adds an RSI component, (30-rsi)/30*50 when oversold or
// -(rsi-70)/30*50 when overbought, to the SMA spread in percent times ten
// clamped to +-50. Mean-reversion edges fire first, then trend continuation,
// which adds the trend bonus in the signal's direction. A Buy scoring below
// MinBuyScore is downgraded to Hold.
func (e *Engine) Score(symbol string, prices []float64) Result {
	res := Result{Symbol: symbol, Action: Hold}
	if len(prices) < e.MinHistory() {
		res.Reason = "insufficient history"
		return res
	}
	rsi, okRSI := indicators.RSI(prices, e.cfg.RSIPeriod)
	short, okShort := indicators.SMA(prices, e.cfg.SMAShort)
	long, okLong := indicators.SMA(prices, e.cfg.SMALong)
	if !okRSI || !okShort || !okLong || long <= 0 {
		res.Reason = "insufficient history"
		return res
	}
	res.RSI, res.SMAShort, res.SMALong = rsi, short, long

	vol, _ := indicators.VolatilityPct(prices, e.cfg.SMAShort)
	res.VolatilityPct = vol
	if vol < e.cfg.MinVolatilityPct {
		res.Reason = "volatility below floor"
		return res
	}

	rsiScore := 0.0
	switch {
	case rsi < e.cfg.Oversold:
		rsiScore = (e.cfg.Oversold - rsi) / 30 * 50
	case rsi > e.cfg.Overbought:
		rsiScore = -((rsi - e.cfg.Overbought) / 30 * 50)
	}
	spread := (short - long) / long
	smaScore := math.Max(-50, math.Min(50, spread*100*10))
	res.Score = rsiScore + smaScore

	switch {
	case rsi < e.cfg.MeanRevBuyRSI && spread > -e.cfg.MeanRevBand:
		res.Action, res.Edge = Buy, EdgeMeanReversion
	case rsi > e.cfg.MeanRevSellRSI && spread < e.cfg.MeanRevBand:
		res.Action, res.Edge = Sell, EdgeMeanReversion
	case spread > e.cfg.TrendBand && between(rsi, e.cfg.TrendBuyRSI):
		res.Action, res.Edge = Buy, EdgeTrend
		res.Score += e.cfg.TrendBonus
	case spread < -e.cfg.TrendBand && between(rsi, e.cfg.TrendSellRSI):
		res.Action, res.Edge = Sell, EdgeTrend
		res.Score -= e.cfg.TrendBonus
	}

	if res.Action == Buy && res.Score < e.cfg.MinBuyScore {
		res.Action = Hold
		res.Reason = "score below min_buy_score"
	}
	return res
}

// Regime classifies the market from the regime pair's result.
func (e *Engine) Regime(bench Result) Regime {
	if bench.Score >= e.cfg.RegimeMinScore {
		return RiskOn
	}
	return RiskOff
}

// Direction is the tradeable side after the regime filter: Buy only when
// risk-on or scalp-strong, Sell only when risk-off or scalp-strong.
func (e *Engine) Direction(res Result, regime Regime) Action {
	scalp := res.Scalp(e.cfg.ScalpTrigger)
	switch res.Action {
	case Buy:
		if regime == RiskOn || scalp {
			return Buy
		}
	case Sell:
		if regime == RiskOff || scalp {
			return Sell
		}
	}
	return Hold
}

func between(v float64, bounds [2]float64) bool {
	return v >= bounds[0] && v <= bounds[1]
}
