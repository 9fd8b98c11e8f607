package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/irgendwasmitfelix/TradingBot/pkg/exchange"
)

// Fill is a single executed order portion attributed to a normalized symbol.
type Fill struct {
	ID     string
	Symbol string
	Time   time.Time
	Side   exchange.Side
	Price  decimal.Decimal
	Volume decimal.Decimal
	Fee    decimal.Decimal
}

// Position tracks one symbol. Quantity is signed: positive long, negative
// short. RealizedPnL and CumulativeFees survive a return to flat; entry price
// and OpenedAt do not.
type Position struct {
	Symbol         string          `json:"symbol"`
	Quantity       decimal.Decimal `json:"quantity"`
	AvgEntryPrice  decimal.Decimal `json:"avg_entry_price"`
	RealizedPnL    decimal.Decimal `json:"realized_pnl"`
	CumulativeFees decimal.Decimal `json:"cumulative_fees"`
	OpenedAt       time.Time       `json:"opened_at"`
}

// IsFlat reports whether the position holds no quantity.
func (p Position) IsFlat() bool {
	return p.Quantity.IsZero()
}

// IsLong reports a positive quantity.
func (p Position) IsLong() bool {
	return p.Quantity.IsPositive()
}

// Apply folds a fill into the position and returns the PnL it realized.
//
// Increasing fills move the average entry to the quantity-weighted mean.
// Decreasing fills realize (exit-avg)*closed for longs, (avg-exit)*closed for
// shorts, minus the fee share of the closed quantity. A fill larger than the
// open quantity closes it and opens the remainder at the fill price.
func (p *Position) Apply(f Fill) decimal.Decimal {
	if f.Volume.Sign() <= 0 {
		return decimal.Zero
	}
	p.CumulativeFees = p.CumulativeFees.Add(f.Fee)

	signed := f.Volume
	if f.Side == exchange.SideSell {
		signed = signed.Neg()
	}

	if p.Quantity.IsZero() || p.Quantity.Sign() == signed.Sign() {
		p.increase(f, signed)
		return decimal.Zero
	}

	open := p.Quantity.Abs()
	closed := decimal.Min(open, f.Volume)
	closeFee := f.Fee.Mul(closed).Div(f.Volume)

	gross := f.Price.Sub(p.AvgEntryPrice).Mul(closed)
	if p.Quantity.IsNegative() {
		gross = gross.Neg()
	}
	realized := gross.Sub(closeFee)
	p.RealizedPnL = p.RealizedPnL.Add(realized)

	remaining := f.Volume.Sub(closed)
	switch {
	case remaining.IsPositive():
		if f.Side == exchange.SideSell {
			remaining = remaining.Neg()
		}
		p.Quantity = remaining
		p.AvgEntryPrice = f.Price
		p.OpenedAt = f.Time
	case open.Equal(closed):
		p.Quantity = decimal.Zero
		p.AvgEntryPrice = decimal.Zero
		p.OpenedAt = time.Time{}
	default:
		p.Quantity = p.Quantity.Add(signed)
	}
	return realized
}

func (p *Position) increase(f Fill, signed decimal.Decimal) {
	if p.Quantity.IsZero() {
		p.Quantity = signed
		p.AvgEntryPrice = f.Price
		p.OpenedAt = f.Time
		return
	}
	oldQty := p.Quantity.Abs()
	newQty := oldQty.Add(f.Volume)
	p.AvgEntryPrice = oldQty.Mul(p.AvgEntryPrice).Add(f.Volume.Mul(f.Price)).Div(newQty)
	p.Quantity = p.Quantity.Add(signed)
}
