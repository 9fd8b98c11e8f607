package gate

import (
	"time"

	"github.com/shopspring/decimal"
)

// Circuit tracks consecutive realized losses and the UTC-day realized PnL.
type Circuit struct {
	maxLosses int
	pause     time.Duration

	consecutive int
	pausedUntil time.Time
	day         time.Time
	dailyPnL    decimal.Decimal
}

// NewCircuit trips after maxLosses consecutive losses and pauses for pause.
// A non-positive maxLosses disables tripping.
func NewCircuit(maxLosses int, pause time.Duration) *Circuit {
	return &Circuit{maxLosses: maxLosses, pause: pause}
}

// Record folds one realized PnL booked at at. Losses extend the streak and
// trip the breaker once the streak reaches the limit. Tripping and gains both
// reset the streak, so after a pause the full limit applies again.
// Realizations from a previous UTC day do not touch the daily total.
func (c *Circuit) Record(at time.Time, pnl decimal.Decimal) {
	day := utcDay(at)
	switch {
	case day.After(c.day):
		c.day = day
		c.dailyPnL = pnl
	case day.Equal(c.day):
		c.dailyPnL = c.dailyPnL.Add(pnl)
	}

	switch pnl.Sign() {
	case -1:
		c.consecutive++
		if c.maxLosses > 0 && c.consecutive >= c.maxLosses {
			until := at.Add(c.pause)
			if until.After(c.pausedUntil) {
				c.pausedUntil = until
			}
			c.consecutive = 0
		}
	case 1:
		c.consecutive = 0
	}
}

// Open reports whether trading is paused at now.
func (c *Circuit) Open(now time.Time) bool {
	return now.Before(c.pausedUntil)
}

// PausedUntil returns the end of the current pause (zero when never tripped).
func (c *Circuit) PausedUntil() time.Time {
	return c.pausedUntil
}

// ConsecutiveLosses returns the current loss streak.
func (c *Circuit) ConsecutiveLosses() int {
	return c.consecutive
}

// DailyPnL returns realized PnL for now's UTC day.
func (c *Circuit) DailyPnL(now time.Time) decimal.Decimal {
	if !utcDay(now).Equal(c.day) {
		return decimal.Zero
	}
	return c.dailyPnL
}

func utcDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
