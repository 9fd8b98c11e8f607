// Package indicators provides the price-series statistics used for scoring.
// Every function reads the most recent window of prices, oldest first, and
// reports false when the series is too short.
package indicators

import "math"

// SMA returns the simple moving average of the last period prices.
func SMA(prices []float64, period int) (float64, bool) {
	if period <= 0 || len(prices) < period {
		return 0, false
	}
	sum := 0.0
	for _, p := range prices[len(prices)-period:] {
		sum += p
	}
	return sum / float64(period), true
}

// RSI computes the Relative Strength Index from the plain mean of the last
// period gains and losses.
func RSI(prices []float64, period int) (float64, bool) {
	if period <= 0 || len(prices) < period+1 {
		return 0, false
	}
	var gainSum, lossSum float64
	for i := len(prices) - period; i < len(prices); i++ {
		change := prices[i] - prices[i-1]
		if change > 0 {
			gainSum += change
		} else {
			lossSum -= change
		}
	}
	return computeRSI(gainSum/float64(period), lossSum/float64(period)), true
}

// VolatilityPct is the population standard deviation of the last window
// prices as a percentage of their mean.
func VolatilityPct(prices []float64, window int) (float64, bool) {
	mean, ok := SMA(prices, window)
	if !ok || mean <= 0 {
		return 0, false
	}
	variance := 0.0
	for _, p := range prices[len(prices)-window:] {
		d := p - mean
		variance += d * d
	}
	variance /= float64(window)
	return math.Sqrt(variance) / mean * 100, true
}

// PctChange returns (to-from)/from in percent.
func PctChange(from, to float64) float64 {
	if from == 0 {
		return 0
	}
	return (to - from) / from * 100
}

func computeRSI(avgGain, avgLoss float64) float64 {
	switch {
	case avgLoss == 0 && avgGain == 0:
		return 50.0
	case avgLoss == 0:
		return 100.0
	case avgGain == 0:
		return 0.0
	default:
		rs := avgGain / avgLoss
		return 100.0 - (100.0 / (1.0 + rs))
	}
}
