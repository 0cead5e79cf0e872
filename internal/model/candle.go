package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Candle is one OHLCV bar as returned by an exchange.
type Candle struct {
	Instrument string          `json:"instrument"`
	TS         time.Time       `json:"ts"` // bar open time (UTC)
	Open       decimal.Decimal `json:"open"`
	High       decimal.Decimal `json:"high"`
	Low        decimal.Decimal `json:"low"`
	Close      decimal.Decimal `json:"close"`
	Volume     decimal.Decimal `json:"volume"`
}

// CloseReturns converts a candle series into simple close-to-close returns.
// Bars with a non-positive previous close are skipped.
func CloseReturns(candles []Candle) []float64 {
	if len(candles) < 2 {
		return nil
	}
	out := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		prev := candles[i-1].Close
		if !prev.IsPositive() {
			continue
		}
		r, _ := candles[i].Close.Sub(prev).Div(prev).Float64()
		out = append(out, r)
	}
	return out
}
