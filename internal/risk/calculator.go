// Package risk computes statistical risk measures over return series and
// enforces per-instrument position caps and the drawdown limit before an
// order is placed.
package risk

import (
	"errors"
	"math"
	"sync"
	"time"
)

// ErrZeroVolatility is returned by SharpeRatio for a flat or too short series.
var ErrZeroVolatility = errors.New("risk: zero volatility")

// DefaultHistoryWindow is the look-back of MetricsHistory when no start is given.
const DefaultHistoryWindow = 30 * 24 * time.Hour

// RiskMetrics is an immutable snapshot appended to the calculator history.
type RiskMetrics struct {
	VaR95             float64   `json:"var_95"`
	VaR99             float64   `json:"var_99"`
	ExpectedShortfall float64   `json:"expected_shortfall"`
	SharpeRatio       float64   `json:"sharpe_ratio"`
	SharpeValid       bool      `json:"sharpe_valid"` // false when volatility is zero
	Volatility        float64   `json:"volatility"`
	Beta              float64   `json:"beta"`
	MaxDrawdown       float64   `json:"max_drawdown"`
	Samples           int       `json:"samples"`
	Timestamp         time.Time `json:"timestamp"`
}

// Calculator computes risk statistics. It never touches the ledger.
type Calculator struct {
	riskFreeRate float64

	mu      sync.RWMutex
	history []RiskMetrics

	now func() time.Time
}

// NewCalculator creates a calculator with the per-period risk-free rate used
// in the Sharpe ratio.
func NewCalculator(riskFreeRate float64) *Calculator {
	return &Calculator{riskFreeRate: riskFreeRate, now: time.Now}
}

// CalculateVaR returns the historical VaR at confidence as a non-negative
// number: |percentile(returns, (1-confidence)*100)|. Empty input yields 0.
func (c *Calculator) CalculateVaR(returns []float64, confidence float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	return math.Abs(percentile(returns, (1-confidence)*100))
}

// CalculateExpectedShortfall returns |mean of returns below -vaR|. When no
// return falls below the threshold the VaR itself is returned. Empty input
// yields 0.
func (c *Calculator) CalculateExpectedShortfall(returns []float64, vaR float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	var sum float64
	var n int
	for _, r := range returns {
		if r < -vaR {
			sum += r
			n++
		}
	}
	if n == 0 {
		return vaR
	}
	return math.Abs(sum / float64(n))
}

// Volatility is the sample standard deviation. Fewer than two points yield 0.
func (c *Calculator) Volatility(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	return math.Sqrt(sampleCov(returns, returns))
}

// SharpeRatio returns (mean - rf) / volatility.
func (c *Calculator) SharpeRatio(returns []float64, riskFree float64) (float64, error) {
	vol := c.Volatility(returns)
	if vol == 0 {
		return 0, ErrZeroVolatility
	}
	return (mean(returns) - riskFree) / vol, nil
}

// MaxDrawdown is the largest fractional fall of the cumulative path
// 1 + cumsum(returns) from its running peak. The peak starts at 1, the
// initial wealth, so a loss on the first return counts.
func (c *Calculator) MaxDrawdown(returns []float64) float64 {
	var cum, maxDD float64
	peak := 1.0
	for _, r := range returns {
		cum += r
		v := 1 + cum
		if v > peak {
			peak = v
		}
		if peak <= 0 {
			continue
		}
		if dd := 1 - v/peak; dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

// Beta is cov(returns, market) / var(market) over the aligned tail of both
// series. It is 1 when no market series is given or its variance is zero.
func (c *Calculator) Beta(returns, market []float64) float64 {
	n := len(returns)
	if len(market) < n {
		n = len(market)
	}
	if n < 2 {
		return 1
	}
	r, m := tail(returns, n), tail(market, n)
	mv := sampleCov(m, m)
	if mv == 0 {
		return 1
	}
	return sampleCov(r, m) / mv
}

// CalculateMetrics bundles all statistics and appends the result to history.
// Empty input produces a neutral record.
func (c *Calculator) CalculateMetrics(returns, market []float64) RiskMetrics {
	m := RiskMetrics{Beta: 1, Samples: len(returns), Timestamp: c.now()}

	if len(returns) > 0 {
		m.VaR95 = c.CalculateVaR(returns, 0.95)
		m.VaR99 = c.CalculateVaR(returns, 0.99)
		m.ExpectedShortfall = c.CalculateExpectedShortfall(returns, m.VaR95)
		m.Volatility = c.Volatility(returns)
		m.MaxDrawdown = c.MaxDrawdown(returns)
		m.Beta = c.Beta(returns, market)
		if s, err := c.SharpeRatio(returns, c.riskFreeRate); err == nil {
			m.SharpeRatio = s
			m.SharpeValid = true
		}
	}

	c.mu.Lock()
	c.history = append(c.history, m)
	c.mu.Unlock()
	return m
}

// MetricsHistory returns records with start <= ts <= end. A zero start
// defaults to now minus DefaultHistoryWindow, a zero end to now.
func (c *Calculator) MetricsHistory(start, end time.Time) []RiskMetrics {
	now := c.now()
	if start.IsZero() {
		start = now.Add(-DefaultHistoryWindow)
	}
	if end.IsZero() {
		end = now
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []RiskMetrics
	for _, m := range c.history {
		if !m.Timestamp.Before(start) && !m.Timestamp.After(end) {
			out = append(out, m)
		}
	}
	return out
}

// LatestMetrics returns the most recent record.
func (c *Calculator) LatestMetrics() (RiskMetrics, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.history) == 0 {
		return RiskMetrics{}, false
	}
	return c.history[len(c.history)-1], true
}
