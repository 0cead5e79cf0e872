package risk

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// ErrNoExposure is returned when portfolio risk is requested for an empty book.
var ErrNoExposure = errors.New("risk: no exposures")

// StressShocks are the uniform price shocks applied to every exposure.
var StressShocks = []float64{-0.05, -0.10, -0.20, 0.10}

// StressResult is the P&L of one stress scenario.
type StressResult struct {
	Scenario string  `json:"scenario"`
	PnL      float64 `json:"pnl"`
}

// PortfolioRisk is the cross-instrument view of the book.
type PortfolioRisk struct {
	Instruments []string       `json:"instruments"`
	VaR         float64        `json:"var"` // currency units
	Confidence  float64        `json:"confidence"`
	Correlation [][]float64    `json:"correlation_matrix"`
	Stress      []StressResult `json:"stress_test_results"`
	Samples     int            `json:"samples"`
	Timestamp   time.Time      `json:"timestamp"`
}

// CalculatePortfolioRisk computes VaR of the exposure-weighted return path,
// the pairwise correlation matrix and stress results. exposures are signed
// notionals per instrument; returns are per-period returns. Series of
// unequal length are aligned on their common tail.
func (c *Calculator) CalculatePortfolioRisk(exposures map[string]float64, returns map[string][]float64, confidence float64) (PortfolioRisk, error) {
	if len(exposures) == 0 {
		return PortfolioRisk{}, ErrNoExposure
	}

	instruments := make([]string, 0, len(exposures))
	for k := range exposures {
		instruments = append(instruments, k)
	}
	sort.Strings(instruments)

	n := math.MaxInt
	for _, inst := range instruments {
		r, ok := returns[inst]
		if !ok || len(r) == 0 {
			return PortfolioRisk{}, fmt.Errorf("risk: no returns for %s", inst)
		}
		if len(r) < n {
			n = len(r)
		}
	}

	series := make([][]float64, len(instruments))
	for i, inst := range instruments {
		series[i] = tail(returns[inst], n)
	}

	path := make([]float64, n)
	for i, inst := range instruments {
		w := exposures[inst]
		for t, r := range series[i] {
			path[t] += w * r
		}
	}

	corr := make([][]float64, len(instruments))
	for i := range corr {
		corr[i] = make([]float64, len(instruments))
		for j := range corr[i] {
			if i == j {
				corr[i][j] = 1
				continue
			}
			corr[i][j] = correlation(series[i], series[j])
		}
	}

	return PortfolioRisk{
		Instruments: instruments,
		VaR:         c.CalculateVaR(path, confidence),
		Confidence:  confidence,
		Correlation: corr,
		Stress:      stressTests(instruments, exposures, series, path),
		Samples:     n,
		Timestamp:   c.now(),
	}, nil
}

func stressTests(instruments []string, exposures map[string]float64, series [][]float64, path []float64) []StressResult {
	out := make([]StressResult, 0, len(StressShocks)+2)

	var net float64
	for _, inst := range instruments {
		net += exposures[inst]
	}
	for _, shock := range StressShocks {
		out = append(out, StressResult{
			Scenario: fmt.Sprintf("uniform_%+.0f%%", shock*100),
			PnL:      net * shock,
		})
	}

	// every instrument at its own worst observed return at once
	var worstEach float64
	for i, inst := range instruments {
		w := exposures[inst]
		worst := series[i][0]
		for _, r := range series[i] {
			if w*r < w*worst {
				worst = r
			}
		}
		worstEach += w * worst
	}
	out = append(out, StressResult{Scenario: "worst_historical_per_instrument", PnL: worstEach})

	worstDay := path[0]
	for _, p := range path {
		if p < worstDay {
			worstDay = p
		}
	}
	out = append(out, StressResult{Scenario: "worst_historical_period", PnL: worstDay})
	return out
}
