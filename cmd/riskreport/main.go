// cmd/riskreport computes risk metrics offline from the SQLite trade journal
// and prints them as JSON, one object per venue.
//
// Usage:
//
//	go run ./cmd/riskreport --db=data/trades.db --since=720h --venue=paper
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trading-corev1/internal/portfolio"
	"trading-corev1/internal/risk"
	redisstore "trading-corev1/internal/store/redis"
	sqlitestore "trading-corev1/internal/store/sqlite"
)

type venueReport struct {
	Venue    string              `json:"venue"`
	Values   int                 `json:"values"`
	Metrics  risk.RiskMetrics    `json:"metrics"`
	History  []risk.RiskMetrics  `json:"history,omitempty"`
	Snapshot *portfolio.Snapshot `json:"snapshot,omitempty"`
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	dbPath := flag.String("db", "data/trades.db", "Path to the SQLite trade journal")
	venue := flag.String("venue", "", "Venue to report (default: every journaled venue)")
	market := flag.String("market", "", "Venue whose returns serve as the market series for beta")
	since := flag.Duration("since", risk.DefaultHistoryWindow, "Look-back window")
	riskFree := flag.Float64("risk-free", 0.02, "Per-period risk-free rate for the Sharpe ratio")
	history := flag.Bool("history", false, "Include risk metrics recorded by the coordinator")
	redisAddr := flag.String("redis", os.Getenv("REDIS_ADDR"), "Redis address for the latest ledger snapshot (optional)")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	reader, err := sqlitestore.NewReader(*dbPath)
	if err != nil {
		log.Fatalf("[riskreport] sqlite open failed: %v", err)
	}
	defer reader.Close()

	var snaps *redisstore.Reader
	if *redisAddr != "" {
		snaps, err = redisstore.NewReader(redisstore.ReaderConfig{Addr: *redisAddr, Password: os.Getenv("REDIS_PASSWORD")})
		if err != nil {
			log.Printf("[riskreport] WARNING: redis unavailable (%v), skipping snapshots", err)
			snaps = nil
		} else {
			defer snaps.Close()
		}
	}

	venues := []string{*venue}
	if *venue == "" {
		if venues, err = reader.Venues(ctx); err != nil {
			log.Fatalf("[riskreport] list venues: %v", err)
		}
	}

	start := time.Now().Add(-*since)
	var marketReturns []float64
	if *market != "" {
		values, err := reader.PortfolioValues(ctx, *market, start)
		if err != nil {
			log.Fatalf("[riskreport] market series %s: %v", *market, err)
		}
		marketReturns = returns(values)
	}

	calc := risk.NewCalculator(*riskFree)
	reports := make([]venueReport, 0, len(venues))
	for _, v := range venues {
		values, err := reader.PortfolioValues(ctx, v, start)
		if err != nil {
			log.Fatalf("[riskreport] %s: %v", v, err)
		}
		rep := venueReport{
			Venue:   v,
			Values:  len(values),
			Metrics: calc.CalculateMetrics(returns(values), marketReturns),
		}
		if *history {
			if rep.History, err = reader.ReadRiskMetrics(ctx, v, start, time.Now()); err != nil {
				log.Printf("[riskreport] WARNING: %s history: %v", v, err)
			}
		}
		if snaps != nil {
			s, ok, err := snaps.Snapshot(ctx, v)
			switch {
			case err != nil:
				log.Printf("[riskreport] WARNING: %s snapshot: %v", v, err)
			case ok:
				rep.Snapshot = &s
			}
		}
		reports = append(reports, rep)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(reports); err != nil {
		log.Fatalf("[riskreport] encode: %v", err)
	}
}

// returns converts a value series into simple period returns. Non-positive
// values break the chain and are skipped.
func returns(values []float64) []float64 {
	out := make([]float64, 0, len(values))
	for i := 1; i < len(values); i++ {
		prev := values[i-1]
		if prev <= 0 {
			continue
		}
		out = append(out, values[i]/prev-1)
	}
	return out
}
