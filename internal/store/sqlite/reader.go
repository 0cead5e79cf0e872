package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"trading-corev1/internal/model"
	"trading-corev1/internal/risk"
)

// Reader provides read-only access to the trade journal for reports.
type Reader struct {
	db *sql.DB
}

// NewReader opens a SQLite connection for reading.
func NewReader(dbPath string) (*Reader, error) {
	db, err := open(dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)

	log.Printf("[sqlite-reader] opened %s", dbPath)
	return &Reader{db: db}, nil
}

// TradeFilter narrows ReadTrades. Empty fields match everything.
type TradeFilter struct {
	Venue      string
	Instrument string
	Since      time.Time
	Limit      int
}

// ReadTrades returns journaled trades ordered oldest first.
func (r *Reader) ReadTrades(ctx context.Context, f TradeFilter) ([]model.TradeEvent, error) {
	q := `SELECT venue, order_id, instrument, side, qty, price, realized_pnl, portfolio_value,
			fill_assumed, position_closed, ts
		FROM trades WHERE ts >= ?`
	args := []any{f.Since.UnixMilli()}
	if f.Venue != "" {
		q += " AND venue = ?"
		args = append(args, f.Venue)
	}
	if f.Instrument != "" {
		q += " AND instrument = ?"
		args = append(args, f.Instrument)
	}
	q += " ORDER BY ts ASC, id ASC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite query trades: %w", err)
	}
	defer rows.Close()

	var out []model.TradeEvent
	for rows.Next() {
		var (
			e                model.TradeEvent
			side             string
			qty, px, pnl, pv string
			assumed, closed  int
			tsMs             int64
		)
		if err := rows.Scan(&e.Venue, &e.OrderID, &e.Instrument, &side, &qty, &px, &pnl, &pv,
			&assumed, &closed, &tsMs); err != nil {
			return nil, fmt.Errorf("sqlite scan trades: %w", err)
		}
		e.Side = model.Side(side)
		if e.Qty, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("sqlite trade qty %q: %w", qty, err)
		}
		if e.Price, err = decimal.NewFromString(px); err != nil {
			return nil, fmt.Errorf("sqlite trade price %q: %w", px, err)
		}
		e.RealizedPnL, _ = decimal.NewFromString(pnl)
		e.PortfolioVal, _ = decimal.NewFromString(pv)
		e.FillAssumed = assumed != 0
		e.PositionClose = closed != 0
		e.TS = time.UnixMilli(tsMs).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// PortfolioValues returns the post-trade portfolio value series of venue,
// oldest first.
func (r *Reader) PortfolioValues(ctx context.Context, venue string, since time.Time) ([]float64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT portfolio_value FROM trades
		WHERE venue = ? AND ts >= ?
		ORDER BY ts ASC, id ASC
	`, venue, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("sqlite query portfolio values: %w", err)
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("sqlite scan portfolio value: %w", err)
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			continue
		}
		f, _ := d.Float64()
		out = append(out, f)
	}
	return out, rows.Err()
}

// Venues lists every venue with journaled trades.
func (r *Reader) Venues(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT venue FROM trades ORDER BY venue`)
	if err != nil {
		return nil, fmt.Errorf("sqlite query venues: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ReadRiskMetrics returns stored risk snapshots of venue in [start, end],
// oldest first. A zero end means now.
func (r *Reader) ReadRiskMetrics(ctx context.Context, venue string, start, end time.Time) ([]risk.RiskMetrics, error) {
	if end.IsZero() {
		end = time.Now()
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT ts, var95, var99, expected_shortfall, sharpe, sharpe_valid, volatility, beta, max_drawdown, samples
		FROM risk_metrics
		WHERE venue = ? AND ts >= ? AND ts <= ?
		ORDER BY ts ASC, id ASC
	`, venue, start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("sqlite query risk_metrics: %w", err)
	}
	defer rows.Close()

	var out []risk.RiskMetrics
	for rows.Next() {
		var (
			m     risk.RiskMetrics
			tsMs  int64
			valid int
		)
		if err := rows.Scan(&tsMs, &m.VaR95, &m.VaR99, &m.ExpectedShortfall, &m.SharpeRatio, &valid,
			&m.Volatility, &m.Beta, &m.MaxDrawdown, &m.Samples); err != nil {
			return nil, fmt.Errorf("sqlite scan risk_metrics: %w", err)
		}
		m.SharpeValid = valid != 0
		m.Timestamp = time.UnixMilli(tsMs).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

// Close closes the reader's database connection.
func (r *Reader) Close() error {
	return r.db.Close()
}
