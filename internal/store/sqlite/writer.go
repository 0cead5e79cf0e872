package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"trading-corev1/internal/metrics"
	"trading-corev1/internal/model"
	"trading-corev1/internal/risk"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
)

// WriterConfig configures the SQLite writer.
type WriterConfig struct {
	DBPath     string // path to SQLite database file, e.g. "data/trades.db"
	BatchSize  int
	FlushDelay time.Duration
	Metrics    *metrics.Metrics
}

// Writer is the trade journal: a single-goroutine SQLite writer with
// transaction batching. It also stores risk metrics snapshots.
type Writer struct {
	db         *sql.DB
	batchSize  int
	flushDelay time.Duration
	metrics    *metrics.Metrics
}

// DB returns the underlying sql.DB for health checks.
func (w *Writer) DB() *sql.DB { return w.db }

// New creates a new SQLite Writer, initializes the database with WAL mode and schema.
func New(cfg WriterConfig) (*Writer, error) {
	db, err := open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	// Set connection pool for single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	w := &Writer{
		db:         db,
		batchSize:  cfg.BatchSize,
		flushDelay: cfg.FlushDelay,
		metrics:    cfg.Metrics,
	}
	if w.batchSize <= 0 {
		w.batchSize = defaultBatchSize
	}
	if w.flushDelay <= 0 {
		w.flushDelay = defaultFlushDelay
	}

	log.Printf("[sqlite] opened trade journal at %s", cfg.DBPath)
	return w, nil
}

func open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	return db, nil
}

// Money columns are TEXT so decimals round-trip exactly.
func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS trades (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			venue           TEXT    NOT NULL,
			order_id        TEXT    NOT NULL,
			instrument      TEXT    NOT NULL,
			side            TEXT    NOT NULL,
			qty             TEXT    NOT NULL,
			price           TEXT    NOT NULL,
			realized_pnl    TEXT    NOT NULL,
			portfolio_value TEXT    NOT NULL,
			fill_assumed    INTEGER NOT NULL DEFAULT 0,
			position_closed INTEGER NOT NULL DEFAULT 0,
			ts              INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_trades_venue_ts ON trades(venue, ts);
		CREATE INDEX IF NOT EXISTS idx_trades_instrument ON trades(instrument);

		CREATE TABLE IF NOT EXISTS risk_metrics (
			id                 INTEGER PRIMARY KEY AUTOINCREMENT,
			venue              TEXT    NOT NULL,
			ts                 INTEGER NOT NULL,
			var95              REAL    NOT NULL,
			var99              REAL    NOT NULL,
			expected_shortfall REAL    NOT NULL,
			sharpe             REAL    NOT NULL,
			sharpe_valid       INTEGER NOT NULL,
			volatility         REAL    NOT NULL,
			beta               REAL    NOT NULL,
			max_drawdown       REAL    NOT NULL,
			samples            INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_risk_venue_ts ON risk_metrics(venue, ts);
	`)
	return err
}

// Run reads trade events from ch and inserts them in batched transactions.
// Flushes every batchSize events OR every flushDelay, whichever first.
// Blocks until ctx is cancelled or ch is closed.
func (w *Writer) Run(ctx context.Context, ch <-chan model.TradeEvent) {
	batch := make([]model.TradeEvent, 0, w.batchSize)
	timer := time.NewTimer(w.flushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		if err := w.insertBatch(batch); err != nil {
			w.metrics.ObserveSinkError("sqlite")
			log.Printf("[sqlite] batch insert error: %v", err)
		} else {
			if w.metrics != nil {
				w.metrics.SQLiteCommitDur.Observe(time.Since(start).Seconds())
			}
			log.Printf("[sqlite] committed %d trades in %v", len(batch), time.Since(start))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case ev, ok := <-ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= w.batchSize {
				flush()
				timer.Reset(w.flushDelay)
			}

		case <-timer.C:
			flush()
			timer.Reset(w.flushDelay)
		}
	}
}

// insertBatch inserts a batch of trades in a single transaction.
func (w *Writer) insertBatch(events []model.TradeEvent) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO trades (venue, order_id, instrument, side, qty, price, realized_pnl,
			portfolio_value, fill_assumed, position_closed, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, e := range events {
		_, err := stmt.Exec(e.Venue, e.OrderID, e.Instrument, string(e.Side),
			e.Qty.String(), e.Price.String(), e.RealizedPnL.String(), e.PortfolioVal.String(),
			boolInt(e.FillAssumed), boolInt(e.PositionClose), e.TS.UnixMilli())
		if err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// RecordRiskMetrics stores one risk metrics snapshot.
func (w *Writer) RecordRiskMetrics(ctx context.Context, venue string, m risk.RiskMetrics) error {
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := w.db.ExecContext(ctx, `
		INSERT INTO risk_metrics (venue, ts, var95, var99, expected_shortfall, sharpe, sharpe_valid,
			volatility, beta, max_drawdown, samples)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, venue, ts.UnixMilli(), m.VaR95, m.VaR99, m.ExpectedShortfall, m.SharpeRatio, boolInt(m.SharpeValid),
		m.Volatility, m.Beta, m.MaxDrawdown, m.Samples)
	if err != nil {
		return fmt.Errorf("sqlite insert risk metrics: %w", err)
	}
	return nil
}

// Close closes the database.
func (w *Writer) Close() error {
	return w.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
