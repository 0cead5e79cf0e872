// Package orderdb keeps an audit trail of the order lifecycle in MySQL.
package orderdb

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"trading-corev1/internal/model"
)

// OrderRecord is one row of the orders table, keyed by (venue, order_id).
type OrderRecord struct {
	ID           uint            `gorm:"primaryKey;autoIncrement"`
	Venue        string          `gorm:"column:venue;type:varchar(32);uniqueIndex:uk_venue_order"`
	OrderID      string          `gorm:"column:order_id;type:varchar(64);uniqueIndex:uk_venue_order"`
	Instrument   string          `gorm:"column:instrument;type:varchar(32);index"`
	Side         string          `gorm:"column:side;type:varchar(8)"`
	OrderType    string          `gorm:"column:order_type;type:varchar(16)"`
	Price        decimal.Decimal `gorm:"column:price;type:decimal(36,18)"`
	Qty          decimal.Decimal `gorm:"column:qty;type:decimal(36,18)"`
	FilledQty    decimal.Decimal `gorm:"column:filled_qty;type:decimal(36,18)"`
	AvgPrice     decimal.Decimal `gorm:"column:avg_price;type:decimal(36,18)"`
	Status       string          `gorm:"column:status;type:varchar(20);index"`
	RejectReason string          `gorm:"column:reject_reason;type:varchar(255)"`
	CreatedAt    int64           `gorm:"column:created_at;index"`
	UpdatedAt    int64           `gorm:"column:updated_at"`
}

func (OrderRecord) TableName() string {
	return "orders"
}

// Order converts the row back to the shared order type.
func (r *OrderRecord) Order() model.Order {
	return model.Order{
		ID:           r.OrderID,
		Venue:        r.Venue,
		Instrument:   r.Instrument,
		Side:         model.Side(r.Side),
		Type:         model.OrderType(r.OrderType),
		Qty:          r.Qty,
		Price:        r.Price,
		Status:       model.OrderStatus(r.Status),
		FilledQty:    r.FilledQty,
		AvgPrice:     r.AvgPrice,
		RejectReason: r.RejectReason,
		CreatedAt:    time.UnixMilli(r.CreatedAt).UTC(),
		UpdatedAt:    time.UnixMilli(r.UpdatedAt).UTC(),
	}
}

// toRecord maps an order to a row. Risk-rejected orders never reached the
// venue and carry no id, so they get a local one.
func toRecord(o model.Order) OrderRecord {
	id := o.ID
	if id == "" {
		id = "rej-" + uuid.NewString()
	}
	updated := o.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	created := o.CreatedAt
	if created.IsZero() {
		created = updated
	}
	return OrderRecord{
		Venue:        o.Venue,
		OrderID:      id,
		Instrument:   o.Instrument,
		Side:         string(o.Side),
		OrderType:    string(o.Type),
		Price:        o.Price,
		Qty:          o.Qty,
		FilledQty:    o.FilledQty,
		AvgPrice:     o.AvgPrice,
		Status:       string(o.Status),
		RejectReason: o.RejectReason,
		CreatedAt:    created.UnixMilli(),
		UpdatedAt:    updated.UnixMilli(),
	}
}

// Repository implements model.OrderRecorder on gorm.
type Repository struct {
	db *gorm.DB
}

// Open connects to MySQL and migrates the orders table.
func Open(dsn string) (*Repository, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("orderdb open: %w", err)
	}
	repo := NewRepository(db)
	if err := repo.Migrate(); err != nil {
		return nil, err
	}
	log.Printf("[orderdb] connected, orders table ready")
	return repo, nil
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Migrate creates or updates the orders table.
func (r *Repository) Migrate() error {
	if err := r.db.AutoMigrate(&OrderRecord{}); err != nil {
		return fmt.Errorf("orderdb migrate: %w", err)
	}
	return nil
}

// upsert builds the insert-or-update statement for rec.
func (r *Repository) upsert(ctx context.Context, rec *OrderRecord) *gorm.DB {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "venue"}, {Name: "order_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"filled_qty":    rec.FilledQty,
				"avg_price":     rec.AvgPrice,
				"status":        rec.Status,
				"reject_reason": rec.RejectReason,
				"updated_at":    rec.UpdatedAt,
			}),
		}).
		Create(rec)
}

// RecordOrder upserts the order snapshot.
func (r *Repository) RecordOrder(ctx context.Context, o model.Order) error {
	rec := toRecord(o)
	if err := r.upsert(ctx, &rec).Error; err != nil {
		return fmt.Errorf("orderdb upsert %s/%s: %w", rec.Venue, rec.OrderID, err)
	}
	return nil
}

// Get returns one order by venue and exchange id.
func (r *Repository) Get(ctx context.Context, venue, orderID string) (model.Order, error) {
	var rec OrderRecord
	err := r.db.WithContext(ctx).
		Where("venue = ? AND order_id = ?", venue, orderID).
		First(&rec).Error
	if err != nil {
		return model.Order{}, err
	}
	return rec.Order(), nil
}

// Active returns the non-terminal orders of a venue, newest first.
func (r *Repository) Active(ctx context.Context, venue string) ([]model.Order, error) {
	var recs []OrderRecord
	err := r.db.WithContext(ctx).
		Where("venue = ? AND status IN ?", venue,
			[]string{string(model.StatusOpen), string(model.StatusPartiallyFilled)}).
		Order("created_at DESC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return toOrders(recs), nil
}

// ByInstrument returns the latest orders of an instrument across venues.
func (r *Repository) ByInstrument(ctx context.Context, instrument string, limit int) ([]model.Order, error) {
	var recs []OrderRecord
	err := r.db.WithContext(ctx).
		Where("instrument = ?", instrument).
		Order("created_at DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return toOrders(recs), nil
}

func toOrders(recs []OrderRecord) []model.Order {
	out := make([]model.Order, len(recs))
	for i := range recs {
		out[i] = recs[i].Order()
	}
	return out
}

// DB returns the underlying sql.DB for health checks.
func (r *Repository) DB() (*sql.DB, error) {
	return r.db.DB()
}

// Close closes the connection pool.
func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
