package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide accepts "buy"/"sell" in any case.
func ParseSide(s string) (Side, bool) {
	switch Side(strings.ToUpper(strings.TrimSpace(s))) {
	case SideBuy:
		return SideBuy, true
	case SideSell:
		return SideSell, true
	}
	return "", false
}

// Sign returns +1 for buys and -1 for sells.
func (s Side) Sign() decimal.Decimal {
	if s == SideSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// ParseOrderType accepts "market"/"limit" in any case.
func ParseOrderType(s string) (OrderType, bool) {
	switch OrderType(strings.ToUpper(strings.TrimSpace(s))) {
	case OrderTypeMarket:
		return OrderTypeMarket, true
	case OrderTypeLimit:
		return OrderTypeLimit, true
	}
	return "", false
}

// OrderStatus is the lifecycle state of an order.
//
//	proposed -> REJECTED
//	proposed -> OPEN -> FILLED | CANCELLED
//
// REJECTED, FILLED and CANCELLED are terminal.
type OrderStatus string

const (
	StatusOpen            OrderStatus = "OPEN"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
)

// Terminal reports whether no further transition is possible.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// OrderRequest is what callers hand to the coordinator and what the
// coordinator hands to an exchange.
type OrderRequest struct {
	Instrument string          `json:"instrument"`
	Side       Side            `json:"side"`
	Type       OrderType       `json:"type"`
	Qty        decimal.Decimal `json:"qty"`
	Price      decimal.Decimal `json:"price"` // zero for market orders
}

// HasPrice reports whether a limit/reference price was supplied.
func (r OrderRequest) HasPrice() bool {
	return r.Price.IsPositive()
}

// Order is an exchange order as seen by the core.
type Order struct {
	ID           string          `json:"id"`
	Venue        string          `json:"venue"`
	Instrument   string          `json:"instrument"`
	Side         Side            `json:"side"`
	Type         OrderType       `json:"type"`
	Qty          decimal.Decimal `json:"qty"`
	Price        decimal.Decimal `json:"price"`
	Status       OrderStatus     `json:"status"`
	FilledQty    decimal.Decimal `json:"filled_qty"`
	AvgPrice     decimal.Decimal `json:"avg_price"` // fill average, zero until something fills
	RejectReason string          `json:"reject_reason,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Rejected reports whether the risk gate refused the order.
func (o *Order) Rejected() bool {
	return o.Status == StatusRejected
}

// RemainingQty is the unfilled part of the order.
func (o *Order) RemainingQty() decimal.Decimal {
	return o.Qty.Sub(o.FilledQty)
}
