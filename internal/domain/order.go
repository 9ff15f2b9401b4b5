package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "new"
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCanceled        OrderStatus = "canceled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
)

// Order represents a single order submitted to the exchange.
// FilledQuantity never decreases until the order reaches a terminal status;
// Cost is derived as FilledQuantity * AveragePrice once fills arrive.
type Order struct {
	ID            string
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Type          OrderType

	Quantity decimal.Decimal
	Price    decimal.Decimal // zero for market orders

	Status            OrderStatus
	FilledQuantity    decimal.Decimal
	RemainingQuantity decimal.Decimal
	AveragePrice      decimal.Decimal
	Cost              decimal.Decimal
	Fee               decimal.Decimal

	CreatedAt time.Time
	UpdatedAt time.Time
	FilledAt  *time.Time

	StrategyMeta map[string]string
}

// UpdateStatus is the single mutation point for an order's fill state.
func (o *Order) UpdateStatus(status OrderStatus, filledQty, avgPrice decimal.Decimal) {
	o.Status = status
	o.UpdatedAt = time.Now().UTC()

	if filledQty.GreaterThan(o.FilledQuantity) {
		o.FilledQuantity = filledQty
	}
	o.RemainingQuantity = o.Quantity.Sub(o.FilledQuantity)

	if avgPrice.IsPositive() {
		o.AveragePrice = avgPrice
		o.Cost = o.FilledQuantity.Mul(avgPrice)
	}

	if status == OrderStatusFilled {
		now := time.Now().UTC()
		o.FilledAt = &now
		o.RemainingQuantity = decimal.Zero
	}
}

func (o *Order) IsActive() bool {
	switch o.Status {
	case OrderStatusNew, OrderStatusPending, OrderStatusOpen, OrderStatusPartiallyFilled:
		return true
	}
	return false
}

func (o *Order) IsTerminal() bool {
	switch o.Status {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}
