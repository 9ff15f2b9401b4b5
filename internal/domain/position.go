package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type PositionStatus string

const (
	PositionEmpty    PositionStatus = "empty"
	PositionBuilding PositionStatus = "building"
	PositionHolding  PositionStatus = "holding"
	PositionClosing  PositionStatus = "closing"
	PositionClosed   PositionStatus = "closed"
)

// DustEpsilon is the residual quantity below which a position counts as
// fully closed. Grid level resets to zero exactly at this boundary.
var DustEpsilon = decimal.NewFromFloat(0.00001)

// Position is the accumulated grid position of one bot. It is owned
// exclusively by that bot's PositionManager and never shared across bots.
type Position struct {
	Symbol string
	Status PositionStatus

	TotalQuantity decimal.Decimal
	TotalCost     decimal.Decimal
	AveragePrice  decimal.Decimal
	LastBuyPrice  decimal.Decimal

	GridLevel    int
	MaxGridLevel int

	UnrealizedPnL decimal.Decimal
	RealizedPnL   decimal.Decimal

	TargetProfitPrice decimal.Decimal
	StopLossPrice     decimal.Decimal

	OpenedAt   *time.Time
	LastUpdate time.Time
}

// UpdateAveragePrice keeps the invariant average = cost / quantity.
func (p *Position) UpdateAveragePrice() {
	if p.TotalQuantity.IsPositive() {
		p.AveragePrice = p.TotalCost.Div(p.TotalQuantity)
	} else {
		p.AveragePrice = decimal.Zero
	}
}

func (p *Position) CalculateUnrealizedPnL(currentPrice decimal.Decimal) {
	if p.TotalQuantity.IsPositive() {
		p.UnrealizedPnL = p.TotalQuantity.Mul(currentPrice).Sub(p.TotalCost)
	} else {
		p.UnrealizedPnL = decimal.Zero
	}
}

// ProfitPercentage returns the gain over the average entry price, in percent.
func (p *Position) ProfitPercentage(currentPrice decimal.Decimal) decimal.Decimal {
	if !p.AveragePrice.IsPositive() {
		return decimal.Zero
	}
	return currentPrice.Sub(p.AveragePrice).Div(p.AveragePrice).Mul(decimal.NewFromInt(100))
}

func (p *Position) IsOpen() bool {
	switch p.Status {
	case PositionBuilding, PositionHolding, PositionClosing:
		return true
	}
	return false
}

// GridLevel is one step of the static geometric buy schedule,
// amount_i = base_amount * multiplier^i.
type GridLevel struct {
	Level       int
	TargetPrice decimal.Decimal
	Quantity    decimal.Decimal
	Amount      decimal.Decimal // notional in quote currency
	Executed    bool
}
