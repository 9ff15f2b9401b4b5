package usecase

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vitos/crypto_grid_bot/internal/domain"
)

func newTestPositionManager(t *testing.T) *PositionManager {
	t.Helper()
	return NewPositionManager(PositionConfig{
		BotID:           1,
		Symbol:          "BTC-USDT",
		MaxGridLevels:   7,
		ProfitTargetPct: decimal.NewFromFloat(0.5),
		StopLossPct:     decimal.NewFromInt(5),
	}, zap.NewNop())
}

func filledOrder(id string, side domain.OrderSide, qty, price float64) *domain.Order {
	now := time.Now()
	q := decimal.NewFromFloat(qty)
	p := decimal.NewFromFloat(price)
	return &domain.Order{
		ID:             id,
		Symbol:         "BTC-USDT",
		Side:           side,
		Type:           domain.OrderTypeMarket,
		Quantity:       q,
		Status:         domain.OrderStatusFilled,
		FilledQuantity: q,
		AveragePrice:   p,
		Cost:           q.Mul(p),
		CreatedAt:      now,
		UpdatedAt:      now,
		FilledAt:       &now,
	}
}

func applyFill(t *testing.T, m *PositionManager, order *domain.Order) *domain.PositionHistory {
	t.Helper()
	if order.Side == domain.SideBuy {
		require.NoError(t, m.AddBuyOrder(order))
	} else {
		require.NoError(t, m.AddSellOrder(order))
	}
	history, err := m.UpdateOrderStatus(order)
	require.NoError(t, err)
	return history
}

func TestBuyFillsKeepAveragingInvariant(t *testing.T) {
	m := newTestPositionManager(t)

	applyFill(t, m, filledOrder("b1", domain.SideBuy, 0.01, 50000))
	applyFill(t, m, filledOrder("b2", domain.SideBuy, 0.02, 49000))

	pos := m.Snapshot()
	assert.True(t, pos.TotalQuantity.Equal(decimal.NewFromFloat(0.03)), "got %s", pos.TotalQuantity)
	assert.True(t, pos.TotalCost.Equal(decimal.NewFromInt(1480)), "got %s", pos.TotalCost)
	// average = cost / quantity, always
	assert.True(t, pos.AveragePrice.Equal(pos.TotalCost.Div(pos.TotalQuantity)))
	assert.True(t, pos.LastBuyPrice.Equal(decimal.NewFromInt(49000)))
	assert.Equal(t, 2, pos.GridLevel)
	assert.Equal(t, domain.PositionHolding, pos.Status)
}

func TestShouldTakeProfitAtTarget(t *testing.T) {
	m := newTestPositionManager(t)
	applyFill(t, m, filledOrder("b1", domain.SideBuy, 0.01, 50000))

	// 0.5% target on a 50000 average: 50250 triggers, 50000 does not.
	assert.True(t, m.ShouldTakeProfit(decimal.NewFromInt(50250)))
	assert.False(t, m.ShouldTakeProfit(decimal.NewFromInt(50000)))
	assert.False(t, m.ShouldTakeProfit(decimal.NewFromInt(50200)))
}

func TestShouldAddGridLevelOnDrop(t *testing.T) {
	m := newTestPositionManager(t)
	applyFill(t, m, filledOrder("b1", domain.SideBuy, 0.01, 50000))

	threshold := decimal.NewFromInt(2)
	// 49000 is a 2% drop from the 50000 last buy.
	assert.True(t, m.ShouldAddGridLevel(decimal.NewFromInt(49000), threshold))
	assert.False(t, m.ShouldAddGridLevel(decimal.NewFromInt(49500), threshold))
}

func TestShouldAddGridLevelRespectsCapacity(t *testing.T) {
	m := NewPositionManager(PositionConfig{
		Symbol:          "BTC-USDT",
		MaxGridLevels:   1,
		ProfitTargetPct: decimal.NewFromFloat(0.5),
		StopLossPct:     decimal.NewFromInt(5),
	}, zap.NewNop())
	applyFill(t, m, filledOrder("b1", domain.SideBuy, 0.01, 50000))

	assert.False(t, m.ShouldAddGridLevel(decimal.NewFromInt(45000), decimal.NewFromInt(2)))
}

func TestGridLevelNeverExceedsCap(t *testing.T) {
	m := NewPositionManager(PositionConfig{
		Symbol:          "BTC-USDT",
		MaxGridLevels:   1,
		ProfitTargetPct: decimal.NewFromFloat(0.5),
		StopLossPct:     decimal.NewFromInt(5),
	}, zap.NewNop())

	// A fill past capacity still averages in, but the level stays capped.
	applyFill(t, m, filledOrder("b1", domain.SideBuy, 0.01, 50000))
	applyFill(t, m, filledOrder("b2", domain.SideBuy, 0.01, 49000))

	pos := m.Snapshot()
	assert.Equal(t, 1, pos.GridLevel)
	assert.True(t, pos.TotalQuantity.Equal(decimal.NewFromFloat(0.02)))
}

func TestShouldStopLoss(t *testing.T) {
	m := newTestPositionManager(t)
	applyFill(t, m, filledOrder("b1", domain.SideBuy, 0.01, 50000))

	assert.True(t, m.ShouldStopLoss(decimal.NewFromInt(47000)))  // -6%
	assert.False(t, m.ShouldStopLoss(decimal.NewFromInt(48000))) // -4%
}

func TestSellFillClosesCycleAndResetsGridLevel(t *testing.T) {
	m := newTestPositionManager(t)
	applyFill(t, m, filledOrder("b1", domain.SideBuy, 0.01, 50000))
	applyFill(t, m, filledOrder("b2", domain.SideBuy, 0.01, 49000))

	history := applyFill(t, m, filledOrder("s1", domain.SideSell, 0.02, 50000))
	require.NotNil(t, history)

	// avg was 990/0.02 = 49500; selling 0.02 at 50000 realizes 10
	assert.True(t, history.RealizedPnL.Equal(decimal.NewFromInt(10)), "got %s", history.RealizedPnL)
	assert.Equal(t, 2, history.GridLevels)

	pos := m.Snapshot()
	assert.Equal(t, domain.PositionEmpty, pos.Status)
	assert.Equal(t, 0, pos.GridLevel)
	assert.True(t, pos.TotalQuantity.IsZero())
	assert.True(t, pos.AveragePrice.IsZero())
	assert.True(t, pos.RealizedPnL.Equal(decimal.NewFromInt(10)))

	stats := m.Stats()
	assert.Equal(t, 1, stats.CyclesCompleted)
	assert.Equal(t, 1, stats.CyclesProfitable)
}

func TestPartialSellKeepsPositionOpen(t *testing.T) {
	m := newTestPositionManager(t)
	applyFill(t, m, filledOrder("b1", domain.SideBuy, 0.03, 50000))

	history := applyFill(t, m, filledOrder("s1", domain.SideSell, 0.01, 51000))
	assert.Nil(t, history)

	pos := m.Snapshot()
	assert.True(t, pos.TotalQuantity.Equal(decimal.NewFromFloat(0.02)))
	assert.True(t, pos.RealizedPnL.Equal(decimal.NewFromInt(10))) // (51000-50000)*0.01
	assert.True(t, m.HasOpenPosition())
}

func TestDustResidualClosesCycle(t *testing.T) {
	m := newTestPositionManager(t)
	applyFill(t, m, filledOrder("b1", domain.SideBuy, 0.01, 50000))

	// Sell everything but a residual below the dust epsilon.
	history := applyFill(t, m, filledOrder("s1", domain.SideSell, 0.009995, 50000))
	require.NotNil(t, history)
	assert.False(t, m.HasOpenPosition())
	assert.Equal(t, 0, m.Snapshot().GridLevel)
}

func TestUnknownOrderIsLoggedNoOp(t *testing.T) {
	m := newTestPositionManager(t)
	history, err := m.UpdateOrderStatus(filledOrder("ghost", domain.SideBuy, 0.01, 50000))
	require.NoError(t, err)
	assert.Nil(t, history)
	assert.False(t, m.HasOpenPosition())
}

func TestCanceledOrderWithPartialFillAppliesFilledPart(t *testing.T) {
	m := newTestPositionManager(t)

	order := filledOrder("b1", domain.SideBuy, 0.02, 50000)
	order.Status = domain.OrderStatusCanceled
	order.FilledQuantity = decimal.NewFromFloat(0.01)
	order.Cost = order.FilledQuantity.Mul(order.AveragePrice)

	applyFill(t, m, order)

	pos := m.Snapshot()
	assert.True(t, pos.TotalQuantity.Equal(decimal.NewFromFloat(0.01)))
}

func TestNextGridAmountGrowsGeometrically(t *testing.T) {
	m := newTestPositionManager(t)
	base := decimal.NewFromInt(10)
	mult := decimal.NewFromInt(2)

	assert.True(t, m.NextGridAmount(base, mult).Equal(decimal.NewFromInt(10)))
	applyFill(t, m, filledOrder("b1", domain.SideBuy, 0.0002, 50000))
	assert.True(t, m.NextGridAmount(base, mult).Equal(decimal.NewFromInt(20)))
	applyFill(t, m, filledOrder("b2", domain.SideBuy, 0.0004, 49000))
	assert.True(t, m.NextGridAmount(base, mult).Equal(decimal.NewFromInt(40)))
}

func TestCalculatePositionSizeTruncates(t *testing.T) {
	size := CalculatePositionSize(decimal.NewFromInt(100), decimal.NewFromInt(50000))
	assert.True(t, size.Equal(decimal.NewFromFloat(0.002)), "got %s", size)

	size = CalculatePositionSize(decimal.NewFromInt(10), decimal.NewFromInt(30000))
	// 0.000333... truncated to 4 decimals
	assert.True(t, size.Equal(decimal.NewFromFloat(0.0003)), "got %s", size)

	assert.True(t, CalculatePositionSize(decimal.NewFromInt(10), decimal.Zero).IsZero())
}
