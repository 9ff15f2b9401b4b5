package usecase

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vitos/crypto_grid_bot/internal/domain"
)

var oneHundred = decimal.NewFromInt(100)

// PositionConfig carries the per-bot position parameters.
type PositionConfig struct {
	BotID           int64
	Symbol          string
	MaxGridLevels   int
	ProfitTargetPct decimal.Decimal
	StopLossPct     decimal.Decimal // positive number, 5 means stop at -5%
}

// PositionStats is a read-only snapshot of the cycle counters.
type PositionStats struct {
	CyclesCompleted  int
	CyclesProfitable int
	RealizedPnL      decimal.Decimal
	TotalFees        decimal.Decimal
	GridLevel        int
	TotalQuantity    decimal.Decimal
	AveragePrice     decimal.Decimal
}

// PositionManager is the single owner of one bot's position. All mutation
// goes through fill events; price-driven updates only recompute derived
// fields. Realized PnL is computed against the average entry price at the
// moment of each sell fill.
type PositionManager struct {
	cfg    PositionConfig
	logger *zap.Logger

	mu       sync.RWMutex
	position domain.Position
	pending  map[string]*domain.Order

	cycleRealized    decimal.Decimal
	cyclesCompleted  int
	cyclesProfitable int
	totalFees        decimal.Decimal
}

func NewPositionManager(cfg PositionConfig, logger *zap.Logger) *PositionManager {
	return &PositionManager{
		cfg:    cfg,
		logger: logger,
		position: domain.Position{
			Symbol:       cfg.Symbol,
			Status:       domain.PositionEmpty,
			MaxGridLevel: cfg.MaxGridLevels,
		},
		pending: make(map[string]*domain.Order),
	}
}

// AddBuyOrder registers a submitted buy order as pending against the position.
func (m *PositionManager) AddBuyOrder(order *domain.Order) error {
	if order == nil {
		return fmt.Errorf("add buy order: nil order")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[order.ID] = order
	if !m.position.IsOpen() {
		m.position.Status = domain.PositionBuilding
	}
	return nil
}

// AddSellOrder registers a submitted sell order as pending.
func (m *PositionManager) AddSellOrder(order *domain.Order) error {
	if order == nil {
		return fmt.Errorf("add sell order: nil order")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[order.ID] = order
	if m.position.IsOpen() {
		m.position.Status = domain.PositionClosing
	}
	return nil
}

// UpdateOrderStatus applies a terminal order to the position. An order the
// manager never saw is logged and ignored. When a sell fill empties the
// position (quantity at or below the dust epsilon) the cycle closes and a
// PositionHistory record is returned; otherwise the returned history is nil.
func (m *PositionManager) UpdateOrderStatus(order *domain.Order) (*domain.PositionHistory, error) {
	if order == nil {
		return nil, fmt.Errorf("update order status: nil order")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pending[order.ID]; !ok {
		m.logger.Warn("fill update for unknown order, ignoring",
			zap.String("symbol", m.cfg.Symbol), zap.String("order_id", order.ID))
		return nil, nil
	}

	if !order.IsTerminal() {
		return nil, nil
	}
	delete(m.pending, order.ID)
	m.totalFees = m.totalFees.Add(order.Fee)

	// A canceled order may still carry a partial fill. Apply whatever filled.
	if !order.FilledQuantity.IsPositive() {
		if !m.position.TotalQuantity.GreaterThan(domain.DustEpsilon) && len(m.pending) == 0 {
			m.position.Status = domain.PositionEmpty
		}
		return nil, nil
	}

	if order.Side == domain.SideBuy {
		m.applyBuyFillLocked(order)
		return nil, nil
	}
	return m.applySellFillLocked(order), nil
}

func (m *PositionManager) applyBuyFillLocked(order *domain.Order) {
	p := &m.position
	if p.OpenedAt == nil {
		now := time.Now().UTC()
		p.OpenedAt = &now
	}

	p.TotalQuantity = p.TotalQuantity.Add(order.FilledQuantity)
	p.TotalCost = p.TotalCost.Add(order.Cost)
	p.UpdateAveragePrice()
	p.LastBuyPrice = order.AveragePrice
	p.GridLevel++
	if p.MaxGridLevel > 0 && p.GridLevel > p.MaxGridLevel {
		p.GridLevel = p.MaxGridLevel
	}
	p.Status = domain.PositionHolding
	p.LastUpdate = time.Now().UTC()
	m.recomputeTargetsLocked()

	m.logger.Info("grid level filled",
		zap.String("symbol", m.cfg.Symbol),
		zap.Int("grid_level", p.GridLevel),
		zap.String("avg_price", p.AveragePrice.String()),
		zap.String("quantity", p.TotalQuantity.String()))
}

func (m *PositionManager) applySellFillLocked(order *domain.Order) *domain.PositionHistory {
	p := &m.position

	realized := order.AveragePrice.Sub(p.AveragePrice).Mul(order.FilledQuantity)
	p.RealizedPnL = p.RealizedPnL.Add(realized)
	m.cycleRealized = m.cycleRealized.Add(realized)

	p.TotalQuantity = p.TotalQuantity.Sub(order.FilledQuantity)
	if p.TotalQuantity.LessThanOrEqual(domain.DustEpsilon) {
		return m.closeCycleLocked(order.AveragePrice)
	}

	p.TotalCost = p.TotalQuantity.Mul(p.AveragePrice)
	p.Status = domain.PositionHolding
	p.LastUpdate = time.Now().UTC()
	return nil
}

func (m *PositionManager) closeCycleLocked(exitPrice decimal.Decimal) *domain.PositionHistory {
	p := &m.position

	history := &domain.PositionHistory{
		BotID:        m.cfg.BotID,
		Symbol:       m.cfg.Symbol,
		TotalCost:    p.TotalCost,
		AveragePrice: p.AveragePrice,
		ExitPrice:    exitPrice,
		RealizedPnL:  m.cycleRealized,
		GridLevels:   p.GridLevel,
		ClosedAt:     time.Now().UTC(),
	}

	m.cyclesCompleted++
	if m.cycleRealized.IsPositive() {
		m.cyclesProfitable++
	}
	m.logger.Info("position cycle closed",
		zap.String("symbol", m.cfg.Symbol),
		zap.Int("grid_levels", p.GridLevel),
		zap.String("realized_pnl", m.cycleRealized.String()))

	p.Status = domain.PositionClosed
	p.TotalQuantity = decimal.Zero
	p.TotalCost = decimal.Zero
	p.AveragePrice = decimal.Zero
	p.LastBuyPrice = decimal.Zero
	p.GridLevel = 0
	p.UnrealizedPnL = decimal.Zero
	p.TargetProfitPrice = decimal.Zero
	p.StopLossPrice = decimal.Zero
	p.OpenedAt = nil
	p.LastUpdate = time.Now().UTC()
	p.Status = domain.PositionEmpty

	m.cycleRealized = decimal.Zero
	return history
}

func (m *PositionManager) recomputeTargetsLocked() {
	p := &m.position
	if !p.AveragePrice.IsPositive() {
		return
	}
	p.TargetProfitPrice = p.AveragePrice.Mul(decimal.NewFromInt(1).Add(m.cfg.ProfitTargetPct.Div(oneHundred)))
	p.StopLossPrice = p.AveragePrice.Mul(decimal.NewFromInt(1).Sub(m.cfg.StopLossPct.Div(oneHundred)))
}

// UpdatePosition refreshes the derived fields from the latest market price.
func (m *PositionManager) UpdatePosition(currentPrice decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.position.CalculateUnrealizedPnL(currentPrice)
	m.position.LastUpdate = time.Now().UTC()
}

// ShouldTakeProfit reports whether the gain over the average entry price has
// reached the profit target.
func (m *PositionManager) ShouldTakeProfit(currentPrice decimal.Decimal) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.position.TotalQuantity.GreaterThan(domain.DustEpsilon) {
		return false
	}
	return m.position.ProfitPercentage(currentPrice).GreaterThanOrEqual(m.cfg.ProfitTargetPct)
}

// ShouldStopLoss reports whether the loss against the average entry price has
// reached the stop-loss threshold.
func (m *PositionManager) ShouldStopLoss(currentPrice decimal.Decimal) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.position.TotalQuantity.GreaterThan(domain.DustEpsilon) {
		return false
	}
	return m.position.ProfitPercentage(currentPrice).LessThanOrEqual(m.cfg.StopLossPct.Neg())
}

// ShouldAddGridLevel reports whether price has dropped far enough below the
// last buy to open the next grid level, capacity permitting.
func (m *PositionManager) ShouldAddGridLevel(currentPrice, dropThresholdPct decimal.Decimal) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p := m.position
	if !p.TotalQuantity.GreaterThan(domain.DustEpsilon) {
		return false
	}
	if p.GridLevel >= m.cfg.MaxGridLevels {
		return false
	}
	ref := p.LastBuyPrice
	if !ref.IsPositive() {
		ref = p.AveragePrice
	}
	if !ref.IsPositive() {
		return false
	}
	drop := ref.Sub(currentPrice).Div(ref).Mul(oneHundred)
	return drop.GreaterThanOrEqual(dropThresholdPct)
}

func (m *PositionManager) HasOpenPosition() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.position.TotalQuantity.GreaterThan(domain.DustEpsilon)
}

// Snapshot returns a copy of the position for read-only use.
func (m *PositionManager) Snapshot() domain.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.position
}

// NextGridAmount returns base * multiplier^gridLevel, the notional of the
// next level on the geometric schedule.
func (m *PositionManager) NextGridAmount(base, multiplier decimal.Decimal) decimal.Decimal {
	m.mu.RLock()
	level := m.position.GridLevel
	m.mu.RUnlock()
	return base.Mul(multiplier.Pow(decimal.NewFromInt(int64(level))))
}

// CalculatePositionSize converts a quote notional into a base quantity,
// truncated to four decimals so the order can never exceed the notional.
func CalculatePositionSize(amount, price decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() {
		return decimal.Zero
	}
	return amount.Div(price).Truncate(4)
}

func (m *PositionManager) Stats() PositionStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return PositionStats{
		CyclesCompleted:  m.cyclesCompleted,
		CyclesProfitable: m.cyclesProfitable,
		RealizedPnL:      m.position.RealizedPnL,
		TotalFees:        m.totalFees,
		GridLevel:        m.position.GridLevel,
		TotalQuantity:    m.position.TotalQuantity,
		AveragePrice:     m.position.AveragePrice,
	}
}
