package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vitos/crypto_grid_bot/internal/domain"
)

// linearBackOff waits interval, 2*interval, 3*interval... between tries.
type linearBackOff struct {
	interval time.Duration
	attempt  int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return time.Duration(b.attempt) * b.interval
}

func (b *linearBackOff) Reset() { b.attempt = 0 }

// OrderStats is a snapshot of the executor counters.
type OrderStats struct {
	Created  int
	Failed   int
	Filled   int
	Canceled int
	Active   int
}

// OrderExecutor owns every order one bot sends to the exchange: submission
// with bounded retry, status polling, cancellation, and the active/completed
// bookkeeping. An order moves from the active map to the completed map
// exactly once, when it is first seen in a terminal status.
type OrderExecutor struct {
	exchange domain.Exchange
	symbol   string
	logger   *zap.Logger

	maxTries      uint
	retryInterval time.Duration

	mu        sync.Mutex
	active    map[string]*domain.Order
	completed map[string]*domain.Order

	created  int
	failed   int
	filled   int
	canceled int
}

func NewOrderExecutor(exchange domain.Exchange, symbol string, logger *zap.Logger) *OrderExecutor {
	return &OrderExecutor{
		exchange:      exchange,
		symbol:        symbol,
		logger:        logger,
		maxTries:      3,
		retryInterval: time.Second,
		active:        make(map[string]*domain.Order),
		completed:     make(map[string]*domain.Order),
	}
}

// CreateMarketOrder submits a market order, retrying transient failures up to
// maxTries with linear backoff. Rejections and insufficient funds are
// permanent and fail immediately.
func (e *OrderExecutor) CreateMarketOrder(ctx context.Context, side domain.OrderSide, quantity decimal.Decimal, meta map[string]string) (*domain.Order, error) {
	if !quantity.IsPositive() {
		return nil, fmt.Errorf("create market %s order: quantity must be positive, got %s", side, quantity)
	}

	clientOrderID := uuid.NewString()
	order, err := e.submit(ctx, func(ctx context.Context) (*domain.Order, error) {
		return e.exchange.CreateMarketOrder(ctx, e.symbol, side, quantity, clientOrderID)
	})
	if err != nil {
		e.recordFailure()
		return nil, fmt.Errorf("create market %s order: %w", side, err)
	}

	order.ClientOrderID = clientOrderID
	order.StrategyMeta = meta
	e.register(order)
	return order, nil
}

// CreateLimitOrder submits a limit order with the same retry policy.
func (e *OrderExecutor) CreateLimitOrder(ctx context.Context, side domain.OrderSide, quantity, price decimal.Decimal, meta map[string]string) (*domain.Order, error) {
	if !quantity.IsPositive() || !price.IsPositive() {
		return nil, fmt.Errorf("create limit %s order: quantity and price must be positive", side)
	}

	clientOrderID := uuid.NewString()
	order, err := e.submit(ctx, func(ctx context.Context) (*domain.Order, error) {
		return e.exchange.CreateLimitOrder(ctx, e.symbol, side, quantity, price, clientOrderID)
	})
	if err != nil {
		e.recordFailure()
		return nil, fmt.Errorf("create limit %s order: %w", side, err)
	}

	order.ClientOrderID = clientOrderID
	order.StrategyMeta = meta
	e.register(order)
	return order, nil
}

func (e *OrderExecutor) submit(ctx context.Context, call func(context.Context) (*domain.Order, error)) (*domain.Order, error) {
	return backoff.Retry(ctx, func() (*domain.Order, error) {
		order, err := call(ctx)
		if err != nil {
			if errors.Is(err, domain.ErrOrderRejected) || errors.Is(err, domain.ErrInsufficientFunds) {
				return nil, backoff.Permanent(err)
			}
			e.logger.Warn("order submission failed, will retry",
				zap.String("symbol", e.symbol), zap.Error(err))
			return nil, err
		}
		return order, nil
	},
		backoff.WithBackOff(&linearBackOff{interval: e.retryInterval}),
		backoff.WithMaxTries(e.maxTries),
	)
}

func (e *OrderExecutor) register(order *domain.Order) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.created++
	ordersSubmitted.WithLabelValues(string(order.Side)).Inc()

	if order.IsTerminal() {
		e.completed[order.ID] = order
		e.applyTerminalLocked(order)
		return
	}
	e.active[order.ID] = order
}

func (e *OrderExecutor) recordFailure() {
	e.mu.Lock()
	e.failed++
	e.mu.Unlock()
	ordersFailed.Inc()
}

// GetOrderStatus refreshes an active order from the exchange. Completed
// orders are returned as-is; unknown ids return ErrUnknownOrder.
func (e *OrderExecutor) GetOrderStatus(ctx context.Context, orderID string) (*domain.Order, error) {
	e.mu.Lock()
	order, isActive := e.active[orderID]
	if !isActive {
		if done, ok := e.completed[orderID]; ok {
			e.mu.Unlock()
			return done, nil
		}
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownOrder, orderID)
	}
	e.mu.Unlock()

	fresh, err := e.exchange.GetOrderStatus(ctx, e.symbol, orderID)
	if err != nil {
		return nil, fmt.Errorf("get order status %s: %w", orderID, err)
	}

	order.UpdateStatus(fresh.Status, fresh.FilledQuantity, fresh.AveragePrice)
	if order.IsTerminal() {
		e.completeOrder(order)
	}
	return order, nil
}

// UpdateAllOrders polls every active order once and returns the ones that
// became terminal during this pass. Poll errors are logged and skipped so a
// single flaky order cannot starve the rest.
func (e *OrderExecutor) UpdateAllOrders(ctx context.Context) []*domain.Order {
	e.mu.Lock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	var done []*domain.Order
	for _, id := range ids {
		order, err := e.GetOrderStatus(ctx, id)
		if err != nil {
			e.logger.Warn("order status poll failed",
				zap.String("order_id", id), zap.Error(err))
			continue
		}
		if order.IsTerminal() {
			done = append(done, order)
		}
	}
	return done
}

// CancelOrder cancels one active order. If the exchange no longer knows the
// order it is marked canceled locally.
func (e *OrderExecutor) CancelOrder(ctx context.Context, orderID string) error {
	e.mu.Lock()
	order, ok := e.active[orderID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownOrder, orderID)
	}

	if err := e.exchange.CancelOrder(ctx, e.symbol, orderID); err != nil && !errors.Is(err, domain.ErrUnknownOrder) {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}

	order.UpdateStatus(domain.OrderStatusCanceled, order.FilledQuantity, order.AveragePrice)
	e.completeOrder(order)
	return nil
}

// CancelAllOrders cancels every active order, continuing past individual
// failures, and returns how many were canceled.
func (e *OrderExecutor) CancelAllOrders(ctx context.Context) int {
	e.mu.Lock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	canceled := 0
	for _, id := range ids {
		if err := e.CancelOrder(ctx, id); err != nil {
			e.logger.Warn("cancel failed", zap.String("order_id", id), zap.Error(err))
			continue
		}
		canceled++
	}
	return canceled
}

// completeOrder moves an order to the completed map. The move and its
// counters fire exactly once per order, no matter how often the terminal
// status is observed.
func (e *OrderExecutor) completeOrder(order *domain.Order) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.active[order.ID]; !ok {
		return
	}
	delete(e.active, order.ID)
	e.completed[order.ID] = order
	e.applyTerminalLocked(order)
}

func (e *OrderExecutor) applyTerminalLocked(order *domain.Order) {
	switch order.Status {
	case domain.OrderStatusFilled:
		e.filled++
		ordersFilled.Inc()
		cost, _ := order.Cost.Float64()
		orderVolume.WithLabelValues(string(order.Side)).Add(cost)
	case domain.OrderStatusCanceled:
		e.canceled++
		ordersCanceled.Inc()
	}
}

func (e *OrderExecutor) ActiveOrders() []*domain.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*domain.Order, 0, len(e.active))
	for _, o := range e.active {
		out = append(out, o)
	}
	return out
}

func (e *OrderExecutor) CompletedOrders() []*domain.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*domain.Order, 0, len(e.completed))
	for _, o := range e.completed {
		out = append(out, o)
	}
	return out
}

// OrdersByMeta returns completed orders whose strategy metadata carries the
// given key/value pair.
func (e *OrderExecutor) OrdersByMeta(key, value string) []*domain.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*domain.Order
	for _, o := range e.completed {
		if o.StrategyMeta[key] == value {
			out = append(out, o)
		}
	}
	return out
}

// CalculateTotalCost sums the filled cost of completed orders on one side.
func (e *OrderExecutor) CalculateTotalCost(side domain.OrderSide) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := decimal.Zero
	for _, o := range e.completed {
		if o.Side == side && o.Status == domain.OrderStatusFilled {
			total = total.Add(o.Cost)
		}
	}
	return total
}

// CalculateTotalQuantity sums the filled quantity of completed orders on one side.
func (e *OrderExecutor) CalculateTotalQuantity(side domain.OrderSide) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := decimal.Zero
	for _, o := range e.completed {
		if o.Side == side && o.Status == domain.OrderStatusFilled {
			total = total.Add(o.FilledQuantity)
		}
	}
	return total
}

// Cleanup cancels whatever is still active. Called once during bot shutdown.
func (e *OrderExecutor) Cleanup(ctx context.Context) {
	if n := e.CancelAllOrders(ctx); n > 0 {
		e.logger.Info("canceled remaining orders on cleanup",
			zap.String("symbol", e.symbol), zap.Int("count", n))
	}
}

func (e *OrderExecutor) Stats() OrderStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return OrderStats{
		Created:  e.created,
		Failed:   e.failed,
		Filled:   e.filled,
		Canceled: e.canceled,
		Active:   len(e.active),
	}
}
