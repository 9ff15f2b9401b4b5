package exchange

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vitos/crypto_grid_bot/internal/domain"
)

// PaperExchange simulates a venue for dry runs and tests. Prices follow a
// random walk around the configured base price; market orders fill
// immediately at the current price and limit orders fill when the walk
// crosses them. Client order ids are deduplicated so a retried submission
// cannot create a second order.
type PaperExchange struct {
	mu          sync.Mutex
	lastPrice   decimal.Decimal
	volatility  float64
	rnd         *rand.Rand
	orders      map[string]*domain.Order
	byClientID  map[string]string
	balances    map[string]decimal.Decimal
	quoteAsset  string
	baseAsset   string
	closed      bool
}

func NewPaperExchange(basePrice decimal.Decimal, volatility float64) *PaperExchange {
	if volatility <= 0 {
		volatility = 0.001
	}
	return &PaperExchange{
		lastPrice:  basePrice,
		volatility: volatility,
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())),
		orders:     make(map[string]*domain.Order),
		byClientID: make(map[string]string),
		balances: map[string]decimal.Decimal{
			"USDT": decimal.NewFromInt(1_000_000),
		},
		quoteAsset: "USDT",
		baseAsset:  "BASE",
	}
}

// SetPrice pins the walk to an exact price. Used by tests to script moves.
func (e *PaperExchange) SetPrice(price decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastPrice = price
	e.settleLimitOrdersLocked()
}

func (e *PaperExchange) GetTicker(ctx context.Context, symbol string) (*domain.Ticker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fmt.Errorf("paper exchange closed")
	}

	step := decimal.NewFromFloat((e.rnd.Float64()*2 - 1) * e.volatility)
	e.lastPrice = e.lastPrice.Mul(decimal.NewFromInt(1).Add(step))
	e.settleLimitOrdersLocked()

	spread := e.lastPrice.Mul(decimal.NewFromFloat(0.001))
	swing := e.lastPrice.Mul(decimal.NewFromFloat(0.02))
	return &domain.Ticker{
		Symbol:    symbol,
		Last:      e.lastPrice,
		Bid:       e.lastPrice.Sub(spread),
		Ask:       e.lastPrice.Add(spread),
		High24h:   e.lastPrice.Add(swing),
		Low24h:    e.lastPrice.Sub(swing),
		Volume24h: decimal.NewFromInt(1000),
		Timestamp: time.Now().UTC(),
	}, nil
}

func (e *PaperExchange) GetOrderBook(ctx context.Context, symbol string, depth int) (*domain.OrderBook, error) {
	e.mu.Lock()
	last := e.lastPrice
	e.mu.Unlock()

	if depth <= 0 {
		depth = 5
	}
	book := &domain.OrderBook{Symbol: symbol, Timestamp: time.Now().UTC()}
	tick := last.Mul(decimal.NewFromFloat(0.0005))
	for i := 1; i <= depth; i++ {
		offset := tick.Mul(decimal.NewFromInt(int64(i)))
		size := decimal.NewFromFloat(0.5)
		book.Bids = append(book.Bids, domain.OrderBookEntry{Price: last.Sub(offset), Size: size})
		book.Asks = append(book.Asks, domain.OrderBookEntry{Price: last.Add(offset), Size: size})
	}
	return book, nil
}

func (e *PaperExchange) CreateMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity decimal.Decimal, clientOrderID string) (*domain.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if existing := e.dedupeLocked(clientOrderID); existing != nil {
		return existing, nil
	}
	if !quantity.IsPositive() {
		return nil, fmt.Errorf("%w: quantity %s", domain.ErrOrderRejected, quantity)
	}

	price := e.lastPrice
	cost := quantity.Mul(price)
	if side == domain.SideBuy {
		if e.balances[e.quoteAsset].LessThan(cost) {
			return nil, fmt.Errorf("market buy %s: %w", symbol, domain.ErrInsufficientFunds)
		}
		e.balances[e.quoteAsset] = e.balances[e.quoteAsset].Sub(cost)
		e.balances[e.baseAsset] = e.balances[e.baseAsset].Add(quantity)
	} else {
		if e.balances[e.baseAsset].LessThan(quantity) {
			return nil, fmt.Errorf("market sell %s: %w", symbol, domain.ErrInsufficientFunds)
		}
		e.balances[e.baseAsset] = e.balances[e.baseAsset].Sub(quantity)
		e.balances[e.quoteAsset] = e.balances[e.quoteAsset].Add(cost)
	}

	now := time.Now().UTC()
	order := &domain.Order{
		ID:             uuid.NewString(),
		ClientOrderID:  clientOrderID,
		Symbol:         symbol,
		Side:           side,
		Type:           domain.OrderTypeMarket,
		Quantity:       quantity,
		Status:         domain.OrderStatusFilled,
		FilledQuantity: quantity,
		AveragePrice:   price,
		Cost:           cost,
		CreatedAt:      now,
		UpdatedAt:      now,
		FilledAt:       &now,
	}
	e.orders[order.ID] = order
	e.rememberLocked(order)
	return copyOrder(order), nil
}

func (e *PaperExchange) CreateLimitOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity, price decimal.Decimal, clientOrderID string) (*domain.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if existing := e.dedupeLocked(clientOrderID); existing != nil {
		return existing, nil
	}
	if !quantity.IsPositive() || !price.IsPositive() {
		return nil, fmt.Errorf("%w: quantity %s price %s", domain.ErrOrderRejected, quantity, price)
	}

	now := time.Now().UTC()
	order := &domain.Order{
		ID:                uuid.NewString(),
		ClientOrderID:     clientOrderID,
		Symbol:            symbol,
		Side:              side,
		Type:              domain.OrderTypeLimit,
		Quantity:          quantity,
		Price:             price,
		Status:            domain.OrderStatusOpen,
		RemainingQuantity: quantity,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	e.orders[order.ID] = order
	e.rememberLocked(order)
	e.settleLimitOrdersLocked()
	return copyOrder(e.orders[order.ID]), nil
}

func (e *PaperExchange) GetOrderStatus(ctx context.Context, symbol, orderID string) (*domain.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	order, ok := e.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownOrder, orderID)
	}
	return copyOrder(order), nil
}

func (e *PaperExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	order, ok := e.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownOrder, orderID)
	}
	if order.IsTerminal() {
		return nil
	}
	order.Status = domain.OrderStatusCanceled
	order.UpdatedAt = time.Now().UTC()
	return nil
}

func (e *PaperExchange) GetBalance(ctx context.Context) (map[string]decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(e.balances))
	for k, v := range e.balances {
		out[k] = v
	}
	return out, nil
}

func (e *PaperExchange) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// settleLimitOrdersLocked fills every open limit order the current price
// has crossed.
func (e *PaperExchange) settleLimitOrdersLocked() {
	now := time.Now().UTC()
	for _, order := range e.orders {
		if order.Type != domain.OrderTypeLimit || order.IsTerminal() {
			continue
		}
		crossed := (order.Side == domain.SideBuy && e.lastPrice.LessThanOrEqual(order.Price)) ||
			(order.Side == domain.SideSell && e.lastPrice.GreaterThanOrEqual(order.Price))
		if !crossed {
			continue
		}
		order.Status = domain.OrderStatusFilled
		order.FilledQuantity = order.Quantity
		order.RemainingQuantity = decimal.Zero
		order.AveragePrice = order.Price
		order.Cost = order.Quantity.Mul(order.Price)
		order.UpdatedAt = now
		order.FilledAt = &now
	}
}

func (e *PaperExchange) dedupeLocked(clientOrderID string) *domain.Order {
	if clientOrderID == "" {
		return nil
	}
	if id, ok := e.byClientID[clientOrderID]; ok {
		return copyOrder(e.orders[id])
	}
	return nil
}

func (e *PaperExchange) rememberLocked(order *domain.Order) {
	if order.ClientOrderID != "" {
		e.byClientID[order.ClientOrderID] = order.ID
	}
}

func copyOrder(order *domain.Order) *domain.Order {
	dup := *order
	return &dup
}
