package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Exchange defines the interface for interacting with a crypto exchange.
// All implementations must be safe for concurrent use by multiple bots.
type Exchange interface {
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)
	GetOrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error)

	CreateMarketOrder(ctx context.Context, symbol string, side OrderSide, quantity decimal.Decimal, clientOrderID string) (*Order, error)
	CreateLimitOrder(ctx context.Context, symbol string, side OrderSide, quantity, price decimal.Decimal, clientOrderID string) (*Order, error)
	GetOrderStatus(ctx context.Context, symbol, orderID string) (*Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error

	GetBalance(ctx context.Context) (map[string]decimal.Decimal, error)
	Close() error
}

type Ticker struct {
	Symbol    string
	Last      decimal.Decimal
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	High24h   decimal.Decimal
	Low24h    decimal.Decimal
	Volume24h decimal.Decimal
	Timestamp time.Time
}

type OrderBookEntry struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

type OrderBook struct {
	Symbol    string
	Bids      []OrderBookEntry
	Asks      []OrderBookEntry
	Timestamp time.Time
}

// BotRepository defines storage operations for bot records.
type BotRepository interface {
	SaveBot(ctx context.Context, bot *BotRecord) error
	GetBot(ctx context.Context, id int64) (*BotRecord, error)
	ListBots(ctx context.Context) ([]*BotRecord, error)
	UpdateBotStatus(ctx context.Context, id int64, status BotRunStatus, message string) error
	// MarkRunningStopped flips every persisted Running/Paused/Stopping bot to
	// Stopped. Used once at startup to reconcile state after a crash.
	MarkRunningStopped(ctx context.Context, message string) (int64, error)
}

// TradeRepository defines storage operations for trades and closed cycles.
type TradeRepository interface {
	SaveTrade(ctx context.Context, trade *Trade) error
	ListTrades(ctx context.Context, botID int64, limit int) ([]*Trade, error)

	SavePositionHistory(ctx context.Context, history *PositionHistory) error
	ListPositionHistory(ctx context.Context, botID int64, limit int) ([]*PositionHistory, error)
}
