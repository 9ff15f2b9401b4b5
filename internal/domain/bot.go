package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BotState is the in-memory state machine of one BotRunner.
// Error is reachable from any state on unrecoverable failure.
type BotState string

const (
	BotStateIdle         BotState = "idle"
	BotStateInitializing BotState = "initializing"
	BotStateRunning      BotState = "running"
	BotStatePaused       BotState = "paused"
	BotStateStopping     BotState = "stopping"
	BotStateStopped      BotState = "stopped"
	BotStateError        BotState = "error"
)

type BotAction string

const (
	BotActionStart     BotAction = "start"
	BotActionStop      BotAction = "stop"
	BotActionPause     BotAction = "pause"
	BotActionResume    BotAction = "resume"
	BotActionForceStop BotAction = "force_stop"
)

// BotRunStatus is the persisted lifecycle status of a bot record.
type BotRunStatus string

const (
	BotStatusCreated  BotRunStatus = "created"
	BotStatusRunning  BotRunStatus = "running"
	BotStatusPaused   BotRunStatus = "paused"
	BotStatusStopping BotRunStatus = "stopping"
	BotStatusStopped  BotRunStatus = "stopped"
	BotStatusError    BotRunStatus = "error"
)

// BotRecord is the persisted configuration and status of one bot.
type BotRecord struct {
	ID       int64
	UserID   int64
	Symbol   string
	Strategy string
	Capital  decimal.Decimal

	Status       BotRunStatus
	ErrorMessage string

	StartedAt *time.Time
	StoppedAt *time.Time
	CreatedAt time.Time
}

// Trade is one executed order recorded for history and reporting.
type Trade struct {
	ID        int64
	BotID     int64
	Symbol    string
	Side      OrderSide
	Quantity  decimal.Decimal
	Price     decimal.Decimal
	Cost      decimal.Decimal
	GridLevel int
	Reason    string
	CreatedAt time.Time
}

// PositionHistory is a completed buy/sell cycle.
type PositionHistory struct {
	ID           int64
	BotID        int64
	Symbol       string
	TotalCost    decimal.Decimal
	AveragePrice decimal.Decimal
	ExitPrice    decimal.Decimal
	RealizedPnL  decimal.Decimal
	GridLevels   int
	ClosedAt     time.Time
}
