package domain

import "github.com/shopspring/decimal"

type SignalAction string

const (
	ActionBuy  SignalAction = "BUY"
	ActionSell SignalAction = "SELL"
	ActionHold SignalAction = "HOLD"
)

// StrategySignal is produced fresh on every tick and never mutated.
type StrategySignal struct {
	Action    SignalAction
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	OrderType OrderType
	Reason    string
	GridLevel int

	TargetProfitPrice decimal.Decimal
	StopLossPrice     decimal.Decimal
}

type RiskSeverity string

const (
	SeverityLow      RiskSeverity = "LOW"
	SeverityMedium   RiskSeverity = "MEDIUM"
	SeverityHigh     RiskSeverity = "HIGH"
	SeverityCritical RiskSeverity = "CRITICAL"
)

// RiskCheckResult is an immutable value routed into control flow,
// not an error.
type RiskCheckResult struct {
	ShouldStop           bool
	ShouldPause          bool
	ShouldClosePosition  bool
	ShouldReducePosition bool
	Reason               string
	Severity             RiskSeverity
}

func RiskPassed(reason string) RiskCheckResult {
	return RiskCheckResult{Reason: reason, Severity: SeverityLow}
}
