package usecase

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vitos/crypto_grid_bot/internal/domain"
)

// RiskLimits are the per-bot guardrails. Percentages are plain numbers
// (10 means 10%).
type RiskLimits struct {
	MaxLossPct             decimal.Decimal
	DailyLossLimitPct      decimal.Decimal
	MaxPositionSizePct     decimal.Decimal
	MaxTradesPerHour       int
	MaxTradesPerDay        int
	VolatilityThresholdPct decimal.Decimal
	MaxDrawdownPct         decimal.Decimal
}

func DefaultRiskLimits() RiskLimits {
	return RiskLimits{
		MaxLossPct:             decimal.NewFromInt(10),
		DailyLossLimitPct:      decimal.NewFromInt(5),
		MaxPositionSizePct:     decimal.NewFromInt(80),
		MaxTradesPerHour:       10,
		MaxTradesPerDay:        50,
		VolatilityThresholdPct: decimal.NewFromInt(5),
		MaxDrawdownPct:         decimal.NewFromInt(15),
	}
}

// RiskEvent is one recorded limit breach.
type RiskEvent struct {
	Time     time.Time
	Reason   string
	Severity domain.RiskSeverity
}

// RiskSummary is a snapshot of the manager's rolling state.
type RiskSummary struct {
	DailyPnL       decimal.Decimal
	TradesThisHour int
	TradesToday    int
	PeakValue      decimal.Decimal
	EventCount     int
	Limits         RiskLimits
}

const riskEventBufferSize = 100

// emergencyLossFraction is the hard floor: losing half the capital always
// stops the bot regardless of configured limits.
var emergencyLossFraction = decimal.NewFromFloat(0.5)

// RiskManager evaluates the guardrails in a fixed order and reports the
// first breach. Given the same counters and inputs the outcome is
// deterministic; time only enters through the hourly/daily window resets.
type RiskManager struct {
	logger *zap.Logger

	mu      sync.Mutex
	limits  RiskLimits
	capital decimal.Decimal

	dailyPnL       decimal.Decimal
	tradesThisHour int
	tradesToday    int
	hourWindow     time.Time
	dayWindow      time.Time

	peakValue decimal.Decimal
	lastPrice decimal.Decimal

	events []RiskEvent

	nowFn func() time.Time
}

func NewRiskManager(limits RiskLimits, capital decimal.Decimal, logger *zap.Logger) *RiskManager {
	now := time.Now().UTC()
	return &RiskManager{
		logger:     logger,
		limits:     limits,
		capital:    capital,
		hourWindow: now,
		dayWindow:  now,
		peakValue:  capital,
		nowFn:      func() time.Time { return time.Now().UTC() },
	}
}

// CheckRisk runs the checks in fixed order: total loss, daily loss, position
// size, trade frequency, volatility, drawdown. The first breach wins.
func (r *RiskManager) CheckRisk(currentPrice decimal.Decimal, position domain.Position, totalProfit decimal.Decimal) domain.RiskCheckResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.resetWindowsLocked()

	prevPrice := r.lastPrice
	r.lastPrice = currentPrice

	if !r.capital.IsPositive() {
		return domain.RiskPassed("no capital configured")
	}

	// 1. Total loss.
	if totalProfit.IsNegative() {
		lossPct := totalProfit.Abs().Div(r.capital).Mul(oneHundred)
		if lossPct.GreaterThanOrEqual(r.limits.MaxLossPct) {
			return r.breachLocked(domain.RiskCheckResult{
				ShouldStop:          true,
				ShouldClosePosition: true,
				Reason:              "total loss limit reached: -" + lossPct.StringFixed(2) + "%",
				Severity:            domain.SeverityCritical,
			})
		}
	}

	// 2. Daily loss.
	if r.dailyPnL.IsNegative() {
		dailyLossPct := r.dailyPnL.Abs().Div(r.capital).Mul(oneHundred)
		if dailyLossPct.GreaterThanOrEqual(r.limits.DailyLossLimitPct) {
			return r.breachLocked(domain.RiskCheckResult{
				ShouldPause: true,
				Reason:      "daily loss limit reached: -" + dailyLossPct.StringFixed(2) + "%",
				Severity:    domain.SeverityHigh,
			})
		}
	}

	// 3. Position size.
	if position.TotalCost.IsPositive() {
		sizePct := position.TotalCost.Div(r.capital).Mul(oneHundred)
		if sizePct.GreaterThan(r.limits.MaxPositionSizePct) {
			return r.breachLocked(domain.RiskCheckResult{
				ShouldReducePosition: true,
				Reason:               "position size " + sizePct.StringFixed(2) + "% of capital exceeds limit",
				Severity:             domain.SeverityMedium,
			})
		}
	}

	// 4. Trade frequency. The caps are inclusive: hitting the cap pauses.
	if r.limits.MaxTradesPerHour > 0 && r.tradesThisHour >= r.limits.MaxTradesPerHour {
		return r.breachLocked(domain.RiskCheckResult{
			ShouldPause: true,
			Reason:      "hourly trade limit reached",
			Severity:    domain.SeverityMedium,
		})
	}
	if r.limits.MaxTradesPerDay > 0 && r.tradesToday >= r.limits.MaxTradesPerDay {
		return r.breachLocked(domain.RiskCheckResult{
			ShouldPause: true,
			Reason:      "daily trade limit reached",
			Severity:    domain.SeverityHigh,
		})
	}

	// 5. Volatility, measured against the previously checked price.
	if prevPrice.IsPositive() {
		movePct := currentPrice.Sub(prevPrice).Abs().Div(prevPrice).Mul(oneHundred)
		if movePct.GreaterThan(r.limits.VolatilityThresholdPct) {
			return r.breachLocked(domain.RiskCheckResult{
				ShouldPause: true,
				Reason:      "price moved " + movePct.StringFixed(2) + "% since last check",
				Severity:    domain.SeverityMedium,
			})
		}
	}

	// 6. Drawdown from the account peak.
	currentValue := r.capital.Add(totalProfit)
	if currentValue.GreaterThan(r.peakValue) {
		r.peakValue = currentValue
	}
	if r.peakValue.IsPositive() {
		drawdownPct := r.peakValue.Sub(currentValue).Div(r.peakValue).Mul(oneHundred)
		if drawdownPct.GreaterThanOrEqual(r.limits.MaxDrawdownPct) {
			return r.breachLocked(domain.RiskCheckResult{
				ShouldStop:          true,
				ShouldClosePosition: true,
				Reason:              "drawdown " + drawdownPct.StringFixed(2) + "% from peak",
				Severity:            domain.SeverityCritical,
			})
		}
	}

	return domain.RiskPassed("all checks passed")
}

// RecordTrade is the only mutator of the trade counters and daily PnL.
func (r *RiskManager) RecordTrade(profit decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetWindowsLocked()
	r.tradesThisHour++
	r.tradesToday++
	r.dailyPnL = r.dailyPnL.Add(profit)
}

// EmergencyStopCheck is the hard floor independent of configured limits.
func (r *RiskManager) EmergencyStopCheck(totalProfit decimal.Decimal) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.capital.IsPositive() || !totalProfit.IsNegative() {
		return false
	}
	return totalProfit.Abs().GreaterThanOrEqual(r.capital.Mul(emergencyLossFraction))
}

// UpdateLimits swaps the guardrails at runtime.
func (r *RiskManager) UpdateLimits(limits RiskLimits) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limits = limits
	r.logger.Info("risk limits updated")
}

func (r *RiskManager) Summary() RiskSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RiskSummary{
		DailyPnL:       r.dailyPnL,
		TradesThisHour: r.tradesThisHour,
		TradesToday:    r.tradesToday,
		PeakValue:      r.peakValue,
		EventCount:     len(r.events),
		Limits:         r.limits,
	}
}

// Events returns a copy of the recorded breaches, oldest first.
func (r *RiskManager) Events() []RiskEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RiskEvent, len(r.events))
	copy(out, r.events)
	return out
}

func (r *RiskManager) breachLocked(result domain.RiskCheckResult) domain.RiskCheckResult {
	r.events = append(r.events, RiskEvent{
		Time:     r.nowFn(),
		Reason:   result.Reason,
		Severity: result.Severity,
	})
	if len(r.events) > riskEventBufferSize {
		r.events = r.events[len(r.events)-riskEventBufferSize:]
	}
	r.logger.Warn("risk limit breached",
		zap.String("reason", result.Reason),
		zap.String("severity", string(result.Severity)))
	return result
}

func (r *RiskManager) resetWindowsLocked() {
	now := r.nowFn()
	if now.Sub(r.hourWindow) >= time.Hour {
		r.hourWindow = now
		r.tradesThisHour = 0
	}
	if now.Sub(r.dayWindow) >= 24*time.Hour {
		r.dayWindow = now
		r.tradesToday = 0
		r.dailyPnL = decimal.Zero
	}
}
