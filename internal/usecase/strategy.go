package usecase

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vitos/crypto_grid_bot/internal/domain"
)

// StrategyConfig carries the per-bot strategy parameters. BaseAmount is the
// level-0 notional; when zero it is derived so the whole geometric schedule
// exactly consumes Capital.
type StrategyConfig struct {
	Symbol           string
	Capital          decimal.Decimal
	BaseAmount       decimal.Decimal
	GridLevels       int
	Multiplier       decimal.Decimal
	ProfitTargetPct  decimal.Decimal
	StopLossPct      decimal.Decimal
	DropThresholdPct decimal.Decimal
}

func (c *StrategyConfig) applyDefaults() {
	if c.GridLevels <= 0 {
		c.GridLevels = 7
	}
	if !c.Multiplier.IsPositive() {
		c.Multiplier = decimal.NewFromInt(2)
	}
	if !c.ProfitTargetPct.IsPositive() {
		c.ProfitTargetPct = decimal.NewFromFloat(0.5)
	}
	if !c.StopLossPct.IsPositive() {
		c.StopLossPct = decimal.NewFromInt(5)
	}
	if !c.DropThresholdPct.IsPositive() {
		c.DropThresholdPct = decimal.NewFromInt(2)
	}
}

// MarketData is the per-tick market snapshot handed to a strategy.
type MarketData struct {
	Ticker    *domain.Ticker
	OrderBook *domain.OrderBook
}

// Strategy produces one advisory signal per tick. Implementations hold no
// position state of their own; everything they need arrives in the call.
type Strategy interface {
	Name() string
	Signal(price decimal.Decimal, position domain.Position, market *MarketData) domain.StrategySignal
	GridSchedule() []domain.GridLevel
}

// NewStrategy builds one of the known strategy variants.
func NewStrategy(name string, cfg StrategyConfig, logger *zap.Logger) (Strategy, error) {
	cfg.applyDefaults()
	switch name {
	case "grid_dca":
		return newGridDCA(cfg, logger), nil
	case "scalping":
		return &holdOnlyStrategy{name: "scalping"}, nil
	case "grid":
		return &holdOnlyStrategy{name: "grid"}, nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
}

// GridSchedule computes the static geometric buy schedule,
// amount_i = base * multiplier^i for i in [0, levels).
func GridSchedule(base, multiplier decimal.Decimal, levels int) []domain.GridLevel {
	schedule := make([]domain.GridLevel, 0, levels)
	for i := 0; i < levels; i++ {
		schedule = append(schedule, domain.GridLevel{
			Level:  i,
			Amount: base.Mul(multiplier.Pow(decimal.NewFromInt(int64(i)))),
		})
	}
	return schedule
}

// gridDCA buys a first level at market, averages down on fixed percentage
// drops with geometrically growing amounts, and exits the whole position on
// the profit target or the stop loss.
type gridDCA struct {
	cfg      StrategyConfig
	schedule []domain.GridLevel
	logger   *zap.Logger
}

func newGridDCA(cfg StrategyConfig, logger *zap.Logger) *gridDCA {
	base := cfg.BaseAmount
	if !base.IsPositive() {
		// Split capital across the schedule: capital = base * sum(mult^i).
		sum := decimal.Zero
		for i := 0; i < cfg.GridLevels; i++ {
			sum = sum.Add(cfg.Multiplier.Pow(decimal.NewFromInt(int64(i))))
		}
		base = cfg.Capital.Div(sum)
	}
	cfg.BaseAmount = base
	return &gridDCA{
		cfg:      cfg,
		schedule: GridSchedule(base, cfg.Multiplier, cfg.GridLevels),
		logger:   logger,
	}
}

func (s *gridDCA) Name() string { return "grid_dca" }

func (s *gridDCA) GridSchedule() []domain.GridLevel {
	out := make([]domain.GridLevel, len(s.schedule))
	copy(out, s.schedule)
	return out
}

func (s *gridDCA) Signal(price decimal.Decimal, position domain.Position, market *MarketData) domain.StrategySignal {
	if condition := describeMarket(market); condition != "" {
		s.logger.Debug("market condition",
			zap.String("symbol", s.cfg.Symbol), zap.String("condition", condition))
	}

	if !price.IsPositive() {
		return s.hold(price, "no valid price")
	}

	if !position.TotalQuantity.GreaterThan(domain.DustEpsilon) {
		return s.buyLevel(price, 0, "open first grid level")
	}

	profitPct := position.ProfitPercentage(price)
	if profitPct.GreaterThanOrEqual(s.cfg.ProfitTargetPct) {
		return s.sellAll(price, position,
			"take profit at "+profitPct.StringFixed(2)+"%")
	}

	if position.GridLevel < s.cfg.GridLevels {
		ref := position.LastBuyPrice
		if !ref.IsPositive() {
			ref = position.AveragePrice
		}
		drop := ref.Sub(price).Div(ref).Mul(oneHundred)
		if drop.GreaterThanOrEqual(s.cfg.DropThresholdPct) {
			return s.buyLevel(price, position.GridLevel,
				"price dropped "+drop.StringFixed(2)+"% below last buy")
		}
	}

	if profitPct.LessThanOrEqual(s.cfg.StopLossPct.Neg()) {
		return s.sellAll(price, position,
			"stop loss at "+profitPct.StringFixed(2)+"%")
	}

	return s.hold(price, "no signal")
}

func (s *gridDCA) buyLevel(price decimal.Decimal, level int, reason string) domain.StrategySignal {
	if level >= len(s.schedule) {
		return s.hold(price, "grid schedule exhausted")
	}
	amount := s.schedule[level].Amount
	quantity := CalculatePositionSize(amount, price)
	if !quantity.IsPositive() {
		return s.hold(price, "amount too small for level "+strconv.Itoa(level))
	}
	one := decimal.NewFromInt(1)
	return domain.StrategySignal{
		Action:            domain.ActionBuy,
		Price:             price,
		Quantity:          quantity,
		OrderType:         domain.OrderTypeMarket,
		Reason:            reason,
		GridLevel:         level,
		TargetProfitPrice: price.Mul(one.Add(s.cfg.ProfitTargetPct.Div(oneHundred))),
		StopLossPrice:     price.Mul(one.Sub(s.cfg.StopLossPct.Div(oneHundred))),
	}
}

func (s *gridDCA) sellAll(price decimal.Decimal, position domain.Position, reason string) domain.StrategySignal {
	return domain.StrategySignal{
		Action:    domain.ActionSell,
		Price:     price,
		Quantity:  position.TotalQuantity,
		OrderType: domain.OrderTypeMarket,
		Reason:    reason,
		GridLevel: position.GridLevel,
	}
}

func (s *gridDCA) hold(price decimal.Decimal, reason string) domain.StrategySignal {
	return domain.StrategySignal{
		Action:    domain.ActionHold,
		Price:     price,
		OrderType: domain.OrderTypeMarket,
		Reason:    reason,
	}
}

// describeMarket is advisory only; it never changes the decision, just the log.
func describeMarket(market *MarketData) string {
	if market == nil || market.Ticker == nil {
		return ""
	}
	t := market.Ticker
	if !t.Low24h.IsPositive() || !t.Last.IsPositive() {
		return ""
	}
	rangePct := t.High24h.Sub(t.Low24h).Div(t.Low24h).Mul(oneHundred)
	switch {
	case rangePct.GreaterThan(decimal.NewFromInt(10)):
		return "volatile, 24h range " + rangePct.StringFixed(1) + "%"
	case t.Last.GreaterThan(t.High24h.Add(t.Low24h).Div(decimal.NewFromInt(2))):
		return "upper half of 24h range"
	default:
		return "lower half of 24h range"
	}
}

// holdOnlyStrategy reserves a strategy name without trading. Scalping and
// plain grid variants ship disabled until their signal logic lands.
type holdOnlyStrategy struct {
	name string
}

func (s *holdOnlyStrategy) Name() string { return s.name }

func (s *holdOnlyStrategy) GridSchedule() []domain.GridLevel { return nil }

func (s *holdOnlyStrategy) Signal(price decimal.Decimal, _ domain.Position, _ *MarketData) domain.StrategySignal {
	return domain.StrategySignal{
		Action:    domain.ActionHold,
		Price:     price,
		OrderType: domain.OrderTypeMarket,
		Reason:    s.name + " signals disabled",
	}
}
