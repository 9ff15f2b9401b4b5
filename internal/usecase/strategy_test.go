package usecase

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vitos/crypto_grid_bot/internal/domain"
)

func newTestStrategy(t *testing.T, cfg StrategyConfig) Strategy {
	t.Helper()
	s, err := NewStrategy("grid_dca", cfg, zap.NewNop())
	require.NoError(t, err)
	return s
}

func defaultStrategyConfig() StrategyConfig {
	return StrategyConfig{
		Symbol:           "BTC-USDT",
		Capital:          decimal.NewFromInt(1270),
		GridLevels:       7,
		Multiplier:       decimal.NewFromInt(2),
		ProfitTargetPct:  decimal.NewFromFloat(0.5),
		StopLossPct:      decimal.NewFromInt(5),
		DropThresholdPct: decimal.NewFromInt(2),
	}
}

func TestGridScheduleGeometry(t *testing.T) {
	schedule := GridSchedule(decimal.NewFromInt(10), decimal.NewFromInt(2), 7)
	require.Len(t, schedule, 7)

	expected := []int64{10, 20, 40, 80, 160, 320, 640}
	total := decimal.Zero
	for i, level := range schedule {
		assert.Equal(t, i, level.Level)
		assert.True(t, level.Amount.Equal(decimal.NewFromInt(expected[i])), "level %d: got %s", i, level.Amount)
		total = total.Add(level.Amount)
	}
	// base * (2^7 - 1) = base * 127
	assert.True(t, total.Equal(decimal.NewFromInt(1270)))
}

func TestBaseAmountDerivedFromCapital(t *testing.T) {
	s := newTestStrategy(t, defaultStrategyConfig())
	schedule := s.GridSchedule()
	require.Len(t, schedule, 7)
	// 1270 capital over a 127x schedule sum gives a 10 base amount.
	assert.True(t, schedule[0].Amount.Equal(decimal.NewFromInt(10)), "got %s", schedule[0].Amount)
	assert.True(t, schedule[6].Amount.Equal(decimal.NewFromInt(640)))
}

func TestSignalOpensFirstLevelWhenFlat(t *testing.T) {
	s := newTestStrategy(t, defaultStrategyConfig())

	signal := s.Signal(decimal.NewFromInt(50000), domain.Position{}, nil)
	assert.Equal(t, domain.ActionBuy, signal.Action)
	assert.Equal(t, 0, signal.GridLevel)
	assert.Equal(t, domain.OrderTypeMarket, signal.OrderType)
	// 10 quote notional at 50000 truncated to 4 decimals
	assert.True(t, signal.Quantity.Equal(decimal.NewFromFloat(0.0002)), "got %s", signal.Quantity)
	assert.True(t, signal.TargetProfitPrice.Equal(decimal.NewFromInt(50250)))
}

func openPosition(avgPrice, lastBuy float64, qty float64, level int) domain.Position {
	return domain.Position{
		Symbol:        "BTC-USDT",
		Status:        domain.PositionHolding,
		TotalQuantity: decimal.NewFromFloat(qty),
		TotalCost:     decimal.NewFromFloat(avgPrice * qty),
		AveragePrice:  decimal.NewFromFloat(avgPrice),
		LastBuyPrice:  decimal.NewFromFloat(lastBuy),
		GridLevel:     level,
	}
}

func TestSignalTakesProfitAtTarget(t *testing.T) {
	s := newTestStrategy(t, defaultStrategyConfig())
	pos := openPosition(50000, 50000, 0.01, 1)

	signal := s.Signal(decimal.NewFromInt(50250), pos, nil)
	assert.Equal(t, domain.ActionSell, signal.Action)
	assert.True(t, signal.Quantity.Equal(pos.TotalQuantity))

	signal = s.Signal(decimal.NewFromInt(50200), pos, nil)
	assert.Equal(t, domain.ActionHold, signal.Action)
}

func TestSignalAddsLevelOnDrop(t *testing.T) {
	s := newTestStrategy(t, defaultStrategyConfig())
	pos := openPosition(50000, 50000, 0.0002, 1)

	// 2% below the last buy price opens the next level with the next amount.
	signal := s.Signal(decimal.NewFromInt(49000), pos, nil)
	assert.Equal(t, domain.ActionBuy, signal.Action)
	assert.Equal(t, 1, signal.GridLevel)
	// level-1 amount is 20; 20/49000 truncated to 4 decimals
	assert.True(t, signal.Quantity.Equal(decimal.NewFromFloat(0.0004)), "got %s", signal.Quantity)

	signal = s.Signal(decimal.NewFromInt(49500), pos, nil)
	assert.Equal(t, domain.ActionHold, signal.Action)
}

func TestSignalStopLossWhenGridExhausted(t *testing.T) {
	cfg := defaultStrategyConfig()
	s := newTestStrategy(t, cfg)
	pos := openPosition(50000, 47600, 0.01, cfg.GridLevels)

	// Grid is full, so the drop cannot buy; -6% hits the stop loss.
	signal := s.Signal(decimal.NewFromInt(47000), pos, nil)
	assert.Equal(t, domain.ActionSell, signal.Action)
	assert.True(t, signal.Quantity.Equal(pos.TotalQuantity))
}

func TestSignalHoldsInsideTheBand(t *testing.T) {
	s := newTestStrategy(t, defaultStrategyConfig())
	pos := openPosition(50000, 50000, 0.01, 1)

	signal := s.Signal(decimal.NewFromInt(49800), pos, nil)
	assert.Equal(t, domain.ActionHold, signal.Action)
}

func TestSignalHoldsOnInvalidPrice(t *testing.T) {
	s := newTestStrategy(t, defaultStrategyConfig())
	signal := s.Signal(decimal.Zero, domain.Position{}, nil)
	assert.Equal(t, domain.ActionHold, signal.Action)
}

func TestStrategyFactory(t *testing.T) {
	_, err := NewStrategy("martingale", StrategyConfig{}, zap.NewNop())
	assert.Error(t, err)

	for _, name := range []string{"scalping", "grid"} {
		s, err := NewStrategy(name, StrategyConfig{}, zap.NewNop())
		require.NoError(t, err)
		assert.Equal(t, name, s.Name())

		signal := s.Signal(decimal.NewFromInt(50000), domain.Position{}, nil)
		assert.Equal(t, domain.ActionHold, signal.Action)
	}
}
