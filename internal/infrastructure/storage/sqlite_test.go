package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitos/crypto_grid_bot/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestBot() *domain.BotRecord {
	return &domain.BotRecord{
		UserID:   1,
		Symbol:   "BTC-USDT",
		Strategy: "grid_dca",
		Capital:  decimal.NewFromFloat(1000.50),
	}
}

func TestSaveAndGetBot(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	bot := newTestBot()
	require.NoError(t, store.SaveBot(ctx, bot))
	require.NotZero(t, bot.ID)

	got, err := store.GetBot(ctx, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, bot.Symbol, got.Symbol)
	assert.Equal(t, bot.Strategy, got.Strategy)
	assert.True(t, got.Capital.Equal(decimal.NewFromFloat(1000.50)), "got %s", got.Capital)
	assert.Equal(t, domain.BotStatusCreated, got.Status)
	assert.Nil(t, got.StartedAt)
}

func TestGetBotNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetBot(context.Background(), 42)
	assert.True(t, errors.Is(err, domain.ErrBotNotFound))
}

func TestSaveBotWithIDReplaces(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	bot := newTestBot()
	require.NoError(t, store.SaveBot(ctx, bot))

	bot.Capital = decimal.NewFromInt(2000)
	require.NoError(t, store.SaveBot(ctx, bot))

	got, err := store.GetBot(ctx, bot.ID)
	require.NoError(t, err)
	assert.True(t, got.Capital.Equal(decimal.NewFromInt(2000)))

	bots, err := store.ListBots(ctx)
	require.NoError(t, err)
	assert.Len(t, bots, 1)
}

func TestUpdateBotStatusTimestamps(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	bot := newTestBot()
	require.NoError(t, store.SaveBot(ctx, bot))

	require.NoError(t, store.UpdateBotStatus(ctx, bot.ID, domain.BotStatusRunning, ""))
	got, err := store.GetBot(ctx, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BotStatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.Nil(t, got.StoppedAt)

	require.NoError(t, store.UpdateBotStatus(ctx, bot.ID, domain.BotStatusError, "tick failed"))
	got, err = store.GetBot(ctx, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BotStatusError, got.Status)
	assert.Equal(t, "tick failed", got.ErrorMessage)
	require.NotNil(t, got.StoppedAt)
}

func TestMarkRunningStopped(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	running := newTestBot()
	require.NoError(t, store.SaveBot(ctx, running))
	require.NoError(t, store.UpdateBotStatus(ctx, running.ID, domain.BotStatusRunning, ""))

	paused := newTestBot()
	require.NoError(t, store.SaveBot(ctx, paused))
	require.NoError(t, store.UpdateBotStatus(ctx, paused.ID, domain.BotStatusPaused, ""))

	idle := newTestBot()
	require.NoError(t, store.SaveBot(ctx, idle))

	n, err := store.MarkRunningStopped(ctx, "engine restarted")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	for _, id := range []int64{running.ID, paused.ID} {
		got, err := store.GetBot(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.BotStatusStopped, got.Status)
		assert.Equal(t, "engine restarted", got.ErrorMessage)
	}

	got, err := store.GetBot(ctx, idle.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BotStatusCreated, got.Status)
}

func TestTradeRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	trade := &domain.Trade{
		BotID:     7,
		Symbol:    "BTC-USDT",
		Side:      domain.SideBuy,
		Quantity:  decimal.NewFromFloat(0.0002),
		Price:     decimal.NewFromInt(50000),
		Cost:      decimal.NewFromInt(10),
		GridLevel: 1,
		Reason:    "grid level 1",
	}
	require.NoError(t, store.SaveTrade(ctx, trade))
	require.NotZero(t, trade.ID)

	trades, err := store.ListTrades(ctx, 7, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	got := trades[0]
	assert.Equal(t, domain.SideBuy, got.Side)
	assert.True(t, got.Quantity.Equal(decimal.NewFromFloat(0.0002)), "got %s", got.Quantity)
	assert.True(t, got.Price.Equal(decimal.NewFromInt(50000)))
	assert.Equal(t, 1, got.GridLevel)
	assert.Equal(t, "grid level 1", got.Reason)

	// Other bots see nothing.
	trades, err = store.ListTrades(ctx, 8, 10)
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestListTradesHonorsLimitAndOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.SaveTrade(ctx, &domain.Trade{
			BotID:    7,
			Symbol:   "BTC-USDT",
			Side:     domain.SideBuy,
			Quantity: decimal.NewFromInt(int64(i + 1)),
			Price:    decimal.NewFromInt(50000),
			Cost:     decimal.NewFromInt(10),
		}))
	}

	trades, err := store.ListTrades(ctx, 7, 2)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	// Newest first.
	assert.True(t, trades[0].Quantity.Equal(decimal.NewFromInt(5)))
	assert.True(t, trades[1].Quantity.Equal(decimal.NewFromInt(4)))
}

func TestPositionHistoryRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	history := &domain.PositionHistory{
		BotID:        7,
		Symbol:       "BTC-USDT",
		TotalCost:    decimal.NewFromInt(1480),
		AveragePrice: decimal.NewFromFloat(49333.33),
		ExitPrice:    decimal.NewFromInt(50000),
		RealizedPnL:  decimal.NewFromInt(20),
		GridLevels:   2,
		ClosedAt:     time.Now().UTC(),
	}
	require.NoError(t, store.SavePositionHistory(ctx, history))
	require.NotZero(t, history.ID)

	histories, err := store.ListPositionHistory(ctx, 7, 10)
	require.NoError(t, err)
	require.Len(t, histories, 1)
	got := histories[0]
	assert.True(t, got.RealizedPnL.Equal(decimal.NewFromInt(20)))
	assert.True(t, got.AveragePrice.Equal(decimal.NewFromFloat(49333.33)))
	assert.Equal(t, 2, got.GridLevels)
}
