package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vitos/crypto_grid_bot/internal/domain"
)

type mockBotRepo struct {
	mu       sync.Mutex
	bots     map[int64]*domain.BotRecord
	statuses map[int64]domain.BotRunStatus
	marked   bool
}

func newMockBotRepo() *mockBotRepo {
	return &mockBotRepo{
		bots:     make(map[int64]*domain.BotRecord),
		statuses: make(map[int64]domain.BotRunStatus),
	}
}

func (m *mockBotRepo) SaveBot(ctx context.Context, bot *domain.BotRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bot.ID == 0 {
		bot.ID = int64(len(m.bots) + 1)
	}
	m.bots[bot.ID] = bot
	return nil
}

func (m *mockBotRepo) GetBot(ctx context.Context, id int64) (*domain.BotRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bot, ok := m.bots[id]
	if !ok {
		return nil, fmt.Errorf("bot %d: %w", id, domain.ErrBotNotFound)
	}
	return bot, nil
}

func (m *mockBotRepo) ListBots(ctx context.Context) ([]*domain.BotRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.BotRecord
	for _, b := range m.bots {
		out = append(out, b)
	}
	return out, nil
}

func (m *mockBotRepo) UpdateBotStatus(ctx context.Context, id int64, status domain.BotRunStatus, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[id] = status
	return nil
}

func (m *mockBotRepo) MarkRunningStopped(ctx context.Context, message string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marked = true
	var n int64
	for id, b := range m.bots {
		if b.Status == domain.BotStatusRunning {
			b.Status = domain.BotStatusStopped
			m.statuses[id] = domain.BotStatusStopped
			n++
		}
	}
	return n, nil
}

func (m *mockBotRepo) status(id int64) domain.BotRunStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statuses[id]
}

type mockTradeRepo struct {
	mu        sync.Mutex
	trades    []*domain.Trade
	histories []*domain.PositionHistory
}

func (m *mockTradeRepo) SaveTrade(ctx context.Context, trade *domain.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, trade)
	return nil
}

func (m *mockTradeRepo) ListTrades(ctx context.Context, botID int64, limit int) ([]*domain.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trades, nil
}

func (m *mockTradeRepo) SavePositionHistory(ctx context.Context, history *domain.PositionHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.histories = append(m.histories, history)
	return nil
}

func (m *mockTradeRepo) ListPositionHistory(ctx context.Context, botID int64, limit int) ([]*domain.PositionHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.histories, nil
}

func newTestManager(t *testing.T, repo *mockBotRepo, ex *mockExchange) *LifecycleManager {
	t.Helper()
	cfg := LifecycleConfig{
		MonitorInterval:  10 * time.Millisecond,
		HeartbeatTimeout: 10 * time.Second,
		Defaults:         testBotConfig(""),
	}
	manager := NewLifecycleManager(repo, &mockTradeRepo{}, func(symbol string) (domain.Exchange, error) {
		return ex, nil
	}, cfg, zap.NewNop())
	require.NoError(t, manager.Start(context.Background()))
	return manager
}

func seedBot(t *testing.T, repo *mockBotRepo, strategy string) int64 {
	t.Helper()
	record := &domain.BotRecord{
		UserID:   1,
		Symbol:   "BTC-USDT",
		Strategy: strategy,
		Capital:  decimal.NewFromInt(1000),
		Status:   domain.BotStatusCreated,
	}
	require.NoError(t, repo.SaveBot(context.Background(), record))
	return record.ID
}

func TestStartBotAndDuplicateStart(t *testing.T) {
	repo := newMockBotRepo()
	manager := newTestManager(t, repo, newMockExchange(50000))
	defer manager.Shutdown(context.Background())
	botID := seedBot(t, repo, "scalping")

	require.NoError(t, manager.ExecuteBotAction(context.Background(), botID, domain.BotActionStart))
	assert.Equal(t, 1, manager.RunningCount())
	assert.Equal(t, domain.BotStatusRunning, repo.status(botID))

	err := manager.ExecuteBotAction(context.Background(), botID, domain.BotActionStart)
	assert.True(t, errors.Is(err, domain.ErrBotAlreadyRunning))
}

func TestStartUnknownBot(t *testing.T) {
	repo := newMockBotRepo()
	manager := newTestManager(t, repo, newMockExchange(50000))
	defer manager.Shutdown(context.Background())

	err := manager.ExecuteBotAction(context.Background(), 42, domain.BotActionStart)
	assert.True(t, errors.Is(err, domain.ErrBotNotFound))
}

func TestStartBotWithoutCapital(t *testing.T) {
	repo := newMockBotRepo()
	manager := newTestManager(t, repo, newMockExchange(50000))
	defer manager.Shutdown(context.Background())

	record := &domain.BotRecord{UserID: 1, Symbol: "BTC-USDT", Strategy: "scalping"}
	require.NoError(t, repo.SaveBot(context.Background(), record))

	err := manager.ExecuteBotAction(context.Background(), record.ID, domain.BotActionStart)
	assert.Error(t, err)
}

func TestStopFlatBotRemovesItFromRegistry(t *testing.T) {
	repo := newMockBotRepo()
	manager := newTestManager(t, repo, newMockExchange(50000))
	defer manager.Shutdown(context.Background())
	botID := seedBot(t, repo, "scalping")

	require.NoError(t, manager.ExecuteBotAction(context.Background(), botID, domain.BotActionStart))
	require.NoError(t, manager.ExecuteBotAction(context.Background(), botID, domain.BotActionStop))

	require.Eventually(t, func() bool {
		return manager.RunningCount() == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, domain.BotStatusStopped, repo.status(botID))

	err := manager.ExecuteBotAction(context.Background(), botID, domain.BotActionStop)
	assert.True(t, errors.Is(err, domain.ErrBotNotRunning))
}

func TestPauseAndResume(t *testing.T) {
	repo := newMockBotRepo()
	manager := newTestManager(t, repo, newMockExchange(50000))
	defer manager.Shutdown(context.Background())
	botID := seedBot(t, repo, "scalping")

	require.NoError(t, manager.ExecuteBotAction(context.Background(), botID, domain.BotActionStart))
	require.NoError(t, manager.ExecuteBotAction(context.Background(), botID, domain.BotActionPause))
	assert.Equal(t, domain.BotStatusPaused, repo.status(botID))

	require.NoError(t, manager.ExecuteBotAction(context.Background(), botID, domain.BotActionResume))
	assert.Equal(t, domain.BotStatusRunning, repo.status(botID))
}

func TestInitFailureIsPersistedAsError(t *testing.T) {
	repo := newMockBotRepo()
	ex := newMockExchange(50000)
	ex.setFailTicker(true) // initial ticker fetch fails
	manager := newTestManager(t, repo, ex)
	defer manager.Shutdown(context.Background())
	botID := seedBot(t, repo, "scalping")

	err := manager.ExecuteBotAction(context.Background(), botID, domain.BotActionStart)
	require.Error(t, err)
	assert.Equal(t, domain.BotStatusError, repo.status(botID))
	assert.Equal(t, 0, manager.RunningCount())
}

func TestRestartRecoveryMarksRunningBotsStopped(t *testing.T) {
	repo := newMockBotRepo()
	record := &domain.BotRecord{
		UserID:   1,
		Symbol:   "BTC-USDT",
		Strategy: "grid_dca",
		Capital:  decimal.NewFromInt(1000),
		Status:   domain.BotStatusRunning, // left over from a crash
	}
	require.NoError(t, repo.SaveBot(context.Background(), record))

	manager := newTestManager(t, repo, newMockExchange(50000))
	defer manager.Shutdown(context.Background())

	assert.True(t, repo.marked)
	assert.Equal(t, domain.BotStatusStopped, repo.status(record.ID))
}

func TestMonitorReapsStaleHeartbeat(t *testing.T) {
	repo := newMockBotRepo()
	ex := newMockExchange(50000)
	cfg := LifecycleConfig{
		MonitorInterval:  10 * time.Millisecond,
		HeartbeatTimeout: time.Millisecond,
		Defaults:         testBotConfig(""),
	}
	// Long heartbeat interval: the runner never refreshes its heartbeat
	// within the timeout, so the monitor must reap it.
	cfg.Defaults.HeartbeatInterval = time.Hour
	manager := NewLifecycleManager(repo, &mockTradeRepo{}, func(symbol string) (domain.Exchange, error) {
		return ex, nil
	}, cfg, zap.NewNop())
	require.NoError(t, manager.Start(context.Background()))
	defer manager.Shutdown(context.Background())

	botID := seedBot(t, repo, "scalping")
	require.NoError(t, manager.ExecuteBotAction(context.Background(), botID, domain.BotActionStart))

	require.Eventually(t, func() bool {
		return manager.RunningCount() == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, domain.BotStatusStopped, repo.status(botID))
}

func TestShutdownStopsAllBots(t *testing.T) {
	repo := newMockBotRepo()
	manager := newTestManager(t, repo, newMockExchange(50000))

	var ids []int64
	for i := 0; i < 3; i++ {
		id := seedBot(t, repo, "scalping")
		require.NoError(t, manager.ExecuteBotAction(context.Background(), id, domain.BotActionStart))
		ids = append(ids, id)
	}
	require.Equal(t, 3, manager.RunningCount())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	manager.Shutdown(ctx)

	for _, id := range ids {
		assert.Equal(t, domain.BotStatusStopped, repo.status(id))
	}
}

func TestStatsSnapshotsRunningBots(t *testing.T) {
	repo := newMockBotRepo()
	manager := newTestManager(t, repo, newMockExchange(50000))
	defer manager.Shutdown(context.Background())
	botID := seedBot(t, repo, "scalping")

	require.NoError(t, manager.ExecuteBotAction(context.Background(), botID, domain.BotActionStart))

	stats := manager.Stats()
	require.Equal(t, 1, stats.Count)
	assert.Equal(t, botID, stats.Statuses[0].BotID)
	assert.Equal(t, "BTC-USDT", stats.Statuses[0].Symbol)
}
