package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/vitos/crypto_grid_bot/internal/domain"
)

// LifecycleConfig tunes the manager's supervision behavior. Defaults carries
// the interval and strategy/risk settings every started bot inherits.
type LifecycleConfig struct {
	MonitorInterval  time.Duration
	HeartbeatTimeout time.Duration
	Defaults         BotConfig
}

func (c *LifecycleConfig) applyDefaults() {
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 30 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 300 * time.Second
	}
}

type runningBot struct {
	record    *domain.BotRecord
	runner    *BotRunner
	startedAt time.Time
}

// RunningBotStats summarizes the registry for tooling.
type RunningBotStats struct {
	Count    int
	Statuses []BotStatus
}

// LifecycleManager supervises every bot runner: start/stop/pause/resume
// actions, a registry keyed by bot id, a monitor loop that reaps dead or
// silent runners, and crash recovery at startup. One failing bot never
// affects its neighbors.
type LifecycleManager struct {
	bots        domain.BotRepository
	trades      domain.TradeRepository
	newExchange ExchangeFactory
	cfg         LifecycleConfig
	logger      *zap.Logger

	mu      sync.Mutex
	running map[int64]*runningBot

	rootCtx context.Context
	cancel  context.CancelFunc
	wg      conc.WaitGroup
}

func NewLifecycleManager(bots domain.BotRepository, trades domain.TradeRepository, newExchange ExchangeFactory, cfg LifecycleConfig, logger *zap.Logger) *LifecycleManager {
	cfg.applyDefaults()
	return &LifecycleManager{
		bots:        bots,
		trades:      trades,
		newExchange: newExchange,
		cfg:         cfg,
		logger:      logger,
		running:     make(map[int64]*runningBot),
	}
}

// Start reconciles persisted state after a restart and launches the monitor.
// Bots that were recorded as running before a crash are marked stopped; the
// operator decides what to start again.
func (m *LifecycleManager) Start(ctx context.Context) error {
	recovered, err := m.bots.MarkRunningStopped(ctx, "engine restarted")
	if err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	if recovered > 0 {
		m.logger.Info("marked stale running bots as stopped", zap.Int64("count", recovered))
	}

	m.rootCtx, m.cancel = context.WithCancel(context.Background())
	m.wg.Go(func() { m.monitor(m.rootCtx) })
	m.logger.Info("lifecycle manager started",
		zap.Duration("monitor_interval", m.cfg.MonitorInterval),
		zap.Duration("heartbeat_timeout", m.cfg.HeartbeatTimeout))
	return nil
}

// Shutdown stops the monitor, then stops every running bot in parallel and
// waits for each to finish cleanup, bounded by ctx.
func (m *LifecycleManager) Shutdown(ctx context.Context) {
	if m.cancel != nil {
		m.cancel()
	}

	m.mu.Lock()
	bots := make([]*runningBot, 0, len(m.running))
	for _, rb := range m.running {
		bots = append(bots, rb)
	}
	m.mu.Unlock()

	var stopGroup conc.WaitGroup
	for _, rb := range bots {
		rb := rb
		stopGroup.Go(func() {
			rb.runner.Stop()
			select {
			case <-rb.runner.Done():
			case <-ctx.Done():
				m.logger.Warn("shutdown wait expired", zap.Int64("bot_id", rb.record.ID))
			}
			m.persistFinalState(rb)
		})
	}
	stopGroup.Wait()
	m.wg.Wait()
	m.logger.Info("lifecycle manager shut down", zap.Int("bots_stopped", len(bots)))
}

// ExecuteBotAction is the single entry point for operator commands.
func (m *LifecycleManager) ExecuteBotAction(ctx context.Context, botID int64, action domain.BotAction) error {
	switch action {
	case domain.BotActionStart:
		return m.startBot(ctx, botID)
	case domain.BotActionStop:
		return m.stopBot(ctx, botID)
	case domain.BotActionPause:
		return m.pauseBot(ctx, botID)
	case domain.BotActionResume:
		return m.resumeBot(ctx, botID)
	case domain.BotActionForceStop:
		return m.forceStopBot(ctx, botID)
	default:
		return fmt.Errorf("unknown bot action %q", action)
	}
}

func (m *LifecycleManager) startBot(ctx context.Context, botID int64) error {
	record, err := m.bots.GetBot(ctx, botID)
	if err != nil {
		return fmt.Errorf("load bot %d: %w", botID, err)
	}
	if !record.Capital.IsPositive() {
		return fmt.Errorf("bot %d has no capital allocated", botID)
	}

	m.mu.Lock()
	if _, ok := m.running[botID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("bot %d: %w", botID, domain.ErrBotAlreadyRunning)
	}
	m.mu.Unlock()

	cfg := m.cfg.Defaults
	cfg.BotID = record.ID
	cfg.UserID = record.UserID
	cfg.Symbol = record.Symbol
	cfg.Strategy = record.Strategy
	cfg.Capital = record.Capital
	cfg.StrategyConfig.Symbol = record.Symbol
	cfg.StrategyConfig.Capital = record.Capital

	runner := NewBotRunner(cfg, m.newExchange, m.trades, m.logger)
	if err := runner.Initialize(ctx); err != nil {
		if uerr := m.bots.UpdateBotStatus(ctx, botID, domain.BotStatusError, err.Error()); uerr != nil {
			m.logger.Warn("persist error status failed", zap.Int64("bot_id", botID), zap.Error(uerr))
		}
		return fmt.Errorf("initialize bot %d: %w", botID, err)
	}

	rb := &runningBot{record: record, runner: runner, startedAt: time.Now().UTC()}
	m.mu.Lock()
	if _, ok := m.running[botID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("bot %d: %w", botID, domain.ErrBotAlreadyRunning)
	}
	m.running[botID] = rb
	m.mu.Unlock()

	if err := m.bots.UpdateBotStatus(ctx, botID, domain.BotStatusRunning, ""); err != nil {
		m.logger.Warn("persist running status failed", zap.Int64("bot_id", botID), zap.Error(err))
	}

	runCtx := m.rootCtx
	if runCtx == nil {
		runCtx = context.Background()
	}
	m.wg.Go(func() {
		runner.Run(runCtx)
		m.reap(rb)
	})

	m.logger.Info("bot started",
		zap.Int64("bot_id", botID),
		zap.String("symbol", record.Symbol),
		zap.String("strategy", record.Strategy))
	return nil
}

// reap runs after a runner exits for any reason: persist the terminal state
// and drop it from the registry.
func (m *LifecycleManager) reap(rb *runningBot) {
	m.mu.Lock()
	if current, ok := m.running[rb.record.ID]; ok && current == rb {
		delete(m.running, rb.record.ID)
	}
	m.mu.Unlock()
	m.persistFinalState(rb)
}

func (m *LifecycleManager) persistFinalState(rb *runningBot) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status := rb.runner.Status()
	persisted := domain.BotStatusStopped
	if status.State == domain.BotStateError {
		persisted = domain.BotStatusError
	}
	if err := m.bots.UpdateBotStatus(ctx, rb.record.ID, persisted, status.LastError); err != nil {
		m.logger.Warn("persist final status failed", zap.Int64("bot_id", rb.record.ID), zap.Error(err))
	}
}

func (m *LifecycleManager) stopBot(ctx context.Context, botID int64) error {
	rb, err := m.get(botID)
	if err != nil {
		return err
	}

	// With an open position the bot winds down on its own terms; flat bots
	// stop immediately.
	if rb.runner.positions != nil && rb.runner.positions.HasOpenPosition() {
		rb.runner.RequestGracefulStop()
		if err := m.bots.UpdateBotStatus(ctx, botID, domain.BotStatusStopping, ""); err != nil {
			m.logger.Warn("persist stopping status failed", zap.Int64("bot_id", botID), zap.Error(err))
		}
		return nil
	}

	rb.runner.Stop()
	return nil
}

func (m *LifecycleManager) forceStopBot(ctx context.Context, botID int64) error {
	rb, err := m.get(botID)
	if err != nil {
		return err
	}
	rb.runner.ForceStop(ctx)
	return nil
}

func (m *LifecycleManager) pauseBot(ctx context.Context, botID int64) error {
	rb, err := m.get(botID)
	if err != nil {
		return err
	}
	rb.runner.Pause("operator request")
	if err := m.bots.UpdateBotStatus(ctx, botID, domain.BotStatusPaused, ""); err != nil {
		m.logger.Warn("persist paused status failed", zap.Int64("bot_id", botID), zap.Error(err))
	}
	return nil
}

func (m *LifecycleManager) resumeBot(ctx context.Context, botID int64) error {
	rb, err := m.get(botID)
	if err != nil {
		return err
	}
	rb.runner.Resume()
	if err := m.bots.UpdateBotStatus(ctx, botID, domain.BotStatusRunning, ""); err != nil {
		m.logger.Warn("persist running status failed", zap.Int64("bot_id", botID), zap.Error(err))
	}
	return nil
}

func (m *LifecycleManager) get(botID int64) (*runningBot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rb, ok := m.running[botID]
	if !ok {
		return nil, fmt.Errorf("bot %d: %w", botID, domain.ErrBotNotRunning)
	}
	return rb, nil
}

// monitor sweeps the registry, stopping runners whose heartbeat went silent.
// A runner that already exited is handled by its own reap call.
func (m *LifecycleManager) monitor(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *LifecycleManager) sweep() {
	m.mu.Lock()
	bots := make([]*runningBot, 0, len(m.running))
	for _, rb := range m.running {
		bots = append(bots, rb)
	}
	m.mu.Unlock()

	now := time.Now().UTC()
	for _, rb := range bots {
		if !rb.runner.IsRunning() {
			continue
		}
		age := now.Sub(rb.runner.Heartbeat())
		if age <= m.cfg.HeartbeatTimeout {
			continue
		}
		m.logger.Error("bot heartbeat stale, stopping",
			zap.Int64("bot_id", rb.record.ID),
			zap.Duration("age", age))
		rb.runner.Stop()
	}
}

func (m *LifecycleManager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// Stats snapshots every running bot for the operator tooling.
func (m *LifecycleManager) Stats() RunningBotStats {
	m.mu.Lock()
	bots := make([]*runningBot, 0, len(m.running))
	for _, rb := range m.running {
		bots = append(bots, rb)
	}
	m.mu.Unlock()

	stats := RunningBotStats{Count: len(bots)}
	for _, rb := range bots {
		stats.Statuses = append(stats.Statuses, rb.runner.Status())
	}
	return stats
}
