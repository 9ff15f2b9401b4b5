package usecase

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/vitos/crypto_grid_bot/internal/domain"
)

// maxConsecutiveTickErrors triggers an emergency liquidation when reached.
const maxConsecutiveTickErrors = 5

// ExchangeFactory builds the exchange session for one bot. Each runner owns
// its session and closes it during cleanup.
type ExchangeFactory func(symbol string) (domain.Exchange, error)

// PriceStreamer is the optional push feed an exchange session offers on top
// of polling. The runner subscribes when available; the polled price loop
// stays as fallback.
type PriceStreamer interface {
	OnPriceUpdate(callback func(symbol string, price decimal.Decimal))
	Subscribe(symbols []string) error
}

// BotConfig is everything one runner needs, assembled by the lifecycle
// manager from the bot record and the configured defaults.
type BotConfig struct {
	BotID    int64
	UserID   int64
	Symbol   string
	Strategy string
	Capital  decimal.Decimal

	StrategyConfig StrategyConfig
	RiskLimits     RiskLimits

	TickInterval        time.Duration
	HeartbeatInterval   time.Duration
	PriceUpdateInterval time.Duration
	// GracefulStopTimeout bounds how long a graceful stop waits for the
	// position to unwind on its own. Zero waits indefinitely.
	GracefulStopTimeout time.Duration
}

func (c *BotConfig) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 5 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 60 * time.Second
	}
	if c.PriceUpdateInterval <= 0 {
		c.PriceUpdateInterval = 10 * time.Second
	}
}

// BotStatus is a read-only snapshot for the lifecycle manager and tooling.
type BotStatus struct {
	BotID         int64
	Symbol        string
	Strategy      string
	State         domain.BotState
	LastPrice     decimal.Decimal
	Position      domain.Position
	TickCount     int64
	TotalTrades   int
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	LastHeartbeat time.Time
	LastError     string
}

// BotRunner drives one bot: a main tick loop making trading decisions, a
// heartbeat loop proving liveness, and a price loop keeping the last price
// fresh. All three run under one cancellable context; cancelling it is the
// single stop mechanism.
type BotRunner struct {
	cfg         BotConfig
	newExchange ExchangeFactory
	trades      domain.TradeRepository // may be nil
	logger      *zap.Logger

	exchange  domain.Exchange
	strategy  Strategy
	executor  *OrderExecutor
	positions *PositionManager
	risk      *RiskManager

	mu                sync.RWMutex
	state             domain.BotState
	lastPrice         decimal.Decimal
	lastHeartbeat     time.Time
	tickCount         int64
	consecutiveErrors int
	totalTrades       int
	stopRequested     bool
	gracefulStop      bool
	gracefulSince     time.Time
	pauseReason       string
	lastError         string

	cancel      context.CancelFunc
	done        chan struct{}
	cleanupOnce sync.Once
}

func NewBotRunner(cfg BotConfig, newExchange ExchangeFactory, trades domain.TradeRepository, logger *zap.Logger) *BotRunner {
	cfg.applyDefaults()
	return &BotRunner{
		cfg:         cfg,
		newExchange: newExchange,
		trades:      trades,
		logger:      logger.With(zap.Int64("bot_id", cfg.BotID), zap.String("symbol", cfg.Symbol)),
		state:       domain.BotStateIdle,
		done:        make(chan struct{}),
	}
}

// Initialize builds the components in dependency order: exchange session,
// strategy, executor, position manager, risk manager, then snapshots an
// initial price to prove the session works.
func (r *BotRunner) Initialize(ctx context.Context) error {
	r.setState(domain.BotStateInitializing)

	exchange, err := r.newExchange(r.cfg.Symbol)
	if err != nil {
		return r.failInit(fmt.Errorf("open exchange session: %w", err))
	}
	r.exchange = exchange

	strategy, err := NewStrategy(r.cfg.Strategy, r.cfg.StrategyConfig, r.logger)
	if err != nil {
		return r.failInit(fmt.Errorf("build strategy: %w", err))
	}
	r.strategy = strategy

	r.executor = NewOrderExecutor(exchange, r.cfg.Symbol, r.logger)
	r.positions = NewPositionManager(PositionConfig{
		BotID:           r.cfg.BotID,
		Symbol:          r.cfg.Symbol,
		MaxGridLevels:   r.cfg.StrategyConfig.GridLevels,
		ProfitTargetPct: r.cfg.StrategyConfig.ProfitTargetPct,
		StopLossPct:     r.cfg.StrategyConfig.StopLossPct,
	}, r.logger)
	r.risk = NewRiskManager(r.cfg.RiskLimits, r.cfg.Capital, r.logger)

	ticker, err := exchange.GetTicker(ctx, r.cfg.Symbol)
	if err != nil {
		return r.failInit(fmt.Errorf("fetch initial ticker: %w", err))
	}

	r.mu.Lock()
	r.lastPrice = ticker.Last
	r.lastHeartbeat = time.Now().UTC()
	r.mu.Unlock()

	if streamer, ok := exchange.(PriceStreamer); ok {
		streamer.OnPriceUpdate(func(symbol string, price decimal.Decimal) {
			if symbol != r.cfg.Symbol || !price.IsPositive() {
				return
			}
			r.mu.Lock()
			r.lastPrice = price
			r.mu.Unlock()
		})
		if err := streamer.Subscribe([]string{r.cfg.Symbol}); err != nil {
			r.logger.Warn("price stream unavailable, relying on polling", zap.Error(err))
		}
	}

	r.logger.Info("bot initialized",
		zap.String("strategy", strategy.Name()),
		zap.String("capital", r.cfg.Capital.String()),
		zap.String("price", ticker.Last.String()))
	return nil
}

func (r *BotRunner) failInit(err error) error {
	r.mu.Lock()
	r.state = domain.BotStateError
	r.lastError = err.Error()
	r.mu.Unlock()
	return err
}

// Run blocks until the bot stops. The three loops share one cancellable
// context; the first loop that decides to exit cancels the others.
func (r *BotRunner) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.state = domain.BotStateRunning
	r.lastHeartbeat = time.Now().UTC()
	r.mu.Unlock()

	botsRunning.Inc()
	r.logger.Info("bot started")

	var wg conc.WaitGroup
	wg.Go(func() { r.mainLoop(runCtx) })
	wg.Go(func() { r.heartbeatLoop(runCtx) })
	wg.Go(func() { r.priceLoop(runCtx) })

	if recovered := wg.WaitAndRecover(); recovered != nil {
		r.mu.Lock()
		r.state = domain.BotStateError
		r.lastError = fmt.Sprintf("panic in bot loop: %v", recovered.Value)
		r.mu.Unlock()
		r.logger.Error("bot loop panicked", zap.Any("panic", recovered.Value))
	}
	cancel()

	r.finalCleanup()
	botsRunning.Dec()

	if r.State() != domain.BotStateError {
		r.setState(domain.BotStateStopped)
	}
	r.logger.Info("bot stopped", zap.String("state", string(r.State())))
	close(r.done)
}

func (r *BotRunner) mainLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if exit := r.checkStopConditions(ctx); exit {
			r.cancel()
			return
		}
		if r.State() == domain.BotStatePaused {
			continue
		}

		if err := r.tick(ctx); err != nil {
			tickErrors.Inc()
			r.mu.Lock()
			r.consecutiveErrors++
			n := r.consecutiveErrors
			r.mu.Unlock()
			r.logger.Error("tick failed", zap.Int("consecutive", n), zap.Error(err))
			if n >= maxConsecutiveTickErrors {
				r.emergencyStop(ctx, "too many consecutive tick errors")
				r.cancel()
				return
			}
			continue
		}

		r.mu.Lock()
		r.consecutiveErrors = 0
		r.tickCount++
		r.mu.Unlock()
	}
}

// checkStopConditions handles stop and graceful-stop requests at the top of
// every tick. It returns true when the main loop should exit.
func (r *BotRunner) checkStopConditions(ctx context.Context) bool {
	r.mu.RLock()
	stop := r.stopRequested
	graceful := r.gracefulStop
	since := r.gracefulSince
	r.mu.RUnlock()

	if stop {
		return true
	}
	if !graceful {
		return false
	}
	if !r.positions.HasOpenPosition() {
		r.logger.Info("graceful stop complete, position is flat")
		return true
	}
	if r.cfg.GracefulStopTimeout > 0 && time.Since(since) > r.cfg.GracefulStopTimeout {
		r.logger.Warn("graceful stop timed out, liquidating")
		r.liquidate(ctx, "graceful stop timeout")
		return true
	}
	return false
}

// tick is one decision cycle: refresh market data, settle fills, update the
// position, run the risk gate, then ask the strategy and execute its signal.
func (r *BotRunner) tick(ctx context.Context) error {
	ticker, err := r.exchange.GetTicker(ctx, r.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("fetch ticker: %w", err)
	}
	price := ticker.Last
	if !price.IsPositive() {
		return fmt.Errorf("invalid price %s for %s", price, r.cfg.Symbol)
	}
	r.mu.Lock()
	r.lastPrice = price
	r.mu.Unlock()

	for _, order := range r.executor.UpdateAllOrders(ctx) {
		r.settleOrder(ctx, order)
	}
	r.positions.UpdatePosition(price)

	snap := r.positions.Snapshot()
	totalProfit := snap.RealizedPnL.Add(snap.UnrealizedPnL)

	result := r.risk.CheckRisk(price, snap, totalProfit)
	done, blockBuys := r.routeRiskResult(ctx, result)
	if done {
		return nil
	}
	if r.risk.EmergencyStopCheck(totalProfit) {
		r.logger.Error("emergency loss floor reached", zap.String("total_profit", totalProfit.String()))
		r.emergencyStop(ctx, "emergency loss floor")
		r.requestStop()
		return nil
	}

	r.mu.RLock()
	graceful := r.gracefulStop
	r.mu.RUnlock()

	signal := r.strategy.Signal(price, snap, &MarketData{Ticker: ticker})
	switch signal.Action {
	case domain.ActionBuy:
		if blockBuys || graceful {
			r.logger.Debug("buy suppressed", zap.String("reason", signal.Reason))
			return nil
		}
		return r.executeBuy(ctx, signal)
	case domain.ActionSell:
		return r.executeSell(ctx, signal)
	default:
		return nil
	}
}

// routeRiskResult turns a risk verdict into control flow. done ends the tick
// without consulting the strategy; blockBuys lets the tick proceed but
// suppresses position growth.
func (r *BotRunner) routeRiskResult(ctx context.Context, result domain.RiskCheckResult) (done, blockBuys bool) {
	switch {
	case result.ShouldStop:
		r.logger.Warn("risk stop", zap.String("reason", result.Reason))
		r.liquidate(ctx, result.Reason)
		r.requestStop()
		return true, false
	case result.ShouldClosePosition:
		// Close-only verdict: flatten the position, keep the bot alive.
		r.logger.Warn("risk close", zap.String("reason", result.Reason))
		r.liquidate(ctx, result.Reason)
		return true, false
	case result.ShouldPause:
		r.Pause(result.Reason)
		return true, false
	case result.ShouldReducePosition:
		// Advisory: stop growing the position, let sells through.
		return false, true
	}
	return false, false
}

func (r *BotRunner) executeBuy(ctx context.Context, signal domain.StrategySignal) error {
	order, err := r.executor.CreateMarketOrder(ctx, domain.SideBuy, signal.Quantity, map[string]string{
		"grid_level": strconv.Itoa(signal.GridLevel),
		"reason":     signal.Reason,
	})
	if err != nil {
		return fmt.Errorf("execute buy signal: %w", err)
	}
	if err := r.positions.AddBuyOrder(order); err != nil {
		return err
	}
	r.mu.Lock()
	r.totalTrades++
	r.mu.Unlock()

	r.logger.Info("buy order placed",
		zap.String("order_id", order.ID),
		zap.Int("grid_level", signal.GridLevel),
		zap.String("quantity", signal.Quantity.String()),
		zap.String("reason", signal.Reason))

	if order.IsTerminal() {
		r.settleOrder(ctx, order)
	}
	return nil
}

func (r *BotRunner) executeSell(ctx context.Context, signal domain.StrategySignal) error {
	order, err := r.executor.CreateMarketOrder(ctx, domain.SideSell, signal.Quantity, map[string]string{
		"reason": signal.Reason,
	})
	if err != nil {
		return fmt.Errorf("execute sell signal: %w", err)
	}
	if err := r.positions.AddSellOrder(order); err != nil {
		return err
	}
	r.mu.Lock()
	r.totalTrades++
	r.mu.Unlock()

	r.logger.Info("sell order placed",
		zap.String("order_id", order.ID),
		zap.String("quantity", signal.Quantity.String()),
		zap.String("reason", signal.Reason))

	if order.IsTerminal() {
		r.settleOrder(ctx, order)
	}
	return nil
}

// settleOrder routes a terminal order into the position and the repositories.
func (r *BotRunner) settleOrder(ctx context.Context, order *domain.Order) {
	closed, err := r.positions.UpdateOrderStatus(order)
	if err != nil {
		r.logger.Error("apply fill failed", zap.String("order_id", order.ID), zap.Error(err))
		return
	}

	if order.Status == domain.OrderStatusFilled {
		profit := decimal.Zero
		if closed != nil {
			profit = closed.RealizedPnL
		}
		r.risk.RecordTrade(profit)
	}

	if r.trades == nil {
		return
	}
	if order.Status == domain.OrderStatusFilled {
		gridLevel, _ := strconv.Atoi(order.StrategyMeta["grid_level"])
		trade := &domain.Trade{
			BotID:     r.cfg.BotID,
			Symbol:    order.Symbol,
			Side:      order.Side,
			Quantity:  order.FilledQuantity,
			Price:     order.AveragePrice,
			Cost:      order.Cost,
			GridLevel: gridLevel,
			Reason:    order.StrategyMeta["reason"],
			CreatedAt: time.Now().UTC(),
		}
		if err := r.trades.SaveTrade(ctx, trade); err != nil {
			r.logger.Warn("persist trade failed", zap.Error(err))
		}
	}
	if closed != nil {
		if err := r.trades.SavePositionHistory(ctx, closed); err != nil {
			r.logger.Warn("persist position history failed", zap.Error(err))
		}
	}
}

// liquidate cancels open orders and market-sells whatever the bot holds.
func (r *BotRunner) liquidate(ctx context.Context, reason string) {
	r.executor.CancelAllOrders(ctx)

	snap := r.positions.Snapshot()
	if !snap.TotalQuantity.GreaterThan(domain.DustEpsilon) {
		return
	}
	order, err := r.executor.CreateMarketOrder(ctx, domain.SideSell, snap.TotalQuantity, map[string]string{
		"reason": "liquidation: " + reason,
	})
	if err != nil {
		r.logger.Error("liquidation sell failed", zap.String("reason", reason), zap.Error(err))
		return
	}
	if err := r.positions.AddSellOrder(order); err != nil {
		r.logger.Error("register liquidation sell failed", zap.Error(err))
		return
	}
	if order.IsTerminal() {
		r.settleOrder(ctx, order)
	}
	r.logger.Warn("position liquidated", zap.String("reason", reason))
}

// emergencyStop liquidates and parks the bot in the error state. Fires at
// most once per run because the main loop exits right after.
func (r *BotRunner) emergencyStop(ctx context.Context, reason string) {
	emergencyStops.Inc()
	r.logger.Error("emergency stop", zap.String("reason", reason))
	r.liquidate(ctx, reason)
	r.mu.Lock()
	r.state = domain.BotStateError
	r.lastError = reason
	r.mu.Unlock()
}

func (r *BotRunner) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			r.lastHeartbeat = time.Now().UTC()
			ticks := r.tickCount
			state := r.state
			r.mu.Unlock()

			snap := r.positions.Snapshot()
			r.logger.Info("heartbeat",
				zap.String("state", string(state)),
				zap.Int64("ticks", ticks),
				zap.Int("grid_level", snap.GridLevel),
				zap.String("unrealized_pnl", snap.UnrealizedPnL.String()),
				zap.String("realized_pnl", snap.RealizedPnL.String()))
		}
	}
}

func (r *BotRunner) priceLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PriceUpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t, err := r.exchange.GetTicker(ctx, r.cfg.Symbol)
			if err != nil {
				// Price staleness is tolerated here; the main loop has its
				// own error accounting.
				r.logger.Debug("price refresh failed", zap.Error(err))
				continue
			}
			r.mu.Lock()
			r.lastPrice = t.Last
			r.mu.Unlock()
		}
	}
}

// finalCleanup cancels outstanding orders and closes the exchange session.
// Guarded so repeated stop paths cannot run it twice.
func (r *BotRunner) finalCleanup() {
	r.cleanupOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if r.executor != nil {
			r.executor.Cleanup(ctx)
		}
		if r.exchange != nil {
			if err := r.exchange.Close(); err != nil {
				r.logger.Warn("close exchange session failed", zap.Error(err))
			}
		}
	})
}

// Stop requests an immediate stop. Open orders are canceled during cleanup;
// the position is left as-is.
func (r *BotRunner) Stop() {
	r.requestStop()
	r.mu.RLock()
	cancel := r.cancel
	r.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

func (r *BotRunner) requestStop() {
	r.mu.Lock()
	r.stopRequested = true
	if r.state == domain.BotStateRunning || r.state == domain.BotStatePaused {
		r.state = domain.BotStateStopping
	}
	r.mu.Unlock()
}

// RequestGracefulStop lets the bot keep managing the open position until it
// unwinds, refusing new buys meanwhile.
func (r *BotRunner) RequestGracefulStop() {
	r.mu.Lock()
	if !r.gracefulStop {
		r.gracefulStop = true
		r.gracefulSince = time.Now().UTC()
	}
	r.mu.Unlock()
	r.logger.Info("graceful stop requested")
}

// ForceStop liquidates immediately and stops.
func (r *BotRunner) ForceStop(ctx context.Context) {
	r.liquidate(ctx, "force stop")
	r.Stop()
}

func (r *BotRunner) Pause(reason string) {
	r.mu.Lock()
	if r.state == domain.BotStateRunning {
		r.state = domain.BotStatePaused
		r.pauseReason = reason
	}
	r.mu.Unlock()
	r.logger.Warn("bot paused", zap.String("reason", reason))
}

func (r *BotRunner) Resume() {
	r.mu.Lock()
	if r.state == domain.BotStatePaused {
		r.state = domain.BotStateRunning
		r.pauseReason = ""
	}
	r.mu.Unlock()
	r.logger.Info("bot resumed")
}

func (r *BotRunner) setState(state domain.BotState) {
	r.mu.Lock()
	r.state = state
	r.mu.Unlock()
}

func (r *BotRunner) State() domain.BotState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *BotRunner) IsRunning() bool {
	switch r.State() {
	case domain.BotStateRunning, domain.BotStatePaused, domain.BotStateStopping:
		return true
	}
	return false
}

// Heartbeat returns the last time the heartbeat loop proved liveness.
func (r *BotRunner) Heartbeat() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastHeartbeat
}

// Done is closed when Run has fully exited, cleanup included.
func (r *BotRunner) Done() <-chan struct{} { return r.done }

// Status assembles the full read-only snapshot.
func (r *BotRunner) Status() BotStatus {
	var snap domain.Position
	if r.positions != nil {
		snap = r.positions.Snapshot()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return BotStatus{
		BotID:         r.cfg.BotID,
		Symbol:        r.cfg.Symbol,
		Strategy:      r.cfg.Strategy,
		State:         r.state,
		LastPrice:     r.lastPrice,
		Position:      snap,
		TickCount:     r.tickCount,
		TotalTrades:   r.totalTrades,
		RealizedPnL:   snap.RealizedPnL,
		UnrealizedPnL: snap.UnrealizedPnL,
		LastHeartbeat: r.lastHeartbeat,
		LastError:     r.lastError,
	}
}
