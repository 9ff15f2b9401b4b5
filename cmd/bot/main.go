package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/vitos/crypto_grid_bot/internal/domain"
	"github.com/vitos/crypto_grid_bot/internal/infrastructure/exchange"
	"github.com/vitos/crypto_grid_bot/internal/infrastructure/logger"
	"github.com/vitos/crypto_grid_bot/internal/infrastructure/storage"
	"github.com/vitos/crypto_grid_bot/internal/usecase"
)

type Config struct {
	Exchange struct {
		Name         string `yaml:"name"`
		APIKey       string `yaml:"api_key"`
		APISecret    string `yaml:"api_secret"`
		Passphrase   string `yaml:"passphrase"`
		RESTEndpoint string `yaml:"rest_endpoint"`
		WSEndpoint   string `yaml:"ws_endpoint"`
		Paper        bool   `yaml:"paper"`
		PaperPrice   string `yaml:"paper_price"`
	} `yaml:"exchange"`
	Engine struct {
		TickIntervalMs        int `yaml:"tick_interval_ms"`
		HeartbeatIntervalMs   int `yaml:"heartbeat_interval_ms"`
		PriceUpdateIntervalMs int `yaml:"price_update_interval_ms"`
		GracefulStopTimeoutMs int `yaml:"graceful_stop_timeout_ms"`
		MonitorIntervalMs     int `yaml:"monitor_interval_ms"`
		HeartbeatTimeoutMs    int `yaml:"heartbeat_timeout_ms"`
	} `yaml:"engine"`
	Strategy struct {
		GridLevels       int     `yaml:"grid_levels"`
		Multiplier       float64 `yaml:"multiplier"`
		ProfitTargetPct  float64 `yaml:"profit_target_pct"`
		StopLossPct      float64 `yaml:"stop_loss_pct"`
		DropThresholdPct float64 `yaml:"drop_threshold_pct"`
	} `yaml:"strategy"`
	Risk struct {
		MaxLossPct             float64 `yaml:"max_loss_pct"`
		DailyLossLimitPct      float64 `yaml:"daily_loss_limit_pct"`
		MaxPositionSizePct     float64 `yaml:"max_position_size_pct"`
		MaxTradesPerHour       int     `yaml:"max_trades_per_hour"`
		MaxTradesPerDay        int     `yaml:"max_trades_per_day"`
		VolatilityThresholdPct float64 `yaml:"volatility_threshold_pct"`
		MaxDrawdownPct         float64 `yaml:"max_drawdown_pct"`
	} `yaml:"risk"`
	Bots []struct {
		UserID   int64   `yaml:"user_id"`
		Symbol   string  `yaml:"symbol"`
		Strategy string  `yaml:"strategy"`
		Capital  float64 `yaml:"capital"`
	} `yaml:"bots"`
	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`
	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`
}

func loadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func main() {
	// 1. Load Config
	cfg, err := loadConfig("config/config.yaml")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Init Logger
	var log *zap.Logger
	if cfg.Logging.File != "" {
		log, err = logger.NewFileLogger(cfg.Logging.File, cfg.Logging.Level)
	} else {
		log, err = logger.NewLogger(cfg.Logging.Level)
	}
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// 3. Init Storage
	dbPath := cfg.Storage.Path
	if dbPath == "" {
		dbPath = "bot.db"
	}
	store, err := storage.NewSQLiteStore(dbPath)
	if err != nil {
		log.Fatal("Failed to init sqlite", zap.Error(err))
	}
	defer store.Close()

	// 4. Exchange factory: one session per bot, paper mode unless credentials
	// are configured.
	newExchange := buildExchangeFactory(cfg, log)

	// 5. Lifecycle Manager
	manager := usecase.NewLifecycleManager(store, store, newExchange, lifecycleConfig(cfg), log)
	if err := manager.Start(context.Background()); err != nil {
		log.Fatal("Failed to start lifecycle manager", zap.Error(err))
	}

	// 6. Register and start configured bots
	startConfiguredBots(cfg, store, manager, log)

	// 7. Wait for Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	manager.Shutdown(shutdownCtx)
}

func buildExchangeFactory(cfg *Config, log *zap.Logger) usecase.ExchangeFactory {
	if cfg.Exchange.Paper || cfg.Exchange.APIKey == "" {
		basePrice := decimal.NewFromInt(50000)
		if cfg.Exchange.PaperPrice != "" {
			if p, err := decimal.NewFromString(cfg.Exchange.PaperPrice); err == nil {
				basePrice = p
			}
		}
		log.Info("running in paper trading mode", zap.String("base_price", basePrice.String()))
		return func(symbol string) (domain.Exchange, error) {
			return exchange.NewPaperExchange(basePrice, 0.002), nil
		}
	}

	return func(symbol string) (domain.Exchange, error) {
		return exchange.NewOKXAdapter(
			cfg.Exchange.APIKey,
			cfg.Exchange.APISecret,
			cfg.Exchange.Passphrase,
			cfg.Exchange.RESTEndpoint,
			cfg.Exchange.WSEndpoint,
			log,
		), nil
	}
}

func lifecycleConfig(cfg *Config) usecase.LifecycleConfig {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }

	return usecase.LifecycleConfig{
		MonitorInterval:  ms(cfg.Engine.MonitorIntervalMs),
		HeartbeatTimeout: ms(cfg.Engine.HeartbeatTimeoutMs),
		Defaults: usecase.BotConfig{
			TickInterval:        ms(cfg.Engine.TickIntervalMs),
			HeartbeatInterval:   ms(cfg.Engine.HeartbeatIntervalMs),
			PriceUpdateInterval: ms(cfg.Engine.PriceUpdateIntervalMs),
			GracefulStopTimeout: ms(cfg.Engine.GracefulStopTimeoutMs),
			StrategyConfig: usecase.StrategyConfig{
				GridLevels:       cfg.Strategy.GridLevels,
				Multiplier:       decimal.NewFromFloat(cfg.Strategy.Multiplier),
				ProfitTargetPct:  decimal.NewFromFloat(cfg.Strategy.ProfitTargetPct),
				StopLossPct:      decimal.NewFromFloat(cfg.Strategy.StopLossPct),
				DropThresholdPct: decimal.NewFromFloat(cfg.Strategy.DropThresholdPct),
			},
			RiskLimits: usecase.RiskLimits{
				MaxLossPct:             decimal.NewFromFloat(cfg.Risk.MaxLossPct),
				DailyLossLimitPct:      decimal.NewFromFloat(cfg.Risk.DailyLossLimitPct),
				MaxPositionSizePct:     decimal.NewFromFloat(cfg.Risk.MaxPositionSizePct),
				MaxTradesPerHour:       cfg.Risk.MaxTradesPerHour,
				MaxTradesPerDay:        cfg.Risk.MaxTradesPerDay,
				VolatilityThresholdPct: decimal.NewFromFloat(cfg.Risk.VolatilityThresholdPct),
				MaxDrawdownPct:         decimal.NewFromFloat(cfg.Risk.MaxDrawdownPct),
			},
		},
	}
}

// startConfiguredBots registers the bots from the config file (if they are
// not in the database yet) and starts each one. A bot that fails to start
// never blocks the others.
func startConfiguredBots(cfg *Config, store *storage.SQLiteStore, manager *usecase.LifecycleManager, log *zap.Logger) {
	ctx := context.Background()

	existing, err := store.ListBots(ctx)
	if err != nil {
		log.Error("Failed to list bots", zap.Error(err))
		return
	}
	bySymbol := make(map[string]*domain.BotRecord)
	for _, b := range existing {
		bySymbol[b.Symbol+"/"+b.Strategy] = b
	}

	for _, bc := range cfg.Bots {
		record, ok := bySymbol[bc.Symbol+"/"+bc.Strategy]
		if !ok {
			record = &domain.BotRecord{
				UserID:   bc.UserID,
				Symbol:   bc.Symbol,
				Strategy: bc.Strategy,
				Capital:  decimal.NewFromFloat(bc.Capital),
				Status:   domain.BotStatusCreated,
			}
			if err := store.SaveBot(ctx, record); err != nil {
				log.Error("Failed to save bot", zap.String("symbol", bc.Symbol), zap.Error(err))
				continue
			}
		}

		if err := manager.ExecuteBotAction(ctx, record.ID, domain.BotActionStart); err != nil {
			log.Error("Failed to start bot",
				zap.Int64("bot_id", record.ID),
				zap.String("symbol", record.Symbol),
				zap.Error(err))
		}
	}
}
