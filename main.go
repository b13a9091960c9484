package main

import (
	"context"
	"log" // Use standard log only for initial fatal errors before logger is set up

	"reversalBot/config"
	"reversalBot/internal/adapters/binanceclient"
	"reversalBot/internal/adapters/logger"
	"reversalBot/internal/adapters/memstore"
	"reversalBot/internal/adapters/metrics"
	"reversalBot/internal/adapters/redisstore"
	"reversalBot/internal/adapters/sqlite"
	"reversalBot/internal/adapters/telegram"
	"reversalBot/internal/app"
	"reversalBot/internal/atrcache"
	"reversalBot/internal/cycle"
	"reversalBot/internal/execution"
	"reversalBot/internal/instruments"
	"reversalBot/internal/ports"
	"reversalBot/internal/risk"
	"reversalBot/internal/scanner"
	"reversalBot/internal/trades"
	"reversalBot/internal/watcher"
)

// store is a DocumentStore and TradeLog backend.
type store interface {
	ports.DocumentStore
	ports.TradeLog
	Close() error
}

type memoryStore struct{ *memstore.Store }

func (memoryStore) Close() error { return nil }

func openStore(ctx context.Context, cfg *config.Config, appLogger ports.Logger) (store, error) {
	switch cfg.StoreBackend {
	case config.StoreRedis:
		return redisstore.New(ctx, redisstore.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
			Logger:   appLogger,
		})
	case config.StoreMemory:
		return memoryStore{memstore.New()}, nil
	default:
		return sqlite.NewRepository(sqlite.Config{
			DBPath: cfg.DBPath,
			Logger: appLogger,
		})
	}
}

func main() {
	ctx := context.Background()

	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	appLogger.Info(ctx, "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// 3. Initialize Store
	st, err := openStore(ctx, cfg, appLogger)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize store", map[string]interface{}{"backend": cfg.StoreBackend})
		log.Fatalf("FATAL: Failed to initialize store: %v", err) // Also log to stderr
	}
	defer func() {
		if err := st.Close(); err != nil {
			appLogger.Error(ctx, err, "Error closing store")
		}
	}()
	appLogger.Info(ctx, "Store initialized", map[string]interface{}{"backend": cfg.StoreBackend})

	// 4. Initialize Exchange Client (Binance Adapter)
	binanceClient, err := binanceclient.New(binanceclient.Config{
		APIKey:               cfg.APIKey,
		SecretKey:            cfg.SecretKey,
		UseTestnet:           cfg.IsTestnet,
		Logger:               appLogger,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize Binance client")
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}
	appLogger.Info(ctx, "Binance client initialized", map[string]interface{}{"testnet": cfg.IsTestnet})

	// 5. Notifications and metrics
	var notifier ports.Notifier = telegram.LogNotifier{Logger: appLogger}
	if cfg.TelegramEnabled() {
		tg, err := telegram.New(telegram.Config{BotToken: cfg.TelegramBotToken, ChatID: cfg.TelegramChatID, Logger: appLogger})
		if err != nil {
			appLogger.Error(ctx, err, "FATAL: Failed to initialize Telegram notifier")
			log.Fatalf("FATAL: Failed to initialize Telegram notifier: %v", err)
		}
		notifier = tg
	}
	recorder := metrics.New()

	// 6. Core components
	registry := instruments.NewRegistry(binanceClient, cfg.QuoteAsset, cfg.InstrumentTTL, appLogger)
	ledger := cycle.NewLedger(st, appLogger)
	tradeStore := trades.NewStore(st, st, appLogger)

	atrService := atrcache.NewService(binanceClient, registry, st, appLogger, atrcache.Config{
		Period:      cfg.ATRPeriod,
		Concurrency: cfg.Concurrency,
	})
	candidateScanner := scanner.New(binanceClient, ledger, appLogger, recorder, scanner.Config{
		RangeFraction: cfg.RangeATRFraction,
		Concurrency:   cfg.Concurrency,
	})
	patternWatcher := watcher.New(binanceClient, appLogger, recorder, watcher.Config{
		MonitorWindow: cfg.MonitorWindow,
	})
	engine := execution.NewEngine(binanceClient, registry, ledger, tradeStore, notifier, recorder, appLogger, execution.Config{
		QuoteAsset:         cfg.QuoteAsset,
		PositionSizePct:    cfg.PositionSizePct,
		Leverage:           cfg.Leverage,
		StopLossBalancePct: cfg.StopLossBalancePct,
		FillPollDelay:      cfg.FillPollDelay,
		MaxFillAttempts:    cfg.MaxFillAttempts,
	})
	riskManager := risk.NewManager(binanceClient, registry, tradeStore, notifier, recorder, appLogger, risk.Config{
		QuoteAsset:         cfg.QuoteAsset,
		CheckInterval:      cfg.PositionCheckInterval,
		MaxHold:            cfg.MaxHold,
		StopLossBalancePct: cfg.StopLossBalancePct,
		ProfitTriggerPct:   cfg.ProfitTriggerPct,
		LockPctOfTrigger:   cfg.LockPctOfTrigger,
	})

	// 7. Initialize Application Service
	tradingService, err := app.NewTradingService(cfg, app.Dependencies{
		Logger:         appLogger,
		Exchange:       binanceClient,
		ATR:            atrService,
		Scanner:        candidateScanner,
		Watcher:        patternWatcher,
		Engine:         engine,
		Risk:           riskManager,
		Notifier:       notifier,
		Metrics:        recorder,
		MetricsHandler: recorder.Handler(),
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize trading service")
		log.Fatalf("FATAL: Failed to initialize trading service: %v", err)
	}
	appLogger.Info(ctx, "Trading service initialized")

	// 8. Start the Service
	if err := tradingService.Start(ctx); err != nil {
		appLogger.Error(ctx, err, "Trading service exited with error")
		log.Fatalf("FATAL: Trading service exited with error: %v", err)
	}

	appLogger.Info(ctx, "Application finished gracefully.")
}
