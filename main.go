// The trading daemon wires the execution core end to end: candle ingestion
// feeding the strategy runtime, the risk-gated signal executor, the position
// book with its venue reconciler, and the HTTP/WS surface over all of it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/EduKegler/breaker-sub003/config"
	"github.com/EduKegler/breaker-sub003/internal/api"
	"github.com/EduKegler/breaker-sub003/internal/circuit"
	"github.com/EduKegler/breaker-sub003/internal/database"
	"github.com/EduKegler/breaker-sub003/internal/events"
	"github.com/EduKegler/breaker-sub003/internal/hyperliquid"
	"github.com/EduKegler/breaker-sub003/internal/ingest"
	"github.com/EduKegler/breaker-sub003/internal/logging"
	"github.com/EduKegler/breaker-sub003/internal/metrics"
	"github.com/EduKegler/breaker-sub003/internal/notification"
	"github.com/EduKegler/breaker-sub003/internal/orders"
	"github.com/EduKegler/breaker-sub003/internal/position"
	"github.com/EduKegler/breaker-sub003/internal/risk"
	"github.com/EduKegler/breaker-sub003/internal/runtime"
)

// stateInterval paces the equity snapshot writer and the WS state pushes.
const stateInterval = time.Minute

// dryRunEquity seeds the simulated venue; sizing math needs a balance even
// when no real account backs it.
const dryRunEquity = 10_000

func main() {
	configPath := flag.String("config", "config.json", "path to the config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LoggingConfig)
	logger.Info().
		Str("mode", string(cfg.Mode)).
		Int("symbols", len(cfg.Symbols)).
		Msg("Starting trading daemon")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus feeds the journal, metrics, notifications and the WS hub.
	bus := events.NewBus()
	if cfg.JournalConfig.Path != "" {
		journal, err := events.OpenJournal(cfg.JournalConfig.Path)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.JournalConfig.Path).Msg("Failed to open event journal")
		}
		defer journal.Close()
		bus.AttachJournal(journal)
		logger.Info().Str("path", cfg.JournalConfig.Path).Msg("Event journal attached")
	}

	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	if err := db.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to run migrations")
	}
	repo := database.NewRepository(db)

	// Redis is optional: without it, crash recovery falls back to venue
	// state alone and loses strategy attribution.
	var store *database.RedisSnapshotStore
	if cfg.RedisConfig.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Addr,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
		})
		ttl := time.Duration(cfg.RedisConfig.SnapshotTTLMins) * time.Minute
		store = database.NewRedisSnapshotStore(client, ttl)
		logger.Info().Str("addr", cfg.RedisConfig.Addr).Msg("Redis snapshot store enabled")
	}

	info := hyperliquid.NewInfoClient(cfg.HyperliquidConfig.BaseURL, logger)

	var venue hyperliquid.Venue
	if cfg.Mode == config.ModeDryRun {
		venue = hyperliquid.NewDryRunVenue(dryRunEquity, logger)
	} else {
		signer, err := hyperliquid.NewSigner(cfg.HyperliquidConfig.PrivateKey, cfg.Mode == config.ModeTestnet)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to build order signer")
		}
		exchange := hyperliquid.NewExchangeClient(cfg.HyperliquidConfig.BaseURL, signer, logger)
		venue = hyperliquid.NewLiveVenue(info, exchange, cfg.HyperliquidConfig.WalletAddress, logger)
	}

	// One shared stream carries public candles and, outside dry-run, the
	// wallet's order and fill channels.
	var stream *hyperliquid.Stream
	needStream := cfg.Mode != config.ModeDryRun
	for _, sym := range cfg.Symbols {
		if sym.DataSource == "hyperliquid" {
			needStream = true
		}
	}
	if needStream {
		stream = hyperliquid.NewStream(cfg.HyperliquidConfig.WSURL, logger)
		if err := stream.Start(); err != nil {
			logger.Fatal().Err(err).Msg("Failed to start venue stream")
		}
		defer stream.Stop()
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	m.ObserveBus(bus)

	notifier := notification.NewManager(cfg.NotificationConfig.Enabled, logger)
	if cfg.NotificationConfig.Telegram.Enabled {
		notifier.AddNotifier(notification.NewTelegramNotifier(cfg.NotificationConfig.Telegram))
	}
	if cfg.NotificationConfig.Discord.Enabled {
		notifier.AddNotifier(notification.NewDiscordNotifier(cfg.NotificationConfig.Discord))
	}
	notifier.ObserveBus(bus)

	breaker := circuit.NewBreaker(circuit.DefaultConfig())
	breaker.OnTrip(func(reason string) {
		m.BreakerState.Set(1)
		m.BreakerTrips.Inc()
		logger.Error().Str("reason", reason).Msg("Venue circuit breaker tripped, placements halted")
		_ = notifier.SendError("Circuit breaker open", reason)
	})
	breaker.OnReset(func() {
		m.BreakerState.Set(0)
		logger.Info().Msg("Venue circuit breaker reset")
	})
	guard := circuit.NewVenueGuard(venue, breaker, logger)

	if err := guard.Connect(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to venue")
	}

	book := position.NewBook()
	if restored, err := position.Recover(ctx, guard, store, book, logger); err != nil {
		logger.Fatal().Err(err).Msg("Position recovery failed")
	} else if restored > 0 {
		logger.Info().Int("positions", restored).Msg("Recovered open positions")
	}

	symbolSettings := make(map[string]orders.SymbolSettings, len(cfg.Symbols))
	for _, sym := range cfg.Symbols {
		symbolSettings[sym.Coin] = orders.SymbolSettings{
			Leverage:    sym.Leverage,
			CrossMargin: sym.MarginType != "isolated",
		}
	}
	executor := orders.NewExecutor(guard, book, repo, store, bus, orders.Config{
		Mode: string(cfg.Mode),
		Sizing: risk.Sizing{
			Mode:            cfg.SizingConfig.Mode,
			RiskPerTradeUsd: cfg.SizingConfig.RiskPerTradeUsd,
			CashPerTradeUsd: cfg.SizingConfig.CashPerTradeUsd,
		},
		Limits: risk.Limits{
			MaxNotionalUsd:   cfg.GuardrailsConfig.MaxNotionalUsd,
			MaxLeverage:      cfg.GuardrailsConfig.MaxLeverage,
			MaxOpenPositions: cfg.GuardrailsConfig.MaxOpenPositions,
			MaxDailyLossUsd:  cfg.GuardrailsConfig.MaxDailyLossUsd,
			MaxTradesPerDay:  cfg.GuardrailsConfig.MaxTradesPerDay,
		},
		Symbols: symbolSettings,
	}, logger)
	executor.SetGate(guard)

	reconciler := position.NewReconciler(book, guard, repo, store, bus, cfg.ReconcileInterval(), logger)
	if stream != nil && cfg.Mode != config.ModeDryRun {
		stream.SetOrderUpdateCallback(reconciler.HandleOrderUpdates)
		stream.SetFillCallback(reconciler.HandleFills)
		if err := stream.SubscribeOrderUpdates(cfg.HyperliquidConfig.WalletAddress); err != nil {
			logger.Warn().Err(err).Msg("Order update subscription failed, reconciler will poll")
		}
		if err := stream.SubscribeUserFills(cfg.HyperliquidConfig.WalletAddress); err != nil {
			logger.Warn().Err(err).Msg("User fill subscription failed, reconciler will poll")
		}
	}
	go reconciler.Run(ctx)

	sources := map[string]ingest.Source{
		"hyperliquid": ingest.NewHyperliquidSource(info, stream, logger),
		"binance":     ingest.NewBinanceSource(cfg.BinanceConfig.UseTestnet, logger),
	}
	rt, err := runtime.New(cfg, sources, executor, guard, book, repo, store, bus, m, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid strategy configuration")
	}
	rt.OnCandleUpdate(api.BroadcastCandle)

	api.InitWebSocket(bus, logger)
	server := api.NewServer(cfg, repo, book, executor, guard, rt, logger)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error().Err(err).Msg("API server stopped")
			cancel()
		}
	}()

	if err := rt.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start strategy runtime")
	}

	go stateLoop(ctx, guard, book, repo, m, logger)

	coins := make([]string, 0, len(cfg.Symbols))
	for _, sym := range cfg.Symbols {
		coins = append(coins, sym.Coin)
	}
	bus.PublishDaemonStarted(string(cfg.Mode), coins)
	logger.Info().
		Str("addr", fmt.Sprintf("%s:%d", cfg.ServerConfig.Host, cfg.ServerConfig.Port)).
		Msg("Daemon running")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case <-ctx.Done():
		logger.Info().Msg("Shutting down")
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second,
	)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("API server shutdown error")
	}

	rt.Wait()
	logger.Info().Msg("Shutdown complete")
}

// stateLoop periodically snapshots account equity to Postgres, refreshes the
// account gauges and pushes state frames to WebSocket clients.
func stateLoop(
	ctx context.Context,
	venue hyperliquid.Venue,
	book *position.Book,
	repo *database.Repository,
	m *metrics.Metrics,
	logger zerolog.Logger,
) {
	log := logger.With().Str("component", "state-loop").Logger()
	ticker := time.NewTicker(stateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		tickCtx, tickCancel := context.WithTimeout(ctx, 10*time.Second)

		positions := book.GetAll()
		var unrealized float64
		prices := make(map[string]float64, len(positions))
		for _, p := range positions {
			unrealized += p.UnrealizedPnl
			if p.CurrentPrice > 0 {
				prices[p.Coin] = p.CurrentPrice
			}
		}

		equity, err := venue.GetAccountEquity(tickCtx)
		if err != nil {
			log.Debug().Err(err).Msg("Equity fetch failed, skipping snapshot")
			tickCancel()
			continue
		}

		midnight := time.Now().UTC().Truncate(24 * time.Hour)
		realized, err := repo.RealizedPnlSince(tickCtx, midnight)
		if err != nil {
			log.Debug().Err(err).Msg("Realized pnl query failed")
			realized = 0
		}

		if err := repo.InsertEquitySnapshot(tickCtx, &database.EquitySnapshotRecord{
			Timestamp:     time.Now().UTC(),
			Equity:        equity,
			UnrealizedPnl: unrealized,
			RealizedPnl:   realized,
			OpenPositions: len(positions),
		}); err != nil {
			log.Warn().Err(err).Msg("Equity snapshot insert failed")
		}

		m.AccountEquity.Set(equity)
		m.UnrealizedPnl.Set(unrealized)
		m.OpenPositions.Set(float64(len(positions)))

		api.BroadcastEquity(equity, unrealized, len(positions))
		api.BroadcastPositions(positions)
		if len(prices) > 0 {
			api.BroadcastPrices(prices)
		}
		if openOrders, err := venue.GetOpenOrders(tickCtx); err == nil {
			api.BroadcastOpenOrders(openOrders)
		}

		tickCancel()
	}
}
