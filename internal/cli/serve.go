package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	"portfolio-realtime/internal/analyzer"
	"portfolio-realtime/internal/config"
	"portfolio-realtime/internal/events"
	"portfolio-realtime/internal/gateway"
	"portfolio-realtime/internal/market"
	"portfolio-realtime/internal/models"
	"portfolio-realtime/internal/resilience"
	"portfolio-realtime/internal/security"
	"portfolio-realtime/internal/store"
	"portfolio-realtime/internal/stream"
)

const purgeInterval = time.Minute

func newServeCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway, market feed and analyzer",
		Long: `Start the HTTP and WebSocket gateway together with the market data feed
and the portfolio analyzer. Runs until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.Config.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, app.Config, app.Logger)
		},
	}
}

// runServer builds every component, runs until ctx is done and tears them
// down in reverse order.
func runServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	if dir := filepath.Dir(cfg.Store.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating store directory: %w", err)
		}
	}
	st, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	audit, err := security.NewAuditLogger(cfg.Audit)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	defer audit.Close()

	bus := events.NewBus()
	defer bus.Close()

	health := resilience.NewHealthMonitor(cfg.HealthMonitorConfig(), logger)
	cache := market.NewPriceCache(cfg.Market.HistorySize)

	registry := stream.NewRegistry(cfg.RegistryConfig(), logger, stream.WithStateStore(st))
	if _, err := registry.Restore(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to purge stale connection records")
	}

	hub := stream.NewHub(logger)
	feed, err := buildFeed(cfg, hub, health, logger)
	if err != nil {
		return err
	}

	an := analyzer.New(cfg.Analysis, cache, st, bus, logger, analyzer.WithHistory(dailyHistory(feed, cfg.Analysis.HistoryDays)))
	defer an.Stop()

	// Order matters: the cache must hold a tick before the analyzer revalues
	// against it.
	hub.RegisterConsumer(cache)
	hub.RegisterConsumer(registry.Broadcaster())
	hub.RegisterConsumer(an)
	hub.RegisterConsumer(events.NewTickPublisher(bus))
	if err := hub.Start(ctx); err != nil {
		return fmt.Errorf("starting hub: %w", err)
	}
	defer hub.Stop()

	feed.AddSymbolSource(registry.Symbols)
	feed.AddSymbolSource(an.Symbols)

	health.RegisterComponent("hub", func(context.Context) resilience.ComponentHealth {
		h := resilience.ComponentHealth{Name: "hub", Status: resilience.HealthStatusHealthy, LastCheck: time.Now()}
		if !hub.IsStarted() {
			h.Status = resilience.HealthStatusUnhealthy
			h.Message = "tick hub stopped"
		}
		return h
	})

	if cfg.Events.Kafka.Enabled {
		sink, err := events.NewKafkaSink(cfg.Events.Kafka, logger)
		if err != nil {
			return fmt.Errorf("connecting event sink: %w", err)
		}
		defer sink.Close()
		go sink.Run(ctx, bus)
	}

	auth := security.NewAuthenticator(cfg.AuthConfig(),
		security.WithAuditLogger(audit),
		security.WithLogger(logger))

	server := gateway.NewServer(cfg.GatewayConfig(), gateway.Deps{
		Auth:       auth,
		Registry:   registry,
		Analyzer:   an,
		Portfolios: st,
		Prices:     cache,
		Bus:        bus,
		Feed:       feed,
		Hub:        hub,
		Health:     health,
		Audit:      audit,
	}, logger)

	health.Start(ctx)
	feed.Start(ctx)

	var wg conc.WaitGroup
	wg.Go(func() { feed.PublishStatus(ctx, bus, cfg.Market.StatusInterval) })
	wg.Go(func() { purgeLoop(ctx, st, logger) })

	logger.Info().
		Str("mode", cfg.Mode).
		Str("addr", cfg.Server.Addr).
		Strs("providers", feed.ProviderNames()).
		Msg("Starting realtime service")

	err = server.Run(ctx)
	wg.Wait()
	logger.Info().Msg("Realtime service stopped")
	return err
}

// buildFeed creates the feed with the configured providers in order.
func buildFeed(cfg *config.Config, hub *stream.Hub, health *resilience.HealthMonitor, logger zerolog.Logger) (*market.Feed, error) {
	var providers []market.Provider
	for _, name := range cfg.Market.Providers {
		switch name {
		case config.ProviderYahoo:
			providers = append(providers, market.NewYahooProvider(cfg.Market.Yahoo.BaseURL, cfg.Market.Yahoo.Timeout))
		case config.ProviderSimulated:
			providers = append(providers, market.NewSimulatedProvider(cfg.Market.Simulated.Seed))
		default:
			return nil, fmt.Errorf("unknown market provider %q", name)
		}
	}

	opts := []market.FeedOption{market.WithProviders(providers...), market.WithHealth(health)}
	if cfg.Market.Hours.Timezone != "" {
		hours, err := market.NewMarketHours(cfg.Market.Hours)
		if err != nil {
			return nil, err
		}
		opts = append(opts, market.WithMarketHours(hours))
	}
	if cfg.Market.Kafka.Enabled {
		kf, err := market.NewKafkaFeed(cfg.Market.Kafka, logger)
		if err != nil {
			return nil, fmt.Errorf("connecting kafka feed: %w", err)
		}
		opts = append(opts, market.WithPushProviders(kf))
	}

	publish := func(tick models.MarketDataPoint) {
		if !hub.Publish(tick) {
			logger.Warn().Str("symbol", tick.Symbol).Msg("Tick hub full, tick dropped")
		}
	}
	return market.NewFeed(cfg.Market.FeedConfig, publish, logger, opts...), nil
}

// dailyHistory adapts the feed's daily series to the analyzer's close lookup.
func dailyHistory(feed *market.Feed, days int) analyzer.HistoryFunc {
	return func(ctx context.Context, symbol string) ([]float64, error) {
		series, err := feed.History(ctx, symbol, days)
		if err != nil {
			return nil, err
		}
		return market.Closes(series), nil
	}
}

// purgeLoop drops expired state entries.
func purgeLoop(ctx context.Context, st *store.SQLiteStore, logger zerolog.Logger) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := st.PurgeExpired(ctx); err != nil {
				logger.Warn().Err(err).Msg("Failed to purge expired state")
			}
		}
	}
}
