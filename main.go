package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"confluence-core/internal/analytics"
	"confluence-core/internal/api"
	"confluence-core/internal/app"
	"confluence-core/internal/balance"
	"confluence-core/internal/decision"
	"confluence-core/internal/events"
	"confluence-core/internal/execution"
	"confluence-core/internal/market"
	"confluence-core/internal/notify"
	"confluence-core/internal/position"
	"confluence-core/pkg/config"
	"confluence-core/pkg/db"
	"confluence-core/pkg/exchanges/sim"
	"confluence-core/pkg/types"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	log.Printf("starting confluence-core (venue=%s symbols=%v)", cfg.Venue, cfg.Symbols)

	pairEntries, riskParams, err := config.LoadPairs(cfg.PairsFile)
	if err != nil {
		log.Printf("pairs file: %v (using defaults)", err)
	}
	classify := buildClassifier(pairEntries)
	tickSizes := make(map[string]float64, len(pairEntries))
	for _, p := range pairEntries {
		if p.TickSize > 0 {
			tickSizes[p.Symbol] = p.TickSize
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core services
	bus := events.NewBus(cfg.BusQueueCapacity, cfg.BusPublishTimeout)
	pool := db.NewPool(cfg.StorageBaseDir, cfg.StoragePoolSize)
	defer pool.Close()

	retention := db.DefaultRetention()
	retention.Ticks = cfg.TickRetention
	retention.Candles1m = cfg.Candle1mRetention
	retention.CandlesHigher = cfg.CandleHiRetention
	retention.FVG = cfg.FVGRetention
	cleaner := db.NewCleaner(pool, cfg.StorageBaseDir, retention, cfg.CleanupInterval, func(reason, detail string) {
		bus.Publish(events.New(events.EventSystemError, events.SystemError{
			Component: "storage", Reason: reason, Detail: detail,
		}))
	})

	// Venue gateway. The simulated venue stands in until concrete adapters
	// are wired; it honors the full gateway contract.
	marketType := types.MarketType(cfg.MarketType)
	gateway := sim.New(sim.Config{
		Venue:          cfg.Venue,
		InitialBalance: cfg.SimInitialBalance,
		FeeRate:        cfg.SimFeeRate,
		SlippageBps:    cfg.SimSlippageBps,
	})

	// Ingestion
	var stream market.Stream
	if cfg.UseSimFeed || cfg.StreamURL == "" {
		stream = &market.SimStream{Venue: cfg.Venue, Market: marketType, StartPrice: 100}
	} else {
		stream = market.NewWSStream(cfg.StreamURL, cfg.Venue, marketType)
	}
	feed := &market.Feed{
		Bus:     bus,
		Pool:    pool,
		Stream:  stream,
		Venue:   cfg.Venue,
		Market:  marketType,
		Symbols: cfg.Symbols,
	}

	// Keep the simulated venue marked to market.
	bus.Subscribe(events.EventTradeTick, "sim-mark", func(_ context.Context, ev events.Event) error {
		if t, ok := ev.Payload.(types.Tick); ok {
			gateway.SetPrice(t.Pair.Symbol, t.Price)
		}
		return nil
	})

	// Analytics
	analyticsEngine := &analytics.Engine{
		Bus:  bus,
		Pool: pool,
		Opts: analytics.Options{
			Interval:            cfg.AnalyticsInterval,
			OrderFlowWindow:     cfg.OrderFlowWindow,
			ProfileWindow:       cfg.ProfileWindow,
			MeanReversionWindow: cfg.MeanReversionWindow,
			AutocorrSamples:     cfg.AutocorrSamples,
			TickSizes:           tickSizes,
		},
	}

	// Decision
	decisionEngine := &decision.Engine{Bus: bus, MinConfluence: cfg.MinConfluence}

	// Balance provider
	balanceMgr := balance.NewManager(gateway, 30*time.Second)
	balanceMgr.SetBalance(cfg.SimInitialBalance)

	// Position monitor
	monitor := &position.Monitor{
		Bus:  bus,
		Pool: pool,
		Venues: map[string]position.VenueRef{
			cfg.Venue: {Gateway: gateway, Market: marketType},
		},
		Params:        riskParams,
		CheckInterval: cfg.RiskCheckInterval,
		ReconTimeout:  cfg.ReconciliationWindow,
		InitialEquity: cfg.SimInitialBalance,
		Classify:      classify,
	}

	// Execution
	orders := execution.NewOrderManager()
	executionEngine := &execution.Engine{
		Bus:     bus,
		Gateway: gateway,
		Orders:  orders,
		Balance: balanceMgr,
		Pool:    pool,
		Opts: execution.Options{
			MinConfluence:    cfg.MinConfluence,
			MaxConcurrent:    cfg.MaxConcurrentPositions,
			SizePct:          cfg.PositionSizePct,
			MaxSizePct:       cfg.MaxPositionSizePct,
			MinRewardRisk:    cfg.MinRewardRisk,
			Retry:            retryPolicy(cfg),
			ReconcileTimeout: cfg.ReconcileTimeout,
			KnownVenues:      map[string]bool{cfg.Venue: true},
		},
		OpenPositions: func() int { return monitor.OpenCount() },
		Classify:      classify,
		TrailingPct:   func(c types.AssetClass) float64 { return riskParams.TrailingPct[c] },
	}

	// Notifications
	notifier := &notify.Router{Bus: bus}

	// Status API
	statusAPI := &api.Server{
		Addr:       ":" + cfg.Port,
		Bus:        bus,
		Pool:       pool,
		Monitor:    monitor,
		Orders:     orders,
		Execution:  executionEngine,
		Analytics:  analyticsEngine,
		VenueUsage: gateway,
		Venue:      cfg.Venue,
		Market:     marketType,
	}

	// The bus starts first and stops last; the supervisor stops in reverse
	// registration order.
	sup := app.NewSupervisor(10 * time.Second)
	sup.Register(bus)
	sup.Register(cleaner)
	sup.Register(balanceMgr)
	sup.Register(notifier)
	sup.Register(monitor)
	sup.Register(executionEngine)
	sup.Register(decisionEngine)
	sup.Register(analyticsEngine)
	sup.Register(feed)
	sup.Register(statusAPI)

	if err := sup.Start(ctx); err != nil {
		log.Fatalf("startup failed: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("shutting down")
	cancel()
	sup.Stop()
}

func buildClassifier(entries []config.PairEntry) func(string) types.AssetClass {
	bysym := make(map[string]types.AssetClass, len(entries))
	for _, e := range entries {
		if e.AssetClass != "" {
			bysym[e.Symbol] = types.AssetClass(e.AssetClass)
		}
	}
	return func(symbol string) types.AssetClass {
		if c, ok := bysym[symbol]; ok {
			return c
		}
		return config.ClassifySymbol(symbol)
	}
}

func retryPolicy(cfg *config.Config) execution.RetryPolicy {
	p := execution.DefaultRetryPolicy()
	if cfg.PlaceMaxRetries > 0 {
		p.MaxRetries = cfg.PlaceMaxRetries
	}
	if cfg.PlaceBaseDelay > 0 {
		p.BaseDelay = cfg.PlaceBaseDelay
	}
	if cfg.PlaceMaxDelay > 0 {
		p.MaxDelay = cfg.PlaceMaxDelay
	}
	return p
}
