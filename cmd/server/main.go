// Package main wires the trading engine: event bus, market data gateway,
// strategy manager, risk, order routing and the portfolio bookkeeper.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atlas-trading/engine/internal/broker"
	"github.com/atlas-trading/engine/internal/brokerhealth"
	"github.com/atlas-trading/engine/internal/brokerrouter"
	"github.com/atlas-trading/engine/internal/config"
	"github.com/atlas-trading/engine/internal/controlsurface"
	"github.com/atlas-trading/engine/internal/events"
	"github.com/atlas-trading/engine/internal/marketdata"
	"github.com/atlas-trading/engine/internal/order"
	"github.com/atlas-trading/engine/internal/portfolio"
	"github.com/atlas-trading/engine/internal/risk"
	"github.com/atlas-trading/engine/internal/strategymanager"
	"github.com/atlas-trading/engine/internal/types"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	logger.Info("Starting trading engine",
		zap.Float64("initialCash", cfg.InitialCash),
		zap.String("aggregation", cfg.Strategy.AggregationMethod),
		zap.String("routing", cfg.Router.FailoverStrategy),
		zap.Int("brokers", len(cfg.Brokers)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus(logger, cfg.EventBus)
	if err := bus.Start(ctx); err != nil {
		logger.Fatal("Failed to start event bus", zap.Error(err))
	}

	portfolioMgr := portfolio.NewManager(logger, cfg.Portfolio, bus,
		decimal.NewFromFloat(cfg.InitialCash))

	riskMgr := risk.NewManager(logger, cfg.Risk, bus, nil, nil)

	strategyMgr := strategymanager.NewManager(logger, cfg.Strategy, bus,
		decimal.NewFromFloat(cfg.TotalCapital), cfg.MaxPortfolioRisk, portfolioMgr)

	healthMon := brokerhealth.NewMonitor(logger, cfg.Health, bus)
	router := brokerrouter.NewRouter(logger, cfg.Router, bus, healthMon)

	orderMgr := order.NewManager(logger, cfg.Order, bus, riskMgr, router, portfolioMgr)

	// Broker venues from config. Adapter fills go straight onto the bus;
	// both the order manager and the portfolio subscribe there.
	fillSink := func(fill *types.OrderFilledEvent) {
		if err := bus.Publish(fill); err != nil {
			logger.Error("Fill event dropped, reconciliation needed",
				zap.String("orderId", fill.OrderID),
				zap.Error(err),
			)
		}
	}
	for _, entry := range cfg.Brokers {
		if !entry.Enabled {
			continue
		}
		adapter, err := buildAdapter(logger, entry)
		if err != nil {
			logger.Error("Skipping broker", zap.String("broker", entry.ID), zap.Error(err))
			continue
		}
		adapter.SetFillCallback(fillSink)
		if err := adapter.Connect(ctx); err != nil {
			logger.Error("Broker connect failed", zap.String("broker", entry.ID), zap.Error(err))
		}
		router.AddBroker(entry.ToBrokerConfig(), adapter)
		healthMon.Track(adapter)
	}

	// Cross-component wiring. The bus breaks the order/portfolio cycle:
	// these callbacks only carry read-side notifications.
	strategyMgr.OnAggregated = func(signal *types.AggregatedSignal) {
		if _, err := orderMgr.SubmitFromSignal(ctx, signal, types.OrderTypeLimit, types.TimeInForceDay); err != nil {
			logger.Debug("Aggregated signal rejected",
				zap.String("symbol", signal.Symbol),
				zap.Error(err),
			)
		}
	}
	portfolioMgr.StrategyResolver = orderMgr.StrategyOf
	portfolioMgr.OnRealized = func(strategy string, pnl decimal.Decimal) {
		if strategy != "" {
			strategyMgr.RecordTradeResult(strategy, pnl)
		}
		riskMgr.RecordTradeOutcome(pnl)
	}
	portfolioMgr.OnValuation = riskMgr.UpdatePortfolioValue
	portfolioMgr.OnFatal = func(reason string) {
		orderMgr.TriggerEmergencyStop(ctx, reason, true)
	}

	// Risk volatility estimates ride the market data stream.
	bus.Subscribe(types.EventTypeMarketData, events.NewHandler("risk-closes",
		func(ctx context.Context, event types.Event) error {
			if md, ok := event.(*types.MarketDataEvent); ok {
				riskMgr.ObserveClose(md.Symbol, md.Close)
			}
			return nil
		}))

	gateway := marketdata.NewGateway(logger, marketdata.DefaultConfig(), bus)

	if err := portfolioMgr.Start(ctx); err != nil {
		logger.Fatal("Failed to start portfolio manager", zap.Error(err))
	}
	if err := strategyMgr.Start(ctx); err != nil {
		logger.Fatal("Failed to start strategy manager", zap.Error(err))
	}
	if err := orderMgr.Start(ctx); err != nil {
		logger.Fatal("Failed to start order manager", zap.Error(err))
	}
	if err := healthMon.Start(ctx); err != nil {
		logger.Fatal("Failed to start health monitor", zap.Error(err))
	}

	var surface *controlsurface.Server
	if cfg.Server.Enabled {
		surface = controlsurface.NewServer(logger, cfg.Server, bus, &engineStats{
			orders:    orderMgr,
			router:    router,
			portfolio: portfolioMgr,
			health:    healthMon,
			gateway:   gateway,
			risk:      riskMgr,
		})
		if err := surface.Start(ctx); err != nil {
			logger.Fatal("Failed to start control surface", zap.Error(err))
		}
	}

	logger.Info("Trading engine running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	gateway.Stop()
	strategyMgr.Stop(shutdownCtx)
	orderMgr.Stop(shutdownCtx)
	healthMon.Stop()
	portfolioMgr.Stop()
	if surface != nil {
		if err := surface.Stop(shutdownCtx); err != nil {
			logger.Warn("Control surface shutdown error", zap.Error(err))
		}
	}
	bus.Stop(10 * time.Second)
	cancel()

	logger.Info("Shutdown complete")
}

// buildAdapter constructs a broker adapter from its config entry.
func buildAdapter(logger *zap.Logger, entry config.BrokerEntry) (broker.Adapter, error) {
	switch entry.Kind {
	case "paper":
		return broker.NewPaper(logger, broker.DefaultPaperConfig(entry.ID)), nil
	case "rest":
		baseURL := entry.Params["base_url"]
		if baseURL == "" {
			return nil, fmt.Errorf("broker %s: base_url param required", entry.ID)
		}
		apiKey := entry.Params["api_key"]
		if env := entry.Params["api_key_env"]; env != "" {
			apiKey = os.Getenv(env)
		}
		return broker.NewREST(logger, broker.DefaultRESTConfig(entry.ID, baseURL, apiKey)), nil
	default:
		return nil, fmt.Errorf("broker %s: unknown kind %q", entry.ID, entry.Kind)
	}
}

// engineStats aggregates component snapshots for the control surface.
type engineStats struct {
	orders    *order.Manager
	router    *brokerrouter.Router
	portfolio *portfolio.Manager
	health    *brokerhealth.Monitor
	gateway   *marketdata.Gateway
	risk      *risk.Manager
}

func (e *engineStats) EngineStats() map[string]any {
	published, dropped := e.gateway.Stats()
	return map[string]any{
		"orders":      e.orders.GetStats(),
		"routing":     e.router.GetStats(),
		"brokers":     e.health.AllHealth(),
		"portfolio":   e.portfolio.Snapshot(),
		"performance": e.portfolio.Performance(),
		"riskMetrics": e.risk.Metrics(e.portfolio.Snapshot()),
		"marketData":  map[string]int64{"published": published, "dropped": dropped},
	}
}

// setupLogger builds the engine logger with a console encoder.
func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	logger, err := cfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}
