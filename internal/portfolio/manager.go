// Package portfolio is the authoritative bookkeeper for positions, cash and
// P&L. State is updated only by events: fills mutate positions and cash,
// market data refreshes valuations. Nothing else writes here.
package portfolio

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-trading/engine/internal/config"
	"github.com/atlas-trading/engine/internal/events"
	"github.com/atlas-trading/engine/internal/types"
)

// maxDailyHistory bounds the rolling daily value/return deques (~5 years).
const maxDailyHistory = 1826

var (
	metricEquity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_portfolio_total_value",
		Help: "Current total portfolio value.",
	})
	metricCash = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_portfolio_cash",
		Help: "Current portfolio cash.",
	})
	metricRealized = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_portfolio_realized_pnl",
		Help: "Cumulative realized P&L.",
	})
)

// Manager owns the portfolio. All mutations are serialised through its
// mutex; handlers process one event at a time.
type Manager struct {
	logger *zap.Logger
	cfg    config.PortfolioConfig
	bus    *events.Bus

	mu          sync.RWMutex
	portfolio   *types.Portfolio
	lastPrices  map[string]decimal.Decimal
	realizedPnL decimal.Decimal

	// Valuation history (one entry per calendar day).
	dailyValues  []decimal.Decimal
	dailyReturns []float64
	lastValueDay time.Time
	peakValue    decimal.Decimal
	currentDD    float64
	maxDD        float64

	// Realised trade results for win-rate / profit-factor.
	tradePnLs []decimal.Decimal

	perfMu      sync.RWMutex
	performance map[string]float64

	// StrategyResolver maps an order id to its originating strategy; the
	// order manager provides it at wiring time.
	StrategyResolver func(orderID string) string
	// OnRealized is invoked with every realised trade P&L.
	OnRealized func(strategy string, pnl decimal.Decimal)
	// OnValuation is invoked after each valuation tick with the total value.
	OnValuation func(total decimal.Decimal, ts time.Time)
	// OnFatal is invoked on unrecoverable invariant violations (e.g.
	// negative cash); the wiring routes this into the emergency stop.
	OnFatal func(reason string)

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager creates a portfolio manager seeded with initial cash.
func NewManager(logger *zap.Logger, cfg config.PortfolioConfig, bus *events.Bus, initialCash decimal.Decimal) *Manager {
	if cfg.ValuationInterval <= 0 {
		cfg.ValuationInterval = 60 * time.Second
	}
	if cfg.PerformanceFrequency <= 0 {
		cfg.PerformanceFrequency = 300 * time.Second
	}
	return &Manager{
		logger: logger.Named("portfolio"),
		cfg:    cfg,
		bus:    bus,
		portfolio: &types.Portfolio{
			InitialCash: initialCash,
			Cash:        initialCash,
			Positions:   make(map[string]*types.Position),
			CreatedAt:   time.Now().UTC(),
		},
		lastPrices:  make(map[string]decimal.Decimal),
		peakValue:   initialCash,
		performance: make(map[string]float64),
	}
}

// Start subscribes to fills and market data and launches the background
// valuation and performance loops.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.bus.Subscribe(types.EventTypeOrderFilled, events.NewHandler("portfolio-fills",
		func(ctx context.Context, event types.Event) error {
			if fill, ok := event.(*types.OrderFilledEvent); ok {
				m.ApplyFill(fill)
			}
			return nil
		}))

	m.bus.Subscribe(types.EventTypeMarketData, events.NewHandler("portfolio-prices",
		func(ctx context.Context, event types.Event) error {
			if md, ok := event.(*types.MarketDataEvent); ok {
				m.UpdatePrice(md.Symbol, md.Close)
			}
			return nil
		}))

	m.wg.Add(1)
	go m.valuationLoop(ctx)
	m.wg.Add(1)
	go m.performanceLoop(ctx)

	m.logger.Info("Portfolio manager started",
		zap.String("initialCash", m.portfolio.InitialCash.String()),
	)
	return nil
}

// Stop halts the background loops.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()
	cancel()
	m.wg.Wait()
}

// ApplyFill applies an execution to positions and cash. Adds extend the
// weighted average cost; reductions realise P&L; crossing zero closes the
// old leg and opens a fresh one at the fill price.
func (m *Manager) ApplyFill(fill *types.OrderFilledEvent) {
	qty := fill.SignedQuantity()
	if qty.IsZero() {
		return
	}

	m.mu.Lock()

	pos, exists := m.portfolio.Positions[fill.Symbol]
	oldQty := decimal.Zero
	if exists {
		oldQty = pos.Quantity
	}

	realized := decimal.Zero
	now := time.Now().UTC()

	switch {
	case !exists || oldQty.IsZero():
		pos = &types.Position{
			Symbol:          fill.Symbol,
			Quantity:        qty,
			AvgCost:         fill.Price,
			FirstAcquiredAt: now,
		}
		m.portfolio.Positions[fill.Symbol] = pos

	case oldQty.Sign() == qty.Sign():
		// Extending: weighted-average the cost basis.
		newQty := oldQty.Add(qty)
		pos.AvgCost = oldQty.Abs().Mul(pos.AvgCost).Add(qty.Abs().Mul(fill.Price)).Div(newQty.Abs())
		pos.Quantity = newQty

	default:
		// Reducing, closing or reversing.
		closeQty := decimal.Min(oldQty.Abs(), qty.Abs())
		// realized = close_qty * (price - avg_cost), sign flipped for shorts.
		perUnit := fill.Price.Sub(pos.AvgCost)
		if oldQty.IsNegative() {
			perUnit = perUnit.Neg()
		}
		realized = closeQty.Mul(perUnit)
		pos.RealizedPnL = pos.RealizedPnL.Add(realized)
		m.realizedPnL = m.realizedPnL.Add(realized)

		newQty := oldQty.Add(qty)
		if newQty.IsZero() {
			delete(m.portfolio.Positions, fill.Symbol)
			pos = nil
		} else if newQty.Sign() != oldQty.Sign() {
			// Crossed zero: fresh opposite leg at the fill price.
			pos.Quantity = newQty
			pos.AvgCost = fill.Price
			pos.FirstAcquiredAt = now
		} else {
			pos.Quantity = newQty
		}
	}

	// Cash moves by qty*price plus commission, always subtracted.
	m.portfolio.Cash = m.portfolio.Cash.Sub(qty.Mul(fill.Price)).Sub(fill.Commission)

	if pos != nil {
		price := m.lastPrices[fill.Symbol]
		if price.IsZero() {
			price = fill.Price
		}
		pos.Refresh(price, now)
	}

	newQty := decimal.Zero
	if pos != nil {
		newQty = pos.Quantity
	}
	cashNegative := m.portfolio.Cash.IsNegative()
	if !realized.IsZero() {
		m.tradePnLs = append(m.tradePnLs, realized)
		if len(m.tradePnLs) > 10000 {
			m.tradePnLs = m.tradePnLs[len(m.tradePnLs)-10000:]
		}
	}
	m.mu.Unlock()

	metricRealized.Set(decimalToFloat(m.RealizedPnL()))

	if err := m.bus.Publish(&types.PositionChangedEvent{
		BaseEvent:   types.NewBaseEvent(types.EventTypePositionChanged, fill.GetCorrelationID()),
		Symbol:      fill.Symbol,
		OldQuantity: oldQty,
		NewQuantity: newQty,
		Price:       fill.Price,
		Reason:      "fill " + fill.FillID,
	}); err != nil {
		m.logger.Warn("Position change event dropped", zap.Error(err))
	}

	if !realized.IsZero() && m.OnRealized != nil {
		strategy := ""
		if m.StrategyResolver != nil {
			strategy = m.StrategyResolver(fill.OrderID)
		}
		m.OnRealized(strategy, realized)
	}

	if cashNegative {
		m.logger.Error("Cash went negative after fill",
			zap.String("orderId", fill.OrderID),
			zap.String("cash", m.Cash().String()),
		)
		if m.OnFatal != nil {
			m.OnFatal("negative cash after fill " + fill.FillID)
		}
	}

	m.Valuate(time.Now().UTC())
}

// UpdatePrice records a market price and refreshes any held position.
func (m *Manager) UpdatePrice(symbol string, price decimal.Decimal) {
	if price.IsZero() || price.IsNegative() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastPrices[symbol] = price
	if pos, ok := m.portfolio.Positions[symbol]; ok {
		pos.Refresh(price, time.Now().UTC())
	}
}

// Valuate refreshes all market values, updates drawdown and the daily
// history, and publishes a PortfolioValue event.
func (m *Manager) Valuate(ts time.Time) {
	m.mu.Lock()

	positionsValue := decimal.Zero
	unrealized := decimal.Zero
	for symbol, pos := range m.portfolio.Positions {
		if price, ok := m.lastPrices[symbol]; ok {
			pos.Refresh(price, ts)
		}
		positionsValue = positionsValue.Add(pos.MarketValue)
		unrealized = unrealized.Add(pos.UnrealizedPnL)
	}
	total := m.portfolio.Cash.Add(positionsValue)

	if total.GreaterThan(m.peakValue) {
		m.peakValue = total
	}
	if m.peakValue.IsPositive() {
		m.currentDD, _ = m.peakValue.Sub(total).Div(m.peakValue).Float64()
		if m.currentDD > m.maxDD {
			m.maxDD = m.currentDD
		}
	}

	var dailyReturn float64
	day := ts.Truncate(24 * time.Hour)
	if m.lastValueDay.IsZero() || day.After(m.lastValueDay) {
		if n := len(m.dailyValues); n > 0 {
			prev := m.dailyValues[n-1]
			if prev.IsPositive() {
				dailyReturn, _ = total.Sub(prev).Div(prev).Float64()
				m.dailyReturns = append(m.dailyReturns, dailyReturn)
				if len(m.dailyReturns) > maxDailyHistory {
					m.dailyReturns = m.dailyReturns[len(m.dailyReturns)-maxDailyHistory:]
				}
			}
		}
		m.dailyValues = append(m.dailyValues, total)
		if len(m.dailyValues) > maxDailyHistory {
			m.dailyValues = m.dailyValues[len(m.dailyValues)-maxDailyHistory:]
		}
		m.lastValueDay = day
	} else {
		// Same day: keep the latest value.
		m.dailyValues[len(m.dailyValues)-1] = total
	}

	cash := m.portfolio.Cash
	realized := m.realizedPnL
	totalReturn, _ := m.portfolio.TotalReturn().Float64()
	m.mu.Unlock()

	metricEquity.Set(decimalToFloat(total))
	metricCash.Set(decimalToFloat(cash))

	if err := m.bus.Publish(&types.PortfolioValueEvent{
		BaseEvent:      types.NewBaseEvent(types.EventTypePortfolioValue, ""),
		TotalValue:     total,
		Cash:           cash,
		PositionsValue: positionsValue,
		RealizedPnL:    realized,
		UnrealizedPnL:  unrealized,
		DailyReturn:    dailyReturn,
		TotalReturn:    totalReturn,
	}); err != nil {
		m.logger.Debug("Portfolio value event dropped", zap.Error(err))
	}

	if m.OnValuation != nil {
		m.OnValuation(total, ts)
	}
}

func (m *Manager) valuationLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.ValuationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Valuate(time.Now().UTC())
		}
	}
}

// Snapshot returns a deep copy of the current portfolio.
func (m *Manager) Snapshot() *types.Portfolio {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := &types.Portfolio{
		InitialCash: m.portfolio.InitialCash,
		Cash:        m.portfolio.Cash,
		Positions:   make(map[string]*types.Position, len(m.portfolio.Positions)),
		CreatedAt:   m.portfolio.CreatedAt,
	}
	for symbol, pos := range m.portfolio.Positions {
		cp := *pos
		out.Positions[symbol] = &cp
	}
	return out
}

// GetPosition returns a copy of one position, if held.
func (m *Manager) GetPosition(symbol string) (types.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, ok := m.portfolio.Positions[symbol]
	if !ok {
		return types.Position{}, false
	}
	return *pos, true
}

// Cash returns the current cash balance.
func (m *Manager) Cash() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.portfolio.Cash
}

// TotalValue returns the current total portfolio value.
func (m *Manager) TotalValue() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.portfolio.TotalValue()
}

// RealizedPnL returns cumulative realised P&L.
func (m *Manager) RealizedPnL() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.realizedPnL
}

// GrossExposure implements the read-only view used by the aggregator.
func (m *Manager) GrossExposure() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.portfolio.GrossExposure()
}

// Drawdown returns (current, max).
func (m *Manager) Drawdown() (float64, float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentDD, m.maxDD
}

func decimalToFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
