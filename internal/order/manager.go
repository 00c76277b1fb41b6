// Package order converts aggregated signals into broker orders, enforces
// submission throttles and the emergency stop, tracks order lifecycle and
// reconciles fills.
package order

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-trading/engine/internal/config"
	"github.com/atlas-trading/engine/internal/events"
	"github.com/atlas-trading/engine/internal/risk"
	"github.com/atlas-trading/engine/internal/types"
)

// Submission errors.
var (
	ErrEmergencyStop    = errors.New("order manager: emergency stop active")
	ErrDailyCapExceeded = errors.New("order manager: daily order cap exceeded")
	ErrRiskRejected     = errors.New("order manager: rejected by risk")
	ErrOrderNotFound    = errors.New("order manager: order not found")
)

var (
	metricOrdersCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_orders_created_total",
		Help: "Orders created from aggregated signals.",
	})
	metricOrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_orders_rejected_total",
		Help: "Orders rejected before or at routing.",
	}, []string{"reason"})
	metricOrdersFilled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_orders_filled_total",
		Help: "Orders that reached filled status.",
	})
)

// Router is the slice of the broker router the order manager needs.
type Router interface {
	SubmitOrder(ctx context.Context, order *types.Order) (brokerOrderID, brokerID string, err error)
	CancelOrder(ctx context.Context, orderID string) (bool, error)
}

// PortfolioView supplies the read-only portfolio state risk checks need.
type PortfolioView interface {
	Snapshot() *types.Portfolio
	TotalValue() decimal.Decimal
}

// Stats is the order manager snapshot.
type Stats struct {
	OrdersCreated   int64 `json:"ordersCreated"`
	OrdersSubmitted int64 `json:"ordersSubmitted"`
	OrdersFilled    int64 `json:"ordersFilled"`
	OrdersCancelled int64 `json:"ordersCancelled"`
	OrdersRejected  int64 `json:"ordersRejected"`
	RiskRejections  int64 `json:"riskRejections"`
	DeferredPending int   `json:"deferredPending"`
	EmergencyStop   bool  `json:"emergencyStop"`
}

type deferred struct {
	signal    *types.AggregatedSignal
	orderType types.OrderType
	tif       types.TimeInForce
}

// Manager owns orders from creation until terminal status.
type Manager struct {
	logger    *zap.Logger
	cfg       config.OrderManagerConfig
	bus       *events.Bus
	riskMgr   *risk.Manager
	router    Router
	portfolio PortfolioView

	mu     sync.Mutex
	orders map[string]*types.Order

	// Throttles.
	dailyCount  int
	dailyReset  time.Time
	recentSubs  []time.Time
	deferredQ   []deferred

	// Stats.
	created   int64
	submitted int64
	filled    int64
	cancelled int64
	rejected  int64
	riskRej   int64

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager creates an order manager.
func NewManager(logger *zap.Logger, cfg config.OrderManagerConfig, bus *events.Bus, riskMgr *risk.Manager, router Router, portfolio PortfolioView) *Manager {
	if cfg.MaxOrdersPerMinute <= 0 {
		cfg.MaxOrdersPerMinute = 10
	}
	if cfg.MaxDailyOrders <= 0 {
		cfg.MaxDailyOrders = 100
	}
	if cfg.OrderTimeoutMinutes <= 0 {
		cfg.OrderTimeoutMinutes = 60
	}
	return &Manager{
		logger:     logger.Named("order-manager"),
		cfg:        cfg,
		bus:        bus,
		riskMgr:    riskMgr,
		router:     router,
		portfolio:  portfolio,
		orders:     make(map[string]*types.Order),
		dailyReset: nextMidnight(time.Now()),
	}
}

// Start subscribes to fills and launches the deferred-queue and lifecycle
// monitors.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.bus.Subscribe(types.EventTypeOrderFilled, events.NewHandler("order-manager-fills",
		func(ctx context.Context, event types.Event) error {
			if fill, ok := event.(*types.OrderFilledEvent); ok {
				m.ApplyFill(fill)
			}
			return nil
		}))

	m.wg.Add(1)
	go m.drainLoop(ctx)
	m.wg.Add(1)
	go m.lifecycleLoop(ctx)

	m.logger.Info("Order manager started",
		zap.Int("maxOrdersPerMinute", m.cfg.MaxOrdersPerMinute),
		zap.Int("maxDailyOrders", m.cfg.MaxDailyOrders),
	)
	return nil
}

// Stop halts the background loops and attempts to cancel pending orders.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	pending := make([]string, 0)
	for id, o := range m.orders {
		if o.Status == types.OrderStatusSubmitted || o.Status == types.OrderStatusPartiallyFilled {
			pending = append(pending, id)
		}
	}
	m.mu.Unlock()

	for _, id := range pending {
		if _, err := m.Cancel(ctx, id); err != nil {
			m.logger.Warn("Shutdown cancel failed", zap.String("orderId", id), zap.Error(err))
		}
	}
	cancel()
	m.wg.Wait()
}

// SubmitFromSignal runs the whole pipeline from aggregated signal to routed
// broker order. A deferred (rate-limited) submission returns an empty order
// id with no error.
func (m *Manager) SubmitFromSignal(ctx context.Context, signal *types.AggregatedSignal, orderType types.OrderType, tif types.TimeInForce) (string, error) {
	if m.riskMgr.EmergencyStopped() {
		m.countRejection("emergency_stop")
		if err := m.bus.Publish(&types.RiskViolationEvent{
			BaseEvent: types.NewBaseEvent(types.EventTypeRiskViolation, ""),
			Kind:      risk.KindEmergencyStop,
			Current:   1,
			Severity:  "critical",
			Symbol:    signal.Symbol,
		}); err != nil {
			m.logger.Debug("Emergency stop event dropped", zap.Error(err))
		}
		return "", ErrEmergencyStop
	}

	m.mu.Lock()
	now := time.Now()
	if now.After(m.dailyReset) {
		m.dailyCount = 0
		m.dailyReset = nextMidnight(now)
	}
	if m.dailyCount >= m.cfg.MaxDailyOrders {
		m.mu.Unlock()
		m.countRejection("daily_cap")
		return "", ErrDailyCapExceeded
	}
	m.recentSubs = pruneMinute(m.recentSubs, now)
	if len(m.recentSubs) >= m.cfg.MaxOrdersPerMinute {
		m.deferredQ = append(m.deferredQ, deferred{signal: signal, orderType: orderType, tif: tif})
		m.mu.Unlock()
		m.logger.Info("Submission deferred by rate limit",
			zap.String("symbol", signal.Symbol),
			zap.Int("queueDepth", len(m.deferredQ)),
		)
		return "", nil
	}
	m.recentSubs = append(m.recentSubs, now)
	m.dailyCount++
	m.mu.Unlock()

	portfolio := m.portfolio.Snapshot()

	if ok, violation := m.riskMgr.Validate(signal, portfolio); !ok {
		m.mu.Lock()
		m.riskRej++
		m.mu.Unlock()
		m.countRejection("risk")
		return "", fmt.Errorf("%w: %s", ErrRiskRejected, violation.Kind)
	}

	qty := m.riskMgr.PositionSize(signal, m.portfolio.TotalValue(), signal.Price)
	if qty.IsZero() {
		m.logger.Debug("Position size zero, no order",
			zap.String("symbol", signal.Symbol),
		)
		return "", nil
	}

	order := m.buildOrder(signal, orderType, tif, qty)

	m.mu.Lock()
	m.orders[order.ID] = order
	m.created++
	m.mu.Unlock()
	metricOrdersCreated.Inc()

	if err := m.bus.Publish(&types.OrderCreatedEvent{
		BaseEvent: types.NewBaseEvent(types.EventTypeOrderCreated, ""),
		OrderID:   order.ID,
		Symbol:    order.Symbol,
		Side:      order.Side,
		Quantity:  order.Quantity,
		OrderType: order.Type,
		Price:     order.Price,
		Strategy:  order.Strategy,
	}); err != nil {
		m.logger.Warn("Order created event dropped", zap.Error(err))
	}

	brokerOrderID, brokerID, err := m.router.SubmitOrder(ctx, order)
	if err != nil {
		m.transition(order.ID, types.OrderStatusRejected, "routing failed: "+err.Error())
		m.mu.Lock()
		m.rejected++
		m.mu.Unlock()
		m.countRejection("routing")
		return "", fmt.Errorf("order %s: routing: %w", order.ID, err)
	}

	m.mu.Lock()
	order.BrokerOrderID = brokerOrderID
	m.submitted++
	m.mu.Unlock()
	m.transition(order.ID, types.OrderStatusSubmitted, "routed to "+brokerID)

	m.logger.Info("Order submitted",
		zap.String("orderId", order.ID),
		zap.String("broker", brokerID),
		zap.String("symbol", order.Symbol),
		zap.String("side", string(order.Side)),
		zap.String("qty", order.Quantity.String()),
	)
	return order.ID, nil
}

func (m *Manager) buildOrder(signal *types.AggregatedSignal, orderType types.OrderType, tif types.TimeInForce, qty decimal.Decimal) *types.Order {
	side := types.OrderSideBuy
	if signal.Side == types.SignalSell {
		side = types.OrderSideSell
	}
	now := time.Now().UTC()
	order := &types.Order{
		ID:          newOrderID(),
		Symbol:      signal.Symbol,
		Side:        side,
		Quantity:    qty,
		Type:        orderType,
		TimeInForce: tif,
		Status:      types.OrderStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if orderType == types.OrderTypeLimit {
		order.Price = signal.Price
	}
	if len(signal.ContributingStrategies) > 0 {
		order.Strategy = signal.ContributingStrategies[0]
	}
	return order
}

// Cancel cancels an order through its broker and marks it cancelled.
func (m *Manager) Cancel(ctx context.Context, orderID string) (bool, error) {
	m.mu.Lock()
	order, ok := m.orders[orderID]
	if !ok {
		m.mu.Unlock()
		return false, ErrOrderNotFound
	}
	if order.Status.IsTerminal() {
		m.mu.Unlock()
		return false, nil
	}
	m.mu.Unlock()

	if order.BrokerOrderID != "" {
		if _, err := m.router.CancelOrder(ctx, orderID); err != nil {
			m.logger.Warn("Broker cancel failed", zap.String("orderId", orderID), zap.Error(err))
		}
	}

	m.transition(orderID, types.OrderStatusCancelled, "cancelled")
	m.mu.Lock()
	m.cancelled++
	m.mu.Unlock()
	return true, nil
}

// ApplyFill reconciles a fill with its order. Unknown fills are logged and
// dropped, never guessed at.
func (m *Manager) ApplyFill(fill *types.OrderFilledEvent) {
	m.mu.Lock()
	order, ok := m.orders[fill.OrderID]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn("Fill for unknown order dropped",
			zap.String("orderId", fill.OrderID),
			zap.String("fillId", fill.FillID),
		)
		return
	}
	if order.Status.IsTerminal() {
		m.mu.Unlock()
		m.logger.Warn("Fill for terminal order dropped",
			zap.String("orderId", fill.OrderID),
			zap.String("status", string(order.Status)),
		)
		return
	}

	newFilled := order.FilledQty.Add(fill.Quantity)
	if newFilled.GreaterThan(order.Quantity) {
		m.mu.Unlock()
		m.logger.Error("Fill exceeds order quantity",
			zap.String("orderId", fill.OrderID),
			zap.String("filled", newFilled.String()),
			zap.String("quantity", order.Quantity.String()),
		)
		m.riskMgr.TriggerEmergencyStop("overfill on order " + fill.OrderID)
		return
	}

	// Volume-weighted average fill price.
	prevNotional := order.AvgFillPrice.Mul(order.FilledQty)
	order.AvgFillPrice = prevNotional.Add(fill.Price.Mul(fill.Quantity)).Div(newFilled)
	order.FilledQty = newFilled
	order.Commission = order.Commission.Add(fill.Commission)
	order.UpdatedAt = time.Now().UTC()

	complete := order.FilledQty.Equal(order.Quantity)
	m.mu.Unlock()

	if complete {
		m.transition(fill.OrderID, types.OrderStatusFilled, "filled")
		m.mu.Lock()
		m.filled++
		m.mu.Unlock()
		metricOrdersFilled.Inc()
	} else {
		m.transition(fill.OrderID, types.OrderStatusPartiallyFilled, "partial fill")
	}
}

// transition moves an order to a new status and publishes OrderStatus.
// Terminal statuses are immutable.
func (m *Manager) transition(orderID string, to types.OrderStatus, reason string) {
	m.mu.Lock()
	order, ok := m.orders[orderID]
	if !ok {
		m.mu.Unlock()
		return
	}
	from := order.Status
	if from.IsTerminal() || from == to {
		m.mu.Unlock()
		return
	}
	order.Status = to
	order.UpdatedAt = time.Now().UTC()
	m.mu.Unlock()

	if err := m.bus.Publish(&types.OrderStatusEvent{
		BaseEvent: types.NewBaseEvent(types.EventTypeOrderStatus, ""),
		OrderID:   orderID,
		OldStatus: from,
		NewStatus: to,
		Reason:    reason,
	}); err != nil {
		m.logger.Debug("Order status event dropped", zap.Error(err))
	}
}

// GetOrder returns a copy of an order.
func (m *Manager) GetOrder(orderID string) (types.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return types.Order{}, false
	}
	return *order, true
}

// StrategyOf returns the strategy behind an order, if known.
func (m *Manager) StrategyOf(orderID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if order, ok := m.orders[orderID]; ok {
		return order.Strategy
	}
	return ""
}

// GetAllOrders returns copies of all orders, optionally filtered by status.
func (m *Manager) GetAllOrders(status types.OrderStatus) []types.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Order, 0, len(m.orders))
	for _, order := range m.orders {
		if status != "" && order.Status != status {
			continue
		}
		out = append(out, *order)
	}
	return out
}

// GetStats returns a snapshot of order activity.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		OrdersCreated:   m.created,
		OrdersSubmitted: m.submitted,
		OrdersFilled:    m.filled,
		OrdersCancelled: m.cancelled,
		OrdersRejected:  m.rejected,
		RiskRejections:  m.riskRej,
		DeferredPending: len(m.deferredQ),
		EmergencyStop:   m.riskMgr.EmergencyStopped(),
	}
}

// TriggerEmergencyStop trips the risk manager's stop switch and optionally
// cancels all open orders.
func (m *Manager) TriggerEmergencyStop(ctx context.Context, reason string, cancelOpen bool) {
	m.riskMgr.TriggerEmergencyStop(reason)
	if !cancelOpen {
		return
	}

	m.mu.Lock()
	open := make([]string, 0)
	for id, o := range m.orders {
		if !o.Status.IsTerminal() {
			open = append(open, id)
		}
	}
	m.mu.Unlock()

	for _, id := range open {
		if _, err := m.Cancel(ctx, id); err != nil {
			m.logger.Warn("Emergency cancel failed", zap.String("orderId", id), zap.Error(err))
		}
	}
	m.logger.Warn("Emergency stop cancelled open orders", zap.Int("count", len(open)))
}

// drainLoop retries deferred submissions once per second.
func (m *Manager) drainLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.drainDeferred(ctx)
		}
	}
}

func (m *Manager) drainDeferred(ctx context.Context) {
	m.mu.Lock()
	if len(m.deferredQ) == 0 {
		m.mu.Unlock()
		return
	}
	now := time.Now()
	m.recentSubs = pruneMinute(m.recentSubs, now)
	budget := m.cfg.MaxOrdersPerMinute - len(m.recentSubs)
	if budget <= 0 {
		m.mu.Unlock()
		return
	}
	if budget > len(m.deferredQ) {
		budget = len(m.deferredQ)
	}
	batch := make([]deferred, budget)
	copy(batch, m.deferredQ[:budget])
	m.deferredQ = m.deferredQ[budget:]
	m.mu.Unlock()

	for _, d := range batch {
		if _, err := m.SubmitFromSignal(ctx, d.signal, d.orderType, d.tif); err != nil {
			m.logger.Warn("Deferred submission failed",
				zap.String("symbol", d.signal.Symbol),
				zap.Error(err),
			)
		}
	}
}

// lifecycleLoop cancels stale working orders.
func (m *Manager) lifecycleLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.expireStaleOrders(ctx)
		}
	}
}

func (m *Manager) expireStaleOrders(ctx context.Context) {
	cutoff := time.Now().Add(-time.Duration(m.cfg.OrderTimeoutMinutes) * time.Minute)

	m.mu.Lock()
	stale := make([]string, 0)
	for id, o := range m.orders {
		if (o.Status == types.OrderStatusSubmitted || o.Status == types.OrderStatusPartiallyFilled) &&
			o.CreatedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		m.logger.Info("Cancelling stale order", zap.String("orderId", id))
		if _, err := m.Cancel(ctx, id); err != nil {
			m.logger.Warn("Stale cancel failed", zap.String("orderId", id), zap.Error(err))
		}
	}
}

func (m *Manager) countRejection(reason string) {
	metricOrdersRejected.WithLabelValues(reason).Inc()
}

func newOrderID() string {
	u := uuid.New()
	return "ORD_" + hex.EncodeToString(u[:])[:12]
}

func nextMidnight(now time.Time) time.Time {
	y, mo, d := now.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, now.Location()).Add(24 * time.Hour)
}

func pruneMinute(ts []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-time.Minute)
	out := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}
