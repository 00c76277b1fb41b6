// Package brokerrouter selects a broker per order under a routing policy,
// applies per-broker rate limits and circuit breakers, and fails over to
// the next candidate when a venue errors.
package brokerrouter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/atlas-trading/engine/internal/broker"
	"github.com/atlas-trading/engine/internal/config"
	"github.com/atlas-trading/engine/internal/events"
	"github.com/atlas-trading/engine/internal/types"
)

// Routing policies.
const (
	PolicyPriority    = "priority"
	PolicyRoundRobin  = "round_robin"
	PolicyHealth      = "health"
	PolicyPerformance = "performance"
)

// ErrNoBrokerAvailable is returned when no candidate can take the order.
var ErrNoBrokerAvailable = errors.New("broker router: no broker available")

// Performance-policy weights.
const (
	perfResponseWeight = 0.4
	perfSuccessWeight  = 0.5
	perfLoadWeight     = 0.1
)

var (
	metricRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_orders_routed_total",
		Help: "Orders routed, labelled by broker.",
	}, []string{"broker"})
	metricFailovers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_broker_failovers_total",
		Help: "Failed submit attempts that moved to the next candidate.",
	})
)

// HealthSource supplies derived broker health; the health monitor
// implements it. A nil source treats every broker as usable.
type HealthSource interface {
	Health(brokerID string) (types.BrokerHealth, bool)
	AllHealth() map[string]types.BrokerHealth
}

// BrokerStats is the per-broker routing record.
type BrokerStats struct {
	OrdersRouted   int64     `json:"ordersRouted"`
	OrdersFailed   int64     `json:"ordersFailed"`
	LastUsed       time.Time `json:"lastUsed"`
	OrdersLastMin  int       `json:"ordersLastMin"`
}

// Stats is the router-wide snapshot.
type Stats struct {
	OrdersRouted   int64                  `json:"ordersRouted"`
	OrdersFailed   int64                  `json:"ordersFailed"`
	FailoverEvents int64                  `json:"failoverEvents"`
	PerBroker      map[string]BrokerStats `json:"perBroker"`
}

// entry is one registered broker.
type entry struct {
	cfg     types.BrokerConfig
	adapter broker.Adapter
	breaker *circuitBreaker

	ordersRouted int64
	ordersFailed int64
	lastUsed     time.Time
	recentOrders []time.Time // submissions within the last minute
}

// Router routes orders across registered brokers.
type Router struct {
	logger *zap.Logger
	cfg    config.BrokerRouterConfig
	bus    *events.Bus
	health HealthSource

	mu       sync.Mutex
	brokers  map[string]*entry
	rrCursor int

	// order id -> (broker id, broker order id); weak references back to
	// orders the order manager owns.
	routes map[string]route

	failoverEvents int64
	totalRouted    int64
	totalFailed    int64
}

type route struct {
	brokerID      string
	brokerOrderID string
}

// NewRouter creates a broker router.
func NewRouter(logger *zap.Logger, cfg config.BrokerRouterConfig, bus *events.Bus, health HealthSource) *Router {
	if cfg.MaxFailoverAttempts <= 0 {
		cfg.MaxFailoverAttempts = 3
	}
	return &Router{
		logger:  logger.Named("broker-router"),
		cfg:     cfg,
		bus:     bus,
		health:  health,
		brokers: make(map[string]*entry),
		routes:  make(map[string]route),
	}
}

// AddBroker registers a broker venue.
func (r *Router) AddBroker(cfg types.BrokerConfig, adapter broker.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.brokers[cfg.ID] = &entry{
		cfg:     cfg,
		adapter: adapter,
		breaker: newCircuitBreaker(5, 60*time.Second),
	}
	r.logger.Info("Broker added",
		zap.String("broker", cfg.ID),
		zap.String("kind", cfg.Kind),
		zap.Int("priority", cfg.Priority),
	)
}

// RemoveBroker unregisters a venue.
func (r *Router) RemoveBroker(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.brokers, id)
}

// SubmitOrder routes an order to the best candidate under the active
// policy, failing over through the candidate list on errors. Returns the
// broker order id and the chosen broker id.
func (r *Router) SubmitOrder(ctx context.Context, order *types.Order) (string, string, error) {
	candidates := r.candidates(order)
	if len(candidates) == 0 {
		return "", "", ErrNoBrokerAvailable
	}

	attempts := r.cfg.MaxFailoverAttempts
	if attempts > len(candidates) {
		attempts = len(candidates)
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		e := candidates[i]
		brokerOrderID, err := e.adapter.SubmitOrder(ctx, order)
		if err == nil {
			e.breaker.RecordSuccess()
			r.recordSuccess(e, order.ID, brokerOrderID)
			metricRouted.WithLabelValues(e.cfg.ID).Inc()
			return brokerOrderID, e.cfg.ID, nil
		}

		lastErr = err
		e.breaker.RecordFailure()
		r.recordFailure(e)
		metricFailovers.Inc()
		r.logger.Warn("Broker submit failed, failing over",
			zap.String("broker", e.cfg.ID),
			zap.String("orderId", order.ID),
			zap.Int("attempt", i+1),
			zap.Error(err),
		)
		r.emitFailover(e.cfg.ID, order.ID, err)
	}

	return "", "", fmt.Errorf("%w: %d attempts failed: %v", ErrNoBrokerAvailable, attempts, lastErr)
}

// CancelOrder cancels through the broker that holds the order.
func (r *Router) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	r.mu.Lock()
	rt, ok := r.routes[orderID]
	var e *entry
	if ok {
		e = r.brokers[rt.brokerID]
	}
	r.mu.Unlock()

	if !ok || e == nil {
		return false, fmt.Errorf("broker router: no route for order %s", orderID)
	}
	return e.adapter.CancelOrder(ctx, rt.brokerOrderID)
}

// RouteOf returns the (brokerID, brokerOrderID) an order was routed to.
func (r *Router) RouteOf(orderID string) (string, string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.routes[orderID]
	return rt.brokerID, rt.brokerOrderID, ok
}

// GetAccountInfo aggregates account snapshots across connected brokers.
func (r *Router) GetAccountInfo(ctx context.Context) (*types.AccountInfo, error) {
	r.mu.Lock()
	adapters := make([]broker.Adapter, 0, len(r.brokers))
	for _, e := range r.brokers {
		adapters = append(adapters, e.adapter)
	}
	r.mu.Unlock()

	var agg types.AccountInfo
	var any bool
	for _, a := range adapters {
		info, err := a.GetAccountInfo(ctx)
		if err != nil {
			continue
		}
		any = true
		agg.Cash = agg.Cash.Add(info.Cash)
		agg.BuyingPower = agg.BuyingPower.Add(info.BuyingPower)
		agg.PortfolioValue = agg.PortfolioValue.Add(info.PortfolioValue)
		agg.TradeSuspended = agg.TradeSuspended || info.TradeSuspended
	}
	if !any {
		return nil, ErrNoBrokerAvailable
	}
	agg.AccountID = "aggregate"
	return &agg, nil
}

// GetPositions aggregates positions across connected brokers.
func (r *Router) GetPositions(ctx context.Context) ([]types.BrokerPosition, error) {
	r.mu.Lock()
	adapters := make([]broker.Adapter, 0, len(r.brokers))
	for _, e := range r.brokers {
		adapters = append(adapters, e.adapter)
	}
	r.mu.Unlock()

	bySymbol := make(map[string]*types.BrokerPosition)
	for _, a := range adapters {
		positions, err := a.GetPositions(ctx)
		if err != nil {
			continue
		}
		for _, p := range positions {
			agg, ok := bySymbol[p.Symbol]
			if !ok {
				cp := p
				bySymbol[p.Symbol] = &cp
				continue
			}
			agg.Quantity = agg.Quantity.Add(p.Quantity)
			agg.MarketValue = agg.MarketValue.Add(p.MarketValue)
		}
	}
	out := make([]types.BrokerPosition, 0, len(bySymbol))
	for _, p := range bySymbol {
		out = append(out, *p)
	}
	return out, nil
}

// AllHealth exposes the health source's view.
func (r *Router) AllHealth() map[string]types.BrokerHealth {
	if r.health == nil {
		return nil
	}
	return r.health.AllHealth()
}

// GetStats returns a routing snapshot.
func (r *Router) GetStats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	per := make(map[string]BrokerStats, len(r.brokers))
	for id, e := range r.brokers {
		per[id] = BrokerStats{
			OrdersRouted:  e.ordersRouted,
			OrdersFailed:  e.ordersFailed,
			LastUsed:      e.lastUsed,
			OrdersLastMin: countRecent(e.recentOrders, now),
		}
	}
	return Stats{
		OrdersRouted:   r.totalRouted,
		OrdersFailed:   r.totalFailed,
		FailoverEvents: r.failoverEvents,
		PerBroker:      per,
	}
}

// candidates filters and orders the brokers for one order.
func (r *Router) candidates(order *types.Order) []*entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	eligible := make([]*entry, 0, len(r.brokers))
	for id, e := range r.brokers {
		if !e.cfg.Enabled {
			continue
		}
		if !e.breaker.Allow() {
			continue
		}
		if r.health != nil {
			if h, ok := r.health.Health(id); ok {
				if h.Status != types.HealthHealthy && h.Status != types.HealthWarning && h.Status != types.HealthUnknown {
					continue
				}
			}
		}
		if e.cfg.MaxOrdersPerMinute > 0 && countRecent(e.recentOrders, now) >= e.cfg.MaxOrdersPerMinute {
			continue
		}
		if !e.cfg.MaxOrderValue.IsZero() && order.Notional().GreaterThan(e.cfg.MaxOrderValue) {
			continue
		}
		eligible = append(eligible, e)
	}

	switch r.cfg.FailoverStrategy {
	case PolicyRoundRobin:
		sort.Slice(eligible, func(i, j int) bool { return eligible[i].cfg.ID < eligible[j].cfg.ID })
		if len(eligible) > 1 {
			offset := r.rrCursor % len(eligible)
			rotated := make([]*entry, 0, len(eligible))
			rotated = append(rotated, eligible[offset:]...)
			rotated = append(rotated, eligible[:offset]...)
			eligible = rotated
			r.rrCursor++
		}

	case PolicyHealth:
		sort.SliceStable(eligible, func(i, j int) bool {
			return r.healthScore(eligible[i]) > r.healthScore(eligible[j])
		})

	case PolicyPerformance:
		sort.SliceStable(eligible, func(i, j int) bool {
			return r.perfScore(eligible[i], now) > r.perfScore(eligible[j], now)
		})

	default: // priority: lowest number first, least-recently-used within a tie
		sort.SliceStable(eligible, func(i, j int) bool {
			if eligible[i].cfg.Priority != eligible[j].cfg.Priority {
				return eligible[i].cfg.Priority < eligible[j].cfg.Priority
			}
			return eligible[i].lastUsed.Before(eligible[j].lastUsed)
		})
	}

	if r.cfg.EnableLoadBalancing && len(eligible) > 1 {
		eligible = r.loadBalance(eligible)
	}
	return eligible
}

func (r *Router) healthScore(e *entry) float64 {
	if r.health == nil {
		return 0
	}
	h, ok := r.health.Health(e.cfg.ID)
	if !ok {
		return 0
	}
	return h.SuccessRate - 0.01*float64(h.ConsecutiveFailures)
}

func (r *Router) perfScore(e *entry, now time.Time) float64 {
	var responseScore, successScore float64
	if r.health != nil {
		if h, ok := r.health.Health(e.cfg.ID); ok {
			if h.AvgResponseMs > 0 {
				responseScore = 1 / h.AvgResponseMs
			}
			successScore = h.SuccessRate
		}
	}
	load := 0.0
	if e.cfg.MaxOrdersPerMinute > 0 {
		load = float64(countRecent(e.recentOrders, now)) / float64(e.cfg.MaxOrdersPerMinute)
	}
	return perfResponseWeight*responseScore + perfSuccessWeight*successScore - perfLoadWeight*load
}

// loadBalance rotates away from the top choice for a share of the minute's
// orders so load spreads across the top candidates.
func (r *Router) loadBalance(eligible []*entry) []*entry {
	target := r.cfg.LoadTarget
	if target <= 0 || target >= 1 {
		return eligible
	}
	now := time.Now()
	top := eligible[0]
	topCount := countRecent(top.recentOrders, now)
	total := 0
	for _, e := range eligible {
		total += countRecent(e.recentOrders, now)
	}
	if total == 0 {
		return eligible
	}
	// When the best broker already carries more than its share, promote
	// the runner-up.
	if float64(topCount)/float64(total) > target {
		rotated := append([]*entry{}, eligible[1:]...)
		rotated = append(rotated, top)
		return rotated
	}
	return eligible
}

func (r *Router) recordSuccess(e *entry, orderID, brokerOrderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	e.ordersRouted++
	e.lastUsed = now
	e.recentOrders = appendRecent(e.recentOrders, now)
	r.totalRouted++
	r.routes[orderID] = route{brokerID: e.cfg.ID, brokerOrderID: brokerOrderID}
}

func (r *Router) recordFailure(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.ordersFailed++
	r.totalFailed++
	r.failoverEvents++
}

func (r *Router) emitFailover(brokerID, orderID string, err error) {
	if r.bus == nil {
		return
	}
	if perr := r.bus.Publish(&types.BrokerHealthAlertEvent{
		BaseEvent: types.NewBaseEvent(types.EventTypeBrokerHealthAlert, ""),
		BrokerID:  brokerID,
		Level:     "warning",
		Message:   fmt.Sprintf("failover: submit of %s failed: %v", orderID, err),
		Metric:    "failover",
		Value:     1,
	}); perr != nil {
		r.logger.Debug("Failover event dropped", zap.Error(perr))
	}
}

func appendRecent(ts []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-time.Minute)
	out := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return append(out, now)
}

func countRecent(ts []time.Time, now time.Time) int {
	cutoff := now.Add(-time.Minute)
	n := 0
	for _, t := range ts {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}
