// Package strategymanager owns strategy lifecycle, fan-out of market data,
// fan-in and aggregation of signals, and dynamic allocation re-weighting.
// A crashing strategy is isolated: its error is recorded and it is excluded
// from dispatch until explicitly restarted; siblings are never affected.
package strategymanager

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-trading/engine/internal/config"
	"github.com/atlas-trading/engine/internal/events"
	"github.com/atlas-trading/engine/internal/strategy"
	"github.com/atlas-trading/engine/internal/types"
	"github.com/atlas-trading/engine/internal/workers"
)

// ErrStrategyNotFound is returned for operations on unknown strategy ids.
var ErrStrategyNotFound = errors.New("strategy manager: strategy not found")

// State is a strategy lifecycle state.
type State string

const (
	StateRegistered State = "registered"
	StateStarting   State = "starting"
	StateActive     State = "active"
	StateStopping   State = "stopping"
	StateStopped    State = "stopped"
	StateError      State = "error"
)

const maxStrategyErrors = 50

// PortfolioView is the read-only portfolio state the aggregator needs for
// capacity checks. The portfolio manager implements it.
type PortfolioView interface {
	GrossExposure() decimal.Decimal
}

// Metrics tracks realised per-strategy performance.
type Metrics struct {
	mu          sync.Mutex
	totalPnL    decimal.Decimal
	wins        int
	losses      int
	returns     []float64 // per-trade returns for Sharpe
	signalCount int64
}

// RecordTrade records a closed trade result for the strategy.
func (m *Metrics) RecordTrade(pnl decimal.Decimal, ret float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalPnL = m.totalPnL.Add(pnl)
	if pnl.IsPositive() {
		m.wins++
	} else if pnl.IsNegative() {
		m.losses++
	}
	m.returns = append(m.returns, ret)
	if len(m.returns) > 500 {
		m.returns = m.returns[len(m.returns)-500:]
	}
}

// Snapshot returns (totalPnL, winRate, sharpe, signalCount).
func (m *Metrics) Snapshot() (decimal.Decimal, float64, float64, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalPnL, m.winRateLocked(), m.sharpeLocked(), m.signalCount
}

func (m *Metrics) winRateLocked() float64 {
	trades := m.wins + m.losses
	if trades == 0 {
		return 0
	}
	return float64(m.wins) / float64(trades)
}

func (m *Metrics) sharpeLocked() float64 {
	n := len(m.returns)
	if n < 2 {
		return 0
	}
	var sum float64
	for _, r := range m.returns {
		sum += r
	}
	mean := sum / float64(n)
	var variance float64
	for _, r := range m.returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(n - 1)
	if variance == 0 {
		return 0
	}
	return mean / math.Sqrt(variance)
}

// managed wraps a registered strategy with its allocation and supervision
// state. dispatchMu serialises OnMarketData per strategy.
type managed struct {
	strategy   strategy.Strategy
	allocation types.StrategyAllocation
	metrics    *Metrics

	mu         sync.Mutex
	state      State
	errs       []error
	dispatchMu sync.Mutex
}

// Manager registers strategies, fans market data out to them and aggregates
// the returned signals.
type Manager struct {
	logger *zap.Logger
	cfg    config.StrategyManagerConfig
	bus    *events.Bus
	pool   *workers.Pool

	totalCapital     decimal.Decimal
	maxPortfolioRisk float64
	portfolio        PortfolioView

	mu         sync.RWMutex
	strategies map[string]*managed
	groups     map[string][]string

	pendingMu sync.Mutex
	pending   map[string][]*types.Signal

	// OnAggregated receives each aggregated signal that survives conflict
	// resolution; the order manager wires itself here.
	OnAggregated func(signal *types.AggregatedSignal)

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager creates a strategy manager.
func NewManager(logger *zap.Logger, cfg config.StrategyManagerConfig, bus *events.Bus, totalCapital decimal.Decimal, maxPortfolioRisk float64, portfolio PortfolioView) *Manager {
	poolCfg := workers.DefaultConfig("strategy-dispatch")
	poolCfg.TaskTimeout = cfg.StrategyTimeout
	return &Manager{
		logger:           logger.Named("strategy-manager"),
		cfg:              cfg,
		bus:              bus,
		pool:             workers.New(logger, poolCfg),
		totalCapital:     totalCapital,
		maxPortfolioRisk: maxPortfolioRisk,
		portfolio:        portfolio,
		strategies:       make(map[string]*managed),
		groups:           make(map[string][]string),
		pending:          make(map[string][]*types.Signal),
	}
}

// Register adds a strategy. A nil allocation gets defaults: weight 0.1,
// max capital 20% of total, risk limit 2%, priority = current count.
func (m *Manager) Register(s strategy.Strategy, alloc *types.StrategyAllocation) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := s.Name()
	if _, exists := m.strategies[id]; exists {
		return "", fmt.Errorf("strategy manager: %q already registered", id)
	}

	a := types.StrategyAllocation{
		StrategyID:        id,
		Weight:            0.1,
		MaxCapital:        m.totalCapital.Mul(decimal.NewFromFloat(0.2)),
		RiskLimit:         0.02,
		Priority:          len(m.strategies),
		Active:            true,
		PerformanceWeight: 1.0,
	}
	if alloc != nil {
		a = *alloc
		a.StrategyID = id
		if a.PerformanceWeight == 0 {
			a.PerformanceWeight = 1.0
		}
	}

	m.strategies[id] = &managed{
		strategy:   s,
		allocation: a,
		metrics:    &Metrics{},
		state:      StateRegistered,
	}

	m.logger.Info("Strategy registered",
		zap.String("strategy", id),
		zap.Float64("weight", a.Weight),
		zap.Int("priority", a.Priority),
	)
	return id, nil
}

// StartStrategy transitions a strategy Registered/Stopped -> Active.
func (m *Manager) StartStrategy(ctx context.Context, id string) error {
	ms, err := m.get(id)
	if err != nil {
		return err
	}

	ms.mu.Lock()
	if ms.state == StateActive {
		ms.mu.Unlock()
		return nil
	}
	m.transitionLocked(ms, id, StateStarting, "")
	ms.mu.Unlock()

	params := map[string]any{}
	if err := ms.strategy.Initialize(ctx, params); err != nil {
		m.recordError(ms, id, err)
		return fmt.Errorf("strategy %q initialize: %w", id, err)
	}

	ms.mu.Lock()
	m.transitionLocked(ms, id, StateActive, "")
	ms.mu.Unlock()
	return nil
}

// StopStrategy transitions a strategy Active -> Stopped.
func (m *Manager) StopStrategy(ctx context.Context, id string) error {
	ms, err := m.get(id)
	if err != nil {
		return err
	}

	ms.mu.Lock()
	m.transitionLocked(ms, id, StateStopping, "")
	ms.mu.Unlock()

	if err := ms.strategy.Stop(ctx); err != nil {
		m.recordError(ms, id, err)
		return fmt.Errorf("strategy %q stop: %w", id, err)
	}

	ms.mu.Lock()
	m.transitionLocked(ms, id, StateStopped, "")
	ms.mu.Unlock()
	return nil
}

// RestartStrategy stops (best effort) and starts a strategy, clearing Error.
func (m *Manager) RestartStrategy(ctx context.Context, id string) error {
	ms, err := m.get(id)
	if err != nil {
		return err
	}
	ms.mu.Lock()
	if ms.state == StateActive || ms.state == StateError {
		m.transitionLocked(ms, id, StateStopping, "restart")
		m.transitionLocked(ms, id, StateStopped, "restart")
	}
	ms.mu.Unlock()
	return m.StartStrategy(ctx, id)
}

// GetState returns the lifecycle state of a strategy.
func (m *Manager) GetState(id string) (State, error) {
	ms, err := m.get(id)
	if err != nil {
		return "", err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.state, nil
}

// GetStrategyErrors returns the rolling error list for a strategy.
func (m *Manager) GetStrategyErrors(id string) ([]error, error) {
	ms, err := m.get(id)
	if err != nil {
		return nil, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	out := make([]error, len(ms.errs))
	copy(out, ms.errs)
	return out, nil
}

// GetAllocation returns a copy of a strategy's allocation.
func (m *Manager) GetAllocation(id string) (types.StrategyAllocation, error) {
	ms, err := m.get(id)
	if err != nil {
		return types.StrategyAllocation{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return ms.allocation, nil
}

// CreateGroup rebalances member weights to groupWeight / |members|.
func (m *Manager) CreateGroup(name string, ids []string, groupWeight float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		if _, ok := m.strategies[id]; !ok {
			return fmt.Errorf("%w: %s", ErrStrategyNotFound, id)
		}
	}
	m.groups[name] = append([]string(nil), ids...)
	m.splitGroupLocked(name, groupWeight)
	return nil
}

// AddToGroup registers an existing strategy into a group and re-splits the
// group weight across all members.
func (m *Manager) AddToGroup(name, id string, groupWeight float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.strategies[id]; !ok {
		return fmt.Errorf("%w: %s", ErrStrategyNotFound, id)
	}
	for _, member := range m.groups[name] {
		if member == id {
			return nil
		}
	}
	m.groups[name] = append(m.groups[name], id)
	m.splitGroupLocked(name, groupWeight)
	return nil
}

func (m *Manager) splitGroupLocked(name string, groupWeight float64) {
	members := m.groups[name]
	if len(members) == 0 {
		return
	}
	per := groupWeight / float64(len(members))
	for _, id := range members {
		if ms, ok := m.strategies[id]; ok {
			ms.allocation.Weight = per
		}
	}
	m.logger.Info("Group weights rebalanced",
		zap.String("group", name),
		zap.Int("members", len(members)),
		zap.Float64("weightEach", per),
	)
}

// Start subscribes the manager to the bus and launches the rebalance loop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.bus.Subscribe(types.EventTypeMarketData, events.NewHandler("strategy-manager",
		func(ctx context.Context, event types.Event) error {
			md, ok := event.(*types.MarketDataEvent)
			if !ok {
				return nil
			}
			m.HandleMarketData(ctx, md)
			return nil
		}))

	m.bus.Subscribe(types.EventTypeOrderFilled, events.NewHandler("strategy-manager-fills",
		func(ctx context.Context, event types.Event) error {
			fill, ok := event.(*types.OrderFilledEvent)
			if !ok {
				return nil
			}
			m.forwardFill(ctx, fill)
			return nil
		}))

	if m.cfg.EnableDynamicAllocation && m.cfg.RebalanceFrequency > 0 {
		m.wg.Add(1)
		go m.rebalanceLoop(ctx)
	}

	m.logger.Info("Strategy manager started",
		zap.String("aggregation", m.cfg.AggregationMethod),
		zap.String("conflictResolution", m.cfg.ConflictResolution),
	)
	return nil
}

// Stop stops all active strategies and the dispatch pool.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	ids := make([]string, 0, len(m.strategies))
	for id := range m.strategies {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if state, _ := m.GetState(id); state == StateActive {
			if err := m.StopStrategy(ctx, id); err != nil {
				m.logger.Warn("Strategy stop failed", zap.String("strategy", id), zap.Error(err))
			}
		}
	}
	cancel()
	m.wg.Wait()
	m.pool.Stop()
}

// HandleMarketData fans an event out to every active strategy watching the
// symbol, collects returned signals, then aggregates the symbol's pending
// set. Each strategy runs under the configured timeout; a failure marks
// that strategy only.
func (m *Manager) HandleMarketData(ctx context.Context, event *types.MarketDataEvent) {
	m.mu.RLock()
	targets := make(map[string]*managed)
	for id, ms := range m.strategies {
		targets[id] = ms
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for id, ms := range targets {
		ms.mu.Lock()
		active := ms.state == StateActive && ms.allocation.Active
		ms.mu.Unlock()
		if !active || !watches(ms.strategy, event.Symbol) {
			continue
		}

		id, ms := id, ms
		wg.Add(1)
		err := m.pool.Submit(func(taskCtx context.Context) error {
			defer wg.Done()
			return m.dispatchOne(taskCtx, id, ms, event)
		})
		if err != nil {
			wg.Done()
			m.logger.Warn("Dispatch submit failed", zap.String("strategy", id), zap.Error(err))
		}
	}
	wg.Wait()

	m.AggregatePending(event.Symbol, event.GetCorrelationID())
}

func (m *Manager) dispatchOne(ctx context.Context, id string, ms *managed, event *types.MarketDataEvent) error {
	// Serialise per strategy so each sees its events in arrival order.
	ms.dispatchMu.Lock()
	defer ms.dispatchMu.Unlock()

	signals, err := ms.strategy.OnMarketData(ctx, event)
	if err != nil {
		m.recordError(ms, id, err)
		return err
	}

	for _, sig := range signals {
		if sig == nil {
			continue
		}
		sig.Strategy = id
		if sig.Timestamp.IsZero() {
			sig.Timestamp = time.Now().UTC()
		}
		ms.metrics.mu.Lock()
		ms.metrics.signalCount++
		ms.metrics.mu.Unlock()

		m.pendingMu.Lock()
		m.pending[sig.Symbol] = append(m.pending[sig.Symbol], sig)
		m.pendingMu.Unlock()

		if err := m.bus.Publish(&types.SignalGeneratedEvent{
			BaseEvent:  types.NewBaseEvent(types.EventTypeSignalGenerated, event.GetCorrelationID()),
			Strategy:   id,
			Symbol:     sig.Symbol,
			Side:       sig.Side,
			Confidence: sig.Confidence,
			Price:      sig.Price,
			Metadata:   sig.Metadata,
		}); err != nil {
			m.logger.Warn("Signal event dropped", zap.String("strategy", id), zap.Error(err))
		}
	}
	return nil
}

// forwardFill relays a fill to every registered strategy; the fill is not
// matched to the strategy that originated the order. Per-strategy
// performance is credited separately through RecordTradeResult.
func (m *Manager) forwardFill(ctx context.Context, fill *types.OrderFilledEvent) {
	m.mu.RLock()
	targets := make([]strategy.Strategy, 0, len(m.strategies))
	for _, ms := range m.strategies {
		targets = append(targets, ms.strategy)
	}
	m.mu.RUnlock()

	for _, s := range targets {
		s.OnOrderFilled(ctx, fill)
	}
}

// RecordTradeResult credits a realised trade P&L to a strategy; the
// portfolio manager calls this when a fill closes quantity.
func (m *Manager) RecordTradeResult(strategyID string, pnl decimal.Decimal) {
	ms, err := m.get(strategyID)
	if err != nil {
		return
	}
	ret := 0.0
	if !m.totalCapital.IsZero() {
		ret, _ = pnl.Div(m.totalCapital).Float64()
	}
	ms.metrics.RecordTrade(pnl, ret)
}

// recordError pushes an error onto the strategy's rolling list and moves it
// to Error state, publishing the transition.
func (m *Manager) recordError(ms *managed, id string, err error) {
	ms.mu.Lock()
	ms.errs = append(ms.errs, err)
	if len(ms.errs) > maxStrategyErrors {
		ms.errs = ms.errs[len(ms.errs)-maxStrategyErrors:]
	}
	m.transitionLocked(ms, id, StateError, err.Error())
	ms.mu.Unlock()

	m.logger.Error("Strategy error",
		zap.String("strategy", id),
		zap.Error(err),
	)
}

// transitionLocked updates state and publishes StrategyStatus. Caller holds
// ms.mu.
func (m *Manager) transitionLocked(ms *managed, id string, to State, reason string) {
	from := ms.state
	if from == to {
		return
	}
	ms.state = to
	if err := m.bus.Publish(&types.StrategyStatusEvent{
		BaseEvent: types.NewBaseEvent(types.EventTypeStrategyStatus, ""),
		Strategy:  id,
		OldStatus: string(from),
		NewStatus: string(to),
		Reason:    reason,
	}); err != nil {
		m.logger.Debug("Strategy status event dropped", zap.Error(err))
	}
}

func (m *Manager) get(id string) (*managed, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ms, ok := m.strategies[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStrategyNotFound, id)
	}
	return ms, nil
}

func watches(s strategy.Strategy, symbol string) bool {
	for _, sym := range s.Symbols() {
		if sym == symbol {
			return true
		}
	}
	return false
}

// rebalanceLoop periodically re-weights performance multipliers.
func (m *Manager) rebalanceLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.RebalanceFrequency)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Rebalance()
		}
	}
}

// Rebalance recomputes performance weights from realised performance:
// score = 0.4*(pnl/capital) + 0.3*winRate + 0.3*max(0, sharpe/3), floored
// at 0.1, normalized, then EMA-smoothed into the performance weight.
func (m *Manager) Rebalance() {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.strategies))
	for id := range m.strategies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) == 0 {
		return
	}

	scores := make([]float64, len(ids))
	var total float64
	for i, id := range ids {
		ms := m.strategies[id]
		pnl, winRate, sharpe, _ := ms.metrics.Snapshot()
		pnlFrac := 0.0
		if !m.totalCapital.IsZero() {
			pnlFrac, _ = pnl.Div(m.totalCapital).Float64()
		}
		score := 0.4*pnlFrac + 0.3*winRate + 0.3*math.Max(0, sharpe/3)
		if score < 0.1 {
			score = 0.1
		}
		scores[i] = score
		total += score
	}

	for i, id := range ids {
		ms := m.strategies[id]
		normalized := scores[i] / total * float64(len(ids))
		ms.allocation.PerformanceWeight = 0.7*ms.allocation.PerformanceWeight + 0.3*normalized
	}

	m.logger.Info("Allocations rebalanced", zap.Int("strategies", len(ids)))
}
