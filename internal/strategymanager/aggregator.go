package strategymanager

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-trading/engine/internal/types"
)

// Aggregation methods.
const (
	MethodFirstWins         = "first_wins"
	MethodHighestConfidence = "highest_confidence"
	MethodWeightedAverage   = "weighted_average"
	MethodConsensus         = "consensus"
	MethodRiskAdjusted      = "risk_adjusted"
)

// Conflict resolution modes, applied when Buy and Sell signals coexist.
const (
	ConflictCancelAll         = "cancel_all"
	ConflictNetPosition       = "net_position"
	ConflictHighestConfidence = "highest_confidence"
	ConflictStrategyPriority  = "strategy_priority"
)

// scored pairs a signal with its allocation-derived weight and size.
type scored struct {
	signal     *types.Signal
	weight     float64
	confidence float64 // possibly risk-adjusted
	size       decimal.Decimal
}

// AggregatePending drains the pending signals for a symbol and emits at most
// one aggregated signal through OnAggregated. Hold signals never leave the
// aggregator.
func (m *Manager) AggregatePending(symbol, correlationID string) {
	m.pendingMu.Lock()
	signals := m.pending[symbol]
	delete(m.pending, symbol)
	m.pendingMu.Unlock()

	actionable := make([]*types.Signal, 0, len(signals))
	for _, s := range signals {
		if s.Side == types.SignalBuy || s.Side == types.SignalSell {
			actionable = append(actionable, s)
		}
	}
	if len(actionable) == 0 {
		return
	}

	agg := m.aggregate(symbol, actionable)
	if agg == nil {
		return
	}
	if m.OnAggregated != nil {
		m.OnAggregated(agg)
	}
}

// aggregate applies the configured method to one symbol's signals.
func (m *Manager) aggregate(symbol string, signals []*types.Signal) *types.AggregatedSignal {
	switch m.cfg.AggregationMethod {
	case MethodFirstWins:
		return m.single(symbol, earliest(signals), MethodFirstWins)

	case MethodHighestConfidence:
		return m.single(symbol, mostConfident(signals), MethodHighestConfidence)

	case MethodConsensus:
		majority := consensusSubset(signals)
		if majority == nil {
			m.logger.Debug("No consensus among signals",
				zap.String("symbol", symbol),
				zap.Int("signals", len(signals)),
			)
			return nil
		}
		return m.weightedAverage(symbol, m.score(majority, false), MethodConsensus)

	case MethodRiskAdjusted:
		return m.weightedAverage(symbol, m.resolveConflicts(m.score(signals, true)), MethodRiskAdjusted)

	default: // weighted average
		return m.weightedAverage(symbol, m.resolveConflicts(m.score(signals, false)), MethodWeightedAverage)
	}
}

// single wraps one chosen signal as the aggregate.
func (m *Manager) single(symbol string, sig *types.Signal, method string) *types.AggregatedSignal {
	if sig == nil {
		return nil
	}
	return &types.AggregatedSignal{
		Symbol:                 symbol,
		Side:                   sig.Side,
		Confidence:             sig.Confidence,
		Price:                  sig.Price,
		Quantity:               m.signalSize(sig),
		ContributingStrategies: []string{sig.Strategy},
		Method:                 method,
		Metadata:               sig.Metadata,
	}
}

// score computes effective weights and sizes. With riskAdjust the per-signal
// confidence is scaled by the strategy's realised performance multiplier.
func (m *Manager) score(signals []*types.Signal, riskAdjust bool) []scored {
	out := make([]scored, 0, len(signals))
	for _, sig := range signals {
		weight := 1.0
		confidence := sig.Confidence
		if ms, err := m.get(sig.Strategy); err == nil {
			m.mu.RLock()
			weight = ms.allocation.EffectiveWeight()
			m.mu.RUnlock()
			if riskAdjust {
				_, winRate, sharpe, _ := ms.metrics.Snapshot()
				mult := 2*winRate + math.Max(0, sharpe/2)
				if mult < 0.1 {
					mult = 0.1
				} else if mult > 2.0 {
					mult = 2.0
				}
				confidence = math.Min(1.0, confidence*mult)
			}
		}
		out = append(out, scored{
			signal:     sig,
			weight:     weight,
			confidence: confidence,
			size:       m.signalSize(sig),
		})
	}
	return out
}

// resolveConflicts applies the configured conflict mode when both sides are
// present. Returns nil when everything is dropped.
func (m *Manager) resolveConflicts(signals []scored) []scored {
	var buys, sells []scored
	for _, s := range signals {
		if s.signal.Side == types.SignalBuy {
			buys = append(buys, s)
		} else {
			sells = append(sells, s)
		}
	}
	if len(buys) == 0 || len(sells) == 0 {
		return signals
	}

	switch m.cfg.ConflictResolution {
	case ConflictCancelAll:
		m.logger.Debug("Conflicting signals cancelled",
			zap.Int("buys", len(buys)),
			zap.Int("sells", len(sells)),
		)
		return nil

	case ConflictHighestConfidence:
		best := signals[0]
		for _, s := range signals[1:] {
			if s.confidence > best.confidence {
				best = s
			}
		}
		return []scored{best}

	case ConflictStrategyPriority:
		best := signals[0]
		bestPriority := m.priorityOf(best.signal.Strategy)
		for _, s := range signals[1:] {
			if p := m.priorityOf(s.signal.Strategy); p < bestPriority {
				best, bestPriority = s, p
			}
		}
		return []scored{best}

	default: // net position
		buyConf, sellConf := 0.0, 0.0
		for _, s := range buys {
			buyConf += s.confidence
		}
		for _, s := range sells {
			sellConf += s.confidence
		}
		if buyConf > sellConf {
			return buys
		}
		if sellConf > buyConf {
			return sells
		}
		return nil
	}
}

func (m *Manager) priorityOf(strategyID string) int {
	ms, err := m.get(strategyID)
	if err != nil {
		return math.MaxInt
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return ms.allocation.Priority
}

// weightedAverage combines one side's signals under effective weights.
// Side is the argmax of summed weights among Buy and Sell.
func (m *Manager) weightedAverage(symbol string, signals []scored, method string) *types.AggregatedSignal {
	if len(signals) == 0 {
		return nil
	}

	buyWeight, sellWeight := 0.0, 0.0
	for _, s := range signals {
		if s.signal.Side == types.SignalBuy {
			buyWeight += s.weight
		} else {
			sellWeight += s.weight
		}
	}
	side := types.SignalBuy
	if sellWeight > buyWeight {
		side = types.SignalSell
	}

	var (
		sumWeight   float64
		sumConf     float64
		sumPrice    decimal.Decimal
		quantity    decimal.Decimal
		strategies  []string
	)
	for _, s := range signals {
		if s.signal.Side != side {
			continue
		}
		sumWeight += s.weight
		sumConf += s.weight * s.confidence
		sumPrice = sumPrice.Add(s.signal.Price.Mul(decimal.NewFromFloat(s.weight)))
		quantity = quantity.Add(s.size)
		strategies = append(strategies, s.signal.Strategy)
	}
	if sumWeight == 0 {
		return nil
	}
	sort.Strings(strategies)

	w := decimal.NewFromFloat(sumWeight)
	return &types.AggregatedSignal{
		Symbol:                 symbol,
		Side:                   side,
		Confidence:             sumConf / sumWeight,
		Price:                  sumPrice.Div(w),
		Quantity:               quantity,
		ContributingStrategies: strategies,
		Method:                 method,
	}
}

// signalSize computes the per-signal position size from the originating
// strategy's allocation and remaining portfolio capacity.
func (m *Manager) signalSize(sig *types.Signal) decimal.Decimal {
	if sig.Price.IsZero() || sig.Price.IsNegative() {
		return decimal.Zero
	}
	ms, err := m.get(sig.Strategy)
	if err != nil {
		return decimal.Zero
	}

	m.mu.RLock()
	alloc := ms.allocation
	m.mu.RUnlock()

	hint := decimal.NewFromFloat(sig.PositionSizeHint(1.0))
	byCapital := alloc.MaxCapital.Mul(hint).Div(sig.Price)
	byRisk := m.totalCapital.Mul(decimal.NewFromFloat(alloc.RiskLimit)).Div(sig.Price)

	size := decimal.Min(byCapital, byRisk)
	if m.portfolio != nil {
		capacity := m.totalCapital.Mul(decimal.NewFromFloat(m.maxPortfolioRisk)).Sub(m.portfolio.GrossExposure())
		if capacity.IsNegative() {
			capacity = decimal.Zero
		}
		size = decimal.Min(size, capacity.Div(sig.Price))
	}
	if size.IsNegative() {
		return decimal.Zero
	}
	return size
}

func earliest(signals []*types.Signal) *types.Signal {
	if len(signals) == 0 {
		return nil
	}
	best := signals[0]
	for _, s := range signals[1:] {
		if s.Timestamp.Before(best.Timestamp) {
			best = s
		}
	}
	return best
}

func mostConfident(signals []*types.Signal) *types.Signal {
	if len(signals) == 0 {
		return nil
	}
	best := signals[0]
	for _, s := range signals[1:] {
		if s.Confidence > best.Confidence {
			best = s
		}
	}
	return best
}

// consensusSubset returns the majority-side subset when strictly more than
// half the signals agree, else nil.
func consensusSubset(signals []*types.Signal) []*types.Signal {
	var buys, sells []*types.Signal
	for _, s := range signals {
		if s.Side == types.SignalBuy {
			buys = append(buys, s)
		} else {
			sells = append(sells, s)
		}
	}
	if len(buys)*2 > len(signals) {
		return buys
	}
	if len(sells)*2 > len(signals) {
		return sells
	}
	return nil
}
