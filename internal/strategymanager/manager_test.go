package strategymanager_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-trading/engine/internal/config"
	"github.com/atlas-trading/engine/internal/events"
	"github.com/atlas-trading/engine/internal/strategy"
	"github.com/atlas-trading/engine/internal/strategymanager"
	"github.com/atlas-trading/engine/internal/types"
)

// stubStrategy emits a fixed set of signals on every market event.
type stubStrategy struct {
	*strategy.Base
	signals []*types.Signal
	err     error
}

func newStub(name string, symbols []string, signals ...*types.Signal) *stubStrategy {
	return &stubStrategy{Base: strategy.NewBase(name, symbols, 100), signals: signals}
}

func (s *stubStrategy) Initialize(ctx context.Context, params map[string]any) error { return nil }

func (s *stubStrategy) OnMarketData(ctx context.Context, event *types.MarketDataEvent) ([]*types.Signal, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.Record(event)
	return s.signals, nil
}

func (s *stubStrategy) OnOrderFilled(ctx context.Context, event *types.OrderFilledEvent) {}

func (s *stubStrategy) Stop(ctx context.Context) error { return nil }

func sig(symbol string, side types.SignalSide, confidence float64, price float64, ts time.Time) *types.Signal {
	return &types.Signal{
		Symbol:     symbol,
		Side:       side,
		Confidence: confidence,
		Price:      decimal.NewFromFloat(price),
		Timestamp:  ts,
		Metadata:   map[string]any{"position_size": 0.1},
	}
}

func testManagerConfig(method, conflict string) config.StrategyManagerConfig {
	return config.StrategyManagerConfig{
		AggregationMethod:  method,
		ConflictResolution: conflict,
		StrategyTimeout:    time.Second,
		RebalanceFrequency: time.Hour,
	}
}

func newTestManager(t *testing.T, method, conflict string) (*strategymanager.Manager, *events.Bus) {
	t.Helper()
	bus := events.NewBus(zap.NewNop(), config.EventBusConfig{
		MaxQueueSize:          1000,
		MaxConcurrentHandlers: 20,
		HandlerTimeout:        time.Second,
		RetryDelay:            time.Millisecond,
	})
	m := strategymanager.NewManager(zap.NewNop(), testManagerConfig(method, conflict), bus,
		decimal.NewFromInt(100000), 0.8, nil)
	return m, bus
}

func marketEvent(symbol string, close float64) *types.MarketDataEvent {
	c := decimal.NewFromFloat(close)
	return &types.MarketDataEvent{
		BaseEvent: types.NewBaseEvent(types.EventTypeMarketData, ""),
		Symbol:    symbol,
		Open:      c,
		High:      c,
		Low:       c,
		Close:     c,
		Volume:    decimal.NewFromInt(10000),
		Source:    "test",
	}
}

func register(t *testing.T, m *strategymanager.Manager, s strategy.Strategy, weight float64, priority int) {
	t.Helper()
	_, err := m.Register(s, &types.StrategyAllocation{
		Weight:            weight,
		MaxCapital:        decimal.NewFromInt(20000),
		RiskLimit:         0.02,
		Priority:          priority,
		Active:            true,
		PerformanceWeight: 1.0,
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := m.StartStrategy(context.Background(), s.Name()); err != nil {
		t.Fatalf("StartStrategy failed: %v", err)
	}
}

func TestRegisterDefaults(t *testing.T) {
	m, _ := newTestManager(t, "weighted_average", "net_position")

	id, err := m.Register(newStub("s1", []string{"AAPL"}), nil)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	alloc, err := m.GetAllocation(id)
	if err != nil {
		t.Fatalf("GetAllocation failed: %v", err)
	}
	if alloc.Weight != 0.1 {
		t.Errorf("default weight = %v, want 0.1", alloc.Weight)
	}
	if !alloc.MaxCapital.Equal(decimal.NewFromInt(20000)) {
		t.Errorf("default maxCapital = %s, want 20000", alloc.MaxCapital)
	}
	if alloc.RiskLimit != 0.02 {
		t.Errorf("default riskLimit = %v, want 0.02", alloc.RiskLimit)
	}
	if alloc.Priority != 0 {
		t.Errorf("default priority = %d, want 0", alloc.Priority)
	}
}

func TestConflictCancelAll(t *testing.T) {
	m, _ := newTestManager(t, "weighted_average", "cancel_all")
	now := time.Now()

	register(t, m, newStub("s1", []string{"AAPL"}, sig("AAPL", types.SignalBuy, 0.8, 150, now)), 0.5, 0)
	register(t, m, newStub("s2", []string{"AAPL"}, sig("AAPL", types.SignalSell, 0.75, 150, now)), 0.5, 1)

	var got *types.AggregatedSignal
	m.OnAggregated = func(s *types.AggregatedSignal) { got = s }

	m.HandleMarketData(context.Background(), marketEvent("AAPL", 150))

	if got != nil {
		t.Errorf("aggregated signal emitted under cancel_all conflict: %+v", got)
	}
}

func TestWeightedAverageNetPosition(t *testing.T) {
	m, _ := newTestManager(t, "weighted_average", "net_position")
	now := time.Now()

	register(t, m, newStub("s1", []string{"AAPL"}, sig("AAPL", types.SignalBuy, 0.8, 150, now)), 0.6, 0)
	register(t, m, newStub("s2", []string{"AAPL"}, sig("AAPL", types.SignalBuy, 0.6, 150.2, now)), 0.3, 1)
	register(t, m, newStub("s3", []string{"AAPL"}, sig("AAPL", types.SignalSell, 0.7, 149.8, now)), 0.1, 2)

	var got *types.AggregatedSignal
	m.OnAggregated = func(s *types.AggregatedSignal) { got = s }

	m.HandleMarketData(context.Background(), marketEvent("AAPL", 150))

	if got == nil {
		t.Fatal("no aggregated signal emitted")
	}
	if got.Side != types.SignalBuy {
		t.Errorf("side = %s, want buy", got.Side)
	}
	if diff := got.Confidence - 0.7333; diff > 0.001 || diff < -0.001 {
		t.Errorf("confidence = %v, want ~0.7333", got.Confidence)
	}
	wantPrice := decimal.NewFromFloat(150.0667)
	if got.Price.Sub(wantPrice).Abs().GreaterThan(decimal.NewFromFloat(0.001)) {
		t.Errorf("price = %s, want ~150.0667", got.Price)
	}
	if len(got.ContributingStrategies) != 2 {
		t.Errorf("contributing = %v, want s1 and s2", got.ContributingStrategies)
	}
}

func TestAggregationStableUnderPermutation(t *testing.T) {
	now := time.Now()
	orders := [][]int{{0, 1, 2}, {2, 1, 0}, {1, 2, 0}}

	stubs := []struct {
		name   string
		side   types.SignalSide
		conf   float64
		price  float64
		weight float64
	}{
		{"s1", types.SignalBuy, 0.8, 150, 0.6},
		{"s2", types.SignalBuy, 0.6, 150.2, 0.3},
		{"s3", types.SignalSell, 0.7, 149.8, 0.1},
	}

	var sides []types.SignalSide
	var confs []float64
	for _, order := range orders {
		m, _ := newTestManager(t, "weighted_average", "net_position")
		for _, i := range order {
			s := stubs[i]
			register(t, m, newStub(s.name, []string{"AAPL"},
				sig("AAPL", s.side, s.conf, s.price, now)), s.weight, i)
		}
		var got *types.AggregatedSignal
		m.OnAggregated = func(s *types.AggregatedSignal) { got = s }
		m.HandleMarketData(context.Background(), marketEvent("AAPL", 150))
		if got == nil {
			t.Fatal("no aggregated signal emitted")
		}
		sides = append(sides, got.Side)
		confs = append(confs, got.Confidence)
	}

	for i := 1; i < len(sides); i++ {
		if sides[i] != sides[0] {
			t.Errorf("side differs under permutation: %v", sides)
		}
		if diff := confs[i] - confs[0]; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("confidence differs under permutation: %v", confs)
		}
	}
}

func TestConsensusRequiresMajority(t *testing.T) {
	now := time.Now()

	t.Run("majority agrees", func(t *testing.T) {
		m, _ := newTestManager(t, "consensus", "net_position")
		register(t, m, newStub("s1", []string{"AAPL"}, sig("AAPL", types.SignalBuy, 0.8, 150, now)), 0.5, 0)
		register(t, m, newStub("s2", []string{"AAPL"}, sig("AAPL", types.SignalBuy, 0.7, 150, now)), 0.3, 1)
		register(t, m, newStub("s3", []string{"AAPL"}, sig("AAPL", types.SignalSell, 0.9, 150, now)), 0.2, 2)

		var got *types.AggregatedSignal
		m.OnAggregated = func(s *types.AggregatedSignal) { got = s }
		m.HandleMarketData(context.Background(), marketEvent("AAPL", 150))

		if got == nil {
			t.Fatal("no aggregated signal despite 2/3 majority")
		}
		if got.Side != types.SignalBuy {
			t.Errorf("side = %s, want buy", got.Side)
		}
	})

	t.Run("split emits nothing", func(t *testing.T) {
		m, _ := newTestManager(t, "consensus", "net_position")
		register(t, m, newStub("s1", []string{"AAPL"}, sig("AAPL", types.SignalBuy, 0.8, 150, now)), 0.5, 0)
		register(t, m, newStub("s2", []string{"AAPL"}, sig("AAPL", types.SignalSell, 0.7, 150, now)), 0.5, 1)

		var got *types.AggregatedSignal
		m.OnAggregated = func(s *types.AggregatedSignal) { got = s }
		m.HandleMarketData(context.Background(), marketEvent("AAPL", 150))

		if got != nil {
			t.Errorf("aggregated signal emitted on a 1-1 split: %+v", got)
		}
	})
}

func TestFirstWinsPicksEarliest(t *testing.T) {
	m, _ := newTestManager(t, "first_wins", "net_position")
	now := time.Now()

	register(t, m, newStub("late", []string{"AAPL"}, sig("AAPL", types.SignalSell, 0.9, 151, now)), 0.5, 0)
	register(t, m, newStub("early", []string{"AAPL"}, sig("AAPL", types.SignalBuy, 0.4, 150, now.Add(-time.Minute))), 0.5, 1)

	var got *types.AggregatedSignal
	m.OnAggregated = func(s *types.AggregatedSignal) { got = s }
	m.HandleMarketData(context.Background(), marketEvent("AAPL", 150))

	if got == nil {
		t.Fatal("no aggregated signal emitted")
	}
	if got.ContributingStrategies[0] != "early" {
		t.Errorf("winner = %v, want early", got.ContributingStrategies)
	}
}

func TestHoldNeverLeavesAggregator(t *testing.T) {
	m, _ := newTestManager(t, "weighted_average", "net_position")
	register(t, m, newStub("s1", []string{"AAPL"}, sig("AAPL", types.SignalHold, 0.9, 150, time.Now())), 0.5, 0)

	var got *types.AggregatedSignal
	m.OnAggregated = func(s *types.AggregatedSignal) { got = s }
	m.HandleMarketData(context.Background(), marketEvent("AAPL", 150))

	if got != nil {
		t.Errorf("hold signal escaped the aggregator: %+v", got)
	}
}

func TestStrategyErrorIsolation(t *testing.T) {
	m, _ := newTestManager(t, "weighted_average", "net_position")
	now := time.Now()

	broken := newStub("broken", []string{"AAPL"})
	broken.err = errors.New("boom")
	register(t, m, broken, 0.5, 0)
	register(t, m, newStub("healthy", []string{"AAPL"}, sig("AAPL", types.SignalBuy, 0.8, 150, now)), 0.5, 1)

	var got *types.AggregatedSignal
	m.OnAggregated = func(s *types.AggregatedSignal) { got = s }
	m.HandleMarketData(context.Background(), marketEvent("AAPL", 150))

	if got == nil {
		t.Fatal("healthy strategy's signal was lost")
	}
	if got.ContributingStrategies[0] != "healthy" {
		t.Errorf("contributing = %v, want healthy", got.ContributingStrategies)
	}

	state, err := m.GetState("broken")
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if state != strategymanager.StateError {
		t.Errorf("broken strategy state = %s, want error", state)
	}
	errs, _ := m.GetStrategyErrors("broken")
	if len(errs) != 1 {
		t.Errorf("error list = %v, want one entry", errs)
	}

	// An errored strategy is excluded from dispatch until restarted.
	got = nil
	m.HandleMarketData(context.Background(), marketEvent("AAPL", 150))
	if got == nil {
		t.Fatal("healthy strategy stopped receiving events")
	}

	broken.err = nil
	if err := m.RestartStrategy(context.Background(), "broken"); err != nil {
		t.Fatalf("RestartStrategy failed: %v", err)
	}
	state, _ = m.GetState("broken")
	if state != strategymanager.StateActive {
		t.Errorf("state after restart = %s, want active", state)
	}
}

func TestRebalanceIdempotentOnEqualScores(t *testing.T) {
	m, _ := newTestManager(t, "weighted_average", "net_position")
	register(t, m, newStub("s1", []string{"AAPL"}), 0.5, 0)
	register(t, m, newStub("s2", []string{"AAPL"}), 0.5, 1)

	m.Rebalance()
	a1, _ := m.GetAllocation("s1")
	a2, _ := m.GetAllocation("s2")

	m.Rebalance()
	b1, _ := m.GetAllocation("s1")
	b2, _ := m.GetAllocation("s2")

	if a1.PerformanceWeight != b1.PerformanceWeight || a2.PerformanceWeight != b2.PerformanceWeight {
		t.Errorf("rebalance not idempotent: %v %v then %v %v",
			a1.PerformanceWeight, a2.PerformanceWeight, b1.PerformanceWeight, b2.PerformanceWeight)
	}
	if b1.PerformanceWeight != b2.PerformanceWeight {
		t.Errorf("equal performance produced unequal weights: %v vs %v",
			b1.PerformanceWeight, b2.PerformanceWeight)
	}
}

func TestCreateGroupSplitsWeight(t *testing.T) {
	m, _ := newTestManager(t, "weighted_average", "net_position")
	register(t, m, newStub("s1", []string{"AAPL"}), 0.5, 0)
	register(t, m, newStub("s2", []string{"AAPL"}), 0.5, 1)

	if err := m.CreateGroup("momentum", []string{"s1", "s2"}, 0.6); err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}
	a1, _ := m.GetAllocation("s1")
	a2, _ := m.GetAllocation("s2")
	if a1.Weight != 0.3 || a2.Weight != 0.3 {
		t.Errorf("group weights = %v, %v, want 0.3 each", a1.Weight, a2.Weight)
	}

	register(t, m, newStub("s3", []string{"AAPL"}), 0.5, 2)
	groupWeight := 0.6
	if err := m.AddToGroup("momentum", "s3", groupWeight); err != nil {
		t.Fatalf("AddToGroup failed: %v", err)
	}
	a3, _ := m.GetAllocation("s3")
	// Computed at run time: 0.6/3 in float64 is 0.19999999999999998.
	if want := groupWeight / 3; a3.Weight != want {
		t.Errorf("weight after re-split = %v, want %v (0.6/3)", a3.Weight, want)
	}
}
