package portfolio_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-trading/engine/internal/config"
	"github.com/atlas-trading/engine/internal/events"
	"github.com/atlas-trading/engine/internal/portfolio"
	"github.com/atlas-trading/engine/internal/types"
)

func newTestManager(t *testing.T, initialCash int64) (*portfolio.Manager, *events.Bus) {
	t.Helper()
	bus := events.NewBus(zap.NewNop(), config.EventBusConfig{
		MaxQueueSize:          1000,
		MaxConcurrentHandlers: 10,
		HandlerTimeout:        time.Second,
		RetryDelay:            time.Millisecond,
		PersistenceEnabled:    true,
	})
	m := portfolio.NewManager(zap.NewNop(), config.PortfolioConfig{
		ValuationInterval:    time.Hour,
		PerformanceFrequency: time.Hour,
	}, bus, decimal.NewFromInt(initialCash))
	return m, bus
}

func fill(orderID, symbol string, side types.OrderSide, qty, price, commission float64) *types.OrderFilledEvent {
	return &types.OrderFilledEvent{
		BaseEvent:  types.NewBaseEvent(types.EventTypeOrderFilled, ""),
		OrderID:    orderID,
		FillID:     "F-" + orderID,
		Symbol:     symbol,
		Side:       side,
		Quantity:   decimal.NewFromFloat(qty),
		Price:      decimal.NewFromFloat(price),
		Commission: decimal.NewFromFloat(commission),
	}
}

func TestBuyFillOpensPosition(t *testing.T) {
	m, _ := newTestManager(t, 100000)

	m.ApplyFill(fill("O1", "AAPL", types.OrderSideBuy, 66, 150, 1))

	pos, ok := m.GetPosition("AAPL")
	if !ok {
		t.Fatal("position not created")
	}
	if !pos.Quantity.Equal(decimal.NewFromInt(66)) {
		t.Errorf("quantity = %s, want 66", pos.Quantity)
	}
	if !pos.AvgCost.Equal(decimal.NewFromInt(150)) {
		t.Errorf("avgCost = %s, want 150", pos.AvgCost)
	}

	// cash = 100000 - 66*150 - 1 = 90099
	wantCash := decimal.NewFromInt(90099)
	if !m.Cash().Equal(wantCash) {
		t.Errorf("cash = %s, want %s", m.Cash(), wantCash)
	}

	// total value ~ 100000 - 1 (commission only)
	wantTotal := decimal.NewFromInt(99999)
	if !m.TotalValue().Equal(wantTotal) {
		t.Errorf("totalValue = %s, want %s", m.TotalValue(), wantTotal)
	}
}

func TestRoundTripRealizesPnL(t *testing.T) {
	m, _ := newTestManager(t, 100000)
	cashBefore := m.Cash()

	m.ApplyFill(fill("O1", "AAPL", types.OrderSideBuy, 50, 150, 1))
	m.ApplyFill(fill("O2", "AAPL", types.OrderSideSell, 50, 160, 1))

	// cash_after = cash_before + q*(p2-p1) - commissions
	wantCash := cashBefore.Add(decimal.NewFromInt(50 * 10)).Sub(decimal.NewFromInt(2))
	if !m.Cash().Equal(wantCash) {
		t.Errorf("cash = %s, want %s", m.Cash(), wantCash)
	}
	if !m.RealizedPnL().Equal(decimal.NewFromInt(500)) {
		t.Errorf("realizedPnL = %s, want 500", m.RealizedPnL())
	}
	if _, held := m.GetPosition("AAPL"); held {
		t.Error("position not removed after full close")
	}
}

func TestWeightedAverageCostOnAdds(t *testing.T) {
	m, _ := newTestManager(t, 100000)

	m.ApplyFill(fill("O1", "AAPL", types.OrderSideBuy, 10, 100, 0))
	m.ApplyFill(fill("O2", "AAPL", types.OrderSideBuy, 30, 120, 0))

	pos, _ := m.GetPosition("AAPL")
	// (10*100 + 30*120) / 40 = 115
	if !pos.AvgCost.Equal(decimal.NewFromInt(115)) {
		t.Errorf("avgCost = %s, want 115", pos.AvgCost)
	}
	if !pos.Quantity.Equal(decimal.NewFromInt(40)) {
		t.Errorf("quantity = %s, want 40", pos.Quantity)
	}
}

func TestPartialReduction(t *testing.T) {
	m, _ := newTestManager(t, 100000)

	m.ApplyFill(fill("O1", "AAPL", types.OrderSideBuy, 40, 100, 0))
	m.ApplyFill(fill("O2", "AAPL", types.OrderSideSell, 15, 110, 0))

	pos, _ := m.GetPosition("AAPL")
	if !pos.Quantity.Equal(decimal.NewFromInt(25)) {
		t.Errorf("quantity = %s, want 25", pos.Quantity)
	}
	// Cost basis unchanged by a reduction.
	if !pos.AvgCost.Equal(decimal.NewFromInt(100)) {
		t.Errorf("avgCost = %s, want 100", pos.AvgCost)
	}
	if !m.RealizedPnL().Equal(decimal.NewFromInt(150)) {
		t.Errorf("realizedPnL = %s, want 150", m.RealizedPnL())
	}
}

func TestCrossingZeroOpensFreshLeg(t *testing.T) {
	m, _ := newTestManager(t, 100000)

	m.ApplyFill(fill("O1", "AAPL", types.OrderSideBuy, 20, 100, 0))
	m.ApplyFill(fill("O2", "AAPL", types.OrderSideSell, 50, 110, 0))

	pos, ok := m.GetPosition("AAPL")
	if !ok {
		t.Fatal("short leg not created")
	}
	if !pos.Quantity.Equal(decimal.NewFromInt(-30)) {
		t.Errorf("quantity = %s, want -30", pos.Quantity)
	}
	// Fresh leg carries the fill price as its basis.
	if !pos.AvgCost.Equal(decimal.NewFromInt(110)) {
		t.Errorf("avgCost = %s, want 110", pos.AvgCost)
	}
	// Realized on the closed 20 lot: 20 * (110-100) = 200.
	if !m.RealizedPnL().Equal(decimal.NewFromInt(200)) {
		t.Errorf("realizedPnL = %s, want 200", m.RealizedPnL())
	}
}

func TestShortCoverRealizesInvertedPnL(t *testing.T) {
	m, _ := newTestManager(t, 100000)

	m.ApplyFill(fill("O1", "AAPL", types.OrderSideSell, 30, 120, 0))
	m.ApplyFill(fill("O2", "AAPL", types.OrderSideBuy, 30, 100, 0))

	// Short at 120, covered at 100: profit 30*20 = 600.
	if !m.RealizedPnL().Equal(decimal.NewFromInt(600)) {
		t.Errorf("realizedPnL = %s, want 600", m.RealizedPnL())
	}
	if _, held := m.GetPosition("AAPL"); held {
		t.Error("short not removed after cover")
	}
}

func TestTotalValueInvariant(t *testing.T) {
	m, _ := newTestManager(t, 100000)

	m.ApplyFill(fill("O1", "AAPL", types.OrderSideBuy, 50, 150, 1))
	m.ApplyFill(fill("O2", "MSFT", types.OrderSideBuy, 20, 300, 1))
	m.UpdatePrice("AAPL", decimal.NewFromInt(155))
	m.UpdatePrice("MSFT", decimal.NewFromInt(290))

	snap := m.Snapshot()
	sum := snap.Cash
	for _, pos := range snap.Positions {
		sum = sum.Add(pos.MarketValue)
	}
	if !snap.TotalValue().Sub(sum).Abs().LessThan(decimal.NewFromFloat(1e-6)) {
		t.Errorf("totalValue %s != cash+positions %s", snap.TotalValue(), sum)
	}
}

func TestUnrealizedPnLTracksPrice(t *testing.T) {
	m, _ := newTestManager(t, 100000)

	m.ApplyFill(fill("O1", "AAPL", types.OrderSideBuy, 10, 150, 0))
	m.UpdatePrice("AAPL", decimal.NewFromInt(160))

	pos, _ := m.GetPosition("AAPL")
	if !pos.UnrealizedPnL.Equal(decimal.NewFromInt(100)) {
		t.Errorf("unrealizedPnL = %s, want 100", pos.UnrealizedPnL)
	}
	if !pos.MarketValue.Equal(decimal.NewFromInt(1600)) {
		t.Errorf("marketValue = %s, want 1600", pos.MarketValue)
	}
}

func TestNegativeCashTriggersFatal(t *testing.T) {
	m, _ := newTestManager(t, 1000)

	var fatal string
	m.OnFatal = func(reason string) { fatal = reason }

	m.ApplyFill(fill("O1", "AAPL", types.OrderSideBuy, 100, 150, 1))

	if fatal == "" {
		t.Error("OnFatal not invoked on negative cash")
	}
}

func TestRealizedCallbackCreditsStrategy(t *testing.T) {
	m, _ := newTestManager(t, 100000)

	m.StrategyResolver = func(orderID string) string { return "momentum" }
	var gotStrategy string
	var gotPnL decimal.Decimal
	m.OnRealized = func(strategy string, pnl decimal.Decimal) {
		gotStrategy, gotPnL = strategy, pnl
	}

	m.ApplyFill(fill("O1", "AAPL", types.OrderSideBuy, 10, 100, 0))
	m.ApplyFill(fill("O2", "AAPL", types.OrderSideSell, 10, 105, 0))

	if gotStrategy != "momentum" {
		t.Errorf("strategy = %q, want momentum", gotStrategy)
	}
	if !gotPnL.Equal(decimal.NewFromInt(50)) {
		t.Errorf("pnl = %s, want 50", gotPnL)
	}
}

func TestValuationPublishesPortfolioValue(t *testing.T) {
	m, bus := newTestManager(t, 100000)

	m.ApplyFill(fill("O1", "AAPL", types.OrderSideBuy, 10, 100, 0))
	m.Valuate(time.Now().UTC())

	// The bus is not started; published events still land in the audit ring.
	found := false
	for _, rec := range bus.AuditLog() {
		if rec.EventType == types.EventTypePortfolioValue {
			found = true
		}
	}
	if !found {
		t.Error("no portfolio_value event published by valuation")
	}
}
