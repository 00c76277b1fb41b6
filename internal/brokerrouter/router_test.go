package brokerrouter_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-trading/engine/internal/broker"
	"github.com/atlas-trading/engine/internal/brokerhealth"
	"github.com/atlas-trading/engine/internal/brokerrouter"
	"github.com/atlas-trading/engine/internal/config"
	"github.com/atlas-trading/engine/internal/types"
)

func routerConfig(policy string) config.BrokerRouterConfig {
	return config.BrokerRouterConfig{
		FailoverStrategy:    policy,
		MaxFailoverAttempts: 3,
	}
}

func brokerCfg(id string, priority int) types.BrokerConfig {
	return types.BrokerConfig{
		ID:                 id,
		Kind:               "paper",
		Priority:           priority,
		Enabled:            true,
		MaxOrdersPerMinute: 100,
		MaxOrderValue:      decimal.NewFromInt(1000000),
	}
}

func connectedPaper(t *testing.T, id string) *broker.Paper {
	t.Helper()
	p := broker.NewPaper(zap.NewNop(), broker.DefaultPaperConfig(id))
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	return p
}

func testOrder(id string) *types.Order {
	return &types.Order{
		ID:       id,
		Symbol:   "AAPL",
		Side:     types.OrderSideBuy,
		Type:     types.OrderTypeLimit,
		Quantity: decimal.NewFromInt(10),
		Price:    decimal.NewFromInt(150),
		Status:   types.OrderStatusPending,
	}
}

func TestPriorityPolicyPicksLowestNumber(t *testing.T) {
	r := brokerrouter.NewRouter(zap.NewNop(), routerConfig("priority"), nil, nil)
	r.AddBroker(brokerCfg("secondary", 2), connectedPaper(t, "secondary"))
	r.AddBroker(brokerCfg("primary", 1), connectedPaper(t, "primary"))

	_, brokerID, err := r.SubmitOrder(context.Background(), testOrder("O1"))
	if err != nil {
		t.Fatalf("SubmitOrder failed: %v", err)
	}
	if brokerID != "primary" {
		t.Errorf("routed to %s, want primary", brokerID)
	}
}

func TestFailoverToNextBroker(t *testing.T) {
	r := brokerrouter.NewRouter(zap.NewNop(), routerConfig("priority"), nil, nil)
	p1 := connectedPaper(t, "primary")
	p2 := connectedPaper(t, "secondary")
	r.AddBroker(brokerCfg("primary", 1), p1)
	r.AddBroker(brokerCfg("secondary", 2), p2)

	p1.FailNextSubmit()
	_, brokerID, err := r.SubmitOrder(context.Background(), testOrder("O1"))
	if err != nil {
		t.Fatalf("SubmitOrder failed: %v", err)
	}
	if brokerID != "secondary" {
		t.Errorf("routed to %s, want secondary after failover", brokerID)
	}

	stats := r.GetStats()
	if stats.FailoverEvents < 1 {
		t.Errorf("failoverEvents = %d, want >= 1", stats.FailoverEvents)
	}
}

func TestUnhealthyBrokerExcluded(t *testing.T) {
	healthCfg := config.BrokerHealthConfig{CheckInterval: time.Hour, RetentionHours: 1}
	monitor := brokerhealth.NewMonitor(zap.NewNop(), healthCfg, nil)
	r := brokerrouter.NewRouter(zap.NewNop(), routerConfig("priority"), nil, monitor)

	p1 := connectedPaper(t, "primary")
	p2 := connectedPaper(t, "secondary")
	monitor.Track(p1)
	monitor.Track(p2)
	r.AddBroker(brokerCfg("primary", 1), p1)
	r.AddBroker(brokerCfg("secondary", 2), p2)

	// First order goes to primary.
	_, brokerID, err := r.SubmitOrder(context.Background(), testOrder("O1"))
	if err != nil {
		t.Fatalf("SubmitOrder failed: %v", err)
	}
	if brokerID != "primary" {
		t.Errorf("routed to %s, want primary", brokerID)
	}

	// Mark primary unhealthy via a failed probe.
	p1.SetProbeFailure(true)
	monitor.CheckAll(context.Background())

	_, brokerID, err = r.SubmitOrder(context.Background(), testOrder("O2"))
	if err != nil {
		t.Fatalf("SubmitOrder after probe failure failed: %v", err)
	}
	if brokerID != "secondary" {
		t.Errorf("routed to %s, want secondary while primary offline", brokerID)
	}

	// A successful probe restores primary to the selection set.
	p1.SetProbeFailure(false)
	monitor.CheckAll(context.Background())

	_, brokerID, err = r.SubmitOrder(context.Background(), testOrder("O3"))
	if err != nil {
		t.Fatalf("SubmitOrder after recovery failed: %v", err)
	}
	if brokerID != "primary" {
		t.Errorf("routed to %s, want primary after recovery", brokerID)
	}
}

func TestCircuitBreakerRemovesFailingBroker(t *testing.T) {
	cfg := routerConfig("priority")
	cfg.MaxFailoverAttempts = 1
	r := brokerrouter.NewRouter(zap.NewNop(), cfg, nil, nil)
	p1 := connectedPaper(t, "flaky")
	r.AddBroker(brokerCfg("flaky", 1), p1)

	// Trip the breaker with consecutive failures.
	for i := 0; i < 5; i++ {
		p1.FailNextSubmit()
		r.SubmitOrder(context.Background(), testOrder("O1"))
	}

	// Breaker open: the broker is out of the selection set entirely.
	_, _, err := r.SubmitOrder(context.Background(), testOrder("O2"))
	if err == nil {
		t.Fatal("SubmitOrder succeeded through an open circuit")
	}
}

func TestRoundRobinRotates(t *testing.T) {
	r := brokerrouter.NewRouter(zap.NewNop(), routerConfig("round_robin"), nil, nil)
	r.AddBroker(brokerCfg("a", 1), connectedPaper(t, "a"))
	r.AddBroker(brokerCfg("b", 1), connectedPaper(t, "b"))

	seen := make(map[string]int)
	for i := 0; i < 4; i++ {
		_, brokerID, err := r.SubmitOrder(context.Background(), testOrder("O"+string(rune('1'+i))))
		if err != nil {
			t.Fatalf("SubmitOrder %d failed: %v", i, err)
		}
		seen[brokerID]++
	}
	if seen["a"] != 2 || seen["b"] != 2 {
		t.Errorf("rotation uneven: %v, want 2 each", seen)
	}
}

func TestRateLimitFilterExcludesBroker(t *testing.T) {
	r := brokerrouter.NewRouter(zap.NewNop(), routerConfig("priority"), nil, nil)
	cfg1 := brokerCfg("limited", 1)
	cfg1.MaxOrdersPerMinute = 2
	r.AddBroker(cfg1, connectedPaper(t, "limited"))
	r.AddBroker(brokerCfg("spare", 2), connectedPaper(t, "spare"))

	for i := 0; i < 2; i++ {
		_, brokerID, err := r.SubmitOrder(context.Background(), testOrder("O"+string(rune('1'+i))))
		if err != nil {
			t.Fatalf("SubmitOrder %d failed: %v", i, err)
		}
		if brokerID != "limited" {
			t.Fatalf("order %d routed to %s, want limited", i, brokerID)
		}
	}

	_, brokerID, err := r.SubmitOrder(context.Background(), testOrder("O3"))
	if err != nil {
		t.Fatalf("SubmitOrder over limit failed: %v", err)
	}
	if brokerID != "spare" {
		t.Errorf("routed to %s, want spare once limited hit its rate cap", brokerID)
	}
}

func TestMaxOrderValueFilter(t *testing.T) {
	r := brokerrouter.NewRouter(zap.NewNop(), routerConfig("priority"), nil, nil)
	small := brokerCfg("small", 1)
	small.MaxOrderValue = decimal.NewFromInt(1000)
	r.AddBroker(small, connectedPaper(t, "small"))
	r.AddBroker(brokerCfg("big", 2), connectedPaper(t, "big"))

	// 10 * 150 = 1500 notional exceeds small's cap.
	_, brokerID, err := r.SubmitOrder(context.Background(), testOrder("O1"))
	if err != nil {
		t.Fatalf("SubmitOrder failed: %v", err)
	}
	if brokerID != "big" {
		t.Errorf("routed to %s, want big for oversized notional", brokerID)
	}
}

func TestCancelRoutesToOriginalBroker(t *testing.T) {
	r := brokerrouter.NewRouter(zap.NewNop(), routerConfig("priority"), nil, nil)
	r.AddBroker(brokerCfg("primary", 1), connectedPaper(t, "primary"))

	order := testOrder("O1")
	_, _, err := r.SubmitOrder(context.Background(), order)
	if err != nil {
		t.Fatalf("SubmitOrder failed: %v", err)
	}

	brokerID, brokerOrderID, ok := r.RouteOf("O1")
	if !ok || brokerID != "primary" || brokerOrderID == "" {
		t.Errorf("RouteOf = (%s, %s, %v), want primary route", brokerID, brokerOrderID, ok)
	}

	// Paper fills instantly so the cancel is a no-op, but it must reach
	// the right venue without error.
	if _, err := r.CancelOrder(context.Background(), "O1"); err != nil {
		t.Errorf("CancelOrder failed: %v", err)
	}
}
