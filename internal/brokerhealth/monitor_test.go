package brokerhealth_test

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-trading/engine/internal/broker"
	"github.com/atlas-trading/engine/internal/brokerhealth"
	"github.com/atlas-trading/engine/internal/config"
	"github.com/atlas-trading/engine/internal/types"
)

func testHealthConfig() config.BrokerHealthConfig {
	return config.BrokerHealthConfig{
		CheckInterval:          time.Hour, // probes driven manually in tests
		RetentionHours:         1,
		AutoRecoveryEnabled:    true,
		EnablePredictiveAlerts: true,
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

func TestHealthyAfterSuccessfulProbes(t *testing.T) {
	m := brokerhealth.NewMonitor(zap.NewNop(), testHealthConfig(), nil)
	p := connectedPaper(t, "b1")
	m.Track(p)

	for i := 0; i < 5; i++ {
		m.CheckAll(context.Background())
	}

	h, ok := m.Health("b1")
	if !ok {
		t.Fatal("broker not tracked")
	}
	if h.Status != types.HealthHealthy {
		t.Errorf("status = %s, want healthy", h.Status)
	}
	if h.SuccessRate != 1.0 {
		t.Errorf("successRate = %v, want 1.0", h.SuccessRate)
	}
}

func TestOfflineAfterFailedProbe(t *testing.T) {
	m := brokerhealth.NewMonitor(zap.NewNop(), testHealthConfig(), nil)
	p := connectedPaper(t, "b1")
	m.Track(p)

	m.CheckAll(context.Background())
	p.SetProbeFailure(true)
	m.CheckAll(context.Background())

	h, _ := m.Health("b1")
	if h.Status != types.HealthOffline {
		t.Errorf("status = %s, want offline after failed probe", h.Status)
	}
	if h.ConsecutiveFailures != 1 {
		t.Errorf("consecutiveFailures = %d, want 1", h.ConsecutiveFailures)
	}
	if h.LastError == "" {
		t.Error("lastError empty after failed probe")
	}
}

func TestRecoveryAfterProbeSucceeds(t *testing.T) {
	m := brokerhealth.NewMonitor(zap.NewNop(), testHealthConfig(), nil)
	p := connectedPaper(t, "b1")
	m.Track(p)

	p.SetProbeFailure(true)
	for i := 0; i < 3; i++ {
		m.CheckAll(context.Background())
	}
	p.SetProbeFailure(false)
	m.CheckAll(context.Background())

	h, _ := m.Health("b1")
	if h.ConsecutiveFailures != 0 {
		t.Errorf("consecutiveFailures = %d, want 0 after recovery", h.ConsecutiveFailures)
	}
	if h.Status == types.HealthOffline {
		t.Errorf("status = %s, want not offline after successful probe", h.Status)
	}
}

func TestAutoRecoveryReconnects(t *testing.T) {
	m := brokerhealth.NewMonitor(zap.NewNop(), testHealthConfig(), nil)
	p := connectedPaper(t, "b1")
	m.Track(p)

	// Paper.Connect clears the probe failure flag, so two failed probes
	// followed by auto-recovery bring the broker back.
	p.SetProbeFailure(true)
	m.CheckAll(context.Background())
	m.CheckAll(context.Background()) // second failure triggers Connect()
	m.CheckAll(context.Background()) // next probe confirms recovery

	h, _ := m.Health("b1")
	if h.ConsecutiveFailures != 0 {
		t.Errorf("consecutiveFailures = %d, want 0 after auto-recovery", h.ConsecutiveFailures)
	}
}

func TestSystemAlertWhenMajorityUnhealthy(t *testing.T) {
	// Disable auto-recovery to keep b1 down for the scenario.
	cfg := testHealthConfig()
	cfg.AutoRecoveryEnabled = false
	m := brokerhealth.NewMonitor(zap.NewNop(), cfg, nil)

	var alerts []brokerhealth.Alert
	m.RegisterAlertCallback(func(a brokerhealth.Alert) { alerts = append(alerts, a) })

	p1 := connectedPaper(t, "b1")
	p2 := connectedPaper(t, "b2")
	p3 := connectedPaper(t, "b3")
	m.Track(p1)
	m.Track(p2)
	m.Track(p3)

	p1.SetProbeFailure(true)
	p2.SetProbeFailure(true)
	m.CheckAll(context.Background())

	found := false
	for _, a := range alerts {
		if a.Metric == "healthy_ratio" && a.Level == "critical" {
			found = true
		}
	}
	if !found {
		t.Errorf("no critical healthy_ratio alert with 2/3 brokers down: %+v", alerts)
	}
	if len(m.RecentAlerts()) == 0 {
		t.Error("alert history empty")
	}
}
