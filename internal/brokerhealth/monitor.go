// Package brokerhealth probes broker liveness, maintains rolling response
// and success metrics, derives health status and emits alerts.
package brokerhealth

import (
	"context"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
	"go.uber.org/zap"

	"github.com/atlas-trading/engine/internal/broker"
	"github.com/atlas-trading/engine/internal/config"
	"github.com/atlas-trading/engine/internal/events"
	"github.com/atlas-trading/engine/internal/types"
)

// Status thresholds.
const (
	failuresWarning  = 2
	failuresCritical = 5
	uptimeWarning    = 0.95
	uptimeCritical   = 0.85
	responseWarning  = 1000.0 // ms
	responseCritical = 5000.0 // ms

	responseRingSize = 100
	alertRingSize    = 500
	trendWindow      = 10
	trendSlopeAlert  = 50.0 // ms per check
	probeTimeout     = 10 * time.Second
)

// Alert is one health notification.
type Alert struct {
	BrokerID  string    `json:"brokerId"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Metric    string    `json:"metric,omitempty"`
	Value     float64   `json:"value,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertCallback receives every emitted alert in addition to the bus.
type AlertCallback func(alert Alert)

// tracked holds the rolling probe history for one broker.
type tracked struct {
	adapter broker.Adapter

	mu                  sync.Mutex
	responseMs          []float64 // ring of recent probe latencies
	successes           []bool    // retention window of probe outcomes
	maxSuccesses        int
	consecutiveFailures int
	lastProbeOK         bool
	lastProbeAt         time.Time
	lastError           string
	recoveryAttempted   bool
}

// Monitor periodically probes every registered broker.
type Monitor struct {
	logger *zap.Logger
	cfg    config.BrokerHealthConfig
	bus    *events.Bus

	mu      sync.RWMutex
	brokers map[string]*tracked

	alertMu   sync.Mutex
	alerts    []Alert
	callbacks []AlertCallback

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewMonitor creates a broker health monitor.
func NewMonitor(logger *zap.Logger, cfg config.BrokerHealthConfig, bus *events.Bus) *Monitor {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.RetentionHours <= 0 {
		cfg.RetentionHours = 24
	}
	return &Monitor{
		logger:  logger.Named("broker-health"),
		cfg:     cfg,
		bus:     bus,
		brokers: make(map[string]*tracked),
	}
}

// Track registers a broker for monitoring.
func (m *Monitor) Track(adapter broker.Adapter) {
	maxSuccesses := int(float64(m.cfg.RetentionHours) * 3600 / m.cfg.CheckInterval.Seconds())
	if maxSuccesses < 10 {
		maxSuccesses = 10
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.brokers[adapter.ID()] = &tracked{
		adapter:      adapter,
		maxSuccesses: maxSuccesses,
	}
}

// Untrack removes a broker from monitoring.
func (m *Monitor) Untrack(brokerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.brokers, brokerID)
}

// RegisterAlertCallback adds a callback invoked for every alert.
func (m *Monitor) RegisterAlertCallback(cb AlertCallback) {
	m.alertMu.Lock()
	defer m.alertMu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// Start launches the probe loop.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop(ctx)

	m.logger.Info("Broker health monitor started",
		zap.Duration("checkInterval", m.cfg.CheckInterval),
	)
	return nil
}

// Stop halts probing.
func (m *Monitor) Stop() {
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

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckAll(ctx)
		}
	}
}

// CheckAll probes every tracked broker once and evaluates system health.
func (m *Monitor) CheckAll(ctx context.Context) {
	m.mu.RLock()
	targets := make(map[string]*tracked, len(m.brokers))
	for id, t := range m.brokers {
		targets[id] = t
	}
	m.mu.RUnlock()

	var healthy, total int
	for id, t := range targets {
		total++
		if m.probe(ctx, id, t) {
			healthy++
		}
	}

	if total > 0 {
		ratio := float64(healthy) / float64(total)
		if ratio < 0.5 {
			m.emit(Alert{
				Level:   "critical",
				Message: "less than half of brokers healthy",
				Metric:  "healthy_ratio",
				Value:   ratio,
			})
		} else if ratio < 0.8 {
			m.emit(Alert{
				Level:   "warning",
				Message: "broker availability degraded",
				Metric:  "healthy_ratio",
				Value:   ratio,
			})
		}
	}
}

// probe runs one liveness check and updates the rolling metrics. Returns
// whether the broker is usable (healthy or warning).
func (m *Monitor) probe(ctx context.Context, id string, t *tracked) bool {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	start := time.Now()
	_, err := t.adapter.GetAccountInfo(probeCtx)
	elapsed := float64(time.Since(start).Milliseconds())
	cancel()

	t.mu.Lock()
	t.lastProbeAt = time.Now()
	t.lastProbeOK = err == nil
	t.responseMs = append(t.responseMs, elapsed)
	if len(t.responseMs) > responseRingSize {
		t.responseMs = t.responseMs[len(t.responseMs)-responseRingSize:]
	}
	t.successes = append(t.successes, err == nil)
	if len(t.successes) > t.maxSuccesses {
		t.successes = t.successes[len(t.successes)-t.maxSuccesses:]
	}
	if err != nil {
		t.consecutiveFailures++
		t.lastError = err.Error()
	} else {
		t.consecutiveFailures = 0
		t.lastError = ""
		t.recoveryAttempted = false
	}
	failures := t.consecutiveFailures
	needRecovery := m.cfg.AutoRecoveryEnabled && failures >= 2 && !t.recoveryAttempted
	if needRecovery {
		t.recoveryAttempted = true
	}
	trend := 0.0
	if m.cfg.EnablePredictiveAlerts && len(t.responseMs) >= trendWindow {
		trend = responseTrend(t.responseMs[len(t.responseMs)-trendWindow:])
	}
	t.mu.Unlock()

	health := m.healthOf(id, t)

	if err != nil {
		m.logger.Warn("Broker probe failed",
			zap.String("broker", id),
			zap.Int("consecutiveFailures", failures),
			zap.Error(err),
		)
		if failures == failuresCritical {
			m.emit(Alert{
				BrokerID: id,
				Level:    "critical",
				Message:  "broker unresponsive",
				Metric:   "consecutive_failures",
				Value:    float64(failures),
			})
		}
	}

	if trend > trendSlopeAlert {
		m.emit(Alert{
			BrokerID: id,
			Level:    "warning",
			Message:  "response time trending upward",
			Metric:   "response_trend_ms_per_check",
			Value:    trend,
		})
	}

	if needRecovery {
		m.logger.Info("Attempting broker auto-recovery", zap.String("broker", id))
		if rerr := t.adapter.Connect(ctx); rerr != nil {
			m.logger.Warn("Auto-recovery connect failed", zap.String("broker", id), zap.Error(rerr))
		}
	}

	return health.Status == types.HealthHealthy || health.Status == types.HealthWarning
}

// responseTrend is the least-squares slope of latency over probe index.
func responseTrend(samples []float64) float64 {
	xs := make([]float64, len(samples))
	for i := range xs {
		xs[i] = float64(i)
	}
	_, slope := stat.LinearRegression(xs, samples, nil, false)
	return slope
}

// healthOf derives the status snapshot for one broker.
func (m *Monitor) healthOf(id string, t *tracked) types.BrokerHealth {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := types.BrokerHealth{
		BrokerID:            id,
		Status:              types.HealthUnknown,
		ConsecutiveFailures: t.consecutiveFailures,
		LastCheck:           t.lastProbeAt,
		LastError:           t.lastError,
	}
	if len(t.successes) == 0 {
		return h
	}

	var ok int
	for _, s := range t.successes {
		if s {
			ok++
		}
	}
	h.SuccessRate = float64(ok) / float64(len(t.successes))
	h.UptimePct = h.SuccessRate

	if len(t.responseMs) > 0 {
		var sum float64
		for _, r := range t.responseMs {
			sum += r
		}
		h.AvgResponseMs = sum / float64(len(t.responseMs))
	}

	// Uptime thresholds need a meaningful sample before they apply; a
	// single blip should not pin a recovered broker at critical.
	uptime := h.UptimePct
	if len(t.successes) < 10 {
		uptime = 1.0
	}

	switch {
	case !t.lastProbeOK:
		h.Status = types.HealthOffline
	case t.consecutiveFailures >= failuresCritical ||
		uptime < uptimeCritical ||
		h.AvgResponseMs > responseCritical:
		h.Status = types.HealthCritical
	case t.consecutiveFailures >= failuresWarning ||
		uptime < uptimeWarning ||
		h.AvgResponseMs > responseWarning:
		h.Status = types.HealthWarning
	default:
		h.Status = types.HealthHealthy
	}
	return h
}

// Health returns the derived status for one broker.
func (m *Monitor) Health(brokerID string) (types.BrokerHealth, bool) {
	m.mu.RLock()
	t, ok := m.brokers[brokerID]
	m.mu.RUnlock()
	if !ok {
		return types.BrokerHealth{}, false
	}
	return m.healthOf(brokerID, t), true
}

// AllHealth returns derived status for every tracked broker.
func (m *Monitor) AllHealth() map[string]types.BrokerHealth {
	m.mu.RLock()
	targets := make(map[string]*tracked, len(m.brokers))
	for id, t := range m.brokers {
		targets[id] = t
	}
	m.mu.RUnlock()

	out := make(map[string]types.BrokerHealth, len(targets))
	for id, t := range targets {
		out[id] = m.healthOf(id, t)
	}
	return out
}

// RecentAlerts returns a copy of the alert history ring.
func (m *Monitor) RecentAlerts() []Alert {
	m.alertMu.Lock()
	defer m.alertMu.Unlock()
	out := make([]Alert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

// emit records an alert, publishes it and runs callbacks.
func (m *Monitor) emit(alert Alert) {
	alert.Timestamp = time.Now().UTC()

	m.alertMu.Lock()
	m.alerts = append(m.alerts, alert)
	if len(m.alerts) > alertRingSize {
		m.alerts = m.alerts[len(m.alerts)-alertRingSize:]
	}
	callbacks := make([]AlertCallback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.alertMu.Unlock()

	m.logger.Warn("Broker health alert",
		zap.String("broker", alert.BrokerID),
		zap.String("level", alert.Level),
		zap.String("message", alert.Message),
	)

	if m.bus != nil {
		if err := m.bus.Publish(&types.BrokerHealthAlertEvent{
			BaseEvent: types.NewBaseEvent(types.EventTypeBrokerHealthAlert, ""),
			BrokerID:  alert.BrokerID,
			Level:     alert.Level,
			Message:   alert.Message,
			Metric:    alert.Metric,
			Value:     alert.Value,
		}); err != nil {
			m.logger.Debug("Health alert event dropped", zap.Error(err))
		}
	}

	for _, cb := range callbacks {
		cb(alert)
	}
}
