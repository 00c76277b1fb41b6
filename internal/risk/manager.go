// Package risk validates aggregated signals against portfolio-wide limits
// and computes final position sizes. Violations are never thrown outward:
// they come back as typed results and go out as events.
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/atlas-trading/engine/internal/config"
	"github.com/atlas-trading/engine/internal/events"
	"github.com/atlas-trading/engine/internal/types"
)

// Violation kinds.
const (
	KindEmergencyStop     = "emergency_stop"
	KindMaxDrawdown       = "max_drawdown"
	KindMaxPositionSize   = "max_position_size"
	KindMaxExposure       = "max_portfolio_exposure"
	KindCorrelation       = "correlation_risk"
	KindSectorExposure    = "max_sector_exposure"
	KindInsufficientFunds = "insufficient_funds"
	KindDailyLoss         = "max_daily_loss"
)

const (
	violationRingSize = 1000
	metricsCacheTTL   = 15 * time.Minute
	cashBuffer        = 1.01 // required cash cover for buys
)

// Violation is a typed, recordable limit breach.
type Violation struct {
	Kind      string    `json:"kind"`
	Current   float64   `json:"current"`
	Limit     float64   `json:"limit"`
	Severity  string    `json:"severity"`
	Symbol    string    `json:"symbol,omitempty"`
	Strategy  string    `json:"strategy,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Error implements the error interface so violations can be combined.
func (v *Violation) Error() string {
	return fmt.Sprintf("risk violation %s: %s", v.Kind, v.Message)
}

// SectorProvider supplies sector classification. Absent providers cause the
// sector check to be skipped rather than silently passed.
type SectorProvider interface {
	SectorOf(symbol string) (string, bool)
}

// CorrelationProvider supplies pairwise symbol correlation.
type CorrelationProvider interface {
	Correlation(a, b string) (float64, bool)
}

// Manager validates signals, sizes positions and tracks drawdown.
type Manager struct {
	logger *zap.Logger
	cfg    config.RiskConfig
	bus    *events.Bus

	sectors      SectorProvider
	correlations CorrelationProvider

	mu            sync.RWMutex
	emergencyStop bool
	stopReason    string

	// Drawdown tracking, updated on every valuation tick.
	peakValue       decimal.Decimal
	currentDrawdown float64
	maxDrawdown     float64
	dayStartValue   decimal.Decimal
	dayStart        time.Time

	// Daily return history for risk metrics.
	returns []float64

	// Rolling per-symbol closes for volatility estimates.
	closes map[string][]float64

	// Trade stats feeding the Kelly sizing algorithm.
	kellyWins   int
	kellyLosses int
	kellyAvgWin  float64
	kellyAvgLoss float64

	violMu     sync.Mutex
	violations []Violation

	cacheMu     sync.Mutex
	cachedAt    time.Time
	cachedStats map[string]float64
}

// NewManager creates a risk manager. Sector and correlation providers may
// be nil; the corresponding checks are then skipped.
func NewManager(logger *zap.Logger, cfg config.RiskConfig, bus *events.Bus, sectors SectorProvider, correlations CorrelationProvider) *Manager {
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = 252
	}
	return &Manager{
		logger:       logger.Named("risk-manager"),
		cfg:          cfg,
		bus:          bus,
		sectors:      sectors,
		correlations: correlations,
		closes:       make(map[string][]float64),
	}
}

// Validate runs the check chain against an aggregated signal. The first
// failing check wins; ok=false comes with the typed violation.
func (m *Manager) Validate(signal *types.AggregatedSignal, portfolio *types.Portfolio) (bool, *Violation) {
	m.mu.RLock()
	stopped, stopReason := m.emergencyStop, m.stopReason
	currentDD := m.currentDrawdown
	m.mu.RUnlock()

	limits := m.cfg.Limits
	portfolioValue, _ := portfolio.TotalValue().Float64()
	positionValue, _ := signal.Price.Mul(signal.Quantity).Float64()

	if stopped {
		return false, m.reject(&Violation{
			Kind:    KindEmergencyStop,
			Current: 1, Limit: 0,
			Symbol:  signal.Symbol,
			Message: "emergency stop active: " + stopReason,
		})
	}

	if limits.MaxDrawdown > 0 && currentDD > limits.MaxDrawdown {
		return false, m.reject(&Violation{
			Kind:    KindMaxDrawdown,
			Current: currentDD, Limit: limits.MaxDrawdown,
			Symbol:  signal.Symbol,
			Message: fmt.Sprintf("drawdown %.2f%% exceeds limit %.2f%%", currentDD*100, limits.MaxDrawdown*100),
		})
	}

	if portfolioValue > 0 && limits.MaxPositionSize > 0 {
		frac := positionValue / portfolioValue
		if frac > limits.MaxPositionSize {
			return false, m.reject(&Violation{
				Kind:    KindMaxPositionSize,
				Current: frac, Limit: limits.MaxPositionSize,
				Symbol:  signal.Symbol,
				Message: fmt.Sprintf("position %.2f%% of portfolio exceeds limit %.2f%%", frac*100, limits.MaxPositionSize*100),
			})
		}
	}

	if portfolioValue > 0 && limits.MaxPortfolioExposure > 0 {
		gross, _ := portfolio.GrossExposure().Float64()
		frac := (gross + positionValue) / portfolioValue
		if frac > limits.MaxPortfolioExposure {
			return false, m.reject(&Violation{
				Kind:    KindMaxExposure,
				Current: frac, Limit: limits.MaxPortfolioExposure,
				Symbol:  signal.Symbol,
				Message: fmt.Sprintf("total exposure %.2f%% exceeds limit %.2f%%", frac*100, limits.MaxPortfolioExposure*100),
			})
		}
	}

	if v := m.checkCorrelation(signal, portfolio, portfolioValue, positionValue); v != nil {
		return false, m.reject(v)
	}

	if v := m.checkSector(signal, portfolio, portfolioValue, positionValue); v != nil {
		return false, m.reject(v)
	}

	if signal.Side == types.SignalBuy {
		cash, _ := portfolio.Cash.Float64()
		required := positionValue * cashBuffer
		if cash < required {
			return false, m.reject(&Violation{
				Kind:    KindInsufficientFunds,
				Current: cash, Limit: required,
				Symbol:  signal.Symbol,
				Message: fmt.Sprintf("cash %.2f below required %.2f", cash, required),
			})
		}
	}

	return true, nil
}

// checkCorrelation rejects when any held symbol correlates above the limit
// and the combined weight is material (> 5%). Skipped without a provider.
func (m *Manager) checkCorrelation(signal *types.AggregatedSignal, portfolio *types.Portfolio, portfolioValue, positionValue float64) *Violation {
	if m.correlations == nil || portfolioValue <= 0 || m.cfg.Limits.MaxCorrelation <= 0 {
		return nil
	}
	for symbol, pos := range portfolio.Positions {
		if symbol == signal.Symbol {
			continue
		}
		corr, ok := m.correlations.Correlation(signal.Symbol, symbol)
		if !ok || corr <= m.cfg.Limits.MaxCorrelation {
			continue
		}
		held, _ := pos.MarketValue.Abs().Float64()
		combined := (held + positionValue) / portfolioValue
		if combined > 0.05 {
			return &Violation{
				Kind:    KindCorrelation,
				Current: corr, Limit: m.cfg.Limits.MaxCorrelation,
				Symbol:  signal.Symbol,
				Message: fmt.Sprintf("correlation %.2f with %s above limit at %.2f%% combined weight", corr, symbol, combined*100),
			}
		}
	}
	return nil
}

// checkSector rejects when the post-trade sector weight breaches the limit.
// Skipped without a provider.
func (m *Manager) checkSector(signal *types.AggregatedSignal, portfolio *types.Portfolio, portfolioValue, positionValue float64) *Violation {
	if m.sectors == nil || portfolioValue <= 0 || m.cfg.Limits.MaxSectorExposure <= 0 {
		return nil
	}
	sector, ok := m.sectors.SectorOf(signal.Symbol)
	if !ok {
		return nil
	}
	sectorValue := positionValue
	for symbol, pos := range portfolio.Positions {
		if s, ok := m.sectors.SectorOf(symbol); ok && s == sector {
			held, _ := pos.MarketValue.Abs().Float64()
			sectorValue += held
		}
	}
	frac := sectorValue / portfolioValue
	if frac > m.cfg.Limits.MaxSectorExposure {
		return &Violation{
			Kind:    KindSectorExposure,
			Current: frac, Limit: m.cfg.Limits.MaxSectorExposure,
			Symbol:  signal.Symbol,
			Message: fmt.Sprintf("sector %s exposure %.2f%% exceeds limit %.2f%%", sector, frac*100, m.cfg.Limits.MaxSectorExposure*100),
		}
	}
	return nil
}

// CheckPortfolio evaluates standing portfolio-level limits. The combined
// error carries every individual violation.
func (m *Manager) CheckPortfolio(portfolio *types.Portfolio) ([]Violation, error) {
	m.mu.RLock()
	currentDD := m.currentDrawdown
	dayStartValue := m.dayStartValue
	m.mu.RUnlock()

	var out []Violation
	var err error
	limits := m.cfg.Limits

	if limits.MaxDrawdown > 0 && currentDD > limits.MaxDrawdown {
		v := Violation{
			Kind:    KindMaxDrawdown,
			Current: currentDD, Limit: limits.MaxDrawdown,
			Message: fmt.Sprintf("drawdown %.2f%% exceeds limit %.2f%%", currentDD*100, limits.MaxDrawdown*100),
		}
		out = append(out, v)
		err = multierr.Append(err, &v)
	}

	if limits.MaxDailyLoss > 0 && !dayStartValue.IsZero() {
		loss, _ := dayStartValue.Sub(portfolio.TotalValue()).Div(dayStartValue).Float64()
		if loss > limits.MaxDailyLoss {
			v := Violation{
				Kind:    KindDailyLoss,
				Current: loss, Limit: limits.MaxDailyLoss,
				Message: fmt.Sprintf("daily loss %.2f%% exceeds limit %.2f%%", loss*100, limits.MaxDailyLoss*100),
			}
			out = append(out, v)
			err = multierr.Append(err, &v)
		}
	}

	if limits.MaxPortfolioExposure > 0 {
		pv, _ := portfolio.TotalValue().Float64()
		if pv > 0 {
			gross, _ := portfolio.GrossExposure().Float64()
			if frac := gross / pv; frac > limits.MaxPortfolioExposure {
				v := Violation{
					Kind:    KindMaxExposure,
					Current: frac, Limit: limits.MaxPortfolioExposure,
					Message: fmt.Sprintf("exposure %.2f%% exceeds limit %.2f%%", frac*100, limits.MaxPortfolioExposure*100),
				}
				out = append(out, v)
				err = multierr.Append(err, &v)
			}
		}
	}

	for i := range out {
		m.record(&out[i])
	}
	return out, err
}

// reject classifies severity, records and publishes the violation.
func (m *Manager) reject(v *Violation) *Violation {
	v.Severity = "warning"
	if v.Limit > 0 && v.Current > 1.5*v.Limit {
		v.Severity = "critical"
	}
	if v.Kind == KindEmergencyStop {
		v.Severity = "critical"
	}
	m.record(v)
	return v
}

func (m *Manager) record(v *Violation) {
	if v.Timestamp.IsZero() {
		v.Timestamp = time.Now().UTC()
	}
	if v.Severity == "" {
		v.Severity = "warning"
		if v.Limit > 0 && v.Current > 1.5*v.Limit {
			v.Severity = "critical"
		}
	}

	m.violMu.Lock()
	m.violations = append(m.violations, *v)
	if len(m.violations) > violationRingSize {
		m.violations = m.violations[len(m.violations)-violationRingSize:]
	}
	m.violMu.Unlock()

	m.logger.Warn("Risk violation",
		zap.String("kind", v.Kind),
		zap.Float64("current", v.Current),
		zap.Float64("limit", v.Limit),
		zap.String("severity", v.Severity),
		zap.String("symbol", v.Symbol),
	)

	if m.bus != nil {
		if err := m.bus.Publish(&types.RiskViolationEvent{
			BaseEvent: types.NewBaseEvent(types.EventTypeRiskViolation, ""),
			Kind:      v.Kind,
			Current:   v.Current,
			Limit:     v.Limit,
			Severity:  v.Severity,
			Symbol:    v.Symbol,
			Strategy:  v.Strategy,
		}); err != nil {
			m.logger.Debug("Risk violation event dropped", zap.Error(err))
		}
	}
}

// RecentViolations returns a copy of the rolling violation ring.
func (m *Manager) RecentViolations() []Violation {
	m.violMu.Lock()
	defer m.violMu.Unlock()
	out := make([]Violation, len(m.violations))
	copy(out, m.violations)
	return out
}

// TriggerEmergencyStop flips the one-way stop switch.
func (m *Manager) TriggerEmergencyStop(reason string) {
	m.mu.Lock()
	already := m.emergencyStop
	m.emergencyStop = true
	m.stopReason = reason
	m.mu.Unlock()

	if !already {
		m.logger.Error("EMERGENCY STOP triggered", zap.String("reason", reason))
		m.record(&Violation{
			Kind:    KindEmergencyStop,
			Current: 1,
			Message: reason,
		})
	}
}

// Reset clears the emergency stop. Manual operation only.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.emergencyStop = false
	m.stopReason = ""
	m.mu.Unlock()
	m.logger.Info("Emergency stop reset")
}

// EmergencyStopped reports whether the stop switch is set.
func (m *Manager) EmergencyStopped() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.emergencyStop
}

// UpdatePortfolioValue feeds a valuation tick into drawdown and return
// tracking. The portfolio manager calls this on every valuation.
func (m *Manager) UpdatePortfolioValue(value decimal.Decimal, ts time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dayStart.IsZero() || ts.Day() != m.dayStart.Day() || ts.Sub(m.dayStart) > 24*time.Hour {
		if !m.dayStartValue.IsZero() {
			ret, _ := value.Sub(m.dayStartValue).Div(m.dayStartValue).Float64()
			m.returns = append(m.returns, ret)
			if len(m.returns) > m.cfg.LookbackDays {
				m.returns = m.returns[len(m.returns)-m.cfg.LookbackDays:]
			}
		}
		m.dayStart = ts
		m.dayStartValue = value
	}

	if value.GreaterThan(m.peakValue) {
		m.peakValue = value
	}
	if m.peakValue.IsPositive() {
		m.currentDrawdown, _ = m.peakValue.Sub(value).Div(m.peakValue).Float64()
		if m.currentDrawdown > m.maxDrawdown {
			m.maxDrawdown = m.currentDrawdown
		}
	}
}

// ObserveClose feeds a market close into per-symbol volatility estimates.
func (m *Manager) ObserveClose(symbol string, close decimal.Decimal) {
	c, _ := close.Float64()
	if c <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	series := append(m.closes[symbol], c)
	if len(series) > m.cfg.LookbackDays+1 {
		series = series[len(series)-m.cfg.LookbackDays-1:]
	}
	m.closes[symbol] = series
}

// RecordTradeOutcome feeds a realised trade into the Kelly statistics.
func (m *Manager) RecordTradeOutcome(pnl decimal.Decimal) {
	p, _ := pnl.Float64()
	m.mu.Lock()
	defer m.mu.Unlock()
	if p > 0 {
		m.kellyWins++
		m.kellyAvgWin += (p - m.kellyAvgWin) / float64(m.kellyWins)
	} else if p < 0 {
		m.kellyLosses++
		m.kellyAvgLoss += (-p - m.kellyAvgLoss) / float64(m.kellyLosses)
	}
}

// Drawdown returns (current, max).
func (m *Manager) Drawdown() (float64, float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentDrawdown, m.maxDrawdown
}
