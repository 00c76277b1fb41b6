package risk

import (
	"math"
	"sort"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/atlas-trading/engine/internal/types"
)

const (
	riskFreeRate = 0.02
	tradingDays  = 252
)

// Metrics computes portfolio risk statistics over the recorded daily
// returns. Results are cached for 15 minutes.
func (m *Manager) Metrics(portfolio *types.Portfolio) map[string]float64 {
	m.cacheMu.Lock()
	if m.cachedStats != nil && time.Since(m.cachedAt) < metricsCacheTTL {
		out := make(map[string]float64, len(m.cachedStats))
		for k, v := range m.cachedStats {
			out[k] = v
		}
		m.cacheMu.Unlock()
		return out
	}
	m.cacheMu.Unlock()

	stats := m.computeMetrics(portfolio)

	m.cacheMu.Lock()
	m.cachedStats = stats
	m.cachedAt = time.Now()
	m.cacheMu.Unlock()

	m.publishMetrics(stats)

	out := make(map[string]float64, len(stats))
	for k, v := range stats {
		out[k] = v
	}
	return out
}

// InvalidateMetricsCache forces the next Metrics call to recompute.
func (m *Manager) InvalidateMetricsCache() {
	m.cacheMu.Lock()
	m.cachedStats = nil
	m.cacheMu.Unlock()
}

func (m *Manager) computeMetrics(portfolio *types.Portfolio) map[string]float64 {
	m.mu.RLock()
	returns := make([]float64, len(m.returns))
	copy(returns, m.returns)
	currentDD, maxDD := m.currentDrawdown, m.maxDrawdown
	m.mu.RUnlock()

	out := map[string]float64{
		"current_drawdown": currentDD,
		"max_drawdown":     maxDD,
	}

	hhi := concentrationHHI(portfolio)
	out["concentration_hhi"] = hhi
	if hhi > 0 {
		out["effective_positions"] = 1 / hhi
	} else {
		out["effective_positions"] = 0
	}

	if len(returns) < 2 {
		return out
	}

	mean := stat.Mean(returns, nil)
	std := stat.StdDev(returns, nil)

	out["daily_volatility"] = std
	out["annualized_volatility"] = std * math.Sqrt(tradingDays)
	out["annualized_return"] = mean * tradingDays

	if std > 0 {
		out["sharpe_ratio"] = (mean*tradingDays - riskFreeRate) / (std * math.Sqrt(tradingDays))
	}

	sorted := make([]float64, len(returns))
	copy(sorted, returns)
	sort.Float64s(sorted)

	var95 := stat.Quantile(1-m.cfg.VarConfidenceLevel, stat.Empirical, sorted, nil)
	var99 := stat.Quantile(0.01, stat.Empirical, sorted, nil)
	out["var_95"] = -var95
	out["var_99"] = -var99
	out["expected_shortfall"] = -tailMean(sorted, var95)

	out["skewness"] = stat.Skew(returns, nil)
	out["excess_kurtosis"] = stat.ExKurtosis(returns, nil)

	if maxDD > 0 {
		out["calmar_ratio"] = mean * tradingDays / maxDD
	}
	return out
}

// publishMetrics emits a risk snapshot event on recompute.
func (m *Manager) publishMetrics(stats map[string]float64) {
	if m.bus == nil {
		return
	}
	event := &types.RiskMetricsEvent{
		BaseEvent:   types.NewBaseEvent(types.EventTypeRiskMetrics, ""),
		VaR95:       stats["var_95"],
		VaR99:       stats["var_99"],
		ES:          stats["expected_shortfall"],
		Volatility:  stats["annualized_volatility"],
		MaxDrawdown: stats["max_drawdown"],
	}
	if err := m.bus.Publish(event); err != nil {
		m.logger.Debug("Risk metrics event dropped", zap.Error(err))
	}
}

// tailMean averages the returns at or below the cutoff.
func tailMean(sorted []float64, cutoff float64) float64 {
	var sum float64
	var n int
	for _, r := range sorted {
		if r > cutoff {
			break
		}
		sum += r
		n++
	}
	if n == 0 {
		return cutoff
	}
	// Every summed return is at or below the cutoff; rounding in the sum
	// must not lift the mean above it.
	mean := sum / float64(n)
	if mean > cutoff {
		return cutoff
	}
	return mean
}

// concentrationHHI is the Herfindahl index of absolute position weights.
func concentrationHHI(portfolio *types.Portfolio) float64 {
	if portfolio == nil {
		return 0
	}
	gross, _ := portfolio.GrossExposure().Float64()
	if gross <= 0 {
		return 0
	}
	var hhi float64
	for _, pos := range portfolio.Positions {
		v, _ := pos.MarketValue.Abs().Float64()
		w := v / gross
		hhi += w * w
	}
	return hhi
}
