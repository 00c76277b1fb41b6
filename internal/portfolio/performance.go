package portfolio

import (
	"context"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
	"go.uber.org/zap"
)

const (
	riskFreeRate      = 0.02
	tradingDays       = 252
	minReturnsForPerf = 30
)

func (m *Manager) performanceLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.PerformanceFrequency)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RecalculatePerformance()
		}
	}
}

// RecalculatePerformance recomputes performance metrics from the daily
// return history. It is a no-op until enough returns have accumulated.
func (m *Manager) RecalculatePerformance() {
	m.mu.RLock()
	returns := make([]float64, len(m.dailyReturns))
	copy(returns, m.dailyReturns)
	totalReturn, _ := m.portfolio.TotalReturn().Float64()
	currentDD, maxDD := m.currentDD, m.maxDD
	trades := make([]float64, 0, len(m.tradePnLs))
	for _, p := range m.tradePnLs {
		f, _ := p.Float64()
		trades = append(trades, f)
	}
	m.mu.RUnlock()

	if len(returns) < minReturnsForPerf {
		return
	}

	mean := stat.Mean(returns, nil)
	std := stat.StdDev(returns, nil)

	perf := map[string]float64{
		"total_return":          totalReturn,
		"annualized_return":     mean * tradingDays,
		"annualized_volatility": std * math.Sqrt(tradingDays),
		"current_drawdown":      currentDD,
		"max_drawdown":          maxDD,
	}

	if std > 0 {
		perf["sharpe_ratio"] = (mean*tradingDays - riskFreeRate) / (std * math.Sqrt(tradingDays))
	}
	if downside := downsideDeviation(returns); downside > 0 {
		perf["sortino_ratio"] = (mean*tradingDays - riskFreeRate) / (downside * math.Sqrt(tradingDays))
	}
	if maxDD > 0 {
		perf["calmar_ratio"] = mean * tradingDays / maxDD
	}

	sorted := make([]float64, len(returns))
	copy(sorted, returns)
	sort.Float64s(sorted)
	var95 := stat.Quantile(0.05, stat.Empirical, sorted, nil)
	perf["var_95"] = -var95
	perf["expected_shortfall"] = -tailMean(sorted, var95)

	if len(trades) > 0 {
		var wins, losses int
		var grossWin, grossLoss float64
		for _, p := range trades {
			if p > 0 {
				wins++
				grossWin += p
			} else if p < 0 {
				losses++
				grossLoss += -p
			}
		}
		if wins+losses > 0 {
			perf["win_rate"] = float64(wins) / float64(wins+losses)
		}
		if grossLoss > 0 {
			perf["profit_factor"] = grossWin / grossLoss
		}
	}

	m.perfMu.Lock()
	m.performance = perf
	m.perfMu.Unlock()

	m.logger.Info("Performance recalculated",
		zap.Float64("totalReturn", totalReturn),
		zap.Float64("sharpe", perf["sharpe_ratio"]),
		zap.Float64("maxDrawdown", maxDD),
	)
}

// Performance returns the latest computed performance metrics.
func (m *Manager) Performance() map[string]float64 {
	m.perfMu.RLock()
	defer m.perfMu.RUnlock()
	out := make(map[string]float64, len(m.performance))
	for k, v := range m.performance {
		out[k] = v
	}
	return out
}

func downsideDeviation(returns []float64) float64 {
	var sum float64
	var n int
	for _, r := range returns {
		if r < 0 {
			sum += r * r
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(n))
}

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
	return sum / float64(n)
}
