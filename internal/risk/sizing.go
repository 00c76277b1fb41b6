package risk

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/atlas-trading/engine/internal/types"
)

// Position sizing algorithms.
const (
	SizingFixedFractional    = "fixed_fractional"
	SizingVolatilityAdjusted = "volatility_adjusted"
	SizingKelly              = "kelly"
	SizingRiskParity         = "risk_parity"
)

// dustFloor drops positions worth less than 100 currency units.
const dustFloor = 100.0

// Kelly defaults used until enough trades have been recorded.
const (
	kellyMinTrades          = 20
	kellyDefaultWinRate     = 0.55
	kellyDefaultExpectedRet = 0.10
)

// PositionSize computes the final quantity for a signal using the
// configured algorithm. The result is capped by the max-position-size
// fraction, floored to whole units, and dropped to zero below the dust
// floor.
func (m *Manager) PositionSize(signal *types.AggregatedSignal, portfolioValue, price decimal.Decimal) decimal.Decimal {
	if price.IsZero() || price.IsNegative() || portfolioValue.IsZero() || portfolioValue.IsNegative() {
		return decimal.Zero
	}

	var size decimal.Decimal
	switch m.cfg.PositionSizing {
	case SizingVolatilityAdjusted:
		size = m.volatilityAdjustedSize(signal.Symbol, portfolioValue, price)
	case SizingKelly:
		size = m.kellySize(portfolioValue, price)
	case SizingRiskParity:
		size = m.riskParitySize(signal.Symbol, portfolioValue, price)
	default:
		size = m.fixedFractionalSize(portfolioValue, price)
	}

	// Common caps for every algorithm.
	maxSize := portfolioValue.Mul(decimal.NewFromFloat(m.cfg.Limits.MaxPositionSize)).Div(price)
	size = decimal.Min(size, maxSize).Floor()
	if size.IsNegative() {
		return decimal.Zero
	}

	if value, _ := size.Mul(price).Float64(); value < dustFloor {
		return decimal.Zero
	}
	return size
}

func (m *Manager) fixedFractionalSize(portfolioValue, price decimal.Decimal) decimal.Decimal {
	return portfolioValue.Mul(decimal.NewFromFloat(m.cfg.Limits.MaxPositionSize)).Div(price)
}

// volatilityAdjustedSize scales the fixed-fractional size down when the
// symbol's realised volatility is above target.
func (m *Manager) volatilityAdjustedSize(symbol string, portfolioValue, price decimal.Decimal) decimal.Decimal {
	base := m.fixedFractionalSize(portfolioValue, price)
	vol := m.symbolVolatility(symbol)
	if vol <= 0 {
		return base
	}
	adj := math.Min(m.cfg.TargetVolatility/vol, 1.0)
	return base.Mul(decimal.NewFromFloat(adj))
}

// kellySize bets a clamped Kelly fraction of the portfolio.
func (m *Manager) kellySize(portfolioValue, price decimal.Decimal) decimal.Decimal {
	winRate, expectedReturn := m.kellyInputs()
	lossRate := 1 - winRate
	if expectedReturn <= 0 {
		return decimal.Zero
	}
	f := (expectedReturn*winRate - lossRate) / expectedReturn
	if f < 0 {
		f = 0
	} else if f > 0.25 {
		f = 0.25
	}
	return portfolioValue.Mul(decimal.NewFromFloat(f)).Div(price)
}

func (m *Manager) kellyInputs() (winRate, expectedReturn float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	trades := m.kellyWins + m.kellyLosses
	if trades < kellyMinTrades {
		return kellyDefaultWinRate, kellyDefaultExpectedRet
	}
	winRate = float64(m.kellyWins) / float64(trades)
	if m.kellyAvgLoss > 0 {
		expectedReturn = m.kellyAvgWin / m.kellyAvgLoss * 0.1
	} else {
		expectedReturn = kellyDefaultExpectedRet
	}
	return winRate, expectedReturn
}

// riskParitySize targets equal volatility contribution per position.
func (m *Manager) riskParitySize(symbol string, portfolioValue, price decimal.Decimal) decimal.Decimal {
	vol := m.symbolVolatility(symbol)
	if vol <= 0 {
		return m.fixedFractionalSize(portfolioValue, price)
	}
	return portfolioValue.Mul(decimal.NewFromFloat(m.cfg.TargetVolatility)).
		Div(decimal.NewFromFloat(vol)).Div(price)
}

// symbolVolatility estimates annualized volatility from recorded closes.
func (m *Manager) symbolVolatility(symbol string) float64 {
	m.mu.RLock()
	series := m.closes[symbol]
	m.mu.RUnlock()
	if len(series) < 10 {
		return 0
	}
	rets := make([]float64, 0, len(series)-1)
	for i := 1; i < len(series); i++ {
		rets = append(rets, series[i]/series[i-1]-1)
	}
	var sum float64
	for _, r := range rets {
		sum += r
	}
	mean := sum / float64(len(rets))
	var variance float64
	for _, r := range rets {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(rets) - 1)
	return math.Sqrt(variance) * math.Sqrt(252)
}
