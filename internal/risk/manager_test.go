package risk_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-trading/engine/internal/config"
	"github.com/atlas-trading/engine/internal/risk"
	"github.com/atlas-trading/engine/internal/types"
)

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		Limits: types.RiskLimits{
			MaxPositionSize:      0.1,
			MaxPortfolioExposure: 0.8,
			MaxDailyLoss:         0.05,
			MaxDrawdown:          0.15,
			MaxCorrelation:       0.7,
			MaxSectorExposure:    0.3,
		},
		PositionSizing:     risk.SizingFixedFractional,
		TargetVolatility:   0.15,
		VarConfidenceLevel: 0.95,
		LookbackDays:       252,
	}
}

func newPortfolio(cash float64) *types.Portfolio {
	c := decimal.NewFromFloat(cash)
	return &types.Portfolio{
		InitialCash: c,
		Cash:        c,
		Positions:   make(map[string]*types.Position),
		CreatedAt:   time.Now(),
	}
}

func aggSignal(symbol string, side types.SignalSide, qty, price float64) *types.AggregatedSignal {
	return &types.AggregatedSignal{
		Symbol:   symbol,
		Side:     side,
		Price:    decimal.NewFromFloat(price),
		Quantity: decimal.NewFromFloat(qty),
	}
}

func TestValidateAcceptsWithinLimits(t *testing.T) {
	m := risk.NewManager(zap.NewNop(), testRiskConfig(), nil, nil, nil)
	p := newPortfolio(100000)

	ok, v := m.Validate(aggSignal("AAPL", types.SignalBuy, 60, 150), p)
	if !ok {
		t.Fatalf("Validate rejected a compliant signal: %+v", v)
	}
}

func TestValidateRejectsOversizedPosition(t *testing.T) {
	m := risk.NewManager(zap.NewNop(), testRiskConfig(), nil, nil, nil)
	p := newPortfolio(100000)

	// 100 * 150 = 15000 > 10% of 100000.
	ok, v := m.Validate(aggSignal("AAPL", types.SignalBuy, 100, 150), p)
	if ok {
		t.Fatal("Validate accepted a position above max_position_size")
	}
	if v.Kind != risk.KindMaxPositionSize {
		t.Errorf("violation kind = %s, want max_position_size", v.Kind)
	}
}

func TestValidateRejectsAfterDrawdownBreach(t *testing.T) {
	m := risk.NewManager(zap.NewNop(), testRiskConfig(), nil, nil, nil)
	p := newPortfolio(80000)

	now := time.Now()
	m.UpdatePortfolioValue(decimal.NewFromInt(100000), now)
	m.UpdatePortfolioValue(decimal.NewFromInt(80000), now.Add(time.Minute))

	current, max := m.Drawdown()
	if current < 0.19 || current > 0.21 {
		t.Errorf("current drawdown = %v, want 0.2", current)
	}
	if max < current {
		t.Errorf("max drawdown %v below current %v", max, current)
	}

	ok, v := m.Validate(aggSignal("AAPL", types.SignalBuy, 10, 150), p)
	if ok {
		t.Fatal("Validate accepted a buy while drawdown exceeds the limit")
	}
	if v.Kind != risk.KindMaxDrawdown {
		t.Errorf("violation kind = %s, want max_drawdown", v.Kind)
	}
}

func TestValidateRejectsInsufficientFunds(t *testing.T) {
	cfg := testRiskConfig()
	// Disable the earlier checks so the cash-cover check is what fires.
	cfg.Limits.MaxPositionSize = 0
	cfg.Limits.MaxPortfolioExposure = 0
	m := risk.NewManager(zap.NewNop(), cfg, nil, nil, nil)
	p := newPortfolio(500)

	ok, v := m.Validate(aggSignal("AAPL", types.SignalBuy, 9, 110), p)
	if ok {
		t.Fatal("Validate accepted a buy without cash cover")
	}
	if v.Kind != risk.KindInsufficientFunds {
		t.Errorf("violation kind = %s, want insufficient_funds", v.Kind)
	}
}

func TestEmergencyStopBlocksEverything(t *testing.T) {
	m := risk.NewManager(zap.NewNop(), testRiskConfig(), nil, nil, nil)
	p := newPortfolio(100000)

	m.TriggerEmergencyStop("manual test")
	if !m.EmergencyStopped() {
		t.Fatal("EmergencyStopped = false after trigger")
	}

	ok, v := m.Validate(aggSignal("AAPL", types.SignalBuy, 10, 150), p)
	if ok {
		t.Fatal("Validate accepted a signal during emergency stop")
	}
	if v.Kind != risk.KindEmergencyStop {
		t.Errorf("violation kind = %s, want emergency_stop", v.Kind)
	}
	if v.Severity != "critical" {
		t.Errorf("severity = %s, want critical", v.Severity)
	}

	m.Reset()
	if ok, _ := m.Validate(aggSignal("AAPL", types.SignalBuy, 10, 150), p); !ok {
		t.Error("Validate still rejecting after Reset")
	}
}

type stubSectors map[string]string

func (s stubSectors) SectorOf(symbol string) (string, bool) {
	sec, ok := s[symbol]
	return sec, ok
}

type stubCorrelations map[[2]string]float64

func (c stubCorrelations) Correlation(a, b string) (float64, bool) {
	if v, ok := c[[2]string{a, b}]; ok {
		return v, true
	}
	v, ok := c[[2]string{b, a}]
	return v, ok
}

func TestSectorCheckSkippedWithoutProvider(t *testing.T) {
	m := risk.NewManager(zap.NewNop(), testRiskConfig(), nil, nil, nil)
	p := newPortfolio(71000)
	p.Positions["MSFT"] = &types.Position{
		Symbol:      "MSFT",
		Quantity:    decimal.NewFromInt(200),
		MarketValue: decimal.NewFromInt(29000),
	}

	// Would breach 30% sector exposure if MSFT and AAPL shared a sector,
	// but with no provider the check is skipped, not guessed.
	ok, v := m.Validate(aggSignal("AAPL", types.SignalBuy, 60, 150), p)
	if !ok {
		t.Fatalf("Validate rejected without a sector provider: %+v", v)
	}
}

func TestSectorExposureRejected(t *testing.T) {
	sectors := stubSectors{"AAPL": "tech", "MSFT": "tech"}
	m := risk.NewManager(zap.NewNop(), testRiskConfig(), nil, sectors, nil)
	p := newPortfolio(71000)
	p.Positions["MSFT"] = &types.Position{
		Symbol:      "MSFT",
		Quantity:    decimal.NewFromInt(200),
		MarketValue: decimal.NewFromInt(29000),
	}

	ok, v := m.Validate(aggSignal("AAPL", types.SignalBuy, 60, 150), p)
	if ok {
		t.Fatal("Validate accepted a sector-exposure breach")
	}
	if v.Kind != risk.KindSectorExposure {
		t.Errorf("violation kind = %s, want max_sector_exposure", v.Kind)
	}
}

func TestCorrelationRejected(t *testing.T) {
	corr := stubCorrelations{{"AAPL", "MSFT"}: 0.9}
	m := risk.NewManager(zap.NewNop(), testRiskConfig(), nil, nil, corr)
	p := newPortfolio(80000)
	p.Positions["MSFT"] = &types.Position{
		Symbol:      "MSFT",
		Quantity:    decimal.NewFromInt(100),
		MarketValue: decimal.NewFromInt(20000),
	}

	ok, v := m.Validate(aggSignal("AAPL", types.SignalBuy, 60, 150), p)
	if ok {
		t.Fatal("Validate accepted a correlated position above the limit")
	}
	if v.Kind != risk.KindCorrelation {
		t.Errorf("violation kind = %s, want correlation_risk", v.Kind)
	}
}

func TestPositionSizeFixedFractional(t *testing.T) {
	m := risk.NewManager(zap.NewNop(), testRiskConfig(), nil, nil, nil)

	size := m.PositionSize(aggSignal("AAPL", types.SignalBuy, 0, 150),
		decimal.NewFromInt(100000), decimal.NewFromInt(150))
	if !size.Equal(decimal.NewFromInt(66)) {
		t.Errorf("PositionSize = %s, want 66", size)
	}
}

func TestPositionSizeDustFloor(t *testing.T) {
	cfg := testRiskConfig()
	cfg.Limits.MaxPositionSize = 0.001
	m := risk.NewManager(zap.NewNop(), cfg, nil, nil, nil)

	// 0.1% of 50000 = 50 < dust floor of 100.
	size := m.PositionSize(aggSignal("AAPL", types.SignalBuy, 0, 10),
		decimal.NewFromInt(50000), decimal.NewFromInt(10))
	if !size.IsZero() {
		t.Errorf("PositionSize = %s, want 0 below dust floor", size)
	}
}

func TestPositionSizeVolatilityAdjusted(t *testing.T) {
	cfg := testRiskConfig()
	cfg.PositionSizing = risk.SizingVolatilityAdjusted
	m := risk.NewManager(zap.NewNop(), cfg, nil, nil, nil)

	// Alternate closes to create realised volatility well above target.
	price := 100.0
	for i := 0; i < 50; i++ {
		if i%2 == 0 {
			price *= 1.05
		} else {
			price *= 0.95
		}
		m.ObserveClose("AAPL", decimal.NewFromFloat(price))
	}

	adjusted := m.PositionSize(aggSignal("AAPL", types.SignalBuy, 0, 150),
		decimal.NewFromInt(100000), decimal.NewFromInt(150))
	plain := m.PositionSize(aggSignal("NOVOL", types.SignalBuy, 0, 150),
		decimal.NewFromInt(100000), decimal.NewFromInt(150))

	if adjusted.GreaterThanOrEqual(plain) {
		t.Errorf("volatile symbol size %s not reduced below baseline %s", adjusted, plain)
	}
}

func TestMetricsComputedFromReturns(t *testing.T) {
	m := risk.NewManager(zap.NewNop(), testRiskConfig(), nil, nil, nil)
	p := newPortfolio(100000)

	value := decimal.NewFromInt(100000)
	ts := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 60; i++ {
		delta := decimal.NewFromInt(int64(200 - (i%5)*100))
		value = value.Add(delta)
		m.UpdatePortfolioValue(value, ts)
		ts = ts.Add(24 * time.Hour)
	}

	stats := m.Metrics(p)
	if stats["daily_volatility"] <= 0 {
		t.Errorf("daily_volatility = %v, want > 0", stats["daily_volatility"])
	}
	if stats["var_95"] == 0 {
		t.Errorf("var_95 = 0, want nonzero empirical percentile")
	}
	if stats["expected_shortfall"] < stats["var_95"] {
		t.Errorf("ES %v below VaR95 %v", stats["expected_shortfall"], stats["var_95"])
	}
}

func TestViolationRingRecords(t *testing.T) {
	m := risk.NewManager(zap.NewNop(), testRiskConfig(), nil, nil, nil)
	p := newPortfolio(100000)

	for i := 0; i < 3; i++ {
		m.Validate(aggSignal("AAPL", types.SignalBuy, 100, 150), p)
	}
	if got := len(m.RecentViolations()); got != 3 {
		t.Errorf("violation ring size = %d, want 3", got)
	}
}
