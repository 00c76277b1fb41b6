package strategy_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atlas-trading/engine/internal/strategy"
	"github.com/atlas-trading/engine/internal/types"
)

func mdEvent(symbol string, close int64) *types.MarketDataEvent {
	c := decimal.NewFromInt(close)
	return &types.MarketDataEvent{
		BaseEvent: types.NewBaseEvent(types.EventTypeMarketData, ""),
		Symbol:    symbol,
		Open:      c,
		High:      c,
		Low:       c,
		Close:     c,
		Volume:    decimal.NewFromInt(1000),
	}
}

func TestBaseRollingHistory(t *testing.T) {
	b := strategy.NewBase("test", []string{"AAPL"}, 3)

	for i := int64(1); i <= 5; i++ {
		b.Record(mdEvent("AAPL", 100+i))
	}

	if got := b.BarCount("AAPL"); got != 3 {
		t.Errorf("BarCount = %d, want 3 (bounded history)", got)
	}
	bars := b.History("AAPL")
	if !bars[0].Close.Equal(decimal.NewFromInt(103)) {
		t.Errorf("oldest close = %s, want 103 after eviction", bars[0].Close)
	}
	if !b.LastClose("AAPL").Equal(decimal.NewFromInt(105)) {
		t.Errorf("LastClose = %s, want 105", b.LastClose("AAPL"))
	}
}

func TestBaseWatches(t *testing.T) {
	b := strategy.NewBase("test", []string{"AAPL", "MSFT"}, 10)
	if !b.Watches("AAPL") {
		t.Error("Watches(AAPL) = false")
	}
	if b.Watches("TSLA") {
		t.Error("Watches(TSLA) = true")
	}
}

func TestRequireParam(t *testing.T) {
	params := map[string]any{"lookback": 20, "threshold": 1.5}

	if v, err := strategy.RequireParam(params, "lookback"); err != nil || v != 20 {
		t.Errorf("RequireParam(lookback) = %v, %v", v, err)
	}
	if v, err := strategy.RequireParam(params, "threshold"); err != nil || v != 1.5 {
		t.Errorf("RequireParam(threshold) = %v, %v", v, err)
	}
	if _, err := strategy.RequireParam(params, "missing"); err == nil {
		t.Error("RequireParam(missing) did not error")
	}
	if _, err := strategy.RequireParam(map[string]any{"x": "str"}, "x"); err == nil {
		t.Error("RequireParam on string value did not error")
	}
}
