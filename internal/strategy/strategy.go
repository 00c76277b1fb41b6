// Package strategy defines the contract every trading strategy must honor
// and a base helper for rolling market history. Concrete trading rules live
// outside the engine core; the engine only drives this interface.
package strategy

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atlas-trading/engine/internal/types"
)

// Strategy consumes market events and emits advisory signals. OnMarketData
// is called serially per strategy; implementations do not need their own
// locking around history state driven from it.
type Strategy interface {
	Name() string
	Symbols() []string
	Initialize(ctx context.Context, params map[string]any) error
	OnMarketData(ctx context.Context, event *types.MarketDataEvent) ([]*types.Signal, error)
	OnOrderFilled(ctx context.Context, event *types.OrderFilledEvent)
	Stop(ctx context.Context) error
}

// Base carries the rolling per-symbol history shared by most strategies.
// Embed it instead of re-implementing the bookkeeping.
type Base struct {
	name    string
	symbols []string
	maxBars int

	mu      sync.RWMutex
	history map[string][]types.OHLCV
}

// NewBase creates the shared strategy helper. maxBars bounds per-symbol
// history; 0 means the default of 500.
func NewBase(name string, symbols []string, maxBars int) *Base {
	if maxBars <= 0 {
		maxBars = 500
	}
	return &Base{
		name:    name,
		symbols: symbols,
		maxBars: maxBars,
		history: make(map[string][]types.OHLCV),
	}
}

// Name returns the strategy name.
func (b *Base) Name() string { return b.name }

// Symbols returns the watched symbols.
func (b *Base) Symbols() []string { return b.symbols }

// Watches reports whether the strategy watches a symbol.
func (b *Base) Watches(symbol string) bool {
	for _, s := range b.symbols {
		if s == symbol {
			return true
		}
	}
	return false
}

// Record appends a bar to the symbol's rolling history.
func (b *Base) Record(event *types.MarketDataEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bars := append(b.history[event.Symbol], types.OHLCV{
		Timestamp: event.GetTimestamp(),
		Open:      event.Open,
		High:      event.High,
		Low:       event.Low,
		Close:     event.Close,
		Volume:    event.Volume,
	})
	if len(bars) > b.maxBars {
		bars = bars[len(bars)-b.maxBars:]
	}
	b.history[event.Symbol] = bars
}

// History returns a copy of the symbol's rolling bars, oldest first.
func (b *Base) History(symbol string) []types.OHLCV {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bars := b.history[symbol]
	out := make([]types.OHLCV, len(bars))
	copy(out, bars)
	return out
}

// LastClose returns the most recent close for a symbol, or zero.
func (b *Base) LastClose(symbol string) decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bars := b.history[symbol]
	if len(bars) == 0 {
		return decimal.Zero
	}
	return bars[len(bars)-1].Close
}

// BarCount returns how many bars are held for a symbol.
func (b *Base) BarCount(symbol string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.history[symbol])
}

// RequireParam fetches a required float parameter, for use in Initialize.
func RequireParam(params map[string]any, key string) (float64, error) {
	v, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("strategy parameter %q missing", key)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("strategy parameter %q has unsupported type %T", key, v)
	}
}
