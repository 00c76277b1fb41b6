// Package marketdata provides the multi-provider gateway for historical and
// streaming market data. The gateway always prefers the healthiest highest
// priority provider, caches historical series, and validates every tick
// before it reaches the bus — invalid data is dropped, never repaired.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-trading/engine/internal/events"
	"github.com/atlas-trading/engine/internal/types"
)

// Errors surfaced by the gateway.
var (
	ErrNoProvider = errors.New("market data: no healthy provider")
	ErrNoData     = errors.New("market data: no data for range")
)

// RateLimitStatus reports a provider's request budget.
type RateLimitStatus struct {
	RequestsPerMinute int       `json:"requestsPerMinute"`
	Used              int       `json:"used"`
	ResetAt           time.Time `json:"resetAt"`
}

// Provider is one historical + streaming market data source.
type Provider interface {
	Name() string
	GetHistoricalData(ctx context.Context, symbol string, start, end time.Time, interval string) ([]types.OHLCV, error)
	GetRealTimeQuotes(ctx context.Context, symbols []string) (<-chan types.Quote, error)
	IsHealthy(ctx context.Context) bool
	RateLimitStatus() RateLimitStatus
}

// Config tunes the gateway.
type Config struct {
	CacheTTL     time.Duration
	ProviderOrder []string // preference order; unlisted providers go last
}

// DefaultConfig returns gateway defaults.
func DefaultConfig() Config {
	return Config{CacheTTL: 5 * time.Minute}
}

type cacheEntry struct {
	bars    []types.OHLCV
	storedAt time.Time
}

// Gateway fans provider quotes into validated MarketDataEvents on the bus.
type Gateway struct {
	logger *zap.Logger
	cfg    Config
	bus    *events.Bus

	mu        sync.RWMutex
	providers []Provider
	cache     map[string]cacheEntry

	droppedTicks   int64
	publishedTicks int64

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewGateway creates a market data gateway.
func NewGateway(logger *zap.Logger, cfg Config, bus *events.Bus) *Gateway {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	return &Gateway{
		logger: logger.Named("market-data"),
		cfg:    cfg,
		bus:    bus,
		cache:  make(map[string]cacheEntry),
	}
}

// AddProvider registers a provider, keeping the configured preference order.
func (g *Gateway) AddProvider(p Provider) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.providers = append(g.providers, p)
	sort.SliceStable(g.providers, func(i, j int) bool {
		return g.rank(g.providers[i].Name()) < g.rank(g.providers[j].Name())
	})
	g.logger.Info("Market data provider added", zap.String("provider", p.Name()))
}

func (g *Gateway) rank(name string) int {
	for i, n := range g.cfg.ProviderOrder {
		if n == name {
			return i
		}
	}
	return len(g.cfg.ProviderOrder)
}

// GetHistoricalData fetches a series, consulting the cache first and
// failing over across providers in preference order.
func (g *Gateway) GetHistoricalData(ctx context.Context, symbol string, start, end time.Time, interval string) ([]types.OHLCV, error) {
	key := fmt.Sprintf("%s|%s|%d|%d", symbol, interval, start.Unix(), end.Unix())

	g.mu.RLock()
	if entry, ok := g.cache[key]; ok && time.Since(entry.storedAt) < g.cfg.CacheTTL {
		bars := entry.bars
		g.mu.RUnlock()
		return bars, nil
	}
	providers := make([]Provider, len(g.providers))
	copy(providers, g.providers)
	g.mu.RUnlock()

	if len(providers) == 0 {
		return nil, ErrNoProvider
	}

	var lastErr error
	for _, p := range providers {
		if !p.IsHealthy(ctx) {
			continue
		}
		bars, err := p.GetHistoricalData(ctx, symbol, start, end, interval)
		if err != nil {
			lastErr = err
			g.logger.Warn("Historical fetch failed, trying next provider",
				zap.String("provider", p.Name()),
				zap.String("symbol", symbol),
				zap.Error(err),
			)
			continue
		}

		valid := make([]types.OHLCV, 0, len(bars))
		for _, bar := range bars {
			if err := ValidateOHLCV(bar); err != nil {
				g.logger.Debug("Dropping invalid historical bar",
					zap.String("symbol", symbol),
					zap.Error(err),
				)
				continue
			}
			valid = append(valid, bar)
		}
		if len(valid) == 0 {
			lastErr = ErrNoData
			continue
		}

		g.mu.Lock()
		g.cache[key] = cacheEntry{bars: valid, storedAt: time.Now()}
		g.mu.Unlock()
		return valid, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("market data: all providers failed: %w", lastErr)
	}
	return nil, ErrNoProvider
}

// StartStreaming subscribes the healthiest provider's quote stream for the
// symbols and publishes validated MarketDataEvents.
func (g *Gateway) StartStreaming(ctx context.Context, symbols []string) error {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return nil
	}
	providers := make([]Provider, len(g.providers))
	copy(providers, g.providers)
	g.mu.Unlock()

	var stream <-chan types.Quote
	var chosen Provider
	for _, p := range providers {
		if !p.IsHealthy(ctx) {
			continue
		}
		s, err := p.GetRealTimeQuotes(ctx, symbols)
		if err != nil {
			g.logger.Warn("Quote subscription failed",
				zap.String("provider", p.Name()),
				zap.Error(err),
			)
			continue
		}
		stream, chosen = s, p
		break
	}
	if stream == nil {
		return ErrNoProvider
	}

	g.mu.Lock()
	g.running = true
	ctx, g.cancel = context.WithCancel(ctx)
	g.mu.Unlock()

	g.wg.Add(1)
	go g.pump(ctx, chosen.Name(), stream)

	g.logger.Info("Streaming started",
		zap.String("provider", chosen.Name()),
		zap.Strings("symbols", symbols),
	)
	return nil
}

// Stop halts streaming.
func (g *Gateway) Stop() {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	g.running = false
	cancel := g.cancel
	g.mu.Unlock()
	cancel()
	g.wg.Wait()
}

func (g *Gateway) pump(ctx context.Context, source string, stream <-chan types.Quote) {
	defer g.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case quote, ok := <-stream:
			if !ok {
				g.logger.Warn("Quote stream closed", zap.String("provider", source))
				return
			}
			g.publishQuote(source, quote)
		}
	}
}

// publishQuote validates and publishes one quote. Producers must not block
// the bus: a full queue drops the tick.
func (g *Gateway) publishQuote(source string, quote types.Quote) {
	if err := ValidateQuote(quote); err != nil {
		g.mu.Lock()
		g.droppedTicks++
		g.mu.Unlock()
		g.logger.Debug("Dropping invalid quote",
			zap.String("symbol", quote.Symbol),
			zap.Error(err),
		)
		return
	}

	event := &types.MarketDataEvent{
		BaseEvent: types.NewBaseEvent(types.EventTypeMarketData, ""),
		Symbol:    quote.Symbol,
		Open:      quote.Last,
		High:      quote.Last,
		Low:       quote.Last,
		Close:     quote.Last,
		Volume:    quote.Volume,
		Bid:       quote.Bid,
		Ask:       quote.Ask,
		Source:    source,
	}
	if err := g.bus.Publish(event); err != nil {
		g.mu.Lock()
		g.droppedTicks++
		g.mu.Unlock()
		return
	}
	g.mu.Lock()
	g.publishedTicks++
	g.mu.Unlock()
}

// PublishBar validates and publishes one OHLCV bar (used for historical
// replays and bar-close feeds).
func (g *Gateway) PublishBar(symbol, source string, bar types.OHLCV) error {
	if err := ValidateOHLCV(bar); err != nil {
		g.mu.Lock()
		g.droppedTicks++
		g.mu.Unlock()
		return err
	}
	event := &types.MarketDataEvent{
		BaseEvent: types.NewBaseEvent(types.EventTypeMarketData, ""),
		Symbol:    symbol,
		Open:      bar.Open,
		High:      bar.High,
		Low:       bar.Low,
		Close:     bar.Close,
		Volume:    bar.Volume,
		Source:    source,
	}
	return g.bus.Publish(event)
}

// Stats returns (published, dropped) tick counts.
func (g *Gateway) Stats() (int64, int64) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.publishedTicks, g.droppedTicks
}
