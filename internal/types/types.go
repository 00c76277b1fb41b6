// Package types provides shared type definitions for the trading engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents buy or sell
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// SignalSide represents the advisory direction of a signal
type SignalSide string

const (
	SignalBuy  SignalSide = "buy"
	SignalSell SignalSide = "sell"
	SignalHold SignalSide = "hold"
)

// OrderType represents the type of order
type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop_limit"
)

// TimeInForce represents order validity duration
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "day"
	TimeInForceGTC TimeInForce = "gtc"
	TimeInForceIOC TimeInForce = "ioc"
	TimeInForceFOK TimeInForce = "fok"
)

// OrderStatus represents the status of an order
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusSubmitted       OrderStatus = "submitted"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
)

// IsTerminal reports whether the status is immutable.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// Order represents a concrete instruction to a broker with a unique client id.
type Order struct {
	ID            string          `json:"id"`
	BrokerOrderID string          `json:"brokerOrderId,omitempty"`
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	Type          OrderType       `json:"type"`
	Price         decimal.Decimal `json:"price,omitempty"`
	StopPrice     decimal.Decimal `json:"stopPrice,omitempty"`
	TimeInForce   TimeInForce     `json:"timeInForce"`
	Status        OrderStatus     `json:"status"`
	FilledQty     decimal.Decimal `json:"filledQty"`
	AvgFillPrice  decimal.Decimal `json:"avgFillPrice"`
	Commission    decimal.Decimal `json:"commission"`
	Strategy      string          `json:"strategy,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Notional returns the order value at its reference price.
func (o *Order) Notional() decimal.Decimal {
	price := o.Price
	if price.IsZero() {
		price = o.AvgFillPrice
	}
	return o.Quantity.Mul(price)
}

// SignedQuantity returns quantity with sign by side (buy positive, sell negative).
func (o *Order) SignedQuantity() decimal.Decimal {
	if o.Side == OrderSideSell {
		return o.Quantity.Neg()
	}
	return o.Quantity
}

// Position represents a net holding of a symbol with a cost basis.
// Quantity is signed: long > 0, short < 0.
type Position struct {
	Symbol          string          `json:"symbol"`
	Quantity        decimal.Decimal `json:"quantity"`
	AvgCost         decimal.Decimal `json:"avgCost"`
	CurrentPrice    decimal.Decimal `json:"currentPrice"`
	MarketValue     decimal.Decimal `json:"marketValue"`
	UnrealizedPnL   decimal.Decimal `json:"unrealizedPnl"`
	RealizedPnL     decimal.Decimal `json:"realizedPnl"`
	FirstAcquiredAt time.Time       `json:"firstAcquiredAt"`
	LastUpdate      time.Time       `json:"lastUpdate"`
}

// IsLong reports whether the position is net long.
func (p *Position) IsLong() bool { return p.Quantity.IsPositive() }

// IsShort reports whether the position is net short.
func (p *Position) IsShort() bool { return p.Quantity.IsNegative() }

// Refresh recomputes market value and unrealized P&L from a price.
func (p *Position) Refresh(price decimal.Decimal, ts time.Time) {
	p.CurrentPrice = price
	p.MarketValue = p.Quantity.Mul(price)
	p.UnrealizedPnL = p.Quantity.Mul(price.Sub(p.AvgCost))
	p.LastUpdate = ts
}

// Portfolio represents cash plus positions.
type Portfolio struct {
	InitialCash decimal.Decimal      `json:"initialCash"`
	Cash        decimal.Decimal      `json:"cash"`
	Positions   map[string]*Position `json:"positions"`
	CreatedAt   time.Time            `json:"createdAt"`
}

// TotalValue returns cash plus the market value of all positions.
func (p *Portfolio) TotalValue() decimal.Decimal {
	total := p.Cash
	for _, pos := range p.Positions {
		total = total.Add(pos.MarketValue)
	}
	return total
}

// TotalReturn returns the fractional return over initial cash.
func (p *Portfolio) TotalReturn() decimal.Decimal {
	if p.InitialCash.IsZero() {
		return decimal.Zero
	}
	return p.TotalValue().Sub(p.InitialCash).Div(p.InitialCash)
}

// GrossExposure returns the sum of absolute position market values.
func (p *Portfolio) GrossExposure() decimal.Decimal {
	total := decimal.Zero
	for _, pos := range p.Positions {
		total = total.Add(pos.MarketValue.Abs())
	}
	return total
}

// Signal represents an advisory trading intent from one strategy.
type Signal struct {
	Symbol     string          `json:"symbol"`
	Side       SignalSide      `json:"side"`
	Confidence float64         `json:"confidence"` // 0-1
	Price      decimal.Decimal `json:"price"`
	Timestamp  time.Time       `json:"timestamp"`
	Strategy   string          `json:"strategy"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
}

// PositionSizeHint reads the position_size metadata entry, defaulting to fallback.
func (s *Signal) PositionSizeHint(fallback float64) float64 {
	if s.Metadata == nil {
		return fallback
	}
	if v, ok := s.Metadata["position_size"]; ok {
		switch n := v.(type) {
		case float64:
			return n
		case int:
			return float64(n)
		}
	}
	return fallback
}

// AggregatedSignal is the single post-aggregation intent for one symbol.
type AggregatedSignal struct {
	Symbol                 string          `json:"symbol"`
	Side                   SignalSide      `json:"side"`
	Confidence             float64         `json:"confidence"`
	Price                  decimal.Decimal `json:"price"`
	Quantity               decimal.Decimal `json:"quantity"`
	ContributingStrategies []string        `json:"contributingStrategies"`
	Method                 string          `json:"method"`
	Metadata               map[string]any  `json:"metadata,omitempty"`
}

// StrategyAllocation describes a strategy's share of capital and risk budget.
type StrategyAllocation struct {
	StrategyID        string          `json:"strategyId"`
	Weight            float64         `json:"weight"` // 0-1
	MaxCapital        decimal.Decimal `json:"maxCapital"`
	RiskLimit         float64         `json:"riskLimit"`
	Priority          int             `json:"priority"` // lower = higher priority
	Active            bool            `json:"active"`
	PerformanceWeight float64         `json:"performanceWeight"`
}

// EffectiveWeight returns the allocation weight scaled by realised performance.
func (a *StrategyAllocation) EffectiveWeight() float64 {
	return a.Weight * a.PerformanceWeight
}

// RiskLimits represents portfolio-wide risk limits, expressed as fractions.
type RiskLimits struct {
	MaxPositionSize      float64 `json:"maxPositionSize"`
	MaxPortfolioExposure float64 `json:"maxPortfolioExposure"`
	MaxDailyLoss         float64 `json:"maxDailyLoss"`
	MaxDrawdown          float64 `json:"maxDrawdown"`
	MaxCorrelation       float64 `json:"maxCorrelation"`
	MaxSectorExposure    float64 `json:"maxSectorExposure"`
}

// BrokerConfig configures one routable broker venue.
type BrokerConfig struct {
	ID                 string            `json:"id"`
	Kind               string            `json:"kind"`
	Priority           int               `json:"priority"`
	Enabled            bool              `json:"enabled"`
	Params             map[string]string `json:"params,omitempty"`
	MaxOrdersPerMinute int               `json:"maxOrdersPerMinute"`
	MaxOrderValue      decimal.Decimal   `json:"maxOrderValue"`
}

// AccountInfo is a broker account snapshot.
type AccountInfo struct {
	AccountID      string          `json:"accountId"`
	Cash           decimal.Decimal `json:"cash"`
	BuyingPower    decimal.Decimal `json:"buyingPower"`
	PortfolioValue decimal.Decimal `json:"portfolioValue"`
	TradeSuspended bool            `json:"tradeSuspended"`
}

// BrokerPosition is a position as reported by a broker.
type BrokerPosition struct {
	Symbol      string          `json:"symbol"`
	Quantity    decimal.Decimal `json:"quantity"`
	AvgCost     decimal.Decimal `json:"avgCost"`
	MarketValue decimal.Decimal `json:"marketValue"`
	Side        string          `json:"side"`
}

// HealthStatus represents derived broker health.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
	HealthOffline  HealthStatus = "offline"
	HealthUnknown  HealthStatus = "unknown"
)

// BrokerHealth is a snapshot of a broker's derived health metrics.
type BrokerHealth struct {
	BrokerID            string       `json:"brokerId"`
	Status              HealthStatus `json:"status"`
	AvgResponseMs       float64      `json:"avgResponseMs"`
	SuccessRate         float64      `json:"successRate"`
	ConsecutiveFailures int          `json:"consecutiveFailures"`
	UptimePct           float64      `json:"uptimePct"`
	LastCheck           time.Time    `json:"lastCheck"`
	LastError           string       `json:"lastError,omitempty"`
}

// Quote is a single real-time market data point from a provider.
type Quote struct {
	Symbol    string          `json:"symbol"`
	Timestamp time.Time       `json:"timestamp"`
	Bid       decimal.Decimal `json:"bid,omitempty"`
	Ask       decimal.Decimal `json:"ask,omitempty"`
	Last      decimal.Decimal `json:"last,omitempty"`
	Volume    decimal.Decimal `json:"volume,omitempty"`
	Source    string          `json:"source"`
}

// OHLCV represents a single candlestick
type OHLCV struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}
