package types

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType tags the variant of an event.
type EventType string

const (
	EventTypeMarketData        EventType = "market_data"
	EventTypeSignalGenerated   EventType = "signal_generated"
	EventTypeOrderCreated      EventType = "order_created"
	EventTypeOrderFilled       EventType = "order_filled"
	EventTypeOrderStatus       EventType = "order_status"
	EventTypePositionChanged   EventType = "position_changed"
	EventTypePortfolioValue    EventType = "portfolio_value"
	EventTypeRiskViolation     EventType = "risk_violation"
	EventTypeRiskMetrics       EventType = "risk_metrics"
	EventTypeStrategyStatus    EventType = "strategy_status"
	EventTypeBrokerHealthAlert EventType = "broker_health_alert"
)

// Event is the base interface for all engine events. Events are immutable
// value types shared by reference through the bus but never mutated.
type Event interface {
	GetType() EventType
	GetID() string
	GetTimestamp() time.Time
	GetCorrelationID() string
}

// BaseEvent provides the common event envelope.
type BaseEvent struct {
	ID            string    `json:"id"`
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlationId"`
}

func (e *BaseEvent) GetType() EventType        { return e.Type }
func (e *BaseEvent) GetID() string             { return e.ID }
func (e *BaseEvent) GetTimestamp() time.Time   { return e.Timestamp }
func (e *BaseEvent) GetCorrelationID() string  { return e.CorrelationID }

// NewBaseEvent creates a new envelope. An empty correlationID starts a new
// causal chain keyed to the event's own id.
func NewBaseEvent(eventType EventType, correlationID string) BaseEvent {
	id := uuid.NewString()
	if correlationID == "" {
		correlationID = id
	}
	return BaseEvent{
		ID:            id,
		Type:          eventType,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
	}
}

// MarketDataEvent carries one OHLCV observation for a symbol.
type MarketDataEvent struct {
	BaseEvent
	Symbol string          `json:"symbol"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
	Bid    decimal.Decimal `json:"bid,omitempty"`
	Ask    decimal.Decimal `json:"ask,omitempty"`
	Source string          `json:"source"`
}

// SignalGeneratedEvent records a signal emitted by a single strategy.
type SignalGeneratedEvent struct {
	BaseEvent
	Strategy   string          `json:"strategy"`
	Symbol     string          `json:"symbol"`
	Side       SignalSide      `json:"side"`
	Confidence float64         `json:"confidence"`
	Price      decimal.Decimal `json:"price"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
}

// OrderCreatedEvent records a new order entering the pipeline.
type OrderCreatedEvent struct {
	BaseEvent
	OrderID   string          `json:"orderId"`
	Symbol    string          `json:"symbol"`
	Side      OrderSide       `json:"side"`
	Quantity  decimal.Decimal `json:"quantity"`
	OrderType OrderType       `json:"orderType"`
	Price     decimal.Decimal `json:"price,omitempty"`
	StopPrice decimal.Decimal `json:"stopPrice,omitempty"`
	Strategy  string          `json:"strategy,omitempty"`
}

// OrderFilledEvent records a (partial or complete) execution.
type OrderFilledEvent struct {
	BaseEvent
	OrderID    string          `json:"orderId"`
	FillID     string          `json:"fillId"`
	Symbol     string          `json:"symbol"`
	Side       OrderSide       `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Commission decimal.Decimal `json:"commission"`
}

// SignedQuantity returns fill quantity with sign by side.
func (e *OrderFilledEvent) SignedQuantity() decimal.Decimal {
	if e.Side == OrderSideSell {
		return e.Quantity.Neg()
	}
	return e.Quantity
}

// OrderStatusEvent records an order status transition.
type OrderStatusEvent struct {
	BaseEvent
	OrderID   string      `json:"orderId"`
	OldStatus OrderStatus `json:"oldStatus"`
	NewStatus OrderStatus `json:"newStatus"`
	Reason    string      `json:"reason,omitempty"`
}

// PositionChangedEvent records a position quantity change.
type PositionChangedEvent struct {
	BaseEvent
	Symbol      string          `json:"symbol"`
	OldQuantity decimal.Decimal `json:"oldQuantity"`
	NewQuantity decimal.Decimal `json:"newQuantity"`
	Price       decimal.Decimal `json:"price"`
	Reason      string          `json:"reason"`
}

// PortfolioValueEvent is a portfolio valuation snapshot.
type PortfolioValueEvent struct {
	BaseEvent
	TotalValue     decimal.Decimal `json:"totalValue"`
	Cash           decimal.Decimal `json:"cash"`
	PositionsValue decimal.Decimal `json:"positionsValue"`
	RealizedPnL    decimal.Decimal `json:"realizedPnl"`
	UnrealizedPnL  decimal.Decimal `json:"unrealizedPnl"`
	DailyReturn    float64         `json:"dailyReturn,omitempty"`
	TotalReturn    float64         `json:"totalReturn"`
}

// RiskViolationEvent records a rejected or breached risk limit.
type RiskViolationEvent struct {
	BaseEvent
	Kind     string  `json:"kind"`
	Current  float64 `json:"current"`
	Limit    float64 `json:"limit"`
	Severity string  `json:"severity"` // "warning" or "critical"
	Symbol   string  `json:"symbol,omitempty"`
	Strategy string  `json:"strategy,omitempty"`
}

// RiskMetricsEvent is a periodic portfolio risk snapshot.
type RiskMetricsEvent struct {
	BaseEvent
	VaR95       float64 `json:"var95"`
	VaR99       float64 `json:"var99"`
	ES          float64 `json:"es"`
	Beta        float64 `json:"beta"`
	Volatility  float64 `json:"volatility"`
	MaxDrawdown float64 `json:"maxDrawdown"`
}

// StrategyStatusEvent records a strategy lifecycle transition.
type StrategyStatusEvent struct {
	BaseEvent
	Strategy  string `json:"strategy"`
	OldStatus string `json:"oldStatus"`
	NewStatus string `json:"newStatus"`
	Reason    string `json:"reason,omitempty"`
}

// BrokerHealthAlertEvent records a broker health or routing alert.
type BrokerHealthAlertEvent struct {
	BaseEvent
	BrokerID string  `json:"brokerId"`
	Level    string  `json:"level"` // "info", "warning", "critical"
	Message  string  `json:"message"`
	Metric   string  `json:"metric,omitempty"`
	Value    float64 `json:"value,omitempty"`
}
