package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-trading/engine/internal/types"
)

// PaperConfig tunes the simulated venue.
type PaperConfig struct {
	ID            string
	InitialCash   decimal.Decimal
	CommissionBps decimal.Decimal // commission as basis points of notional
	MinCommission decimal.Decimal
	FillDelay     time.Duration // simulated execution latency
}

// DefaultPaperConfig returns a paper venue with realistic friction.
func DefaultPaperConfig(id string) PaperConfig {
	return PaperConfig{
		ID:            id,
		InitialCash:   decimal.NewFromInt(100000),
		CommissionBps: decimal.NewFromInt(1),
		MinCommission: decimal.NewFromInt(1),
		FillDelay:     0,
	}
}

// Paper is an in-process simulated broker. Market orders fill immediately
// at the order price (or the last observed price for the symbol); limit
// orders fill at the limit price. Used for paper trading and tests.
type Paper struct {
	logger *zap.Logger
	cfg    PaperConfig

	mu        sync.RWMutex
	connected bool
	cash      decimal.Decimal
	positions map[string]*types.BrokerPosition
	orders    map[string]*types.Order // broker order id -> order copy
	submitted map[string]string       // client order id -> broker order id
	prices    map[string]decimal.Decimal

	fillCb   FillCallback
	fillSeq  atomic.Int64
	failNext atomic.Bool // test hook: fail the next submit
	probeErr atomic.Bool // test hook: fail account probes while set
}

// NewPaper creates a paper broker.
func NewPaper(logger *zap.Logger, cfg PaperConfig) *Paper {
	if cfg.InitialCash.IsZero() {
		cfg.InitialCash = decimal.NewFromInt(100000)
	}
	return &Paper{
		logger:    logger.Named("paper-broker").With(zap.String("broker", cfg.ID)),
		cfg:       cfg,
		cash:      cfg.InitialCash,
		positions: make(map[string]*types.BrokerPosition),
		orders:    make(map[string]*types.Order),
		submitted: make(map[string]string),
		prices:    make(map[string]decimal.Decimal),
	}
}

func (p *Paper) ID() string { return p.cfg.ID }

func (p *Paper) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = true
	p.probeErr.Store(false)
	p.logger.Info("Paper broker connected")
	return nil
}

func (p *Paper) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	return nil
}

func (p *Paper) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

func (p *Paper) SetFillCallback(cb FillCallback) { p.fillCb = cb }

// SetPrice seeds the simulated market price for a symbol.
func (p *Paper) SetPrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
}

// FailNextSubmit makes the next SubmitOrder return an error (test hook for
// failover scenarios).
func (p *Paper) FailNextSubmit() { p.failNext.Store(true) }

// SetProbeFailure makes account probes fail while set (test hook for
// health monitoring scenarios).
func (p *Paper) SetProbeFailure(fail bool) { p.probeErr.Store(fail) }

// SubmitOrder executes the order against the simulated book. Idempotent:
// resubmitting a known client order id returns the original broker id.
func (p *Paper) SubmitOrder(ctx context.Context, order *types.Order) (string, error) {
	if !p.IsConnected() {
		return "", ErrNotConnected
	}
	if p.failNext.CompareAndSwap(true, false) {
		return "", fmt.Errorf("%w: simulated venue failure", ErrOrderRejected)
	}

	p.mu.Lock()
	if existing, ok := p.submitted[order.ID]; ok {
		p.mu.Unlock()
		return existing, nil
	}

	price := order.Price
	if price.IsZero() {
		if last, ok := p.prices[order.Symbol]; ok {
			price = last
		}
	}
	if price.IsZero() {
		p.mu.Unlock()
		return "", fmt.Errorf("%w: no price available for %s", ErrOrderRejected, order.Symbol)
	}

	brokerOrderID := "PB-" + uuid.NewString()[:8]
	p.submitted[order.ID] = brokerOrderID

	cp := *order
	cp.BrokerOrderID = brokerOrderID
	cp.Status = types.OrderStatusSubmitted
	p.orders[brokerOrderID] = &cp
	p.mu.Unlock()

	if p.cfg.FillDelay > 0 {
		go func() {
			select {
			case <-time.After(p.cfg.FillDelay):
				p.execute(brokerOrderID, price)
			case <-ctx.Done():
			}
		}()
	} else {
		p.execute(brokerOrderID, price)
	}
	return brokerOrderID, nil
}

// execute fills the order in full and emits the fill.
func (p *Paper) execute(brokerOrderID string, price decimal.Decimal) {
	p.mu.Lock()
	order, ok := p.orders[brokerOrderID]
	if !ok || order.Status.IsTerminal() {
		p.mu.Unlock()
		return
	}

	commission := order.Quantity.Mul(price).Mul(p.cfg.CommissionBps).Div(decimal.NewFromInt(10000))
	if commission.LessThan(p.cfg.MinCommission) {
		commission = p.cfg.MinCommission
	}

	order.FilledQty = order.Quantity
	order.AvgFillPrice = price
	order.Commission = commission
	order.Status = types.OrderStatusFilled
	order.UpdatedAt = time.Now().UTC()

	signed := order.SignedQuantity()
	p.cash = p.cash.Sub(signed.Mul(price)).Sub(commission)
	pos, exists := p.positions[order.Symbol]
	if !exists {
		pos = &types.BrokerPosition{Symbol: order.Symbol}
		p.positions[order.Symbol] = pos
	}
	pos.Quantity = pos.Quantity.Add(signed)
	pos.MarketValue = pos.Quantity.Mul(price)
	if pos.Quantity.IsZero() {
		delete(p.positions, order.Symbol)
	}

	cb := p.fillCb
	fill := &types.OrderFilledEvent{
		BaseEvent:  types.NewBaseEvent(types.EventTypeOrderFilled, ""),
		OrderID:    order.ID,
		FillID:     fmt.Sprintf("%s-fill-%d", p.cfg.ID, p.fillSeq.Add(1)),
		Symbol:     order.Symbol,
		Side:       order.Side,
		Quantity:   order.Quantity,
		Price:      price,
		Commission: commission,
	}
	p.mu.Unlock()

	if cb != nil {
		cb(fill)
	}
}

func (p *Paper) CancelOrder(ctx context.Context, brokerOrderID string) (bool, error) {
	if !p.IsConnected() {
		return false, ErrNotConnected
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	order, ok := p.orders[brokerOrderID]
	if !ok {
		return false, ErrOrderNotFound
	}
	if order.Status.IsTerminal() {
		return false, nil
	}
	order.Status = types.OrderStatusCancelled
	order.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (p *Paper) GetOrder(ctx context.Context, brokerOrderID string) (*types.Order, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	order, ok := p.orders[brokerOrderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *order
	return &cp, nil
}

func (p *Paper) GetAccountInfo(ctx context.Context) (*types.AccountInfo, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}
	if p.probeErr.Load() {
		return nil, fmt.Errorf("broker %s: simulated probe failure", p.cfg.ID)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	value := p.cash
	for _, pos := range p.positions {
		value = value.Add(pos.MarketValue)
	}
	return &types.AccountInfo{
		AccountID:      "paper-" + p.cfg.ID,
		Cash:           p.cash,
		BuyingPower:    p.cash,
		PortfolioValue: value,
	}, nil
}

func (p *Paper) GetPositions(ctx context.Context) ([]types.BrokerPosition, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]types.BrokerPosition, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	return out, nil
}
