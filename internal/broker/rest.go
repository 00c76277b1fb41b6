package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-trading/engine/internal/types"
)

// RESTConfig configures a JSON-over-HTTP broker venue.
type RESTConfig struct {
	ID           string
	BaseURL      string
	APIKey       string
	Timeout      time.Duration
	PollInterval time.Duration // fill polling cadence
	RetryCount   int
}

// DefaultRESTConfig returns defaults for a REST venue.
func DefaultRESTConfig(id, baseURL, apiKey string) RESTConfig {
	return RESTConfig{
		ID:           id,
		BaseURL:      baseURL,
		APIKey:       apiKey,
		Timeout:      10 * time.Second,
		PollInterval: 2 * time.Second,
		RetryCount:   2,
	}
}

// restOrder is the wire representation of an order.
type restOrder struct {
	OrderID       string `json:"order_id"`
	ClientOrderID string `json:"client_order_id"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Quantity      string `json:"quantity"`
	Price         string `json:"price,omitempty"`
	Status        string `json:"status"`
	FilledQty     string `json:"filled_qty"`
	AvgFillPrice  string `json:"avg_fill_price"`
	Commission    string `json:"commission"`
}

type restAccount struct {
	AccountID      string `json:"account_id"`
	Cash           string `json:"cash"`
	BuyingPower    string `json:"buying_power"`
	PortfolioValue string `json:"portfolio_value"`
	TradeSuspended bool   `json:"trade_suspended"`
}

type restPosition struct {
	Symbol      string `json:"symbol"`
	Quantity    string `json:"quantity"`
	AvgCost     string `json:"avg_cost"`
	MarketValue string `json:"market_value"`
	Side        string `json:"side"`
}

// REST adapts a JSON HTTP broker API to the Adapter contract. Idempotency
// rides on the client order id: the venue deduplicates resubmissions of the
// same id, and we also short-circuit locally.
type REST struct {
	logger *zap.Logger
	cfg    RESTConfig
	client *resty.Client

	mu        sync.RWMutex
	connected bool
	submitted map[string]string // client order id -> broker order id
	tracked   map[string]string // broker order id -> last seen filled qty

	fillCb FillCallback
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewREST creates a REST broker adapter.
func NewREST(logger *zap.Logger, cfg RESTConfig) *REST {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetHeader("Authorization", "Bearer "+cfg.APIKey).
		SetHeader("Content-Type", "application/json")

	return &REST{
		logger:    logger.Named("rest-broker").With(zap.String("broker", cfg.ID)),
		cfg:       cfg,
		client:    client,
		submitted: make(map[string]string),
		tracked:   make(map[string]string),
	}
}

func (r *REST) ID() string { return r.cfg.ID }

func (r *REST) SetFillCallback(cb FillCallback) { r.fillCb = cb }

func (r *REST) Connect(ctx context.Context) error {
	resp, err := r.client.R().SetContext(ctx).Get("/v1/account")
	if err != nil {
		return fmt.Errorf("broker %s: connect: %w", r.cfg.ID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("broker %s: connect: status %d", r.cfg.ID, resp.StatusCode())
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.connected = true
	r.cancel = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go r.pollFills(pollCtx)

	r.logger.Info("REST broker connected", zap.String("baseURL", r.cfg.BaseURL))
	return nil
}

func (r *REST) Disconnect(ctx context.Context) error {
	r.mu.Lock()
	cancel := r.cancel
	r.connected = false
	r.cancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
	return nil
}

func (r *REST) IsConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connected
}

func (r *REST) SubmitOrder(ctx context.Context, order *types.Order) (string, error) {
	if !r.IsConnected() {
		return "", ErrNotConnected
	}
	r.mu.RLock()
	existing, seen := r.submitted[order.ID]
	r.mu.RUnlock()
	if seen {
		return existing, nil
	}

	body := restOrder{
		ClientOrderID: order.ID,
		Symbol:        order.Symbol,
		Side:          string(order.Side),
		Type:          string(order.Type),
		Quantity:      order.Quantity.String(),
	}
	if !order.Price.IsZero() {
		body.Price = order.Price.String()
	}

	var out restOrder
	resp, err := r.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		Post("/v1/orders")
	if err != nil {
		return "", fmt.Errorf("broker %s: submit: %w", r.cfg.ID, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("%w: broker %s status %d: %s", ErrOrderRejected, r.cfg.ID, resp.StatusCode(), resp.String())
	}

	r.mu.Lock()
	r.submitted[order.ID] = out.OrderID
	r.tracked[out.OrderID] = "0"
	r.mu.Unlock()
	return out.OrderID, nil
}

func (r *REST) CancelOrder(ctx context.Context, brokerOrderID string) (bool, error) {
	if !r.IsConnected() {
		return false, ErrNotConnected
	}
	resp, err := r.client.R().SetContext(ctx).Delete("/v1/orders/" + brokerOrderID)
	if err != nil {
		return false, fmt.Errorf("broker %s: cancel: %w", r.cfg.ID, err)
	}
	return resp.IsSuccess(), nil
}

func (r *REST) GetOrder(ctx context.Context, brokerOrderID string) (*types.Order, error) {
	var out restOrder
	resp, err := r.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/v1/orders/" + brokerOrderID)
	if err != nil {
		return nil, fmt.Errorf("broker %s: get order: %w", r.cfg.ID, err)
	}
	if resp.StatusCode() == 404 {
		return nil, ErrOrderNotFound
	}
	if resp.IsError() {
		return nil, fmt.Errorf("broker %s: get order: status %d", r.cfg.ID, resp.StatusCode())
	}
	return out.toOrder(), nil
}

func (r *REST) GetAccountInfo(ctx context.Context) (*types.AccountInfo, error) {
	if !r.IsConnected() {
		return nil, ErrNotConnected
	}
	var out restAccount
	resp, err := r.client.R().SetContext(ctx).SetResult(&out).Get("/v1/account")
	if err != nil {
		return nil, fmt.Errorf("broker %s: account: %w", r.cfg.ID, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("broker %s: account: status %d", r.cfg.ID, resp.StatusCode())
	}
	return &types.AccountInfo{
		AccountID:      out.AccountID,
		Cash:           parseDecimal(out.Cash),
		BuyingPower:    parseDecimal(out.BuyingPower),
		PortfolioValue: parseDecimal(out.PortfolioValue),
		TradeSuspended: out.TradeSuspended,
	}, nil
}

func (r *REST) GetPositions(ctx context.Context) ([]types.BrokerPosition, error) {
	if !r.IsConnected() {
		return nil, ErrNotConnected
	}
	var out []restPosition
	resp, err := r.client.R().SetContext(ctx).SetResult(&out).Get("/v1/positions")
	if err != nil {
		return nil, fmt.Errorf("broker %s: positions: %w", r.cfg.ID, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("broker %s: positions: status %d", r.cfg.ID, resp.StatusCode())
	}
	positions := make([]types.BrokerPosition, 0, len(out))
	for _, p := range out {
		positions = append(positions, types.BrokerPosition{
			Symbol:      p.Symbol,
			Quantity:    parseDecimal(p.Quantity),
			AvgCost:     parseDecimal(p.AvgCost),
			MarketValue: parseDecimal(p.MarketValue),
			Side:        p.Side,
		})
	}
	return positions, nil
}

// pollFills converts order status changes into fill events. REST venues
// without a streaming API get fill delivery this way: each increase in an
// order's cumulative filled quantity is reported once, as one fill for the
// difference. Fills are not deduplicated by fill id downstream.
func (r *REST) pollFills(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.checkTracked(ctx)
		}
	}
}

func (r *REST) checkTracked(ctx context.Context) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.tracked))
	for id := range r.tracked {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, brokerOrderID := range ids {
		order, err := r.GetOrder(ctx, brokerOrderID)
		if err != nil {
			r.logger.Debug("Fill poll failed", zap.String("brokerOrderId", brokerOrderID), zap.Error(err))
			continue
		}

		r.mu.Lock()
		lastSeen := parseDecimal(r.tracked[brokerOrderID])
		newFill := order.FilledQty.Sub(lastSeen)
		if newFill.IsPositive() {
			r.tracked[brokerOrderID] = order.FilledQty.String()
		}
		if order.Status.IsTerminal() {
			delete(r.tracked, brokerOrderID)
		}
		cb := r.fillCb
		r.mu.Unlock()

		if newFill.IsPositive() && cb != nil {
			cb(&types.OrderFilledEvent{
				BaseEvent:  types.NewBaseEvent(types.EventTypeOrderFilled, ""),
				OrderID:    order.ID,
				FillID:     fmt.Sprintf("%s-%s-%s", r.cfg.ID, brokerOrderID, order.FilledQty),
				Symbol:     order.Symbol,
				Side:       order.Side,
				Quantity:   newFill,
				Price:      order.AvgFillPrice,
				Commission: order.Commission,
			})
		}
	}
}

func (o *restOrder) toOrder() *types.Order {
	return &types.Order{
		ID:            o.ClientOrderID,
		BrokerOrderID: o.OrderID,
		Symbol:        o.Symbol,
		Side:          types.OrderSide(o.Side),
		Type:          types.OrderType(o.Type),
		Quantity:      parseDecimal(o.Quantity),
		Price:         parseDecimal(o.Price),
		Status:        types.OrderStatus(o.Status),
		FilledQty:     parseDecimal(o.FilledQty),
		AvgFillPrice:  parseDecimal(o.AvgFillPrice),
		Commission:    parseDecimal(o.Commission),
	}
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
