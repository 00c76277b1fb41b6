// Package broker defines the adapter contract every venue implements and
// ships the built-in paper and REST adapters.
package broker

import (
	"context"
	"errors"

	"github.com/atlas-trading/engine/internal/types"
)

// Errors every adapter may return.
var (
	ErrNotConnected  = errors.New("broker: not connected")
	ErrOrderNotFound = errors.New("broker: order not found")
	ErrOrderRejected = errors.New("broker: order rejected")
)

// FillCallback delivers executions back to the engine. Adapters call it
// from their own goroutines; the engine's wiring (cmd/server) publishes each
// fill onto the bus.
type FillCallback func(fill *types.OrderFilledEvent)

// Adapter is the contract for one broker venue. SubmitOrder must be
// idempotent for a given order.ID: resubmitting the same client order
// returns the original broker order id instead of double-executing.
type Adapter interface {
	ID() string
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	SubmitOrder(ctx context.Context, order *types.Order) (brokerOrderID string, err error)
	CancelOrder(ctx context.Context, brokerOrderID string) (bool, error)
	GetOrder(ctx context.Context, brokerOrderID string) (*types.Order, error)

	GetAccountInfo(ctx context.Context) (*types.AccountInfo, error)
	GetPositions(ctx context.Context) ([]types.BrokerPosition, error)

	// SetFillCallback registers the fill stream sink. Must be called
	// before Connect.
	SetFillCallback(cb FillCallback)
}
