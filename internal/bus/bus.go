package bus

import (
	"context"
	"errors"

	"classhub/pkg/types"
)

// Bus is the group pub/sub primitive connections communicate through.
// Connections never share memory directly; every cross-connection event
// travels as an Envelope published to a named group.
type Bus interface {
	// Subscribe registers interest in a group. The subscription receives
	// every envelope published to the group after this call returns.
	Subscribe(ctx context.Context, group string) (Subscription, error)
	// Publish delivers env to all current subscribers of the group.
	Publish(ctx context.Context, group string, env *types.Envelope) error
	// Close releases the bus and all its subscriptions.
	Close() error
}

// Subscription is one group membership. Delivery is best-effort: a
// subscriber that stops draining its channel loses envelopes rather
// than blocking publishers.
type Subscription interface {
	// C is the receive channel. It is closed when the subscription closes.
	C() <-chan *types.Envelope
	// Close cancels the subscription. Safe to call more than once.
	Close() error
}

var ErrBusClosed = errors.New("bus is closed")
