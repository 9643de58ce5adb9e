// Package bus fans events out across server instances. Every instance
// subscribes to the same channel and filters by its own state.
package bus

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("bus closed")

// Handler receives raw payloads in publish order per publisher.
type Handler func(payload []byte)

type Subscription interface {
	Unsubscribe() error
}

type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, h Handler) (Subscription, error)
	Close() error
}
