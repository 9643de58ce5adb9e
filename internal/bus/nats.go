package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Nats publishes on core NATS subjects. Like Redis it is at-most-once;
// missed events come back through sync.
type Nats struct {
	nc  *nats.Conn
	log *slog.Logger
}

func DialNats(url, name string, logger *slog.Logger) (*Nats, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(3*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &Nats{nc: nc, log: logger}, nil
}

func (n *Nats) Publish(_ context.Context, channel string, payload []byte) error {
	if err := n.nc.Publish(channel, payload); err != nil {
		return fmt.Errorf("nats publish %s: %w", channel, err)
	}
	return nil
}

func (n *Nats) Subscribe(_ context.Context, channel string, h Handler) (Subscription, error) {
	sub, err := n.nc.Subscribe(channel, func(msg *nats.Msg) {
		defer func() {
			if r := recover(); r != nil {
				n.log.Error("bus handler panic", "channel", msg.Subject, "panic", r)
			}
		}()
		h(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", channel, err)
	}
	if err := n.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("nats subscribe %s: %w", channel, err)
	}
	return sub, nil
}

func (n *Nats) Close() error {
	return n.nc.Drain()
}
