package presence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Arefin090/finnigram/internal/bus"
	"github.com/Arefin090/finnigram/internal/protocol"
)

// Delivery is the envelope every instance receives from the bus. Exactly
// one of Room, Users or Broadcast selects the local recipients.
type Delivery struct {
	Origin    string         `json:"origin"`
	Room      string         `json:"room,omitempty"`
	Users     []string       `json:"users,omitempty"`
	Broadcast bool           `json:"broadcast,omitempty"`
	Exclude   []string       `json:"exclude,omitempty"`
	Frame     protocol.Frame `json:"frame"`
}

// Broadcaster publishes events for every instance, including this one, to
// deliver to its local sockets.
type Broadcaster struct {
	bus     bus.Bus
	channel string
	origin  string
}

func NewBroadcaster(b bus.Bus, channel, origin string) *Broadcaster {
	return &Broadcaster{bus: b, channel: channel, origin: origin}
}

func (b *Broadcaster) ToRoom(ctx context.Context, room string, ev protocol.Event, exclude ...string) error {
	return b.publish(ctx, Delivery{Room: room, Exclude: exclude}, ev)
}

func (b *Broadcaster) ToUsers(ctx context.Context, users []string, ev protocol.Event) error {
	if len(users) == 0 {
		return nil
	}
	return b.publish(ctx, Delivery{Users: users}, ev)
}

func (b *Broadcaster) ToAll(ctx context.Context, ev protocol.Event) error {
	return b.publish(ctx, Delivery{Broadcast: true}, ev)
}

func (b *Broadcaster) publish(ctx context.Context, d Delivery, ev protocol.Event) error {
	f, err := protocol.ToFrame(ev)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ev.EventType(), err)
	}
	d.Origin = b.origin
	d.Frame = f
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode delivery: %w", err)
	}
	return b.bus.Publish(ctx, b.channel, payload)
}
