package presence

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// State is the lifecycle of one socket.
type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateOnline
	StateTyping
	StateDisconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateOnline:
		return "online"
	case StateTyping:
		return "typing"
	case StateDisconnecting:
		return "disconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type conn struct {
	id        string
	userID    string
	tokenID   string
	deviceID  string
	expiresAt time.Time

	ws   *websocket.Conn
	send chan []byte
	done chan struct{}

	closeOnce sync.Once
	reason    string
	lastSeen  atomic.Int64

	mu     sync.Mutex
	state  State
	rooms  map[string]struct{}
	typing map[string]struct{}
}

func newConn(id string, ws *websocket.Conn, now time.Time) *conn {
	c := &conn{
		id:     id,
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		state:  StateConnecting,
		rooms:  make(map[string]struct{}),
		typing: make(map[string]struct{}),
	}
	c.touch(now)
	return c
}

func (c *conn) touch(now time.Time) {
	c.lastSeen.Store(now.UnixNano())
}

func (c *conn) lastSeenAt() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

func (c *conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *conn) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *conn) inRoom(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[room]
	return ok
}

func (c *conn) join(room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[room] = struct{}{}
}

func (c *conn) leave(room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, room)
}

// startTyping reports false when the conversation was already marked.
func (c *conn) startTyping(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.typing[room]; ok {
		return false
	}
	c.typing[room] = struct{}{}
	c.state = StateTyping
	return true
}

func (c *conn) stopTyping(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.typing[room]; !ok {
		return false
	}
	delete(c.typing, room)
	if len(c.typing) == 0 && c.state == StateTyping {
		c.state = StateOnline
	}
	return true
}

// release moves the connection to disconnecting and hands back the rooms
// and typing indicators it held.
func (c *conn) release() (rooms, typing []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateDisconnecting
	for r := range c.rooms {
		rooms = append(rooms, r)
	}
	for r := range c.typing {
		typing = append(typing, r)
	}
	c.rooms = make(map[string]struct{})
	c.typing = make(map[string]struct{})
	return rooms, typing
}
