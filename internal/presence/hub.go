// Package presence runs the websocket hub: it authenticates sockets, keeps
// conversation rooms, relays typing and receipts and fans events out to
// every instance through the bus.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Arefin090/finnigram/internal/bus"
	"github.com/Arefin090/finnigram/internal/ledger"
	"github.com/Arefin090/finnigram/internal/protocol"
	"github.com/Arefin090/finnigram/internal/service"
	"github.com/Arefin090/finnigram/internal/session"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	sendBuffer   = 64
	maxFrameSize = 64 << 10
	writeWait    = 10 * time.Second
	opTimeout    = 5 * time.Second
)

type Authenticator interface {
	Authenticate(ctx context.Context, raw string) (session.Claims, error)
	TrackSession(ctx context.Context, userID, tokenID, deviceInfo string, expiresAt time.Time)
	RemoveSession(ctx context.Context, userID, tokenID string)
}

type Membership interface {
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
}

type Receipts interface {
	DeliverPending(ctx context.Context, userID, deviceID string) (int, error)
	MarkDelivered(ctx context.Context, userID, messageID, deviceID string) (ledger.Result, error)
	MarkConversationRead(ctx context.Context, userID, conversationID, deviceID string) (service.ReadReceipt, error)
}

type Options struct {
	Auth      Authenticator
	Directory Membership
	Receipts  Receipts
	Registry  Registry
	Bus       bus.Bus
	Channel   string
	// Instance tags deliveries published from this process.
	Instance         string
	HeartbeatTimeout time.Duration
	PingInterval     time.Duration
	Metrics          *Metrics
	Logger           *slog.Logger
	Now              func() time.Time
	CheckOrigin      func(r *http.Request) bool
}

type Hub struct {
	auth     Authenticator
	dir      Membership
	receipts Receipts
	registry Registry
	bus      bus.Bus
	channel  string
	bc       *Broadcaster
	timeout  time.Duration
	ping     time.Duration
	metrics  *Metrics
	log      *slog.Logger
	now      func() time.Time
	upgrader websocket.Upgrader
	baseCtx  context.Context
	subMu    sync.Mutex
	sub      bus.Subscription

	mu    sync.RWMutex
	conns map[*conn]struct{}
	users map[string]map[*conn]struct{}
	rooms map[string]map[*conn]struct{}
}

func NewHub(opts Options) *Hub {
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 60 * time.Second
	}
	if opts.PingInterval <= 0 || opts.PingInterval >= opts.HeartbeatTimeout {
		opts.PingInterval = opts.HeartbeatTimeout * 9 / 10
	}
	if opts.Registry == nil {
		opts.Registry = NewMemoryRegistry()
	}
	if opts.Bus == nil {
		opts.Bus = bus.NewMemory()
	}
	if opts.Channel == "" {
		opts.Channel = "finnigram.events"
	}
	if opts.Instance == "" {
		opts.Instance = uuid.NewString()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.CheckOrigin == nil {
		opts.CheckOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		auth:     opts.Auth,
		dir:      opts.Directory,
		receipts: opts.Receipts,
		registry: opts.Registry,
		bus:      opts.Bus,
		channel:  opts.Channel,
		bc:       NewBroadcaster(opts.Bus, opts.Channel, opts.Instance),
		timeout:  opts.HeartbeatTimeout,
		ping:     opts.PingInterval,
		metrics:  opts.Metrics,
		log:      opts.Logger.With("component", "hub", "instance", opts.Instance),
		now:      opts.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     opts.CheckOrigin,
		},
		baseCtx: context.Background(),
		conns:   make(map[*conn]struct{}),
		users:   make(map[string]map[*conn]struct{}),
		rooms:   make(map[string]map[*conn]struct{}),
	}
}

// Broadcaster publishes onto the same channel the hub consumes.
func (h *Hub) Broadcaster() *Broadcaster {
	return h.bc
}

// Start subscribes to the bus. Events published before Start returns are
// not delivered by this instance.
func (h *Hub) Start(ctx context.Context) error {
	sub, err := h.bus.Subscribe(ctx, h.channel, h.deliver)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", h.channel, err)
	}
	h.subMu.Lock()
	h.sub = sub
	h.subMu.Unlock()
	h.log.Info("hub started", "channel", h.channel)
	return nil
}

// Run starts the hub and blocks until ctx is done, then closes every
// socket.
func (h *Hub) Run(ctx context.Context) error {
	if err := h.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	h.Shutdown("server shutdown")
	return nil
}

func (h *Hub) Shutdown(reason string) {
	h.subMu.Lock()
	sub := h.sub
	h.sub = nil
	h.subMu.Unlock()
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			h.log.Warn("bus unsubscribe failed", "error", err)
		}
	}
	for _, c := range h.snapshot() {
		h.disconnect(c, reason)
	}
	h.log.Info("hub stopped", "reason", reason)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, err := h.auth.Authenticate(r.Context(), bearerToken(r))
	if err != nil {
		h.metrics.AuthFailures.Inc()
		h.log.Warn("socket handshake rejected", "remote", r.RemoteAddr, "error", err)
		writeConnectError(w, err)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "user_id", claims.UserID, "error", err)
		return
	}

	c := newConn(uuid.NewString(), ws, h.now())
	c.userID = claims.UserID
	c.tokenID = claims.TokenID
	c.expiresAt = claims.ExpiresAt
	c.deviceID = deviceID(r)
	c.setState(StateAuthenticated)

	h.online(c)
	go h.writePump(c)
	h.deliverPending(c)
	h.readPump(c)
}

func (h *Hub) online(c *conn) {
	ctx, cancel := h.opCtx()
	defer cancel()

	h.mu.Lock()
	h.conns[c] = struct{}{}
	if h.users[c.userID] == nil {
		h.users[c.userID] = make(map[*conn]struct{})
	}
	h.users[c.userID][c] = struct{}{}
	h.mu.Unlock()
	h.metrics.Connections.Inc()

	h.auth.TrackSession(ctx, c.userID, c.tokenID, c.deviceID, c.expiresAt)

	first, err := h.registry.Online(ctx, c.userID, c.id)
	if err != nil {
		h.log.Warn("presence registry unavailable", "user_id", c.userID, "error", err)
	}
	c.setState(StateOnline)
	h.sendTo(c, protocol.Connected{User: protocol.ConnectedUser{ID: c.userID}, Timestamp: h.now().UTC()})

	if first {
		h.publishOnlineUsers(ctx)
	} else if users, err := h.registry.OnlineUsers(ctx); err == nil {
		h.sendTo(c, protocol.OnlineUsers{UserIDs: users})
	}

	h.log.Info("socket connected", "user_id", c.userID, "conn_id", c.id, "device_id", c.deviceID)
}

// deliverPending acknowledges everything that reached the server while the
// user had no socket open.
func (h *Hub) deliverPending(c *conn) {
	if h.receipts == nil {
		return
	}
	ctx, cancel := h.opCtx()
	defer cancel()

	n, err := h.receipts.DeliverPending(ctx, c.userID, c.deviceID)
	if err != nil {
		h.log.Warn("pending delivery failed", "user_id", c.userID, "error", err)
		return
	}
	if n > 0 {
		h.log.Debug("acknowledged pending messages", "user_id", c.userID, "count", n)
	}
}

func (h *Hub) readPump(c *conn) {
	reason := "client disconnect"
	defer func() { h.disconnect(c, reason) }()

	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(h.now().Add(h.timeout))
	c.ws.SetPongHandler(func(string) error {
		c.touch(h.now())
		return c.ws.SetReadDeadline(h.now().Add(h.timeout))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			reason = readFailure(err)
			if reason == "heartbeat timeout" {
				h.metrics.Timeouts.Inc()
			}
			return
		}
		c.touch(h.now())
		_ = c.ws.SetReadDeadline(h.now().Add(h.timeout))

		ev, err := protocol.Decode(data)
		if err != nil {
			h.log.Warn("invalid socket frame", "user_id", c.userID, "error", err)
			continue
		}
		if !protocol.ClientSent(ev.EventType()) {
			h.log.Warn("server-only event from client", "user_id", c.userID, "type", ev.EventType())
			continue
		}
		h.metrics.Events.WithLabelValues("in", string(ev.EventType())).Inc()
		h.handle(c, ev)
	}
}

func (h *Hub) handle(c *conn, ev protocol.Event) {
	ctx, cancel := h.opCtx()
	defer cancel()

	switch e := ev.(type) {
	case protocol.JoinConversation:
		ok, err := h.dir.IsParticipant(ctx, e.ConversationID, c.userID)
		if err != nil {
			h.log.Warn("membership check failed", "user_id", c.userID, "conversation_id", e.ConversationID, "error", err)
			return
		}
		if !ok {
			h.log.Warn("join rejected, not a participant", "user_id", c.userID, "conversation_id", e.ConversationID)
			return
		}
		h.join(c, e.ConversationID)

	case protocol.LeaveConversation:
		if c.stopTyping(e.ConversationID) {
			h.publishTyping(ctx, c, e.ConversationID, false)
		}
		h.leave(c, e.ConversationID)

	case protocol.TypingStart:
		if !c.inRoom(e.ConversationID) {
			return
		}
		if c.startTyping(e.ConversationID) {
			h.publishTyping(ctx, c, e.ConversationID, true)
		}

	case protocol.TypingStop:
		if c.stopTyping(e.ConversationID) {
			h.publishTyping(ctx, c, e.ConversationID, false)
		}

	case protocol.MarkRead:
		if h.receipts == nil {
			return
		}
		if _, err := h.receipts.MarkConversationRead(ctx, c.userID, e.ConversationID, c.deviceID); err != nil {
			h.log.Warn("mark read failed", "user_id", c.userID, "conversation_id", e.ConversationID, "error", err)
		}

	case protocol.MessageDelivered:
		if h.receipts == nil {
			return
		}
		if _, err := h.receipts.MarkDelivered(ctx, c.userID, e.MessageID, c.deviceID); err != nil {
			h.log.Warn("delivery ack failed", "user_id", c.userID, "message_id", e.MessageID, "error", err)
		}
	}
}

func (h *Hub) join(c *conn, room string) {
	h.mu.Lock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*conn]struct{})
	}
	h.rooms[room][c] = struct{}{}
	h.mu.Unlock()
	c.join(room)
}

func (h *Hub) leave(c *conn, room string) {
	c.leave(room)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, room)
}

func (h *Hub) leaveLocked(c *conn, room string) {
	delete(h.rooms[room], c)
	if len(h.rooms[room]) == 0 {
		delete(h.rooms, room)
	}
}

func (h *Hub) publishTyping(ctx context.Context, c *conn, room string, typing bool) {
	ev := protocol.UserTyping{UserID: c.userID, ConversationID: room, IsTyping: typing}
	if err := h.bc.ToRoom(ctx, room, ev, c.userID); err != nil {
		h.log.Warn("typing broadcast failed", "user_id", c.userID, "conversation_id", room, "error", err)
	}
}

func (h *Hub) publishOnlineUsers(ctx context.Context) {
	users, err := h.registry.OnlineUsers(ctx)
	if err != nil {
		h.log.Warn("presence registry unavailable", "error", err)
		return
	}
	if err := h.bc.ToAll(ctx, protocol.OnlineUsers{UserIDs: users}); err != nil {
		h.log.Warn("presence broadcast failed", "error", err)
	}
}

// disconnect tears the connection down once. Typing indicators are
// cleared for peers and presence goes offline with the user's last
// connection.
func (h *Hub) disconnect(c *conn, reason string) {
	c.closeOnce.Do(func() {
		ctx, cancel := h.opCtx()
		defer cancel()

		c.reason = reason
		rooms, typing := c.release()
		for _, room := range typing {
			h.publishTyping(ctx, c, room, false)
		}

		h.mu.Lock()
		delete(h.conns, c)
		delete(h.users[c.userID], c)
		if len(h.users[c.userID]) == 0 {
			delete(h.users, c.userID)
		}
		for _, room := range rooms {
			h.leaveLocked(c, room)
		}
		shared := false
		for other := range h.users[c.userID] {
			if other.tokenID == c.tokenID {
				shared = true
				break
			}
		}
		h.mu.Unlock()
		h.metrics.Connections.Dec()

		if !shared {
			h.auth.RemoveSession(ctx, c.userID, c.tokenID)
		}

		last, err := h.registry.Offline(ctx, c.userID, c.id)
		if err != nil {
			h.log.Warn("presence registry unavailable", "user_id", c.userID, "error", err)
		}
		if last {
			h.publishOnlineUsers(ctx)
		}

		close(c.done)
		c.setState(StateClosed)
		h.log.Info("socket disconnected", "user_id", c.userID, "conn_id", c.id, "reason", reason)
	})
}

func (h *Hub) writePump(c *conn) {
	ticker := time.NewTicker(h.ping)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(h.now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				go h.disconnect(c, "transport error")
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, h.now().Add(writeWait)); err != nil {
				go h.disconnect(c, "transport error")
				return
			}
		case <-c.done:
			deadline := h.now().Add(writeWait)
			if payload, err := protocol.Encode(protocol.Disconnect{Reason: c.reason}); err == nil {
				_ = c.ws.SetWriteDeadline(deadline)
				_ = c.ws.WriteMessage(websocket.TextMessage, payload)
			}
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, c.reason), deadline)
			return
		}
	}
}

// deliver routes one bus delivery to the matching local sockets.
func (h *Hub) deliver(payload []byte) {
	var d Delivery
	if err := json.Unmarshal(payload, &d); err != nil {
		h.log.Warn("malformed bus delivery", "error", err)
		return
	}
	msg, err := json.Marshal(d.Frame)
	if err != nil {
		h.log.Warn("malformed bus frame", "error", err)
		return
	}

	excluded := make(map[string]struct{}, len(d.Exclude))
	for _, u := range d.Exclude {
		excluded[u] = struct{}{}
	}

	for _, c := range h.targets(d) {
		if _, skip := excluded[c.userID]; skip {
			continue
		}
		h.enqueue(c, msg)
		h.metrics.Events.WithLabelValues("out", string(d.Frame.Type)).Inc()
	}
}

func (h *Hub) targets(d Delivery) []*conn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []*conn
	switch {
	case d.Broadcast:
		for c := range h.conns {
			out = append(out, c)
		}
	case d.Room != "":
		for c := range h.rooms[d.Room] {
			out = append(out, c)
		}
	default:
		for _, u := range d.Users {
			for c := range h.users[u] {
				out = append(out, c)
			}
		}
	}
	return out
}

func (h *Hub) sendTo(c *conn, ev protocol.Event) {
	msg, err := protocol.Encode(ev)
	if err != nil {
		h.log.Error("encode event", "type", ev.EventType(), "error", err)
		return
	}
	h.enqueue(c, msg)
	h.metrics.Events.WithLabelValues("out", string(ev.EventType())).Inc()
}

func (h *Hub) enqueue(c *conn, msg []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- msg:
	default:
		h.metrics.Dropped.Inc()
		h.log.Warn("send buffer full, closing socket", "user_id", c.userID, "conn_id", c.id)
		go h.disconnect(c, "slow consumer")
	}
}

// Sweep closes sockets that have been silent past the heartbeat timeout and
// renews the registry lease of the rest. Read deadlines catch most silent
// sockets; Sweep covers sockets whose reader is wedged.
func (h *Hub) Sweep(now time.Time) int {
	cutoff := now.Add(-h.timeout)
	n := 0
	var live []*conn
	for _, c := range h.snapshot() {
		if c.lastSeenAt().Before(cutoff) {
			h.metrics.Timeouts.Inc()
			h.disconnect(c, "heartbeat timeout")
			n++
			continue
		}
		live = append(live, c)
	}
	if n > 0 {
		h.log.Info("swept silent sockets", "count", n)
	}

	ctx, cancel := h.opCtx()
	defer cancel()
	for _, c := range live {
		if err := h.registry.Refresh(ctx, c.userID, c.id); err != nil {
			h.log.Warn("presence registry unavailable", "user_id", c.userID, "error", err)
			break
		}
	}
	return n
}

// Connections returns the number of open sockets on this instance.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// RoomSize returns how many local sockets joined the conversation.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// States returns the lifecycle state of each local socket for the user.
func (h *Hub) States(userID string) []State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []State
	for c := range h.users[userID] {
		out = append(out, c.State())
	}
	return out
}

func (h *Hub) snapshot() []*conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		out = append(out, c)
	}
	return out
}

func (h *Hub) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(h.baseCtx, opTimeout)
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

func deviceID(r *http.Request) string {
	if id := r.Header.Get("X-Device-ID"); id != "" {
		return id
	}
	return r.URL.Query().Get("device")
}

func readFailure(err error) string {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return "heartbeat timeout"
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return "client disconnect"
	}
	return "transport error"
}

func writeConnectError(w http.ResponseWriter, err error) {
	msg := "authentication failed"
	if errors.Is(err, session.ErrTokenRevoked) {
		msg = "token revoked"
	}
	body, _ := protocol.Encode(protocol.ConnectError{Message: msg})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write(body)
}
