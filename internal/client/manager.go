package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/Arefin090/finnigram/internal/protocol"
	"github.com/gorilla/websocket"
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	// StateOffline is terminal until the next explicit Connect: retries are
	// exhausted or the credentials were refused.
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

var (
	ErrClosed         = errors.New("connection closed")
	ErrQueueFull      = errors.New("offline queue full")
	ErrNotClientEvent = errors.New("event cannot be sent by a client")
)

const writeWait = 10 * time.Second

type ManagerOptions struct {
	// URL is the hub endpoint, e.g. ws://host:8080/ws.
	URL      string
	Token    string
	DeviceID string

	Backoff          *Backoff
	MaxAttempts      int
	QueueLimit       int
	HandshakeTimeout time.Duration
	// ReadTimeout must exceed the server's ping interval.
	ReadTimeout time.Duration
	// AutoAck answers every new_message from another user with a delivery
	// acknowledgement.
	AutoAck bool

	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// Manager owns one logical connection to the hub. Outbound events are
// queued while the link is down and replayed, after the joined rooms, once
// it is back.
type Manager struct {
	opts    ManagerOptions
	backoff *Backoff
	log     *slog.Logger

	mu      sync.Mutex
	state   State
	ws      *websocket.Conn
	userID  string
	gen     uint64
	timer   *time.Timer
	queue   []protocol.Event
	rooms   map[string]struct{}
	lastErr error

	writeMu sync.Mutex

	subMu     sync.RWMutex
	nextSub   uint64
	subs      map[protocol.Type]map[uint64]func(protocol.Event)
	stateSubs map[uint64]func(State)
}

func NewManager(opts ManagerOptions) *Manager {
	if opts.Backoff == nil {
		opts.Backoff = NewBackoff(time.Second, 30*time.Second, 0.2)
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	if opts.QueueLimit <= 0 {
		opts.QueueLimit = 100
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 90 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		opts:      opts,
		backoff:   opts.Backoff,
		log:       opts.Logger.With("component", "connection_manager"),
		rooms:     make(map[string]struct{}),
		subs:      make(map[protocol.Type]map[uint64]func(protocol.Event)),
		stateSubs: make(map[uint64]func(State)),
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// UserID is the identity confirmed by the last successful handshake.
func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

// LastError reports why the manager went offline, if it did.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *Manager) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// ClearQueue drops every queued event and joined room and returns how many
// events were discarded.
func (m *Manager) ClearQueue() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.queue)
	m.queue = nil
	clear(m.rooms)
	return n
}

// Connect dials the hub and waits for the connected frame. A refused
// credential is returned as ErrAuthFailed and is not retried; any other
// failure is returned and retried in the background with backoff.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	m.gen++
	gen := m.gen
	m.stopTimerLocked()
	m.lastErr = nil
	m.state = StateConnecting
	m.mu.Unlock()
	// An explicit connect starts a fresh retry budget, including after the
	// manager gave up and went offline.
	m.backoff.Reset()
	m.emitState(StateConnecting)

	err := m.dial(ctx, gen)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrAuthFailed):
		m.goOffline(gen, err)
		return err
	case errors.Is(err, ErrClosed):
		return err
	default:
		m.log.Warn("connect failed", "error", err)
		m.scheduleReconnect(gen)
		return err
	}
}

// Disconnect closes the link on purpose: pending retries are cancelled and
// the backoff starts over. Queued events and rooms are kept.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	m.stopTimerLocked()
	ws := m.ws
	m.ws = nil
	m.state = StateIdle
	m.mu.Unlock()
	m.backoff.Reset()

	if ws != nil {
		m.writeMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
			time.Now().Add(writeWait))
		m.writeMu.Unlock()
		_ = ws.Close()
	}
	m.emitState(StateIdle)
}

// Send writes the event now or queues it until the link is back.
// Membership events are folded into the room set and replayed as joins.
func (m *Manager) Send(ev protocol.Event) error {
	if !protocol.ClientSent(ev.EventType()) {
		return fmt.Errorf("%w: %s", ErrNotClientEvent, ev.EventType())
	}

	m.mu.Lock()
	membership := false
	switch e := ev.(type) {
	case protocol.JoinConversation:
		m.rooms[e.ConversationID] = struct{}{}
		membership = true
	case protocol.LeaveConversation:
		delete(m.rooms, e.ConversationID)
		membership = true
	}

	ws := m.ws
	if m.state != StateConnected || ws == nil {
		defer m.mu.Unlock()
		if membership {
			return nil
		}
		return m.enqueueLocked(ev)
	}
	m.mu.Unlock()

	if err := m.write(ws, ev); err != nil {
		m.log.Debug("write failed, queueing", "type", ev.EventType(), "error", err)
		if membership {
			return nil
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.enqueueLocked(ev)
	}
	return nil
}

func (m *Manager) enqueueLocked(ev protocol.Event) error {
	if len(m.queue) >= m.opts.QueueLimit {
		return ErrQueueFull
	}
	m.queue = append(m.queue, ev)
	return nil
}

// Subscribe registers fn for one event type. The returned func removes it.
func (m *Manager) Subscribe(t protocol.Type, fn func(protocol.Event)) func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.nextSub++
	id := m.nextSub
	if m.subs[t] == nil {
		m.subs[t] = make(map[uint64]func(protocol.Event))
	}
	m.subs[t][id] = fn
	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		delete(m.subs[t], id)
		if len(m.subs[t]) == 0 {
			delete(m.subs, t)
		}
	}
}

// OnState registers fn for state changes. The returned func removes it.
func (m *Manager) OnState(fn func(State)) func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.nextSub++
	id := m.nextSub
	m.stateSubs[id] = fn
	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		delete(m.stateSubs, id)
	}
}

func (m *Manager) dial(ctx context.Context, gen uint64) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+m.opts.Token)
	if m.opts.DeviceID != "" {
		header.Set("X-Device-ID", m.opts.DeviceID)
	}

	ws, resp, err := m.opts.Dialer.DialContext(ctx, m.opts.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("%w: %s", ErrAuthFailed, handshakeReason(resp))
		}
		return fmt.Errorf("dial %s: %w", m.opts.URL, err)
	}

	userID, early, err := m.awaitConnected(ws)
	if err != nil {
		_ = ws.Close()
		return err
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		_ = ws.Close()
		return ErrClosed
	}
	m.ws = ws
	m.userID = userID
	m.state = StateConnected
	rooms := slices.Sorted(maps.Keys(m.rooms))
	queued := m.queue
	m.queue = nil
	// writes issued after this point wait for the replay below
	m.writeMu.Lock()
	m.mu.Unlock()
	m.backoff.Reset()

	unsent := m.replay(ws, rooms, queued)
	m.writeMu.Unlock()
	m.requeue(unsent)

	m.log.Info("connected", "user_id", userID, "rooms", len(rooms), "replayed", len(queued))
	m.emitState(StateConnected)
	for _, ev := range early {
		m.dispatch(ev)
	}
	go m.readLoop(ws, gen)
	return nil
}

// awaitConnected reads until the server confirms the handshake. Frames
// that arrive first are returned for dispatch.
func (m *Manager) awaitConnected(ws *websocket.Conn) (string, []protocol.Event, error) {
	if err := ws.SetReadDeadline(time.Now().Add(m.opts.HandshakeTimeout)); err != nil {
		return "", nil, err
	}
	var early []protocol.Event
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return "", nil, fmt.Errorf("await connected: %w", err)
		}
		ev, err := protocol.Decode(data)
		if err != nil {
			m.log.Warn("invalid frame from server", "error", err)
			continue
		}
		switch e := ev.(type) {
		case protocol.Connected:
			return e.User.ID, early, nil
		case protocol.ConnectError:
			return "", nil, fmt.Errorf("%w: %s", ErrAuthFailed, e.Message)
		default:
			early = append(early, ev)
		}
	}
}

// replay runs with writeMu held and returns the events it could not
// write, which go back to the front of the queue.
func (m *Manager) replay(ws *websocket.Conn, rooms []string, queued []protocol.Event) []protocol.Event {
	for _, room := range rooms {
		if err := m.writeLocked(ws, protocol.JoinConversation{ConversationID: room}); err != nil {
			return queued
		}
	}
	for i, ev := range queued {
		if err := m.writeLocked(ws, ev); err != nil {
			return queued[i:]
		}
	}
	return nil
}

func (m *Manager) requeue(evs []protocol.Event) {
	if len(evs) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(slices.Clone(evs), m.queue...)
}

func (m *Manager) readLoop(ws *websocket.Conn, gen uint64) {
	extend := func() { _ = ws.SetReadDeadline(time.Now().Add(m.opts.ReadTimeout)) }
	extend()
	ws.SetPingHandler(func(data string) error {
		extend()
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			m.linkLost(ws, gen, err)
			return
		}
		extend()

		ev, err := protocol.Decode(data)
		if err != nil {
			m.log.Warn("invalid frame from server", "error", err)
			continue
		}
		if d, ok := ev.(protocol.Disconnect); ok {
			m.log.Info("server closing connection", "reason", d.Reason)
		}
		m.autoAck(ev)
		m.dispatch(ev)
	}
}

func (m *Manager) autoAck(ev protocol.Event) {
	if !m.opts.AutoAck {
		return
	}
	nm, ok := ev.(protocol.NewMessage)
	if !ok || nm.Message.SenderID == m.UserID() {
		return
	}
	ack := protocol.MessageDelivered{MessageID: nm.Message.ID, ConversationID: nm.Message.ConversationID}
	if err := m.Send(ack); err != nil {
		m.log.Warn("delivery ack failed", "message_id", nm.Message.ID, "error", err)
	}
}

// linkLost treats every unplanned close, including a server-side timeout,
// as a link failure: the backoff is not reset.
func (m *Manager) linkLost(ws *websocket.Conn, gen uint64, cause error) {
	_ = ws.Close()
	m.mu.Lock()
	if m.gen != gen || m.ws != ws {
		m.mu.Unlock()
		return
	}
	m.ws = nil
	m.state = StateReconnecting
	m.mu.Unlock()

	m.log.Warn("connection lost", "error", cause)
	m.emitState(StateReconnecting)
	m.scheduleReconnect(gen)
}

func (m *Manager) scheduleReconnect(gen uint64) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	if m.backoff.Attempt() >= m.opts.MaxAttempts {
		m.mu.Unlock()
		m.goOffline(gen, fmt.Errorf("gave up after %d reconnect attempts", m.opts.MaxAttempts))
		return
	}
	delay := m.backoff.Next()
	m.state = StateReconnecting
	m.timer = time.AfterFunc(delay, func() { m.reconnect(gen) })
	m.mu.Unlock()

	m.log.Info("reconnect scheduled", "delay", delay, "attempt", m.backoff.Attempt())
	m.emitState(StateReconnecting)
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.HandshakeTimeout)
	defer cancel()

	err := m.dial(ctx, gen)
	switch {
	case err == nil, errors.Is(err, ErrClosed):
	case errors.Is(err, ErrAuthFailed):
		m.goOffline(gen, err)
	default:
		m.log.Warn("reconnect failed", "error", err)
		m.scheduleReconnect(gen)
	}
}

func (m *Manager) goOffline(gen uint64, cause error) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.state = StateOffline
	m.lastErr = cause
	m.mu.Unlock()

	m.log.Error("connection offline", "error", cause)
	m.emitState(StateOffline)
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) write(ws *websocket.Conn, ev protocol.Event) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return m.writeLocked(ws, ev)
}

func (m *Manager) writeLocked(ws *websocket.Conn, ev protocol.Event) error {
	payload, err := protocol.Encode(ev)
	if err != nil {
		return err
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(websocket.TextMessage, payload)
}

func (m *Manager) dispatch(ev protocol.Event) {
	m.subMu.RLock()
	handlers := slices.Collect(maps.Values(m.subs[ev.EventType()]))
	m.subMu.RUnlock()

	for _, fn := range handlers {
		m.safeCall(string(ev.EventType()), func() { fn(ev) })
	}
}

func (m *Manager) emitState(s State) {
	m.subMu.RLock()
	handlers := slices.Collect(maps.Values(m.stateSubs))
	m.subMu.RUnlock()

	for _, fn := range handlers {
		m.safeCall("state", func() { fn(s) })
	}
}

func (m *Manager) safeCall(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("subscriber panic", "event", name, "panic", r)
		}
	}()
	fn()
}

func handshakeReason(resp *http.Response) string {
	if resp.Body == nil {
		return resp.Status
	}
	body, _ := io.ReadAll(resp.Body)
	if ev, err := protocol.Decode(body); err == nil {
		if ce, ok := ev.(protocol.ConnectError); ok && ce.Message != "" {
			return ce.Message
		}
	}
	return resp.Status
}
