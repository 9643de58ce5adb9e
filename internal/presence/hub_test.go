package presence

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Arefin090/finnigram/internal/bus"
	"github.com/Arefin090/finnigram/internal/ledger"
	"github.com/Arefin090/finnigram/internal/model"
	"github.com/Arefin090/finnigram/internal/protocol"
	"github.com/Arefin090/finnigram/internal/repo"
	"github.com/Arefin090/finnigram/internal/service"
	"github.com/Arefin090/finnigram/internal/session"
	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("hub-secret")

const conv = "conv-1"

type hubFixture struct {
	hub       *Hub
	srv       *httptest.Server
	repo      *repo.Memory
	guard     *session.Guard
	messaging *service.Messaging
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	mem := newDirectory(t)
	b := bus.NewMemory()
	msg := newMessaging(mem, b)
	return startNode(t, mem, msg, b, NewMemoryRegistry(), "test")
}

func newDirectory(t *testing.T) *repo.Memory {
	t.Helper()
	ctx := context.Background()
	mem := repo.NewMemory()
	require.NoError(t, mem.AddParticipant(ctx, conv, "alice"))
	require.NoError(t, mem.AddParticipant(ctx, conv, "bob"))
	require.NoError(t, mem.AddParticipant(ctx, "conv-mallory", "mallory"))
	return mem
}

func newMessaging(mem *repo.Memory, b bus.Bus) *service.Messaging {
	l := ledger.New(mem, ledger.Options{Strict: true})
	return service.NewMessaging(mem, mem, l, NewBroadcaster(b, "test.events", "other"), service.Options{})
}

// startNode runs one hub instance behind its own HTTP server.
func startNode(t *testing.T, mem *repo.Memory, msg *service.Messaging, b bus.Bus, reg Registry, instance string) *hubFixture {
	t.Helper()
	guard := session.NewGuard(session.Options{Secret: secret})
	hub := NewHub(Options{
		Auth:             guard,
		Directory:        mem,
		Receipts:         msg,
		Registry:         reg,
		Bus:              b,
		Channel:          "test.events",
		Instance:         instance,
		HeartbeatTimeout: 5 * time.Second,
		PingInterval:     time.Second,
	})
	require.NoError(t, hub.Start(context.Background()))
	t.Cleanup(func() { hub.Shutdown("test done") })

	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	return &hubFixture{hub: hub, srv: srv, repo: mem, guard: guard, messaging: msg}
}

func (f *hubFixture) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	token, err := session.SignToken(secret, userID, time.Hour)
	require.NoError(t, err)

	ws, _, err := websocket.DefaultDialer.Dial(f.wsURL(), http.Header{"Authorization": {"Bearer " + token}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	expect(t, ws, protocol.TypeConnected)
	return ws
}

func (f *hubFixture) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func send(t *testing.T, ws *websocket.Conn, ev protocol.Event) {
	t.Helper()
	b, err := protocol.Encode(ev)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, b))
}

// expect reads frames until one of the given type arrives.
func expect(t *testing.T, ws *websocket.Conn, typ protocol.Type) protocol.Event {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err, "waiting for %s", typ)
		ev, err := protocol.Decode(data)
		require.NoError(t, err)
		if ev.EventType() == typ {
			return ev
		}
	}
}

func TestHandshake_RejectsInvalidToken(t *testing.T) {
	f := newHubFixture(t)

	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL()+"?token=garbage", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	ev, err := protocol.Decode(body)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeConnectError, ev.EventType())
	assert.Equal(t, 0, f.hub.Connections())
}

func TestConnect_BroadcastsOnlineUsers(t *testing.T) {
	f := newHubFixture(t)

	alice := f.dial(t, "alice")
	ev := expect(t, alice, protocol.TypeOnlineUsers).(protocol.OnlineUsers)
	assert.Equal(t, []string{"alice"}, ev.UserIDs)

	f.dial(t, "bob")
	ev = expect(t, alice, protocol.TypeOnlineUsers).(protocol.OnlineUsers)
	assert.Equal(t, []string{"alice", "bob"}, ev.UserIDs)

	assert.Equal(t, []State{StateOnline}, f.hub.States("alice"))
}

func TestTyping_RelayedToPeersAndClearedOnDisconnect(t *testing.T) {
	f := newHubFixture(t)

	alice := f.dial(t, "alice")
	bob := f.dial(t, "bob")
	send(t, alice, protocol.JoinConversation{ConversationID: conv})
	send(t, bob, protocol.JoinConversation{ConversationID: conv})
	require.Eventually(t, func() bool { return f.hub.RoomSize(conv) == 2 }, 2*time.Second, 10*time.Millisecond)

	send(t, alice, protocol.TypingStart{ConversationID: conv})
	got := expect(t, bob, protocol.TypeUserTyping).(protocol.UserTyping)
	assert.Equal(t, protocol.UserTyping{UserID: "alice", ConversationID: conv, IsTyping: true}, got)
	require.Eventually(t, func() bool {
		states := f.hub.States("alice")
		return len(states) == 1 && states[0] == StateTyping
	}, 2*time.Second, 10*time.Millisecond)

	// the first typing event alice sees is bob's, never her own
	send(t, bob, protocol.TypingStart{ConversationID: conv})
	got = expect(t, alice, protocol.TypeUserTyping).(protocol.UserTyping)
	assert.Equal(t, "bob", got.UserID)

	require.NoError(t, alice.Close())

	got = expect(t, bob, protocol.TypeUserTyping).(protocol.UserTyping)
	assert.Equal(t, protocol.UserTyping{UserID: "alice", ConversationID: conv, IsTyping: false}, got)
	online := expect(t, bob, protocol.TypeOnlineUsers).(protocol.OnlineUsers)
	assert.Equal(t, []string{"bob"}, online.UserIDs)
	assert.Equal(t, 1, f.hub.RoomSize(conv))
}

func TestJoin_RequiresParticipation(t *testing.T) {
	f := newHubFixture(t)

	mallory := f.dial(t, "mallory")
	send(t, mallory, protocol.JoinConversation{ConversationID: conv})
	send(t, mallory, protocol.JoinConversation{ConversationID: "conv-mallory"})

	require.Eventually(t, func() bool { return f.hub.RoomSize("conv-mallory") == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, f.hub.RoomSize(conv))
}

func TestConnect_AcknowledgesPendingMessages(t *testing.T) {
	f := newHubFixture(t)
	ctx := context.Background()

	alice := f.dial(t, "alice")
	m, err := f.messaging.Send(ctx, service.SendRequest{ConversationID: conv, SenderID: "alice", ClientID: "c-1", Content: "hi"})
	require.NoError(t, err)

	echo := expect(t, alice, protocol.TypeNewMessage).(protocol.NewMessage)
	assert.Equal(t, "c-1", echo.Message.ClientID)

	bob := f.dial(t, "bob")
	delivered := expect(t, alice, protocol.TypeMessageDelivered).(protocol.MessageDelivered)
	assert.Equal(t, m.ID, delivered.MessageID)

	stored, err := f.repo.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Delivered, stored.Status)

	send(t, bob, protocol.MarkRead{ConversationID: conv})
	read := expect(t, alice, protocol.TypeConversationRead).(protocol.ConversationRead)
	assert.Equal(t, []string{m.ID}, read.MessageIDs)
	assert.Equal(t, "bob", read.UserID)
}

func TestSweep_ClosesSilentSockets(t *testing.T) {
	f := newHubFixture(t)

	alice := f.dial(t, "alice")
	assert.Equal(t, 0, f.hub.Sweep(time.Now()))
	assert.Equal(t, 1, f.hub.Sweep(time.Now().Add(time.Minute)))

	ev := expect(t, alice, protocol.TypeDisconnect).(protocol.Disconnect)
	assert.Equal(t, "heartbeat timeout", ev.Reason)
	assert.Equal(t, 0, f.hub.Connections())
}

func TestDisconnect_RemovesTrackedSession(t *testing.T) {
	f := newHubFixture(t)
	ctx := context.Background()

	alice := f.dial(t, "alice")
	require.Len(t, f.guard.Sessions(ctx, "alice"), 1)

	require.NoError(t, alice.Close())
	require.Eventually(t, func() bool {
		return len(f.guard.Sessions(ctx, "alice")) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

// clusterBackends return a constructor for the bus and registry of each
// instance. The memory backend shares one of each between instances.
var clusterBackends = map[string]func(t *testing.T) func() (bus.Bus, Registry){
	"memory": func(*testing.T) func() (bus.Bus, Registry) {
		b, reg := bus.NewMemory(), NewMemoryRegistry()
		return func() (bus.Bus, Registry) { return b, reg }
	},
	"redis": func(t *testing.T) func() (bus.Bus, Registry) {
		mr := miniredis.RunT(t)
		return func() (bus.Bus, Registry) {
			rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = rdb.Close() })
			b := bus.NewRedis(rdb, nil)
			t.Cleanup(func() { _ = b.Close() })
			return b, NewRedisRegistry(rdb, time.Minute)
		}
	},
}

// expectOnline reads presence updates until the wanted set arrives.
func expectOnline(t *testing.T, ws *websocket.Conn, want []string) {
	t.Helper()
	for {
		ev := expect(t, ws, protocol.TypeOnlineUsers).(protocol.OnlineUsers)
		if assert.ObjectsAreEqual(want, ev.UserIDs) {
			return
		}
	}
}

func TestCluster_EventsCrossInstances(t *testing.T) {
	for name, backend := range clusterBackends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			node := backend(t)
			mem := newDirectory(t)

			busA, regA := node()
			busB, regB := node()
			msg := newMessaging(mem, busA)
			a := startNode(t, mem, msg, busA, regA, "node-a")
			b := startNode(t, mem, msg, busB, regB, "node-b")

			alice := a.dial(t, "alice")
			bob := b.dial(t, "bob")
			expectOnline(t, alice, []string{"alice", "bob"})

			send(t, alice, protocol.JoinConversation{ConversationID: conv})
			send(t, bob, protocol.JoinConversation{ConversationID: conv})
			require.Eventually(t, func() bool {
				return a.hub.RoomSize(conv) == 1 && b.hub.RoomSize(conv) == 1
			}, 2*time.Second, 10*time.Millisecond)

			send(t, alice, protocol.TypingStart{ConversationID: conv})
			typing := expect(t, bob, protocol.TypeUserTyping).(protocol.UserTyping)
			assert.Equal(t, protocol.UserTyping{UserID: "alice", ConversationID: conv, IsTyping: true}, typing)

			m, err := msg.Send(ctx, service.SendRequest{ConversationID: conv, SenderID: "alice", Content: "across"})
			require.NoError(t, err)
			got := expect(t, bob, protocol.TypeNewMessage).(protocol.NewMessage)
			assert.Equal(t, m.ID, got.Message.ID)
			assert.Equal(t, "across", got.Message.Content)

			send(t, bob, protocol.MessageDelivered{MessageID: m.ID, ConversationID: conv})
			delivered := expect(t, alice, protocol.TypeMessageDelivered).(protocol.MessageDelivered)
			assert.Equal(t, m.ID, delivered.MessageID)
			assert.Equal(t, "bob", delivered.UserID)

			require.NoError(t, bob.Close())
			expectOnline(t, alice, []string{"alice"})
		})
	}
}
