package service_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Arefin090/finnigram/internal/ledger"
	"github.com/Arefin090/finnigram/internal/model"
	"github.com/Arefin090/finnigram/internal/protocol"
	"github.com/Arefin090/finnigram/internal/repo"
	"github.com/Arefin090/finnigram/internal/service"
)

const (
	conv  = "conv-1"
	alice = "alice"
	bob   = "bob"
)

type published struct {
	users []string
	ev    protocol.Event
}

type fakePublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *fakePublisher) ToUsers(_ context.Context, users []string, ev protocol.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{users: users, ev: ev})
	return nil
}

func (p *fakePublisher) ofType(t protocol.Type) []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []published
	for _, e := range p.events {
		if e.ev.EventType() == t {
			out = append(out, e)
		}
	}
	return out
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fixture struct {
	repo      *repo.Memory
	ledger    *ledger.Ledger
	messaging *service.Messaging
	pub       *fakePublisher
	clock     *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mem := repo.NewMemory()
	ctx := context.Background()
	for _, u := range []string{alice, bob} {
		if err := mem.AddParticipant(ctx, conv, u); err != nil {
			t.Fatalf("add participant: %v", err)
		}
	}

	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := ledger.New(mem, ledger.Options{Strict: true, Now: c.Now})
	pub := &fakePublisher{}
	m := service.NewMessaging(mem, mem, l, pub, service.Options{ContentMax: 20, Now: c.Now})
	return &fixture{repo: mem, ledger: l, messaging: m, pub: pub, clock: c}
}

func (f *fixture) send(t *testing.T, content string) model.Message {
	t.Helper()
	m, err := f.messaging.Send(context.Background(), service.SendRequest{
		ConversationID: conv,
		SenderID:       alice,
		Content:        content,
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	return m
}

func TestSend_PersistsAsSentAndPublishes(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	m, err := f.messaging.Send(context.Background(), service.SendRequest{
		ConversationID: conv,
		SenderID:       alice,
		ClientID:       "tmp-42",
		Content:        "  hello  ",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if m.Status != model.Sent {
		t.Fatalf("expected status sent, got %s", m.Status)
	}
	if m.Content != "hello" {
		t.Fatalf("expected trimmed content, got %q", m.Content)
	}

	stored, err := f.repo.Get(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != model.Sent || stored.ClientID != "tmp-42" {
		t.Fatalf("unexpected stored message %+v", stored)
	}

	got := f.pub.ofType(protocol.TypeNewMessage)
	if len(got) != 1 {
		t.Fatalf("expected one new_message, got %d", len(got))
	}
	nm := got[0].ev.(protocol.NewMessage)
	if nm.Message.ClientID != "tmp-42" {
		t.Fatalf("expected client id echoed, got %q", nm.Message.ClientID)
	}
	if strings.Join(got[0].users, ",") != "alice,bob" {
		t.Fatalf("expected both participants, got %v", got[0].users)
	}
}

func TestSend_Validation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  service.SendRequest
		want error
	}{
		{"empty", service.SendRequest{ConversationID: conv, SenderID: alice, Content: "   "}, service.ErrEmptyContent},
		{"too long", service.SendRequest{ConversationID: conv, SenderID: alice, Content: strings.Repeat("é", 21)}, service.ErrContentTooLong},
		{"outsider", service.SendRequest{ConversationID: conv, SenderID: "mallory", Content: "hi"}, service.ErrNotParticipant},
	}
	for _, tt := range tests {
		_, err := f.messaging.Send(ctx, tt.req)
		if !errors.Is(err, tt.want) {
			t.Fatalf("%s: expected %v, got %v", tt.name, tt.want, err)
		}
	}
}

func TestLifecycle_AggregatesToRead(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	m := f.send(t, "hi bob")

	n, err := f.messaging.DeliverPending(ctx, bob, "phone")
	if err != nil {
		t.Fatalf("deliver pending: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 auto-ack, got %d", n)
	}
	if s, _ := f.ledger.CurrentStatus(ctx, m.ID); s != model.Delivered {
		t.Fatalf("expected delivered, got %s", s)
	}
	if got := f.pub.ofType(protocol.TypeMessageDelivered); len(got) != 1 || got[0].users[0] != alice {
		t.Fatalf("expected delivery receipt to alice, got %+v", got)
	}

	receipt, err := f.messaging.MarkConversationRead(ctx, bob, conv, "phone")
	if err != nil {
		t.Fatalf("mark conversation read: %v", err)
	}
	if len(receipt.MessageIDs) != 1 || receipt.MessageIDs[0] != m.ID {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	if len(f.pub.ofType(protocol.TypeConversationRead)) != 1 {
		t.Fatalf("expected a conversation_read event")
	}

	status, ok, err := f.messaging.ConversationStatus(ctx, alice, conv)
	if err != nil || !ok {
		t.Fatalf("conversation status: ok=%v err=%v", ok, err)
	}
	if status != model.Read {
		t.Fatalf("expected aggregate read, got %s", status)
	}
}

func TestMarkRead_FillsDeliveredGap(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	m := f.send(t, "hi")
	res, err := f.messaging.MarkRead(ctx, bob, m.ID, "")
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if res.Outcome != ledger.Applied || res.Status != model.Read {
		t.Fatalf("unexpected result %+v", res)
	}

	stored, _ := f.repo.Get(ctx, m.ID)
	if stored.DeliveredAt == nil || stored.ReadAt == nil {
		t.Fatalf("expected delivered and read timestamps, got %+v", stored)
	}
	if len(f.pub.ofType(protocol.TypeMessageRead)) != 1 {
		t.Fatalf("expected one message_read event")
	}
}

func TestMarkDelivered_SenderCannotAckOwnMessage(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	m := f.send(t, "hi")
	res, err := f.messaging.MarkDelivered(context.Background(), alice, m.ID, "")
	if err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	if res.Outcome != ledger.Rejected || res.Status != model.Sent {
		t.Fatalf("expected rejection with current status, got %+v", res)
	}
	if len(f.pub.ofType(protocol.TypeMessageDelivered)) != 0 {
		t.Fatalf("rejected transition must not publish")
	}
}

func TestMarkDelivered_Outsider(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	m := f.send(t, "hi")
	_, err := f.messaging.MarkDelivered(context.Background(), "mallory", m.ID, "")
	if !errors.Is(err, service.ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
	_, err = f.messaging.MarkDelivered(context.Background(), bob, "missing", "")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkConversationRead_EachGroupMemberGetsOwnReceipt(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	if err := f.repo.AddParticipant(ctx, conv, "carol"); err != nil {
		t.Fatalf("add participant: %v", err)
	}

	m := f.send(t, "hi all")

	bobs, err := f.messaging.MarkConversationRead(ctx, bob, conv, "phone")
	if err != nil {
		t.Fatalf("bob mark read: %v", err)
	}
	if len(bobs.MessageIDs) != 1 {
		t.Fatalf("unexpected receipt for bob %+v", bobs)
	}

	carols, err := f.messaging.MarkConversationRead(ctx, "carol", conv, "laptop")
	if err != nil {
		t.Fatalf("carol mark read: %v", err)
	}
	if len(carols.MessageIDs) != 1 || carols.MessageIDs[0] != m.ID {
		t.Fatalf("expected carol to read %s, got %+v", m.ID, carols)
	}

	rs, err := f.messaging.ReadStatus(ctx, "carol", conv)
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	if rs.UnreadCount != 0 || rs.LastReadMessageID != m.ID {
		t.Fatalf("expected nothing unread for carol, got %+v", rs)
	}
	if got := f.pub.ofType(protocol.TypeConversationRead); len(got) != 2 {
		t.Fatalf("expected one conversation_read per reader, got %d", len(got))
	}
}

func TestDeliverPending_TracksEachRecipient(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	if err := f.repo.AddParticipant(ctx, conv, "carol"); err != nil {
		t.Fatalf("add participant: %v", err)
	}

	m := f.send(t, "hi all")
	if n, err := f.messaging.DeliverPending(ctx, bob, ""); err != nil || n != 1 {
		t.Fatalf("bob deliver pending: n=%d err=%v", n, err)
	}
	if n, err := f.messaging.DeliverPending(ctx, "carol", ""); err != nil || n != 1 {
		t.Fatalf("carol deliver pending: n=%d err=%v", n, err)
	}
	if n, err := f.messaging.DeliverPending(ctx, "carol", ""); err != nil || n != 0 {
		t.Fatalf("second pass must find nothing: n=%d err=%v", n, err)
	}

	got := f.pub.ofType(protocol.TypeMessageDelivered)
	if len(got) != 2 {
		t.Fatalf("expected a delivery receipt per recipient, got %d", len(got))
	}
	for i, want := range []string{bob, "carol"} {
		ev := got[i].ev.(protocol.MessageDelivered)
		if ev.MessageID != m.ID || ev.UserID != want || got[i].users[0] != alice {
			t.Fatalf("receipt %d: unexpected %+v to %v", i, ev, got[i].users)
		}
	}
}
