package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/duet/internal/auth"
	"github.com/eldtechnologies/duet/internal/chat"
	"github.com/eldtechnologies/duet/internal/fanout"
	"github.com/eldtechnologies/duet/internal/models"
	"github.com/eldtechnologies/duet/internal/presence"
	"github.com/eldtechnologies/duet/internal/store"
)

// wireEvent is an outbound frame as a client sees it.
type wireEvent struct {
	Name string          `json:"event"`
	Ack  string          `json:"ack"`
	Data json.RawMessage `json:"data"`
}

func (e wireEvent) decode(t *testing.T, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(e.Data, v))
}

type fakeConn struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	events []wireEvent
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadJSON(v any) error {
	select {
	case frame, ok := <-c.in:
		if !ok {
			return io.EOF
		}
		return json.Unmarshal(frame, v)
	case <-c.closed:
		return io.EOF
	}
}

func (c *fakeConn) WriteJSON(v any) error {
	select {
	case <-c.closed:
		return errors.New("closed")
	default:
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var evt wireEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) emit(t *testing.T, name, ack string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	frame, err := json.Marshal(models.Envelope{Name: name, Ack: ack, Data: raw})
	require.NoError(t, err)
	c.in <- frame
}

func (c *fakeConn) named(name string) []wireEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []wireEvent
	for _, e := range c.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

func (c *fakeConn) waitFor(t *testing.T, name string, n int) []wireEvent {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.named(name)) >= n }, 2*time.Second, 5*time.Millisecond,
		"waiting for %d %q events", n, name)
	return c.named(name)
}

type harness struct {
	gw       *Gateway
	svc      *chat.Service
	store    *store.MemoryStore
	registry *presence.MemoryRegistry
	verifier *auth.JWTVerifier
	users    map[string]*models.User
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	ctx := context.Background()
	ds := store.NewMemoryStore()
	h := &harness{
		store:    ds,
		registry: presence.NewMemoryRegistry(),
		verifier: auth.NewJWTVerifier("test-secret", "duet"),
		users:    make(map[string]*models.User),
	}
	for _, name := range []string{"alice", "bob", "carol"} {
		u := &models.User{ID: "u-" + name, UID: name + "-uid", DisplayName: name}
		require.NoError(t, ds.CreateUser(ctx, u))
		h.users[name] = u
	}
	engine := fanout.New(h.registry, nil, zerolog.Nop())
	h.svc = chat.NewService(ds, chat.DefaultLimits(), engine, zerolog.Nop())
	h.gw = New(cfg, auth.NewAuthenticator(h.verifier, ds), h.svc, h.registry, ds, nil, zerolog.Nop())
	return h
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PingInterval = 0
	return cfg
}

func (h *harness) room(t *testing.T, a, b string) *models.Room {
	t.Helper()
	room, err := h.svc.Rooms.FindOrCreateRoom(context.Background(), h.users[a].ID, h.users[b].ID)
	require.NoError(t, err)
	return room
}

func (h *harness) token(t *testing.T, name string) string {
	t.Helper()
	tok, err := h.verifier.Issue(h.users[name].ID, time.Hour)
	require.NoError(t, err)
	return tok
}

// connect starts a session for name and waits until it is active.
func (h *harness) connect(t *testing.T, name string) (*fakeConn, <-chan error) {
	t.Helper()
	conn := newFakeConn()
	done := make(chan error, 1)
	go func() { done <- h.gw.Handle(context.Background(), h.token(t, name), conn) }()

	userID := h.users[name].ID
	require.Eventually(t, func() bool {
		h.gw.mu.Lock()
		defer h.gw.mu.Unlock()
		for s := range h.gw.sessions {
			if s.User.ID == userID && s.State() == StateActive {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	t.Cleanup(func() { conn.Close() })
	return conn, done
}

func TestRejectsBadCredential(t *testing.T) {
	h := newHarness(t, testConfig())
	conn := newFakeConn()

	err := h.gw.Handle(context.Background(), "bogus", conn)
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)
	assert.True(t, conn.isClosed())
	assert.Equal(t, 0, h.gw.SessionCount())
	assert.Equal(t, 0, h.registry.OnlineCount())

	ghost, err := h.verifier.Issue("u-nobody", time.Hour)
	require.NoError(t, err)
	err = h.gw.Handle(context.Background(), ghost, newFakeConn())
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)
}

func TestSendAndMarkRead(t *testing.T) {
	h := newHarness(t, testConfig())
	room := h.room(t, "alice", "bob")

	a, _ := h.connect(t, "alice")
	b, _ := h.connect(t, "bob")
	a.waitFor(t, models.EventUserOnline, 1)

	a.emit(t, models.EventMessageSend, "1", map[string]string{"roomId": room.ID, "type": "text", "content": "hi"})

	acks := a.waitFor(t, models.EventAck, 1)
	var ack models.Ack
	acks[0].decode(t, &ack)
	assert.Equal(t, "1", acks[0].Ack)
	assert.True(t, ack.Success)
	require.NotEmpty(t, ack.MessageID)

	for _, c := range []*fakeConn{a, b} {
		recv := c.waitFor(t, models.EventMessageRecv, 1)
		var msg models.Message
		recv[0].decode(t, &msg)
		assert.Equal(t, ack.MessageID, msg.ID)
		assert.Equal(t, "hi", msg.Content)
		assert.Equal(t, models.StatusSent, msg.Status)
	}

	b.emit(t, models.EventMarkAsRead, "", map[string]string{"roomId": room.ID})

	updates := a.waitFor(t, models.EventMessageUpdate, 1)
	var upd models.MessageUpdate
	updates[0].decode(t, &upd)
	assert.Equal(t, models.MessageUpdate{MessageID: ack.MessageID, Status: models.StatusRead}, upd)
}

func TestNonMemberIsRejected(t *testing.T) {
	h := newHarness(t, testConfig())
	room := h.room(t, "alice", "bob")
	c, _ := h.connect(t, "carol")

	c.emit(t, models.EventMessageSend, "7", map[string]string{"roomId": room.ID, "type": "text", "content": "let me in"})
	acks := c.waitFor(t, models.EventAck, 1)
	var ack models.Ack
	acks[0].decode(t, &ack)
	assert.False(t, ack.Success)
	assert.Equal(t, chat.CodeForbidden, ack.Code)

	c.emit(t, models.EventJoinRoom, "", map[string]string{"roomId": room.ID})
	errs := c.waitFor(t, models.EventError, 1)
	var payload models.ErrorPayload
	errs[0].decode(t, &payload)
	assert.Equal(t, chat.CodeForbidden, payload.Code)

	msgs, err := h.store.ListMessages(context.Background(), room.ID, 10, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestDisconnectAnnouncesOffline(t *testing.T) {
	h := newHarness(t, testConfig())
	h.room(t, "alice", "bob")
	h.room(t, "alice", "carol")

	b, _ := h.connect(t, "bob")
	c, _ := h.connect(t, "carol")
	a, done := h.connect(t, "alice")
	b.waitFor(t, models.EventUserOnline, 1)

	close(a.in)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close")
	}

	assert.False(t, h.registry.IsOnline("u-alice"))
	stored, err := h.store.GetUser(context.Background(), "u-alice")
	require.NoError(t, err)
	assert.False(t, stored.Online)
	assert.False(t, stored.LastSeenAt.IsZero())

	for _, conn := range []*fakeConn{b, c} {
		off := conn.waitFor(t, models.EventUserOffline, 1)
		var payload models.UserOffline
		off[0].decode(t, &payload)
		assert.Equal(t, "u-alice", payload.UserID)
		assert.Equal(t, "alice", payload.Username)
	}
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, b.named(models.EventUserOffline), 1)
	assert.Len(t, c.named(models.EventUserOffline), 1)
}

func TestJoinTypingAndLeave(t *testing.T) {
	h := newHarness(t, testConfig())
	room := h.room(t, "alice", "bob")

	a, _ := h.connect(t, "alice")
	b, _ := h.connect(t, "bob")

	a.emit(t, models.EventJoinRoom, "j", map[string]string{"roomId": room.ID})
	joined := a.waitFor(t, models.EventJoinedRoom, 1)
	var jr models.JoinedRoom
	joined[0].decode(t, &jr)
	assert.Equal(t, room.ID, jr.RoomID)
	a.waitFor(t, models.EventAck, 1)

	a.emit(t, models.EventTyping, "", map[string]any{"roomId": room.ID, "isTyping": true})
	typing := b.waitFor(t, models.EventTyping, 1)
	var tp models.Typing
	typing[0].decode(t, &tp)
	assert.Equal(t, models.Typing{RoomID: room.ID, UserID: "u-alice", Username: "alice", IsTyping: true}, tp)
	assert.Empty(t, a.named(models.EventTyping))

	msgs, err := h.store.ListMessages(context.Background(), room.ID, 10, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, msgs)

	// After leaving, bob no longer receives the room's broadcasts.
	b.emit(t, models.EventLeaveRoom, "l", map[string]string{"roomId": room.ID})
	b.waitFor(t, models.EventAck, 1)
	a.emit(t, models.EventTyping, "t2", map[string]any{"roomId": room.ID, "isTyping": false})
	a.waitFor(t, models.EventAck, 2)
	assert.Len(t, b.named(models.EventTyping), 1)
}

func TestStatusAndDeleteEvents(t *testing.T) {
	h := newHarness(t, testConfig())
	room := h.room(t, "alice", "bob")
	a, _ := h.connect(t, "alice")
	b, _ := h.connect(t, "bob")

	a.emit(t, models.EventMessageSend, "s", map[string]string{"roomId": room.ID, "type": "text", "content": "hello"})
	var ack models.Ack
	a.waitFor(t, models.EventAck, 1)[0].decode(t, &ack)
	require.True(t, ack.Success)

	b.emit(t, models.EventMessageStatus, "d", map[string]string{"messageId": ack.MessageID, "status": "delivered"})
	var upd models.MessageUpdate
	a.waitFor(t, models.EventMessageUpdate, 1)[0].decode(t, &upd)
	assert.Equal(t, models.StatusDelivered, upd.Status)

	// Going backwards is a no-op, still acknowledged as success.
	b.emit(t, models.EventMessageStatus, "r", map[string]string{"messageId": ack.MessageID, "status": "sent"})
	acks := b.waitFor(t, models.EventAck, 2)
	var noop models.Ack
	acks[1].decode(t, &noop)
	assert.True(t, noop.Success)

	b.emit(t, models.EventMessageDelete, "x", map[string]any{"messageId": ack.MessageID, "deleteForBoth": true})
	acks = b.waitFor(t, models.EventAck, 3)
	var denied models.Ack
	acks[2].decode(t, &denied)
	assert.False(t, denied.Success)
	assert.Equal(t, chat.CodeForbidden, denied.Code)

	a.emit(t, models.EventMessageDelete, "y", map[string]any{"messageId": ack.MessageID, "deleteForBoth": true})
	var del models.MessageDeleted
	b.waitFor(t, models.EventMessageDeleted, 1)[0].decode(t, &del)
	assert.Equal(t, models.MessageDeleted{MessageID: ack.MessageID, DeleteForBoth: true}, del)
}

func TestMalformedAndUnknownEvents(t *testing.T) {
	h := newHarness(t, testConfig())
	a, _ := h.connect(t, "alice")

	a.in <- []byte(`{"event": "typing", "data": `)
	a.emit(t, "dance", "", map[string]string{})
	a.in <- []byte(`{"event": "joinRoom", "data": "not an object"}`)

	errs := a.waitFor(t, models.EventError, 3)
	for _, e := range errs {
		var p models.ErrorPayload
		e.decode(t, &p)
		assert.Equal(t, chat.CodeValidation, p.Code)
	}
	assert.Equal(t, StateActive, sessionState(h, "u-alice"))
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.EventsPerSecond = 0.001
	cfg.Burst = 1
	h := newHarness(t, cfg)
	room := h.room(t, "alice", "bob")
	a, _ := h.connect(t, "alice")

	a.emit(t, models.EventTyping, "1", map[string]any{"roomId": room.ID, "isTyping": true})
	a.emit(t, models.EventTyping, "2", map[string]any{"roomId": room.ID, "isTyping": true})

	acks := a.waitFor(t, models.EventAck, 2)
	var first, second models.Ack
	acks[0].decode(t, &first)
	acks[1].decode(t, &second)
	assert.True(t, first.Success)
	assert.False(t, second.Success)
	assert.Contains(t, second.Error, "rate limit")
}

func TestSessionSendBackpressure(t *testing.T) {
	cfg := testConfig()
	cfg.Buffer = 1
	s := newSession(newFakeConn(), cfg, zerolog.Nop())

	require.NoError(t, s.Send(models.Event{Name: "a"}))
	assert.ErrorIs(t, s.Send(models.Event{Name: "b"}), ErrSlowConsumer)

	assert.True(t, s.shutdown())
	assert.False(t, s.shutdown())
	assert.Equal(t, StateClosed, s.State())
	assert.ErrorIs(t, s.Send(models.Event{Name: "c"}), ErrSessionClosed)
}

func TestCloseDisconnectsSessions(t *testing.T) {
	h := newHarness(t, testConfig())
	_, done := h.connect(t, "alice")

	h.gw.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close")
	}
	assert.Equal(t, 0, h.gw.SessionCount())
	assert.False(t, h.registry.IsOnline("u-alice"))
}

func sessionState(h *harness, userID string) State {
	h.gw.mu.Lock()
	defer h.gw.mu.Unlock()
	for s := range h.gw.sessions {
		if s.User.ID == userID {
			return s.State()
		}
	}
	return StateClosed
}
