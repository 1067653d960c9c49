package duet

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// ErrStreamClosed is returned by Emit after the stream has shut down.
var ErrStreamClosed = errors.New("duet: stream closed")

// Event is a frame pushed by the server.
type Event struct {
	Name string          `json:"event"`
	Ack  string          `json:"ack,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// Ack is the server's answer to an emitted frame.
type Ack struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
	Code      string `json:"code,omitempty"`
}

// Stream is a live session. Server pushes arrive on Events; acks are
// routed to the Emit call that asked for them.
type Stream struct {
	Events <-chan Event

	conn    *websocket.Conn
	events  chan Event
	writeMu sync.Mutex
	nextAck atomic.Uint64

	mu      sync.Mutex
	pending map[string]chan Ack
	done    chan struct{}
	err     error
}

// Dial opens a real-time session with the client's token.
func (c *Client) Dial(ctx context.Context) (*Stream, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"

	header := http.Header{}
	if c.Token != "" {
		header.Set("Authorization", "Bearer "+c.Token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, &APIError{Status: resp.StatusCode, Message: "authentication failed"}
		}
		return nil, err
	}

	s := &Stream{
		conn:    conn,
		events:  make(chan Event, 64),
		pending: make(map[string]chan Ack),
		done:    make(chan struct{}),
	}
	s.Events = s.events
	go s.readLoop()
	return s, nil
}

func (s *Stream) readLoop() {
	defer close(s.events)
	defer s.fail(ErrStreamClosed)

	for {
		var evt Event
		if err := s.conn.ReadJSON(&evt); err != nil {
			s.fail(err)
			return
		}
		if evt.Name == "ack" && evt.Ack != "" {
			s.mu.Lock()
			ch := s.pending[evt.Ack]
			delete(s.pending, evt.Ack)
			s.mu.Unlock()
			if ch != nil {
				var ack Ack
				evt.Decode(&ack)
				ch <- ack
				continue
			}
		}
		select {
		case s.events <- evt:
		case <-s.done:
			return
		}
	}
}

// fail records the first terminal error and releases waiters.
func (s *Stream) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	s.err = err
	close(s.done)
	s.pending = map[string]chan Ack{}
}

// Emit sends an event and waits for its ack.
func (s *Stream) Emit(ctx context.Context, name string, data any) (Ack, error) {
	id := strconv.FormatUint(s.nextAck.Add(1), 10)
	ch := make(chan Ack, 1)

	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return Ack{}, ErrStreamClosed
	}
	s.pending[id] = ch
	s.mu.Unlock()

	if err := s.write(name, id, data); err != nil {
		s.forget(id)
		return Ack{}, err
	}

	select {
	case ack := <-ch:
		return ack, nil
	case <-s.done:
		return Ack{}, ErrStreamClosed
	case <-ctx.Done():
		s.forget(id)
		return Ack{}, ctx.Err()
	}
}

// Notify sends an event without asking for an ack.
func (s *Stream) Notify(name string, data any) error {
	return s.write(name, "", data)
}

func (s *Stream) write(name, ack string, data any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(struct {
		Name string `json:"event"`
		Ack  string `json:"ack,omitempty"`
		Data any    `json:"data,omitempty"`
	}{name, ack, data})
}

func (s *Stream) forget(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// JoinRoom subscribes the session to a room and marks its messages delivered.
func (s *Stream) JoinRoom(ctx context.Context, roomID string) (Ack, error) {
	return s.Emit(ctx, "joinRoom", map[string]string{"roomId": roomID})
}

// Send posts a message over the session.
func (s *Stream) Send(ctx context.Context, d Draft) (Ack, error) {
	return s.Emit(ctx, "message:send", d)
}

// MarkAsRead marks every received message in the room as read.
func (s *Stream) MarkAsRead(ctx context.Context, roomID string) (Ack, error) {
	return s.Emit(ctx, "markAsRead", map[string]string{"roomId": roomID})
}

// Typing reports a typing indicator change.
func (s *Stream) Typing(roomID string, isTyping bool) error {
	return s.Notify("typing", map[string]any{"roomId": roomID, "isTyping": isTyping})
}

// Close ends the session.
func (s *Stream) Close() error {
	s.fail(ErrStreamClosed)
	return s.conn.Close()
}
