package gateway

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/eldtechnologies/duet/internal/models"
)

var (
	// ErrSessionClosed is returned when sending to a closed session.
	ErrSessionClosed = errors.New("session closed")
	// ErrSlowConsumer is returned when the outbound buffer is full.
	ErrSlowConsumer = errors.New("outbound buffer full")
)

// Conn is the transport under a session. *websocket.Conn satisfies it.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// pinger is implemented by transports that need keepalive frames.
type pinger interface {
	Ping() error
}

// State is a session's lifecycle stage.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one client connection. It implements presence.Handle.
type Session struct {
	ID   string
	User *models.User

	conn    Conn
	out     chan models.Event
	done    chan struct{}
	written chan struct{}
	limiter *rate.Limiter
	ping    time.Duration
	logger  zerolog.Logger

	state     atomic.Int32
	closeOnce sync.Once

	mu    sync.RWMutex
	rooms map[string]struct{}
}

func newSession(conn Conn, cfg Config, logger zerolog.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		ID:      id,
		conn:    conn,
		out:     make(chan models.Event, cfg.Buffer),
		done:    make(chan struct{}),
		written: make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(cfg.EventsPerSecond), cfg.Burst),
		ping:    cfg.PingInterval,
		logger:  logger.With().Str("session_id", id).Logger(),
		rooms:   make(map[string]struct{}),
	}
}

// State returns the current lifecycle stage.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Send queues evt without blocking.
func (s *Session) Send(evt models.Event) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.out <- evt:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// Subscribed reports whether broadcasts for roomID reach this session.
func (s *Session) Subscribed(roomID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[roomID]
	return ok
}

// Subscribe adds roomID to the session's broadcast set.
func (s *Session) Subscribe(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[roomID] = struct{}{}
}

// Unsubscribe removes roomID from the session's broadcast set.
func (s *Session) Unsubscribe(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomID)
}

// writeLoop drains the outbound queue until the session closes. A failed write
// closes the transport, which ends the read loop.
func (s *Session) writeLoop() {
	defer close(s.written)

	var tick <-chan time.Time
	p, canPing := s.conn.(pinger)
	if canPing && s.ping > 0 {
		t := time.NewTicker(s.ping)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case evt := <-s.out:
			if err := s.conn.WriteJSON(evt); err != nil {
				s.logger.Debug().Err(err).Str("event", evt.Name).Msg("write failed")
				s.conn.Close()
				return
			}
		case <-tick:
			if err := p.Ping(); err != nil {
				s.logger.Debug().Err(err).Msg("ping failed")
				s.conn.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// shutdown stops the writer and closes the transport. It reports false if the
// session was already closed.
func (s *Session) shutdown() bool {
	closed := false
	s.closeOnce.Do(func() {
		s.setState(StateClosed)
		close(s.done)
		s.conn.Close()
		closed = true
	})
	return closed
}
