// Package gateway runs real-time client sessions: it authenticates the
// connection, binds it to the user's presence and rooms, and routes inbound
// events to the chat service.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/duet/internal/chat"
	"github.com/eldtechnologies/duet/internal/metrics"
	"github.com/eldtechnologies/duet/internal/models"
	"github.com/eldtechnologies/duet/internal/presence"
)

const presenceTimeout = 5 * time.Second

// Config tunes sessions.
type Config struct {
	Buffer          int           // outbound events queued per session
	EventsPerSecond float64       // inbound event rate per session
	Burst           int           // inbound burst per session
	ReadLimit       int64         // max inbound frame size in bytes
	PingInterval    time.Duration // keepalive interval; zero disables pings
	WriteTimeout    time.Duration
}

// DefaultConfig returns the session settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		Buffer:          64,
		EventsPerSecond: 20,
		Burst:           40,
		ReadLimit:       16 << 20,
		PingInterval:    30 * time.Second,
		WriteTimeout:    10 * time.Second,
	}
}

// Authenticator resolves a credential to a user.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (*models.User, error)
}

// PresenceStore persists a user's online flag and last-seen time.
type PresenceStore interface {
	SetUserPresence(ctx context.Context, id string, online bool, lastSeen time.Time) error
}

// PresenceMirror publishes presence changes to other processes.
type PresenceMirror interface {
	PublishPresence(ctx context.Context, userID string, online bool, lastSeen time.Time) error
}

// Gateway owns all live sessions.
type Gateway struct {
	cfg      Config
	auth     Authenticator
	chat     *chat.Service
	registry presence.Registry
	users    PresenceStore
	mirror   PresenceMirror
	logger   zerolog.Logger

	mu       sync.Mutex
	sessions map[*Session]struct{}
	wg       sync.WaitGroup
}

// New creates a Gateway. mirror may be nil.
func New(cfg Config, authn Authenticator, svc *chat.Service, registry presence.Registry,
	users PresenceStore, mirror PresenceMirror, logger zerolog.Logger) *Gateway {
	return &Gateway{
		cfg:      cfg,
		auth:     authn,
		chat:     svc,
		registry: registry,
		users:    users,
		mirror:   mirror,
		logger:   logger,
		sessions: make(map[*Session]struct{}),
	}
}

// Handle runs a session over conn from authentication to close. It returns
// when the transport disconnects. A bad credential closes conn before any
// state is touched.
func (g *Gateway) Handle(ctx context.Context, credential string, conn Conn) error {
	s := newSession(conn, g.cfg, g.logger)
	user, err := g.auth.Authenticate(ctx, credential)
	if err != nil {
		metrics.SessionsTotal.WithLabelValues("rejected").Inc()
		s.shutdown()
		g.logger.Info().Err(err).Msg("session rejected")
		return err
	}
	g.run(ctx, s, user)
	return nil
}

func (g *Gateway) run(ctx context.Context, s *Session, user *models.User) {
	metrics.SessionsTotal.WithLabelValues("accepted").Inc()
	s.User = user
	s.logger = s.logger.With().Str("user_id", user.ID).Logger()
	s.setState(StateAuthenticated)

	g.track(s)
	defer g.untrack(s)

	go s.writeLoop()
	g.activate(ctx, s)
	g.readLoop(ctx, s)
	g.finish(ctx, s)
}

func (g *Gateway) track(s *Session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessions[s] = struct{}{}
	g.wg.Add(1)
}

func (g *Gateway) untrack(s *Session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.sessions, s)
	g.wg.Done()
}

// activate binds the session to presence and to every room of the user.
func (g *Gateway) activate(ctx context.Context, s *Session) {
	lastSeen := g.registry.Bind(s.User.ID, s)
	g.persistPresence(ctx, s.User.ID, true, lastSeen)

	rooms, err := g.chat.ListRooms(ctx, s.User)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list rooms")
	}
	for _, room := range rooms {
		s.Subscribe(room.ID)
	}
	s.setState(StateActive)
	metrics.ActiveSessions.Inc()

	if err := g.chat.AnnouncePresence(ctx, s.User, true, lastSeen); err != nil {
		s.logger.Error().Err(err).Msg("failed to announce online")
	}
	s.logger.Info().Int("rooms", len(rooms)).Msg("session active")
}

func (g *Gateway) readLoop(ctx context.Context, s *Session) {
	for {
		var env models.Envelope
		if err := s.conn.ReadJSON(&env); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.ErrUnexpectedEOF) {
				g.reply(s, env, nil, &chat.ValidationError{Field: "frame", Reason: "malformed JSON"})
				continue
			}
			return
		}
		if s.State() != StateActive {
			return
		}

		metrics.EventsReceived.WithLabelValues(eventLabel(env.Name)).Inc()
		if !s.limiter.Allow() {
			metrics.RateLimitHits.WithLabelValues("ws").Inc()
			g.reply(s, env, nil, &chat.ValidationError{Field: "event", Reason: "rate limit exceeded"})
			continue
		}
		g.dispatch(ctx, s, env)
	}
}

// finish moves the session to Closed, unbinds presence and announces the
// user offline.
func (g *Gateway) finish(ctx context.Context, s *Session) {
	if !s.shutdown() {
		return
	}
	<-s.written
	metrics.ActiveSessions.Dec()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), presenceTimeout)
	defer cancel()

	lastSeen := g.registry.Unbind(s.User.ID)
	g.persistPresence(ctx, s.User.ID, false, lastSeen)
	if err := g.chat.AnnouncePresence(ctx, s.User, false, lastSeen); err != nil {
		s.logger.Error().Err(err).Msg("failed to announce offline")
	}
	s.logger.Info().Msg("session closed")
}

func (g *Gateway) persistPresence(ctx context.Context, userID string, online bool, lastSeen time.Time) {
	if err := g.users.SetUserPresence(ctx, userID, online, lastSeen); err != nil {
		g.logger.Error().Err(err).Str("user_id", userID).Msg("failed to persist presence")
	}
	if g.mirror == nil {
		return
	}
	if err := g.mirror.PublishPresence(ctx, userID, online, lastSeen); err != nil {
		g.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to mirror presence")
	}
}

// Close disconnects every session and waits for their teardown.
func (g *Gateway) Close() {
	g.mu.Lock()
	for s := range g.sessions {
		s.conn.Close()
	}
	g.mu.Unlock()
	g.wg.Wait()
}

// SessionCount returns the number of open sessions.
func (g *Gateway) SessionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}
