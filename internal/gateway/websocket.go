package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/eldtechnologies/duet/internal/auth"
	"github.com/eldtechnologies/duet/internal/metrics"
)

// wsConn adds write deadlines and keepalive pings to a websocket connection.
type wsConn struct {
	*websocket.Conn
	writeTimeout time.Duration
}

func (c wsConn) WriteJSON(v any) error {
	if c.writeTimeout > 0 {
		c.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.Conn.WriteJSON(v)
}

func (c wsConn) Ping() error {
	return c.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// ServeHTTP authenticates the request and upgrades it to a websocket session.
// Bad credentials are answered with 401 before the upgrade.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, err := g.auth.Authenticate(r.Context(), auth.CredentialFromRequest(r))
	if err != nil {
		metrics.SessionsTotal.WithLabelValues("rejected").Inc()
		status, msg := http.StatusUnauthorized, "authentication failed"
		if !errors.Is(err, auth.ErrUnauthenticated) {
			status, msg = http.StatusInternalServerError, "internal error"
			g.logger.Error().Err(err).Msg("session authentication lookup failed")
		} else {
			g.logger.Info().Err(err).Str("remote_addr", r.RemoteAddr).Msg("session rejected")
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]string{"error": msg})
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		g.logger.Warn().Err(err).Str("user_id", user.ID).Msg("websocket upgrade failed")
		return
	}

	if g.cfg.ReadLimit > 0 {
		ws.SetReadLimit(g.cfg.ReadLimit)
	}
	if g.cfg.PingInterval > 0 {
		wait := g.cfg.PingInterval * 2
		ws.SetReadDeadline(time.Now().Add(wait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(wait))
		})
	}

	s := newSession(wsConn{Conn: ws, writeTimeout: g.cfg.WriteTimeout}, g.cfg, g.logger)
	g.run(r.Context(), s, user)
}
