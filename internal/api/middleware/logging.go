package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

type logSlotKey struct{}

// logSlot is filled in by handlers further down the chain so the request log
// can name the caller.
type logSlot struct {
	userID string
}

func setLoggedUser(ctx context.Context, userID string) {
	if slot, ok := ctx.Value(logSlotKey{}).(*logSlot); ok {
		slot.userID = userID
	}
}

// Logger returns a request logging middleware using zerolog. Server errors log
// at error level, client errors at warn. The query string is never logged
// because it may carry a session token.
func Logger(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			slot := &logSlot{}

			// Wrap response writer to capture status code
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				status := ww.Status()
				evt := logger.Info()
				switch {
				case status == 0 && r.URL.Path == "/ws":
					// Hijacked by the websocket upgrade; the session logs its own lifecycle.
					status = http.StatusSwitchingProtocols
				case status >= 500:
					evt = logger.Error()
				case status >= 400:
					evt = logger.Warn()
				}
				if slot.userID != "" {
					evt = evt.Str("user_id", slot.userID)
				}
				evt.
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", status).
					Dur("latency", time.Since(start)).
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("remote_addr", r.RemoteAddr).
					Msg("request completed")
			}()

			next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), logSlotKey{}, slot)))
		})
	}
}
