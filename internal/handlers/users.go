package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/eldtechnologies/duet/internal/models"
)

// UserSummary is a user as other members see them.
type UserSummary struct {
	ID       string     `json:"id"`
	UID      string     `json:"uid"`
	Username string     `json:"username"`
	IsOnline bool       `json:"isOnline"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// summarize merges the stored user with live presence. The in-process
// registry wins; the Redis mirror covers users connected to other instances.
func (h *Handler) summarize(ctx context.Context, u *models.User) UserSummary {
	s := UserSummary{ID: u.ID, UID: u.UID, Username: u.DisplayName, IsOnline: u.Online}
	lastSeen := u.LastSeenAt

	if e, ok := h.registry.Get(u.ID); ok {
		s.IsOnline = e.Online
		lastSeen = e.LastSeenAt
	} else if h.redis != nil {
		online, seen, found, err := h.redis.GetPresence(ctx, u.ID)
		if err != nil {
			h.logger.Warn().Err(err).Str("user_id", u.ID).Msg("presence mirror read failed")
		} else if found {
			s.IsOnline = online
			lastSeen = seen
		}
	}

	if !lastSeen.IsZero() {
		s.LastSeen = &lastSeen
	}
	return s
}

// Presence handles user presence lookup.
func (h *Handler) Presence(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	user, err := h.store.GetUser(r.Context(), id)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	if user == nil {
		h.Error(w, http.StatusNotFound, "user not found")
		return
	}

	h.JSON(w, http.StatusOK, h.summarize(r.Context(), user))
}

// Me returns the authenticated user.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	if user == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	h.JSON(w, http.StatusOK, h.summarize(r.Context(), user))
}
