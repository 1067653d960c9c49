package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/duet/internal/chat"
	"github.com/eldtechnologies/duet/internal/presence"
	"github.com/eldtechnologies/duet/internal/store"
)

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	store    store.DataStore
	redis    *store.RedisStore
	chat     *chat.Service
	registry presence.Registry
	logger   zerolog.Logger
}

// NewHandler creates a new Handler. redis may be nil.
func NewHandler(ds store.DataStore, redis *store.RedisStore, svc *chat.Service, registry presence.Registry, logger zerolog.Logger) *Handler {
	return &Handler{store: ds, redis: redis, chat: svc, registry: registry, logger: logger}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// Fail maps a chat error onto an HTTP status.
func (h *Handler) Fail(w http.ResponseWriter, r *http.Request, err error) {
	var status int
	switch {
	case errors.Is(err, chat.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, chat.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, chat.ErrNotFound):
		status = http.StatusNotFound
	default:
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		status = http.StatusInternalServerError
	}
	h.Error(w, status, chat.PublicMessage(err))
}
