package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/eldtechnologies/duet/internal/api/middleware"
	"github.com/eldtechnologies/duet/internal/chat"
	"github.com/eldtechnologies/duet/internal/models"
)

// connectHistory is how many messages a connect response carries.
const connectHistory = 50

// ConnectRequest represents the room connect request.
type ConnectRequest struct {
	UID string `json:"uid"`
}

// RoomResponse is a room with the caller's partner.
type RoomResponse struct {
	models.Room
	Partner *UserSummary `json:"partner,omitempty"`
}

// ConnectResponse represents the room connect response.
type ConnectResponse struct {
	Room     RoomResponse     `json:"room"`
	Messages []models.Message `json:"messages"`
}

// RoomListResponse represents the rooms list response.
type RoomListResponse struct {
	Rooms []RoomResponse `json:"rooms"`
	Total int            `json:"total"`
}

// RoomMessagesResponse represents the get room messages response.
type RoomMessagesResponse struct {
	RoomID   string           `json:"roomId"`
	Messages []models.Message `json:"messages"` // oldest first
	HasMore  bool             `json:"hasMore"`
}

func currentUser(r *http.Request) *models.User {
	return middleware.GetUserFromContext(r.Context())
}

// oldestFirst reverses a newest-first page in place.
func oldestFirst(msgs []models.Message) []models.Message {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	return msgs
}

// ConnectRoom opens the room between the caller and the user with the given uid.
func (h *Handler) ConnectRoom(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	if user == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req ConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	room, partner, err := h.chat.Connect(r.Context(), user, req.UID)
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	msgs, _, err := h.chat.History(r.Context(), user, room.ID, connectHistory, time.Time{})
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	summary := h.summarize(r.Context(), partner)
	h.JSON(w, http.StatusOK, ConnectResponse{
		Room:     RoomResponse{Room: *room, Partner: &summary},
		Messages: oldestFirst(msgs),
	})
}

// ListRooms lists the caller's rooms, most recent activity first.
func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	if user == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	rooms, err := h.chat.ListRooms(r.Context(), user)
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	out := make([]RoomResponse, len(rooms))
	for i, room := range rooms {
		out[i] = RoomResponse{Room: room}
		partner, err := h.store.GetUser(r.Context(), room.Partner(user.ID))
		if err != nil {
			h.Fail(w, r, err)
			return
		}
		if partner != nil {
			summary := h.summarize(r.Context(), partner)
			out[i].Partner = &summary
		}
	}

	h.JSON(w, http.StatusOK, RoomListResponse{Rooms: out, Total: len(out)})
}

// GetRoomMessages pages a room's history.
func (h *Handler) GetRoomMessages(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	if user == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	roomID := chi.URLParam(r, "id")

	// Parse query params
	limit := chat.DefaultPageSize
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil {
			h.Error(w, http.StatusBadRequest, "limit must be a number")
			return
		}
		limit = l
	}

	var before time.Time
	if beforeStr := r.URL.Query().Get("before"); beforeStr != "" {
		b, err := time.Parse(time.RFC3339Nano, beforeStr)
		if err != nil {
			h.Error(w, http.StatusBadRequest, "before must be an RFC 3339 timestamp")
			return
		}
		before = b
	}

	msgs, hasMore, err := h.chat.History(r.Context(), user, roomID, limit, before)
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	h.JSON(w, http.StatusOK, RoomMessagesResponse{
		RoomID:   roomID,
		Messages: oldestFirst(msgs),
		HasMore:  hasMore,
	})
}
