package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/eldtechnologies/duet/internal/chat"
	"github.com/eldtechnologies/duet/internal/models"
)

// StatusRequest represents the status update request.
type StatusRequest struct {
	Status models.MessageStatus `json:"status"`
}

// StatusResponse represents the status update response. Updated is false
// when the message already had that status or a later one.
type StatusResponse struct {
	MessageID string               `json:"messageId"`
	Status    models.MessageStatus `json:"status"`
	Updated   bool                 `json:"updated"`
}

// SendMessage stores a message and fans it out to the room.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	if user == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req chat.Draft
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	msg, err := h.chat.Send(r.Context(), user, req)
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	h.JSON(w, http.StatusCreated, msg)
}

// UpdateMessageStatus moves a message to delivered or read.
func (h *Handler) UpdateMessageStatus(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	if user == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	id := chi.URLParam(r, "id")

	var req StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	updated, err := h.chat.UpdateStatus(r.Context(), user, id, req.Status)
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	h.JSON(w, http.StatusOK, StatusResponse{MessageID: id, Status: req.Status, Updated: updated})
}

// DeleteMessage soft-deletes a message for the caller or for both members.
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	if user == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	id := chi.URLParam(r, "id")

	forBoth := false
	if v := r.URL.Query().Get("deleteForBoth"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			h.Error(w, http.StatusBadRequest, "deleteForBoth must be true or false")
			return
		}
		forBoth = b
	}

	msg, err := h.chat.Delete(r.Context(), user, id, forBoth)
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	h.JSON(w, http.StatusOK, msg)
}
