package gateway

import (
	"context"
	"encoding/json"

	"github.com/eldtechnologies/duet/internal/chat"
	"github.com/eldtechnologies/duet/internal/models"
)

type roomPayload struct {
	RoomID string `json:"roomId"`
}

type statusPayload struct {
	MessageID string               `json:"messageId"`
	Status    models.MessageStatus `json:"status"`
}

type deletePayload struct {
	MessageID     string `json:"messageId"`
	DeleteForBoth bool   `json:"deleteForBoth"`
}

type typingPayload struct {
	RoomID   string `json:"roomId"`
	IsTyping bool   `json:"isTyping"`
}

func eventLabel(name string) string {
	switch name {
	case models.EventJoinRoom, models.EventLeaveRoom, models.EventMessageSend,
		models.EventMessageStatus, models.EventMessageDelete, models.EventTyping, models.EventMarkAsRead:
		return name
	default:
		return "unknown"
	}
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return &chat.ValidationError{Field: "data", Reason: "missing payload"}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &chat.ValidationError{Field: "data", Reason: "malformed payload"}
	}
	return nil
}

// dispatch routes one inbound event. Every handler re-checks membership
// through the chat service; the session's subscriptions are never trusted.
func (g *Gateway) dispatch(ctx context.Context, s *Session, env models.Envelope) {
	switch env.Name {
	case models.EventJoinRoom:
		var p roomPayload
		if err := decode(env.Data, &p); err != nil {
			g.reply(s, env, nil, err)
			return
		}
		room, err := g.chat.Join(ctx, s.User, p.RoomID)
		if err != nil {
			g.reply(s, env, nil, err)
			return
		}
		s.Subscribe(room.ID)
		g.send(s, models.Event{Name: models.EventJoinedRoom, Data: models.JoinedRoom{RoomID: room.ID}})
		g.reply(s, env, &models.Ack{Success: true}, nil)

	case models.EventLeaveRoom:
		var p roomPayload
		if err := decode(env.Data, &p); err != nil {
			g.reply(s, env, nil, err)
			return
		}
		s.Unsubscribe(p.RoomID)
		g.reply(s, env, &models.Ack{Success: true}, nil)

	case models.EventMessageSend:
		var d chat.Draft
		if err := decode(env.Data, &d); err != nil {
			g.reply(s, env, nil, err)
			return
		}
		msg, err := g.chat.Send(ctx, s.User, d)
		if err != nil {
			g.reply(s, env, nil, err)
			return
		}
		g.reply(s, env, &models.Ack{Success: true, MessageID: msg.ID}, nil)

	case models.EventMessageStatus:
		var p statusPayload
		if err := decode(env.Data, &p); err != nil {
			g.reply(s, env, nil, err)
			return
		}
		if _, err := g.chat.UpdateStatus(ctx, s.User, p.MessageID, p.Status); err != nil {
			g.reply(s, env, nil, err)
			return
		}
		g.reply(s, env, &models.Ack{Success: true, MessageID: p.MessageID}, nil)

	case models.EventMessageDelete:
		var p deletePayload
		if err := decode(env.Data, &p); err != nil {
			g.reply(s, env, nil, err)
			return
		}
		if _, err := g.chat.Delete(ctx, s.User, p.MessageID, p.DeleteForBoth); err != nil {
			g.reply(s, env, nil, err)
			return
		}
		g.reply(s, env, &models.Ack{Success: true, MessageID: p.MessageID}, nil)

	case models.EventTyping:
		var p typingPayload
		if err := decode(env.Data, &p); err != nil {
			g.reply(s, env, nil, err)
			return
		}
		g.reply(s, env, nil, g.chat.Typing(ctx, s.User, p.RoomID, p.IsTyping))

	case models.EventMarkAsRead:
		var p roomPayload
		if err := decode(env.Data, &p); err != nil {
			g.reply(s, env, nil, err)
			return
		}
		_, err := g.chat.MarkRead(ctx, s.User, p.RoomID)
		g.reply(s, env, &models.Ack{Success: true}, err)

	default:
		g.reply(s, env, nil, &chat.ValidationError{Field: "event", Reason: "unknown event " + env.Name})
	}
}

// reply answers env. Failures go back as a negative ack when the client asked
// for one and as an error event otherwise. Success is only acknowledged on request.
func (g *Gateway) reply(s *Session, env models.Envelope, ack *models.Ack, err error) {
	if err != nil {
		code := chat.Code(err)
		if code == chat.CodeInternal {
			s.logger.Error().Err(err).Str("event", env.Name).Msg("event failed")
		}
		msg := chat.PublicMessage(err)
		if env.Ack != "" {
			g.send(s, models.Event{Name: models.EventAck, Ack: env.Ack, Data: models.Ack{Error: msg, Code: code}})
			return
		}
		g.send(s, models.Event{Name: models.EventError, Data: models.ErrorPayload{Message: msg, Code: code}})
		return
	}
	if env.Ack == "" {
		return
	}
	if ack == nil {
		ack = &models.Ack{Success: true}
	}
	g.send(s, models.Event{Name: models.EventAck, Ack: env.Ack, Data: *ack})
}

func (g *Gateway) send(s *Session, evt models.Event) {
	if err := s.Send(evt); err != nil {
		s.logger.Warn().Err(err).Str("event", evt.Name).Msg("reply dropped")
	}
}
