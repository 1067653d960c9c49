// Package fanout delivers room events to connected members and hands off
// notifications for the ones that are offline.
package fanout

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/duet/internal/metrics"
	"github.com/eldtechnologies/duet/internal/models"
	"github.com/eldtechnologies/duet/internal/notify"
	"github.com/eldtechnologies/duet/internal/presence"
)

// Engine routes events through the presence registry.
type Engine struct {
	registry presence.Registry
	notifier notify.Notifier
	logger   zerolog.Logger
}

// New creates an Engine. notifier may be nil.
func New(registry presence.Registry, notifier notify.Notifier, logger zerolog.Logger) *Engine {
	return &Engine{registry: registry, notifier: notifier, logger: logger}
}

type options struct {
	except       string
	notification *models.Notification
	sender       string
}

// Option tunes a single broadcast.
type Option func(*options)

// Except skips userID.
func Except(userID string) Option {
	return func(o *options) { o.except = userID }
}

// WithNotification hands n to the notifier for each offline member other
// than sender. The sender still receives the event itself.
func WithNotification(sender string, n models.Notification) Option {
	return func(o *options) {
		o.sender = sender
		o.notification = &n
	}
}

// Report counts what happened to one broadcast.
type Report struct {
	Delivered int
	Skipped   int
	Notified  int
	Failed    int
}

// Broadcast delivers evt to every member of room that is online and
// subscribed to it. Failed writes are not retried.
func (e *Engine) Broadcast(ctx context.Context, room *models.Room, evt models.Event, opts ...Option) Report {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var r Report
	for _, member := range room.Members {
		if member == o.except {
			continue
		}
		h, online := e.registry.Lookup(member)
		if !online {
			if o.notification != nil && e.notifier != nil && member != o.sender {
				// Notifier implementations must not block; see notify.Dispatcher.
				e.notifier.Notify(ctx, member, *o.notification)
				r.Notified++
			}
			continue
		}
		if !h.Subscribed(room.ID) {
			r.Skipped++
			continue
		}
		if e.deliver(member, h, evt) {
			r.Delivered++
		} else {
			r.Failed++
		}
	}
	return r
}

// SendToUser delivers evt to userID's connection regardless of room
// subscriptions. It reports false if the user is offline or the write failed.
func (e *Engine) SendToUser(userID string, evt models.Event) bool {
	h, ok := e.registry.Lookup(userID)
	if !ok {
		return false
	}
	return e.deliver(userID, h, evt)
}

// Subscribe adds roomID to userID's connection, if there is one.
func (e *Engine) Subscribe(userID, roomID string) bool {
	h, ok := e.registry.Lookup(userID)
	if !ok {
		return false
	}
	h.Subscribe(roomID)
	return true
}

// IsOnline reports whether userID holds a live connection.
func (e *Engine) IsOnline(userID string) bool {
	return e.registry.IsOnline(userID)
}

func (e *Engine) deliver(userID string, h presence.Handle, evt models.Event) bool {
	if err := h.Send(evt); err != nil {
		metrics.EventsDropped.WithLabelValues("send_failed").Inc()
		e.logger.Warn().
			Err(err).
			Str("user_id", userID).
			Str("event", evt.Name).
			Msg("event dropped")
		return false
	}
	metrics.EventsDelivered.WithLabelValues(evt.Name).Inc()
	return true
}
