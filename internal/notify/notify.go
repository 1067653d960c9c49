// Package notify hands push notifications for offline users to an external worker.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/duet/internal/metrics"
	"github.com/eldtechnologies/duet/internal/models"
)

// Notifier receives a notification for a user who is not connected.
// Implementations are fire-and-forget; callers ignore delivery failures.
type Notifier interface {
	Notify(ctx context.Context, userID string, n models.Notification)
}

// UserLookup resolves a user's notification address.
type UserLookup interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
}

// Publisher delivers a notification to a push worker.
type Publisher interface {
	PublishNotification(ctx context.Context, userID, address string, n models.Notification) error
}

// DefaultQueueSize is the number of notifications a Dispatcher buffers
// before it starts dropping.
const DefaultQueueSize = 256

const publishTimeout = 5 * time.Second

type job struct {
	ctx    context.Context
	userID string
	n      models.Notification
}

// Dispatcher publishes notifications for users that registered an address.
// Notify only enqueues; a single worker does the lookup and publish so a slow
// push backend never stalls the caller.
type Dispatcher struct {
	users     UserLookup
	publisher Publisher
	logger    zerolog.Logger

	queue     chan job
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewDispatcher creates a notifier that publishes through p and starts its
// worker. Call Close to drain and stop it.
func NewDispatcher(users UserLookup, p Publisher, logger zerolog.Logger, queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	d := &Dispatcher{
		users:     users,
		publisher: p,
		logger:    logger,
		queue:     make(chan job, queueSize),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go d.run()
	return d
}

// Notify queues n for userID without blocking. The notification is dropped
// when the queue is full or the dispatcher is closed.
func (d *Dispatcher) Notify(ctx context.Context, userID string, n models.Notification) {
	select {
	case <-d.stop:
		d.drop(userID, "dispatcher closed")
		return
	default:
	}

	select {
	case d.queue <- job{ctx: context.WithoutCancel(ctx), userID: userID, n: n}:
	default:
		d.drop(userID, "queue full")
	}
}

// Close stops accepting notifications, publishes what is already queued and
// waits for the worker to exit.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() { close(d.stop) })
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case j := <-d.queue:
			d.publish(j)
		case <-d.stop:
			for {
				select {
				case j := <-d.queue:
					d.publish(j)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) drop(userID, reason string) {
	metrics.Notifications.WithLabelValues("dropped").Inc()
	d.logger.Warn().Str("user_id", userID).Str("reason", reason).Msg("notification dropped")
}

func (d *Dispatcher) publish(j job) {
	ctx, cancel := context.WithTimeout(j.ctx, publishTimeout)
	defer cancel()

	user, err := d.users.GetUser(ctx, j.userID)
	if err != nil {
		metrics.Notifications.WithLabelValues("failed").Inc()
		d.logger.Error().Err(err).Str("user_id", j.userID).Msg("notification lookup failed")
		return
	}
	if user == nil || user.NotificationAddress == "" {
		metrics.Notifications.WithLabelValues("skipped").Inc()
		return
	}

	if err := d.publisher.PublishNotification(ctx, j.userID, user.NotificationAddress, j.n); err != nil {
		metrics.Notifications.WithLabelValues("failed").Inc()
		d.logger.Warn().Err(err).Str("user_id", j.userID).Msg("notification publish failed")
		return
	}
	metrics.Notifications.WithLabelValues("queued").Inc()
	d.logger.Debug().Str("user_id", j.userID).Str("message_id", j.n.Data["messageId"]).Msg("notification queued")
}

// LogPublisher writes notifications to the log. Used when no Redis is configured.
type LogPublisher struct {
	Logger zerolog.Logger
}

func (p LogPublisher) PublishNotification(ctx context.Context, userID, address string, n models.Notification) error {
	p.Logger.Info().
		Str("user_id", userID).
		Str("title", n.Title).
		Str("body", n.Body).
		Msg("notification")
	return nil
}
