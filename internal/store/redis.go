package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eldtechnologies/duet/internal/metrics"
	"github.com/eldtechnologies/duet/internal/models"
)

const presenceTTL = 7 * 24 * time.Hour

// RedisStore handles Redis operations: the shared presence mirror and the
// notification hand-off channel. The HTTP rate limiter uses Client directly.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// Client returns the underlying Redis client.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func observe(start time.Time) {
	metrics.RedisLatency.Observe(time.Since(start).Seconds())
}

// presenceKey returns the key for a user's presence hash.
func presenceKey(userID string) string {
	return fmt.Sprintf("duet:presence:%s", userID)
}

// notifyChannel returns the pub/sub channel for a user's push hand-off.
func notifyChannel(userID string) string {
	return fmt.Sprintf("duet:notify:%s", userID)
}

// PublishPresence mirrors a presence change so other processes can read it.
func (s *RedisStore) PublishPresence(ctx context.Context, userID string, online bool, lastSeen time.Time) error {
	defer observe(time.Now())

	key := presenceKey(userID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"online":    strconv.FormatBool(online),
		"last_seen": lastSeen.UnixMilli(),
	})
	pipe.Expire(ctx, key, presenceTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// GetPresence reads a mirrored presence entry. ok is false when none exists.
func (s *RedisStore) GetPresence(ctx context.Context, userID string) (online bool, lastSeen time.Time, ok bool, err error) {
	vals, err := s.client.HGetAll(ctx, presenceKey(userID)).Result()
	if err != nil {
		return false, time.Time{}, false, err
	}
	if len(vals) == 0 {
		return false, time.Time{}, false, nil
	}
	online, _ = strconv.ParseBool(vals["online"])
	if ms, err := strconv.ParseInt(vals["last_seen"], 10, 64); err == nil {
		lastSeen = time.UnixMilli(ms).UTC()
	}
	return online, lastSeen, true, nil
}

// notificationEnvelope is what push workers receive on duet:notify:<userID>.
type notificationEnvelope struct {
	UserID  string              `json:"user_id"`
	Address string              `json:"address"`
	Payload models.Notification `json:"payload"`
	Ts      int64               `json:"ts"`
}

// PublishNotification hands a notification to whatever push worker is subscribed.
func (s *RedisStore) PublishNotification(ctx context.Context, userID, address string, n models.Notification) error {
	data, err := json.Marshal(notificationEnvelope{
		UserID:  userID,
		Address: address,
		Payload: n,
		Ts:      time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	defer observe(time.Now())
	return s.client.Publish(ctx, notifyChannel(userID), data).Err()
}
