package middleware

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/duet/internal/auth"
	"github.com/eldtechnologies/duet/internal/metrics"
)

const (
	keyPrefix          = "duet:"
	violationThreshold = 10
	violationWindow    = time.Hour
	blockDuration      = 24 * time.Hour
)

// RateLimit defines limits for an endpoint pattern.
type RateLimit struct {
	Pattern  string // "METHOD /path-prefix"
	Requests int
	Window   time.Duration
	KeyFunc  func(r *http.Request) string
}

// RateLimiterConfig holds configuration for the rate limiter.
type RateLimiterConfig struct {
	Whitelist        []string // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled bool     // Enable auto-blocking after repeated violations
}

// RateLimiter applies per-route sliding windows kept in Redis sorted sets, so
// limits hold across instances. A nil Redis client disables it.
type RateLimiter struct {
	client           *redis.Client
	limits           []RateLimit
	blocker          *IPBlocker
	logger           zerolog.Logger
	whitelist        []netip.Prefix
	autoBlockEnabled bool
	now              func() time.Time
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(client *redis.Client, logger zerolog.Logger, cfg RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		client:           client,
		logger:           logger,
		autoBlockEnabled: cfg.AutoBlockEnabled,
		now:              time.Now,
		// Longer prefixes first; the first match wins.
		limits: []RateLimit{
			{"POST /rooms/connect", 60, time.Hour, userKey},
			{"GET /rooms/", 120, time.Minute, userKey},
			{"GET /rooms", 60, time.Minute, userKey},
			{"POST /messages", 120, time.Minute, userKey},
			{"PATCH /messages/", 300, time.Minute, userKey},
			{"DELETE /messages/", 60, time.Minute, userKey},
			{"GET /users/", 120, time.Minute, userKey},
			{"GET /ws", 30, time.Minute, ipKey},
		},
	}
	if client != nil {
		rl.blocker = NewIPBlocker(client)
	}

	for _, entry := range cfg.Whitelist {
		prefix, err := parsePrefix(entry)
		if err != nil {
			logger.Warn().Str("entry", entry).Err(err).Msg("invalid whitelist entry")
			continue
		}
		rl.whitelist = append(rl.whitelist, prefix)
	}
	if len(rl.whitelist) > 0 {
		logger.Info().Int("entries", len(rl.whitelist)).Msg("rate limit whitelist configured")
	}

	return rl
}

// parsePrefix accepts a CIDR or a bare address, which becomes a single-host prefix.
func parsePrefix(entry string) (netip.Prefix, error) {
	if strings.Contains(entry, "/") {
		p, err := netip.ParsePrefix(entry)
		return p.Masked(), err
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func (rl *RateLimiter) isWhitelisted(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range rl.whitelist {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// clientIP returns the caller's address. chi's RealIP middleware has already
// folded proxy headers into RemoteAddr.
func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func ipKey(r *http.Request) string {
	return "ip:" + clientIP(r)
}

// userKey limits the authenticated user, falling back to the client IP.
func userKey(r *http.Request) string {
	if user, ok := auth.UserFromContext(r.Context()); ok {
		return "user:" + user.ID
	}
	return ipKey(r)
}

// window is the outcome of one sliding-window check.
type window struct {
	allowed    bool
	remaining  int
	retryAfter time.Duration
}

// slidingWindow trims entries older than ARGV[1], and records ARGV[4] at score
// ARGV[2] only while fewer than ARGV[3] remain. It replies with
// {allowed, count, oldest score}.
var slidingWindow = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
local n = redis.call('ZCARD', KEYS[1])
if n >= tonumber(ARGV[3]) then
	local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
	return {0, n, oldest[2] or ''}
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return {1, n + 1, ''}
`)

// allow counts the requests recorded for key over the trailing window and
// records this one if it fits, in a single script so concurrent requests
// cannot both take the last slot. Rejected requests are not recorded.
func (rl *RateLimiter) allow(ctx context.Context, key string, limit int, span time.Duration) (window, error) {
	now := rl.now()
	res, err := slidingWindow.Run(ctx, rl.client, []string{key},
		now.Add(-span).UnixMicro(),
		now.UnixMicro(),
		limit,
		uuid.NewString(),
		span.Milliseconds(),
	).Slice()
	if err != nil {
		return window{allowed: true}, err
	}
	if len(res) != 3 {
		return window{allowed: true}, fmt.Errorf("rate limit script: unexpected reply %v", res)
	}

	allowed, _ := res[0].(int64)
	n, _ := res[1].(int64)
	if allowed == 0 {
		retry := span
		if score, err := strconv.ParseFloat(fmt.Sprint(res[2]), 64); err == nil {
			retry = time.UnixMicro(int64(score)).Add(span).Sub(now)
		}
		return window{retryAfter: retry}, nil
	}
	return window{allowed: true, remaining: limit - int(n)}, nil
}

// Middleware returns the rate limiting middleware.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)

		// Skip rate limiting for whitelisted IPs or when Redis is absent
		if rl.client == nil || rl.isWhitelisted(ip) {
			next.ServeHTTP(w, r)
			return
		}

		if rl.blocker.IsBlocked(r.Context(), ip) {
			rl.logger.Warn().
				Str("type", "security").
				Str("event", "blocked_request").
				Str("ip", ip).
				Str("endpoint", r.URL.Path).
				Msg("blocked IP attempted request")
			metrics.BlockedRequests.WithLabelValues("ip_blocked").Inc()
			jsonError(w, http.StatusForbidden, "temporarily blocked")
			return
		}

		limit := rl.findLimit(r)
		if limit == nil {
			next.ServeHTTP(w, r)
			return
		}

		key := keyPrefix + "ratelimit:" + limit.Pattern + ":" + limit.KeyFunc(r)
		res, err := rl.allow(r.Context(), key, limit.Requests, limit.Window)
		if err != nil {
			// Redis trouble must not take the API down with it.
			rl.logger.Error().Err(err).Str("key", key).Msg("rate limit check failed")
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit.Requests))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.remaining))

		if !res.allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(max(res.retryAfter, time.Second).Seconds()))))
			metrics.RateLimitHits.WithLabelValues(limit.Pattern).Inc()
			rl.logger.Warn().
				Str("type", "security").
				Str("event", "rate_limit_exceeded").
				Str("ip", ip).
				Str("endpoint", r.URL.Path).
				Str("key", key).
				Msg("rate limit exceeded")
			rl.trackViolation(r.Context(), ip)

			jsonError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// findLimit finds the matching rate limit for a request.
func (rl *RateLimiter) findLimit(r *http.Request) *RateLimit {
	key := r.Method + " " + r.URL.Path
	for i := range rl.limits {
		if strings.HasPrefix(key, rl.limits[i].Pattern) {
			return &rl.limits[i]
		}
	}
	return nil
}

// trackViolation counts rate limit violations per IP and blocks repeat offenders.
func (rl *RateLimiter) trackViolation(ctx context.Context, ip string) {
	if !rl.autoBlockEnabled {
		return
	}

	key := keyPrefix + "violations:ip:" + ip
	count, err := rl.client.Incr(ctx, key).Result()
	if err != nil {
		rl.logger.Error().Err(err).Str("ip", ip).Msg("failed to record violation")
		return
	}
	if count == 1 {
		rl.client.Expire(ctx, key, violationWindow)
	}

	if count >= violationThreshold {
		rl.blocker.Block(ctx, ip, blockDuration, "repeated rate limit violations")
		metrics.BlockedRequests.WithLabelValues("auto_blocked").Inc()
		rl.logger.Warn().
			Str("type", "security").
			Str("event", "ip_auto_blocked").
			Str("ip", ip).
			Int64("violations", count).
			Msg("IP auto-blocked for repeated violations")
	}
}

// IPBlocker manages temporary IP blocks.
type IPBlocker struct {
	client *redis.Client
}

// NewIPBlocker creates a new IP blocker.
func NewIPBlocker(client *redis.Client) *IPBlocker {
	return &IPBlocker{client: client}
}

func blockKey(ip string) string {
	return keyPrefix + "blocked:ip:" + ip
}

// IsBlocked checks if an IP is blocked. Lookup errors count as not blocked.
func (b *IPBlocker) IsBlocked(ctx context.Context, ip string) bool {
	exists, _ := b.client.Exists(ctx, blockKey(ip)).Result()
	return exists > 0
}

// Block blocks an IP for the specified duration.
func (b *IPBlocker) Block(ctx context.Context, ip string, duration time.Duration, reason string) {
	b.client.Set(ctx, blockKey(ip), reason, duration)
}

// Unblock removes an IP block.
func (b *IPBlocker) Unblock(ctx context.Context, ip string) {
	b.client.Del(ctx, blockKey(ip))
}
