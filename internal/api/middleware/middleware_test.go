package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/duet/internal/auth"
	"github.com/eldtechnologies/duet/internal/models"
	"github.com/eldtechnologies/duet/internal/store"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestRequireAuth(t *testing.T) {
	users := store.NewMemoryStore()
	require.NoError(t, users.CreateUser(context.Background(), &models.User{ID: "u1", UID: "UID0000001", DisplayName: "Ada"}))
	v := auth.NewJWTVerifier("secret", "duet")
	m := NewAuthMiddleware(auth.NewAuthenticator(v, users), zerolog.Nop())

	var seen *models.User
	h := m.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetUserFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/rooms", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest("GET", "/rooms", nil)
	req.Header.Set("Authorization", "Bearer nope")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"invalid token"}`, rec.Body.String())

	token, err := v.Issue("u1", time.Hour)
	require.NoError(t, err)
	req = httptest.NewRequest("GET", "/rooms", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "Ada", seen.DisplayName)
}

func TestRateLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	rl := NewRateLimiter(client, zerolog.Nop(), RateLimiterConfig{Whitelist: []string{"10.0.0.0/8", "198.51.100.7"}})
	h := rl.Middleware(ok)

	hit := func(remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/rooms/connect", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 60; i++ {
		require.Equal(t, http.StatusOK, hit("192.0.2.1:5000").Code, "request %d", i)
	}
	rec := hit("192.0.2.1:5000")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Other clients and whitelisted ones are unaffected.
	assert.Equal(t, http.StatusOK, hit("192.0.2.2:5000").Code)
	for i := 0; i < 70; i++ {
		require.Equal(t, http.StatusOK, hit("10.1.2.3:5000").Code)
	}
	assert.Equal(t, http.StatusOK, hit("198.51.100.7:5000").Code)

	// Unlimited routes pass straight through.
	req := httptest.NewRequest("GET", "/health", nil)
	req.RemoteAddr = "192.0.2.1:5000"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimiterConcurrentRequests(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	h := NewRateLimiter(client, zerolog.Nop(), RateLimiterConfig{}).Middleware(ok)

	var passed, limited atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 90; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest("POST", "/rooms/connect", nil)
			req.RemoteAddr = "192.0.2.9:5000"
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			switch rec.Code {
			case http.StatusOK:
				passed.Add(1)
			case http.StatusTooManyRequests:
				limited.Add(1)
			}
		}()
	}
	wg.Wait()

	// The last slot is never handed out twice.
	assert.Equal(t, int32(60), passed.Load())
	assert.Equal(t, int32(30), limited.Load())
}

func TestRateLimiterBlockedIP(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	rl := NewRateLimiter(client, zerolog.Nop(), RateLimiterConfig{})
	rl.blocker.Block(context.Background(), "192.0.2.9", time.Hour, "test")

	req := httptest.NewRequest("GET", "/rooms", nil)
	req.RemoteAddr = "192.0.2.9:1"
	rec := httptest.NewRecorder()
	rl.Middleware(ok).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRateLimiterWithoutRedis(t *testing.T) {
	rl := NewRateLimiter(nil, zerolog.Nop(), RateLimiterConfig{})
	for i := 0; i < 50; i++ {
		rec := httptest.NewRecorder()
		rl.Middleware(ok).ServeHTTP(rec, httptest.NewRequest("GET", "/ws", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestNormalizePath(t *testing.T) {
	tests := map[string]string{
		"/rooms/alice_bob/messages": "/rooms/:id/messages",
		"/messages/01HX/status":     "/messages/:id/status",
		"/messages/01HX":            "/messages/:id",
		"/messages":                 "/messages",
		"/users/u1/presence":        "/users/:id/presence",
		"/rooms":                    "/rooms",
	}
	for in, want := range tests {
		assert.Equal(t, want, normalizePath(in), in)
	}
}

func TestSecurity(t *testing.T) {
	h := SecurityHeaders(ValidateRequest(MaxBodySize(16)(ok)))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/rooms", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Empty(t, rec.Header().Get("Cache-Control"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/rooms?before=%00", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest("POST", "/messages", bytes.NewBufferString("hello"))
	req.Header.Set("Content-Type", "text/plain")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/rooms/../etc", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoggerNamesCaller(t *testing.T) {
	users := store.NewMemoryStore()
	require.NoError(t, users.CreateUser(context.Background(), &models.User{ID: "u1", UID: "UID0000001", DisplayName: "Ada"}))
	v := auth.NewJWTVerifier("secret", "duet")
	m := NewAuthMiddleware(auth.NewAuthenticator(v, users), zerolog.Nop())

	var buf bytes.Buffer
	h := Logger(zerolog.New(&buf))(m.RequireAuth(ok))

	token, err := v.Issue("u1", time.Hour)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/rooms?token="+token, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "info", line["level"])
	assert.Equal(t, "u1", line["user_id"])
	assert.Equal(t, "/rooms", line["path"])
	assert.NotContains(t, buf.String(), token)

	buf.Reset()
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/rooms", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "warn", line["level"])
	assert.EqualValues(t, 401, line["status"])
}

func TestRateLimiterAutoBlock(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	rl := NewRateLimiter(client, zerolog.Nop(), RateLimiterConfig{AutoBlockEnabled: true})
	h := rl.Middleware(ok)
	hit := func() int {
		req := httptest.NewRequest("GET", "/ws", nil)
		req.RemoteAddr = "203.0.113.5:4000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 0; i < 30; i++ {
		require.Equal(t, http.StatusOK, hit(), "request %d", i)
	}
	for i := 0; i < violationThreshold; i++ {
		require.Equal(t, http.StatusTooManyRequests, hit(), "violation %d", i)
	}
	assert.Equal(t, http.StatusForbidden, hit())
	assert.True(t, mr.Exists(blockKey("203.0.113.5")))

	rl.blocker.Unblock(context.Background(), "203.0.113.5")
	assert.Equal(t, http.StatusTooManyRequests, hit())
}
