package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/duet/internal/models"
	"github.com/eldtechnologies/duet/internal/presence"
	"github.com/eldtechnologies/duet/internal/store"
)

func newTestHandler(t *testing.T) (*Handler, *miniredis.Miniredis, *presence.MemoryRegistry) {
	t.Helper()
	mr := miniredis.RunT(t)
	rs, err := store.NewRedisStore(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { rs.Close() })

	ds := store.NewMemoryStore()
	require.NoError(t, ds.CreateUser(context.Background(), &models.User{ID: "u-ada", UID: "ADAUID0001", DisplayName: "Ada"}))

	registry := presence.NewMemoryRegistry()
	return NewHandler(ds, rs, nil, registry, zerolog.Nop()), mr, registry
}

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return rec, body
}

func TestHealthChecks(t *testing.T) {
	h, mr, _ := newTestHandler(t)

	rec, body := get(t, http.HandlerFunc(h.Health), "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "pass", checks["redis"].(map[string]any)["status"])

	mr.Close()
	rec, body = get(t, http.HandlerFunc(h.Health), "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", body["status"])
	checks = body["checks"].(map[string]any)
	assert.Equal(t, "fail", checks["redis"].(map[string]any)["status"])
	assert.Equal(t, "pass", checks["store"].(map[string]any)["status"])
}

func TestPresenceSources(t *testing.T) {
	h, _, registry := newTestHandler(t)
	r := chi.NewRouter()
	r.Get("/users/{id}/presence", h.Presence)

	_, body := get(t, r, "/users/u-ada/presence")
	assert.Equal(t, false, body["isOnline"])
	assert.Equal(t, "ADAUID0001", body["uid"])

	// Another instance holds Ada's session.
	require.NoError(t, h.redis.PublishPresence(context.Background(), "u-ada", true, time.Now()))
	_, body = get(t, r, "/users/u-ada/presence")
	assert.Equal(t, true, body["isOnline"])

	// A local session, once closed, wins over the mirror.
	registry.Bind("u-ada", nil)
	registry.Unbind("u-ada")
	_, body = get(t, r, "/users/u-ada/presence")
	assert.Equal(t, false, body["isOnline"])
	assert.NotEmpty(t, body["lastSeen"])

	rec, body := get(t, r, "/users/nobody/presence")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "user not found", body["error"])
}
