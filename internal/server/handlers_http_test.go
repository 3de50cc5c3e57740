package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/chat-relay/internal/types"
)

func doJSON(t *testing.T, h http.Handler, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded), "body: %s", rec.Body.String())
	return rec, decoded
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)

	rec, body := doJSON(t, s.Router(), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["ok"])
	assert.Contains(t, body, "uptime_seconds")
	assert.Contains(t, body, "active_connections")

	memPct, ok := body["system_memory_percent"].(float64)
	require.True(t, ok, "health body reports host memory utilization")
	assert.GreaterOrEqual(t, memPct, 0.0)
}

func TestReadyz(t *testing.T) {
	s, _ := newTestServer(t)

	rec, body := doJSON(t, s.Router(), http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, false, body["ready"])

	s.ready.Store(true)
	rec, body = doJSON(t, s.Router(), http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["ready"])
}

func TestRedisStatus(t *testing.T) {
	s, fs := newTestServer(t)

	rec, body := doJSON(t, s.Router(), http.MethodGet, "/chat/api/redis/status/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, true, body["redis_connected"])
	assert.Equal(t, s.cfg.MessageRedisURL, body["redis_url"])
	assert.Equal(t, float64(300), body["default_ttl"])

	fs.pingErr = errors.New("connection refused")
	rec, body = doJSON(t, s.Router(), http.MethodGet, "/chat/api/redis/status/", "")
	assert.Equal(t, http.StatusOK, rec.Code, "status endpoint reports, it does not fail")
	assert.Equal(t, false, body["redis_connected"])
}

func TestSessionGet(t *testing.T) {
	s, fs := newTestServer(t)

	rec, body := doJSON(t, s.Router(), http.MethodGet, "/chat/api/sessions/missing/", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, false, body["success"])
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "session_not_found", errObj["code"])

	now := time.Now()
	require.NoError(t, fs.SessionPut(s.ctx, "s1", &types.Session{
		Count:        7,
		CreatedAt:    now.Unix() - 60,
		LastActivity: now.Unix(),
	}, s.cfg.SessionTTL()))

	rec, body = doJSON(t, s.Router(), http.MethodGet, "/chat/api/sessions/s1/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "s1", body["session_id"])

	data := body["data"].(map[string]any)
	inner := data["data"].(map[string]any)
	assert.Equal(t, float64(7), inner["count"])
	assert.Equal(t, float64(now.Unix()), inner["last_activity"])
	assert.Equal(t, float64(now.Unix()-60), data["created_at"])
	assert.Equal(t, float64(300), data["ttl"])
	assert.Equal(t, float64(300), data["remaining_ttl"])
}

func TestSessionGetStoreDown(t *testing.T) {
	s, fs := newTestServer(t)
	fs.failAll = true

	rec, body := doJSON(t, s.Router(), http.MethodGet, "/chat/api/sessions/s1/", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "store_unavailable", errObj["code"])
}

func TestSessionMessages(t *testing.T) {
	s, fs := newTestServer(t)

	rec, body := doJSON(t, s.Router(), http.MethodGet, "/chat/api/sessions/s1/messages/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), body["count"])
	assert.Empty(t, body["messages"])

	for _, content := range []string{"one", "two"} {
		require.NoError(t, fs.MessagesAppend(s.ctx, "s1", &types.MessageRecord{
			Content:     content,
			TimestampMs: time.Now().UnixMilli(),
			IsSent:      true,
			SessionID:   "s1",
		}, s.cfg.SessionTTL()))
	}

	rec, body = doJSON(t, s.Router(), http.MethodGet, "/chat/api/sessions/s1/messages/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), body["count"])

	msgs := body["messages"].([]any)
	require.Len(t, msgs, 2)
	first := msgs[0].(map[string]any)
	assert.Equal(t, "one", first["content"])
	assert.Equal(t, true, first["is_sent"])
}

func TestSessionExtend(t *testing.T) {
	s, fs := newTestServer(t)

	rec, _ := doJSON(t, s.Router(), http.MethodPost, "/chat/api/sessions/s1/extend/", `{"ttl": 600}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, fs.SessionPut(s.ctx, "s1", &types.Session{}, s.cfg.SessionTTL()))

	rec, _ = doJSON(t, s.Router(), http.MethodPost, "/chat/api/sessions/s1/extend/", `{"ttl": 0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doJSON(t, s.Router(), http.MethodPost, "/chat/api/sessions/s1/extend/", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body := doJSON(t, s.Router(), http.MethodPost, "/chat/api/sessions/s1/extend/", `{"ttl": 600}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(600), body["ttl"])

	remaining, err := fs.SessionRemainingTTL(s.ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 600*time.Second, remaining)
}

func TestSessionDelete(t *testing.T) {
	s, fs := newTestServer(t)

	require.NoError(t, fs.SessionPut(s.ctx, "s1", &types.Session{}, s.cfg.SessionTTL()))
	require.NoError(t, fs.MessagesAppend(s.ctx, "s1", &types.MessageRecord{Content: "x", SessionID: "s1"}, s.cfg.SessionTTL()))

	rec, body := doJSON(t, s.Router(), http.MethodDelete, "/chat/api/sessions/s1/delete/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])

	assert.Nil(t, fs.session("s1"))
	assert.Empty(t, fs.records("s1"))

	// Deleting an already-absent session is still a success.
	rec, _ = doJSON(t, s.Router(), http.MethodDelete, "/chat/api/sessions/s1/delete/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBroadcastPost(t *testing.T) {
	s, fs := newTestServer(t)

	rec, body := doJSON(t, s.Router(), http.MethodPost, "/chat/api/broadcast/", `{"title": "no message"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, false, body["success"])

	require.NoError(t, fs.SessionPut(s.ctx, "s1", &types.Session{}, s.cfg.SessionTTL()))
	require.NoError(t, fs.SessionPut(s.ctx, "s2", &types.Session{}, s.cfg.SessionTTL()))

	rec, body = doJSON(t, s.Router(), http.MethodPost, "/chat/api/broadcast/",
		`{"message": "maint in 5m", "level": "warning"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(2), body["sessions_updated"])

	recs := fs.records("s2")
	require.Len(t, recs, 1)
	assert.True(t, recs[0].IsBroadcast)
	assert.Equal(t, types.LevelWarning, recs[0].BroadcastLevel)
	assert.Equal(t, "maint in 5m", recs[0].Content)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "app_active_connections")
	assert.Contains(t, rec.Body.String(), "app_messages_total")
}
