package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orkiva/orkiva/internal/common/logger"
	"github.com/orkiva/orkiva/internal/events"
	"github.com/orkiva/orkiva/internal/events/bus"
	"github.com/orkiva/orkiva/internal/store"
	"github.com/orkiva/orkiva/internal/supervisor"
	v1 "github.com/orkiva/orkiva/pkg/api/v1"
)

type stubTicks struct {
	stats *supervisor.TickStats
}

func (s *stubTicks) LastStats() *supervisor.TickStats { return s.stats }

type stubFeed struct {
	entries []events.FeedEntry
}

func (s *stubFeed) Recent(limit int) []events.FeedEntry {
	if limit > 0 && limit < len(s.entries) {
		return s.entries[:limit]
	}
	return s.entries
}

func newTestRouter(t *testing.T, st *store.MemoryStore, ticks TickSource) *gin.Engine {
	t.Helper()
	return newTestRouterWithFeed(t, st, ticks, &stubFeed{})
}

func newTestRouterWithFeed(t *testing.T, st *store.MemoryStore, ticks TickSource, feed EventFeed) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	RegisterRoutes(router, st, ticks, feed, "ws-1", logger.Default())
	return router
}

func seedThread(t *testing.T, st *store.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.CreateThread(ctx, &v1.Thread{
		ID: "th_01", WorkspaceID: "ws-1", Title: "release",
		Type: v1.ThreadTypeConversation, Status: v1.ThreadStatusActive,
		CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, st.AddParticipant(ctx, "th_01", "agent_b"))
	_, err := st.AppendMessage(ctx, &v1.Message{
		ID: "m1", ThreadID: "th_01", SenderAgentID: "agent_a",
		Kind: v1.MessageKindChat, Body: "hello", CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
}

func doGet(t *testing.T, router *gin.Engine, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	router.ServeHTTP(w, req)
	var body map[string]interface{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w, body
}

func TestHealthz(t *testing.T) {
	router := newTestRouter(t, store.NewMemoryStore(), &stubTicks{})
	w, body := doGet(t, router, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestStatsBeforeFirstTick(t *testing.T) {
	router := newTestRouter(t, store.NewMemoryStore(), &stubTicks{})
	w, _ := doGet(t, router, "/api/v1/supervisor/stats")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestStatsAfterTick(t *testing.T) {
	ticks := &stubTicks{stats: &supervisor.TickStats{
		TickAt: time.Date(2026, 2, 18, 10, 10, 0, 0, time.UTC),
	}}
	router := newTestRouter(t, store.NewMemoryStore(), ticks)
	w, body := doGet(t, router, "/api/v1/supervisor/stats")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2026-02-18T10:10:00Z", body["tick_at"])
}

func TestGetThreadWithMessages(t *testing.T) {
	st := store.NewMemoryStore()
	seedThread(t, st)
	router := newTestRouter(t, st, &stubTicks{})

	w, body := doGet(t, router, "/api/v1/threads/th_01")
	assert.Equal(t, http.StatusOK, w.Code)
	thread := body["thread"].(map[string]interface{})
	assert.Equal(t, "th_01", thread["id"])
	assert.Equal(t, []interface{}{"agent_b"}, body["participants"])
	assert.Len(t, body["messages"], 1)
}

func TestGetThreadNotFound(t *testing.T) {
	router := newTestRouter(t, store.NewMemoryStore(), &stubTicks{})
	w, _ := doGet(t, router, "/api/v1/threads/th_missing")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListThreadTriggers(t *testing.T) {
	st := store.NewMemoryStore()
	seedThread(t, st)
	require.NoError(t, st.InsertTriggerJob(context.Background(), &v1.TriggerJob{
		ID: "trg_01", ThreadID: "th_01", WorkspaceID: "ws-1",
		TargetAgentID: "agent_b", Reason: "r", Prompt: "p",
		Status: v1.TriggerStatusQueued, MaxRetries: 2,
		CreatedAt: time.Now().UTC(),
	}))
	router := newTestRouter(t, st, &stubTicks{})

	w, body := doGet(t, router, "/api/v1/threads/th_01/triggers")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["triggers"], 1)

	w, body = doGet(t, router, "/api/v1/triggers/trg_01")
	assert.Equal(t, http.StatusOK, w.Code)
	trigger := body["trigger"].(map[string]interface{})
	assert.Equal(t, "queued", trigger["status"])
}

func TestRecentEventsFromBus(t *testing.T) {
	b := bus.NewMemoryEventBus(logger.Default())
	defer b.Close()
	feed, err := events.NewFeed(b, 10)
	require.NoError(t, err)
	defer feed.Close()

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, events.BuildTriggerSubject(events.TriggerScheduled, "trg_01"),
		bus.NewEvent(events.TriggerScheduled, "scheduler", map[string]interface{}{"trigger_id": "trg_01"})))
	require.NoError(t, b.Publish(ctx, events.SupervisorTickCompleted,
		bus.NewEvent(events.SupervisorTickCompleted, "supervisor", nil)))

	router := newTestRouterWithFeed(t, store.NewMemoryStore(), &stubTicks{}, feed)
	w, body := doGet(t, router, "/api/v1/events?limit=1")
	assert.Equal(t, http.StatusOK, w.Code)

	entries := body["events"].([]interface{})
	require.Len(t, entries, 1)
	newest := entries[0].(map[string]interface{})
	assert.Equal(t, events.SupervisorTickCompleted, newest["subject"])
}

func TestRecentEventsEmpty(t *testing.T) {
	router := newTestRouter(t, store.NewMemoryStore(), &stubTicks{})
	w, body := doGet(t, router, "/api/v1/events")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["events"], 0)
}

func TestListSessions(t *testing.T) {
	st := store.NewMemoryStore()
	_, err := st.UpsertSessionFromHeartbeat(context.Background(), &v1.Heartbeat{
		AgentID: "agent_b", WorkspaceID: "ws-1", SessionID: "sess_b",
		Runtime: "tmux:main:work.0", Status: v1.SessionStatusIdle,
		HeartbeatAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	router := newTestRouter(t, st, &stubTicks{})

	w, body := doGet(t, router, "/api/v1/sessions")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["sessions"], 1)
}
