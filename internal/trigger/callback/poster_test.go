package callback

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/orkiva/orkiva/internal/common/errors"
	"github.com/orkiva/orkiva/internal/common/logger"
)

func testInput() Input {
	code := apperrors.CodeAckTimeout
	return Input{
		ThreadID:          "th_01",
		TriggerID:         "trg_01",
		TargetAgentID:     "agent-a",
		Reason:            "new_unread_messages",
		Outcome:           "fallback_spawned",
		AttemptNo:         3,
		ErrorCode:         &code,
		StartedAt:         time.Date(2026, 2, 18, 10, 0, 0, 0, time.UTC),
		FinishedAt:        time.Date(2026, 2, 18, 10, 5, 0, 0, time.UTC),
		CallbackAttemptNo: 1,
	}
}

func newPoster(t *testing.T, srv *httptest.Server, token string) *Poster {
	t.Helper()
	return NewPoster(Config{
		BaseURL:        srv.URL,
		AccessToken:    token,
		RequestTimeout: 2 * time.Second,
	}, logger.Default())
}

func TestPostDeliversCallbackBody(t *testing.T) {
	var got postMessageBody
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		assert.Equal(t, "/v1/mcp/post_message", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]string{"message_id": "msg_99"})
	}))
	defer srv.Close()

	result := newPoster(t, srv, "secret").Post(context.Background(), testInput())

	assert.True(t, result.Posted)
	assert.Equal(t, "msg_99", result.MessageID)
	assert.Equal(t, "Bearer secret", auth)

	assert.Equal(t, "th_01", got.ThreadID)
	assert.Equal(t, 1, got.SchemaVersion)
	assert.Equal(t, "event", got.Kind)
	assert.Equal(t, "Worker callback for trigger trg_01: fallback_spawned.", got.Body)
	assert.Equal(t, "trigger-callback:trg_01:v1", got.IdempotencyKey)

	assert.Equal(t, "trigger.completed", got.Metadata["event_type"])
	assert.Equal(t, true, got.Metadata["suppress_auto_trigger"])
	assert.Equal(t, "trg_01", got.Metadata["trigger_id"])
	assert.Equal(t, "agent-a", got.Metadata["target_agent_id"])
	assert.Equal(t, "fallback_spawned", got.Metadata["trigger_outcome"])
	assert.Equal(t, apperrors.CodeAckTimeout, got.Metadata["trigger_error_code"])
	assert.Equal(t, "2026-02-18T10:00:00Z", got.Metadata["started_at"])
	assert.Equal(t, float64(1), got.Metadata["callback_attempt_no"])
}

func TestPostMissingTokenIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request must not be sent without a token")
	}))
	defer srv.Close()

	result := newPoster(t, srv, "").Post(context.Background(), testInput())

	assert.False(t, result.Posted)
	assert.False(t, result.Retryable)
	require.NotNil(t, result.ErrorCode)
	assert.Equal(t, apperrors.CodeCallbackAuthTokenMissing, *result.ErrorCode)
}

func TestPostRetryOn503WithRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	result := newPoster(t, srv, "secret").Post(context.Background(), testInput())

	assert.False(t, result.Posted)
	assert.True(t, result.Retryable)
	require.NotNil(t, result.ErrorCode)
	assert.Equal(t, apperrors.CodeCallbackHTTPRetryable, *result.ErrorCode)
	require.NotNil(t, result.RetryAfter)
	assert.Equal(t, 2*time.Second, *result.RetryAfter)
}

func TestPostRetryableStatuses(t *testing.T) {
	for _, status := range []int{408, 409, 429, 500, 502} {
		status := status
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		result := newPoster(t, srv, "secret").Post(context.Background(), testInput())
		srv.Close()

		assert.True(t, result.Retryable, "status %d must be retryable", status)
		assert.Nil(t, result.RetryAfter, "status %d carried no Retry-After", status)
	}
}

func TestPostFatalOn4xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	result := newPoster(t, srv, "secret").Post(context.Background(), testInput())

	assert.False(t, result.Posted)
	assert.False(t, result.Retryable)
	require.NotNil(t, result.ErrorCode)
	assert.Equal(t, apperrors.CodeCallbackHTTPFatal, *result.ErrorCode)
}

func TestPostNetworkErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	result := newPoster(t, srv, "secret").Post(context.Background(), testInput())

	assert.True(t, result.Retryable)
	require.NotNil(t, result.ErrorCode)
	assert.Equal(t, apperrors.CodeCallbackNetworkError, *result.ErrorCode)
}

func TestPostTimeoutClassification(t *testing.T) {
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocked
	}))
	defer func() {
		close(blocked)
		srv.Close()
	}()

	poster := NewPoster(Config{
		BaseURL:        srv.URL,
		AccessToken:    "secret",
		RequestTimeout: 50 * time.Millisecond,
	}, logger.Default())

	result := poster.Post(context.Background(), testInput())

	assert.True(t, result.Retryable)
	require.NotNil(t, result.ErrorCode)
	assert.Equal(t, apperrors.CodeCallbackRequestTimeout, *result.ErrorCode)
}

func TestParseRetryAfterHTTPDate(t *testing.T) {
	now := time.Date(2026, 2, 18, 10, 0, 0, 0, time.UTC)
	d := parseRetryAfter(now.Add(30*time.Second).Format(http.TimeFormat), now)
	require.NotNil(t, d)
	assert.Equal(t, 30*time.Second, *d)

	past := parseRetryAfter(now.Add(-time.Minute).Format(http.TimeFormat), now)
	require.NotNil(t, past)
	assert.Equal(t, time.Duration(0), *past)

	assert.Nil(t, parseRetryAfter("", now))
	assert.Nil(t, parseRetryAfter("garbage", now))
}
