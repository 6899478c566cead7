// Package callback posts trigger outcomes back into the thread through the
// bridge's post_message endpoint.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/orkiva/orkiva/internal/common/errors"
	"github.com/orkiva/orkiva/internal/common/logger"
)

const postMessagePath = "/v1/mcp/post_message"

// Config tunes the poster.
type Config struct {
	BaseURL        string
	AccessToken    string
	RequestTimeout time.Duration
}

// Input describes one callback to post.
type Input struct {
	ThreadID          string
	TriggerID         string
	TargetAgentID     string
	Reason            string
	Outcome           string
	AttemptNo         int
	ErrorCode         *string
	StartedAt         time.Time
	FinishedAt        time.Time
	CallbackAttemptNo int
}

// Result classifies one post attempt.
type Result struct {
	Posted     bool
	Retryable  bool
	ErrorCode  *string
	RetryAfter *time.Duration
	MessageID  string
}

// postMessageBody is the bridge request payload.
type postMessageBody struct {
	ThreadID       string                 `json:"thread_id"`
	SchemaVersion  int                    `json:"schema_version"`
	Kind           string                 `json:"kind"`
	Body           string                 `json:"body"`
	Metadata       map[string]interface{} `json:"metadata"`
	IdempotencyKey string                 `json:"idempotency_key"`
}

// Poster delivers trigger completion events to the bridge. Posts carry a
// per-trigger idempotency key, so re-posting after an ambiguous failure is
// safe.
type Poster struct {
	cfg    Config
	client *http.Client
	logger *logger.Logger
}

// NewPoster creates a Poster with its own HTTP client.
func NewPoster(cfg Config, log *logger.Logger) *Poster {
	return &Poster{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		logger: log,
	}
}

// IdempotencyKey returns the stable key for a trigger's callback.
func IdempotencyKey(triggerID string) string {
	return fmt.Sprintf("trigger-callback:%s:v1", triggerID)
}

// Post sends one callback and classifies the response.
func (p *Poster) Post(ctx context.Context, in Input) Result {
	if strings.TrimSpace(p.cfg.AccessToken) == "" {
		code := apperrors.CodeCallbackAuthTokenMissing
		return Result{Retryable: false, ErrorCode: &code}
	}

	body := postMessageBody{
		ThreadID:      in.ThreadID,
		SchemaVersion: 1,
		Kind:          "event",
		Body:          fmt.Sprintf("Worker callback for trigger %s: %s.", in.TriggerID, in.Outcome),
		Metadata: map[string]interface{}{
			"event_version":         1,
			"event_type":            "trigger.completed",
			"suppress_auto_trigger": true,
			"trigger_id":            in.TriggerID,
			"job_id":                in.TriggerID,
			"target_agent_id":       in.TargetAgentID,
			"trigger_reason":        in.Reason,
			"trigger_outcome":       in.Outcome,
			"trigger_attempt_no":    in.AttemptNo,
			"trigger_error_code":    errorCodeValue(in.ErrorCode),
			"started_at":            in.StartedAt.UTC().Format(time.RFC3339),
			"finished_at":           in.FinishedAt.UTC().Format(time.RFC3339),
			"callback_attempt_no":   in.CallbackAttemptNo,
		},
		IdempotencyKey: IdempotencyKey(in.TriggerID),
	}

	payload, err := json.Marshal(body)
	if err != nil {
		code := apperrors.CodeInternal
		return Result{Retryable: false, ErrorCode: &code}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(p.cfg.BaseURL, "/")+postMessagePath, bytes.NewReader(payload))
	if err != nil {
		code := apperrors.CodeInternal
		return Result{Retryable: false, ErrorCode: &code}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.cfg.AccessToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return p.classifyTransportError(in.TriggerID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var ok struct {
			MessageID string `json:"message_id"`
		}
		if decodeErr := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&ok); decodeErr != nil {
			p.logger.Warn("callback response body unreadable",
				zap.String("trigger_id", in.TriggerID),
				zap.Error(decodeErr))
		}
		return Result{Posted: true, MessageID: ok.MessageID}

	case retryableStatus(resp.StatusCode):
		code := apperrors.CodeCallbackHTTPRetryable
		return Result{
			Retryable:  true,
			ErrorCode:  &code,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}

	default:
		code := apperrors.CodeCallbackHTTPFatal
		p.logger.Error("callback rejected by bridge",
			zap.String("trigger_id", in.TriggerID),
			zap.Int("status", resp.StatusCode))
		return Result{Retryable: false, ErrorCode: &code}
	}
}

func (p *Poster) classifyTransportError(triggerID string, err error) Result {
	code := apperrors.CodeCallbackNetworkError
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		code = apperrors.CodeCallbackRequestTimeout
	} else if errors.Is(err, context.DeadlineExceeded) {
		code = apperrors.CodeCallbackRequestTimeout
	}
	p.logger.Warn("callback transport error",
		zap.String("trigger_id", triggerID),
		zap.String("error_code", code),
		zap.Error(err))
	return Result{Retryable: true, ErrorCode: &code}
}

func retryableStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooManyRequests:
		return true
	}
	return status >= 500
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(header string, now time.Time) *time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil
	}
	if secs, err := strconv.Atoi(header); err == nil && secs >= 0 {
		d := time.Duration(secs) * time.Second
		return &d
	}
	if at, err := http.ParseTime(header); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return &d
	}
	return nil
}

func errorCodeValue(code *string) interface{} {
	if code == nil {
		return nil
	}
	return *code
}
