// Package api exposes read-only inspection endpoints for the supervisor.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apperrors "github.com/orkiva/orkiva/internal/common/errors"
	"github.com/orkiva/orkiva/internal/common/logger"
	"github.com/orkiva/orkiva/internal/events"
	"github.com/orkiva/orkiva/internal/supervisor"
	v1 "github.com/orkiva/orkiva/pkg/api/v1"
)

const defaultListLimit = 50

// Store is the read surface the inspection API needs.
type Store interface {
	GetThread(ctx context.Context, threadID string) (*v1.Thread, error)
	ListThreads(ctx context.Context, workspaceID string, includeClosed bool) ([]*v1.Thread, error)
	ListParticipants(ctx context.Context, threadID string) ([]string, error)
	ListMessages(ctx context.Context, threadID string, limit int) ([]*v1.Message, error)
	ListSessions(ctx context.Context, workspaceID string) ([]*v1.SessionRecord, error)
	GetTriggerJob(ctx context.Context, triggerID string) (*v1.TriggerJob, error)
	ListTriggerJobsByThread(ctx context.Context, threadID string, limit int) ([]*v1.TriggerJob, error)
	ListTriggerAttempts(ctx context.Context, triggerID string) ([]*v1.TriggerAttempt, error)
	ListAuditEvents(ctx context.Context, workspaceID string, limit int) ([]*v1.AuditEvent, error)
}

// TickSource reports the latest tick stats.
type TickSource interface {
	LastStats() *supervisor.TickStats
}

// EventFeed lists recently published bus events.
type EventFeed interface {
	Recent(limit int) []events.FeedEntry
}

// RegisterRoutes registers the inspection API routes.
func RegisterRoutes(router *gin.Engine, store Store, ticks TickSource, feed EventFeed, workspaceID string, log *logger.Logger) {
	router.GET("/healthz", handleHealth())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	api.GET("/supervisor/stats", handleStats(ticks))
	api.GET("/events", handleRecentEvents(feed))
	api.GET("/threads", handleListThreads(store, workspaceID, log))
	api.GET("/threads/:id", handleGetThread(store, log))
	api.GET("/threads/:id/triggers", handleListThreadTriggers(store, log))
	api.GET("/triggers/:id", handleGetTrigger(store, log))
	api.GET("/sessions", handleListSessions(store, workspaceID, log))
	api.GET("/audit-events", handleListAuditEvents(store, workspaceID, log))
}

// handleHealth handles GET /healthz.
func handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
	}
}

// handleStats handles GET /api/v1/supervisor/stats.
func handleStats(ticks TickSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats := ticks.LastStats()
		if stats == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error": "no tick completed yet",
			})
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

// handleRecentEvents handles GET /api/v1/events, newest first.
func handleRecentEvents(feed EventFeed) gin.HandlerFunc {
	return func(c *gin.Context) {
		entries := feed.Recent(queryLimit(c))
		if entries == nil {
			entries = []events.FeedEntry{}
		}
		c.JSON(http.StatusOK, gin.H{"events": entries})
	}
}

// handleListThreads handles GET /api/v1/threads.
func handleListThreads(store Store, workspaceID string, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		includeClosed := c.Query("include_closed") == "true"
		threads, err := store.ListThreads(c.Request.Context(), workspaceID, includeClosed)
		if err != nil {
			respondError(c, log, "failed to list threads", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"threads": threads})
	}
}

// handleGetThread handles GET /api/v1/threads/:id with participants and the
// most recent messages.
func handleGetThread(store Store, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		threadID := c.Param("id")

		thread, err := store.GetThread(ctx, threadID)
		if err != nil {
			respondError(c, log, "failed to load thread", err)
			return
		}
		participants, err := store.ListParticipants(ctx, threadID)
		if err != nil {
			respondError(c, log, "failed to list participants", err)
			return
		}
		messages, err := store.ListMessages(ctx, threadID, queryLimit(c))
		if err != nil {
			respondError(c, log, "failed to list messages", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"thread":       thread,
			"participants": participants,
			"messages":     messages,
		})
	}
}

// handleListThreadTriggers handles GET /api/v1/threads/:id/triggers.
func handleListThreadTriggers(store Store, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobs, err := store.ListTriggerJobsByThread(c.Request.Context(), c.Param("id"), queryLimit(c))
		if err != nil {
			respondError(c, log, "failed to list trigger jobs", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"triggers": jobs})
	}
}

// handleGetTrigger handles GET /api/v1/triggers/:id with attempt history.
func handleGetTrigger(store Store, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		triggerID := c.Param("id")

		job, err := store.GetTriggerJob(ctx, triggerID)
		if err != nil {
			respondError(c, log, "failed to load trigger job", err)
			return
		}
		attempts, err := store.ListTriggerAttempts(ctx, triggerID)
		if err != nil {
			respondError(c, log, "failed to list trigger attempts", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"trigger": job, "attempts": attempts})
	}
}

// handleListSessions handles GET /api/v1/sessions.
func handleListSessions(store Store, workspaceID string, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessions, err := store.ListSessions(c.Request.Context(), workspaceID)
		if err != nil {
			respondError(c, log, "failed to list sessions", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": sessions})
	}
}

// handleListAuditEvents handles GET /api/v1/audit-events.
func handleListAuditEvents(store Store, workspaceID string, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		events, err := store.ListAuditEvents(c.Request.Context(), workspaceID, queryLimit(c))
		if err != nil {
			respondError(c, log, "failed to list audit events", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"audit_events": events})
	}
}

func queryLimit(c *gin.Context) int {
	raw := c.Query("limit")
	if raw == "" {
		return defaultListLimit
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return defaultListLimit
	}
	return limit
}

func respondError(c *gin.Context, log *logger.Logger, message string, err error) {
	if apperrors.Is(err, apperrors.CodeNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	log.Error(message, zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": message})
}
