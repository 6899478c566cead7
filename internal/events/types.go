// Package events provides event types and utilities for the Orkiva event system.
package events

// Event types for sessions
const (
	SessionRegistered   = "session.registered"
	SessionDeregistered = "session.deregistered"
	SessionWentOffline  = "session.went_offline"
)

// Event types for trigger jobs
const (
	TriggerScheduled        = "trigger.scheduled"
	TriggerDelivered        = "trigger.delivered"
	TriggerDeferred         = "trigger.deferred"
	TriggerFailed           = "trigger.failed"
	TriggerFallbackStarted  = "trigger.fallback_started"
	TriggerFallbackFinished = "trigger.fallback_finished"
	TriggerDeadLettered     = "trigger.dead_lettered"
)

// Event types for callbacks
const (
	CallbackDelivered = "callback.delivered"
	CallbackFailed    = "callback.failed"
)

// Event types for supervisor ticks
const (
	SupervisorTickCompleted = "supervisor.tick_completed"
	BacklogBreakerTripped   = "supervisor.backlog_breaker_tripped"
)

// BuildTriggerSubject creates a trigger-scoped subject for an event type.
func BuildTriggerSubject(eventType, triggerID string) string {
	return eventType + "." + triggerID
}
