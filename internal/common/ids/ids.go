// Package ids mints opaque, prefixed identifiers and provides the clock
// abstraction used to keep supervisor time injectable in tests.
package ids

import (
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	idLen    = 16
)

// Prefixes for the id families minted by the supervisor.
const (
	PrefixTrigger     = "trg"
	PrefixMessage     = "msg"
	PrefixAttempt     = "att"
	PrefixFallbackRun = "run"
	PrefixAudit       = "aud"
)

// New returns a fresh id with the given prefix, e.g. "trg_k2x9...".
func New(prefix string) string {
	id, err := gonanoid.Generate(alphabet, idLen)
	if err != nil {
		panic(fmt.Sprintf("generate nanoid: %v", err))
	}
	return prefix + "_" + id
}

// NewTriggerID mints a trigger job id.
func NewTriggerID() string { return New(PrefixTrigger) }

// NewMessageID mints a message id.
func NewMessageID() string { return New(PrefixMessage) }

// NewAttemptID mints a trigger attempt id.
func NewAttemptID() string { return New(PrefixAttempt) }

// NewFallbackRunID mints a fallback run id.
func NewFallbackRunID() string { return New(PrefixFallbackRun) }

// NewAuditID mints an audit event id.
func NewAuditID() string { return New(PrefixAudit) }

// Clock abstracts wall-clock time so ticks can share a single observation
// instant and tests can pin it.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock always returns the same instant. Test use only.
type FixedClock struct {
	T time.Time
}

// Now returns the pinned instant.
func (c FixedClock) Now() time.Time { return c.T }
