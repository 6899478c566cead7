// Package pty delivers framed trigger envelopes to interactive terminal
// panes through tmux.
package pty

import (
	"context"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/orkiva/orkiva/internal/common/errors"
	"github.com/orkiva/orkiva/internal/common/logger"
)

// Commander runs external commands. Tests substitute a fake.
type Commander interface {
	// Output runs the command and returns its combined stdout.
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
	// Run runs the command and reports only success or failure.
	Run(ctx context.Context, name string, args ...string) error
}

type execCommander struct{}

func (execCommander) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

func (execCommander) Run(ctx context.Context, name string, args ...string) error {
	return exec.CommandContext(ctx, name, args...).Run()
}

// DeliverRequest describes one envelope delivery.
type DeliverRequest struct {
	Runtime   string
	TriggerID string
	ThreadID  string
	Reason    string
	Prompt    string
}

// Adapter delivers trigger envelopes to tmux panes. Delivery success is
// transport-level only; acknowledgement is observed separately by the queue
// worker.
type Adapter struct {
	commander Commander
	logger    *logger.Logger
	maxBytes  int
}

// NewAdapter creates an Adapter using the real tmux binary.
func NewAdapter(log *logger.Logger) *Adapter {
	return &Adapter{commander: execCommander{}, logger: log, maxBytes: MaxPayloadBytes}
}

// NewAdapterWithCommander creates an Adapter with a custom command runner.
func NewAdapterWithCommander(commander Commander, log *logger.Logger) *Adapter {
	return &Adapter{commander: commander, logger: log, maxBytes: MaxPayloadBytes}
}

// ResolveTarget extracts the tmux target from a runtime string. Accepted
// forms: "tmux://<target>", "tmux:<target>", and a bare
// "session:window.pane" target.
func ResolveTarget(runtime string) (string, error) {
	trimmed := strings.TrimSpace(runtime)
	switch {
	case strings.HasPrefix(trimmed, "tmux://"):
		trimmed = strings.TrimPrefix(trimmed, "tmux://")
	case strings.HasPrefix(trimmed, "tmux:"):
		trimmed = strings.TrimPrefix(trimmed, "tmux:")
	case isBareTarget(trimmed):
		// Accepted as-is.
	default:
		return "", apperrors.Newf(apperrors.CodeUnsupportedRuntime,
			"runtime %q is not a tmux target", runtime)
	}
	if trimmed == "" {
		return "", apperrors.Newf(apperrors.CodeUnsupportedRuntime,
			"runtime %q has an empty tmux target", runtime)
	}
	return trimmed, nil
}

// isBareTarget recognizes the session:window.pane addressing form.
func isBareTarget(s string) bool {
	colon := strings.Index(s, ":")
	if colon <= 0 || colon == len(s)-1 {
		return false
	}
	rest := s[colon+1:]
	dot := strings.LastIndex(rest, ".")
	if dot <= 0 || dot == len(rest)-1 {
		return false
	}
	for _, r := range rest[dot+1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return !strings.ContainsAny(s, " \t\n")
}

// Deliver probes the pane and sends the framed envelope line by line,
// followed by Enter. A nil error means the transport accepted every line.
func (a *Adapter) Deliver(ctx context.Context, req DeliverRequest) error {
	target, err := ResolveTarget(req.Runtime)
	if err != nil {
		return err
	}

	lines, err := PrepareTriggerPayload(req.TriggerID, req.ThreadID, req.Reason, req.Prompt, a.maxBytes)
	if err != nil {
		return err
	}

	if err := a.probePane(ctx, target); err != nil {
		return err
	}

	for _, line := range lines {
		if err := a.commander.Run(ctx, "tmux", "send-keys", "-t", target, "-l", line); err != nil {
			return apperrors.Retryable(apperrors.CodeSendKeysError,
				"tmux send-keys failed: "+err.Error())
		}
	}
	if err := a.commander.Run(ctx, "tmux", "send-keys", "-t", target, "Enter"); err != nil {
		return apperrors.Retryable(apperrors.CodeSendKeysError,
			"tmux send-keys Enter failed: "+err.Error())
	}

	a.logger.Debug("delivered trigger envelope",
		zap.String("trigger_id", req.TriggerID),
		zap.String("target", target),
		zap.Int("lines", len(lines)))
	return nil
}

// probePane checks pane health before sending. The pane answers
// "paneDead|panePid|paneCommand".
func (a *Adapter) probePane(ctx context.Context, target string) error {
	out, err := a.commander.Output(ctx, "tmux", "display-message", "-p", "-t", target,
		"#{pane_dead}|#{pane_pid}|#{pane_current_command}")
	if err != nil {
		return apperrors.Newf(apperrors.CodeTargetNotFound,
			"tmux pane %q not found", target)
	}

	fields := strings.SplitN(strings.TrimSpace(string(out)), "|", 3)
	if len(fields) == 3 && fields[0] == "1" {
		appErr := apperrors.Retryable(apperrors.CodePaneDead,
			"tmux pane "+target+" is dead")
		return appErr.WithDetails(map[string]interface{}{
			"panePid":     fields[1],
			"paneCommand": fields[2],
		})
	}
	return nil
}
