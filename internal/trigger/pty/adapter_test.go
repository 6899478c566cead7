package pty

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/orkiva/orkiva/internal/common/errors"
	"github.com/orkiva/orkiva/internal/common/logger"
)

type fakeCommander struct {
	probeOutput string
	probeErr    error
	runErr      error
	runCalls    [][]string
}

func (f *fakeCommander) Output(_ context.Context, name string, args ...string) ([]byte, error) {
	if f.probeErr != nil {
		return nil, f.probeErr
	}
	return []byte(f.probeOutput + "\n"), nil
}

func (f *fakeCommander) Run(_ context.Context, name string, args ...string) error {
	f.runCalls = append(f.runCalls, append([]string{name}, args...))
	return f.runErr
}

func TestResolveTarget(t *testing.T) {
	tests := []struct {
		runtime string
		want    string
		wantErr bool
	}{
		{"tmux:agents_mobile_core:reviewer.0", "agents_mobile_core:reviewer.0", false},
		{"tmux://main:work.1", "main:work.1", false},
		{"main:work.1", "main:work.1", false},
		{"docker:container-1", "", true},
		{"tmux:", "", true},
		{"not a target", "", true},
	}
	for _, tt := range tests {
		got, err := ResolveTarget(tt.runtime)
		if tt.wantErr {
			require.Error(t, err, tt.runtime)
			assert.Equal(t, apperrors.CodeUnsupportedRuntime, apperrors.CodeOf(err))
			continue
		}
		require.NoError(t, err, tt.runtime)
		assert.Equal(t, tt.want, got)
	}
}

func TestPrepareTriggerPayloadSanitizes(t *testing.T) {
	lines, err := PrepareTriggerPayload("trg_01", "th_01", "new_unread_messages",
		"line-1 \r\nline-2\x00\x1b\r\n\r\n", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"[BRIDGE_TRIGGER id=trg_01 thread=th_01 reason=new_unread_messages]",
		"line-1",
		"line-2",
		"[/BRIDGE_TRIGGER]",
	}, lines)
}

func TestPrepareTriggerPayloadKeepsTabs(t *testing.T) {
	lines, err := PrepareTriggerPayload("trg_01", "th_01", "r", "a\tb", 0)
	require.NoError(t, err)
	assert.Equal(t, "a\tb", lines[1])
}

func TestPrepareTriggerPayloadRoundTrip(t *testing.T) {
	prompt := "first\nsecond line\n\tindented"
	lines, err := PrepareTriggerPayload("trg_01", "th_01", "r", prompt, 0)
	require.NoError(t, err)
	middle := strings.Join(lines[1:len(lines)-1], "\n")
	assert.Equal(t, prompt, middle)
}

func TestPrepareTriggerPayloadRejectsEmpty(t *testing.T) {
	for _, prompt := range []string{"", "   ", "\r\n\r\n", "\x00\x01\x02"} {
		_, err := PrepareTriggerPayload("trg_01", "th_01", "r", prompt, 0)
		require.Error(t, err, "prompt %q", prompt)
		assert.Equal(t, apperrors.CodeTriggerPayloadEmpty, apperrors.CodeOf(err))
	}
}

func TestPrepareTriggerPayloadRejectsOversized(t *testing.T) {
	_, err := PrepareTriggerPayload("trg_01", "th_01", "r", strings.Repeat("x", 9000), 8192)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeTriggerPayloadTooLarge, apperrors.CodeOf(err))
}

func TestDeliverHappyPath(t *testing.T) {
	commander := &fakeCommander{probeOutput: "0|1234|codex"}
	adapter := NewAdapterWithCommander(commander, logger.Default())

	err := adapter.Deliver(context.Background(), DeliverRequest{
		Runtime:   "tmux:agents_mobile_core:reviewer.0",
		TriggerID: "trg_01",
		ThreadID:  "th_01",
		Reason:    "new_unread_messages",
		Prompt:    "line-1\nline-2",
	})
	require.NoError(t, err)

	want := [][]string{
		{"tmux", "send-keys", "-t", "agents_mobile_core:reviewer.0", "-l",
			"[BRIDGE_TRIGGER id=trg_01 thread=th_01 reason=new_unread_messages]"},
		{"tmux", "send-keys", "-t", "agents_mobile_core:reviewer.0", "-l", "line-1"},
		{"tmux", "send-keys", "-t", "agents_mobile_core:reviewer.0", "-l", "line-2"},
		{"tmux", "send-keys", "-t", "agents_mobile_core:reviewer.0", "-l", "[/BRIDGE_TRIGGER]"},
		{"tmux", "send-keys", "-t", "agents_mobile_core:reviewer.0", "Enter"},
	}
	assert.Equal(t, want, commander.runCalls)
}

func TestDeliverTargetNotFound(t *testing.T) {
	commander := &fakeCommander{probeErr: errors.New("exit status 1")}
	adapter := NewAdapterWithCommander(commander, logger.Default())

	err := adapter.Deliver(context.Background(), DeliverRequest{
		Runtime: "tmux:gone:pane.0", TriggerID: "trg_01", ThreadID: "th_01",
		Reason: "r", Prompt: "p",
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeTargetNotFound, apperrors.CodeOf(err))
	assert.False(t, apperrors.IsRetryable(err))
	assert.Empty(t, commander.runCalls)
}

func TestDeliverPaneDead(t *testing.T) {
	commander := &fakeCommander{probeOutput: "1|4321|bash"}
	adapter := NewAdapterWithCommander(commander, logger.Default())

	err := adapter.Deliver(context.Background(), DeliverRequest{
		Runtime: "tmux:main:work.0", TriggerID: "trg_01", ThreadID: "th_01",
		Reason: "r", Prompt: "p",
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodePaneDead, apperrors.CodeOf(err))
	assert.True(t, apperrors.IsRetryable(err))
	details := apperrors.DetailsOf(err)
	assert.Equal(t, "4321", details["panePid"])
	assert.Equal(t, "bash", details["paneCommand"])
}

func TestDeliverSendKeysError(t *testing.T) {
	commander := &fakeCommander{probeOutput: "0|1234|codex", runErr: errors.New("exit status 1")}
	adapter := NewAdapterWithCommander(commander, logger.Default())

	err := adapter.Deliver(context.Background(), DeliverRequest{
		Runtime: "tmux:main:work.0", TriggerID: "trg_01", ThreadID: "th_01",
		Reason: "r", Prompt: "p",
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeSendKeysError, apperrors.CodeOf(err))
	assert.True(t, apperrors.IsRetryable(err))
}
