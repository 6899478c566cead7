package fallback

import (
	"context"
	"os/exec"
	"syscall"
)

// LaunchResult reports one process launch attempt.
type LaunchResult struct {
	Started      bool
	PID          int
	ErrorMessage string
}

// Launcher starts agent processes. Tests substitute a fake.
type Launcher interface {
	Launch(ctx context.Context, argv []string) LaunchResult
}

// ProcessLauncher starts detached child processes with exec.Command.
type ProcessLauncher struct{}

// NewProcessLauncher creates the real process launcher.
func NewProcessLauncher() *ProcessLauncher {
	return &ProcessLauncher{}
}

// Launch starts argv in its own process group so the child outlives the
// supervisor's own signal handling.
func (l *ProcessLauncher) Launch(ctx context.Context, argv []string) LaunchResult {
	if len(argv) == 0 {
		return LaunchResult{ErrorMessage: "empty argv"}
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return LaunchResult{ErrorMessage: err.Error()}
	}
	pid := cmd.Process.Pid
	go func() {
		// Reap the child so it never lingers as a zombie.
		_ = cmd.Wait()
	}()
	return LaunchResult{Started: true, PID: pid}
}
