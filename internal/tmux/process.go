package tmux

import (
	"context"
	"strconv"
	"strings"
	"syscall"
)

// PanePID returns the PID of the process running in the pane at address,
// or 0 if the pane does not exist.
func (t *Transport) PanePID(ctx context.Context, address string) int {
	if !ValidTarget(address) {
		return 0
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	output, err := t.runner.Run(ctx, "display-message", "-t", address, "-p", "#{pane_pid}")
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(output)))
	if err != nil {
		return 0
	}
	return pid
}

// Alive reports whether the pane at address exists and its process is
// running.
func (t *Transport) Alive(ctx context.Context, address string) bool {
	return IsProcessAlive(t.PanePID(ctx, address))
}

// IsProcessAlive checks if a process with the given PID exists.
// Uses kill(pid, 0) which checks for process existence without sending a signal.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}
