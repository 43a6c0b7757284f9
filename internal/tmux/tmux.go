// Package tmux delivers switchboard messages into tmux panes.
//
// Each agent typically runs in its own pane; its directory address is a
// tmux target such as "work:2.1". Text is typed with "send-keys -l" so
// tmux never interprets it as key names, and the mailbox package renders
// it as a single commented line so the program in the pane treats it as
// data.
//
// An empty socket name talks to the user's default tmux server; a
// non-empty one selects an isolated server with "-L".
package tmux

import (
	"context"
	"os/exec"
)

// SocketName is the conventional socket for switchboard-managed sessions.
const SocketName = "switchboard"

// CommandArgsWithSocket returns tmux arguments for socket. An empty socket
// uses the default server.
func CommandArgsWithSocket(socket string, args ...string) []string {
	return append(BaseArgsWithSocket(socket), args...)
}

// BaseArgsWithSocket returns the socket selection arguments, [-L, socket],
// or none for the default server.
func BaseArgsWithSocket(socket string) []string {
	if socket == "" {
		return []string{}
	}
	return []string{"-L", socket}
}

// CommandContextWithSocket creates a context-aware exec.Cmd for tmux on
// socket.
func CommandContextWithSocket(ctx context.Context, socket string, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, "tmux", CommandArgsWithSocket(socket, args...)...)
}

// Runner executes a tmux command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, args ...string) ([]byte, error)
}

// ExecRunner runs the tmux binary on a socket.
type ExecRunner struct {
	Socket string
}

// Run implements Runner.
func (r ExecRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	return CommandContextWithSocket(ctx, r.Socket, args...).CombinedOutput()
}
