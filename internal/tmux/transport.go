package tmux

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// DefaultCommandTimeout bounds each tmux invocation.
const DefaultCommandTimeout = 2 * time.Second

// targetPattern accepts tmux target syntax (session:window.pane, %id, @id)
// without leading dashes or whitespace.
var targetPattern = regexp.MustCompile(`^[A-Za-z0-9_%@$][A-Za-z0-9_.:%@$-]*$`)

// ValidTarget reports whether address is a usable tmux target.
func ValidTarget(address string) bool {
	return targetPattern.MatchString(address)
}

// Transport types rendered messages into tmux panes. It implements
// mailbox.Transport.
type Transport struct {
	runner  Runner
	timeout time.Duration
}

// NewTransport creates a Transport for the tmux server on socket.
func NewTransport(socket string) *Transport {
	return NewTransportWithRunner(ExecRunner{Socket: socket})
}

// NewTransportWithRunner creates a Transport using runner, which tests use
// to capture commands.
func NewTransportWithRunner(runner Runner) *Transport {
	return &Transport{runner: runner, timeout: DefaultCommandTimeout}
}

// Deliver types text into the pane at address and presses Enter. The text
// is sent with -l after an option terminator, so tmux sends it literally
// even when it looks like a key name or flag.
func (t *Transport) Deliver(ctx context.Context, address, text string) error {
	if !ValidTarget(address) {
		return fmt.Errorf("tmux: invalid target %q", address)
	}
	if strings.ContainsAny(text, "\r\n") {
		return fmt.Errorf("tmux: refusing multi-line text for %s", address)
	}
	if err := t.run(ctx, "send-keys", "-t", address, "-l", "--", text); err != nil {
		return err
	}
	return t.run(ctx, "send-keys", "-t", address, "Enter")
}

func (t *Transport) run(ctx context.Context, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	out, err := t.runner.Run(ctx, args...)
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("tmux %s: %w: %s", args[0], err, msg)
		}
		return fmt.Errorf("tmux %s: %w", args[0], err)
	}
	return nil
}
