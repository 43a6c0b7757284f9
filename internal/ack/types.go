package ack

import (
	"fmt"
	"slices"
	"time"

	"github.com/Iron-Ham/switchboard/internal/mailbox"
)

// State is the lifecycle state of a PendingAck.
type State string

const (
	// StatePending indicates the message was sent and no retry has happened.
	StatePending State = "pending"

	// StateRetrying indicates at least one retry was sent.
	StateRetrying State = "retrying"

	// StateEscalated indicates retries were exhausted and the message was
	// broadcast (or dropped, when escalation is disabled).
	StateEscalated State = "escalated"

	// StateAcknowledged indicates the recipient confirmed receipt.
	StateAcknowledged State = "acknowledged"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// IsTerminal returns true if this state ends the PendingAck's life.
func (s State) IsTerminal() bool {
	return s == StateEscalated || s == StateAcknowledged
}

// ValidTransitions lists the states reachable from each state.
var ValidTransitions = map[State][]State{
	StatePending: {
		StateRetrying,     // Deadline passed with retries left
		StateEscalated,    // Deadline passed with no retries allowed
		StateAcknowledged, // Recipient confirmed
	},
	StateRetrying: {
		StateRetrying,     // Another retry
		StateEscalated,    // Retries exhausted
		StateAcknowledged, // Recipient confirmed
	},
	StateEscalated:    {},
	StateAcknowledged: {},
}

// CanTransition checks whether moving from one state to another is valid.
func CanTransition(from, to State) bool {
	targets, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	return slices.Contains(targets, to)
}

// PendingAck is a sent message awaiting confirmation from its recipient.
type PendingAck struct {
	MessageID   string          `json:"message_id"`
	Sender      string          `json:"sender"`
	Recipient   string          `json:"recipient"`
	Payload     mailbox.Message `json:"payload"`
	SentAt      time.Time       `json:"sent_at"`
	Timeout     time.Duration   `json:"timeout"`
	RetryCount  int             `json:"retry_count"`
	NextRetryAt time.Time       `json:"next_retry_at"`
	State       State           `json:"state"`
	LastError   string          `json:"last_error,omitempty"`
}

// transition moves p to state to, rejecting illegal moves.
func (p *PendingAck) transition(to State) error {
	if !CanTransition(p.State, to) {
		return fmt.Errorf("ack %s: invalid transition %s -> %s", p.MessageID, p.State, to)
	}
	p.State = to
	return nil
}

// Due reports whether the next retry deadline has passed.
func (p PendingAck) Due(now time.Time) bool {
	return !now.Before(p.NextRetryAt)
}

// Backoff returns the wait after retry number retries: timeout * 2^retries.
func Backoff(timeout time.Duration, retries int) time.Duration {
	return timeout << uint(retries)
}

// Outcome classifies what ProcessRetries did with one PendingAck.
type Outcome string

const (
	// OutcomeRetried means the message was resent.
	OutcomeRetried Outcome = "retried"

	// OutcomeRetryFailed means a resend was attempted and failed. It still
	// counts toward the retry limit.
	OutcomeRetryFailed Outcome = "retry_failed"

	// OutcomeDeferred means the resend failed transiently on the sending
	// side (rate limit or timeout) and was rescheduled without using a
	// retry.
	OutcomeDeferred Outcome = "deferred"

	// OutcomeEscalated means the message was broadcast to all agents and
	// removed.
	OutcomeEscalated Outcome = "escalated"

	// OutcomeDropped means retries were exhausted with escalation disabled.
	OutcomeDropped Outcome = "dropped"

	// OutcomeFailed means escalation could not reach anyone; the PendingAck
	// is kept for the next pass.
	OutcomeFailed Outcome = "failed"
)

// Result is the outcome for one PendingAck in a pass.
type Result struct {
	MessageID  string
	Recipient  string
	Outcome    Outcome
	RetryCount int
	Err        error
}

// Report summarizes one ProcessRetries pass.
type Report struct {
	Processed int
	Results   []Result
}

// Count returns how many results had outcome o.
func (r Report) Count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}
