package event

import "time"

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a "category.action" identifier, e.g. "lock.acquired".
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// Event type identifiers.
const (
	TypeLockAcquired  = "lock.acquired"
	TypeLockReleased  = "lock.released"
	TypeLockReclaimed = "lock.reclaimed"
	TypeLockConflict  = "lock.conflict"

	TypeMessageSent     = "message.sent"
	TypeMessageRejected = "message.rejected"
	TypeBroadcast       = "message.broadcast"

	TypeAckReceived  = "ack.received"
	TypeAckRetried   = "ack.retried"
	TypeAckEscalated = "ack.escalated"

	TypeVoteOpened = "vote.opened"
	TypeVoteCast   = "vote.cast"
	TypeVoteClosed = "vote.closed"
)

// baseEvent provides common fields for all events.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{eventType: eventType, timestamp: time.Now()}
}

// -----------------------------------------------------------------------------
// Lock Events
// -----------------------------------------------------------------------------

// LockEvent is emitted on lock lifecycle changes. Holder is set on
// conflicts to the agent that owns the blocking lock.
type LockEvent struct {
	baseEvent
	Target string
	Owner  string
	Holder string
	Reason string
	Age    time.Duration
}

// NewLockAcquiredEvent creates a lock.acquired event.
func NewLockAcquiredEvent(target, owner, reason string) LockEvent {
	return LockEvent{baseEvent: newBaseEvent(TypeLockAcquired), Target: target, Owner: owner, Reason: reason}
}

// NewLockReleasedEvent creates a lock.released event.
func NewLockReleasedEvent(target, owner string) LockEvent {
	return LockEvent{baseEvent: newBaseEvent(TypeLockReleased), Target: target, Owner: owner}
}

// NewLockReclaimedEvent creates a lock.reclaimed event for a stale lock.
func NewLockReclaimedEvent(target, previousOwner string, age time.Duration) LockEvent {
	return LockEvent{baseEvent: newBaseEvent(TypeLockReclaimed), Target: target, Holder: previousOwner, Age: age}
}

// NewLockConflictEvent creates a lock.conflict event.
func NewLockConflictEvent(target, requester, holder string, age time.Duration) LockEvent {
	return LockEvent{baseEvent: newBaseEvent(TypeLockConflict), Target: target, Owner: requester, Holder: holder, Age: age}
}

// -----------------------------------------------------------------------------
// Message Events
// -----------------------------------------------------------------------------

// MessageEvent is emitted for point-to-point messaging outcomes.
type MessageEvent struct {
	baseEvent
	MessageID   string
	From        string
	To          string
	MessageType string
	Error       string
}

// NewMessageSentEvent creates a message.sent event.
func NewMessageSentEvent(messageID, from, to, messageType string) MessageEvent {
	return MessageEvent{
		baseEvent:   newBaseEvent(TypeMessageSent),
		MessageID:   messageID,
		From:        from,
		To:          to,
		MessageType: messageType,
	}
}

// NewMessageRejectedEvent creates a message.rejected event for a message
// that failed authentication.
func NewMessageRejectedEvent(messageID, from, reason string) MessageEvent {
	return MessageEvent{
		baseEvent: newBaseEvent(TypeMessageRejected),
		MessageID: messageID,
		From:      from,
		Error:     reason,
	}
}

// BroadcastEvent summarizes a fan-out.
type BroadcastEvent struct {
	baseEvent
	From      string
	Delivered []string
	Failed    []string
}

// NewBroadcastEvent creates a message.broadcast event.
func NewBroadcastEvent(from string, delivered, failed []string) BroadcastEvent {
	return BroadcastEvent{baseEvent: newBaseEvent(TypeBroadcast), From: from, Delivered: delivered, Failed: failed}
}

// Partial reports whether some but not all recipients were reached.
func (e BroadcastEvent) Partial() bool {
	return len(e.Delivered) > 0 && len(e.Failed) > 0
}

// -----------------------------------------------------------------------------
// Acknowledgment Events
// -----------------------------------------------------------------------------

// AckEvent is emitted on acknowledgment state transitions.
type AckEvent struct {
	baseEvent
	MessageID  string
	Recipient  string
	RetryCount int
	NextRetry  time.Time
}

// NewAckReceivedEvent creates an ack.received event.
func NewAckReceivedEvent(messageID, recipient string) AckEvent {
	return AckEvent{baseEvent: newBaseEvent(TypeAckReceived), MessageID: messageID, Recipient: recipient}
}

// NewAckRetriedEvent creates an ack.retried event.
func NewAckRetriedEvent(messageID, recipient string, retryCount int, next time.Time) AckEvent {
	return AckEvent{
		baseEvent:  newBaseEvent(TypeAckRetried),
		MessageID:  messageID,
		Recipient:  recipient,
		RetryCount: retryCount,
		NextRetry:  next,
	}
}

// NewAckEscalatedEvent creates an ack.escalated event.
func NewAckEscalatedEvent(messageID, recipient string, retryCount int) AckEvent {
	return AckEvent{
		baseEvent:  newBaseEvent(TypeAckEscalated),
		MessageID:  messageID,
		Recipient:  recipient,
		RetryCount: retryCount,
	}
}

// -----------------------------------------------------------------------------
// Vote Events
// -----------------------------------------------------------------------------

// VoteEvent is emitted as a consensus round progresses.
type VoteEvent struct {
	baseEvent
	VoteID  string
	Topic   string
	AgentID string
	Option  string
	Winner  string
	Reached int
}

// NewVoteOpenedEvent creates a vote.opened event. Reached is the number of
// agents that received the vote request.
func NewVoteOpenedEvent(voteID, topic string, reached int) VoteEvent {
	return VoteEvent{baseEvent: newBaseEvent(TypeVoteOpened), VoteID: voteID, Topic: topic, Reached: reached}
}

// NewVoteCastEvent creates a vote.cast event.
func NewVoteCastEvent(voteID, agentID, option string) VoteEvent {
	return VoteEvent{baseEvent: newBaseEvent(TypeVoteCast), VoteID: voteID, AgentID: agentID, Option: option}
}

// NewVoteClosedEvent creates a vote.closed event.
func NewVoteClosedEvent(voteID, topic, winner string) VoteEvent {
	return VoteEvent{baseEvent: newBaseEvent(TypeVoteClosed), VoteID: voteID, Topic: topic, Winner: winner}
}
