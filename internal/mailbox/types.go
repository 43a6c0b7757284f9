package mailbox

import (
	"strings"
	"time"

	"github.com/Iron-Ham/switchboard/internal/errors"
)

// MessageType identifies the kind of inter-agent message.
type MessageType string

const (
	// MessageInfo shares a finding or status update.
	MessageInfo MessageType = "INFO"

	// MessageQuestion requests help from another agent.
	MessageQuestion MessageType = "QUESTION"

	// MessageReviewRequest asks another agent to review a change.
	MessageReviewRequest MessageType = "REVIEW_REQUEST"

	// MessageBlocked reports that the sender cannot proceed.
	MessageBlocked MessageType = "BLOCKED"

	// MessageCompleted reports that a unit of work is done.
	MessageCompleted MessageType = "COMPLETED"

	// MessageChallenge disagrees with an approach and presents an alternative.
	MessageChallenge MessageType = "CHALLENGE"

	// MessageAck confirms receipt of an earlier message. Its content is the
	// acknowledged message id.
	MessageAck MessageType = "ACK"
)

// BroadcastRecipient is the "to" value for messages intended for all agents.
const BroadcastRecipient = "broadcast"

// Metadata keys set by switchboard itself.
const (
	MetaEscalation   = "escalation"
	MetaOriginalID   = "original_id"
	MetaOriginalTo   = "original_to"
	MetaRetries      = "retries"
	MetaVoteID       = "vote_id"
	MetaVoteOptionA  = "option_a"
	MetaVoteOptionB  = "option_b"
	MetaVoteDeadline = "deadline"
)

var messageTypes = []MessageType{
	MessageInfo,
	MessageQuestion,
	MessageReviewRequest,
	MessageBlocked,
	MessageCompleted,
	MessageChallenge,
	MessageAck,
}

// MessageTypes returns every message type in declaration order.
func MessageTypes() []MessageType {
	return append([]MessageType(nil), messageTypes...)
}

// Valid reports whether t is one of the seven known message types.
func (t MessageType) Valid() bool {
	for _, known := range messageTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseMessageType converts a case-insensitive name ("info", "review-request")
// into a MessageType.
func ParseMessageType(s string) (MessageType, error) {
	t := MessageType(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")))
	if !t.Valid() {
		return "", errors.NewValidationError("unknown message type").WithField("type").WithValue(s)
	}
	return t, nil
}

// Message is a single inter-agent communication. Signature authenticates
// From, To, Type, Content and Timestamp; Metadata is advisory.
type Message struct {
	ID        string            `json:"id"`
	From      string            `json:"from"`
	To        string            `json:"to"`
	Type      MessageType       `json:"type"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Signature string            `json:"signature,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// IsBroadcast returns true if the message is addressed to all agents.
func (m Message) IsBroadcast() bool {
	return m.To == BroadcastRecipient
}

// IsEscalation reports whether the message is an escalation broadcast.
func (m Message) IsEscalation() bool {
	return m.Metadata[MetaEscalation] == "true"
}
