package mailbox

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/Iron-Ham/switchboard/internal/errors"
)

// MaxContentBytes bounds message content.
const MaxContentBytes = 8 << 10

var agentIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// ValidateAgentID checks that id is a well-formed agent identifier.
func ValidateAgentID(id string) error {
	if !agentIDPattern.MatchString(id) {
		return errors.NewValidationError("malformed agent id").WithField("agent").WithValue(id)
	}
	return nil
}

func validateMessage(msg Message) error {
	if err := ValidateAgentID(msg.From); err != nil {
		return err
	}
	if !msg.IsBroadcast() {
		if err := ValidateAgentID(msg.To); err != nil {
			return errors.NewValidationError("malformed recipient id").WithField("to").WithValue(msg.To)
		}
	}
	if !msg.Type.Valid() {
		return errors.NewValidationError("unknown message type").WithField("type").WithValue(string(msg.Type))
	}
	if strings.TrimSpace(msg.Content) == "" {
		return errors.NewValidationError("message content is empty").WithField("content")
	}
	if len(msg.Content) > MaxContentBytes {
		return errors.NewValidationError("message content too large").WithField("content").WithValue(len(msg.Content))
	}
	if !utf8.ValidString(msg.Content) {
		return errors.NewValidationError("message content is not valid UTF-8").WithField("content")
	}
	return nil
}
