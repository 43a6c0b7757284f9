package mailbox

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/Iron-Ham/switchboard/internal/errors"
)

// fieldSeparator joins the signed fields. It cannot appear in a validated
// agent id or message type, and content is the only free-form field.
const fieldSeparator = "\x1f"

// SecretBytes is the length of a generated shared secret.
const SecretBytes = 32

// Signer computes and verifies HMAC-SHA256 message tags under a secret
// shared by every agent.
type Signer struct {
	secret        []byte
	allowUnsigned bool
}

// NewSigner creates a Signer. When allowUnsigned is true, messages with no
// signature at all pass Verify; forged signatures never do.
func NewSigner(secret []byte, allowUnsigned bool) (*Signer, error) {
	if len(secret) == 0 {
		return nil, errors.NewValidationError("signing secret is empty").WithField("messaging.secret")
	}
	return &Signer{secret: append([]byte(nil), secret...), allowUnsigned: allowUnsigned}, nil
}

// GenerateSecret returns a random hex-encoded secret.
func GenerateSecret() (string, error) {
	buf := make([]byte, SecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "generate secret")
	}
	return hex.EncodeToString(buf), nil
}

// AllowsUnsigned reports whether unsigned messages are accepted.
func (s *Signer) AllowsUnsigned() bool { return s.allowUnsigned }

func canonical(msg Message) []byte {
	return []byte(strings.Join([]string{
		msg.From,
		msg.To,
		string(msg.Type),
		msg.Content,
		msg.Timestamp.UTC().Format(time.RFC3339Nano),
	}, fieldSeparator))
}

func (s *Signer) tag(msg Message) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(canonical(msg))
	return mac.Sum(nil)
}

// Sign sets msg.Signature.
func (s *Signer) Sign(msg *Message) {
	msg.Signature = hex.EncodeToString(s.tag(*msg))
}

// Verify checks msg.Signature in constant time.
func (s *Signer) Verify(msg Message) error {
	if msg.Signature == "" {
		if s.allowUnsigned {
			return nil
		}
		return errors.NewSignatureError(msg.ID, msg.From, "message is unsigned")
	}
	got, err := hex.DecodeString(msg.Signature)
	if err != nil {
		return errors.NewSignatureError(msg.ID, msg.From, "signature is not hex")
	}
	if !hmac.Equal(got, s.tag(msg)) {
		return errors.NewSignatureError(msg.ID, msg.From, "signature mismatch")
	}
	return nil
}
