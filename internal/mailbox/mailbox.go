package mailbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/Iron-Ham/switchboard/internal/errors"
	"github.com/Iron-Ham/switchboard/internal/event"
	"github.com/Iron-Ham/switchboard/internal/logging"
)

// defaultMaxConcurrency bounds broadcast fan-out goroutines.
const defaultMaxConcurrency = 8

// Directory resolves agent ids to transport addresses.
type Directory interface {
	Resolve(agentID string) (string, error)
	ListAgents() ([]string, error)
}

// Transport delivers rendered text to an address. Implementations must
// treat text as literal data.
type Transport interface {
	Deliver(ctx context.Context, address, text string) error
}

// MessageTransport is implemented by transports that store the structured
// message, so the receiver can verify its signature. The Substrate prefers
// it over Deliver when available.
type MessageTransport interface {
	DeliverMessage(ctx context.Context, address string, msg Message) error
}

// BroadcastResult maps each recipient to its delivery error (nil on
// success).
type BroadcastResult map[string]error

// Delivered returns the recipients reached, sorted.
func (r BroadcastResult) Delivered() []string {
	var out []string
	for id, err := range r {
		if err == nil {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Failed returns the recipients not reached, sorted.
func (r BroadcastResult) Failed() []string {
	var out []string
	for id, err := range r {
		if err != nil {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// AllDelivered reports whether there was at least one recipient and every
// one was reached.
func (r BroadcastResult) AllDelivered() bool {
	return len(r) > 0 && len(r.Failed()) == 0
}

// Substrate is the messaging pipeline: validate, rate limit, sign, resolve,
// deliver, log. It never retries; that belongs to the ack tracker.
type Substrate struct {
	directory      Directory
	transport      Transport
	signer         *Signer
	limiter        *RateLimiter
	deliveries     *DeliveryLog
	logger         *logging.Logger
	bus            *event.Bus
	now            func() time.Time
	maxConcurrency int
}

// NewSubstrate creates a Substrate.
func NewSubstrate(directory Directory, transport Transport, signer *Signer, opts ...Option) *Substrate {
	s := &Substrate{
		directory:      directory,
		transport:      transport,
		signer:         signer,
		limiter:        NewRateLimiter(DefaultRateLimit, DefaultRateWindow),
		logger:         logging.NopLogger(),
		now:            time.Now,
		maxConcurrency: defaultMaxConcurrency,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithComponent("mailbox")
	return s
}

// Directory returns the directory used to resolve recipients.
func (s *Substrate) Directory() Directory { return s.directory }

// RateLimiter returns the substrate's limiter.
func (s *Substrate) RateLimiter() *RateLimiter { return s.limiter }

// Send builds, signs and delivers a message from one agent to another.
// The returned message is non-nil whenever a message was constructed, even
// if delivery then failed.
func (s *Substrate) Send(ctx context.Context, from, to string, typ MessageType, content string) (*Message, error) {
	return s.SendMessage(ctx, Message{From: from, To: to, Type: typ, Content: content})
}

// SendMessage delivers msg to msg.To. An empty ID or zero Timestamp is
// filled in; an existing ID and Timestamp are kept, so resending a stored
// message reproduces the same signature.
func (s *Substrate) SendMessage(ctx context.Context, msg Message) (*Message, error) {
	if msg.IsBroadcast() {
		return nil, errors.NewValidationError("use Broadcast for broadcast messages").WithField("to")
	}
	if err := s.prepare(&msg); err != nil {
		return nil, err
	}
	log := s.logger.WithAgent(msg.From).With("message_id", msg.ID, "to", msg.To)

	address, err := s.directory.Resolve(msg.To)
	if err != nil {
		s.record(msg, msg.To, "", err)
		log.Warn("recipient not resolved", "error", err.Error())
		return &msg, errors.NewDeliveryError(msg.To, err)
	}
	if err := s.deliver(ctx, address, msg); err != nil {
		s.record(msg, msg.To, address, err)
		log.Warn("delivery failed", "address", address, "error", err.Error())
		return &msg, errors.NewDeliveryError(msg.To, err).WithAddress(address)
	}
	s.record(msg, msg.To, address, nil)
	log.Debug("message delivered", "type", string(msg.Type))
	s.bus.Publish(event.NewMessageSentEvent(msg.ID, msg.From, msg.To, string(msg.Type)))
	return &msg, nil
}

// Broadcast sends content to every known agent, optionally skipping the
// sender. It counts once against the sender's rate limit.
func (s *Substrate) Broadcast(ctx context.Context, from string, typ MessageType, content string, excludeSelf bool) (BroadcastResult, error) {
	_, result, err := s.BroadcastMessage(ctx, Message{From: from, Type: typ, Content: content}, excludeSelf)
	return result, err
}

// BroadcastMessage signs msg once and delivers it to every known agent in
// parallel. Per-recipient failures are reported in the result, not as the
// error; the error covers validation, rate limiting and directory failures.
func (s *Substrate) BroadcastMessage(ctx context.Context, msg Message, excludeSelf bool) (*Message, BroadcastResult, error) {
	msg.To = BroadcastRecipient
	if err := s.prepare(&msg); err != nil {
		return nil, nil, err
	}
	agents, err := s.directory.ListAgents()
	if err != nil {
		return &msg, nil, errors.Wrap(err, "list agents")
	}

	result := make(BroadcastResult, len(agents))
	var mu sync.Mutex
	p := pool.New().WithMaxGoroutines(s.maxConcurrency)
	for _, id := range agents {
		if excludeSelf && id == msg.From {
			continue
		}
		p.Go(func() {
			err := s.deliverTo(ctx, id, msg)
			mu.Lock()
			result[id] = err
			mu.Unlock()
		})
	}
	p.Wait()

	delivered, failed := result.Delivered(), result.Failed()
	log := s.logger.WithAgent(msg.From).With("message_id", msg.ID)
	if len(failed) > 0 {
		log.Warn("broadcast partially delivered", "delivered", len(delivered), "failed", failed)
	} else {
		log.Debug("broadcast delivered", "recipients", len(delivered))
	}
	s.bus.Publish(event.NewBroadcastEvent(msg.From, delivered, failed))
	return &msg, result, nil
}

func (s *Substrate) deliverTo(ctx context.Context, agentID string, msg Message) error {
	address, err := s.directory.Resolve(agentID)
	if err != nil {
		s.record(msg, agentID, "", err)
		return errors.NewDeliveryError(agentID, err)
	}
	if err := s.deliver(ctx, address, msg); err != nil {
		s.record(msg, agentID, address, err)
		return errors.NewDeliveryError(agentID, err).WithAddress(address)
	}
	s.record(msg, agentID, address, nil)
	return nil
}

// prepare validates, rate limits and signs msg in place.
func (s *Substrate) prepare(msg *Message) error {
	if err := validateMessage(*msg); err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now().UTC()
	}
	if err := s.limiter.Allow(msg.From); err != nil {
		s.logger.WithAgent(msg.From).Info("message rate limited", "message_id", msg.ID, "error", err.Error())
		s.recordOutcome(*msg, msg.To, "", OutcomeRejected, err)
		return err
	}
	s.signer.Sign(msg)
	return nil
}

func (s *Substrate) deliver(ctx context.Context, address string, msg Message) error {
	if mt, ok := s.transport.(MessageTransport); ok {
		return mt.DeliverMessage(ctx, address, msg)
	}
	return s.transport.Deliver(ctx, address, Render(msg))
}

func (s *Substrate) record(msg Message, to, address string, err error) {
	outcome := OutcomeDelivered
	if err != nil {
		outcome = OutcomeFailed
	}
	s.recordOutcome(msg, to, address, outcome, err)
}

func (s *Substrate) recordOutcome(msg Message, to, address, outcome string, err error) {
	if s.deliveries == nil {
		return
	}
	rec := DeliveryRecord{
		MessageID: msg.ID,
		From:      msg.From,
		To:        to,
		Address:   address,
		Type:      msg.Type,
		Outcome:   outcome,
		At:        s.now().UTC(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if err := s.deliveries.Append(rec); err != nil {
		s.logger.Error("failed to record delivery", "message_id", msg.ID, "error", err.Error())
	}
}

// Accept verifies an incoming message before it is trusted. Forged and
// (unless configured otherwise) unsigned messages are rejected and logged
// as security events.
func (s *Substrate) Accept(msg Message) error {
	if err := s.signer.Verify(msg); err != nil {
		s.logger.Warn("rejected message failing authentication",
			"security", true,
			"message_id", msg.ID,
			"claimed_sender", msg.From,
			"error", err.Error())
		s.bus.Publish(event.NewMessageRejectedEvent(msg.ID, msg.From, err.Error()))
		return err
	}
	if !msg.Type.Valid() {
		return errors.NewValidationError("unknown message type").WithField("type").WithValue(string(msg.Type))
	}
	return nil
}
