package ack

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Iron-Ham/switchboard/internal/errors"
	"github.com/Iron-Ham/switchboard/internal/event"
	"github.com/Iron-Ham/switchboard/internal/logging"
	"github.com/Iron-Ham/switchboard/internal/mailbox"
)

// Defaults for the retry policy.
const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 3

	// EscalationPrefix marks the content of an escalation broadcast.
	EscalationPrefix = "[ESCALATION]"

	// markerRetention keeps acknowledgment markers around long enough to
	// outlive any in-flight retry pass.
	markerRetention = 24 * time.Hour

	// claimAbandonAfter is how long a retry stage claim may sit before it
	// is presumed left by a crashed scheduler.
	claimAbandonAfter = 2 * time.Minute
)

// Sender is the part of the messaging substrate the tracker needs.
// *mailbox.Substrate implements it.
type Sender interface {
	SendMessage(ctx context.Context, msg mailbox.Message) (*mailbox.Message, error)
	BroadcastMessage(ctx context.Context, msg mailbox.Message, excludeSelf bool) (*mailbox.Message, mailbox.BroadcastResult, error)
}

// Tracker records messages awaiting acknowledgment and drives their retry
// and escalation. It never blocks callers waiting for an ack; a scheduler
// calls ProcessRetries periodically.
type Tracker struct {
	sender     Sender
	store      *PendingStore
	timeout    time.Duration
	maxRetries int
	escalate   bool
	now        func() time.Time
	logger     *logging.Logger
	bus        *event.Bus
}

// NewTracker creates a Tracker.
func NewTracker(sender Sender, store *PendingStore, opts ...Option) *Tracker {
	t := &Tracker{
		sender:     sender,
		store:      store,
		timeout:    DefaultTimeout,
		maxRetries: DefaultMaxRetries,
		escalate:   true,
		now:        time.Now,
		logger:     logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.WithComponent("ack")
	return t
}

// MaxRetries returns the retry limit.
func (t *Tracker) MaxRetries() int { return t.maxRetries }

// SendWithAck sends a message and records it as awaiting acknowledgment
// within timeout (the tracker default when zero). When the first delivery
// fails, the message is still tracked so retries happen, and the id is
// returned together with the delivery error.
func (t *Tracker) SendWithAck(ctx context.Context, from, to string, typ mailbox.MessageType, content string, timeout time.Duration) (string, error) {
	if typ == mailbox.MessageAck {
		return "", errors.NewValidationError("acknowledgments are not themselves acknowledged").WithField("type")
	}
	if timeout <= 0 {
		timeout = t.timeout
	}

	msg, sendErr := t.sender.SendMessage(ctx, mailbox.Message{From: from, To: to, Type: typ, Content: content})
	if msg == nil {
		return "", sendErr
	}

	now := t.now()
	p := PendingAck{
		MessageID:   msg.ID,
		Sender:      from,
		Recipient:   to,
		Payload:     *msg,
		SentAt:      now,
		Timeout:     timeout,
		NextRetryAt: now.Add(timeout),
		State:       StatePending,
	}
	if sendErr != nil {
		p.LastError = sendErr.Error()
	}
	if err := t.store.Save(p); err != nil {
		return msg.ID, errors.Join(sendErr, err)
	}
	t.logger.WithAgent(from).Debug("awaiting acknowledgment",
		"message_id", msg.ID, "recipient", to, "deadline", p.NextRetryAt)
	return msg.ID, sendErr
}

// ReceiveAck removes the PendingAck for messageID if ackingAgent is its
// recipient. It reports whether a match was found and removed.
func (t *Tracker) ReceiveAck(messageID, ackingAgent string) (bool, error) {
	p, err := t.store.Load(messageID)
	if errors.Is(err, errors.ErrAckNotPending) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if p.Recipient != ackingAgent {
		t.logger.Debug("ack from non-recipient ignored",
			"message_id", messageID, "recipient", p.Recipient, "acked_by", ackingAgent)
		return false, nil
	}
	if err := p.transition(StateAcknowledged); err != nil {
		return false, err
	}

	marked, err := t.store.MarkAcknowledged(messageID, ackingAgent)
	if err != nil || !marked {
		return false, err
	}
	if err := t.store.Delete(messageID); err != nil {
		t.logger.Warn("acknowledged record not removed", "message_id", messageID, "error", err.Error())
	}

	t.logger.WithAgent(ackingAgent).Info("message acknowledged",
		"message_id", messageID, "retries", p.RetryCount)
	t.bus.Publish(event.NewAckReceivedEvent(messageID, ackingAgent))
	return true, nil
}

// HandleIncoming consumes an ACK message: its content is the id of the
// acknowledged message and its sender the acknowledging agent. Other
// message types are ignored.
func (t *Tracker) HandleIncoming(msg mailbox.Message) (bool, error) {
	if msg.Type != mailbox.MessageAck {
		return false, nil
	}
	return t.ReceiveAck(strings.TrimSpace(msg.Content), msg.From)
}

// Acknowledge sends an ACK for msg from agentID back to msg's sender.
func (t *Tracker) Acknowledge(ctx context.Context, agentID string, msg mailbox.Message) error {
	_, err := t.sender.SendMessage(ctx, mailbox.Message{
		From:    agentID,
		To:      msg.From,
		Type:    mailbox.MessageAck,
		Content: msg.ID,
	})
	return err
}

// Pending returns every unacknowledged message, oldest first.
func (t *Tracker) Pending() ([]PendingAck, error) {
	return t.store.List()
}

// Status returns the PendingAck for messageID.
func (t *Tracker) Status(messageID string) (*PendingAck, error) {
	p, err := t.store.Load(messageID)
	if errors.Is(err, errors.ErrAckNotPending) {
		return nil, errors.NewNotFoundError("pending ack", messageID).WithCause(err)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ProcessRetries handles every PendingAck whose deadline has passed:
// resending it while retries remain, otherwise escalating it to a
// broadcast and removing it. Each stage is claimed first, so when several
// schedulers share the pending directory only one acts on it. Per-message
// failures are reported in the Report; the error is reserved for store
// failures.
func (t *Tracker) ProcessRetries(ctx context.Context) (Report, error) {
	var report Report
	pending, err := t.store.List()
	if err != nil {
		return report, err
	}

	now := t.now()
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !p.Due(now) {
			continue
		}
		res, handled, err := t.processStage(ctx, p, now)
		if handled {
			report.Processed++
			report.Results = append(report.Results, res)
		}
		if err != nil {
			return report, err
		}
	}

	if _, err := t.store.SweepMarkers(now, markerRetention); err != nil {
		t.logger.Warn("marker sweep failed", "error", err.Error())
	}
	return report, nil
}

// processStage claims p's current stage and, if the record is still at
// that stage and due, resends or escalates it. handled is false when
// another process owns the stage or already moved past it.
func (t *Tracker) processStage(ctx context.Context, p PendingAck, now time.Time) (Result, bool, error) {
	stage := p.RetryCount
	claimed, err := t.store.Claim(p.MessageID, stage, now, claimAbandonAfter)
	if err != nil || !claimed {
		if err == nil {
			t.logger.Debug("retry stage claimed elsewhere", "message_id", p.MessageID, "retry", stage)
		}
		return Result{}, false, err
	}
	defer func() {
		if err := t.store.ReleaseClaim(p.MessageID, stage); err != nil {
			t.logger.Warn("retry claim not released", "message_id", p.MessageID, "error", err.Error())
		}
	}()

	// Re-read under the claim: the listing may predate another process's
	// pass over this message.
	cur, err := t.store.Load(p.MessageID)
	if errors.Is(err, errors.ErrAckNotPending) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, err
	}
	if cur.RetryCount != stage || !cur.Due(now) {
		return Result{}, false, nil
	}

	var res Result
	if cur.RetryCount < t.maxRetries {
		res, err = t.retry(ctx, cur, now)
	} else {
		res, err = t.finish(ctx, cur)
	}
	return res, true, err
}

func (t *Tracker) retry(ctx context.Context, p PendingAck, now time.Time) (Result, error) {
	res := Result{MessageID: p.MessageID, Recipient: p.Recipient}
	log := t.logger.WithAgent(p.Sender).With("message_id", p.MessageID, "recipient", p.Recipient)

	_, sendErr := t.sender.SendMessage(ctx, p.Payload)

	// A transient failure on the sending side says nothing about the
	// recipient, so it defers the attempt without spending a retry. An
	// unreachable recipient still counts.
	if errors.IsRetryable(sendErr) && !errors.Is(sendErr, errors.ErrDeliveryFailed) {
		wait := Backoff(p.Timeout, p.RetryCount)
		var rl *errors.RateLimitError
		if errors.As(sendErr, &rl) {
			wait = rl.RetryAfter
		}
		p.NextRetryAt = now.Add(wait)
		p.LastError = sendErr.Error()
		res.Outcome, res.RetryCount, res.Err = OutcomeDeferred, p.RetryCount, sendErr
		log.Info("retry deferred", "retry_after", wait.String(), "error", sendErr.Error())
		return res, t.commit(p)
	}

	if err := p.transition(StateRetrying); err != nil {
		return res, err
	}
	p.RetryCount++
	p.NextRetryAt = now.Add(Backoff(p.Timeout, p.RetryCount))
	p.LastError = ""
	res.Outcome, res.RetryCount = OutcomeRetried, p.RetryCount
	if sendErr != nil {
		p.LastError = sendErr.Error()
		res.Outcome, res.Err = OutcomeRetryFailed, sendErr
		log.Warn("retry delivery failed", "retry", p.RetryCount, "error", sendErr.Error())
	} else {
		log.Info("message retried", "retry", p.RetryCount, "next_retry_at", p.NextRetryAt)
	}
	t.bus.Publish(event.NewAckRetriedEvent(p.MessageID, p.Recipient, p.RetryCount, p.NextRetryAt))
	return res, t.commit(p)
}

// commit writes p back unless it was acknowledged meanwhile.
func (t *Tracker) commit(p PendingAck) error {
	if t.store.Acknowledged(p.MessageID) {
		return t.store.Delete(p.MessageID)
	}
	if err := t.store.Save(p); err != nil {
		return err
	}
	if t.store.Acknowledged(p.MessageID) {
		return t.store.Delete(p.MessageID)
	}
	return nil
}

// finish escalates (or drops) a PendingAck whose retries are exhausted.
func (t *Tracker) finish(ctx context.Context, p PendingAck) (Result, error) {
	res := Result{MessageID: p.MessageID, Recipient: p.Recipient, RetryCount: p.RetryCount}
	log := t.logger.WithAgent(p.Sender).With("message_id", p.MessageID, "recipient", p.Recipient)
	if err := p.transition(StateEscalated); err != nil {
		return res, err
	}

	if !t.escalate {
		res.Outcome = OutcomeDropped
		log.Warn("retries exhausted, dropping message", "retries", p.RetryCount)
		t.bus.Publish(event.NewAckEscalatedEvent(p.MessageID, p.Recipient, p.RetryCount))
		return res, t.store.Delete(p.MessageID)
	}

	_, result, err := t.sender.BroadcastMessage(ctx, escalationMessage(p), true)
	if err == nil && len(result.Delivered()) == 0 {
		err = errors.NewDeliveryError(mailbox.BroadcastRecipient, fmt.Errorf("escalation reached no agents"))
	}
	if err != nil {
		res.Outcome, res.Err = OutcomeFailed, err
		log.Error("escalation failed, will retry next pass", "error", err.Error())
		return res, nil
	}

	res.Outcome = OutcomeEscalated
	res.Err = errors.NewEscalationError(p.MessageID, p.Recipient, p.RetryCount)
	log.Warn("retries exhausted, escalated to all agents",
		"retries", p.RetryCount, "reached", len(result.Delivered()), "unreached", result.Failed())
	t.bus.Publish(event.NewAckEscalatedEvent(p.MessageID, p.Recipient, p.RetryCount))
	return res, t.store.Delete(p.MessageID)
}

func escalationMessage(p PendingAck) mailbox.Message {
	header := fmt.Sprintf("%s no ack from %s after %d retries: ", EscalationPrefix, p.Recipient, p.RetryCount)
	content := p.Payload.Content
	if room := mailbox.MaxContentBytes - len(header); len(content) > room {
		content = strings.ToValidUTF8(content[:room], "")
	}
	return mailbox.Message{
		From:    p.Sender,
		Type:    p.Payload.Type,
		Content: header + content,
		Metadata: map[string]string{
			mailbox.MetaEscalation: "true",
			mailbox.MetaOriginalID: p.MessageID,
			mailbox.MetaOriginalTo: p.Recipient,
			mailbox.MetaRetries:    strconv.Itoa(p.RetryCount),
		},
	}
}
