package ack

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/switchboard/internal/errors"
	"github.com/Iron-Ham/switchboard/internal/event"
	"github.com/Iron-Ham/switchboard/internal/mailbox"
	"github.com/Iron-Ham/switchboard/internal/testutil"
)

type fixture struct {
	tracker   *Tracker
	substrate *mailbox.Substrate
	transport *testutil.Transport
	directory *testutil.Directory
	limiter   *mailbox.RateLimiter
	store     *PendingStore
	fs        afero.Fs
	clock     *testutil.Clock
	events    *eventLog
}

type eventLog struct {
	mu     sync.Mutex
	events []event.AckEvent
}

func (l *eventLog) handle(e event.Event) {
	if ae, ok := e.(event.AckEvent); ok {
		l.mu.Lock()
		l.events = append(l.events, ae)
		l.mu.Unlock()
	}
}

func (l *eventLog) count(typ string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.EventType() == typ {
			n++
		}
	}
	return n
}

func newFixture(t *testing.T, limit int, opts ...Option) *fixture {
	t.Helper()
	signer, err := mailbox.NewSigner([]byte("test-secret"), false)
	if err != nil {
		t.Fatal(err)
	}
	store, fsys := newMemStore(t)
	f := &fixture{
		fs:        fsys,
		transport: testutil.NewTransport(),
		directory: testutil.NewDirectory("agent-a", "agent-b", "agent-c"),
		limiter:   mailbox.NewRateLimiter(limit, time.Minute),
		store:     store,
		clock:     testutil.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		events:    &eventLog{},
	}
	f.limiter.SetClock(f.clock.Now)
	bus := event.NewBus(nil)
	bus.SubscribeAll(f.events.handle)
	f.substrate = mailbox.NewSubstrate(f.directory, f.transport, signer,
		mailbox.WithRateLimiter(f.limiter),
		mailbox.WithClock(f.clock.Now),
	)
	opts = append([]Option{WithClock(f.clock.Now), WithBus(bus), WithTimeout(30 * time.Second)}, opts...)
	f.tracker = NewTracker(f.substrate, store, opts...)
	return f
}

func (f *fixture) send(t *testing.T) string {
	t.Helper()
	id, err := f.tracker.SendWithAck(context.Background(), "agent-a", "agent-b", mailbox.MessageReviewRequest, "please review auth.py", 0)
	if err != nil {
		t.Fatalf("SendWithAck error = %v", err)
	}
	return id
}

func (f *fixture) process(t *testing.T) Report {
	t.Helper()
	report, err := f.tracker.ProcessRetries(context.Background())
	if err != nil {
		t.Fatalf("ProcessRetries error = %v", err)
	}
	return report
}

func TestTracker_SendWithAck(t *testing.T) {
	f := newFixture(t, 10)
	id := f.send(t)

	p, err := f.tracker.Status(id)
	if err != nil {
		t.Fatalf("Status error = %v", err)
	}
	if p.State != StatePending || p.RetryCount != 0 {
		t.Errorf("state = %s, retries = %d", p.State, p.RetryCount)
	}
	if want := f.clock.Now().Add(30 * time.Second); !p.NextRetryAt.Equal(want) {
		t.Errorf("NextRetryAt = %v, want %v", p.NextRetryAt, want)
	}
	if p.Payload.Signature == "" {
		t.Error("stored payload is unsigned")
	}
	if n := len(f.transport.To(testutil.Address("agent-b"))); n != 1 {
		t.Errorf("deliveries = %d, want 1", n)
	}
}

func TestTracker_RetryThenEscalateOnce(t *testing.T) {
	f := newFixture(t, 10)
	id := f.send(t)

	// Not due yet.
	f.clock.Advance(29 * time.Second)
	if r := f.process(t); r.Processed != 0 {
		t.Fatalf("processed %d before deadline", r.Processed)
	}

	var delays []time.Duration
	for retry := 1; retry <= DefaultMaxRetries; retry++ {
		p, err := f.tracker.Status(id)
		if err != nil {
			t.Fatalf("retry %d: Status error = %v", retry, err)
		}
		f.clock.Advance(p.NextRetryAt.Sub(f.clock.Now()))

		r := f.process(t)
		if r.Count(OutcomeRetried) != 1 {
			t.Fatalf("retry %d: results = %+v", retry, r.Results)
		}
		p, err = f.tracker.Status(id)
		if err != nil {
			t.Fatal(err)
		}
		if p.RetryCount != retry || p.State != StateRetrying {
			t.Errorf("retry %d: count = %d, state = %s", retry, p.RetryCount, p.State)
		}
		delays = append(delays, p.NextRetryAt.Sub(f.clock.Now()))
	}
	for i := 1; i < len(delays); i++ {
		if delays[i] <= delays[i-1] {
			t.Errorf("delays not increasing: %v", delays)
		}
	}
	if n := len(f.transport.To(testutil.Address("agent-b"))); n != 1+DefaultMaxRetries {
		t.Errorf("deliveries to recipient = %d, want %d", n, 1+DefaultMaxRetries)
	}

	f.clock.Advance(delays[len(delays)-1])
	r := f.process(t)
	if r.Count(OutcomeEscalated) != 1 {
		t.Fatalf("escalation results = %+v", r.Results)
	}
	if !errors.Is(r.Results[0].Err, errors.ErrEscalated) {
		t.Errorf("escalation result error = %v, want ErrEscalated", r.Results[0].Err)
	}

	// Escalation reaches everyone except the sender.
	if n := len(f.transport.To(testutil.Address("agent-c"))); n != 1 {
		t.Errorf("escalations to agent-c = %d, want 1", n)
	}
	if n := len(f.transport.To(testutil.Address("agent-a"))); n != 0 {
		t.Errorf("escalation delivered to sender %d times", n)
	}
	last := f.transport.To(testutil.Address("agent-c"))[0].Text
	if !strings.Contains(last, "ESCALATION") {
		t.Errorf("escalation text = %q", last)
	}

	if _, err := f.tracker.Status(id); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("Status after escalation error = %v, want ErrNotFound", err)
	}

	// Later passes do nothing.
	f.clock.Advance(time.Hour)
	if r := f.process(t); r.Processed != 0 {
		t.Errorf("processed %d after escalation", r.Processed)
	}
	if got := f.events.count(event.TypeAckRetried); got != DefaultMaxRetries {
		t.Errorf("retried events = %d, want %d", got, DefaultMaxRetries)
	}
	if got := f.events.count(event.TypeAckEscalated); got != 1 {
		t.Errorf("escalated events = %d, want 1", got)
	}
}

func TestTracker_ReceiveAck(t *testing.T) {
	f := newFixture(t, 10)
	id := f.send(t)

	ok, err := f.tracker.ReceiveAck(id, "agent-c")
	if err != nil || ok {
		t.Errorf("ack from non-recipient = %v, %v; want false, nil", ok, err)
	}
	ok, err = f.tracker.ReceiveAck("unknown-id", "agent-b")
	if err != nil || ok {
		t.Errorf("ack for unknown id = %v, %v; want false, nil", ok, err)
	}

	ok, err = f.tracker.ReceiveAck(id, "agent-b")
	if err != nil || !ok {
		t.Fatalf("ack from recipient = %v, %v; want true, nil", ok, err)
	}
	ok, err = f.tracker.ReceiveAck(id, "agent-b")
	if err != nil || ok {
		t.Errorf("repeated ack = %v, %v; want false, nil", ok, err)
	}

	pending, err := f.tracker.Pending()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("pending after ack = %d", len(pending))
	}

	f.clock.Advance(time.Hour)
	if r := f.process(t); r.Processed != 0 {
		t.Errorf("acknowledged message processed: %+v", r.Results)
	}
	if got := f.events.count(event.TypeAckReceived); got != 1 {
		t.Errorf("received events = %d, want 1", got)
	}
}

func TestTracker_HandleIncoming(t *testing.T) {
	f := newFixture(t, 10)
	id := f.send(t)

	info := mailbox.Message{From: "agent-b", To: "agent-a", Type: mailbox.MessageInfo, Content: id}
	if ok, err := f.tracker.HandleIncoming(info); ok || err != nil {
		t.Errorf("HandleIncoming(INFO) = %v, %v", ok, err)
	}

	ackMsg := mailbox.Message{From: "agent-b", To: "agent-a", Type: mailbox.MessageAck, Content: " " + id + "\n"}
	ok, err := f.tracker.HandleIncoming(ackMsg)
	if err != nil || !ok {
		t.Fatalf("HandleIncoming(ACK) = %v, %v", ok, err)
	}
}

func TestTracker_Acknowledge(t *testing.T) {
	f := newFixture(t, 10)
	original := mailbox.Message{ID: "msg-1", From: "agent-a", To: "agent-b", Type: mailbox.MessageQuestion}

	if err := f.tracker.Acknowledge(context.Background(), "agent-b", original); err != nil {
		t.Fatalf("Acknowledge error = %v", err)
	}
	got := f.transport.To(testutil.Address("agent-a"))
	if len(got) != 1 {
		t.Fatalf("deliveries to sender = %d, want 1", len(got))
	}
	if !strings.Contains(got[0].Text, "ACK") || !strings.Contains(got[0].Text, "msg-1") {
		t.Errorf("ack text = %q", got[0].Text)
	}
}

func TestTracker_SendWithAckRejectsAck(t *testing.T) {
	f := newFixture(t, 10)
	_, err := f.tracker.SendWithAck(context.Background(), "agent-a", "agent-b", mailbox.MessageAck, "x", 0)
	var ve *errors.ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("error = %v, want ValidationError", err)
	}
}

// hookSender runs onSend before forwarding each point-to-point send.
type hookSender struct {
	Sender
	onSend func(mailbox.Message)
}

func (h *hookSender) SendMessage(ctx context.Context, msg mailbox.Message) (*mailbox.Message, error) {
	if h.onSend != nil {
		h.onSend(msg)
	}
	return h.Sender.SendMessage(ctx, msg)
}

func TestTracker_AckDuringRetryIsNotResurrected(t *testing.T) {
	f := newFixture(t, 10)
	hook := &hookSender{Sender: f.substrate}
	f.tracker.sender = hook
	id := f.send(t)

	hook.onSend = func(msg mailbox.Message) {
		if msg.ID != id {
			return
		}
		if ok, err := f.tracker.ReceiveAck(id, "agent-b"); err != nil || !ok {
			t.Errorf("ReceiveAck during retry = %v, %v", ok, err)
		}
	}

	f.clock.Advance(30 * time.Second)
	f.process(t)

	pending, err := f.tracker.Pending()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("acknowledged message resurrected: %+v", pending)
	}
	if _, err := f.store.read(recordName(id)); !errors.Is(err, errors.ErrAckNotPending) {
		t.Errorf("record file still present: %v", err)
	}
}

func TestTracker_FailedDeliveryStillRetriesAndEscalates(t *testing.T) {
	f := newFixture(t, 10, WithMaxRetries(2))
	f.transport.Fail(testutil.Address("agent-b"), nil)

	id, err := f.tracker.SendWithAck(context.Background(), "agent-a", "agent-b", mailbox.MessageBlocked, "need auth.py", 0)
	if id == "" {
		t.Fatalf("no id returned, err = %v", err)
	}
	if !errors.Is(err, errors.ErrDeliveryFailed) {
		t.Errorf("initial error = %v, want ErrDeliveryFailed", err)
	}
	p, err := f.tracker.Status(id)
	if err != nil {
		t.Fatalf("failed send not tracked: %v", err)
	}
	if p.LastError == "" {
		t.Error("LastError not recorded")
	}

	for retry := 1; retry <= 2; retry++ {
		p, _ := f.tracker.Status(id)
		f.clock.Advance(p.NextRetryAt.Sub(f.clock.Now()))
		r := f.process(t)
		if r.Count(OutcomeRetryFailed) != 1 {
			t.Fatalf("retry %d results = %+v", retry, r.Results)
		}
	}

	p, _ = f.tracker.Status(id)
	f.clock.Advance(p.NextRetryAt.Sub(f.clock.Now()))
	r := f.process(t)
	if r.Count(OutcomeEscalated) != 1 {
		t.Errorf("results = %+v, want one escalation", r.Results)
	}
}

func TestTracker_RateLimitedRetryIsDeferred(t *testing.T) {
	f := newFixture(t, 1)
	id := f.send(t)

	f.clock.Advance(30 * time.Second)
	r := f.process(t)
	if r.Count(OutcomeDeferred) != 1 {
		t.Fatalf("results = %+v, want deferred", r.Results)
	}
	if !errors.Is(r.Results[0].Err, errors.ErrRateLimited) {
		t.Errorf("deferred error = %v", r.Results[0].Err)
	}

	p, err := f.tracker.Status(id)
	if err != nil {
		t.Fatal(err)
	}
	if p.RetryCount != 0 || p.State != StatePending {
		t.Errorf("deferral used a retry: count = %d, state = %s", p.RetryCount, p.State)
	}
	if want := f.clock.Now().Add(30 * time.Second); !p.NextRetryAt.Equal(want) {
		t.Errorf("NextRetryAt = %v, want %v", p.NextRetryAt, want)
	}

	f.clock.Advance(30 * time.Second)
	r = f.process(t)
	if r.Count(OutcomeRetried) != 1 {
		t.Errorf("results after window = %+v, want retried", r.Results)
	}
}

func TestTracker_EscalationDisabledDrops(t *testing.T) {
	f := newFixture(t, 10, WithMaxRetries(0), WithEscalation(false))
	id := f.send(t)

	f.clock.Advance(30 * time.Second)
	r := f.process(t)
	if r.Count(OutcomeDropped) != 1 {
		t.Fatalf("results = %+v, want dropped", r.Results)
	}
	if n := len(f.transport.To(testutil.Address("agent-c"))); n != 0 {
		t.Errorf("dropped message broadcast %d times", n)
	}
	if _, err := f.tracker.Status(id); err == nil {
		t.Error("dropped message still pending")
	}
}

func TestTracker_EscalationReachingNobodyIsKept(t *testing.T) {
	f := newFixture(t, 10, WithMaxRetries(0))
	id := f.send(t)

	f.transport.Fail(testutil.Address("agent-b"), nil)
	f.transport.Fail(testutil.Address("agent-c"), nil)
	f.clock.Advance(30 * time.Second)
	r := f.process(t)
	if r.Count(OutcomeFailed) != 1 {
		t.Fatalf("results = %+v, want failed", r.Results)
	}
	if _, err := f.tracker.Status(id); err != nil {
		t.Fatalf("message lost after failed escalation: %v", err)
	}

	f.transport.Heal(testutil.Address("agent-c"))
	r = f.process(t)
	if r.Count(OutcomeEscalated) != 1 {
		t.Errorf("results after heal = %+v, want escalated", r.Results)
	}
}

// recordingSender captures broadcasts instead of delivering them.
type recordingSender struct {
	Sender
	mu         sync.Mutex
	broadcasts []mailbox.Message
}

func (r *recordingSender) BroadcastMessage(_ context.Context, msg mailbox.Message, _ bool) (*mailbox.Message, mailbox.BroadcastResult, error) {
	r.mu.Lock()
	r.broadcasts = append(r.broadcasts, msg)
	r.mu.Unlock()
	return &msg, mailbox.BroadcastResult{"agent-c": nil}, nil
}

func TestTracker_EscalationMessage(t *testing.T) {
	f := newFixture(t, 10, WithMaxRetries(0))
	rec := &recordingSender{Sender: f.substrate}
	f.tracker.sender = rec

	long := strings.Repeat("é", mailbox.MaxContentBytes)
	id, err := f.tracker.SendWithAck(context.Background(), "agent-a", "agent-b", mailbox.MessageQuestion, long[:mailbox.MaxContentBytes-2], 0)
	if err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(30 * time.Second)
	f.process(t)

	if len(rec.broadcasts) != 1 {
		t.Fatalf("broadcasts = %d, want 1", len(rec.broadcasts))
	}
	msg := rec.broadcasts[0]
	if !msg.IsEscalation() {
		t.Error("broadcast not tagged as escalation")
	}
	if msg.Metadata[mailbox.MetaOriginalID] != id || msg.Metadata[mailbox.MetaOriginalTo] != "agent-b" {
		t.Errorf("metadata = %v", msg.Metadata)
	}
	if msg.Metadata[mailbox.MetaRetries] != strconv.Itoa(0) {
		t.Errorf("retries metadata = %q", msg.Metadata[mailbox.MetaRetries])
	}
	if !strings.HasPrefix(msg.Content, EscalationPrefix) {
		t.Errorf("content prefix = %q", msg.Content[:20])
	}
	if len(msg.Content) > mailbox.MaxContentBytes {
		t.Errorf("escalation content = %d bytes, over limit", len(msg.Content))
	}
	if msg.From != "agent-a" || msg.Type != mailbox.MessageQuestion {
		t.Errorf("escalation from/type = %s/%s", msg.From, msg.Type)
	}
}

func TestTracker_StatusUnknown(t *testing.T) {
	f := newFixture(t, 10)
	_, err := f.tracker.Status("missing")
	var nf *errors.NotFoundError
	if !errors.As(err, &nf) {
		t.Errorf("Status error = %v, want NotFoundError", err)
	}
}

func TestTracker_ProcessRetriesCanceled(t *testing.T) {
	f := newFixture(t, 10)
	f.send(t)
	f.clock.Advance(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.tracker.ProcessRetries(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

// stubSender fails every point-to-point send with err.
type stubSender struct {
	Sender
	err error
}

func (s *stubSender) SendMessage(context.Context, mailbox.Message) (*mailbox.Message, error) {
	return nil, s.err
}

func TestTracker_RetryClassifiesSendErrors(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		want        Outcome
		wantRetries int
	}{
		{"timeout defers", errors.NewTimeoutError("send", time.Second), OutcomeDeferred, 0},
		{"unreachable recipient counts", errors.NewDeliveryError("agent-b", errors.New("pane gone")), OutcomeRetryFailed, 1},
		{"bad signature counts", errors.NewSignatureError("m-1", "agent-a", "key mismatch"), OutcomeRetryFailed, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 10)
			id := f.send(t)
			f.tracker.sender = &stubSender{Sender: f.substrate, err: tt.err}

			f.clock.Advance(30 * time.Second)
			r := f.process(t)
			if len(r.Results) != 1 || r.Results[0].Outcome != tt.want {
				t.Fatalf("results = %+v, want %s", r.Results, tt.want)
			}
			if !errors.Is(r.Results[0].Err, tt.err) {
				t.Errorf("result error = %v, want %v", r.Results[0].Err, tt.err)
			}
			p, err := f.tracker.Status(id)
			if err != nil {
				t.Fatal(err)
			}
			if p.RetryCount != tt.wantRetries {
				t.Errorf("RetryCount = %d, want %d", p.RetryCount, tt.wantRetries)
			}
		})
	}
}

// interleavingSender runs during once, from inside the first send or
// broadcast, and counts broadcasts.
type interleavingSender struct {
	Sender
	once       sync.Once
	during     func()
	mu         sync.Mutex
	broadcasts int
}

func (s *interleavingSender) interleave() {
	s.once.Do(func() {
		if s.during != nil {
			s.during()
		}
	})
}

func (s *interleavingSender) SendMessage(ctx context.Context, msg mailbox.Message) (*mailbox.Message, error) {
	s.interleave()
	return s.Sender.SendMessage(ctx, msg)
}

func (s *interleavingSender) BroadcastMessage(ctx context.Context, msg mailbox.Message, excludeSelf bool) (*mailbox.Message, mailbox.BroadcastResult, error) {
	s.interleave()
	s.mu.Lock()
	s.broadcasts++
	s.mu.Unlock()
	return s.Sender.BroadcastMessage(ctx, msg, excludeSelf)
}

func (s *interleavingSender) broadcastCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broadcasts
}

// secondScheduler is another process's tracker over the same pending
// directory.
func (f *fixture) secondScheduler(t *testing.T, sender Sender, opts ...Option) *Tracker {
	t.Helper()
	store, err := NewPendingStore(f.fs, "/pending")
	if err != nil {
		t.Fatal(err)
	}
	opts = append([]Option{WithClock(f.clock.Now)}, opts...)
	return NewTracker(sender, store, opts...)
}

func TestTracker_ConcurrentSchedulersEscalateOnce(t *testing.T) {
	f := newFixture(t, 10, WithMaxRetries(0))
	id := f.send(t)

	other := &interleavingSender{Sender: f.substrate}
	second := f.secondScheduler(t, other, WithMaxRetries(0))
	var secondReport Report
	first := &interleavingSender{Sender: f.substrate, during: func() {
		r, err := second.ProcessRetries(context.Background())
		if err != nil {
			t.Errorf("second ProcessRetries error = %v", err)
		}
		secondReport = r
	}}
	f.tracker.sender = first

	f.clock.Advance(30 * time.Second)
	r := f.process(t)

	if r.Count(OutcomeEscalated) != 1 {
		t.Errorf("first results = %+v, want one escalation", r.Results)
	}
	if secondReport.Processed != 0 {
		t.Errorf("second scheduler handled %+v while the stage was claimed", secondReport.Results)
	}
	if n := first.broadcastCount() + other.broadcastCount(); n != 1 {
		t.Errorf("escalation broadcasts = %d, want exactly 1", n)
	}
	if _, err := f.tracker.Status(id); err == nil {
		t.Error("escalated message still pending")
	}
}

func TestTracker_ConcurrentSchedulersRetryOnce(t *testing.T) {
	f := newFixture(t, 10)
	id := f.send(t)

	second := f.secondScheduler(t, f.substrate)
	first := &interleavingSender{Sender: f.substrate, during: func() {
		if r, err := second.ProcessRetries(context.Background()); err != nil || r.Processed != 0 {
			t.Errorf("second ProcessRetries = %+v, %v; want nothing handled", r, err)
		}
	}}
	f.tracker.sender = first

	f.clock.Advance(30 * time.Second)
	if r := f.process(t); r.Count(OutcomeRetried) != 1 {
		t.Fatalf("results = %+v, want one retry", r.Results)
	}
	if n := len(f.transport.To(testutil.Address("agent-b"))); n != 2 {
		t.Errorf("deliveries = %d, want initial send plus one retry", n)
	}
	if p, _ := f.tracker.Status(id); p == nil || p.RetryCount != 1 {
		t.Errorf("status = %+v, want RetryCount 1", p)
	}
}

func TestTracker_StaleListingSkipsFinishedStage(t *testing.T) {
	f := newFixture(t, 10)
	id := f.send(t)
	f.clock.Advance(30 * time.Second)

	// Another scheduler listed the message at stage 0 before this pass.
	listed, err := f.store.Load(id)
	if err != nil {
		t.Fatal(err)
	}
	f.process(t)

	second := f.secondScheduler(t, f.substrate)
	_, handled, err := second.processStage(context.Background(), listed, f.clock.Now())
	if err != nil || handled {
		t.Errorf("processStage on a stale listing = %v, %v; want skipped", handled, err)
	}
	if n := len(f.transport.To(testutil.Address("agent-b"))); n != 2 {
		t.Errorf("deliveries = %d, want 2", n)
	}
}
