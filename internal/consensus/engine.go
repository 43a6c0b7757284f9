package consensus

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/switchboard/internal/errors"
	"github.com/Iron-Ham/switchboard/internal/event"
	"github.com/Iron-Ham/switchboard/internal/logging"
	"github.com/Iron-Ham/switchboard/internal/mailbox"
)

// Defaults for rounds.
const (
	DefaultTimeout      = 5 * time.Minute
	DefaultPollInterval = 500 * time.Millisecond

	maxTopicBytes     = 1 << 10
	maxRationaleBytes = 4 << 10
)

// Broadcaster sends a vote request to every agent. *mailbox.Substrate
// implements it.
type Broadcaster interface {
	BroadcastMessage(ctx context.Context, msg mailbox.Message, excludeSelf bool) (*mailbox.Message, mailbox.BroadcastResult, error)
}

// Archive permanently records closed rounds.
type Archive interface {
	SaveResult(ctx context.Context, res Result) error
}

// Engine runs voting rounds.
type Engine struct {
	mu           sync.Mutex
	broadcaster  Broadcaster
	store        RoundStore
	archive      Archive
	strategy     Strategy
	timeout      time.Duration
	pollInterval time.Duration
	now          func() time.Time
	logger       *logging.Logger
	bus          *event.Bus
}

// NewEngine creates an Engine. A nil store keeps rounds in memory.
func NewEngine(broadcaster Broadcaster, store RoundStore, opts ...EngineOption) *Engine {
	if store == nil {
		store = NewMemoryStore()
	}
	e := &Engine{
		broadcaster:  broadcaster,
		store:        store,
		strategy:     SimpleMajority,
		timeout:      DefaultTimeout,
		pollInterval: DefaultPollInterval,
		now:          time.Now,
		logger:       logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.WithComponent("consensus")
	return e
}

// Strategy returns the engine's default strategy.
func (e *Engine) Strategy() Strategy { return e.strategy }

// InitiateVote validates the round, opens it and asks every agent to vote.
// If the request reaches no agent the round is aborted and a DeliveryError
// is returned with the round's id.
func (e *Engine) InitiateVote(ctx context.Context, initiator, topic, optionA, optionB string, eligible []string, timeout time.Duration) (string, error) {
	topic, optionA, optionB = strings.TrimSpace(topic), strings.TrimSpace(optionA), strings.TrimSpace(optionB)
	if err := validateRound(initiator, topic, optionA, optionB, eligible, timeout); err != nil {
		return "", err
	}
	if timeout == 0 {
		timeout = e.timeout
	}

	now := e.now()
	r := Round{
		ID:        "vote-" + uuid.NewString(),
		Topic:     topic,
		Initiator: initiator,
		OptionA:   optionA,
		OptionB:   optionB,
		Eligible:  slices.Clone(eligible),
		Strategy:  e.strategy,
		OpenedAt:  now,
		Deadline:  now.Add(timeout),
		Status:    StatusOpen,
	}
	log := e.logger.WithAgent(initiator).With("vote_id", r.ID)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.store.CreateRound(r); err != nil {
		return "", err
	}

	_, result, err := e.broadcaster.BroadcastMessage(ctx, voteRequest(r), true)
	if err == nil && len(result.Delivered()) == 0 {
		err = errors.NewDeliveryError(mailbox.BroadcastRecipient, fmt.Errorf("vote request reached no agents"))
	}
	if err != nil {
		r.Status = StatusAborted
		r.Unreached = result.Failed()
		if saveErr := e.store.SaveRound(r); saveErr != nil {
			log.Error("failed to record aborted round", "error", saveErr.Error())
		}
		log.Warn("vote aborted, request not delivered", "error", err.Error())
		return r.ID, err
	}

	r.Reached, r.Unreached = result.Delivered(), result.Failed()
	if err := e.store.SaveRound(r); err != nil {
		return r.ID, err
	}
	if len(r.Unreached) > 0 {
		log.Warn("vote request partially delivered", "reached", len(r.Reached), "unreached", r.Unreached)
	}
	log.Info("vote opened", "topic", topic, "option_a", optionA, "option_b", optionB,
		"eligible", len(eligible), "deadline", r.Deadline)
	e.bus.Publish(event.NewVoteOpenedEvent(r.ID, topic, len(r.Reached)))
	return r.ID, nil
}

func validateRound(initiator, topic, optionA, optionB string, eligible []string, timeout time.Duration) error {
	if err := mailbox.ValidateAgentID(initiator); err != nil {
		return err
	}
	switch {
	case topic == "":
		return errors.NewValidationError("topic cannot be empty").WithField("topic")
	case len(topic) > maxTopicBytes:
		return errors.NewValidationError("topic too long").WithField("topic")
	case optionA == "" || optionB == "":
		return errors.NewValidationError("options cannot be empty").WithField("options")
	case optionA == optionB:
		return errors.NewValidationError("options must be distinct").WithField("options").WithValue(optionA)
	case strings.EqualFold(optionA, string(OptionAbstain)) || strings.EqualFold(optionB, string(OptionAbstain)):
		return errors.NewValidationError("\"abstain\" is reserved").WithField("options")
	case timeout < 0:
		return errors.NewValidationError("timeout cannot be negative").WithField("timeout").WithValue(timeout)
	}

	seen := make(map[string]bool, len(eligible))
	for _, id := range eligible {
		if err := mailbox.ValidateAgentID(id); err != nil {
			return err
		}
		if seen[id] {
			return errors.NewValidationError("duplicate eligible agent").WithField("eligible").WithValue(id)
		}
		seen[id] = true
	}
	if len(seen) < 2 {
		return errors.NewValidationError("at least two eligible agents required").WithField("eligible")
	}
	return nil
}

func voteRequest(r Round) mailbox.Message {
	return mailbox.Message{
		From: r.Initiator,
		Type: mailbox.MessageQuestion,
		Content: fmt.Sprintf("VOTE %s: %q or %q? eligible: %s. reply: switchboard vote cast %s <option>",
			r.Topic, r.OptionA, r.OptionB, strings.Join(r.Eligible, ","), r.ID),
		Metadata: map[string]string{
			mailbox.MetaVoteID:       r.ID,
			mailbox.MetaVoteOptionA:  r.OptionA,
			mailbox.MetaVoteOptionB:  r.OptionB,
			mailbox.MetaVoteDeadline: r.Deadline.UTC().Format(time.RFC3339),
		},
	}
}

// CastVote records agentID's vote. A second vote by the same agent is
// rejected with ErrDuplicateVote; the first vote stands. option is either
// option's text, "a", "b" or "abstain". Once every eligible agent has voted
// the round closes.
func (e *Engine) CastVote(voteID, agentID, option string, confidence float64, evidence []string, rationale string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, err := e.openRound(voteID)
	if err != nil {
		return false, err
	}
	if !r.IsEligible(agentID) {
		return false, errors.Wrapf(errors.ErrNotEligible, "%s in vote %s", agentID, voteID)
	}
	opt, ok := r.resolveOption(option)
	if !ok {
		return false, errors.NewValidationError("unknown option").WithField("option").WithValue(option)
	}
	if math.IsNaN(confidence) || confidence < 0 || confidence > 1 {
		return false, errors.NewValidationError("confidence must be between 0 and 1").WithField("confidence").WithValue(confidence)
	}
	if len(rationale) > maxRationaleBytes {
		return false, errors.NewValidationError("rationale too long").WithField("rationale")
	}

	v := Vote{
		AgentID:    agentID,
		Option:     opt,
		Confidence: confidence,
		Evidence:   cleanEvidence(evidence),
		Rationale:  strings.TrimSpace(rationale),
		CastAt:     e.now(),
	}
	if err := e.store.AddVote(voteID, v); err != nil {
		if errors.Is(err, errors.ErrDuplicateVote) {
			e.logger.WithAgent(agentID).Info("duplicate vote rejected", "vote_id", voteID)
		}
		return false, err
	}
	e.logger.WithAgent(agentID).Debug("vote cast", "vote_id", voteID, "option", r.Label(opt),
		"confidence", confidence, "evidence", len(v.Evidence))
	e.bus.Publish(event.NewVoteCastEvent(voteID, agentID, r.Label(opt)))

	if len(r.Votes)+1 >= len(r.Eligible) {
		if _, err := e.close(voteID); err != nil {
			e.logger.Error("failed to close round at quorum", "vote_id", voteID, "error", err.Error())
		}
	}
	return true, nil
}

func cleanEvidence(evidence []string) []string {
	var out []string
	for _, item := range evidence {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// openRound loads voteID and verifies it still accepts votes, closing it
// first if its deadline has passed. Callers hold e.mu.
func (e *Engine) openRound(voteID string) (Round, error) {
	r, err := e.store.LoadRound(voteID)
	if err != nil {
		return Round{}, err
	}
	if r.Status == StatusOpen && r.Expired(e.now()) {
		if _, err := e.close(voteID); err != nil {
			return Round{}, err
		}
		r.Status = StatusClosed
	}
	if r.Status != StatusOpen {
		return Round{}, errors.Wrapf(errors.ErrRoundClosed, "vote %s is %s", voteID, r.Status)
	}
	return r, nil
}

// DetermineWinner closes the round and returns its result. Calling it on a
// closed round returns the retained result.
func (e *Engine) DetermineWinner(voteID string) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.close(voteID)
}

// close tallies and closes voteID. Callers hold e.mu.
func (e *Engine) close(voteID string) (*Result, error) {
	r, err := e.store.LoadRound(voteID)
	if err != nil {
		return nil, err
	}
	switch r.Status {
	case StatusClosed:
		return r.Result, nil
	case StatusAborted:
		return nil, errors.Wrapf(errors.ErrRoundClosed, "vote %s was aborted", voteID)
	}

	strategy := r.Strategy
	if strategy == "" {
		strategy = e.strategy
	}
	res := Decide(r, strategy, e.now())
	r.Status = StatusClosed
	r.Result = &res
	if err := e.store.SaveRound(r); err != nil {
		return nil, err
	}

	e.logger.Info("vote closed", "vote_id", voteID, "topic", r.Topic, "winner", res.Winner,
		"strategy", string(strategy), "votes", res.TotalVotes, "tie_broken", res.TieBroken)
	e.bus.Publish(event.NewVoteClosedEvent(voteID, r.Topic, res.Winner))
	if e.archive != nil {
		if err := e.archive.SaveResult(context.Background(), res); err != nil {
			e.logger.Error("failed to archive result", "vote_id", voteID, "error", err.Error())
		}
	}
	return &res, nil
}

// CollectVotes waits until minVotes votes have arrived, then closes the
// round. minVotes <= 0 waits for every eligible agent. When timeout or the
// round's deadline passes first, it returns a TimeoutError carrying the
// number of votes received; the round is left for DetermineWinner.
func (e *Engine) CollectVotes(ctx context.Context, voteID string, timeout time.Duration, minVotes int) (*Result, error) {
	r, err := e.Round(voteID)
	if err != nil {
		return nil, err
	}
	if minVotes <= 0 {
		minVotes = len(r.Eligible)
	}
	if minVotes > len(r.Eligible) {
		return nil, errors.NewValidationError("min votes exceeds eligible agents").WithField("min_votes").WithValue(minVotes)
	}
	if timeout <= 0 {
		timeout = e.timeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		r, err := e.Round(voteID)
		if err != nil {
			return nil, err
		}
		switch {
		case r.Status == StatusAborted:
			return nil, errors.Wrapf(errors.ErrRoundClosed, "vote %s was aborted", voteID)
		case len(r.Votes) >= minVotes:
			return e.DetermineWinner(voteID)
		case r.Status == StatusClosed || r.Expired(e.now()):
			return nil, e.shortfall(voteID, timeout, len(r.Votes), minVotes, nil)
		}

		select {
		case <-ctx.Done():
			return nil, e.shortfall(voteID, timeout, len(r.Votes), minVotes, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (e *Engine) shortfall(voteID string, timeout time.Duration, got, want int, cause error) error {
	e.logger.Warn("vote collection timed out", "vote_id", voteID, "votes", got, "required", want)
	err := errors.NewTimeoutError("collecting votes for "+voteID, timeout).WithProgress(got, want)
	if cause != nil && !errors.Is(cause, context.DeadlineExceeded) {
		err = err.WithCause(cause)
	}
	return err
}

// Round returns a snapshot of voteID.
func (e *Engine) Round(voteID string) (Round, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.LoadRound(voteID)
}

// Rounds returns every round, oldest first.
func (e *Engine) Rounds() ([]Round, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.ListRounds()
}

// History returns the results of every closed round, oldest first.
func (e *Engine) History() ([]Result, error) {
	rounds, err := e.Rounds()
	if err != nil {
		return nil, err
	}
	var out []Result
	for _, r := range rounds {
		if r.Status == StatusClosed && r.Result != nil {
			out = append(out, *r.Result)
		}
	}
	slices.SortStableFunc(out, func(a, b Result) int { return a.ClosedAt.Compare(b.ClosedAt) })
	return out, nil
}

// CloseExpired closes every open round past its deadline and returns how
// many it closed.
func (e *Engine) CloseExpired() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rounds, err := e.store.ListRounds()
	if err != nil {
		return 0, err
	}
	now := e.now()
	closed := 0
	for _, r := range rounds {
		if r.Status != StatusOpen || !r.Expired(now) {
			continue
		}
		if _, err := e.close(r.ID); err != nil {
			return closed, err
		}
		closed++
	}
	return closed, nil
}
