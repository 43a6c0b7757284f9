package consensus

import (
	"slices"
	"strings"
	"time"

	"github.com/Iron-Ham/switchboard/internal/errors"
)

// Option is a voter's choice within a round.
type Option string

const (
	// OptionA selects the round's first option.
	OptionA Option = "a"

	// OptionB selects the round's second option.
	OptionB Option = "b"

	// OptionAbstain records participation without a preference.
	OptionAbstain Option = "abstain"
)

// Strategy selects how a round's votes are tallied.
type Strategy string

const (
	// SimpleMajority ranks options by raw vote count.
	SimpleMajority Strategy = "simple_majority"

	// EvidenceBased ranks options by the sum of evidence*confidence over
	// their votes.
	EvidenceBased Strategy = "evidence_based"
)

// Strategies returns every supported strategy.
func Strategies() []Strategy {
	return []Strategy{SimpleMajority, EvidenceBased}
}

// ParseStrategy converts a configuration string to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	st := Strategy(strings.ToLower(strings.TrimSpace(strings.ReplaceAll(s, "-", "_"))))
	if slices.Contains(Strategies(), st) {
		return st, nil
	}
	return "", errors.NewValidationError("unknown consensus strategy").WithField("strategy").WithValue(s)
}

// RoundStatus is the lifecycle state of a voting round.
type RoundStatus string

const (
	// StatusOpen accepts votes.
	StatusOpen RoundStatus = "open"

	// StatusClosed has a retained Result and accepts no votes.
	StatusClosed RoundStatus = "closed"

	// StatusAborted means the vote request reached no agent.
	StatusAborted RoundStatus = "aborted"
)

// Vote is one agent's ballot in a round.
type Vote struct {
	AgentID    string    `json:"agent_id"`
	Option     Option    `json:"option"`
	Confidence float64   `json:"confidence"`
	Evidence   []string  `json:"evidence,omitempty"`
	Rationale  string    `json:"rationale,omitempty"`
	CastAt     time.Time `json:"cast_at"`
}

// Round is a voting round between two options.
type Round struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Initiator string          `json:"initiator"`
	OptionA   string          `json:"option_a"`
	OptionB   string          `json:"option_b"`
	Eligible  []string        `json:"eligible"`
	Strategy  Strategy        `json:"strategy"`
	OpenedAt  time.Time       `json:"opened_at"`
	Deadline  time.Time       `json:"deadline"`
	Status    RoundStatus     `json:"status"`
	Reached   []string        `json:"reached,omitempty"`
	Unreached []string        `json:"unreached,omitempty"`
	Votes     map[string]Vote `json:"votes,omitempty"`
	Result    *Result         `json:"result,omitempty"`
}

// Label returns the option text for o, or "abstain".
func (r Round) Label(o Option) string {
	switch o {
	case OptionA:
		return r.OptionA
	case OptionB:
		return r.OptionB
	default:
		return string(OptionAbstain)
	}
}

// resolveOption maps an option label or the letters a/b to an Option.
func (r Round) resolveOption(s string) (Option, bool) {
	s = strings.TrimSpace(s)
	switch {
	case s == r.OptionA:
		return OptionA, true
	case s == r.OptionB:
		return OptionB, true
	case strings.EqualFold(s, string(OptionAbstain)):
		return OptionAbstain, true
	case strings.EqualFold(s, string(OptionA)):
		return OptionA, true
	case strings.EqualFold(s, string(OptionB)):
		return OptionB, true
	}
	return "", false
}

// IsEligible reports whether agentID may vote.
func (r Round) IsEligible(agentID string) bool {
	return slices.Contains(r.Eligible, agentID)
}

// Expired reports whether the deadline has passed.
func (r Round) Expired(now time.Time) bool {
	return !r.Deadline.IsZero() && !now.Before(r.Deadline)
}

// Tally is one option's aggregate over a round's votes.
type Tally struct {
	Votes         int     `json:"votes"`
	Score         float64 `json:"score"`
	EvidenceCount int     `json:"evidence_count"`
	ConfidenceSum float64 `json:"confidence_sum"`
}

// AverageConfidence returns the mean confidence of the option's votes.
func (t Tally) AverageConfidence() float64 {
	if t.Votes == 0 {
		return 0
	}
	return t.ConfidenceSum / float64(t.Votes)
}

// Tie-break stages recorded in Result.TieBreak.
const (
	TieBreakEvidence   = "evidence_count"
	TieBreakConfidence = "average_confidence"
	TieBreakAlphabetic = "alphabetical"
)

// Result is the retained outcome of a closed round. Winner is empty when
// no agent voted for either option.
type Result struct {
	VoteID      string           `json:"vote_id"`
	Topic       string           `json:"topic"`
	OptionA     string           `json:"option_a"`
	OptionB     string           `json:"option_b"`
	Winner      string           `json:"winner"`
	Strategy    Strategy         `json:"strategy"`
	Tallies     map[string]Tally `json:"tallies"`
	TieBroken   bool             `json:"tie_broken"`
	TieBreak    string           `json:"tie_break,omitempty"`
	TotalVotes  int              `json:"total_votes"`
	Abstentions int              `json:"abstentions"`
	ClosedAt    time.Time        `json:"closed_at"`
}
