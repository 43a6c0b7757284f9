package consensus

import (
	"math"
	"slices"
	"time"
)

// scoreEpsilon absorbs floating point noise when comparing scores.
const scoreEpsilon = 1e-9

// Decide tallies r's votes under strategy. Votes are summed in agent id
// order, so the result does not depend on arrival order.
func Decide(r Round, strategy Strategy, closedAt time.Time) Result {
	res := Result{
		VoteID:   r.ID,
		Topic:    r.Topic,
		OptionA:  r.OptionA,
		OptionB:  r.OptionB,
		Strategy: strategy,
		Tallies:  map[string]Tally{r.OptionA: {}, r.OptionB: {}},
		ClosedAt: closedAt,
	}

	agents := make([]string, 0, len(r.Votes))
	for id := range r.Votes {
		agents = append(agents, id)
	}
	slices.Sort(agents)

	for _, id := range agents {
		v := r.Votes[id]
		res.TotalVotes++
		if v.Option == OptionAbstain {
			res.Abstentions++
			continue
		}
		label := r.Label(v.Option)
		t := res.Tallies[label]
		t.Votes++
		t.Score += float64(len(v.Evidence)) * v.Confidence
		t.EvidenceCount += len(v.Evidence)
		t.ConfidenceSum += v.Confidence
		res.Tallies[label] = t
	}

	if res.TotalVotes == res.Abstentions {
		return res
	}
	res.Winner, res.TieBreak = rank(r.OptionA, res.Tallies[r.OptionA], r.OptionB, res.Tallies[r.OptionB], strategy)
	res.TieBroken = res.TieBreak != ""
	return res
}

// primary returns the score the strategy ranks by.
func primary(t Tally, strategy Strategy) float64 {
	if strategy == EvidenceBased {
		return t.Score
	}
	return float64(t.Votes)
}

// rank picks the winner between a and b, returning the tie-break stage
// that decided it, or "" when the primary score did.
func rank(a string, ta Tally, b string, tb Tally, strategy Strategy) (winner, tieBreak string) {
	if c := compare(primary(ta, strategy), primary(tb, strategy)); c != 0 {
		return pick(c, a, b), ""
	}
	if c := ta.EvidenceCount - tb.EvidenceCount; c != 0 {
		return pick(c, a, b), TieBreakEvidence
	}
	if c := compare(ta.AverageConfidence(), tb.AverageConfidence()); c != 0 {
		return pick(c, a, b), TieBreakConfidence
	}
	return min(a, b), TieBreakAlphabetic
}

func compare(x, y float64) int {
	if math.Abs(x-y) <= scoreEpsilon {
		return 0
	}
	if x > y {
		return 1
	}
	return -1
}

func pick(c int, a, b string) string {
	if c > 0 {
		return a
	}
	return b
}
