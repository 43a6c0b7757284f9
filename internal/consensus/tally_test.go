package consensus

import (
	"math"
	"testing"
	"time"
)

func roundWith(votes ...Vote) Round {
	r := Round{ID: "vote-1", Topic: "hashing", OptionA: "bcrypt", OptionB: "argon2", Votes: map[string]Vote{}}
	for _, v := range votes {
		r.Votes[v.AgentID] = v
	}
	return r
}

func evidence(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "item"
	}
	return out
}

func TestDecide_EvidenceScoreIsAdditive(t *testing.T) {
	votes := []Vote{
		{AgentID: "agent-1", Option: OptionA, Confidence: 0.9, Evidence: evidence(3)},
		{AgentID: "agent-2", Option: OptionA, Confidence: 0.8, Evidence: evidence(2)},
		{AgentID: "agent-3", Option: OptionA, Confidence: 0.7, Evidence: evidence(1)},
	}
	want := 3*0.9 + 2*0.8 + 1*0.7

	orders := [][]int{{0, 1, 2}, {2, 1, 0}, {1, 2, 0}}
	for _, order := range orders {
		var ordered []Vote
		for _, i := range order {
			ordered = append(ordered, votes[i])
		}
		res := Decide(roundWith(ordered...), EvidenceBased, time.Time{})
		if got := res.Tallies["bcrypt"].Score; math.Abs(got-want) > 1e-9 {
			t.Errorf("order %v: score = %v, want %v", order, got, want)
		}
		if res.Winner != "bcrypt" {
			t.Errorf("order %v: winner = %q", order, res.Winner)
		}
	}
}

func TestDecide_Strategies(t *testing.T) {
	// Two weak votes for bcrypt against one strong vote for argon2.
	r := roundWith(
		Vote{AgentID: "a1", Option: OptionA, Confidence: 0.5, Evidence: evidence(1)},
		Vote{AgentID: "a2", Option: OptionA, Confidence: 0.5, Evidence: evidence(1)},
		Vote{AgentID: "a3", Option: OptionB, Confidence: 1.0, Evidence: evidence(4)},
	)

	tests := []struct {
		strategy Strategy
		want     string
	}{
		{SimpleMajority, "bcrypt"},
		{EvidenceBased, "argon2"},
	}
	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			res := Decide(r, tt.strategy, time.Time{})
			if res.Winner != tt.want {
				t.Errorf("winner = %q, want %q", res.Winner, tt.want)
			}
			if res.Strategy != tt.strategy || res.Topic != "hashing" {
				t.Errorf("result lost strategy or topic: %+v", res)
			}
			if res.TieBroken {
				t.Error("TieBroken = true without a tie")
			}
		})
	}
}

func TestDecide_TieBreaks(t *testing.T) {
	tests := []struct {
		name     string
		votes    []Vote
		strategy Strategy
		winner   string
		stage    string
	}{
		{
			name: "evidence count",
			votes: []Vote{
				{AgentID: "a1", Option: OptionA, Confidence: 0.5, Evidence: evidence(1)},
				{AgentID: "a2", Option: OptionB, Confidence: 0.5, Evidence: evidence(3)},
			},
			strategy: SimpleMajority,
			winner:   "argon2",
			stage:    TieBreakEvidence,
		},
		{
			name: "average confidence",
			votes: []Vote{
				{AgentID: "a1", Option: OptionA, Confidence: 0.9, Evidence: evidence(2)},
				{AgentID: "a2", Option: OptionB, Confidence: 0.6, Evidence: evidence(2)},
			},
			strategy: SimpleMajority,
			winner:   "bcrypt",
			stage:    TieBreakConfidence,
		},
		{
			name: "alphabetical",
			votes: []Vote{
				{AgentID: "a1", Option: OptionA, Confidence: 0.8, Evidence: evidence(2)},
				{AgentID: "a2", Option: OptionB, Confidence: 0.8, Evidence: evidence(2)},
			},
			strategy: EvidenceBased,
			winner:   "argon2",
			stage:    TieBreakAlphabetic,
		},
		{
			name: "evidence score tie broken by count",
			votes: []Vote{
				// 4*0.5 == 2*1.0
				{AgentID: "a1", Option: OptionA, Confidence: 0.5, Evidence: evidence(4)},
				{AgentID: "a2", Option: OptionB, Confidence: 1.0, Evidence: evidence(2)},
			},
			strategy: EvidenceBased,
			winner:   "bcrypt",
			stage:    TieBreakEvidence,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Decide(roundWith(tt.votes...), tt.strategy, time.Time{})
			if res.Winner != tt.winner {
				t.Errorf("winner = %q, want %q", res.Winner, tt.winner)
			}
			if !res.TieBroken || res.TieBreak != tt.stage {
				t.Errorf("tie break = %v/%q, want %q", res.TieBroken, res.TieBreak, tt.stage)
			}
			// Deterministic across repeated runs.
			for range 10 {
				if again := Decide(roundWith(tt.votes...), tt.strategy, time.Time{}); again.Winner != res.Winner {
					t.Fatalf("non-deterministic winner %q vs %q", again.Winner, res.Winner)
				}
			}
		})
	}
}

func TestDecide_Abstentions(t *testing.T) {
	res := Decide(roundWith(
		Vote{AgentID: "a1", Option: OptionAbstain, Confidence: 1},
		Vote{AgentID: "a2", Option: OptionAbstain, Confidence: 1},
	), SimpleMajority, time.Time{})
	if res.Winner != "" || res.TieBroken {
		t.Errorf("all-abstain result = %+v, want no winner", res)
	}
	if res.TotalVotes != 2 || res.Abstentions != 2 {
		t.Errorf("counts = %d/%d", res.TotalVotes, res.Abstentions)
	}

	res = Decide(roundWith(
		Vote{AgentID: "a1", Option: OptionAbstain, Confidence: 1},
		Vote{AgentID: "a2", Option: OptionB, Confidence: 0.4},
	), SimpleMajority, time.Time{})
	if res.Winner != "argon2" {
		t.Errorf("winner = %q, want argon2", res.Winner)
	}
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in      string
		want    Strategy
		wantErr bool
	}{
		{"simple_majority", SimpleMajority, false},
		{"Evidence-Based", EvidenceBased, false},
		{" evidence_based ", EvidenceBased, false},
		{"ranked", "", true},
	}
	for _, tt := range tests {
		got, err := ParseStrategy(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseStrategy(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestTally_AverageConfidence(t *testing.T) {
	if (Tally{}).AverageConfidence() != 0 {
		t.Error("empty tally average not zero")
	}
	if got := (Tally{Votes: 2, ConfidenceSum: 1.5}).AverageConfidence(); got != 0.75 {
		t.Errorf("average = %v, want 0.75", got)
	}
}
