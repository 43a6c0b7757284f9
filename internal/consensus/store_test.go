package consensus

import (
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/switchboard/internal/errors"
)

func storeImplementations(t *testing.T) map[string]RoundStore {
	t.Helper()
	fileStore, err := NewFileStore(afero.NewMemMapFs(), "/rounds")
	if err != nil {
		t.Fatal(err)
	}
	return map[string]RoundStore{
		"memory": NewMemoryStore(),
		"file":   fileStore,
	}
}

func sampleRound(id string, opened time.Time) Round {
	return Round{
		ID:       id,
		Topic:    "hashing",
		OptionA:  "bcrypt",
		OptionB:  "argon2",
		Eligible: []string{"agent-a", "agent-b"},
		Strategy: SimpleMajority,
		OpenedAt: opened,
		Deadline: opened.Add(time.Minute),
		Status:   StatusOpen,
	}
}

func TestRoundStore_Contract(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for name, store := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.CreateRound(sampleRound("vote-2", base.Add(time.Second))); err != nil {
				t.Fatal(err)
			}
			if err := store.CreateRound(sampleRound("vote-1", base)); err != nil {
				t.Fatal(err)
			}
			if err := store.CreateRound(sampleRound("vote-1", base)); err == nil {
				t.Error("second CreateRound succeeded")
			}

			v := Vote{AgentID: "agent-a", Option: OptionB, Confidence: 0.5, Evidence: []string{"x"}, CastAt: base}
			if err := store.AddVote("vote-1", v); err != nil {
				t.Fatalf("AddVote error = %v", err)
			}
			if err := store.AddVote("vote-1", v); !errors.Is(err, errors.ErrDuplicateVote) {
				t.Errorf("duplicate AddVote error = %v", err)
			}
			if err := store.AddVote("vote-9", v); !errors.Is(err, errors.ErrUnknownRound) {
				t.Errorf("AddVote unknown round error = %v", err)
			}

			r, err := store.LoadRound("vote-1")
			if err != nil {
				t.Fatal(err)
			}
			if got := r.Votes["agent-a"]; got.Option != OptionB || len(got.Evidence) != 1 {
				t.Errorf("loaded vote = %+v", got)
			}

			res := Decide(r, SimpleMajority, base.Add(time.Minute))
			r.Status, r.Result = StatusClosed, &res
			if err := store.SaveRound(r); err != nil {
				t.Fatal(err)
			}
			r, err = store.LoadRound("vote-1")
			if err != nil {
				t.Fatal(err)
			}
			if r.Status != StatusClosed || r.Result == nil || r.Result.Winner != "argon2" {
				t.Errorf("saved round = %s, %+v", r.Status, r.Result)
			}
			if len(r.Votes) != 1 {
				t.Errorf("SaveRound dropped votes: %d", len(r.Votes))
			}

			rounds, err := store.ListRounds()
			if err != nil {
				t.Fatal(err)
			}
			if len(rounds) != 2 || rounds[0].ID != "vote-1" || rounds[1].ID != "vote-2" {
				t.Errorf("ListRounds = %+v", rounds)
			}

			if _, err := store.LoadRound("vote-404"); !errors.Is(err, errors.ErrUnknownRound) {
				t.Errorf("LoadRound missing error = %v", err)
			}
		})
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	if err := s.CreateRound(sampleRound("vote-1", time.Now())); err != nil {
		t.Fatal(err)
	}
	if err := s.AddVote("vote-1", Vote{AgentID: "agent-a", Option: OptionA}); err != nil {
		t.Fatal(err)
	}
	r, _ := s.LoadRound("vote-1")
	delete(r.Votes, "agent-a")
	r.Eligible[0] = "mallory"

	again, _ := s.LoadRound("vote-1")
	if len(again.Votes) != 1 || again.Eligible[0] != "agent-a" {
		t.Errorf("store mutated through snapshot: %+v", again)
	}
}

func TestFileStore_RejectsPathLikeIDs(t *testing.T) {
	s, err := NewFileStore(afero.NewMemMapFs(), "/rounds")
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"../x", "a/b", "", ".hidden"} {
		if _, err := s.LoadRound(id); !errors.Is(err, errors.ErrInvalidInput) {
			t.Errorf("LoadRound(%q) error = %v, want ErrInvalidInput", id, err)
		}
	}
}
