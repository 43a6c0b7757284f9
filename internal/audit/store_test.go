package audit

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/switchboard/internal/consensus"
	"github.com/Iron-Ham/switchboard/internal/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit", "audit.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open(%q): %v", path, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleResult(id string, closed time.Time) consensus.Result {
	return consensus.Result{
		VoteID:   id,
		Topic:    "password hashing",
		OptionA:  "bcrypt",
		OptionB:  "argon2",
		Winner:   "argon2",
		Strategy: consensus.EvidenceBased,
		Tallies: map[string]consensus.Tally{
			"bcrypt": {Votes: 1, Score: 1.6, EvidenceCount: 2, ConfidenceSum: 0.8},
			"argon2": {Votes: 2, Score: 3.2, EvidenceCount: 4, ConfidenceSum: 1.6},
		},
		TieBroken:  true,
		TieBreak:   consensus.TieBreakEvidence,
		TotalVotes: 3,
		ClosedAt:   closed,
	}
}

func TestStore_SaveAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	closed := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)

	if err := s.SaveResult(ctx, sampleResult("vote-1", closed)); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}
	got, err := s.GetResult(ctx, "vote-1")
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if got.Winner != "argon2" || got.Strategy != consensus.EvidenceBased || got.Topic != "password hashing" {
		t.Errorf("result = %+v", got)
	}
	if !got.TieBroken || got.TieBreak != consensus.TieBreakEvidence || got.TotalVotes != 3 {
		t.Errorf("tie/vote fields = %+v", got)
	}
	if !got.ClosedAt.Equal(closed) {
		t.Errorf("ClosedAt = %v, want %v", got.ClosedAt, closed)
	}
	if got.Tallies["argon2"].Score != 3.2 || got.Tallies["bcrypt"].Votes != 1 {
		t.Errorf("tallies = %+v", got.Tallies)
	}
}

func TestStore_SaveIsInsertOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	first := sampleResult("vote-1", now)
	if err := s.SaveResult(ctx, first); err != nil {
		t.Fatal(err)
	}
	second := first
	second.Winner = "bcrypt"
	if err := s.SaveResult(ctx, second); err != nil {
		t.Fatalf("second SaveResult: %v", err)
	}
	got, err := s.GetResult(ctx, "vote-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Winner != "argon2" {
		t.Errorf("winner = %q, archived result was overwritten", got.Winner)
	}
}

func TestStore_GetMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetResult(context.Background(), "vote-404")
	if !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestStore_ListResults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := range 5 {
		if err := s.SaveResult(ctx, sampleResult(fmt.Sprintf("vote-%d", i), base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.ListResults(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 || all[0].VoteID != "vote-4" || all[4].VoteID != "vote-0" {
		t.Errorf("ListResults(0) order wrong: %d results", len(all))
	}

	recent, err := s.ListResults(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 || recent[0].VoteID != "vote-4" || recent[1].VoteID != "vote-3" {
		t.Errorf("ListResults(2) = %d results", len(recent))
	}
}

func TestStore_ConcurrentWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	stores := make([]*Store, 3)
	for i := range stores {
		s, err := Open(path)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { s.Close() })
		stores[i] = s
	}

	var wg sync.WaitGroup
	for i, s := range stores {
		for j := range 10 {
			wg.Go(func() {
				res := sampleResult(fmt.Sprintf("vote-%d-%d", i, j), time.Now())
				if err := s.SaveResult(context.Background(), res); err != nil {
					t.Errorf("SaveResult: %v", err)
				}
			})
		}
	}
	wg.Wait()

	all, err := stores[0].ListResults(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 30 {
		t.Errorf("archived %d results, want 30", len(all))
	}
}

func TestStore_ArchivesEngineRounds(t *testing.T) {
	s := newTestStore(t)
	// Rounds are normally opened through InitiateVote; a stored round
	// exercises only the archive path.
	store := consensus.NewMemoryStore()
	engine := consensus.NewEngine(nil, store, consensus.WithArchive(s))
	r := consensus.Round{
		ID: "vote-x", Topic: "t", OptionA: "x", OptionB: "y",
		Eligible: []string{"agent-a", "agent-b"}, Status: consensus.StatusOpen,
		Deadline: time.Now().Add(time.Hour),
	}
	if err := store.CreateRound(r); err != nil {
		t.Fatal(err)
	}
	if ok, err := engine.CastVote("vote-x", "agent-a", "y", 0.9, []string{"bench"}, ""); !ok || err != nil {
		t.Fatalf("CastVote = %v, %v", ok, err)
	}
	if _, err := engine.DetermineWinner("vote-x"); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetResult(context.Background(), "vote-x")
	if err != nil {
		t.Fatalf("engine result not archived: %v", err)
	}
	if got.Winner != "y" {
		t.Errorf("archived winner = %q", got.Winner)
	}
}
