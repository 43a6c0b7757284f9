package consensus

import (
	"encoding/json"
	"fmt"
	"maps"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/switchboard/internal/errors"
	"github.com/Iron-Ham/switchboard/internal/filelock"
)

// RoundStore holds rounds and their votes. AddVote must be atomic: of two
// concurrent votes by the same agent, exactly one succeeds.
type RoundStore interface {
	CreateRound(r Round) error
	SaveRound(r Round) error
	LoadRound(id string) (Round, error)
	AddVote(roundID string, v Vote) error
	ListRounds() ([]Round, error)
}

var roundIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9-]{0,63}$`)

// ValidateRoundID rejects ids that cannot name a round.
func ValidateRoundID(id string) error {
	if !roundIDPattern.MatchString(id) {
		return errors.NewValidationError("invalid vote id").WithField("vote_id").WithValue(id)
	}
	return nil
}

func unknownRound(id string) error {
	return errors.Wrapf(errors.ErrUnknownRound, "vote %s", id)
}

func duplicateVote(roundID, agentID string) error {
	return errors.Wrapf(errors.ErrDuplicateVote, "%s in vote %s", agentID, roundID)
}

// MemoryStore keeps rounds in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	rounds map[string]Round
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rounds: make(map[string]Round)}
}

// CreateRound implements RoundStore.
func (s *MemoryStore) CreateRound(r Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rounds[r.ID]; ok {
		return fmt.Errorf("consensus: round %s already exists", r.ID)
	}
	s.rounds[r.ID] = cloneRound(r)
	return nil
}

// SaveRound implements RoundStore. Votes already recorded are kept.
func (s *MemoryStore) SaveRound(r Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.rounds[r.ID]
	if !ok {
		return unknownRound(r.ID)
	}
	next := cloneRound(r)
	next.Votes = prev.Votes
	s.rounds[r.ID] = next
	return nil
}

// LoadRound implements RoundStore.
func (s *MemoryStore) LoadRound(id string) (Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rounds[id]
	if !ok {
		return Round{}, unknownRound(id)
	}
	return cloneRound(r), nil
}

// AddVote implements RoundStore.
func (s *MemoryStore) AddVote(roundID string, v Vote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rounds[roundID]
	if !ok {
		return unknownRound(roundID)
	}
	if _, dup := r.Votes[v.AgentID]; dup {
		return duplicateVote(roundID, v.AgentID)
	}
	if r.Votes == nil {
		r.Votes = make(map[string]Vote)
	}
	r.Votes[v.AgentID] = v
	s.rounds[roundID] = r
	return nil
}

// ListRounds implements RoundStore.
func (s *MemoryStore) ListRounds() ([]Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Round, 0, len(s.rounds))
	for _, r := range s.rounds {
		out = append(out, cloneRound(r))
	}
	sortRounds(out)
	return out, nil
}

func cloneRound(r Round) Round {
	r.Eligible = append([]string(nil), r.Eligible...)
	r.Reached = append([]string(nil), r.Reached...)
	r.Unreached = append([]string(nil), r.Unreached...)
	r.Votes = maps.Clone(r.Votes)
	if r.Result != nil {
		res := *r.Result
		res.Tallies = maps.Clone(res.Tallies)
		r.Result = &res
	}
	return r
}

func sortRounds(rounds []Round) {
	sort.Slice(rounds, func(i, j int) bool {
		if rounds[i].OpenedAt.Equal(rounds[j].OpenedAt) {
			return rounds[i].ID < rounds[j].ID
		}
		return rounds[i].OpenedAt.Before(rounds[j].OpenedAt)
	})
}

const (
	roundSuffix = ".round.json"
	voteInfix   = ".vote."
	voteSuffix  = ".json"
)

// FileStore keeps rounds in a shared directory so separate processes see
// the same rounds:
//
//	<id>.round.json         round metadata, status and result
//	<id>.vote.<agent>.json  one exclusively created record per vote
type FileStore struct {
	records filelock.RecordStore
}

// NewFileStore creates a FileStore in dir on fsys.
func NewFileStore(fsys afero.Fs, dir string) (*FileStore, error) {
	records, err := filelock.NewFSStore(fsys, dir)
	if err != nil {
		return nil, err
	}
	return &FileStore{records: records}, nil
}

// NewOSFileStore creates a FileStore in dir on the real filesystem.
func NewOSFileStore(dir string) (*FileStore, error) {
	records, err := filelock.NewOSStore(dir)
	if err != nil {
		return nil, err
	}
	return &FileStore{records: records}, nil
}

func encodeRound(r Round) ([]byte, error) {
	r.Votes = nil
	return json.MarshalIndent(r, "", "  ")
}

// CreateRound implements RoundStore.
func (s *FileStore) CreateRound(r Round) error {
	if err := ValidateRoundID(r.ID); err != nil {
		return err
	}
	data, err := encodeRound(r)
	if err != nil {
		return fmt.Errorf("consensus: encode round %s: %w", r.ID, err)
	}
	if err := s.records.Create(r.ID+roundSuffix, data); err != nil {
		return fmt.Errorf("consensus: create round %s: %w", r.ID, err)
	}
	return nil
}

// SaveRound implements RoundStore.
func (s *FileStore) SaveRound(r Round) error {
	if err := ValidateRoundID(r.ID); err != nil {
		return err
	}
	data, err := encodeRound(r)
	if err != nil {
		return fmt.Errorf("consensus: encode round %s: %w", r.ID, err)
	}
	if err := s.records.Replace(r.ID+roundSuffix, data); err != nil {
		return fmt.Errorf("consensus: save round %s: %w", r.ID, err)
	}
	return nil
}

// LoadRound implements RoundStore.
func (s *FileStore) LoadRound(id string) (Round, error) {
	if err := ValidateRoundID(id); err != nil {
		return Round{}, err
	}
	r, err := s.readRound(id + roundSuffix)
	if err != nil {
		return Round{}, err
	}
	names, err := s.records.List()
	if err != nil {
		return Round{}, fmt.Errorf("consensus: list votes: %w", err)
	}
	if err := s.attachVotes(&r, names); err != nil {
		return Round{}, err
	}
	return r, nil
}

func (s *FileStore) readRound(name string) (Round, error) {
	id := strings.TrimSuffix(name, roundSuffix)
	data, err := s.records.Read(name)
	if errors.Is(err, filelock.ErrRecordNotFound) {
		return Round{}, unknownRound(id)
	}
	if err != nil {
		return Round{}, fmt.Errorf("consensus: read round %s: %w", id, err)
	}
	var r Round
	if err := json.Unmarshal(data, &r); err != nil {
		return Round{}, fmt.Errorf("consensus: decode round %s: %w", id, err)
	}
	return r, nil
}

func (s *FileStore) attachVotes(r *Round, names []string) error {
	prefix := r.ID + voteInfix
	r.Votes = make(map[string]Vote)
	for _, name := range names {
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, voteSuffix) {
			continue
		}
		data, err := s.records.Read(name)
		if errors.Is(err, filelock.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("consensus: read vote %s: %w", name, err)
		}
		var v Vote
		if err := json.Unmarshal(data, &v); err != nil {
			continue
		}
		r.Votes[v.AgentID] = v
	}
	return nil
}

// AddVote implements RoundStore. The vote record is created exclusively,
// so a second vote by the same agent fails even from another process.
func (s *FileStore) AddVote(roundID string, v Vote) error {
	if err := ValidateRoundID(roundID); err != nil {
		return err
	}
	if _, err := s.records.Read(roundID + roundSuffix); errors.Is(err, filelock.ErrRecordNotFound) {
		return unknownRound(roundID)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("consensus: encode vote: %w", err)
	}
	err = s.records.Create(roundID+voteInfix+v.AgentID+voteSuffix, data)
	if errors.Is(err, filelock.ErrRecordExists) {
		return duplicateVote(roundID, v.AgentID)
	}
	if err != nil {
		return fmt.Errorf("consensus: record vote: %w", err)
	}
	return nil
}

// ListRounds implements RoundStore. Unreadable rounds are skipped.
func (s *FileStore) ListRounds() ([]Round, error) {
	names, err := s.records.List()
	if err != nil {
		return nil, fmt.Errorf("consensus: list rounds: %w", err)
	}
	var out []Round
	for _, name := range names {
		if !strings.HasSuffix(name, roundSuffix) || strings.Contains(name, voteInfix) {
			continue
		}
		r, err := s.readRound(name)
		if err != nil {
			continue
		}
		if err := s.attachVotes(&r, names); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	sortRounds(out)
	return out, nil
}
