package ack

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/switchboard/internal/errors"
	"github.com/Iron-Ham/switchboard/internal/filelock"
)

const (
	recordSuffix = ".json"
	markerSuffix = ".acked"
	claimSuffix  = ".claim-"
)

// PendingStore persists PendingAcks, one file per message id, shared by
// every agent process. Records are only ever written by atomic replace.
//
// An acknowledgment is recorded as an exclusively created marker next to
// the record before the record is removed. A retry pass that rewrites a
// record concurrently with an ack checks for the marker afterwards, so an
// acknowledged message is never resurrected.
//
// Each retry stage (one value of RetryCount) is handled by whichever
// process first creates its claim file, so concurrent schedulers resend
// or escalate a message at most once per stage.
type PendingStore struct {
	records filelock.RecordStore
}

// NewPendingStore creates a store in dir on fsys.
func NewPendingStore(fsys afero.Fs, dir string) (*PendingStore, error) {
	records, err := filelock.NewFSStore(fsys, dir)
	if err != nil {
		return nil, err
	}
	return &PendingStore{records: records}, nil
}

// NewOSPendingStore creates a store in dir on the real filesystem.
func NewOSPendingStore(dir string) (*PendingStore, error) {
	records, err := filelock.NewOSStore(dir)
	if err != nil {
		return nil, err
	}
	return &PendingStore{records: records}, nil
}

func baseName(messageID string) string {
	sum := sha256.Sum256([]byte(messageID))
	return hex.EncodeToString(sum[:16])
}

func recordName(messageID string) string { return baseName(messageID) + recordSuffix }
func markerName(messageID string) string { return baseName(messageID) + markerSuffix }

func claimName(messageID string, stage int) string {
	return baseName(messageID) + claimSuffix + strconv.Itoa(stage)
}

// Save writes p, replacing any previous version.
func (s *PendingStore) Save(p PendingAck) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("ack: encode pending %s: %w", p.MessageID, err)
	}
	if err := s.records.Replace(recordName(p.MessageID), data); err != nil {
		return fmt.Errorf("ack: save pending %s: %w", p.MessageID, err)
	}
	return nil
}

// Load returns the PendingAck for messageID, or an error matching
// errors.ErrAckNotPending if there is none or it was acknowledged.
func (s *PendingStore) Load(messageID string) (PendingAck, error) {
	if s.Acknowledged(messageID) {
		return PendingAck{}, errors.Wrapf(errors.ErrAckNotPending, "message %s", messageID)
	}
	return s.read(recordName(messageID))
}

func (s *PendingStore) read(name string) (PendingAck, error) {
	data, err := s.records.Read(name)
	if errors.Is(err, filelock.ErrRecordNotFound) {
		return PendingAck{}, errors.Wrapf(errors.ErrAckNotPending, "record %s", name)
	}
	if err != nil {
		return PendingAck{}, fmt.Errorf("ack: read pending: %w", err)
	}
	var p PendingAck
	if err := json.Unmarshal(data, &p); err != nil {
		return PendingAck{}, fmt.Errorf("ack: decode pending %s: %w", name, err)
	}
	return p, nil
}

// Delete removes the record for messageID. A missing record is not an
// error.
func (s *PendingStore) Delete(messageID string) error {
	err := s.records.Remove(recordName(messageID))
	if err != nil && !errors.Is(err, filelock.ErrRecordNotFound) {
		return fmt.Errorf("ack: delete pending %s: %w", messageID, err)
	}
	return nil
}

// MarkAcknowledged records that messageID was acknowledged. It returns
// false if it already was.
func (s *PendingStore) MarkAcknowledged(messageID, by string) (bool, error) {
	err := s.records.Create(markerName(messageID), []byte(by))
	if errors.Is(err, filelock.ErrRecordExists) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ack: mark %s acknowledged: %w", messageID, err)
	}
	return true, nil
}

// Claim takes retry stage stage of messageID for the caller. It returns
// false when another process holds the claim. A claim last written more
// than abandonAfter before now was left by a crashed process and is taken
// over.
func (s *PendingStore) Claim(messageID string, stage int, now time.Time, abandonAfter time.Duration) (bool, error) {
	name := claimName(messageID, stage)
	stamp := []byte(now.UTC().Format(time.RFC3339Nano))
	for attempt := 0; attempt < 2; attempt++ {
		err := s.records.Create(name, stamp)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, filelock.ErrRecordExists) {
			return false, fmt.Errorf("ack: claim %s: %w", messageID, err)
		}
		mt, err := s.records.ModTime(name)
		if err != nil || now.Sub(mt) <= abandonAfter {
			return false, nil
		}
		_ = s.records.Remove(name)
	}
	return false, nil
}

// ReleaseClaim gives up a claim taken with Claim.
func (s *PendingStore) ReleaseClaim(messageID string, stage int) error {
	err := s.records.Remove(claimName(messageID, stage))
	if err != nil && !errors.Is(err, filelock.ErrRecordNotFound) {
		return fmt.Errorf("ack: release claim %s: %w", messageID, err)
	}
	return nil
}

// Acknowledged reports whether messageID has an acknowledgment marker.
func (s *PendingStore) Acknowledged(messageID string) bool {
	_, err := s.records.Read(markerName(messageID))
	return err == nil
}

// List returns every unacknowledged PendingAck, oldest first. Unreadable
// records are skipped.
func (s *PendingStore) List() ([]PendingAck, error) {
	names, err := s.records.List()
	if err != nil {
		return nil, fmt.Errorf("ack: list pending: %w", err)
	}
	markers := make(map[string]bool)
	for _, name := range names {
		if base, ok := strings.CutSuffix(name, markerSuffix); ok {
			markers[base] = true
		}
	}

	var out []PendingAck
	for _, name := range names {
		base, ok := strings.CutSuffix(name, recordSuffix)
		if !ok || markers[base] {
			continue
		}
		p, err := s.read(name)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SentAt.Equal(out[j].SentAt) {
			return out[i].MessageID < out[j].MessageID
		}
		return out[i].SentAt.Before(out[j].SentAt)
	})
	return out, nil
}

// SweepMarkers removes acknowledgment markers and claims older than age
// whose record is gone, and records that still carry a marker. It returns
// how many files were removed.
func (s *PendingStore) SweepMarkers(now time.Time, age time.Duration) (int, error) {
	names, err := s.records.List()
	if err != nil {
		return 0, fmt.Errorf("ack: list pending: %w", err)
	}
	present := make(map[string]bool, len(names))
	for _, name := range names {
		present[name] = true
	}

	removed := 0
	for _, name := range names {
		if base, _, ok := strings.Cut(name, claimSuffix); ok {
			if present[base+recordSuffix] {
				continue
			}
			if mt, err := s.records.ModTime(name); err == nil && now.Sub(mt) > age && s.records.Remove(name) == nil {
				removed++
			}
			continue
		}
		base, ok := strings.CutSuffix(name, markerSuffix)
		if !ok {
			continue
		}
		if record := base + recordSuffix; present[record] {
			if s.records.Remove(record) == nil {
				removed++
			}
			continue
		}
		mt, err := s.records.ModTime(name)
		if err != nil || now.Sub(mt) <= age {
			continue
		}
		if s.records.Remove(name) == nil {
			removed++
		}
	}
	return removed, nil
}
