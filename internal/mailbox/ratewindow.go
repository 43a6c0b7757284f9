package mailbox

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/Iron-Ham/switchboard/internal/errors"
	"github.com/Iron-Ham/switchboard/internal/filelock"
)

// Window updates are serialized across processes by a file lock held for
// the length of one read and one replace.
const (
	windowLockStale   = 10 * time.Second
	windowLockTries   = 100
	windowLockBackoff = 10 * time.Millisecond
	windowLockReason  = "rate window update"
)

// WindowStore holds each sender's recent send times outside the process,
// so every process sending as that sender draws on one allotment.
type WindowStore interface {
	// Update passes sender's recorded sends to fn and stores what fn
	// returns. No other Update for sender runs in between.
	Update(sender string, fn func(sent []time.Time) []time.Time) error
}

type windowRecord struct {
	Sent []time.Time `json:"sent"`
}

// FileWindows is a WindowStore of JSON records in a shared directory.
// locks serializes updates; it is rooted at the directory that lockPrefix
// is relative to.
type FileWindows struct {
	records    filelock.RecordStore
	locks      *filelock.Manager
	lockPrefix string
}

// NewFileWindows creates a FileWindows keeping records in dir on fsys and
// locking "<lockPrefix>/<sender hash>" through locks.
func NewFileWindows(fsys afero.Fs, dir string, locks *filelock.Manager, lockPrefix string) (*FileWindows, error) {
	records, err := filelock.NewFSStore(fsys, dir)
	if err != nil {
		return nil, err
	}
	return &FileWindows{records: records, locks: locks, lockPrefix: lockPrefix}, nil
}

func windowKey(sender string) string {
	sum := sha256.Sum256([]byte(sender))
	return hex.EncodeToString(sum[:16])
}

// Update implements WindowStore.
func (f *FileWindows) Update(sender string, fn func([]time.Time) []time.Time) error {
	key := windowKey(sender)
	target := f.lockPrefix + "/" + key
	owner := "ratelimit-" + uuid.NewString()
	if err := f.lock(target, owner); err != nil {
		return err
	}
	defer func() { _, _ = f.locks.Release(target, owner) }()

	name := key + ".json"
	var rec windowRecord
	data, err := f.records.Read(name)
	switch {
	case errors.Is(err, filelock.ErrRecordNotFound):
	case err != nil:
		return fmt.Errorf("mailbox: read rate window: %w", err)
	default:
		// An unreadable window is treated as empty rather than blocking
		// the sender forever.
		_ = json.Unmarshal(data, &rec)
	}

	rec.Sent = fn(rec.Sent)
	data, err = json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("mailbox: encode rate window: %w", err)
	}
	if err := f.records.Replace(name, data); err != nil {
		return fmt.Errorf("mailbox: write rate window: %w", err)
	}
	return nil
}

func (f *FileWindows) lock(target, owner string) error {
	for range windowLockTries {
		granted, _, err := f.locks.Acquire(target, owner, windowLockReason, windowLockStale)
		if err != nil {
			return err
		}
		if granted {
			return nil
		}
		time.Sleep(windowLockBackoff + rand.N(windowLockBackoff))
	}
	return errors.NewTimeoutError("rate window lock", windowLockTries*windowLockBackoff)
}
