package filelock

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Iron-Ham/switchboard/internal/errors"
	"github.com/Iron-Ham/switchboard/internal/event"
	"github.com/Iron-Ham/switchboard/internal/logging"
)

const (
	// readAttempts bounds retries of a record that is mid-creation
	// (exclusively created but not yet written).
	readAttempts = 10
	readBackoff  = 5 * time.Millisecond

	// createAttempts bounds rescans when the record name is taken between
	// the scan and the exclusive create.
	createAttempts = 3

	// A guard serializes the read-check-write steps of every mutation of
	// one record. Guards are held for milliseconds; one older than
	// guardStaleAfter was left by a crashed process and may be broken.
	guardAttempts   = 400
	guardBackoff    = 5 * time.Millisecond
	guardStaleAfter = 10 * time.Second
)

var (
	errCorruptRecord = errors.New("unreadable lock record")
	errGuardBusy     = errors.New("lock record guard busy")
)

// Manager implements the lock protocol over a RecordStore shared by every
// agent process. It holds no lock state of its own; all decisions are made
// from the store's contents, so any number of Managers in any number of
// processes may operate on the same store.
type Manager struct {
	store      RecordStore
	root       string
	staleAfter time.Duration
	now        func() time.Time
	logger     *logging.Logger
	bus        *event.Bus
}

// NewManager creates a Manager over store.
func NewManager(store RecordStore, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
		logger:     logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.WithComponent("filelock")
	return m
}

// StaleAfter returns the default staleness threshold.
func (m *Manager) StaleAfter() time.Duration { return m.staleAfter }

// Root returns the directory targets are resolved against.
func (m *Manager) Root() string { return m.root }

// IsStale reports whether l has aged past the threshold it was acquired
// with.
func (m *Manager) IsStale(l FileLock) bool {
	return m.stale(l, 0)
}

// stale judges l against d, or against l's own threshold when d is zero.
func (m *Manager) stale(l FileLock, d time.Duration) bool {
	if d <= 0 {
		d = l.staleAfterOr(m.staleAfter)
	}
	return l.Stale(m.now(), d)
}

func (m *Manager) timeout(d time.Duration) time.Duration {
	if d <= 0 {
		return m.staleAfter
	}
	return d
}

type entry struct {
	name string
	lock FileLock
}

// Acquire attempts to take exclusive ownership of target. It never blocks:
// when a live intersecting lock is held, granted is false and conflict
// describes the holder. Intersecting locks older than staleAfter (or their
// own threshold, when staleAfter is zero) are reclaimed first. The new lock
// records staleAfter, defaulting to the manager's. Re-acquiring a target the
// caller already holds refreshes it.
func (m *Manager) Acquire(target, owner, reason string, staleAfter time.Duration) (bool, *FileLock, error) {
	norm, err := NormalizeTarget(m.root, target)
	if err != nil {
		return false, nil, err
	}
	if err := ValidateOwner(owner); err != nil {
		return false, nil, err
	}
	timeout := m.timeout(staleAfter)
	name := recordName(norm)
	log := m.logger.WithAgent(owner).With("target", norm)

	for attempt := 0; attempt < createAttempts; attempt++ {
		entries, err := m.scan()
		if err != nil {
			return false, nil, errors.Wrap(err, "scan locks")
		}

		for _, e := range entries {
			if !Intersects(e.lock.Target, norm) {
				continue
			}
			if m.stale(e.lock, staleAfter) {
				if _, err := m.reclaim(e.name, staleAfter); err != nil {
					return false, nil, err
				}
				continue
			}
			if e.name == name && e.lock.Owner == owner {
				ok, err := m.touch(name, owner, reason, staleAfter)
				if err != nil || ok {
					return ok, nil, err
				}
				continue
			}
			return false, m.conflict(e.lock, norm, owner, log), nil
		}

		rec := FileLock{Owner: owner, Target: norm, AcquiredAt: m.now(), Reason: reason, StaleAfter: timeout}
		data, err := json.Marshal(rec)
		if err != nil {
			return false, nil, errors.Wrap(err, "encode lock record")
		}
		if err := m.store.Create(name, data); err != nil {
			if errors.Is(err, ErrRecordExists) {
				log.Debug("lock record appeared during acquire, rescanning", "attempt", attempt+1)
				continue
			}
			return false, nil, errors.Wrap(err, "create lock record")
		}

		// Verify pass: a concurrent acquirer of an intersecting target may
		// have created its record after our scan. Whoever sees the other
		// yields, so at most one of two overlapping creators keeps its lock.
		other, err := m.verify(name, norm, staleAfter)
		if err != nil || other != nil {
			m.removeOwn(name, rec)
			if err != nil {
				return false, nil, errors.Wrap(err, "verify lock")
			}
			log.Debug("yielding to concurrent lock", "holder", other.Owner, "holder_target", other.Target)
			return false, m.conflict(*other, norm, owner, log), nil
		}

		log.Info("lock acquired", "reason", reason)
		m.bus.Publish(event.NewLockAcquiredEvent(norm, owner, reason))
		return true, nil, nil
	}
	return false, nil, fmt.Errorf("acquire %s: record contended after %d attempts", norm, createAttempts)
}

func (m *Manager) verify(own, target string, staleAfter time.Duration) (*FileLock, error) {
	entries, err := m.scan()
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.name == own || !Intersects(e.lock.Target, target) {
			continue
		}
		if m.stale(e.lock, staleAfter) {
			if _, err := m.reclaim(e.name, staleAfter); err != nil {
				return nil, err
			}
			continue
		}
		l := e.lock
		return &l, nil
	}
	return nil, nil
}

func (m *Manager) conflict(holder FileLock, target, requester string, log *logging.Logger) *FileLock {
	age := holder.Age(m.now())
	log.Debug("lock conflict", "holder", holder.Owner, "holder_target", holder.Target, "age", age.String())
	m.bus.Publish(event.NewLockConflictEvent(target, requester, holder.Owner, age))
	return &holder
}

// removeOwn withdraws a record this call created, if it is still ours.
func (m *Manager) removeOwn(name string, rec FileLock) {
	_, _, err := m.take(name, func(cur FileLock) bool {
		return cur.Owner == rec.Owner && cur.AcquiredAt.Equal(rec.AcquiredAt)
	})
	if err != nil {
		m.logger.Warn("failed to withdraw lock record", "target", rec.Target, "error", err.Error())
	}
}

// Release removes target's lock if owner holds it. A non-owner or absent
// lock yields false with no error and no change.
func (m *Manager) Release(target, owner string) (bool, error) {
	_, err := m.ReleaseDetailed(target, owner)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errors.ErrLockNotFound), errors.Is(err, errors.ErrLockNotHeld):
		return false, nil
	default:
		return false, err
	}
}

// ReleaseDetailed is Release with the failure reason: ErrLockNotFound when
// no lock exists for target, or ErrLockNotHeld together with the actual
// holder's record.
func (m *Manager) ReleaseDetailed(target, owner string) (*FileLock, error) {
	norm, err := NormalizeTarget(m.root, target)
	if err != nil {
		return nil, err
	}
	if err := ValidateOwner(owner); err != nil {
		return nil, err
	}
	name := recordName(norm)

	l, err := m.readLock(name)
	switch {
	case errors.Is(err, ErrRecordNotFound):
		return nil, errors.Wrapf(errors.ErrLockNotFound, "release %s", norm)
	case err != nil:
		return nil, errors.Wrap(err, "read lock")
	case l.Owner != owner:
		return &l, fmt.Errorf("release %s: %w: held by %s", norm, errors.ErrLockNotHeld, l.Owner)
	}

	cur, taken, err := m.take(name, func(cur FileLock) bool { return cur.Owner == owner })
	if err != nil {
		return nil, errors.Wrap(err, "remove lock")
	}
	if cur == nil {
		return nil, errors.Wrapf(errors.ErrLockNotFound, "release %s", norm)
	}
	if !taken {
		return cur, fmt.Errorf("release %s: %w: held by %s", norm, errors.ErrLockNotHeld, cur.Owner)
	}

	m.logger.WithAgent(owner).Info("lock released", "target", norm)
	m.bus.Publish(event.NewLockReleasedEvent(norm, owner))
	return cur, nil
}

// Refresh resets the age of a lock owner holds. The record is replaced in a
// single atomic rename, so the lock is observable throughout. It refuses
// (false) when the lock is absent, held by another owner, or already past
// the threshold it was acquired with.
func (m *Manager) Refresh(target, owner string) (bool, error) {
	norm, err := NormalizeTarget(m.root, target)
	if err != nil {
		return false, err
	}
	if err := ValidateOwner(owner); err != nil {
		return false, err
	}
	return m.touch(recordName(norm), owner, "", 0)
}

// touch rewrites owner's record with a fresh timestamp. A positive
// staleAfter both judges the current record and replaces its threshold.
func (m *Manager) touch(name, owner, reason string, staleAfter time.Duration) (bool, error) {
	var ok bool
	err := m.withGuard(name, func() error {
		l, err := m.readLock(name)
		if errors.Is(err, ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "read lock")
		}
		if l.Owner != owner {
			return nil
		}
		if m.stale(l, staleAfter) {
			m.logger.WithAgent(owner).Debug("refusing to refresh stale lock", "target", l.Target)
			return nil
		}

		l.AcquiredAt = m.now()
		if reason != "" {
			l.Reason = reason
		}
		if staleAfter > 0 {
			l.StaleAfter = staleAfter
		}
		data, err := json.Marshal(l)
		if err != nil {
			return errors.Wrap(err, "encode lock record")
		}
		if err := m.store.Replace(name, data); err != nil {
			return errors.Wrap(err, "replace lock record")
		}
		ok = true
		return nil
	})
	return ok, err
}

// WhoHas returns the live lock covering target, or nil. An exact-target
// lock is preferred over a covering pattern. Stale locks found along the
// way are reclaimed, as Acquire would.
func (m *Manager) WhoHas(target string) (*FileLock, error) {
	norm, err := NormalizeTarget(m.root, target)
	if err != nil {
		return nil, err
	}
	entries, err := m.scan()
	if err != nil {
		return nil, errors.Wrap(err, "scan locks")
	}

	var found *FileLock
	for _, e := range entries {
		if !Intersects(e.lock.Target, norm) {
			continue
		}
		if m.stale(e.lock, 0) {
			if _, err := m.reclaim(e.name, 0); err != nil {
				return nil, err
			}
			continue
		}
		l := e.lock
		if l.Target == norm {
			return &l, nil
		}
		if found == nil || l.AcquiredAt.Before(found.AcquiredAt) {
			found = &l
		}
	}
	return found, nil
}

// CleanupStale reclaims every lock older than timeout (each lock's own
// threshold when zero) and returns how many were removed. It also clears
// leftovers of crashed operations: unreadable records and orphaned temp or
// guard files older than timeout (the manager default when zero).
func (m *Manager) CleanupStale(timeout time.Duration) (int, error) {
	leftover := m.timeout(timeout)
	names, err := m.store.List()
	if err != nil {
		return 0, errors.Wrap(err, "list locks")
	}

	count := 0
	for _, name := range names {
		switch {
		case strings.HasSuffix(name, lockSuffix):
			_, err := m.readLock(name)
			if errors.Is(err, errCorruptRecord) {
				m.removeCorrupt(name, leftover)
				continue
			}
			if err != nil {
				continue
			}
			ok, err := m.reclaim(name, timeout)
			if err != nil {
				return count, err
			}
			if ok {
				count++
			}
		case strings.HasSuffix(name, guardSuffix), strings.Contains(name, tempSuffix):
			m.removeIfOlder(name, leftover, "removed orphaned lock file")
		}
	}
	return count, nil
}

// removeCorrupt deletes an unreadable record under its guard, provided it
// is still unreadable and has not been written for age.
func (m *Manager) removeCorrupt(name string, age time.Duration) {
	err := m.withGuard(name, func() error {
		if _, err := m.readLock(name); errors.Is(err, errCorruptRecord) {
			m.removeIfOlder(name, age, "removed unreadable lock record")
		}
		return nil
	})
	if err != nil {
		m.logger.Warn("could not remove unreadable lock record", "record", name, "error", err.Error())
	}
}

func (m *Manager) removeIfOlder(name string, age time.Duration, msg string) {
	mt, err := m.store.ModTime(name)
	if err != nil || m.now().Sub(mt) <= age {
		return
	}
	if err := m.store.Remove(name); err == nil {
		m.logger.Warn(msg, "record", name)
	}
}

// List returns every recorded lock, stale or not, sorted by target.
func (m *Manager) List() ([]FileLock, error) {
	entries, err := m.scan()
	if err != nil {
		return nil, err
	}
	locks := make([]FileLock, 0, len(entries))
	for _, e := range entries {
		locks = append(locks, e.lock)
	}
	sort.Slice(locks, func(i, j int) bool { return locks[i].Target < locks[j].Target })
	return locks, nil
}

// ReleaseAll releases every lock held by owner and returns the count.
func (m *Manager) ReleaseAll(owner string) (int, error) {
	if err := ValidateOwner(owner); err != nil {
		return 0, err
	}
	entries, err := m.scan()
	if err != nil {
		return 0, err
	}
	count := 0
	for _, e := range entries {
		if e.lock.Owner != owner {
			continue
		}
		_, taken, err := m.take(e.name, func(cur FileLock) bool { return cur.Owner == owner })
		if err != nil {
			return count, err
		}
		if taken {
			count++
			m.bus.Publish(event.NewLockReleasedEvent(e.lock.Target, owner))
		}
	}
	if count > 0 {
		m.logger.WithAgent(owner).Info("released all locks", "count", count)
	}
	return count, nil
}

// reclaim removes the stale record name. The record is re-read under its
// guard and removed only if it is still the same lock (owner and
// AcquiredAt) and still stale, so a refresh or a new owner's lock written
// after the first read survives.
func (m *Manager) reclaim(name string, staleAfter time.Duration) (bool, error) {
	l, err := m.readLock(name)
	if errors.Is(err, ErrRecordNotFound) || errors.Is(err, errCorruptRecord) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "read lock")
	}
	if !m.stale(l, staleAfter) {
		return false, nil
	}

	cur, taken, err := m.take(name, func(cur FileLock) bool {
		return cur.Owner == l.Owner && cur.AcquiredAt.Equal(l.AcquiredAt) && m.stale(cur, staleAfter)
	})
	if err != nil {
		return false, errors.Wrap(err, "reclaim lock")
	}
	if !taken {
		if cur != nil {
			m.logger.Debug("lock changed before reclamation", "target", cur.Target, "owner", cur.Owner)
		}
		return false, nil
	}

	age := cur.Age(m.now())
	m.logger.Info("reclaimed stale lock", "target", cur.Target, "previous_owner", cur.Owner, "age", age.String())
	m.bus.Publish(event.NewLockReclaimedEvent(cur.Target, cur.Owner, age))
	return true, nil
}

// take removes name if want accepts its current contents. The read and the
// removal happen under the record's guard, so no other mutation of name
// interleaves and the record is never moved aside while live. A nil lock
// means there was no readable record.
func (m *Manager) take(name string, want func(FileLock) bool) (*FileLock, bool, error) {
	var (
		cur   *FileLock
		taken bool
	)
	err := m.withGuard(name, func() error {
		l, err := m.readLock(name)
		switch {
		case errors.Is(err, ErrRecordNotFound), errors.Is(err, errCorruptRecord):
			return nil
		case err != nil:
			return err
		}
		cur = &l
		if !want(l) {
			return nil
		}
		if err := m.store.Remove(name); err != nil && !errors.Is(err, ErrRecordNotFound) {
			return err
		}
		taken = true
		return nil
	})
	return cur, taken, err
}

// withGuard runs fn while holding the exclusively created guard for name.
func (m *Manager) withGuard(name string, fn func() error) error {
	guard := name + guardSuffix
	for attempt := 0; ; attempt++ {
		err := m.store.Create(guard, nil)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrRecordExists) {
			return errors.Wrap(err, "create lock guard")
		}
		if mt, merr := m.store.ModTime(guard); merr == nil && time.Since(mt) > guardStaleAfter {
			m.logger.Warn("breaking abandoned lock guard", "record", name, "age", time.Since(mt).String())
			_ = m.store.Remove(guard)
			continue
		}
		if attempt >= guardAttempts {
			return fmt.Errorf("%w: %s", errGuardBusy, name)
		}
		time.Sleep(guardBackoff)
	}
	defer func() {
		if err := m.store.Remove(guard); err != nil && !errors.Is(err, ErrRecordNotFound) {
			m.logger.Warn("failed to remove lock guard", "record", name, "error", err.Error())
		}
	}()
	return fn()
}

func (m *Manager) scan() ([]entry, error) {
	names, err := m.store.List()
	if err != nil {
		return nil, err
	}
	out := make([]entry, 0, len(names))
	for _, name := range names {
		if !strings.HasSuffix(name, lockSuffix) {
			continue
		}
		l, err := m.readLock(name)
		switch {
		case err == nil:
			out = append(out, entry{name: name, lock: l})
		case errors.Is(err, ErrRecordNotFound):
		case errors.Is(err, errCorruptRecord):
			m.logger.Warn("skipping unreadable lock record", "record", name, "error", err.Error())
		default:
			return nil, err
		}
	}
	return out, nil
}

func (m *Manager) readLock(name string) (FileLock, error) {
	var lastErr error
	for i := 0; i < readAttempts; i++ {
		if i > 0 {
			time.Sleep(readBackoff)
		}
		data, err := m.store.Read(name)
		if err != nil {
			return FileLock{}, err
		}
		var l FileLock
		if err := json.Unmarshal(data, &l); err != nil {
			lastErr = err
			continue
		}
		if l.Owner == "" || l.Target == "" {
			lastErr = fmt.Errorf("missing owner or target")
			continue
		}
		return l, nil
	}
	return FileLock{}, fmt.Errorf("%w %s: %v", errCorruptRecord, name, lastErr)
}
