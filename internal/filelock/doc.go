// Package filelock provides crash-tolerant mutual exclusion over paths and
// glob patterns for agent processes sharing a filesystem.
//
// Each lock is one JSON record in a [RecordStore], named deterministically
// from its normalized target. The store is the only shared state: a
// [Manager] keeps nothing in memory, so managers in separate processes see
// the same locks.
//
// # Protocol
//
// Acquire scans all records for targets that [Intersects] the request,
// reclaims stale ones, creates its own record exclusively, then rescans.
// If the rescan finds a live intersecting lock that appeared concurrently,
// the caller withdraws its record and reports a conflict. Two overlapping
// acquirers may both withdraw; callers retry with their own backoff.
//
// Refresh rewrites the record through a temporary file and an atomic
// rename, so the lock never disappears while its owner holds it.
//
// Every read-check-write on an existing record (refresh, release,
// reclamation) runs under a guard: a sibling file created exclusively and
// removed when the step is done. A live record is never moved aside, so a
// lock is visible to every scan for as long as it is held.
//
// A lock older than its staleness threshold is presumed abandoned and is
// reclaimed by the next Acquire, WhoHas, or CleanupStale. Each record
// carries the threshold it was acquired with. The reclaimer re-reads the
// record under its guard and removes it only if it is still the same lock
// and still stale.
//
// # Basic Usage
//
//	store, err := filelock.NewOSStore(cfg.LocksDir())
//	mgr := filelock.NewManager(store, filelock.WithRoot(cfg.LockRoot()))
//
//	ok, holder, err := mgr.Acquire("src/auth.py", "agent-a", "refactor login", 0)
//	if !ok && holder != nil {
//	    fmt.Printf("held by %s for %s\n", holder.Owner, holder.Age(time.Now()))
//	}
//
//	_, _ = mgr.Refresh("src/auth.py", "agent-a")
//	_, _ = mgr.Release("src/auth.py", "agent-a")
//
// Conflicts are ordinary return values, not errors. Malformed targets and
// owner ids are rejected with a validation error before the store is touched.
package filelock
