// Package throttle implements the synchronization throttler (C3): it caps
// how many full-state synchronizations may be in flight on one socket at
// once, queuing the rest and waking the oldest waiter as slots free up.
// The slot-accounting idiom is grounded on the teacher's
// internal/shared/limits/resource_guard.go budget bookkeeping, generalized
// from byte/CPU budget to a synchronization-id set with TTL-based eviction
// borrowed from the teacher's ConnectionRateLimiter IP-entry sweep.
package throttle

import (
	"context"
	"sync"
	"time"
)

// waiter is one queued scheduleSynchronize call.
type waiter struct {
	accountID string
	ready     chan struct{}
	cancelled bool
}

type activeEntry struct {
	accountID  string
	lastActive time.Time
}

// Throttler bounds concurrent active synchronizations for a single socket.
type Throttler struct {
	mu sync.Mutex

	maxConcurrent int
	queueTimeout  time.Duration
	maxActiveAge  time.Duration

	active     map[string]*activeEntry // synchronizationId -> entry
	lastSyncID map[string]string       // accountId -> most recent synchronizationId requested
	waiters    []*waiter
	waiterByID map[*waiter]string // waiter -> synchronizationId reserved for it once scheduled

	sweepTicker *time.Ticker
	stopSweep   chan struct{}
}

// New builds a Throttler allowing maxConcurrent simultaneous
// synchronizations; waiters older than queueTimeout are dropped rather than
// left to starve. An active entry that goes maxActiveAge without a
// scheduleSynchronize or updateSynchronizationId refresh is evicted the
// same as an explicit removeSynchronizationId, freeing its slot for the
// oldest waiter (spec.md §4.3: "wake oldest waiter whenever an id
// completes, is removed, or ages out"). maxActiveAge defaults to 10x
// queueTimeout, mirroring how generously the teacher's ConnectionRateLimiter
// sizes its IP-entry TTL relative to its cleanup cadence.
func New(maxConcurrent int, queueTimeout time.Duration) *Throttler {
	return NewWithMaxAge(maxConcurrent, queueTimeout, 0)
}

// NewWithMaxAge is New with an explicit stale-entry age; maxActiveAge <= 0
// falls back to the same default New uses.
func NewWithMaxAge(maxConcurrent int, queueTimeout, maxActiveAge time.Duration) *Throttler {
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	if queueTimeout <= 0 {
		queueTimeout = 300 * time.Second
	}
	if maxActiveAge <= 0 {
		maxActiveAge = 10 * queueTimeout
	}
	t := &Throttler{
		maxConcurrent: maxConcurrent,
		queueTimeout:  queueTimeout,
		maxActiveAge:  maxActiveAge,
		active:        make(map[string]*activeEntry),
		lastSyncID:    make(map[string]string),
		waiterByID:    make(map[*waiter]string),
		stopSweep:     make(chan struct{}),
	}
	sweepEvery := maxActiveAge / 4
	if sweepEvery <= 0 {
		sweepEvery = time.Millisecond
	}
	t.sweepTicker = time.NewTicker(sweepEvery)
	go t.sweepLoop()
	return t
}

// ScheduleSynchronize blocks until synchronizationId has been granted an
// active slot, ctx is cancelled, or queueTimeout elapses while queued. If
// the same account already has a different synchronization active or
// queued, that older one is cancelled and removed first (spec.md §4.3:
// "a second synchronize arrives for the same account... the previous one
// is cancelled and removed").
func (t *Throttler) ScheduleSynchronize(ctx context.Context, accountID, synchronizationID string) error {
	t.mu.Lock()
	t.supersedePreviousLocked(accountID, synchronizationID)

	if len(t.active) < t.maxConcurrent {
		t.active[synchronizationID] = &activeEntry{accountID: accountID, lastActive: time.Now()}
		t.lastSyncID[accountID] = synchronizationID
		t.mu.Unlock()
		return nil
	}

	w := &waiter{accountID: accountID, ready: make(chan struct{})}
	t.waiters = append(t.waiters, w)
	t.waiterByID[w] = synchronizationID
	t.lastSyncID[accountID] = synchronizationID
	t.mu.Unlock()

	timer := time.NewTimer(t.queueTimeout)
	defer timer.Stop()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		t.cancelWaiter(w)
		return ctx.Err()
	case <-timer.C:
		t.cancelWaiter(w)
		return context.DeadlineExceeded
	}
}

// supersedePreviousLocked cancels/removes any prior synchronization
// attempt still outstanding for accountID. Caller holds t.mu.
func (t *Throttler) supersedePreviousLocked(accountID, newID string) {
	prev, ok := t.lastSyncID[accountID]
	if !ok || prev == newID {
		return
	}
	if _, isActive := t.active[prev]; isActive {
		delete(t.active, prev)
		t.wakeOldestLocked()
		return
	}
	for i, w := range t.waiters {
		if t.waiterByID[w] == prev && !w.cancelled {
			w.cancelled = true
			t.waiters = append(t.waiters[:i], t.waiters[i+1:]...)
			delete(t.waiterByID, w)
			close(w.ready) // wake it; ScheduleSynchronize returns nil for a
			// cancelled-by-supersession waiter, same as the original's
			// "cancel and remove" — the caller issued a new synchronize for
			// the same account, so letting the stale call return harmlessly
			// is simpler than plumbing a distinct error for a case nobody
			// acts on.
			break
		}
	}
}

// wakeOldestLocked promotes the longest-waiting waiter into the freed
// active slot, if any are queued. Caller holds t.mu.
func (t *Throttler) wakeOldestLocked() {
	for len(t.waiters) > 0 {
		w := t.waiters[0]
		t.waiters = t.waiters[1:]
		id, ok := t.waiterByID[w]
		delete(t.waiterByID, w)
		if w.cancelled || !ok {
			continue
		}
		t.active[id] = &activeEntry{accountID: w.accountID, lastActive: time.Now()}
		close(w.ready)
		return
	}
}

func (t *Throttler) cancelWaiter(w *waiter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if w.cancelled {
		return
	}
	for i, other := range t.waiters {
		if other == w {
			t.waiters = append(t.waiters[:i], t.waiters[i+1:]...)
			break
		}
	}
	w.cancelled = true
	delete(t.waiterByID, w)
}

// UpdateSynchronizationID refreshes id's liveness stamp so a slow-producing
// synchronization isn't mistaken for stale. No-op if id isn't active.
func (t *Throttler) UpdateSynchronizationID(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.active[id]; ok {
		e.lastActive = time.Now()
	}
}

// sweepLoop periodically ages out active entries that have gone silent,
// grounded on the teacher's ConnectionRateLimiter.cleanupLoop ticker idiom.
func (t *Throttler) sweepLoop() {
	for {
		select {
		case <-t.sweepTicker.C:
			t.sweep()
		case <-t.stopSweep:
			t.sweepTicker.Stop()
			return
		}
	}
}

// sweep evicts every active entry whose lastActive stamp is older than
// maxActiveAge, waking the oldest waiter for each freed slot.
func (t *Throttler) sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := time.Now().Add(-t.maxActiveAge)
	for id, e := range t.active {
		if e.lastActive.Before(cutoff) {
			delete(t.active, id)
			t.wakeOldestLocked()
		}
	}
}

// Close stops the background age-out sweep. Safe to call once per
// Throttler; intended for final socket teardown, not transient disconnects
// (a reconnecting socket keeps its Throttler and calls OnDisconnect
// instead).
func (t *Throttler) Close() {
	close(t.stopSweep)
}

// RemoveSynchronizationID releases id's active slot (if held) and wakes the
// oldest waiter.
func (t *Throttler) RemoveSynchronizationID(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[id]; !ok {
		return
	}
	delete(t.active, id)
	t.wakeOldestLocked()
}

// RemoveIDByParameters releases whichever active synchronization matches
// accountID (spec.md names this removeIdByParameters(accountId,
// instanceNumber, host); instanceNumber/host only ever disambiguate which
// synchronizationId was assigned to that replica, already captured by
// lastSyncID, so they are not needed as separate keys here).
func (t *Throttler) RemoveIDByParameters(accountID string) {
	t.mu.Lock()
	id, ok := t.lastSyncID[accountID]
	t.mu.Unlock()
	if !ok {
		return
	}
	t.RemoveSynchronizationID(id)
}

// OnDisconnect releases every active slot and cancels every waiter,
// matching spec.md §4.3's onDisconnect() full-reset contract for a socket
// that just dropped.
func (t *Throttler) OnDisconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = make(map[string]*activeEntry)
	for _, w := range t.waiters {
		if !w.cancelled {
			w.cancelled = true
			close(w.ready)
		}
	}
	t.waiters = nil
	t.waiterByID = make(map[*waiter]string)
}

// ActiveCount reports how many synchronizations currently hold a slot, for
// metrics/tests (spec.md §8 invariant 3).
func (t *Throttler) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// QueueDepth reports how many synchronizations are waiting for a slot.
func (t *Throttler) QueueDepth() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}

// ActiveIDs returns the set of synchronizationIds currently holding an
// active slot, used by the event router to filter stale synchronization
// events whose id is no longer active on the receiving socket.
func (t *Throttler) ActiveIDs() map[string]bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]bool, len(t.active))
	for id := range t.active {
		out[id] = true
	}
	return out
}
