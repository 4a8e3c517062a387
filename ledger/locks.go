/*
locks.go - Per-owner bounded lock table

PURPOSE:
  Serializes all state mutation for a given owner while letting
  different owners proceed independently. Acquisition is bounded: a
  caller that cannot get the lock within the wait budget receives
  ErrConcurrencyConflict instead of hanging, so an upstream
  booking-completion handler can decide to retry, queue, or alert.

MECHANISM:
  One buffered channel per owner acts as a binary semaphore. Slots are
  reference-counted and removed when the last waiter releases, so the
  table does not grow with the owner population.
*/
package ledger

import (
	"context"
	"sync"
	"time"
)

// lockTable hands out per-owner exclusive locks with a bounded wait.
type lockTable struct {
	mu    sync.Mutex
	wait  time.Duration
	slots map[OwnerID]*lockSlot
}

type lockSlot struct {
	sem  chan struct{}
	refs int
}

func newLockTable(wait time.Duration) *lockTable {
	return &lockTable{
		wait:  wait,
		slots: make(map[OwnerID]*lockSlot),
	}
}

// Acquire takes the owner's lock, waiting at most the table's wait budget.
// The returned release function must be called exactly once.
func (t *lockTable) Acquire(ctx context.Context, owner OwnerID) (release func(), err error) {
	t.mu.Lock()
	slot, ok := t.slots[owner]
	if !ok {
		slot = &lockSlot{sem: make(chan struct{}, 1)}
		t.slots[owner] = slot
	}
	slot.refs++
	t.mu.Unlock()

	timer := time.NewTimer(t.wait)
	defer timer.Stop()

	select {
	case slot.sem <- struct{}{}:
		return func() {
			<-slot.sem
			t.put(owner, slot)
		}, nil
	case <-timer.C:
		t.put(owner, slot)
		return nil, &ConflictError{OwnerID: owner, Attempts: 1, Waited: t.wait}
	case <-ctx.Done():
		t.put(owner, slot)
		return nil, ctx.Err()
	}
}

func (t *lockTable) put(owner OwnerID, slot *lockSlot) {
	t.mu.Lock()
	slot.refs--
	if slot.refs == 0 {
		delete(t.slots, owner)
	}
	t.mu.Unlock()
}
