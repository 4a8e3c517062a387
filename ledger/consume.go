/*
consume.go - Atomic session consumption and refund

PURPOSE:
  The hard core of the ledger. Given an owner and a booking id, draw
  exactly one session from the correct grant, or fail cleanly. Completion
  events race (two devices confirming the same booking, retries after
  timeouts) and must never decrement twice.

ALGORITHM (Consume):
  1. Replay check: if a consumption entry already exists for the booking
     id, return the original result unchanged.
  2. Take the owner's lock (bounded wait) and open a store transaction.
  3. Re-check the booking id inside the transaction, then load the
     owner's active, unexpired grants.
  4. Pick the target grant: employer before personal; within a source the
     earliest expiry drains first (no expiry sorts last), so soon-to-expire
     credit is used before open-ended credit.
  5. Increment consumed on the grant and append a -1 entry keyed by the
     booking id. Both commit or both roll back.

IDEMPOTENCY AS THE RETRY SAFETY NET:
  A caller that times out may retry without knowing whether the prior
  attempt committed. The replay check makes the retry either return the
  original result or perform the operation exactly once.

CONCURRENCY:
  The per-owner lock serializes same-owner mutations; the grant version
  check catches lost updates from anything else touching the row (the
  expiration sweeper in particular). Version conflicts are retried a
  bounded number of times before surfacing ErrConcurrencyConflict.

SEE ALSO:
  - locks.go: Bounded per-owner lock table
  - store.go: WithTx atomic unit
  - sweep.go: The competing writer on grant status
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	defaultLockWait    = 5 * time.Second
	defaultMaxAttempts = 3
)

// =============================================================================
// CONSUMPTION ENGINE
// =============================================================================

// ConsumptionEngine atomically decrements sessions from grants.
type ConsumptionEngine struct {
	store TxStore
	locks *lockTable
	clock clockwork.Clock

	// maxAttempts bounds version-conflict retries before the caller
	// receives ErrConcurrencyConflict.
	maxAttempts int
}

// NewConsumptionEngine creates an engine over the given store.
// A nil clock means the real clock.
func NewConsumptionEngine(store TxStore, clock clockwork.Clock) *ConsumptionEngine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ConsumptionEngine{
		store:       store,
		locks:       newLockTable(defaultLockWait),
		clock:       clock,
		maxAttempts: defaultMaxAttempts,
	}
}

// Consume draws exactly one session for the booking identified by key.
// Re-delivery of the same key returns the original result without a
// second decrement.
func (e *ConsumptionEngine) Consume(ctx context.Context, owner OwnerID, key string) (ConsumeResult, error) {
	if key == "" {
		return ConsumeResult{}, fmt.Errorf("consume: %w: idempotency key required", ErrInvalidGrant)
	}

	// Fast path: already consumed, no lock needed.
	if prior, err := e.store.EntryByKey(ctx, key, ReasonBookingConsumption); err != nil {
		return ConsumeResult{}, fmt.Errorf("consume: idempotency lookup: %w", err)
	} else if prior != nil {
		return e.replay(ctx, prior)
	}

	release, err := e.locks.Acquire(ctx, owner)
	if err != nil {
		return ConsumeResult{}, err
	}
	defer release()

	var res ConsumeResult
	err = e.retryConflicts(ctx, func() error {
		return e.store.WithTx(ctx, func(s Store) error {
			// The key may have committed between the fast path and the lock.
			prior, err := s.EntryByKey(ctx, key, ReasonBookingConsumption)
			if err != nil {
				return err
			}
			if prior != nil {
				return ErrDuplicateConsumption
			}

			now := e.clock.Now()
			grants, err := s.ActiveGrants(ctx, owner, now)
			if err != nil {
				return err
			}

			target := selectGrant(grants, now)
			if target == nil {
				return &InsufficientBalanceError{OwnerID: owner, Remaining: 0}
			}

			target.SessionsConsumed++
			if err := s.UpdateGrant(ctx, *target); err != nil {
				return err
			}

			remaining := remainingForSource(grants, target.Source) - 1
			entry := Entry{
				ID:             newEntryID(),
				OwnerID:        owner,
				GrantID:        target.ID,
				Delta:          -1,
				Reason:         ReasonBookingConsumption,
				IdempotencyKey: key,
				ActorID:        ActorSystem,
				RemainingAfter: remaining,
				CreatedAt:      now,
			}
			if err := s.AppendEntry(ctx, entry); err != nil {
				return err
			}

			res = ConsumeResult{
				GrantID:        target.ID,
				Source:         target.Source,
				RemainingAfter: remaining,
			}
			return nil
		})
	})

	// A concurrent writer won the key: hand back its result.
	if errors.Is(err, ErrDuplicateConsumption) || errors.Is(err, ErrDuplicateIdempotencyKey) {
		prior, lookupErr := e.store.EntryByKey(ctx, key, ReasonBookingConsumption)
		if lookupErr == nil && prior != nil {
			return e.replay(ctx, prior)
		}
	}
	if err != nil {
		return ConsumeResult{}, err
	}
	return res, nil
}

// Refund reverses the consumption recorded under key: the original grant
// gets its session back (never below zero consumed) and a +1 entry is
// appended under the same key. Refund is itself idempotent.
func (e *ConsumptionEngine) Refund(ctx context.Context, key string) error {
	orig, err := e.store.EntryByKey(ctx, key, ReasonBookingConsumption)
	if err != nil {
		return fmt.Errorf("refund: idempotency lookup: %w", err)
	}
	if orig == nil {
		return fmt.Errorf("refund: no consumption for key %q: %w", key, ErrNotFound)
	}

	if prior, err := e.store.EntryByKey(ctx, key, ReasonRefund); err != nil {
		return fmt.Errorf("refund: idempotency lookup: %w", err)
	} else if prior != nil {
		return ErrDuplicateRefund
	}

	release, err := e.locks.Acquire(ctx, orig.OwnerID)
	if err != nil {
		return err
	}
	defer release()

	err = e.retryConflicts(ctx, func() error {
		return e.store.WithTx(ctx, func(s Store) error {
			prior, err := s.EntryByKey(ctx, key, ReasonRefund)
			if err != nil {
				return err
			}
			if prior != nil {
				return ErrDuplicateRefund
			}

			g, err := s.Grant(ctx, orig.GrantID)
			if err != nil {
				return err
			}

			// The session returns to the grant it was drawn from, even if
			// that grant has since expired.
			if g.SessionsConsumed > 0 {
				g.SessionsConsumed--
				if err := s.UpdateGrant(ctx, *g); err != nil {
					return err
				}
			}

			now := e.clock.Now()
			grants, err := s.ActiveGrants(ctx, orig.OwnerID, now)
			if err != nil {
				return err
			}

			return s.AppendEntry(ctx, Entry{
				ID:             newEntryID(),
				OwnerID:        orig.OwnerID,
				GrantID:        g.ID,
				Delta:          +1,
				Reason:         ReasonRefund,
				IdempotencyKey: key,
				ActorID:        ActorSystem,
				RemainingAfter: remainingForSource(grants, g.Source),
				CreatedAt:      now,
			})
		})
	})
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		return ErrDuplicateRefund
	}
	return err
}

// replay rebuilds the original Consume result from its stored entry.
func (e *ConsumptionEngine) replay(ctx context.Context, entry *Entry) (ConsumeResult, error) {
	g, err := e.store.Grant(ctx, entry.GrantID)
	if err != nil {
		return ConsumeResult{}, fmt.Errorf("replay grant %s: %w", entry.GrantID, err)
	}
	return ConsumeResult{
		GrantID:        entry.GrantID,
		Source:         g.Source,
		RemainingAfter: entry.RemainingAfter,
	}, nil
}

// retryConflicts runs op, retrying version conflicts with backoff up to
// maxAttempts total attempts. All other errors are permanent.
func (e *ConsumptionEngine) retryConflicts(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(e.maxAttempts-1)), ctx)

	return backoff.Retry(func() error {
		err := op()
		if err != nil && !errors.Is(err, ErrConcurrencyConflict) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

// =============================================================================
// GRANT SELECTION - Priority order
// =============================================================================

// selectGrant picks the grant to drain: employer before personal, then
// earliest expiry (no expiry last), then oldest grant, then id for a
// stable total order. Returns nil if nothing has remaining balance.
func selectGrant(grants []Grant, now time.Time) *Grant {
	usable := make([]Grant, 0, len(grants))
	for _, g := range grants {
		if g.Usable(now) {
			usable = append(usable, g)
		}
	}
	if len(usable) == 0 {
		return nil
	}

	sort.Slice(usable, func(i, j int) bool {
		a, b := usable[i], usable[j]
		if a.Source != b.Source {
			return a.Source.priority() < b.Source.priority()
		}
		switch {
		case a.ExpiresAt == nil && b.ExpiresAt == nil:
			// fall through to tiebreak
		case a.ExpiresAt == nil:
			return false
		case b.ExpiresAt == nil:
			return true
		case !a.ExpiresAt.Equal(*b.ExpiresAt):
			return a.ExpiresAt.Before(*b.ExpiresAt)
		}
		if !a.GrantedAt.Equal(b.GrantedAt) {
			return a.GrantedAt.Before(b.GrantedAt)
		}
		return a.ID < b.ID
	})

	g := usable[0]
	return &g
}

// remainingForSource sums remaining sessions over grants of one source.
func remainingForSource(grants []Grant, source Source) int {
	total := 0
	for _, g := range grants {
		if g.Source == source {
			total += g.Remaining()
		}
	}
	return total
}

func newEntryID() EntryID {
	return EntryID("ent-" + uuid.NewString())
}

func newGrantID() GrantID {
	return GrantID("grt-" + uuid.NewString())
}
