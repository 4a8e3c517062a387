/*
sweep.go - Expiration sweeper

PURPOSE:
  Periodic reconciliation that retires grants whose expiry has passed.
  The sweep only flips status: sessions already consumed from an expiring
  grant stay recorded against it permanently. Each flip appends a
  zero-delta marker entry so the audit trail shows exactly when and why
  remaining balance disappeared from an owner's total.

RACING WITH CONSUMPTION:
  A grant can tip from active to expired while a consumption is selecting
  grants. Both paths mutate through the same versioned store rows inside
  transactions, so the flip and the decrement cannot interleave into an
  inconsistent state: whichever commits second sees the other's write or
  fails its version check and retries.

IDEMPOTENCY:
  Marker entries are keyed "sweep:<grant-id>", so a re-run against an
  already-flipped grant cannot duplicate the marker.

SEE ALSO:
  - api/scheduler.go: The fixed-interval loop driving Sweep
  - balance.go: Excludes past-expiry grants even before the flip
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// EXPIRATION SWEEPER
// =============================================================================

// ExpirationSweeper retires grants whose expiry has passed.
type ExpirationSweeper struct {
	store TxStore
	locks *lockTable
}

// NewExpirationSweeper creates a sweeper over the given store.
func NewExpirationSweeper(store TxStore) *ExpirationSweeper {
	return &ExpirationSweeper{
		store: store,
		locks: newLockTable(defaultLockWait),
	}
}

// Sweep flips active grants with expires_at <= now to expired and
// returns how many were retired. now is injectable for testing and for
// the admin endpoint.
func (sw *ExpirationSweeper) Sweep(ctx context.Context, now time.Time) (int, error) {
	candidates, err := sw.store.ExpiryCandidates(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("sweep: load candidates: %w", err)
	}

	count := 0
	for _, candidate := range candidates {
		expired, err := sw.expireOne(ctx, candidate, now)
		if err != nil {
			return count, fmt.Errorf("sweep grant %s: %w", candidate.ID, err)
		}
		if expired {
			count++
		}
	}
	return count, nil
}

// expireOne retires a single grant under its owner's lock. Reports false
// without error if the grant was flipped by someone else in the meantime.
func (sw *ExpirationSweeper) expireOne(ctx context.Context, candidate Grant, now time.Time) (bool, error) {
	release, err := sw.locks.Acquire(ctx, candidate.OwnerID)
	if err != nil {
		return false, err
	}
	defer release()

	expired := false
	err = sw.store.WithTx(ctx, func(s Store) error {
		g, err := s.Grant(ctx, candidate.ID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}
		if g.Status != StatusActive || !g.ExpiredAt(now) {
			return nil
		}

		g.Status = StatusExpired
		if err := s.UpdateGrant(ctx, *g); err != nil {
			return err
		}

		err = s.AppendEntry(ctx, Entry{
			ID:             newEntryID(),
			OwnerID:        g.OwnerID,
			GrantID:        g.ID,
			Delta:          0,
			Reason:         ReasonExpirySweep,
			IdempotencyKey: "sweep:" + string(g.ID),
			ActorID:        ActorSystem,
			CreatedAt:      now,
		})
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			// Already marked by an earlier run; the flip still counts.
			err = nil
		}
		if err != nil {
			return err
		}
		expired = true
		return nil
	})
	return expired, err
}
