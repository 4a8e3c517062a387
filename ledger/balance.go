/*
balance.go - Balance computation from stored grants

PURPOSE:
  Answers "how many sessions can this owner still use?" by summing
  (granted - consumed) over active, unexpired grants, split by source.

KEY INSIGHT:
  Balance is derived, never stored. There is no counter that can drift
  out of sync with the grants: the calculator is a pure function of
  stored state, safe to call concurrently and repeatedly.

EXPIRY:
  A grant past its expiry is excluded from the balance even before the
  sweeper has flipped its status. The sweeper makes the retirement
  durable and auditable; the calculator makes it immediate.

SEE ALSO:
  - consume.go: Uses the same grant selection view
  - sweep.go: Durable retirement of expired grants
*/
package ledger

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
)

// =============================================================================
// BALANCE CALCULATOR - Read-only, no side effects
// =============================================================================

// BalanceCalculator computes an owner's derived balance.
type BalanceCalculator struct {
	store Store
	clock clockwork.Clock
}

// NewBalanceCalculator creates a calculator over the given store.
func NewBalanceCalculator(store Store, clock clockwork.Clock) *BalanceCalculator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &BalanceCalculator{store: store, clock: clock}
}

// GetBalance sums the owner's active, unexpired grants per source.
func (bc *BalanceCalculator) GetBalance(ctx context.Context, owner OwnerID) (Balance, error) {
	now := bc.clock.Now()
	grants, err := bc.store.ActiveGrants(ctx, owner, now)
	if err != nil {
		return Balance{}, fmt.Errorf("load active grants: %w", err)
	}

	b := Balance{OwnerID: owner, AsOf: now}
	for _, g := range grants {
		switch g.Source {
		case SourceEmployer:
			b.EmployerGranted += g.SessionsGranted
			b.EmployerConsumed += g.SessionsConsumed
			b.EmployerRemaining += g.Remaining()
		case SourcePersonal:
			b.PersonalGranted += g.SessionsGranted
			b.PersonalConsumed += g.SessionsConsumed
			b.PersonalRemaining += g.Remaining()
		}
	}
	return b, nil
}

// ListLedger returns the owner's ledger entries, oldest first.
func (bc *BalanceCalculator) ListLedger(ctx context.Context, owner OwnerID, f EntryFilter) ([]Entry, error) {
	return bc.store.Entries(ctx, owner, f)
}
