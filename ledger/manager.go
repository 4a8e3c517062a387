/*
manager.go - Grant issuance and administrative adjustment

PURPOSE:
  The write path for everything that is not a booking: issuing grants,
  materializing company allocations into per-employee grants, manual
  credits/debits, and revocation. Every mutation validates the grant
  invariants first and ends with a ledger entry, so every grant and every
  adjustment has a traceable origin - adjustments are never anonymous.

VALIDATION RULES:
  - sessions > 0
  - employer grants carry the paying company's id; personal grants must not
  - an expiry, when set, lies in the future
  - adjustments keep consumed within [0, granted]
  - adjustments and revocations require a note and an actor

SEE ALSO:
  - consume.go: The booking-driven write path
  - types.go: Grant invariants
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

// =============================================================================
// ALLOCATION MANAGER
// =============================================================================

// AllocationManager issues grants and performs administrative changes.
type AllocationManager struct {
	store TxStore
	locks *lockTable
	clock clockwork.Clock
}

// NewAllocationManager creates a manager over the given store.
// A nil clock means the real clock.
func NewAllocationManager(store TxStore, clock clockwork.Clock) *AllocationManager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &AllocationManager{
		store: store,
		locks: newLockTable(defaultLockWait),
		clock: clock,
	}
}

// GrantInput describes a grant to issue.
type GrantInput struct {
	OwnerID   OwnerID
	CompanyID string // required for employer grants, forbidden for personal
	Source    Source
	Sessions  int
	ExpiresAt *time.Time // nil means never expires
	ActorID   ActorID
}

// Grant issues a new grant and appends its issuance entry atomically.
func (m *AllocationManager) Grant(ctx context.Context, in GrantInput) (GrantID, error) {
	now := m.clock.Now()
	if err := validateGrantInput(in, now); err != nil {
		return "", err
	}

	g := Grant{
		ID:               newGrantID(),
		OwnerID:          in.OwnerID,
		CompanyID:        in.CompanyID,
		Source:           in.Source,
		SessionsGranted:  in.Sessions,
		SessionsConsumed: 0,
		GrantedAt:        now,
		ExpiresAt:        in.ExpiresAt,
		Status:           StatusActive,
		CreatedBy:        in.ActorID,
	}

	err := m.store.WithTx(ctx, func(s Store) error {
		if err := s.InsertGrant(ctx, g); err != nil {
			return err
		}
		return s.AppendEntry(ctx, Entry{
			ID:        newEntryID(),
			OwnerID:   g.OwnerID,
			GrantID:   g.ID,
			Delta:     g.SessionsGranted,
			Reason:    ReasonGrant,
			ActorID:   in.ActorID,
			CreatedAt: now,
		})
	})
	if err != nil {
		return "", fmt.Errorf("issue grant: %w", err)
	}
	return g.ID, nil
}

// IssueCompanyAllocation materializes a company allocation as individual
// employer grants, one per owner, in a single atomic batch. Keeping
// grants owner-scoped keeps consumption invariants owner-scoped too:
// there is no company-wide pool to contend on.
func (m *AllocationManager) IssueCompanyAllocation(ctx context.Context, companyID string, owners []OwnerID, sessionsEach int, expiresAt *time.Time, actor ActorID) ([]GrantID, error) {
	if companyID == "" {
		return nil, fmt.Errorf("%w: company id required", ErrInvalidGrant)
	}
	if len(owners) == 0 {
		return nil, fmt.Errorf("%w: no owners", ErrInvalidGrant)
	}

	now := m.clock.Now()
	ids := make([]GrantID, 0, len(owners))
	err := m.store.WithTx(ctx, func(s Store) error {
		for _, owner := range owners {
			in := GrantInput{
				OwnerID:   owner,
				CompanyID: companyID,
				Source:    SourceEmployer,
				Sessions:  sessionsEach,
				ExpiresAt: expiresAt,
				ActorID:   actor,
			}
			if err := validateGrantInput(in, now); err != nil {
				return err
			}
			g := Grant{
				ID:              newGrantID(),
				OwnerID:         owner,
				CompanyID:       companyID,
				Source:          SourceEmployer,
				SessionsGranted: sessionsEach,
				GrantedAt:       now,
				ExpiresAt:       expiresAt,
				Status:          StatusActive,
				CreatedBy:       actor,
			}
			if err := s.InsertGrant(ctx, g); err != nil {
				return err
			}
			if err := s.AppendEntry(ctx, Entry{
				ID:        newEntryID(),
				OwnerID:   owner,
				GrantID:   g.ID,
				Delta:     sessionsEach,
				Reason:    ReasonGrant,
				ActorID:   actor,
				CreatedAt: now,
			}); err != nil {
				return err
			}
			ids = append(ids, g.ID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("issue company allocation: %w", err)
	}
	return ids, nil
}

// Adjust applies delta to a grant's consumed sessions. Positive delta is
// an administrative debit (reduces remaining), negative is a credit.
// The change is rejected if it would push consumed outside [0, granted]
// or if the grant is no longer active.
func (m *AllocationManager) Adjust(ctx context.Context, id GrantID, delta int, note string, actor ActorID) error {
	if delta == 0 {
		return fmt.Errorf("%w: zero delta", ErrInvalidAdjustment)
	}
	if note == "" || actor == "" {
		return fmt.Errorf("%w: note and actor required", ErrInvalidAdjustment)
	}

	g, err := m.store.Grant(ctx, id)
	if err != nil {
		return err
	}

	release, err := m.locks.Acquire(ctx, g.OwnerID)
	if err != nil {
		return err
	}
	defer release()

	return m.store.WithTx(ctx, func(s Store) error {
		g, err := s.Grant(ctx, id)
		if err != nil {
			return err
		}
		if g.Status != StatusActive {
			return &NotActiveError{GrantID: g.ID, Status: g.Status}
		}

		next := g.SessionsConsumed + delta
		if next < 0 || next > g.SessionsGranted {
			return &InvalidAdjustmentError{
				GrantID:  g.ID,
				Delta:    delta,
				Consumed: g.SessionsConsumed,
				Granted:  g.SessionsGranted,
			}
		}

		g.SessionsConsumed = next
		if err := s.UpdateGrant(ctx, *g); err != nil {
			return err
		}

		now := m.clock.Now()
		grants, err := s.ActiveGrants(ctx, g.OwnerID, now)
		if err != nil {
			return err
		}
		return s.AppendEntry(ctx, Entry{
			ID:      newEntryID(),
			OwnerID: g.OwnerID,
			GrantID: g.ID,
			// Ledger delta is the balance effect: a debit on consumed
			// shows as a negative entry.
			Delta:          -delta,
			Reason:         ReasonAdminAdjustment,
			ActorID:        actor,
			Note:           note,
			RemainingAfter: remainingForSource(grants, g.Source),
			CreatedAt:      now,
		})
	})
}

// Revoke retires an active grant. Recorded consumption is untouched; the
// remaining balance simply stops counting. A zero-delta marker entry
// records who revoked it and why.
func (m *AllocationManager) Revoke(ctx context.Context, id GrantID, note string, actor ActorID) error {
	if note == "" || actor == "" {
		return fmt.Errorf("%w: note and actor required", ErrInvalidAdjustment)
	}

	g, err := m.store.Grant(ctx, id)
	if err != nil {
		return err
	}

	release, err := m.locks.Acquire(ctx, g.OwnerID)
	if err != nil {
		return err
	}
	defer release()

	return m.store.WithTx(ctx, func(s Store) error {
		g, err := s.Grant(ctx, id)
		if err != nil {
			return err
		}
		if g.Status != StatusActive {
			return &NotActiveError{GrantID: g.ID, Status: g.Status}
		}

		g.Status = StatusRevoked
		if err := s.UpdateGrant(ctx, *g); err != nil {
			return err
		}
		return s.AppendEntry(ctx, Entry{
			ID:        newEntryID(),
			OwnerID:   g.OwnerID,
			GrantID:   g.ID,
			Delta:     0,
			Reason:    ReasonAdminAdjustment,
			ActorID:   actor,
			Note:      note,
			CreatedAt: m.clock.Now(),
		})
	})
}

func validateGrantInput(in GrantInput, now time.Time) error {
	if in.OwnerID == "" {
		return fmt.Errorf("%w: owner required", ErrInvalidGrant)
	}
	if !in.Source.Valid() {
		return fmt.Errorf("%w: unknown source %q", ErrInvalidGrant, in.Source)
	}
	if in.Sessions <= 0 {
		return fmt.Errorf("%w: sessions must be positive, got %d", ErrInvalidGrant, in.Sessions)
	}
	if in.Source == SourceEmployer && in.CompanyID == "" {
		return fmt.Errorf("%w: employer grant requires a company id", ErrInvalidGrant)
	}
	if in.Source == SourcePersonal && in.CompanyID != "" {
		return fmt.Errorf("%w: personal grant cannot carry a company id", ErrInvalidGrant)
	}
	if in.ExpiresAt != nil && !in.ExpiresAt.After(now) {
		return fmt.Errorf("%w: expiry %s is not in the future", ErrInvalidGrant, in.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}
