/*
Package ledger provides the session entitlement ledger.

PURPOSE:
  This package contains the types and algorithms for tracking consumable
  "sessions" (units of professional service) granted to users in batches.
  Grants come from two sources - employer-funded or personally purchased -
  and are consumed one at a time when a booking completes.

KEY CONCEPTS IN THIS FILE (types.go):
  - Grant: A batch of sessions issued to an owner, with optional expiry
  - Entry: An immutable ledger record of a balance-affecting event
  - Source: Employer or Personal origin of a grant
  - Balance: Derived per-source view of what an owner may still consume

DESIGN PRINCIPLES:
  1. Immutability: Ledger entries are never modified, only compensated
  2. Idempotency: Every consumption carries the booking id as its key,
     so a retried completion event has effect at most once
  3. Type Safety: Closed Source and Reason enums keep the priority and
     audit rules exhaustive
  4. Auditability: Every balance change has a reason, actor, and entry

USAGE:
  grant := ledger.Grant{
      OwnerID:         "user-123",
      Source:          ledger.SourceEmployer,
      SessionsGranted: 10,
  }
  remaining := grant.Remaining() // 10

SEE ALSO:
  - consume.go: Atomic consumption with source-priority rules
  - balance.go: Balance computation from stored grants
  - store.go: Persistence interfaces
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type OwnerID string
type GrantID string
type EntryID string

// ActorID identifies who caused a balance change: a user, an admin,
// an HR account, or "system" for sweeper-originated entries.
type ActorID string

const ActorSystem ActorID = "system"

// =============================================================================
// SOURCE - Where a grant's sessions came from
// =============================================================================

// Source is a closed enum so the consumption priority rule
// (employer before personal) stays exhaustive.
type Source string

const (
	SourceEmployer Source = "employer" // company-funded allocation
	SourcePersonal Source = "personal" // self-purchased allocation
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	return s == SourceEmployer || s == SourcePersonal
}

// priority orders sources for consumption: employer-funded sessions
// are drained before personally purchased ones.
func (s Source) priority() int {
	if s == SourceEmployer {
		return 0
	}
	return 1
}

// =============================================================================
// GRANT - A batch of sessions available to an owner
// =============================================================================

type GrantStatus string

const (
	StatusActive  GrantStatus = "active"
	StatusExpired GrantStatus = "expired"
	StatusRevoked GrantStatus = "revoked"
)

// Grant is a batch of sessions issued to one owner from one source.
//
// INVARIANTS:
//   - 0 <= SessionsConsumed <= SessionsGranted at all times
//   - Status moves only active -> expired or active -> revoked;
//     reactivation is modeled as a new grant, never a status reversal
//   - SessionsGranted is fixed at creation
//
// Grants are never deleted; expired and revoked grants remain for audit.
type Grant struct {
	ID      GrantID
	OwnerID OwnerID

	// CompanyID is set for employer-funded grants and identifies the
	// paying company. Empty for personal grants.
	CompanyID string

	Source           Source
	SessionsGranted  int
	SessionsConsumed int

	GrantedAt time.Time
	ExpiresAt *time.Time // nil means the grant never expires
	Status    GrantStatus

	// Version is the optimistic concurrency token. Every successful
	// update increments it; a stale version fails the write.
	Version int

	CreatedBy ActorID
}

// Remaining returns the sessions still consumable from this grant.
func (g Grant) Remaining() int {
	return g.SessionsGranted - g.SessionsConsumed
}

// ExpiredAt reports whether the grant's expiry has passed as of now.
// A grant with no expiry never expires.
func (g Grant) ExpiredAt(now time.Time) bool {
	return g.ExpiresAt != nil && !g.ExpiresAt.After(now)
}

// Usable reports whether sessions may be drawn from this grant:
// active, unexpired, and with remaining balance.
func (g Grant) Usable(now time.Time) bool {
	return g.Status == StatusActive && !g.ExpiredAt(now) && g.Remaining() > 0
}

// =============================================================================
// ENTRY - Immutable record of a balance-affecting event
// =============================================================================

// Reason classifies why a ledger entry exists.
type Reason string

const (
	ReasonGrant              Reason = "grant"               // grant issuance
	ReasonBookingConsumption Reason = "booking_consumption" // session used for a completed booking
	ReasonRefund             Reason = "refund"              // consumption reversed
	ReasonAdminAdjustment    Reason = "admin_adjustment"    // manual credit/debit or revocation marker
	ReasonExpirySweep        Reason = "expiry_sweep"        // status-change marker, delta 0
)

// Entry is one immutable ledger record. Entries are never updated or
// deleted; corrections are made by appending compensating entries.
//
// INVARIANT: for a given IdempotencyKey and Reason, at most one entry
// exists system-wide. For booking consumptions the key is the booking id,
// which is the anti-double-spend guarantee.
type Entry struct {
	ID      EntryID
	OwnerID OwnerID
	GrantID GrantID

	// Delta is the balance effect: -1 for a consumption, +1 for a refund,
	// +N for issuance, 0 for status-change markers.
	Delta int

	Reason         Reason
	IdempotencyKey string
	ActorID        ActorID

	// Note carries the human-readable justification for adjustments.
	Note string

	// RemainingAfter records the owner's remaining balance in the touched
	// grant's source right after this event. Idempotent replays of a
	// consumption return this stored value rather than recomputing it.
	RemainingAfter int

	CreatedAt time.Time
}

// =============================================================================
// BALANCE - Derived per-source view, never stored
// =============================================================================

// Balance is the owner's consumable-session view, computed on demand by
// summing (granted - consumed) over active, unexpired grants per source.
// Granted/consumed totals ride along because the surrounding product
// renders "X of Y used" progress.
type Balance struct {
	OwnerID OwnerID
	AsOf    time.Time

	EmployerRemaining int
	PersonalRemaining int

	EmployerGranted  int
	EmployerConsumed int
	PersonalGranted  int
	PersonalConsumed int
}

// TotalRemaining returns the owner's combined remaining sessions.
func (b Balance) TotalRemaining() int {
	return b.EmployerRemaining + b.PersonalRemaining
}

// Remaining returns the remaining sessions for one source.
func (b Balance) Remaining(s Source) int {
	if s == SourceEmployer {
		return b.EmployerRemaining
	}
	return b.PersonalRemaining
}

// Utilization returns consumed/granted across both sources as an exact
// decimal ratio in [0, 1]. Zero granted yields zero.
func (b Balance) Utilization() decimal.Decimal {
	granted := b.EmployerGranted + b.PersonalGranted
	if granted == 0 {
		return decimal.Zero
	}
	consumed := b.EmployerConsumed + b.PersonalConsumed
	return decimal.NewFromInt(int64(consumed)).Div(decimal.NewFromInt(int64(granted)))
}

// =============================================================================
// CONSUMPTION RESULT
// =============================================================================

// ConsumeResult reports which grant a session was drawn from and the
// owner's remaining balance in that source afterwards.
type ConsumeResult struct {
	GrantID        GrantID
	Source         Source
	RemainingAfter int
}
