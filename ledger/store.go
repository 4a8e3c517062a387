/*
store.go - Persistence interfaces for grants and ledger entries

PURPOSE:
  Defines the seam between the ledger logic and the database. Grants are
  mutable rows guarded by a version token; entries are append-only.

APPEND-ONLY CONTRACT:
  The entry side of the Store has no Update or Delete. Corrections are
  made by appending compensating entries (refunds, reverse adjustments).

IDEMPOTENCY:
  AppendEntry rejects a (idempotency_key, reason) pair that already
  exists. The same booking id may appear once as a consumption and once
  as a refund, but never twice under the same reason.

ATOMIC UNITS:
  TxStore.WithTx scopes a grant mutation and its entry append as one
  atomic unit: both commit or both roll back. No partial state is ever
  observable.

IMPLEMENTATIONS:
  - store/sqlite: durable store (production path)
  - ledger/store: in-memory store (tests, dev)

SEE ALSO:
  - consume.go: The main WithTx user
  - store/sqlite/sqlite.go: Concrete implementation
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Grants (versioned) + entries (append-only)
// =============================================================================

// Store handles persistence of grants and ledger entries.
type Store interface {
	// InsertGrant persists a new grant.
	InsertGrant(ctx context.Context, g Grant) error

	// Grant returns a grant by id, or ErrNotFound.
	Grant(ctx context.Context, id GrantID) (*Grant, error)

	// GrantsByOwner returns all grants for an owner, any status,
	// ordered by GrantedAt.
	GrantsByOwner(ctx context.Context, owner OwnerID) ([]Grant, error)

	// ActiveGrants returns the owner's active, unexpired grants as of now.
	// Grants past their expiry are excluded even if the sweeper has not
	// flipped them yet.
	ActiveGrants(ctx context.Context, owner OwnerID, now time.Time) ([]Grant, error)

	// UpdateGrant writes consumed/status changes guarded by g.Version.
	// Returns ErrConcurrencyConflict if the stored version differs, and
	// increments the version on success.
	UpdateGrant(ctx context.Context, g Grant) error

	// ExpiryCandidates returns active grants whose expiry has passed.
	ExpiryCandidates(ctx context.Context, now time.Time) ([]Grant, error)

	// AppendEntry persists a ledger entry. Returns
	// ErrDuplicateIdempotencyKey if (key, reason) already exists.
	// This is the ONLY write operation on entries.
	AppendEntry(ctx context.Context, e Entry) error

	// Entries returns an owner's entries, oldest first, optionally filtered.
	Entries(ctx context.Context, owner OwnerID, f EntryFilter) ([]Entry, error)

	// EntryByKey returns the entry for (idempotency key, reason), or nil
	// if none exists.
	EntryByKey(ctx context.Context, key string, reason Reason) (*Entry, error)
}

// EntryFilter narrows ListLedger reads. Zero values mean "no filter".
type EntryFilter struct {
	From    *time.Time
	To      *time.Time
	Reason  *Reason
	GrantID GrantID
}

// =============================================================================
// TRANSACTIONAL STORE - Atomic grant mutation + entry append
// =============================================================================

// TxStore wraps Store with transaction support. All mutating ledger
// operations run inside WithTx.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns an error, everything is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
