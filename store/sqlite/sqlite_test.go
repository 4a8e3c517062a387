package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/session-ledger/ledger"
	"github.com/warp/session-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testGrant(id, owner string) ledger.Grant {
	return ledger.Grant{
		ID:              ledger.GrantID(id),
		OwnerID:         ledger.OwnerID(owner),
		Source:          ledger.SourcePersonal,
		SessionsGranted: 5,
		GrantedAt:       time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC),
		Status:          ledger.StatusActive,
		CreatedBy:       "hr-1",
	}
}

// =============================================================================
// GRANT ROUND-TRIP TESTS
// =============================================================================

func TestStore_GrantRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	expiry := time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC)
	g := testGrant("grt-1", "user-1")
	g.Source = ledger.SourceEmployer
	g.CompanyID = "acme"
	g.ExpiresAt = &expiry

	require.NoError(t, store.InsertGrant(ctx, g))

	loaded, err := store.Grant(ctx, "grt-1")
	require.NoError(t, err)
	assert.Equal(t, g.OwnerID, loaded.OwnerID)
	assert.Equal(t, g.CompanyID, loaded.CompanyID)
	assert.Equal(t, g.Source, loaded.Source)
	assert.Equal(t, g.SessionsGranted, loaded.SessionsGranted)
	assert.Equal(t, g.GrantedAt, loaded.GrantedAt)
	require.NotNil(t, loaded.ExpiresAt)
	assert.True(t, expiry.Equal(*loaded.ExpiresAt))
	assert.Equal(t, 1, loaded.Version, "version defaults to 1 on insert")
	assert.Equal(t, ledger.ActorID("hr-1"), loaded.CreatedBy)
}

func TestStore_GrantNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Grant(context.Background(), "grt-missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestStore_ActiveGrantsExcludesExpiredAndRetired(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, time.March, 15, 0, 0, 0, 0, time.UTC)

	active := testGrant("grt-active", "user-1")

	past := now.Add(-time.Hour)
	expired := testGrant("grt-expired", "user-1")
	expired.ExpiresAt = &past

	revoked := testGrant("grt-revoked", "user-1")
	revoked.Status = ledger.StatusRevoked

	other := testGrant("grt-other", "user-2")

	for _, g := range []ledger.Grant{active, expired, revoked, other} {
		require.NoError(t, store.InsertGrant(ctx, g))
	}

	grants, err := store.ActiveGrants(ctx, "user-1", now)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, ledger.GrantID("grt-active"), grants[0].ID)
}

// =============================================================================
// OPTIMISTIC CONCURRENCY TESTS
// =============================================================================

func TestStore_UpdateGrant_VersionGuard(t *testing.T) {
	// GIVEN: A stored grant at version 1
	// WHEN: Two writers update from the same snapshot
	// THEN: The first wins, the second gets a concurrency conflict

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertGrant(ctx, testGrant("grt-1", "user-1")))

	g, err := store.Grant(ctx, "grt-1")
	require.NoError(t, err)

	first := *g
	first.SessionsConsumed = 1
	require.NoError(t, store.UpdateGrant(ctx, first))

	stale := *g
	stale.SessionsConsumed = 2
	err = store.UpdateGrant(ctx, stale)
	assert.ErrorIs(t, err, ledger.ErrConcurrencyConflict)

	reloaded, err := store.Grant(ctx, "grt-1")
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.SessionsConsumed)
	assert.Equal(t, 2, reloaded.Version)
}

func TestStore_UpdateGrant_MissingRow(t *testing.T) {
	store := newTestStore(t)

	g := testGrant("grt-ghost", "user-1")
	g.Version = 1
	err := store.UpdateGrant(context.Background(), g)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestStore_UpdateGrant_OverdraftRejectedByCheck(t *testing.T) {
	// The CHECK constraint is the last line of defense against overdraft.
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertGrant(ctx, testGrant("grt-1", "user-1")))

	g, err := store.Grant(ctx, "grt-1")
	require.NoError(t, err)

	g.SessionsConsumed = g.SessionsGranted + 1
	err = store.UpdateGrant(ctx, *g)
	assert.ErrorIs(t, err, ledger.ErrInvalidAdjustment)
}

// =============================================================================
// LEDGER ENTRY TESTS
// =============================================================================

func testEntry(id, owner, key string, reason ledger.Reason) ledger.Entry {
	return ledger.Entry{
		ID:             ledger.EntryID(id),
		OwnerID:        ledger.OwnerID(owner),
		GrantID:        "grt-1",
		Delta:          -1,
		Reason:         reason,
		IdempotencyKey: key,
		ActorID:        ledger.ActorSystem,
		RemainingAfter: 4,
		CreatedAt:      time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC),
	}
}

func TestStore_AppendEntry_DuplicateKeyRejected(t *testing.T) {
	// GIVEN: A consumption entry stored under "booking-1"
	// WHEN: A second consumption entry uses the same key
	// THEN: The unique index rejects it; a refund under the key still fits

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendEntry(ctx,
		testEntry("ent-1", "user-1", "booking-1", ledger.ReasonBookingConsumption)))

	err := store.AppendEntry(ctx,
		testEntry("ent-2", "user-1", "booking-1", ledger.ReasonBookingConsumption))
	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)

	refund := testEntry("ent-3", "user-1", "booking-1", ledger.ReasonRefund)
	refund.Delta = +1
	assert.NoError(t, store.AppendEntry(ctx, refund),
		"same key under a different reason is a distinct event")
}

func TestStore_AppendEntry_EmptyKeysDoNotCollide(t *testing.T) {
	// Issuance entries carry no idempotency key; the partial index must
	// not treat two NULL keys as duplicates.
	store := newTestStore(t)
	ctx := context.Background()

	e1 := testEntry("ent-1", "user-1", "", ledger.ReasonGrant)
	e2 := testEntry("ent-2", "user-1", "", ledger.ReasonGrant)
	require.NoError(t, store.AppendEntry(ctx, e1))
	require.NoError(t, store.AppendEntry(ctx, e2))
}

func TestStore_EntryByKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	stored := testEntry("ent-1", "user-1", "booking-1", ledger.ReasonBookingConsumption)
	require.NoError(t, store.AppendEntry(ctx, stored))

	found, err := store.EntryByKey(ctx, "booking-1", ledger.ReasonBookingConsumption)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, stored.ID, found.ID)
	assert.Equal(t, stored.RemainingAfter, found.RemainingAfter)
	assert.Equal(t, stored.CreatedAt, found.CreatedAt)

	missing, err := store.EntryByKey(ctx, "booking-1", ledger.ReasonRefund)
	require.NoError(t, err)
	assert.Nil(t, missing)

	empty, err := store.EntryByKey(ctx, "", ledger.ReasonBookingConsumption)
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestStore_EntriesFiltered(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)
	for i, reason := range []ledger.Reason{
		ledger.ReasonGrant, ledger.ReasonBookingConsumption, ledger.ReasonRefund,
	} {
		e := testEntry(string(rune('a'+i)), "user-1", "", reason)
		e.IdempotencyKey = ""
		e.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, store.AppendEntry(ctx, e))
	}

	all, err := store.Entries(ctx, "user-1", ledger.EntryFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[0].CreatedAt.Before(all[2].CreatedAt), "oldest first")

	reason := ledger.ReasonRefund
	refunds, err := store.Entries(ctx, "user-1", ledger.EntryFilter{Reason: &reason})
	require.NoError(t, err)
	require.Len(t, refunds, 1)

	from := base.Add(30 * time.Minute)
	to := base.Add(90 * time.Minute)
	window, err := store.Entries(ctx, "user-1", ledger.EntryFilter{From: &from, To: &to})
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, ledger.ReasonBookingConsumption, window[0].Reason)
}

// =============================================================================
// TRANSACTION TESTS
// =============================================================================

func TestStore_WithTx_RollsBackOnError(t *testing.T) {
	// GIVEN: A transaction that inserts a grant and then fails
	// WHEN: The transaction returns an error
	// THEN: The grant insert is rolled back

	store := newTestStore(t)
	ctx := context.Background()

	sentinel := errors.New("boom")
	err := store.WithTx(ctx, func(s ledger.Store) error {
		if err := s.InsertGrant(ctx, testGrant("grt-1", "user-1")); err != nil {
			return err
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	_, err = store.Grant(ctx, "grt-1")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestStore_WithTx_CommitsGrantAndEntryTogether(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(s ledger.Store) error {
		if err := s.InsertGrant(ctx, testGrant("grt-1", "user-1")); err != nil {
			return err
		}
		return s.AppendEntry(ctx, ledger.Entry{
			ID:        "ent-1",
			OwnerID:   "user-1",
			GrantID:   "grt-1",
			Delta:     5,
			Reason:    ledger.ReasonGrant,
			ActorID:   "hr-1",
			CreatedAt: time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC),
		})
	})
	require.NoError(t, err)

	g, err := store.Grant(ctx, "grt-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusActive, g.Status)

	entries, err := store.Entries(ctx, "user-1", ledger.EntryFilter{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestStore_WithTx_DuplicateKeyRollsBackGrantUpdate(t *testing.T) {
	// GIVEN: A committed consumption entry for "booking-1"
	// WHEN: A transaction decrements a grant and re-appends the same key
	// THEN: The whole unit rolls back, the grant decrement included

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertGrant(ctx, testGrant("grt-1", "user-1")))
	require.NoError(t, store.AppendEntry(ctx,
		testEntry("ent-1", "user-1", "booking-1", ledger.ReasonBookingConsumption)))

	err := store.WithTx(ctx, func(s ledger.Store) error {
		g, err := s.Grant(ctx, "grt-1")
		if err != nil {
			return err
		}
		g.SessionsConsumed++
		if err := s.UpdateGrant(ctx, *g); err != nil {
			return err
		}
		return s.AppendEntry(ctx,
			testEntry("ent-2", "user-1", "booking-1", ledger.ReasonBookingConsumption))
	})
	require.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)

	g, err := store.Grant(ctx, "grt-1")
	require.NoError(t, err)
	assert.Equal(t, 0, g.SessionsConsumed, "decrement must not survive the rollback")
	assert.Equal(t, 1, g.Version)
}

// =============================================================================
// SWEEP QUERY TESTS
// =============================================================================

func TestStore_ExpiryCandidates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, time.March, 15, 0, 0, 0, 0, time.UTC)

	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	due := testGrant("grt-due", "user-1")
	due.ExpiresAt = &past

	notYet := testGrant("grt-later", "user-1")
	notYet.ExpiresAt = &future

	open := testGrant("grt-open", "user-1")

	alreadyExpired := testGrant("grt-done", "user-1")
	alreadyExpired.ExpiresAt = &past
	alreadyExpired.Status = ledger.StatusExpired

	for _, g := range []ledger.Grant{due, notYet, open, alreadyExpired} {
		require.NoError(t, store.InsertGrant(ctx, g))
	}

	candidates, err := store.ExpiryCandidates(ctx, now)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, ledger.GrantID("grt-due"), candidates[0].ID)
}
