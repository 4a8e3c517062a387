package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/session-ledger/ledger"
)

// =============================================================================
// EXPIRATION SWEEP TESTS
// =============================================================================

func TestSweep_NonDestructive(t *testing.T) {
	// GIVEN: A grant with 4 of 10 sessions consumed, now past expiry
	// WHEN: The sweep runs
	// THEN: Status flips to expired, consumed stays at 4, and the owner's
	//       balance no longer counts the remaining 6

	svc, mem, clock := newTestService(t)
	ctx := context.Background()

	id := issueGrant(t, svc, "user-1", ledger.SourceEmployer, 10, timePtr(clock.Now().Add(time.Hour)))
	require.NoError(t, svc.Manager.Adjust(ctx, id, 4, "setup", "admin-7"))

	clock.Advance(2 * time.Hour)

	count, err := svc.Sweeper.Sweep(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	g, err := mem.Grant(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusExpired, g.Status)
	assert.Equal(t, 4, g.SessionsConsumed, "sweep must not touch consumption history")

	balance, err := svc.Balance.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 0, balance.EmployerRemaining)
}

func TestSweep_AppendsMarkerEntry(t *testing.T) {
	// GIVEN: An expired grant retired by the sweep
	// WHEN: Listing the owner's ledger
	// THEN: A zero-delta expiry_sweep entry attributed to "system" exists

	svc, _, clock := newTestService(t)
	ctx := context.Background()

	id := issueGrant(t, svc, "user-1", ledger.SourcePersonal, 5, timePtr(clock.Now().Add(time.Hour)))

	clock.Advance(2 * time.Hour)
	_, err := svc.Sweeper.Sweep(ctx, clock.Now())
	require.NoError(t, err)

	reason := ledger.ReasonExpirySweep
	entries, err := svc.Balance.ListLedger(ctx, "user-1", ledger.EntryFilter{Reason: &reason})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 0, entries[0].Delta)
	assert.Equal(t, id, entries[0].GrantID)
	assert.Equal(t, ledger.ActorSystem, entries[0].ActorID)
}

func TestSweep_Idempotent(t *testing.T) {
	// GIVEN: A sweep already retired a grant
	// WHEN: The sweep runs again
	// THEN: Nothing changes and no second marker appears

	svc, _, clock := newTestService(t)
	ctx := context.Background()

	issueGrant(t, svc, "user-1", ledger.SourcePersonal, 5, timePtr(clock.Now().Add(time.Hour)))
	clock.Advance(2 * time.Hour)

	count, err := svc.Sweeper.Sweep(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = svc.Sweeper.Sweep(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	reason := ledger.ReasonExpirySweep
	entries, err := svc.Balance.ListLedger(ctx, "user-1", ledger.EntryFilter{Reason: &reason})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSweep_LeavesUnexpiredGrantsAlone(t *testing.T) {
	svc, mem, clock := newTestService(t)
	ctx := context.Background()

	expiredID := issueGrant(t, svc, "user-1", ledger.SourceEmployer, 5, timePtr(clock.Now().Add(time.Hour)))
	openID := issueGrant(t, svc, "user-1", ledger.SourcePersonal, 3, nil)
	laterID := issueGrant(t, svc, "user-2", ledger.SourcePersonal, 3, timePtr(clock.Now().Add(48*time.Hour)))

	clock.Advance(2 * time.Hour)

	count, err := svc.Sweeper.Sweep(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	for _, id := range []ledger.GrantID{openID, laterID} {
		g, err := mem.Grant(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusActive, g.Status)
	}

	g, err := mem.Grant(ctx, expiredID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusExpired, g.Status)
}

func TestSweep_RevokedGrantNotTouched(t *testing.T) {
	// GIVEN: A grant revoked before its expiry passed
	// WHEN: The sweep runs after the expiry
	// THEN: The grant stays revoked; no expiry marker is written

	svc, mem, clock := newTestService(t)
	ctx := context.Background()

	id := issueGrant(t, svc, "user-1", ledger.SourcePersonal, 5, timePtr(clock.Now().Add(time.Hour)))
	require.NoError(t, svc.Manager.Revoke(ctx, id, "plan cancelled", "admin-7"))

	clock.Advance(2 * time.Hour)

	count, err := svc.Sweeper.Sweep(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	g, err := mem.Grant(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusRevoked, g.Status)
}
