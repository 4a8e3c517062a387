package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/session-ledger/ledger"
	"github.com/warp/session-ledger/ledger/store"
)

func memGrant(id string) ledger.Grant {
	return ledger.Grant{
		ID:              ledger.GrantID(id),
		OwnerID:         "user-1",
		Source:          ledger.SourcePersonal,
		SessionsGranted: 5,
		GrantedAt:       time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC),
		Status:          ledger.StatusActive,
	}
}

func TestMemory_WithTx_RollsBackOnError(t *testing.T) {
	mem := store.NewTxMemory()
	ctx := context.Background()

	sentinel := errors.New("boom")
	err := mem.WithTx(ctx, func(s ledger.Store) error {
		if err := s.InsertGrant(ctx, memGrant("grt-1")); err != nil {
			return err
		}
		if err := s.AppendEntry(ctx, ledger.Entry{
			ID: "ent-1", OwnerID: "user-1", GrantID: "grt-1",
			Delta: 5, Reason: ledger.ReasonGrant,
			IdempotencyKey: "issue-1", CreatedAt: time.Now(),
		}); err != nil {
			return err
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	_, err = mem.Grant(ctx, "grt-1")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	// The idempotency reservation must roll back too, or a retry would
	// be rejected forever.
	e, err := mem.EntryByKey(ctx, "issue-1", ledger.ReasonGrant)
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestMemory_UpdateGrant_VersionGuard(t *testing.T) {
	mem := store.NewTxMemory()
	ctx := context.Background()

	require.NoError(t, mem.InsertGrant(ctx, memGrant("grt-1")))

	g, err := mem.Grant(ctx, "grt-1")
	require.NoError(t, err)

	first := *g
	first.SessionsConsumed = 1
	require.NoError(t, mem.UpdateGrant(ctx, first))

	stale := *g
	stale.SessionsConsumed = 2
	assert.ErrorIs(t, mem.UpdateGrant(ctx, stale), ledger.ErrConcurrencyConflict)

	reloaded, err := mem.Grant(ctx, "grt-1")
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.SessionsConsumed)
}

func TestMemory_AppendEntry_DuplicateKeyPerReason(t *testing.T) {
	mem := store.NewTxMemory()
	ctx := context.Background()

	entry := ledger.Entry{
		ID: "ent-1", OwnerID: "user-1", GrantID: "grt-1",
		Delta: -1, Reason: ledger.ReasonBookingConsumption,
		IdempotencyKey: "booking-1", CreatedAt: time.Now(),
	}
	require.NoError(t, mem.AppendEntry(ctx, entry))

	dup := entry
	dup.ID = "ent-2"
	assert.ErrorIs(t, mem.AppendEntry(ctx, dup), ledger.ErrDuplicateIdempotencyKey)

	refund := entry
	refund.ID = "ent-3"
	refund.Delta = +1
	refund.Reason = ledger.ReasonRefund
	assert.NoError(t, mem.AppendEntry(ctx, refund))
}
