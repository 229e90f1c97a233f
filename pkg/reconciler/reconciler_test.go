package reconciler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/rollstate/pkg/engine"
	"github.com/cuemby/rollstate/pkg/events"
	"github.com/cuemby/rollstate/pkg/hashing"
	"github.com/cuemby/rollstate/pkg/smt"
	"github.com/cuemby/rollstate/pkg/storage"
	"github.com/cuemby/rollstate/pkg/types"
)

func newTestReconciler(t *testing.T) (*Reconciler, *engine.Engine, storage.Store) {
	t.Helper()
	s, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	e := engine.New(s, smt.NewForest())
	return New(e, s, events.NewBus()), e, s
}

func testAccountID(b byte) types.AccountID {
	var id types.AccountID
	id[0] = b
	return id
}

func TestReconcileAdvancesSyncHeightAndInsertsBlockHeader(t *testing.T) {
	r, _, s := newTestReconciler(t)

	update := types.StateSyncUpdate{
		BlockNum: 42,
		BlockUpdates: []types.BlockUpdate{
			{
				Header: types.BlockHeader{BlockNum: 42},
				Peaks:  types.MmrPeaks{BlockNum: 42},
			},
		},
	}
	require.NoError(t, r.Reconcile(update))

	height, err := s.GetSyncHeight()
	require.NoError(t, err)
	assert.Equal(t, uint32(42), height)

	row, err := s.GetBlockHeader(42)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), row.BlockNum)
}

func TestReconcileRejectsRegressingSyncHeight(t *testing.T) {
	r, _, _ := newTestReconciler(t)
	require.NoError(t, r.Reconcile(types.StateSyncUpdate{BlockNum: 10}))
	assert.Error(t, r.Reconcile(types.StateSyncUpdate{BlockNum: 5}))
}

func TestReconcileDeletesTagForConsumedInputNote(t *testing.T) {
	r, _, s := newTestReconciler(t)
	var noteID types.Hash
	noteID[0] = 0x7

	tag := types.Tag{Value: 99, Source: types.TagSource{Kind: types.TagSourceNote, NoteID: noteID}}
	require.NoError(t, s.InsertTag(tag))

	update := types.StateSyncUpdate{
		BlockNum: 1,
		NoteUpdates: types.NoteUpdates{
			Input: []types.NoteUpdate{{NoteID: noteID, Status: types.NoteStatusConsumed, IsInput: true}},
		},
	}
	require.NoError(t, r.Reconcile(update))

	tags, err := s.ListTags()
	require.NoError(t, err)
	assert.Empty(t, tags, "consumed input note's tag must be dropped")
}

func TestReconcileKeepsTagForCommittedInputNote(t *testing.T) {
	r, _, s := newTestReconciler(t)
	var noteID types.Hash
	noteID[0] = 0x8

	tag := types.Tag{Value: 99, Source: types.TagSource{Kind: types.TagSourceNote, NoteID: noteID}}
	require.NoError(t, s.InsertTag(tag))

	update := types.StateSyncUpdate{
		BlockNum: 1,
		NoteUpdates: types.NoteUpdates{
			Input: []types.NoteUpdate{{NoteID: noteID, Status: types.NoteStatusCommitted, IsInput: true}},
		},
	}
	require.NoError(t, r.Reconcile(update))

	tags, err := s.ListTags()
	require.NoError(t, err)
	assert.Len(t, tags, 1, "committed (non-terminal) input note must keep its tag")
}

func TestReconcileUndoesDiscardedTransactionAccountState(t *testing.T) {
	r, e, s := newTestReconciler(t)
	id := testAccountID(1)

	init := types.AccountHeader{ID: id, Nonce: 0, VaultRoot: smt.EmptyRoot()}
	rec := &storage.AccountRecord{Header: init, Status: types.AccountStatus{Kind: types.AccountStatusNew}, Vault: types.NewAssetVault()}
	require.NoError(t, e.InsertAccount(rec, nil))

	final := init
	final.Nonce = 1
	require.NoError(t, e.ApplyDelta(init, final, types.AccountDelta{NonceDelta: 1}))

	commitment := hashing.AccountCommitment(final)

	txID := types.Hash{0xAA}
	require.NoError(t, s.UpsertTransaction(types.TransactionRecord{
		ID:        txID,
		AccountID: id,
		Details:   types.TransactionDetails{FinalAccountState: commitment},
		Status:    types.TransactionStatus{Kind: types.TransactionStatusPending},
	}))

	update := types.StateSyncUpdate{
		BlockNum: 1,
		TransactionUpdates: types.TransactionUpdates{
			Discarded: []types.DiscardedTransactionUpdate{{TransactionID: txID, Cause: "expired"}},
		},
	}
	require.NoError(t, r.Reconcile(update))

	gotTx, err := s.GetTransaction(txID)
	require.NoError(t, err)
	assert.Equal(t, types.TransactionStatusDiscarded, gotTx.Status.Kind)

	gotHeader, _, err := s.GetAccountHeader(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), gotHeader.Nonce, "discarding the tx must roll the account back to nonce 0")
}

func TestReconcileReplacesUpdatedPublicAccount(t *testing.T) {
	r, e, s := newTestReconciler(t)
	id := testAccountID(2)

	vault := smt.EmptyRoot()
	init := types.AccountHeader{ID: id, Nonce: 0, VaultRoot: vault}
	rec := &storage.AccountRecord{Header: init, Status: types.AccountStatus{Kind: types.AccountStatusNew}, Vault: types.NewAssetVault()}
	require.NoError(t, e.InsertAccount(rec, nil))

	replacement := types.Account{
		Header: types.AccountHeader{ID: id, Nonce: 9, VaultRoot: vault},
		Status: types.AccountStatus{Kind: types.AccountStatusTracked},
		Vault:  types.NewAssetVault(),
	}
	update := types.StateSyncUpdate{
		BlockNum:       1,
		AccountUpdates: types.AccountUpdates{UpdatedPublic: []types.Account{replacement}},
	}
	require.NoError(t, r.Reconcile(update))

	gotHeader, status, err := s.GetAccountHeader(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), gotHeader.Nonce)
	assert.Equal(t, types.AccountStatusTracked, status.Kind)
}

func TestReconcileLocksMismatchedPrivateAccount(t *testing.T) {
	r, e, s := newTestReconciler(t)
	id := testAccountID(3)

	init := types.AccountHeader{ID: id, Nonce: 0, VaultRoot: smt.EmptyRoot()}
	rec := &storage.AccountRecord{Header: init, Status: types.AccountStatus{Kind: types.AccountStatusTracked}, Vault: types.NewAssetVault()}
	require.NoError(t, e.InsertAccount(rec, nil))

	var bogus types.Hash
	bogus[0] = 0xFE
	update := types.StateSyncUpdate{
		BlockNum: 1,
		AccountUpdates: types.AccountUpdates{
			MismatchedPrivate: []types.MismatchedPrivateAccount{{AccountID: id, RemoteDigest: bogus}},
		},
	}
	require.NoError(t, r.Reconcile(update))

	_, status, err := s.GetAccountHeader(id)
	require.NoError(t, err)
	assert.Equal(t, types.AccountStatusLocked, status.Kind)
}

