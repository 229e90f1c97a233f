package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/rollstate/pkg/hashing"
	"github.com/cuemby/rollstate/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testAccountID(b byte) types.AccountID {
	var id types.AccountID
	id[0] = b
	return id
}

func headerFor(id types.AccountID, nonce uint64) types.AccountHeader {
	return types.AccountHeader{
		ID:                id,
		Nonce:             nonce,
		CodeCommitment:    types.Hash{1},
		StorageCommitment: types.Hash{2},
		VaultRoot:         types.Hash{3},
	}
}

func TestInsertAndGetAccountHeaderRoundTrips(t *testing.T) {
	s := newTestStore(t)
	id := testAccountID(0xA)
	header := headerFor(id, 0)

	rec := &AccountRecord{
		Header: header,
		Status: types.AccountStatus{Kind: types.AccountStatusNew, Seed: &types.Word{1, 2, 3, 4}},
		Vault:  types.NewAssetVault(),
	}
	require.NoError(t, s.InsertAccount(rec, nil))

	gotHeader, gotStatus, err := s.GetAccountHeader(id)
	require.NoError(t, err)
	assert.Equal(t, header, gotHeader)
	assert.Equal(t, types.AccountStatusNew, gotStatus.Kind)
}

func TestGetAccountHeaderUnknownAccountErrors(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.GetAccountHeader(testAccountID(0xFF))
	assert.Error(t, err)
}

func TestApplyAccountDeltaAdvancesNonceAndVault(t *testing.T) {
	s := newTestStore(t)
	id := testAccountID(0xB)
	init := headerFor(id, 0)
	init.VaultRoot = types.Hash{9}

	rec := &AccountRecord{Header: init, Status: types.AccountStatus{Kind: types.AccountStatusTracked}, Vault: types.NewAssetVault()}
	require.NoError(t, s.InsertAccount(rec, nil))

	final := init
	final.Nonce = 1
	delta := types.AccountDelta{
		NonceDelta: 1,
		VaultDelta: types.VaultDelta{
			Fungible: []types.FungibleDelta{{FaucetIDPrefix: 7, SignedAmount: 100}},
		},
	}
	require.NoError(t, s.ApplyAccountDelta(init, final, delta, nil, nil))

	gotHeader, gotStatus, err := s.GetAccountHeader(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gotHeader.Nonce)
	assert.Equal(t, types.AccountStatusTracked, gotStatus.Kind)

	vault, err := s.GetAccountVault(id)
	require.NoError(t, err)
	asset, ok := vault.Assets[types.AssetVaultKey{7, 0, 0, 0}]
	require.True(t, ok)
	assert.Equal(t, uint64(100), asset.FungibleAmount())
}

func TestApplyAccountDeltaRejectsNonceRegression(t *testing.T) {
	s := newTestStore(t)
	id := testAccountID(0xC)
	init := headerFor(id, 5)
	rec := &AccountRecord{Header: init, Status: types.AccountStatus{Kind: types.AccountStatusTracked}, Vault: types.NewAssetVault()}
	require.NoError(t, s.InsertAccount(rec, nil))

	final := init
	final.Nonce = 4
	err := s.ApplyAccountDelta(init, final, types.AccountDelta{}, nil, nil)
	assert.Error(t, err)
}

func TestApplyAccountDeltaUnderflowingFungibleDeltaErrors(t *testing.T) {
	s := newTestStore(t)
	id := testAccountID(0xD)
	init := headerFor(id, 0)
	rec := &AccountRecord{Header: init, Status: types.AccountStatus{Kind: types.AccountStatusTracked}, Vault: types.NewAssetVault()}
	require.NoError(t, s.InsertAccount(rec, nil))

	final := init
	final.Nonce = 1
	delta := types.AccountDelta{
		VaultDelta: types.VaultDelta{Fungible: []types.FungibleDelta{{FaucetIDPrefix: 1, SignedAmount: -50}}},
	}
	err := s.ApplyAccountDelta(init, final, delta, nil, nil)
	assert.Error(t, err)
}

func TestApplyAccountDeltaUpdatesMapSlotRoot(t *testing.T) {
	s := newTestStore(t)
	id := testAccountID(0x20)
	init := headerFor(id, 0)
	slotName := types.StorageSlotName("balances")
	initialRoot := types.Hash{0xA, 0xA}
	rec := &AccountRecord{
		Header: init,
		Status: types.AccountStatus{Kind: types.AccountStatusTracked},
		Slots:  []types.StorageSlot{{Name: slotName, Type: types.StorageSlotTypeMap, Value: hashing.HashAsWord(initialRoot)}},
		Maps:   map[types.StorageSlotName]*types.StorageMap{slotName: types.NewStorageMap()},
		Vault:  types.NewAssetVault(),
	}
	require.NoError(t, s.InsertAccount(rec, nil))

	final := init
	final.Nonce = 1
	newRoot := types.Hash{0xB, 0xB}
	delta := types.AccountDelta{
		NonceDelta: 1,
		StorageDelta: types.StorageDelta{
			MapSlots: []types.MapSlotDelta{{
				Slot:    slotName,
				Entries: []types.StorageMapEntry{{Key: types.Word{1}, Value: types.Word{2}}},
			}},
		},
	}
	storageMaps := map[types.StorageSlotName]*types.StorageMap{slotName: {Entries: map[types.Word]types.Word{{1}: {2}}}}
	mapRoots := map[types.StorageSlotName]types.Hash{slotName: newRoot}
	require.NoError(t, s.ApplyAccountDelta(init, final, delta, storageMaps, mapRoots))

	slots, err := s.GetAccountStorage(id, StorageFilter{SlotName: &slotName})
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, hashing.HashAsWord(newRoot), slots[0].Value, "the slot's own row must advance to the map's new root, not stay pinned at insert-time")
}

func TestUndoAccountStatesRebuildsLatestProjection(t *testing.T) {
	s := newTestStore(t)
	id := testAccountID(0xE)
	init := headerFor(id, 0)
	rec := &AccountRecord{Header: init, Status: types.AccountStatus{Kind: types.AccountStatusTracked}, Vault: types.NewAssetVault()}
	require.NoError(t, s.InsertAccount(rec, nil))

	final := init
	final.Nonce = 1
	require.NoError(t, s.ApplyAccountDelta(init, final, types.AccountDelta{NonceDelta: 1}, nil, nil))

	gotHeader, _, err := s.GetAccountHeader(id)
	require.NoError(t, err)
	require.Equal(t, uint64(1), gotHeader.Nonce)

	commitment := hashing.AccountCommitment(final)
	require.NoError(t, s.UndoAccountStates([]types.Hash{commitment}))

	gotHeader, _, err = s.GetAccountHeader(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), gotHeader.Nonce, "rolled back account must fall back to the surviving nonce-0 row")
}

func TestPruneAccountHistoryKeepsLatestAndDropsStale(t *testing.T) {
	s := newTestStore(t)
	id := testAccountID(0xF)
	init := headerFor(id, 0)
	rec := &AccountRecord{Header: init, Status: types.AccountStatus{Kind: types.AccountStatusTracked}, Vault: types.NewAssetVault()}
	require.NoError(t, s.InsertAccount(rec, nil))

	prev := init
	for nonce := uint64(1); nonce <= 3; nonce++ {
		final := prev
		final.Nonce = nonce
		require.NoError(t, s.ApplyAccountDelta(prev, final, types.AccountDelta{NonceDelta: 1}, nil, nil))
		prev = final
	}

	stats, err := s.PruneAccountHistory(id)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.DeletedStateRows, "nonces 0-2 are prunable once nonce 3 is latest")

	gotHeader, _, err := s.GetAccountHeader(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), gotHeader.Nonce)
}

func TestPruneAccountHistoryPrunesOrphanedMapEntriesAndVaultAssets(t *testing.T) {
	s := newTestStore(t)
	id := testAccountID(0x21)
	slotName := types.StorageSlotName("balances")

	rootR0 := types.Hash{0x10}
	init := headerFor(id, 0)
	init.VaultRoot = rootR0
	rec := &AccountRecord{
		Header: init,
		Status: types.AccountStatus{Kind: types.AccountStatusTracked},
		Slots:  []types.StorageSlot{{Name: slotName, Type: types.StorageSlotTypeMap, Value: types.Word{0x20}}},
		Maps:   map[types.StorageSlotName]*types.StorageMap{slotName: {Entries: map[types.Word]types.Word{{1}: {1}}}},
		Vault:  &types.AssetVault{Assets: map[types.AssetVaultKey]types.Asset{{7, 0, 0, 0}: types.NewFungibleAsset(7, 50)}},
	}
	require.NoError(t, s.InsertAccount(rec, nil))

	final1 := init
	final1.Nonce = 1
	final1.VaultRoot = types.Hash{0x11}
	delta1 := types.AccountDelta{
		NonceDelta: 1,
		VaultDelta: types.VaultDelta{Fungible: []types.FungibleDelta{{FaucetIDPrefix: 7, SignedAmount: 25}}},
		StorageDelta: types.StorageDelta{
			MapSlots: []types.MapSlotDelta{{Slot: slotName, Entries: []types.StorageMapEntry{{Key: types.Word{2}, Value: types.Word{2}}}}},
		},
	}
	storageMaps1 := map[types.StorageSlotName]*types.StorageMap{slotName: {Entries: map[types.Word]types.Word{{1}: {1}, {2}: {2}}}}
	mapRoots1 := map[types.StorageSlotName]types.Hash{slotName: {0x21}}
	require.NoError(t, s.ApplyAccountDelta(init, final1, delta1, storageMaps1, mapRoots1))

	final2 := final1
	final2.Nonce = 2
	require.NoError(t, s.ApplyAccountDelta(final1, final2, types.AccountDelta{NonceDelta: 1}, nil, nil))

	stats, err := s.PruneAccountHistory(id)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.DeletedStateRows, "nonce 0 and nonce 1 rows are stale once nonce 2 is latest")
	assert.Greater(t, stats.OrphanedMapEntries, 0, "map-entry-history rows for pruned nonces must be swept too")
	assert.Equal(t, 1, stats.OrphanedAssetRows, "vault root R0 is no longer named by any surviving header")
}

func TestLockAccountOnUnexpectedCommitment(t *testing.T) {
	s := newTestStore(t)
	id := testAccountID(0x10)
	init := headerFor(id, 0)
	rec := &AccountRecord{Header: init, Status: types.AccountStatus{Kind: types.AccountStatusTracked}, Vault: types.NewAssetVault()}
	require.NoError(t, s.InsertAccount(rec, nil))

	var bogus types.Hash
	bogus[0] = 0xEE
	locked, err := s.LockAccountOnUnexpectedCommitment(id, bogus)
	require.NoError(t, err)
	assert.True(t, locked)

	_, status, err := s.GetAccountHeader(id)
	require.NoError(t, err)
	assert.Equal(t, types.AccountStatusLocked, status.Kind)
}

func TestLockAccountOnUnexpectedCommitmentSkipsKnownCommitment(t *testing.T) {
	s := newTestStore(t)
	id := testAccountID(0x11)
	init := headerFor(id, 0)
	rec := &AccountRecord{Header: init, Status: types.AccountStatus{Kind: types.AccountStatusTracked}, Vault: types.NewAssetVault()}
	require.NoError(t, s.InsertAccount(rec, nil))

	known := hashing.AccountCommitment(init)
	locked, err := s.LockAccountOnUnexpectedCommitment(id, known)
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestAdvanceSyncHeightIsMonotonic(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AdvanceSyncHeight(10))
	height, err := s.GetSyncHeight()
	require.NoError(t, err)
	assert.Equal(t, uint32(10), height)

	assert.Error(t, s.AdvanceSyncHeight(5))
	require.NoError(t, s.AdvanceSyncHeight(10))
	require.NoError(t, s.AdvanceSyncHeight(11))
}

func TestTagInsertListDelete(t *testing.T) {
	s := newTestStore(t)
	id := testAccountID(0x12)
	tag := types.Tag{Value: 42, Source: types.TagSource{Kind: types.TagSourceAccount, AccountID: id}}

	require.NoError(t, s.InsertTag(tag))
	tags, err := s.ListTags()
	require.NoError(t, err)
	assert.Len(t, tags, 1)

	require.NoError(t, s.DeleteTagBySource(tag.Source))
	tags, err = s.ListTags()
	require.NoError(t, err)
	assert.Empty(t, tags)
}

func TestUpsertForeignAccountCode(t *testing.T) {
	s := newTestStore(t)
	id := testAccountID(0x13)
	code := []byte("mast-bytes")

	require.NoError(t, s.UpsertForeignAccountCode(id, code))
	got, err := s.GetForeignAccountCode([]types.AccountID{id})
	require.NoError(t, err)
	assert.Equal(t, code, got[id])
}

func TestBlockHeaderInsertAndGet(t *testing.T) {
	s := newTestStore(t)
	row := BlockHeaderRow{
		BlockNum: 100,
		Header:   types.BlockHeader{BlockNum: 100},
		MmrPeaks: types.MmrPeaks{BlockNum: 100},
	}
	require.NoError(t, s.InsertBlockHeader(row))

	got, err := s.GetBlockHeader(100)
	require.NoError(t, err)
	assert.Equal(t, row, got)

	_, err = s.GetBlockHeader(101)
	assert.Error(t, err)
}
