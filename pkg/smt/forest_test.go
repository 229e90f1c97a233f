package smt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/rollstate/pkg/types"
)

func TestEmptyRootMaterializesEmptyMap(t *testing.T) {
	f := NewForest()
	m, err := f.MaterializeMap(EmptyRoot())
	require.NoError(t, err)
	assert.Empty(t, m.Entries)
}

func TestInsertThenWitnessVerifies(t *testing.T) {
	f := NewForest()
	key := types.Word{1, 2, 3, 4}
	value := types.Word{9, 9, 9, 9}

	newRoot, err := f.InsertStorageMapNodes(EmptyRoot(), []types.StorageMapEntry{{Key: key, Value: value}})
	require.NoError(t, err)
	assert.NotEqual(t, EmptyRoot(), newRoot)

	got, witness, err := f.GetStorageMapItemWitness(newRoot, key)
	require.NoError(t, err)
	assert.Equal(t, value, got)
	assert.True(t, witness.Verify())
}

func TestWitnessForAbsentKeyIsZeroAndVerifies(t *testing.T) {
	f := NewForest()
	key := types.Word{1, 2, 3, 4}
	other := types.Word{5, 6, 7, 8}

	root, err := f.InsertAssetNodes(EmptyRoot(), []types.StorageMapEntry{{Key: other, Value: types.Word{1}}})
	require.NoError(t, err)

	got, witness, err := f.GetAssetAndWitness(root, key)
	require.NoError(t, err)
	assert.Equal(t, types.ZeroWord, got)
	assert.True(t, witness.Verify())
}

func TestIdenticalContentSharesRoot(t *testing.T) {
	f := NewForest()
	entries := []types.StorageMapEntry{{Key: types.Word{1}, Value: types.Word{2}}}

	rootA, err := f.InsertAssetNodes(EmptyRoot(), entries)
	require.NoError(t, err)
	rootB, err := f.InsertAssetNodes(EmptyRoot(), entries)
	require.NoError(t, err)

	assert.Equal(t, rootA, rootB, "two accounts with identical vault content must share a root")
}

func TestDeleteEntryReturnsToEmptyRoot(t *testing.T) {
	f := NewForest()
	key := types.Word{7, 7, 7, 7}

	root, err := f.InsertStorageMapNodes(EmptyRoot(), []types.StorageMapEntry{{Key: key, Value: types.Word{1}}})
	require.NoError(t, err)

	back, err := f.UpdateStorageMapNodes(root, []types.StorageMapEntry{{Key: key, Value: types.ZeroWord}})
	require.NoError(t, err)

	assert.Equal(t, EmptyRoot(), back)
}

func TestUpdateUnknownRootIsAnError(t *testing.T) {
	f := NewForest()
	var bogus types.Hash
	bogus[0] = 0xff

	_, err := f.UpdateAssetNodes(bogus, nil)
	assert.Error(t, err)
}

func TestStageCommitInstallsNewRoot(t *testing.T) {
	f := NewForest()
	acct := types.AccountID{1}
	key := types.Word{1}

	oldRoot := EmptyRoot()
	require.NoError(t, f.ReplaceRoots(acct, []types.Hash{oldRoot}))
	newRoot, err := f.InsertStorageMapNodes(oldRoot, []types.StorageMapEntry{{Key: key, Value: types.Word{2}}})
	require.NoError(t, err)

	f.StageRoots(acct, []types.Hash{newRoot})
	assert.Equal(t, 1, f.Refcount(newRoot))

	f.CommitRoots(acct)
	assert.True(t, f.Contains(newRoot))
	assert.Equal(t, []types.Hash{newRoot}, f.GetRoots(acct))
}

func TestStageDiscardReleasesNewRoot(t *testing.T) {
	f := NewForest()
	acct := types.AccountID{2}
	key := types.Word{3}

	oldRoot := EmptyRoot()
	require.NoError(t, f.ReplaceRoots(acct, []types.Hash{oldRoot}))
	newRoot, err := f.InsertStorageMapNodes(oldRoot, []types.StorageMapEntry{{Key: key, Value: types.Word{4}}})
	require.NoError(t, err)

	f.StageRoots(acct, []types.Hash{newRoot})
	f.DiscardRoots(acct)

	assert.False(t, f.Contains(newRoot), "discarded root must be collected once unreferenced")
	assert.Equal(t, []types.Hash{oldRoot}, f.GetRoots(acct))
}

func TestReplaceRootsSwapsAtomically(t *testing.T) {
	f := NewForest()
	acct := types.AccountID{9}
	key := types.Word{5}

	rootA, err := f.InsertStorageMapNodes(EmptyRoot(), []types.StorageMapEntry{{Key: key, Value: types.Word{6}}})
	require.NoError(t, err)
	rootB, err := f.InsertStorageMapNodes(EmptyRoot(), []types.StorageMapEntry{{Key: key, Value: types.Word{7}}})
	require.NoError(t, err)

	require.NoError(t, f.ReplaceRoots(acct, []types.Hash{rootA}))
	assert.True(t, f.Contains(rootA))

	require.NoError(t, f.ReplaceRoots(acct, []types.Hash{rootB}))
	assert.False(t, f.Contains(rootA))
	assert.True(t, f.Contains(rootB))
}

func TestReplaceRootsForbiddenWhileStagePending(t *testing.T) {
	f := NewForest()
	acct := types.AccountID{3}
	root, err := f.InsertStorageMapNodes(EmptyRoot(), []types.StorageMapEntry{{Key: types.Word{1}, Value: types.Word{2}}})
	require.NoError(t, err)

	f.StageRoots(acct, []types.Hash{root})
	err = f.ReplaceRoots(acct, []types.Hash{EmptyRoot()})
	assert.Error(t, err, "replaceRoots must refuse to run while a stage is pending")
}

func TestGetRootsReturnsPerAccountCurrentRoots(t *testing.T) {
	f := NewForest()
	acct := types.AccountID{4}
	vaultRoot, err := f.InsertAssetNodes(EmptyRoot(), []types.StorageMapEntry{{Key: types.Word{1}, Value: types.Word{2}}})
	require.NoError(t, err)
	mapRoot, err := f.InsertStorageMapNodes(EmptyRoot(), []types.StorageMapEntry{{Key: types.Word{3}, Value: types.Word{4}}})
	require.NoError(t, err)

	require.NoError(t, f.ReplaceRoots(acct, []types.Hash{vaultRoot, mapRoot}))
	assert.Equal(t, []types.Hash{vaultRoot, mapRoot}, f.GetRoots(acct))
	assert.Empty(t, f.GetRoots(types.AccountID{0xff}), "an account with no roots installed has none")
}

func TestVerifyRejectsWrongValue(t *testing.T) {
	f := NewForest()
	key := types.Word{1, 1}
	root, err := f.InsertStorageMapNodes(EmptyRoot(), []types.StorageMapEntry{{Key: key, Value: types.Word{2, 2}}})
	require.NoError(t, err)

	_, witness, err := f.GetStorageMapItemWitness(root, key)
	require.NoError(t, err)

	assert.False(t, Verify(root, key, types.Word{9, 9}, witness.Siblings))
}

func TestRefcountSharedRootSurvivesOneRelease(t *testing.T) {
	f := NewForest()
	key := types.Word{8}
	entries := []types.StorageMapEntry{{Key: key, Value: types.Word{1}}}

	root, err := f.InsertAssetNodes(EmptyRoot(), entries)
	require.NoError(t, err)

	acctA := types.AccountID{0xA}
	acctB := types.AccountID{0xB}

	f.StageRoots(acctA, []types.Hash{root})
	f.CommitRoots(acctA)
	f.StageRoots(acctB, []types.Hash{root})
	f.CommitRoots(acctB)

	assert.Equal(t, 2, f.Refcount(root))

	require.NoError(t, f.ReplaceRoots(acctA, nil))
	assert.True(t, f.Contains(root), "root referenced by account B must survive account A releasing it")

	require.NoError(t, f.ReplaceRoots(acctB, nil))
	assert.False(t, f.Contains(root))
}
