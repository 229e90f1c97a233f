// Package smt implements the in-memory Sparse Merkle Tree forest shared by
// all tracked accounts: one tree per distinct root value, reference-counted
// so a root survives as long as at least one account (or one pending
// transaction) still points to it. Accounts whose vault or storage maps
// happen to hash to the same root transparently share the same tree.
package smt

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/rollstate/pkg/log"
	"github.com/cuemby/rollstate/pkg/rollerr"
	"github.com/cuemby/rollstate/pkg/types"
)

// Forest owns every live SMT root reachable from a tracked account, keyed by
// content hash rather than by account, mirroring Carmen's trie forest: a
// single RWMutex guards the whole structure, reads never block other reads.
// It also tracks, per account, the account's current root set (vault root
// first, then one root per storage map slot) and a pending-old-roots stack,
// so the forest is the one source of truth for "what roots does this
// account hold right now" rather than leaving that bookkeeping to callers.
type Forest struct {
	mu sync.RWMutex

	trees     map[types.Hash]*tree
	refcounts map[types.Hash]int
	current   map[types.AccountID][]types.Hash
	staged    map[types.AccountID][][]types.Hash
	logger    zerolog.Logger
}

// NewForest returns an empty forest containing only the canonical empty root.
func NewForest() *Forest {
	f := &Forest{
		trees:     make(map[types.Hash]*tree),
		refcounts: make(map[types.Hash]int),
		current:   make(map[types.AccountID][]types.Hash),
		staged:    make(map[types.AccountID][][]types.Hash),
		logger:    log.WithComponent("smt"),
	}
	f.trees[EmptyRoot()] = newTree()
	f.refcounts[EmptyRoot()] = 1 // the empty root is never collected
	return f
}

func (f *Forest) getTree(root types.Hash) (*tree, bool) {
	t, ok := f.trees[root]
	return t, ok
}

// GetRoots returns accountID's current roots: the vault root first, then one
// root per storage map slot, in the deterministic order they were installed
// by StageRoots/ReplaceRoots. Returns nil for an account with none installed.
func (f *Forest) GetRoots(accountID types.AccountID) []types.Hash {
	f.mu.RLock()
	defer f.mu.RUnlock()
	roots := f.current[accountID]
	if len(roots) == 0 {
		return nil
	}
	out := make([]types.Hash, len(roots))
	copy(out, roots)
	return out
}

// GetAssetAndWitness returns the asset word stored at key under root (or
// ZeroWord if absent) and a witness proving that value against root.
func (f *Forest) GetAssetAndWitness(root types.Hash, key types.Word) (types.Word, AssetWitness, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.getTree(root)
	if !ok {
		return types.ZeroWord, AssetWitness{}, rollerr.AccountStorageRootNotFound(root)
	}
	value, siblings := t.open(key)
	return value, AssetWitness{Root: root, Key: key, Value: value, Siblings: siblings}, nil
}

// GetStorageMapItemWitness returns the value stored at key under root and a
// witness proving it, for a storage map slot's root.
func (f *Forest) GetStorageMapItemWitness(root types.Hash, key types.Word) (types.Word, StorageMapWitness, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.getTree(root)
	if !ok {
		return types.ZeroWord, StorageMapWitness{}, rollerr.AccountStorageRootNotFound(root)
	}
	value, siblings := t.open(key)
	return value, StorageMapWitness{Root: root, Key: key, Value: value, Siblings: siblings}, nil
}

// insertOrUpdate is the common "derive a new tree from an existing root plus
// a batch of entries" operation behind both the Insert* and Update* calls;
// spec.md does not distinguish insert from update at the forest level, only
// at the caller's intent (new account vs. existing one), so both reduce to
// the same tree derivation.
func (f *Forest) insertOrUpdate(root types.Hash, entries []types.StorageMapEntry) (types.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	base, ok := f.getTree(root)
	if !ok {
		return types.Hash{}, rollerr.AccountStorageRootNotFound(root)
	}
	next := base.clone()
	next.apply(entries)
	newRoot := next.root()
	if _, exists := f.trees[newRoot]; !exists {
		f.trees[newRoot] = next
	}
	return newRoot, nil
}

// UpdateAssetNodes derives a new vault root from root by applying entries
// (a changed asset encodes as one entry; a removed asset as a ZeroWord entry).
func (f *Forest) UpdateAssetNodes(root types.Hash, entries []types.StorageMapEntry) (types.Hash, error) {
	return f.insertOrUpdate(root, entries)
}

// InsertAssetNodes is UpdateAssetNodes under a different name for the
// insert-time call sites; the forest treats both identically.
func (f *Forest) InsertAssetNodes(root types.Hash, entries []types.StorageMapEntry) (types.Hash, error) {
	return f.insertOrUpdate(root, entries)
}

// UpdateStorageMapNodes derives a new map root from root by applying entries.
func (f *Forest) UpdateStorageMapNodes(root types.Hash, entries []types.StorageMapEntry) (types.Hash, error) {
	return f.insertOrUpdate(root, entries)
}

// InsertStorageMapNodes is UpdateStorageMapNodes for insert-time call sites.
func (f *Forest) InsertStorageMapNodes(root types.Hash, entries []types.StorageMapEntry) (types.Hash, error) {
	return f.insertOrUpdate(root, entries)
}

// MaterializeMap returns the full key/value set of the tree at root, used
// when the engine needs to hand a caller the complete StorageMap rather than
// individual witnesses.
func (f *Forest) MaterializeMap(root types.Hash) (*types.StorageMap, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.getTree(root)
	if !ok {
		return nil, rollerr.AccountStorageRootNotFound(root)
	}
	m := types.NewStorageMap()
	for k, v := range t.leaves {
		m.Entries[k] = v
	}
	return m, nil
}

// StageRoots pushes accountID's current roots onto its pending stack and
// installs newRoots as current, incrementing their refcounts immediately (so
// another account releasing a shared root cannot collect it mid-transaction) without yet
// decrementing the pushed roots — that happens on CommitRoots, so a
// DiscardRoots can restore the prior state without re-deriving anything.
func (f *Forest) StageRoots(accountID types.AccountID, newRoots []types.Hash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range newRoots {
		f.refcounts[r]++
	}
	f.staged[accountID] = append(f.staged[accountID], f.current[accountID])
	f.current[accountID] = append([]types.Hash(nil), newRoots...)
}

// CommitRoots finalizes the top staged transition for accountID: the roots it
// pushed lose the reference they held before staging, and any root whose
// refcount drops to zero is removed from the forest. The stack entry is
// popped; current remains the newRoots installed by the matching StageRoots.
func (f *Forest) CommitRoots(accountID types.AccountID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stack := f.staged[accountID]
	if len(stack) == 0 {
		return
	}
	pushed := stack[len(stack)-1]
	f.popStagedLocked(accountID, stack)
	for _, r := range pushed {
		f.decrefLocked(r)
	}
}

// DiscardRoots reverses the top staged transition for accountID: current is
// restored to what it was before the matching StageRoots, and the refcount
// increment StageRoots applied to the roots being discarded is undone.
func (f *Forest) DiscardRoots(accountID types.AccountID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stack := f.staged[accountID]
	if len(stack) == 0 {
		return
	}
	discarded := f.current[accountID]
	restored := stack[len(stack)-1]
	f.popStagedLocked(accountID, stack)
	f.current[accountID] = restored
	for _, r := range discarded {
		f.decrefLocked(r)
	}
}

func (f *Forest) popStagedLocked(accountID types.AccountID, stack [][]types.Hash) {
	stack = stack[:len(stack)-1]
	if len(stack) == 0 {
		delete(f.staged, accountID)
		return
	}
	f.staged[accountID] = stack
}

// ReplaceRoots atomically swaps accountID's live roots to newRoots with no
// staging window, used by whole-state changes (InsertAccount, ReplaceState,
// UndoAccountStates' rollback) rather than the stage/commit two-phase path used by
// ordinary delta application. It is forbidden while a stage is pending for
// accountID — calling it mid-transaction is a programming error.
func (f *Forest) ReplaceRoots(accountID types.AccountID, newRoots []types.Hash) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.staged[accountID]) != 0 {
		return rollerr.InvariantViolation(fmt.Sprintf("replaceRoots called for account %s while a stage is pending", accountID))
	}
	old := f.current[accountID]
	for _, r := range newRoots {
		f.refcounts[r]++
	}
	if len(newRoots) == 0 {
		delete(f.current, accountID)
	} else {
		f.current[accountID] = append([]types.Hash(nil), newRoots...)
	}
	for _, r := range old {
		f.decrefLocked(r)
	}
	return nil
}

// decrefLocked must be called with mu held for writing.
func (f *Forest) decrefLocked(root types.Hash) {
	if root == EmptyRoot() {
		return
	}
	c, ok := f.refcounts[root]
	if !ok {
		return
	}
	c--
	if c <= 0 {
		delete(f.refcounts, root)
		delete(f.trees, root)
		f.logger.Debug().Str("root", root.String()).Msg("collected unreferenced smt root")
		return
	}
	f.refcounts[root] = c
}

// Contains reports whether root is currently held by the forest.
func (f *Forest) Contains(root types.Hash) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.trees[root]
	return ok
}

// Refcount returns the current reference count for root, 0 if untracked.
func (f *Forest) Refcount(root types.Hash) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.refcounts[root]
}
