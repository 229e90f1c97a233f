// Package engine implements the Account State Engine: the component that
// mediates between the persistent Store and the in-memory SMT Forest,
// keeping the two in agreement on every write. No other package is allowed
// to call both collaborators for the same operation.
package engine

import (
	"sort"

	"github.com/rs/zerolog"

	"github.com/cuemby/rollstate/pkg/hashing"
	"github.com/cuemby/rollstate/pkg/log"
	"github.com/cuemby/rollstate/pkg/rollerr"
	"github.com/cuemby/rollstate/pkg/smt"
	"github.com/cuemby/rollstate/pkg/storage"
	"github.com/cuemby/rollstate/pkg/types"
)

// Engine owns the Store and the Forest and sequences every operation that
// touches both. ApplyDelta stages the new roots in the Forest, writes the
// Store, then commits or discards the stage; InsertAccount, ReplaceState and
// UndoAccountStates write the Store first and then swap the account's roots
// with ReplaceRoots. Each Forest call holds the Forest's lock only for its
// own duration; no lock is held across the Store write.
type Engine struct {
	store  storage.Store
	forest *smt.Forest
	logger zerolog.Logger
}

// New builds an Engine over an already-open Store and Forest.
func New(store storage.Store, forest *smt.Forest) *Engine {
	return &Engine{store: store, forest: forest, logger: log.WithComponent("engine")}
}

// --- reads ---

func (e *Engine) GetAccountIDs() ([]types.AccountID, error) { return e.store.GetAccountIDs() }

func (e *Engine) GetAccountHeaders() ([]storage.AccountHeaderRow, error) {
	return e.store.GetAccountHeaders()
}

func (e *Engine) GetAccountHeader(id types.AccountID) (types.AccountHeader, types.AccountStatus, error) {
	return e.store.GetAccountHeader(id)
}

func (e *Engine) GetAccountHeaderByCommitment(commitment types.Hash) (types.AccountHeader, error) {
	return e.store.GetAccountHeaderByCommitment(commitment)
}

// GetAccount assembles the full materialized state of an account.
func (e *Engine) GetAccount(id types.AccountID) (*storage.AccountRecord, error) {
	return e.store.GetAccount(id)
}

// GetMinimalPartialAccount returns only the header plus the storage slots
// and map witnesses a foreign-procedure invocation needs — no vault, no
// full map materialization.
func (e *Engine) GetMinimalPartialAccount(id types.AccountID) (types.AccountHeader, []types.StorageSlot, map[types.StorageSlotName][]smt.StorageMapWitness, error) {
	header, _, err := e.store.GetAccountHeader(id)
	if err != nil {
		return types.AccountHeader{}, nil, nil, err
	}
	slots, err := e.store.GetAccountStorage(id, storage.StorageFilter{All: true})
	if err != nil {
		return types.AccountHeader{}, nil, nil, err
	}
	witnesses := make(map[types.StorageSlotName][]smt.StorageMapWitness)
	for _, slot := range slots {
		if slot.Type != types.StorageSlotTypeMap {
			continue
		}
		root := hashing.WordAsHash(slot.Value)
		m, err := e.forest.MaterializeMap(root)
		if err != nil {
			return types.AccountHeader{}, nil, nil, err
		}
		var ws []smt.StorageMapWitness
		for key := range m.Entries {
			_, w, err := e.forest.GetStorageMapItemWitness(root, key)
			if err != nil {
				return types.AccountHeader{}, nil, nil, err
			}
			ws = append(ws, w)
		}
		witnesses[slot.Name] = ws
	}
	return header, slots, witnesses, nil
}

func (e *Engine) GetAccountVault(id types.AccountID) (*types.AssetVault, error) {
	return e.store.GetAccountVault(id)
}

func (e *Engine) GetAccountStorage(id types.AccountID, filter storage.StorageFilter) ([]types.StorageSlot, error) {
	return e.store.GetAccountStorage(id, filter)
}

// GetAccountAsset returns a vault entry plus a witness proving it against
// the account's current vault root, via the Forest.
func (e *Engine) GetAccountAsset(id types.AccountID, vaultKey types.AssetVaultKey) (types.Asset, smt.AssetWitness, error) {
	header, _, err := e.store.GetAccountHeader(id)
	if err != nil {
		return types.Asset{}, smt.AssetWitness{}, err
	}
	word, witness, err := e.forest.GetAssetAndWitness(header.VaultRoot, types.Word(vaultKey))
	if err != nil {
		return types.Asset{}, smt.AssetWitness{}, err
	}
	if word == types.ZeroWord {
		return types.Asset{}, smt.AssetWitness{}, rollerr.UntrackedKey(types.Word(vaultKey))
	}
	return types.DecodeAssetWord(word), witness, nil
}

// GetAccountMapItem returns a map slot's value at key plus a witness, via
// the Forest.
func (e *Engine) GetAccountMapItem(id types.AccountID, slotName types.StorageSlotName, key types.Word) (types.Word, smt.StorageMapWitness, error) {
	slots, err := e.store.GetAccountStorage(id, storage.StorageFilter{SlotName: &slotName})
	if err != nil {
		return types.ZeroWord, smt.StorageMapWitness{}, err
	}
	if len(slots) == 0 {
		return types.ZeroWord, smt.StorageMapWitness{}, rollerr.StorageSlotNameNotFound(slotName)
	}
	slot := slots[0]
	if slot.Type != types.StorageSlotTypeMap {
		return types.ZeroWord, smt.StorageMapWitness{}, rollerr.StorageSlotNotMap(slotName)
	}
	return e.forest.GetStorageMapItemWitness(hashing.WordAsHash(slot.Value), key)
}

func (e *Engine) GetForeignAccountCode(ids []types.AccountID) (map[types.AccountID][]byte, error) {
	return e.store.GetForeignAccountCode(ids)
}

// --- writes ---

// InsertAccount registers a brand-new account's roots in the Forest and
// persists it. The vault and every map slot's root are derived here from
// the materialized content rather than trusted from the caller, so a
// caller-supplied header claiming a root its own content doesn't produce is
// rejected before anything is written.
func (e *Engine) InsertAccount(rec *storage.AccountRecord, initialAddress *types.Address) error {
	vaultRoot, err := e.rootsForVault(rec.Vault)
	if err != nil {
		return err
	}
	if vaultRoot != rec.Header.VaultRoot {
		return rollerr.ConflictingRoots(rec.Header.VaultRoot, vaultRoot)
	}

	var newMapRoots []types.Hash
	for _, slot := range mapSlotsSorted(rec.Slots) {
		root, err := e.rootsForMap(rec.Maps[slot.Name])
		if err != nil {
			return err
		}
		if root != hashing.WordAsHash(slot.Value) {
			return rollerr.ConflictingRoots(hashing.WordAsHash(slot.Value), root)
		}
		newMapRoots = append(newMapRoots, root)
	}

	if err := e.store.InsertAccount(rec, initialAddress); err != nil {
		return err
	}

	// The roots already exist in the forest (derived above via
	// insertOrUpdate against the empty root); ReplaceRoots with no prior
	// roots on record simply pins them at refcount 1 for this account.
	return e.forest.ReplaceRoots(rec.Header.ID, append([]types.Hash{vaultRoot}, newMapRoots...))
}

// mapSlotsSorted returns slots' Map-typed entries sorted by name, giving
// every Forest root list a deterministic order independent of map iteration.
func mapSlotsSorted(slots []types.StorageSlot) []types.StorageSlot {
	var out []types.StorageSlot
	for _, s := range slots {
		if s.Type == types.StorageSlotTypeMap {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (e *Engine) rootsForVault(vault *types.AssetVault) (types.Hash, error) {
	if vault == nil || len(vault.Assets) == 0 {
		return smt.EmptyRoot(), nil
	}
	entries := make([]types.StorageMapEntry, 0, len(vault.Assets))
	for key, asset := range vault.Assets {
		entries = append(entries, types.StorageMapEntry{Key: types.Word(key), Value: asset.Word})
	}
	return e.forest.InsertAssetNodes(smt.EmptyRoot(), entries)
}

func (e *Engine) rootsForMap(m *types.StorageMap) (types.Hash, error) {
	if m == nil || len(m.Entries) == 0 {
		return smt.EmptyRoot(), nil
	}
	entries := make([]types.StorageMapEntry, 0, len(m.Entries))
	for key, value := range m.Entries {
		entries = append(entries, types.StorageMapEntry{Key: key, Value: value})
	}
	return e.forest.InsertStorageMapNodes(smt.EmptyRoot(), entries)
}

// ReplaceState performs a full-state replacement (sync's updateAccountState
// call for a public account): the forest's roots for this account move
// atomically from whatever they were to the new record's roots, and the
// store row is overwritten wholesale.
func (e *Engine) ReplaceState(rec *storage.AccountRecord) error {
	vaultRoot, err := e.rootsForVault(rec.Vault)
	if err != nil {
		return err
	}
	if vaultRoot != rec.Header.VaultRoot {
		return rollerr.ConflictingRoots(rec.Header.VaultRoot, vaultRoot)
	}

	newRoots := []types.Hash{vaultRoot}
	for _, slot := range mapSlotsSorted(rec.Slots) {
		root, err := e.rootsForMap(rec.Maps[slot.Name])
		if err != nil {
			return err
		}
		newRoots = append(newRoots, root)
	}

	if err := e.store.UpdateAccount(rec); err != nil {
		return err
	}

	return e.forest.ReplaceRoots(rec.Header.ID, newRoots)
}

// currentStoreRoots returns id's current root set as recorded in the Store:
// the vault root first, then one root per Map-typed storage slot sorted by
// name. Returns (nil, nil) if the account no longer has a header at all.
func (e *Engine) currentStoreRoots(id types.AccountID) ([]types.Hash, error) {
	header, _, err := e.store.GetAccountHeader(id)
	if err != nil {
		if rollerr.Is(err, rollerr.KindAccountDataNotFound) {
			return nil, nil
		}
		return nil, err
	}
	slots, err := e.store.GetAccountStorage(id, storage.StorageFilter{All: true})
	if err != nil {
		return nil, err
	}
	roots := []types.Hash{header.VaultRoot}
	for _, slot := range mapSlotsSorted(slots) {
		roots = append(roots, hashing.WordAsHash(slot.Value))
	}
	return roots, nil
}

// ApplyDelta runs the apply-delta pipeline (spec §4.3): refuses an
// initHeader that is not the account's current latest header, derives the
// new vault root and any touched map roots via the Forest, verifies the
// vault root against finalHeader, stages the roots, persists through the
// Store, and commits the stage on success or discards it on failure.
func (e *Engine) ApplyDelta(initHeader, finalHeader types.AccountHeader, delta types.AccountDelta) error {
	if finalHeader.Nonce != initHeader.Nonce+delta.NonceDelta {
		return rollerr.InvariantViolation("applyDelta: finalHeader.Nonce does not match initHeader.Nonce + NonceDelta")
	}
	current, _, err := e.store.GetAccountHeader(initHeader.ID)
	if err != nil {
		return err
	}
	if current != initHeader {
		return rollerr.ConflictingRoots(hashing.AccountCommitment(current), hashing.AccountCommitment(initHeader))
	}

	entries, err := e.resolveVaultDelta(initHeader.VaultRoot, delta.VaultDelta)
	if err != nil {
		return err
	}
	newVaultRoot, err := e.forest.UpdateAssetNodes(initHeader.VaultRoot, entries)
	if err != nil {
		return err
	}
	if newVaultRoot != finalHeader.VaultRoot {
		return rollerr.ConflictingRoots(finalHeader.VaultRoot, newVaultRoot)
	}

	existingSlots, err := e.store.GetAccountStorage(initHeader.ID, storage.StorageFilter{All: true})
	if err != nil {
		return err
	}
	mapRoots := make(map[types.StorageSlotName]types.Hash)
	for _, slot := range mapSlotsSorted(existingSlots) {
		mapRoots[slot.Name] = hashing.WordAsHash(slot.Value)
	}

	storageMaps := make(map[types.StorageSlotName]*types.StorageMap)
	for _, mapDelta := range delta.StorageDelta.MapSlots {
		prevRoot, ok := mapRoots[mapDelta.Slot]
		if !ok {
			prevRoot = smt.EmptyRoot()
		}
		newRoot, err := e.forest.UpdateStorageMapNodes(prevRoot, mapDelta.Entries)
		if err != nil {
			return err
		}
		m, err := e.forest.MaterializeMap(newRoot)
		if err != nil {
			return err
		}
		storageMaps[mapDelta.Slot] = m
		mapRoots[mapDelta.Slot] = newRoot
	}

	names := make([]types.StorageSlotName, 0, len(mapRoots))
	for name := range mapRoots {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })

	newRoots := []types.Hash{newVaultRoot}
	for _, name := range names {
		newRoots = append(newRoots, mapRoots[name])
	}
	e.forest.StageRoots(finalHeader.ID, newRoots)

	if err := e.store.ApplyAccountDelta(initHeader, finalHeader, delta, storageMaps, mapRoots); err != nil {
		e.forest.DiscardRoots(finalHeader.ID)
		return err
	}
	e.forest.CommitRoots(finalHeader.ID)
	return nil
}

// resolveVaultDelta turns a VaultDelta into the entry batch the Forest
// needs to apply in one InsertAssetNodes/UpdateAssetNodes call, per §4.3
// step 2: a fungible entry's post-delta amount is the existing balance
// under root plus/minus SignedAmount, written as ZeroWord (a deletion) if
// it nets to zero; a non-fungible entry carries its asset word, or
// ZeroWord if Removed.
func (e *Engine) resolveVaultDelta(root types.Hash, vd types.VaultDelta) ([]types.StorageMapEntry, error) {
	var entries []types.StorageMapEntry
	for _, fd := range vd.Fungible {
		key := types.AssetVaultKey{fd.FaucetIDPrefix, 0, 0, 0}
		current, _, err := e.forest.GetAssetAndWitness(root, types.Word(key))
		if err != nil {
			return nil, err
		}
		existingAmount := int64(0)
		if current != types.ZeroWord {
			existingAmount = int64(types.DecodeAssetWord(current).FungibleAmount())
		}
		newAmount := existingAmount + fd.SignedAmount
		if newAmount < 0 {
			return nil, rollerr.InvariantViolation("fungible vault delta underflows balance")
		}
		entry := types.StorageMapEntry{Key: types.Word(key), Value: types.ZeroWord}
		if newAmount != 0 {
			entry.Value = types.NewFungibleAsset(fd.FaucetIDPrefix, uint64(newAmount)).Word
		}
		entries = append(entries, entry)
	}
	for _, nd := range vd.NonFungible {
		entry := types.StorageMapEntry{Key: types.Word(nd.Asset.VaultKey())}
		if !nd.Removed {
			entry.Value = nd.Asset.Word
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// UndoAccountStates rolls back the named historical commitments in the
// Store and releases any SMT roots that become unreachable as a result.
func (e *Engine) UndoAccountStates(commitments []types.Hash) error {
	touched := make(map[types.AccountID]bool)
	for _, c := range commitments {
		header, err := e.store.GetAccountHeaderByCommitment(c)
		if err != nil {
			continue // already gone or never existed; nothing to release
		}
		touched[header.ID] = true
	}

	if err := e.store.UndoAccountStates(commitments); err != nil {
		return err
	}

	for id := range touched {
		roots, err := e.currentStoreRoots(id)
		if err != nil {
			return err
		}
		if err := e.forest.ReplaceRoots(id, roots); err != nil {
			return err
		}
	}
	return nil
}

// UpsertForeignAccountCode caches code fetched for a foreign-procedure call.
func (e *Engine) UpsertForeignAccountCode(id types.AccountID, code []byte) error {
	return e.store.UpsertForeignAccountCode(id, code)
}

// LockAccountOnUnexpectedCommitment locks id if remote does not match any
// known historical commitment.
func (e *Engine) LockAccountOnUnexpectedCommitment(id types.AccountID, remote types.Hash) (bool, error) {
	return e.store.LockAccountOnUnexpectedCommitment(id, remote)
}

// PruneAccountHistory removes historical rows §4.4 does not protect. It does
// not touch the Forest: pruning only deletes superseded historical rows, and
// any root no longer reachable from an account's current state was already
// released from the Forest at the moment that state was committed (via
// CommitRoots/ReplaceRoots), not when its history row is later garbage
// collected.
func (e *Engine) PruneAccountHistory(id types.AccountID) (storage.PruneStats, error) {
	return e.store.PruneAccountHistory(id)
}
