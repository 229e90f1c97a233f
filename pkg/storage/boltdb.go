package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/rollstate/pkg/hashing"
	"github.com/cuemby/rollstate/pkg/rollerr"
	"github.com/cuemby/rollstate/pkg/types"
)

var (
	bucketAccountsLatest     = []byte("accounts_latest")
	bucketAccountsHistory    = []byte("accounts_history")
	bucketAccountCode        = []byte("account_code")
	bucketStorageLatest      = []byte("account_storage_latest")
	bucketStorageHistory     = []byte("account_storage_history")
	bucketMapEntriesLatest   = []byte("latest_storage_map_entries")
	bucketMapEntriesHistory  = []byte("historical_storage_map_entries")
	bucketAccountAssets      = []byte("account_assets")
	bucketAddresses          = []byte("addresses")
	bucketTrackedAccounts    = []byte("tracked_accounts")
	bucketForeignAccountCode = []byte("foreign_account_code")
	bucketBlockHeaders       = []byte("block_headers")
	bucketPartialBlockchain  = []byte("partial_blockchain_nodes")
	bucketTags               = []byte("tags")
	bucketStateSync          = []byte("state_sync")
	bucketTransactions       = []byte("transactions")
	bucketNotes              = []byte("notes")
)

var allBuckets = [][]byte{
	bucketAccountsLatest,
	bucketAccountsHistory,
	bucketAccountCode,
	bucketStorageLatest,
	bucketStorageHistory,
	bucketMapEntriesLatest,
	bucketMapEntriesHistory,
	bucketAccountAssets,
	bucketAddresses,
	bucketTrackedAccounts,
	bucketForeignAccountCode,
	bucketBlockHeaders,
	bucketPartialBlockchain,
	bucketTags,
	bucketStateSync,
	bucketTransactions,
	bucketNotes,
}

// BoltStore implements Store using an embedded BoltDB file, one bucket per
// logical table named in the persisted-state layout.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the account-state database under
// dataDir and ensures every bucket exists.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "rollstate.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, rollerr.DatabaseError(fmt.Errorf("open %s: %w", dbPath, err))
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, rollerr.DatabaseError(err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// --- key encoding ---

func keyAccount(id types.AccountID) []byte {
	out := make([]byte, 32)
	copy(out, id[:])
	return out
}

func keyHistory(id types.AccountID, nonce uint64) []byte {
	out := make([]byte, 40)
	copy(out, id[:])
	binary.BigEndian.PutUint64(out[32:], nonce)
	return out
}

func keyStorageLatest(id types.AccountID, slot types.StorageSlotName) []byte {
	out := make([]byte, 32+len(slot))
	copy(out, id[:])
	copy(out[32:], slot)
	return out
}

func keyStorageHistory(id types.AccountID, nonce uint64, slot types.StorageSlotName) []byte {
	out := make([]byte, 40+len(slot))
	copy(out, id[:])
	binary.BigEndian.PutUint64(out[32:], nonce)
	copy(out[40:], slot)
	return out
}

// keyMapEntry builds a length-prefixed composite key so variable-length
// components (a slot name) never collide with the fixed-length key bytes
// that follow them.
func keyMapEntry(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		lenPrefix := make([]byte, 2)
		binary.BigEndian.PutUint16(lenPrefix, uint16(len(p)))
		out = append(out, lenPrefix...)
		out = append(out, p...)
	}
	return out
}

func keyMapEntryLatest(id types.AccountID, slot types.StorageSlotName, key types.Word) []byte {
	return keyMapEntry(id[:], []byte(slot), hashing.WordBytes(key))
}

func keyMapEntryHistory(id types.AccountID, nonce uint64, slot types.StorageSlotName, key types.Word) []byte {
	nb := make([]byte, 8)
	binary.BigEndian.PutUint64(nb, nonce)
	return keyMapEntry(id[:], nb, []byte(slot), hashing.WordBytes(key))
}

func keyMapEntryPrefix(id types.AccountID, slot types.StorageSlotName) []byte {
	return keyMapEntry(id[:], []byte(slot))
}

func keyMapEntryHistoryPrefix(id types.AccountID, nonce uint64, slot types.StorageSlotName) []byte {
	nb := make([]byte, 8)
	binary.BigEndian.PutUint64(nb, nonce)
	return keyMapEntry(id[:], nb, []byte(slot))
}

func keyAsset(root types.Hash, vaultKey types.AssetVaultKey) []byte {
	out := make([]byte, 64)
	copy(out, root[:])
	copy(out[32:], hashing.WordBytes(types.Word(vaultKey)))
	return out
}

func keyBlockNum(n uint32) []byte {
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, n)
	return out
}

func keyMMRIndex(i uint64) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, i)
	return out
}

var stateSyncKey = []byte("height")

// --- account reads ---

func (s *BoltStore) GetAccountIDs() ([]types.AccountID, error) {
	var ids []types.AccountID
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAccountsLatest).ForEach(func(k, v []byte) error {
			var id types.AccountID
			copy(id[:], k)
			ids = append(ids, id)
			return nil
		})
	})
	return ids, wrapDB(err)
}

type latestRow struct {
	Header types.AccountHeader
	Status types.AccountStatus
}

func (s *BoltStore) GetAccountHeaders() ([]AccountHeaderRow, error) {
	var rows []AccountHeaderRow
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAccountsLatest).ForEach(func(k, v []byte) error {
			var lr latestRow
			if err := json.Unmarshal(v, &lr); err != nil {
				return err
			}
			rows = append(rows, AccountHeaderRow{Header: lr.Header, Status: lr.Status})
			return nil
		})
	})
	return rows, wrapDB(err)
}

func (s *BoltStore) GetAccountHeader(id types.AccountID) (types.AccountHeader, types.AccountStatus, error) {
	var lr latestRow
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAccountsLatest).Get(keyAccount(id))
		if data == nil {
			return rollerr.AccountDataNotFound(id)
		}
		return json.Unmarshal(data, &lr)
	})
	if err != nil {
		return types.AccountHeader{}, types.AccountStatus{}, err
	}
	return lr.Header, lr.Status, nil
}

func (s *BoltStore) GetAccountHeaderByCommitment(commitment types.Hash) (types.AccountHeader, error) {
	var found *types.AccountHeader
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAccountsHistory).ForEach(func(k, v []byte) error {
			var row latestRow
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			if hashing.AccountCommitment(row.Header) == commitment {
				h := row.Header
				found = &h
			}
			return nil
		})
	})
	if err != nil {
		return types.AccountHeader{}, wrapDB(err)
	}
	if found == nil {
		return types.AccountHeader{}, rollerr.AccountStorageRootNotFound(commitment)
	}
	return *found, nil
}

func (s *BoltStore) GetAccount(id types.AccountID) (*AccountRecord, error) {
	header, status, err := s.GetAccountHeader(id)
	if err != nil {
		return nil, err
	}

	rec := &AccountRecord{Header: header, Status: status, Maps: make(map[types.StorageSlotName]*types.StorageMap)}

	err = s.db.View(func(tx *bolt.Tx) error {
		rec.Code = tx.Bucket(bucketAccountCode).Get(header.CodeCommitment[:])

		prefix := id[:]
		c := tx.Bucket(bucketStorageLatest).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var slot types.StorageSlot
			if err := json.Unmarshal(v, &slot); err != nil {
				return err
			}
			rec.Slots = append(rec.Slots, slot)
			if slot.Type == types.StorageSlotTypeMap {
				m, err := s.mapEntriesFor(tx, id, slot.Name)
				if err != nil {
					return err
				}
				rec.Maps[slot.Name] = m
			}
		}

		vault, err := s.vaultFor(tx, header.VaultRoot)
		if err != nil {
			return err
		}
		rec.Vault = vault
		return nil
	})
	if err != nil {
		return nil, wrapDB(err)
	}
	return rec, nil
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i, b := range prefix {
		if k[i] != b {
			return false
		}
	}
	return true
}

func (s *BoltStore) mapEntriesFor(tx *bolt.Tx, id types.AccountID, slot types.StorageSlotName) (*types.StorageMap, error) {
	m := types.NewStorageMap()
	prefix := keyMapEntryPrefix(id, slot)
	c := tx.Bucket(bucketMapEntriesLatest).Cursor()
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		var entry storedMapEntry
		if err := json.Unmarshal(v, &entry); err != nil {
			return nil, err
		}
		m.Entries[entry.Key] = entry.Value
	}
	return m, nil
}

type storedMapEntry struct {
	Key   types.Word
	Value types.Word
}

func (s *BoltStore) vaultFor(tx *bolt.Tx, root types.Hash) (*types.AssetVault, error) {
	vault := types.NewAssetVault()
	c := tx.Bucket(bucketAccountAssets).Cursor()
	for k, v := c.Seek(root[:]); k != nil && hasPrefix(k, root[:]); k, v = c.Next() {
		var asset types.Asset
		if err := json.Unmarshal(v, &asset); err != nil {
			return nil, err
		}
		vault.Assets[asset.VaultKey()] = asset
	}
	return vault, nil
}

func (s *BoltStore) GetAccountVault(id types.AccountID) (*types.AssetVault, error) {
	header, _, err := s.GetAccountHeader(id)
	if err != nil {
		return nil, err
	}
	var vault *types.AssetVault
	err = s.db.View(func(tx *bolt.Tx) error {
		v, err := s.vaultFor(tx, header.VaultRoot)
		vault = v
		return err
	})
	return vault, wrapDB(err)
}

func (s *BoltStore) GetAccountStorage(id types.AccountID, filter StorageFilter) ([]types.StorageSlot, error) {
	var out []types.StorageSlot
	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := id[:]
		c := tx.Bucket(bucketStorageLatest).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var slot types.StorageSlot
			if err := json.Unmarshal(v, &slot); err != nil {
				return err
			}
			if filter.SlotName != nil && slot.Name != *filter.SlotName {
				continue
			}
			if filter.Root != nil && slot.Value != hashing.HashAsWord(*filter.Root) {
				continue
			}
			out = append(out, slot)
		}
		return nil
	})
	return out, wrapDB(err)
}

func (s *BoltStore) GetForeignAccountCode(ids []types.AccountID) (map[types.AccountID][]byte, error) {
	out := make(map[types.AccountID][]byte, len(ids))
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketForeignAccountCode)
		codeB := tx.Bucket(bucketAccountCode)
		for _, id := range ids {
			commitment := b.Get(keyAccount(id))
			if commitment == nil {
				continue
			}
			code := codeB.Get(commitment)
			if code != nil {
				out[id] = append([]byte(nil), code...)
			}
		}
		return nil
	})
	return out, wrapDB(err)
}

// --- account writes ---

func marshalSlot(slot types.StorageSlot) []byte {
	data, _ := json.Marshal(slot)
	return data
}

// InsertAccount persists code, storage slots, map entries, vault assets and
// both the historical and latest header rows for a brand-new account.
func (s *BoltStore) InsertAccount(rec *AccountRecord, initialAddress *types.Address) error {
	return wrapDB(s.db.Update(func(tx *bolt.Tx) error {
		if err := s.writeCode(tx, rec.Header.CodeCommitment, rec.Code); err != nil {
			return err
		}
		if err := s.writeSlots(tx, rec.Header.ID, rec.Header.Nonce, rec.Slots, rec.Maps); err != nil {
			return err
		}
		if err := s.writeVault(tx, rec.Header.VaultRoot, rec.Vault); err != nil {
			return err
		}
		if err := s.writeHeader(tx, rec.Header, rec.Status); err != nil {
			return err
		}
		if err := tx.Bucket(bucketTrackedAccounts).Put(keyAccount(rec.Header.ID), []byte{1}); err != nil {
			return err
		}
		if initialAddress != nil {
			if err := s.writeAddress(tx, *initialAddress); err != nil {
				return err
			}
		}
		return nil
	}))
}

func (s *BoltStore) writeCode(tx *bolt.Tx, commitment types.Hash, code []byte) error {
	if code == nil {
		return nil
	}
	return tx.Bucket(bucketAccountCode).Put(commitment[:], code)
}

func (s *BoltStore) writeSlots(tx *bolt.Tx, id types.AccountID, nonce uint64, slots []types.StorageSlot, maps map[types.StorageSlotName]*types.StorageMap) error {
	latestB := tx.Bucket(bucketStorageLatest)
	histB := tx.Bucket(bucketStorageHistory)
	mapLatestB := tx.Bucket(bucketMapEntriesLatest)

	for _, slot := range slots {
		data := marshalSlot(slot)
		if err := latestB.Put(keyStorageLatest(id, slot.Name), data); err != nil {
			return err
		}
		if err := histB.Put(keyStorageHistory(id, nonce, slot.Name), data); err != nil {
			return err
		}
		if slot.Type != types.StorageSlotTypeMap {
			continue
		}
		m := maps[slot.Name]
		if m == nil {
			continue
		}
		prefix := keyMapEntryPrefix(id, slot.Name)
		c := mapLatestB.Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			if err := mapLatestB.Delete(k); err != nil {
				return err
			}
		}
		for key, value := range m.Entries {
			entryData, _ := json.Marshal(storedMapEntry{Key: key, Value: value})
			if err := mapLatestB.Put(keyMapEntryLatest(id, slot.Name, key), entryData); err != nil {
				return err
			}
			if err := tx.Bucket(bucketMapEntriesHistory).Put(keyMapEntryHistory(id, nonce, slot.Name, key), entryData); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *BoltStore) writeVault(tx *bolt.Tx, root types.Hash, vault *types.AssetVault) error {
	if vault == nil {
		return nil
	}
	b := tx.Bucket(bucketAccountAssets)
	for key, asset := range vault.Assets {
		data, _ := json.Marshal(asset)
		if err := b.Put(keyAsset(root, key), data); err != nil {
			return err
		}
	}
	return nil
}

func (s *BoltStore) writeHeader(tx *bolt.Tx, header types.AccountHeader, status types.AccountStatus) error {
	data, _ := json.Marshal(latestRow{Header: header, Status: status})
	if err := tx.Bucket(bucketAccountsLatest).Put(keyAccount(header.ID), data); err != nil {
		return err
	}
	return tx.Bucket(bucketAccountsHistory).Put(keyHistory(header.ID, header.Nonce), data)
}

func (s *BoltStore) writeAddress(tx *bolt.Tx, addr types.Address) error {
	key := append(append([]byte{}, addr.AccountID[:]...), hashing.WordBytes(addr.Metadata)...)
	if err := tx.Bucket(bucketAddresses).Put(key, addr.AccountID[:]); err != nil {
		return err
	}
	tag := types.Tag{
		Value:  deriveNoteTag(addr),
		Source: types.TagSource{Kind: types.TagSourceAccount, AccountID: addr.AccountID},
	}
	return putTag(tx, tag)
}

func deriveNoteTag(addr types.Address) types.NoteTag {
	h := hashing.HashWords(hashing.HashAsWord(types.Hash(addr.AccountID)), addr.Metadata)
	return types.NoteTag(binary.BigEndian.Uint32(h[:4]))
}

func keyTag(t types.Tag) []byte {
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, uint32(t.Value))
	switch t.Source.Kind {
	case types.TagSourceAccount:
		out = append(out, t.Source.AccountID[:]...)
	case types.TagSourceNote:
		out = append(out, t.Source.NoteID[:]...)
	}
	return out
}

func putTag(tx *bolt.Tx, t types.Tag) error {
	data, _ := json.Marshal(t)
	return tx.Bucket(bucketTags).Put(keyTag(t), data)
}

// UpdateAccount requires a prior latest row and replaces all state,
// advancing the header (full-state replacement, not a delta).
func (s *BoltStore) UpdateAccount(rec *AccountRecord) error {
	return wrapDB(s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketAccountsLatest).Get(keyAccount(rec.Header.ID)) == nil {
			return rollerr.AccountDataNotFound(rec.Header.ID)
		}
		if err := s.writeCode(tx, rec.Header.CodeCommitment, rec.Code); err != nil {
			return err
		}
		if err := s.writeSlots(tx, rec.Header.ID, rec.Header.Nonce, rec.Slots, rec.Maps); err != nil {
			return err
		}
		if err := s.writeVault(tx, rec.Header.VaultRoot, rec.Vault); err != nil {
			return err
		}
		return s.writeHeader(tx, rec.Header, rec.Status)
	}))
}

// ApplyAccountDelta advances account from initHeader to finalHeader,
// persisting the final header and writing the historical/latest storage and
// map rows touched by delta. Callers are responsible for having already
// derived finalHeader's roots via the Forest and verified them (§4.3 steps
// 2-3); this method performs step 4, the persistence half. mapRoots carries
// the post-delta root for every Map-typed slot touched by delta, so the
// slot's own (type, root) row advances in lockstep with its entry rows.
func (s *BoltStore) ApplyAccountDelta(initHeader, finalHeader types.AccountHeader, delta types.AccountDelta, storageMaps map[types.StorageSlotName]*types.StorageMap, mapRoots map[types.StorageSlotName]types.Hash) error {
	return wrapDB(s.db.Update(func(tx *bolt.Tx) error {
		id := finalHeader.ID

		if initHeader.VaultRoot != finalHeader.VaultRoot {
			if err := s.copyForwardVault(tx, initHeader.VaultRoot, finalHeader.VaultRoot); err != nil {
				return err
			}
		}
		if err := s.applyVaultDelta(tx, finalHeader.VaultRoot, delta.VaultDelta); err != nil {
			return err
		}

		for _, vs := range delta.StorageDelta.ValueSlots {
			slot := types.StorageSlot{Name: vs.Slot, Type: types.StorageSlotTypeValue, Value: vs.New}
			data := marshalSlot(slot)
			if err := tx.Bucket(bucketStorageLatest).Put(keyStorageLatest(id, vs.Slot), data); err != nil {
				return err
			}
			if err := tx.Bucket(bucketStorageHistory).Put(keyStorageHistory(id, finalHeader.Nonce, vs.Slot), data); err != nil {
				return err
			}
		}

		for _, mapDelta := range delta.StorageDelta.MapSlots {
			m := storageMaps[mapDelta.Slot]
			if m == nil {
				m = types.NewStorageMap()
			}
			if err := s.applyMapDelta(tx, id, finalHeader.Nonce, mapDelta.Slot, m, mapDelta); err != nil {
				return err
			}

			newRoot, ok := mapRoots[mapDelta.Slot]
			if !ok {
				return rollerr.InvariantViolation("applyAccountDelta: missing new root for map slot " + string(mapDelta.Slot))
			}
			slot := types.StorageSlot{Name: mapDelta.Slot, Type: types.StorageSlotTypeMap, Value: hashing.HashAsWord(newRoot)}
			data := marshalSlot(slot)
			if err := tx.Bucket(bucketStorageLatest).Put(keyStorageLatest(id, mapDelta.Slot), data); err != nil {
				return err
			}
			if err := tx.Bucket(bucketStorageHistory).Put(keyStorageHistory(id, finalHeader.Nonce, mapDelta.Slot), data); err != nil {
				return err
			}
		}

		if finalHeader.Nonce < initHeader.Nonce {
			return rollerr.InvariantViolation("applyAccountDelta: finalHeader nonce must not regress")
		}
		return s.writeHeader(tx, finalHeader, types.AccountStatus{Kind: types.AccountStatusTracked})
	}))
}

func (s *BoltStore) copyForwardVault(tx *bolt.Tx, oldRoot, newRoot types.Hash) error {
	b := tx.Bucket(bucketAccountAssets)
	c := b.Cursor()
	type pending struct{ key, val []byte }
	var toCopy []pending
	for k, v := c.Seek(oldRoot[:]); k != nil && hasPrefix(k, oldRoot[:]); k, v = c.Next() {
		vaultKey := append([]byte(nil), k[32:]...)
		toCopy = append(toCopy, pending{vaultKey, append([]byte(nil), v...)})
	}
	for _, entry := range toCopy {
		newKey := append(append([]byte(nil), newRoot[:]...), entry.key...)
		if err := b.Put(newKey, entry.val); err != nil {
			return err
		}
	}
	return nil
}

func (s *BoltStore) applyVaultDelta(tx *bolt.Tx, newRoot types.Hash, vd types.VaultDelta) error {
	b := tx.Bucket(bucketAccountAssets)
	for _, fd := range vd.Fungible {
		vaultKey := types.AssetVaultKey{fd.FaucetIDPrefix, 0, 0, 0}
		k := keyAsset(newRoot, vaultKey)
		var current types.Asset
		if data := b.Get(k); data != nil {
			json.Unmarshal(data, &current)
		} else {
			current = types.NewFungibleAsset(fd.FaucetIDPrefix, 0)
		}
		newAmount := int64(current.FungibleAmount()) + fd.SignedAmount
		if newAmount < 0 {
			return rollerr.InvariantViolation("fungible asset delta underflows vault balance")
		}
		if newAmount == 0 {
			if err := b.Delete(k); err != nil {
				return err
			}
			continue
		}
		asset := types.NewFungibleAsset(fd.FaucetIDPrefix, uint64(newAmount))
		data, _ := json.Marshal(asset)
		if err := b.Put(k, data); err != nil {
			return err
		}
	}
	for _, nd := range vd.NonFungible {
		k := keyAsset(newRoot, nd.Asset.VaultKey())
		if nd.Removed {
			if err := b.Delete(k); err != nil {
				return err
			}
			continue
		}
		data, _ := json.Marshal(nd.Asset)
		if err := b.Put(k, data); err != nil {
			return err
		}
	}
	return nil
}

func (s *BoltStore) applyMapDelta(tx *bolt.Tx, id types.AccountID, nonce uint64, name types.StorageSlotName, m *types.StorageMap, delta types.MapSlotDelta) error {
	latestB := tx.Bucket(bucketMapEntriesLatest)
	histB := tx.Bucket(bucketMapEntriesHistory)

	for _, entry := range delta.Entries {
		histKey := keyMapEntryHistory(id, nonce, name, entry.Key)
		if entry.Value == types.ZeroWord {
			// Tombstone: an explicit nil value distinguishes "deleted at this
			// nonce" from "unchanged" during a later rollback rebuild.
			if err := histB.Put(histKey, nil); err != nil {
				return err
			}
			if err := latestB.Delete(keyMapEntryLatest(id, name, entry.Key)); err != nil {
				return err
			}
			continue
		}
		data, _ := json.Marshal(storedMapEntry{Key: entry.Key, Value: entry.Value})
		if err := histB.Put(histKey, data); err != nil {
			return err
		}
		if err := latestB.Put(keyMapEntryLatest(id, name, entry.Key), data); err != nil {
			return err
		}
	}
	return nil
}

// UndoAccountStates removes the historical rows matching commitments and
// recomputes the latest header and storage projection per touched account
// from whatever history remains, per §4.1's rollback rebuild.
func (s *BoltStore) UndoAccountStates(commitments []types.Hash) error {
	wanted := make(map[types.Hash]bool, len(commitments))
	for _, c := range commitments {
		wanted[c] = true
	}

	return wrapDB(s.db.Update(func(tx *bolt.Tx) error {
		histB := tx.Bucket(bucketAccountsHistory)
		touched := make(map[types.AccountID]bool)

		var toDelete [][]byte
		c := histB.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var row latestRow
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			if wanted[hashing.AccountCommitment(row.Header)] {
				toDelete = append(toDelete, append([]byte(nil), k...))
				touched[row.Header.ID] = true
			}
		}
		for _, k := range toDelete {
			if err := histB.Delete(k); err != nil {
				return err
			}
		}

		for id := range touched {
			if err := s.rebuildLatestProjection(tx, id); err != nil {
				return err
			}
		}
		return nil
	}))
}

// rebuildLatestProjection recomputes the latest header and storage rows for
// id from whatever historical rows remain, per §4.1's rollback rebuild.
func (s *BoltStore) rebuildLatestProjection(tx *bolt.Tx, id types.AccountID) error {
	histB := tx.Bucket(bucketAccountsHistory)
	var maxRow *latestRow
	prefix := id[:]
	c := histB.Cursor()
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		var row latestRow
		if err := json.Unmarshal(v, &row); err != nil {
			return err
		}
		if maxRow == nil || row.Header.Nonce > maxRow.Header.Nonce {
			r := row
			maxRow = &r
		}
	}
	if maxRow == nil {
		// No history left for this account: drop it from every latest projection.
		if err := tx.Bucket(bucketAccountsLatest).Delete(keyAccount(id)); err != nil {
			return err
		}
		return s.clearLatestStorage(tx, id)
	}
	data, _ := json.Marshal(*maxRow)
	if err := tx.Bucket(bucketAccountsLatest).Put(keyAccount(id), data); err != nil {
		return err
	}
	return s.rebuildLatestStorage(tx, id, maxRow.Header.Nonce)
}

func (s *BoltStore) clearLatestStorage(tx *bolt.Tx, id types.AccountID) error {
	latestB := tx.Bucket(bucketStorageLatest)
	prefix := id[:]
	var keys [][]byte
	c := latestB.Cursor()
	for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := latestB.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// rebuildLatestStorage walks every slot_name that currently appears in
// latest, restoring the most recent historical row at or below maxNonce, or
// deleting it if none exists.
func (s *BoltStore) rebuildLatestStorage(tx *bolt.Tx, id types.AccountID, maxNonce uint64) error {
	latestB := tx.Bucket(bucketStorageLatest)
	histB := tx.Bucket(bucketStorageHistory)

	slotNames := make(map[types.StorageSlotName]bool)
	prefix := id[:]
	c := latestB.Cursor()
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		var slot types.StorageSlot
		if err := json.Unmarshal(v, &slot); err != nil {
			return err
		}
		slotNames[slot.Name] = true
	}

	for name := range slotNames {
		var best *types.StorageSlot
		var bestNonce uint64
		hc := histB.Cursor()
		hprefix := id[:]
		for k, v := hc.Seek(hprefix); k != nil && hasPrefix(k, hprefix); k, v = hc.Next() {
			nonce := binary.BigEndian.Uint64(k[32:40])
			if nonce > maxNonce {
				continue
			}
			if types.StorageSlotName(k[40:]) != name {
				continue
			}
			var slot types.StorageSlot
			if err := json.Unmarshal(v, &slot); err != nil {
				return err
			}
			if best == nil || nonce > bestNonce {
				sl := slot
				best = &sl
				bestNonce = nonce
			}
		}
		if best == nil {
			if err := latestB.Delete(keyStorageLatest(id, name)); err != nil {
				return err
			}
			continue
		}
		data := marshalSlot(*best)
		if err := latestB.Put(keyStorageLatest(id, name), data); err != nil {
			return err
		}
		if best.Type == types.StorageSlotTypeMap {
			if err := s.rebuildLatestMapEntries(tx, id, name, maxNonce); err != nil {
				return err
			}
		}
	}
	return nil
}

// rebuildLatestMapEntries rebuilds the latest projection for one map slot
// from historical entries at or below maxNonce, a tombstone among them
// winning over an older present value at a lower nonce.
func (s *BoltStore) rebuildLatestMapEntries(tx *bolt.Tx, id types.AccountID, name types.StorageSlotName, maxNonce uint64) error {
	latestB := tx.Bucket(bucketMapEntriesLatest)
	histB := tx.Bucket(bucketMapEntriesHistory)

	prefix := keyMapEntryPrefix(id, name)
	var keys [][]byte
	c := latestB.Cursor()
	for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := latestB.Delete(k); err != nil {
			return err
		}
	}

	type latestEntry struct {
		nonce uint64
		tomb  bool
		value types.Word
	}
	latest := make(map[types.Word]latestEntry)

	idPrefix := keyMapEntry(id[:])
	hc := histB.Cursor()
	for k, v := hc.Seek(idPrefix); k != nil && hasPrefix(k, idPrefix); k, v = hc.Next() {
		entrySlot, nonce, entryKey, ok := decodeMapHistoryKey(k)
		if !ok || entrySlot != name || nonce > maxNonce {
			continue
		}
		entry := latestEntry{nonce: nonce, tomb: v == nil}
		if v != nil {
			var se storedMapEntry
			if err := json.Unmarshal(v, &se); err != nil {
				return err
			}
			entry.value = se.Value
		}
		if existing, ok := latest[entryKey]; !ok || entry.nonce >= existing.nonce {
			latest[entryKey] = entry
		}
	}

	for entryKey, le := range latest {
		if le.tomb {
			continue
		}
		data, _ := json.Marshal(storedMapEntry{Key: entryKey, Value: le.value})
		if err := latestB.Put(keyMapEntryLatest(id, name, entryKey), data); err != nil {
			return err
		}
	}
	return nil
}

// decodeMapHistoryKey parses a length-prefixed id||nonce||slotName||key
// composite key back into its components.
func decodeMapHistoryKey(k []byte) (slot types.StorageSlotName, nonce uint64, key types.Word, ok bool) {
	pos := 0
	next := func() []byte {
		if pos+2 > len(k) {
			ok = false
			return nil
		}
		n := int(binary.BigEndian.Uint16(k[pos : pos+2]))
		pos += 2
		if pos+n > len(k) {
			ok = false
			return nil
		}
		part := k[pos : pos+n]
		pos += n
		return part
	}
	ok = true
	_ = next() // id
	nonceBytes := next()
	slotBytes := next()
	keyBytes := next()
	if !ok || len(nonceBytes) != 8 || len(keyBytes) != 32 {
		return "", 0, types.Word{}, false
	}
	nonce = binary.BigEndian.Uint64(nonceBytes)
	slot = types.StorageSlotName(slotBytes)
	for i := 0; i < 4; i++ {
		key[i] = binary.LittleEndian.Uint64(keyBytes[i*8:])
	}
	return slot, nonce, key, true
}

func (s *BoltStore) UpsertForeignAccountCode(id types.AccountID, code []byte) error {
	return wrapDB(s.db.Update(func(tx *bolt.Tx) error {
		commitment := hashing.CodeCommitment(code)
		if err := tx.Bucket(bucketAccountCode).Put(commitment[:], code); err != nil {
			return err
		}
		return tx.Bucket(bucketForeignAccountCode).Put(keyAccount(id), commitment[:])
	}))
}

// LockAccountOnUnexpectedCommitment locks id only if remote does not match
// any of its known historical commitments (a stale-data guard); it reports
// whether the account was actually locked.
func (s *BoltStore) LockAccountOnUnexpectedCommitment(id types.AccountID, remote types.Hash) (bool, error) {
	var locked bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		histB := tx.Bucket(bucketAccountsHistory)
		prefix := id[:]
		c := histB.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var row latestRow
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			if hashing.AccountCommitment(row.Header) == remote {
				return nil // known commitment, no lock
			}
		}

		latestB := tx.Bucket(bucketAccountsLatest)
		data := latestB.Get(keyAccount(id))
		if data == nil {
			return rollerr.AccountDataNotFound(id)
		}
		var lr latestRow
		if err := json.Unmarshal(data, &lr); err != nil {
			return err
		}
		lr.Status = types.AccountStatus{Kind: types.AccountStatusLocked, Seed: lr.Status.Seed}
		newData, _ := json.Marshal(lr)
		locked = true
		return latestB.Put(keyAccount(id), newData)
	})
	return locked, wrapDB(err)
}

// PruneAccountHistory deletes historical rows for id that §4.4 does not
// protect: everything except the latest committed state, the seed/bootstrap
// row, and rows named by a pending transaction's init/final account state.
func (s *BoltStore) PruneAccountHistory(id types.AccountID) (PruneStats, error) {
	var stats PruneStats
	err := s.db.Update(func(tx *bolt.Tx) error {
		protected, err := s.protectedCommitments(tx, id)
		if err != nil {
			return err
		}

		histB := tx.Bucket(bucketAccountsHistory)
		prefix := id[:]
		var toDelete [][]byte
		var keepNonces []uint64
		var deletedVaultRoots []types.Hash
		c := histB.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var row latestRow
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			if protected[hashing.AccountCommitment(row.Header)] {
				keepNonces = append(keepNonces, row.Header.Nonce)
				continue
			}
			toDelete = append(toDelete, append([]byte(nil), k...))
			deletedVaultRoots = append(deletedVaultRoots, row.Header.VaultRoot)
		}
		for _, k := range toDelete {
			if err := histB.Delete(k); err != nil {
				return err
			}
			stats.DeletedStateRows++
		}

		removed, orphanedMapEntries, err := s.pruneStorageHistory(tx, id, keepNonces)
		if err != nil {
			return err
		}
		stats.OrphanedStorageRows = removed
		stats.OrphanedMapEntries = orphanedMapEntries

		orphanedAssets, err := s.pruneOrphanedVaultAssets(tx, deletedVaultRoots)
		if err != nil {
			return err
		}
		stats.OrphanedAssetRows = orphanedAssets
		return nil
	})
	return stats, wrapDB(err)
}

// protectedCommitments computes the set of account_commitment values that
// PruneAccountHistory must not delete, per §4.4.
func (s *BoltStore) protectedCommitments(tx *bolt.Tx, id types.AccountID) (map[types.Hash]bool, error) {
	protected := make(map[types.Hash]bool)

	if latestData := tx.Bucket(bucketAccountsLatest).Get(keyAccount(id)); latestData != nil {
		var lr latestRow
		if err := json.Unmarshal(latestData, &lr); err != nil {
			return nil, err
		}
		protected[hashing.AccountCommitment(lr.Header)] = true
	}

	var maxNonce uint64
	var maxCommitment types.Hash
	var seedCommitment *types.Hash
	haveAny := false
	prefix := id[:]
	c := tx.Bucket(bucketAccountsHistory).Cursor()
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		var row latestRow
		if err := json.Unmarshal(v, &row); err != nil {
			return nil, err
		}
		commitment := hashing.AccountCommitment(row.Header)
		if !haveAny || row.Header.Nonce >= maxNonce {
			maxNonce = row.Header.Nonce
			maxCommitment = commitment
			haveAny = true
		}
		if row.Status.Seed != nil {
			cc := commitment
			seedCommitment = &cc
		}
	}
	if haveAny {
		protected[maxCommitment] = true
	}
	if seedCommitment != nil {
		protected[*seedCommitment] = true
	}

	txB := tx.Bucket(bucketTransactions)
	tc := txB.Cursor()
	for k, v := tc.First(); k != nil; k, v = tc.Next() {
		var rec types.TransactionRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return nil, err
		}
		if rec.AccountID != id || rec.Status.Kind != types.TransactionStatusPending {
			continue
		}
		protected[rec.Details.InitAccountState] = true
		protected[rec.Details.FinalAccountState] = true
	}
	return protected, nil
}

// pruneStorageHistory deletes storage-history rows for id at a nonce not in
// keepNonces, and, for every deleted row naming a Map slot, also deletes that
// slot's now-unreachable map-entry-history rows at the same (id, nonce,
// slot). It returns the count of deleted storage rows and of orphaned
// map-entry rows.
func (s *BoltStore) pruneStorageHistory(tx *bolt.Tx, id types.AccountID, keepNonces []uint64) (int, int, error) {
	keep := make(map[uint64]bool, len(keepNonces))
	for _, n := range keepNonces {
		keep[n] = true
	}

	removed := 0
	orphanedMapEntries := 0
	histB := tx.Bucket(bucketStorageHistory)
	mapHistB := tx.Bucket(bucketMapEntriesHistory)
	prefix := id[:]
	type candidate struct {
		key  []byte
		slot types.StorageSlot
	}
	var toDelete []candidate
	c := histB.Cursor()
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		nonce := binary.BigEndian.Uint64(k[32:40])
		if keep[nonce] {
			continue
		}
		var slot types.StorageSlot
		if err := json.Unmarshal(v, &slot); err != nil {
			return removed, orphanedMapEntries, err
		}
		toDelete = append(toDelete, candidate{key: append([]byte(nil), k...), slot: slot})
	}
	for _, cand := range toDelete {
		nonce := binary.BigEndian.Uint64(cand.key[32:40])
		if err := histB.Delete(cand.key); err != nil {
			return removed, orphanedMapEntries, err
		}
		removed++

		if cand.slot.Type != types.StorageSlotTypeMap {
			continue
		}
		n, err := deleteByPrefix(mapHistB, keyMapEntryHistoryPrefix(id, nonce, cand.slot.Name))
		if err != nil {
			return removed, orphanedMapEntries, err
		}
		orphanedMapEntries += n
	}
	return removed, orphanedMapEntries, nil
}

// deleteByPrefix deletes every key under b with the given prefix, returning
// how many rows were removed.
func deleteByPrefix(b *bolt.Bucket, prefix []byte) (int, error) {
	var keys [][]byte
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

// pruneOrphanedVaultAssets deletes account_assets rows keyed by any of
// deletedVaultRoots, provided no account's latest or historical header still
// names that root — vault roots are content-addressed and can be shared
// across unrelated accounts, so the check is global rather than scoped to
// the account being pruned.
func (s *BoltStore) pruneOrphanedVaultAssets(tx *bolt.Tx, deletedVaultRoots []types.Hash) (int, error) {
	assetsB := tx.Bucket(bucketAccountAssets)
	removed := 0
	seen := make(map[types.Hash]bool)
	for _, root := range deletedVaultRoots {
		if seen[root] {
			continue
		}
		seen[root] = true
		referenced, err := s.vaultRootStillReferenced(tx, root)
		if err != nil {
			return removed, err
		}
		if referenced {
			continue
		}
		n, err := deleteByPrefix(assetsB, root[:])
		if err != nil {
			return removed, err
		}
		removed += n
	}
	return removed, nil
}

// vaultRootStillReferenced reports whether any account's latest or
// historical header still names root as its vault root.
func (s *BoltStore) vaultRootStillReferenced(tx *bolt.Tx, root types.Hash) (bool, error) {
	for _, bucket := range [][]byte{bucketAccountsLatest, bucketAccountsHistory} {
		referenced := false
		err := tx.Bucket(bucket).ForEach(func(_, v []byte) error {
			if referenced {
				return nil
			}
			var row latestRow
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			if row.Header.VaultRoot == root {
				referenced = true
			}
			return nil
		})
		if err != nil {
			return false, err
		}
		if referenced {
			return true, nil
		}
	}
	return false, nil
}

// --- chain data ---

func (s *BoltStore) InsertBlockHeader(row BlockHeaderRow) error {
	return wrapDB(s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(row)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketBlockHeaders).Put(keyBlockNum(row.BlockNum), data)
	}))
}

func (s *BoltStore) GetBlockHeader(blockNum uint32) (BlockHeaderRow, error) {
	var row BlockHeaderRow
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBlockHeaders).Get(keyBlockNum(blockNum))
		if data == nil {
			return fmt.Errorf("block header not found: %d", blockNum)
		}
		return json.Unmarshal(data, &row)
	})
	return row, wrapDB(err)
}

func (s *BoltStore) InsertPartialBlockchainNode(index uint64, node types.Hash) error {
	return wrapDB(s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPartialBlockchain).Put(keyMMRIndex(index), node[:])
	}))
}

func (s *BoltStore) GetSyncHeight() (uint32, error) {
	var height uint32
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketStateSync).Get(stateSyncKey)
		if data != nil {
			height = binary.BigEndian.Uint32(data)
		}
		return nil
	})
	return height, wrapDB(err)
}

// AdvanceSyncHeight enforces the monotonic sync-height invariant: the new
// height must not be lower than the one already recorded.
func (s *BoltStore) AdvanceSyncHeight(blockNum uint32) error {
	return wrapDB(s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStateSync)
		data := b.Get(stateSyncKey)
		if data != nil && binary.BigEndian.Uint32(data) > blockNum {
			return rollerr.InvariantViolation("sync height must advance monotonically")
		}
		out := make([]byte, 4)
		binary.BigEndian.PutUint32(out, blockNum)
		return b.Put(stateSyncKey, out)
	}))
}

// --- tags ---

func (s *BoltStore) InsertTag(tag types.Tag) error {
	return wrapDB(s.db.Update(func(tx *bolt.Tx) error {
		return putTag(tx, tag)
	}))
}

func (s *BoltStore) DeleteTagBySource(source types.TagSource) error {
	return wrapDB(s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTags)
		var toDelete [][]byte
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var t types.Tag
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if t.Source.Kind == source.Kind && t.Source.AccountID == source.AccountID && t.Source.NoteID == source.NoteID {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	}))
}

func (s *BoltStore) ListTags() ([]types.Tag, error) {
	var tags []types.Tag
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTags).ForEach(func(k, v []byte) error {
			var t types.Tag
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			tags = append(tags, t)
			return nil
		})
	})
	return tags, wrapDB(err)
}

// --- transactions ---

func (s *BoltStore) UpsertTransaction(rec types.TransactionRecord) error {
	return wrapDB(s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTransactions).Put(rec.ID[:], data)
	}))
}

func (s *BoltStore) GetTransaction(id types.Hash) (types.TransactionRecord, error) {
	var rec types.TransactionRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTransactions).Get(id[:])
		if data == nil {
			return fmt.Errorf("transaction not found: %s", id)
		}
		return json.Unmarshal(data, &rec)
	})
	return rec, wrapDB(err)
}

func (s *BoltStore) ListPendingTransactions(accountID types.AccountID) ([]types.TransactionRecord, error) {
	var out []types.TransactionRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTransactions).ForEach(func(k, v []byte) error {
			var rec types.TransactionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.AccountID == accountID && rec.Status.Kind == types.TransactionStatusPending {
				out = append(out, rec)
			}
			return nil
		})
	})
	return out, wrapDB(err)
}

// --- notes ---

func (s *BoltStore) UpsertNoteStatus(update types.NoteUpdate) error {
	return wrapDB(s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(update)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketNotes).Put(update.NoteID[:], data)
	}))
}

func (s *BoltStore) GetNoteStatus(id types.Hash) (types.NoteUpdate, error) {
	var update types.NoteUpdate
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNotes).Get(id[:])
		if data == nil {
			return fmt.Errorf("note not found: %s", id)
		}
		return json.Unmarshal(data, &update)
	})
	return update, wrapDB(err)
}

func wrapDB(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := rollerr.KindOf(err); ok {
		return err
	}
	return rollerr.DatabaseError(err)
}
