package storage

import (
	"github.com/cuemby/rollstate/pkg/types"
)

// StorageFilter selects a subset of an account's storage for GetAccountStorage.
type StorageFilter struct {
	All      bool
	Root     *types.Hash
	SlotName *types.StorageSlotName
}

// AccountRecord is the full materialized state of an account.
type AccountRecord struct {
	Header types.AccountHeader
	Status types.AccountStatus
	Code   []byte
	Slots  []types.StorageSlot
	Maps   map[types.StorageSlotName]*types.StorageMap
	Vault  *types.AssetVault
}

// AccountHeaderRow pairs a header with its lifecycle status for bulk reads.
type AccountHeaderRow struct {
	Header types.AccountHeader
	Status types.AccountStatus
}

// BlockHeaderRow is one row of the block_headers table.
type BlockHeaderRow struct {
	BlockNum       uint32
	Header         types.BlockHeader
	MmrPeaks       types.MmrPeaks
	HasClientNotes bool
}

// PruneStats reports what PruneAccountHistory removed, for telemetry.
type PruneStats struct {
	DeletedStateRows    int
	OrphanedStorageRows int
	OrphanedAssetRows   int
	OrphanedMapEntries  int
}

// Store is the only component allowed to read or write the persisted
// account-state database. Every operation below is atomic: the
// implementation opens a transaction, executes, and commits, rolling back
// on any error.
type Store interface {
	// Account reads.
	GetAccountIDs() ([]types.AccountID, error)
	GetAccountHeaders() ([]AccountHeaderRow, error)
	GetAccountHeader(id types.AccountID) (types.AccountHeader, types.AccountStatus, error)
	GetAccountHeaderByCommitment(commitment types.Hash) (types.AccountHeader, error)
	GetAccount(id types.AccountID) (*AccountRecord, error)
	GetAccountVault(id types.AccountID) (*types.AssetVault, error)
	GetAccountStorage(id types.AccountID, filter StorageFilter) ([]types.StorageSlot, error)
	GetForeignAccountCode(ids []types.AccountID) (map[types.AccountID][]byte, error)

	// Account writes.
	InsertAccount(rec *AccountRecord, initialAddress *types.Address) error
	UpdateAccount(rec *AccountRecord) error
	ApplyAccountDelta(initHeader, finalHeader types.AccountHeader, delta types.AccountDelta, storageMaps map[types.StorageSlotName]*types.StorageMap, mapRoots map[types.StorageSlotName]types.Hash) error
	UndoAccountStates(commitments []types.Hash) error
	UpsertForeignAccountCode(id types.AccountID, code []byte) error
	LockAccountOnUnexpectedCommitment(id types.AccountID, remote types.Hash) (bool, error)
	PruneAccountHistory(id types.AccountID) (PruneStats, error)

	// Chain data.
	InsertBlockHeader(row BlockHeaderRow) error
	GetBlockHeader(blockNum uint32) (BlockHeaderRow, error)
	InsertPartialBlockchainNode(index uint64, node types.Hash) error
	GetSyncHeight() (uint32, error)
	AdvanceSyncHeight(blockNum uint32) error

	// Tags.
	InsertTag(tag types.Tag) error
	DeleteTagBySource(source types.TagSource) error
	ListTags() ([]types.Tag, error)

	// Notes.
	UpsertNoteStatus(update types.NoteUpdate) error
	GetNoteStatus(id types.Hash) (types.NoteUpdate, error)

	// Transactions.
	UpsertTransaction(rec types.TransactionRecord) error
	GetTransaction(id types.Hash) (types.TransactionRecord, error)
	ListPendingTransactions(accountID types.AccountID) ([]types.TransactionRecord, error)

	Close() error
}
