// Package rpc defines the collaborator contract for the sequencer RPC
// transport. The transport itself — wire format, transport security,
// retries — is an external collaborator the core never implements; this
// package only states the operations the core calls and carries a small
// in-memory mock of that contract for tests.
package rpc

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/rollstate/pkg/types"
)

// FetchedNote is a note returned by GetNotesByID, either fully disclosed
// (Public) or only as a commitment the caller must already know the
// details of (Private).
type FetchedNote struct {
	ID       types.Hash
	Public   bool
	Details  []byte // note payload bytes, opaque to the core; Public only
	Metadata types.Word
}

// NullifierUpdate reports one nullifier as seen on-chain at a block.
type NullifierUpdate struct {
	Prefix      types.NullifierPrefix
	Nullifier   types.Hash
	BlockNumber uint32
}

// SmtProof is an opaque Merkle witness returned by the sequencer for a
// nullifier membership check; the core does not interpret its bytes.
type SmtProof struct {
	Root  types.Hash
	Proof []byte
}

// AccountProof is the sequencer's authenticated state for a foreign
// account, used to build AccountInputs for foreign-procedure invocation.
type AccountProof struct {
	AccountID types.AccountID
	Header    types.AccountHeader
	Code      []byte
	Witness   []byte
}

// FetchedAccount is the sequencer's current view of a tracked account.
type FetchedAccount struct {
	Header    types.AccountHeader
	Commitment types.Hash
}

// MmrProof authenticates a block header against a known MMR peak set.
type MmrProof struct {
	BlockNum uint32
	Peaks    types.MmrPeaks
	Path     []types.Hash
}

// ProvenBlock is a full block as the sequencer publishes it.
type ProvenBlock struct {
	Header types.BlockHeader
	Body   []byte
}

// NoteScript is the MASM/MAST bytes of a note's script, addressable by its
// content root.
type NoteScript struct {
	Root  types.Hash
	Bytes []byte
}

// AccountVaultPage and StorageMapPage are one page of a paginated,
// per-account incremental reader; Cursor is opaque and echoed back to
// fetch the next page, empty once exhausted.
type AccountVaultPage struct {
	Assets []types.Asset
	Cursor string
}

type StorageMapPage struct {
	Entries []types.StorageMapEntry
	Cursor  string
}

type TransactionPage struct {
	Records []types.TransactionRecord
	Cursor  string
}

// Client is the set of sequencer operations the core depends on. Every
// method is expected to respect ctx cancellation and a per-call timeout;
// the core never retries internally — that policy belongs to the
// transport implementation.
type Client interface {
	SyncState(ctx context.Context, blockNum uint32, trackedAccountIDs []types.AccountID, noteTags []types.NoteTag) (types.StateSyncUpdate, error)
	SyncNotes(ctx context.Context, blockNum uint32, blockTo *uint32, noteTags []types.NoteTag) (types.NoteUpdates, error)
	GetBlockHeaderByNumber(ctx context.Context, blockNum *uint32, includeMmrProof bool) (types.BlockHeader, *MmrProof, error)
	GetNotesByID(ctx context.Context, ids []types.Hash) ([]FetchedNote, error)
	SubmitProvenTransaction(ctx context.Context, proof []byte, accountID types.AccountID) (uint32, error)
	GetAccountDetails(ctx context.Context, id types.AccountID) (FetchedAccount, error)
	GetAccount(ctx context.Context, foreignAccount types.AccountID, stateAt uint32, knownCode *types.Hash) (uint32, AccountProof, error)
	SyncNullifiers(ctx context.Context, prefixes []types.NullifierPrefix, fromBlock uint32, toBlock *uint32) ([]NullifierUpdate, error)
	CheckNullifiers(ctx context.Context, nullifiers []types.Hash) ([]SmtProof, error)
	GetBlockByNumber(ctx context.Context, blockNum uint32) (ProvenBlock, error)
	GetNoteScriptByRoot(ctx context.Context, root types.Hash) (NoteScript, error)
	SyncAccountVault(ctx context.Context, id types.AccountID, cursor string) (AccountVaultPage, error)
	SyncStorageMaps(ctx context.Context, id types.AccountID, slot types.StorageSlotName, cursor string) (StorageMapPage, error)
	SyncTransactions(ctx context.Context, id types.AccountID, cursor string) (TransactionPage, error)
}

// Mock is an in-memory Client. No package or test in this module uses it,
// and it is not wired into the engine, reconciler or pipeline.
type Mock struct {
	mu                sync.Mutex
	SyncStateFunc     func(ctx context.Context, blockNum uint32, ids []types.AccountID, tags []types.NoteTag) (types.StateSyncUpdate, error)
	SubmitFunc        func(ctx context.Context, proof []byte, id types.AccountID) (uint32, error)
	blockHeaders      map[uint32]types.BlockHeader
	submittedProofs   [][]byte
}

// NewMock returns an empty Mock; callers set the *Func fields they need.
func NewMock() *Mock {
	return &Mock{blockHeaders: make(map[uint32]types.BlockHeader)}
}

func (m *Mock) SyncState(ctx context.Context, blockNum uint32, ids []types.AccountID, tags []types.NoteTag) (types.StateSyncUpdate, error) {
	if m.SyncStateFunc != nil {
		return m.SyncStateFunc(ctx, blockNum, ids, tags)
	}
	return types.StateSyncUpdate{BlockNum: blockNum}, nil
}

func (m *Mock) SyncNotes(ctx context.Context, blockNum uint32, blockTo *uint32, tags []types.NoteTag) (types.NoteUpdates, error) {
	return types.NoteUpdates{}, nil
}

func (m *Mock) GetBlockHeaderByNumber(ctx context.Context, blockNum *uint32, includeMmrProof bool) (types.BlockHeader, *MmrProof, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if blockNum == nil {
		var max uint32
		for n := range m.blockHeaders {
			if n > max {
				max = n
			}
		}
		blockNum = &max
	}
	h, ok := m.blockHeaders[*blockNum]
	if !ok {
		return types.BlockHeader{}, nil, fmt.Errorf("mock rpc: no block header at %d", *blockNum)
	}
	return h, nil, nil
}

func (m *Mock) GetNotesByID(ctx context.Context, ids []types.Hash) ([]FetchedNote, error) {
	return nil, nil
}

func (m *Mock) SubmitProvenTransaction(ctx context.Context, proof []byte, id types.AccountID) (uint32, error) {
	m.mu.Lock()
	m.submittedProofs = append(m.submittedProofs, proof)
	m.mu.Unlock()
	if m.SubmitFunc != nil {
		return m.SubmitFunc(ctx, proof, id)
	}
	return 0, nil
}

func (m *Mock) GetAccountDetails(ctx context.Context, id types.AccountID) (FetchedAccount, error) {
	return FetchedAccount{}, fmt.Errorf("mock rpc: account %s not found", id)
}

func (m *Mock) GetAccount(ctx context.Context, foreignAccount types.AccountID, stateAt uint32, knownCode *types.Hash) (uint32, AccountProof, error) {
	return 0, AccountProof{}, fmt.Errorf("mock rpc: foreign account %s not found", foreignAccount)
}

func (m *Mock) SyncNullifiers(ctx context.Context, prefixes []types.NullifierPrefix, fromBlock uint32, toBlock *uint32) ([]NullifierUpdate, error) {
	return nil, nil
}

func (m *Mock) CheckNullifiers(ctx context.Context, nullifiers []types.Hash) ([]SmtProof, error) {
	return nil, nil
}

func (m *Mock) GetBlockByNumber(ctx context.Context, blockNum uint32) (ProvenBlock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.blockHeaders[blockNum]
	if !ok {
		return ProvenBlock{}, fmt.Errorf("mock rpc: no block at %d", blockNum)
	}
	return ProvenBlock{Header: h}, nil
}

func (m *Mock) GetNoteScriptByRoot(ctx context.Context, root types.Hash) (NoteScript, error) {
	return NoteScript{}, fmt.Errorf("mock rpc: no script at root %s", root)
}

func (m *Mock) SyncAccountVault(ctx context.Context, id types.AccountID, cursor string) (AccountVaultPage, error) {
	return AccountVaultPage{}, nil
}

func (m *Mock) SyncStorageMaps(ctx context.Context, id types.AccountID, slot types.StorageSlotName, cursor string) (StorageMapPage, error) {
	return StorageMapPage{}, nil
}

func (m *Mock) SyncTransactions(ctx context.Context, id types.AccountID, cursor string) (TransactionPage, error) {
	return TransactionPage{}, nil
}

// SeedBlockHeader is a test helper letting callers populate the mock's
// block header table ahead of a GetBlockHeaderByNumber/GetBlockByNumber call.
func (m *Mock) SeedBlockHeader(h types.BlockHeader) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blockHeaders[h.BlockNum] = h
}
