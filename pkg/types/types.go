// Package types holds the plain data model shared by the storage, SMT
// forest, engine, and reconciler packages: accounts, storage slots, asset
// vaults, deltas, and the records that track transactions and sync progress.
package types

import "time"

// Word is the rollup's native value: four field elements. We represent each
// element as a uint64; arithmetic/range validity is the executor's concern,
// not the state engine's.
type Word [4]uint64

// Hash identifies a commitment, an SMT root, or a code/storage root.
type Hash [32]byte

// ZeroWord is the canonical empty value. A Map slot entry set to ZeroWord is
// a deletion, never a stored zero.
var ZeroWord = Word{}

// AccountID is the 256-bit identifier of an account.
type AccountID Hash

// String renders the account id as hex for logging and map keys.
func (id AccountID) String() string {
	return hashString(Hash(id))
}

// AccountHeader is the five-field summary of an account at one nonce: no
// slot bodies, no vault assets. Cheap to copy, cheap to hash.
type AccountHeader struct {
	ID                AccountID
	Nonce             uint64
	CodeCommitment    Hash
	StorageCommitment Hash
	VaultRoot         Hash
}

// AccountStatusKind is the lifecycle stage of an account. (The account
// commitment over a header's fields is computed by hashing.AccountCommitment
// in pkg/hashing, kept out of this package so types stays free of hashing
// concerns.)
type AccountStatusKind string

const (
	// AccountStatusTracked is a normal, fully-synced account.
	AccountStatusTracked AccountStatusKind = "tracked"
	// AccountStatusNew is a freshly inserted account awaiting its first
	// apply-delta or on-chain confirmation. Carries the seed used to derive it.
	AccountStatusNew AccountStatusKind = "new"
	// AccountStatusLocked means a remote commitment was observed that does
	// not match any historical commitment we know about.
	AccountStatusLocked AccountStatusKind = "locked"
)

// AccountStatus is the lifecycle state attached to an account header.
type AccountStatus struct {
	Kind AccountStatusKind
	Seed *Word // set for New, optionally set for Locked
}

// StorageSlotType distinguishes a single-word value slot from a map slot.
type StorageSlotType string

const (
	StorageSlotTypeValue StorageSlotType = "value"
	StorageSlotTypeMap   StorageSlotType = "map"
)

// StorageSlotName is a validated path identifying a slot within an
// account's storage. Validation (character set, length) happens at
// construction via NewStorageSlotName.
type StorageSlotName string

// StorageSlot is one named, typed entry in an account's storage. For a
// Value slot, Value holds the word directly. For a Map slot, Value holds
// the map's current root and the entries live separately in the store/forest.
type StorageSlot struct {
	Name  StorageSlotName
	Type  StorageSlotType
	Value Word // the word itself (Value slots) or the map root (Map slots)
}

// StorageMapEntry is one (key, value) pair of a storage map. A Value of
// ZeroWord appearing here is never stored — callers use it only to express
// "delete this key" in a delta; the materialized map never contains zero
// entries.
type StorageMapEntry struct {
	Key   Word
	Value Word
}

// AssetVaultKey identifies one slot in an asset vault: one key per faucet
// for fungible assets, one key per item for non-fungible assets.
type AssetVaultKey Word

// Asset is a single vault entry: which faucet it was issued by and its word
// encoding (amount for fungible, unique payload for non-fungible).
type Asset struct {
	FaucetIDPrefix uint64
	Fungible       bool
	Word           Word
}

// VaultKey derives this asset's deterministic vault key.
func (a Asset) VaultKey() AssetVaultKey {
	if a.Fungible {
		return AssetVaultKey{a.FaucetIDPrefix, 0, 0, 0}
	}
	return AssetVaultKey(a.Word)
}

// fungibleFlag marks a Word's first field element as a fungible asset
// encoding; this lets the SMT forest store and retrieve assets as plain
// Words without knowing anything about fungibility.
const fungibleFlag uint64 = 1 << 63

// NewFungibleAsset builds a fungible asset word for a given faucet and amount.
func NewFungibleAsset(faucetIDPrefix, amount uint64) Asset {
	return Asset{
		FaucetIDPrefix: faucetIDPrefix,
		Fungible:       true,
		Word:           Word{faucetIDPrefix | fungibleFlag, amount, 0, 0},
	}
}

// NewNonFungibleAsset builds a non-fungible asset word from a unique payload.
// The payload's first element has the fungible flag cleared.
func NewNonFungibleAsset(faucetIDPrefix uint64, payload Word) Asset {
	payload[0] &^= fungibleFlag
	return Asset{FaucetIDPrefix: faucetIDPrefix, Fungible: false, Word: payload}
}

// FungibleAmount returns the encoded amount of a fungible asset word.
func (a Asset) FungibleAmount() uint64 {
	return a.Word[1]
}

// DecodeAssetWord reconstructs an Asset from its SMT leaf value.
func DecodeAssetWord(w Word) Asset {
	if w[0]&fungibleFlag != 0 {
		return Asset{FaucetIDPrefix: w[0] &^ fungibleFlag, Fungible: true, Word: w}
	}
	return Asset{Fungible: false, Word: w}
}

// Address is a derivable routing handle for an account.
type Address struct {
	AccountID AccountID
	Metadata  Word
}

// NoteTag is a 32-bit routing key the sequencer RPC uses to filter sync
// results down to notes relevant to tracked accounts.
type NoteTag uint32

// NullifierPrefix is a 32-bit routing key used the same way for nullifiers.
type NullifierPrefix uint32

// TagSourceKind distinguishes what created a tag record.
type TagSourceKind string

const (
	TagSourceAccount TagSourceKind = "account"
	TagSourceNote    TagSourceKind = "note"
)

// TagSource names the owner of a tag record.
type TagSource struct {
	Kind      TagSourceKind
	AccountID AccountID // set when Kind == TagSourceAccount
	NoteID    Hash      // set when Kind == TagSourceNote
}

// Tag is a persisted (tag value, source) pair.
type Tag struct {
	Value  NoteTag
	Source TagSource
}

// TransactionStatusKind is the lifecycle stage of a transaction record.
type TransactionStatusKind string

const (
	TransactionStatusPending   TransactionStatusKind = "pending"
	TransactionStatusCommitted TransactionStatusKind = "committed"
	TransactionStatusDiscarded TransactionStatusKind = "discarded"
)

// TransactionStatus carries the stage plus its stage-specific payload.
type TransactionStatus struct {
	Kind        TransactionStatusKind
	BlockNumber uint32 // set when Kind == Committed
	Cause       string // set when Kind == Discarded
}

// TransactionDetails is the immutable record of what a transaction did.
type TransactionDetails struct {
	InitAccountState  Hash // account commitment before the transaction
	FinalAccountState Hash // account commitment after the transaction
	InputNullifiers   []Hash
	OutputNoteIDs     []Hash
	BlockNumber       uint32 // block height the sequencer accepted the submission at
}

// TransactionRecord is the full lifecycle record for one executed
// transaction, as tracked by the client.
type TransactionRecord struct {
	ID        Hash
	AccountID AccountID
	Details   TransactionDetails
	Status    TransactionStatus
	CreatedAt time.Time
}

func hashString(h Hash) string {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, 2*len(h))
	for i, b := range h {
		buf[2*i] = hexDigits[b>>4]
		buf[2*i+1] = hexDigits[b&0x0f]
	}
	return string(buf)
}

// String renders a Hash as lowercase hex.
func (h Hash) String() string {
	return hashString(h)
}
