package types

// FungibleDelta is a signed amount change for one faucet in a vault delta.
// Positive adds, negative subtracts; SignedAmount carries both the sign and
// the magnitude.
type FungibleDelta struct {
	FaucetIDPrefix uint64
	SignedAmount   int64
}

// NonFungibleDelta adds or removes exactly one non-fungible asset.
type NonFungibleDelta struct {
	Asset   Asset
	Removed bool
}

// VaultDelta is the vault half of an AccountDelta.
type VaultDelta struct {
	Fungible    []FungibleDelta
	NonFungible []NonFungibleDelta
}

// ValueSlotDelta overwrites one Value slot with a new word.
type ValueSlotDelta struct {
	Slot StorageSlotName
	New  Word
}

// MapSlotDelta changes a set of entries in one Map slot. An entry with
// Value == ZeroWord removes that key.
type MapSlotDelta struct {
	Slot    StorageSlotName
	Entries []StorageMapEntry
}

// StorageDelta is the storage half of an AccountDelta.
type StorageDelta struct {
	ValueSlots []ValueSlotDelta
	MapSlots   []MapSlotDelta
}

// AccountDelta is the incremental change applied by the apply-delta
// pipeline: a nonce increment, plus whatever storage and vault changes produced it.
type AccountDelta struct {
	NonceDelta   uint64
	StorageDelta StorageDelta
	VaultDelta   VaultDelta
}

// IsEmpty reports whether the delta changes nothing at all.
func (d AccountDelta) IsEmpty() bool {
	return d.NonceDelta == 0 &&
		len(d.StorageDelta.ValueSlots) == 0 &&
		len(d.StorageDelta.MapSlots) == 0 &&
		len(d.VaultDelta.Fungible) == 0 &&
		len(d.VaultDelta.NonFungible) == 0
}
