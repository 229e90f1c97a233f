package smt

import "github.com/cuemby/rollstate/pkg/types"

// AssetWitness proves one asset vault key's value against a vault root.
type AssetWitness struct {
	Root     types.Hash
	Key      types.Word
	Value    types.Word
	Siblings []types.Hash
}

// Verify reports whether the witness is internally consistent with its root.
func (w AssetWitness) Verify() bool {
	return Verify(w.Root, w.Key, w.Value, w.Siblings)
}

// StorageMapWitness proves one storage-map key's value against a map root.
type StorageMapWitness struct {
	Root     types.Hash
	Key      types.Word
	Value    types.Word
	Siblings []types.Hash
}

// Verify reports whether the witness is internally consistent with its root.
func (w StorageMapWitness) Verify() bool {
	return Verify(w.Root, w.Key, w.Value, w.Siblings)
}
