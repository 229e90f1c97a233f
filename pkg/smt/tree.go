package smt

import (
	"encoding/binary"

	"github.com/cuemby/rollstate/pkg/hashing"
	"github.com/cuemby/rollstate/pkg/types"
)

// Depth is the fixed depth of every tree the forest manages, matching the
// rollup's storage-map and vault SMTs (spec.md §3.1, §4.2).
const Depth = 64

// tree is one sparse Merkle tree's non-empty leaves, keyed by the caller's
// original key (not the derived path). Two trees with identical leaf sets
// hash to the same root, so the forest stores at most one tree per distinct
// root value regardless of how many accounts reference it.
type tree struct {
	leaves map[types.Word]types.Word
}

func newTree() *tree {
	return &tree{leaves: make(map[types.Word]types.Word)}
}

func (t *tree) clone() *tree {
	c := newTree()
	for k, v := range t.leaves {
		c.leaves[k] = v
	}
	return c
}

// apply inserts/deletes entries in place; a ZeroWord value deletes.
func (t *tree) apply(entries []types.StorageMapEntry) {
	for _, e := range entries {
		if e.Value == types.ZeroWord {
			delete(t.leaves, e.Key)
			continue
		}
		t.leaves[e.Key] = e.Value
	}
}

type indexedLeaf struct {
	path  uint64
	value types.Word
}

func pathOf(key types.Word) uint64 {
	h := hashing.HashWord(key)
	return binary.BigEndian.Uint64(h[:8])
}

func (t *tree) indexedLeaves() []indexedLeaf {
	out := make([]indexedLeaf, 0, len(t.leaves))
	for k, v := range t.leaves {
		out = append(out, indexedLeaf{path: pathOf(k), value: v})
	}
	return out
}

var emptyHashes [Depth + 1]types.Hash

func init() {
	emptyHashes[0] = hashing.HashWord(types.ZeroWord)
	for i := 1; i <= Depth; i++ {
		emptyHashes[i] = hashing.Combine(emptyHashes[i-1], emptyHashes[i-1])
	}
}

// EmptyRoot is the root of a tree with no non-empty leaves.
func EmptyRoot() types.Hash {
	return emptyHashes[Depth]
}

// bitAt extracts the branching bit used when bitpos levels remain between
// the current node and the leaves (bitpos in [1, Depth]).
func bitAt(path uint64, bitpos int) uint64 {
	return (path >> uint(bitpos-1)) & 1
}

func partition(entries []indexedLeaf, bitpos int) (left, right []indexedLeaf) {
	for _, e := range entries {
		if bitAt(e.path, bitpos) == 0 {
			left = append(left, e)
		} else {
			right = append(right, e)
		}
	}
	return left, right
}

func buildRoot(entries []indexedLeaf, bitpos int) types.Hash {
	if len(entries) == 0 {
		return emptyHashes[bitpos]
	}
	if bitpos == 0 {
		// A single leaf resolves the path fully; collisions cannot occur
		// since pathOf is derived from a cryptographic hash of the key.
		return hashing.HashWord(entries[0].value)
	}
	left, right := partition(entries, bitpos)
	return hashing.Combine(buildRoot(left, bitpos-1), buildRoot(right, bitpos-1))
}

// root computes this tree's current root from scratch over its leaf set.
func (t *tree) root() types.Hash {
	return buildRoot(t.indexedLeaves(), Depth)
}

// open returns the value at key (ZeroWord if absent) and the sibling path
// from leaf to root, ordered bottom-up (siblings[0] is nearest the leaf).
func (t *tree) open(key types.Word) (types.Word, []types.Hash) {
	target := pathOf(key)
	value, siblings := openPath(t.indexedLeaves(), target, Depth)
	return value, siblings
}

func openPath(entries []indexedLeaf, target uint64, bitpos int) (types.Word, []types.Hash) {
	if bitpos == 0 {
		for _, e := range entries {
			if e.path == target {
				return e.value, nil
			}
		}
		return types.ZeroWord, nil
	}
	left, right := partition(entries, bitpos)
	bit := bitAt(target, bitpos)
	if bit == 0 {
		value, siblings := openPath(left, target, bitpos-1)
		return value, append(siblings, buildRoot(right, bitpos-1))
	}
	value, siblings := openPath(right, target, bitpos-1)
	return value, append(siblings, buildRoot(left, bitpos-1))
}

// Verify recomputes a root from a leaf's value and sibling path and reports
// whether it matches root. siblings must be ordered bottom-up, as returned
// by open/Witness.
func Verify(root types.Hash, key types.Word, value types.Word, siblings []types.Hash) bool {
	path := pathOf(key)
	cur := emptyHashes[0]
	if value != types.ZeroWord {
		cur = hashing.HashWord(value)
	}
	for i, sib := range siblings {
		bitpos := i + 1
		if bitAt(path, bitpos) == 0 {
			cur = hashing.Combine(cur, sib)
		} else {
			cur = hashing.Combine(sib, cur)
		}
	}
	return cur == root
}
