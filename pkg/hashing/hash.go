// Package hashing provides the hash primitives the SMT forest and the
// account engine need: hashing a Word to a tree index, combining two child
// hashes into a parent, and computing an account's commitment.
//
// The rollup's real proving backend uses a field-element-native hash
// (Rescue-Prime style); this module's Non-goals explicitly exclude the
// proving backend (spec.md §1), so crypto/sha256 stands in here. No
// field-element hash library appears anywhere in this module's source
// lineage, so the standard library is used directly rather than inventing
// a dependency no example repo reaches for.
package hashing

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/cuemby/rollstate/pkg/types"
)

// WordBytes serializes a Word in little-endian field order.
func WordBytes(w types.Word) []byte {
	buf := make([]byte, 32)
	for i, e := range w {
		binary.LittleEndian.PutUint64(buf[i*8:], e)
	}
	return buf
}

// HashWord hashes a single word to a 32-byte digest.
func HashWord(w types.Word) types.Hash {
	return types.Hash(sha256.Sum256(WordBytes(w)))
}

// HashAsWord reinterprets a Hash as a Word using the same little-endian field
// order as WordBytes, the encoding a Map slot's Value uses to hold its root.
func HashAsWord(h types.Hash) types.Word {
	var w types.Word
	for i := range w {
		w[i] = binary.LittleEndian.Uint64(h[i*8:])
	}
	return w
}

// WordAsHash is the inverse of HashAsWord.
func WordAsHash(w types.Word) types.Hash {
	return types.Hash(WordBytes(w))
}

// Combine hashes two child hashes into their parent.
func Combine(left, right types.Hash) types.Hash {
	buf := make([]byte, 64)
	copy(buf[:32], left[:])
	copy(buf[32:], right[:])
	return types.Hash(sha256.Sum256(buf))
}

// HashWords hashes an arbitrary list of words into one digest, used for
// code commitments and other flat byte-string commitments.
func HashWords(words ...types.Word) types.Hash {
	h := sha256.New()
	for _, w := range words {
		h.Write(WordBytes(w))
	}
	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// AccountCommitment computes the commitment for an account header: the
// hash of (id, nonce, vault_root, storage_commitment, code_commitment), per
// spec.md §3.1 and I7.
func AccountCommitment(h types.AccountHeader) types.Hash {
	buf := make([]byte, 0, 32+8+32+32+32)
	buf = append(buf, h.ID[:]...)
	var nonceBytes [8]byte
	binary.LittleEndian.PutUint64(nonceBytes[:], h.Nonce)
	buf = append(buf, nonceBytes[:]...)
	buf = append(buf, h.VaultRoot[:]...)
	buf = append(buf, h.StorageCommitment[:]...)
	buf = append(buf, h.CodeCommitment[:]...)
	sum := sha256.Sum256(buf)
	return types.Hash(sum)
}

// StorageCommitment hashes the ordered list of storage slots into the
// account's storage_commitment field. Slot order is significant: it is the
// account's declared storage layout order, not a sorted order.
func StorageCommitment(slots []types.StorageSlot) types.Hash {
	h := sha256.New()
	for _, s := range slots {
		h.Write([]byte(s.Name))
		h.Write([]byte{0}) // name/value separator, avoids ambiguity between adjacent names
		h.Write(WordBytes(s.Value))
	}
	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// CodeCommitment hashes raw MAST bytes into a content address. The MAST
// assembler itself is an out-of-scope collaborator (spec.md §1); this
// module only needs a stable content address for whatever bytes it is given.
func CodeCommitment(code []byte) types.Hash {
	return types.Hash(sha256.Sum256(code))
}
