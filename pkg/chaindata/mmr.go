// Package chaindata tracks the partial blockchain: the append-only Merkle
// Mountain Range (MMR) of block commitments, plus the subset of inner nodes
// retained to keep old leaves provable without storing the whole range. No
// other package in this module uses it; the reconciler persists block
// headers and MMR nodes through the Store alone.
//
// No MMR implementation exists anywhere in this module's source lineage,
// and the proving backend's exact authentication-node numbering is an
// out-of-scope wire format (spec.md §1 Non-goals), so this is a from-scratch
// bookkeeping structure over crypto/sha256 via the hashing package, not a
// byte-compatible reimplementation of any specific MMR layout.
package chaindata

import (
	"fmt"

	"github.com/cuemby/rollstate/pkg/hashing"
	"github.com/cuemby/rollstate/pkg/types"
)

type peak struct {
	height uint64
	node   types.Hash
	index  uint64
}

// PartialMmr is the client's partial view of the chain's MMR: every peak of
// the current mountain range, plus whatever inner nodes upstream has sent
// it to keep a still-relevant leaf's authentication path complete. It does
// not hold the full range — just enough to verify membership of the leaves
// it was told to track.
type PartialMmr struct {
	numLeaves uint64
	peaks     []peak
	nodes     map[uint64]types.Hash
	nextIndex uint64
}

// NewPartialMmr returns an empty range.
func NewPartialMmr() *PartialMmr {
	return &PartialMmr{nodes: make(map[uint64]types.Hash)}
}

// NumLeaves reports how many block commitments have been appended.
func (m *PartialMmr) NumLeaves() uint64 { return m.numLeaves }

// Add appends one block commitment as a new leaf, merging it with
// equal-height peaks until the mountain range's invariant (strictly
// decreasing peak heights) holds again, and returns the resulting peak set.
func (m *PartialMmr) Add(leaf types.Hash) types.MmrPeaks {
	p := peak{height: 0, node: leaf, index: m.nextIndex}
	m.nodes[p.index] = p.node
	m.nextIndex++
	m.peaks = append(m.peaks, p)

	for len(m.peaks) >= 2 {
		last := m.peaks[len(m.peaks)-1]
		prev := m.peaks[len(m.peaks)-2]
		if last.height != prev.height {
			break
		}
		merged := peak{
			height: last.height + 1,
			node:   hashing.Combine(prev.node, last.node),
			index:  m.nextIndex,
		}
		m.nodes[merged.index] = merged.node
		m.nextIndex++
		m.peaks = m.peaks[:len(m.peaks)-2]
		m.peaks = append(m.peaks, merged)
	}

	m.numLeaves++
	return m.Peaks()
}

// Peaks returns the current peak hashes, tallest mountain first.
func (m *PartialMmr) Peaks() types.MmrPeaks {
	out := make([]types.Hash, len(m.peaks))
	for i, p := range m.peaks {
		out[i] = p.node
	}
	return types.MmrPeaks{BlockNum: uint32(m.numLeaves), Peaks: out}
}

// TrackNode records one inner node at a given index, as delivered by the
// sequencer's sync response (spec.md §4.5 step 2's AuthNodes map). It does
// not affect NumLeaves/Peaks; it only adds a node that Node can return.
func (m *PartialMmr) TrackNode(index uint64, node types.Hash) {
	m.nodes[index] = node
}

// Node returns a previously tracked or locally computed inner node.
func (m *PartialMmr) Node(index uint64) (types.Hash, bool) {
	n, ok := m.nodes[index]
	return n, ok
}

// VerifyPeakBagging folds all current peaks right-to-left into a single
// root commitment, the form a block header's chain_commitment takes over
// the partial blockchain, and returns it. It compares the result against
// nothing; an empty peak set is an error.
func VerifyPeakBagging(peaks types.MmrPeaks) (types.Hash, error) {
	if len(peaks.Peaks) == 0 {
		return types.Hash{}, fmt.Errorf("chaindata: cannot bag an empty peak set")
	}
	root := peaks.Peaks[len(peaks.Peaks)-1]
	for i := len(peaks.Peaks) - 2; i >= 0; i-- {
		root = hashing.Combine(peaks.Peaks[i], root)
	}
	return root, nil
}
