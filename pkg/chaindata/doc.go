/*
Package chaindata is the client's partial-blockchain bookkeeping: an
in-memory append-only MMR of block commitments, and enough retained inner
nodes to keep a tracked leaf's authentication path provable without
storing the full range.

PartialMmr.Add appends one leaf and re-establishes the strictly-decreasing
peak-height invariant by merging equal-height peaks. The durable partial
blockchain lives in the Store (InsertPartialBlockchainNode,
GetBlockHeader); the reconciler writes it there directly and does not use
this package, and no other package in this module imports it.
*/
package chaindata
