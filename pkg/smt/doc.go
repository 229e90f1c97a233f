/*
Package smt implements the account-state engine's Sparse Merkle Tree forest:
the in-memory structure backing every account's vault root and every storage
map slot's root.

# Architecture

	┌──────────────────────── FOREST ────────────────────────┐
	│                                                          │
	│  trees: map[root Hash]*tree      refcounts: map[Hash]int│
	│                                                          │
	│   root A ──▶ tree{leaves}  (refcount 2, shared by        │
	│   root B ──▶ tree{leaves}   two accounts with identical  │
	│   root C ──▶ tree{leaves}   vault contents)              │
	│                                                          │
	└──────────────────────────────────────────────────────────┘

A tree is addressed by the content hash of its leaf set, not by the account
that owns it, so two accounts whose vaults happen to hold the same assets
share one underlying tree. Mutating one account's vault derives a new tree
under a new root; it never mutates a tree another account still points to.

# Root lifecycle

The forest also tracks, per account, its current root set (vault root
first, then one root per storage map slot) and a pending-old-roots stack.
Every transition goes through one of two paths:

  - Stage/Commit/Discard: used by ordinary delta application. StageRoots
    pushes the account's current roots onto its pending stack, installs
    newRoots as current, and reserves them against concurrent collection.
    CommitRoots then releases the pushed roots; DiscardRoots instead pops
    the stack, restores it as current, and releases the roots being
    discarded.
  - ReplaceRoots: an atomic swap with no staging window, used when a whole
    account state is installed or replaced outright (account insert,
    full-state sync, rollback). Forbidden while a stage is pending for that
    account.

A root's tree is removed once its refcount reaches zero. The canonical empty
root is pinned at refcount 1 for the forest's lifetime.
*/
package smt
