/*
Package storage provides BoltDB-backed persistence for account state: the
sixteen buckets listed in the persisted-state layout, one BoltDB file per
client instance.

# Architecture

	┌──────────────────────── BoltStore ─────────────────────────┐
	│  File: <dataDir>/rollstate.db  (B+tree, ACID, fsync)        │
	│                                                              │
	│  accounts_latest            accounts_history                │
	│  account_code                account_storage_latest          │
	│  account_storage_history     latest_storage_map_entries       │
	│  historical_storage_map_entries   account_assets              │
	│  addresses                   tracked_accounts                 │
	│  foreign_account_code        block_headers                    │
	│  partial_blockchain_nodes    tags                             │
	│  state_sync                  transactions                     │
	└──────────────────────────────────────────────────────────────┘

A seventeenth bucket, notes, tracks input/output note lifecycle status
(expected/committed/consumed) for the sync reconciler; it shadows no
latest/history pair since a note's status is a single current value, not
a nonce-indexed history.

Every write goes through exactly one db.Update transaction; reads go
through db.View (GetAccount and GetAccountVault read the header in one
View and the rest in a second). A method never leaves the database in a
half-written state: bbolt rolls the whole transaction back on any returned
error.

# Latest vs. history

Two kinds of rows shadow almost every piece of account state:

  - A "latest" bucket (accounts_latest, account_storage_latest,
    latest_storage_map_entries) holds exactly one row per (account, slot,
    key) triple: the current value.
  - A "history" bucket (accounts_history, account_storage_history,
    historical_storage_map_entries) holds one row per nonce the value was
    ever written at, keyed so a cursor scan recovers every past value in
    order.

ApplyAccountDelta writes both in the same transaction. UndoAccountStates
deletes rows from history and then rebuilds the corresponding latest row
from whatever history remains — the latest projection is always a pure
function of history, never an independent source of truth.

# Map-entry tombstones

A map entry that a delta deletes does not simply disappear from history:
historical_storage_map_entries records an explicit nil value at that nonce.
Without the tombstone, rebuilding the latest projection after an undo could
not distinguish "this key was never touched after the rollback point" from
"this key was deleted at the rollback point" — both would otherwise look
identical to a scan that only sees presence, not a value annotated with its
own deletion.

# Vault storage

Asset rows are keyed by (vault_root, vault_key) rather than by account, so
two accounts whose vaults hash to the same root share the same rows — this
mirrors how the SMT forest shares trees by content hash. ApplyAccountDelta
copies the old root's rows forward under the new root before applying the
vault delta, since a root is immutable once any other account or pending
transaction might still reference it.
*/
package storage
