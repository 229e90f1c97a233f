/*
Package reconciler implements the Sync Reconciler: folding one
StateSyncUpdate from the RPC layer into the Store and Forest, in the fixed
eight-step order the protocol requires.

	┌─────────────────────── Reconcile(update) ───────────────────────┐
	│ 1. advance sync height (monotonic)                               │
	│ 2. insert block headers + MMR peaks + auth nodes                 │
	│ 3. upsert note records                                           │
	│ 4. drop note-tag rows for consumed input notes                   │
	│ 5. upsert transaction records (committed / discarded)            │
	│ 6. engine.UndoAccountStates for discarded transactions           │
	│ 7. engine.ReplaceState for each updated public account           │
	│ 8. engine.LockAccountOnUnexpectedCommitment for private mismatch │
	└───────────────────────────────────────────────────────────────────┘
	                          │
	                          ▼
	                 bus.Emit(sync.completed)

Steps 1-5 talk to the Store directly — chain data, notes, and transaction
bookkeeping the Forest has no stake in. Steps 6-8 go through the Engine,
since undoing or replacing account state always touches both Store and
Forest together; Reconcile never calls the Store and Forest separately for
those steps, the same rule pkg/engine enforces for every other write.

Reconcile does not own a ticker or a goroutine: the Operation Coordinator
(pkg/coordinator) owns the background sync loop and the mutual exclusion
against transaction submission, and calls Reconcile once per cycle with the
StateSyncUpdate its RPC client fetched.
*/
package reconciler
