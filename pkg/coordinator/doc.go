/*
Package coordinator implements the Operation Coordinator: the single choke
point every sync reconciliation and every transaction submission passes
through, so the two never interleave.

	┌───────────────────── Coordinator ─────────────────────┐
	│  semaphore.Weighted(1)                                  │
	│                                                          │
	│  RunSync(ctx, fn)  ───┐                                  │
	│  RunTransaction(ctx, fn) ─┤── Acquire(1) → fn() → Release(1)
	│  background loop  ────┘                                  │
	└──────────────────────────────────────────────────────────┘

A single weight-1 semaphore is sufficient for all three ordering rules the
spec names (sync excludes transaction, sync excludes sync, transaction
excludes transaction): only one caller can hold weight 1 at a time,
regardless of which RunX method it came through, so every task of either
kind serializes behind whichever one is running.

StartBackgroundSync spawns one goroutine, managed by a golang.org/x/sync
errgroup, that ticks at a configured interval and folds one StateSyncUpdate
through RunSync. Shutdown closes a broadcast channel the loop selects on
and blocks until the errgroup reports the goroutine has returned — callers
never need their own WaitGroup.
*/
package coordinator
