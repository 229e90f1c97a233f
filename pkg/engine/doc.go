/*
Package engine implements the Account State Engine, the only component
that calls both the Store and the Forest for the same logical operation.

	┌───────────────────────── Engine ─────────────────────────┐
	│                                                            │
	│   forest.StageRoots / ReplaceRoots  ──┐                    │
	│                                        ▼                    │
	│                               store.ApplyAccountDelta       │
	│                                        │                    │
	│   forest.CommitRoots  ◀───── success ──┘                    │
	│   forest.DiscardRoots ◀───── failure ──┘                    │
	│                                                            │
	└────────────────────────────────────────────────────────────┘

ApplyDelta derives new SMT roots from the delta, verifies the vault root
against the caller-supplied final header, stages the roots in the Forest,
persists through the Store, then commits or discards the stage depending on
whether the persist succeeded. InsertAccount, ReplaceState and
UndoAccountStates persist through the Store first and then move the
account's roots with a single ReplaceRoots call. No other package calls
both collaborators for the same operation.
*/
package engine
