/*
Package events implements the account-state engine's Event Bus: two ordered
handler lists reached by every operation once its DB transaction has
committed.

	┌─────────────────────────── Bus ───────────────────────────┐
	│  Emit(ev)                                                  │
	│    │                                                       │
	│    ▼                                                       │
	│  sync handlers, in Subscribe order ── error? ──▶ keep it,  │
	│    │                                  stop the sync pass   │
	│    ▼                                                       │
	│  async handlers, each `go h(ev)` — spawned even after a    │
	│    │  sync error; detached, never awaited                  │
	│    ▼                                                       │
	│  return the kept sync error, if any                        │
	└─────────────────────────────────────────────────────────────┘

Sync handlers run inline and can observe every prior handler's side effect
before deciding whether to proceed; the first error stops the remaining sync
handlers and is returned to Emit's caller, but the commit the event followed
has already happened and is never rolled back by a handler failure. Async
handlers are fire-and-forget: Emit never waits on them, and a panic inside
one is recovered and logged rather than crashing the emitting goroutine.
*/
package events
