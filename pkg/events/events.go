// Package events implements the Event Bus: two ordered handler lists, one
// synchronous and one asynchronous, that every write path emits to after its
// DB commit.
package events

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/rollstate/pkg/log"
)

// Type identifies the kind of event emitted after a commit.
type Type string

const (
	TypeAccountUpdated       Type = "account.updated"
	TypeAccountLocked        Type = "account.locked"
	TypeTransactionCommitted Type = "transaction.committed"
	TypeTransactionDiscarded Type = "transaction.discarded"
	TypeNoteUpdated          Type = "note.updated"
	TypeSyncCompleted        Type = "sync.completed"
)

// Event is the payload handed to every handler. Payload carries the
// operation-specific detail (an AccountID, a commitment, a block number);
// handlers type-assert it against what their Type implies.
type Event struct {
	Type    Type
	Payload any
}

// SyncHandler runs inline with the emitting operation's post-commit phase.
// A returned error short-circuits the remaining sync handlers and is
// surfaced to the caller of Emit, but it never unwinds the commit that
// already happened.
type SyncHandler func(Event) error

// AsyncHandler is spawned as a detached goroutine; it must never block Emit.
// It returns nothing; a panic inside it is recovered and logged.
type AsyncHandler func(Event)

// Bus holds the two ordered handler lists. The zero value is not usable;
// construct with NewBus.
type Bus struct {
	mu     sync.RWMutex
	sync   []SyncHandler
	async  []AsyncHandler
	logger zerolog.Logger
}

// NewBus builds an empty Bus.
func NewBus() *Bus {
	return &Bus{logger: log.WithComponent("events")}
}

// Subscribe registers a synchronous handler, appended after any already
// registered — handlers run in this insertion order.
func (b *Bus) Subscribe(h SyncHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sync = append(b.sync, h)
}

// SubscribeAsync registers an asynchronous handler.
func (b *Bus) SubscribeAsync(h AsyncHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.async = append(b.async, h)
}

// Emit runs every sync handler in order, stopping at the first error, then
// spawns every async handler as a detached goroutine regardless of whether
// the sync pass errored.
func (b *Bus) Emit(ev Event) error {
	b.mu.RLock()
	syncHandlers := append([]SyncHandler(nil), b.sync...)
	asyncHandlers := append([]AsyncHandler(nil), b.async...)
	b.mu.RUnlock()

	var syncErr error
	for _, h := range syncHandlers {
		if err := h(ev); err != nil {
			b.logger.Error().Err(err).Str("event", string(ev.Type)).Msg("sync event handler failed")
			syncErr = err
			break
		}
	}

	for _, h := range asyncHandlers {
		go func(h AsyncHandler) {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error().Interface("panic", r).Str("event", string(ev.Type)).Msg("async event handler panicked")
				}
			}()
			h(ev)
		}(h)
	}

	return syncErr
}
