// Package reconciler implements the Sync Reconciler: the component that
// folds one StateSyncUpdate from the RPC layer into the Store and Forest,
// then emits events once the update is durable.
package reconciler

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cuemby/rollstate/pkg/engine"
	"github.com/cuemby/rollstate/pkg/events"
	"github.com/cuemby/rollstate/pkg/log"
	"github.com/cuemby/rollstate/pkg/metrics"
	"github.com/cuemby/rollstate/pkg/storage"
	"github.com/cuemby/rollstate/pkg/types"
)

// Reconciler mediates between the Engine (for the account-facing steps,
// which must also touch the Forest) and the Store directly (for the
// chain-data/note/transaction bookkeeping the Forest has no stake in).
type Reconciler struct {
	engine *engine.Engine
	store  storage.Store
	bus    *events.Bus
	logger zerolog.Logger
}

// New builds a Reconciler over an already-open Engine, Store, and Bus.
func New(e *engine.Engine, store storage.Store, bus *events.Bus) *Reconciler {
	return &Reconciler{engine: e, store: store, bus: bus, logger: log.WithComponent("reconciler")}
}

// Reconcile runs the eight-step reconciliation protocol for one
// StateSyncUpdate, then emits a sync.completed event. Each step commits
// through its own Store or Engine call, so a step that fails leaves the
// steps before it applied; no single transaction spans the whole cycle.
// Reconcile takes no lock itself: serializing it against concurrent
// transaction submission is the Operation Coordinator's job.
func (r *Reconciler) Reconcile(update types.StateSyncUpdate) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconciliationDuration)

	if err := r.reconcile(update); err != nil {
		metrics.ReconciliationFailuresTotal.Inc()
		return err
	}
	metrics.ReconciliationCyclesTotal.Inc()
	metrics.SyncHeight.Set(float64(update.BlockNum))

	return r.bus.Emit(events.Event{Type: events.TypeSyncCompleted, Payload: update.BlockNum})
}

func (r *Reconciler) reconcile(update types.StateSyncUpdate) error {
	// Step 1: advance sync height. Must only move forward; AdvanceSyncHeight
	// itself rejects a regression.
	if err := r.store.AdvanceSyncHeight(update.BlockNum); err != nil {
		return fmt.Errorf("advance sync height: %w", err)
	}

	// Step 2: insert block headers, their MMR peaks, and the partial
	// blockchain's authentication nodes.
	for _, bu := range update.BlockUpdates {
		row := storage.BlockHeaderRow{
			BlockNum:       bu.Header.BlockNum,
			Header:         bu.Header,
			MmrPeaks:       bu.Peaks,
			HasClientNotes: bu.HasRelevantNotes,
		}
		if err := r.store.InsertBlockHeader(row); err != nil {
			return fmt.Errorf("insert block header %d: %w", bu.Header.BlockNum, err)
		}
		for index, node := range bu.AuthNodes {
			if err := r.store.InsertPartialBlockchainNode(index, node); err != nil {
				return fmt.Errorf("insert partial blockchain node %d: %w", index, err)
			}
		}
	}

	// Step 3: apply note updates (upsert records).
	for _, nu := range update.NoteUpdates.Input {
		if err := r.store.UpsertNoteStatus(nu); err != nil {
			return fmt.Errorf("upsert input note %s: %w", nu.NoteID, err)
		}
		if err := r.bus.Emit(events.Event{Type: events.TypeNoteUpdated, Payload: nu}); err != nil {
			r.logger.Warn().Err(err).Str("note_id", nu.NoteID.String()).Msg("note.updated handler failed")
		}
	}
	for _, nu := range update.NoteUpdates.Output {
		if err := r.store.UpsertNoteStatus(nu); err != nil {
			return fmt.Errorf("upsert output note %s: %w", nu.NoteID, err)
		}
		if err := r.bus.Emit(events.Event{Type: events.TypeNoteUpdated, Payload: nu}); err != nil {
			r.logger.Warn().Err(err).Str("note_id", nu.NoteID.String()).Msg("note.updated handler failed")
		}
	}

	// Step 4: every committed input note now in a terminal state (consumed)
	// no longer needs its note-tag record.
	for _, nu := range update.NoteUpdates.Input {
		if nu.Status != types.NoteStatusConsumed {
			continue
		}
		source := types.TagSource{Kind: types.TagSourceNote, NoteID: nu.NoteID}
		if err := r.store.DeleteTagBySource(source); err != nil {
			return fmt.Errorf("delete tag for consumed note %s: %w", nu.NoteID, err)
		}
	}

	// Step 5: upsert transaction records for committed and discarded
	// transactions.
	for _, cu := range update.TransactionUpdates.Committed {
		if err := r.markTransaction(cu.TransactionID, types.TransactionStatus{
			Kind:        types.TransactionStatusCommitted,
			BlockNumber: cu.BlockNumber,
		}); err != nil {
			return fmt.Errorf("mark transaction %s committed: %w", cu.TransactionID, err)
		}
	}
	var discardedFinalStates []types.Hash
	for _, du := range update.TransactionUpdates.Discarded {
		rec, err := r.store.GetTransaction(du.TransactionID)
		if err != nil {
			return fmt.Errorf("load discarded transaction %s: %w", du.TransactionID, err)
		}
		if err := r.markTransaction(du.TransactionID, types.TransactionStatus{
			Kind:  types.TransactionStatusDiscarded,
			Cause: du.Cause,
		}); err != nil {
			return fmt.Errorf("mark transaction %s discarded: %w", du.TransactionID, err)
		}
		discardedFinalStates = append(discardedFinalStates, rec.Details.FinalAccountState)
	}

	// Step 6: undo the final_account_state commitments of every discarded
	// transaction. The Forest pops any roots that become unreachable as a
	// side effect, inside UndoAccountStates.
	if len(discardedFinalStates) > 0 {
		if err := r.engine.UndoAccountStates(discardedFinalStates); err != nil {
			return fmt.Errorf("undo discarded account states: %w", err)
		}
		for _, du := range update.TransactionUpdates.Discarded {
			if err := r.bus.Emit(events.Event{Type: events.TypeTransactionDiscarded, Payload: du}); err != nil {
				r.logger.Warn().Err(err).Str("transaction_id", du.TransactionID.String()).Msg("transaction.discarded handler failed")
			}
		}
	}
	for _, cu := range update.TransactionUpdates.Committed {
		if err := r.bus.Emit(events.Event{Type: events.TypeTransactionCommitted, Payload: cu}); err != nil {
			r.logger.Warn().Err(err).Str("transaction_id", cu.TransactionID.String()).Msg("transaction.committed handler failed")
		}
	}

	// Step 7: updated public accounts get a full-state replacement,
	// including re-staging their Forest roots.
	for _, acc := range update.AccountUpdates.UpdatedPublic {
		rec := accountRecordFromAccount(acc)
		if err := r.engine.ReplaceState(rec); err != nil {
			return fmt.Errorf("replace state for account %s: %w", acc.Header.ID, err)
		}
		if err := r.bus.Emit(events.Event{Type: events.TypeAccountUpdated, Payload: acc.Header.ID}); err != nil {
			r.logger.Warn().Err(err).Str("account_id", acc.Header.ID.String()).Msg("account.updated handler failed")
		}
	}

	// Step 8: mismatched private accounts get locked.
	for _, mismatch := range update.AccountUpdates.MismatchedPrivate {
		locked, err := r.engine.LockAccountOnUnexpectedCommitment(mismatch.AccountID, mismatch.RemoteDigest)
		if err != nil {
			return fmt.Errorf("lock account %s on unexpected commitment: %w", mismatch.AccountID, err)
		}
		if locked {
			metrics.AccountsLockedBySyncTotal.Inc()
			if err := r.bus.Emit(events.Event{Type: events.TypeAccountLocked, Payload: mismatch.AccountID}); err != nil {
				r.logger.Warn().Err(err).Str("account_id", mismatch.AccountID.String()).Msg("account.locked handler failed")
			}
		}
	}

	return nil
}

// markTransaction loads a transaction record if it exists and overwrites its
// status, or synthesizes a bare record if sync observed a transaction this
// client never submitted itself (a transaction by another key on a shared
// public account).
func (r *Reconciler) markTransaction(id types.Hash, status types.TransactionStatus) error {
	rec, err := r.store.GetTransaction(id)
	if err != nil {
		rec = types.TransactionRecord{ID: id}
	}
	rec.Status = status
	return r.store.UpsertTransaction(rec)
}

func accountRecordFromAccount(acc types.Account) *storage.AccountRecord {
	return &storage.AccountRecord{
		Header: acc.Header,
		Status: acc.Status,
		Code:   acc.Code,
		Slots:  acc.Slots,
		Maps:   acc.Maps,
		Vault:  acc.Vault,
	}
}
