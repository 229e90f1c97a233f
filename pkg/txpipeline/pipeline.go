// Package txpipeline implements the Transaction Pipeline: it stages a
// transaction request's input notes, foreign-account inputs, and script
// against an account, hands the staged inputs to the (external) transaction
// executor, and turns the resulting ExecutedTransaction into a deferred
// store update that the caller applies to the Engine only once the
// sequencer confirms the submission was accepted.
package txpipeline

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/rollstate/pkg/engine"
	"github.com/cuemby/rollstate/pkg/events"
	"github.com/cuemby/rollstate/pkg/hashing"
	"github.com/cuemby/rollstate/pkg/log"
	"github.com/cuemby/rollstate/pkg/metrics"
	"github.com/cuemby/rollstate/pkg/rollerr"
	"github.com/cuemby/rollstate/pkg/storage"
	"github.com/cuemby/rollstate/pkg/types"
)

// NoteDetails is the information needed to reconstruct a note the pipeline
// did not itself consume or create in full, but must reason about: an
// expected output recipient, or a future note the transaction script
// promises to emit later.
type NoteDetails struct {
	ID     types.Hash
	Script []byte
	Inputs []types.Word
	Serial types.Word
	Assets []types.Asset
}

// FutureNote is a note the pipeline expects to come into existence as a
// later consequence of this transaction, tagged for sync routing.
type FutureNote struct {
	Details NoteDetails
	Tag     types.NoteTag
}

// InputNote is one note the transaction consumes.
type InputNote struct {
	ID      types.Hash
	Details NoteDetails
}

// AccountInputs is the authenticated state of a foreign account supplied to
// the executor for foreign-procedure invocation.
type AccountInputs struct {
	AccountID types.AccountID
	Header    types.AccountHeader
	Code      []byte
}

// TransactionRequest describes what a caller wants a transaction to do:
// which notes it consumes, which output notes and future notes it expects,
// and the script driving it.
type TransactionRequest struct {
	AccountID               types.AccountID
	InputNoteIDs            []types.Hash
	ExpectedOutputNotes     []NoteDetails
	ExpectedFutureNotes     []FutureNote
	ScriptSource            []byte
	IgnoreInvalidInputNotes bool
}

// ExecutedTransaction is the executor's output: the account's state
// transition plus enough bookkeeping to persist it once submission is
// confirmed. Proof is the opaque witness the executor produced; the core
// never inspects its bytes (the proving backend's wire format is out of
// scope, spec.md §1).
type ExecutedTransaction struct {
	AccountID       types.AccountID
	InitHeader      types.AccountHeader
	FinalHeader     types.AccountHeader
	Delta           types.AccountDelta
	BlockRef        uint32
	InputNoteIDs    []types.Hash
	OutputNotes     []NoteDetails
	InputNullifiers []types.Hash
	Proof           []byte
}

// ProvenTransaction is an ExecutedTransaction after the (external) prover
// has produced a submittable proof.
type ProvenTransaction struct {
	AccountID types.AccountID
	BlockRef  uint32
	Proof     []byte
}

// TransactionStoreUpdate is the deferred write the pipeline hands back to
// the caller: everything the Engine needs to advance the account's local
// state once the sequencer has accepted the submission, plus the pending
// TransactionRecord to persist alongside it.
type TransactionStoreUpdate struct {
	RequestID        string
	AccountID        types.AccountID
	SubmissionHeight uint32
	InitHeader       types.AccountHeader
	FinalHeader      types.AccountHeader
	Delta            types.AccountDelta
	OutputNoteIDs    []types.Hash
	InputNullifiers  []types.Hash
	FutureNotes      []FutureNote
}

// Executor is the external transaction-executor collaborator (spec.md §6):
// given a data-store view of the account plus its staged inputs, it
// produces an ExecutedTransaction. The core supplies the view; the
// executor's internal VM/MAST semantics are out of scope.
type Executor interface {
	Execute(ctx context.Context, account *storage.AccountRecord, req TransactionRequest, foreignInputs []AccountInputs, inputNotes []InputNote, blockRef uint32) (ExecutedTransaction, error)
}

// Prover is the external proving-backend collaborator; its proof format is
// out of scope (spec.md §1 Non-goals), so this interface only names the
// call shape.
type Prover interface {
	Prove(ctx context.Context, executed ExecutedTransaction) (ProvenTransaction, error)
}

// Submitter is satisfied structurally by rpc.Client.SubmitProvenTransaction;
// kept as its own narrow interface here so this package does not need to
// import pkg/rpc at all.
type Submitter interface {
	SubmitProvenTransaction(ctx context.Context, proof []byte, accountID types.AccountID) (uint32, error)
}

// Pipeline drives one transaction through staging, execution, proving, and
// submission. Only Apply writes durable state: the account change goes
// through an Engine, so Store and Forest move together, and the Pending
// TransactionRecord is written to the Store with UpsertTransaction.
type Pipeline struct {
	executor            Executor
	prover              Prover
	submitter           Submitter
	maxBlockNumberDelta *uint32
	logger              zerolog.Logger
}

// New builds a Pipeline. maxBlockNumberDelta, if set, bounds how far behind
// the chain tip a transaction's reference block may be before ValidateRequest
// rejects it; nil disables the check.
func New(executor Executor, prover Prover, submitter Submitter, maxBlockNumberDelta *uint32) *Pipeline {
	return &Pipeline{
		executor:            executor,
		prover:              prover,
		submitter:           submitter,
		maxBlockNumberDelta: maxBlockNumberDelta,
		logger:              log.WithComponent("txpipeline"),
	}
}

// ValidateRequest rejects a request before it reaches the executor: an
// account already locked cannot originate a transaction, and a reference
// block too far behind the chain tip risks building against stale state.
func (p *Pipeline) ValidateRequest(account *storage.AccountRecord, req TransactionRequest, blockRef, chainTip uint32) error {
	if account.Status.Kind == types.AccountStatusLocked {
		return fmt.Errorf("txpipeline: account %s is locked, cannot execute a transaction", account.Header.ID)
	}
	if len(req.InputNoteIDs) == 0 && len(req.ScriptSource) == 0 {
		return fmt.Errorf("txpipeline: request has neither input notes nor a script")
	}
	if p.maxBlockNumberDelta != nil && chainTip > blockRef+*p.maxBlockNumberDelta {
		return rollerr.RecencyConditionError(fmt.Sprintf("reference block %d is too far behind chain tip %d", blockRef, chainTip))
	}
	return nil
}

// Execute validates the request, runs it through the executor, and checks
// that every expected output note the request named actually appears among
// the executor's output notes.
func (p *Pipeline) Execute(
	ctx context.Context,
	account *storage.AccountRecord,
	req TransactionRequest,
	foreignInputs []AccountInputs,
	inputNotes []InputNote,
	blockRef, chainTip uint32,
) (ExecutedTransaction, error) {
	if err := p.ValidateRequest(account, req, blockRef, chainTip); err != nil {
		return ExecutedTransaction{}, err
	}

	if req.IgnoreInvalidInputNotes {
		inputNotes = filterConsumableInputNotes(inputNotes)
	}

	timer := metrics.NewTimer()
	executed, err := p.executor.Execute(ctx, account, req, foreignInputs, inputNotes, blockRef)
	timer.ObserveDurationVec(metrics.TransactionPipelineDuration, "execute")
	if err != nil {
		metrics.TransactionsByStatusTotal.WithLabelValues("execute_failed").Inc()
		return ExecutedTransaction{}, fmt.Errorf("execute transaction for account %s: %w", account.Header.ID, err)
	}

	if err := validateExecutedOutputNotes(req.ExpectedOutputNotes, executed.OutputNotes); err != nil {
		return ExecutedTransaction{}, err
	}

	return executed, nil
}

// Prove hands an ExecutedTransaction to the (external) prover.
func (p *Pipeline) Prove(ctx context.Context, executed ExecutedTransaction) (ProvenTransaction, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.TransactionPipelineDuration, "prove")
	proven, err := p.prover.Prove(ctx, executed)
	if err != nil {
		metrics.TransactionsByStatusTotal.WithLabelValues("prove_failed").Inc()
		return ProvenTransaction{}, fmt.Errorf("prove transaction for account %s: %w", executed.AccountID, err)
	}
	return proven, nil
}

// Submit hands a ProvenTransaction to the sequencer and returns the block
// the sequencer accepted it at.
func (p *Pipeline) Submit(ctx context.Context, proven ProvenTransaction) (uint32, error) {
	timer := metrics.NewTimer()
	height, err := p.submitter.SubmitProvenTransaction(ctx, proven.Proof, proven.AccountID)
	timer.ObserveDurationVec(metrics.TransactionPipelineDuration, "submit")
	if err != nil {
		metrics.TransactionsByStatusTotal.WithLabelValues("submit_failed").Inc()
		return 0, fmt.Errorf("submit proven transaction for account %s: %w", proven.AccountID, err)
	}
	metrics.TransactionsSubmittedTotal.Inc()
	return height, nil
}

// StoreUpdate packages an ExecutedTransaction plus its accepted submission
// height into the deferred write Apply later hands to the Engine.
func (p *Pipeline) StoreUpdate(submissionHeight uint32, executed ExecutedTransaction, futureNotes []FutureNote) TransactionStoreUpdate {
	noteIDs := make([]types.Hash, len(executed.OutputNotes))
	for i, n := range executed.OutputNotes {
		noteIDs[i] = n.ID
	}
	return TransactionStoreUpdate{
		RequestID:        uuid.New().String(),
		AccountID:        executed.AccountID,
		SubmissionHeight: submissionHeight,
		InitHeader:       executed.InitHeader,
		FinalHeader:      executed.FinalHeader,
		Delta:            executed.Delta,
		OutputNoteIDs:    noteIDs,
		InputNullifiers:  executed.InputNullifiers,
		FutureNotes:      futureNotes,
	}
}

// Apply is the only point at which the pipeline touches durable state: it
// advances the account through the Engine (so Store and Forest move
// together) and records the transaction as Pending, to be resolved
// Committed or Discarded by a later sync reconciliation. It then emits an
// account.updated event — the same event the reconciler emits for a
// sync-driven state change — since downstream subscribers care about the
// account moving, not about which path moved it.
func (p *Pipeline) Apply(e *engine.Engine, store storage.Store, bus *events.Bus, update TransactionStoreUpdate) error {
	if err := e.ApplyDelta(update.InitHeader, update.FinalHeader, update.Delta); err != nil {
		return fmt.Errorf("apply delta for account %s: %w", update.AccountID, err)
	}

	initCommitment := hashing.AccountCommitment(update.InitHeader)
	finalCommitment := hashing.AccountCommitment(update.FinalHeader)
	rec := types.TransactionRecord{
		ID:        transactionID(update.AccountID, initCommitment, finalCommitment, update.SubmissionHeight),
		AccountID: update.AccountID,
		Details: types.TransactionDetails{
			InitAccountState:  initCommitment,
			FinalAccountState: finalCommitment,
			InputNullifiers:   update.InputNullifiers,
			OutputNoteIDs:     update.OutputNoteIDs,
			BlockNumber:       update.SubmissionHeight,
		},
		Status: types.TransactionStatus{Kind: types.TransactionStatusPending},
	}
	if err := store.UpsertTransaction(rec); err != nil {
		return fmt.Errorf("upsert pending transaction for account %s: %w", update.AccountID, err)
	}

	p.logger.Info().
		Str("account_id", update.AccountID.String()).
		Uint32("submission_height", update.SubmissionHeight).
		Str("request_id", update.RequestID).
		Msg("transaction applied locally, pending sync confirmation")

	return bus.Emit(events.Event{Type: events.TypeAccountUpdated, Payload: update.AccountID})
}

// transactionID derives a stable id for a pending transaction record from
// the state transition it performed, so re-applying the same
// TransactionStoreUpdate (e.g. after a crash before the RequestID was
// persisted) yields the same record instead of a duplicate.
func transactionID(accountID types.AccountID, initCommitment, finalCommitment types.Hash, submissionHeight uint32) types.Hash {
	h := sha256.New()
	h.Write(accountID[:])
	h.Write(initCommitment[:])
	h.Write(finalCommitment[:])
	var heightBytes [4]byte
	binary.LittleEndian.PutUint32(heightBytes[:], submissionHeight)
	h.Write(heightBytes[:])
	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}

func filterConsumableInputNotes(notes []InputNote) []InputNote {
	out := make([]InputNote, 0, len(notes))
	for _, n := range notes {
		if n.ID == (types.Hash{}) {
			continue
		}
		out = append(out, n)
	}
	return out
}

func validateExecutedOutputNotes(expected []NoteDetails, got []NoteDetails) error {
	gotIDs := make(map[types.Hash]bool, len(got))
	for _, n := range got {
		gotIDs[n.ID] = true
	}
	for _, want := range expected {
		if !gotIDs[want.ID] {
			return fmt.Errorf("txpipeline: expected output note %s missing from executed transaction", want.ID)
		}
	}
	return nil
}
