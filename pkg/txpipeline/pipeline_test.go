package txpipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/rollstate/pkg/engine"
	"github.com/cuemby/rollstate/pkg/events"
	"github.com/cuemby/rollstate/pkg/smt"
	"github.com/cuemby/rollstate/pkg/storage"
	"github.com/cuemby/rollstate/pkg/types"
)

func testAccountID(b byte) types.AccountID {
	var id types.AccountID
	id[0] = b
	return id
}

// fakeExecutor bumps the account's nonce by one and leaves everything else
// untouched, standing in for the real (out-of-scope) transaction executor.
type fakeExecutor struct {
	outputNotes []NoteDetails
	err         error
}

func (f *fakeExecutor) Execute(ctx context.Context, account *storage.AccountRecord, req TransactionRequest, foreignInputs []AccountInputs, inputNotes []InputNote, blockRef uint32) (ExecutedTransaction, error) {
	if f.err != nil {
		return ExecutedTransaction{}, f.err
	}
	final := account.Header
	final.Nonce++
	return ExecutedTransaction{
		AccountID:   account.Header.ID,
		InitHeader:  account.Header,
		FinalHeader: final,
		Delta:       types.AccountDelta{NonceDelta: 1},
		BlockRef:    blockRef,
		OutputNotes: f.outputNotes,
	}, nil
}

type fakeProver struct{ err error }

func (f *fakeProver) Prove(ctx context.Context, executed ExecutedTransaction) (ProvenTransaction, error) {
	if f.err != nil {
		return ProvenTransaction{}, f.err
	}
	return ProvenTransaction{AccountID: executed.AccountID, BlockRef: executed.BlockRef, Proof: []byte("proof")}, nil
}

type fakeSubmitter struct {
	height uint32
	err    error
}

func (f *fakeSubmitter) SubmitProvenTransaction(ctx context.Context, proof []byte, accountID types.AccountID) (uint32, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.height, nil
}

func newTestSetup(t *testing.T) (*engine.Engine, storage.Store, *events.Bus) {
	t.Helper()
	s, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	e := engine.New(s, smt.NewForest())
	return e, s, events.NewBus()
}

func insertTestAccount(t *testing.T, e *engine.Engine, id types.AccountID) *storage.AccountRecord {
	t.Helper()
	rec := &storage.AccountRecord{
		Header: types.AccountHeader{ID: id, Nonce: 0, VaultRoot: smt.EmptyRoot()},
		Status: types.AccountStatus{Kind: types.AccountStatusTracked},
		Vault:  types.NewAssetVault(),
	}
	require.NoError(t, e.InsertAccount(rec, nil))
	return rec
}

func TestExecuteRejectsLockedAccount(t *testing.T) {
	e, _, _ := newTestSetup(t)
	id := testAccountID(1)
	rec := insertTestAccount(t, e, id)
	rec.Status.Kind = types.AccountStatusLocked

	p := New(&fakeExecutor{}, &fakeProver{}, &fakeSubmitter{}, nil)
	_, err := p.Execute(context.Background(), rec, TransactionRequest{ScriptSource: []byte("script")}, nil, nil, 10, 10)
	assert.Error(t, err)
}

func TestExecuteRejectsEmptyRequest(t *testing.T) {
	e, _, _ := newTestSetup(t)
	id := testAccountID(2)
	rec := insertTestAccount(t, e, id)

	p := New(&fakeExecutor{}, &fakeProver{}, &fakeSubmitter{}, nil)
	_, err := p.Execute(context.Background(), rec, TransactionRequest{}, nil, nil, 10, 10)
	assert.Error(t, err, "a request with no input notes and no script must be rejected before reaching the executor")
}

func TestExecuteRejectsStaleReferenceBlock(t *testing.T) {
	e, _, _ := newTestSetup(t)
	id := testAccountID(3)
	rec := insertTestAccount(t, e, id)

	maxDelta := uint32(5)
	p := New(&fakeExecutor{}, &fakeProver{}, &fakeSubmitter{}, &maxDelta)
	_, err := p.Execute(context.Background(), rec, TransactionRequest{ScriptSource: []byte("s")}, nil, nil, 10, 20)
	assert.Error(t, err)
}

func TestExecuteRejectsMissingExpectedOutputNote(t *testing.T) {
	e, _, _ := newTestSetup(t)
	id := testAccountID(4)
	rec := insertTestAccount(t, e, id)

	var want types.Hash
	want[0] = 0x42
	req := TransactionRequest{
		ScriptSource:        []byte("s"),
		ExpectedOutputNotes: []NoteDetails{{ID: want}},
	}
	p := New(&fakeExecutor{}, &fakeProver{}, &fakeSubmitter{}, nil)
	_, err := p.Execute(context.Background(), rec, req, nil, nil, 10, 10)
	assert.Error(t, err)
}

func TestFullPipelineExecuteProveSubmitApplyAdvancesAccount(t *testing.T) {
	e, s, bus := newTestSetup(t)
	id := testAccountID(5)
	rec := insertTestAccount(t, e, id)

	var noteID types.Hash
	noteID[0] = 0x7
	req := TransactionRequest{
		ScriptSource:        []byte("s"),
		ExpectedOutputNotes: []NoteDetails{{ID: noteID}},
	}

	p := New(&fakeExecutor{outputNotes: []NoteDetails{{ID: noteID}}}, &fakeProver{}, &fakeSubmitter{height: 99}, nil)

	executed, err := p.Execute(context.Background(), rec, req, nil, nil, 10, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), executed.FinalHeader.Nonce)

	proven, err := p.Prove(context.Background(), executed)
	require.NoError(t, err)

	height, err := p.Submit(context.Background(), proven)
	require.NoError(t, err)
	assert.Equal(t, uint32(99), height)

	update := p.StoreUpdate(height, executed, nil)

	var sawUpdate types.AccountID
	bus.Subscribe(func(ev events.Event) error {
		if ev.Type == events.TypeAccountUpdated {
			sawUpdate = ev.Payload.(types.AccountID)
		}
		return nil
	})
	require.NoError(t, p.Apply(e, s, bus, update))

	gotHeader, _, err := s.GetAccountHeader(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gotHeader.Nonce)
	assert.Equal(t, id, sawUpdate, "Apply must emit an account.updated event")
}

func TestApplyPersistsPendingTransactionRecord(t *testing.T) {
	e, s, bus := newTestSetup(t)
	id := testAccountID(6)
	rec := insertTestAccount(t, e, id)

	p := New(&fakeExecutor{}, &fakeProver{}, &fakeSubmitter{height: 7}, nil)
	executed, err := p.Execute(context.Background(), rec, TransactionRequest{ScriptSource: []byte("s")}, nil, nil, 1, 1)
	require.NoError(t, err)

	update := p.StoreUpdate(7, executed, nil)
	require.NoError(t, p.Apply(e, s, bus, update))

	pending, err := s.ListPendingTransactions(id)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, types.TransactionStatusPending, pending[0].Status.Kind)
	assert.Equal(t, uint32(7), pending[0].Details.BlockNumber)
}
