// Package rollerr defines the stable error kinds returned across the
// account-state engine, wrapping them with fmt.Errorf("...: %w", ...) the
// same way every package in this module's lineage does — no sentinel-error
// library is used anywhere in the corpus this module was built from, so a
// small Kind-tagged error type over the standard library is the idiomatic
// choice here.
package rollerr

import (
	"errors"
	"fmt"

	"github.com/cuemby/rollstate/pkg/types"
)

// Kind is a stable error category a caller can switch on via errors.As.
type Kind string

const (
	KindAccountDataNotFound      Kind = "account_data_not_found"
	KindAccountStorageRootNotFound Kind = "account_storage_root_not_found"
	KindStorageSlotNameNotFound  Kind = "storage_slot_name_not_found"
	KindStorageSlotNotMap        Kind = "storage_slot_not_map"
	KindConflictingRoots         Kind = "conflicting_roots"
	KindUntrackedKey             Kind = "untracked_key"
	KindNoteNotFoundOnChain      Kind = "note_not_found_on_chain"
	KindNoteImportError          Kind = "note_import_error"
	KindRecencyCondition         Kind = "recency_condition"
	KindDatabaseError            Kind = "database_error"
	KindParsingError             Kind = "parsing_error"
	KindDataDeserialization      Kind = "data_deserialization_error"
	KindRPCError                 Kind = "rpc_error"
	KindNoteTransportDisabled    Kind = "note_transport_disabled"
	KindNoteTransportConnection  Kind = "note_transport_connection"
	KindNoteTransportNetwork     Kind = "note_transport_network"
	KindAuthUnknownPublicKey     Kind = "authentication_unknown_public_key"
	KindMultisigTxProposal       Kind = "multisig_tx_proposal_error"
	KindInvariantViolation       Kind = "invariant_violation"
)

// Error is a Kind-tagged error. Unwrap() exposes the underlying cause so
// callers can still errors.Is/As against it.
type Error struct {
	Kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

// Is makes errors.Is(err, target) report true when target is also an *Error
// with the same Kind; to compare against a bare Kind, use the package-level
// Is or KindOf.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

func newErr(k Kind, msg string, wrapped error) *Error {
	return &Error{Kind: k, msg: msg, err: wrapped}
}

// KindOf reports the Kind of err if it (or something it wraps) is a
// *rollerr.Error, and false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err is a *rollerr.Error of the given kind.
func Is(err error, k Kind) bool {
	kind, ok := KindOf(err)
	return ok && kind == k
}

func AccountDataNotFound(id types.AccountID) error {
	return newErr(KindAccountDataNotFound, fmt.Sprintf("account data not found for %s", id), nil)
}

func AccountStorageRootNotFound(root types.Hash) error {
	return newErr(KindAccountStorageRootNotFound, fmt.Sprintf("account storage root not found: %s", root), nil)
}

func StorageSlotNameNotFound(name types.StorageSlotName) error {
	return newErr(KindStorageSlotNameNotFound, fmt.Sprintf("storage slot name not found: %s", name), nil)
}

func StorageSlotNotMap(name types.StorageSlotName) error {
	return newErr(KindStorageSlotNotMap, fmt.Sprintf("storage slot %s is not a map", name), nil)
}

func ConflictingRoots(expected, actual types.Hash) error {
	return newErr(KindConflictingRoots, fmt.Sprintf("conflicting roots: expected %s, got %s", expected, actual), nil)
}

func UntrackedKey(key types.Word) error {
	return newErr(KindUntrackedKey, fmt.Sprintf("untracked key: %v", key), nil)
}

func NoteNotFoundOnChain(noteID types.Hash) error {
	return newErr(KindNoteNotFoundOnChain, fmt.Sprintf("note not found on chain: %s", noteID), nil)
}

func NoteImportError(reason string) error {
	return newErr(KindNoteImportError, fmt.Sprintf("note import error: %s", reason), nil)
}

func RecencyConditionError(reason string) error {
	return newErr(KindRecencyCondition, fmt.Sprintf("recency condition violated: %s", reason), nil)
}

func DatabaseError(err error) error {
	return newErr(KindDatabaseError, "database error", err)
}

func ParsingError(err error) error {
	return newErr(KindParsingError, "parsing error", err)
}

func DataDeserializationError(err error) error {
	return newErr(KindDataDeserialization, "data deserialization error", err)
}

func RPCError(err error) error {
	return newErr(KindRPCError, "rpc error", err)
}

func NoteTransportDisabled() error {
	return newErr(KindNoteTransportDisabled, "note transport disabled", nil)
}

func NoteTransportConnection(err error) error {
	return newErr(KindNoteTransportConnection, "note transport connection error", err)
}

func NoteTransportNetwork(err error) error {
	return newErr(KindNoteTransportNetwork, "note transport network error", err)
}

func AuthUnknownPublicKey() error {
	return newErr(KindAuthUnknownPublicKey, "unknown public key", nil)
}

func MultisigTxProposalError(reason string) error {
	return newErr(KindMultisigTxProposal, fmt.Sprintf("multisig tx proposal error: %s", reason), nil)
}

// InvariantViolation is reserved for internal bugs — a poisoned lock, an
// SMT that disagrees with its own root. Callers should treat it as a panic
// candidate rather than a recoverable condition; it is returned as an error
// (not panicked) so tests can assert on it without recovering a panic.
func InvariantViolation(msg string) error {
	return newErr(KindInvariantViolation, msg, nil)
}
