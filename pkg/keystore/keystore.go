// Package keystore states the contract between the core and the signing
// authenticator: the core supplies a digest, the keystore returns a
// signature. Key generation, storage format, and signature scheme are all
// external collaborator concerns (spec.md §6) this module never implements.
package keystore

import (
	"context"

	"github.com/cuemby/rollstate/pkg/types"
)

// Signer signs a transaction's authentication digest on behalf of an
// account. The concrete scheme (Falcon, multisig threshold, hardware key)
// is the implementation's concern; the core only ever calls Sign.
type Signer interface {
	Sign(ctx context.Context, accountID types.AccountID, digest types.Hash) (signature []byte, err error)
}

// Mock is a stand-in Signer: Sign returns SignFunc's result when SignFunc is
// set and otherwise the digest bytes themselves. No package or test in this
// module uses it.
type Mock struct {
	SignFunc func(ctx context.Context, accountID types.AccountID, digest types.Hash) ([]byte, error)
}

func (m *Mock) Sign(ctx context.Context, accountID types.AccountID, digest types.Hash) ([]byte, error) {
	if m.SignFunc != nil {
		return m.SignFunc(ctx, accountID, digest)
	}
	return digest[:], nil
}
