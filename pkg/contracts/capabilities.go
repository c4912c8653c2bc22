package contracts

import "context"

// LedgerClock provides authority time as a monotonically increasing
// ledger sequence. The engine never reads wall-clock time; the host
// supplies the concrete clock and all expiry comparisons are expressed
// against it.
type LedgerClock interface {
	Sequence() uint32
}

// FixedClock is a LedgerClock pinned to a single sequence, for tests
// and replay.
type FixedClock uint32

// Sequence implements LedgerClock.
func (c FixedClock) Sequence() uint32 { return uint32(c) }

// Authorizer is the host's native per-identity authorization
// primitive. RequireAuth proves that account has authorized the exact
// payload; it returns an error otherwise. The engine calls it once per
// native signer per authentication batch, and the rule store calls it
// to admit mutations on the owning account.
type Authorizer interface {
	RequireAuth(ctx context.Context, account string, payload []byte) error
}

// Verifier is an external verification capability for delegated
// signers. The message is the signed payload hash; keyAndSig is the
// raw public key concatenated with the signature bytes. Any non-true
// result fails the whole authentication batch.
type Verifier interface {
	Verify(ctx context.Context, payloadHash []byte, keyAndSig []byte) (bool, error)
}
