// Package contracts defines the shared value types and capability
// interfaces of the smart-account authorization engine: signers,
// authorization contexts, context rules, and the host-provided
// primitives (ledger clock, native authorizer) the engine depends on.
package contracts

import (
	"encoding/hex"
	"fmt"
)

// SignerKind discriminates the Signer tagged union.
type SignerKind string

const (
	// SignerNative is an identity proven by the host's native
	// per-account authorization primitive.
	SignerNative SignerKind = "native"

	// SignerDelegated is a raw public key proven by an external
	// verifier capability.
	SignerDelegated SignerKind = "delegated"
)

// Signer is an identity capable of authenticating.
//
// Signers are value data embedded in rules and compared by structural
// equality (kind + payload). Use Key for map lookups and set
// intersection.
type Signer struct {
	Kind SignerKind `json:"kind"`

	// Account is the host account identifier. Set for native signers.
	Account string `json:"account,omitempty"`

	// Verifier is the verifier capability reference and PublicKey the
	// raw key material. Set for delegated signers.
	Verifier  string `json:"verifier,omitempty"`
	PublicKey []byte `json:"public_key,omitempty"`
}

// NativeSigner returns a signer proven by the host account mechanism.
func NativeSigner(account string) Signer {
	return Signer{Kind: SignerNative, Account: account}
}

// DelegatedSigner returns a signer proven by an external verifier.
func DelegatedSigner(verifier string, publicKey []byte) Signer {
	return Signer{Kind: SignerDelegated, Verifier: verifier, PublicKey: publicKey}
}

// Key returns the canonical identity string for structural equality.
// Two signers are the same signer iff their keys are equal.
func (s Signer) Key() string {
	switch s.Kind {
	case SignerNative:
		return fmt.Sprintf("native:%s", s.Account)
	case SignerDelegated:
		return fmt.Sprintf("delegated:%s:%s", s.Verifier, hex.EncodeToString(s.PublicKey))
	default:
		return fmt.Sprintf("unknown:%s", s.Account)
	}
}

// Equal reports structural equality with other.
func (s Signer) Equal(other Signer) bool {
	return s.Key() == other.Key()
}

// SignerSet is an ordered, duplicate-free collection of signers.
type SignerSet []Signer

// Contains reports whether the set holds a structurally equal signer.
func (ss SignerSet) Contains(s Signer) bool {
	key := s.Key()
	for _, existing := range ss {
		if existing.Key() == key {
			return true
		}
	}
	return false
}

// Intersect returns the members of ss present in other, preserving the
// order of ss.
func (ss SignerSet) Intersect(other SignerSet) SignerSet {
	seen := make(map[string]struct{}, len(other))
	for _, s := range other {
		seen[s.Key()] = struct{}{}
	}
	out := make(SignerSet, 0, len(ss))
	for _, s := range ss {
		if _, ok := seen[s.Key()]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Keys returns the canonical key of every member, in order.
func (ss SignerSet) Keys() []string {
	keys := make([]string, len(ss))
	for i, s := range ss {
		keys[i] = s.Key()
	}
	return keys
}
