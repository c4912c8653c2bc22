// Package verifier provides concrete verification capabilities for
// delegated signers, plus the payload hashing signers commit to.
//
// Trust model: a verifier trusts only its cryptographic primitives.
// The engine treats any non-true result as an authentication failure
// for the whole batch.
package verifier

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// Ed25519Name is the registry reference of the Ed25519 verifier.
const Ed25519Name = "ed25519"

// Ed25519 verifies delegated signatures laid out as a 32-byte public
// key followed by a 64-byte signature.
type Ed25519 struct{}

// NewEd25519 returns the stateless Ed25519 verifier capability.
func NewEd25519() *Ed25519 { return &Ed25519{} }

// Verify implements contracts.Verifier.
func (v *Ed25519) Verify(ctx context.Context, payloadHash []byte, keyAndSig []byte) (bool, error) {
	if len(keyAndSig) != ed25519.PublicKeySize+ed25519.SignatureSize {
		return false, fmt.Errorf("ed25519 key+signature must be %d bytes, got %d",
			ed25519.PublicKeySize+ed25519.SignatureSize, len(keyAndSig))
	}
	pub := ed25519.PublicKey(keyAndSig[:ed25519.PublicKeySize])
	sig := keyAndSig[ed25519.PublicKeySize:]
	return ed25519.Verify(pub, payloadHash, sig), nil
}

// PayloadHash is the SHA3-256 digest of the signed action payload.
// Delegated signers sign this hash, never the raw payload.
func PayloadHash(payload []byte) []byte {
	sum := sha3.Sum256(payload)
	return sum[:]
}
