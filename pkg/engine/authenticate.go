package engine

import (
	"context"
	"fmt"

	"github.com/quorumgate/quorumgate/pkg/contracts"
	"github.com/quorumgate/quorumgate/pkg/verifier"
)

// Authenticate checks every presented proof against the action payload
// and returns the deduplicated set of signers that proved control.
// Native signers go through the host authorizer; delegated signers are
// dispatched to the verifier registered under their reference. Any
// failed proof aborts the whole batch.
func (e *Engine) Authenticate(ctx context.Context, actionCtx contracts.Context, proofs []contracts.Proof) (contracts.SignerSet, error) {
	payload, err := actionCtx.Payload()
	if err != nil {
		return nil, fmt.Errorf("encode action payload: %w", err)
	}
	payloadHash := verifier.PayloadHash(payload)

	var authenticated contracts.SignerSet
	seen := make(map[string]struct{}, len(proofs))
	for _, proof := range proofs {
		key := proof.Signer.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		switch proof.Signer.Kind {
		case contracts.SignerNative:
			if err := e.authorizer.RequireAuth(ctx, proof.Signer.Account, payload); err != nil {
				return nil, fmt.Errorf("native auth for %s: %w", proof.Signer.Account, err)
			}
		case contracts.SignerDelegated:
			v, ok := e.verifiers[proof.Signer.Verifier]
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrUnknownVerifier, proof.Signer.Verifier)
			}
			keyAndSig := make([]byte, 0, len(proof.Signer.PublicKey)+len(proof.Signature))
			keyAndSig = append(keyAndSig, proof.Signer.PublicKey...)
			keyAndSig = append(keyAndSig, proof.Signature...)
			ok, err := v.Verify(ctx, payloadHash, keyAndSig)
			if err != nil {
				return nil, fmt.Errorf("verifier %s: %w", proof.Signer.Verifier, err)
			}
			if !ok {
				return nil, fmt.Errorf("%w: signer %s", ErrDelegatedVerificationFailed, key)
			}
		default:
			return nil, fmt.Errorf("unknown signer kind %q", proof.Signer.Kind)
		}
		seen[key] = struct{}{}
		authenticated = append(authenticated, proof.Signer)
	}
	return authenticated, nil
}

// AuthorizeProofs authenticates proofs and runs the read-only
// authorization check in one step.
func (e *Engine) AuthorizeProofs(ctx context.Context, actionCtx contracts.Context, proofs []contracts.Proof) (*contracts.Decision, error) {
	authenticated, err := e.Authenticate(ctx, actionCtx, proofs)
	if err != nil {
		return nil, err
	}
	return e.Authorize(ctx, actionCtx, authenticated)
}

// EnforceProofs authenticates proofs and commits the resulting
// decision, consuming policy state.
func (e *Engine) EnforceProofs(ctx context.Context, actionCtx contracts.Context, proofs []contracts.Proof) (*contracts.Decision, error) {
	authenticated, err := e.Authenticate(ctx, actionCtx, proofs)
	if err != nil {
		return nil, err
	}
	return e.Enforce(ctx, actionCtx, authenticated)
}
