// Package rules implements the context rule store: creation,
// modification, deletion, expiry bookkeeping, and per-context-type
// indexing of the rules a smart account is governed by.
//
// The store owns all rule state. The authorization engine only reads
// it; every mutation is admitted by an explicit authorization check on
// the owning account and either fully succeeds or leaves the rule
// exactly as it was.
package rules

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/quorumgate/quorumgate/pkg/contracts"
)

// PolicyInstall names a policy capability and its installation
// parameters, supplied when a policy is attached to a rule.
type PolicyInstall struct {
	Ref    string `json:"ref"`
	Params any    `json:"params,omitempty"`
}

// PolicyLifecycle is the slice of the policy registry the store drives
// when policies are attached to or detached from rules. Install lets
// the policy initialize its keyed state before the rule is considered
// to use it; Uninstall lets it discard that state and is idempotent.
type PolicyLifecycle interface {
	Known(ref string) bool
	Install(ctx context.Context, ref string, params any, rule *contracts.ContextRule, account string) error
	Uninstall(ctx context.Context, ref string, rule *contracts.ContextRule, account string) error
}

// Store is the full CRUD surface for context rules of one account.
type Store interface {
	// AddRule validates, assigns the next sequential id, persists the
	// rule, indexes it under its context type, and installs the
	// listed policies. The id counter advances exactly once per call.
	AddRule(ctx context.Context, ct contracts.ContextType, name string, signers contracts.SignerSet, policies []PolicyInstall, validUntil *uint32) (*contracts.ContextRule, error)

	// GetRule returns the rule or ErrRuleNotFound.
	GetRule(ctx context.Context, id uint32) (*contracts.ContextRule, error)

	// ModifyRule fully replaces the mutable fields (name, signers,
	// policy refs, valid_until) while preserving ID and ContextType.
	// Policy refs are replaced as references only; installation state
	// is managed through AddPolicy/RemovePolicy.
	ModifyRule(ctx context.Context, id uint32, name string, signers contracts.SignerSet, policies []string, validUntil *uint32) (*contracts.ContextRule, error)

	// RemoveRule deletes the rule and uninstalls its policies.
	RemoveRule(ctx context.Context, id uint32) error

	AddSigner(ctx context.Context, id uint32, signer contracts.Signer) error
	RemoveSigner(ctx context.Context, id uint32, signer contracts.Signer) error

	AddPolicy(ctx context.Context, id uint32, install PolicyInstall) error
	RemovePolicy(ctx context.Context, id uint32, ref string) error

	// RulesFor enumerates the rules indexed under ct, most recently
	// added first, skipping ids whose rule no longer exists. Expiry
	// filtering is the caller's concern.
	RulesFor(ctx context.Context, ct contracts.ContextType) ([]*contracts.ContextRule, error)

	// Account returns the owning account this store is scoped to.
	Account() string
}

// validateRuleShape checks the invariants shared by creation and full
// replacement: duplicate-free signers and policies, per-rule caps, and
// the non-empty signers-or-policies requirement.
func validateRuleShape(signers contracts.SignerSet, policyRefs []string) error {
	if len(signers) == 0 && len(policyRefs) == 0 {
		return ErrEmptySignersAndPolicies
	}
	if len(signers) > contracts.MaxSigners {
		return ErrTooManySigners
	}
	if len(policyRefs) > contracts.MaxPolicies {
		return ErrTooManyPolicies
	}
	seen := make(map[string]struct{}, len(signers))
	for _, s := range signers {
		key := s.Key()
		if _, dup := seen[key]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateSigner, key)
		}
		seen[key] = struct{}{}
	}
	refs := make(map[string]struct{}, len(policyRefs))
	for _, ref := range policyRefs {
		if _, dup := refs[ref]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicatePolicy, ref)
		}
		refs[ref] = struct{}{}
	}
	return nil
}

// validateValidUntil rejects boundaries already in the past at the
// moment they are set. Natural expiry afterwards is expected and is
// not re-validated.
func validateValidUntil(validUntil *uint32, clock contracts.LedgerClock) error {
	if validUntil != nil && *validUntil < clock.Sequence() {
		return fmt.Errorf("%w: %d < %d", ErrInvalidValidUntilLedger, *validUntil, clock.Sequence())
	}
	return nil
}

// opPayload is the exact payload bound into the admission auth check
// for a store mutation, so distinct operations on distinct rules can
// never be conflated.
func opPayload(account, op string, detail any) []byte {
	body := struct {
		Account string `json:"account"`
		Op      string `json:"op"`
		Detail  any    `json:"detail,omitempty"`
	}{Account: account, Op: op, Detail: detail}
	data, _ := json.Marshal(body)
	return data
}
