// Package policy defines the pluggable policy capability consulted by
// the authorization engine, a registry of concrete implementations,
// and the built-in signer-counting policies: Simple Threshold,
// Weighted Threshold, and a CEL Expression policy.
//
// Policy state is keyed by (rule id, account): one policy instance
// serves every rule and account that installs it.
package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/quorumgate/quorumgate/pkg/contracts"
)

// Shared policy error taxonomy.
var (
	ErrNotInstalled     = errors.New("policy not installed for rule/account")
	ErrInvalidThreshold = errors.New("invalid threshold")
	ErrInvalidWeight    = errors.New("invalid signer weight")
	ErrMathOverflow     = errors.New("weight accumulation overflow")
	ErrThresholdNotMet  = errors.New("signer threshold not met")
	ErrNotEnforceable   = errors.New("policy condition not satisfied")
)

// Policy is the capability contract the engine and rule store consult.
//
// CanEnforce is read-only and answers false - never an error - when
// the policy is not installed for (rule, account). Enforce commits the
// authorization: it re-validates and fails loudly if CanEnforce would
// be false, guarding against races between the read-only check and the
// committing call.
type Policy interface {
	Name() string
	Install(ctx context.Context, params any, rule *contracts.ContextRule, account string) error
	Uninstall(ctx context.Context, rule *contracts.ContextRule, account string) error
	CanEnforce(account string, rule *contracts.ContextRule, actionCtx contracts.Context, authenticated contracts.SignerSet) bool
	Enforce(ctx context.Context, account string, rule *contracts.ContextRule, actionCtx contracts.Context, authenticated contracts.SignerSet) error
}

// stateKey scopes installed policy state.
type stateKey struct {
	Rule    uint32
	Account string
}

// Registry resolves stored policy references to implementations. It
// satisfies the rule store's PolicyLifecycle so attaching a policy to
// a rule drives that policy's Install/Uninstall.
type Registry struct {
	mu       sync.RWMutex
	policies map[string]Policy
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{policies: make(map[string]Policy)}
}

// Register adds p under its name, replacing any previous registration.
func (r *Registry) Register(p Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[p.Name()] = p
}

// Get resolves ref.
func (r *Registry) Get(ref string) (Policy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[ref]
	return p, ok
}

// Known reports whether ref resolves.
func (r *Registry) Known(ref string) bool {
	_, ok := r.Get(ref)
	return ok
}

// Install implements the rule store lifecycle.
func (r *Registry) Install(ctx context.Context, ref string, params any, rule *contracts.ContextRule, account string) error {
	p, ok := r.Get(ref)
	if !ok {
		return fmt.Errorf("policy %q is not registered", ref)
	}
	return p.Install(ctx, params, rule, account)
}

// Uninstall implements the rule store lifecycle.
func (r *Registry) Uninstall(ctx context.Context, ref string, rule *contracts.ContextRule, account string) error {
	p, ok := r.Get(ref)
	if !ok {
		return fmt.Errorf("policy %q is not registered", ref)
	}
	return p.Uninstall(ctx, rule, account)
}

// Admission payloads bound into the account auth check for policy
// mutations, so distinct operations cannot be conflated.
func setThresholdPayload(policy string, ruleID uint32, threshold uint32) []byte {
	return []byte(fmt.Sprintf("%s:set_threshold:%d:%d", policy, ruleID, threshold))
}

func setWeightPayload(policy string, ruleID uint32, signerKey string, weight uint32) []byte {
	return []byte(fmt.Sprintf("%s:set_signer_weight:%d:%s:%d", policy, ruleID, signerKey, weight))
}

func enforcePayload(policy string, ruleID uint32) []byte {
	return []byte(fmt.Sprintf("%s:enforce:%d", policy, ruleID))
}

func uninstallPayload(policy string, ruleID uint32) []byte {
	return []byte(fmt.Sprintf("%s:uninstall:%d", policy, ruleID))
}

// decodeParams coerces install parameters into the policy's concrete
// params type. Typed values pass through; anything else (such as a
// map decoded from a YAML profile) goes through a JSON round trip.
func decodeParams[T any](params any) (T, error) {
	var out T
	switch v := params.(type) {
	case T:
		return v, nil
	case *T:
		if v != nil {
			return *v, nil
		}
		return out, errors.New("nil policy params")
	}
	data, err := json.Marshal(params)
	if err != nil {
		return out, fmt.Errorf("encode policy params: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decode policy params: %w", err)
	}
	return out, nil
}
