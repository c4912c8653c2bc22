package rules

import (
	"context"
	"fmt"
	"sync"

	"github.com/quorumgate/quorumgate/pkg/contracts"
)

// MemoryStore is the canonical in-process Store. It keeps an explicit
// per-context-type id index: ids are appended on creation and removed
// only on explicit rule removal, so lookups tolerate dangling ids by
// skipping rules that no longer exist.
type MemoryStore struct {
	mu        sync.RWMutex
	account   string
	auth      contracts.Authorizer
	clock     contracts.LedgerClock
	lifecycle PolicyLifecycle

	rules  map[uint32]*contracts.ContextRule
	index  map[string][]uint32
	nextID uint32
}

// NewMemoryStore creates a rule store scoped to account. All mutators
// are admitted through auth; expiry validation reads clock; policy
// attach/detach drives lifecycle.
func NewMemoryStore(account string, auth contracts.Authorizer, clock contracts.LedgerClock, lifecycle PolicyLifecycle) *MemoryStore {
	return &MemoryStore{
		account:   account,
		auth:      auth,
		clock:     clock,
		lifecycle: lifecycle,
		rules:     make(map[uint32]*contracts.ContextRule),
		index:     make(map[string][]uint32),
		nextID:    1,
	}
}

// Account implements Store.
func (s *MemoryStore) Account() string { return s.account }

// AddRule implements Store.
func (s *MemoryStore) AddRule(ctx context.Context, ct contracts.ContextType, name string, signers contracts.SignerSet, policies []PolicyInstall, validUntil *uint32) (*contracts.ContextRule, error) {
	refs := make([]string, len(policies))
	for i, p := range policies {
		refs[i] = p.Ref
	}
	if err := validateRuleShape(signers, refs); err != nil {
		return nil, err
	}
	if err := validateValidUntil(validUntil, s.clock); err != nil {
		return nil, err
	}
	for _, ref := range refs {
		if !s.lifecycle.Known(ref) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPolicy, ref)
		}
	}
	if err := s.auth.RequireAuth(ctx, s.account, opPayload(s.account, "add_rule", name)); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rule := &contracts.ContextRule{
		ID:          s.nextID,
		ContextType: ct,
		Name:        name,
		Signers:     append(contracts.SignerSet(nil), signers...),
		Policies:    refs,
		ValidUntil:  copyValidUntil(validUntil),
	}
	s.nextID++

	// Install policies before the rule becomes visible; unwind on
	// failure so the call is all-or-nothing.
	for i, p := range policies {
		if err := s.lifecycle.Install(ctx, p.Ref, p.Params, rule, s.account); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = s.lifecycle.Uninstall(ctx, policies[j].Ref, rule, s.account)
			}
			return nil, fmt.Errorf("install policy %q: %w", p.Ref, err)
		}
	}

	s.rules[rule.ID] = rule
	key := ct.Key()
	s.index[key] = append(s.index[key], rule.ID)
	return rule.Clone(), nil
}

// GetRule implements Store.
func (s *MemoryStore) GetRule(ctx context.Context, id uint32) (*contracts.ContextRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rule, ok := s.rules[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrRuleNotFound, id)
	}
	return rule.Clone(), nil
}

// ModifyRule implements Store.
func (s *MemoryStore) ModifyRule(ctx context.Context, id uint32, name string, signers contracts.SignerSet, policies []string, validUntil *uint32) (*contracts.ContextRule, error) {
	if err := validateRuleShape(signers, policies); err != nil {
		return nil, err
	}
	if err := validateValidUntil(validUntil, s.clock); err != nil {
		return nil, err
	}
	for _, ref := range policies {
		if !s.lifecycle.Known(ref) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPolicy, ref)
		}
	}
	if err := s.auth.RequireAuth(ctx, s.account, opPayload(s.account, "modify_rule", id)); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rule, ok := s.rules[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrRuleNotFound, id)
	}
	rule.Name = name
	rule.Signers = append(contracts.SignerSet(nil), signers...)
	rule.Policies = append([]string(nil), policies...)
	rule.ValidUntil = copyValidUntil(validUntil)
	return rule.Clone(), nil
}

// RemoveRule implements Store.
func (s *MemoryStore) RemoveRule(ctx context.Context, id uint32) error {
	if err := s.auth.RequireAuth(ctx, s.account, opPayload(s.account, "remove_rule", id)); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rule, ok := s.rules[id]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrRuleNotFound, id)
	}
	for _, ref := range rule.Policies {
		_ = s.lifecycle.Uninstall(ctx, ref, rule, s.account)
	}
	delete(s.rules, id)

	key := rule.ContextType.Key()
	ids := s.index[key]
	for i, existing := range ids {
		if existing == id {
			s.index[key] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

// AddSigner implements Store.
func (s *MemoryStore) AddSigner(ctx context.Context, id uint32, signer contracts.Signer) error {
	if err := s.auth.RequireAuth(ctx, s.account, opPayload(s.account, "add_signer", signer.Key())); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rule, ok := s.rules[id]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrRuleNotFound, id)
	}
	if rule.Signers.Contains(signer) {
		return fmt.Errorf("%w: %s", ErrDuplicateSigner, signer.Key())
	}
	if len(rule.Signers) >= contracts.MaxSigners {
		return ErrTooManySigners
	}
	rule.Signers = append(rule.Signers, signer)
	return nil
}

// RemoveSigner implements Store. Removing the last signer of a rule
// with no policies is rejected: the rule would be permanently
// unsatisfiable yet still indexed.
func (s *MemoryStore) RemoveSigner(ctx context.Context, id uint32, signer contracts.Signer) error {
	if err := s.auth.RequireAuth(ctx, s.account, opPayload(s.account, "remove_signer", signer.Key())); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rule, ok := s.rules[id]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrRuleNotFound, id)
	}
	if !rule.Signers.Contains(signer) {
		return fmt.Errorf("%w: %s", ErrSignerNotFound, signer.Key())
	}
	if len(rule.Signers) == 1 && len(rule.Policies) == 0 {
		return ErrEmptySignersAndPolicies
	}
	key := signer.Key()
	for i, existing := range rule.Signers {
		if existing.Key() == key {
			rule.Signers = append(rule.Signers[:i], rule.Signers[i+1:]...)
			break
		}
	}
	return nil
}

// AddPolicy implements Store.
func (s *MemoryStore) AddPolicy(ctx context.Context, id uint32, install PolicyInstall) error {
	if !s.lifecycle.Known(install.Ref) {
		return fmt.Errorf("%w: %s", ErrUnknownPolicy, install.Ref)
	}
	if err := s.auth.RequireAuth(ctx, s.account, opPayload(s.account, "add_policy", install.Ref)); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rule, ok := s.rules[id]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrRuleNotFound, id)
	}
	if rule.HasPolicy(install.Ref) {
		return fmt.Errorf("%w: %s", ErrDuplicatePolicy, install.Ref)
	}
	if len(rule.Policies) >= contracts.MaxPolicies {
		return ErrTooManyPolicies
	}
	if err := s.lifecycle.Install(ctx, install.Ref, install.Params, rule, s.account); err != nil {
		return fmt.Errorf("install policy %q: %w", install.Ref, err)
	}
	rule.Policies = append(rule.Policies, install.Ref)
	return nil
}

// RemovePolicy implements Store. Same emptiness guard as RemoveSigner.
func (s *MemoryStore) RemovePolicy(ctx context.Context, id uint32, ref string) error {
	if err := s.auth.RequireAuth(ctx, s.account, opPayload(s.account, "remove_policy", ref)); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rule, ok := s.rules[id]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrRuleNotFound, id)
	}
	if !rule.HasPolicy(ref) {
		return fmt.Errorf("%w: %s", ErrPolicyNotFound, ref)
	}
	if len(rule.Policies) == 1 && len(rule.Signers) == 0 {
		return ErrEmptySignersAndPolicies
	}
	if err := s.lifecycle.Uninstall(ctx, ref, rule, s.account); err != nil {
		return fmt.Errorf("uninstall policy %q: %w", ref, err)
	}
	for i, existing := range rule.Policies {
		if existing == ref {
			rule.Policies = append(rule.Policies[:i], rule.Policies[i+1:]...)
			break
		}
	}
	return nil
}

// RulesFor implements Store.
func (s *MemoryStore) RulesFor(ctx context.Context, ct contracts.ContextType) ([]*contracts.ContextRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.index[ct.Key()]
	out := make([]*contracts.ContextRule, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		rule, ok := s.rules[ids[i]]
		if !ok {
			continue // dangling id, rule explicitly removed
		}
		out = append(out, rule.Clone())
	}
	return out, nil
}

func copyValidUntil(v *uint32) *uint32 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
