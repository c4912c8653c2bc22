package policy

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/quorumgate/quorumgate/pkg/contracts"
)

// WeightedThresholdName is the registry reference of WeightedThreshold.
const WeightedThresholdName = "weighted-threshold"

// SignerWeight assigns a voting weight to one signer.
type SignerWeight struct {
	Signer contracts.Signer `json:"signer" yaml:"signer"`
	Weight uint32           `json:"weight" yaml:"weight"`
}

// WeightedParams configures WeightedThreshold at install time.
type WeightedParams struct {
	SignerWeights []SignerWeight `json:"signer_weights" yaml:"signer_weights"`
	Threshold     uint32         `json:"threshold" yaml:"threshold"`
}

type weightedState struct {
	threshold uint32
	weights   map[string]uint32 // signer key -> weight
}

// WeightedThreshold authorizes a rule when the summed weights of the
// authenticated signers reach the threshold. Accumulation fails closed
// on uint32 overflow instead of wrapping.
type WeightedThreshold struct {
	mu     sync.RWMutex
	auth   contracts.Authorizer
	logger *slog.Logger
	states map[stateKey]*weightedState
}

// NewWeightedThreshold creates the policy.
func NewWeightedThreshold(auth contracts.Authorizer) *WeightedThreshold {
	return &WeightedThreshold{
		auth:   auth,
		logger: slog.Default().With("component", "policy.weighted-threshold"),
		states: make(map[stateKey]*weightedState),
	}
}

// Name implements Policy.
func (p *WeightedThreshold) Name() string { return WeightedThresholdName }

// Install implements Policy. The threshold must be positive and must
// not exceed the total configured weight: an installed policy is never
// mathematically impossible to satisfy.
func (p *WeightedThreshold) Install(ctx context.Context, params any, rule *contracts.ContextRule, account string) error {
	wp, err := decodeParams[WeightedParams](params)
	if err != nil {
		return err
	}
	weights := make(map[string]uint32, len(wp.SignerWeights))
	for _, sw := range wp.SignerWeights {
		if sw.Weight == 0 {
			return fmt.Errorf("%w: signer %s has zero weight", ErrInvalidWeight, sw.Signer.Key())
		}
		weights[sw.Signer.Key()] = sw.Weight
	}
	total, err := TotalWeight(weights)
	if err != nil {
		return err
	}
	if wp.Threshold == 0 || wp.Threshold > total {
		return fmt.Errorf("%w: threshold %d, total weight %d", ErrInvalidThreshold, wp.Threshold, total)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states[stateKey{Rule: rule.ID, Account: account}] = &weightedState{threshold: wp.Threshold, weights: weights}
	return nil
}

// TotalWeight sums all configured weights, failing with ErrMathOverflow
// when the sum would exceed the uint32 range.
func TotalWeight(weights map[string]uint32) (uint32, error) {
	var total uint32
	for key, w := range weights {
		if w > math.MaxUint32-total {
			return 0, fmt.Errorf("%w: adding weight of %s", ErrMathOverflow, key)
		}
		total += w
	}
	return total, nil
}

// SetThreshold overwrites the threshold for (rule, account). It does
// not re-check the threshold against the total weight; a temporarily
// unsatisfiable state between writes is allowed and simply never
// enforces until weights catch up.
func (p *WeightedThreshold) SetThreshold(ctx context.Context, ruleID uint32, account string, threshold uint32) error {
	if threshold == 0 {
		return fmt.Errorf("%w: threshold must be positive", ErrInvalidThreshold)
	}
	if err := p.auth.RequireAuth(ctx, account, setThresholdPayload(p.Name(), ruleID, threshold)); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.states[stateKey{Rule: ruleID, Account: account}]
	if !ok {
		return ErrNotInstalled
	}
	state.threshold = threshold
	return nil
}

// SetSignerWeight overwrites or inserts one signer's weight. Like
// SetThreshold it does not re-validate threshold <= total weight.
func (p *WeightedThreshold) SetSignerWeight(ctx context.Context, ruleID uint32, account string, signer contracts.Signer, weight uint32) error {
	if weight == 0 {
		return fmt.Errorf("%w: signer %s has zero weight", ErrInvalidWeight, signer.Key())
	}
	if err := p.auth.RequireAuth(ctx, account, setWeightPayload(p.Name(), ruleID, signer.Key(), weight)); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.states[stateKey{Rule: ruleID, Account: account}]
	if !ok {
		return ErrNotInstalled
	}
	state.weights[signer.Key()] = weight
	return nil
}

// Threshold returns the installed threshold or ErrNotInstalled.
func (p *WeightedThreshold) Threshold(ruleID uint32, account string) (uint32, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	state, ok := p.states[stateKey{Rule: ruleID, Account: account}]
	if !ok {
		return 0, ErrNotInstalled
	}
	return state.threshold, nil
}

// SignerWeights returns a copy of the installed weight map or
// ErrNotInstalled.
func (p *WeightedThreshold) SignerWeights(ruleID uint32, account string) (map[string]uint32, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	state, ok := p.states[stateKey{Rule: ruleID, Account: account}]
	if !ok {
		return nil, ErrNotInstalled
	}
	out := make(map[string]uint32, len(state.weights))
	for k, v := range state.weights {
		out[k] = v
	}
	return out, nil
}

// CanEnforce implements Policy. Signers absent from the weight map
// contribute zero; they are not an error. Overflow during
// accumulation fails closed to false.
func (p *WeightedThreshold) CanEnforce(account string, rule *contracts.ContextRule, actionCtx contracts.Context, authenticated contracts.SignerSet) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	state, ok := p.states[stateKey{Rule: rule.ID, Account: account}]
	if !ok {
		return false
	}
	var sum uint32
	for _, s := range authenticated {
		w := state.weights[s.Key()]
		if w > math.MaxUint32-sum {
			return false
		}
		sum += w
	}
	return sum >= state.threshold
}

// Enforce implements Policy.
func (p *WeightedThreshold) Enforce(ctx context.Context, account string, rule *contracts.ContextRule, actionCtx contracts.Context, authenticated contracts.SignerSet) error {
	if err := p.auth.RequireAuth(ctx, account, enforcePayload(p.Name(), rule.ID)); err != nil {
		return err
	}
	if _, err := p.Threshold(rule.ID, account); err != nil {
		return err
	}
	if !p.CanEnforce(account, rule, actionCtx, authenticated) {
		return fmt.Errorf("%w: rule %d", ErrNotEnforceable, rule.ID)
	}
	p.logger.Info("weighted threshold policy enforced",
		"account", account,
		"rule_id", rule.ID,
		"authenticated", len(authenticated),
	)
	return nil
}

// Uninstall implements Policy. Removes both the threshold and the
// weight map; removing absent state is not an error.
func (p *WeightedThreshold) Uninstall(ctx context.Context, rule *contracts.ContextRule, account string) error {
	if err := p.auth.RequireAuth(ctx, account, uninstallPayload(p.Name(), rule.ID)); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.states, stateKey{Rule: rule.ID, Account: account})
	return nil
}
