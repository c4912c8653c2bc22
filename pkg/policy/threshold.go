package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/quorumgate/quorumgate/pkg/contracts"
)

// SimpleThresholdName is the registry reference of SimpleThreshold.
const SimpleThresholdName = "simple-threshold"

// ThresholdParams configures SimpleThreshold at install time.
type ThresholdParams struct {
	Threshold uint32 `json:"threshold" yaml:"threshold"`
}

// SimpleThreshold authorizes a rule when at least N of its signers
// authenticated, regardless of which ones.
type SimpleThreshold struct {
	mu         sync.RWMutex
	auth       contracts.Authorizer
	logger     *slog.Logger
	thresholds map[stateKey]uint32
}

// NewSimpleThreshold creates the policy. Mutations and enforcement are
// admitted through auth.
func NewSimpleThreshold(auth contracts.Authorizer) *SimpleThreshold {
	return &SimpleThreshold{
		auth:       auth,
		logger:     slog.Default().With("component", "policy.simple-threshold"),
		thresholds: make(map[stateKey]uint32),
	}
}

// Name implements Policy.
func (p *SimpleThreshold) Name() string { return SimpleThresholdName }

// Install implements Policy.
func (p *SimpleThreshold) Install(ctx context.Context, params any, rule *contracts.ContextRule, account string) error {
	tp, err := decodeParams[ThresholdParams](params)
	if err != nil {
		return err
	}
	if tp.Threshold == 0 {
		return fmt.Errorf("%w: threshold must be positive", ErrInvalidThreshold)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.thresholds[stateKey{Rule: rule.ID, Account: account}] = tp.Threshold
	return nil
}

// SetThreshold overwrites the stored threshold for (rule, account).
func (p *SimpleThreshold) SetThreshold(ctx context.Context, ruleID uint32, account string, threshold uint32) error {
	if threshold == 0 {
		return fmt.Errorf("%w: threshold must be positive", ErrInvalidThreshold)
	}
	if err := p.auth.RequireAuth(ctx, account, setThresholdPayload(p.Name(), ruleID, threshold)); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.thresholds[stateKey{Rule: ruleID, Account: account}] = threshold
	return nil
}

// Threshold returns the installed threshold or ErrNotInstalled.
func (p *SimpleThreshold) Threshold(ruleID uint32, account string) (uint32, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.thresholds[stateKey{Rule: ruleID, Account: account}]
	if !ok {
		return 0, ErrNotInstalled
	}
	return t, nil
}

// CanEnforce implements Policy. The authenticated set is whatever
// subset the caller passes; the engine is responsible for passing an
// already-intersected set.
func (p *SimpleThreshold) CanEnforce(account string, rule *contracts.ContextRule, actionCtx contracts.Context, authenticated contracts.SignerSet) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.thresholds[stateKey{Rule: rule.ID, Account: account}]
	if !ok {
		return false
	}
	return uint32(len(authenticated)) >= t
}

// Enforce implements Policy.
func (p *SimpleThreshold) Enforce(ctx context.Context, account string, rule *contracts.ContextRule, actionCtx contracts.Context, authenticated contracts.SignerSet) error {
	if err := p.auth.RequireAuth(ctx, account, enforcePayload(p.Name(), rule.ID)); err != nil {
		return err
	}
	if _, err := p.Threshold(rule.ID, account); err != nil {
		return err
	}
	if !p.CanEnforce(account, rule, actionCtx, authenticated) {
		return fmt.Errorf("%w: rule %d", ErrThresholdNotMet, rule.ID)
	}
	p.logger.Info("threshold policy enforced",
		"account", account,
		"rule_id", rule.ID,
		"authenticated", len(authenticated),
	)
	return nil
}

// Uninstall implements Policy. Removing absent state is not an error.
func (p *SimpleThreshold) Uninstall(ctx context.Context, rule *contracts.ContextRule, account string) error {
	if err := p.auth.RequireAuth(ctx, account, uninstallPayload(p.Name(), rule.ID)); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.thresholds, stateKey{Rule: rule.ID, Account: account})
	return nil
}
