// Package engine implements the authorization decision core: given an
// action context and the set of signers that proved control of their
// key, it selects a satisfying context rule by iterating candidates in
// a defined order and applying each rule's policy-or-quorum test.
//
// The engine only reads rule data and invokes policy capabilities; it
// never mutates rule or policy storage itself.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/quorumgate/quorumgate/pkg/audit"
	"github.com/quorumgate/quorumgate/pkg/canonical"
	"github.com/quorumgate/quorumgate/pkg/contracts"
	"github.com/quorumgate/quorumgate/pkg/observability"
	"github.com/quorumgate/quorumgate/pkg/policy"
	"github.com/quorumgate/quorumgate/pkg/rules"
)

// Authorization-outcome errors: the request was well formed but did
// not meet the policy or quorum bar.
var (
	ErrUnverified                  = errors.New("no context rule satisfied by the authenticated signers")
	ErrDelegatedVerificationFailed = errors.New("delegated signature verification failed")
	ErrUnknownVerifier             = errors.New("no verifier registered for reference")
)

// Engine evaluates authorization requests against one account's rule
// store.
type Engine struct {
	store      rules.Store
	registry   *policy.Registry
	clock      contracts.LedgerClock
	authorizer contracts.Authorizer
	verifiers  map[string]contracts.Verifier
	logger     *slog.Logger

	auditLog *audit.Log
	obs      *observability.Provider
}

// New creates an engine over store. The registry resolves the policy
// references rules carry; clock provides authority time for expiry;
// authorizer is the host's native authentication primitive.
func New(store rules.Store, registry *policy.Registry, clock contracts.LedgerClock, authorizer contracts.Authorizer) *Engine {
	return &Engine{
		store:      store,
		registry:   registry,
		clock:      clock,
		authorizer: authorizer,
		verifiers:  make(map[string]contracts.Verifier),
		logger:     slog.Default().With("component", "engine", "account", store.Account()),
	}
}

// RegisterVerifier makes a delegated-signer verifier resolvable by ref.
func (e *Engine) RegisterVerifier(ref string, v contracts.Verifier) {
	e.verifiers[ref] = v
}

// SetAuditLog injects the enforcement audit log.
func (e *Engine) SetAuditLog(l *audit.Log) {
	e.auditLog = l
}

// SetObservability injects the metrics/tracing provider.
func (e *Engine) SetObservability(p *observability.Provider) {
	e.obs = p
}

// Authorize runs the read-only matching algorithm: candidate rules for
// the action's specific context type (most recently added first), then
// Default rules likewise; expired rules are dropped; the first
// satisfied rule wins. Fails with ErrUnverified when no candidate is
// satisfied.
func (e *Engine) Authorize(ctx context.Context, actionCtx contracts.Context, authenticated contracts.SignerSet) (*contracts.Decision, error) {
	ctx, span := e.obs.StartSpan(ctx, "engine.Authorize")
	defer span.End()
	start := time.Now()

	decision, err := e.match(ctx, actionCtx, authenticated)
	e.recordOutcome(ctx, decision, err, false, start)
	if err != nil {
		return nil, err
	}
	return decision, nil
}

// Enforce performs the same search but commits the decision: every
// policy on the winning rule has its side-effecting Enforce invoked,
// and the decision is appended to the audit log. A policy Enforce
// failure aborts the whole attempt.
func (e *Engine) Enforce(ctx context.Context, actionCtx contracts.Context, authenticated contracts.SignerSet) (*contracts.Decision, error) {
	ctx, span := e.obs.StartSpan(ctx, "engine.Enforce")
	defer span.End()
	start := time.Now()

	decision, err := e.match(ctx, actionCtx, authenticated)
	if err != nil {
		e.recordOutcome(ctx, nil, err, true, start)
		return nil, err
	}

	account := e.store.Account()
	for _, ref := range decision.Rule.Policies {
		pol, ok := e.registry.Get(ref)
		if !ok {
			err := fmt.Errorf("%w: %s", rules.ErrUnknownPolicy, ref)
			e.recordOutcome(ctx, nil, err, true, start)
			return nil, err
		}
		if err := pol.Enforce(ctx, account, decision.Rule, actionCtx, decision.Matched); err != nil {
			e.recordOutcome(ctx, nil, err, true, start)
			return nil, fmt.Errorf("enforce policy %q on rule %d: %w", ref, decision.Rule.ID, err)
		}
	}

	decision.Enforced = true
	if err := sealDecision(decision); err != nil {
		return nil, err
	}
	if e.auditLog != nil {
		if _, err := e.auditLog.Append(audit.Entry{
			Sequence:     decision.Sequence,
			Account:      account,
			RuleID:       decision.Rule.ID,
			RuleName:     decision.Rule.Name,
			Verdict:      string(decision.Verdict),
			Matched:      decision.Matched.Keys(),
			DecisionHash: decision.Hash,
		}); err != nil {
			return nil, fmt.Errorf("append audit entry: %w", err)
		}
	}
	e.recordOutcome(ctx, decision, nil, true, start)
	return decision, nil
}

// match is the pure decision function shared by Authorize and Enforce.
func (e *Engine) match(ctx context.Context, actionCtx contracts.Context, authenticated contracts.SignerSet) (*contracts.Decision, error) {
	sequence := e.clock.Sequence()
	account := e.store.Account()

	candidates, err := e.candidateRules(ctx, actionCtx)
	if err != nil {
		return nil, err
	}

	for _, rule := range candidates {
		if rule.Expired(sequence) {
			continue
		}
		matched := rule.Signers.Intersect(authenticated)
		if !e.satisfied(account, rule, actionCtx, matched) {
			continue
		}

		decision := &contracts.Decision{
			ID:       uuid.NewString(),
			Account:  account,
			Verdict:  contracts.VerdictAllow,
			Context:  actionCtx,
			Rule:     rule,
			Matched:  matched,
			Sequence: sequence,
		}
		if err := sealDecision(decision); err != nil {
			return nil, err
		}
		return decision, nil
	}
	return nil, fmt.Errorf("%w: account %s", ErrUnverified, account)
}

// candidateRules returns the specific-context rules followed by the
// Default fallback bucket, each most recently added first.
func (e *Engine) candidateRules(ctx context.Context, actionCtx contracts.Context) ([]*contracts.ContextRule, error) {
	specific, err := e.store.RulesFor(ctx, actionCtx.RuleType())
	if err != nil {
		return nil, fmt.Errorf("enumerate context rules: %w", err)
	}
	defaults, err := e.store.RulesFor(ctx, contracts.DefaultContextType())
	if err != nil {
		return nil, fmt.Errorf("enumerate default rules: %w", err)
	}
	return append(specific, defaults...), nil
}

// satisfied applies the two-mode satisfaction check. With no policies
// the rule demands its full signer set. With policies, every one must
// independently agree; an unsatisfied or unresolvable policy moves the
// search to the next candidate rather than failing hard.
func (e *Engine) satisfied(account string, rule *contracts.ContextRule, actionCtx contracts.Context, matched contracts.SignerSet) bool {
	if len(rule.Policies) == 0 {
		return len(matched) == len(rule.Signers)
	}
	for _, ref := range rule.Policies {
		pol, ok := e.registry.Get(ref)
		if !ok {
			e.logger.Warn("rule references unregistered policy", "rule_id", rule.ID, "policy", ref)
			return false
		}
		if !pol.CanEnforce(account, rule, actionCtx, matched) {
			return false
		}
	}
	return true
}

func (e *Engine) recordOutcome(ctx context.Context, decision *contracts.Decision, err error, enforced bool, start time.Time) {
	verdict := string(contracts.VerdictDeny)
	if err == nil && decision != nil {
		verdict = string(decision.Verdict)
	}
	e.obs.RecordDecision(ctx, e.store.Account(), verdict, enforced, time.Since(start))
	if err != nil {
		e.logger.Info("authorization denied", "enforced", enforced, "error", err)
		return
	}
	e.logger.Info("authorization allowed",
		"rule_id", decision.Rule.ID,
		"rule_name", decision.Rule.Name,
		"matched", len(decision.Matched),
		"enforced", enforced,
	)
}

// sealDecision computes the canonical decision hash with the hash
// field itself excluded.
func sealDecision(d *contracts.Decision) error {
	stripped := *d
	stripped.Hash = ""
	hash, err := canonical.Hash(stripped)
	if err != nil {
		return fmt.Errorf("decision hash: %w", err)
	}
	d.Hash = hash
	return nil
}
