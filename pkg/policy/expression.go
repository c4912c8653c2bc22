package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"

	"github.com/quorumgate/quorumgate/pkg/contracts"
)

// ExpressionName is the registry reference of Expression.
const ExpressionName = "expression"

// ErrInvalidExpression rejects empty or non-compiling CEL sources.
var ErrInvalidExpression = errors.New("invalid policy expression")

// ExpressionParams configures Expression at install time.
type ExpressionParams struct {
	Source string `json:"source" yaml:"source"`
}

// Expression evaluates a CEL predicate over the authentication
// outcome. Available variables:
//
//	account       string            the account under authorization
//	matched       list(string)      canonical keys of the authenticated subset
//	matched_count int               len(matched)
//	signer_count  int               signers configured on the rule
//	context       map(string, dyn)  kind/target/function of the action
//
// Evaluation is fail-closed: a runtime error or non-bool result
// denies.
type Expression struct {
	mu       sync.RWMutex
	auth     contracts.Authorizer
	logger   *slog.Logger
	env      *cel.Env
	programs map[stateKey]cel.Program
	sources  map[stateKey]string
}

// NewExpression initializes the CEL environment.
func NewExpression(auth contracts.Authorizer) (*Expression, error) {
	env, err := cel.NewEnv(
		cel.VariableDecls(
			decls.NewVariable("account", types.StringType),
			decls.NewVariable("matched", types.NewListType(types.StringType)),
			decls.NewVariable("matched_count", types.IntType),
			decls.NewVariable("signer_count", types.IntType),
			decls.NewVariable("context", types.NewMapType(types.StringType, types.DynType)),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	return &Expression{
		auth:     auth,
		logger:   slog.Default().With("component", "policy.expression"),
		env:      env,
		programs: make(map[stateKey]cel.Program),
		sources:  make(map[stateKey]string),
	}, nil
}

// Name implements Policy.
func (p *Expression) Name() string { return ExpressionName }

// Install implements Policy: compiles and stores the predicate.
func (p *Expression) Install(ctx context.Context, params any, rule *contracts.ContextRule, account string) error {
	ep, err := decodeParams[ExpressionParams](params)
	if err != nil {
		return err
	}
	if ep.Source == "" {
		return fmt.Errorf("%w: empty source", ErrInvalidExpression)
	}
	ast, issues := p.env.Compile(ep.Source)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("%w: %v", ErrInvalidExpression, issues.Err())
	}
	prg, err := p.env.Program(ast)
	if err != nil {
		return fmt.Errorf("%w: program construction failed: %v", ErrInvalidExpression, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	key := stateKey{Rule: rule.ID, Account: account}
	p.programs[key] = prg
	p.sources[key] = ep.Source
	return nil
}

// Source returns the installed CEL source or ErrNotInstalled.
func (p *Expression) Source(ruleID uint32, account string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	src, ok := p.sources[stateKey{Rule: ruleID, Account: account}]
	if !ok {
		return "", ErrNotInstalled
	}
	return src, nil
}

// CanEnforce implements Policy.
func (p *Expression) CanEnforce(account string, rule *contracts.ContextRule, actionCtx contracts.Context, authenticated contracts.SignerSet) bool {
	p.mu.RLock()
	prg, ok := p.programs[stateKey{Rule: rule.ID, Account: account}]
	p.mu.RUnlock()
	if !ok {
		return false
	}

	input := map[string]any{
		"account":       account,
		"matched":       authenticated.Keys(),
		"matched_count": len(authenticated),
		"signer_count":  len(rule.Signers),
		"context": map[string]any{
			"kind":     string(actionCtx.Kind),
			"target":   actionCtx.Target,
			"function": actionCtx.Function,
		},
	}
	out, _, err := prg.Eval(input)
	if err != nil {
		return false // fail closed
	}
	allowed, ok := out.Value().(bool)
	return ok && allowed
}

// Enforce implements Policy.
func (p *Expression) Enforce(ctx context.Context, account string, rule *contracts.ContextRule, actionCtx contracts.Context, authenticated contracts.SignerSet) error {
	if err := p.auth.RequireAuth(ctx, account, enforcePayload(p.Name(), rule.ID)); err != nil {
		return err
	}
	if _, err := p.Source(rule.ID, account); err != nil {
		return err
	}
	if !p.CanEnforce(account, rule, actionCtx, authenticated) {
		return fmt.Errorf("%w: rule %d", ErrNotEnforceable, rule.ID)
	}
	p.logger.Info("expression policy enforced", "account", account, "rule_id", rule.ID)
	return nil
}

// Uninstall implements Policy.
func (p *Expression) Uninstall(ctx context.Context, rule *contracts.ContextRule, account string) error {
	if err := p.auth.RequireAuth(ctx, account, uninstallPayload(p.Name(), rule.ID)); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	key := stateKey{Rule: rule.ID, Account: account}
	delete(p.programs, key)
	delete(p.sources, key)
	return nil
}
