package contracts

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// ContextKind discriminates ContextType and Context.
type ContextKind string

const (
	// ContextDefault matches any action. Default rules are the
	// fallback net tried after every context-specific rule.
	ContextDefault ContextKind = "default"

	// ContextCallContract matches calls to a specific callee.
	ContextCallContract ContextKind = "call_contract"

	// ContextCreateContract matches deployment of a specific code image.
	ContextCreateContract ContextKind = "create_contract"
)

// ContextType is the lookup key a rule is indexed under. It is never
// mutated after a rule is created.
type ContextType struct {
	Kind     ContextKind `json:"kind"`
	Target   string      `json:"target,omitempty"`    // CallContract: callee id
	CodeHash []byte      `json:"code_hash,omitempty"` // CreateContract: code image hash
}

// DefaultContextType returns the catch-all rule bucket key.
func DefaultContextType() ContextType {
	return ContextType{Kind: ContextDefault}
}

// CallContractType returns the key for calls to target.
func CallContractType(target string) ContextType {
	return ContextType{Kind: ContextCallContract, Target: target}
}

// CreateContractType returns the key for deployments of codeHash.
func CreateContractType(codeHash []byte) ContextType {
	return ContextType{Kind: ContextCreateContract, CodeHash: codeHash}
}

// Key returns the canonical index key for this context type.
func (ct ContextType) Key() string {
	switch ct.Kind {
	case ContextDefault:
		return "default"
	case ContextCallContract:
		return fmt.Sprintf("call:%s", ct.Target)
	case ContextCreateContract:
		return fmt.Sprintf("create:%s", hex.EncodeToString(ct.CodeHash))
	default:
		return string(ct.Kind)
	}
}

// Context is the action under authorization: a contract call with its
// arguments, or a contract creation with its code image.
type Context struct {
	Kind ContextKind `json:"kind"`

	// Call fields.
	Target   string `json:"target,omitempty"`
	Function string `json:"function,omitempty"`
	Args     []any  `json:"args,omitempty"`

	// Create fields.
	CodeHash        []byte `json:"code_hash,omitempty"`
	ConstructorArgs []any  `json:"constructor_args,omitempty"`
}

// CallContext builds a contract-call action.
func CallContext(target, function string, args ...any) Context {
	return Context{Kind: ContextCallContract, Target: target, Function: function, Args: args}
}

// CreateContext builds a contract-creation action.
func CreateContext(codeHash []byte, constructorArgs ...any) Context {
	return Context{Kind: ContextCreateContract, CodeHash: codeHash, ConstructorArgs: constructorArgs}
}

// RuleType derives the lookup ContextType for this action: calls map to
// the callee target, creations to the code image hash.
func (c Context) RuleType() ContextType {
	switch c.Kind {
	case ContextCreateContract:
		return CreateContractType(c.CodeHash)
	default:
		return CallContractType(c.Target)
	}
}

// Payload returns the deterministic byte serialization of the action
// that signers commit to. Two different actions never share a payload.
func (c Context) Payload() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("context payload: %w", err)
	}
	return data, nil
}
