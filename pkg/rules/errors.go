package rules

import "errors"

// Not-found errors: the caller referenced an entity that does not
// exist. Surfaced as-is, never recovered automatically.
var (
	ErrRuleNotFound   = errors.New("context rule not found")
	ErrSignerNotFound = errors.New("signer not found on rule")
	ErrPolicyNotFound = errors.New("policy not found on rule")
)

// Validation errors: the supplied state would violate a store
// invariant. Rejected before any mutation occurs.
var (
	ErrDuplicateSigner         = errors.New("signer already present on rule")
	ErrDuplicatePolicy         = errors.New("policy already present on rule")
	ErrTooManySigners          = errors.New("rule signer limit exceeded")
	ErrTooManyPolicies         = errors.New("rule policy limit exceeded")
	ErrEmptySignersAndPolicies = errors.New("rule must have at least one signer or policy")
	ErrInvalidValidUntilLedger = errors.New("valid_until ledger is already in the past")
	ErrUnknownPolicy           = errors.New("policy reference is not registered")
)
