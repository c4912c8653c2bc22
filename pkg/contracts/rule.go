package contracts

// Design limits for a single rule. Operations that would exceed them
// are rejected before any state change.
const (
	// MaxSigners bounds the signers configured on one rule.
	MaxSigners = 15

	// MaxPolicies bounds the policy capabilities attached to one rule.
	MaxPolicies = 5
)

// ContextRule is a named, possibly-expiring bundle of required signers
// and/or policies that, if satisfied, authorizes actions matching its
// context type.
//
// ID and ContextType are immutable once assigned; changing a rule's
// context type requires delete and recreate. A rule must carry at least
// one signer or one policy at all times. A rule whose ValidUntil ledger
// has passed becomes permanently un-matchable but is never implicitly
// deleted.
type ContextRule struct {
	ID          uint32      `json:"id"`
	ContextType ContextType `json:"context_type"`
	Name        string      `json:"name"`
	Signers     SignerSet   `json:"signers,omitempty"`

	// Policies holds registry references, resolved to Policy
	// capabilities at evaluation time.
	Policies []string `json:"policies,omitempty"`

	// ValidUntil is the last ledger sequence at which the rule is
	// live. Nil means the rule never expires.
	ValidUntil *uint32 `json:"valid_until,omitempty"`
}

// HasPolicy reports whether ref is attached to the rule.
func (r *ContextRule) HasPolicy(ref string) bool {
	for _, p := range r.Policies {
		if p == ref {
			return true
		}
	}
	return false
}

// Expired reports whether the rule is past its ValidUntil boundary at
// the given ledger sequence. A rule with no boundary never expires; a
// rule is live through its boundary sequence inclusive.
func (r *ContextRule) Expired(sequence uint32) bool {
	return r.ValidUntil != nil && sequence > *r.ValidUntil
}

// Clone returns a deep copy so callers can hand rules across API
// boundaries without aliasing store-owned state.
func (r *ContextRule) Clone() *ContextRule {
	out := &ContextRule{
		ID:          r.ID,
		ContextType: r.ContextType,
		Name:        r.Name,
	}
	if len(r.Signers) > 0 {
		out.Signers = append(SignerSet(nil), r.Signers...)
	}
	if len(r.Policies) > 0 {
		out.Policies = append([]string(nil), r.Policies...)
	}
	if r.ValidUntil != nil {
		v := *r.ValidUntil
		out.ValidUntil = &v
	}
	return out
}
