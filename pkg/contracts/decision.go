package contracts

// Verdict is the outcome of an authorization attempt.
type Verdict string

const (
	VerdictAllow Verdict = "ALLOW"
	VerdictDeny  Verdict = "DENY"
)

// Decision captures the outcome of one Authorize/Enforce call: the
// rule that satisfied the request and the subset of authenticated
// signers it was satisfied with.
type Decision struct {
	ID      string  `json:"id"`
	Account string  `json:"account"`
	Verdict Verdict `json:"verdict"`

	// Context is the action that was authorized.
	Context Context `json:"context"`

	// Rule is the satisfying rule; nil on deny.
	Rule *ContextRule `json:"rule,omitempty"`

	// Matched is the intersection of the rule's signers with the
	// authenticated set, in rule order.
	Matched SignerSet `json:"matched,omitempty"`

	// Sequence is the ledger sequence the decision was evaluated at.
	Sequence uint32 `json:"sequence"`

	// Enforced is true when the decision committed policy side
	// effects (Enforce) rather than a read-only check (Authorize).
	Enforced bool `json:"enforced"`

	// Hash is the SHA-256 of the RFC 8785 canonical form of the
	// decision, computed with the hash field itself excluded.
	Hash string `json:"hash,omitempty"`
}

// Proof is one signer's authentication material for a batch. Native
// signers carry no signature; the host authorizer is consulted
// directly. Delegated signers carry the raw signature bytes for their
// verifier capability.
type Proof struct {
	Signer    Signer `json:"signer"`
	Signature []byte `json:"signature,omitempty"`
}
