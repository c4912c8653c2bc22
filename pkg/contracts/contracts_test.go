package contracts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignerKeys(t *testing.T) {
	native := NativeSigner("GACC1")
	delegated := DelegatedSigner("ed25519", []byte{0xde, 0xad})

	assert.Equal(t, "native:GACC1", native.Key())
	assert.Equal(t, "delegated:ed25519:dead", delegated.Key())
	assert.True(t, native.Equal(NativeSigner("GACC1")))
	assert.False(t, native.Equal(delegated))

	// Same public key under a different verifier is a different signer.
	other := DelegatedSigner("secp256r1", []byte{0xde, 0xad})
	assert.False(t, delegated.Equal(other))
}

func TestSignerSetIntersectPreservesOrder(t *testing.T) {
	a := NativeSigner("GA")
	b := NativeSigner("GB")
	c := NativeSigner("GC")
	set := SignerSet{a, b, c}

	got := set.Intersect(SignerSet{c, a})
	require.Len(t, got, 2)
	assert.Equal(t, a.Key(), got[0].Key())
	assert.Equal(t, c.Key(), got[1].Key())
}

func TestContextTypeKeys(t *testing.T) {
	assert.Equal(t, "default", DefaultContextType().Key())
	assert.Equal(t, "call:CTOKEN", CallContractType("CTOKEN").Key())
	assert.Equal(t, "create:beef", CreateContractType([]byte{0xbe, 0xef}).Key())
}

func TestContextRuleType(t *testing.T) {
	call := CallContext("CTOKEN", "transfer", "GA", 100)
	assert.Equal(t, CallContractType("CTOKEN"), call.RuleType())

	create := CreateContext([]byte{0xbe, 0xef})
	assert.Equal(t, CreateContractType([]byte{0xbe, 0xef}), create.RuleType())
}

func TestRuleExpiryBoundary(t *testing.T) {
	until := uint32(100)
	rule := ContextRule{ID: 1, ValidUntil: &until}

	// Live through the boundary sequence inclusive.
	assert.False(t, rule.Expired(99))
	assert.False(t, rule.Expired(100))
	assert.True(t, rule.Expired(101))

	forever := ContextRule{ID: 2}
	assert.False(t, forever.Expired(1<<31))
}

func TestRuleCloneIsDeep(t *testing.T) {
	until := uint32(50)
	rule := &ContextRule{
		ID:          7,
		ContextType: DefaultContextType(),
		Signers:     SignerSet{NativeSigner("GA")},
		Policies:    []string{"simple-threshold"},
		ValidUntil:  &until,
	}
	clone := rule.Clone()

	clone.Signers[0] = NativeSigner("GB")
	clone.Policies[0] = "weighted-threshold"
	*clone.ValidUntil = 9

	assert.Equal(t, "native:GA", rule.Signers[0].Key())
	assert.Equal(t, "simple-threshold", rule.Policies[0])
	assert.Equal(t, uint32(50), *rule.ValidUntil)
}
