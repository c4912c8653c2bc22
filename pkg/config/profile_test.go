package config

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumgate/quorumgate/pkg/contracts"
	"github.com/quorumgate/quorumgate/pkg/policy"
	"github.com/quorumgate/quorumgate/pkg/rules"
)

const sampleProfile = `
account: GACCOUNT
rules:
  - name: treasury transfers
    context:
      kind: call_contract
      target: CTOKEN
    signers:
      - kind: native
        account: GA
      - kind: delegated
        verifier: ed25519
        public_key: "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef"
    policies:
      - ref: simple-threshold
        params:
          threshold: 2
    valid_until: 500
  - name: recovery
    context:
      kind: default
    signers:
      - kind: native
        account: GRECOVERY
`

func TestParseProfile(t *testing.T) {
	profile, err := ParseProfile([]byte(sampleProfile))
	require.NoError(t, err)

	assert.Equal(t, "GACCOUNT", profile.Account)
	require.Len(t, profile.Rules, 2)

	first := profile.Rules[0]
	assert.Equal(t, "treasury transfers", first.Name)
	assert.Equal(t, "call_contract", first.Context.Kind)
	require.Len(t, first.Signers, 2)
	assert.Equal(t, "delegated", first.Signers[1].Kind)
	require.Len(t, first.Policies, 1)
	assert.Equal(t, "simple-threshold", first.Policies[0].Ref)
	require.NotNil(t, first.ValidUntil)
	assert.Equal(t, uint32(500), *first.ValidUntil)
}

func TestParseProfileSchemaRejections(t *testing.T) {
	cases := map[string]string{
		"missing account": `
rules: []
`,
		"bad context kind": `
account: GA
rules:
  - context:
      kind: teleport
`,
		"non-hex public key": `
account: GA
rules:
  - context:
      kind: default
    signers:
      - kind: delegated
        verifier: ed25519
        public_key: "not hex!"
`,
		"too many policies": `
account: GA
rules:
  - context:
      kind: default
    policies:
      - {ref: a}
      - {ref: b}
      - {ref: c}
      - {ref: d}
      - {ref: e}
      - {ref: f}
`,
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseProfile([]byte(src))
			assert.Error(t, err)
		})
	}
}

type permitAll struct{}

func (permitAll) RequireAuth(context.Context, string, []byte) error { return nil }

func TestProfileApply(t *testing.T) {
	profile, err := ParseProfile([]byte(sampleProfile))
	require.NoError(t, err)

	registry := policy.NewRegistry()
	simple := policy.NewSimpleThreshold(permitAll{})
	registry.Register(simple)
	store := rules.NewMemoryStore("GACCOUNT", permitAll{}, contracts.FixedClock(10), registry)

	require.NoError(t, profile.Apply(context.Background(), store))

	specific, err := store.RulesFor(context.Background(), contracts.CallContractType("CTOKEN"))
	require.NoError(t, err)
	require.Len(t, specific, 1)
	assert.Equal(t, "treasury transfers", specific[0].Name)
	require.Len(t, specific[0].Signers, 2)
	assert.Equal(t, []string{"simple-threshold"}, specific[0].Policies)

	// The threshold params travelled through install.
	threshold, err := simple.Threshold(specific[0].ID, "GACCOUNT")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), threshold)

	defaults, err := store.RulesFor(context.Background(), contracts.DefaultContextType())
	require.NoError(t, err)
	require.Len(t, defaults, 1)
	assert.Equal(t, "recovery", defaults[0].Name)
}

func TestProfileApplyAccountMismatch(t *testing.T) {
	profile, err := ParseProfile([]byte(`
account: GOTHER
rules:
  - context:
      kind: default
    signers:
      - {kind: native, account: GA}
`))
	require.NoError(t, err)

	store := rules.NewMemoryStore("GACCOUNT", permitAll{}, contracts.FixedClock(1), policy.NewRegistry())
	assert.Error(t, profile.Apply(context.Background(), store))
}
