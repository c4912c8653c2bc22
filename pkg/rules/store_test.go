package rules

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumgate/quorumgate/pkg/contracts"
)

const testAccount = "GACCOUNT"

type allowAllAuth struct{}

func (allowAllAuth) RequireAuth(context.Context, string, []byte) error { return nil }

type denyAllAuth struct{}

func (denyAllAuth) RequireAuth(context.Context, string, []byte) error {
	return errors.New("not authorized")
}

// fakeLifecycle records install/uninstall calls and can fail installs
// of a chosen ref.
type fakeLifecycle struct {
	known      map[string]bool
	failRef    string
	installs   []string
	uninstalls []string
}

func newFakeLifecycle(refs ...string) *fakeLifecycle {
	known := make(map[string]bool, len(refs))
	for _, r := range refs {
		known[r] = true
	}
	return &fakeLifecycle{known: known}
}

func (f *fakeLifecycle) Known(ref string) bool { return f.known[ref] }

func (f *fakeLifecycle) Install(_ context.Context, ref string, _ any, _ *contracts.ContextRule, _ string) error {
	if ref == f.failRef {
		return fmt.Errorf("install %s failed", ref)
	}
	f.installs = append(f.installs, ref)
	return nil
}

func (f *fakeLifecycle) Uninstall(_ context.Context, ref string, _ *contracts.ContextRule, _ string) error {
	f.uninstalls = append(f.uninstalls, ref)
	return nil
}

func newTestStore(clock contracts.LedgerClock) (*MemoryStore, *fakeLifecycle) {
	lc := newFakeLifecycle("simple-threshold", "weighted-threshold")
	return NewMemoryStore(testAccount, allowAllAuth{}, clock, lc), lc
}

func signers(accounts ...string) contracts.SignerSet {
	set := make(contracts.SignerSet, 0, len(accounts))
	for _, a := range accounts {
		set = append(set, contracts.NativeSigner(a))
	}
	return set
}

func TestAddRuleAssignsSequentialIDs(t *testing.T) {
	store, _ := newTestStore(contracts.FixedClock(10))
	ctx := context.Background()

	r1, err := store.AddRule(ctx, contracts.DefaultContextType(), "first", signers("GA"), nil, nil)
	require.NoError(t, err)
	r2, err := store.AddRule(ctx, contracts.DefaultContextType(), "second", signers("GB"), nil, nil)
	require.NoError(t, err)

	assert.Equal(t, uint32(1), r1.ID)
	assert.Equal(t, uint32(2), r2.ID)
}

func TestAddRuleValidation(t *testing.T) {
	store, _ := newTestStore(contracts.FixedClock(10))
	ctx := context.Background()
	ct := contracts.DefaultContextType()

	_, err := store.AddRule(ctx, ct, "empty", nil, nil, nil)
	assert.ErrorIs(t, err, ErrEmptySignersAndPolicies)

	tooMany := make(contracts.SignerSet, 0, contracts.MaxSigners+1)
	for i := 0; i <= contracts.MaxSigners; i++ {
		tooMany = append(tooMany, contracts.NativeSigner(fmt.Sprintf("G%02d", i)))
	}
	_, err = store.AddRule(ctx, ct, "too many", tooMany, nil, nil)
	assert.ErrorIs(t, err, ErrTooManySigners)

	_, err = store.AddRule(ctx, ct, "dup", signers("GA", "GA"), nil, nil)
	assert.ErrorIs(t, err, ErrDuplicateSigner)

	installs := make([]PolicyInstall, 0, contracts.MaxPolicies+1)
	for i := 0; i <= contracts.MaxPolicies; i++ {
		installs = append(installs, PolicyInstall{Ref: fmt.Sprintf("p%d", i)})
	}
	_, err = store.AddRule(ctx, ct, "too many policies", signers("GA"), installs, nil)
	assert.ErrorIs(t, err, ErrTooManyPolicies)

	_, err = store.AddRule(ctx, ct, "unknown policy", signers("GA"),
		[]PolicyInstall{{Ref: "no-such-policy"}}, nil)
	assert.ErrorIs(t, err, ErrUnknownPolicy)
}

func TestAddRuleRejectsPastValidUntil(t *testing.T) {
	store, _ := newTestStore(contracts.FixedClock(100))
	ctx := context.Background()

	past := uint32(99)
	_, err := store.AddRule(ctx, contracts.DefaultContextType(), "expired on arrival", signers("GA"), nil, &past)
	assert.ErrorIs(t, err, ErrInvalidValidUntilLedger)

	// The current sequence itself is still a valid boundary.
	now := uint32(100)
	_, err = store.AddRule(ctx, contracts.DefaultContextType(), "boundary", signers("GA"), nil, &now)
	assert.NoError(t, err)
}

func TestAddRuleRequiresAdmission(t *testing.T) {
	lc := newFakeLifecycle()
	store := NewMemoryStore(testAccount, denyAllAuth{}, contracts.FixedClock(1), lc)

	_, err := store.AddRule(context.Background(), contracts.DefaultContextType(), "denied", signers("GA"), nil, nil)
	require.Error(t, err)

	// Denied admission must not advance the id counter.
	approved := NewMemoryStore(testAccount, allowAllAuth{}, contracts.FixedClock(1), lc)
	r, err := approved.AddRule(context.Background(), contracts.DefaultContextType(), "ok", signers("GA"), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), r.ID)
}

func TestAddRuleUnwindsFailedPolicyInstall(t *testing.T) {
	store, lc := newTestStore(contracts.FixedClock(1))
	lc.known["broken"] = true
	lc.failRef = "broken"

	_, err := store.AddRule(context.Background(), contracts.DefaultContextType(), "partial",
		signers("GA"),
		[]PolicyInstall{{Ref: "simple-threshold"}, {Ref: "broken"}}, nil)
	require.Error(t, err)

	// The successful first install was rolled back and the rule was
	// not persisted.
	assert.Equal(t, []string{"simple-threshold"}, lc.installs)
	assert.Equal(t, []string{"simple-threshold"}, lc.uninstalls)
	matched, err := store.RulesFor(context.Background(), contracts.DefaultContextType())
	require.NoError(t, err)
	assert.Empty(t, matched)
}

func TestGetRuleReturnsCopy(t *testing.T) {
	store, _ := newTestStore(contracts.FixedClock(1))
	ctx := context.Background()

	created, err := store.AddRule(ctx, contracts.DefaultContextType(), "orig", signers("GA"), nil, nil)
	require.NoError(t, err)

	got, err := store.GetRule(ctx, created.ID)
	require.NoError(t, err)
	got.Name = "mutated"
	got.Signers[0] = contracts.NativeSigner("GZ")

	again, err := store.GetRule(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "orig", again.Name)
	assert.Equal(t, "native:GA", again.Signers[0].Key())

	_, err = store.GetRule(ctx, 999)
	assert.ErrorIs(t, err, ErrRuleNotFound)
}

func TestModifyRulePreservesIdentity(t *testing.T) {
	store, _ := newTestStore(contracts.FixedClock(1))
	ctx := context.Background()
	ct := contracts.CallContractType("CTOKEN")

	created, err := store.AddRule(ctx, ct, "before", signers("GA"), nil, nil)
	require.NoError(t, err)

	until := uint32(500)
	modified, err := store.ModifyRule(ctx, created.ID, "after", signers("GB", "GC"), []string{"simple-threshold"}, &until)
	require.NoError(t, err)

	assert.Equal(t, created.ID, modified.ID)
	assert.Equal(t, ct, modified.ContextType)
	assert.Equal(t, "after", modified.Name)
	require.Len(t, modified.Signers, 2)
	assert.Equal(t, []string{"simple-threshold"}, modified.Policies)
	assert.Equal(t, uint32(500), *modified.ValidUntil)

	_, err = store.ModifyRule(ctx, 999, "ghost", signers("GA"), nil, nil)
	assert.ErrorIs(t, err, ErrRuleNotFound)
}

func TestRemoveRuleUninstallsPolicies(t *testing.T) {
	store, lc := newTestStore(contracts.FixedClock(1))
	ctx := context.Background()

	created, err := store.AddRule(ctx, contracts.DefaultContextType(), "with policy", signers("GA"),
		[]PolicyInstall{{Ref: "simple-threshold"}}, nil)
	require.NoError(t, err)

	require.NoError(t, store.RemoveRule(ctx, created.ID))
	assert.Equal(t, []string{"simple-threshold"}, lc.uninstalls)

	_, err = store.GetRule(ctx, created.ID)
	assert.ErrorIs(t, err, ErrRuleNotFound)
	assert.ErrorIs(t, store.RemoveRule(ctx, created.ID), ErrRuleNotFound)
}

func TestRulesForNewestFirst(t *testing.T) {
	store, _ := newTestStore(contracts.FixedClock(1))
	ctx := context.Background()
	ct := contracts.CallContractType("CTOKEN")

	for _, name := range []string{"oldest", "middle", "newest"} {
		_, err := store.AddRule(ctx, ct, name, signers("GA"), nil, nil)
		require.NoError(t, err)
	}
	_, err := store.AddRule(ctx, contracts.CallContractType("COTHER"), "other bucket", signers("GA"), nil, nil)
	require.NoError(t, err)

	matched, err := store.RulesFor(ctx, ct)
	require.NoError(t, err)
	require.Len(t, matched, 3)
	assert.Equal(t, "newest", matched[0].Name)
	assert.Equal(t, "middle", matched[1].Name)
	assert.Equal(t, "oldest", matched[2].Name)
}

func TestRulesForSkipsRemovedRules(t *testing.T) {
	store, _ := newTestStore(contracts.FixedClock(1))
	ctx := context.Background()
	ct := contracts.DefaultContextType()

	r1, err := store.AddRule(ctx, ct, "keep", signers("GA"), nil, nil)
	require.NoError(t, err)
	r2, err := store.AddRule(ctx, ct, "drop", signers("GB"), nil, nil)
	require.NoError(t, err)

	require.NoError(t, store.RemoveRule(ctx, r2.ID))

	matched, err := store.RulesFor(ctx, ct)
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, r1.ID, matched[0].ID)
}

func TestAddRemoveSigner(t *testing.T) {
	store, _ := newTestStore(contracts.FixedClock(1))
	ctx := context.Background()

	created, err := store.AddRule(ctx, contracts.DefaultContextType(), "signers", signers("GA"), nil, nil)
	require.NoError(t, err)

	gb := contracts.NativeSigner("GB")
	require.NoError(t, store.AddSigner(ctx, created.ID, gb))
	assert.ErrorIs(t, store.AddSigner(ctx, created.ID, gb), ErrDuplicateSigner)

	require.NoError(t, store.RemoveSigner(ctx, created.ID, gb))
	assert.ErrorIs(t, store.RemoveSigner(ctx, created.ID, gb), ErrSignerNotFound)
}

func TestAddSignerRespectsCap(t *testing.T) {
	store, _ := newTestStore(contracts.FixedClock(1))
	ctx := context.Background()

	full := make(contracts.SignerSet, 0, contracts.MaxSigners)
	for i := 0; i < contracts.MaxSigners; i++ {
		full = append(full, contracts.NativeSigner(fmt.Sprintf("G%02d", i)))
	}
	created, err := store.AddRule(ctx, contracts.DefaultContextType(), "full", full, nil, nil)
	require.NoError(t, err)

	err = store.AddSigner(ctx, created.ID, contracts.NativeSigner("GOVERFLOW"))
	assert.ErrorIs(t, err, ErrTooManySigners)
}

func TestRemoveLastSignerRejectedWithoutPolicies(t *testing.T) {
	store, _ := newTestStore(contracts.FixedClock(1))
	ctx := context.Background()

	created, err := store.AddRule(ctx, contracts.DefaultContextType(), "lone", signers("GA"), nil, nil)
	require.NoError(t, err)

	err = store.RemoveSigner(ctx, created.ID, contracts.NativeSigner("GA"))
	assert.ErrorIs(t, err, ErrEmptySignersAndPolicies)

	// With a policy attached the last signer may go.
	require.NoError(t, store.AddPolicy(ctx, created.ID, PolicyInstall{Ref: "simple-threshold"}))
	assert.NoError(t, store.RemoveSigner(ctx, created.ID, contracts.NativeSigner("GA")))
}

func TestAddRemovePolicy(t *testing.T) {
	store, lc := newTestStore(contracts.FixedClock(1))
	ctx := context.Background()

	created, err := store.AddRule(ctx, contracts.DefaultContextType(), "policies", signers("GA"), nil, nil)
	require.NoError(t, err)

	install := PolicyInstall{Ref: "simple-threshold", Params: map[string]any{"threshold": 1}}
	require.NoError(t, store.AddPolicy(ctx, created.ID, install))
	assert.Equal(t, []string{"simple-threshold"}, lc.installs)
	assert.ErrorIs(t, store.AddPolicy(ctx, created.ID, install), ErrDuplicatePolicy)

	assert.ErrorIs(t, store.AddPolicy(ctx, created.ID, PolicyInstall{Ref: "bogus"}), ErrUnknownPolicy)

	require.NoError(t, store.RemovePolicy(ctx, created.ID, "simple-threshold"))
	assert.Equal(t, []string{"simple-threshold"}, lc.uninstalls)
	assert.ErrorIs(t, store.RemovePolicy(ctx, created.ID, "simple-threshold"), ErrPolicyNotFound)
}

func TestRemoveLastPolicyRejectedWithoutSigners(t *testing.T) {
	store, _ := newTestStore(contracts.FixedClock(1))
	ctx := context.Background()

	created, err := store.AddRule(ctx, contracts.DefaultContextType(), "policy only", nil,
		[]PolicyInstall{{Ref: "simple-threshold"}}, nil)
	require.NoError(t, err)

	err = store.RemovePolicy(ctx, created.ID, "simple-threshold")
	assert.ErrorIs(t, err, ErrEmptySignersAndPolicies)
}
