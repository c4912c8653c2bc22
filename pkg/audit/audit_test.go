package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appendEntry(t *testing.T, l *Log, account string, ruleID uint32) *Entry {
	t.Helper()
	e, err := l.Append(Entry{
		Sequence: 10,
		Account:  account,
		RuleID:   ruleID,
		RuleName: "quorum",
		Verdict:  "ALLOW",
		Matched:  []string{"native:GA"},
	})
	require.NoError(t, err)
	return e
}

func TestAppendLinksEntries(t *testing.T) {
	l := NewLog()

	first := appendEntry(t, l, "GACC", 1)
	second := appendEntry(t, l, "GACC", 2)

	assert.Empty(t, first.PreviousHash)
	assert.Equal(t, first.Hash, second.PreviousHash)
	assert.NotEmpty(t, first.ID)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 2, l.Len())
}

func TestVerifyChain(t *testing.T) {
	l := NewLog()
	require.NoError(t, l.VerifyChain())

	for i := uint32(1); i <= 5; i++ {
		appendEntry(t, l, "GACC", i)
	}
	assert.NoError(t, l.VerifyChain())
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	l := NewLog()
	appendEntry(t, l, "GACC", 1)
	appendEntry(t, l, "GACC", 2)

	l.entries[0].Account = "GEVIL"
	err := l.VerifyChain()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entry 0")
}

func TestVerifyChainDetectsRelinking(t *testing.T) {
	l := NewLog()
	appendEntry(t, l, "GACC", 1)
	appendEntry(t, l, "GACC", 2)
	appendEntry(t, l, "GACC", 3)

	// Splice out the middle entry.
	l.entries = append(l.entries[:1], l.entries[2:]...)
	assert.Error(t, l.VerifyChain())
}

func TestEntriesReturnsCopy(t *testing.T) {
	l := NewLog()
	appendEntry(t, l, "GACC", 1)

	entries := l.Entries()
	entries[0].Account = "GMUTATED"
	assert.Equal(t, "GACC", l.Entries()[0].Account)
}
