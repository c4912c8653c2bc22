// Package audit keeps a tamper-evident record of committed
// authorization decisions. Entries form a hash chain: each entry binds
// the hash of its predecessor, so truncation or rewrite of history is
// detectable with VerifyChain.
package audit

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/quorumgate/quorumgate/pkg/canonical"
)

// Entry is one enforcement record.
type Entry struct {
	ID       string `json:"id"`
	Sequence uint32 `json:"sequence"` // ledger sequence at decision time
	Account  string `json:"account"`
	RuleID   uint32 `json:"rule_id"`
	RuleName string `json:"rule_name"`
	Verdict  string `json:"verdict"`

	// Matched holds the canonical keys of the signers the decision
	// was satisfied with.
	Matched []string `json:"matched,omitempty"`

	// DecisionHash binds the entry to the full canonical decision.
	DecisionHash string `json:"decision_hash,omitempty"`

	// PreviousHash links this entry to the preceding one.
	PreviousHash string `json:"previous_hash"`

	// Hash is the canonical digest of this entry, PreviousHash
	// included, Hash itself excluded.
	Hash string `json:"hash"`
}

// Log is an append-only, hash-chained sequence of entries.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewLog creates an empty log.
func NewLog() *Log {
	return &Log{entries: make([]Entry, 0)}
}

// Append adds an entry, linking it to the previous one and assigning
// its id and hash.
func (l *Log) Append(e Entry) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) > 0 {
		e.PreviousHash = l.entries[len(l.entries)-1].Hash
	} else {
		e.PreviousHash = ""
	}
	e.ID = uuid.NewString()

	hash, err := entryHash(&e)
	if err != nil {
		return nil, err
	}
	e.Hash = hash

	l.entries = append(l.entries, e)
	return &e, nil
}

// Entries returns a copy of the log.
func (l *Log) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// VerifyChain checks the integrity of the whole log: every entry's
// hash matches its content and every link matches the predecessor.
func (l *Log) VerifyChain() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	prevHash := ""
	for i := range l.entries {
		e := l.entries[i]
		if e.PreviousHash != prevHash {
			return fmt.Errorf("audit chain broken at entry %d: previous hash mismatch", i)
		}
		recomputed, err := entryHash(&e)
		if err != nil {
			return err
		}
		if recomputed != e.Hash {
			return fmt.Errorf("audit chain broken at entry %d: content hash mismatch", i)
		}
		prevHash = e.Hash
	}
	return nil
}

func entryHash(e *Entry) (string, error) {
	// The hash field itself is excluded from the canonical form.
	stripped := *e
	stripped.Hash = ""
	hash, err := canonical.Hash(stripped)
	if err != nil {
		return "", fmt.Errorf("audit entry hash: %w", err)
	}
	return hash, nil
}
