package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/quorumgate/quorumgate/pkg/contracts"

	_ "modernc.org/sqlite"
)

// Dialect selects placeholder and locking syntax for SQLStore.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const sqlSchema = `
CREATE TABLE IF NOT EXISTS context_rules (
	id INTEGER NOT NULL,
	account TEXT NOT NULL,
	context_key TEXT NOT NULL,
	context_type TEXT NOT NULL,
	name TEXT NOT NULL,
	signers TEXT NOT NULL,
	policies TEXT NOT NULL,
	valid_until BIGINT,
	PRIMARY KEY (account, id)
);
CREATE INDEX IF NOT EXISTS context_rules_by_key ON context_rules (account, context_key, id);
CREATE TABLE IF NOT EXISTS rule_sequence (
	account TEXT PRIMARY KEY,
	next_id INTEGER NOT NULL
);
`

// SQLStore is a durable Store over database/sql. It supports SQLite
// (modernc.org/sqlite) and Postgres (lib/pq); the row itself is the
// per-context index, so most-recently-added-first enumeration is
// ORDER BY id DESC and dangling index entries cannot occur.
type SQLStore struct {
	db        *sql.DB
	dialect   Dialect
	account   string
	auth      contracts.Authorizer
	clock     contracts.LedgerClock
	lifecycle PolicyLifecycle
}

// NewSQLiteStore creates a SQLite-backed store and its schema.
func NewSQLiteStore(db *sql.DB, account string, auth contracts.Authorizer, clock contracts.LedgerClock, lifecycle PolicyLifecycle) (*SQLStore, error) {
	return newSQLStore(db, DialectSQLite, account, auth, clock, lifecycle)
}

// NewPostgresStore creates a Postgres-backed store and its schema.
func NewPostgresStore(db *sql.DB, account string, auth contracts.Authorizer, clock contracts.LedgerClock, lifecycle PolicyLifecycle) (*SQLStore, error) {
	return newSQLStore(db, DialectPostgres, account, auth, clock, lifecycle)
}

func newSQLStore(db *sql.DB, dialect Dialect, account string, auth contracts.Authorizer, clock contracts.LedgerClock, lifecycle PolicyLifecycle) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect, account: account, auth: auth, clock: clock, lifecycle: lifecycle}
	if _, err := db.ExecContext(context.Background(), s.rebind(sqlSchema)); err != nil {
		return nil, fmt.Errorf("rules schema migration: %w", err)
	}
	return s, nil
}

// rebind rewrites "?" placeholders to "$n" for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Account implements Store.
func (s *SQLStore) Account() string { return s.account }

// AddRule implements Store.
func (s *SQLStore) AddRule(ctx context.Context, ct contracts.ContextType, name string, signers contracts.SignerSet, policies []PolicyInstall, validUntil *uint32) (*contracts.ContextRule, error) {
	refs := make([]string, len(policies))
	for i, p := range policies {
		refs[i] = p.Ref
	}
	if err := validateRuleShape(signers, refs); err != nil {
		return nil, err
	}
	if err := validateValidUntil(validUntil, s.clock); err != nil {
		return nil, err
	}
	for _, ref := range refs {
		if !s.lifecycle.Known(ref) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPolicy, ref)
		}
	}
	if err := s.auth.RequireAuth(ctx, s.account, opPayload(s.account, "add_rule", name)); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	id, err := s.nextID(ctx, tx)
	if err != nil {
		return nil, err
	}

	rule := &contracts.ContextRule{
		ID:          id,
		ContextType: ct,
		Name:        name,
		Signers:     append(contracts.SignerSet(nil), signers...),
		Policies:    refs,
		ValidUntil:  copyValidUntil(validUntil),
	}
	if err := s.insertRule(ctx, tx, rule); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit rule: %w", err)
	}

	for i, p := range policies {
		if err := s.lifecycle.Install(ctx, p.Ref, p.Params, rule, s.account); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = s.lifecycle.Uninstall(ctx, policies[j].Ref, rule, s.account)
			}
			_, _ = s.db.ExecContext(ctx, s.rebind(`DELETE FROM context_rules WHERE account = ? AND id = ?`), s.account, int64(rule.ID))
			return nil, fmt.Errorf("install policy %q: %w", p.Ref, err)
		}
	}
	return rule.Clone(), nil
}

// GetRule implements Store.
func (s *SQLStore) GetRule(ctx context.Context, id uint32) (*contracts.ContextRule, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, context_type, name, signers, policies, valid_until
		FROM context_rules WHERE account = ? AND id = ?`), s.account, int64(id))
	rule, err := scanRule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: id %d", ErrRuleNotFound, id)
		}
		return nil, err
	}
	return rule, nil
}

// ModifyRule implements Store.
func (s *SQLStore) ModifyRule(ctx context.Context, id uint32, name string, signers contracts.SignerSet, policies []string, validUntil *uint32) (*contracts.ContextRule, error) {
	if err := validateRuleShape(signers, policies); err != nil {
		return nil, err
	}
	if err := validateValidUntil(validUntil, s.clock); err != nil {
		return nil, err
	}
	for _, ref := range policies {
		if !s.lifecycle.Known(ref) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPolicy, ref)
		}
	}
	if err := s.auth.RequireAuth(ctx, s.account, opPayload(s.account, "modify_rule", id)); err != nil {
		return nil, err
	}

	rule, err := s.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	rule.Name = name
	rule.Signers = append(contracts.SignerSet(nil), signers...)
	rule.Policies = append([]string(nil), policies...)
	rule.ValidUntil = copyValidUntil(validUntil)
	if err := s.updateRule(ctx, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// RemoveRule implements Store.
func (s *SQLStore) RemoveRule(ctx context.Context, id uint32) error {
	if err := s.auth.RequireAuth(ctx, s.account, opPayload(s.account, "remove_rule", id)); err != nil {
		return err
	}
	rule, err := s.GetRule(ctx, id)
	if err != nil {
		return err
	}
	for _, ref := range rule.Policies {
		_ = s.lifecycle.Uninstall(ctx, ref, rule, s.account)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`DELETE FROM context_rules WHERE account = ? AND id = ?`), s.account, int64(id))
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	return nil
}

// AddSigner implements Store.
func (s *SQLStore) AddSigner(ctx context.Context, id uint32, signer contracts.Signer) error {
	if err := s.auth.RequireAuth(ctx, s.account, opPayload(s.account, "add_signer", signer.Key())); err != nil {
		return err
	}
	rule, err := s.GetRule(ctx, id)
	if err != nil {
		return err
	}
	if rule.Signers.Contains(signer) {
		return fmt.Errorf("%w: %s", ErrDuplicateSigner, signer.Key())
	}
	if len(rule.Signers) >= contracts.MaxSigners {
		return ErrTooManySigners
	}
	rule.Signers = append(rule.Signers, signer)
	return s.updateRule(ctx, rule)
}

// RemoveSigner implements Store.
func (s *SQLStore) RemoveSigner(ctx context.Context, id uint32, signer contracts.Signer) error {
	if err := s.auth.RequireAuth(ctx, s.account, opPayload(s.account, "remove_signer", signer.Key())); err != nil {
		return err
	}
	rule, err := s.GetRule(ctx, id)
	if err != nil {
		return err
	}
	if !rule.Signers.Contains(signer) {
		return fmt.Errorf("%w: %s", ErrSignerNotFound, signer.Key())
	}
	if len(rule.Signers) == 1 && len(rule.Policies) == 0 {
		return ErrEmptySignersAndPolicies
	}
	key := signer.Key()
	for i, existing := range rule.Signers {
		if existing.Key() == key {
			rule.Signers = append(rule.Signers[:i], rule.Signers[i+1:]...)
			break
		}
	}
	return s.updateRule(ctx, rule)
}

// AddPolicy implements Store.
func (s *SQLStore) AddPolicy(ctx context.Context, id uint32, install PolicyInstall) error {
	if !s.lifecycle.Known(install.Ref) {
		return fmt.Errorf("%w: %s", ErrUnknownPolicy, install.Ref)
	}
	if err := s.auth.RequireAuth(ctx, s.account, opPayload(s.account, "add_policy", install.Ref)); err != nil {
		return err
	}
	rule, err := s.GetRule(ctx, id)
	if err != nil {
		return err
	}
	if rule.HasPolicy(install.Ref) {
		return fmt.Errorf("%w: %s", ErrDuplicatePolicy, install.Ref)
	}
	if len(rule.Policies) >= contracts.MaxPolicies {
		return ErrTooManyPolicies
	}
	if err := s.lifecycle.Install(ctx, install.Ref, install.Params, rule, s.account); err != nil {
		return fmt.Errorf("install policy %q: %w", install.Ref, err)
	}
	rule.Policies = append(rule.Policies, install.Ref)
	if err := s.updateRule(ctx, rule); err != nil {
		_ = s.lifecycle.Uninstall(ctx, install.Ref, rule, s.account)
		return err
	}
	return nil
}

// RemovePolicy implements Store.
func (s *SQLStore) RemovePolicy(ctx context.Context, id uint32, ref string) error {
	if err := s.auth.RequireAuth(ctx, s.account, opPayload(s.account, "remove_policy", ref)); err != nil {
		return err
	}
	rule, err := s.GetRule(ctx, id)
	if err != nil {
		return err
	}
	if !rule.HasPolicy(ref) {
		return fmt.Errorf("%w: %s", ErrPolicyNotFound, ref)
	}
	if len(rule.Policies) == 1 && len(rule.Signers) == 0 {
		return ErrEmptySignersAndPolicies
	}
	if err := s.lifecycle.Uninstall(ctx, ref, rule, s.account); err != nil {
		return fmt.Errorf("uninstall policy %q: %w", ref, err)
	}
	for i, existing := range rule.Policies {
		if existing == ref {
			rule.Policies = append(rule.Policies[:i], rule.Policies[i+1:]...)
			break
		}
	}
	return s.updateRule(ctx, rule)
}

// RulesFor implements Store.
func (s *SQLStore) RulesFor(ctx context.Context, ct contracts.ContextType) ([]*contracts.ContextRule, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, context_type, name, signers, policies, valid_until
		FROM context_rules WHERE account = ? AND context_key = ?
		ORDER BY id DESC`), s.account, ct.Key())
	if err != nil {
		return nil, fmt.Errorf("enumerate rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.ContextRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// nextID reads and advances the per-account id counter inside tx,
// exactly once per AddRule call.
func (s *SQLStore) nextID(ctx context.Context, tx *sql.Tx) (uint32, error) {
	if _, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO rule_sequence (account, next_id) VALUES (?, 1)
		ON CONFLICT (account) DO NOTHING`), s.account); err != nil {
		return 0, fmt.Errorf("seed rule sequence: %w", err)
	}
	query := `SELECT next_id FROM rule_sequence WHERE account = ?`
	if s.dialect == DialectPostgres {
		query += ` FOR UPDATE`
	}
	var id int64
	if err := tx.QueryRowContext(ctx, s.rebind(query), s.account).Scan(&id); err != nil {
		return 0, fmt.Errorf("read rule sequence: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE rule_sequence SET next_id = next_id + 1 WHERE account = ?`), s.account); err != nil {
		return 0, fmt.Errorf("advance rule sequence: %w", err)
	}
	return uint32(id), nil
}

func (s *SQLStore) insertRule(ctx context.Context, tx *sql.Tx, rule *contracts.ContextRule) error {
	ctJSON, signersJSON, policiesJSON, validUntil, err := encodeRule(rule)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO context_rules (id, account, context_key, context_type, name, signers, policies, valid_until)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		int64(rule.ID), s.account, rule.ContextType.Key(), ctJSON, rule.Name, signersJSON, policiesJSON, validUntil,
	)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	return nil
}

func (s *SQLStore) updateRule(ctx context.Context, rule *contracts.ContextRule) error {
	_, signersJSON, policiesJSON, validUntil, err := encodeRule(rule)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		UPDATE context_rules SET name = ?, signers = ?, policies = ?, valid_until = ?
		WHERE account = ? AND id = ?`),
		rule.Name, signersJSON, policiesJSON, validUntil, s.account, int64(rule.ID),
	)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	return nil
}

func encodeRule(rule *contracts.ContextRule) (ctJSON, signersJSON, policiesJSON string, validUntil sql.NullInt64, err error) {
	ct, err := json.Marshal(rule.ContextType)
	if err != nil {
		return "", "", "", validUntil, fmt.Errorf("encode context type: %w", err)
	}
	signers, err := json.Marshal(rule.Signers)
	if err != nil {
		return "", "", "", validUntil, fmt.Errorf("encode signers: %w", err)
	}
	policies, err := json.Marshal(rule.Policies)
	if err != nil {
		return "", "", "", validUntil, fmt.Errorf("encode policies: %w", err)
	}
	if rule.ValidUntil != nil {
		validUntil = sql.NullInt64{Int64: int64(*rule.ValidUntil), Valid: true}
	}
	return string(ct), string(signers), string(policies), validUntil, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*contracts.ContextRule, error) {
	var id int64
	var ctJSON, name, signers, policies string
	var validUntil sql.NullInt64
	if err := row.Scan(&id, &ctJSON, &name, &signers, &policies, &validUntil); err != nil {
		return nil, err
	}
	rule := &contracts.ContextRule{ID: uint32(id), Name: name}
	if err := json.Unmarshal([]byte(ctJSON), &rule.ContextType); err != nil {
		return nil, fmt.Errorf("decode context type: %w", err)
	}
	if err := json.Unmarshal([]byte(signers), &rule.Signers); err != nil {
		return nil, fmt.Errorf("decode signers: %w", err)
	}
	if err := json.Unmarshal([]byte(policies), &rule.Policies); err != nil {
		return nil, fmt.Errorf("decode policies: %w", err)
	}
	if validUntil.Valid {
		v := uint32(validUntil.Int64)
		rule.ValidUntil = &v
	}
	return rule, nil
}
