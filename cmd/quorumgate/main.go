// Command quorumgate evaluates authorization requests against an
// account profile from the command line.
package main

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/quorumgate/quorumgate/pkg/audit"
	"github.com/quorumgate/quorumgate/pkg/config"
	"github.com/quorumgate/quorumgate/pkg/contracts"
	"github.com/quorumgate/quorumgate/pkg/engine"
	"github.com/quorumgate/quorumgate/pkg/observability"
	"github.com/quorumgate/quorumgate/pkg/policy"
	"github.com/quorumgate/quorumgate/pkg/rules"
	"github.com/quorumgate/quorumgate/pkg/verifier"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return 2
	}
	switch args[1] {
	case "authorize":
		return runEvaluate(args[2:], stdout, stderr, false)
	case "enforce":
		return runEvaluate(args[2:], stdout, stderr, true)
	case "rules":
		return runRules(args[2:], stdout, stderr)
	default:
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: quorumgate <authorize|enforce|rules> [flags]")
}

// operatorAuthorizer treats the accounts the operator asserted on the
// command line as authenticated. Native authentication belongs to the
// host environment; the CLI substitutes an explicit assertion.
type operatorAuthorizer struct {
	accounts map[string]struct{}
}

func (a operatorAuthorizer) RequireAuth(_ context.Context, account string, _ []byte) error {
	if _, ok := a.accounts[account]; !ok {
		return fmt.Errorf("account %s not asserted", account)
	}
	return nil
}

type evalFlags struct {
	profile  string
	context  string
	sequence uint
	as       string
	proofs   string
}

func runEvaluate(args []string, stdout, stderr io.Writer, enforce bool) int {
	name := "authorize"
	if enforce {
		name = "enforce"
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	var ef evalFlags
	fs.StringVar(&ef.profile, "profile", "", "account profile YAML")
	fs.StringVar(&ef.context, "context", "", "action context JSON")
	fs.UintVar(&ef.sequence, "sequence", 0, "current ledger sequence")
	fs.StringVar(&ef.as, "as", "", "comma-separated native accounts asserted as authenticated")
	fs.StringVar(&ef.proofs, "proofs", "", "delegated proofs JSON file")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if ef.profile == "" || ef.context == "" {
		fmt.Fprintln(stderr, name+": -profile and -context are required")
		return 2
	}

	ctx := context.Background()
	eng, err := setupEngine(ctx, ef)
	if err != nil {
		fmt.Fprintln(stderr, name+":", err)
		return 1
	}

	var actionCtx contracts.Context
	if err := json.Unmarshal([]byte(ef.context), &actionCtx); err != nil {
		fmt.Fprintln(stderr, name+": parse context:", err)
		return 2
	}
	proofs, err := collectProofs(ef)
	if err != nil {
		fmt.Fprintln(stderr, name+":", err)
		return 2
	}

	var decision *contracts.Decision
	if enforce {
		decision, err = eng.EnforceProofs(ctx, actionCtx, proofs)
	} else {
		decision, err = eng.AuthorizeProofs(ctx, actionCtx, proofs)
	}
	if err != nil {
		fmt.Fprintln(stderr, name+": DENY:", err)
		return 1
	}
	out, err := json.MarshalIndent(decision, "", "  ")
	if err != nil {
		fmt.Fprintln(stderr, name+":", err)
		return 1
	}
	fmt.Fprintln(stdout, string(out))
	return 0
}

func runRules(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("rules", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var ef evalFlags
	fs.StringVar(&ef.profile, "profile", "", "account profile YAML")
	fs.StringVar(&ef.context, "context", "", "action context JSON (omit for default rules)")
	fs.UintVar(&ef.sequence, "sequence", 0, "current ledger sequence")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if ef.profile == "" {
		fmt.Fprintln(stderr, "rules: -profile is required")
		return 2
	}

	ctx := context.Background()
	store, _, err := setupStore(ctx, ef)
	if err != nil {
		fmt.Fprintln(stderr, "rules:", err)
		return 1
	}

	ct := contracts.DefaultContextType()
	if ef.context != "" {
		var actionCtx contracts.Context
		if err := json.Unmarshal([]byte(ef.context), &actionCtx); err != nil {
			fmt.Fprintln(stderr, "rules: parse context:", err)
			return 2
		}
		ct = actionCtx.RuleType()
	}
	matched, err := store.RulesFor(ctx, ct)
	if err != nil {
		fmt.Fprintln(stderr, "rules:", err)
		return 1
	}
	out, err := json.MarshalIndent(matched, "", "  ")
	if err != nil {
		fmt.Fprintln(stderr, "rules:", err)
		return 1
	}
	fmt.Fprintln(stdout, string(out))
	return 0
}

// setupStore loads the profile and replays it into a freshly built
// store backed by the configured storage.
func setupStore(ctx context.Context, ef evalFlags) (rules.Store, *policy.Registry, error) {
	cfg := config.Load()
	configureLogging(cfg.LogLevel)

	profile, err := config.LoadProfile(ef.profile)
	if err != nil {
		return nil, nil, err
	}

	registry := policy.NewRegistry()
	registry.Register(policy.NewSimpleThreshold(bootstrapAuthorizer{}))
	registry.Register(policy.NewWeightedThreshold(bootstrapAuthorizer{}))
	expr, err := policy.NewExpression(bootstrapAuthorizer{})
	if err != nil {
		return nil, nil, fmt.Errorf("expression policy: %w", err)
	}
	registry.Register(expr)

	auth := assertedAuthorizer(ef.as, profile.Account)
	clock := contracts.FixedClock(ef.sequence)

	var store rules.Store
	switch cfg.Storage {
	case "memory":
		store = rules.NewMemoryStore(profile.Account, auth, clock, registry)
	case "sqlite":
		db, err := sql.Open("sqlite", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		store, err = rules.NewSQLiteStore(db, profile.Account, auth, clock, registry)
		if err != nil {
			return nil, nil, err
		}
	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		store, err = rules.NewPostgresStore(db, profile.Account, auth, clock, registry)
		if err != nil {
			return nil, nil, err
		}
	default:
		return nil, nil, fmt.Errorf("unknown storage %q", cfg.Storage)
	}

	if err := profile.Apply(ctx, store); err != nil {
		return nil, nil, err
	}
	return store, registry, nil
}

func setupEngine(ctx context.Context, ef evalFlags) (*engine.Engine, error) {
	store, registry, err := setupStore(ctx, ef)
	if err != nil {
		return nil, err
	}
	auth := assertedAuthorizer(ef.as, store.Account())
	eng := engine.New(store, registry, contracts.FixedClock(ef.sequence), auth)
	eng.RegisterVerifier(verifier.Ed25519Name, verifier.NewEd25519())
	eng.SetAuditLog(audit.NewLog())
	if config.Load().OTELEnabled {
		obs, err := observability.New(ctx, observability.DefaultConfig())
		if err != nil {
			return nil, fmt.Errorf("observability: %w", err)
		}
		eng.SetObservability(obs)
	}
	return eng, nil
}

// bootstrapAuthorizer admits the profile replay itself: loading a
// profile is the operator's action, so policy installation during
// replay is always admitted.
type bootstrapAuthorizer struct{}

func (bootstrapAuthorizer) RequireAuth(context.Context, string, []byte) error { return nil }

func assertedAuthorizer(as, account string) operatorAuthorizer {
	accounts := map[string]struct{}{account: {}}
	for _, a := range strings.Split(as, ",") {
		if a = strings.TrimSpace(a); a != "" {
			accounts[a] = struct{}{}
		}
	}
	return operatorAuthorizer{accounts: accounts}
}

// delegatedProof is one entry of the -proofs file.
type delegatedProof struct {
	Verifier  string `json:"verifier"`
	PublicKey string `json:"public_key"` // hex
	Signature string `json:"signature"`  // hex
}

func collectProofs(ef evalFlags) ([]contracts.Proof, error) {
	var proofs []contracts.Proof
	for _, a := range strings.Split(ef.as, ",") {
		if a = strings.TrimSpace(a); a != "" {
			proofs = append(proofs, contracts.Proof{Signer: contracts.NativeSigner(a)})
		}
	}
	if ef.proofs == "" {
		return proofs, nil
	}
	data, err := os.ReadFile(ef.proofs)
	if err != nil {
		return nil, fmt.Errorf("read proofs: %w", err)
	}
	var entries []delegatedProof
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse proofs: %w", err)
	}
	for i, e := range entries {
		pub, err := hex.DecodeString(e.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("proof %d: decode public key: %w", i, err)
		}
		sig, err := hex.DecodeString(e.Signature)
		if err != nil {
			return nil, fmt.Errorf("proof %d: decode signature: %w", i, err)
		}
		proofs = append(proofs, contracts.Proof{
			Signer:    contracts.DelegatedSigner(e.Verifier, pub),
			Signature: sig,
		})
	}
	return proofs, nil
}

func configureLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
