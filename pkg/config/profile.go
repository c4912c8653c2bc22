package config

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/quorumgate/quorumgate/pkg/contracts"
	"github.com/quorumgate/quorumgate/pkg/rules"
)

// Profile is a declarative bootstrap of one account's context rules,
// loaded at startup and applied through the normal rule store so every
// entry passes the same validation and admission path as a live
// mutation.
type Profile struct {
	Account string        `yaml:"account" json:"account"`
	Rules   []ProfileRule `yaml:"rules" json:"rules"`
}

// ProfileRule describes one context rule to create.
type ProfileRule struct {
	Name       string          `yaml:"name" json:"name"`
	Context    ProfileContext  `yaml:"context" json:"context"`
	Signers    []ProfileSigner `yaml:"signers,omitempty" json:"signers,omitempty"`
	Policies   []ProfilePolicy `yaml:"policies,omitempty" json:"policies,omitempty"`
	ValidUntil *uint32         `yaml:"valid_until,omitempty" json:"valid_until,omitempty"`
}

// ProfileContext selects the context type the rule governs.
type ProfileContext struct {
	Kind     string `yaml:"kind" json:"kind"`
	Target   string `yaml:"target,omitempty" json:"target,omitempty"`
	CodeHash string `yaml:"code_hash,omitempty" json:"code_hash,omitempty"`
}

// ProfileSigner describes one signer entry.
type ProfileSigner struct {
	Kind      string `yaml:"kind" json:"kind"`
	Account   string `yaml:"account,omitempty" json:"account,omitempty"`
	Verifier  string `yaml:"verifier,omitempty" json:"verifier,omitempty"`
	PublicKey string `yaml:"public_key,omitempty" json:"public_key,omitempty"` // hex
}

// ProfilePolicy names a policy and its installation parameters.
type ProfilePolicy struct {
	Ref    string         `yaml:"ref" json:"ref"`
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

// profileSchema is the JSON Schema every profile must satisfy before
// it is decoded into the typed form.
const profileSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["account", "rules"],
  "properties": {
    "account": {"type": "string", "minLength": 1},
    "rules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["context"],
        "properties": {
          "name": {"type": "string"},
          "context": {
            "type": "object",
            "required": ["kind"],
            "properties": {
              "kind": {"enum": ["default", "call_contract", "create_contract"]},
              "target": {"type": "string"},
              "code_hash": {"type": "string", "pattern": "^[0-9a-fA-F]*$"}
            }
          },
          "signers": {
            "type": "array",
            "maxItems": 15,
            "items": {
              "type": "object",
              "required": ["kind"],
              "properties": {
                "kind": {"enum": ["native", "delegated"]},
                "account": {"type": "string"},
                "verifier": {"type": "string"},
                "public_key": {"type": "string", "pattern": "^[0-9a-fA-F]*$"}
              }
            }
          },
          "policies": {
            "type": "array",
            "maxItems": 5,
            "items": {
              "type": "object",
              "required": ["ref"],
              "properties": {
                "ref": {"type": "string", "minLength": 1},
                "params": {"type": "object"}
              }
            }
          },
          "valid_until": {"type": "integer", "minimum": 0}
        }
      }
    }
  }
}`

var compiledProfileSchema = mustCompileProfileSchema()

func mustCompileProfileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://quorumgate.schemas.local/profile.schema.json"
	if err := c.AddResource(url, strings.NewReader(profileSchema)); err != nil {
		panic(fmt.Sprintf("profile schema load failed: %v", err))
	}
	compiled, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("profile schema compile failed: %v", err))
	}
	return compiled
}

// LoadProfile reads, schema-validates, and decodes a profile file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", path, err)
	}
	return ParseProfile(data)
}

// ParseProfile validates raw YAML against the profile schema and
// decodes it.
func ParseProfile(data []byte) (*Profile, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	if err := compiledProfileSchema.Validate(raw); err != nil {
		return nil, fmt.Errorf("profile schema validation failed: %w", err)
	}

	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return &profile, nil
}

// Apply creates every rule the profile declares through the store,
// in declaration order so later entries take match precedence over
// earlier ones within the same context type.
func (p *Profile) Apply(ctx context.Context, store rules.Store) error {
	if p.Account != store.Account() {
		return fmt.Errorf("profile account %q does not match store account %q", p.Account, store.Account())
	}
	for i, pr := range p.Rules {
		ct, err := pr.Context.contextType()
		if err != nil {
			return fmt.Errorf("profile rule %d: %w", i, err)
		}
		signers, err := decodeSigners(pr.Signers)
		if err != nil {
			return fmt.Errorf("profile rule %d: %w", i, err)
		}
		installs := make([]rules.PolicyInstall, 0, len(pr.Policies))
		for _, pp := range pr.Policies {
			installs = append(installs, rules.PolicyInstall{Ref: pp.Ref, Params: pp.Params})
		}
		if _, err := store.AddRule(ctx, ct, pr.Name, signers, installs, pr.ValidUntil); err != nil {
			return fmt.Errorf("profile rule %d (%s): %w", i, pr.Name, err)
		}
	}
	return nil
}

func (pc ProfileContext) contextType() (contracts.ContextType, error) {
	kind := contracts.ContextKind(pc.Kind)
	switch kind {
	case contracts.ContextDefault:
		return contracts.DefaultContextType(), nil
	case contracts.ContextCallContract:
		if pc.Target == "" {
			return contracts.ContextType{}, fmt.Errorf("call_contract context requires a target")
		}
		return contracts.ContextType{Kind: kind, Target: pc.Target}, nil
	case contracts.ContextCreateContract:
		hash, err := hex.DecodeString(pc.CodeHash)
		if err != nil {
			return contracts.ContextType{}, fmt.Errorf("decode code_hash: %w", err)
		}
		if len(hash) == 0 {
			return contracts.ContextType{}, fmt.Errorf("create_contract context requires a code_hash")
		}
		return contracts.ContextType{Kind: kind, CodeHash: hash}, nil
	default:
		return contracts.ContextType{}, fmt.Errorf("unknown context kind %q", pc.Kind)
	}
}

func decodeSigners(entries []ProfileSigner) (contracts.SignerSet, error) {
	signers := make(contracts.SignerSet, 0, len(entries))
	for _, e := range entries {
		switch e.Kind {
		case "native":
			if e.Account == "" {
				return nil, fmt.Errorf("native signer requires an account")
			}
			signers = append(signers, contracts.NativeSigner(e.Account))
		case "delegated":
			pub, err := hex.DecodeString(e.PublicKey)
			if err != nil {
				return nil, fmt.Errorf("decode signer public key: %w", err)
			}
			if e.Verifier == "" || len(pub) == 0 {
				return nil, fmt.Errorf("delegated signer requires verifier and public_key")
			}
			signers = append(signers, contracts.DelegatedSigner(e.Verifier, pub))
		default:
			return nil, fmt.Errorf("unknown signer kind %q", e.Kind)
		}
	}
	return signers, nil
}
