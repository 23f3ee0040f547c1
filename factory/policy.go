/*
Package factory provides JSON/YAML to Go billing policy conversion.

PURPOSE:
  Converts billing policy definitions into the pieces the engine is built
  from: the sibling winner policy, the sibling percent, the default family
  allocation mode and leftover handling, and the payment guards. This
  lets the office change billing rules without code changes.

WHY DEFINITIONS?
  - Non-developers can modify billing rules
  - Easy integration with admin UI
  - Version control for rule changes
  - Same document in JSON (API) or YAML (ops)

SCHEMA (JSON; YAML uses the same keys):
  {
    "id": "standard",
    "name": "Standard tuition",
    "sibling": {
      "policy": "incumbent",
      "fallback": "earliest_enrollment",
      "percent": "20"
    },
    "family_payment": {
      "mode": "oldest-first",
      "leftover_handling": "held"
    },
    "max_payment": 1000000000000,
    "max_retries": 5
  }

KEY FEATURES:
  - Validates every enum and range
  - Sets defaults for absent fields
  - Round-trips through ToJSON

USAGE:
  f := factory.NewPolicyFactory()
  policy, err := f.ParsePolicy(jsonString)     // or ParseYAML(yamlBytes)
  opts := policy.Options(clock, logger)
  svc := tuition.NewService(store, opts)

SEE ALSO:
  - tuition/sibling.go: Winner policies
  - generic/allocation.go: Allocation modes
*/
package factory

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/warp/billing-engine/generic"
	"github.com/warp/billing-engine/tuition"
)

// =============================================================================
// SCHEMA TYPES
// =============================================================================

// PolicyJSON is the serialized form of a billing policy.
type PolicyJSON struct {
	ID            string             `json:"id" yaml:"id"`
	Name          string             `json:"name,omitempty" yaml:"name,omitempty"`
	Sibling       *SiblingJSON       `json:"sibling,omitempty" yaml:"sibling,omitempty"`
	FamilyPayment *FamilyPaymentJSON `json:"family_payment,omitempty" yaml:"family_payment,omitempty"`
	MaxPayment    int64              `json:"max_payment,omitempty" yaml:"max_payment,omitempty"`
	MaxRetries    int                `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
}

// SiblingJSON configures the sibling discount. Percent accepts a number
// or a numeric string.
type SiblingJSON struct {
	Policy   string      `json:"policy" yaml:"policy"`
	Fallback string      `json:"fallback,omitempty" yaml:"fallback,omitempty"`
	Percent  json.Number `json:"percent,omitempty" yaml:"percent,omitempty"`
}

// FamilyPaymentJSON holds defaults for family payments that omit them.
type FamilyPaymentJSON struct {
	Mode             string `json:"mode,omitempty" yaml:"mode,omitempty"`
	LeftoverHandling string `json:"leftover_handling,omitempty" yaml:"leftover_handling,omitempty"`
}

// =============================================================================
// BILLING POLICY
// =============================================================================

// BillingPolicy is a parsed, validated policy.
type BillingPolicy struct {
	ID              string
	Name            string
	Winner          tuition.WinnerPolicy
	SiblingPercent  decimal.Decimal
	DefaultMode     generic.AllocationMode
	DefaultLeftover tuition.LeftoverHandling
	MaxPayment      generic.Money
	MaxRetries      int
}

// Options builds service options from the policy.
func (p *BillingPolicy) Options(clock generic.Clock, log *slog.Logger) tuition.Options {
	return tuition.Options{
		Clock:          clock,
		SiblingPolicy:  p.Winner,
		SiblingPercent: p.SiblingPercent,
		MaxPayment:     p.MaxPayment,
		MaxRetries:     p.MaxRetries,
		Logger:         log,
	}
}

// Default is the policy used when no definition is supplied.
func Default() *BillingPolicy {
	return &BillingPolicy{
		ID:              "default",
		Name:            "Default",
		Winner:          tuition.EarliestEnrollment{},
		SiblingPercent:  tuition.DefaultSiblingPercent,
		DefaultMode:     generic.ModeOldestFirst,
		DefaultLeftover: tuition.LeftoverHeld,
		MaxPayment:      tuition.DefaultMaxPayment,
		MaxRetries:      tuition.DefaultMaxRetries,
	}
}

// =============================================================================
// POLICY FACTORY
// =============================================================================

// PolicyFactory converts policy definitions to Go structs.
type PolicyFactory struct{}

// NewPolicyFactory creates a new policy factory.
func NewPolicyFactory() *PolicyFactory {
	return &PolicyFactory{}
}

// ParsePolicy parses a JSON string into a BillingPolicy.
func (f *PolicyFactory) ParsePolicy(jsonStr string) (*BillingPolicy, error) {
	var pj PolicyJSON
	dec := json.NewDecoder(strings.NewReader(jsonStr))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&pj); err != nil {
		return nil, fmt.Errorf("failed to parse policy JSON: %w", err)
	}
	return f.FromJSON(pj)
}

// ParseYAML parses a YAML document into a BillingPolicy.
func (f *PolicyFactory) ParseYAML(data []byte) (*BillingPolicy, error) {
	var pj PolicyJSON
	if err := yaml.Unmarshal(data, &pj); err != nil {
		return nil, fmt.Errorf("failed to parse policy YAML: %w", err)
	}
	return f.FromJSON(pj)
}

// LoadFile reads a definition, choosing the format by extension.
func (f *PolicyFactory) LoadFile(path string) (*BillingPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return f.ParsePolicy(string(data))
	case ".yaml", ".yml":
		return f.ParseYAML(data)
	default:
		return nil, fmt.Errorf("policy file %s: unsupported extension", path)
	}
}

// FromJSON converts PolicyJSON to a BillingPolicy, applying defaults.
func (f *PolicyFactory) FromJSON(pj PolicyJSON) (*BillingPolicy, error) {
	p := Default()
	if pj.ID != "" {
		p.ID = pj.ID
	}
	p.Name = pj.Name

	if s := pj.Sibling; s != nil {
		winner, err := WinnerPolicy(s.Policy, s.Fallback)
		if err != nil {
			return nil, err
		}
		p.Winner = winner
		if s.Percent != "" {
			pct, err := ParsePercent(string(s.Percent))
			if err != nil {
				return nil, err
			}
			p.SiblingPercent = pct
		}
	}

	if fp := pj.FamilyPayment; fp != nil {
		if fp.Mode != "" {
			mode, err := generic.ParseAllocationMode(fp.Mode)
			if err != nil {
				return nil, err
			}
			p.DefaultMode = mode
		}
		handling, err := tuition.ParseLeftoverHandling(fp.LeftoverHandling)
		if err != nil {
			return nil, err
		}
		p.DefaultLeftover = handling
	}

	if pj.MaxPayment < 0 {
		return nil, generic.Invalid("max_payment", "must be positive")
	}
	if pj.MaxPayment > 0 {
		p.MaxPayment = generic.Money(pj.MaxPayment)
	}
	if pj.MaxRetries < 0 {
		return nil, generic.Invalid("max_retries", "must be positive")
	}
	if pj.MaxRetries > 0 {
		p.MaxRetries = pj.MaxRetries
	}
	return p, nil
}

// ToJSON converts a BillingPolicy back to its serialized form.
func (f *PolicyFactory) ToJSON(p *BillingPolicy) PolicyJSON {
	sib := &SiblingJSON{
		Policy:  p.Winner.Name(),
		Percent: json.Number(p.SiblingPercent.String()),
	}
	if inc, ok := p.Winner.(tuition.Incumbent); ok && inc.Fallback != nil {
		sib.Fallback = inc.Fallback.Name()
	}
	return PolicyJSON{
		ID:      p.ID,
		Name:    p.Name,
		Sibling: sib,
		FamilyPayment: &FamilyPaymentJSON{
			Mode:             string(p.DefaultMode),
			LeftoverHandling: string(p.DefaultLeftover),
		},
		MaxPayment: int64(p.MaxPayment),
		MaxRetries: p.MaxRetries,
	}
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

// WinnerPolicy resolves a sibling winner policy by name. Only the
// incumbent policy takes a fallback.
func WinnerPolicy(name, fallback string) (tuition.WinnerPolicy, error) {
	switch name {
	case "", "earliest_enrollment":
		if fallback != "" {
			return nil, generic.Invalid("sibling.fallback", "only the incumbent policy takes a fallback")
		}
		return tuition.EarliestEnrollment{}, nil
	case "manual":
		if fallback != "" {
			return nil, generic.Invalid("sibling.fallback", "only the incumbent policy takes a fallback")
		}
		return tuition.ManualOnly{}, nil
	case "incumbent":
		if fallback == "incumbent" {
			return nil, generic.Invalid("sibling.fallback", "incumbent cannot fall back to itself")
		}
		fb, err := WinnerPolicy(fallback, "")
		if err != nil {
			return nil, err
		}
		return tuition.Incumbent{Fallback: fb}, nil
	default:
		return nil, generic.Invalid("sibling.policy", "unknown policy %q", name)
	}
}

// ParsePercent parses a percentage in 0..100.
func ParsePercent(s string) (decimal.Decimal, error) {
	pct, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, generic.Invalid("sibling.percent", "%q is not a number", s)
	}
	if pct.IsNegative() || pct.GreaterThan(decimal.NewFromInt(100)) {
		return decimal.Zero, generic.Invalid("sibling.percent", "%s outside 0..100", pct)
	}
	return pct, nil
}

// =============================================================================
// PRESET POLICIES
// =============================================================================

// StandardJSON keeps last month's winner and splits family payments
// oldest-first.
func StandardJSON(id string, percent int) string {
	return fmt.Sprintf(`{
  "id": %q,
  "name": "Standard tuition",
  "sibling": {"policy": "incumbent", "fallback": "earliest_enrollment", "percent": %d},
  "family_payment": {"mode": "oldest-first", "leftover_handling": "held"}
}`, id, percent)
}

// ManualReviewJSON leaves every sibling decision to the office and
// spreads family payments pro-rata.
func ManualReviewJSON(id string) string {
	return fmt.Sprintf(`{
  "id": %q,
  "name": "Manual review",
  "sibling": {"policy": "manual"},
  "family_payment": {"mode": "pro-rata", "leftover_handling": "unapplied_cash"}
}`, id)
}
