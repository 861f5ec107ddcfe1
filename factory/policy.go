/*
Package factory provides JSON to Go award policy conversion.

PURPOSE:
  Converts JSON policy definitions into ledger.Policy values, so reward
  programs can be configured without code changes. The server loads an
  optional policy file at startup on top of the built-in programs.

JSON SCHEMA:
  {
    "source": "typing",
    "scope": "typing",
    "metric": "max",
    "bounds": {"min": 0, "max": 300},
    "progress_bonus": 20,
    "overtake_bonus": 20,
    "first_success_bonus": 0,
    "tiers": [
      {"min": 0,  "bonus": 0},
      {"min": 20, "bonus": 100},
      {"min": 50, "bonus": 200}
    ]
  }

  Tiers list lower bounds only. Each tier ends where the next begins and
  the last is unbounded.

USAGE:
  f := factory.NewPolicyFactory()
  policy, err := f.ParsePolicy(rewards.TypingSpeedJSON())
  engine.Register(policy)

SEE ALSO:
  - ledger/award.go: Policy type definition
  - rewards/policies.go: Go-based policy configurations
*/
package factory

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/shopspring/decimal"

	"github.com/warp/score-engine/ledger"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// PolicyJSON is the JSON representation of a policy.
type PolicyJSON struct {
	Source            string          `json:"source"`
	Scope             string          `json:"scope,omitempty"`
	Metric            string          `json:"metric,omitempty"`
	Bounds            *BoundsJSON     `json:"bounds,omitempty"`
	ProgressBonus     decimal.Decimal `json:"progress_bonus"`
	OvertakeBonus     decimal.Decimal `json:"overtake_bonus"`
	FirstSuccessBonus decimal.Decimal `json:"first_success_bonus"`
	Tiers             []TierJSON      `json:"tiers,omitempty"`
}

// BoundsJSON is the inclusive range accepted event values must fall in.
type BoundsJSON struct {
	Min decimal.Decimal `json:"min"`
	Max decimal.Decimal `json:"max"`
}

// TierJSON is one ladder rung.
type TierJSON struct {
	Name  string          `json:"name,omitempty"`
	Min   decimal.Decimal `json:"min"`
	Bonus decimal.Decimal `json:"bonus"`
}

// =============================================================================
// POLICY FACTORY
// =============================================================================

// PolicyFactory converts JSON policies to ledger.Policy.
type PolicyFactory struct{}

func NewPolicyFactory() *PolicyFactory {
	return &PolicyFactory{}
}

// ParsePolicy parses one JSON policy.
func (f *PolicyFactory) ParsePolicy(jsonStr string) (ledger.Policy, error) {
	var pj PolicyJSON
	if err := json.Unmarshal([]byte(jsonStr), &pj); err != nil {
		return ledger.Policy{}, fmt.Errorf("failed to parse policy JSON: %w", err)
	}
	return f.FromJSON(pj)
}

// ParsePolicies parses a JSON array of policies.
func (f *PolicyFactory) ParsePolicies(data []byte) ([]ledger.Policy, error) {
	var list []PolicyJSON
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to parse policies JSON: %w", err)
	}
	policies := make([]ledger.Policy, 0, len(list))
	for i, pj := range list {
		p, err := f.FromJSON(pj)
		if err != nil {
			return nil, fmt.Errorf("policy %d: %w", i, err)
		}
		policies = append(policies, p)
	}
	return policies, nil
}

// LoadFile reads a JSON array of policies from path.
func (f *PolicyFactory) LoadFile(path string) ([]ledger.Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return f.ParsePolicies(data)
}

// FromJSON converts PolicyJSON to a validated ledger.Policy.
func (f *PolicyFactory) FromJSON(pj PolicyJSON) (ledger.Policy, error) {
	metric := ledger.Metric("")
	if pj.Metric != "" || pj.OvertakeBonus.IsPositive() {
		m, err := ledger.ParseMetric(pj.Metric)
		if err != nil {
			return ledger.Policy{}, err
		}
		metric = m
	}

	policy := ledger.Policy{
		Source:            pj.Source,
		Scope:             ledger.Scope(pj.Scope),
		Metric:            metric,
		ProgressBonus:     pj.ProgressBonus,
		OvertakeBonus:     pj.OvertakeBonus,
		FirstSuccessBonus: pj.FirstSuccessBonus,
		Ladder:            parseLadder(pj.Tiers),
	}
	if pj.Bounds != nil {
		policy.Bounds = &ledger.Range{Min: pj.Bounds.Min, Max: pj.Bounds.Max}
	}

	if err := policy.Validate(); err != nil {
		return ledger.Policy{}, err
	}
	return policy, nil
}

// ToJSON converts a policy back to its JSON form.
func (f *PolicyFactory) ToJSON(p ledger.Policy) PolicyJSON {
	pj := PolicyJSON{
		Source:            p.Source,
		Scope:             string(p.Scope),
		Metric:            string(p.Metric),
		ProgressBonus:     p.ProgressBonus,
		OvertakeBonus:     p.OvertakeBonus,
		FirstSuccessBonus: p.FirstSuccessBonus,
	}
	if p.Bounds != nil {
		pj.Bounds = &BoundsJSON{Min: p.Bounds.Min, Max: p.Bounds.Max}
	}
	for _, t := range p.Ladder {
		pj.Tiers = append(pj.Tiers, TierJSON{Name: t.Name, Min: t.Min, Bonus: t.Bonus})
	}
	return pj
}

func parseLadder(tiers []TierJSON) ledger.Ladder {
	if len(tiers) == 0 {
		return nil
	}
	ladder := make(ledger.Ladder, len(tiers))
	for i, tj := range tiers {
		t := ledger.Tier{Name: tj.Name, Min: tj.Min, Bonus: tj.Bonus}
		if i+1 < len(tiers) {
			upper := tiers[i+1].Min
			t.Max = &upper
		}
		if t.Name == "" {
			if t.Max != nil {
				t.Name = fmt.Sprintf("%s-%s", t.Min, t.Max)
			} else {
				t.Name = t.Min.String() + "+"
			}
		}
		ladder[i] = t
	}
	return ladder
}
