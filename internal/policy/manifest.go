// Package policy implements the Policy Manifest schema and the
// deterministic, phase-ordered Policy Evaluator described in spec.md §4.4
// and §6.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/chimera-security/chimera/internal/model"
)

// DirectiveEntry is one entry in the directives phase's user/role table.
type DirectiveEntry struct {
	Action model.Route `yaml:"action" json:"action"`
	Reason string      `yaml:"reason" json:"reason"`
}

// Directives is the directive-lookup phase: exact-match tables keyed on
// context.user_id or context.user_role.
type Directives struct {
	Users map[string]DirectiveEntry `yaml:"users" json:"users"`
	Roles map[string]DirectiveEntry `yaml:"roles" json:"roles"`
}

// Rule is a named routing directive evaluated within a rule-list phase.
//
// AllowOnly marks a production-routing rule as conditional on risk: a
// match is only honored while the call's event risk score stays below
// the manifest's TrustedRiskThreshold. Once risk reaches that ceiling,
// the match is skipped and evaluation falls through to later rules and
// phases rather than trusting the rule's allow. This mirrors
// original_source/src/ipg/policy.py's PolicyEngine.evaluate, which
// skips any matched action=="production" rule once risk_score >=
// trusted_risk_threshold ("Rule %s matched but risk ... >= trusted
// threshold ...; skipping").
type Rule struct {
	ID        string      `yaml:"id" json:"id"`
	Tools     []string    `yaml:"tools" json:"tools,omitempty"`
	Match     Clause      `yaml:"match" json:"match"`
	Action    model.Route `yaml:"action" json:"action"`
	Reason    string      `yaml:"reason" json:"reason"`
	AllowOnly bool        `yaml:"allow_only" json:"allow_only,omitempty"`
}

// appliesTo reports whether the rule's optional tool whitelist covers tool.
func (r Rule) appliesTo(tool string) bool {
	if len(r.Tools) == 0 {
		return true
	}
	for _, t := range r.Tools {
		if t == tool || t == "*" {
			return true
		}
	}
	return false
}

// ThresholdPhase compares a numeric context field against a fixed
// threshold (the accumulated_risk or event_risk phases).
type ThresholdPhase struct {
	Field          string      `yaml:"field" json:"field"`
	Operator       string      `yaml:"operator" json:"operator"`
	Threshold      float64     `yaml:"threshold" json:"threshold"`
	Action         model.Route `yaml:"action" json:"action"`
	Reason         string      `yaml:"reason" json:"reason"`
	ConfidenceFloor *float64   `yaml:"confidence_floor" json:"confidence_floor,omitempty"`
}

// ToolMeta is the static per-tool metadata consulted when deriving
// context.tool_category (spec.md §4.5 step 5).
type ToolMeta struct {
	Category string `yaml:"category" json:"category"`
}

// Manifest is the full policy manifest: declared phase order, the
// terminal default action, and each phase's configuration.
type Manifest struct {
	EvaluationOrder  []string            `yaml:"evaluation_order" json:"evaluation_order"`
	DefaultAction    model.Route         `yaml:"default_action" json:"default_action"`
	Directives       Directives          `yaml:"directives" json:"directives"`
	TrustedWorkflows []Rule              `yaml:"trusted_workflows" json:"trusted_workflows"`
	SecurityPolicies []Rule              `yaml:"security_policies" json:"security_policies"`
	AccumulatedRisk  ThresholdPhase      `yaml:"accumulated_risk" json:"accumulated_risk"`
	EventRisk        ThresholdPhase      `yaml:"event_risk" json:"event_risk"`
	Tools            map[string]ToolMeta `yaml:"tools" json:"tools"`
	SuspiciousKeywords []string          `yaml:"suspicious_keywords" json:"suspicious_keywords"`

	// TrustedRiskThreshold is the risk ceiling an AllowOnly rule match
	// must stay under to be honored (original_source/src/ipg/policy.py's
	// defaults["trusted_risk_threshold"], default 0.95).
	TrustedRiskThreshold float64 `yaml:"trusted_risk_threshold" json:"trusted_risk_threshold"`
}

// DefaultTrustedRiskThreshold mirrors original_source/src/ipg/policy.py's
// PolicyEngine default for trusted_risk_threshold.
const DefaultTrustedRiskThreshold = 0.95

// DefaultEvaluationOrder is applied when the manifest omits the field
// (spec.md §4.4: "explicit human decisions first, then explicit allows
// for known-good workflows, then explicit blocks for known-bad signals,
// then stateful risk, then single-event risk, then the safe default").
var DefaultEvaluationOrder = []string{
	"directives",
	"trusted_workflows",
	"security_policies",
	"accumulated_risk",
	"event_risk",
	"default",
}

// DefaultSuspiciousKeywords mirrors original_source/src/ipg/policy.py's
// is_suspicious_query keyword list.
var DefaultSuspiciousKeywords = []string{
	"password", "secret", "credit card", "ssn", "private_key", "formula",
}

// DefaultManifest returns a conservative manifest usable before any
// scenario-specific policy.yaml is loaded.
func DefaultManifest() *Manifest {
	return &Manifest{
		EvaluationOrder: append([]string(nil), DefaultEvaluationOrder...),
		DefaultAction:   model.RouteProduction,
		Directives:      Directives{Users: map[string]DirectiveEntry{}, Roles: map[string]DirectiveEntry{}},
		AccumulatedRisk: ThresholdPhase{Field: "accumulated_risk", Operator: "gte", Threshold: 1.5, Action: model.RouteShadow, Reason: "accumulated risk over threshold"},
		EventRisk:       ThresholdPhase{Field: "event_risk", Operator: "gte", Threshold: 0.8, Action: model.RouteShadow, Reason: "single-event risk over threshold"},
		Tools:           map[string]ToolMeta{},
		SuspiciousKeywords: append([]string(nil), DefaultSuspiciousKeywords...),
		TrustedRiskThreshold: DefaultTrustedRiskThreshold,
	}
}

// LoadManifest parses a YAML policy manifest from path, validates it, and
// returns it along with the SHA-256 hash of the raw file bytes (mirroring
// the teacher's LoadConfigWithHash pattern). Ledger entries do not carry
// this hash. A missing file yields DefaultManifest and an empty hash.
func LoadManifest(path string) (*Manifest, string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			m := DefaultManifest()
			return m, "", nil
		}
		return nil, "", fmt.Errorf("policy: read manifest: %w", err)
	}

	m := DefaultManifest()
	if err := yaml.Unmarshal(raw, m); err != nil {
		return nil, "", fmt.Errorf("policy: parse manifest: %w", err)
	}
	if len(m.EvaluationOrder) == 0 {
		m.EvaluationOrder = append([]string(nil), DefaultEvaluationOrder...)
	}

	if err := Validate(m); err != nil {
		return nil, "", fmt.Errorf("policy: invalid manifest: %w", err)
	}

	sum := sha256.Sum256(raw)
	return m, hex.EncodeToString(sum[:]), nil
}

// Validate enforces the load-time invariants named in spec.md §7
// (PolicyError): globally unique rule ids and known operators only.
func Validate(m *Manifest) error {
	seen := make(map[string]bool)
	checkRules := func(rules []Rule) error {
		for _, r := range rules {
			if r.ID == "" {
				return fmt.Errorf("rule missing id")
			}
			if seen[r.ID] {
				return fmt.Errorf("duplicate rule id %q", r.ID)
			}
			seen[r.ID] = true
			if err := validateClauseOperators(r.Match); err != nil {
				return fmt.Errorf("rule %q: %w", r.ID, err)
			}
			if r.AllowOnly && r.Action != model.RouteProduction {
				return fmt.Errorf("rule %q: allow_only rule must have action=production", r.ID)
			}
		}
		return nil
	}
	if err := checkRules(m.TrustedWorkflows); err != nil {
		return err
	}
	if err := checkRules(m.SecurityPolicies); err != nil {
		return err
	}
	for _, th := range []ThresholdPhase{m.AccumulatedRisk, m.EventRisk} {
		if th.Operator != "" && th.Operator != "gt" && th.Operator != "gte" {
			return fmt.Errorf("threshold phase operator must be gt or gte, got %q", th.Operator)
		}
	}
	return nil
}

func validateClauseOperators(cl Clause) error {
	switch {
	case cl.All != nil:
		for _, c := range cl.All {
			if err := validateClauseOperators(c); err != nil {
				return err
			}
		}
	case cl.Any != nil:
		for _, c := range cl.Any {
			if err := validateClauseOperators(c); err != nil {
				return err
			}
		}
	case cl.Not != nil:
		return validateClauseOperators(*cl.Not)
	case cl.Condition != nil:
		if cl.Condition.Operator != "" && !ValidOperator(cl.Condition.Operator) {
			return fmt.Errorf("unknown operator %q", cl.Condition.Operator)
		}
	}
	return nil
}
