package policy

import (
	"strings"

	"github.com/chimera-security/chimera/internal/model"
)

// Evaluate runs the manifest's declared phases in order and returns the
// decision of the first phase that produces an action, falling back to
// DefaultAction if none do (spec.md §4.4). Evaluate is pure: it takes a
// snapshot of tool/args/context/risk/accumulatedRisk and performs no I/O.
func (m *Manifest) Evaluate(tool string, args map[string]any, ctx model.Context, eventRisk, confidence, accumulatedRisk float64) model.Decision {
	data := map[string]any{
		"args":    args,
		"context": ctx.ToMap(),
	}

	order := m.EvaluationOrder
	if len(order) == 0 {
		order = DefaultEvaluationOrder
	}

	for _, phase := range order {
		switch strings.ToLower(phase) {
		case "directives":
			if d, ok := m.evalDirectives(ctx); ok {
				return d
			}
		case "trusted_workflows":
			if d, ok := evalRuleList(m.TrustedWorkflows, tool, data, eventRisk, m.trustedRiskThreshold()); ok {
				return d
			}
		case "security_policies":
			if d, ok := evalRuleList(m.SecurityPolicies, tool, data, eventRisk, m.trustedRiskThreshold()); ok {
				return d
			}
		case "accumulated_risk":
			if d, ok := evalThreshold(m.AccumulatedRisk, accumulatedRisk, confidence); ok {
				return d
			}
		case "event_risk":
			if d, ok := evalThreshold(m.EventRisk, eventRisk, confidence); ok {
				return d
			}
		case "default":
			// handled below; explicit entry lets a manifest place it early.
			return model.Decision{Route: m.DefaultAction, Reason: "default action", RuleID: "default"}
		}
	}

	return model.Decision{Route: m.DefaultAction, Reason: "no phase matched; default action", RuleID: "default"}
}

func (m *Manifest) evalDirectives(ctx model.Context) (model.Decision, bool) {
	if ctx.UserID != "" {
		if e, ok := m.Directives.Users[ctx.UserID]; ok {
			return model.Decision{Route: e.Action, Reason: e.Reason, RuleID: "directive:user:" + ctx.UserID}, true
		}
	}
	if ctx.UserRole != "" {
		if e, ok := m.Directives.Roles[ctx.UserRole]; ok {
			return model.Decision{Route: e.Action, Reason: e.Reason, RuleID: "directive:role:" + ctx.UserRole}, true
		}
	}
	return model.Decision{}, false
}

// evalRuleList scans rules in order and returns the first match. A match
// on an AllowOnly rule is skipped (evaluation keeps scanning) once
// eventRisk reaches trustedRiskThreshold, so a trusted-workflow allow
// can't paper over a call the classifier scored as seriously risky.
func evalRuleList(rules []Rule, tool string, data map[string]any, eventRisk, trustedRiskThreshold float64) (model.Decision, bool) {
	for _, r := range rules {
		if !r.appliesTo(tool) {
			continue
		}
		if !r.Match.Evaluate(data) {
			continue
		}
		if r.AllowOnly && eventRisk >= trustedRiskThreshold {
			continue
		}
		return model.Decision{Route: r.Action, Reason: r.Reason, RuleID: r.ID}, true
	}
	return model.Decision{}, false
}

// trustedRiskThreshold returns m's configured threshold, falling back to
// the default when the manifest left it unset (zero value).
func (m *Manifest) trustedRiskThreshold() float64 {
	if m.TrustedRiskThreshold > 0 {
		return m.TrustedRiskThreshold
	}
	return DefaultTrustedRiskThreshold
}

func evalThreshold(th ThresholdPhase, value, confidence float64) (model.Decision, bool) {
	if th.Field == "" {
		return model.Decision{}, false
	}
	if th.ConfidenceFloor != nil && confidence < *th.ConfidenceFloor {
		return model.Decision{}, false
	}
	var hit bool
	switch th.Operator {
	case "gt":
		hit = value > th.Threshold
	default: // "gte" is the default per spec.md §8 boundary behavior
		hit = value >= th.Threshold
	}
	if !hit {
		return model.Decision{}, false
	}
	return model.Decision{Route: th.Action, Reason: th.Reason, RuleID: th.Field + "_threshold"}, true
}

// IsSuspiciousQuery scans the JSON-serialized arguments for any of the
// manifest's configured suspicious keywords, case-insensitively
// (original_source/src/ipg/policy.py's is_suspicious_query).
func IsSuspiciousQuery(keywords []string, argsBlob string) bool {
	lower := strings.ToLower(argsBlob)
	for _, kw := range keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// ToolCategory looks up the static category assigned to tool in the
// manifest, defaulting to "safe" when unconfigured.
func (m *Manifest) ToolCategory(tool string) string {
	if meta, ok := m.Tools[tool]; ok && meta.Category != "" {
		return meta.Category
	}
	return "safe"
}
