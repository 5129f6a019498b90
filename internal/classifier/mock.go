package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/chimera-security/chimera/internal/model"
)

// MockRule is one pattern rule evaluated top-to-bottom by MockClassifier;
// the first rule whose operator matches the addressed field wins
// (original_source/src/nsie/judge.py's ProbabilisticJudge.mock_rules).
type MockRule struct {
	Tools      []string `yaml:"tools" json:"tools,omitempty"`
	Field      string   `yaml:"field" json:"field"`
	Operator   string   `yaml:"operator" json:"operator"`
	Value      any      `yaml:"value" json:"value"`
	Risk       float64  `yaml:"risk_score" json:"risk_score"`
	Confidence float64  `yaml:"confidence" json:"confidence"`
	Reason     string   `yaml:"reason" json:"reason"`
	Tags       []string `yaml:"tags" json:"tags,omitempty"`
}

// MockClassifier is the offline/deterministic classifier backend used
// when no external judge is configured, or for reproducible tests
// (spec.md §4.3's "mock/offline" implementation and §8's property 6:
// "with the classifier replaced by a deterministic stub, the routing
// decision is identical").
type MockClassifier struct {
	Rules       []MockRule
	DefaultMock model.RiskAssessment
}

// NewMockClassifier builds a MockClassifier with a conservative default
// verdict when no rule matches.
func NewMockClassifier(rules []MockRule) *MockClassifier {
	return &MockClassifier{
		Rules:       rules,
		DefaultMock: model.RiskAssessment{Risk: 0.1, Confidence: 1.0, Reason: "mock: default safe", Tags: nil},
	}
}

func (m *MockClassifier) Classify(_ context.Context, tool string, args map[string]any, cctx model.Context) model.RiskAssessment {
	payload := map[string]any{"tool": tool, "args": args, "context": cctx.ToMap()}

	for _, rule := range m.Rules {
		if len(rule.Tools) > 0 && !containsStr(rule.Tools, tool) {
			continue
		}
		if rule.Field == "" {
			continue
		}
		lhs := deepGet(payload, rule.Field)
		if compare(lhs, rule.Operator, rule.Value) {
			return model.RiskAssessment{
				Risk:       rule.Risk,
				Confidence: rule.Confidence,
				Reason:     rule.Reason,
				Tags:       rule.Tags,
			}
		}
	}
	return m.DefaultMock
}

// IsSuspiciousQuery scans the serialized arguments for a suspicious
// keyword, mirroring original_source/src/ipg/policy.py's
// is_suspicious_query helper. Neither the classifier nor the Interceptor
// calls it (the Interceptor uses policy.IsSuspiciousQuery); it is kept
// alongside the mock rule matcher since both walk a serialized argument
// blob the same way.
func IsSuspiciousQuery(args map[string]any, keywords []string) bool {
	raw, err := json.Marshal(args)
	if err != nil {
		return false
	}
	lower := strings.ToLower(string(raw))
	for _, kw := range keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func containsStr(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func deepGet(data map[string]any, path string) any {
	parts := strings.Split(path, ".")
	var current any = data
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		v, ok := m[part]
		if !ok {
			return nil
		}
		current = v
	}
	return current
}

func compare(lhs any, operator string, rhs any) bool {
	switch operator {
	case "eq", "":
		return fmt.Sprint(lhs) == fmt.Sprint(rhs)
	case "neq":
		return fmt.Sprint(lhs) != fmt.Sprint(rhs)
	case "contains":
		return strings.Contains(fmt.Sprint(lhs), fmt.Sprint(rhs))
	case "regex":
		re, err := regexp.Compile(fmt.Sprint(rhs))
		if err != nil {
			return false
		}
		return re.MatchString(fmt.Sprint(lhs))
	case "gt", "gte", "lt", "lte":
		lf, lok := toFloat(lhs)
		rf, rok := toFloat(rhs)
		if !lok || !rok {
			return false
		}
		switch operator {
		case "gt":
			return lf > rf
		case "gte":
			return lf >= rf
		case "lt":
			return lf < rf
		default:
			return lf <= rf
		}
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		var f float64
		if _, err := fmt.Sscanf(n, "%g", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}
