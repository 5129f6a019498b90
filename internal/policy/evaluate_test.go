package policy

import (
	"testing"

	"github.com/chimera-security/chimera/internal/model"
)

func scenarioManifest() *Manifest {
	m := DefaultManifest()
	m.Tools = map[string]ToolMeta{
		"get_patient_record": {Category: "sensitive"},
	}
	m.TrustedWorkflows = []Rule{
		{
			ID:     "dr-chen-production",
			Action: model.RouteProduction,
			Reason: "trusted lead researcher workstation access",
			Match: Clause{All: []Clause{
				{Condition: &Condition{Field: "context.user_id", Operator: "eq", Value: "dr_chen"}},
				{Condition: &Condition{Field: "context.user_role", Operator: "eq", Value: "lead_researcher"}},
			}},
		},
	}
	m.SecurityPolicies = []Rule{
		{
			ID:     "taint-lockdown",
			Action: model.RouteShadow,
			Reason: "tainted session + sensitive tool",
			Match: Clause{All: []Clause{
				{Condition: &Condition{Field: "context.is_tainted", Operator: "eq", Value: true}},
				{Condition: &Condition{Field: "context.tool_category", Operator: "eq", Value: "sensitive"}},
			}},
		},
		{
			ID:     "suspicious-keyword-trigger",
			Action: model.RouteShadow,
			Reason: "suspicious keyword detected",
			Match:  Clause{Condition: &Condition{Field: "context.is_suspicious_query", Operator: "eq", Value: true}},
		},
	}
	return m
}

func TestScenario1TrustedResearcherProduction(t *testing.T) {
	m := scenarioManifest()
	ctx := model.Context{UserID: "dr_chen", UserRole: "lead_researcher", Source: "lab_workstation"}
	d := m.Evaluate("read_file", map[string]any{"filename": "/data/private/_CONF_chimera_formula.json"}, ctx, 0.95, 1.0, 0.95)
	if d.Route != model.RouteProduction || d.RuleID != "dr-chen-production" {
		t.Fatalf("got %+v", d)
	}
}

func TestScenario2ResumeLaunderedInjectionShadow(t *testing.T) {
	m := scenarioManifest()
	ctx := model.Context{UserRole: "hr_manager", IsTainted: true, TaintSource: "/shared/candidate_resume_j_doe.txt", ToolCategory: "sensitive"}
	d := m.Evaluate("get_patient_record", map[string]any{"patient_id": 100}, ctx, 0.3, 1.0, 0.3)
	if d.Route != model.RouteShadow || d.RuleID != "taint-lockdown" {
		t.Fatalf("got %+v", d)
	}
}

func TestScenario3SuspiciousKeywordUnknownUserShadow(t *testing.T) {
	m := scenarioManifest()
	ctx := model.Context{UserID: "attacker", UserRole: "external", IsSuspiciousQuery: true}
	d := m.Evaluate("read_file", map[string]any{"filename": "/data/private/_CONF_chimera_formula.json"}, ctx, 0.2, 1.0, 0.2)
	if d.Route != model.RouteShadow || d.RuleID != "suspicious-keyword-trigger" {
		t.Fatalf("got %+v", d)
	}
}

func TestScenario4WindowedAccumulationThreshold(t *testing.T) {
	m := DefaultManifest() // AccumulatedRisk threshold = 1.5, gte
	ctx := model.Context{}
	d := m.Evaluate("tool", nil, ctx, 0.2, 1.0, 1.4)
	if d.Route != model.RouteProduction {
		t.Fatalf("below threshold should stay production, got %+v", d)
	}
	d = m.Evaluate("tool", nil, ctx, 0.2, 1.0, 1.6)
	if d.Route != model.RouteShadow || d.RuleID != "accumulated_risk_threshold" {
		t.Fatalf("at/above threshold should route shadow, got %+v", d)
	}
}

func TestFirstMatchWinsWithinPhase(t *testing.T) {
	m := DefaultManifest()
	m.SecurityPolicies = []Rule{
		{ID: "first", Action: model.RouteProduction, Match: Clause{Condition: &Condition{Field: "context.user_role", Operator: "eq", Value: "x"}}},
		{ID: "second", Action: model.RouteShadow, Match: Clause{Condition: &Condition{Field: "context.user_role", Operator: "eq", Value: "x"}}},
	}
	d := m.Evaluate("t", nil, model.Context{UserRole: "x"}, 0, 1, 0)
	if d.RuleID != "first" || d.Route != model.RouteProduction {
		t.Fatalf("first-match-wins violated: %+v", d)
	}
}

func TestDirectivesPhaseBeatsRiskPhases(t *testing.T) {
	m := DefaultManifest()
	m.Directives.Users = map[string]DirectiveEntry{
		"dr_chen": {Action: model.RouteProduction, Reason: "override"},
	}
	d := m.Evaluate("t", nil, model.Context{UserID: "dr_chen"}, 0.99, 1.0, 5.0)
	if d.Route != model.RouteProduction {
		t.Fatalf("directive should win over threshold phases: %+v", d)
	}
}

func TestNeqAgainstMissingFieldIsTrue(t *testing.T) {
	cond := Condition{Field: "context.ticket", Operator: "neq", Value: "T-1"}
	data := map[string]any{"context": map[string]any{}}
	if !cond.Evaluate(data) {
		t.Fatalf("neq against missing field should be true")
	}
}

func TestValidateRejectsDuplicateRuleIDs(t *testing.T) {
	m := DefaultManifest()
	m.SecurityPolicies = []Rule{
		{ID: "dup", Action: model.RouteProduction},
		{ID: "dup", Action: model.RouteShadow},
	}
	if err := Validate(m); err == nil {
		t.Fatalf("expected duplicate rule id error")
	}
}

func TestValidateRejectsUnknownOperator(t *testing.T) {
	m := DefaultManifest()
	m.SecurityPolicies = []Rule{
		{ID: "bad", Action: model.RouteProduction, Match: Clause{Condition: &Condition{Field: "x", Operator: "wat"}}},
	}
	if err := Validate(m); err == nil {
		t.Fatalf("expected unknown operator error")
	}
}

func TestAllowOnlyRuleHonoredBelowTrustedRiskThreshold(t *testing.T) {
	m := DefaultManifest()
	m.TrustedWorkflows = []Rule{
		{ID: "trusted-export", Action: model.RouteProduction, AllowOnly: true, Reason: "known-good export workflow",
			Match: Clause{Condition: &Condition{Field: "context.tool_category", Operator: "eq", Value: "export"}}},
	}
	ctx := model.Context{ToolCategory: "export"}
	d := m.Evaluate("export_data", nil, ctx, 0.5, 1.0, 0.0)
	if d.Route != model.RouteProduction || d.RuleID != "trusted-export" {
		t.Fatalf("expected allow_only rule to be honored under threshold, got %+v", d)
	}
}

func TestAllowOnlySkippedAtOrAboveTrustedRiskThreshold(t *testing.T) {
	m := DefaultManifest()
	m.TrustedWorkflows = []Rule{
		{ID: "trusted-export", Action: model.RouteProduction, AllowOnly: true, Reason: "known-good export workflow",
			Match: Clause{Condition: &Condition{Field: "context.tool_category", Operator: "eq", Value: "export"}}},
	}
	ctx := model.Context{ToolCategory: "export"}
	d := m.Evaluate("export_data", nil, ctx, m.TrustedRiskThreshold, 1.0, 0.0)
	if d.RuleID == "trusted-export" {
		t.Fatalf("expected allow_only rule to be skipped at/above trusted risk threshold, got %+v", d)
	}
	if d.Route != model.RouteShadow || d.RuleID != "event_risk_threshold" {
		t.Fatalf("expected fall-through to event_risk phase, got %+v", d)
	}
}
