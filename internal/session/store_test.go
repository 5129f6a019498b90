package session

import (
	"math"
	"testing"
	"time"
)

func TestMarkTaintedIsOneWayAndIdempotent(t *testing.T) {
	s := New(time.Hour)
	s.MarkTainted("s1", "/shared/candidate_resume_j_doe.txt")
	if !s.IsTainted("s1") {
		t.Fatalf("expected session tainted")
	}
	if got := s.TaintSource("s1"); got != "/shared/candidate_resume_j_doe.txt" {
		t.Fatalf("TaintSource = %q", got)
	}

	// Second call with a different source must not overwrite taint_source.
	s.MarkTainted("s1", "/private/other.txt")
	if got := s.TaintSource("s1"); got != "/shared/candidate_resume_j_doe.txt" {
		t.Fatalf("taint_source overwritten: %q", got)
	}
}

func TestCheckSourceTrust(t *testing.T) {
	p := DefaultTaintPatterns()
	cases := []struct {
		source  string
		tainted bool
	}{
		{"/shared/candidate_resume_j_doe.txt", true},
		{"/data/private/_conf_chimera_formula.json", false},
		{"/unrelated/path.txt", false}, // default_trust=green
	}
	for _, c := range cases {
		if got := CheckSourceTrust(p, c.source); got != c.tainted {
			t.Errorf("CheckSourceTrust(%q) = %v, want %v", c.source, got, c.tainted)
		}
	}
}

func TestAccumulatedRiskWindowedSum(t *testing.T) {
	s := New(60 * time.Minute)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	s.RecordRisk("s1", 0.4, "tool_a", base)
	s.RecordRisk("s1", 0.5, "tool_b", base.Add(10*time.Minute))
	total := s.RecordRisk("s1", 0.5, "tool_c", base.Add(20*time.Minute))
	if total != 1.4 {
		t.Fatalf("total = %v, want 1.4", total)
	}

	total = s.RecordRisk("s1", 0.2, "tool_d", base.Add(30*time.Minute))
	if math.Abs(total-1.6) > 1e-9 {
		t.Fatalf("total after 4th call = %v, want 1.6", total)
	}

	// One minute past the window boundary, the first event (0.4 at t=0)
	// ages out.
	total = s.AccumulatedRisk("s1", base.Add(61*time.Minute))
	if total != 1.2 {
		t.Fatalf("total after window slide = %v, want 1.2", total)
	}
}

func TestAccumulatedRiskZeroWhenAllEventsAge(t *testing.T) {
	s := New(time.Minute)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.RecordRisk("s1", 0.9, "tool_a", base)
	total := s.AccumulatedRisk("s1", base.Add(2*time.Minute))
	if total != 0 {
		t.Fatalf("total = %v, want 0", total)
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	s := New(time.Hour)
	s.MarkTainted("s1", "resume")
	if s.IsTainted("s2") {
		t.Fatalf("s2 should not be tainted")
	}
}
