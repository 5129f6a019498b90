package authority

import (
	"testing"
	"time"

	"github.com/chimera-security/chimera/internal/model"
)

func TestIssueVerifyRoundTrip(t *testing.T) {
	a, err := GenerateForTesting(time.Hour)
	if err != nil {
		t.Fatalf("GenerateForTesting: %v", err)
	}
	now := time.Now()

	for _, route := range []model.Route{model.RouteProduction, model.RouteShadow} {
		w, err := a.Issue("sess-1", "read_file", route, now)
		if err != nil {
			t.Fatalf("Issue(%s): %v", route, err)
		}
		got, err := a.Verify(w)
		if err != nil {
			t.Fatalf("Verify(%s): %v", route, err)
		}
		if got != route {
			t.Fatalf("Verify returned %s, want %s", got, route)
		}
	}
}

func TestCrossVerificationRejected(t *testing.T) {
	a1, _ := GenerateForTesting(time.Hour)
	a2, _ := GenerateForTesting(time.Hour)
	now := time.Now()

	w, err := a1.Issue("sess-1", "read_file", model.RouteShadow, now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := a2.Verify(w); err == nil {
		t.Fatalf("expected verification under a different authority's keys to fail")
	}
}

func TestExpiredWarrantRejected(t *testing.T) {
	a, _ := GenerateForTesting(time.Hour)
	past := time.Now().Add(-2 * time.Hour)
	w, err := a.Issue("sess-1", "read_file", model.RouteProduction, past)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := a.Verify(w); err == nil {
		t.Fatalf("expected expired warrant to be rejected")
	}
}

func TestTamperedPayloadRejected(t *testing.T) {
	a, _ := GenerateForTesting(time.Hour)
	w, err := a.Issue("sess-1", "read_file", model.RouteProduction, time.Now())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	tampered := w[:len(w)-4] + "abcd"
	if _, err := a.Verify(tampered); err == nil {
		t.Fatalf("expected tampered warrant to be rejected")
	}
}

func TestMalformedWarrantRejected(t *testing.T) {
	a, _ := GenerateForTesting(time.Hour)
	if _, err := a.Verify("not.a.warrant"); err == nil {
		t.Fatalf("expected malformed warrant to be rejected")
	}
}
