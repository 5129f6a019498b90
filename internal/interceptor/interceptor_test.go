package interceptor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chimera-security/chimera/internal/authority"
	"github.com/chimera-security/chimera/internal/classifier"
	"github.com/chimera-security/chimera/internal/execenv"
	"github.com/chimera-security/chimera/internal/ledger"
	"github.com/chimera-security/chimera/internal/model"
	"github.com/chimera-security/chimera/internal/policy"
	"github.com/chimera-security/chimera/internal/sanitizer"
	"github.com/chimera-security/chimera/internal/session"
)

type fakeBackend struct {
	routes []model.Route
	auth   *authority.Authority
}

func (f *fakeBackend) ListTools() []execenv.ToolDef {
	return []execenv.ToolDef{{Name: "read_file", Handler: execenv.HandlerFilesystem}}
}

func (f *fakeBackend) CallTool(_ context.Context, warrant, _ string, _ map[string]any) (string, error) {
	route, err := f.auth.Verify(warrant)
	if err != nil {
		return "", err
	}
	f.routes = append(f.routes, route)
	if route == model.RouteProduction {
		return "production content", nil
	}
	return "shadow content", nil
}

func newTestInterceptor(t *testing.T) (*Interceptor, *fakeBackend, *policy.Store) {
	t.Helper()
	auth, err := authority.GenerateForTesting(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	backend := &fakeBackend{auth: auth}

	store := policy.NewStoreWithManifest(policy.DefaultManifest())

	led, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { led.Close() })

	ic := New(Config{
		Sessions:      session.New(session.DefaultWindow),
		TaintPatterns: session.DefaultTaintPatterns(),
		PolicyStore:   store,
		Classifier:    classifier.NewMockClassifier(nil),
		Authority:     auth,
		Ledger:        led,
		Sanitizer:     sanitizer.New(sanitizer.DefaultRules()),
		Backend:       backend,
	})
	return ic, backend, store
}

func TestDispatchRoutesToProductionByDefault(t *testing.T) {
	ic, backend, _ := newTestInterceptor(t)
	out, err := ic.Dispatch(context.Background(), "sess-1", "read_file", map[string]any{"filename": "report.txt"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out != "production content" {
		t.Fatalf("got %q", out)
	}
	if len(backend.routes) != 1 || backend.routes[0] != model.RouteProduction {
		t.Fatalf("got routes %v", backend.routes)
	}
}

func TestDispatchRoutesToShadowAfterTaint(t *testing.T) {
	ic, backend, store := newTestInterceptor(t)

	manifest := policy.DefaultManifest()
	manifest.SecurityPolicies = []policy.Rule{
		{
			ID:     "tainted-to-shadow",
			Match:  policy.Clause{Condition: &policy.Condition{Field: "context.is_tainted", Operator: "eq", Value: true}},
			Action: model.RouteShadow,
			Reason: "session tainted by untrusted source",
		},
	}
	store.Set(manifest)

	// First call touches an externally-sourced resource, tainting the session.
	if _, err := ic.Dispatch(context.Background(), "sess-2", "read_file", map[string]any{"filename": "/shared/resume.pdf"}, nil); err != nil {
		t.Fatal(err)
	}

	out, err := ic.Dispatch(context.Background(), "sess-2", "read_file", map[string]any{"filename": "report.txt"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out != "shadow content" {
		t.Fatalf("got %q, want shadow content after taint", out)
	}
	if backend.routes[len(backend.routes)-1] != model.RouteShadow {
		t.Fatalf("got routes %v", backend.routes)
	}
}

func TestDispatchHonorsCallContextDirectives(t *testing.T) {
	ic, backend, store := newTestInterceptor(t)

	manifest := policy.DefaultManifest()
	manifest.Directives.Roles = map[string]policy.DirectiveEntry{
		"hr_manager": {Action: model.RouteShadow, Reason: "hr_manager always routes to shadow"},
	}
	store.Set(manifest)

	out, err := ic.Dispatch(context.Background(), "sess-5", "read_file",
		map[string]any{"filename": "report.txt"},
		map[string]any{"user_role": "hr_manager"})
	if err != nil {
		t.Fatal(err)
	}
	if out != "shadow content" {
		t.Fatalf("got %q, want shadow content for hr_manager directive", out)
	}
	if backend.routes[len(backend.routes)-1] != model.RouteShadow {
		t.Fatalf("got routes %v", backend.routes)
	}
}

func TestDispatchSanitizesResponse(t *testing.T) {
	ic, _, _ := newTestInterceptor(t)
	_, err := ic.Dispatch(context.Background(), "sess-3", "read_file", map[string]any{"filename": "report.txt"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	// response itself has no credentials in this fixture; exercised fully
	// in sanitizer's own unit tests. This confirms the pipeline runs the
	// sanitize step without erroring.
}

func TestDispatchAppendsLedgerEntryPerCall(t *testing.T) {
	ic, _, _ := newTestInterceptor(t)
	ledgerPath := filepath.Join(t.TempDir(), "check.jsonl")
	led2, err := ledger.Open(ledgerPath)
	if err != nil {
		t.Fatal(err)
	}
	ic.ledger = led2
	defer led2.Close()

	if _, err := ic.Dispatch(context.Background(), "sess-4", "read_file", map[string]any{"filename": "a.txt"}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := ic.Dispatch(context.Background(), "sess-4", "read_file", map[string]any{"filename": "b.txt"}, nil); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(ledgerPath)
	if err != nil {
		t.Fatal(err)
	}
	result := ledger.Verify(ledgerPath)
	if !result.Valid {
		t.Fatalf("ledger chain invalid: %s", result.Error)
	}
	if result.Lines != 2 {
		t.Fatalf("got %d lines, raw=%s", result.Lines, data)
	}
}
