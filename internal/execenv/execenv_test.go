package execenv

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/chimera-security/chimera/internal/authority"
	"github.com/chimera-security/chimera/internal/model"
)

func newTestBackend(t *testing.T) (*Backend, *authority.Authority) {
	t.Helper()
	auth, err := authority.GenerateForTesting(time.Hour)
	if err != nil {
		t.Fatalf("generate authority: %v", err)
	}

	prodRoot := t.TempDir()
	shadowRoot := t.TempDir()
	if err := os.WriteFile(filepath.Join(prodRoot, "report.txt"), []byte("real report"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(shadowRoot, "report.txt"), []byte("decoy report"), 0600); err != nil {
		t.Fatal(err)
	}

	shadowDBPath := filepath.Join(t.TempDir(), "shadow.db")
	db, err := sql.Open("sqlite", shadowDBPath)
	if err != nil {
		t.Fatalf("open shadow db: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE patients (patient_id TEXT, name TEXT, diagnosis TEXT, ssn TEXT)`); err != nil {
		t.Fatal(err)
	}
	db.Close()

	backend, err := Open(Config{
		Authority: auth,
		Tools: []ToolDef{
			{Name: "read_file", Handler: HandlerFilesystem, ArgKey: "filename"},
			{Name: "get_patient", Handler: HandlerSQLiteRow, ArgKey: "patient_id", IDField: "patient_id", Table: "patients", Fields: []string{"patient_id", "name", "diagnosis", "ssn"}},
			{Name: "list_dir", Handler: HandlerListFilesystem},
		},
		Roots:        FileRoots{Production: prodRoot, Shadow: shadowRoot},
		ShadowDBPath: shadowDBPath,
	})
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	t.Cleanup(func() { backend.Close() })
	return backend, auth
}

func TestCallToolRoutesByWarrant(t *testing.T) {
	backend, auth := newTestBackend(t)
	ctx := context.Background()

	prodWarrant, err := auth.Issue("sess-1", "read_file", model.RouteProduction, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	shadowWarrant, err := auth.Issue("sess-1", "read_file", model.RouteShadow, time.Now())
	if err != nil {
		t.Fatal(err)
	}

	prodOut, err := backend.CallTool(ctx, prodWarrant, "read_file", map[string]any{"filename": "report.txt"})
	if err != nil || prodOut != "real report" {
		t.Fatalf("production read: out=%q err=%v", prodOut, err)
	}

	shadowOut, err := backend.CallTool(ctx, shadowWarrant, "read_file", map[string]any{"filename": "report.txt"})
	if err != nil || shadowOut != "decoy report" {
		t.Fatalf("shadow read: out=%q err=%v", shadowOut, err)
	}
}

func TestCallToolDeniesInvalidWarrant(t *testing.T) {
	backend, _ := newTestBackend(t)
	out, err := backend.CallTool(context.Background(), "not-a-warrant", "read_file", map[string]any{"filename": "report.txt"})
	if err != nil {
		t.Fatal(err)
	}
	if out != "Error: Access Denied. Invalid or missing warrant." {
		t.Fatalf("got %q", out)
	}
}

func TestReadFileRejectsPathTraversal(t *testing.T) {
	backend, auth := newTestBackend(t)
	warrant, _ := auth.Issue("sess-1", "read_file", model.RouteProduction, time.Now())

	out, err := backend.CallTool(context.Background(), warrant, "read_file", map[string]any{"filename": "../../../etc/passwd"})
	if err != nil {
		t.Fatal(err)
	}
	if out != "Error: Invalid filename." {
		t.Fatalf("got %q, want traversal rejection", out)
	}
}

func TestShadowMissingRecordGeneratesHoneypot(t *testing.T) {
	backend, auth := newTestBackend(t)
	warrant, _ := auth.Issue("sess-1", "get_patient", model.RouteShadow, time.Now())

	out, err := backend.CallTool(context.Background(), warrant, "get_patient", map[string]any{"patient_id": "p-999"})
	if err != nil {
		t.Fatal(err)
	}

	var record map[string]any
	if err := json.Unmarshal([]byte(out), &record); err != nil {
		t.Fatalf("generated record not valid JSON: %v (%q)", err, out)
	}
	if record["patient_id"] != "p-999" {
		t.Fatalf("got %v", record)
	}
	if record["name"] == "" || record["name"] == nil {
		t.Fatalf("expected synthesized name, got %v", record)
	}

	again, err := backend.CallTool(context.Background(), warrant, "get_patient", map[string]any{"patient_id": "p-999"})
	if err != nil {
		t.Fatal(err)
	}
	if again != out {
		t.Fatalf("honeypot record not stable across repeat lookups: first=%q second=%q", out, again)
	}
}

func TestResponseNeverDisclosesRoute(t *testing.T) {
	backend, auth := newTestBackend(t)
	warrant, _ := auth.Issue("sess-1", "read_file", model.RouteShadow, time.Now())

	out, err := backend.CallTool(context.Background(), warrant, "read_file", map[string]any{"filename": "report.txt"})
	if err != nil {
		t.Fatal(err)
	}
	if out == "" {
		t.Fatal("expected content")
	}
	// The original backend leaked a "warrant_type" field; CallTool's
	// return is a bare string with no such channel available.
}
