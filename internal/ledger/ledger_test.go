package ledger

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chimera-security/chimera/internal/model"
)

func TestAppendChainsHashes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.jsonl")

	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	e1, err := l.Append(model.LedgerEntry{
		SessionID: "s1",
		EventType: "TOOL_CALL",
		Timestamp: time.Now().UTC(),
		Trigger:   model.LedgerTrigger{Tool: "read_file", Risk: 0.1},
		Action:    model.LedgerAction{Route: model.RouteProduction, RuleID: "default"},
		Outcome:   model.LedgerOutcome{Status: "ok"},
	})
	if err != nil {
		t.Fatalf("Append 1: %v", err)
	}
	if e1.PrevHash != GenesisHash {
		t.Fatalf("first entry prev_hash = %q, want genesis", e1.PrevHash)
	}

	e2, err := l.Append(model.LedgerEntry{
		SessionID: "s1",
		EventType: "TOOL_CALL",
		Timestamp: time.Now().UTC(),
		Trigger:   model.LedgerTrigger{Tool: "get_patient_record", Risk: 0.9},
		Action:    model.LedgerAction{Route: model.RouteShadow, RuleID: "taint-lockdown"},
		Outcome:   model.LedgerOutcome{Status: "ok"},
	})
	if err != nil {
		t.Fatalf("Append 2: %v", err)
	}
	if e2.PrevHash != e1.Hash {
		t.Fatalf("e2.PrevHash = %q, want e1.Hash = %q", e2.PrevHash, e1.Hash)
	}

	result := Verify(path)
	if !result.Valid {
		t.Fatalf("Verify: %+v", result)
	}
	if result.Lines != 2 {
		t.Fatalf("Lines = %d, want 2", result.Lines)
	}
}

func TestVerifyDetectsTamper(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.jsonl")

	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := l.Append(model.LedgerEntry{SessionID: "s1", EventType: "TOOL_CALL"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := l.Append(model.LedgerEntry{SessionID: "s1", EventType: "TOOL_CALL"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	l.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	tampered := append(data, []byte(`{"event_id":"x","prev_hash":"deadbeef","hash":"deadbeef"}`+"\n")...)
	if err := os.WriteFile(path, tampered, 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	result := Verify(path)
	if result.Valid {
		t.Fatalf("expected tamper to be detected")
	}
}

func TestRecoversChainTailAcrossOpen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.jsonl")

	l1, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	first, err := l1.Append(model.LedgerEntry{SessionID: "s1", EventType: "TOOL_CALL"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	l1.Close()

	l2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l2.Close()
	second, err := l2.Append(model.LedgerEntry{SessionID: "s1", EventType: "TOOL_CALL"})
	if err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
	if second.PrevHash != first.Hash {
		t.Fatalf("chain broken across reopen: got %q want %q", second.PrevHash, first.Hash)
	}
}
