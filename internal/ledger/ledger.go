// Package ledger implements the append-only, hash-chained forensic log
// described in spec.md §4.9. Each entry's hash covers the entry's own
// canonical JSON plus the previous entry's hash, so truncation or
// tampering anywhere in the file is detectable by recomputing the chain.
package ledger

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chimera-security/chimera/internal/model"
)

// GenesisHash is the prev_hash of the first entry ever appended to a
// fresh ledger file: 32 zero bytes, hex-encoded, per spec.md §3.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Ledger is a single-writer, mutex-serialized append-only JSONL log.
type Ledger struct {
	path     string
	file     *os.File
	prevHash string
	mu       sync.Mutex
}

// Open opens (or creates) a ledger file, recovering the chain tail from
// the last line if the file already has content.
func Open(path string) (*Ledger, error) {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("ledger: create directory: %w", err)
		}
	}

	prevHash := GenesisHash

	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("ledger: read existing log: %w", err)
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
		var last model.LedgerEntry
		found := false
		for scanner.Scan() {
			if err := json.Unmarshal(scanner.Bytes(), &last); err == nil {
				found = true
			}
		}
		f.Close()
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("ledger: scan existing log: %w", err)
		}
		if found {
			prevHash = last.Hash
		}
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("ledger: open file: %w", err)
	}

	return &Ledger{path: path, file: file, prevHash: prevHash}, nil
}

// Append writes entry to the log after stamping EventID, Timestamp,
// PrevHash, and Hash. Fields the caller already set (EventID, Timestamp)
// are respected so tests can supply deterministic values.
func (l *Ledger) Append(entry model.LedgerEntry) (model.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.EventID == "" {
		entry.EventID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.PrevHash = l.prevHash
	entry.Hash = ""

	canon, err := canonicalize(entry)
	if err != nil {
		return model.LedgerEntry{}, fmt.Errorf("ledger: canonicalize entry: %w", err)
	}
	entry.Hash = computeHash(canon, l.prevHash)

	line, err := json.Marshal(entry)
	if err != nil {
		return model.LedgerEntry{}, fmt.Errorf("ledger: marshal entry: %w", err)
	}

	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return model.LedgerEntry{}, fmt.Errorf("ledger: write entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return model.LedgerEntry{}, fmt.Errorf("ledger: sync: %w", err)
	}

	l.prevHash = entry.Hash
	return entry, nil
}

// Close flushes and closes the underlying file.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// canonicalize marshals the entry without its Hash field so the hash
// computation is self-consistent: entry_without_hash || prev_hash.
func canonicalize(entry model.LedgerEntry) ([]byte, error) {
	entry.Hash = ""
	return json.Marshal(entry)
}

func computeHash(entryWithoutHash []byte, prevHash string) string {
	h := sha256.New()
	h.Write(entryWithoutHash)
	h.Write([]byte(prevHash))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyResult holds the outcome of a hash-chain verification.
type VerifyResult struct {
	Valid     bool   `json:"valid"`
	Lines     int    `json:"lines"`
	Error     string `json:"error,omitempty"`
	ErrorLine int    `json:"error_line,omitempty"`
}

// Verify reads a JSONL ledger file and validates the hash chain,
// recomputing each entry's hash from the previous one.
func Verify(path string) VerifyResult {
	f, err := os.Open(path)
	if err != nil {
		return VerifyResult{Error: fmt.Sprintf("open: %v", err)}
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	lineNum := 0
	prevHash := GenesisHash

	for scanner.Scan() {
		lineNum++
		line := append([]byte(nil), scanner.Bytes()...)

		var entry model.LedgerEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return VerifyResult{Error: fmt.Sprintf("parse error: %v", err), ErrorLine: lineNum}
		}

		if entry.PrevHash != prevHash {
			return VerifyResult{
				Error:     fmt.Sprintf("prev_hash mismatch at line %d: expected %s, got %s", lineNum, prevHash, entry.PrevHash),
				ErrorLine: lineNum,
			}
		}

		canon, err := canonicalize(entry)
		if err != nil {
			return VerifyResult{Error: fmt.Sprintf("canonicalize: %v", err), ErrorLine: lineNum}
		}
		expectedHash := computeHash(canon, prevHash)
		if entry.Hash != expectedHash {
			return VerifyResult{
				Error:     fmt.Sprintf("hash mismatch at line %d: expected %s, got %s", lineNum, expectedHash, entry.Hash),
				ErrorLine: lineNum,
			}
		}

		prevHash = entry.Hash
	}

	if err := scanner.Err(); err != nil {
		return VerifyResult{Error: fmt.Sprintf("scan: %v", err)}
	}

	return VerifyResult{Valid: true, Lines: lineNum}
}
