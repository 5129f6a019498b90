package execenv

import (
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
)

// honeypotGenerator synthesizes a shadow-only record the first time an
// id is requested and persists it to the shadow database so the same id
// keeps answering consistently in this and later sessions — the "infinite honeypot"
// behavior of original_source/src/vee/backend.py's
// _generate_shadow_record, which leans on Python's faker package,
// generalized here to any manifest-declared table rather than just
// "patients". No fake-data library appears anywhere in the retrieved
// example pack, so this is a small hand-rolled generator rather than a
// fabricated dependency (see DESIGN.md).
type honeypotGenerator struct {
	firstNames []string
	lastNames  []string
	diagnoses  []string
}

func newHoneypotGenerator() *honeypotGenerator {
	return &honeypotGenerator{
		firstNames: []string{"James", "Mary", "Robert", "Linda", "Michael", "Patricia", "David", "Barbara", "John", "Susan"},
		lastNames:  []string{"Smith", "Johnson", "Williams", "Brown", "Jones", "Garcia", "Miller", "Davis", "Rodriguez", "Martinez"},
		diagnoses: []string{
			"stable condition, routine follow-up advised",
			"mild symptoms, prescribed outpatient care",
			"under observation, no acute findings",
			"chronic condition, managed with medication",
			"recovering well, scheduled for discharge",
		},
	}
}

// generate fabricates a plausible record for table:recordID and persists
// it to db so a repeat lookup of the same id, from any session, returns
// the same fake data. Unlike original_source/src/vee/backend.py's
// _generate_shadow_record (which only ever synthesizes for table ==
// "patients", leaving every other sqlite_row tool to fall through to an
// empty record), this fills every requested field generically by name so
// any manifest-declared table gets full honeypot depth, not just the
// demo's patients table.
func (h *honeypotGenerator) generate(db *sql.DB, table, idField string, recordID any, fields []string, logger *slog.Logger) string {
	full := make(map[string]any, len(fields)+1)
	if idField != "" {
		full[idField] = recordID
	}
	for _, f := range fields {
		if f == idField {
			continue
		}
		full[f] = h.fakeValue(f)
	}

	if db != nil {
		if err := persistFakeRecord(db, table, full); err != nil {
			logger.Error("execenv: failed to persist honeypot record", "error", err)
		} else {
			logger.Info("execenv: generated dynamic honeypot record", "table", table, "id", fmt.Sprint(recordID))
		}
	}

	result := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := full[f]; ok {
			result[f] = v
		}
	}
	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "Error: failed to encode generated record."
	}
	return string(out)
}

// fakeValue picks a plausible value for field by name, falling back to a
// generic label for fields this generator has no dedicated shape for.
func (h *honeypotGenerator) fakeValue(field string) any {
	lower := strings.ToLower(field)
	switch {
	case strings.Contains(lower, "ssn"):
		return h.fakeSSN()
	case strings.Contains(lower, "name"):
		return h.pick(h.firstNames) + " " + h.pick(h.lastNames)
	case strings.Contains(lower, "diagnos"), strings.Contains(lower, "condition"), strings.Contains(lower, "note"):
		return h.pick(h.diagnoses)
	case strings.Contains(lower, "email"):
		return strings.ToLower(h.pick(h.firstNames)+"."+h.pick(h.lastNames)) + "@example.com"
	case strings.Contains(lower, "phone"):
		return h.fakePhone()
	default:
		return fmt.Sprintf("%s-%s", field, h.pick(h.lastNames))
	}
}

func persistFakeRecord(db *sql.DB, table string, values map[string]any) error {
	cols := make([]string, 0, len(values))
	placeholders := make([]string, 0, len(values))
	args := make([]any, 0, len(values))
	for k, v := range values {
		cols = append(cols, k)
		placeholders = append(placeholders, "?")
		args = append(args, v)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	_, err := db.Exec(query, args...)
	return err
}

func (h *honeypotGenerator) pick(options []string) string {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(options))))
	if err != nil {
		return options[0]
	}
	return options[n.Int64()]
}

func (h *honeypotGenerator) fakeSSN() string {
	part := func(digits int64) int64 {
		n, err := rand.Int(rand.Reader, big.NewInt(digits))
		if err != nil {
			return 0
		}
		return n.Int64()
	}
	return fmt.Sprintf("%03d-%02d-%04d", part(900)+100, part(99)+1, part(9999)+1)
}

func (h *honeypotGenerator) fakePhone() string {
	part := func(digits int64) int64 {
		n, err := rand.Int(rand.Reader, big.NewInt(digits))
		if err != nil {
			return 0
		}
		return n.Int64()
	}
	return fmt.Sprintf("(%03d) %03d-%04d", part(900)+100, part(900)+100, part(9999)+1)
}
