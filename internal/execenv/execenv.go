// Package execenv implements the dual Execution Environment of spec.md
// §4.7: a single backend process that serves both the production and
// shadow data planes from a warrant handed to it by the Interceptor,
// without ever disclosing which plane answered. Grounded on
// original_source/src/vee/backend.py (ChimeraBackend).
package execenv

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/chimera-security/chimera/internal/authority"
	"github.com/chimera-security/chimera/internal/model"
)

// ToolHandler identifies which of the backend's fixed handler kinds a
// tool definition dispatches to.
type ToolHandler string

const (
	HandlerFilesystem     ToolHandler = "filesystem"
	HandlerSQLiteRow      ToolHandler = "sqlite_row"
	HandlerListFilesystem ToolHandler = "list_filesystem"
)

// ToolDef is the static configuration for one exposed tool, the Go
// analog of the original's backend.tools manifest section.
type ToolDef struct {
	Name              string
	Description       string
	Handler           ToolHandler
	ArgKey            string
	IDField           string
	Table             string
	Fields            []string
	SensitivePatterns []*regexp.Regexp
	InputSchema       map[string]any
}

// FileRoots gives the filesystem jail for each route; a request
// resolved to RouteProduction never sees a path under the shadow root
// and vice versa.
type FileRoots struct {
	Production string
	Shadow     string
}

// Backend is the shared data plane serving both routes from the same
// process. Which database/filesystem root a call reaches is decided
// entirely by the route embedded in its warrant, not by anything the
// caller can set directly.
type Backend struct {
	authority         *authority.Authority
	tools             map[string]ToolDef
	roots             FileRoots
	prodDB            *sql.DB
	shadowDB          *sql.DB
	confidentialTable string
	logger            *slog.Logger
	honeypot          *honeypotGenerator
}

// Config configures a Backend.
type Config struct {
	Authority         *authority.Authority
	Tools             []ToolDef
	Roots             FileRoots
	ProdDBPath        string
	ShadowDBPath      string
	ConfidentialTable string
	Logger            *slog.Logger
}

// Open builds a Backend, connecting to whichever of the two SQLite
// databases exist on disk (a missing database degrades that route's
// sqlite_row tools to errors, mirroring the original's "Database
// missing" warning-and-continue behavior rather than a hard failure).
func Open(cfg Config) (*Backend, error) {
	if cfg.Authority == nil {
		return nil, fmt.Errorf("execenv: authority is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	confidentialTable := cfg.ConfidentialTable
	if confidentialTable == "" {
		confidentialTable = "confidential_files"
	}

	tools := make(map[string]ToolDef, len(cfg.Tools))
	for _, t := range cfg.Tools {
		tools[t.Name] = t
	}

	prodDB, err := openSQLite(cfg.ProdDBPath, logger)
	if err != nil {
		return nil, err
	}
	shadowDB, err := openSQLite(cfg.ShadowDBPath, logger)
	if err != nil {
		return nil, err
	}

	return &Backend{
		authority:         cfg.Authority,
		tools:             tools,
		roots:             cfg.Roots,
		prodDB:            prodDB,
		shadowDB:          shadowDB,
		confidentialTable: confidentialTable,
		logger:            logger,
		honeypot:          newHoneypotGenerator(),
	}, nil
}

func openSQLite(path string, logger *slog.Logger) (*sql.DB, error) {
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); err != nil {
		logger.Warn("execenv: database missing, route degraded", "path", path)
		return nil, nil
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("execenv: open %s: %w", path, err)
	}
	logger.Info("execenv: connected to database", "path", path)
	return db, nil
}

// Close releases both database handles.
func (b *Backend) Close() error {
	var firstErr error
	for _, db := range []*sql.DB{b.prodDB, b.shadowDB} {
		if db == nil {
			continue
		}
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ListTools returns the static tool catalog, independent of route.
func (b *Backend) ListTools() []ToolDef {
	out := make([]ToolDef, 0, len(b.tools))
	for _, t := range b.tools {
		out = append(out, t)
	}
	return out
}

// simulateTransportLatency adds 20-50ms jitter to every call regardless
// of route, so timing analysis across many calls cannot distinguish
// local SQLite from a "remote" production store (spec.md §4.7's timing
// parity requirement; original_source's handle_request does the same
// with time.sleep(random.uniform(0.02, 0.05))).
func simulateTransportLatency(ctx context.Context) {
	n, err := rand.Int(rand.Reader, big.NewInt(31))
	delay := 20 * time.Millisecond
	if err == nil {
		delay += time.Duration(n.Int64()) * time.Millisecond
	}
	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}
}

// CallTool verifies warrant, resolves the route it encodes, and
// executes tool_name against whichever plane the route selects. The
// response never carries any field that would let the caller learn
// which plane answered (unlike original_source's ChimeraBackend, which
// injected "warrant_type" into the result — explicitly dropped here,
// see spec.md §7).
func (b *Backend) CallTool(ctx context.Context, warrant, toolName string, args map[string]any) (string, error) {
	simulateTransportLatency(ctx)

	route, err := b.authority.Verify(warrant)
	if err != nil {
		return "Error: Access Denied. Invalid or missing warrant.", nil
	}

	def, ok := b.tools[toolName]
	if !ok {
		return fmt.Sprintf("Error: Tool '%s' not found.", toolName), nil
	}

	switch def.Handler {
	case HandlerFilesystem:
		return b.handleReadFile(route, def, args), nil
	case HandlerSQLiteRow:
		return b.handleSQLiteRow(ctx, route, def, args), nil
	case HandlerListFilesystem:
		return b.handleListFilesystem(route, def, args), nil
	default:
		return fmt.Sprintf("Error: Unsupported handler for tool '%s'.", toolName), nil
	}
}

func (b *Backend) rootFor(route model.Route) string {
	if route == model.RouteProduction {
		return b.roots.Production
	}
	return b.roots.Shadow
}

func (b *Backend) dbFor(route model.Route) *sql.DB {
	if route == model.RouteProduction {
		return b.prodDB
	}
	return b.shadowDB
}

func (b *Backend) handleReadFile(route model.Route, def ToolDef, args map[string]any) string {
	argKey := def.ArgKey
	if argKey == "" {
		argKey = "filename"
	}
	filename, _ := args[argKey].(string)
	if filename == "" {
		if p, ok := args["path"].(string); ok {
			filename = p
		}
	}
	if filename == "" {
		return "Error: filename is required."
	}

	if matchesAny(filename, def.SensitivePatterns) {
		if content, ok := b.fetchConfidentialFile(b.dbFor(route), filename); ok {
			return content
		}
	}

	return safeReadFile(b.rootFor(route), filename)
}

func (b *Backend) fetchConfidentialFile(db *sql.DB, path string) (string, bool) {
	if db == nil {
		return "", false
	}
	var content string
	query := fmt.Sprintf("SELECT content FROM %s WHERE path = ?", b.confidentialTable)
	if err := db.QueryRow(query, path).Scan(&content); err != nil {
		if err != sql.ErrNoRows {
			b.logger.Error("execenv: confidential file lookup failed", "error", err)
		}
		return "", false
	}
	return content, true
}

// safeReadFile resolves filename under root and refuses to serve
// anything that would escape it, matching the original's
// target.relative_to(root_dir) traversal guard.
func safeReadFile(root, filename string) string {
	if root == "" {
		return "Error: filesystem root for environment not found."
	}
	normalized := strings.TrimLeft(filename, "/\\")
	target := filepath.Join(root, normalized)

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "Error: Invalid filename."
	}
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return "Error: Invalid filename."
	}
	rel, err := filepath.Rel(absRoot, absTarget)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "Error: Invalid filename."
	}

	info, err := os.Stat(absTarget)
	if err != nil || info.IsDir() {
		return fmt.Sprintf("Error: '%s' is not a file or does not exist.", filename)
	}

	data, err := os.ReadFile(absTarget)
	if err != nil {
		// Generic error to avoid leaking path information.
		return "Error: File not found."
	}
	return string(data)
}

func (b *Backend) handleSQLiteRow(ctx context.Context, route model.Route, def ToolDef, args map[string]any) string {
	argKey := def.ArgKey
	if argKey == "" {
		argKey = def.IDField
	}
	recordID, ok := args[argKey]
	if !ok || recordID == nil {
		return fmt.Sprintf("Error: %s is required.", argKey)
	}

	db := b.dbFor(route)
	if db == nil {
		return "Error: database unavailable."
	}

	fields := def.Fields
	if len(fields) == 0 {
		fields = []string{"*"}
	}
	idField := def.IDField
	if idField == "" {
		idField = argKey
	}

	columns := strings.Join(fields, ", ")
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", columns, def.Table, idField)
	row := db.QueryRowContext(ctx, query, recordID)

	result, err := scanRow(row, fields)
	if err != nil {
		if err == sql.ErrNoRows {
			if route == model.RouteShadow {
				return b.honeypot.generate(db, def.Table, idField, recordID, fields, b.logger)
			}
			return fmt.Sprintf("Error: Record %v not found.", recordID)
		}
		b.logger.Error("execenv: sqlite handler error", "table", def.Table, "error", err)
		return fmt.Sprintf("DB Error: %v", err)
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	return string(out)
}

func (b *Backend) handleListFilesystem(route model.Route, def ToolDef, args map[string]any) string {
	pathStr, _ := args["path"].(string)
	if pathStr == "" {
		pathStr = "."
	}
	pathStr = strings.TrimLeft(pathStr, "/\\")

	root := b.rootFor(route)
	if root == "" {
		return "Error: Filesystem root for environment not found."
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "Error: Access denied. Path is outside the allowed directory."
	}
	target := filepath.Join(absRoot, pathStr)
	rel, err := filepath.Rel(absRoot, target)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "Error: Access denied. Path is outside the allowed directory."
	}

	info, err := os.Stat(target)
	if err != nil || !info.IsDir() {
		return fmt.Sprintf("Error: '%s' is not a directory.", pathStr)
	}

	entries, err := os.ReadDir(target)
	if err != nil {
		return fmt.Sprintf("Error listing directory: %v", err)
	}
	if len(entries) == 0 {
		return "Directory is empty."
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return strings.Join(names, "\n")
}

func matchesAny(s string, patterns []*regexp.Regexp) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(row *sql.Row, fields []string) (map[string]any, error) {
	if len(fields) == 1 && fields[0] == "*" {
		return nil, fmt.Errorf("execenv: wildcard field list requires explicit column names")
	}
	dest := make([]any, len(fields))
	vals := make([]sql.NullString, len(fields))
	for i := range dest {
		dest[i] = &vals[i]
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	result := make(map[string]any, len(fields))
	for i, f := range fields {
		if vals[i].Valid {
			result[f] = vals[i].String
		} else {
			result[f] = nil
		}
	}
	return result, nil
}
