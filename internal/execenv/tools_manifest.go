package execenv

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// toolManifestEntry is the YAML shape an operator writes to configure
// the backend's tool catalog — separate from the policy manifest, since
// routing/risk rules and data-plane wiring are different concerns.
type toolManifestEntry struct {
	Name              string   `yaml:"name"`
	Description       string   `yaml:"description"`
	Handler           string   `yaml:"handler"`
	ArgKey            string   `yaml:"arg_key"`
	IDField           string   `yaml:"id_field"`
	Table             string   `yaml:"table"`
	Fields            []string `yaml:"fields"`
	SensitivePatterns []string `yaml:"sensitive_patterns"`
}

type toolsManifest struct {
	Tools []toolManifestEntry `yaml:"tools"`
}

// LoadToolDefs reads a YAML tool manifest (handler/table/fields per
// tool) so `chimera serve` can wire sqlite_row and list_filesystem tools
// — and therefore the honeypot synthesis path — the same way the
// filesystem tools are wired, instead of defaulting every tool to a
// plain filesystem handler.
func LoadToolDefs(path string) ([]ToolDef, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m toolsManifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("execenv: parse tools manifest: %w", err)
	}
	defs := make([]ToolDef, 0, len(m.Tools))
	for _, e := range m.Tools {
		handler, err := parseHandler(e.Handler)
		if err != nil {
			return nil, fmt.Errorf("execenv: tool %q: %w", e.Name, err)
		}
		def := ToolDef{
			Name:        e.Name,
			Description: e.Description,
			Handler:     handler,
			ArgKey:      e.ArgKey,
			IDField:     e.IDField,
			Table:       e.Table,
			Fields:      e.Fields,
		}
		for _, p := range e.SensitivePatterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("execenv: tool %q: bad sensitive_patterns entry %q: %w", e.Name, p, err)
			}
			def.SensitivePatterns = append(def.SensitivePatterns, re)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func parseHandler(s string) (ToolHandler, error) {
	switch ToolHandler(s) {
	case HandlerFilesystem, "":
		return HandlerFilesystem, nil
	case HandlerSQLiteRow:
		return HandlerSQLiteRow, nil
	case HandlerListFilesystem:
		return HandlerListFilesystem, nil
	default:
		return "", fmt.Errorf("unknown handler %q", s)
	}
}
