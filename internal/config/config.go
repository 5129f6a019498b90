// Package config assembles CHIMERA's ambient settings — logging,
// file locations, and environment overrides — the way the teacher's
// profile/denylist loaders layer config: YAML on disk, environment
// variables as overrides, sane defaults when both are absent.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Config holds every path and tunable a `chimera serve` run needs.
type Config struct {
	PolicyPath        string
	KeyDir            string
	LedgerPath        string
	ProdDBPath        string
	ShadowDBPath      string
	ProductionRoot    string
	ShadowRoot        string
	ConfidentialTable string
	ToolsManifestPath string
	WarrantTTL        time.Duration
	RiskBudget        time.Duration
	SessionWindow     time.Duration
	HTTPAddr          string
	LogLevel          string
	BedrockModelID    string
	BedrockRegion     string
}

// Default returns the built-in defaults, the same fallback layer
// DefaultManifest gives the policy package.
func Default() Config {
	return Config{
		PolicyPath:        "chimera_policy.yaml",
		KeyDir:            "keys",
		LedgerPath:        "data/ledger.jsonl",
		ProdDBPath:        "data/prod.db",
		ShadowDBPath:      "data/shadow.db",
		ProductionRoot:    "data/real",
		ShadowRoot:        "data/shadow",
		ConfidentialTable: "confidential_files",
		ToolsManifestPath: "chimera_tools.yaml",
		WarrantTTL:        time.Hour,
		RiskBudget:        2 * time.Second,
		SessionWindow:     60 * time.Minute,
		HTTPAddr:          ":8443",
		LogLevel:          "info",
	}
}

// ApplyEnv overrides cfg's fields from CHIMERA_* environment variables,
// the convention the teacher's profile/purpose flags follow at the CLI
// layer but pushed one level lower so a container deployment can be
// configured without a baked-in flag set.
func ApplyEnv(cfg Config) Config {
	str := func(key string, cur *string) {
		if v := os.Getenv(key); v != "" {
			*cur = v
		}
	}
	dur := func(key string, cur *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*cur = d
			}
		}
	}

	str("CHIMERA_POLICY_PATH", &cfg.PolicyPath)
	str("CHIMERA_KEY_DIR", &cfg.KeyDir)
	str("CHIMERA_LEDGER_PATH", &cfg.LedgerPath)
	str("CHIMERA_PROD_DB", &cfg.ProdDBPath)
	str("CHIMERA_SHADOW_DB", &cfg.ShadowDBPath)
	str("CHIMERA_PRODUCTION_ROOT", &cfg.ProductionRoot)
	str("CHIMERA_SHADOW_ROOT", &cfg.ShadowRoot)
	str("CHIMERA_TOOLS_MANIFEST", &cfg.ToolsManifestPath)
	str("CHIMERA_HTTP_ADDR", &cfg.HTTPAddr)
	str("CHIMERA_LOG_LEVEL", &cfg.LogLevel)
	str("CHIMERA_BEDROCK_MODEL_ID", &cfg.BedrockModelID)
	str("CHIMERA_BEDROCK_REGION", &cfg.BedrockRegion)
	dur("CHIMERA_WARRANT_TTL", &cfg.WarrantTTL)
	dur("CHIMERA_RISK_BUDGET", &cfg.RiskBudget)
	dur("CHIMERA_SESSION_WINDOW", &cfg.SessionWindow)

	return cfg
}

// Logger builds the process-wide structured logger from cfg.LogLevel.
func Logger(cfg Config) *slog.Logger {
	level := parseLevel(cfg.LogLevel)
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// EnvBool reads a boolean environment variable, defaulting to def when
// unset or unparsable.
func EnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// ValidateForServe checks the fields a `chimera serve` run cannot start
// without, returning a single combined error.
func ValidateForServe(cfg Config) error {
	if cfg.KeyDir == "" {
		return fmt.Errorf("config: key directory is required")
	}
	return nil
}
