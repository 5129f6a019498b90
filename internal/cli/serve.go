package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chimera-security/chimera/internal/authority"
	"github.com/chimera-security/chimera/internal/classifier"
	"github.com/chimera-security/chimera/internal/config"
	"github.com/chimera-security/chimera/internal/execenv"
	"github.com/chimera-security/chimera/internal/interceptor"
	"github.com/chimera-security/chimera/internal/ledger"
	"github.com/chimera-security/chimera/internal/policy"
	"github.com/chimera-security/chimera/internal/sanitizer"
	"github.com/chimera-security/chimera/internal/session"
	"github.com/chimera-security/chimera/internal/transport"
)

var (
	servePolicy   string
	serveKeyDir   string
	serveLedger   string
	serveHTTPAddr string
	serveTools    string
	serveStdio    bool
	serveMock     bool
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&servePolicy, "policy", "", "Path to policy manifest YAML")
	serveCmd.Flags().StringVar(&serveKeyDir, "key-dir", "keys", "Directory holding private_prime.pem and private_shadow.pem")
	serveCmd.Flags().StringVar(&serveLedger, "ledger", "data/ledger.jsonl", "Path to the forensic ledger JSONL file")
	serveCmd.Flags().StringVar(&serveHTTPAddr, "http-addr", ":8443", "HTTP listen address for the /mcp JSON-RPC endpoint")
	serveCmd.Flags().StringVar(&serveTools, "tools", "", "Path to the backend tools manifest YAML (handler/table/fields per tool)")
	serveCmd.Flags().BoolVar(&serveStdio, "stdio", false, "Serve over stdio instead of HTTP")
	serveCmd.Flags().BoolVar(&serveMock, "mock-classifier", true, "Use the deterministic mock risk classifier instead of the Bedrock judge")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the CHIMERA interceptor and dual execution environment",
	Long: "Loads the policy manifest and signing keys, opens the ledger and\n" +
		"backend databases, and starts serving tool calls either over a\n" +
		"stdio JSON-RPC loop or an HTTP /mcp endpoint.\n" +
		"Hot-reloads the policy manifest on change.",
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.ApplyEnv(config.Default())
	if servePolicy != "" {
		cfg.PolicyPath = servePolicy
	}
	if cmd.Flags().Changed("key-dir") {
		cfg.KeyDir = serveKeyDir
	}
	if cmd.Flags().Changed("ledger") {
		cfg.LedgerPath = serveLedger
	}
	if cmd.Flags().Changed("http-addr") {
		cfg.HTTPAddr = serveHTTPAddr
	}
	if serveTools != "" {
		cfg.ToolsManifestPath = serveTools
	}
	if err := config.ValidateForServe(cfg); err != nil {
		return err
	}
	logger := config.Logger(cfg)

	policyStore, err := policy.NewStore(cfg.PolicyPath)
	if err != nil {
		return fmt.Errorf("chimera: load policy: %w", err)
	}
	reloader, err := policy.NewReloader(policyStore, logger)
	if err != nil {
		logger.Warn("policy hot-reload disabled", "error", err)
	}

	auth, err := authority.LoadFromFiles(cfg.KeyDir, cfg.WarrantTTL)
	if err != nil {
		return fmt.Errorf("chimera: load authority keys: %w", err)
	}

	led, err := ledger.Open(cfg.LedgerPath)
	if err != nil {
		return fmt.Errorf("chimera: open ledger: %w", err)
	}
	defer led.Close()

	tools, err := execenv.LoadToolDefs(cfg.ToolsManifestPath)
	if err != nil {
		logger.Warn("tools manifest unavailable, falling back to filesystem-only tool defs",
			"path", cfg.ToolsManifestPath, "error", err)
		manifest := policyStore.Manifest()
		for name, meta := range manifest.Tools {
			tools = append(tools, toolDefForCategory(name, meta.Category))
		}
	}

	backend, err := execenv.Open(execenv.Config{
		Authority:         auth,
		Tools:             tools,
		Roots:             execenv.FileRoots{Production: cfg.ProductionRoot, Shadow: cfg.ShadowRoot},
		ProdDBPath:        cfg.ProdDBPath,
		ShadowDBPath:      cfg.ShadowDBPath,
		ConfidentialTable: cfg.ConfidentialTable,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("chimera: open backend: %w", err)
	}
	defer backend.Close()

	var riskClassifier classifier.Classifier = classifier.NewMockClassifier(nil)
	if !serveMock && cfg.BedrockModelID != "" {
		riskClassifier = buildBedrockClassifier(cfg, logger)
	}
	riskClassifier = classifier.WithBudget(riskClassifier, cfg.RiskBudget)

	ic := interceptor.New(interceptor.Config{
		Sessions:      session.New(cfg.SessionWindow),
		TaintPatterns: session.DefaultTaintPatterns(),
		PolicyStore:   policyStore,
		Classifier:    riskClassifier,
		Authority:     auth,
		Ledger:        led,
		Sanitizer:     sanitizer.New(sanitizer.DefaultRules()),
		Backend:       backend,
		Logger:        logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if reloader != nil {
		go reloader.Run(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	if serveStdio {
		logger.Info("chimera serving on stdio")
		return transport.NewStdioServer(ic, session.NewSessionID(), os.Stdin, os.Stdout, logger).Run(ctx)
	}

	logger.Info("chimera serving http", "addr", cfg.HTTPAddr)
	httpServer := transport.NewHTTPServer(ic, logger)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: httpServer.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// toolDefForCategory builds a minimal filesystem-handler tool
// definition from the manifest's static tool category table. Used only
// when --tools/CHIMERA_TOOLS_MANIFEST points at nothing loadable, so
// `chimera serve` still starts against a policy-only manifest for local
// scenario bring-up; it can never produce a sqlite_row or
// list_filesystem tool, since the policy manifest carries no table or
// field information.
func toolDefForCategory(name, category string) execenv.ToolDef {
	def := execenv.ToolDef{
		Name:    name,
		Handler: execenv.HandlerFilesystem,
		ArgKey:  "filename",
	}
	if category == "sensitive" {
		def.SensitivePatterns = []*regexp.Regexp{regexp.MustCompile(`(?i)confidential|private`)}
	}
	return def
}
