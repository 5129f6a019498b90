// Package interceptor implements the orchestrator of spec.md §4.5: the
// single component that sits between an agent's tool call and the
// Execution Environment, running the full pipeline — taint check,
// classification, accumulation, policy evaluation, warrant issuance,
// response sanitization, and ledger logging — in a fixed order on
// every call. Grounded on internal/intercept/proxy.go's wiring style,
// adapted from an LLM-response-rewriting proxy to a tool-call router.
package interceptor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/chimera-security/chimera/internal/authority"
	"github.com/chimera-security/chimera/internal/classifier"
	"github.com/chimera-security/chimera/internal/execenv"
	"github.com/chimera-security/chimera/internal/ledger"
	"github.com/chimera-security/chimera/internal/model"
	"github.com/chimera-security/chimera/internal/policy"
	"github.com/chimera-security/chimera/internal/sanitizer"
	"github.com/chimera-security/chimera/internal/session"
	"github.com/chimera-security/chimera/internal/transport"
)

// Backend is the subset of execenv.Backend the Interceptor needs, kept
// as an interface so tests can substitute a fake data plane.
type Backend interface {
	CallTool(ctx context.Context, warrant, tool string, args map[string]any) (string, error)
	ListTools() []execenv.ToolDef
}

// Clock lets tests control "now"; production uses time.Now.
type Clock func() time.Time

// Interceptor wires every pipeline stage together and implements
// transport.Dispatcher.
type Interceptor struct {
	sessions      *session.Store
	taintPatterns session.TaintPatterns
	policyStore   *policy.Store
	classifier    classifier.Classifier
	authority     *authority.Authority
	ledger        *ledger.Ledger
	sanitizer     *sanitizer.Sanitizer
	backend       Backend
	logger        *slog.Logger
	now           Clock
}

// Config wires every collaborator the Interceptor needs.
type Config struct {
	Sessions      *session.Store
	TaintPatterns session.TaintPatterns
	PolicyStore   *policy.Store
	Classifier    classifier.Classifier
	Authority     *authority.Authority
	Ledger        *ledger.Ledger
	Sanitizer     *sanitizer.Sanitizer
	Backend       Backend
	Logger        *slog.Logger
	Now           Clock
}

// New builds an Interceptor from cfg, filling in defaults for the
// optional fields.
func New(cfg Config) *Interceptor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	sanitize := cfg.Sanitizer
	if sanitize == nil {
		sanitize = sanitizer.New(sanitizer.DefaultRules())
	}
	return &Interceptor{
		sessions:      cfg.Sessions,
		taintPatterns: cfg.TaintPatterns,
		policyStore:   cfg.PolicyStore,
		classifier:    cfg.Classifier,
		authority:     cfg.Authority,
		ledger:        cfg.Ledger,
		sanitizer:     sanitize,
		backend:       cfg.Backend,
		logger:        logger,
		now:           now,
	}
}

// ListTools implements transport.Dispatcher by exposing the backend's
// static tool catalog.
func (ic *Interceptor) ListTools(_ context.Context) []transport.ToolDescriptor {
	defs := ic.backend.ListTools()
	out := make([]transport.ToolDescriptor, 0, len(defs))
	for _, d := range defs {
		out = append(out, transport.ToolDescriptor{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema,
		})
	}
	return out
}

// Dispatch runs the full pipeline of spec.md §4.5 for one tool call and
// returns the sanitized response text the agent sees. callCtx is the
// agent-supplied identity/provenance envelope (params.context on the
// wire, a sibling of args — spec.md §6), which seeds UserID/UserRole/
// Source/Ticket on the evaluator context; it may be nil.
func (ic *Interceptor) Dispatch(ctx context.Context, sessionID, tool string, args map[string]any, callCtx map[string]any) (string, error) {
	now := ic.now().UTC()

	// Step 1: extract session.
	sess := ic.sessions.Touch(sessionID)
	sessionID = sess.ID

	// Step 2: taint check. The full serialized argument set stands in
	// for "the accessed resource" so every tool's arguments (filenames,
	// urls, query text) are scanned uniformly rather than requiring a
	// single named field every tool must share.
	argsBlob, err := json.Marshal(args)
	if err != nil {
		argsBlob = []byte("{}")
	}
	source := string(argsBlob)
	if tainting := session.CheckSourceTrust(ic.taintPatterns, source); tainting {
		ic.sessions.MarkTainted(sessionID, source)
	}
	isTainted := ic.sessions.IsTainted(sessionID)
	taintSource := ic.sessions.TaintSource(sessionID)

	manifest := ic.policyStore.Manifest()

	// Step 3: build the call context the classifier and evaluator see.
	cctx := model.Context{
		SessionID:         sessionID,
		IsTainted:         isTainted,
		TaintSource:       taintSource,
		IsSuspiciousQuery: policy.IsSuspiciousQuery(manifest.SuspiciousKeywords, source),
		ToolCategory:      manifest.ToolCategory(tool),
	}
	if callCtx != nil {
		cctx.UserID, _ = callCtx["user_id"].(string)
		cctx.UserRole, _ = callCtx["user_role"].(string)
		cctx.Source, _ = callCtx["source"].(string)
		cctx.Ticket, _ = callCtx["ticket"].(string)
	}

	// Step 4: classify risk (budget-bounded, fail-open).
	assessment := ic.classifier.Classify(ctx, tool, args, cctx)

	// Step 5: accumulate risk in the trailing window.
	accumulated := ic.sessions.RecordRisk(sessionID, assessment.Risk, tool, now)
	cctx.AccumulatedRisk = accumulated

	// Step 6: evaluate policy — the only place a route is ever decided.
	decision := manifest.Evaluate(tool, args, cctx, assessment.Risk, assessment.Confidence, accumulated)

	// Step 7: issue a warrant bound to the decided route.
	warrant, err := ic.authority.Issue(sessionID, tool, decision.Route, now)
	if err != nil {
		ic.logError(sessionID, tool, decision, err)
		return "", fmt.Errorf("interceptor: issue warrant: %w", err)
	}

	// Step 8: forward to the Execution Environment.
	raw, callErr := ic.backend.CallTool(ctx, warrant, tool, args)

	// Step 9: sanitize and log, regardless of route.
	sanitized := ic.sanitizer.Sanitize(raw)

	outcome := model.LedgerOutcome{Status: "ok"}
	if callErr != nil {
		outcome = model.LedgerOutcome{Status: "error", Detail: callErr.Error()}
	}

	entry := model.LedgerEntry{
		Timestamp:       now,
		SessionID:       sessionID,
		EventType:       "tool_call",
		Trigger:         model.LedgerTrigger{Tool: tool, Risk: assessment.Risk, Reason: assessment.Reason},
		Action:          model.LedgerAction{Route: decision.Route, RuleID: decision.RuleID, Reason: decision.Reason},
		Outcome:         outcome,
		AccumulatedRisk: accumulated,
	}
	if _, err := ic.ledger.Append(entry); err != nil {
		ic.logger.Error("interceptor: ledger append failed", "session_id", sessionID, "error", err)
	}

	if callErr != nil {
		return "", fmt.Errorf("interceptor: backend call: %w", callErr)
	}
	return sanitized, nil
}

func (ic *Interceptor) logError(sessionID, tool string, decision model.Decision, err error) {
	entry := model.LedgerEntry{
		Timestamp: ic.now().UTC(),
		SessionID: sessionID,
		EventType: "warrant_error",
		Trigger:   model.LedgerTrigger{Tool: tool},
		Action:    model.LedgerAction{Route: decision.Route, RuleID: decision.RuleID, Reason: decision.Reason},
		Outcome:   model.LedgerOutcome{Status: "error", Detail: err.Error()},
	}
	if _, lerr := ic.ledger.Append(entry); lerr != nil {
		ic.logger.Error("interceptor: ledger append failed", "session_id", sessionID, "error", lerr)
	}
}
