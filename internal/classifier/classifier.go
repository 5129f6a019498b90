// Package classifier implements the Risk Classifier of spec.md §4.3: a
// pluggable mapping from (tool, args, context) to a RiskAssessment.
package classifier

import (
	"context"
	"time"

	"github.com/chimera-security/chimera/internal/model"
)

// DefaultBudget is the classification deadline; exceeding it is treated
// as unavailable (spec.md §4.3: "must complete within a configured
// budget, default 2s; over budget is treated as unavailable").
const DefaultBudget = 2 * time.Second

// Unavailable is the fixed fail-open assessment substituted whenever the
// classifier cannot produce a real verdict in time (timeouts, transport
// errors, malformed responses, or rate limiting). This is a deliberate
// choice to fail open — the policy's deterministic phases still run —
// diverging from original_source/src/nsie/judge.py, which fails closed
// (risk_score=0.9) on the same conditions.
var Unavailable = model.RiskAssessment{Risk: 0, Confidence: 0, Reason: "unavailable", Tags: nil}

// Classifier maps a tool call to a RiskAssessment. Implementations must
// be side-effect-free and must respect ctx's deadline.
type Classifier interface {
	Classify(ctx context.Context, tool string, args map[string]any, cctx model.Context) model.RiskAssessment
}

// WithBudget wraps c so that Classify always returns within budget,
// substituting Unavailable if the underlying call does not finish in time.
func WithBudget(c Classifier, budget time.Duration) Classifier {
	if budget <= 0 {
		budget = DefaultBudget
	}
	return &budgeted{inner: c, budget: budget}
}

type budgeted struct {
	inner  Classifier
	budget time.Duration
}

func (b *budgeted) Classify(ctx context.Context, tool string, args map[string]any, cctx model.Context) model.RiskAssessment {
	ctx, cancel := context.WithTimeout(ctx, b.budget)
	defer cancel()

	resultCh := make(chan model.RiskAssessment, 1)
	go func() {
		resultCh <- b.inner.Classify(ctx, tool, args, cctx)
	}()

	select {
	case r := <-resultCh:
		return r
	case <-ctx.Done():
		return Unavailable
	}
}
