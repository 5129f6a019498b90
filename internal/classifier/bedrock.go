package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/ppiankov/neurorouter"

	"github.com/chimera-security/chimera/internal/model"
)

const judgeSystemPrompt = `You are a vigilant security AI. Return JSON with risk (0.0-1.0), ` +
	`confidence (0.0-1.0, how certain you are), reason, and tags.`

// BedrockClassifier is the external probabilistic judge backend named in
// spec.md §4.3: it formats a single prompt per call and invokes a hosted
// model through Amazon Bedrock. Calls are rate-limited (see limiter below)
// so a classification storm cannot exhaust the account's throughput.
type BedrockClassifier struct {
	client  *bedrockruntime.Client
	modelID string
	limiter *limiter
	logger  *slog.Logger
}

// NewBedrockClassifier wraps an already-configured bedrockruntime client.
func NewBedrockClassifier(client *bedrockruntime.Client, modelID string, ratePerSecond float64, burst int, logger *slog.Logger) *BedrockClassifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &BedrockClassifier{
		client:  client,
		modelID: modelID,
		limiter: newLimiter(ratePerSecond, burst),
		logger:  logger,
	}
}

// bedrockInvokeBody is the minimal Anthropic-on-Bedrock messages payload.
type bedrockInvokeBody struct {
	AnthropicVersion string                   `json:"anthropic_version"`
	MaxTokens        int                      `json:"max_tokens"`
	System           string                   `json:"system"`
	Messages         []bedrockInvokeMessage   `json:"messages"`
}

type bedrockInvokeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type bedrockInvokeResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// rawAssessment mirrors spec.md §4.3's parsed judge response shape.
type rawAssessment struct {
	Risk       float64  `json:"risk"`
	Confidence float64  `json:"confidence"`
	Reason     string   `json:"reason"`
	Tags       []string `json:"tags"`
}

func (b *BedrockClassifier) Classify(ctx context.Context, tool string, args map[string]any, cctx model.Context) model.RiskAssessment {
	if !b.limiter.allow() {
		b.logger.Warn("classifier rate limited", "error", errRateLimited)
		return Unavailable
	}

	argsJSON, err := json.Marshal(args)
	if err != nil {
		return Unavailable
	}
	ctxJSON, err := json.Marshal(cctx)
	if err != nil {
		return Unavailable
	}

	prompt := fmt.Sprintf("Analyze this tool call:\nTool: %s\nArguments: %s\nContext: %s\n", tool, argsJSON, ctxJSON)

	body, err := json.Marshal(bedrockInvokeBody{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        512,
		System:           judgeSystemPrompt,
		Messages:         []bedrockInvokeMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return Unavailable
	}

	out, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		b.logger.Warn("classifier invoke failed", "error", err)
		return Unavailable
	}

	var resp bedrockInvokeResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil || len(resp.Content) == 0 {
		return Unavailable
	}

	text := strings.TrimSpace(resp.Content[0].Text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var parsed rawAssessment
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		b.logger.Warn("classifier response unparsable", "error", err)
		return Unavailable
	}

	return model.RiskAssessment{
		Risk:       parsed.Risk,
		Confidence: parsed.Confidence,
		Reason:     parsed.Reason,
		Tags:       parsed.Tags,
	}
}

// limiter is a simple token bucket guarding calls to the external judge.
// Exceeding the bucket surfaces neurorouter.ErrRateLimited, the same
// sentinel the teacher's daemon package checks for with errors.Is.
type limiter struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	last       time.Time
}

func newLimiter(ratePerSecond float64, burst int) *limiter {
	if ratePerSecond <= 0 {
		ratePerSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &limiter{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: ratePerSecond,
		last:       time.Now(),
	}
}

func (l *limiter) allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(l.last).Seconds()
	l.last = now
	l.tokens += elapsed * l.refillRate
	if l.tokens > l.maxTokens {
		l.tokens = l.maxTokens
	}
	if l.tokens < 1 {
		return false
	}
	l.tokens--
	return true
}

// errRateLimited wraps the canonical rate-limit sentinel so log lines
// stay greppable via errors.Is against neurorouter.ErrRateLimited.
var errRateLimited = fmt.Errorf("classifier: %w", neurorouter.ErrRateLimited)
