// Package sanitizer implements the Response Sanitizer of spec.md §4.8:
// a configurable list of regex substitutions applied to every outbound
// payload, regardless of route, before it leaves the gateway.
package sanitizer

import "regexp"

// Rule is one regex substitution: every match of Pattern in the payload
// is replaced with Replacement.
type Rule struct {
	Name        string
	Pattern     *regexp.Regexp
	Replacement string
}

// Sanitizer applies an ordered list of Rules to outbound text.
type Sanitizer struct {
	rules []Rule
}

// New builds a Sanitizer from rules, applied in order.
func New(rules []Rule) *Sanitizer {
	return &Sanitizer{rules: rules}
}

// Sanitize applies every rule to text in order and returns the result.
// Applying Sanitize to an already-sanitized payload is a no-op, since
// each replacement either matches no rule's pattern or, where it does
// (e.g. "password=[REDACTED]"), is rewritten to itself (spec.md §8's
// idempotence law).
func (s *Sanitizer) Sanitize(text string) string {
	for _, r := range s.rules {
		text = r.Pattern.ReplaceAllString(text, r.Replacement)
	}
	return text
}

// DefaultRules scrubs credential-like strings, authorization headers,
// and stack-trace preambles, adapted from the teacher's redact patterns
// (internal/redact/scanner.go) but simplified to pure substitution with
// no detokenization, per spec.md §4.8's narrower scope.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:        "credential_kv",
			Pattern:     regexp.MustCompile(`(?i)((?:password|passwd|secret|token|api_key|apikey)\s*[=:]\s*)\S+`),
			Replacement: "${1}[REDACTED]",
		},
		{
			Name:        "authorization_header",
			Pattern:     regexp.MustCompile(`(?i)(Authorization:\s*Bearer\s+)\S+`),
			Replacement: "${1}[REDACTED]",
		},
		{
			Name:        "ssn",
			Pattern:     regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
			Replacement: "[REDACTED_SSN]",
		},
		{
			Name:        "stack_trace_preamble",
			Pattern:     regexp.MustCompile(`(?m)^\s*(?:Traceback \(most recent call last\)|panic:.*|goroutine \d+ \[.*\]:).*$`),
			Replacement: "[STACK_TRACE_REDACTED]",
		},
	}
}
