// Package session implements the Session Store described in spec.md
// §4.2: per-session taint tracking and windowed risk accumulation,
// serialized per session so concurrent calls on the same session never
// interleave while calls on different sessions proceed in parallel.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/chimera-security/chimera/internal/model"
)

// DefaultWindow is the trailing window over which risk events accumulate.
const DefaultWindow = 60 * time.Minute

// DefaultIdleTTL is how long a session may sit untouched before
// EvictIdle reclaims it. The Store never calls EvictIdle on its own.
const DefaultIdleTTL = 24 * time.Hour

// TaintPatterns holds the red/green regexes used to decide whether a
// newly-accessed source taints a session. The policy manifest has no
// fields for these patterns; callers pass a TaintPatterns value in
// directly (chimera serve uses DefaultTaintPatterns).
type TaintPatterns struct {
	Red          []*regexp.Regexp
	Green        []*regexp.Regexp
	DefaultGreen bool // true = "green" default (utility-by-default); false = "red" (secure-by-default)
}

// DefaultTaintPatterns mirrors the original source's defaults
// (src/ipg/taint.py).
func DefaultTaintPatterns() TaintPatterns {
	compile := func(pats []string) []*regexp.Regexp {
		out := make([]*regexp.Regexp, 0, len(pats))
		for _, p := range pats {
			out = append(out, regexp.MustCompile("(?i)"+p))
		}
		return out
	}
	return TaintPatterns{
		Red:          compile([]string{"resume", "upload", "external", "/shared/", "attachment"}),
		Green:        compile([]string{"/private/", "/real/", "_conf_", "system", "internal"}),
		DefaultGreen: true,
	}
}

// entry is the internal bookkeeping record for one session.
type entry struct {
	mu      sync.Mutex
	session model.Session
}

// Store is a concurrency-safe session store with per-session
// serialization and a sliding risk-accumulation window.
type Store struct {
	window time.Duration
	idleTTL time.Duration

	mapMu sync.RWMutex
	byID  map[string]*entry
}

// New creates a Store with the given accumulation window. A zero window
// falls back to DefaultWindow.
func New(window time.Duration) *Store {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Store{
		window:  window,
		idleTTL: DefaultIdleTTL,
		byID:    make(map[string]*entry),
	}
}

func (s *Store) entryFor(sessionID string) *entry {
	s.mapMu.RLock()
	e, ok := s.byID[sessionID]
	s.mapMu.RUnlock()
	if ok {
		return e
	}

	s.mapMu.Lock()
	defer s.mapMu.Unlock()
	if e, ok := s.byID[sessionID]; ok {
		return e
	}
	e = &entry{session: model.Session{ID: sessionID, LastSeen: time.Now().UTC()}}
	s.byID[sessionID] = e
	return e
}

// Touch returns the session for sessionID, creating it on first contact.
func (s *Store) Touch(sessionID string) model.Session {
	if sessionID == "" {
		sessionID = NewSessionID()
	}
	e := s.entryFor(sessionID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.session.LastSeen = time.Now().UTC()
	return cloneSession(e.session)
}

// MarkTainted flips the session's taint flag to true. Idempotent: the
// taint source is recorded only on the first transition, and the
// transition never reverses (spec.md §3 invariant: tainted is false→true only).
func (s *Store) MarkTainted(sessionID, source string) {
	e := s.entryFor(sessionID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.session.Tainted {
		e.session.Tainted = true
		e.session.TaintSource = source
	}
}

// IsTainted reports the session's current taint status.
func (s *Store) IsTainted(sessionID string) bool {
	e := s.entryFor(sessionID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Tainted
}

// TaintSource returns the artifact that first tainted the session, if any.
func (s *Store) TaintSource(sessionID string) string {
	e := s.entryFor(sessionID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.TaintSource
}

// CheckSourceTrust classifies a source string as tainting (red),
// trusted (green), or falls back to the configured default. Red patterns
// are checked first so an explicit untrusted marker always wins.
func CheckSourceTrust(patterns TaintPatterns, source string) (tainting bool) {
	for _, re := range patterns.Red {
		if re.MatchString(source) {
			return true
		}
	}
	for _, re := range patterns.Green {
		if re.MatchString(source) {
			return false
		}
	}
	return !patterns.DefaultGreen
}

// RecordRisk appends a risk observation and prunes events older than
// now-window, then returns the resulting accumulated risk. Record and
// prune happen atomically under the session's lock so accumulated_risk
// is always a pure function of retained events (spec.md §3 invariant).
func (s *Store) RecordRisk(sessionID string, risk float64, tool string, now time.Time) float64 {
	e := s.entryFor(sessionID)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.session.RiskEvents = append(e.session.RiskEvents, model.RiskEvent{
		Timestamp: now,
		Risk:      risk,
		Tool:      tool,
	})
	e.session.RiskEvents = pruneWindow(e.session.RiskEvents, now, s.window)
	e.session.LastSeen = now
	return sumRisk(e.session.RiskEvents)
}

// AccumulatedRisk returns the current windowed sum without recording a
// new event. Events older than now-window are pruned from the session
// as a side effect.
func (s *Store) AccumulatedRisk(sessionID string, now time.Time) float64 {
	e := s.entryFor(sessionID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.session.RiskEvents = pruneWindow(e.session.RiskEvents, now, s.window)
	return sumRisk(e.session.RiskEvents)
}

// EvictIdle removes sessions whose LastSeen is older than the store's
// idle TTL. Intended to run periodically from a background goroutine.
func (s *Store) EvictIdle(now time.Time) int {
	s.mapMu.Lock()
	defer s.mapMu.Unlock()
	removed := 0
	for id, e := range s.byID {
		e.mu.Lock()
		stale := now.Sub(e.session.LastSeen) > s.idleTTL
		e.mu.Unlock()
		if stale {
			delete(s.byID, id)
			removed++
		}
	}
	return removed
}

func pruneWindow(events []model.RiskEvent, now time.Time, window time.Duration) []model.RiskEvent {
	cutoff := now.Add(-window)
	out := events[:0:0]
	for _, ev := range events {
		if ev.Timestamp.After(cutoff) {
			out = append(out, ev)
		}
	}
	return out
}

func sumRisk(events []model.RiskEvent) float64 {
	var total float64
	for _, ev := range events {
		total += ev.Risk
	}
	return total
}

func cloneSession(s model.Session) model.Session {
	events := make([]model.RiskEvent, len(s.RiskEvents))
	copy(events, s.RiskEvents)
	s.RiskEvents = events
	return s
}

// NewSessionID mints an opaque session identifier when the agent does
// not supply one, mirroring the teacher's identity.NewSession pattern.
func NewSessionID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("sess-%x", time.Now().UnixNano())
	}
	return "sess-" + hex.EncodeToString(b)
}
