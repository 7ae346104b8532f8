// Package policy computes a Routing Decision from a transcript, the
// current wake session, and the health registry. The engine performs
// no I/O; its only side effect is appending each decision to its own
// in-memory audit log. It returns a decision; the caller executes it.
package policy

import (
	"strings"
	"sync"
	"time"
)

// Action is the outcome a Routing Decision prescribes.
type Action string

const (
	ActionDrop       Action = "drop"
	ActionDirectTTS  Action = "direct_tts"
	ActionForwardLLM Action = "forward_llm"
	ActionCancelLLM  Action = "cancel_llm"
)

// Decision is the pure value returned by Route.
type Decision struct {
	RequestID   string    `json:"request_id"`
	Timestamp   time.Time `json:"timestamp"`
	Action      Action    `json:"action"`
	Reason      string    `json:"reason"`
	TargetTopic string    `json:"target_topic,omitempty"`
	Payload     string    `json:"payload,omitempty"`

	// AlsoCancel is set alongside ActionDirectTTS when the matched rule
	// requires cancelling an in-flight LLM response for the same
	// correlation (e.g. a "stop" phrase).
	AlsoCancel bool `json:"also_cancel,omitempty"`

	RulesEvaluated []string `json:"rules_evaluated"`
}

// Rule is one entry of rule set R: canned responses for
// acknowledgment/stop phrases, matched by substring against the
// lowercased transcript.
type Rule struct {
	Name      string
	Phrases   []string
	Reply     string
	Cancel    bool // true for stop/cancel phrases
}

// RuleSet is data-driven and supplied at construction; the engine
// itself has no built-in phrase list.
type RuleSet struct {
	Rules []Rule
}

// Match returns the first rule whose phrase appears in transcript
// (case-insensitive), or nil.
func (rs RuleSet) Match(transcript string) *Rule {
	lower := strings.ToLower(transcript)
	for i := range rs.Rules {
		for _, p := range rs.Rules[i].Phrases {
			if strings.Contains(lower, strings.ToLower(p)) {
				return &rs.Rules[i]
			}
		}
	}
	return nil
}

// HealthView is the subset of the health registry's state the engine
// needs. Kept narrow and value-typed so the engine never touches the
// registry's internals or does I/O.
type HealthView struct {
	LLMHealthy bool
	TTSHealthy bool
}

// WakeView is the subset of wake session state the engine needs.
type WakeView struct {
	// Open is true when the session currently admits transcripts:
	// either always_listen, or a Listening/Responding session.
	Open bool
}

// Config controls thresholds and the fallback reply used when the LLM
// is unhealthy.
type Config struct {
	MinLengthChars  int
	LLMFallbackText string // empty means no fallback; unhealthy LLM then drops
	MaxAuditLog     int
}

// Engine computes decisions. Route performs no I/O; every decision it
// returns is also recorded in a bounded in-memory audit log, read back
// through GetAuditLog and Explain.
type Engine struct {
	cfg   Config
	rules RuleSet

	mu       sync.RWMutex
	auditLog []Decision
}

// New constructs an Engine with the given rule set and config.
func New(cfg Config, rules RuleSet) *Engine {
	if cfg.MaxAuditLog <= 0 {
		cfg.MaxAuditLog = 1000
	}
	if cfg.MinLengthChars <= 0 {
		cfg.MinLengthChars = 1
	}
	return &Engine{cfg: cfg, rules: rules}
}

// Route computes a Decision for one transcript, in priority order per
// the decision table: wake-closed, too-short, rule-set match,
// LLM-unhealthy (with/without fallback), otherwise forward. TTS
// health is deliberately never consulted here: an unhealthy TTS does
// not change the decision.
func (e *Engine) Route(requestID, transcript string, wake WakeView, health HealthView) Decision {
	d := Decision{
		RequestID: requestID,
		Timestamp: time.Now(),
	}

	if !wake.Open {
		d.Action = ActionDrop
		d.Reason = "wake session closed"
		d.RulesEvaluated = append(d.RulesEvaluated, "wake_session_open")
		e.record(d)
		return d
	}
	d.RulesEvaluated = append(d.RulesEvaluated, "wake_session_open")

	trimmed := strings.TrimSpace(transcript)
	if len(trimmed) < e.cfg.MinLengthChars {
		d.Action = ActionDrop
		d.Reason = "transcript below minimum length"
		d.RulesEvaluated = append(d.RulesEvaluated, "min_length")
		e.record(d)
		return d
	}
	d.RulesEvaluated = append(d.RulesEvaluated, "min_length")

	if rule := e.rules.Match(trimmed); rule != nil {
		d.Action = ActionDirectTTS
		d.Reason = "matched rule: " + rule.Name
		d.Payload = rule.Reply
		d.AlsoCancel = rule.Cancel
		d.RulesEvaluated = append(d.RulesEvaluated, "rule_set")
		e.record(d)
		return d
	}
	d.RulesEvaluated = append(d.RulesEvaluated, "rule_set")

	if !health.LLMHealthy {
		d.RulesEvaluated = append(d.RulesEvaluated, "llm_health")
		if e.cfg.LLMFallbackText != "" {
			d.Action = ActionDirectTTS
			d.Reason = "llm unhealthy, using fallback reply"
			d.Payload = e.cfg.LLMFallbackText
		} else {
			d.Action = ActionDrop
			d.Reason = "llm unhealthy, no fallback configured"
		}
		e.record(d)
		return d
	}
	d.RulesEvaluated = append(d.RulesEvaluated, "llm_health")

	d.Action = ActionForwardLLM
	d.Reason = "forwarded to llm"
	e.record(d)
	return d
}

func (e *Engine) record(d Decision) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.auditLog) >= e.cfg.MaxAuditLog {
		e.auditLog = e.auditLog[1:]
	}
	e.auditLog = append(e.auditLog, d)
}

// GetAuditLog returns the most recent limit decisions (or all, if
// limit <= 0).
func (e *Engine) GetAuditLog(limit int) []Decision {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if limit <= 0 || limit > len(e.auditLog) {
		limit = len(e.auditLog)
	}
	start := len(e.auditLog) - limit
	out := make([]Decision, limit)
	copy(out, e.auditLog[start:])
	return out
}

// Explain returns the decision recorded for requestID, if any.
func (e *Engine) Explain(requestID string) *Decision {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for i := len(e.auditLog) - 1; i >= 0; i-- {
		if e.auditLog[i].RequestID == requestID {
			d := e.auditLog[i]
			return &d
		}
	}
	return nil
}
