package policy

import "testing"

func stopRuleSet() RuleSet {
	return RuleSet{Rules: []Rule{
		{Name: "stop", Phrases: []string{"stop", "cancel that"}, Reply: "Okay, stopping.", Cancel: true},
		{Name: "ack", Phrases: []string{"thanks"}, Reply: "You're welcome."},
	}}
}

func TestRouteDropsWhenWakeClosed(t *testing.T) {
	e := New(Config{}, RuleSet{})
	d := e.Route("r1", "hello", WakeView{Open: false}, HealthView{LLMHealthy: true})
	if d.Action != ActionDrop {
		t.Fatalf("action = %v, want drop", d.Action)
	}
}

func TestRouteDropsShortTranscript(t *testing.T) {
	e := New(Config{MinLengthChars: 5}, RuleSet{})
	d := e.Route("r1", "hi", WakeView{Open: true}, HealthView{LLMHealthy: true})
	if d.Action != ActionDrop {
		t.Fatalf("action = %v, want drop", d.Action)
	}
}

func TestRouteMatchesRuleSetWithCancel(t *testing.T) {
	e := New(Config{MinLengthChars: 1}, stopRuleSet())
	d := e.Route("r1", "please stop", WakeView{Open: true}, HealthView{LLMHealthy: true})
	if d.Action != ActionDirectTTS {
		t.Fatalf("action = %v, want direct_tts", d.Action)
	}
	if !d.AlsoCancel {
		t.Error("stop phrase should set AlsoCancel")
	}
	if d.Payload != "Okay, stopping." {
		t.Errorf("payload = %q", d.Payload)
	}
}

func TestRouteUsesFallbackWhenLLMUnhealthy(t *testing.T) {
	e := New(Config{MinLengthChars: 1, LLMFallbackText: "I'm having trouble right now."}, RuleSet{})
	d := e.Route("r1", "what time is it", WakeView{Open: true}, HealthView{LLMHealthy: false})
	if d.Action != ActionDirectTTS {
		t.Fatalf("action = %v, want direct_tts", d.Action)
	}
	if d.Payload != "I'm having trouble right now." {
		t.Errorf("payload = %q", d.Payload)
	}
}

func TestRouteDropsWhenLLMUnhealthyNoFallback(t *testing.T) {
	e := New(Config{MinLengthChars: 1}, RuleSet{})
	d := e.Route("r1", "what time is it", WakeView{Open: true}, HealthView{LLMHealthy: false})
	if d.Action != ActionDrop {
		t.Fatalf("action = %v, want drop", d.Action)
	}
}

func TestRouteIgnoresTTSHealth(t *testing.T) {
	e := New(Config{MinLengthChars: 1}, RuleSet{})
	d := e.Route("r1", "what time is it", WakeView{Open: true}, HealthView{LLMHealthy: true, TTSHealthy: false})
	if d.Action != ActionForwardLLM {
		t.Fatalf("action = %v, want forward_llm regardless of TTS health", d.Action)
	}
}

func TestRouteForwardsByDefault(t *testing.T) {
	e := New(Config{MinLengthChars: 1}, RuleSet{})
	d := e.Route("r1", "what's the weather", WakeView{Open: true}, HealthView{LLMHealthy: true})
	if d.Action != ActionForwardLLM {
		t.Fatalf("action = %v, want forward_llm", d.Action)
	}
}

func TestExplainReturnsRecordedDecision(t *testing.T) {
	e := New(Config{MinLengthChars: 1}, RuleSet{})
	e.Route("abc", "what's the weather", WakeView{Open: true}, HealthView{LLMHealthy: true})

	d := e.Explain("abc")
	if d == nil {
		t.Fatal("Explain returned nil for a recorded decision")
	}
	if d.RequestID != "abc" {
		t.Errorf("RequestID = %q", d.RequestID)
	}
}

func TestGetAuditLogTrimsToMax(t *testing.T) {
	e := New(Config{MinLengthChars: 1, MaxAuditLog: 2}, RuleSet{})
	e.Route("1", "a", WakeView{Open: true}, HealthView{LLMHealthy: true})
	e.Route("2", "b", WakeView{Open: true}, HealthView{LLMHealthy: true})
	e.Route("3", "c", WakeView{Open: true}, HealthView{LLMHealthy: true})

	log := e.GetAuditLog(0)
	if len(log) != 2 {
		t.Fatalf("len(log) = %d, want 2", len(log))
	}
	if log[0].RequestID != "2" {
		t.Errorf("oldest retained = %q, want 2 (1 should have been trimmed)", log[0].RequestID)
	}
}
