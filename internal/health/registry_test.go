package health

import (
	"testing"
	"time"
)

func TestObserveAndSnapshot(t *testing.T) {
	r := New(nil, time.Minute)
	r.Observe("tts", true, "ready", "")

	snap := r.Snapshot()
	s, ok := snap["tts"]
	if !ok {
		t.Fatal("tts missing from snapshot")
	}
	if !s.OK {
		t.Error("tts should be OK")
	}
}

func TestIsHealthyFalseForUnknownService(t *testing.T) {
	r := New(nil, time.Minute)
	if r.IsHealthy("nonexistent") {
		t.Fatal("unknown service should not be healthy")
	}
}

func TestSweepMarksStalePeersDown(t *testing.T) {
	r := New(nil, 10*time.Millisecond)
	r.Observe("stt", true, "ready", "")

	time.Sleep(20 * time.Millisecond)
	changed := r.Sweep()

	if len(changed) != 1 || changed[0] != "stt" {
		t.Fatalf("changed = %v, want [stt]", changed)
	}
	if r.IsHealthy("stt") {
		t.Fatal("stale peer should no longer be healthy")
	}
}

func TestSweepLeavesFreshPeersAlone(t *testing.T) {
	r := New(nil, time.Minute)
	r.Observe("llm", true, "ready", "")

	changed := r.Sweep()
	if len(changed) != 0 {
		t.Fatalf("changed = %v, want none", changed)
	}
	if !r.IsHealthy("llm") {
		t.Fatal("fresh peer should remain healthy")
	}
}

func TestSubscribeChangesReceivesSnapshot(t *testing.T) {
	r := New(nil, time.Minute)
	ch := r.SubscribeChanges()

	r.Observe("memory", true, "ready", "")

	select {
	case snap := <-ch:
		if _, ok := snap["memory"]; !ok {
			t.Fatal("snapshot missing memory entry")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive change notification")
	}
}

func TestSubscribeChangesConflatesBacklog(t *testing.T) {
	r := New(nil, time.Minute)
	ch := r.SubscribeChanges()

	r.Observe("a", true, "ready", "")
	r.Observe("b", true, "ready", "")
	r.Observe("c", true, "ready", "")

	select {
	case snap := <-ch:
		if len(snap) != 3 {
			t.Fatalf("latest snapshot should reflect all 3 observations, got %d entries", len(snap))
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive any snapshot")
	}

	select {
	case <-ch:
		t.Fatal("channel should be drained to a single conflated snapshot, not hold a backlog")
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	r := New(nil, time.Minute)
	ch := r.SubscribeChanges()
	r.Unsubscribe(ch)

	_, open := <-ch
	if open {
		t.Fatal("channel should be closed after Unsubscribe")
	}
}

func TestChangeHookFiresOnObserve(t *testing.T) {
	r := New(nil, time.Minute)
	var gotService string
	var gotOK bool
	r.SetChangeHook(func(service string, ok bool) {
		gotService, gotOK = service, ok
	})

	r.Observe("llm", true, "ready", "")

	if gotService != "llm" || !gotOK {
		t.Fatalf("hook = (%q, %v), want (llm, true)", gotService, gotOK)
	}
}

func TestChangeHookFiresOnSweep(t *testing.T) {
	r := New(nil, 10*time.Millisecond)
	var calls []string
	r.SetChangeHook(func(service string, ok bool) {
		if !ok {
			calls = append(calls, service)
		}
	})
	r.Observe("stt", true, "ready", "")

	time.Sleep(20 * time.Millisecond)
	r.Sweep()

	if len(calls) != 1 || calls[0] != "stt" {
		t.Fatalf("hook calls = %v, want [stt]", calls)
	}
}
